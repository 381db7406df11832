package libupstream

import (
	"io"
	"net/http"

	"github.com/upstreamio/libupstream-go/codec"
)

// ingressCallbacks is the session's codec.Callback face. The codec
// invokes these synchronously from OnIngress, which the session only
// calls with its lock held; none of these methods may lock again.
type ingressCallbacks Session

var _ codec.Callback = (*ingressCallbacks)(nil)

func (c *ingressCallbacks) session() *Session { return (*Session)(c) }

func (c *ingressCallbacks) OnMessageBegin(id codec.StreamId) {
	s := c.session()
	if t, ok := s.txns.get(id); ok {
		t.refreshIdleLocked()
	}
}

func (c *ingressCallbacks) OnPushMessageBegin(id codec.StreamId, assocId codec.StreamId) {
	s := c.session()
	if id > s.maxIncomingStream {
		s.maxIncomingStream = id
	}
	assoc, ok := s.txns.get(assocId)
	if !ok || assoc.detached {
		s.Debug("push with invalid associated stream", "id", uint32(id), "assoc", uint32(assocId))
		s.ignoredStreams[id] = struct{}{}
		_ = s.generateLocked(func(w io.Writer) error {
			return s.cdc.GenerateRstStream(w, id, codec.ErrCodeProtocol)
		})
		s.afterEgressLocked()
		return
	}
	pushed := newTransaction(s, id, TxnDirIngress, nil)
	pushed.assoc = assocId
	// the client sends nothing on a pushed stream
	pushed.egressStarted = true
	pushed.egressComplete = true
	s.txns.set(id, pushed)
	h := assoc.handler
	s.enqueue(func() {
		h.OnPushedTransaction(assoc, pushed)
		s.refuseIfUnhandled(pushed)
	})
}

func (c *ingressCallbacks) OnExMessageBegin(id codec.StreamId, controlId codec.StreamId) {
	s := c.session()
	if id > s.maxIncomingStream {
		s.maxIncomingStream = id
	}
	control, ok := s.txns.get(controlId)
	if !ok || control.detached {
		// unknown control stream: silently drop
		s.ignoredStreams[id] = struct{}{}
		return
	}
	ex := newTransaction(s, id, TxnDirEx, nil)
	ex.control = controlId
	s.txns.set(id, ex)
	h := control.handler
	s.enqueue(func() {
		h.OnExTransaction(control, ex)
		s.refuseIfUnhandled(ex)
	})
}

// refuseIfUnhandled resets a peer-initiated transaction whose
// announcement callback did not install a handler.
func (s *Session) refuseIfUnhandled(t *Transaction) {
	s.mu.Lock()
	if t.handler != nil || t.detached {
		s.mu.Unlock()
		return
	}
	s.Debug("refusing unhandled peer stream", "id", uint32(t.id))
	_ = s.generateLocked(func(w io.Writer) error {
		return s.cdc.GenerateRstStream(w, t.id, codec.ErrCodeRefusedStream)
	})
	s.ignoredStreams[t.id] = struct{}{}
	t.handler = BaseHandler{}
	t.egressComplete = true
	t.ingressComplete = true
	t.maybeDetachLocked()
	s.afterEgressLocked()
	s.mu.Unlock()
}

func (c *ingressCallbacks) OnHeadersComplete(id codec.StreamId, msg *codec.Message) {
	s := c.session()
	if _, ignored := s.ignoredStreams[id]; ignored {
		return
	}
	if msg.IsResponse() && msg.Status == 101 {
		s.onUpgrade101Locked(id, msg)
		return
	}
	t, ok := s.txns.get(id)
	if !ok {
		s.Debug("headers for unknown stream", "id", uint32(id))
		_ = s.generateLocked(func(w io.Writer) error {
			return s.cdc.GenerateRstStream(w, id, codec.ErrCodeStreamClosed)
		})
		s.afterEgressLocked()
		return
	}
	t.onIngressHeadersLocked(msg)
	if msg.IsResponse() && !msg.Is1xx() {
		s.enqueue(func() { s.info.OnIngressMessage(s, msg) })
	}
}

func (c *ingressCallbacks) OnBody(id codec.StreamId, data []byte, padding uint16) {
	s := c.session()
	if _, ignored := s.ignoredStreams[id]; ignored {
		return
	}
	t, ok := s.txns.get(id)
	if !ok {
		return
	}
	n := uint32(len(data)) + uint32(padding)
	if s.connRecv != nil {
		s.connRecv.onData(n)
		if d := s.connRecv.maybeRefill(); d > 0 {
			_ = s.generateLocked(func(w io.Writer) error {
				return s.cdc.GenerateWindowUpdate(w, 0, d)
			})
		}
	}
	if s.cdc.SupportsStreamFlowControl() {
		t.recvWindow.onData(n)
		if d := t.recvWindow.maybeRefill(); d > 0 {
			_ = s.generateLocked(func(w io.Writer) error {
				return s.cdc.GenerateWindowUpdate(w, id, d)
			})
		}
	}
	t.onIngressBodyLocked(data)
	s.afterEgressLocked()
}

func (c *ingressCallbacks) OnChunkHeader(id codec.StreamId, length uint64) {
	s := c.session()
	if t, ok := s.txns.get(id); ok {
		t.onIngressChunkHeaderLocked(length)
	}
}

func (c *ingressCallbacks) OnChunkComplete(id codec.StreamId) {
	s := c.session()
	if t, ok := s.txns.get(id); ok {
		t.onIngressChunkCompleteLocked()
	}
}

func (c *ingressCallbacks) OnTrailersComplete(id codec.StreamId, trailers http.Header) {
	s := c.session()
	if t, ok := s.txns.get(id); ok {
		t.onIngressTrailersLocked(trailers)
	}
}

func (c *ingressCallbacks) OnMessageComplete(id codec.StreamId, upgrade bool) {
	s := c.session()
	if upgrade {
		if s.upgrade != nil && s.upgrade.armed {
			s.upgrade.switchPending = true
		}
		return
	}
	if _, ignored := s.ignoredStreams[id]; ignored {
		delete(s.ignoredStreams, id)
		return
	}
	if t, ok := s.txns.get(id); ok {
		t.onIngressEOMLocked()
	}
}

func (c *ingressCallbacks) OnError(id codec.StreamId, cerr *codec.Error, isNew bool) {
	s := c.session()
	if id == 0 {
		// no stream attribution: every open transaction learns of it,
		// and the connection is beyond recovery
		s.txns.each(func(t *Transaction) {
			t.failLocked(ErrorParseHeader, DirectionIngress, "")
		})
		s.closeLocked(cerr)
		return
	}
	if t, ok := s.txns.get(id); ok {
		t.failLocked(ErrorParseHeader, DirectionIngress, "")
		return
	}
	if isNew {
		code := cerr.Code
		if code == codec.ErrCodeNoError {
			code = codec.ErrCodeProtocol
		}
		_ = s.generateLocked(func(w io.Writer) error {
			return s.cdc.GenerateRstStream(w, id, code)
		})
		s.afterEgressLocked()
	}
}

func (c *ingressCallbacks) OnAbort(id codec.StreamId, code codec.ErrorCode) {
	s := c.session()
	t, ok := s.txns.get(id)
	if !ok {
		return
	}
	kind := ErrorConnectionReset
	if code == codec.ErrCodeRefusedStream {
		kind = ErrorRefusedStream
	}
	detail := ""
	if code != codec.ErrCodeNoError {
		detail = code.String()
	}
	t.failLocked(kind, DirectionIngressAndEgress, detail)
}

func (c *ingressCallbacks) OnFrameHeader(id codec.StreamId, _ uint32, _ uint8, _ uint8) {
	s := c.session()
	if t, ok := s.txns.get(id); ok {
		t.refreshIdleLocked()
	}
}

func (c *ingressCallbacks) OnGoaway(lastGood codec.StreamId, code codec.ErrorCode, debug []byte) {
	s := c.session()
	eff := s.drain.onGoawayReceived(lastGood)
	if s.state == SessionRunning {
		s.state = SessionDraining
	}
	s.Info("goaway received", "lastgood", uint32(lastGood), "code", code.String(), "debug", string(debug))
	s.txns.each(func(t *Transaction) {
		t.onGoawayLocked(code)
	})
	detail := ""
	if code != codec.ErrCodeNoError {
		detail = code.String()
	}
	s.txns.each(func(t *Transaction) {
		if (t.dir == TxnDirEgress || t.dir == TxnDirEx) && t.id > eff {
			t.failLocked(ErrorStreamUnacknowledged, DirectionIngressAndEgress, detail)
		}
	})
	s.maybeCloseLocked()
}

func (c *ingressCallbacks) OnPingRequest(data uint64) {
	s := c.session()
	_ = s.generateLocked(func(w io.Writer) error {
		return s.cdc.GeneratePingReply(w, data)
	})
	s.afterEgressLocked()
}

func (c *ingressCallbacks) OnPingReply(data uint64) {
	s := c.session()
	s.enqueue(func() { s.info.OnPingReply(s, data) })
}

func (c *ingressCallbacks) OnWindowUpdate(id codec.StreamId, amount uint32) {
	s := c.session()
	if id == 0 {
		if s.connSend != nil {
			s.connSend.grant(int32(amount))
			s.connWindowNotified = false
			s.flushAllDeferredLocked()
			s.afterEgressLocked()
		}
		return
	}
	if t, ok := s.txns.get(id); ok && t.sendWindow != nil {
		t.sendWindow.grant(int32(amount))
		s.flushTxnEgressLocked(t)
		s.afterEgressLocked()
	}
}

// OnSettings records peer settings. An initial-window-size change
// retroactively adjusts every live stream's send window by the delta;
// MAX_CONCURRENT_STREAMS of zero means the peer wants us gone and the
// session drains immediately.
func (c *ingressCallbacks) OnSettings(settings codec.Settings) {
	s := c.session()
	if v, ok := settings.InitialWindowSize(); ok && s.cdc.SupportsStreamFlowControl() {
		delta := int32(v) - int32(s.initialSendWindow)
		s.initialSendWindow = v
		s.txns.each(func(t *Transaction) {
			if t.sendWindow != nil {
				t.sendWindow.adjust(delta)
			}
		})
		if delta > 0 {
			s.flushAllDeferredLocked()
		}
	}
	if v, ok := settings.MaxConcurrentStreams(); ok {
		s.maxConcurrentOutgoing = v
		if v == 0 {
			if s.state == SessionRunning {
				s.state = SessionDraining
			}
			if !s.outgoingFull {
				s.outgoingFull = true
				s.enqueue(func() { s.info.OnSettingsOutgoingStreamsFull(s) })
			}
		} else if uint32(s.outgoingCount) >= v {
			if !s.outgoingFull {
				s.outgoingFull = true
				s.enqueue(func() { s.info.OnSettingsOutgoingStreamsFull(s) })
			}
		} else if s.outgoingFull {
			s.outgoingFull = false
			s.enqueue(func() { s.info.OnSettingsOutgoingStreamsNotFull(s) })
		}
	}
	_ = s.generateLocked(func(w io.Writer) error {
		return s.cdc.GenerateSettingsAck(w)
	})
	s.afterEgressLocked()
	s.enqueue(func() { s.info.OnSettings(s, settings) })
	s.maybeCloseLocked()
}

func (c *ingressCallbacks) OnSettingsAck() {
	s := c.session()
	s.enqueue(func() { s.info.OnSettingsAck(s) })
}
