package libupstream

import (
	"bytes"
	"errors"
	"io"
	"sync"

	log "github.com/inconshreveable/log15"
	"github.com/jonboulle/clockwork"
	"golang.org/x/net/http2"

	"github.com/upstreamio/libupstream-go/codec"
)

// SessionState is the session-level life-cycle position.
type SessionState int

const (
	SessionUnstarted SessionState = iota
	SessionRunning
	SessionDraining
	SessionClosing
	SessionClosed
)

func (s SessionState) String() string {
	switch s {
	case SessionUnstarted:
		return "unstarted"
	case SessionRunning:
		return "running"
	case SessionDraining:
		return "draining"
	case SessionClosing:
		return "closing"
	case SessionClosed:
		return "closed"
	}
	return "unknown"
}

var errSessionDetached = errors.New("session has scheduler-bound state pending")

// Session multiplexes HTTP transactions over a single reliable
// transport through a Codec. All state is serialized under one lock;
// handler and info callbacks are queued while the lock is held and
// drained FIFO after release, so every public method runs to
// completion before its consequences are observed.
type Session struct {
	log.Logger

	mu       sync.Mutex
	readCond *sync.Cond

	cfg       *Config
	transport io.ReadWriteCloser
	cdc       codec.Codec
	txns      *txnMap

	state SessionState
	drain DrainState

	writeBuf       bytes.Buffer
	writeSig       chan struct{}
	writeFailed    bool
	bytesScheduled uint64 // total bytes handed to the codec
	bytesAcked     uint64 // total bytes confirmed written

	egressPaused bool
	readPaused   bool

	connSend            *flowController // nil without flow control
	connRecv            *ingressWindow
	initialSendWindow   uint32 // peer's per-stream initial window
	perStreamRecvWindow uint32
	connWindowNotified  bool

	maxConcurrentOutgoing uint32
	outgoingCount         int
	outgoingFull          bool

	pt      *PriorityTree
	bet     ByteEventTracker
	info    InfoCallback
	wheel   *timerWheel
	upgrade *upgradeBridge

	ignoredStreams    map[codec.StreamId]struct{}
	maxIncomingStream codec.StreamId

	cbq         []func()
	dispatching bool

	dead      chan struct{}
	closeOnce sync.Once
	fatalErr  error
}

// New wraps transport with a session speaking cdc. The session is
// Unstarted until StartNow.
func New(transport io.ReadWriteCloser, cdc codec.Codec, cfg *Config, logger log.Logger) *Session {
	if cfg == nil {
		cfg = &zeroConfig
	}
	cfg.initDefaults()
	s := &Session{
		Logger:                newSessionLogger(logger),
		cfg:                   cfg,
		transport:             transport,
		cdc:                   cdc,
		txns:                  newTxnMap(),
		writeSig:              make(chan struct{}, 1),
		initialSendWindow:     cdc.DefaultWindowSize(),
		perStreamRecvWindow:   cfg.PerStreamReceiveWindow,
		maxConcurrentOutgoing: cfg.MaxConcurrentOutgoingStreams,
		info:                  NopInfoCallback{},
		wheel:                 newTimerWheel(cfg.Clock),
		ignoredStreams:        make(map[codec.StreamId]struct{}),
		dead:                  make(chan struct{}),
	}
	s.readCond = sync.NewCond(&s.mu)
	s.bet = NewByteEventTracker(s)
	if cdc.SupportsStreamFlowControl() {
		s.connSend = newFlowController(cdc.DefaultWindowSize())
		s.connRecv = newIngressWindow(cfg.ConnReceiveWindow)
	}
	if !cdc.SupportsParallelRequests() {
		s.maxConcurrentOutgoing = 1
	}
	cdc.SetCallback((*ingressCallbacks)(s))
	s.info.OnCreate(s)
	return s
}

// SetInfoCallback installs the observer. Must be called before
// StartNow.
func (s *Session) SetInfoCallback(cb InfoCallback) {
	s.mu.Lock()
	if cb == nil {
		cb = NopInfoCallback{}
	}
	s.info = cb
	s.mu.Unlock()
}

// SetByteEventTracker swaps the byte-event tracker; pending events
// from the old tracker are abandoned.
func (s *Session) SetByteEventTracker(bet ByteEventTracker) {
	s.mu.Lock()
	s.bet = bet
	s.mu.Unlock()
}

// StartNow transmits the connection preface, initial settings, any
// priority-tree bootstrap nodes, and the receive-window delta, then
// begins transport IO.
func (s *Session) StartNow() {
	s.mu.Lock()
	if s.state != SessionUnstarted {
		s.mu.Unlock()
		return
	}
	s.state = SessionRunning
	s.sendPrefaceLocked()
	s.mu.Unlock()
	go s.reader()
	go s.writer()
	s.dispatch()
}

func (s *Session) sendPrefaceLocked() {
	_ = s.generateLocked(func(w io.Writer) error {
		return s.cdc.GenerateConnectionPreface(w)
	})
	settings := codec.Settings{
		{ID: http2.SettingEnablePush, Val: 1},
		{ID: http2.SettingInitialWindowSize, Val: s.perStreamRecvWindow},
	}
	_ = s.generateLocked(func(w io.Writer) error {
		return s.cdc.GenerateSettings(w, settings)
	})
	if s.cfg.PriorityLevels != nil {
		s.pt = NewPriorityTree(s.cfg.PriorityLevels)
		_ = s.generateLocked(func(w io.Writer) error {
			return s.pt.Bootstrap(s.cdc, w)
		})
	}
	if s.connRecv != nil {
		if delta := s.cfg.ConnReceiveWindow; delta > s.cdc.DefaultWindowSize() {
			_ = s.generateLocked(func(w io.Writer) error {
				return s.cdc.GenerateWindowUpdate(w, 0, delta-s.cdc.DefaultWindowSize())
			})
		}
	}
	s.afterEgressLocked()
}

////////////////////////////////
// public interface
////////////////////////////////

// NewTransaction mints a stream id from the codec, binds the handler,
// and registers the transaction. It returns nil when the session is
// draining, the transport is not good, or a serial codec already has
// a transaction in flight. On a multiplexed codec at the outgoing cap
// the transaction is still created and the info callback learns that
// outgoing streams are full.
func (s *Session) NewTransaction(h Handler) *Transaction {
	s.mu.Lock()
	if !s.acceptingNewTransactionsLocked() {
		s.mu.Unlock()
		return nil
	}
	if !s.cdc.SupportsParallelRequests() && s.outgoingCount >= 1 {
		s.mu.Unlock()
		return nil
	}
	t := s.registerTransactionLocked(TxnDirEgress, h)
	s.mu.Unlock()
	s.dispatch()
	return t
}

// NewExTransaction opens a bidirectional exchanged stream attached to
// the given control stream.
func (s *Session) NewExTransaction(h Handler, controlStream codec.StreamId) *Transaction {
	s.mu.Lock()
	if !s.acceptingNewTransactionsLocked() {
		s.mu.Unlock()
		return nil
	}
	t := s.registerTransactionLocked(TxnDirEx, h)
	t.control = controlStream
	s.mu.Unlock()
	s.dispatch()
	return t
}

func (s *Session) acceptingNewTransactionsLocked() bool {
	return s.state == SessionRunning &&
		s.drain.Phase == DrainPhaseOpen &&
		!s.writeFailed
}

func (s *Session) registerTransactionLocked(dir TransactionDirection, h Handler) *Transaction {
	id := s.cdc.CreateStream()
	t := newTransaction(s, id, dir, h)
	s.txns.set(id, t)
	s.outgoingCount++
	s.Debug("new transaction", "id", uint32(id), "dir", dir.String())
	if s.cdc.SupportsParallelRequests() &&
		!s.outgoingFull && uint32(s.outgoingCount) >= s.maxConcurrentOutgoing {
		s.outgoingFull = true
		s.enqueue(func() { s.info.OnSettingsOutgoingStreamsFull(s) })
	}
	return t
}

// SendPriority creates a new priority node and returns the id the
// peer will observe.
func (s *Session) SendPriority(pri codec.PriorityUpdate) codec.StreamId {
	s.mu.Lock()
	id := s.cdc.CreateStream()
	_ = s.generateLocked(func(w io.Writer) error {
		return s.cdc.GeneratePriority(w, id, pri)
	})
	if s.pt == nil {
		s.pt = NewPriorityTree(nil)
	}
	s.pt.Record(id, pri)
	s.afterEgressLocked()
	s.mu.Unlock()
	s.dispatch()
	return id
}

// SendPriorityUpdate updates an existing priority node.
func (s *Session) SendPriorityUpdate(id codec.StreamId, pri codec.PriorityUpdate) {
	s.mu.Lock()
	_ = s.generateLocked(func(w io.Writer) error {
		return s.cdc.GeneratePriority(w, id, pri)
	})
	if s.pt != nil {
		s.pt.Record(id, pri)
	}
	s.afterEgressLocked()
	s.mu.Unlock()
	s.dispatch()
}

// GetHTTPPriority resolves a level tag against the priority tree, or
// the codec's built-in mapping when no tree is configured.
func (s *Session) GetHTTPPriority(level uint8) codec.PriorityUpdate {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pt != nil && s.pt.NumVirtualNodes() > 0 {
		return s.pt.GetHTTPPriority(level)
	}
	return codec.PriorityUpdate{Dependency: s.cdc.MapPriorityToDependency(level)}
}

// SendPing emits a ping; the reply surfaces via the info callback.
func (s *Session) SendPing(data uint64) error {
	s.mu.Lock()
	err := s.generateLocked(func(w io.Writer) error {
		return s.cdc.GeneratePingRequest(w, data)
	})
	if err == nil {
		s.bet.AddPingByteEvent(s.bytesScheduled, data)
	}
	s.afterEgressLocked()
	s.mu.Unlock()
	s.dispatch()
	return err
}

// Drain announces that no new streams will be initiated. A GOAWAY
// carrying the highest acknowledged peer stream id goes out before any
// deferred egress; existing transactions complete normally.
func (s *Session) Drain() {
	s.mu.Lock()
	if s.state != SessionRunning && s.state != SessionDraining {
		s.mu.Unlock()
		return
	}
	s.state = SessionDraining
	s.drain.onGoawaySent(s.maxIncomingStream)
	_ = s.generateLocked(func(w io.Writer) error {
		return s.cdc.GenerateGoaway(w, s.maxIncomingStream, codec.ErrCodeNoError, nil)
	})
	s.Info("draining", "lastgood", uint32(s.maxIncomingStream))
	s.afterEgressLocked()
	s.maybeCloseLocked()
	s.mu.Unlock()
	s.dispatch()
}

// DropConnection best-effort flushes a GOAWAY, closes the transport,
// and fails every remaining transaction with Dropped.
func (s *Session) DropConnection() {
	s.mu.Lock()
	if s.state == SessionClosed {
		s.mu.Unlock()
		return
	}
	var buf bytes.Buffer
	if err := s.cdc.GenerateGoaway(&buf, s.maxIncomingStream, codec.ErrCodeNoError, nil); err == nil && buf.Len() > 0 {
		_, _ = s.transport.Write(buf.Bytes())
	}
	s.txns.each(func(t *Transaction) {
		t.failLocked(ErrorDropped, DirectionIngressAndEgress, "")
	})
	s.closeLocked(errors.New("connection dropped"))
	s.mu.Unlock()
	s.dispatch()
}

// Destroy tears the session down; it is graceful only once every
// transaction has detached.
func (s *Session) Destroy() {
	s.mu.Lock()
	s.txns.each(func(t *Transaction) {
		t.failLocked(ErrorDropped, DirectionIngressAndEgress, "")
	})
	s.closeLocked(nil)
	s.mu.Unlock()
	s.dispatch()
}

// SetFlowControl advertises new receive windows: the per-stream
// initial window via SETTINGS, growth of existing stream windows and
// the connection window via WINDOW_UPDATE.
func (s *Session) SetFlowControl(initialRecv, perStreamRecv, connRecv uint32) {
	s.mu.Lock()
	_ = s.generateLocked(func(w io.Writer) error {
		return s.cdc.GenerateSettings(w, codec.Settings{
			{ID: http2.SettingInitialWindowSize, Val: initialRecv},
		})
	})
	s.perStreamRecvWindow = perStreamRecv
	s.txns.each(func(t *Transaction) {
		if delta := t.recvWindow.setCapacity(perStreamRecv); delta > 0 {
			_ = s.generateLocked(func(w io.Writer) error {
				return s.cdc.GenerateWindowUpdate(w, t.id, delta)
			})
		}
	})
	if s.connRecv != nil {
		if delta := s.connRecv.setCapacity(connRecv); delta > 0 {
			_ = s.generateLocked(func(w io.Writer) error {
				return s.cdc.GenerateWindowUpdate(w, 0, delta)
			})
		}
	}
	s.afterEgressLocked()
	s.mu.Unlock()
	s.dispatch()
}

// PauseReads stops pulling bytes from the transport.
func (s *Session) PauseReads() {
	s.mu.Lock()
	s.readPaused = true
	s.mu.Unlock()
}

// ResumeReads resumes pulling bytes from the transport.
func (s *Session) ResumeReads() {
	s.mu.Lock()
	s.readPaused = false
	s.readCond.Broadcast()
	s.mu.Unlock()
}

// DetachThreadLocals unbinds the session from its scheduler. It fails
// while timers or queued callbacks are pending.
func (s *Session) DetachThreadLocals() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.wheel.pending() > 0 || len(s.cbq) > 0 {
		return errSessionDetached
	}
	s.wheel.rebind(nil)
	return nil
}

// AttachThreadLocals rebinds the session to a new scheduler clock.
func (s *Session) AttachThreadLocals(clock clockwork.Clock) {
	s.mu.Lock()
	s.wheel.rebind(clock)
	s.mu.Unlock()
}

// Wait blocks until the session is fully closed and returns the fatal
// error, if any.
func (s *Session) Wait() error {
	<-s.dead
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fatalErr
}

func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) DrainPhase() DrainPhase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.drain.Phase
}

func (s *Session) NumActiveTransactions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.txns.len()
}

func (s *Session) MaxConcurrentOutgoingStreams() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxConcurrentOutgoing
}

// Protocol returns the current codec's protocol, which changes across
// an upgrade.
func (s *Session) Protocol() codec.Protocol {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cdc.Protocol()
}

func (s *Session) IsReusable() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == SessionRunning && s.drain.Phase == DrainPhaseOpen &&
		!s.writeFailed && s.cdc.IsReusable()
}

////////////////////////////////
// callback queue
////////////////////////////////

// enqueue appends a handler or info notification for delivery after
// the lock is released. Requires the session lock.
func (s *Session) enqueue(fn func()) {
	s.cbq = append(s.cbq, fn)
}

// dispatch drains the callback queue FIFO without the lock held.
// Nested calls return immediately; the outermost drain delivers
// everything, including callbacks queued by the callbacks it runs.
func (s *Session) dispatch() {
	s.mu.Lock()
	if s.dispatching {
		s.mu.Unlock()
		return
	}
	s.dispatching = true
	for len(s.cbq) > 0 {
		fn := s.cbq[0]
		s.cbq = s.cbq[1:]
		s.mu.Unlock()
		fn()
		s.mu.Lock()
	}
	s.dispatching = false
	s.mu.Unlock()
}

////////////////////////////////
// egress coordination
////////////////////////////////

func (s *Session) egressGoodLocked() bool {
	return (s.state == SessionRunning || s.state == SessionDraining) && !s.writeFailed
}

// generateLocked wraps a codec generate call, accounting the bytes it
// appends to the write buffer against the session's egress offsets.
func (s *Session) generateLocked(fn func(io.Writer) error) error {
	before := s.writeBuf.Len()
	err := fn(&s.writeBuf)
	s.bytesScheduled += uint64(s.writeBuf.Len() - before)
	return err
}

// afterEgressLocked runs the post-codec-call bookkeeping: byte events
// whose offsets are already acknowledged, the egress-pause check, and
// write scheduling.
func (s *Session) afterEgressLocked() {
	s.bet.ProcessByteEvents(s.bytesAcked)
	s.checkPauseLocked()
	if s.writeBuf.Len() > 0 {
		s.scheduleWriteLocked()
	}
}

func (s *Session) checkPauseLocked() {
	if !s.egressPaused && s.writeBuf.Len() > s.cfg.WriteBufferLimit {
		s.pauseEgressLocked()
	}
}

func (s *Session) scheduleWriteLocked() {
	select {
	case s.writeSig <- struct{}{}:
	default:
	}
}

func (s *Session) pauseEgressLocked() {
	s.egressPaused = true
	s.Debug("egress paused", "buffered", s.writeBuf.Len())
	s.txns.each(func(t *Transaction) {
		t.setEgressPausedLocked(true)
	})
}

// resumeEgressLocked notifies transactions in stream-id order. A
// handler may re-fill the pipe during its resume callback; the pause
// that follows re-notifies every transaction, keeping pause/resume
// counts balanced. Iteration runs over a snapshot so handlers may
// freely add, abort, or remove transactions.
func (s *Session) resumeEgressLocked() {
	s.egressPaused = false
	s.Debug("egress resumed")
	s.txns.each(func(t *Transaction) {
		t.setEgressPausedLocked(false)
	})
	s.flushAllDeferredLocked()
}

// flushTxnEgressLocked drains a transaction's deferred body and EOM as
// far as flow-control windows and the pause state allow.
func (s *Session) flushTxnEgressLocked(t *Transaction) {
	if t.errored || t.detached || !t.egressStarted || t.egressComplete || s.egressPaused {
		return
	}
	for len(t.deferredBody) > 0 {
		allowed := len(t.deferredBody)
		if s.cdc.SupportsStreamFlowControl() {
			if t.sendWindow != nil && allowed > t.sendWindow.available() {
				allowed = t.sendWindow.available()
			}
			if allowed > s.connSend.available() {
				allowed = s.connSend.available()
			}
			if allowed == 0 {
				if s.connSend.available() == 0 && !s.connWindowNotified {
					s.connWindowNotified = true
					s.enqueue(func() { s.info.OnFlowControlWindowExhausted(s) })
				}
				return
			}
		}
		chunk := t.deferredBody[:allowed]
		eomNow := t.deferredEOM && allowed == len(t.deferredBody)
		err := s.generateLocked(func(w io.Writer) error {
			_, e := s.cdc.GenerateBody(w, t.id, chunk, 0, eomNow)
			return e
		})
		if err != nil {
			t.failLocked(ErrorProtocol, DirectionEgress, "")
			return
		}
		if s.cdc.SupportsStreamFlowControl() {
			if t.sendWindow != nil {
				t.sendWindow.reserve(allowed)
			}
			s.connSend.reserve(allowed)
		}
		t.deferredBody = t.deferredBody[allowed:]
		if eomNow {
			t.deferredEOM = false
			t.completeEgressLocked()
		}
		s.checkPauseLocked()
		if s.egressPaused {
			return
		}
	}
	if t.deferredEOM {
		err := s.generateLocked(func(w io.Writer) error {
			return s.cdc.GenerateEOM(w, t.id)
		})
		t.deferredEOM = false
		if err != nil {
			t.failLocked(ErrorProtocol, DirectionEgress, "")
			return
		}
		t.completeEgressLocked()
	}
	t.maybeDetachLocked()
}

func (s *Session) flushAllDeferredLocked() {
	s.txns.each(func(t *Transaction) {
		s.flushTxnEgressLocked(t)
	})
}

////////////////////////////////
// transport IO
////////////////////////////////

func (s *Session) reader() {
	buf := make([]byte, s.cfg.ReadBufferSize)
	for {
		s.mu.Lock()
		for s.readPaused && s.state < SessionClosing {
			s.readCond.Wait()
		}
		closed := s.state >= SessionClosing
		s.mu.Unlock()
		if closed {
			return
		}
		n, err := s.transport.Read(buf)
		if n > 0 {
			s.info.OnRead(s, n)
			s.processIngress(buf[:n])
		}
		if err != nil {
			s.onReadClosed(err)
			return
		}
	}
}

func (s *Session) processIngress(data []byte) {
	s.mu.Lock()
	for len(data) > 0 && s.state < SessionClosing {
		consumed, err := s.cdc.OnIngress(data)
		data = data[consumed:]
		if err != nil {
			s.Warn("codec ingress error", "err", err)
			break
		}
		if len(data) > 0 {
			if s.upgrade != nil && s.upgrade.switchPending {
				s.completeUpgradeLocked()
				continue
			}
			// codec stalled without an upgrade pending; bytes after a
			// dead exchange are dropped
			break
		}
	}
	if s.upgrade != nil && s.upgrade.switchPending && s.state < SessionClosing {
		// upgrade with no trailing bytes in this read
		s.completeUpgradeLocked()
	}
	s.mu.Unlock()
	s.dispatch()
}

func (s *Session) onReadClosed(err error) {
	s.mu.Lock()
	s.cdc.OnIngressEOF()
	if s.state < SessionClosing {
		if s.txns.len() > 0 {
			s.txns.each(func(t *Transaction) {
				t.failLocked(ErrorConnectionReset, DirectionIngress, "")
			})
		}
		var fatal error
		if err != io.EOF {
			fatal = err
		}
		s.closeLocked(fatal)
	}
	s.mu.Unlock()
	s.dispatch()
}

func (s *Session) writer() {
	for {
		select {
		case <-s.writeSig:
		case <-s.dead:
			return
		}
		for {
			s.mu.Lock()
			if s.writeBuf.Len() == 0 || s.state == SessionClosed {
				s.mu.Unlock()
				break
			}
			chunk := append([]byte(nil), s.writeBuf.Bytes()...)
			s.writeBuf.Reset()
			if allowed := s.bet.PreSend(len(chunk)); allowed > 0 && allowed < len(chunk) {
				s.writeBuf.Write(chunk[allowed:])
				chunk = chunk[:allowed]
			}
			s.mu.Unlock()

			n, err := s.transport.Write(chunk)
			if n > 0 {
				s.info.OnWrite(s, n)
			}
			if err != nil {
				s.onWriteError(err)
				return
			}
			s.onWriteSuccess(n)
		}
	}
}

// onWriteSuccess advances the byte-event tracker and, when occupancy
// has fallen below the limit, resumes egress. Resumption requires both
// a successful write and low occupancy, which is exactly this point.
func (s *Session) onWriteSuccess(n int) {
	s.mu.Lock()
	s.bytesAcked += uint64(n)
	s.bet.ProcessByteEvents(s.bytesAcked)
	if s.egressPaused && s.writeBuf.Len() < s.cfg.WriteBufferLimit {
		s.resumeEgressLocked()
	}
	s.mu.Unlock()
	s.dispatch()
}

// onWriteError unwinds every in-flight transaction and closes the
// session; write errors are fatal.
func (s *Session) onWriteError(err error) {
	s.mu.Lock()
	s.Error("transport write failed", "err", err)
	s.writeFailed = true
	s.txns.each(func(t *Transaction) {
		t.failLocked(ErrorConnectionReset, DirectionEgress, "")
	})
	s.closeLocked(err)
	s.mu.Unlock()
	s.dispatch()
}

////////////////////////////////
// life-cycle
////////////////////////////////

func (s *Session) onTransactionDetachedLocked(t *Transaction) {
	if t.dir == TxnDirEgress || t.dir == TxnDirEx {
		s.outgoingCount--
		if s.outgoingFull && uint32(s.outgoingCount) < s.maxConcurrentOutgoing {
			s.outgoingFull = false
			s.enqueue(func() { s.info.OnSettingsOutgoingStreamsNotFull(s) })
		}
	}
	s.maybeCloseLocked()
}

// maybeCloseLocked closes the session once the last transaction is
// gone and either side has begun draining, or the codec cannot carry
// another transaction.
func (s *Session) maybeCloseLocked() {
	if s.txns.len() > 0 || s.state >= SessionClosing {
		return
	}
	if s.state == SessionDraining || !s.cdc.IsReusable() {
		s.state = SessionClosing
		s.closeLocked(nil)
	}
}

func (s *Session) closeLocked(fatal error) {
	if s.state == SessionClosed {
		return
	}
	s.state = SessionClosed
	s.drain.close()
	if fatal != nil && s.fatalErr == nil {
		s.fatalErr = fatal
	}
	_ = s.transport.Close()
	s.readCond.Broadcast()
	s.closeOnce.Do(func() {
		close(s.dead)
		s.enqueue(func() { s.info.OnDestroy(s) })
	})
	s.Debug("session closed", "err", fatal)
}

func (s *Session) onTxnIdleTimeout(t *Transaction) {
	s.mu.Lock()
	if !t.detached {
		kind := ErrorReadTimeout
		dir := DirectionIngress
		if !t.egressComplete {
			kind = ErrorWriteTimeout
			dir = DirectionEgress
		}
		s.Debug("transaction idle timeout", "id", uint32(t.id), "kind", kind.String())
		t.failLocked(kind, dir, "")
	}
	s.mu.Unlock()
	s.dispatch()
}

////////////////////////////////
// byte-event receiver
////////////////////////////////

func (s *Session) onFirstHeaderByteEvent(t *Transaction) {
	t.decrementPendingByteEvents()
	t.maybeDetachLocked()
}

func (s *Session) onLastByteEvent(t *Transaction) {
	t.decrementPendingByteEvents()
	t.maybeDetachLocked()
}

func (s *Session) onPingAckedEvent(data uint64) {
	s.Debug("ping flushed", "data", data)
}
