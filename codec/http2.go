package codec

import (
	"bytes"
	"encoding/binary"
	"io"
	"net/http"
	"strconv"
	"strings"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"
)

const (
	http2DefaultWindow    = 65535
	http2DefaultFrameSize = 16384
)

// switchWriter lets one long-lived Framer write into whatever buffer
// the session passes to the current Generate call.
type switchWriter struct {
	w io.Writer
}

func (s *switchWriter) Write(p []byte) (int, error) { return s.w.Write(p) }

// unitReader feeds the Framer exactly the complete frames OnIngress
// has buffered, so reads never block and never split a frame.
type unitReader struct {
	data []byte
}

func (r *unitReader) Read(p []byte) (int, error) {
	if len(r.data) == 0 {
		return 0, io.EOF
	}
	n := copy(p, r.data)
	r.data = r.data[n:]
	return n, nil
}

// http2Codec is the client-side HTTP/2 codec, framing via
// golang.org/x/net/http2 and header blocks via hpack. One encoder and
// one decoder persist for the connection so dynamic-table state stays
// coherent across header blocks, including PUSH_PROMISE.
type http2Codec struct {
	cb           Callback
	nextStreamId StreamId

	wsw *switchWriter
	rrd *unitReader
	fr  *http2.Framer

	henc    *hpack.Encoder
	hencBuf bytes.Buffer
	hdec    *hpack.Decoder
	fields  []hpack.HeaderField

	pending []byte

	// in-flight header block accumulation
	hbStream   StreamId
	hbPromised StreamId
	hbEndStr   bool
	hbFrag     []byte
	hbActive   bool

	sawFinalHeaders map[StreamId]bool

	maxFrameSize   uint32
	draining       bool
	goawayReceived bool
}

// NewHTTP2 returns an upstream HTTP/2 codec speaking cleartext h2.
func NewHTTP2() Codec {
	c := &http2Codec{
		nextStreamId:    1,
		wsw:             &switchWriter{},
		rrd:             &unitReader{},
		sawFinalHeaders: make(map[StreamId]bool),
		maxFrameSize:    http2DefaultFrameSize,
	}
	c.fr = http2.NewFramer(c.wsw, c.rrd)
	c.henc = hpack.NewEncoder(&c.hencBuf)
	c.hdec = hpack.NewDecoder(4096, func(f hpack.HeaderField) {
		c.fields = append(c.fields, f)
	})
	return c
}

func (c *http2Codec) Protocol() Protocol              { return ProtocolHTTP2 }
func (c *http2Codec) SetCallback(cb Callback)         { c.cb = cb }
func (c *http2Codec) SupportsParallelRequests() bool  { return true }
func (c *http2Codec) SupportsStreamFlowControl() bool { return true }
func (c *http2Codec) DefaultWindowSize() uint32       { return http2DefaultWindow }

func (c *http2Codec) CreateStream() StreamId {
	id := c.nextStreamId
	c.nextStreamId += 2
	return id
}

func (c *http2Codec) IsReusable() bool { return !c.draining && !c.goawayReceived }

func (c *http2Codec) IsWaitingToDrain() bool { return c.draining }

////////////////////////////////
// ingress
////////////////////////////////

func (c *http2Codec) OnIngress(buf []byte) (int, error) {
	c.pending = append(c.pending, buf...)
	for {
		unit := c.completeUnitLen()
		if unit == 0 {
			return len(buf), nil
		}
		c.rrd.data = c.pending[:unit]
		for len(c.rrd.data) > 0 {
			f, err := c.fr.ReadFrame()
			if err != nil {
				cerr := translateFrameError(err)
				c.cb.OnError(cerr.StreamId, cerr, false)
				return len(buf), cerr
			}
			if err := c.dispatchFrame(f); err != nil {
				return len(buf), err
			}
		}
		c.pending = c.pending[unit:]
	}
}

func (c *http2Codec) OnIngressEOF() {}

// completeUnitLen returns the length of the leading run of buffered
// frames that is safe to parse: one frame, extended through its
// CONTINUATIONs when a header block is open.
func (c *http2Codec) completeUnitLen() int {
	pos := 0
	for {
		if len(c.pending)-pos < 9 {
			return 0
		}
		hdr := c.pending[pos:]
		length := int(hdr[0])<<16 | int(hdr[1])<<8 | int(hdr[2])
		ftype := http2.FrameType(hdr[3])
		flags := http2.Flags(hdr[4])
		if len(c.pending)-pos < 9+length {
			return 0
		}
		pos += 9 + length
		needsCont := (ftype == http2.FrameHeaders || ftype == http2.FramePushPromise || ftype == http2.FrameContinuation) &&
			flags&http2.FlagHeadersEndHeaders == 0
		if !needsCont {
			return pos
		}
		// header block continues; the unit is only complete once a
		// CONTINUATION carries END_HEADERS
	}
}

func translateFrameError(err error) *Error {
	switch e := err.(type) {
	case http2.ConnectionError:
		return newError(0, ErrorCode(http2.ErrCode(e)), "connection error: %v", err)
	case http2.StreamError:
		return newError(StreamId(e.StreamID), ErrorCode(e.Code), "stream error: %v", err)
	}
	return newError(0, ErrCodeProtocol, "frame error: %v", err)
}

func (c *http2Codec) dispatchFrame(f http2.Frame) error {
	fh := f.Header()
	c.cb.OnFrameHeader(StreamId(fh.StreamID), fh.Length, uint8(fh.Type), uint8(fh.Flags))

	switch f := f.(type) {
	case *http2.HeadersFrame:
		c.hbActive = true
		c.hbStream = StreamId(fh.StreamID)
		c.hbPromised = 0
		c.hbEndStr = f.StreamEnded()
		c.hbFrag = append(c.hbFrag[:0], f.HeaderBlockFragment()...)
		if f.HeadersEnded() {
			return c.finishHeaderBlock()
		}

	case *http2.PushPromiseFrame:
		c.hbActive = true
		c.hbStream = StreamId(fh.StreamID)
		c.hbPromised = StreamId(f.PromiseID)
		c.hbEndStr = false
		c.hbFrag = append(c.hbFrag[:0], f.HeaderBlockFragment()...)
		if f.HeadersEnded() {
			return c.finishHeaderBlock()
		}

	case *http2.ContinuationFrame:
		if !c.hbActive {
			cerr := newError(StreamId(fh.StreamID), ErrCodeProtocol, "CONTINUATION without open header block")
			c.cb.OnError(cerr.StreamId, cerr, false)
			return cerr
		}
		c.hbFrag = append(c.hbFrag, f.HeaderBlockFragment()...)
		if f.HeadersEnded() {
			return c.finishHeaderBlock()
		}

	case *http2.DataFrame:
		id := StreamId(fh.StreamID)
		c.cb.OnBody(id, f.Data(), 0)
		if f.StreamEnded() {
			delete(c.sawFinalHeaders, id)
			c.cb.OnMessageComplete(id, false)
		}

	case *http2.RSTStreamFrame:
		c.cb.OnAbort(StreamId(fh.StreamID), ErrorCode(f.ErrCode))

	case *http2.SettingsFrame:
		if f.IsAck() {
			c.cb.OnSettingsAck()
			break
		}
		var settings Settings
		f.ForeachSetting(func(s http2.Setting) error {
			if s.ID == http2.SettingMaxFrameSize {
				c.maxFrameSize = s.Val
			}
			settings = append(settings, s)
			return nil
		})
		c.cb.OnSettings(settings)

	case *http2.PingFrame:
		data := binary.BigEndian.Uint64(f.Data[:])
		if f.IsAck() {
			c.cb.OnPingReply(data)
		} else {
			c.cb.OnPingRequest(data)
		}

	case *http2.GoAwayFrame:
		c.goawayReceived = true
		c.cb.OnGoaway(StreamId(f.LastStreamID), ErrorCode(f.ErrCode), f.DebugData())

	case *http2.WindowUpdateFrame:
		c.cb.OnWindowUpdate(StreamId(fh.StreamID), f.Increment)

	case *http2.PriorityFrame:
		// peers rarely send these to clients; nothing to surface
	}
	return nil
}

func (c *http2Codec) finishHeaderBlock() error {
	c.hbActive = false
	c.fields = c.fields[:0]
	if _, err := c.hdec.Write(c.hbFrag); err != nil {
		cerr := newError(c.hbStream, ErrCodeCompression, "hpack: %v", err)
		c.cb.OnError(c.hbStream, cerr, false)
		return cerr
	}
	if err := c.hdec.Close(); err != nil {
		cerr := newError(c.hbStream, ErrCodeCompression, "hpack: %v", err)
		c.cb.OnError(c.hbStream, cerr, false)
		return cerr
	}

	msg := &Message{Headers: make(http.Header)}
	for _, f := range c.fields {
		switch f.Name {
		case ":status":
			s, err := strconv.Atoi(f.Value)
			if err != nil {
				cerr := newError(c.hbStream, ErrCodeProtocol, "bad :status %q", f.Value)
				c.cb.OnError(c.hbStream, cerr, true)
				return cerr
			}
			msg.Status = s
		case ":method":
			msg.Method = f.Value
		case ":path":
			msg.Path = f.Value
		case ":scheme":
			msg.Scheme = f.Value
		case ":authority":
			msg.Authority = f.Value
		default:
			msg.Headers.Add(f.Name, f.Value)
		}
	}

	if c.hbPromised != 0 {
		// server push: headers describe the promised request
		c.cb.OnPushMessageBegin(c.hbPromised, c.hbStream)
		c.cb.OnHeadersComplete(c.hbPromised, msg)
		c.sawFinalHeaders[c.hbPromised] = true
		return nil
	}

	id := c.hbStream
	if c.sawFinalHeaders[id] {
		// second header block on the stream: trailers
		c.cb.OnTrailersComplete(id, msg.Headers)
		if c.hbEndStr {
			delete(c.sawFinalHeaders, id)
			c.cb.OnMessageComplete(id, false)
		}
		return nil
	}

	c.cb.OnMessageBegin(id)
	c.cb.OnHeadersComplete(id, msg)
	if msg.Is1xx() {
		return nil
	}
	c.sawFinalHeaders[id] = true
	if c.hbEndStr {
		delete(c.sawFinalHeaders, id)
		c.cb.OnMessageComplete(id, false)
	}
	return nil
}

////////////////////////////////
// egress
////////////////////////////////

func (c *http2Codec) GenerateConnectionPreface(w io.Writer) error {
	_, err := io.WriteString(w, http2.ClientPreface)
	return err
}

func (c *http2Codec) GenerateSettings(w io.Writer, settings Settings) error {
	c.wsw.w = w
	return c.fr.WriteSettings(settings...)
}

func (c *http2Codec) GenerateSettingsAck(w io.Writer) error {
	c.wsw.w = w
	return c.fr.WriteSettingsAck()
}

func (c *http2Codec) encodeHeaderBlock(msg *Message) []byte {
	c.hencBuf.Reset()
	if msg.IsRequest() {
		scheme := msg.Scheme
		if scheme == "" {
			scheme = "http"
		}
		path := msg.Path
		if path == "" {
			path = "/"
		}
		c.henc.WriteField(hpack.HeaderField{Name: ":method", Value: msg.Method})
		c.henc.WriteField(hpack.HeaderField{Name: ":scheme", Value: scheme})
		if msg.Authority != "" {
			c.henc.WriteField(hpack.HeaderField{Name: ":authority", Value: msg.Authority})
		}
		c.henc.WriteField(hpack.HeaderField{Name: ":path", Value: path})
	} else {
		c.henc.WriteField(hpack.HeaderField{Name: ":status", Value: strconv.Itoa(msg.Status)})
	}
	for name, vals := range msg.Headers {
		lower := strings.ToLower(name)
		if strings.HasPrefix(lower, ":") || lower == "host" || lower == "connection" ||
			lower == "transfer-encoding" || lower == "keep-alive" || lower == "upgrade" {
			continue
		}
		for _, v := range vals {
			c.henc.WriteField(hpack.HeaderField{Name: lower, Value: v})
		}
	}
	return c.hencBuf.Bytes()
}

func (c *http2Codec) GenerateHeader(w io.Writer, id StreamId, msg *Message, eom bool) error {
	c.wsw.w = w
	block := c.encodeHeaderBlock(msg)
	first := block
	var rest []byte
	if uint32(len(block)) > c.maxFrameSize {
		first, rest = block[:c.maxFrameSize], block[c.maxFrameSize:]
	}
	if err := c.fr.WriteHeaders(http2.HeadersFrameParam{
		StreamID:      uint32(id),
		BlockFragment: first,
		EndStream:     eom,
		EndHeaders:    len(rest) == 0,
	}); err != nil {
		return err
	}
	for len(rest) > 0 {
		chunk := rest
		if uint32(len(chunk)) > c.maxFrameSize {
			chunk = chunk[:c.maxFrameSize]
		}
		rest = rest[len(chunk):]
		if err := c.fr.WriteContinuation(uint32(id), len(rest) == 0, chunk); err != nil {
			return err
		}
	}
	return nil
}

func (c *http2Codec) GenerateExHeader(io.Writer, StreamId, *Message, StreamId, bool) error {
	return ErrEgressNotSupported
}

func (c *http2Codec) GeneratePushPromise(io.Writer, StreamId, *Message, StreamId) error {
	return ErrEgressNotSupported
}

func (c *http2Codec) GenerateBody(w io.Writer, id StreamId, data []byte, _ uint16, eom bool) (int, error) {
	c.wsw.w = w
	n := 0
	for {
		chunk := data
		if uint32(len(chunk)) > c.maxFrameSize {
			chunk = chunk[:c.maxFrameSize]
		}
		data = data[len(chunk):]
		end := eom && len(data) == 0
		if err := c.fr.WriteData(uint32(id), end, chunk); err != nil {
			return n, err
		}
		n += len(chunk)
		if len(data) == 0 {
			return n, nil
		}
	}
}

func (c *http2Codec) GenerateEOM(w io.Writer, id StreamId) error {
	c.wsw.w = w
	return c.fr.WriteData(uint32(id), true, nil)
}

func (c *http2Codec) GenerateRstStream(w io.Writer, id StreamId, code ErrorCode) error {
	c.wsw.w = w
	return c.fr.WriteRSTStream(uint32(id), http2.ErrCode(code))
}

func (c *http2Codec) GenerateGoaway(w io.Writer, lastGood StreamId, code ErrorCode, debug []byte) error {
	c.wsw.w = w
	c.draining = true
	return c.fr.WriteGoAway(uint32(lastGood), http2.ErrCode(code), debug)
}

func (c *http2Codec) GenerateWindowUpdate(w io.Writer, id StreamId, delta uint32) error {
	c.wsw.w = w
	return c.fr.WriteWindowUpdate(uint32(id), delta)
}

func (c *http2Codec) GeneratePriority(w io.Writer, id StreamId, pri PriorityUpdate) error {
	c.wsw.w = w
	return c.fr.WritePriority(uint32(id), http2.PriorityParam{
		StreamDep: uint32(pri.Dependency),
		Exclusive: pri.Exclusive,
		Weight:    pri.Weight,
	})
}

func (c *http2Codec) GeneratePingRequest(w io.Writer, data uint64) error {
	c.wsw.w = w
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], data)
	return c.fr.WritePing(false, b)
}

func (c *http2Codec) GeneratePingReply(w io.Writer, data uint64) error {
	c.wsw.w = w
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], data)
	return c.fr.WritePing(true, b)
}

func (c *http2Codec) MapPriorityToDependency(uint8) StreamId { return 0 }
