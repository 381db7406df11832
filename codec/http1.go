package codec

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/textproto"
	"strconv"
	"strings"
)

type h1State int

const (
	h1StateHead h1State = iota
	h1StateBody
	h1StateChunkSize
	h1StateChunkData
	h1StateChunkDataEnd
	h1StateTrailers
	h1StateEOFBody
	h1StatePaused
)

// http1Codec is the serial upstream codec: one transaction on the wire
// at a time, responses parsed in request order.
type http1Codec struct {
	cb           Callback
	nextStreamId StreamId

	// egress
	egressOrder   []StreamId          // request ids awaiting their response
	egressChunked map[StreamId]bool   // requests sent with chunked framing
	methods       map[StreamId]string // request method, for bodyless responses

	// ingress
	state          h1State
	head           []byte
	line           []byte
	bodyRemaining  int64
	chunkRemaining int64
	trailers       http.Header

	draining    bool
	keepalive   bool
	parseFailed bool
}

// NewHTTP1 returns an upstream HTTP/1.1 codec.
func NewHTTP1() Codec {
	return &http1Codec{
		nextStreamId:  1,
		egressChunked: make(map[StreamId]bool),
		methods:       make(map[StreamId]string),
		keepalive:     true,
	}
}

func (c *http1Codec) Protocol() Protocol             { return ProtocolHTTP1 }
func (c *http1Codec) SetCallback(cb Callback)        { c.cb = cb }
func (c *http1Codec) SupportsParallelRequests() bool { return false }

func (c *http1Codec) SupportsStreamFlowControl() bool { return false }
func (c *http1Codec) DefaultWindowSize() uint32       { return 65535 }

func (c *http1Codec) CreateStream() StreamId {
	id := c.nextStreamId
	c.nextStreamId += 2
	return id
}

func (c *http1Codec) IsReusable() bool {
	return c.keepalive && !c.draining && !c.parseFailed && c.state != h1StatePaused
}

func (c *http1Codec) IsWaitingToDrain() bool {
	return c.draining && len(c.egressOrder) > 0
}

func (c *http1Codec) currentIngressStream() StreamId {
	if len(c.egressOrder) == 0 {
		return 0
	}
	return c.egressOrder[0]
}

////////////////////////////////
// ingress
////////////////////////////////

func (c *http1Codec) OnIngress(buf []byte) (int, error) {
	i := 0
	for i < len(buf) {
		switch c.state {
		case h1StatePaused:
			return i, nil

		case h1StateHead:
			n, done := c.feedHead(buf[i:])
			i += n
			if !done {
				return i, nil
			}
			if err := c.parseHead(); err != nil {
				c.parseFailed = true
				c.cb.OnError(c.currentIngressStream(), err, false)
				return i, err
			}
			if c.state == h1StatePaused {
				return i, nil
			}

		case h1StateBody:
			take := int64(len(buf) - i)
			if take > c.bodyRemaining {
				take = c.bodyRemaining
			}
			c.cb.OnBody(c.currentIngressStream(), buf[i:i+int(take)], 0)
			c.bodyRemaining -= take
			i += int(take)
			if c.bodyRemaining == 0 {
				c.finishMessage()
			}

		case h1StateChunkSize:
			n, line, done := c.feedLine(buf[i:])
			i += n
			if !done {
				return i, nil
			}
			size, err := parseChunkSize(line)
			if err != nil {
				c.parseFailed = true
				c.cb.OnError(c.currentIngressStream(), err, false)
				return i, err
			}
			if size == 0 {
				c.trailers = nil
				c.state = h1StateTrailers
				break
			}
			c.cb.OnChunkHeader(c.currentIngressStream(), size)
			c.chunkRemaining = int64(size)
			c.state = h1StateChunkData

		case h1StateChunkData:
			take := int64(len(buf) - i)
			if take > c.chunkRemaining {
				take = c.chunkRemaining
			}
			c.cb.OnBody(c.currentIngressStream(), buf[i:i+int(take)], 0)
			c.chunkRemaining -= take
			i += int(take)
			if c.chunkRemaining == 0 {
				c.state = h1StateChunkDataEnd
			}

		case h1StateChunkDataEnd:
			n, _, done := c.feedLine(buf[i:])
			i += n
			if !done {
				return i, nil
			}
			c.cb.OnChunkComplete(c.currentIngressStream())
			c.state = h1StateChunkSize

		case h1StateTrailers:
			n, line, done := c.feedLine(buf[i:])
			i += n
			if !done {
				return i, nil
			}
			if len(line) == 0 {
				if len(c.trailers) > 0 {
					c.cb.OnTrailersComplete(c.currentIngressStream(), c.trailers)
				}
				c.finishMessage()
				break
			}
			if err := c.parseTrailerLine(line); err != nil {
				c.parseFailed = true
				c.cb.OnError(c.currentIngressStream(), err, false)
				return i, err
			}

		case h1StateEOFBody:
			c.cb.OnBody(c.currentIngressStream(), buf[i:], 0)
			i = len(buf)
		}
	}
	return i, nil
}

func (c *http1Codec) OnIngressEOF() {
	if c.state == h1StateEOFBody {
		id := c.currentIngressStream()
		c.popIngressStream()
		c.state = h1StateHead
		c.cb.OnMessageComplete(id, false)
	}
}

// feedHead accumulates head bytes until the blank line, returning how
// many bytes of buf it needed.
func (c *http1Codec) feedHead(buf []byte) (int, bool) {
	old := len(c.head)
	c.head = append(c.head, buf...)
	// the terminator may straddle the boundary
	searchFrom := old - 3
	if searchFrom < 0 {
		searchFrom = 0
	}
	idx := bytes.Index(c.head[searchFrom:], []byte("\r\n\r\n"))
	if idx < 0 {
		return len(buf), false
	}
	end := searchFrom + idx + 4
	needed := end - old
	c.head = c.head[:end]
	return needed, true
}

// feedLine accumulates one CRLF-terminated line (returned without the
// terminator), returning how many bytes of buf it needed.
func (c *http1Codec) feedLine(buf []byte) (int, []byte, bool) {
	old := len(c.line)
	c.line = append(c.line, buf...)
	searchFrom := old - 1
	if searchFrom < 0 {
		searchFrom = 0
	}
	idx := bytes.Index(c.line[searchFrom:], []byte("\r\n"))
	if idx < 0 {
		return len(buf), nil, false
	}
	end := searchFrom + idx
	needed := end + 2 - old
	line := c.line[:end]
	c.line = nil
	return needed, line, true
}

func (c *http1Codec) parseHead() *Error {
	id := c.currentIngressStream()
	head := c.head
	c.head = nil

	rd := bufio.NewReader(bytes.NewReader(head))
	statusLine, err := rd.ReadString('\n')
	if err != nil {
		return newError(id, ErrCodeProtocol, "short status line")
	}
	statusLine = strings.TrimRight(statusLine, "\r\n")
	proto, rest, ok := strings.Cut(statusLine, " ")
	if !ok || !strings.HasPrefix(proto, "HTTP/1.") {
		return newError(id, ErrCodeProtocol, "malformed status line %q", statusLine)
	}
	codeStr, reason, _ := strings.Cut(rest, " ")
	status, err := strconv.Atoi(codeStr)
	if err != nil || status < 100 || status > 599 {
		return newError(id, ErrCodeProtocol, "bad status code %q", codeStr)
	}

	mh, err := textproto.NewReader(rd).ReadMIMEHeader()
	if err != nil && err != io.EOF {
		return newError(id, ErrCodeProtocol, "bad header block: %v", err)
	}
	msg := &Message{
		Status:        status,
		StatusMessage: reason,
		Headers:       http.Header(mh),
	}
	if id == 0 {
		return newError(0, ErrCodeProtocol, "response without outstanding request")
	}

	c.cb.OnMessageBegin(id)

	if msg.Is1xx() && status != 101 {
		// informational; the final response for this stream follows
		c.cb.OnHeadersComplete(id, msg)
		c.state = h1StateHead
		return nil
	}

	if status == 101 {
		c.state = h1StatePaused
		c.cb.OnHeadersComplete(id, msg)
		c.cb.OnMessageComplete(id, true)
		return nil
	}

	if proto == "HTTP/1.0" || !msg.WantsKeepAlive() {
		c.keepalive = false
	}

	c.cb.OnHeadersComplete(id, msg)

	method := c.methods[id]
	chunked := false
	for _, te := range msg.Headers.Values("Transfer-Encoding") {
		if strings.EqualFold(strings.TrimSpace(te), "chunked") {
			chunked = true
		}
	}
	switch {
	case method == "HEAD" || status == 204 || status == 304:
		c.finishMessage()
	case chunked:
		c.state = h1StateChunkSize
	default:
		if cl := msg.Headers.Get("Content-Length"); cl != "" {
			n, err := strconv.ParseInt(cl, 10, 64)
			if err != nil || n < 0 {
				return newError(id, ErrCodeProtocol, "bad content-length %q", cl)
			}
			if n == 0 {
				c.finishMessage()
				break
			}
			c.bodyRemaining = n
			c.state = h1StateBody
		} else {
			// body runs to connection close
			c.keepalive = false
			c.state = h1StateEOFBody
		}
	}
	return nil
}

func (c *http1Codec) parseTrailerLine(line []byte) *Error {
	name, value, ok := strings.Cut(string(line), ":")
	if !ok {
		return newError(c.currentIngressStream(), ErrCodeProtocol, "malformed trailer %q", line)
	}
	if c.trailers == nil {
		c.trailers = make(http.Header)
	}
	c.trailers.Add(strings.TrimSpace(name), strings.TrimSpace(value))
	return nil
}

func (c *http1Codec) finishMessage() {
	id := c.currentIngressStream()
	c.popIngressStream()
	c.state = h1StateHead
	c.cb.OnMessageComplete(id, false)
}

func (c *http1Codec) popIngressStream() {
	if len(c.egressOrder) > 0 {
		id := c.egressOrder[0]
		c.egressOrder = c.egressOrder[1:]
		delete(c.egressChunked, id)
		delete(c.methods, id)
	}
}

func parseChunkSize(line []byte) (uint64, *Error) {
	s := string(line)
	// chunk extensions are discarded
	if i := strings.IndexByte(s, ';'); i >= 0 {
		s = s[:i]
	}
	s = strings.TrimSpace(s)
	n, err := strconv.ParseUint(s, 16, 63)
	if err != nil {
		return 0, newError(0, ErrCodeProtocol, "bad chunk size %q", line)
	}
	return n, nil
}

////////////////////////////////
// egress
////////////////////////////////

func (c *http1Codec) GenerateConnectionPreface(io.Writer) error { return nil }

func (c *http1Codec) GenerateSettings(io.Writer, Settings) error { return nil }

func (c *http1Codec) GenerateSettingsAck(io.Writer) error { return nil }

func (c *http1Codec) GenerateHeader(w io.Writer, id StreamId, msg *Message, eom bool) error {
	if !msg.IsRequest() {
		return newError(id, ErrCodeInternal, "upstream codec cannot send responses")
	}
	path := msg.Path
	if path == "" {
		path = "/"
	}
	var b bytes.Buffer
	fmt.Fprintf(&b, "%s %s HTTP/1.1\r\n", msg.Method, path)
	if msg.Headers.Get("Host") == "" && msg.Authority != "" {
		fmt.Fprintf(&b, "Host: %s\r\n", msg.Authority)
	}
	chunked := false
	if !eom && msg.Headers.Get("Content-Length") == "" {
		chunked = true
		fmt.Fprintf(&b, "Transfer-Encoding: chunked\r\n")
	}
	if c.draining && msg.Headers.Get("Connection") == "" {
		fmt.Fprintf(&b, "Connection: close\r\n")
	}
	if err := msg.Headers.Write(&b); err != nil {
		return err
	}
	b.WriteString("\r\n")
	if _, err := w.Write(b.Bytes()); err != nil {
		return err
	}
	c.egressOrder = append(c.egressOrder, id)
	c.egressChunked[id] = chunked
	c.methods[id] = msg.Method
	return nil
}

func (c *http1Codec) GenerateExHeader(io.Writer, StreamId, *Message, StreamId, bool) error {
	return ErrEgressNotSupported
}

func (c *http1Codec) GeneratePushPromise(io.Writer, StreamId, *Message, StreamId) error {
	return ErrEgressNotSupported
}

func (c *http1Codec) GenerateBody(w io.Writer, id StreamId, data []byte, _ uint16, eom bool) (int, error) {
	if c.egressChunked[id] && len(data) > 0 {
		if _, err := fmt.Fprintf(w, "%x\r\n", len(data)); err != nil {
			return 0, err
		}
		if _, err := w.Write(data); err != nil {
			return 0, err
		}
		if _, err := io.WriteString(w, "\r\n"); err != nil {
			return 0, err
		}
	} else if len(data) > 0 {
		if _, err := w.Write(data); err != nil {
			return 0, err
		}
	}
	if eom {
		if err := c.GenerateEOM(w, id); err != nil {
			return len(data), err
		}
	}
	return len(data), nil
}

func (c *http1Codec) GenerateEOM(w io.Writer, id StreamId) error {
	if c.egressChunked[id] {
		_, err := io.WriteString(w, "0\r\n\r\n")
		return err
	}
	return nil
}

// GenerateRstStream has no HTTP/1.1 wire form; aborting a transaction
// poisons the connection for reuse instead.
func (c *http1Codec) GenerateRstStream(io.Writer, StreamId, ErrorCode) error {
	c.keepalive = false
	return nil
}

// GenerateGoaway has no HTTP/1.1 wire form; draining stops reuse and
// marks subsequent requests Connection: close.
func (c *http1Codec) GenerateGoaway(io.Writer, StreamId, ErrorCode, []byte) error {
	c.draining = true
	return nil
}

func (c *http1Codec) GenerateWindowUpdate(io.Writer, StreamId, uint32) error { return nil }

func (c *http1Codec) GeneratePriority(io.Writer, StreamId, PriorityUpdate) error { return nil }

func (c *http1Codec) GeneratePingRequest(io.Writer, uint64) error { return ErrEgressNotSupported }

func (c *http1Codec) GeneratePingReply(io.Writer, uint64) error { return ErrEgressNotSupported }

func (c *http1Codec) MapPriorityToDependency(uint8) StreamId { return 0 }
