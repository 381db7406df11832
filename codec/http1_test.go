package codec

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strings"
	"testing"
)

// collector records callback events in arrival order.
type collector struct {
	events   []string
	msgs     []*Message
	body     bytes.Buffer
	trailers http.Header
	errs     []*Error
}

func (c *collector) ev(format string, args ...interface{}) {
	c.events = append(c.events, fmt.Sprintf(format, args...))
}

func (c *collector) OnMessageBegin(id StreamId) { c.ev("begin:%d", id) }

func (c *collector) OnPushMessageBegin(id StreamId, assoc StreamId) {
	c.ev("push:%d:assoc=%d", id, assoc)
}

func (c *collector) OnExMessageBegin(id StreamId, control StreamId) {
	c.ev("ex:%d:control=%d", id, control)
}

func (c *collector) OnHeadersComplete(id StreamId, msg *Message) {
	c.msgs = append(c.msgs, msg)
	c.ev("headers:%d:%d", id, msg.Status)
}

func (c *collector) OnBody(id StreamId, data []byte, _ uint16) {
	c.body.Write(data)
	c.ev("body:%d:%d", id, len(data))
}

func (c *collector) OnChunkHeader(id StreamId, length uint64) { c.ev("chunk:%d:%d", id, length) }

func (c *collector) OnChunkComplete(id StreamId) { c.ev("chunk-end:%d", id) }

func (c *collector) OnTrailersComplete(id StreamId, trailers http.Header) {
	c.trailers = trailers
	c.ev("trailers:%d", id)
}

func (c *collector) OnMessageComplete(id StreamId, upgrade bool) {
	c.ev("complete:%d:upgrade=%v", id, upgrade)
}

func (c *collector) OnError(id StreamId, err *Error, isNew bool) {
	c.errs = append(c.errs, err)
	c.ev("error:%d", id)
}

func (c *collector) OnAbort(id StreamId, code ErrorCode)             { c.ev("abort:%d:%s", id, code) }
func (c *collector) OnFrameHeader(StreamId, uint32, uint8, uint8)    {}
func (c *collector) OnGoaway(last StreamId, code ErrorCode, _ []byte) {
	c.ev("goaway:%d:%s", last, code)
}
func (c *collector) OnPingRequest(data uint64)              { c.ev("ping:%d", data) }
func (c *collector) OnPingReply(data uint64)                { c.ev("ping-ack:%d", data) }
func (c *collector) OnWindowUpdate(id StreamId, n uint32)   { c.ev("winupdate:%d:%d", id, n) }
func (c *collector) OnSettings(s Settings)                  { c.ev("settings:%d", len(s)) }
func (c *collector) OnSettingsAck()                         { c.ev("settings-ack") }

func (c *collector) has(ev string) bool {
	for _, e := range c.events {
		if e == ev {
			return true
		}
	}
	return false
}

// sendRequest generates a request so the codec expects a response.
func sendRequest(t *testing.T, c Codec, method string, eom bool) StreamId {
	t.Helper()
	id := c.CreateStream()
	msg := NewRequest(method, "/")
	msg.Authority = "test.local"
	if err := c.GenerateHeader(io.Discard, id, msg, eom); err != nil {
		t.Fatalf("GenerateHeader: %v", err)
	}
	return id
}

// feedByByte delivers the wire bytes one at a time to exercise every
// resume point in the parser.
func feedByByte(t *testing.T, c Codec, wire string) {
	t.Helper()
	for i := 0; i < len(wire); i++ {
		n, err := c.OnIngress([]byte{wire[i]})
		if err != nil {
			t.Fatalf("OnIngress byte %d: %v", i, err)
		}
		if n != 1 {
			t.Fatalf("OnIngress consumed %d at byte %d", n, i)
		}
	}
}

func TestHTTP1ChunkedResponseByteAtATime(t *testing.T) {
	t.Parallel()
	col := &collector{}
	c := NewHTTP1()
	c.SetCallback(col)
	id := sendRequest(t, c, "GET", true)

	feedByByte(t, c, "HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\n"+
		"4\r\nwiki\r\n5\r\npedia\r\n0\r\n\r\n")

	want := []string{
		fmt.Sprintf("begin:%d", id),
		fmt.Sprintf("headers:%d:200", id),
		fmt.Sprintf("chunk:%d:4", id),
		fmt.Sprintf("body:%d:1", id), // byte-at-a-time delivery
	}
	for _, ev := range want {
		if !col.has(ev) {
			t.Fatalf("missing event %q in %v", ev, col.events)
		}
	}
	if got := col.body.String(); got != "wikipedia" {
		t.Errorf("body = %q, want wikipedia", got)
	}
	if !col.has(fmt.Sprintf("complete:%d:upgrade=false", id)) {
		t.Fatalf("no message complete in %v", col.events)
	}
	if !c.IsReusable() {
		t.Error("keep-alive chunked response should leave the codec reusable")
	}
}

func TestHTTP1ContentLengthBody(t *testing.T) {
	t.Parallel()
	col := &collector{}
	c := NewHTTP1()
	c.SetCallback(col)
	id := sendRequest(t, c, "GET", true)

	wire := "HTTP/1.1 200 OK\r\nContent-Length: 5\r\n\r\nhello"
	if n, err := c.OnIngress([]byte(wire)); err != nil || n != len(wire) {
		t.Fatalf("OnIngress = %d, %v", n, err)
	}
	if col.body.String() != "hello" {
		t.Errorf("body = %q", col.body.String())
	}
	if !col.has(fmt.Sprintf("complete:%d:upgrade=false", id)) {
		t.Fatalf("no complete in %v", col.events)
	}
}

func TestHTTP1InformationalThenFinal(t *testing.T) {
	t.Parallel()
	col := &collector{}
	c := NewHTTP1()
	c.SetCallback(col)
	id := sendRequest(t, c, "POST", false)

	feedByByte(t, c, "HTTP/1.1 100 Continue\r\n\r\nHTTP/1.1 200 OK\r\nContent-Length: 0\r\n\r\n")
	var statuses []string
	for _, m := range col.msgs {
		statuses = append(statuses, fmt.Sprint(m.Status))
	}
	if strings.Join(statuses, ",") != "100,200" {
		t.Fatalf("statuses = %v", statuses)
	}
	if !col.has(fmt.Sprintf("complete:%d:upgrade=false", id)) {
		t.Fatalf("final response after 100 did not complete the message: %v", col.events)
	}
}

func TestHTTP1UpgradePausesAfterHead(t *testing.T) {
	t.Parallel()
	col := &collector{}
	c := NewHTTP1()
	c.SetCallback(col)
	id := sendRequest(t, c, "GET", true)

	head := "HTTP/1.1 101 Switching Protocols\r\nUpgrade: h2c\r\n\r\n"
	tail := "PRI * HTTP/2.0..."
	n, err := c.OnIngress([]byte(head + tail))
	if err != nil {
		t.Fatalf("OnIngress: %v", err)
	}
	if n != len(head) {
		t.Fatalf("consumed %d, want %d: post-upgrade bytes belong to the next codec", n, len(head))
	}
	if !col.has(fmt.Sprintf("complete:%d:upgrade=true", id)) {
		t.Fatalf("no upgrade complete in %v", col.events)
	}
	if c.IsReusable() {
		t.Error("an upgraded http/1 codec is not reusable")
	}
}

func TestHTTP1ReadToEOFBody(t *testing.T) {
	t.Parallel()
	col := &collector{}
	c := NewHTTP1()
	c.SetCallback(col)
	id := sendRequest(t, c, "GET", true)

	c.OnIngress([]byte("HTTP/1.1 200 OK\r\n\r\npartial"))
	if col.has(fmt.Sprintf("complete:%d:upgrade=false", id)) {
		t.Fatal("EOF body completed early")
	}
	c.OnIngress([]byte(" stream"))
	c.OnIngressEOF()
	if !col.has(fmt.Sprintf("complete:%d:upgrade=false", id)) {
		t.Fatalf("EOF did not complete message: %v", col.events)
	}
	if col.body.String() != "partial stream" {
		t.Errorf("body = %q", col.body.String())
	}
	if c.IsReusable() {
		t.Error("read-to-EOF response cannot keep the connection alive")
	}
}

func TestHTTP1TrailersAfterChunks(t *testing.T) {
	t.Parallel()
	col := &collector{}
	c := NewHTTP1()
	c.SetCallback(col)
	id := sendRequest(t, c, "GET", true)

	feedByByte(t, c, "HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\n"+
		"3\r\nabc\r\n0\r\nX-Checksum: abc123\r\n\r\n")
	if !col.has(fmt.Sprintf("trailers:%d", id)) {
		t.Fatalf("no trailers in %v", col.events)
	}
	if got := col.trailers.Get("X-Checksum"); got != "abc123" {
		t.Errorf("trailer = %q", got)
	}
}

func TestHTTP1ConnectionCloseStopsReuse(t *testing.T) {
	t.Parallel()
	col := &collector{}
	c := NewHTTP1()
	c.SetCallback(col)
	sendRequest(t, c, "GET", true)
	c.OnIngress([]byte("HTTP/1.1 200 OK\r\nConnection: close\r\nContent-Length: 0\r\n\r\n"))
	if c.IsReusable() {
		t.Error("Connection: close must stop reuse")
	}
}

func TestHTTP1HeadResponseHasNoBody(t *testing.T) {
	t.Parallel()
	col := &collector{}
	c := NewHTTP1()
	c.SetCallback(col)
	id := sendRequest(t, c, "HEAD", true)
	c.OnIngress([]byte("HTTP/1.1 200 OK\r\nContent-Length: 999\r\n\r\n"))
	if !col.has(fmt.Sprintf("complete:%d:upgrade=false", id)) {
		t.Fatalf("HEAD response must complete at the head: %v", col.events)
	}
	if col.body.Len() != 0 {
		t.Error("HEAD response delivered body bytes")
	}
}

func TestHTTP1GenerateChunkedRequest(t *testing.T) {
	t.Parallel()
	c := NewHTTP1()
	c.SetCallback(&collector{})
	id := c.CreateStream()
	msg := NewRequest("POST", "/upload")
	msg.Authority = "test.local"

	var wire bytes.Buffer
	if err := c.GenerateHeader(&wire, id, msg, false); err != nil {
		t.Fatal(err)
	}
	if _, err := c.GenerateBody(&wire, id, []byte("payload"), 0, false); err != nil {
		t.Fatal(err)
	}
	if err := c.GenerateEOM(&wire, id); err != nil {
		t.Fatal(err)
	}

	req, err := http.ReadRequest(bufio.NewReader(bytes.NewReader(wire.Bytes())))
	if err != nil {
		t.Fatalf("server-side parse: %v", err)
	}
	if req.Method != "POST" || req.URL.Path != "/upload" || req.Host != "test.local" {
		t.Errorf("request = %s %s host=%s", req.Method, req.URL.Path, req.Host)
	}
	body, err := io.ReadAll(req.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if string(body) != "payload" {
		t.Errorf("body = %q", body)
	}
}

func TestHTTP1SerialPredicates(t *testing.T) {
	t.Parallel()
	c := NewHTTP1()
	if c.SupportsParallelRequests() {
		t.Error("http/1.1 is serial")
	}
	if c.SupportsStreamFlowControl() {
		t.Error("http/1.1 has no stream flow control")
	}
	if c.CreateStream() != 1 || c.CreateStream() != 3 {
		t.Error("stream ids must be odd and ascending")
	}
}
