package libupstream

import (
	"bytes"
	"fmt"
	"io"
	"sync"

	"github.com/upstreamio/libupstream-go/codec"
)

// fakeTransport is an in-memory transport with controllable write
// pausing and failure, in the spirit of a fake conn pair.
type fakeTransport struct {
	mu           sync.Mutex
	cond         *sync.Cond
	readBuf      bytes.Buffer
	written      bytes.Buffer
	writesPaused bool
	failWrites   bool
	closed       bool
}

func newFakeTransport() *fakeTransport {
	ft := &fakeTransport{}
	ft.cond = sync.NewCond(&ft.mu)
	return ft
}

func (f *fakeTransport) Read(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for f.readBuf.Len() == 0 && !f.closed {
		f.cond.Wait()
	}
	if f.readBuf.Len() == 0 {
		return 0, io.EOF
	}
	return f.readBuf.Read(p)
}

func (f *fakeTransport) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for f.writesPaused && !f.closed && !f.failWrites {
		f.cond.Wait()
	}
	if f.failWrites {
		return 0, fmt.Errorf("write failed by test")
	}
	if f.closed {
		return 0, io.ErrClosedPipe
	}
	return f.written.Write(p)
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	f.closed = true
	f.cond.Broadcast()
	f.mu.Unlock()
	return nil
}

// Feed appends bytes the session will read.
func (f *fakeTransport) Feed(p []byte) {
	f.mu.Lock()
	f.readBuf.Write(p)
	f.cond.Broadcast()
	f.mu.Unlock()
}

func (f *fakeTransport) PauseWrites() {
	f.mu.Lock()
	f.writesPaused = true
	f.mu.Unlock()
}

func (f *fakeTransport) ResumeWrites() {
	f.mu.Lock()
	f.writesPaused = false
	f.cond.Broadcast()
	f.mu.Unlock()
}

func (f *fakeTransport) FailWrites() {
	f.mu.Lock()
	f.failWrites = true
	f.cond.Broadcast()
	f.mu.Unlock()
}

func (f *fakeTransport) Written() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]byte(nil), f.written.Bytes()...)
}

// mockCodec is a scriptable codec: generate calls append marker bytes
// and are recorded as ops; each ingress byte fed to the session pops
// one scripted callback, which runs with the session lock held exactly
// like a real parse event.
type mockCodec struct {
	mu         sync.Mutex
	cb         codec.Callback
	parallel   bool
	flow       bool
	window     uint32
	nextId     codec.StreamId
	headerSize int
	ops        []string
	scripts    []func(cb codec.Callback)
}

func newMockCodec(parallel, flow bool) *mockCodec {
	return &mockCodec{
		parallel:   parallel,
		flow:       flow,
		window:     65535,
		nextId:     1,
		headerSize: 32,
	}
}

func (c *mockCodec) record(format string, args ...interface{}) {
	c.mu.Lock()
	c.ops = append(c.ops, fmt.Sprintf(format, args...))
	c.mu.Unlock()
}

func (c *mockCodec) opsSnapshot() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.ops...)
}

func (c *mockCodec) script(fn func(cb codec.Callback)) {
	c.mu.Lock()
	c.scripts = append(c.scripts, fn)
	c.mu.Unlock()
}

func (c *mockCodec) Protocol() codec.Protocol       { return codec.ProtocolHTTP2 }
func (c *mockCodec) SetCallback(cb codec.Callback)  { c.cb = cb }
func (c *mockCodec) SupportsParallelRequests() bool { return c.parallel }

func (c *mockCodec) SupportsStreamFlowControl() bool { return c.flow }
func (c *mockCodec) DefaultWindowSize() uint32       { return c.window }
func (c *mockCodec) IsReusable() bool                { return true }
func (c *mockCodec) IsWaitingToDrain() bool          { return false }

func (c *mockCodec) OnIngress(buf []byte) (int, error) {
	for range buf {
		c.mu.Lock()
		var fn func(cb codec.Callback)
		if len(c.scripts) > 0 {
			fn = c.scripts[0]
			c.scripts = c.scripts[1:]
		}
		c.mu.Unlock()
		if fn != nil {
			fn(c.cb)
		}
	}
	return len(buf), nil
}

func (c *mockCodec) OnIngressEOF() {}

func (c *mockCodec) CreateStream() codec.StreamId {
	id := c.nextId
	c.nextId += 2
	return id
}

func (c *mockCodec) GenerateConnectionPreface(io.Writer) error { return nil }

func (c *mockCodec) GenerateSettings(w io.Writer, _ codec.Settings) error {
	c.record("settings")
	_, err := w.Write(make([]byte, 6))
	return err
}

func (c *mockCodec) GenerateSettingsAck(w io.Writer) error {
	c.record("settings-ack")
	_, err := w.Write(make([]byte, 1))
	return err
}

func (c *mockCodec) GenerateHeader(w io.Writer, id codec.StreamId, _ *codec.Message, eom bool) error {
	c.record("header:%d:eom=%v", id, eom)
	_, err := w.Write(bytes.Repeat([]byte{'H'}, c.headerSize))
	return err
}

func (c *mockCodec) GenerateExHeader(w io.Writer, id codec.StreamId, _ *codec.Message, control codec.StreamId, eom bool) error {
	c.record("exheader:%d:control=%d:eom=%v", id, control, eom)
	_, err := w.Write(bytes.Repeat([]byte{'X'}, c.headerSize))
	return err
}

func (c *mockCodec) GeneratePushPromise(io.Writer, codec.StreamId, *codec.Message, codec.StreamId) error {
	return codec.ErrEgressNotSupported
}

func (c *mockCodec) GenerateBody(w io.Writer, id codec.StreamId, data []byte, _ uint16, eom bool) (int, error) {
	c.record("body:%d:%d:eom=%v", id, len(data), eom)
	_, err := w.Write(data)
	return len(data), err
}

func (c *mockCodec) GenerateEOM(w io.Writer, id codec.StreamId) error {
	c.record("eom:%d", id)
	return nil
}

func (c *mockCodec) GenerateRstStream(w io.Writer, id codec.StreamId, code codec.ErrorCode) error {
	c.record("rst:%d:%s", id, code)
	_, err := w.Write(make([]byte, 4))
	return err
}

func (c *mockCodec) GenerateGoaway(w io.Writer, lastGood codec.StreamId, code codec.ErrorCode, _ []byte) error {
	c.record("goaway:%d:%s", lastGood, code)
	_, err := w.Write(make([]byte, 8))
	return err
}

func (c *mockCodec) GenerateWindowUpdate(w io.Writer, id codec.StreamId, delta uint32) error {
	c.record("winupdate:%d:%d", id, delta)
	_, err := w.Write(make([]byte, 4))
	return err
}

func (c *mockCodec) GeneratePriority(w io.Writer, id codec.StreamId, pri codec.PriorityUpdate) error {
	c.record("priority:%d:dep=%d:w=%d", id, pri.Dependency, pri.Weight)
	_, err := w.Write(make([]byte, 5))
	return err
}

func (c *mockCodec) GeneratePingRequest(w io.Writer, data uint64) error {
	c.record("ping:%d", data)
	_, err := w.Write(make([]byte, 8))
	return err
}

func (c *mockCodec) GeneratePingReply(w io.Writer, data uint64) error {
	c.record("ping-ack:%d", data)
	_, err := w.Write(make([]byte, 8))
	return err
}

func (c *mockCodec) MapPriorityToDependency(uint8) codec.StreamId { return 0 }
