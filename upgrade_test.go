package libupstream

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"

	"github.com/upstreamio/libupstream-go/codec"
)

// serverH2Bytes builds the post-101 server side of an h2c exchange:
// SETTINGS, a 200 response for stream 1, and bodyLen bytes of DATA.
func serverH2Bytes(t *testing.T, bodyLen int) []byte {
	t.Helper()
	var buf bytes.Buffer
	fr := http2.NewFramer(&buf, nil)
	require.NoError(t, fr.WriteSettings())

	var hb bytes.Buffer
	enc := hpack.NewEncoder(&hb)
	require.NoError(t, enc.WriteField(hpack.HeaderField{Name: ":status", Value: "200"}))
	require.NoError(t, enc.WriteField(hpack.HeaderField{Name: "content-type", Value: "text/plain"}))
	require.NoError(t, fr.WriteHeaders(http2.HeadersFrameParam{
		StreamID:      1,
		BlockFragment: hb.Bytes(),
		EndHeaders:    true,
	}))
	require.NoError(t, fr.WriteData(1, true, make([]byte, bodyLen)))
	return buf.Bytes()
}

func TestUpgradeToHTTP2(t *testing.T) {
	t.Parallel()
	ft := newFakeTransport()
	s := New(ft, codec.NewHTTP1(), nil, nil)
	info := &infoRecorder{}
	s.SetInfoCallback(info)
	s.StartNow()
	t.Cleanup(func() { s.DropConnection() })

	h := &recHandler{}
	txn := s.NewTransaction(h)
	require.NotNil(t, txn)

	req := codec.NewRequest("GET", "/")
	req.Authority = "example.com"
	req.Headers.Set("Connection", "Upgrade, HTTP2-Settings")
	req.Headers.Set("Upgrade", "h2c")
	require.NoError(t, txn.SendHeadersWithEOM(req))

	// the pre-upgrade period caps outgoing streams at one
	assert.Equal(t, uint32(1), s.MaxConcurrentOutgoingStreams())

	reply := []byte("HTTP/1.1 101 Switching Protocols\r\nConnection: Upgrade\r\nUpgrade: h2c\r\n\r\n")
	reply = append(reply, serverH2Bytes(t, 100)...)
	ft.Feed(reply)

	waitFor(t, func() bool { return info.has("codec-change") }, "no codec change")
	waitFor(t, func() bool { return h.has("headers:200") }, "no h2 response headers")
	waitFor(t, func() bool { return h.has("eom") }, "no EOM over h2")
	waitFor(t, func() bool { return h.has("detach") }, "no detach")

	h.mu.Lock()
	body := h.bodyBytes
	h.mu.Unlock()
	assert.Equal(t, 100, body)
	assert.Equal(t, codec.ProtocolHTTP2, s.Protocol())
	assert.Equal(t, uint32(10), s.MaxConcurrentOutgoingStreams(),
		"outgoing cap must return to the multiplexed default")

	// the upgraded session preface must reach the wire
	waitFor(t, func() bool {
		return bytes.Contains(ft.Written(), []byte(http2.ClientPreface))
	}, "client preface not written after upgrade")
}

func TestUpgradeTokenMatchingIsLenient(t *testing.T) {
	t.Parallel()
	ft := newFakeTransport()
	s := New(ft, codec.NewHTTP1(), nil, nil)
	info := &infoRecorder{}
	s.SetInfoCallback(info)
	s.StartNow()
	t.Cleanup(func() { s.DropConnection() })

	h := &recHandler{}
	txn := s.NewTransaction(h)
	req := codec.NewRequest("GET", "/")
	// junk tokens and whitespace around the supported one
	req.Headers.Set("Upgrade", " bogus/9 ,  H2C , x-zorp")
	require.NoError(t, txn.SendHeadersWithEOM(req))
	assert.Equal(t, uint32(1), s.MaxConcurrentOutgoingStreams())

	reply := []byte("HTTP/1.1 101 Switching Protocols\r\nUpgrade: H2C\r\n\r\n")
	reply = append(reply, serverH2Bytes(t, 0)...)
	ft.Feed(reply)
	waitFor(t, func() bool { return info.has("codec-change") }, "case-insensitive token not accepted")
	waitFor(t, func() bool { return h.has("headers:200") && h.has("detach") }, "upgraded txn broken")
}

func Test101WithoutUpgradeHeaderIsFatal(t *testing.T) {
	t.Parallel()
	ft := newFakeTransport()
	s := New(ft, codec.NewHTTP1(), nil, nil)
	s.StartNow()
	t.Cleanup(func() { s.DropConnection() })

	h := &recHandler{}
	txn := s.NewTransaction(h)
	req := codec.NewRequest("GET", "/")
	req.Headers.Set("Upgrade", "h2c")
	require.NoError(t, txn.SendHeadersWithEOM(req))

	ft.Feed([]byte("HTTP/1.1 101 Switching Protocols\r\n\r\n"))
	waitFor(t, func() bool { return h.has("error") }, "missing Upgrade header must error")
	kind, ok := GetError(h.lastErr())
	require.True(t, ok)
	assert.Equal(t, ErrorProtocol, kind)
	waitFor(t, func() bool { return s.State() == SessionClosed }, "session must close")
}

func Test101WithUnknownProtocolIsFatal(t *testing.T) {
	t.Parallel()
	ft := newFakeTransport()
	s := New(ft, codec.NewHTTP1(), nil, nil)
	s.StartNow()
	t.Cleanup(func() { s.DropConnection() })

	h := &recHandler{}
	txn := s.NewTransaction(h)
	req := codec.NewRequest("GET", "/")
	req.Headers.Set("Upgrade", "h2c")
	require.NoError(t, txn.SendHeadersWithEOM(req))

	ft.Feed([]byte("HTTP/1.1 101 Switching Protocols\r\nUpgrade: websocket\r\n\r\n"))
	waitFor(t, func() bool { return h.has("error") }, "unknown protocol must error")
	waitFor(t, func() bool { return s.State() == SessionClosed }, "session must close")
}

func TestUnsolicited101IsFatal(t *testing.T) {
	t.Parallel()
	ft := newFakeTransport()
	s := New(ft, codec.NewHTTP1(), nil, nil)
	s.StartNow()
	t.Cleanup(func() { s.DropConnection() })

	h := &recHandler{}
	txn := s.NewTransaction(h)
	require.NoError(t, txn.SendHeadersWithEOM(codec.NewRequest("GET", "/")))

	ft.Feed([]byte("HTTP/1.1 101 Switching Protocols\r\nUpgrade: h2c\r\n\r\n"))
	waitFor(t, func() bool { return h.has("error") }, "unsolicited 101 must error")
	waitFor(t, func() bool { return s.State() == SessionClosed }, "session must close")
}
