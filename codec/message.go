package codec

import (
	"net/http"
	"strings"
)

// Message is the structural content of one HTTP message head, request
// or response, independent of the wire protocol that carried it.
type Message struct {
	// request fields
	Method    string
	Scheme    string
	Authority string
	Path      string

	// response fields
	Status        int
	StatusMessage string

	Headers http.Header

	// Chunked marks a message whose body was or will be sent with
	// chunked framing (HTTP/1.1 only).
	Chunked bool

	Trailers http.Header
}

// NewRequest returns a request message with an initialized header map.
func NewRequest(method, path string) *Message {
	return &Message{Method: method, Path: path, Headers: make(http.Header)}
}

// NewResponse returns a response message with an initialized header map.
func NewResponse(status int) *Message {
	return &Message{Status: status, Headers: make(http.Header)}
}

func (m *Message) IsRequest() bool {
	return m.Method != ""
}

func (m *Message) IsResponse() bool {
	return m.Status != 0
}

// Is1xx reports whether this is a non-final informational response.
func (m *Message) Is1xx() bool {
	return m.Status >= 100 && m.Status < 200
}

// IsFinal reports whether this message head completes the header phase
// of its transaction (1xx responses other than 101 do not).
func (m *Message) IsFinal() bool {
	return !m.Is1xx() || m.Status == 101
}

// UpgradeTokens splits the Upgrade header into its comma-separated
// protocol tokens with surrounding whitespace removed. Empty tokens
// are dropped.
func (m *Message) UpgradeTokens() []string {
	var tokens []string
	for _, v := range m.Headers.Values("Upgrade") {
		for _, tok := range strings.Split(v, ",") {
			tok = strings.TrimSpace(tok)
			if tok != "" {
				tokens = append(tokens, tok)
			}
		}
	}
	return tokens
}

// perHopHeaders are meaningful only on one connection leg and are
// stripped when a message transits protocol versions.
var perHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Connection",
	"Transfer-Encoding",
	"Upgrade",
}

// StripPerHopHeaders removes connection-level headers in place.
func (m *Message) StripPerHopHeaders() {
	for _, h := range perHopHeaders {
		m.Headers.Del(h)
	}
}

// WantsKeepAlive reports whether the message permits connection reuse
// under HTTP/1.1 defaults.
func (m *Message) WantsKeepAlive() bool {
	for _, v := range m.Headers.Values("Connection") {
		for _, tok := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(tok), "close") {
				return false
			}
		}
	}
	return true
}
