// Package codec defines the wire-protocol boundary of the upstream
// session: a Codec serializes egress calls into outbound bytes and
// parses inbound bytes into ingress callbacks. The session never
// fabricates wire bytes itself; every byte it emits passes through one
// of the Generate methods here.
package codec

import (
	"io"
	"net/http"
)

// StreamId is a 31-bit integer uniquely identifying a stream within a
// session. Locally-initiated streams are odd, peer-initiated streams
// are even.
type StreamId uint32

// Protocol identifies the wire protocol a codec speaks.
type Protocol int

const (
	ProtocolHTTP1 Protocol = iota
	ProtocolSPDY3
	ProtocolSPDY31
	ProtocolHTTP2
)

func (p Protocol) String() string {
	switch p {
	case ProtocolHTTP1:
		return "http/1.1"
	case ProtocolSPDY3:
		return "spdy/3"
	case ProtocolSPDY31:
		return "spdy/3.1"
	case ProtocolHTTP2:
		return "h2c"
	}
	return "unknown"
}

// ErrorCode is a protocol-level error condition on a stream or session.
// The values mirror the HTTP/2 error code registry; codecs for other
// protocols translate on the wire.
type ErrorCode uint32

const (
	ErrCodeNoError ErrorCode = iota
	ErrCodeProtocol
	ErrCodeInternal
	ErrCodeFlowControl
	ErrCodeSettingsTimeout
	ErrCodeStreamClosed
	ErrCodeFrameSize
	ErrCodeRefusedStream
	ErrCodeCancel
	ErrCodeCompression
	ErrCodeConnect
	ErrCodeEnhanceYourCalm
	ErrCodeInadequateSecurity
	ErrCodeHTTP11Required
)

func (c ErrorCode) String() string {
	switch c {
	case ErrCodeNoError:
		return "NO_ERROR"
	case ErrCodeProtocol:
		return "PROTOCOL_ERROR"
	case ErrCodeInternal:
		return "INTERNAL_ERROR"
	case ErrCodeFlowControl:
		return "FLOW_CONTROL_ERROR"
	case ErrCodeSettingsTimeout:
		return "SETTINGS_TIMEOUT"
	case ErrCodeStreamClosed:
		return "STREAM_CLOSED"
	case ErrCodeFrameSize:
		return "FRAME_SIZE_ERROR"
	case ErrCodeRefusedStream:
		return "REFUSED_STREAM"
	case ErrCodeCancel:
		return "CANCEL"
	case ErrCodeCompression:
		return "COMPRESSION_ERROR"
	case ErrCodeConnect:
		return "CONNECT_ERROR"
	case ErrCodeEnhanceYourCalm:
		return "ENHANCE_YOUR_CALM"
	case ErrCodeInadequateSecurity:
		return "INADEQUATE_SECURITY"
	case ErrCodeHTTP11Required:
		return "HTTP_1_1_REQUIRED"
	}
	return "UNKNOWN_ERROR"
}

// PriorityUpdate is the dependency tuple a peer consults when
// scheduling egress for a stream.
type PriorityUpdate struct {
	// Dependency is the stream this one depends on; 0 is the root.
	Dependency StreamId
	// Exclusive makes this stream the sole child of its dependency.
	Exclusive bool
	// Weight is the wire weight minus one (0..255 encodes 1..256).
	Weight uint8
}

// Callback is the ingress event set a session implements. A codec
// invokes these synchronously from OnIngress as it parses. Events for
// a single stream are delivered in receipt order.
type Callback interface {
	OnMessageBegin(id StreamId)
	// OnPushMessageBegin announces a server-pushed stream associated
	// with the client-initiated stream assocId.
	OnPushMessageBegin(id StreamId, assocId StreamId)
	// OnExMessageBegin announces a peer-initiated exchanged stream
	// attached to the control stream controlId.
	OnExMessageBegin(id StreamId, controlId StreamId)
	OnHeadersComplete(id StreamId, msg *Message)
	OnBody(id StreamId, data []byte, padding uint16)
	OnChunkHeader(id StreamId, length uint64)
	OnChunkComplete(id StreamId)
	OnTrailersComplete(id StreamId, trailers http.Header)
	// OnMessageComplete fires when the message's final byte has been
	// parsed. upgrade is true when the message established a protocol
	// switch and the codec will consume no further ingress.
	OnMessageComplete(id StreamId, upgrade bool)
	// OnError reports a parse or protocol error. newTxn is true when
	// the stream id was never announced via a message-begin event.
	OnError(id StreamId, err *Error, newTxn bool)
	OnAbort(id StreamId, code ErrorCode)
	OnFrameHeader(id StreamId, length uint32, ftype uint8, flags uint8)
	OnGoaway(lastGoodStream StreamId, code ErrorCode, debug []byte)
	OnPingRequest(data uint64)
	OnPingReply(data uint64)
	OnWindowUpdate(id StreamId, amount uint32)
	OnSettings(settings Settings)
	OnSettingsAck()
}

// Codec parses inbound bytes into Callback events and serializes
// egress operations into an io.Writer supplied by the caller.
//
// Generate methods return the number of flow-controlled payload bytes
// written where that matters (body), or plain errors. A codec is not
// safe for concurrent use; the session serializes access.
type Codec interface {
	Protocol() Protocol
	SetCallback(Callback)

	// OnIngress parses buf, invoking callbacks synchronously. It
	// returns the number of bytes consumed; a codec that has stopped
	// parsing (e.g. after a 101 upgrade) consumes less than len(buf).
	OnIngress(buf []byte) (int, error)
	// OnIngressEOF signals that the transport will deliver no further
	// bytes. Codecs with read-until-close body semantics complete the
	// in-flight message here.
	OnIngressEOF()

	// CreateStream mints the next locally-initiated stream id.
	CreateStream() StreamId

	SupportsParallelRequests() bool
	SupportsStreamFlowControl() bool
	DefaultWindowSize() uint32
	// IsReusable reports whether more transactions may ride this codec.
	IsReusable() bool
	// IsWaitingToDrain reports whether the codec has announced drain
	// to the peer but streams may still complete.
	IsWaitingToDrain() bool

	GenerateConnectionPreface(w io.Writer) error
	GenerateSettings(w io.Writer, settings Settings) error
	GenerateSettingsAck(w io.Writer) error
	GenerateHeader(w io.Writer, id StreamId, msg *Message, eom bool) error
	GenerateExHeader(w io.Writer, id StreamId, msg *Message, controlStream StreamId, eom bool) error
	GeneratePushPromise(w io.Writer, id StreamId, msg *Message, assocStream StreamId) error
	GenerateBody(w io.Writer, id StreamId, data []byte, padding uint16, eom bool) (int, error)
	GenerateEOM(w io.Writer, id StreamId) error
	GenerateRstStream(w io.Writer, id StreamId, code ErrorCode) error
	GenerateGoaway(w io.Writer, lastGood StreamId, code ErrorCode, debug []byte) error
	GenerateWindowUpdate(w io.Writer, id StreamId, delta uint32) error
	GeneratePriority(w io.Writer, id StreamId, pri PriorityUpdate) error
	GeneratePingRequest(w io.Writer, data uint64) error
	GeneratePingReply(w io.Writer, data uint64) error

	// MapPriorityToDependency returns the codec's built-in dependency
	// anchor for an application priority level, or 0 when the codec
	// has none and the session's priority tree decides.
	MapPriorityToDependency(level uint8) StreamId
}

// NopCallback is a Callback with empty implementations, for embedding.
type NopCallback struct{}

func (NopCallback) OnMessageBegin(StreamId)                       {}
func (NopCallback) OnPushMessageBegin(StreamId, StreamId)         {}
func (NopCallback) OnExMessageBegin(StreamId, StreamId)           {}
func (NopCallback) OnHeadersComplete(StreamId, *Message)          {}
func (NopCallback) OnBody(StreamId, []byte, uint16)               {}
func (NopCallback) OnChunkHeader(StreamId, uint64)                {}
func (NopCallback) OnChunkComplete(StreamId)                      {}
func (NopCallback) OnTrailersComplete(StreamId, http.Header)      {}
func (NopCallback) OnMessageComplete(StreamId, bool)              {}
func (NopCallback) OnError(StreamId, *Error, bool)                {}
func (NopCallback) OnAbort(StreamId, ErrorCode)                   {}
func (NopCallback) OnFrameHeader(StreamId, uint32, uint8, uint8)  {}
func (NopCallback) OnGoaway(StreamId, ErrorCode, []byte)          {}
func (NopCallback) OnPingRequest(uint64)                          {}
func (NopCallback) OnPingReply(uint64)                            {}
func (NopCallback) OnWindowUpdate(StreamId, uint32)               {}
func (NopCallback) OnSettings(Settings)                           {}
func (NopCallback) OnSettingsAck()                                {}
