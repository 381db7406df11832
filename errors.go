// Package libupstream implements the client side of an HTTP session:
// the state machine multiplexing application transactions over a
// single ordered reliable transport, protocol-agnostic above the
// codec boundary in the codec subpackage.
package libupstream

import (
	"errors"
	"fmt"

	"github.com/upstreamio/libupstream-go/codec"
)

// ErrorKind classifies the errors surfaced to transactions.
type ErrorKind int

const (
	ErrorNone ErrorKind = iota
	// ErrorStreamUnacknowledged means the peer's GOAWAY disowned this
	// stream; it was never processed and is safe to replay elsewhere.
	ErrorStreamUnacknowledged
	ErrorWriteTimeout
	ErrorReadTimeout
	ErrorParseHeader
	ErrorIngressStateTransition
	// ErrorDropped means the local application dropped the connection.
	ErrorDropped
	ErrorClientRenegotiation
	ErrorProtocol
	ErrorRefusedStream
	ErrorConnectionReset
)

func (k ErrorKind) String() string {
	switch k {
	case ErrorNone:
		return "None"
	case ErrorStreamUnacknowledged:
		return "StreamUnacknowledged"
	case ErrorWriteTimeout:
		return "WriteTimeout"
	case ErrorReadTimeout:
		return "ReadTimeout"
	case ErrorParseHeader:
		return "ParseHeader"
	case ErrorIngressStateTransition:
		return "IngressStateTransition"
	case ErrorDropped:
		return "Dropped"
	case ErrorClientRenegotiation:
		return "ClientRenegotiation"
	case ErrorProtocol:
		return "ProtocolError"
	case ErrorRefusedStream:
		return "RefusedStream"
	case ErrorConnectionReset:
		return "ConnectionReset"
	}
	return "Unknown"
}

// Direction tells which half of the transaction an error applies to.
type Direction int

const (
	DirectionIngress Direction = 1 << iota
	DirectionEgress
	DirectionIngressAndEgress = DirectionIngress | DirectionEgress
)

func (d Direction) String() string {
	switch d {
	case DirectionIngress:
		return "ingress"
	case DirectionEgress:
		return "egress"
	case DirectionIngressAndEgress:
		return "ingress and egress"
	}
	return "unknown"
}

// SessionError is the error type delivered to transaction handlers.
type SessionError struct {
	Kind  ErrorKind
	Dir   Direction
	TxnID codec.StreamId
	// CodecDetail, when set, is appended to the message as
	// " with codec error: <detail>".
	CodecDetail string
	cause       error
}

func (e *SessionError) Error() string {
	msg := fmt.Sprintf("%s on transaction id: %d", e.Kind, e.TxnID)
	if e.CodecDetail != "" {
		msg += " with codec error: " + e.CodecDetail
	}
	return msg
}

func (e *SessionError) Unwrap() error { return e.cause }

func newTxnError(kind ErrorKind, dir Direction, id codec.StreamId) *SessionError {
	return &SessionError{Kind: kind, Dir: dir, TxnID: id}
}

// GetError extracts the kind from an error produced by this package.
func GetError(err error) (ErrorKind, bool) {
	var se *SessionError
	if errors.As(err, &se) {
		return se.Kind, true
	}
	return ErrorNone, false
}
