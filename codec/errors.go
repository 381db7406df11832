package codec

import (
	"errors"
	"fmt"
)

// Error is a parse or protocol error raised by a codec. StreamId is
// zero when the error is not attributable to a single stream.
type Error struct {
	StreamId StreamId
	Code     ErrorCode
	Message  string
}

func (e *Error) Error() string {
	if e.StreamId != 0 {
		return fmt.Sprintf("%s on stream %d: %s", e.Code, e.StreamId, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func newError(id StreamId, code ErrorCode, format string, args ...interface{}) *Error {
	return &Error{StreamId: id, Code: code, Message: fmt.Sprintf(format, args...)}
}

// ErrEgressNotSupported is returned by Generate methods a protocol has
// no wire representation for.
var ErrEgressNotSupported = errors.New("egress operation not supported by this protocol")
