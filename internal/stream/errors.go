package stream

import (
	"errors"
	"fmt"
)

// ErrStreamEnded reports that the channel closed before a terminal frame.
var ErrStreamEnded = errors.New("stream ended before completion")

// ProtocolError is a malformed frame or a transport failure. A session that
// reports one is unusable afterwards.
type ProtocolError struct {
	Op  string
	Err error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("stream %s: %v", e.Op, e.Err)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// UpstreamError is a structured error frame sent by the service. Its text is
// surfaced verbatim.
type UpstreamError struct {
	Message string
}

func (e *UpstreamError) Error() string {
	return e.Message
}

// IsUpstream reports whether err carries an upstream error frame.
func IsUpstream(err error) bool {
	var u *UpstreamError
	return errors.As(err, &u)
}
