package transport

import (
	"errors"
	"fmt"
)

var (
	// Resolution errors
	ErrNoTransport     = errors.New("transport: no transport registered")
	ErrInvalidAddress  = errors.New("transport: invalid address")
	ErrNoDecoupledPath = errors.New("transport: destination cannot reach decoupled address")

	// Lifecycle errors
	ErrConduitClosed     = errors.New("transport: conduit closed")
	ErrDestinationClosed = errors.New("transport: destination closed")
	ErrNotPrepared       = errors.New("transport: message not prepared for sending")
	ErrNoBackChannel     = errors.New("transport: message has no back-channel")
)

// ResolutionError is returned when no transport can serve an address
type ResolutionError struct {
	Target string // Address or namespace that was looked up
	Kind   string // "conduit" or "destination"
	Err    error  // Underlying error
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("transport resolution failed: %s for %s: %v", e.Kind, e.Target, e.Err)
}

func (e *ResolutionError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether a later attempt could succeed. A missing
// transport registration never recovers on its own.
func (e *ResolutionError) IsRetryable() bool {
	return !errors.Is(e.Err, ErrNoTransport) && !errors.Is(e.Err, ErrInvalidAddress)
}

// SendError wraps a failure to put a message on the wire
type SendError struct {
	Target    string
	MessageID string
	Err       error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("send to %s failed for message %s: %v", e.Target, e.MessageID, e.Err)
}

func (e *SendError) Unwrap() error {
	return e.Err
}
