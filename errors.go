package mcpconn

import (
	"errors"
	"fmt"
)

var (
	// ErrConnectionClosed is reported to every pending call when the
	// connection shuts down or the transport fails.
	ErrConnectionClosed = errors.New("connection closed")

	// ErrRequestTimeout is reported when a call's deadline elapsed without a
	// response from the peer.
	ErrRequestTimeout = errors.New("request timed out")

	// ErrCancelled is the base of cancellation failures; use errors.Is to
	// distinguish voluntary cancellation from peer rejection or timeout.
	ErrCancelled = errors.New("request cancelled")

	// ErrAlreadyOpen is returned by Open when the connection was started before.
	ErrAlreadyOpen = errors.New("connection already open")

	// ErrDuplicateMethod is returned when registering a method name twice.
	ErrDuplicateMethod = errors.New("method already registered")

	// ErrReservedMethod is returned when registering one of the method names
	// the core handles itself.
	ErrReservedMethod = errors.New("method name reserved by the protocol core")

	// ErrDuplicateRequestID is returned when a caller-chosen request ID
	// collides with one still in flight. This is a programmer error.
	ErrDuplicateRequestID = errors.New("request id already in flight")
)

// CancelledError reports that a request was cancelled, locally or by the
// peer, and carries the advisory reason if one was given.
type CancelledError struct {
	Reason string
}

func (e *CancelledError) Error() string {
	if e.Reason == "" {
		return "request cancelled"
	}
	return fmt.Sprintf("request cancelled: %s", e.Reason)
}

func (e *CancelledError) Is(target error) bool { return target == ErrCancelled }

// LifecycleError reports an operation attempted while the connection state
// does not permit it. It is always raised locally, before any I/O.
type LifecycleError struct {
	State  State
	Method string
}

func (e *LifecycleError) Error() string {
	return fmt.Sprintf("method %q not valid in connection state %q", e.Method, e.State)
}
