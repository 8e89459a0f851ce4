package relay

import (
	"errors"
	"fmt"
)

// Legs named in TransportError.
const (
	LegTelephony = "telephony"
	LegModel     = "model"
)

var (
	// ErrModelResponseFailed marks a response.done with status failed. It is
	// logged and counted; the session continues.
	ErrModelResponseFailed = errors.New("model response failed")

	// ErrStaleToolCall is returned when an output is submitted for a call id
	// that is not pending.
	ErrStaleToolCall = errors.New("stale tool call")
)

// SetupError means the model leg could not be brought up.
type SetupError struct {
	Err error
}

func (e *SetupError) Error() string { return "session setup: " + e.Err.Error() }
func (e *SetupError) Unwrap() error { return e.Err }

// TransportError is a read or write failure on one leg. It ends the session.
type TransportError struct {
	Leg string
	Err error
}

func (e *TransportError) Error() string { return fmt.Sprintf("%s transport: %v", e.Leg, e.Err) }
func (e *TransportError) Unwrap() error { return e.Err }

// errorKind labels err for the relay_errors_total metric.
func errorKind(err error) string {
	var setupErr *SetupError
	var transportErr *TransportError
	switch {
	case errors.As(err, &setupErr):
		return "setup"
	case errors.As(err, &transportErr):
		return "transport_" + transportErr.Leg
	default:
		return "internal"
	}
}
