package connection

import (
	"errors"
	"fmt"
)

var (
	// ErrAdmissionRejected is wrapped by every AdmissionError.
	ErrAdmissionRejected = errors.New("admission rejected")

	// ErrRateLimited is returned when a connection exceeds its message budget.
	ErrRateLimited = errors.New("rate limit exceeded")

	// ErrBackpressure is returned when a write is skipped because too many
	// bytes are still waiting to be flushed.
	ErrBackpressure = errors.New("backpressure limit exceeded")

	// ErrConnectionClosed is returned for sends on a closing or closed connection.
	ErrConnectionClosed = errors.New("connection closed")

	// ErrManagerClosed is returned when the manager has been shut down.
	ErrManagerClosed = errors.New("connection manager closed")
)

// Rejection reasons reported with AdmissionError.
const (
	ReasonConnectionLimit = "connection_limit"
	ReasonIPDenied        = "ip_denied"
	ReasonHandshakeRate   = "handshake_rate"
	ReasonUnauthorized    = "unauthorized"
	ReasonShuttingDown    = "shutting_down"
)

// AdmissionError describes why an upgrade request was turned away.
type AdmissionError struct {
	Status int
	Reason string
	Err    error
}

func (e *AdmissionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", ErrAdmissionRejected, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", ErrAdmissionRejected, e.Reason)
}

// Is makes errors.Is(err, ErrAdmissionRejected) hold.
func (e *AdmissionError) Is(target error) bool {
	return target == ErrAdmissionRejected
}

func (e *AdmissionError) Unwrap() error {
	return e.Err
}
