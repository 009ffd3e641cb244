package router

import (
	"context"
	"errors"
	"fmt"
	"time"

	"mcpgateway-go/internal/upstream"
)

var (
	// ErrRequestTimeout is reported when no answer arrived before the deadline.
	ErrRequestTimeout = errors.New("request timed out")

	// ErrCapacity is returned when the endpoint already has the maximum number
	// of requests in flight.
	ErrCapacity = errors.New("too many concurrent requests")

	// ErrSealed is returned by Handle after the router started serving.
	ErrSealed = errors.New("router is sealed")

	// ErrNotConnected is returned for requests on a connection that never
	// bound an upstream.
	ErrNotConnected = errors.New("connection is not bound to an upstream")
)

// Wire error codes
const (
	CodeRateLimitExceeded = "rate_limit_exceeded"
	CodeCapacityExceeded  = "capacity_exceeded"
	CodeRequestTimeout    = "request_timeout"
	CodeCircuitOpen       = "circuit_open"
	CodeUnknownUpstream   = "unknown_upstream"
	CodeNotConnected      = "not_connected"
	CodeInvalidMessage    = "invalid_message"
	CodeUnknownType       = "unknown_type"
	CodeUpstreamError     = "upstream_error"
	CodeInternalError     = "internal_error"
)

// Error is a handler error that is reported to the client with its code.
type Error struct {
	Code       string
	Message    string
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func invalidMessage(format string, args ...interface{}) *Error {
	return &Error{Code: CodeInvalidMessage, Message: fmt.Sprintf(format, args...)}
}

// wireError maps an error to the code reported to clients. ok is false for
// errors that must be hidden behind internal_error.
func wireError(err error) (e *Error, ok bool) {
	var we *Error
	if errors.As(err, &we) {
		return we, true
	}
	switch {
	case errors.Is(err, upstream.ErrCircuitOpen):
		return &Error{Code: CodeCircuitOpen, Message: "upstream circuit is open", Err: err}, true
	case errors.Is(err, upstream.ErrUnknownUpstream), errors.Is(err, upstream.ErrArchived):
		return &Error{Code: CodeUnknownUpstream, Message: "unknown upstream", Err: err}, true
	case errors.Is(err, ErrCapacity):
		return &Error{Code: CodeCapacityExceeded, Message: ErrCapacity.Error(), Err: err}, true
	case errors.Is(err, ErrRequestTimeout):
		return &Error{Code: CodeRequestTimeout, Message: ErrRequestTimeout.Error(), Err: err}, true
	case errors.Is(err, ErrNotConnected):
		return &Error{Code: CodeNotConnected, Message: ErrNotConnected.Error(), Err: err}, true
	case errors.Is(err, upstream.ErrInvalidParams), errors.Is(err, upstream.ErrUnsupportedMethod):
		return &Error{Code: CodeInvalidMessage, Message: err.Error(), Err: err}, true
	case errors.Is(err, upstream.ErrToolFailed), errors.Is(err, context.DeadlineExceeded):
		return upstreamError(err), true
	}
	return nil, false
}

func upstreamError(err error) *Error {
	return &Error{Code: CodeUpstreamError, Message: err.Error(), Err: err}
}
