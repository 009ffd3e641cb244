package upstream

import (
	"context"
	"errors"
)

var (
	// ErrDuplicateUpstream is returned when an address or id is already registered
	ErrDuplicateUpstream = errors.New("upstream already registered")

	// ErrUnknownUpstream is returned for ids the registry does not know
	ErrUnknownUpstream = errors.New("unknown upstream")

	// ErrCircuitOpen is returned by Allow while the breaker is open
	ErrCircuitOpen = errors.New("circuit open")

	// ErrReconnectExhausted is reported when every reconnection attempt failed
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")

	// ErrArchived is returned for deregistered servers
	ErrArchived = errors.New("upstream archived")

	// ErrUnsupportedMethod is returned by the client pool for methods it cannot forward
	ErrUnsupportedMethod = errors.New("unsupported upstream method")
)

var (
	// ErrInvalidParams is returned when forwarded params cannot be decoded
	ErrInvalidParams = errors.New("invalid params")

	// ErrToolFailed is returned when the upstream answered with a tool error result
	ErrToolFailed = errors.New("upstream tool error")
)

// IsUpstreamFault reports whether err counts against the server's health.
// Caller mistakes, tool level errors and cancellations do not.
func IsUpstreamFault(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrInvalidParams),
		errors.Is(err, ErrToolFailed),
		errors.Is(err, ErrUnsupportedMethod),
		errors.Is(err, context.Canceled):
		return false
	}
	return true
}
