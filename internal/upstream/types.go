package upstream

import (
	"fmt"
	"time"
)

// Status is the externally visible health status of an upstream server.
//
// State transitions:
//
//	pending  -> active | degraded | offline
//	active  <-> degraded
//	degraded -> offline            (failure threshold reached, circuit open)
//	offline  -> degraded           (reset timer fired, reconnecting)
//	offline  -> active             (manual reset with a healthy probe)
//	[any]    -> archived           (explicit deregistration only)
type Status string

const (
	StatusPending  Status = "pending"
	StatusActive   Status = "active"
	StatusDegraded Status = "degraded"
	StatusOffline  Status = "offline"
	StatusArchived Status = "archived"
)

// String returns the string representation of the status
func (s Status) String() string {
	return string(s)
}

// Validate reports whether s is a known status
func (s Status) Validate() error {
	switch s {
	case StatusPending, StatusActive, StatusDegraded, StatusOffline, StatusArchived:
		return nil
	default:
		return fmt.Errorf("invalid upstream status: %q", s)
	}
}

// validTransitions defines allowed status transitions.
// Anything not listed is denied. Archiving is handled separately.
var validTransitions = map[Status][]Status{
	StatusPending:  {StatusActive, StatusDegraded, StatusOffline},
	StatusActive:   {StatusDegraded, StatusOffline},
	StatusDegraded: {StatusActive, StatusOffline},
	StatusOffline:  {StatusDegraded, StatusActive},
}

// CanTransition reports whether from -> to is a legal status change.
func CanTransition(from, to Status) bool {
	if from == to {
		return true
	}
	if to == StatusArchived {
		return from != StatusArchived
	}
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Protocol kinds understood by the client pool
const (
	ProtocolStreamableHTTP = "streamable-http"
	ProtocolSSE            = "sse"
)

// Credential modes
const (
	CredentialNone   = "none"
	CredentialAPIKey = "api-key"
	CredentialOAuth  = "oauth"
)

// Server is an upstream tool server known to the registry.
type Server struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	Address        string    `json:"address"`
	Protocol       string    `json:"protocol"`
	CredentialMode string    `json:"credential_mode"`
	Secret         string    `json:"-"`
	Workspace      string    `json:"workspace,omitempty"`
	Status         Status    `json:"status"`
	Created        time.Time `json:"created"`
	Updated        time.Time `json:"updated"`
}

// HealthState is the circuit breaker bookkeeping of one server.
// CircuitBroken implies the owning server is offline.
type HealthState struct {
	FailCount     int       `json:"fail_count"`
	CircuitBroken bool      `json:"circuit_broken"`
	LastChecked   time.Time `json:"last_checked,omitempty"`
	LastError     string    `json:"last_error,omitempty"`
	Reconnecting  bool      `json:"reconnecting"`
	Escalated     bool      `json:"escalated"`
	Cycles        int       `json:"cycles"`
}

// Snapshot is a copy of a server and its health returned to callers.
type Snapshot struct {
	Server
	Health HealthState `json:"health"`
}
