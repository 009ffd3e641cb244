package storage

import (
	"encoding/json"
	"time"
)

// Bucket names for bbolt database
const (
	UpstreamsBucket     = "upstreams"
	StatusHistoryBucket = "status_history"
	MetaBucket          = "meta"
)

// Meta keys
const (
	SchemaVersionKey = "schema"
)

// Current schema version
const CurrentSchemaVersion = 1

// UpstreamRecord represents an upstream server record in storage
type UpstreamRecord struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	URL            string    `json:"url"`
	Protocol       string    `json:"protocol,omitempty"` // streamable-http, sse
	CredentialMode string    `json:"credential_mode,omitempty"`
	Workspace      string    `json:"workspace,omitempty"`
	Status         string    `json:"status"`
	FailCount      int       `json:"fail_count,omitempty"`
	CircuitBroken  bool      `json:"circuit_broken,omitempty"`
	Escalated      bool      `json:"escalated,omitempty"`
	LastChecked    time.Time `json:"last_checked,omitempty"`
	Created        time.Time `json:"created"`
	Updated        time.Time `json:"updated"`
}

// TransitionRecord is one persisted upstream status change
type TransitionRecord struct {
	ServerID  string    `json:"server_id"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Reason    string    `json:"reason,omitempty"`
	FailCount int       `json:"fail_count"`
	Timestamp time.Time `json:"timestamp"`
}

// MarshalBinary implements encoding.BinaryMarshaler
func (u *UpstreamRecord) MarshalBinary() ([]byte, error) {
	return json.Marshal(u)
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler
func (u *UpstreamRecord) UnmarshalBinary(data []byte) error {
	return json.Unmarshal(data, u)
}

// MarshalBinary implements encoding.BinaryMarshaler
func (r *TransitionRecord) MarshalBinary() ([]byte, error) {
	return json.Marshal(r)
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler
func (r *TransitionRecord) UnmarshalBinary(data []byte) error {
	return json.Unmarshal(data, r)
}
