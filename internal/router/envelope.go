package router

import (
	"bytes"
	"encoding/json"
	"strconv"
)

// Message types
const (
	TypePing            = "ping"
	TypePong            = "pong"
	TypeConnect         = "connect"
	TypeConnectResponse = "connect_response"
	TypeRequest         = "request"
	TypeResponse        = "response"
	TypeStream          = "stream"
	TypeStreamChunk     = "stream_chunk"
	TypeStreamEnd       = "stream_end"
	TypeError           = "error"
	TypeStatus          = "status"
	TypeSubscribe       = "subscribe"
	TypeSubscribed      = "subscribed"
	TypeUnsubscribe     = "unsubscribe"
	TypeUnsubscribed    = "unsubscribed"
	TypeEvent           = "event"
	TypeStats           = "stats"
	TypeHistory         = "history"
	TypeReset           = "reset"
)

// Envelope is the decoded form of one inbound frame. Raw keeps the whole
// frame for handlers that need fields beyond the common ones.
type Envelope struct {
	Type     string          `json:"type"`
	ID       json.RawMessage `json:"id,omitempty"`
	Upstream string          `json:"upstream,omitempty"`
	Method   string          `json:"method,omitempty"`
	Params   json.RawMessage `json:"params,omitempty"`
	Seq      uint64          `json:"seq,omitempty"`
	Events   []string        `json:"events,omitempty"`
	Server   string          `json:"server,omitempty"`

	Raw json.RawMessage `json:"-"`
}

// Decode parses a frame. A frame without a type is invalid.
func Decode(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, invalidMessage("malformed JSON: %v", err)
	}
	if env.Type == "" {
		return nil, invalidMessage("missing type")
	}
	if len(env.ID) > 0 && !validID(env.ID) {
		return nil, invalidMessage("id must be a string or a number")
	}
	env.Raw = data
	return &env, nil
}

func validID(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	if bytes.Equal(raw, []byte("null")) {
		return true
	}
	if len(raw) > 0 && raw[0] == '"' {
		var s string
		return json.Unmarshal(raw, &s) == nil
	}
	_, err := strconv.ParseFloat(string(raw), 64)
	return err == nil
}

// RequestID returns the id as a string, or "" when absent.
func (e *Envelope) RequestID() string {
	raw := bytes.TrimSpace(e.ID)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			return s
		}
	}
	return string(raw)
}

// Outbound frames

type pongFrame struct {
	Type      string          `json:"type"`
	ID        json.RawMessage `json:"id,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

type responseFrame struct {
	Type     string          `json:"type"`
	ID       json.RawMessage `json:"id"`
	Upstream string          `json:"upstream,omitempty"`
	Result   json.RawMessage `json:"result"`
}

type chunkFrame struct {
	Type string          `json:"type"`
	ID   json.RawMessage `json:"id"`
	Seq  int             `json:"seq"`
	Data json.RawMessage `json:"data,omitempty"`
	Done bool            `json:"done"`
}

type streamEndFrame struct {
	Type   string          `json:"type"`
	ID     json.RawMessage `json:"id"`
	Chunks int             `json:"chunks"`
}

type errorFrame struct {
	Type       string          `json:"type"`
	ID         json.RawMessage `json:"id,omitempty"`
	Code       string          `json:"code"`
	Message    string          `json:"message"`
	ErrorID    string          `json:"errorId,omitempty"`
	RetryAfter int64           `json:"retryAfterMs,omitempty"`
}

type connectResponseFrame struct {
	Type             string          `json:"type"`
	ID               json.RawMessage `json:"id,omitempty"`
	ConnectionID     string          `json:"connectionId"`
	Upstream         string          `json:"upstream"`
	Status           string          `json:"status"`
	CircuitOpen      bool            `json:"circuitOpen"`
	ReconnectTimeout int64           `json:"reconnectTimeoutMs"`
}

type dataFrame struct {
	Type string          `json:"type"`
	ID   json.RawMessage `json:"id,omitempty"`
	Data interface{}     `json:"data"`
}
