// Package config provides configuration types and utilities for mcpgateway.
// Timeout and limit constants are centralized here to avoid magic numbers.
package config

import "time"

// Shutdown Timeouts
const (
	// ShutdownTimeout is the maximum time the whole shutdown sequence may take.
	ShutdownTimeout = 15 * time.Second

	// ShutdownHandlerTimeout is the default budget for a single shutdown handler.
	ShutdownHandlerTimeout = 5 * time.Second

	// CloseWriteWait bounds writing the close frame to a peer.
	CloseWriteWait = 1 * time.Second
)

// HTTP Server Timeouts
const (
	// HTTPReadHeaderTimeout bounds reading request headers, upgrades included.
	HTTPReadHeaderTimeout = 10 * time.Second

	// HTTPIdleTimeout closes idle keep-alive connections.
	HTTPIdleTimeout = 120 * time.Second
)

// Connection Defaults
const (
	// DefaultConnectionTimeout closes connections idle for longer than this.
	DefaultConnectionTimeout = 5 * time.Minute

	// DefaultPingInterval is the base heartbeat period before jitter.
	DefaultPingInterval = 30 * time.Second

	// DefaultPingTimeout is the floor of the adaptive pong timeout.
	DefaultPingTimeout = 10 * time.Second

	// DefaultReconnectTimeout is advertised to clients as a reconnect hint.
	DefaultReconnectTimeout = 5 * time.Second

	// DefaultCleanupInterval is how often idle connections are swept.
	DefaultCleanupInterval = 60 * time.Second

	// DefaultHighLatencyThreshold marks a link as structurally slow.
	DefaultHighLatencyThreshold = 1 * time.Second

	// WriteWait bounds a single frame write.
	WriteWait = 10 * time.Second

	// AuthTimeout bounds token validation during admission.
	AuthTimeout = 5 * time.Second
)

// Connection Limits
const (
	DefaultMaxPayloadBytes      = 1 << 20 // 1 MiB
	DefaultMaxConnectionsPerIP  = 20
	DefaultMaxMessagesPerMinute = 600
	DefaultMaxBackpressureBytes = 4 << 20 // 4 MiB
	DefaultSendQueueSize        = 256
)

// Heartbeat tuning
const (
	// PingJitter is the +/- fraction applied to every ping interval.
	PingJitter = 0.3

	// RTTHistorySize caps the rolling round-trip sample window.
	RTTHistorySize = 10

	// RTTTimeoutMultiplier and RTTTimeoutPadding derive the adaptive timeout.
	RTTTimeoutMultiplier = 4
	RTTTimeoutPadding    = 1 * time.Second

	// HighLatencyGracePings is the number of extra missed pings tolerated on slow links.
	HighLatencyGracePings = 2
)

// Router Defaults
const (
	DefaultRequestTimeout        = 30 * time.Second
	DefaultMaxConcurrentRequests = 100
)

// Registry Defaults
const (
	DefaultProbeInterval        = 10 * time.Second
	DefaultProbeTimeout         = 5 * time.Second
	DefaultProbeConcurrency     = 8
	DefaultFailureThreshold     = 5
	DefaultCircuitResetTimeout  = 30 * time.Second
	DefaultRetryAttempts        = 3
	DefaultRetryDelay           = 2 * time.Second
	DefaultMaxReconnectCycles   = 5
	DefaultReconnectCycleWindow = 30 * time.Minute
)

// Event Bus Buffer Sizes
const (
	// EventChannelBufferSize is the buffer size for individual event subscriptions
	EventChannelBufferSize = 100

	// EventChannelBufferSizeAll is the buffer size for subscribing to all events
	EventChannelBufferSizeAll = 500
)

// Handshake limiter cache
const (
	// HandshakeCacheSize bounds the number of remote addresses tracked.
	HandshakeCacheSize = 10000

	// HandshakeCacheTTL evicts limiters for addresses that went quiet.
	HandshakeCacheTTL = 5 * time.Minute
)
