package upstream

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

// CycleTrackerConfig configures reconnect-cycle escalation
type CycleTrackerConfig struct {
	// MaxCycles is the number of circuit openings allowed within Window
	MaxCycles int
	// Window is the time window for counting cycles
	Window time.Duration
}

// cycleState tracks the circuit openings of a single server
type cycleState struct {
	Openings    []time.Time
	Escalated   bool
	EscalatedAt time.Time
	TotalCycles int64 // Lifetime counter
}

// CycleStats summarizes the cycle history of one server
type CycleStats struct {
	RecentCycles int       `json:"recent_cycles"`
	TotalCycles  int64     `json:"total_cycles"`
	Escalated    bool      `json:"escalated"`
	EscalatedAt  time.Time `json:"escalated_at,omitempty"`
}

// CycleTracker counts open -> reconnect -> open cycles per server and
// decides when a server stops being retried automatically. Escalation is
// sticky until Reset is called.
type CycleTracker struct {
	mu      sync.Mutex
	config  CycleTrackerConfig
	clock   clock.Clock
	servers map[string]*cycleState
	logger  *zap.Logger
}

// NewCycleTracker creates a new cycle tracker
func NewCycleTracker(logger *zap.Logger, clk clock.Clock, config CycleTrackerConfig) *CycleTracker {
	return &CycleTracker{
		config:  config,
		clock:   clk,
		servers: make(map[string]*cycleState),
		logger:  logger.Named("cycle-tracker"),
	}
}

// UpdateConfig swaps the limits. Existing history is kept.
func (ct *CycleTracker) UpdateConfig(config CycleTrackerConfig) {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	ct.config = config
}

// RecordOpening records a circuit opening for a server.
// Returns false if the server exceeded the cycle cap and must be escalated.
func (ct *CycleTracker) RecordOpening(serverID string) (allowed bool, recent int) {
	ct.mu.Lock()
	defer ct.mu.Unlock()

	now := ct.clock.Now()

	state, exists := ct.servers[serverID]
	if !exists {
		state = &cycleState{}
		ct.servers[serverID] = state
	}

	if state.Escalated {
		return false, len(state.Openings)
	}

	// Clean up openings outside the window
	cutoff := now.Add(-ct.config.Window)
	cleaned := state.Openings[:0]
	for _, ts := range state.Openings {
		if ts.After(cutoff) {
			cleaned = append(cleaned, ts)
		}
	}
	state.Openings = append(cleaned, now)
	state.TotalCycles++

	if ct.config.MaxCycles > 0 && len(state.Openings) > ct.config.MaxCycles {
		state.Escalated = true
		state.EscalatedAt = now

		ct.logger.Error("Reconnect cycle limit reached, escalating to permanent offline",
			zap.String("server", serverID),
			zap.Int("cycles", len(state.Openings)),
			zap.Duration("window", ct.config.Window))
		return false, len(state.Openings)
	}

	ct.logger.Debug("Circuit opening recorded",
		zap.String("server", serverID),
		zap.Int("recent_cycles", len(state.Openings)),
		zap.Int("max_cycles", ct.config.MaxCycles))

	return true, len(state.Openings)
}

// Stats returns cycle statistics for a server
func (ct *CycleTracker) Stats(serverID string) CycleStats {
	ct.mu.Lock()
	defer ct.mu.Unlock()

	state, exists := ct.servers[serverID]
	if !exists {
		return CycleStats{}
	}

	cutoff := ct.clock.Now().Add(-ct.config.Window)
	stats := CycleStats{
		TotalCycles: state.TotalCycles,
		Escalated:   state.Escalated,
		EscalatedAt: state.EscalatedAt,
	}
	for _, ts := range state.Openings {
		if ts.After(cutoff) {
			stats.RecentCycles++
		}
	}
	return stats
}

// Reset clears tracking for a specific server
func (ct *CycleTracker) Reset(serverID string) {
	ct.mu.Lock()
	defer ct.mu.Unlock()

	delete(ct.servers, serverID)
	ct.logger.Debug("Cycle tracking reset for server", zap.String("server", serverID))
}
