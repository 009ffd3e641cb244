package connection

import (
	"math/rand/v2"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"mcpgateway-go/internal/config"
)

// heartbeatSettings is the subset of endpoint limits the heartbeat reads on
// every cycle, so runtime updates apply from the next ping on.
type heartbeatSettings struct {
	interval    time.Duration
	pingTimeout time.Duration
	highLatency time.Duration
}

// heartbeat drives the ping/pong cycle of one connection with a single
// timer that alternates between "wait for next ping" and "wait for pong".
type heartbeat struct {
	mu       sync.Mutex
	clock    clock.Clock
	settings func() heartbeatSettings
	sendPing func(seq uint64)
	onDead   func(missed int)
	jitterFn func(time.Duration) time.Duration

	timer    *clock.Timer
	gen      uint64
	stopped  bool
	awaiting bool
	seq      uint64
	sentAt   time.Time
	missed   int
	rtts     []time.Duration
}

func newHeartbeat(clk clock.Clock, settings func() heartbeatSettings, sendPing func(uint64), onDead func(int)) *heartbeat {
	return &heartbeat{
		clock:    clk,
		settings: settings,
		sendPing: sendPing,
		onDead:   onDead,
		jitterFn: jitter,
		rtts:     make([]time.Duration, 0, config.RTTHistorySize),
	}
}

// jitter spreads an interval by +/- PingJitter.
func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return d
	}
	f := 1 + (rand.Float64()*2-1)*config.PingJitter
	return time.Duration(float64(d) * f)
}

func (h *heartbeat) start() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		return
	}
	h.armLocked(h.jitterFn(h.settings().interval))
}

// stop cancels the timer. Callbacks already running observe stopped.
func (h *heartbeat) stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stopped = true
	h.gen++
	if h.timer != nil {
		h.timer.Stop()
		h.timer = nil
	}
}

func (h *heartbeat) armLocked(d time.Duration) {
	if h.timer != nil {
		h.timer.Stop()
	}
	h.gen++
	gen := h.gen
	h.timer = h.clock.AfterFunc(d, func() { h.fire(gen) })
}

func (h *heartbeat) fire(gen uint64) {
	h.mu.Lock()
	if h.stopped || gen != h.gen {
		h.mu.Unlock()
		return
	}

	s := h.settings()
	if h.awaiting {
		h.missed++
		if h.missed > h.graceLocked(s) {
			missed := h.missed
			h.stopped = true
			h.timer = nil
			h.mu.Unlock()
			h.onDead(missed)
			return
		}
	}

	h.seq++
	seq := h.seq
	h.awaiting = true
	h.sentAt = h.clock.Now()
	h.armLocked(h.timeoutLocked(s))
	h.mu.Unlock()

	h.sendPing(seq)
}

// pong records the answer to ping seq. seq 0 acknowledges the outstanding
// ping. Stale or unexpected pongs are ignored.
func (h *heartbeat) pong(seq uint64) (time.Duration, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.stopped || !h.awaiting || (seq != 0 && seq != h.seq) {
		return 0, false
	}
	rtt := h.clock.Since(h.sentAt)
	if len(h.rtts) == config.RTTHistorySize {
		copy(h.rtts, h.rtts[1:])
		h.rtts = h.rtts[:len(h.rtts)-1]
	}
	h.rtts = append(h.rtts, rtt)

	h.awaiting = false
	h.missed = 0
	h.armLocked(h.jitterFn(h.settings().interval))
	return rtt, true
}

func (h *heartbeat) avgRTTLocked() time.Duration {
	if len(h.rtts) == 0 {
		return 0
	}
	var total time.Duration
	for _, r := range h.rtts {
		total += r
	}
	return total / time.Duration(len(h.rtts))
}

// timeoutLocked is max(pingTimeout, 4*avgRTT + 1s).
func (h *heartbeat) timeoutLocked(s heartbeatSettings) time.Duration {
	adaptive := config.RTTTimeoutMultiplier*h.avgRTTLocked() + config.RTTTimeoutPadding
	if s.pingTimeout > adaptive {
		return s.pingTimeout
	}
	return adaptive
}

func (h *heartbeat) graceLocked(s heartbeatSettings) int {
	if s.highLatency > 0 && len(h.rtts) > 0 && h.avgRTTLocked() >= s.highLatency {
		return config.HighLatencyGracePings
	}
	return 0
}

// heartbeatStats is a point-in-time view for metrics and the stats handler.
type heartbeatStats struct {
	AvgRTT      time.Duration
	Samples     int
	Missed      int
	HighLatency bool
	Timeout     time.Duration
}

func (h *heartbeat) stats() heartbeatStats {
	h.mu.Lock()
	defer h.mu.Unlock()
	s := h.settings()
	return heartbeatStats{
		AvgRTT:      h.avgRTTLocked(),
		Samples:     len(h.rtts),
		Missed:      h.missed,
		HighLatency: h.graceLocked(s) > 0,
		Timeout:     h.timeoutLocked(s),
	}
}
