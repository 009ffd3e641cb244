// Package shutdown runs the gateway's ordered shutdown: stop listening, drain
// endpoints, stop upstream supervision, then close storage.
package shutdown

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"mcpgateway-go/internal/config"
)

// Phase orders shutdown handlers
type Phase int

const (
	// PhaseListener stops accepting new upgrades
	PhaseListener Phase = iota
	// PhaseEndpoints closes client connections and cancels in-flight requests
	PhaseEndpoints
	// PhaseUpstreams stops probing and closes upstream clients
	PhaseUpstreams
	// PhaseStorage closes the database
	PhaseStorage
	// PhaseCleanup flushes logs and the event bus
	PhaseCleanup
)

var phaseOrder = []Phase{PhaseListener, PhaseEndpoints, PhaseUpstreams, PhaseStorage, PhaseCleanup}

func (p Phase) String() string {
	switch p {
	case PhaseListener:
		return "Listener"
	case PhaseEndpoints:
		return "Endpoints"
	case PhaseUpstreams:
		return "Upstreams"
	case PhaseStorage:
		return "Storage"
	case PhaseCleanup:
		return "Cleanup"
	default:
		return "Unknown"
	}
}

// Func performs one piece of shutdown work within ctx.
type Func func(ctx context.Context) error

// Handler is a registered shutdown step
type Handler struct {
	Name     string
	Phase    Phase
	Priority int // higher runs first within a phase
	Fn       Func
	Timeout  time.Duration
}

// Progress reports the outcome of one handler
type Progress struct {
	Phase    Phase
	Handler  string
	Error    error
	Duration time.Duration
}

// Coordinator runs registered handlers phase by phase. Failures are
// collected and never stop later phases.
type Coordinator struct {
	mu       sync.RWMutex
	handlers map[Phase][]*Handler
	logger   *zap.Logger

	once         sync.Once
	done         chan struct{}
	err          error
	shuttingDown atomic.Bool

	defaultTimeout time.Duration
	totalTimeout   time.Duration

	progress chan Progress
}

// NewCoordinator creates a coordinator with the configured timeouts.
func NewCoordinator(logger *zap.Logger) *Coordinator {
	return &Coordinator{
		handlers:       make(map[Phase][]*Handler),
		logger:         logger.Named("shutdown"),
		done:           make(chan struct{}),
		defaultTimeout: config.ShutdownHandlerTimeout,
		totalTimeout:   config.ShutdownTimeout,
		progress:       make(chan Progress, 64),
	}
}

// Register adds a handler.
func (c *Coordinator) Register(h *Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if h.Timeout == 0 {
		h.Timeout = c.defaultTimeout
	}
	list := append(c.handlers[h.Phase], h)
	sort.SliceStable(list, func(i, j int) bool { return list[i].Priority > list[j].Priority })
	c.handlers[h.Phase] = list

	c.logger.Debug("Registered shutdown handler",
		zap.String("name", h.Name),
		zap.String("phase", h.Phase.String()),
		zap.Int("priority", h.Priority))
}

// RegisterFunc registers fn with the default priority and timeout.
func (c *Coordinator) RegisterFunc(name string, phase Phase, fn Func) {
	c.Register(&Handler{Name: name, Phase: phase, Fn: fn})
}

// IsShuttingDown reports whether Shutdown has been called.
func (c *Coordinator) IsShuttingDown() bool {
	return c.shuttingDown.Load()
}

// Done is closed when shutdown finished.
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

// Progress streams handler outcomes. It is closed when shutdown finished.
func (c *Coordinator) Progress() <-chan Progress {
	return c.progress
}

// Handlers returns the handler names of a phase in execution order.
func (c *Coordinator) Handlers(phase Phase) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.handlers[phase]))
	for _, h := range c.handlers[phase] {
		names = append(names, h.Name)
	}
	return names
}

// SetTotalTimeout bounds the whole sequence.
func (c *Coordinator) SetTotalTimeout(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.totalTimeout = d
}

// Shutdown runs every phase once. Later calls return the first result.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.once.Do(func() {
		c.shuttingDown.Store(true)
		c.err = c.run(ctx)
		close(c.done)
		close(c.progress)
	})
	return c.err
}

func (c *Coordinator) run(ctx context.Context) error {
	c.mu.RLock()
	total := c.totalTimeout
	c.mu.RUnlock()

	c.logger.Info("Starting coordinated shutdown")
	start := time.Now()

	ctx, cancel := context.WithTimeout(ctx, total)
	defer cancel()

	var errs error
	for _, phase := range phaseOrder {
		if err := c.runPhase(ctx, phase); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("phase %s: %w", phase, err))
		}
		if ctx.Err() != nil {
			c.logger.Warn("Shutdown deadline reached, skipping remaining phases",
				zap.String("after_phase", phase.String()),
				zap.Duration("elapsed", time.Since(start)))
			errs = multierr.Append(errs, fmt.Errorf("shutdown deadline: %w", ctx.Err()))
			break
		}
	}

	if errs != nil {
		c.logger.Warn("Shutdown completed with errors",
			zap.Duration("duration", time.Since(start)),
			zap.Int("error_count", len(multierr.Errors(errs))))
		return errs
	}
	c.logger.Info("Shutdown completed", zap.Duration("duration", time.Since(start)))
	return nil
}

func (c *Coordinator) runPhase(ctx context.Context, phase Phase) error {
	c.mu.RLock()
	handlers := append([]*Handler(nil), c.handlers[phase]...)
	c.mu.RUnlock()

	if len(handlers) == 0 {
		return nil
	}
	c.logger.Info("Executing shutdown phase",
		zap.String("phase", phase.String()),
		zap.Int("handler_count", len(handlers)))

	var errs error
	for _, h := range handlers {
		if err := c.runHandler(ctx, h); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", h.Name, err))
		}
	}
	return errs
}

func (c *Coordinator) runHandler(ctx context.Context, h *Handler) error {
	start := time.Now()
	hctx, cancel := context.WithTimeout(ctx, h.Timeout)
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- h.Fn(hctx) }()

	var err error
	select {
	case err = <-errCh:
	case <-hctx.Done():
		err = fmt.Errorf("handler timeout after %v", h.Timeout)
	}
	elapsed := time.Since(start)

	select {
	case c.progress <- Progress{Phase: h.Phase, Handler: h.Name, Error: err, Duration: elapsed}:
	default:
	}

	if err != nil {
		c.logger.Warn("Shutdown handler failed",
			zap.String("name", h.Name),
			zap.Duration("duration", elapsed),
			zap.Error(err))
		return err
	}
	c.logger.Debug("Shutdown handler completed",
		zap.String("name", h.Name),
		zap.Duration("duration", elapsed))
	return nil
}
