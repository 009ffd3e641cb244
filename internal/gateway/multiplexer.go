package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"mcpgateway-go/internal/auth"
	"mcpgateway-go/internal/config"
	"mcpgateway-go/internal/connection"
	"mcpgateway-go/internal/events"
	"mcpgateway-go/internal/router"
	"mcpgateway-go/internal/upstream"
)

// ErrServing is returned by AddEndpoint once the handler has been handed out.
var ErrServing = errors.New("gateway is already serving")

// Registry is the part of the upstream registry the gateway drives.
type Registry interface {
	router.Upstreams
	List() []upstream.Snapshot
	Summary() map[upstream.Status]int
	UpdateSettings(cfg config.RegistryConfig)
	Upsert(ctx context.Context, srv upstream.Server) (upstream.Server, bool, error)
	Deregister(id string) error
}

// clientRemover is implemented by callers that cache one client per upstream.
type clientRemover interface {
	Remove(id string)
}

// Endpoint is one named channel with its own manager and router.
type Endpoint struct {
	Name    string
	Path    string
	Kind    string
	Manager *connection.Manager
	Router  *router.Router
}

// Option configures a Multiplexer.
type Option func(*Multiplexer)

// WithClock sets the clock handed to every manager and router.
func WithClock(clk clock.Clock) Option {
	return func(m *Multiplexer) { m.clock = clk }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(m *Multiplexer) { m.logger = logger }
}

// WithRegistry sets the upstream registry.
func WithRegistry(r Registry) Option {
	return func(m *Multiplexer) { m.registry = r }
}

// WithCaller sets the client used to forward requests.
func WithCaller(c upstream.Caller) Option {
	return func(m *Multiplexer) { m.caller = c }
}

// WithBus sets the event bus. Managers publish to it and events endpoints
// subscribe to it.
func WithBus(b *events.Bus) Option {
	return func(m *Multiplexer) { m.bus = b }
}

// WithTokens sets the token store used for admission and hot reload.
func WithTokens(t *auth.StaticTokens) Option {
	return func(m *Multiplexer) { m.tokens = t }
}

// Multiplexer owns every endpoint behind one upgrade router.
type Multiplexer struct {
	mu        sync.RWMutex
	endpoints map[string]*Endpoint
	order     []string

	upgrades *UpgradeRouter
	serving  atomic.Bool

	registry Registry
	caller   upstream.Caller
	bus      *events.Bus
	tokens   *auth.StaticTokens

	// ids of the upstreams named by the last applied config
	syncMu     sync.Mutex
	configured map[string]struct{}

	clock  clock.Clock
	logger *zap.Logger
}

// New creates an empty multiplexer.
func New(opts ...Option) *Multiplexer {
	m := &Multiplexer{
		endpoints: make(map[string]*Endpoint),
		clock:     clock.New(),
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.upgrades = NewUpgradeRouter(m.logger)
	m.logger = m.logger.Named("gateway")
	return m
}

func (m *Multiplexer) publisher() events.Publisher {
	if m.bus == nil {
		return events.Discard
	}
	return m.bus
}

// AddEndpoint builds the manager and router for cfg and registers its path.
func (m *Multiplexer) AddEndpoint(cfg config.EndpointConfig) (*Endpoint, error) {
	if m.serving.Load() {
		return nil, fmt.Errorf("%w: cannot add endpoint %s", ErrServing, cfg.Name)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.endpoints[cfg.Name]; exists {
		return nil, fmt.Errorf("endpoint %s already exists", cfg.Name)
	}

	ropts := []router.Option{
		router.WithClock(m.clock),
		router.WithLogger(m.logger),
	}
	if m.registry != nil {
		ropts = append(ropts, router.WithUpstreams(m.registry))
	}
	if m.caller != nil {
		ropts = append(ropts, router.WithCaller(m.caller))
	}
	if m.bus != nil {
		ropts = append(ropts, router.WithSubscriber(m.bus))
	}
	if cfg.Kind == config.KindMonitor {
		ropts = append(ropts, router.WithStats(func() interface{} { return m.Stats() }))
	}
	rt := router.New(cfg, ropts...)

	mopts := []connection.Option{
		connection.WithClock(m.clock),
		connection.WithLogger(m.logger),
		connection.WithPublisher(m.publisher()),
	}
	if m.tokens != nil {
		mopts = append(mopts, connection.WithAuthenticator(m.tokens))
	}
	mgr, err := connection.NewManager(cfg, rt, mopts...)
	if err != nil {
		return nil, fmt.Errorf("endpoint %s: %w", cfg.Name, err)
	}

	if err := m.upgrades.Register(cfg.Path, mgr); err != nil {
		_ = mgr.Shutdown(context.Background(), websocket.CloseGoingAway, connection.ReasonShutdown)
		_ = rt.Shutdown(context.Background())
		return nil, fmt.Errorf("endpoint %s: %w", cfg.Name, err)
	}

	ep := &Endpoint{Name: cfg.Name, Path: cfg.Path, Kind: cfg.Kind, Manager: mgr, Router: rt}
	m.endpoints[cfg.Name] = ep
	m.order = append(m.order, cfg.Name)

	m.logger.Info("Endpoint registered",
		zap.String("name", cfg.Name),
		zap.String("path", cfg.Path),
		zap.String("kind", cfg.Kind),
		zap.Bool("auth_required", cfg.AuthRequired))
	return ep, nil
}

// Handler seals every router and returns the upgrade router. Endpoints can
// no longer be added afterwards.
func (m *Multiplexer) Handler() http.Handler {
	if m.serving.CompareAndSwap(false, true) {
		m.mu.RLock()
		for _, ep := range m.endpoints {
			ep.Router.Seal()
		}
		m.mu.RUnlock()
	}
	return m.upgrades
}

// Upgrades returns the upgrade router.
func (m *Multiplexer) Upgrades() *UpgradeRouter {
	return m.upgrades
}

// Endpoint returns an endpoint by name.
func (m *Multiplexer) Endpoint(name string) (*Endpoint, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ep, ok := m.endpoints[name]
	return ep, ok
}

// Endpoints returns the endpoints in registration order.
func (m *Multiplexer) Endpoints() []*Endpoint {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Endpoint, 0, len(m.order))
	for _, name := range m.order {
		out = append(out, m.endpoints[name])
	}
	return out
}

// ApplyConfig pushes reloaded limits, breaker thresholds and tokens into the
// running components. Endpoints missing from the running set are skipped
// since adding one needs a restart.
func (m *Multiplexer) ApplyConfig(cfg *config.Config) error {
	var errs error
	applied := 0

	for _, ec := range cfg.Endpoints {
		ep, ok := m.Endpoint(ec.Name)
		if !ok {
			m.logger.Warn("New endpoint in config ignored until restart", zap.String("name", ec.Name))
			continue
		}
		if err := ep.Manager.UpdateSettings(ec); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		ep.Router.UpdateSettings(ec)
		applied++
	}

	if m.registry != nil {
		m.registry.UpdateSettings(cfg.Registry)
		if err := m.SyncUpstreams(context.Background(), cfg.Upstreams); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	if m.tokens != nil {
		m.tokens.Update(cfg.Auth.Tokens)
	}

	m.publisher().Publish(events.Event{
		Type:      events.ConfigApplied,
		Timestamp: m.clock.Now(),
		Data: map[string]interface{}{
			"endpoints": applied,
			"tokens":    len(cfg.Auth.Tokens),
			"failed":    len(multierr.Errors(errs)),
		},
	})
	return errs
}

// SyncUpstreams makes the registry match the configured upstreams. New ids
// are registered, changed ones are updated in place and their cached client
// is dropped, and ids named by the previous sync but missing now are
// archived. Upstreams registered by other means are left alone.
func (m *Multiplexer) SyncUpstreams(ctx context.Context, ucs []config.UpstreamConfig) error {
	if m.registry == nil {
		return nil
	}
	m.syncMu.Lock()
	defer m.syncMu.Unlock()

	remover, _ := m.caller.(clientRemover)
	var errs error
	next := make(map[string]struct{}, len(ucs))
	for _, uc := range ucs {
		srv, changed, err := m.registry.Upsert(ctx, upstream.FromConfig(uc))
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("upstream %s: %w", uc.ID, err))
			if uc.ID != "" {
				next[uc.ID] = struct{}{}
			}
			continue
		}
		next[srv.ID] = struct{}{}
		if changed && remover != nil {
			remover.Remove(srv.ID)
		}
	}

	for id := range m.configured {
		if _, ok := next[id]; ok {
			continue
		}
		if err := m.registry.Deregister(id); err != nil && !errors.Is(err, upstream.ErrUnknownUpstream) {
			errs = multierr.Append(errs, fmt.Errorf("upstream %s: %w", id, err))
			continue
		}
		if remover != nil {
			remover.Remove(id)
		}
		m.logger.Info("Upstream removed from config", zap.String("id", id))
	}
	m.configured = next
	return errs
}

// EndpointStats combines the connection and router counters of an endpoint.
type EndpointStats struct {
	Name        string           `json:"name"`
	Path        string           `json:"path"`
	Kind        string           `json:"kind"`
	Connections connection.Stats `json:"connections"`
	Requests    router.Stats     `json:"requests"`
}

// Stats is the monitor snapshot.
type Stats struct {
	Endpoints []EndpointStats         `json:"endpoints"`
	Upstreams []upstream.Snapshot     `json:"upstreams"`
	Summary   map[upstream.Status]int `json:"summary"`
	Unmatched int64                   `json:"unmatchedUpgrades"`
}

// Stats returns per-endpoint counters and upstream health.
func (m *Multiplexer) Stats() Stats {
	s := Stats{Unmatched: m.upgrades.Unmatched()}
	for _, ep := range m.Endpoints() {
		s.Endpoints = append(s.Endpoints, EndpointStats{
			Name:        ep.Name,
			Path:        ep.Path,
			Kind:        ep.Kind,
			Connections: ep.Manager.Stats(),
			Requests:    ep.Router.Stats(),
		})
	}
	if m.registry != nil {
		s.Upstreams = m.registry.List()
		s.Summary = m.registry.Summary()
	}
	return s
}

// Shutdown closes every endpoint's connections, then cancels their
// in-flight requests. Every endpoint is attempted.
func (m *Multiplexer) Shutdown(ctx context.Context) error {
	var errs error
	for _, ep := range m.Endpoints() {
		if err := ep.Manager.Shutdown(ctx, websocket.CloseGoingAway, connection.ReasonShutdown); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("endpoint %s connections: %w", ep.Name, err))
		}
		if err := ep.Router.Shutdown(ctx); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("endpoint %s requests: %w", ep.Name, err))
		}
	}
	if errs == nil {
		m.logger.Info("All endpoints closed")
	}
	return errs
}
