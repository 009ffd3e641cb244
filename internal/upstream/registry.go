package upstream

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"mcpgateway-go/internal/config"
	"mcpgateway-go/internal/events"
	"mcpgateway-go/internal/storage"
)

// Prober checks the liveness of one upstream server.
type Prober interface {
	Probe(ctx context.Context, srv Server) error
}

// ProberFunc adapts a function to the Prober interface.
type ProberFunc func(ctx context.Context, srv Server) error

// Probe calls f(ctx, srv).
func (f ProberFunc) Probe(ctx context.Context, srv Server) error {
	return f(ctx, srv)
}

// Store persists upstream records and their status history.
// It is called with the registry lock held and must not call back into the Registry.
type Store interface {
	SaveUpstream(record *storage.UpstreamRecord) error
	AppendTransition(record *storage.TransitionRecord) error
	ListUpstreams() ([]*storage.UpstreamRecord, error)
	ListTransitions(serverID string, limit int) ([]*storage.TransitionRecord, error)
}

// entry is the registry-owned state of one server. The reset timer and the
// reconnect loop belong to the entry and are cancelled when it is archived.
type entry struct {
	server Server
	health HealthState

	resetTimer *clock.Timer
	timerGen   uint64

	reconnectCancel context.CancelFunc
	reconnectGen    uint64
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock sets the clock used for timers and timestamps.
func WithClock(clk clock.Clock) Option {
	return func(r *Registry) { r.clock = clk }
}

// WithStore sets the persistence collaborator.
func WithStore(store Store) Option {
	return func(r *Registry) { r.store = store }
}

// WithPublisher sets the event sink for status notifications.
func WithPublisher(p events.Publisher) Option {
	return func(r *Registry) { r.events = p }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(r *Registry) { r.logger = logger }
}

// Registry tracks upstream servers, probes their health and gates outbound
// calls through a per-server circuit breaker.
type Registry struct {
	mu        sync.Mutex
	servers   map[string]*entry
	byAddress map[string]string
	cfg       config.RegistryConfig

	prober Prober
	store  Store
	events events.Publisher
	clock  clock.Clock
	cycles *CycleTracker
	logger *zap.Logger

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	intervalC chan struct{}
	stopOnce  sync.Once
	stopped   bool
}

// NewRegistry creates a registry. prober must not be nil.
func NewRegistry(cfg config.RegistryConfig, prober Prober, opts ...Option) *Registry {
	cfg.ApplyDefaults()

	r := &Registry{
		servers:   make(map[string]*entry),
		byAddress: make(map[string]string),
		cfg:       cfg,
		prober:    prober,
		events:    events.Discard,
		clock:     clock.New(),
		logger:    zap.NewNop(),
		intervalC: make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.Named("registry")
	r.cycles = NewCycleTracker(r.logger, r.clock, CycleTrackerConfig{
		MaxCycles: cfg.MaxReconnectCycles,
		Window:    cfg.CycleWindow,
	})
	r.ctx, r.cancel = context.WithCancel(context.Background())
	return r
}

func normalizeAddress(addr string) string {
	return strings.ToLower(strings.TrimRight(strings.TrimSpace(addr), "/"))
}

// Register inserts a new server with status pending. Registering an
// address (or id) that is already known fails with ErrDuplicateUpstream and
// leaves the registry unchanged.
func (r *Registry) Register(ctx context.Context, srv Server) (Server, error) {
	if err := ctx.Err(); err != nil {
		return Server{}, err
	}
	if strings.TrimSpace(srv.Address) == "" {
		return Server{}, fmt.Errorf("upstream address is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.stopped {
		return Server{}, fmt.Errorf("registry stopped")
	}

	key := normalizeAddress(srv.Address)
	if existing, ok := r.byAddress[key]; ok {
		return Server{}, fmt.Errorf("%w: address %s (id %s)", ErrDuplicateUpstream, srv.Address, existing)
	}
	if srv.ID == "" {
		srv.ID = uuid.NewString()
	}
	if e, ok := r.servers[srv.ID]; ok && e.server.Status != StatusArchived {
		return Server{}, fmt.Errorf("%w: id %s", ErrDuplicateUpstream, srv.ID)
	}
	if srv.Name == "" {
		srv.Name = srv.ID
	}
	if srv.Protocol == "" {
		srv.Protocol = ProtocolStreamableHTTP
	}
	if srv.CredentialMode == "" {
		srv.CredentialMode = CredentialNone
	}

	now := r.clock.Now()
	srv.Status = StatusPending
	srv.Created = now
	srv.Updated = now

	e := &entry{server: srv}
	r.servers[srv.ID] = e
	r.byAddress[key] = srv.ID

	r.persist(e)
	r.events.Publish(events.Event{
		Type:      events.UpstreamRegistered,
		ServerID:  srv.ID,
		NewState:  string(StatusPending),
		Timestamp: now,
		Data:      map[string]interface{}{"address": srv.Address, "name": srv.Name},
	})

	r.logger.Info("Upstream registered",
		zap.String("id", srv.ID),
		zap.String("name", srv.Name),
		zap.String("address", srv.Address))

	return srv, nil
}

// FromConfig converts a configured upstream into a registry server.
func FromConfig(uc config.UpstreamConfig) Server {
	return Server{
		ID:             uc.ID,
		Name:           uc.Name,
		Address:        uc.URL,
		Protocol:       uc.Protocol,
		CredentialMode: uc.CredentialMode,
		Secret:         uc.Secret,
		Workspace:      uc.Workspace,
	}
}

// Upsert registers srv, or overwrites the connection settings of the live
// server with the same id. Status and health of an existing server are kept.
// changed reports whether anything a client depends on differs, in which
// case cached clients for the id are stale.
func (r *Registry) Upsert(ctx context.Context, srv Server) (Server, bool, error) {
	if err := ctx.Err(); err != nil {
		return Server{}, false, err
	}
	if strings.TrimSpace(srv.Address) == "" {
		return Server{}, false, fmt.Errorf("upstream address is required")
	}

	r.mu.Lock()
	e, ok := r.servers[srv.ID]
	if srv.ID == "" || !ok || e.server.Status == StatusArchived {
		r.mu.Unlock()
		registered, err := r.Register(ctx, srv)
		if err != nil {
			return Server{}, false, err
		}
		return registered, true, nil
	}
	defer r.mu.Unlock()

	if srv.Name == "" {
		srv.Name = srv.ID
	}
	if srv.Protocol == "" {
		srv.Protocol = ProtocolStreamableHTTP
	}
	if srv.CredentialMode == "" {
		srv.CredentialMode = CredentialNone
	}

	oldKey, newKey := normalizeAddress(e.server.Address), normalizeAddress(srv.Address)
	if newKey != oldKey {
		if owner, taken := r.byAddress[newKey]; taken && owner != srv.ID {
			return Server{}, false, fmt.Errorf("%w: address %s (id %s)", ErrDuplicateUpstream, srv.Address, owner)
		}
	}

	cur := e.server
	changed := cur.Name != srv.Name ||
		newKey != oldKey ||
		cur.Protocol != srv.Protocol ||
		cur.CredentialMode != srv.CredentialMode ||
		cur.Secret != srv.Secret ||
		cur.Workspace != srv.Workspace
	if !changed {
		return cur, false, nil
	}

	if newKey != oldKey {
		delete(r.byAddress, oldKey)
		r.byAddress[newKey] = srv.ID
	}
	e.server.Name = srv.Name
	e.server.Address = srv.Address
	e.server.Protocol = srv.Protocol
	e.server.CredentialMode = srv.CredentialMode
	e.server.Secret = srv.Secret
	e.server.Workspace = srv.Workspace
	e.server.Updated = r.clock.Now()
	r.persist(e)

	r.logger.Info("Upstream updated",
		zap.String("id", srv.ID),
		zap.String("name", srv.Name),
		zap.String("address", srv.Address))
	return e.server, true, nil
}

// Restore re-registers servers loaded from the store. Non-archived servers
// start again as pending; archived ones stay archived. Ids and addresses
// already registered are skipped, so configured upstreams registered before
// Restore win over their stored records. Secrets are never stored.
func (r *Registry) Restore(ctx context.Context) (int, error) {
	if r.store == nil {
		return 0, nil
	}
	records, err := r.store.ListUpstreams()
	if err != nil {
		return 0, fmt.Errorf("failed to load upstreams: %w", err)
	}

	restored := 0
	for _, rec := range records {
		srv := Server{
			ID:             rec.ID,
			Name:           rec.Name,
			Address:        rec.URL,
			Protocol:       rec.Protocol,
			CredentialMode: rec.CredentialMode,
			Workspace:      rec.Workspace,
		}
		if Status(rec.Status) == StatusArchived {
			r.restoreArchived(srv, rec)
			continue
		}
		if _, err := r.Register(ctx, srv); err != nil {
			if errors.Is(err, ErrDuplicateUpstream) {
				continue
			}
			return restored, err
		}
		restored++
	}
	return restored, nil
}

func (r *Registry) restoreArchived(srv Server, rec *storage.UpstreamRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.servers[srv.ID]; ok {
		return
	}
	srv.Status = StatusArchived
	srv.Created = rec.Created
	srv.Updated = rec.Updated
	r.servers[srv.ID] = &entry{server: srv}
}

// Deregister archives a server. Its timers and reconnect loop are cancelled
// and its address may be registered again.
func (r *Registry) Deregister(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.servers[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownUpstream, id)
	}
	if e.server.Status == StatusArchived {
		return nil
	}

	r.stopTimers(e)
	e.health.CircuitBroken = false
	e.health.Reconnecting = false
	delete(r.byAddress, normalizeAddress(e.server.Address))
	r.cycles.Reset(id)

	r.transition(e, StatusArchived, "deregistered")
	r.events.Publish(events.Event{Type: events.UpstreamDeregistered, ServerID: id})
	return nil
}

// Get returns a copy of a server and its health.
func (r *Registry) Get(id string) (Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.servers[id]
	if !ok {
		return Snapshot{}, fmt.Errorf("%w: %s", ErrUnknownUpstream, id)
	}
	return Snapshot{Server: e.server, Health: e.health}, nil
}

// History returns the newest limit persisted status transitions of id,
// oldest first. Without a store it is always empty.
func (r *Registry) History(id string, limit int) ([]*storage.TransitionRecord, error) {
	r.mu.Lock()
	_, ok := r.servers[id]
	store := r.store
	r.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownUpstream, id)
	}
	if store == nil {
		return nil, nil
	}
	return store.ListTransitions(id, limit)
}

// List returns copies of every server ordered by id.
func (r *Registry) List() []Snapshot {
	r.mu.Lock()
	out := make([]Snapshot, 0, len(r.servers))
	for _, e := range r.servers {
		out = append(out, Snapshot{Server: e.server, Health: e.health})
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Summary counts servers per status.
func (r *Registry) Summary() map[Status]int {
	r.mu.Lock()
	defer r.mu.Unlock()

	counts := make(map[Status]int)
	for _, e := range r.servers {
		counts[e.server.Status]++
	}
	return counts
}

// CycleStats returns the reconnect-cycle history of a server.
func (r *Registry) CycleStats(id string) CycleStats {
	return r.cycles.Stats(id)
}

// Allow reports whether a call may be forwarded to the server. It fails
// fast with ErrCircuitOpen while the breaker is open or the server has been
// escalated.
func (r *Registry) Allow(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.servers[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownUpstream, id)
	}
	if e.server.Status == StatusArchived {
		return fmt.Errorf("%w: %s", ErrArchived, id)
	}
	if e.health.CircuitBroken || e.health.Escalated {
		return fmt.Errorf("%w: %s", ErrCircuitOpen, id)
	}
	return nil
}

// ReportSuccess records a successful forwarded call. Reports are ignored
// while the server is reconnecting or its circuit is open.
func (r *Registry) ReportSuccess(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.servers[id]; ok && r.acceptsReports(e) {
		r.onSuccess(e)
	}
}

// ReportFailure records a failed forwarded call with the same counting rules
// as a failed probe.
func (r *Registry) ReportFailure(id string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.servers[id]; ok && r.acceptsReports(e) {
		r.onFailure(e, err)
	}
}

func (r *Registry) acceptsReports(e *entry) bool {
	return e.server.Status != StatusArchived &&
		!e.health.CircuitBroken &&
		!e.health.Escalated &&
		!e.health.Reconnecting
}

// ProbeAll probes every server whose circuit is closed, at most
// ProbeConcurrency at a time. Probe failures are health data, so the only
// error returned is the context's.
func (r *Registry) ProbeAll(ctx context.Context) error {
	r.mu.Lock()
	targets := make([]Server, 0, len(r.servers))
	for _, e := range r.servers {
		if r.acceptsReports(e) {
			targets = append(targets, e.server)
		}
	}
	limit := r.cfg.ProbeConcurrency
	timeout := r.cfg.ProbeTimeout
	r.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for _, srv := range targets {
		srv := srv
		g.Go(func() error {
			pctx, cancel := context.WithTimeout(gctx, timeout)
			err := r.prober.Probe(pctx, srv)
			cancel()
			if ctx.Err() != nil {
				return ctx.Err()
			}
			r.recordProbe(srv.ID, err)
			return nil
		})
	}
	return g.Wait()
}

func (r *Registry) recordProbe(id string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.servers[id]
	if !ok || !r.acceptsReports(e) {
		return
	}
	if err == nil {
		r.onSuccess(e)
	} else {
		r.onFailure(e, err)
	}
}

// onSuccess resets the failure counter and marks the server active.
func (r *Registry) onSuccess(e *entry) {
	changed := e.health.FailCount != 0
	e.health.FailCount = 0
	e.health.LastChecked = r.clock.Now()
	e.health.LastError = ""
	if e.server.Status != StatusActive {
		r.transition(e, StatusActive, "probe succeeded")
	} else if changed {
		r.persist(e)
	}
}

// onFailure counts a failure and opens the circuit at the threshold.
func (r *Registry) onFailure(e *entry, err error) {
	e.health.FailCount++
	e.health.LastChecked = r.clock.Now()
	if err != nil {
		e.health.LastError = err.Error()
	}

	r.logger.Debug("Upstream check failed",
		zap.String("id", e.server.ID),
		zap.Int("fail_count", e.health.FailCount),
		zap.Error(err))

	if e.health.FailCount >= r.cfg.FailureThreshold {
		r.openCircuit(e, fmt.Sprintf("%d consecutive failures", e.health.FailCount))
		return
	}
	if e.server.Status != StatusDegraded {
		r.transition(e, StatusDegraded, "check failed")
	} else {
		r.persist(e)
	}
}

// openCircuit marks the server offline and arms exactly one reset timer,
// unless the server has used up its reconnect cycles.
func (r *Registry) openCircuit(e *entry, reason string) {
	r.stopTimers(e)
	e.health.CircuitBroken = true
	e.health.Reconnecting = false
	r.transition(e, StatusOffline, reason)

	allowed, cycles := r.cycles.RecordOpening(e.server.ID)
	e.health.Cycles = cycles
	if !allowed {
		e.health.Escalated = true
		r.persist(e)
		r.events.Publish(events.Event{
			Type:     events.UpstreamEscalated,
			ServerID: e.server.ID,
			NewState: string(StatusOffline),
			Data: map[string]interface{}{
				"reason": e.health.LastError,
				"cycles": cycles,
			},
		})
		r.logger.Error("Upstream escalated to permanent offline",
			zap.String("id", e.server.ID),
			zap.Int("cycles", cycles),
			zap.String("last_error", e.health.LastError))
		return
	}

	e.timerGen++
	gen := e.timerGen
	id := e.server.ID
	e.resetTimer = r.clock.AfterFunc(r.cfg.ResetTimeout, func() {
		r.onResetTimer(id, gen)
	})

	r.events.Publish(events.Event{
		Type:     events.CircuitOpened,
		ServerID: id,
		NewState: string(StatusOffline),
		Data: map[string]interface{}{
			"reason":        reason,
			"fail_count":    e.health.FailCount,
			"reset_timeout": r.cfg.ResetTimeout.String(),
		},
	})
	r.logger.Warn("Circuit opened",
		zap.String("id", id),
		zap.String("reason", reason),
		zap.Duration("reset_timeout", r.cfg.ResetTimeout))
}

func (r *Registry) onResetTimer(id string, gen uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.servers[id]
	if !ok || r.stopped || e.timerGen != gen || !e.health.CircuitBroken {
		return
	}
	e.resetTimer = nil
	e.health.CircuitBroken = false
	r.transition(e, StatusDegraded, "circuit reset")
	r.events.Publish(events.Event{Type: events.CircuitReset, ServerID: id, Data: map[string]interface{}{"manual": false}})
	r.startReconnect(e)
}

// ResetCircuit is the manual reset: it clears the failure counter and any
// escalation, then runs the reconnection loop immediately.
func (r *Registry) ResetCircuit(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.servers[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownUpstream, id)
	}
	if e.server.Status == StatusArchived {
		return fmt.Errorf("%w: %s", ErrArchived, id)
	}

	r.stopTimers(e)
	r.cycles.Reset(id)
	e.health.FailCount = 0
	e.health.CircuitBroken = false
	e.health.Escalated = false
	e.health.Cycles = 0
	if e.server.Status == StatusOffline {
		r.transition(e, StatusDegraded, "manual reset")
	} else {
		r.persist(e)
	}

	r.events.Publish(events.Event{Type: events.CircuitReset, ServerID: id, Data: map[string]interface{}{"manual": true}})
	r.logger.Info("Circuit manually reset", zap.String("id", id))
	r.startReconnect(e)
	return nil
}

// startReconnect launches the bounded reconnection loop. Caller holds r.mu.
func (r *Registry) startReconnect(e *entry) {
	if r.stopped {
		return
	}
	ctx, cancel := context.WithCancel(r.ctx)
	e.reconnectGen++
	e.reconnectCancel = cancel
	e.health.Reconnecting = true

	r.wg.Add(1)
	go r.reconnect(ctx, e.server.ID, e.reconnectGen, r.cfg)
}

// reconnect probes up to RetryAttempts times, RetryDelay apart. The first
// attempt runs immediately. Exhaustion re-opens the circuit.
func (r *Registry) reconnect(ctx context.Context, id string, gen uint64, cfg config.RegistryConfig) {
	defer r.wg.Done()

	var lastErr error
	for attempt := 1; attempt <= cfg.RetryAttempts; attempt++ {
		if attempt > 1 {
			t := r.clock.Timer(cfg.RetryDelay)
			select {
			case <-ctx.Done():
				t.Stop()
				return
			case <-t.C:
			}
		}

		srv, ok := r.reconnectTarget(id, gen)
		if !ok {
			return
		}

		pctx, cancel := context.WithTimeout(ctx, cfg.ProbeTimeout)
		err := r.prober.Probe(pctx, srv)
		cancel()
		if ctx.Err() != nil {
			return
		}

		r.mu.Lock()
		e, ok := r.servers[id]
		if !ok || e.reconnectGen != gen || !e.health.Reconnecting {
			r.mu.Unlock()
			return
		}
		e.health.LastChecked = r.clock.Now()
		if err == nil {
			e.health.Reconnecting = false
			e.reconnectCancel = nil
			e.health.FailCount = 0
			e.health.LastError = ""
			r.transition(e, StatusActive, fmt.Sprintf("reconnected after %d attempt(s)", attempt))
			r.mu.Unlock()
			r.logger.Info("Upstream reconnected", zap.String("id", id), zap.Int("attempt", attempt))
			return
		}
		e.health.FailCount++
		e.health.LastError = err.Error()
		r.persist(e)
		r.mu.Unlock()

		lastErr = err
		r.logger.Debug("Reconnect attempt failed",
			zap.String("id", id),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", cfg.RetryAttempts),
			zap.Error(err))
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.servers[id]
	if !ok || e.reconnectGen != gen || !e.health.Reconnecting {
		return
	}
	e.reconnectCancel = nil
	e.health.Reconnecting = false

	r.events.Publish(events.Event{
		Type:     events.ReconnectExhausted,
		ServerID: id,
		Data: map[string]interface{}{
			"attempts": cfg.RetryAttempts,
			"error":    fmt.Sprintf("%v: %v", ErrReconnectExhausted, lastErr),
		},
	})
	r.logger.Warn("Reconnect attempts exhausted",
		zap.String("id", id),
		zap.Int("attempts", cfg.RetryAttempts),
		zap.Error(lastErr))
	r.openCircuit(e, ErrReconnectExhausted.Error())
}

func (r *Registry) reconnectTarget(id string, gen uint64) (Server, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.servers[id]
	if !ok || e.reconnectGen != gen || !e.health.Reconnecting || e.server.Status == StatusArchived {
		return Server{}, false
	}
	return e.server, true
}

// stopTimers cancels the reset timer and any reconnect loop. Caller holds r.mu.
func (r *Registry) stopTimers(e *entry) {
	if e.resetTimer != nil {
		e.resetTimer.Stop()
		e.resetTimer = nil
	}
	e.timerGen++
	if e.reconnectCancel != nil {
		e.reconnectCancel()
		e.reconnectCancel = nil
	}
	e.reconnectGen++
	e.health.Reconnecting = false
}

// transition changes the status, then persists and announces it. Illegal
// transitions are logged and dropped. Caller holds r.mu.
func (r *Registry) transition(e *entry, to Status, reason string) {
	from := e.server.Status
	if from == to {
		r.persist(e)
		return
	}
	if !CanTransition(from, to) {
		r.logger.Error("Rejected invalid status transition",
			zap.String("id", e.server.ID),
			zap.String("from", from.String()),
			zap.String("to", to.String()))
		return
	}

	now := r.clock.Now()
	e.server.Status = to
	e.server.Updated = now
	r.persist(e)

	if r.store != nil {
		if err := r.store.AppendTransition(&storage.TransitionRecord{
			ServerID:  e.server.ID,
			From:      from.String(),
			To:        to.String(),
			Reason:    reason,
			FailCount: e.health.FailCount,
			Timestamp: now,
		}); err != nil {
			r.logger.Warn("Failed to persist status transition", zap.String("id", e.server.ID), zap.Error(err))
		}
	}

	r.events.Publish(events.Event{
		Type:      events.UpstreamStatusChanged,
		ServerID:  e.server.ID,
		OldState:  from.String(),
		NewState:  to.String(),
		Timestamp: now,
		Data: map[string]interface{}{
			"reason":     reason,
			"fail_count": e.health.FailCount,
		},
	})

	r.logger.Info("Upstream status changed",
		zap.String("id", e.server.ID),
		zap.String("from", from.String()),
		zap.String("to", to.String()),
		zap.String("reason", reason))
}

func (r *Registry) persist(e *entry) {
	if r.store == nil {
		return
	}
	record := &storage.UpstreamRecord{
		ID:             e.server.ID,
		Name:           e.server.Name,
		URL:            e.server.Address,
		Protocol:       e.server.Protocol,
		CredentialMode: e.server.CredentialMode,
		Workspace:      e.server.Workspace,
		Status:         e.server.Status.String(),
		FailCount:      e.health.FailCount,
		CircuitBroken:  e.health.CircuitBroken,
		Escalated:      e.health.Escalated,
		LastChecked:    e.health.LastChecked,
		Created:        e.server.Created,
		Updated:        e.server.Updated,
	}
	if err := r.store.SaveUpstream(record); err != nil {
		r.logger.Warn("Failed to persist upstream", zap.String("id", e.server.ID), zap.Error(err))
	}
}

// UpdateSettings applies new thresholds at runtime. Timers already armed keep
// their original deadline.
func (r *Registry) UpdateSettings(cfg config.RegistryConfig) {
	cfg.ApplyDefaults()

	r.mu.Lock()
	changed := cfg.ProbeInterval != r.cfg.ProbeInterval
	r.cfg = cfg
	r.mu.Unlock()

	r.cycles.UpdateConfig(CycleTrackerConfig{MaxCycles: cfg.MaxReconnectCycles, Window: cfg.CycleWindow})
	if changed {
		select {
		case r.intervalC <- struct{}{}:
		default:
		}
	}
	r.logger.Info("Registry settings updated",
		zap.Int("failure_threshold", cfg.FailureThreshold),
		zap.Duration("reset_timeout", cfg.ResetTimeout),
		zap.Duration("probe_interval", cfg.ProbeInterval))
}

// Settings returns the current registry configuration.
func (r *Registry) Settings() config.RegistryConfig {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cfg
}

// Start runs the periodic health probe until ctx is done or Stop is called.
func (r *Registry) Start(ctx context.Context) {
	r.mu.Lock()
	interval := r.cfg.ProbeInterval
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()

		ticker := r.clock.Ticker(interval)
		defer ticker.Stop()

		r.logger.Info("Health probing started", zap.Duration("interval", interval))
		for {
			select {
			case <-ctx.Done():
				return
			case <-r.ctx.Done():
				return
			case <-r.intervalC:
				ticker.Reset(r.Settings().ProbeInterval)
			case <-ticker.C:
				if err := r.ProbeAll(r.ctx); err != nil && !errors.Is(err, context.Canceled) {
					r.logger.Warn("Health probe round failed", zap.Error(err))
				}
			}
		}
	}()
}

// Stop cancels every timer and reconnect loop and waits for them to exit.
func (r *Registry) Stop() {
	r.stopOnce.Do(func() {
		r.mu.Lock()
		r.stopped = true
		for _, e := range r.servers {
			if e.resetTimer != nil {
				e.resetTimer.Stop()
				e.resetTimer = nil
			}
			if e.reconnectCancel != nil {
				e.reconnectCancel()
				e.reconnectCancel = nil
			}
		}
		r.mu.Unlock()

		r.cancel()
		r.wg.Wait()
		r.logger.Info("Registry stopped")
	})
}
