package upstream

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"mcpgateway-go/internal/config"
	"mcpgateway-go/internal/events"
	"mcpgateway-go/internal/storage"
)

// fakeProber fails every probe while failing is set and counts calls per server.
type fakeProber struct {
	mu      sync.Mutex
	failing map[string]bool
	calls   map[string]int
}

func newFakeProber() *fakeProber {
	return &fakeProber{failing: make(map[string]bool), calls: make(map[string]int)}
}

func (p *fakeProber) Probe(_ context.Context, srv Server) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls[srv.ID]++
	if p.failing[srv.ID] {
		return errors.New("dial tcp: connection refused")
	}
	return nil
}

func (p *fakeProber) setFailing(id string, failing bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failing[id] = failing
}

func (p *fakeProber) callCount(id string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[id]
}

func testRegistryConfig() config.RegistryConfig {
	return config.RegistryConfig{
		ProbeInterval:      10 * time.Second,
		ProbeTimeout:       time.Second,
		ProbeConcurrency:   4,
		FailureThreshold:   5,
		ResetTimeout:       30 * time.Second,
		RetryAttempts:      3,
		RetryDelay:         2 * time.Second,
		MaxReconnectCycles: 5,
		CycleWindow:        30 * time.Minute,
	}
}

func newTestRegistry(t *testing.T, cfg config.RegistryConfig, prober Prober, opts ...Option) (*Registry, *clock.Mock) {
	t.Helper()
	mock := clock.NewMock()
	opts = append([]Option{WithClock(mock), WithLogger(zap.NewNop())}, opts...)
	r := NewRegistry(cfg, prober, opts...)
	t.Cleanup(r.Stop)
	return r, mock
}

func mustRegister(t *testing.T, r *Registry, id, address string) Server {
	t.Helper()
	srv, err := r.Register(context.Background(), Server{ID: id, Name: id, Address: address})
	require.NoError(t, err)
	return srv
}

func probeTimes(t *testing.T, r *Registry, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		require.NoError(t, r.ProbeAll(context.Background()))
	}
}

// advanceUntil moves the mock clock forward step by step until cond holds.
func advanceUntil(t *testing.T, mock *clock.Mock, step time.Duration, cond func() bool) {
	t.Helper()
	require.Eventually(t, func() bool {
		if cond() {
			return true
		}
		mock.Add(step)
		return false
	}, 5*time.Second, 5*time.Millisecond)
}

func TestRegister_DuplicateAddress(t *testing.T) {
	r, _ := newTestRegistry(t, testRegistryConfig(), newFakeProber())

	srv := mustRegister(t, r, "a", "http://upstream-a/mcp")
	assert.Equal(t, StatusPending, srv.Status)
	assert.Equal(t, ProtocolStreamableHTTP, srv.Protocol)
	assert.Equal(t, CredentialNone, srv.CredentialMode)

	before := r.List()

	// Same address, different id and trailing slash
	_, err := r.Register(context.Background(), Server{ID: "b", Address: "http://UPSTREAM-A/mcp/"})
	require.ErrorIs(t, err, ErrDuplicateUpstream)

	// Same id, different address
	_, err = r.Register(context.Background(), Server{ID: "a", Address: "http://other"})
	require.ErrorIs(t, err, ErrDuplicateUpstream)

	assert.Equal(t, before, r.List())

	_, err = r.Register(context.Background(), Server{ID: "c"})
	assert.Error(t, err)
}

func TestRegister_GeneratesID(t *testing.T) {
	r, _ := newTestRegistry(t, testRegistryConfig(), newFakeProber())

	srv, err := r.Register(context.Background(), Server{Address: "http://upstream-x"})
	require.NoError(t, err)
	assert.NotEmpty(t, srv.ID)
	assert.Equal(t, srv.ID, srv.Name)
}

func TestProbeAll_StatusTransitions(t *testing.T) {
	prober := newFakeProber()
	r, _ := newTestRegistry(t, testRegistryConfig(), prober)
	mustRegister(t, r, "a", "http://upstream-a")

	probeTimes(t, r, 1)
	snap, err := r.Get("a")
	require.NoError(t, err)
	assert.Equal(t, StatusActive, snap.Status)

	prober.setFailing("a", true)
	probeTimes(t, r, 2)
	snap, _ = r.Get("a")
	assert.Equal(t, StatusDegraded, snap.Status)
	assert.Equal(t, 2, snap.Health.FailCount)
	assert.False(t, snap.Health.CircuitBroken)
	assert.Contains(t, snap.Health.LastError, "connection refused")

	// A success resets the counter
	prober.setFailing("a", false)
	probeTimes(t, r, 1)
	snap, _ = r.Get("a")
	assert.Equal(t, StatusActive, snap.Status)
	assert.Equal(t, 0, snap.Health.FailCount)
}

func TestCircuitBreaker_OpenAndExhaustReconnect(t *testing.T) {
	cfg := testRegistryConfig()
	prober := newFakeProber()
	bus := events.NewBus()
	defer bus.Close()
	all := bus.SubscribeAll()

	r, mock := newTestRegistry(t, cfg, prober, WithPublisher(bus))
	mustRegister(t, r, "a", "upstream-a")
	prober.setFailing("a", true)

	probeTimes(t, r, cfg.FailureThreshold)

	snap, err := r.Get("a")
	require.NoError(t, err)
	assert.Equal(t, StatusOffline, snap.Status)
	assert.True(t, snap.Health.CircuitBroken)
	assert.ErrorIs(t, r.Allow("a"), ErrCircuitOpen)

	// Broken servers are not probed by the periodic loop
	probeTimes(t, r, 3)
	assert.Equal(t, cfg.FailureThreshold, prober.callCount("a"))

	// Past the reset timeout the reconnect loop runs and gives up
	mock.Add(cfg.ResetTimeout)
	advanceUntil(t, mock, cfg.RetryDelay, func() bool {
		snap, _ := r.Get("a")
		return snap.Health.CircuitBroken && prober.callCount("a") == cfg.FailureThreshold+cfg.RetryAttempts
	})

	assert.Equal(t, cfg.FailureThreshold+cfg.RetryAttempts, prober.callCount("a"))
	snap, _ = r.Get("a")
	assert.Equal(t, StatusOffline, snap.Status)
	assert.False(t, snap.Health.Reconnecting)
	assert.Equal(t, 2, snap.Health.Cycles)

	seen := map[events.EventType]int{}
	timeout := time.After(time.Second)
	for seen[events.ReconnectExhausted] == 0 {
		select {
		case ev := <-all:
			seen[ev.Type]++
		case <-timeout:
			t.Fatalf("missing reconnect_exhausted event, saw %v", seen)
		}
	}
	assert.Equal(t, 1, seen[events.CircuitOpened])
	assert.Equal(t, 1, seen[events.CircuitReset])
}

func TestCircuitBreaker_ReconnectSucceeds(t *testing.T) {
	cfg := testRegistryConfig()
	prober := newFakeProber()
	r, mock := newTestRegistry(t, cfg, prober)
	mustRegister(t, r, "a", "upstream-a")

	prober.setFailing("a", true)
	probeTimes(t, r, cfg.FailureThreshold)

	prober.setFailing("a", false)
	mock.Add(cfg.ResetTimeout)

	require.Eventually(t, func() bool {
		snap, _ := r.Get("a")
		return snap.Status == StatusActive
	}, 2*time.Second, 5*time.Millisecond)

	snap, _ := r.Get("a")
	assert.Equal(t, 0, snap.Health.FailCount)
	assert.False(t, snap.Health.CircuitBroken)
	assert.False(t, snap.Health.Reconnecting)
	assert.Equal(t, cfg.FailureThreshold+1, prober.callCount("a"))
	assert.NoError(t, r.Allow("a"))
}

func TestCircuitBreaker_EscalatesAfterCycleCap(t *testing.T) {
	cfg := testRegistryConfig()
	cfg.MaxReconnectCycles = 1
	cfg.RetryAttempts = 1

	prober := newFakeProber()
	bus := events.NewBus()
	defer bus.Close()
	escalated := bus.Subscribe(events.UpstreamEscalated)

	r, mock := newTestRegistry(t, cfg, prober, WithPublisher(bus))
	mustRegister(t, r, "a", "upstream-a")
	prober.setFailing("a", true)
	probeTimes(t, r, cfg.FailureThreshold)

	mock.Add(cfg.ResetTimeout)
	select {
	case ev := <-escalated:
		assert.Equal(t, "a", ev.ServerID)
		assert.Equal(t, 2, ev.Data["cycles"])
	case <-time.After(2 * time.Second):
		t.Fatal("expected escalation event")
	}

	snap, _ := r.Get("a")
	assert.True(t, snap.Health.Escalated)
	assert.True(t, snap.Health.CircuitBroken)
	assert.Equal(t, StatusOffline, snap.Status)

	// No reset timer is armed once escalated
	calls := prober.callCount("a")
	mock.Add(10 * cfg.ResetTimeout)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, calls, prober.callCount("a"))
	assert.ErrorIs(t, r.Allow("a"), ErrCircuitOpen)

	// Manual reset clears the escalation and reconnects
	prober.setFailing("a", false)
	require.NoError(t, r.ResetCircuit("a"))
	require.Eventually(t, func() bool {
		snap, _ := r.Get("a")
		return snap.Status == StatusActive
	}, 2*time.Second, 5*time.Millisecond)

	snap, _ = r.Get("a")
	assert.False(t, snap.Health.Escalated)
	assert.Equal(t, CycleStats{}, r.CycleStats("a"))
}

func TestPassiveHealthReports(t *testing.T) {
	cfg := testRegistryConfig()
	cfg.FailureThreshold = 2
	r, _ := newTestRegistry(t, cfg, newFakeProber())
	mustRegister(t, r, "a", "upstream-a")

	r.ReportSuccess("a")
	snap, _ := r.Get("a")
	assert.Equal(t, StatusActive, snap.Status)

	r.ReportFailure("a", errors.New("upstream returned 502"))
	snap, _ = r.Get("a")
	assert.Equal(t, StatusDegraded, snap.Status)

	r.ReportFailure("a", errors.New("upstream returned 502"))
	snap, _ = r.Get("a")
	assert.Equal(t, StatusOffline, snap.Status)
	assert.True(t, snap.Health.CircuitBroken)

	// Reports against an open circuit are ignored
	r.ReportSuccess("a")
	snap, _ = r.Get("a")
	assert.True(t, snap.Health.CircuitBroken)

	// Unknown ids are ignored
	r.ReportFailure("missing", errors.New("x"))
}

func TestAllow(t *testing.T) {
	r, _ := newTestRegistry(t, testRegistryConfig(), newFakeProber())
	mustRegister(t, r, "a", "upstream-a")

	assert.NoError(t, r.Allow("a"))
	assert.ErrorIs(t, r.Allow("missing"), ErrUnknownUpstream)
}

func TestDeregister_CancelsTimers(t *testing.T) {
	cfg := testRegistryConfig()
	prober := newFakeProber()
	r, mock := newTestRegistry(t, cfg, prober)
	mustRegister(t, r, "a", "upstream-a")

	prober.setFailing("a", true)
	probeTimes(t, r, cfg.FailureThreshold)

	require.NoError(t, r.Deregister("a"))
	require.NoError(t, r.Deregister("a"))

	calls := prober.callCount("a")
	mock.Add(cfg.ResetTimeout + 10*cfg.RetryDelay)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, calls, prober.callCount("a"))

	snap, err := r.Get("a")
	require.NoError(t, err)
	assert.Equal(t, StatusArchived, snap.Status)
	assert.False(t, snap.Health.CircuitBroken)
	assert.ErrorIs(t, r.Allow("a"), ErrArchived)
	assert.ErrorIs(t, r.ResetCircuit("a"), ErrArchived)

	// The address is free again
	_, err = r.Register(context.Background(), Server{ID: "a2", Address: "upstream-a"})
	assert.NoError(t, err)

	assert.ErrorIs(t, r.Deregister("missing"), ErrUnknownUpstream)
}

func TestStart_PeriodicProbe(t *testing.T) {
	cfg := testRegistryConfig()
	prober := newFakeProber()
	r, mock := newTestRegistry(t, cfg, prober)
	mustRegister(t, r, "a", "upstream-a")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx)

	advanceUntil(t, mock, cfg.ProbeInterval, func() bool {
		return prober.callCount("a") >= 2
	})

	snap, _ := r.Get("a")
	assert.Equal(t, StatusActive, snap.Status)
}

func TestUpdateSettings(t *testing.T) {
	cfg := testRegistryConfig()
	prober := newFakeProber()
	r, _ := newTestRegistry(t, cfg, prober)
	mustRegister(t, r, "a", "upstream-a")

	updated := cfg
	updated.FailureThreshold = 1
	r.UpdateSettings(updated)
	assert.Equal(t, 1, r.Settings().FailureThreshold)

	prober.setFailing("a", true)
	probeTimes(t, r, 1)
	snap, _ := r.Get("a")
	assert.True(t, snap.Health.CircuitBroken)

	// Zero values fall back to defaults
	r.UpdateSettings(config.RegistryConfig{})
	assert.Equal(t, config.DefaultFailureThreshold, r.Settings().FailureThreshold)
}

func TestRegistry_PersistsTransitions(t *testing.T) {
	store, err := storage.NewManager(t.TempDir(), zap.NewNop().Sugar())
	require.NoError(t, err)
	defer store.Close()

	cfg := testRegistryConfig()
	cfg.FailureThreshold = 2
	prober := newFakeProber()
	r, _ := newTestRegistry(t, cfg, prober, WithStore(store))
	mustRegister(t, r, "a", "upstream-a")

	prober.setFailing("a", true)
	probeTimes(t, r, 2)

	record, err := store.GetUpstream("a")
	require.NoError(t, err)
	assert.Equal(t, "offline", record.Status)
	assert.True(t, record.CircuitBroken)
	assert.Equal(t, 2, record.FailCount)

	history, err := store.ListTransitions("a", 0)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "pending", history[0].From)
	assert.Equal(t, "degraded", history[0].To)
	assert.Equal(t, "offline", history[1].To)

	latest, err := r.History("a", 1)
	require.NoError(t, err)
	require.Len(t, latest, 1)
	assert.Equal(t, "offline", latest[0].To)
	_, err = r.History("missing", 1)
	assert.ErrorIs(t, err, ErrUnknownUpstream)

	// A fresh registry restores the server as pending
	r2, _ := newTestRegistry(t, cfg, prober, WithStore(store))
	n, err := r2.Restore(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	snap, err := r2.Get("a")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, snap.Status)
}

func TestRestore_ConfiguredUpstreamsWin(t *testing.T) {
	dir := t.TempDir()
	configured := config.UpstreamConfig{
		ID:             "a",
		URL:            "http://upstream-a/mcp",
		CredentialMode: CredentialAPIKey,
		Secret:         "s3cret",
	}

	store, err := storage.NewManager(dir, zap.NewNop().Sugar())
	require.NoError(t, err)
	r, _ := newTestRegistry(t, testRegistryConfig(), newFakeProber(), WithStore(store))
	_, changed, err := r.Upsert(context.Background(), FromConfig(configured))
	require.NoError(t, err)
	assert.True(t, changed)
	mustRegister(t, r, "b", "http://upstream-b/mcp")
	r.Stop()
	require.NoError(t, store.Close())

	record, err := func() (*storage.UpstreamRecord, error) {
		s, err := storage.NewManager(dir, zap.NewNop().Sugar())
		require.NoError(t, err)
		defer s.Close()
		return s.GetUpstream("a")
	}()
	require.NoError(t, err)
	assert.Equal(t, CredentialAPIKey, record.CredentialMode)

	// Restart with an edited address: config is applied first, then the
	// stored records fill in what config does not name.
	store, err = storage.NewManager(dir, zap.NewNop().Sugar())
	require.NoError(t, err)
	defer store.Close()
	r2, _ := newTestRegistry(t, testRegistryConfig(), newFakeProber(), WithStore(store))

	configured.URL = "http://upstream-a2/mcp"
	_, _, err = r2.Upsert(context.Background(), FromConfig(configured))
	require.NoError(t, err)
	n, err := r2.Restore(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	snap, err := r2.Get("a")
	require.NoError(t, err)
	assert.Equal(t, "s3cret", snap.Secret)
	assert.Equal(t, CredentialAPIKey, snap.CredentialMode)
	assert.Equal(t, "http://upstream-a2/mcp", snap.Address)

	snap, err = r2.Get("b")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, snap.Status)
	assert.Len(t, r2.List(), 2)

	// The old address is free again
	_, err = r2.Register(context.Background(), Server{ID: "c", Address: "http://upstream-a/mcp"})
	assert.NoError(t, err)
}

func TestUpsert(t *testing.T) {
	prober := newFakeProber()
	r, _ := newTestRegistry(t, testRegistryConfig(), prober)
	mustRegister(t, r, "a", "http://upstream-a")
	mustRegister(t, r, "b", "http://upstream-b")
	probeTimes(t, r, 1)

	// Same settings
	srv, changed, err := r.Upsert(context.Background(), Server{ID: "a", Name: "a", Address: "http://UPSTREAM-A/"})
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, StatusActive, srv.Status)

	// A new secret keeps status and health
	srv, changed, err = r.Upsert(context.Background(), Server{ID: "a", Address: "http://upstream-a", CredentialMode: CredentialOAuth, Secret: "tok"})
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, StatusActive, srv.Status)
	assert.Equal(t, "tok", srv.Secret)

	// Taking another server's address fails and changes nothing
	_, _, err = r.Upsert(context.Background(), Server{ID: "a", Address: "http://upstream-b"})
	require.ErrorIs(t, err, ErrDuplicateUpstream)
	snap, err := r.Get("a")
	require.NoError(t, err)
	assert.Equal(t, "http://upstream-a", snap.Address)

	// Unknown ids are registered
	srv, changed, err = r.Upsert(context.Background(), Server{ID: "c", Address: "http://upstream-c"})
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, StatusPending, srv.Status)

	// An archived id is registered afresh
	require.NoError(t, r.Deregister("c"))
	srv, changed, err = r.Upsert(context.Background(), Server{ID: "c", Address: "http://upstream-c"})
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, StatusPending, srv.Status)
}

func TestStop_IsIdempotent(t *testing.T) {
	cfg := testRegistryConfig()
	prober := newFakeProber()
	r, mock := newTestRegistry(t, cfg, prober)
	mustRegister(t, r, "a", "upstream-a")
	prober.setFailing("a", true)
	probeTimes(t, r, cfg.FailureThreshold)

	r.Stop()
	r.Stop()

	calls := prober.callCount("a")
	mock.Add(cfg.ResetTimeout)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, calls, prober.callCount("a"))

	_, err := r.Register(context.Background(), Server{ID: "b", Address: "upstream-b"})
	assert.Error(t, err)
}

func TestCanTransition(t *testing.T) {
	assert.True(t, CanTransition(StatusPending, StatusActive))
	assert.True(t, CanTransition(StatusActive, StatusDegraded))
	assert.True(t, CanTransition(StatusDegraded, StatusOffline))
	assert.True(t, CanTransition(StatusOffline, StatusDegraded))
	assert.True(t, CanTransition(StatusActive, StatusArchived))
	assert.False(t, CanTransition(StatusArchived, StatusActive))
	assert.False(t, CanTransition(StatusActive, StatusPending))

	assert.NoError(t, StatusOffline.Validate())
	assert.Error(t, Status("bogus").Validate())
}
