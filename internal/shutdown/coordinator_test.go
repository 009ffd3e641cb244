package shutdown

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestRegisterOrdersByPriority(t *testing.T) {
	c := NewCoordinator(zap.NewNop())

	noop := func(context.Context) error { return nil }
	c.Register(&Handler{Name: "low", Phase: PhaseEndpoints, Priority: 1, Fn: noop})
	c.Register(&Handler{Name: "high", Phase: PhaseEndpoints, Priority: 10, Fn: noop})
	c.Register(&Handler{Name: "mid", Phase: PhaseEndpoints, Priority: 5, Fn: noop})
	c.RegisterFunc("default", PhaseEndpoints, noop)

	got := c.Handlers(PhaseEndpoints)
	want := []string{"high", "mid", "low", "default"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("position %d: expected %s, got %s", i, want[i], got[i])
		}
	}
	if c.IsShuttingDown() {
		t.Error("expected IsShuttingDown to be false before Shutdown")
	}
}

func TestShutdownPhasesInOrder(t *testing.T) {
	c := NewCoordinator(zap.NewNop())

	var mu sync.Mutex
	var order []Phase
	record := func(p Phase) Func {
		return func(context.Context) error {
			mu.Lock()
			order = append(order, p)
			mu.Unlock()
			return nil
		}
	}

	// Registered out of order on purpose
	c.RegisterFunc("storage", PhaseStorage, record(PhaseStorage))
	c.RegisterFunc("cleanup", PhaseCleanup, record(PhaseCleanup))
	c.RegisterFunc("listener", PhaseListener, record(PhaseListener))
	c.RegisterFunc("upstreams", PhaseUpstreams, record(PhaseUpstreams))
	c.RegisterFunc("endpoints", PhaseEndpoints, record(PhaseEndpoints))

	if err := c.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown returned error: %v", err)
	}

	want := []Phase{PhaseListener, PhaseEndpoints, PhaseUpstreams, PhaseStorage, PhaseCleanup}
	if len(order) != len(want) {
		t.Fatalf("expected %d phases, got %v", len(want), order)
	}
	for i, p := range want {
		if order[i] != p {
			t.Errorf("phase %d: expected %s, got %s", i, p, order[i])
		}
	}
	if !c.IsShuttingDown() {
		t.Error("expected IsShuttingDown after Shutdown")
	}
}

func TestShutdownContinuesAfterErrors(t *testing.T) {
	c := NewCoordinator(zap.NewNop())

	errEndpoints := errors.New("endpoint drain failed")
	errStorage := errors.New("db close failed")
	var ran atomic.Int32

	c.RegisterFunc("endpoints", PhaseEndpoints, func(context.Context) error { return errEndpoints })
	c.RegisterFunc("upstreams", PhaseUpstreams, func(context.Context) error {
		ran.Add(1)
		return nil
	})
	c.RegisterFunc("storage", PhaseStorage, func(context.Context) error { return errStorage })

	err := c.Shutdown(context.Background())
	if !errors.Is(err, errEndpoints) || !errors.Is(err, errStorage) {
		t.Errorf("expected both errors, got %v", err)
	}
	if ran.Load() != 1 {
		t.Error("expected the upstreams phase to run after a failed phase")
	}
}

func TestShutdownTotalTimeout(t *testing.T) {
	c := NewCoordinator(zap.NewNop())
	c.SetTotalTimeout(100 * time.Millisecond)

	var storageRan atomic.Bool
	c.RegisterFunc("slow", PhaseEndpoints, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	c.RegisterFunc("storage", PhaseStorage, func(context.Context) error {
		storageRan.Store(true)
		return nil
	})

	start := time.Now()
	err := c.Shutdown(context.Background())
	if err == nil {
		t.Error("expected a deadline error")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("shutdown took too long: %v", elapsed)
	}
	if storageRan.Load() {
		t.Error("expected phases after the deadline to be skipped")
	}
}

func TestHandlerTimeout(t *testing.T) {
	c := NewCoordinator(zap.NewNop())
	c.Register(&Handler{
		Name:    "stuck",
		Phase:   PhaseUpstreams,
		Timeout: 50 * time.Millisecond,
		Fn: func(context.Context) error {
			time.Sleep(time.Second)
			return nil
		},
	})

	start := time.Now()
	if err := c.Shutdown(context.Background()); err == nil {
		t.Error("expected handler timeout error")
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("stuck handler was not abandoned: %v", elapsed)
	}
}

func TestShutdownOnlyOnce(t *testing.T) {
	c := NewCoordinator(zap.NewNop())

	var count atomic.Int32
	c.RegisterFunc("counter", PhaseListener, func(context.Context) error {
		count.Add(1)
		return nil
	})

	for i := 0; i < 3; i++ {
		_ = c.Shutdown(context.Background())
	}
	if count.Load() != 1 {
		t.Errorf("expected handler to run once, ran %d times", count.Load())
	}
}

func TestProgressAndDone(t *testing.T) {
	c := NewCoordinator(zap.NewNop())
	c.RegisterFunc("listener", PhaseListener, func(context.Context) error { return nil })

	progress := c.Progress()
	go func() { _ = c.Shutdown(context.Background()) }()

	select {
	case p := <-progress:
		if p.Handler != "listener" || p.Error != nil {
			t.Errorf("unexpected progress %+v", p)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for progress")
	}

	select {
	case <-c.Done():
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for done")
	}
}

func TestPhaseString(t *testing.T) {
	tests := []struct {
		phase    Phase
		expected string
	}{
		{PhaseListener, "Listener"},
		{PhaseEndpoints, "Endpoints"},
		{PhaseUpstreams, "Upstreams"},
		{PhaseStorage, "Storage"},
		{PhaseCleanup, "Cleanup"},
		{Phase(99), "Unknown"},
	}
	for _, tt := range tests {
		if got := tt.phase.String(); got != tt.expected {
			t.Errorf("Phase(%d).String() = %s, want %s", tt.phase, got, tt.expected)
		}
	}
}
