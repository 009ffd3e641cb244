package events

import (
	"sync"
	"testing"
	"time"
)

func TestSubscribeAndPublish(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	ch := bus.Subscribe(UpstreamStatusChanged)

	bus.Publish(Event{
		Type:     UpstreamStatusChanged,
		ServerID: "upstream-a",
		OldState: "active",
		NewState: "degraded",
	})

	select {
	case received := <-ch:
		if received.ServerID != "upstream-a" {
			t.Errorf("expected server id 'upstream-a', got '%s'", received.ServerID)
		}
		if received.NewState != "degraded" {
			t.Errorf("expected new state degraded, got %s", received.NewState)
		}
		if received.Timestamp.IsZero() {
			t.Error("timestamp should be set automatically")
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("timeout waiting for event")
	}
}

func TestMultipleSubscribers(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	ch1 := bus.Subscribe(CircuitOpened)
	ch2 := bus.Subscribe(CircuitOpened)
	other := bus.Subscribe(CircuitReset)

	bus.Publish(Event{Type: CircuitOpened, ServerID: "s1"})

	for i, ch := range []<-chan Event{ch1, ch2} {
		select {
		case received := <-ch:
			if received.Type != CircuitOpened {
				t.Errorf("subscriber %d: expected type %s, got %s", i, CircuitOpened, received.Type)
			}
		case <-time.After(100 * time.Millisecond):
			t.Errorf("subscriber %d: timeout waiting for event", i)
		}
	}

	select {
	case ev := <-other:
		t.Errorf("unexpected event for other type: %v", ev.Type)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestSubscribeAllReceivesLaterTypes(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	// Subscribed before any typed subscriber exists
	all := bus.SubscribeAll()

	bus.Publish(Event{Type: ConnectionOpened, ConnectionID: "c1"})
	bus.Publish(Event{Type: RateLimited, ConnectionID: "c1"})

	want := []EventType{ConnectionOpened, RateLimited}
	for _, typ := range want {
		select {
		case ev := <-all:
			if ev.Type != typ {
				t.Errorf("expected %s, got %s", typ, ev.Type)
			}
		case <-time.After(100 * time.Millisecond):
			t.Fatalf("timeout waiting for %s", typ)
		}
	}

	if total := bus.TotalSubscribers(); total != 1 {
		t.Errorf("expected 1 total subscriber, got %d", total)
	}
}

func TestNonBlockingPublish(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	_ = bus.Subscribe(ConnectionClosed)
	_ = bus.SubscribeAll()

	done := make(chan bool)
	go func() {
		for i := 0; i < 1000; i++ {
			bus.Publish(Event{Type: ConnectionClosed})
		}
		done <- true
	}()

	select {
	case <-done:
	case <-time.After(1 * time.Second):
		t.Fatal("publishing blocked even though it should be non-blocking")
	}

	// 900 beyond the typed buffer, 500 beyond the wildcard buffer
	if got := bus.Dropped(); got != 1400 {
		t.Errorf("expected 1400 dropped deliveries, got %d", got)
	}
}

func TestUnsubscribe(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	ch := bus.Subscribe(UpstreamStatusChanged)
	all := bus.SubscribeAll()

	if count := bus.SubscriberCount(UpstreamStatusChanged); count != 1 {
		t.Errorf("expected 1 subscriber, got %d", count)
	}

	bus.Unsubscribe(ch)
	bus.Unsubscribe(all)

	if count := bus.SubscriberCount(UpstreamStatusChanged); count != 0 {
		t.Errorf("expected 0 subscribers after unsubscribe, got %d", count)
	}
	if total := bus.TotalSubscribers(); total != 0 {
		t.Errorf("expected 0 total subscribers, got %d", total)
	}

	bus.Publish(Event{Type: UpstreamStatusChanged})

	if _, ok := <-ch; ok {
		t.Error("unsubscribed channel should be closed")
	}
	if _, ok := <-all; ok {
		t.Error("unsubscribed wildcard channel should be closed")
	}

	// Unknown channels are ignored
	bus.Unsubscribe(make(chan Event))
}

func TestConcurrentPublishSubscribe(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	const numGoroutines = 10
	const eventsPerGoroutine = 100

	var wg sync.WaitGroup
	wg.Add(numGoroutines * 2)

	for i := 0; i < numGoroutines; i++ {
		go func(id int) {
			defer wg.Done()
			for j := 0; j < eventsPerGoroutine; j++ {
				bus.Publish(Event{
					Type: UpstreamStatusChanged,
					Data: map[string]interface{}{"publisher": id, "seq": j},
				})
			}
		}(i)
	}

	received := make([]int, numGoroutines)
	var mu sync.Mutex

	for i := 0; i < numGoroutines; i++ {
		go func(id int) {
			defer wg.Done()
			ch := bus.Subscribe(UpstreamStatusChanged)
			timeout := time.After(500 * time.Millisecond)

			for {
				select {
				case <-ch:
					mu.Lock()
					received[id]++
					mu.Unlock()
				case <-timeout:
					bus.Unsubscribe(ch)
					return
				}
			}
		}(i)
	}

	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	total := 0
	for _, count := range received {
		total += count
	}
	t.Logf("Total events published: %d, total events received: %d",
		numGoroutines*eventsPerGoroutine, total)
}

func TestClose(t *testing.T) {
	bus := NewBus()

	ch := bus.Subscribe(UpstreamStatusChanged)
	all := bus.SubscribeAll()

	bus.Close()
	bus.Close()

	if _, ok := <-ch; ok {
		t.Error("channel should be closed after bus.Close()")
	}
	if _, ok := <-all; ok {
		t.Error("wildcard channel should be closed after bus.Close()")
	}
	if !bus.IsClosed() {
		t.Error("IsClosed() should return true after Close()")
	}

	// Publishing and unsubscribing after close should not panic
	bus.Publish(Event{Type: UpstreamStatusChanged})
	bus.Unsubscribe(ch)

	ch2 := bus.Subscribe(CircuitOpened)
	if _, ok := <-ch2; ok {
		t.Error("subscribing after close should return closed channel")
	}
}

func TestDiscardPublisher(t *testing.T) {
	var p Publisher = Discard
	p.Publish(Event{Type: CircuitOpened})

	p = NewBus()
	p.Publish(Event{Type: CircuitOpened})
}

func BenchmarkPublish(b *testing.B) {
	bus := NewBus()
	defer bus.Close()

	for i := 0; i < 10; i++ {
		_ = bus.Subscribe(UpstreamStatusChanged)
	}
	_ = bus.SubscribeAll()

	event := Event{Type: UpstreamStatusChanged, ServerID: "benchmark-server"}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		bus.Publish(event)
	}
}
