package events

import (
	"sync"
	"sync/atomic"
	"time"

	"mcpgateway-go/internal/config"
)

// EventType represents the type of event
type EventType string

const (
	// Upstream registry events
	UpstreamRegistered    EventType = "upstream_registered"
	UpstreamStatusChanged EventType = "upstream_status_changed"
	UpstreamDeregistered  EventType = "upstream_deregistered"
	CircuitOpened         EventType = "circuit_opened"
	CircuitReset          EventType = "circuit_reset"
	ReconnectExhausted    EventType = "reconnect_exhausted"
	UpstreamEscalated     EventType = "upstream_escalated"

	// Connection lifecycle events
	ConnectionOpened  EventType = "connection_opened"
	ConnectionClosed  EventType = "connection_closed"
	AdmissionRejected EventType = "admission_rejected"
	RateLimited       EventType = "rate_limited"

	// Configuration events
	ConfigApplied EventType = "config_applied"
)

// Event represents a single event in the system
type Event struct {
	Type         EventType              `json:"type"`
	ServerID     string                 `json:"server_id,omitempty"`
	Endpoint     string                 `json:"endpoint,omitempty"`
	ConnectionID string                 `json:"connection_id,omitempty"`
	OldState     string                 `json:"old_state,omitempty"`
	NewState     string                 `json:"new_state,omitempty"`
	Timestamp    time.Time              `json:"timestamp"`
	Data         map[string]interface{} `json:"data,omitempty"`
}

// Publisher is the outbound notification interface handed to the registry
// and connection managers. *Bus implements it.
type Publisher interface {
	Publish(event Event)
}

// Discard is a Publisher that drops every event.
var Discard Publisher = discard{}

type discard struct{}

func (discard) Publish(Event) {}

// Bus is a thread-safe event bus for pub/sub messaging
type Bus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]chan Event
	wildcard    []chan Event
	closed      bool

	// events not delivered because a subscriber's buffer was full
	dropped atomic.Int64
}

// NewBus creates a new event bus
func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[EventType][]chan Event),
	}
}

func closedChan() chan Event {
	ch := make(chan Event)
	close(ch)
	return ch
}

// Subscribe subscribes to a specific event type and returns a channel for receiving events
// The channel is buffered to prevent blocking publishers
func (b *Bus) Subscribe(eventType EventType) <-chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return closedChan()
	}

	ch := make(chan Event, config.EventChannelBufferSize)
	b.subscribers[eventType] = append(b.subscribers[eventType], ch)
	return ch
}

// SubscribeAll subscribes to every event type, including ones first published later.
func (b *Bus) SubscribeAll() <-chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return closedChan()
	}

	ch := make(chan Event, config.EventChannelBufferSizeAll)
	b.wildcard = append(b.wildcard, ch)
	return ch
}

// Unsubscribe removes a subscription channel and closes it. It accepts
// channels returned by both Subscribe and SubscribeAll.
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}

	if i := indexOf(b.wildcard, ch); i >= 0 {
		close(b.wildcard[i])
		b.wildcard = remove(b.wildcard, i)
		return
	}

	for eventType, subscribers := range b.subscribers {
		i := indexOf(subscribers, ch)
		if i < 0 {
			continue
		}
		close(subscribers[i])
		subscribers = remove(subscribers, i)
		if len(subscribers) == 0 {
			delete(b.subscribers, eventType)
		} else {
			b.subscribers[eventType] = subscribers
		}
		return
	}
}

func indexOf(list []chan Event, ch <-chan Event) int {
	for i, c := range list {
		if (<-chan Event)(c) == ch {
			return i
		}
	}
	return -1
}

// remove drops index i without preserving order
func remove(list []chan Event, i int) []chan Event {
	list[i] = list[len(list)-1]
	return list[:len(list)-1]
}

// Publish publishes an event to all subscribers of that event type
// This method is non-blocking - if a subscriber's channel is full, the event is dropped
func (b *Bus) Publish(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	deliver := func(ch chan Event) {
		select {
		case ch <- event:
		default:
			b.dropped.Add(1)
		}
	}
	for _, ch := range b.subscribers[event.Type] {
		deliver(ch)
	}
	for _, ch := range b.wildcard {
		deliver(ch)
	}
}

// Dropped returns how many deliveries were skipped on full subscriber buffers.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

// Close closes the event bus and all subscriber channels
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}

	b.closed = true

	for _, subscribers := range b.subscribers {
		for _, ch := range subscribers {
			close(ch)
		}
	}
	for _, ch := range b.wildcard {
		close(ch)
	}

	b.subscribers = make(map[EventType][]chan Event)
	b.wildcard = nil
}

// SubscriberCount returns the number of subscribers for a specific event type
func (b *Bus) SubscriberCount(eventType EventType) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return len(b.subscribers[eventType])
}

// TotalSubscribers returns the total number of subscriber channels, wildcard included
func (b *Bus) TotalSubscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	total := len(b.wildcard)
	for _, subscribers := range b.subscribers {
		total += len(subscribers)
	}
	return total
}

// IsClosed returns whether the bus has been closed
func (b *Bus) IsClosed() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return b.closed
}
