// Package router decodes client envelopes, dispatches them to the handlers
// registered for their type and correlates unary and streamed replies.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"mcpgateway-go/internal/config"
	"mcpgateway-go/internal/connection"
	"mcpgateway-go/internal/events"
	"mcpgateway-go/internal/upstream"
)

// HandlerFunc handles one decoded message. A returned *Error is reported to
// the client with its code; any other error is reported as internal_error.
type HandlerFunc func(ctx context.Context, c *connection.Connection, msg *Envelope) error

// Upstreams is the registry view the router needs.
type Upstreams interface {
	Allow(id string) error
	Get(id string) (upstream.Snapshot, error)
	ReportSuccess(id string)
	ReportFailure(id string, err error)
}

// Subscriber is the event source for the events endpoint.
type Subscriber interface {
	SubscribeAll() <-chan events.Event
	Unsubscribe(ch <-chan events.Event)
}

// StatsFunc returns the monitor snapshot served by the stats handler.
type StatsFunc func() interface{}

// Option configures a Router.
type Option func(*Router)

// WithClock sets the clock for request deadlines and chunk pacing.
func WithClock(clk clock.Clock) Option {
	return func(r *Router) { r.clock = clk }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(r *Router) { r.logger = logger }
}

// WithUpstreams sets the registry consulted before forwarding.
func WithUpstreams(u Upstreams) Option {
	return func(r *Router) { r.upstreams = u }
}

// WithCaller sets the client used to forward requests.
func WithCaller(c upstream.Caller) Option {
	return func(r *Router) { r.caller = c }
}

// WithSubscriber sets the event source for subscribe/unsubscribe.
func WithSubscriber(s Subscriber) Option {
	return func(r *Router) { r.subscriber = s }
}

// WithStats sets the provider for the stats handler.
func WithStats(fn StatsFunc) Option {
	return func(r *Router) { r.statsFn = fn }
}

type routerCounters struct {
	dispatched         atomic.Int64
	requests           atomic.Int64
	streams            atomic.Int64
	timeouts           atomic.Int64
	capacityRejections atomic.Int64
	circuitRejections  atomic.Int64
	upstreamErrors     atomic.Int64
	internalErrors     atomic.Int64
	panics             atomic.Int64
}

// Router is the message handler of one endpoint. It implements
// connection.MessageHandler.
type Router struct {
	name string
	cfg  atomic.Pointer[config.EndpointConfig]

	handlers map[string][]HandlerFunc
	sealed   atomic.Bool

	upstreams  Upstreams
	caller     upstream.Caller
	subscriber Subscriber
	statsFn    StatsFunc

	clock  clock.Clock
	logger *zap.Logger

	mu      sync.Mutex
	pending map[string]*PendingRequest
	subs    map[string]*subscription

	counters routerCounters

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a router for an endpoint and registers the built-in handlers
// of the endpoint's kind.
func New(cfg config.EndpointConfig, opts ...Option) *Router {
	cfg.ApplyDefaults()
	r := &Router{
		name:     cfg.Name,
		handlers: make(map[string][]HandlerFunc),
		clock:    clock.New(),
		logger:   zap.NewNop(),
		pending:  make(map[string]*PendingRequest),
		subs:     make(map[string]*subscription),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.Named("router").With(zap.String("endpoint", cfg.Name))
	r.cfg.Store(&cfg)
	r.ctx, r.cancel = context.WithCancel(context.Background())
	r.registerBuiltins(cfg.Kind)
	return r
}

// Name returns the endpoint name.
func (r *Router) Name() string { return r.name }

func (r *Router) settings() *config.EndpointConfig {
	return r.cfg.Load()
}

// UpdateSettings swaps request limits. In-flight requests keep their deadline.
func (r *Router) UpdateSettings(cfg config.EndpointConfig) {
	cfg.ApplyDefaults()
	r.cfg.Store(&cfg)
}

// Handle appends h to the handlers of msgType. Handlers run in registration
// order. Registration is only possible before Seal.
func (r *Router) Handle(msgType string, h HandlerFunc) error {
	if r.sealed.Load() {
		return fmt.Errorf("%w: cannot register %q", ErrSealed, msgType)
	}
	r.handlers[msgType] = append(r.handlers[msgType], h)
	return nil
}

// Seal freezes the handler table. Dispatch reads it without locking.
func (r *Router) Seal() {
	r.sealed.Store(true)
}

// Sealed reports whether Seal was called.
func (r *Router) Sealed() bool {
	return r.sealed.Load()
}

// Types returns the registered message types.
func (r *Router) Types() []string {
	out := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		out = append(out, t)
	}
	return out
}

// HandleOpen implements connection.MessageHandler.
func (r *Router) HandleOpen(c *connection.Connection) {
	r.logger.Debug("Connection ready", zap.String("connection_id", c.ID()))
}

// HandleMessage implements connection.MessageHandler.
func (r *Router) HandleMessage(c *connection.Connection, data []byte) {
	r.Dispatch(c, data)
}

// HandleClose cancels everything scoped to the connection: pending
// requests, streams with their timers, and event subscriptions.
func (r *Router) HandleClose(c *connection.Connection) {
	id := c.ID()

	r.mu.Lock()
	var cancelled []*PendingRequest
	for key, p := range r.pending {
		if p.ConnectionID == id {
			delete(r.pending, key)
			cancelled = append(cancelled, p)
		}
	}
	sub := r.subs[id]
	delete(r.subs, id)
	r.mu.Unlock()

	for _, p := range cancelled {
		p.release()
	}
	if sub != nil {
		sub.stop()
	}
	if len(cancelled) > 0 {
		r.logger.Debug("Cancelled pending requests of closed connection",
			zap.String("connection_id", id),
			zap.Int("count", len(cancelled)))
	}
}

// Dispatch decodes one frame and runs the handlers for its type in order.
// Handler errors and panics are isolated to this message.
func (r *Router) Dispatch(c *connection.Connection, data []byte) {
	r.counters.dispatched.Add(1)

	msg, err := Decode(data)
	if err != nil {
		r.sendError(c, nil, err)
		return
	}

	handlers := r.handlers[msg.Type]
	if len(handlers) == 0 {
		r.sendError(c, msg.ID, &Error{Code: CodeUnknownType, Message: fmt.Sprintf("unknown message type %q", msg.Type)})
		return
	}

	for _, h := range handlers {
		err := r.invoke(h, c, msg)
		if errors.Is(err, connection.ErrConnectionClosed) {
			return
		}
		if err != nil {
			r.sendError(c, msg.ID, err)
			return
		}
	}
}

// accepting reports whether c may still own pending requests or a feed.
// HandleClose runs after the state leaves connected, so callers that check
// this under r.mu never insert state that HandleClose has already swept.
func accepting(c *connection.Connection) bool {
	return c.State() == connection.StateConnected
}

func (r *Router) invoke(h HandlerFunc, c *connection.Connection, msg *Envelope) (err error) {
	defer func() {
		if p := recover(); p != nil {
			r.counters.panics.Add(1)
			err = fmt.Errorf("handler panic: %v", p)
			r.logger.Error("Handler panicked",
				zap.String("type", msg.Type),
				zap.String("connection_id", c.ID()),
				zap.Any("panic", p),
				zap.String("stack", string(debug.Stack())))
		}
	}()
	return h(r.ctx, c, msg)
}

// sendError reports err to the client. Unknown errors are logged with a
// generated id and only that id is sent.
func (r *Router) sendError(c *connection.Connection, id json.RawMessage, err error) {
	frame := errorFrame{Type: TypeError, ID: id}
	if we, ok := wireError(err); ok {
		frame.Code = we.Code
		frame.Message = we.Message
		frame.RetryAfter = we.RetryAfter.Milliseconds()
	} else {
		r.counters.internalErrors.Add(1)
		frame.Code = CodeInternalError
		frame.Message = "internal error"
		frame.ErrorID = uuid.NewString()
		r.logger.Error("Message handling failed",
			zap.String("error_id", frame.ErrorID),
			zap.String("connection_id", c.ID()),
			zap.Error(err))
	}
	r.send(c, frame)
}

func (r *Router) send(c *connection.Connection, v interface{}) {
	if err := c.Send(v); err != nil && !errors.Is(err, connection.ErrConnectionClosed) {
		r.logger.Debug("Failed to send frame",
			zap.String("connection_id", c.ID()),
			zap.Error(err))
	}
}

// InFlight returns the number of pending requests and streams.
func (r *Router) InFlight() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// Stats summarizes router activity.
type Stats struct {
	Endpoint           string `json:"endpoint"`
	InFlight           int    `json:"inFlight"`
	Subscriptions      int    `json:"subscriptions"`
	Dispatched         int64  `json:"dispatched"`
	Requests           int64  `json:"requests"`
	Streams            int64  `json:"streams"`
	Timeouts           int64  `json:"timeouts"`
	CapacityRejections int64  `json:"capacityRejections"`
	CircuitRejections  int64  `json:"circuitRejections"`
	UpstreamErrors     int64  `json:"upstreamErrors"`
	InternalErrors     int64  `json:"internalErrors"`
	Panics             int64  `json:"panics"`
}

// Stats returns a snapshot of the counters.
func (r *Router) Stats() Stats {
	r.mu.Lock()
	inFlight, subs := len(r.pending), len(r.subs)
	r.mu.Unlock()

	return Stats{
		Endpoint:           r.name,
		InFlight:           inFlight,
		Subscriptions:      subs,
		Dispatched:         r.counters.dispatched.Load(),
		Requests:           r.counters.requests.Load(),
		Streams:            r.counters.streams.Load(),
		Timeouts:           r.counters.timeouts.Load(),
		CapacityRejections: r.counters.capacityRejections.Load(),
		CircuitRejections:  r.counters.circuitRejections.Load(),
		UpstreamErrors:     r.counters.upstreamErrors.Load(),
		InternalErrors:     r.counters.internalErrors.Load(),
		Panics:             r.counters.panics.Load(),
	}
}

// Shutdown cancels every pending request and subscription, then waits for
// forwarding goroutines until ctx is done.
func (r *Router) Shutdown(ctx context.Context) error {
	r.cancel()

	r.mu.Lock()
	pending := r.pending
	r.pending = make(map[string]*PendingRequest)
	subs := r.subs
	r.subs = make(map[string]*subscription)
	r.mu.Unlock()

	for _, p := range pending {
		p.release()
	}
	for _, s := range subs {
		s.stop()
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("router %s: waiting for in-flight requests: %w", r.name, ctx.Err())
	}
}

func (r *Router) requestTimeout() time.Duration {
	return r.settings().RequestTimeout
}
