package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"mcpgateway-go/internal/connection"
	"mcpgateway-go/internal/upstream"
)

// connection attribute holding the upstream bound by a connect message
const attrUpstream = "upstream"

// PendingRequest is a forwarded request or stream waiting for its upstream
// reply. Exactly one of completion, expiry or cancellation removes it.
type PendingRequest struct {
	Key          string
	ConnectionID string
	RequestID    json.RawMessage
	Upstream     string
	Method       string
	Stream       bool
	Started      time.Time

	conn   *connection.Connection
	timer  *clock.Timer
	cancel context.CancelFunc
}

func (p *PendingRequest) release() {
	p.timer.Stop()
	p.cancel()
}

func requestKey(connID, reqID string, stream bool) string {
	if stream {
		return connID + "-stream-" + reqID
	}
	return connID + "-request-" + reqID
}

// register reserves a slot for the request and arms its deadline.
func (r *Router) register(c *connection.Connection, msg *Envelope, upstreamID string, stream bool) (*PendingRequest, context.Context, error) {
	reqID := msg.RequestID()
	if reqID == "" {
		return nil, nil, invalidMessage("%s requires an id", msg.Type)
	}
	if msg.Method == "" {
		return nil, nil, invalidMessage("%s requires a method", msg.Type)
	}

	cfg := r.settings()
	key := requestKey(c.ID(), reqID, stream)

	r.mu.Lock()
	defer r.mu.Unlock()

	if !accepting(c) {
		return nil, nil, connection.ErrConnectionClosed
	}
	if cfg.MaxConcurrentRequests > 0 && len(r.pending) >= cfg.MaxConcurrentRequests {
		r.counters.capacityRejections.Add(1)
		return nil, nil, fmt.Errorf("%w: %d in flight", ErrCapacity, len(r.pending))
	}
	if _, exists := r.pending[key]; exists {
		return nil, nil, invalidMessage("request id %s is already in flight", reqID)
	}

	ctx, cancel := context.WithCancel(r.ctx)
	p := &PendingRequest{
		Key:          key,
		ConnectionID: c.ID(),
		RequestID:    msg.ID,
		Upstream:     upstreamID,
		Method:       msg.Method,
		Stream:       stream,
		Started:      r.clock.Now(),
		conn:         c,
		cancel:       cancel,
	}
	p.timer = r.clock.AfterFunc(cfg.RequestTimeout, func() { r.expire(p) })
	r.pending[key] = p
	return p, ctx, nil
}

// take removes p if it is still registered. The caller that gets true owns
// the reply.
func (r *Router) take(p *PendingRequest) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pending[p.Key] != p {
		return false
	}
	delete(r.pending, p.Key)
	return true
}

func (r *Router) registered(p *PendingRequest) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pending[p.Key] == p
}

func (r *Router) expire(p *PendingRequest) {
	if !r.take(p) {
		return
	}
	p.cancel()
	r.counters.timeouts.Add(1)

	r.logger.Warn("Request timed out",
		zap.String("connection_id", p.ConnectionID),
		zap.String("upstream", p.Upstream),
		zap.String("method", p.Method),
		zap.Bool("stream", p.Stream),
		zap.Duration("elapsed", r.clock.Since(p.Started)))

	if r.upstreams != nil {
		r.upstreams.ReportFailure(p.Upstream, ErrRequestTimeout)
	}
	r.sendError(p.conn, p.RequestID, ErrRequestTimeout)
}

// resolveUpstream picks the upstream named in the message, falling back to
// the one bound to the connection, and checks its circuit.
func (r *Router) resolveUpstream(c *connection.Connection, msg *Envelope) (upstream.Server, error) {
	if r.upstreams == nil || r.caller == nil {
		return upstream.Server{}, errors.New("router has no upstream registry")
	}

	id := msg.Upstream
	if id == "" {
		if v, ok := c.Get(attrUpstream); ok {
			id, _ = v.(string)
		}
	}
	if id == "" {
		return upstream.Server{}, ErrNotConnected
	}

	if err := r.upstreams.Allow(id); err != nil {
		if errors.Is(err, upstream.ErrCircuitOpen) {
			r.counters.circuitRejections.Add(1)
		}
		return upstream.Server{}, err
	}
	snap, err := r.upstreams.Get(id)
	if err != nil {
		return upstream.Server{}, err
	}
	return snap.Server, nil
}

func (r *Router) handleRequest(_ context.Context, c *connection.Connection, msg *Envelope) error {
	srv, err := r.resolveUpstream(c, msg)
	if err != nil {
		return err
	}
	p, ctx, err := r.register(c, msg, srv.ID, false)
	if err != nil {
		return err
	}
	r.counters.requests.Add(1)

	r.wg.Add(1)
	go r.forward(ctx, p, srv, msg.Params)
	return nil
}

func (r *Router) forward(ctx context.Context, p *PendingRequest, srv upstream.Server, params json.RawMessage) {
	defer r.wg.Done()

	result, err := r.caller.Call(ctx, srv, p.Method, params)
	if !r.take(p) {
		return
	}
	p.release()

	if err != nil {
		r.failed(p, err)
		return
	}
	r.upstreams.ReportSuccess(p.Upstream)
	r.send(p.conn, responseFrame{
		Type:     TypeResponse,
		ID:       p.RequestID,
		Upstream: p.Upstream,
		Result:   result,
	})
}

// failed reports an upstream error to the client and, when the upstream is
// to blame, to the registry.
func (r *Router) failed(p *PendingRequest, err error) {
	if upstream.IsUpstreamFault(err) {
		r.counters.upstreamErrors.Add(1)
		r.upstreams.ReportFailure(p.Upstream, err)
	}
	if _, ok := wireError(err); !ok {
		err = upstreamError(err)
	}
	r.logger.Debug("Forwarded request failed",
		zap.String("connection_id", p.ConnectionID),
		zap.String("upstream", p.Upstream),
		zap.String("method", p.Method),
		zap.Error(err))
	r.sendError(p.conn, p.RequestID, err)
}

func (r *Router) handleStream(_ context.Context, c *connection.Connection, msg *Envelope) error {
	srv, err := r.resolveUpstream(c, msg)
	if err != nil {
		return err
	}
	p, ctx, err := r.register(c, msg, srv.ID, true)
	if err != nil {
		return err
	}
	r.counters.streams.Add(1)

	r.wg.Add(1)
	go r.pipe(ctx, p, srv, msg.Params)
	return nil
}

type sendError struct{ err error }

func (e *sendError) Error() string { return "send chunk: " + e.err.Error() }
func (e *sendError) Unwrap() error { return e.err }

// pipe relays stream chunks. One chunk is held back so the last data chunk
// can carry done=true; stream_end follows it.
func (r *Router) pipe(ctx context.Context, p *PendingRequest, srv upstream.Server, params json.RawMessage) {
	defer r.wg.Done()

	var (
		held    json.RawMessage
		holding bool
		seq     int
	)
	emit := func(data json.RawMessage) error {
		if !r.registered(p) {
			return context.Canceled
		}
		if holding {
			if err := p.conn.Send(chunkFrame{Type: TypeStreamChunk, ID: p.RequestID, Seq: seq, Data: held}); err != nil {
				return &sendError{err: err}
			}
			seq++
			if err := r.pace(ctx); err != nil {
				return err
			}
		}
		held, holding = data, true
		p.timer.Reset(r.requestTimeout())
		return nil
	}

	err := r.caller.Stream(ctx, srv, p.Method, params, emit)
	if !r.take(p) {
		return
	}
	p.release()

	var se *sendError
	if errors.As(err, &se) {
		r.logger.Debug("Stream aborted, client not accepting chunks",
			zap.String("connection_id", p.ConnectionID),
			zap.Error(se.err))
		return
	}
	if err != nil {
		r.failed(p, err)
		return
	}

	last := chunkFrame{Type: TypeStreamChunk, ID: p.RequestID, Seq: seq, Done: true}
	if holding {
		last.Data = held
		seq++
	}
	r.send(p.conn, last)
	r.send(p.conn, streamEndFrame{Type: TypeStreamEnd, ID: p.RequestID, Chunks: seq})
	r.upstreams.ReportSuccess(p.Upstream)
}

// pace waits StreamChunkInterval between chunks when configured.
func (r *Router) pace(ctx context.Context) error {
	interval := r.settings().StreamChunkInterval
	if interval <= 0 {
		return nil
	}
	t := r.clock.Timer(interval)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pending returns the in-flight requests of a connection.
func (r *Router) Pending(connID string) []PendingRequest {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []PendingRequest
	for _, p := range r.pending {
		if p.ConnectionID == connID {
			out = append(out, *p)
		}
	}
	return out
}
