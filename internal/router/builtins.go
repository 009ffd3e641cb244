package router

import (
	"context"
	"encoding/json"
	"fmt"

	"mcpgateway-go/internal/config"
	"mcpgateway-go/internal/connection"
	"mcpgateway-go/internal/storage"
	"mcpgateway-go/internal/upstream"
)

func (r *Router) registerBuiltins(kind string) {
	r.mustHandle(TypePing, r.handlePing)
	r.mustHandle(TypePong, r.handlePong)
	r.mustHandle(TypeStatus, r.handleStatus)

	switch kind {
	case config.KindEvents:
		r.mustHandle(TypeSubscribe, r.handleSubscribe)
		r.mustHandle(TypeUnsubscribe, r.handleUnsubscribe)
	case config.KindMonitor:
		r.mustHandle(TypeStats, r.handleStats)
		r.mustHandle(TypeHistory, r.handleHistory)
		r.mustHandle(TypeReset, r.handleReset)
		r.mustHandle(TypeSubscribe, r.handleSubscribe)
		r.mustHandle(TypeUnsubscribe, r.handleUnsubscribe)
	default:
		r.mustHandle(TypeConnect, r.handleConnect)
		r.mustHandle(TypeRequest, r.handleRequest)
		r.mustHandle(TypeStream, r.handleStream)
	}
}

func (r *Router) mustHandle(msgType string, h HandlerFunc) {
	if err := r.Handle(msgType, h); err != nil {
		panic(err)
	}
}

func (r *Router) handlePing(_ context.Context, c *connection.Connection, msg *Envelope) error {
	r.send(c, pongFrame{Type: TypePong, ID: msg.ID, Timestamp: r.clock.Now().UnixMilli()})
	return nil
}

func (r *Router) handlePong(_ context.Context, c *connection.Connection, msg *Envelope) error {
	c.AckPing(msg.Seq)
	return nil
}

type statusPayload struct {
	Connection connection.Info    `json:"connection"`
	Pending    int                `json:"pending"`
	Upstream   *upstream.Snapshot `json:"upstream,omitempty"`
}

func (r *Router) handleStatus(_ context.Context, c *connection.Connection, msg *Envelope) error {
	payload := statusPayload{
		Connection: c.Info(),
		Pending:    len(r.Pending(c.ID())),
	}
	if v, ok := c.Get(attrUpstream); ok && r.upstreams != nil {
		if snap, err := r.upstreams.Get(v.(string)); err == nil {
			payload.Upstream = &snap
		}
	}
	r.send(c, dataFrame{Type: TypeStatus, ID: msg.ID, Data: payload})
	return nil
}

// handleConnect binds the connection to an upstream. Requests without an
// explicit upstream are forwarded there.
func (r *Router) handleConnect(_ context.Context, c *connection.Connection, msg *Envelope) error {
	if msg.Upstream == "" {
		return invalidMessage("connect requires an upstream")
	}
	if r.upstreams == nil {
		return ErrNotConnected
	}
	snap, err := r.upstreams.Get(msg.Upstream)
	if err != nil {
		return err
	}
	if snap.Status == upstream.StatusArchived {
		return upstream.ErrArchived
	}

	c.Set(attrUpstream, snap.ID)
	r.send(c, connectResponseFrame{
		Type:             TypeConnectResponse,
		ID:               msg.ID,
		ConnectionID:     c.ID(),
		Upstream:         snap.ID,
		Status:           snap.Status.String(),
		CircuitOpen:      snap.Health.CircuitBroken || snap.Health.Escalated,
		ReconnectTimeout: r.settings().ReconnectTimeout.Milliseconds(),
	})
	return nil
}

func (r *Router) handleStats(_ context.Context, c *connection.Connection, msg *Envelope) error {
	var data interface{}
	if r.statsFn != nil {
		data = r.statsFn()
	} else {
		data = r.Stats()
	}
	r.send(c, dataFrame{Type: TypeStats, ID: msg.ID, Data: data})
	return nil
}

const defaultHistoryLimit = 20

// historian is implemented by registries that persist status transitions.
type historian interface {
	History(id string, limit int) ([]*storage.TransitionRecord, error)
}

type historyParams struct {
	Limit int `json:"limit"`
}

type historyPayload struct {
	Upstream    string                      `json:"upstream"`
	Transitions []*storage.TransitionRecord `json:"transitions"`
}

func (r *Router) handleHistory(_ context.Context, c *connection.Connection, msg *Envelope) error {
	if msg.Upstream == "" {
		return invalidMessage("upstream is required")
	}
	h, ok := r.upstreams.(historian)
	if !ok {
		return fmt.Errorf("upstream history is not available")
	}

	params := historyParams{Limit: defaultHistoryLimit}
	if len(msg.Params) > 0 {
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			return invalidMessage("invalid history params: %v", err)
		}
	}
	if params.Limit <= 0 {
		params.Limit = defaultHistoryLimit
	}

	records, err := h.History(msg.Upstream, params.Limit)
	if err != nil {
		return err
	}
	if records == nil {
		records = []*storage.TransitionRecord{}
	}
	r.send(c, dataFrame{Type: TypeHistory, ID: msg.ID, Data: historyPayload{Upstream: msg.Upstream, Transitions: records}})
	return nil
}

// resetter is implemented by registries with a manual circuit reset.
type resetter interface {
	ResetCircuit(id string) error
}

// handleReset clears the breaker and any escalation of an upstream, then
// replies with its state after the reset.
func (r *Router) handleReset(_ context.Context, c *connection.Connection, msg *Envelope) error {
	if msg.Upstream == "" {
		return invalidMessage("upstream is required")
	}
	rs, ok := r.upstreams.(resetter)
	if !ok {
		return fmt.Errorf("circuit reset is not available")
	}
	if err := rs.ResetCircuit(msg.Upstream); err != nil {
		return err
	}
	snap, err := r.upstreams.Get(msg.Upstream)
	if err != nil {
		return err
	}
	r.send(c, dataFrame{Type: TypeReset, ID: msg.ID, Data: snap})
	return nil
}
