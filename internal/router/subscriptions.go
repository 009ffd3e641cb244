package router

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"mcpgateway-go/internal/connection"
	"mcpgateway-go/internal/events"
)

// subscription forwards bus events to one connection.
type subscription struct {
	mu     sync.Mutex
	types  map[events.EventType]struct{} // empty matches every type
	server string

	ch       <-chan events.Event
	src      Subscriber
	done     chan struct{}
	stopOnce sync.Once
	dropped  atomic.Int64
}

func (s *subscription) setFilter(types []string, server string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.types = make(map[events.EventType]struct{}, len(types))
	for _, t := range types {
		s.types[events.EventType(t)] = struct{}{}
	}
	s.server = server
}

func (s *subscription) matches(ev events.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.server != "" && ev.ServerID != s.server {
		return false
	}
	if len(s.types) == 0 {
		return true
	}
	_, ok := s.types[ev.Type]
	return ok
}

func (s *subscription) stop() {
	s.stopOnce.Do(func() {
		close(s.done)
		s.src.Unsubscribe(s.ch)
	})
}

type subscribedPayload struct {
	Events []string `json:"events"`
	Server string   `json:"server,omitempty"`
}

// handleSubscribe starts or refilters the event feed of a connection.
func (r *Router) handleSubscribe(_ context.Context, c *connection.Connection, msg *Envelope) error {
	if r.subscriber == nil {
		return errors.New("no event source configured")
	}

	r.mu.Lock()
	if !accepting(c) {
		r.mu.Unlock()
		return connection.ErrConnectionClosed
	}
	sub, exists := r.subs[c.ID()]
	if !exists {
		sub = &subscription{
			ch:   r.subscriber.SubscribeAll(),
			src:  r.subscriber,
			done: make(chan struct{}),
		}
		r.subs[c.ID()] = sub
	}
	sub.setFilter(msg.Events, msg.Server)
	if !exists {
		r.wg.Add(1)
		go r.pump(c, sub)
	}
	r.mu.Unlock()

	types := msg.Events
	if types == nil {
		types = []string{}
	}
	r.send(c, dataFrame{Type: TypeSubscribed, ID: msg.ID, Data: subscribedPayload{Events: types, Server: msg.Server}})
	return nil
}

func (r *Router) handleUnsubscribe(_ context.Context, c *connection.Connection, msg *Envelope) error {
	r.mu.Lock()
	sub := r.subs[c.ID()]
	delete(r.subs, c.ID())
	r.mu.Unlock()

	if sub != nil {
		sub.stop()
	}
	r.send(c, dataFrame{Type: TypeUnsubscribed, ID: msg.ID, Data: struct{}{}})
	return nil
}

// pump delivers matching events until the subscription stops. Events that
// hit backpressure are dropped.
func (r *Router) pump(c *connection.Connection, sub *subscription) {
	defer r.wg.Done()
	for {
		select {
		case ev, ok := <-sub.ch:
			if !ok {
				return
			}
			if !sub.matches(ev) {
				continue
			}
			err := c.Send(dataFrame{Type: TypeEvent, Data: ev})
			switch {
			case err == nil:
			case errors.Is(err, connection.ErrBackpressure):
				sub.dropped.Add(1)
			default:
				r.logger.Debug("Stopping event feed",
					zap.String("connection_id", c.ID()),
					zap.Error(err))
				return
			}
		case <-sub.done:
			return
		}
	}
}
