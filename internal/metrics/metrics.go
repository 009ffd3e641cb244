// Package metrics exposes gateway counters in the Prometheus format.
//
// Connection, request and upstream numbers are read from the gateway on every
// scrape. Close reasons and status transitions are counted from the event bus.
package metrics

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"mcpgateway-go/internal/events"
	"mcpgateway-go/internal/gateway"
	"mcpgateway-go/internal/upstream"
)

const namespace = "mcpgateway"

// Source provides the snapshot read at scrape time.
type Source interface {
	Stats() gateway.Stats
}

// Metrics owns a private registry with the gateway collector and the
// event-driven counters.
type Metrics struct {
	registry *prometheus.Registry

	events      *prometheus.CounterVec
	closes      *prometheus.CounterVec
	rejections  *prometheus.CounterVec
	transitions *prometheus.CounterVec
}

// New registers the gateway collector for source together with the Go and
// process collectors.
func New(source Source) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		newGatewayCollector(source),
	)

	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		events: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Events published on the gateway bus.",
		}, []string{"type"}),
		closes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connection_closes_total",
			Help:      "Closed client connections by endpoint and close reason.",
		}, []string{"endpoint", "reason"}),
		rejections: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admission_rejections_total",
			Help:      "Upgrade requests refused at admission.",
		}, []string{"endpoint", "reason"}),
		transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_transitions_total",
			Help:      "Upstream status transitions by target status.",
		}, []string{"to"}),
	}
}

// Registry returns the registry backing Handler.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
	})
}

// TrackDrops exports the bus's count of events lost to full subscriber buffers.
func (m *Metrics) TrackDrops(bus interface{ Dropped() int64 }) {
	promauto.With(m.registry).NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_dropped_total",
		Help:      "Event deliveries skipped because a subscriber was full.",
	}, func() float64 { return float64(bus.Dropped()) })
}

// Observe counts one bus event.
func (m *Metrics) Observe(ev events.Event) {
	m.events.WithLabelValues(string(ev.Type)).Inc()

	switch ev.Type {
	case events.ConnectionClosed:
		m.closes.WithLabelValues(ev.Endpoint, dataString(ev.Data, "reason")).Inc()
	case events.AdmissionRejected:
		m.rejections.WithLabelValues(ev.Endpoint, dataString(ev.Data, "reason")).Inc()
	case events.UpstreamStatusChanged:
		m.transitions.WithLabelValues(ev.NewState).Inc()
	}
}

// Run observes events from ch until ctx is done or ch is closed.
func (m *Metrics) Run(ctx context.Context, ch <-chan events.Event) {
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return
			}
			m.Observe(ev)
		case <-ctx.Done():
			return
		}
	}
}

func dataString(data map[string]interface{}, key string) string {
	v, ok := data[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

type gatewayCollector struct {
	source Source

	connectionsActive   *prometheus.Desc
	connectionsAccepted *prometheus.Desc
	messagesIn          *prometheus.Desc
	messagesOut         *prometheus.Desc
	rateLimited         *prometheus.Desc
	backpressureDrops   *prometheus.Desc
	pingTimeouts        *prometheus.Desc
	idleTimeouts        *prometheus.Desc
	highLatency         *prometheus.Desc

	inFlight           *prometheus.Desc
	requests           *prometheus.Desc
	streams            *prometheus.Desc
	requestTimeouts    *prometheus.Desc
	capacityRejections *prometheus.Desc
	circuitRejections  *prometheus.Desc
	upstreamErrors     *prometheus.Desc
	internalErrors     *prometheus.Desc
	handlerPanics      *prometheus.Desc
	subscriptions      *prometheus.Desc

	upstreams        *prometheus.Desc
	upstreamCircuit  *prometheus.Desc
	upstreamFailures *prometheus.Desc
	unmatched        *prometheus.Desc
}

func newGatewayCollector(source Source) *gatewayCollector {
	ep := []string{"endpoint"}
	desc := func(name, help string, labels []string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, labels, nil)
	}
	return &gatewayCollector{
		source: source,

		connectionsActive:   desc("connections_active", "Open client connections.", ep),
		connectionsAccepted: desc("connections_accepted_total", "Upgraded client connections.", ep),
		messagesIn:          desc("messages_received_total", "Inbound data frames.", ep),
		messagesOut:         desc("messages_sent_total", "Outbound data frames.", ep),
		rateLimited:         desc("messages_rate_limited_total", "Inbound frames refused by the per-connection rate window.", ep),
		backpressureDrops:   desc("backpressure_drops_total", "Outbound frames skipped at the backpressure ceiling.", ep),
		pingTimeouts:        desc("ping_timeouts_total", "Connections closed after missed pongs.", ep),
		idleTimeouts:        desc("idle_timeouts_total", "Connections closed by the idle sweep.", ep),
		highLatency:         desc("connections_high_latency", "Open connections whose average RTT is over the threshold.", ep),

		inFlight:           desc("requests_in_flight", "Pending forwarded requests and streams.", ep),
		requests:           desc("requests_total", "Forwarded unary requests.", ep),
		streams:            desc("streams_total", "Forwarded streams.", ep),
		requestTimeouts:    desc("request_timeouts_total", "Requests that hit their deadline.", ep),
		capacityRejections: desc("capacity_rejections_total", "Requests refused at the concurrency ceiling.", ep),
		circuitRejections:  desc("circuit_rejections_total", "Requests refused because the upstream circuit was open.", ep),
		upstreamErrors:     desc("upstream_errors_total", "Forwarded requests failed by the upstream.", ep),
		internalErrors:     desc("internal_errors_total", "Messages answered with internal_error.", ep),
		handlerPanics:      desc("handler_panics_total", "Recovered handler panics.", ep),
		subscriptions:      desc("event_subscriptions", "Connections subscribed to the event feed.", ep),

		upstreams:        desc("upstreams", "Registered upstreams by status.", []string{"status"}),
		upstreamCircuit:  desc("upstream_circuit_open", "1 while the upstream circuit is open or escalated.", []string{"upstream"}),
		upstreamFailures: desc("upstream_consecutive_failures", "Consecutive failures counted by the breaker.", []string{"upstream"}),
		unmatched:        desc("unmatched_upgrades_total", "Upgrade requests whose path matched no endpoint.", nil),
	}
}

func (c *gatewayCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.connectionsActive, c.connectionsAccepted, c.messagesIn, c.messagesOut,
		c.rateLimited, c.backpressureDrops, c.pingTimeouts, c.idleTimeouts, c.highLatency,
		c.inFlight, c.requests, c.streams, c.requestTimeouts, c.capacityRejections,
		c.circuitRejections, c.upstreamErrors, c.internalErrors, c.handlerPanics, c.subscriptions,
		c.upstreams, c.upstreamCircuit, c.upstreamFailures, c.unmatched,
	} {
		ch <- d
	}
}

func (c *gatewayCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.source.Stats()

	gauge := func(d *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v, labels...)
	}
	counter := func(d *prometheus.Desc, v int64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v), labels...)
	}

	for _, ep := range s.Endpoints {
		conn, req := ep.Connections, ep.Requests
		gauge(c.connectionsActive, float64(conn.Active), ep.Name)
		counter(c.connectionsAccepted, conn.Accepted, ep.Name)
		counter(c.messagesIn, conn.MessagesIn, ep.Name)
		counter(c.messagesOut, conn.MessagesOut, ep.Name)
		counter(c.rateLimited, conn.RateLimited, ep.Name)
		counter(c.backpressureDrops, conn.BackpressureDrops, ep.Name)
		counter(c.pingTimeouts, conn.PingTimeouts, ep.Name)
		counter(c.idleTimeouts, conn.IdleTimeouts, ep.Name)
		gauge(c.highLatency, float64(conn.HighLatency), ep.Name)

		gauge(c.inFlight, float64(req.InFlight), ep.Name)
		counter(c.requests, req.Requests, ep.Name)
		counter(c.streams, req.Streams, ep.Name)
		counter(c.requestTimeouts, req.Timeouts, ep.Name)
		counter(c.capacityRejections, req.CapacityRejections, ep.Name)
		counter(c.circuitRejections, req.CircuitRejections, ep.Name)
		counter(c.upstreamErrors, req.UpstreamErrors, ep.Name)
		counter(c.internalErrors, req.InternalErrors, ep.Name)
		counter(c.handlerPanics, req.Panics, ep.Name)
		gauge(c.subscriptions, float64(req.Subscriptions), ep.Name)
	}

	for _, status := range []upstream.Status{
		upstream.StatusPending,
		upstream.StatusActive,
		upstream.StatusDegraded,
		upstream.StatusOffline,
		upstream.StatusArchived,
	} {
		gauge(c.upstreams, float64(s.Summary[status]), string(status))
	}
	for _, u := range s.Upstreams {
		if u.Status == upstream.StatusArchived {
			continue
		}
		open := 0.0
		if u.Health.CircuitBroken || u.Health.Escalated {
			open = 1
		}
		gauge(c.upstreamCircuit, open, u.ID)
		gauge(c.upstreamFailures, float64(u.Health.FailCount), u.ID)
	}
	counter(c.unmatched, s.Unmatched)
}
