// Package connection owns the lifetime of admitted client WebSocket
// connections for one endpoint: admission, heartbeats, rate limiting,
// backpressure and idle cleanup.
package connection

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"mcpgateway-go/internal/auth"
	"mcpgateway-go/internal/config"
	"mcpgateway-go/internal/events"
)

// MessageHandler receives the traffic of a Manager's connections.
// HandleMessage is called sequentially per connection from its read loop.
// HandleClose runs synchronously inside Connection.Close and must not block.
type MessageHandler interface {
	HandleOpen(c *Connection)
	HandleMessage(c *Connection, data []byte)
	HandleClose(c *Connection)
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock sets the clock used by heartbeats, rate windows and the sweeper.
func WithClock(clk clock.Clock) Option {
	return func(m *Manager) { m.clock = clk }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// WithPublisher sets the event sink.
func WithPublisher(p events.Publisher) Option {
	return func(m *Manager) { m.events = p }
}

// WithAuthenticator sets the credential validator used at admission.
func WithAuthenticator(a auth.Authenticator) Option {
	return func(m *Manager) { m.auth = a }
}

type counters struct {
	accepted          atomic.Int64
	closed            atomic.Int64
	messagesIn        atomic.Int64
	messagesOut       atomic.Int64
	rateLimited       atomic.Int64
	backpressureDrops atomic.Int64
	pingTimeouts      atomic.Int64
	idleTimeouts      atomic.Int64

	rejectMu sync.Mutex
	rejected map[string]int64
}

// Manager admits and tracks the connections of one endpoint.
type Manager struct {
	name    string
	cfg     atomic.Pointer[config.EndpointConfig]
	filter  atomic.Pointer[ipFilter]
	handler MessageHandler

	clock  clock.Clock
	logger *zap.Logger
	events events.Publisher
	auth   auth.Authenticator

	upgrader   websocket.Upgrader
	handshakes *expirable.LRU[string, *rate.Limiter]

	mu     sync.RWMutex
	conns  map[string]*Connection
	perIP  map[string]int
	closed bool

	counters counters

	wg        sync.WaitGroup
	sweepWG   sync.WaitGroup
	stopC     chan struct{}
	intervalC chan struct{}
}

// NewManager creates a manager for one endpoint and starts its idle sweeper.
func NewManager(cfg config.EndpointConfig, handler MessageHandler, opts ...Option) (*Manager, error) {
	if handler == nil {
		return nil, errors.New("message handler is required")
	}
	cfg.ApplyDefaults()

	filter, err := newIPFilter(cfg.AllowedCIDRs, cfg.DeniedCIDRs)
	if err != nil {
		return nil, err
	}

	m := &Manager{
		name:       cfg.Name,
		handler:    handler,
		clock:      clock.New(),
		logger:     zap.NewNop(),
		events:     events.Discard,
		conns:      make(map[string]*Connection),
		perIP:      make(map[string]int),
		handshakes: expirable.NewLRU[string, *rate.Limiter](config.HandshakeCacheSize, nil, config.HandshakeCacheTTL),
		stopC:      make(chan struct{}),
		intervalC:  make(chan struct{}, 1),
	}
	m.counters.rejected = make(map[string]int64)
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.Named("connections").With(zap.String("endpoint", cfg.Name))
	m.cfg.Store(&cfg)
	m.filter.Store(filter)

	m.upgrader = websocket.Upgrader{
		ReadBufferSize:    4096,
		WriteBufferSize:   4096,
		EnableCompression: cfg.Compression,
		CheckOrigin:       checkOrigin(m),
	}

	m.sweepWG.Add(1)
	go m.sweepLoop()
	return m, nil
}

// Name returns the endpoint name.
func (m *Manager) Name() string { return m.name }

// Settings returns a copy of the current endpoint configuration.
func (m *Manager) Settings() config.EndpointConfig {
	return *m.cfg.Load()
}

func (m *Manager) settings() *config.EndpointConfig {
	return m.cfg.Load()
}

func (m *Manager) heartbeatSettings() heartbeatSettings {
	cfg := m.settings()
	return heartbeatSettings{
		interval:    cfg.PingInterval,
		pingTimeout: cfg.PingTimeout,
		highLatency: cfg.HighLatencyThreshold,
	}
}

// UpdateSettings swaps the endpoint limits at runtime. Name and path are
// immutable. Send queue size and payload limit apply to new connections.
func (m *Manager) UpdateSettings(cfg config.EndpointConfig) error {
	cfg.ApplyDefaults()
	current := m.settings()
	if cfg.Name != current.Name || cfg.Path != current.Path {
		return fmt.Errorf("endpoint %s: name and path cannot change at runtime", current.Name)
	}
	filter, err := newIPFilter(cfg.AllowedCIDRs, cfg.DeniedCIDRs)
	if err != nil {
		return err
	}

	m.filter.Store(filter)
	m.cfg.Store(&cfg)
	if cfg.HandshakeRate != current.HandshakeRate || cfg.HandshakeBurst != current.HandshakeBurst {
		m.handshakes.Purge()
	}
	if cfg.CleanupInterval != current.CleanupInterval {
		select {
		case m.intervalC <- struct{}{}:
		default:
		}
	}

	m.logger.Info("Endpoint settings updated",
		zap.Int("max_connections_per_ip", cfg.MaxConnectionsPerIP),
		zap.Int("max_messages_per_minute", cfg.MaxMessagesPerMinute),
		zap.Int64("max_backpressure_bytes", cfg.MaxBackpressureBytes))
	return nil
}

// ServeHTTP admits and upgrades one request.
func (m *Manager) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	c, err := m.Accept(w, r)
	if err != nil {
		var ae *AdmissionError
		if errors.As(err, &ae) {
			http.Error(w, ae.Reason, ae.Status)
		}
		return
	}
	m.logger.Debug("Connection accepted", zap.String("connection_id", c.ID()))
}

// Accept runs admission and, when it passes, upgrades the request and starts
// the connection. Admission failures are returned as *AdmissionError before
// any Connection exists; the caller writes the HTTP response for them.
func (m *Manager) Accept(w http.ResponseWriter, r *http.Request) (*Connection, error) {
	cfg := m.settings()

	addr, err := remoteIP(r)
	if err != nil {
		return nil, m.reject(r, "", &AdmissionError{Status: http.StatusBadRequest, Reason: "bad_remote_address", Err: err})
	}
	ip := addr.String()

	// 1. per-address connection cap; the slot is reserved until upgrade ends
	if err := m.reserve(ip, cfg.MaxConnectionsPerIP); err != nil {
		return nil, m.reject(r, ip, err)
	}
	reserved := true
	defer func() {
		if reserved {
			m.release(ip)
		}
	}()

	// 2. allow/deny list
	if !m.filter.Load().permits(addr) {
		return nil, m.reject(r, ip, &AdmissionError{Status: http.StatusForbidden, Reason: ReasonIPDenied})
	}

	// 3. handshake throttle
	if cfg.HandshakeRate > 0 && !m.allowHandshake(ip, cfg) {
		return nil, m.reject(r, ip, &AdmissionError{Status: http.StatusTooManyRequests, Reason: ReasonHandshakeRate})
	}

	// 4. credentials
	identity, err := m.authenticate(r, cfg)
	if err != nil {
		return nil, m.reject(r, ip, err)
	}

	ws, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already written the HTTP error
		m.logger.Debug("Failed to upgrade connection", zap.String("remote_addr", ip), zap.Error(err))
		return nil, err
	}
	ws.SetReadLimit(cfg.MaxPayloadBytes)
	if cfg.Compression {
		ws.EnableWriteCompression(true)
	}

	c := newConnection(m, ws, uuid.NewString(), ip, identity, cfg)
	ws.SetPongHandler(c.onProtocolPong)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, ReasonShutdown),
			time.Now().Add(config.CloseWriteWait))
		_ = ws.Close()
		return nil, ErrManagerClosed
	}
	m.conns[c.id] = c
	reserved = false // the connection now owns the slot
	c.state.Store(int32(StateConnected))
	m.wg.Add(2)
	m.mu.Unlock()

	m.counters.accepted.Add(1)
	m.handler.HandleOpen(c)
	c.hb.start()
	go c.writePump()
	go c.readPump()

	m.events.Publish(events.Event{
		Type:         events.ConnectionOpened,
		Endpoint:     m.name,
		ConnectionID: c.id,
		Timestamp:    m.clock.Now(),
		Data: map[string]interface{}{
			"remote_addr":   ip,
			"authenticated": c.Authenticated(),
		},
	})
	m.logger.Info("Connection opened",
		zap.String("connection_id", c.id),
		zap.String("remote_addr", ip),
		zap.Bool("authenticated", c.Authenticated()))
	return c, nil
}

func (m *Manager) reserve(ip string, limit int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return &AdmissionError{Status: http.StatusServiceUnavailable, Reason: ReasonShuttingDown}
	}
	if limit > 0 && m.perIP[ip] >= limit {
		return &AdmissionError{
			Status: http.StatusTooManyRequests,
			Reason: ReasonConnectionLimit,
			Err:    fmt.Errorf("%d connections open from %s", m.perIP[ip], ip),
		}
	}
	m.perIP[ip]++
	return nil
}

func (m *Manager) release(ip string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.perIP[ip] <= 1 {
		delete(m.perIP, ip)
		return
	}
	m.perIP[ip]--
}

func (m *Manager) allowHandshake(ip string, cfg *config.EndpointConfig) bool {
	limiter, ok := m.handshakes.Get(ip)
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(cfg.HandshakeRate), cfg.HandshakeBurst)
		m.handshakes.Add(ip, limiter)
	}
	return limiter.AllowN(m.clock.Now(), 1)
}

func (m *Manager) authenticate(r *http.Request, cfg *config.EndpointConfig) (*auth.Identity, error) {
	token := bearerToken(r)
	if token == "" {
		if cfg.AuthRequired {
			return nil, &AdmissionError{Status: http.StatusUnauthorized, Reason: ReasonUnauthorized, Err: auth.ErrInvalidToken}
		}
		return nil, nil
	}
	if m.auth == nil {
		if cfg.AuthRequired {
			return nil, &AdmissionError{Status: http.StatusUnauthorized, Reason: ReasonUnauthorized, Err: errors.New("no authenticator configured")}
		}
		return nil, nil
	}

	ctx, cancel := context.WithTimeout(r.Context(), config.AuthTimeout)
	defer cancel()
	identity, err := m.auth.Authenticate(ctx, token)
	if err != nil {
		if cfg.AuthRequired {
			return nil, &AdmissionError{Status: http.StatusUnauthorized, Reason: ReasonUnauthorized, Err: err}
		}
		// Optional auth: a bad token downgrades to anonymous
		return nil, nil
	}
	return identity, nil
}

func (m *Manager) reject(r *http.Request, ip string, err error) error {
	var ae *AdmissionError
	if errors.As(err, &ae) {
		m.counters.rejectMu.Lock()
		m.counters.rejected[ae.Reason]++
		m.counters.rejectMu.Unlock()

		m.events.Publish(events.Event{
			Type:      events.AdmissionRejected,
			Endpoint:  m.name,
			Timestamp: m.clock.Now(),
			Data: map[string]interface{}{
				"remote_addr": ip,
				"reason":      ae.Reason,
				"status":      ae.Status,
			},
		})
	}
	m.logger.Info("Connection rejected",
		zap.String("remote_addr", ip),
		zap.String("path", r.URL.Path),
		zap.Error(err))
	return err
}

func (m *Manager) rateLimited(c *Connection) {
	m.counters.rateLimited.Add(1)
	m.events.Publish(events.Event{
		Type:         events.RateLimited,
		Endpoint:     m.name,
		ConnectionID: c.id,
		Timestamp:    m.clock.Now(),
		Data: map[string]interface{}{
			"remote_addr": c.remoteAddr,
			"limit":       m.settings().MaxMessagesPerMinute,
		},
	})
}

// remove is called once from Connection.Close.
func (m *Manager) remove(c *Connection) {
	m.mu.Lock()
	_, ok := m.conns[c.id]
	if ok {
		delete(m.conns, c.id)
		if m.perIP[c.remoteAddr] <= 1 {
			delete(m.perIP, c.remoteAddr)
		} else {
			m.perIP[c.remoteAddr]--
		}
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	m.counters.closed.Add(1)
	switch c.closeCode {
	case ClosePingTimeout:
		m.counters.pingTimeouts.Add(1)
	case CloseIdleTimeout:
		m.counters.idleTimeouts.Add(1)
	}

	m.handler.HandleClose(c)

	now := m.clock.Now()
	m.events.Publish(events.Event{
		Type:         events.ConnectionClosed,
		Endpoint:     m.name,
		ConnectionID: c.id,
		Timestamp:    now,
		Data: map[string]interface{}{
			"code":     c.closeCode,
			"reason":   c.closeReason,
			"duration": now.Sub(c.created).String(),
		},
	})
	m.logger.Info("Connection closed",
		zap.String("connection_id", c.id),
		zap.Int("code", c.closeCode),
		zap.String("reason", c.closeReason))
}

// Get returns a live connection by id.
func (m *Manager) Get(id string) (*Connection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.conns[id]
	return c, ok
}

// Count returns the number of live connections.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.conns)
}

// CountFrom returns the number of live connections from one address.
func (m *Manager) CountFrom(ip string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.perIP[ip]
}

func (m *Manager) snapshot() []*Connection {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Connection, 0, len(m.conns))
	for _, c := range m.conns {
		out = append(out, c)
	}
	return out
}

// Connections returns a snapshot of every live connection ordered by creation.
func (m *Manager) Connections() []Info {
	conns := m.snapshot()
	out := make([]Info, 0, len(conns))
	for _, c := range conns {
		out = append(out, c.Info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Created.Before(out[j].Created) })
	return out
}

// Stats summarizes the endpoint's connection counters.
type Stats struct {
	Endpoint          string           `json:"endpoint"`
	Active            int              `json:"active"`
	Accepted          int64            `json:"accepted"`
	Closed            int64            `json:"closed"`
	Rejected          map[string]int64 `json:"rejected"`
	MessagesIn        int64            `json:"messagesIn"`
	MessagesOut       int64            `json:"messagesOut"`
	RateLimited       int64            `json:"rateLimited"`
	BackpressureDrops int64            `json:"backpressureDrops"`
	PingTimeouts      int64            `json:"pingTimeouts"`
	IdleTimeouts      int64            `json:"idleTimeouts"`
	HighLatency       int              `json:"highLatency"`
}

// Stats returns a snapshot of the counters.
func (m *Manager) Stats() Stats {
	s := Stats{
		Endpoint:          m.name,
		Accepted:          m.counters.accepted.Load(),
		Closed:            m.counters.closed.Load(),
		MessagesIn:        m.counters.messagesIn.Load(),
		MessagesOut:       m.counters.messagesOut.Load(),
		RateLimited:       m.counters.rateLimited.Load(),
		BackpressureDrops: m.counters.backpressureDrops.Load(),
		PingTimeouts:      m.counters.pingTimeouts.Load(),
		IdleTimeouts:      m.counters.idleTimeouts.Load(),
		Rejected:          make(map[string]int64),
	}

	m.counters.rejectMu.Lock()
	for k, v := range m.counters.rejected {
		s.Rejected[k] = v
	}
	m.counters.rejectMu.Unlock()

	conns := m.snapshot()
	s.Active = len(conns)
	for _, c := range conns {
		if c.hb.stats().HighLatency {
			s.HighLatency++
		}
	}
	return s
}

// sweepLoop closes idle connections every CleanupInterval.
func (m *Manager) sweepLoop() {
	defer m.sweepWG.Done()

	ticker := m.clock.Ticker(m.settings().CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopC:
			return
		case <-m.intervalC:
			ticker.Reset(m.settings().CleanupInterval)
		case <-ticker.C:
			m.SweepIdle()
		}
	}
}

// SweepIdle closes every connection whose last inbound message is older
// than ConnectionTimeout and returns how many were closed.
func (m *Manager) SweepIdle() int {
	timeout := m.settings().ConnectionTimeout
	if timeout <= 0 {
		return 0
	}
	now := m.clock.Now()

	closed := 0
	for _, c := range m.snapshot() {
		if now.Sub(c.LastActivity()) > timeout {
			m.logger.Debug("Closing idle connection",
				zap.String("connection_id", c.id),
				zap.Duration("idle", now.Sub(c.LastActivity())))
			_ = c.Close(CloseIdleTimeout, ReasonIdleTimeout)
			closed++
		}
	}
	if closed > 0 {
		m.logger.Info("Idle sweep closed connections", zap.Int("count", closed))
	}
	return closed
}

// Shutdown refuses new connections, closes every live one with code and
// reason, and waits for their pumps until ctx is done. Close errors are
// collected and do not stop the sequence.
func (m *Manager) Shutdown(ctx context.Context, code int, reason string) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	close(m.stopC)
	m.sweepWG.Wait()

	var err error
	for _, c := range m.snapshot() {
		if cerr := c.Close(code, reason); cerr != nil && !errors.Is(cerr, websocket.ErrCloseSent) {
			err = multierr.Append(err, fmt.Errorf("close %s: %w", c.id, cerr))
		}
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		err = multierr.Append(err, fmt.Errorf("waiting for connection pumps: %w", ctx.Err()))
	}

	if err != nil {
		m.logger.Warn("Errors while closing connections", zap.Error(err))
	}
	m.logger.Info("Connection manager stopped")
	return err
}
