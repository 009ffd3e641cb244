package connection

import (
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"mcpgateway-go/internal/auth"
	"mcpgateway-go/internal/config"
)

// State is the lifecycle state of a Connection.
type State int32

const (
	StateConnecting State = iota
	StateConnected
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Close codes sent to clients. 4000-4999 are application defined.
const (
	ClosePingTimeout = 4001
	CloseIdleTimeout = 4002
)

// Close reasons sent to clients.
const (
	ReasonPingTimeout = "ping_timeout"
	ReasonIdleTimeout = "idle_timeout"
	ReasonShutdown    = "server_shutdown"
	ReasonWriteError  = "write_error"
	ReasonClientClose = "client_closed"
)

// controlFrame is the envelope the connection layer writes on its own:
// heartbeat pings and rate limit errors.
type controlFrame struct {
	Type       string `json:"type"`
	Seq        uint64 `json:"seq,omitempty"`
	Timestamp  int64  `json:"timestamp,omitempty"`
	Code       string `json:"code,omitempty"`
	Message    string `json:"message,omitempty"`
	RetryAfter int64  `json:"retryAfterMs,omitempty"`
}

// Connection is one admitted client transport. It is created and owned by a
// Manager; handlers only send on it and read its metadata.
type Connection struct {
	id         string
	endpoint   string
	remoteAddr string
	identity   *auth.Identity
	created    time.Time

	ws     *websocket.Conn
	m      *Manager
	logger *zap.Logger

	send   chan []byte
	queued atomic.Int64
	state  atomic.Int32

	lastActivity atomic.Int64 // unix nanos of the last inbound message

	messagesIn    atomic.Int64
	messagesOut   atomic.Int64
	bytesIn       atomic.Int64
	bytesOut      atomic.Int64
	pingsSent     atomic.Int64
	pongsReceived atomic.Int64
	sendFailures  atomic.Int64

	attrMu sync.RWMutex
	attrs  map[string]interface{}

	rate *RateWindow
	hb   *heartbeat

	done        chan struct{}
	closeOnce   sync.Once
	closeCode   int
	closeReason string
}

func newConnection(m *Manager, ws *websocket.Conn, id, remoteAddr string, identity *auth.Identity, cfg *config.EndpointConfig) *Connection {
	now := m.clock.Now()
	c := &Connection{
		id:         id,
		endpoint:   cfg.Name,
		remoteAddr: remoteAddr,
		identity:   identity,
		created:    now,
		ws:         ws,
		m:          m,
		logger:     m.logger.With(zap.String("connection_id", id)),
		send:       make(chan []byte, cfg.SendQueueSize),
		attrs:      make(map[string]interface{}),
		rate:       NewRateWindow(m.clock, time.Minute),
		done:       make(chan struct{}),
	}
	c.lastActivity.Store(now.UnixNano())
	c.state.Store(int32(StateConnecting))
	c.hb = newHeartbeat(m.clock, m.heartbeatSettings, c.ping, c.onHeartbeatDead)
	return c
}

// ID returns the connection id.
func (c *Connection) ID() string { return c.id }

// Endpoint returns the name of the endpoint that accepted the connection.
func (c *Connection) Endpoint() string { return c.endpoint }

// RemoteAddr returns the client IP address.
func (c *Connection) RemoteAddr() string { return c.remoteAddr }

// Identity returns the authenticated identity, or nil.
func (c *Connection) Identity() *auth.Identity { return c.identity }

// Authenticated reports whether the connection presented valid credentials.
func (c *Connection) Authenticated() bool { return c.identity != nil }

// State returns the current lifecycle state.
func (c *Connection) State() State { return State(c.state.Load()) }

// Created returns when the connection was accepted.
func (c *Connection) Created() time.Time { return c.created }

// LastActivity returns when the last inbound message arrived.
func (c *Connection) LastActivity() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

// Done is closed when the connection starts closing.
func (c *Connection) Done() <-chan struct{} { return c.done }

// Set stores an attribute on the connection.
func (c *Connection) Set(key string, value interface{}) {
	c.attrMu.Lock()
	defer c.attrMu.Unlock()
	c.attrs[key] = value
}

// Get returns an attribute.
func (c *Connection) Get(key string) (interface{}, bool) {
	c.attrMu.RLock()
	defer c.attrMu.RUnlock()
	v, ok := c.attrs[key]
	return v, ok
}

// Delete removes an attribute.
func (c *Connection) Delete(key string) {
	c.attrMu.Lock()
	defer c.attrMu.Unlock()
	delete(c.attrs, key)
}

// Send encodes v as JSON and queues it.
func (c *Connection) Send(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.SendRaw(data)
}

// SendRaw queues one frame. The write is skipped with ErrBackpressure when
// the bytes still waiting to be flushed plus this frame would exceed the
// endpoint's backpressure ceiling, or when the send queue is full.
func (c *Connection) SendRaw(data []byte) error {
	if c.State() != StateConnected {
		c.sendFailures.Add(1)
		return ErrConnectionClosed
	}

	n := int64(len(data))
	limit := c.m.settings().MaxBackpressureBytes
	if queued := c.queued.Add(n); limit > 0 && queued > limit {
		c.queued.Add(-n)
		c.failBackpressure(queued - n)
		return ErrBackpressure
	}

	select {
	case <-c.done:
		c.queued.Add(-n)
		c.sendFailures.Add(1)
		return ErrConnectionClosed
	default:
	}

	select {
	case c.send <- data:
		return nil
	case <-c.done:
		c.queued.Add(-n)
		c.sendFailures.Add(1)
		return ErrConnectionClosed
	default:
		c.queued.Add(-n)
		c.failBackpressure(c.queued.Load())
		return ErrBackpressure
	}
}

func (c *Connection) failBackpressure(queued int64) {
	c.sendFailures.Add(1)
	c.m.counters.backpressureDrops.Add(1)
	c.logger.Debug("Skipping write, backpressure limit reached",
		zap.Int64("queued_bytes", queued),
		zap.Int64("limit", c.m.settings().MaxBackpressureBytes))
}

// BufferedBytes returns the number of bytes queued but not yet written.
func (c *Connection) BufferedBytes() int64 {
	return c.queued.Load()
}

// AckPing records an application level pong. seq 0 acknowledges the
// outstanding ping.
func (c *Connection) AckPing(seq uint64) {
	if _, ok := c.hb.pong(seq); ok {
		c.pongsReceived.Add(1)
	}
}

// Close sends a close frame with code and reason, closes the transport and
// synchronously runs the close handlers. Only the first call has an effect.
func (c *Connection) Close(code int, reason string) error {
	var err error
	c.closeOnce.Do(func() {
		c.state.Store(int32(StateClosing))
		c.closeCode = code
		c.closeReason = reason
		c.hb.stop()
		close(c.done)

		if c.ws != nil {
			msg := websocket.FormatCloseMessage(code, reason)
			_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(config.CloseWriteWait))
			err = c.ws.Close()
		}

		c.m.remove(c)
		c.state.Store(int32(StateClosed))
	})
	return err
}

func (c *Connection) ping(seq uint64) {
	if c.State() != StateConnected {
		return
	}
	c.pingsSent.Add(1)
	if c.ws != nil {
		payload := []byte(strconv.FormatUint(seq, 10))
		if err := c.ws.WriteControl(websocket.PingMessage, payload, time.Now().Add(config.WriteWait)); err != nil {
			c.logger.Debug("Failed to write ping", zap.Error(err))
		}
	}
	_ = c.Send(controlFrame{Type: "ping", Seq: seq, Timestamp: c.m.clock.Now().UnixMilli()})
}

func (c *Connection) onHeartbeatDead(missed int) {
	c.logger.Info("Closing connection, no pong received",
		zap.Int("missed_pings", missed))
	_ = c.Close(ClosePingTimeout, ReasonPingTimeout)
}

func (c *Connection) onProtocolPong(appData string) error {
	seq, _ := strconv.ParseUint(appData, 10, 64)
	c.AckPing(seq)
	return nil
}

// writePump is the only goroutine writing data frames to the transport.
func (c *Connection) writePump() {
	defer c.m.wg.Done()

	for {
		select {
		case data := <-c.send:
			err := c.write(data)
			c.queued.Add(-int64(len(data)))
			if err != nil {
				c.logger.Debug("WebSocket write error", zap.Error(err))
				_ = c.Close(websocket.CloseInternalServerErr, ReasonWriteError)
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *Connection) write(data []byte) error {
	if err := c.ws.SetWriteDeadline(time.Now().Add(config.WriteWait)); err != nil {
		return err
	}
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return err
	}
	c.messagesOut.Add(1)
	c.bytesOut.Add(int64(len(data)))
	c.m.counters.messagesOut.Add(1)
	return nil
}

// readPump reads frames in order and dispatches them sequentially, which
// preserves per-connection message order.
func (c *Connection) readPump() {
	defer c.m.wg.Done()

	code, reason := websocket.CloseNormalClosure, ReasonClientClose
	for {
		mt, data, err := c.ws.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				code = ce.Code
			} else if c.State() == StateConnected {
				c.logger.Debug("WebSocket read error", zap.Error(err))
				code = websocket.CloseAbnormalClosure
			}
			break
		}
		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}

		c.lastActivity.Store(c.m.clock.Now().UnixNano())
		c.messagesIn.Add(1)
		c.bytesIn.Add(int64(len(data)))
		c.m.counters.messagesIn.Add(1)

		if !c.rate.Allow(c.m.settings().MaxMessagesPerMinute) {
			c.m.rateLimited(c)
			retry := c.rate.ResetAt().Sub(c.m.clock.Now()).Milliseconds()
			_ = c.Send(controlFrame{
				Type:       "error",
				Code:       "rate_limit_exceeded",
				Message:    ErrRateLimited.Error(),
				RetryAfter: retry,
			})
			continue
		}

		c.m.handler.HandleMessage(c, data)
	}

	_ = c.Close(code, reason)
}

// Info is a snapshot of a connection for stats and monitoring.
type Info struct {
	ID            string        `json:"id"`
	Endpoint      string        `json:"endpoint"`
	RemoteAddr    string        `json:"remoteAddr"`
	Subject       string        `json:"subject,omitempty"`
	State         string        `json:"state"`
	Created       time.Time     `json:"created"`
	LastActivity  time.Time     `json:"lastActivity"`
	MessagesIn    int64         `json:"messagesIn"`
	MessagesOut   int64         `json:"messagesOut"`
	BytesIn       int64         `json:"bytesIn"`
	BytesOut      int64         `json:"bytesOut"`
	PingsSent     int64         `json:"pingsSent"`
	PongsReceived int64         `json:"pongsReceived"`
	SendFailures  int64         `json:"sendFailures"`
	BufferedBytes int64         `json:"bufferedBytes"`
	RecentRate    int           `json:"messagesLastMinute"`
	AvgRTT        time.Duration `json:"avgRtt"`
	HighLatency   bool          `json:"highLatency"`
}

// Info returns a snapshot of the connection counters.
func (c *Connection) Info() Info {
	hb := c.hb.stats()
	info := Info{
		ID:            c.id,
		Endpoint:      c.endpoint,
		RemoteAddr:    c.remoteAddr,
		State:         c.State().String(),
		Created:       c.created,
		LastActivity:  c.LastActivity(),
		MessagesIn:    c.messagesIn.Load(),
		MessagesOut:   c.messagesOut.Load(),
		BytesIn:       c.bytesIn.Load(),
		BytesOut:      c.bytesOut.Load(),
		PingsSent:     c.pingsSent.Load(),
		PongsReceived: c.pongsReceived.Load(),
		SendFailures:  c.sendFailures.Load(),
		BufferedBytes: c.queued.Load(),
		RecentRate:    c.rate.Count(),
		AvgRTT:        hb.AvgRTT,
		HighLatency:   hb.HighLatency,
	}
	if c.identity != nil {
		info.Subject = c.identity.Subject
	}
	return info
}
