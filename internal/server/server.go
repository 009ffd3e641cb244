// Package server runs the gateway's HTTP listener: the endpoint upgrades,
// the metrics scrape and the health check share one address.
package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"mcpgateway-go/internal/config"
	"mcpgateway-go/internal/gateway"
	"mcpgateway-go/internal/upstream"
)

// Server owns the http.Server in front of the multiplexer.
type Server struct {
	cfg     *config.Config
	logger  *zap.Logger
	gateway *gateway.Multiplexer
	metrics http.Handler

	mu         sync.Mutex
	httpServer *http.Server
	listener   net.Listener
	stopped    bool
}

// New creates a server. metrics may be nil when the scrape endpoint is
// disabled.
func New(cfg *config.Config, gw *gateway.Multiplexer, metrics http.Handler, logger *zap.Logger) *Server {
	return &Server{
		cfg:     cfg,
		logger:  logger.Named("server"),
		gateway: gw,
		metrics: metrics,
	}
}

// Handler builds the route table. It seals the gateway.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	if s.metrics != nil && s.cfg.Metrics.Enabled {
		mux.Handle(s.cfg.Metrics.Path, s.metrics)
	}
	mux.Handle("/", s.gateway.Handler())
	return s.logRequests(mux)
}

type healthResponse struct {
	Status    string                  `json:"status"`
	Endpoints int                     `json:"endpoints"`
	Upstreams map[upstream.Status]int `json:"upstreams"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	stats := s.gateway.Stats()
	resp := healthResponse{
		Status:    "ok",
		Endpoints: len(stats.Endpoints),
		Upstreams: stats.Summary,
	}

	s.mu.Lock()
	stopped := s.stopped
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if stopped {
		resp.Status = "stopping"
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(resp)
}

// Listen binds the configured address. Addr reports the bound address.
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Listen, err)
	}

	s.mu.Lock()
	s.listener = ln
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: config.HTTPReadHeaderTimeout,
		IdleTimeout:       config.HTTPIdleTimeout,
		MaxHeaderBytes:    1 << 20,
	}
	s.mu.Unlock()
	return nil
}

// Addr returns the bound listener address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Serve accepts connections until ctx is cancelled or Shutdown is called.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	srv, ln := s.httpServer, s.listener
	s.mu.Unlock()
	if srv == nil {
		return errors.New("server is not listening")
	}

	s.logger.Info("Gateway listening",
		zap.String("address", ln.Addr().String()),
		zap.Strings("paths", s.gateway.Upgrades().Paths()))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), config.ShutdownHandlerTimeout)
		defer cancel()
		return s.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// Shutdown stops accepting new requests. Upgraded connections were hijacked
// and are closed by the gateway.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped || s.httpServer == nil {
		s.stopped = true
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	srv := s.httpServer
	s.mu.Unlock()

	if err := srv.Shutdown(ctx); err != nil {
		s.logger.Warn("HTTP server forced shutdown", zap.Error(err))
		_ = srv.Close()
		return err
	}
	s.logger.Info("HTTP server stopped")
	return nil
}

// responseWriter captures the status code and still allows upgrades.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	rw.statusCode = http.StatusSwitchingProtocols
	return hj.Hijack()
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		fields := []zap.Field{
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("remote_addr", r.RemoteAddr),
			zap.Int("status", wrapped.statusCode),
			zap.Bool("upgrade", websocket.IsWebSocketUpgrade(r)),
			zap.Duration("duration", time.Since(start)),
		}
		if wrapped.statusCode >= 400 {
			s.logger.Warn("Request rejected", fields...)
			return
		}
		s.logger.Debug("Request handled", fields...)
	})
}
