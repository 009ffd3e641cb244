// Package gateway multiplexes the named endpoints onto one listener.
package gateway

import (
	"errors"
	"fmt"
	"net/http"
	"path"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// ErrDuplicatePath is returned when two endpoints claim the same path.
var ErrDuplicatePath = errors.New("endpoint path already registered")

// UpgradeRouter hands each upgrade request to the endpoint owning its path.
// An exact match wins; otherwise the longest registered prefix ending on a
// path segment boundary.
type UpgradeRouter struct {
	mu       sync.RWMutex
	routes   map[string]http.Handler
	prefixes []string // longest first

	logger    *zap.Logger
	unmatched atomic.Int64
}

// NewUpgradeRouter creates an empty router.
func NewUpgradeRouter(logger *zap.Logger) *UpgradeRouter {
	return &UpgradeRouter{
		routes: make(map[string]http.Handler),
		logger: logger.Named("upgrade"),
	}
}

func normalizePath(p string) (string, error) {
	if !strings.HasPrefix(p, "/") {
		return "", fmt.Errorf("path %q must start with /", p)
	}
	return path.Clean(p), nil
}

// Register binds p to h.
func (u *UpgradeRouter) Register(p string, h http.Handler) error {
	clean, err := normalizePath(p)
	if err != nil {
		return err
	}

	u.mu.Lock()
	defer u.mu.Unlock()

	if _, exists := u.routes[clean]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicatePath, clean)
	}
	u.routes[clean] = h
	u.prefixes = append(u.prefixes, clean)
	sort.SliceStable(u.prefixes, func(i, j int) bool { return len(u.prefixes[i]) > len(u.prefixes[j]) })
	return nil
}

// Match returns the handler for a request path and the registered path that
// matched.
func (u *UpgradeRouter) Match(p string) (http.Handler, string, bool) {
	if p == "" {
		p = "/"
	}
	clean := path.Clean(p)

	u.mu.RLock()
	defer u.mu.RUnlock()

	if h, ok := u.routes[clean]; ok {
		return h, clean, true
	}
	for _, prefix := range u.prefixes {
		if prefix == "/" || strings.HasPrefix(clean, prefix+"/") {
			return u.routes[prefix], prefix, true
		}
	}
	return nil, "", false
}

// Paths returns the registered paths, longest first.
func (u *UpgradeRouter) Paths() []string {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return append([]string(nil), u.prefixes...)
}

// Unmatched returns how many requests matched no endpoint.
func (u *UpgradeRouter) Unmatched() int64 {
	return u.unmatched.Load()
}

// ServeHTTP dispatches to the matching endpoint. Unmatched upgrade requests
// get their raw connection closed without a response.
func (u *UpgradeRouter) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h, _, ok := u.Match(r.URL.Path); ok {
		h.ServeHTTP(w, r)
		return
	}

	u.unmatched.Add(1)
	u.logger.Debug("No endpoint for path",
		zap.String("path", r.URL.Path),
		zap.String("remote_addr", r.RemoteAddr))

	if websocket.IsWebSocketUpgrade(r) {
		if hj, ok := w.(http.Hijacker); ok {
			if conn, _, err := hj.Hijack(); err == nil {
				_ = conn.Close()
				return
			}
		}
	}
	http.NotFound(w, r)
}
