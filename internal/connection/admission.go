package connection

import (
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"strings"

	"mcpgateway-go/internal/config"
)

// ipFilter applies an endpoint's CIDR allow and deny lists. Deny wins; an
// empty allow list admits every address not denied.
type ipFilter struct {
	allow []netip.Prefix
	deny  []netip.Prefix
}

func newIPFilter(allowed, denied []string) (*ipFilter, error) {
	f := &ipFilter{}
	for _, s := range allowed {
		p, err := config.ParsePrefix(s)
		if err != nil {
			return nil, fmt.Errorf("allowed CIDR %q: %w", s, err)
		}
		f.allow = append(f.allow, p)
	}
	for _, s := range denied {
		p, err := config.ParsePrefix(s)
		if err != nil {
			return nil, fmt.Errorf("denied CIDR %q: %w", s, err)
		}
		f.deny = append(f.deny, p)
	}
	return f, nil
}

func (f *ipFilter) permits(addr netip.Addr) bool {
	addr = addr.Unmap()
	for _, p := range f.deny {
		if p.Contains(addr) {
			return false
		}
	}
	if len(f.allow) == 0 {
		return true
	}
	for _, p := range f.allow {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// remoteIP extracts the client address from the transport. Forwarding
// headers are not trusted.
func remoteIP(r *http.Request) (netip.Addr, error) {
	if ap, err := netip.ParseAddrPort(r.RemoteAddr); err == nil {
		return ap.Addr().Unmap(), nil
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("invalid remote address %q: %w", r.RemoteAddr, err)
	}
	return addr.Unmap(), nil
}

// bearerToken reads the credential from the Authorization header or the
// token query parameter, which browsers need for WebSocket upgrades.
func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
			return strings.TrimSpace(h[7:])
		}
		return ""
	}
	return r.URL.Query().Get("token")
}

// checkOrigin returns the upgrader origin policy for the allowed origins.
// An empty list allows every origin.
func checkOrigin(m *Manager) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		allowed := m.settings().AllowedOrigins
		if len(allowed) == 0 {
			return true
		}
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, o := range allowed {
			if o == "*" || strings.EqualFold(o, origin) {
				return true
			}
		}
		return false
	}
}
