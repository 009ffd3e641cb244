package config

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	defaultListen = ":8080"
)

// Endpoint kinds select the handler set a router is built with.
const (
	KindProxy   = "proxy"
	KindEvents  = "events"
	KindMonitor = "monitor"
)

// Config represents the main configuration structure
type Config struct {
	Listen  string `json:"listen" mapstructure:"listen"`
	DataDir string `json:"data_dir" mapstructure:"data_dir"`

	// Logging configuration
	Logging *LogConfig `json:"logging,omitempty" mapstructure:"logging"`

	// Upstream registry and circuit breaker settings
	Registry RegistryConfig `json:"registry" mapstructure:"registry"`

	// Named multiplexed endpoints sharing the listener
	Endpoints []EndpointConfig `json:"endpoints" mapstructure:"endpoints"`

	// Upstream servers registered at startup
	Upstreams []UpstreamConfig `json:"upstreams,omitempty" mapstructure:"upstreams"`

	// Bearer tokens accepted at connection admission
	Auth AuthConfig `json:"auth" mapstructure:"auth"`

	Metrics MetricsConfig `json:"metrics" mapstructure:"metrics"`
}

// LogConfig represents logging configuration
type LogConfig struct {
	Level         string `json:"level" mapstructure:"level"`
	EnableFile    bool   `json:"enable_file" mapstructure:"enable_file"`
	EnableConsole bool   `json:"enable_console" mapstructure:"enable_console"`
	Filename      string `json:"filename" mapstructure:"filename"`
	LogDir        string `json:"log_dir,omitempty" mapstructure:"log_dir"` // Custom log directory
	MaxSize       int    `json:"max_size" mapstructure:"max_size"`         // MB
	MaxBackups    int    `json:"max_backups" mapstructure:"max_backups"`   // number of backup files
	MaxAge        int    `json:"max_age" mapstructure:"max_age"`           // days
	Compress      bool   `json:"compress" mapstructure:"compress"`
	JSONFormat    bool   `json:"json_format" mapstructure:"json_format"`

	// Audit event log written from the event bus
	AuditFilename string `json:"audit_filename,omitempty" mapstructure:"audit_filename"`
}

// RegistryConfig holds health probing and circuit breaker thresholds.
type RegistryConfig struct {
	ProbeInterval    time.Duration `json:"probe_interval" mapstructure:"probe_interval"`
	ProbeTimeout     time.Duration `json:"probe_timeout" mapstructure:"probe_timeout"`
	ProbeConcurrency int           `json:"probe_concurrency" mapstructure:"probe_concurrency"`
	FailureThreshold int           `json:"failure_threshold" mapstructure:"failure_threshold"`
	ResetTimeout     time.Duration `json:"reset_timeout" mapstructure:"reset_timeout"`
	RetryAttempts    int           `json:"retry_attempts" mapstructure:"retry_attempts"`
	RetryDelay       time.Duration `json:"retry_delay" mapstructure:"retry_delay"`

	// Circuit openings allowed inside CycleWindow before a server is
	// escalated to permanent offline.
	MaxReconnectCycles int           `json:"max_reconnect_cycles" mapstructure:"max_reconnect_cycles"`
	CycleWindow        time.Duration `json:"cycle_window" mapstructure:"cycle_window"`
}

// EndpointConfig describes one named, independently limited endpoint.
// Values are treated as immutable; runtime updates replace the whole value.
type EndpointConfig struct {
	Name         string `json:"name" mapstructure:"name"`
	Path         string `json:"path" mapstructure:"path"`
	Kind         string `json:"kind" mapstructure:"kind"` // proxy, events, monitor
	AuthRequired bool   `json:"auth_required" mapstructure:"auth_required"`
	Compression  bool   `json:"compression" mapstructure:"compression"`

	MaxPayloadBytes      int64 `json:"max_payload_bytes" mapstructure:"max_payload_bytes"`
	MaxConnectionsPerIP  int   `json:"max_connections_per_ip" mapstructure:"max_connections_per_ip"`
	MaxMessagesPerMinute int   `json:"max_messages_per_minute" mapstructure:"max_messages_per_minute"`
	MaxBackpressureBytes int64 `json:"max_backpressure_bytes" mapstructure:"max_backpressure_bytes"`
	SendQueueSize        int   `json:"send_queue_size" mapstructure:"send_queue_size"`

	ConnectionTimeout    time.Duration `json:"connection_timeout" mapstructure:"connection_timeout"`
	PingInterval         time.Duration `json:"ping_interval" mapstructure:"ping_interval"`
	PingTimeout          time.Duration `json:"ping_timeout" mapstructure:"ping_timeout"`
	ReconnectTimeout     time.Duration `json:"reconnect_timeout" mapstructure:"reconnect_timeout"`
	CleanupInterval      time.Duration `json:"cleanup_interval" mapstructure:"cleanup_interval"`
	HighLatencyThreshold time.Duration `json:"high_latency_threshold" mapstructure:"high_latency_threshold"`

	RequestTimeout        time.Duration `json:"request_timeout" mapstructure:"request_timeout"`
	MaxConcurrentRequests int           `json:"max_concurrent_requests" mapstructure:"max_concurrent_requests"`
	StreamChunkInterval   time.Duration `json:"stream_chunk_interval" mapstructure:"stream_chunk_interval"`

	AllowedCIDRs   []string `json:"allowed_cidrs,omitempty" mapstructure:"allowed_cidrs"`
	DeniedCIDRs    []string `json:"denied_cidrs,omitempty" mapstructure:"denied_cidrs"`
	AllowedOrigins []string `json:"allowed_origins,omitempty" mapstructure:"allowed_origins"`

	// Per remote address upgrade attempts per second (0 = unlimited)
	HandshakeRate  float64 `json:"handshake_rate,omitempty" mapstructure:"handshake_rate"`
	HandshakeBurst int     `json:"handshake_burst,omitempty" mapstructure:"handshake_burst"`
}

// UpstreamConfig represents an upstream tool server registered at startup
type UpstreamConfig struct {
	ID             string `json:"id" mapstructure:"id"`
	Name           string `json:"name,omitempty" mapstructure:"name"`
	URL            string `json:"url" mapstructure:"url"`
	Protocol       string `json:"protocol,omitempty" mapstructure:"protocol"` // streamable-http, sse
	CredentialMode string `json:"credential_mode,omitempty" mapstructure:"credential_mode"`
	Secret         string `json:"secret,omitempty" mapstructure:"secret"`
	Workspace      string `json:"workspace,omitempty" mapstructure:"workspace"`
}

// AuthConfig lists the static bearer tokens accepted by auth-required endpoints.
type AuthConfig struct {
	Tokens []TokenConfig `json:"tokens,omitempty" mapstructure:"tokens"`
}

// TokenConfig maps one bearer token to an identity.
type TokenConfig struct {
	Token     string   `json:"token" mapstructure:"token"`
	Subject   string   `json:"subject" mapstructure:"subject"`
	Workspace string   `json:"workspace,omitempty" mapstructure:"workspace"`
	Scopes    []string `json:"scopes,omitempty" mapstructure:"scopes"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" mapstructure:"enabled"`
	Path    string `json:"path" mapstructure:"path"`
}

// DefaultRegistryConfig returns the registry defaults.
func DefaultRegistryConfig() RegistryConfig {
	return RegistryConfig{
		ProbeInterval:      DefaultProbeInterval,
		ProbeTimeout:       DefaultProbeTimeout,
		ProbeConcurrency:   DefaultProbeConcurrency,
		FailureThreshold:   DefaultFailureThreshold,
		ResetTimeout:       DefaultCircuitResetTimeout,
		RetryAttempts:      DefaultRetryAttempts,
		RetryDelay:         DefaultRetryDelay,
		MaxReconnectCycles: DefaultMaxReconnectCycles,
		CycleWindow:        DefaultReconnectCycleWindow,
	}
}

// DefaultEndpointConfig returns an endpoint with every limit set to its default.
func DefaultEndpointConfig(name, path, kind string) EndpointConfig {
	return EndpointConfig{
		Name:                  name,
		Path:                  path,
		Kind:                  kind,
		MaxPayloadBytes:       DefaultMaxPayloadBytes,
		MaxConnectionsPerIP:   DefaultMaxConnectionsPerIP,
		MaxMessagesPerMinute:  DefaultMaxMessagesPerMinute,
		MaxBackpressureBytes:  DefaultMaxBackpressureBytes,
		SendQueueSize:         DefaultSendQueueSize,
		ConnectionTimeout:     DefaultConnectionTimeout,
		PingInterval:          DefaultPingInterval,
		PingTimeout:           DefaultPingTimeout,
		ReconnectTimeout:      DefaultReconnectTimeout,
		CleanupInterval:       DefaultCleanupInterval,
		HighLatencyThreshold:  DefaultHighLatencyThreshold,
		RequestTimeout:        DefaultRequestTimeout,
		MaxConcurrentRequests: DefaultMaxConcurrentRequests,
	}
}

// DefaultEndpoints returns the five standard gateway channels.
func DefaultEndpoints() []EndpointConfig {
	proxy := DefaultEndpointConfig("proxy", "/gateway/proxy", KindProxy)
	proxy.AuthRequired = true

	events := DefaultEndpointConfig("events", "/gateway/events", KindEvents)
	events.MaxMessagesPerMinute = 120

	agent := DefaultEndpointConfig("agent", "/gateway/agent", KindProxy)
	agent.AuthRequired = true
	agent.MaxConcurrentRequests = 50

	collab := DefaultEndpointConfig("collab", "/gateway/collab", KindProxy)
	collab.Compression = true

	monitor := DefaultEndpointConfig("monitor", "/gateway/monitor", KindMonitor)
	monitor.AuthRequired = true
	monitor.MaxConnectionsPerIP = 5

	return []EndpointConfig{proxy, events, agent, collab, monitor}
}

// DefaultConfig returns default configuration
func DefaultConfig() *Config {
	return &Config{
		Listen:    defaultListen,
		DataDir:   defaultDataDir(),
		Logging:   DefaultLogConfig(),
		Registry:  DefaultRegistryConfig(),
		Endpoints: DefaultEndpoints(),
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
	}
}

// DefaultLogConfig returns default logging configuration
func DefaultLogConfig() *LogConfig {
	return &LogConfig{
		Level:         "info",
		EnableFile:    false,
		EnableConsole: true,
		Filename:      "gateway.log",
		MaxSize:       10,
		MaxBackups:    5,
		MaxAge:        30,
		Compress:      true,
		JSONFormat:    false,
		AuditFilename: "audit.log",
	}
}

func defaultDataDir() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return ".mcpgateway"
	}
	return filepath.Join(homeDir, ".mcpgateway")
}

// ApplyDefaults fills every zero-valued setting with its default.
func (c *Config) ApplyDefaults() {
	if c.Listen == "" {
		c.Listen = defaultListen
	}
	if c.DataDir == "" {
		c.DataDir = defaultDataDir()
	}
	if c.Logging == nil {
		c.Logging = DefaultLogConfig()
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	c.Registry.ApplyDefaults()

	if len(c.Endpoints) == 0 {
		c.Endpoints = DefaultEndpoints()
	}
	for i := range c.Endpoints {
		c.Endpoints[i].ApplyDefaults()
	}
	for i := range c.Upstreams {
		if c.Upstreams[i].Protocol == "" {
			c.Upstreams[i].Protocol = "streamable-http"
		}
		if c.Upstreams[i].CredentialMode == "" {
			c.Upstreams[i].CredentialMode = "none"
		}
		if c.Upstreams[i].Name == "" {
			c.Upstreams[i].Name = c.Upstreams[i].ID
		}
	}
}

// ApplyDefaults fills zero-valued registry settings.
func (r *RegistryConfig) ApplyDefaults() {
	d := DefaultRegistryConfig()
	if r.ProbeInterval <= 0 {
		r.ProbeInterval = d.ProbeInterval
	}
	if r.ProbeTimeout <= 0 {
		r.ProbeTimeout = d.ProbeTimeout
	}
	if r.ProbeConcurrency <= 0 {
		r.ProbeConcurrency = d.ProbeConcurrency
	}
	if r.FailureThreshold <= 0 {
		r.FailureThreshold = d.FailureThreshold
	}
	if r.ResetTimeout <= 0 {
		r.ResetTimeout = d.ResetTimeout
	}
	if r.RetryAttempts <= 0 {
		r.RetryAttempts = d.RetryAttempts
	}
	if r.RetryDelay <= 0 {
		r.RetryDelay = d.RetryDelay
	}
	if r.MaxReconnectCycles <= 0 {
		r.MaxReconnectCycles = d.MaxReconnectCycles
	}
	if r.CycleWindow <= 0 {
		r.CycleWindow = d.CycleWindow
	}
}

// ApplyDefaults fills zero-valued endpoint limits.
func (e *EndpointConfig) ApplyDefaults() {
	d := DefaultEndpointConfig(e.Name, e.Path, e.Kind)
	if e.Kind == "" {
		e.Kind = KindProxy
	}
	if e.MaxPayloadBytes <= 0 {
		e.MaxPayloadBytes = d.MaxPayloadBytes
	}
	if e.MaxConnectionsPerIP <= 0 {
		e.MaxConnectionsPerIP = d.MaxConnectionsPerIP
	}
	if e.MaxMessagesPerMinute <= 0 {
		e.MaxMessagesPerMinute = d.MaxMessagesPerMinute
	}
	if e.MaxBackpressureBytes <= 0 {
		e.MaxBackpressureBytes = d.MaxBackpressureBytes
	}
	if e.SendQueueSize <= 0 {
		e.SendQueueSize = d.SendQueueSize
	}
	if e.ConnectionTimeout <= 0 {
		e.ConnectionTimeout = d.ConnectionTimeout
	}
	if e.PingInterval <= 0 {
		e.PingInterval = d.PingInterval
	}
	if e.PingTimeout <= 0 {
		e.PingTimeout = d.PingTimeout
	}
	if e.ReconnectTimeout <= 0 {
		e.ReconnectTimeout = d.ReconnectTimeout
	}
	if e.CleanupInterval <= 0 {
		e.CleanupInterval = d.CleanupInterval
	}
	if e.HighLatencyThreshold <= 0 {
		e.HighLatencyThreshold = d.HighLatencyThreshold
	}
	if e.RequestTimeout <= 0 {
		e.RequestTimeout = d.RequestTimeout
	}
	if e.MaxConcurrentRequests <= 0 {
		e.MaxConcurrentRequests = d.MaxConcurrentRequests
	}
	if e.HandshakeRate > 0 && e.HandshakeBurst <= 0 {
		e.HandshakeBurst = int(e.HandshakeRate) + 1
	}
}

// Validate checks the configuration for structural errors.
func (c *Config) Validate() error {
	var errs []error

	seenNames := make(map[string]bool)
	seenPaths := make(map[string]bool)
	for _, ep := range c.Endpoints {
		if err := ep.Validate(); err != nil {
			errs = append(errs, err)
			continue
		}
		if seenNames[ep.Name] {
			errs = append(errs, fmt.Errorf("duplicate endpoint name: %s", ep.Name))
		}
		if seenPaths[ep.Path] {
			errs = append(errs, fmt.Errorf("duplicate endpoint path: %s", ep.Path))
		}
		seenNames[ep.Name] = true
		seenPaths[ep.Path] = true
	}

	seenUpstreams := make(map[string]bool)
	for _, u := range c.Upstreams {
		if u.ID == "" || u.URL == "" {
			errs = append(errs, fmt.Errorf("upstream requires id and url"))
			continue
		}
		if seenUpstreams[u.ID] {
			errs = append(errs, fmt.Errorf("duplicate upstream id: %s", u.ID))
		}
		seenUpstreams[u.ID] = true
	}

	for _, tok := range c.Auth.Tokens {
		if tok.Token == "" || tok.Subject == "" {
			errs = append(errs, fmt.Errorf("auth token requires token and subject"))
		}
	}

	if c.Registry.FailureThreshold < 0 || c.Registry.RetryAttempts < 0 {
		errs = append(errs, fmt.Errorf("registry thresholds must not be negative"))
	}

	return errors.Join(errs...)
}

// Validate checks a single endpoint definition.
func (e *EndpointConfig) Validate() error {
	if e.Name == "" {
		return fmt.Errorf("endpoint name is required")
	}
	if !strings.HasPrefix(e.Path, "/") {
		return fmt.Errorf("endpoint %s: path must start with '/': %q", e.Name, e.Path)
	}
	switch e.Kind {
	case "", KindProxy, KindEvents, KindMonitor:
	default:
		return fmt.Errorf("endpoint %s: unknown kind %q", e.Name, e.Kind)
	}
	for _, cidr := range append(append([]string{}, e.AllowedCIDRs...), e.DeniedCIDRs...) {
		if _, err := ParsePrefix(cidr); err != nil {
			return fmt.Errorf("endpoint %s: %w", e.Name, err)
		}
	}
	if e.PingTimeout > 0 && e.PingInterval > 0 && e.ConnectionTimeout > 0 && e.ConnectionTimeout < e.PingInterval {
		return fmt.Errorf("endpoint %s: connection timeout %v shorter than ping interval %v", e.Name, e.ConnectionTimeout, e.PingInterval)
	}
	return nil
}

// ParsePrefix accepts either a CIDR or a bare address.
func ParsePrefix(s string) (netip.Prefix, error) {
	if strings.Contains(s, "/") {
		p, err := netip.ParsePrefix(s)
		if err != nil {
			return netip.Prefix{}, fmt.Errorf("invalid CIDR %q: %w", s, err)
		}
		return p.Masked(), nil
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("invalid address %q: %w", s, err)
	}
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}

// Endpoint returns the endpoint configuration with the given name.
func (c *Config) Endpoint(name string) (EndpointConfig, bool) {
	for _, ep := range c.Endpoints {
		if ep.Name == name {
			return ep, true
		}
	}
	return EndpointConfig{}, false
}
