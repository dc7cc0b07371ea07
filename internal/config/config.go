package config

import (
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/mir00r/reverse-proxy/internal/domain"
	"gopkg.in/yaml.v2"
)

// Config represents the main configuration structure. Durations are carried
// as millisecond (or second) integers so files stay plain YAML scalars.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Balancer  BalancerConfig  `yaml:"balancer"`
	Breaker   BreakerConfig   `yaml:"breaker"`
	Security  SecurityConfig  `yaml:"security"`
	WebSocket WebSocketConfig `yaml:"ws"`
	SSE       SSEConfig       `yaml:"sse"`
	Origins   []OriginConfig  `yaml:"origins"`
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// ServerConfig contains HTTP server specific configuration
type ServerConfig struct {
	Port              int       `yaml:"port"`
	ReadTimeoutMs     int       `yaml:"read_timeout_ms"`
	IdleTimeoutMs     int       `yaml:"idle_timeout_ms"`
	UpstreamTimeoutMs int       `yaml:"upstream_timeout_ms"`
	ProxyID           string    `yaml:"proxy_id"`
	TLS               TLSConfig `yaml:"tls"`
}

// TLSConfig contains the optional TLS listener configuration. Certificate
// material loading is delegated to the runtime; only paths are carried here.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// BalancerConfig contains origin selection configuration
type BalancerConfig struct {
	Strategy string `yaml:"strategy"`
}

// BreakerConfig contains per-origin circuit breaker configuration
type BreakerConfig struct {
	FailureThreshold int `yaml:"failure_threshold"`
	OpenDurationMs   int `yaml:"open_duration_ms"`
}

// IPFilterConfig contains the client IP filter lists
type IPFilterConfig struct {
	Enabled bool     `yaml:"enabled"`
	Mode    string   `yaml:"mode"`
	Allow   []string `yaml:"allow"`
	Deny    []string `yaml:"deny"`
}

// RateLimitConfig contains per-client rate limiting knobs
type RateLimitConfig struct {
	Enabled bool   `yaml:"enabled"`
	Limit   int    `yaml:"limit"`
	WindowS int    `yaml:"window_s"`
	Mode    string `yaml:"mode"`
}

// SecurityConfig contains the admission gate configuration
type SecurityConfig struct {
	IPFilter            IPFilterConfig  `yaml:"ip"`
	RateLimit           RateLimitConfig `yaml:"rate"`
	QueryFilterEnabled  bool            `yaml:"query_filter_enabled"`
	AllowedContentTypes []string        `yaml:"allowed_content_types"`
}

// WebSocketConfig contains keepalive knobs for proxied WebSocket connections
type WebSocketConfig struct {
	PingIntervalMs int `yaml:"ping_interval_ms"`
	IdleTimeoutMs  int `yaml:"idle_timeout_ms"`
}

// SSEConfig contains client-facing hints for proxied event streams
type SSEConfig struct {
	RetryHintMs         int `yaml:"retry_hint_ms"`
	HeartbeatIntervalMs int `yaml:"heartbeat_interval_ms"`
}

// OriginConfig contains origin server configuration
type OriginConfig struct {
	ID              string `yaml:"id"`
	URL             string `yaml:"url"`
	Weight          int    `yaml:"weight"`
	HealthCheckPath string `yaml:"health_check_path"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	File   string `yaml:"file"`
}

// MetricsConfig contains metrics configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:              8080,
			ReadTimeoutMs:     30000,
			IdleTimeoutMs:     120000,
			UpstreamTimeoutMs: 30000,
			ProxyID:           "reverse-proxy/1.0",
		},
		Balancer: BalancerConfig{
			Strategy: string(domain.RoundRobinStrategy),
		},
		Breaker: BreakerConfig{
			FailureThreshold: 50,
			OpenDurationMs:   60000,
		},
		Security: SecurityConfig{
			IPFilter: IPFilterConfig{
				Enabled: false,
				Mode:    string(domain.IPModeDenyList),
			},
			RateLimit: RateLimitConfig{
				Enabled: false,
				Limit:   100,
				WindowS: 1,
				Mode:    string(domain.RateModeFixedWindow),
			},
			QueryFilterEnabled: true,
		},
		WebSocket: WebSocketConfig{
			PingIntervalMs: 30000,
			IdleTimeoutMs:  60000,
		},
		SSE: SSEConfig{
			RetryHintMs:         3000,
			HeartbeatIntervalMs: 15000,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
	}
}

// LoadFromFile loads configuration from a YAML file
func LoadFromFile(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", filename, err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", filename, err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// Validate validates the configuration for correctness
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Server.Port)
	}

	if c.Server.UpstreamTimeoutMs <= 0 {
		return fmt.Errorf("upstream_timeout_ms must be positive: %d", c.Server.UpstreamTimeoutMs)
	}

	// Unknown strategy names are refused rather than silently falling back
	switch domain.BalancingStrategy(c.Balancer.Strategy) {
	case domain.RoundRobinStrategy, domain.RandomStrategy:
	default:
		return fmt.Errorf("unsupported balancing strategy: %s", c.Balancer.Strategy)
	}

	if c.Breaker.FailureThreshold <= 0 {
		return fmt.Errorf("breaker.failure_threshold must be positive")
	}
	if c.Breaker.OpenDurationMs <= 0 {
		return fmt.Errorf("breaker.open_duration_ms must be positive")
	}

	if c.Security.IPFilter.Enabled {
		switch domain.IPFilterMode(c.Security.IPFilter.Mode) {
		case domain.IPModeAllowList, domain.IPModeDenyList:
		default:
			return fmt.Errorf("unsupported ip filter mode: %s", c.Security.IPFilter.Mode)
		}
	}

	if c.Security.RateLimit.Enabled {
		if c.Security.RateLimit.Limit <= 0 {
			return fmt.Errorf("rate.limit must be positive")
		}
		if c.Security.RateLimit.WindowS <= 0 {
			return fmt.Errorf("rate.window_s must be positive")
		}
		switch domain.RateLimitMode(c.Security.RateLimit.Mode) {
		case domain.RateModeFixedWindow, domain.RateModeSmooth:
		default:
			return fmt.Errorf("unsupported rate limit mode: %s", c.Security.RateLimit.Mode)
		}
	}

	if c.WebSocket.PingIntervalMs <= 0 {
		return fmt.Errorf("ws.ping_interval_ms must be positive")
	}
	if c.WebSocket.IdleTimeoutMs <= 0 {
		return fmt.Errorf("ws.idle_timeout_ms must be positive")
	}

	if c.SSE.RetryHintMs <= 0 {
		return fmt.Errorf("sse.retry_hint_ms must be positive")
	}
	if c.SSE.HeartbeatIntervalMs <= 0 {
		return fmt.Errorf("sse.heartbeat_interval_ms must be positive")
	}

	if c.Server.TLS.Enabled {
		if c.Server.TLS.CertFile == "" || c.Server.TLS.KeyFile == "" {
			return fmt.Errorf("tls.cert_file and tls.key_file are required when TLS is enabled")
		}
	}

	if len(c.Origins) == 0 {
		return fmt.Errorf("at least one origin must be configured")
	}

	originIDs := make(map[string]bool)
	for i, origin := range c.Origins {
		if origin.ID == "" {
			return fmt.Errorf("origins[%d]: ID cannot be empty", i)
		}

		if originIDs[origin.ID] {
			return fmt.Errorf("origins[%d]: duplicate ID '%s'", i, origin.ID)
		}
		originIDs[origin.ID] = true

		if origin.URL == "" {
			return fmt.Errorf("origins[%d]: URL cannot be empty", i)
		}

		u, err := url.Parse(origin.URL)
		if err != nil {
			return fmt.Errorf("origins[%d]: invalid URL: %w", i, err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("origins[%d]: unsupported scheme '%s'", i, u.Scheme)
		}
		if u.Host == "" {
			return fmt.Errorf("origins[%d]: URL must be absolute", i)
		}

		if origin.Weight < 0 {
			return fmt.Errorf("origins[%d]: weight cannot be negative", i)
		}
	}

	validLevels := map[string]bool{
		"trace": true, "debug": true, "info": true,
		"warn": true, "error": true, "fatal": true, "panic": true,
	}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("invalid log format: %s", c.Logging.Format)
	}

	validOutputs := map[string]bool{"stdout": true, "stderr": true, "file": true}
	if !validOutputs[c.Logging.Output] {
		return fmt.Errorf("invalid log output: %s", c.Logging.Output)
	}

	return nil
}

// ToBalancerConfig converts to the domain balancer configuration
func (c *Config) ToBalancerConfig() domain.BalancerConfig {
	return domain.BalancerConfig{
		Strategy: domain.BalancingStrategy(c.Balancer.Strategy),
	}
}

// ToBreakerConfig converts to the domain breaker configuration
func (c *Config) ToBreakerConfig() domain.BreakerConfig {
	return domain.BreakerConfig{
		FailureThreshold: c.Breaker.FailureThreshold,
		OpenDuration:     time.Duration(c.Breaker.OpenDurationMs) * time.Millisecond,
	}
}

// ToSecurityConfig converts to the domain security gate configuration
func (c *Config) ToSecurityConfig() domain.SecurityConfig {
	return domain.SecurityConfig{
		IPFilter: domain.IPFilterConfig{
			Enabled: c.Security.IPFilter.Enabled,
			Mode:    domain.IPFilterMode(c.Security.IPFilter.Mode),
			Allow:   c.Security.IPFilter.Allow,
			Deny:    c.Security.IPFilter.Deny,
		},
		RateLimit: domain.RateLimitConfig{
			Enabled: c.Security.RateLimit.Enabled,
			Limit:   c.Security.RateLimit.Limit,
			Window:  time.Duration(c.Security.RateLimit.WindowS) * time.Second,
			Mode:    domain.RateLimitMode(c.Security.RateLimit.Mode),
		},
		QueryFilterEnabled:  c.Security.QueryFilterEnabled,
		AllowedContentTypes: c.Security.AllowedContentTypes,
	}
}

// ToWebSocketConfig converts to the domain WebSocket configuration
func (c *Config) ToWebSocketConfig() domain.WebSocketConfig {
	return domain.WebSocketConfig{
		PingInterval: time.Duration(c.WebSocket.PingIntervalMs) * time.Millisecond,
		IdleTimeout:  time.Duration(c.WebSocket.IdleTimeoutMs) * time.Millisecond,
	}
}

// ToSSEConfig converts to the domain SSE configuration
func (c *Config) ToSSEConfig() domain.SSEConfig {
	return domain.SSEConfig{
		RetryHint:         time.Duration(c.SSE.RetryHintMs) * time.Millisecond,
		HeartbeatInterval: time.Duration(c.SSE.HeartbeatIntervalMs) * time.Millisecond,
	}
}

// UpstreamTimeout returns the dial-and-headers deadline for forwarders
func (c *Config) UpstreamTimeout() time.Duration {
	return time.Duration(c.Server.UpstreamTimeoutMs) * time.Millisecond
}

// ToBackends converts origin configurations to domain backends
func (c *Config) ToBackends() ([]*domain.Backend, error) {
	backends := make([]*domain.Backend, len(c.Origins))
	for i, oc := range c.Origins {
		weight := oc.Weight
		if weight == 0 {
			weight = 1
		}
		backend, err := domain.NewBackend(oc.ID, oc.URL, weight)
		if err != nil {
			return nil, fmt.Errorf("origin %s: %w", oc.ID, err)
		}
		if oc.HealthCheckPath != "" {
			backend.HealthCheckPath = oc.HealthCheckPath
		}
		backends[i] = backend
	}
	return backends, nil
}

// SaveToFile saves the configuration to a YAML file
func (c *Config) SaveToFile(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file %s: %w", filename, err)
	}

	return nil
}
