package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// LoadFromEnvironment loads configuration overrides from environment
// variables on top of the defaults
func LoadFromEnvironment() *Config {
	config := DefaultConfig()
	applyEnvironment(config)
	return config
}

// applyEnvironment mutates config with any PROXY_* variables that are set
func applyEnvironment(config *Config) {
	if port := getEnvInt("PROXY_PORT", 0); port > 0 && port <= 65535 {
		config.Server.Port = port
	}

	if proxyID := getEnv("PROXY_ID", ""); proxyID != "" {
		config.Server.ProxyID = proxyID
	}

	if timeout := getEnvInt("PROXY_UPSTREAM_TIMEOUT_MS", 0); timeout > 0 {
		config.Server.UpstreamTimeoutMs = timeout
	}

	if strategy := getEnv("PROXY_STRATEGY", ""); strategy != "" {
		config.Balancer.Strategy = strategy
	}

	if origins := getEnv("PROXY_ORIGINS", ""); origins != "" {
		config.Origins = parseOriginsFromEnv(origins)
	}

	// Breaker configuration
	if threshold := getEnvInt("PROXY_BREAKER_THRESHOLD", 0); threshold > 0 {
		config.Breaker.FailureThreshold = threshold
	}

	if dwell := getEnvInt("PROXY_BREAKER_OPEN_DURATION_MS", 0); dwell > 0 {
		config.Breaker.OpenDurationMs = dwell
	}

	// IP filter configuration
	if mode := getEnv("PROXY_IP_MODE", ""); mode != "" {
		config.Security.IPFilter.Enabled = true
		config.Security.IPFilter.Mode = mode
	}

	if allow := getEnv("PROXY_IP_ALLOW", ""); allow != "" {
		config.Security.IPFilter.Allow = splitAndTrim(allow)
	}

	if deny := getEnv("PROXY_IP_DENY", ""); deny != "" {
		config.Security.IPFilter.Deny = splitAndTrim(deny)
	}

	// Rate limit configuration
	if limit := getEnvInt("PROXY_RATE_LIMIT", 0); limit > 0 {
		config.Security.RateLimit.Enabled = true
		config.Security.RateLimit.Limit = limit
	}

	if window := getEnvInt("PROXY_RATE_WINDOW_S", 0); window > 0 {
		config.Security.RateLimit.WindowS = window
	}

	// WebSocket configuration
	if interval := getEnvInt("PROXY_WS_PING_INTERVAL_MS", 0); interval > 0 {
		config.WebSocket.PingIntervalMs = interval
	}

	if timeout := getEnvInt("PROXY_WS_IDLE_TIMEOUT_MS", 0); timeout > 0 {
		config.WebSocket.IdleTimeoutMs = timeout
	}

	// SSE configuration
	if hint := getEnvInt("PROXY_SSE_RETRY_HINT_MS", 0); hint > 0 {
		config.SSE.RetryHintMs = hint
	}

	if interval := getEnvInt("PROXY_SSE_HEARTBEAT_INTERVAL_MS", 0); interval > 0 {
		config.SSE.HeartbeatIntervalMs = interval
	}

	// TLS configuration
	if enabled := getEnv("PROXY_TLS_ENABLED", ""); enabled != "" {
		config.Server.TLS.Enabled = strings.ToLower(enabled) == "true"
	}
	if cert := getEnv("PROXY_TLS_CERT", ""); cert != "" {
		config.Server.TLS.CertFile = cert
	}
	if key := getEnv("PROXY_TLS_KEY", ""); key != "" {
		config.Server.TLS.KeyFile = key
	}

	// Logging configuration
	if level := getEnv("PROXY_LOG_LEVEL", ""); level != "" {
		config.Logging.Level = level
	}
	if format := getEnv("PROXY_LOG_FORMAT", ""); format != "" {
		config.Logging.Format = format
	}
}

// getEnv returns the value of an environment variable or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

// splitAndTrim splits a comma-separated list and trims whitespace
func splitAndTrim(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// parseOriginsFromEnv parses PROXY_ORIGINS of the form
// "b1=http://127.0.0.1:9001,b2=http://127.0.0.1:9002"
func parseOriginsFromEnv(origins string) []OriginConfig {
	var configs []OriginConfig

	for i, entry := range splitAndTrim(origins) {
		id := fmt.Sprintf("origin-%d", i+1)
		rawURL := entry

		if idx := strings.Index(entry, "="); idx > 0 {
			id = entry[:idx]
			rawURL = entry[idx+1:]
		}

		configs = append(configs, OriginConfig{
			ID:     id,
			URL:    rawURL,
			Weight: 1,
		})
	}

	return configs
}

// LoadConfig loads configuration from a file when CONFIG_FILE points at one,
// then applies environment overrides, then validates
func LoadConfig() (*Config, error) {
	config := DefaultConfig()

	if configFile := os.Getenv("CONFIG_FILE"); configFile != "" {
		if _, err := os.Stat(configFile); err == nil {
			loaded, err := LoadFromFile(configFile)
			if err != nil {
				return nil, err
			}
			config = loaded
		}
	}

	applyEnvironment(config)

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}
