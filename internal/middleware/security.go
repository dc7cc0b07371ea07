package middleware

import (
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"

	"github.com/mir00r/reverse-proxy/internal/domain"
	"github.com/mir00r/reverse-proxy/pkg/logger"
)

// allowedMethods is the request-method allow list enforced by the gate
var allowedMethods = map[string]bool{
	http.MethodGet:     true,
	http.MethodPost:    true,
	http.MethodPut:     true,
	http.MethodDelete:  true,
	http.MethodOptions: true,
	http.MethodHead:    true,
}

// queryBlocklist holds the substrings rejected inside query values. The
// check is a deliberately strict heuristic kept for compatibility; it can be
// disabled via security.query_filter_enabled.
var queryBlocklist = []string{"'", `"`, ";", "--"}

// SecurityGate performs per-request admission before any origin is selected:
// method allow-list, path sanity, query-value sanity, IP filtering and rate
// limiting, in that order. The first rejection wins.
type SecurityGate struct {
	logger *logger.Logger

	mu        sync.RWMutex
	config    domain.SecurityConfig
	limiter   RateLimiter
	allowNets []*net.IPNet
	denyNets  []*net.IPNet
}

// NewSecurityGate creates a new admission gate
func NewSecurityGate(config domain.SecurityConfig, logger *logger.Logger) (*SecurityGate, error) {
	sg := &SecurityGate{
		logger: logger.GateLogger(),
	}

	if err := sg.Reconfigure(config); err != nil {
		return nil, err
	}

	return sg, nil
}

// Reconfigure swaps the gate's IP lists and rate limiter. Used at startup
// and by the config watcher on live reload.
func (sg *SecurityGate) Reconfigure(config domain.SecurityConfig) error {
	var allowNets, denyNets []*net.IPNet

	for _, ip := range config.IPFilter.Allow {
		ipNet, err := parseIPOrCIDR(ip)
		if err != nil {
			return fmt.Errorf("invalid allow list entry %s: %w", ip, err)
		}
		allowNets = append(allowNets, ipNet)
	}

	for _, ip := range config.IPFilter.Deny {
		ipNet, err := parseIPOrCIDR(ip)
		if err != nil {
			return fmt.Errorf("invalid deny list entry %s: %w", ip, err)
		}
		denyNets = append(denyNets, ipNet)
	}

	var limiter RateLimiter
	if config.RateLimit.Enabled {
		var err error
		limiter, err = NewRateLimiter(config.RateLimit, sg.logger)
		if err != nil {
			return err
		}
	}

	sg.mu.Lock()
	sg.config = config
	sg.allowNets = allowNets
	sg.denyNets = denyNets
	sg.limiter = limiter
	sg.mu.Unlock()

	return nil
}

// Limiter returns the active rate limiter, or nil when rate limiting is
// disabled
func (sg *SecurityGate) Limiter() RateLimiter {
	sg.mu.RLock()
	defer sg.mu.RUnlock()
	return sg.limiter
}

// Middleware returns the admission middleware. Rejected requests never reach
// origin selection.
func (sg *SecurityGate) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			clientIP := ClientIP(r)

			log := sg.logger.WithFields(map[string]interface{}{
				"client_ip": clientIP,
				"path":      r.URL.Path,
				"method":    r.Method,
			})

			// 1. Method allow-list
			if !allowedMethods[r.Method] {
				log.Warn("Request rejected: method not allowed")
				http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
				return
			}

			// 2. Path sanity
			if strings.Contains(r.URL.Path, "..") || strings.Contains(r.URL.Path, "//") {
				log.Warn("Request rejected: invalid path")
				http.Error(w, "Invalid path", http.StatusBadRequest)
				return
			}

			sg.mu.RLock()
			config := sg.config
			limiter := sg.limiter
			sg.mu.RUnlock()

			// 3. Query-value sanity
			if config.QueryFilterEnabled && hasSuspectQueryValue(r) {
				log.Warn("Request rejected: invalid query parameter")
				http.Error(w, "Invalid query parameter", http.StatusBadRequest)
				return
			}

			// 4. Content-type family for body-carrying methods
			if !sg.contentTypeAllowed(config, r) {
				log.Warn("Request rejected: unsupported content type")
				http.Error(w, "Unsupported Media Type", http.StatusUnsupportedMediaType)
				return
			}

			// 5. IP filter on the socket peer address; X-Forwarded-For is
			// untrusted at the edge
			if config.IPFilter.Enabled && !sg.ipAllowed(config.IPFilter.Mode, clientIP) {
				log.Warn("Request rejected: client IP filtered")
				http.Error(w, "Access denied", http.StatusForbidden)
				return
			}

			// 6. Rate limit per client IP
			if limiter != nil && !limiter.Allow(clientIP) {
				log.Warn("Request rejected: rate limit exceeded")
				w.Header().Set("Retry-After", "1")
				http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// hasSuspectQueryValue reports whether any query value contains a
// blocklisted substring
func hasSuspectQueryValue(r *http.Request) bool {
	for _, values := range r.URL.Query() {
		for _, value := range values {
			for _, needle := range queryBlocklist {
				if strings.Contains(value, needle) {
					return true
				}
			}
		}
	}
	return false
}

// contentTypeAllowed checks POST/PUT bodies against the configured
// content-type families. An empty list admits everything.
func (sg *SecurityGate) contentTypeAllowed(config domain.SecurityConfig, r *http.Request) bool {
	if len(config.AllowedContentTypes) == 0 {
		return true
	}
	if r.Method != http.MethodPost && r.Method != http.MethodPut {
		return true
	}

	contentType := r.Header.Get("Content-Type")
	for _, family := range config.AllowedContentTypes {
		if strings.HasPrefix(contentType, family) {
			return true
		}
	}
	return false
}

// ipAllowed applies the configured filter mode to the client IP
func (sg *SecurityGate) ipAllowed(mode domain.IPFilterMode, ip string) bool {
	clientIP := net.ParseIP(ip)
	if clientIP == nil {
		return false
	}

	sg.mu.RLock()
	defer sg.mu.RUnlock()

	switch mode {
	case domain.IPModeAllowList:
		for _, ipNet := range sg.allowNets {
			if ipNet.Contains(clientIP) {
				return true
			}
		}
		return false

	case domain.IPModeDenyList:
		for _, ipNet := range sg.denyNets {
			if ipNet.Contains(clientIP) {
				return false
			}
		}
		return true

	default:
		return false
	}
}

// ClientIP returns the socket peer address of the request. The proxy is
// assumed to be the edge, so forwarding headers are not consulted.
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// parseIPOrCIDR parses an IP address or CIDR notation
func parseIPOrCIDR(s string) (*net.IPNet, error) {
	if strings.Contains(s, "/") {
		_, ipNet, err := net.ParseCIDR(s)
		return ipNet, err
	}

	ip := net.ParseIP(s)
	if ip == nil {
		return nil, fmt.Errorf("invalid IP address: %s", s)
	}

	// Single IPs become /32 (IPv4) or /128 (IPv6) networks
	var mask net.IPMask
	if ip.To4() != nil {
		mask = net.CIDRMask(32, 32)
	} else {
		mask = net.CIDRMask(128, 128)
	}

	return &net.IPNet{IP: ip, Mask: mask}, nil
}
