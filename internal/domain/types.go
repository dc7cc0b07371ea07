package domain

import (
	"context"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Backend represents an upstream origin server with its configuration and
// runtime availability state
type Backend struct {
	ID              string `json:"id" yaml:"id"`
	URL             string `json:"url" yaml:"url"`
	Weight          int    `json:"weight" yaml:"weight"`
	HealthCheckPath string `json:"health_check_path" yaml:"health_check_path"`

	// Target is the parsed form of URL, built once at startup
	Target *url.URL `json:"-" yaml:"-"`

	// Runtime state - thread-safe using atomic operations
	available     atomic.Bool
	totalRequests int64
	failureCount  int64
}

// NewBackend creates a new Backend instance. The URL must be absolute with
// an http or https scheme.
func NewBackend(id, rawURL string, weight int) (*Backend, error) {
	target, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}

	if weight < 1 {
		weight = 1
	}

	b := &Backend{
		ID:              id,
		URL:             rawURL,
		Weight:          weight,
		HealthCheckPath: "/health",
		Target:          target,
	}
	b.available.Store(true)
	return b, nil
}

// MarkFailed clears the availability bit
func (b *Backend) MarkFailed() {
	b.available.Store(false)
}

// MarkAvailable sets the availability bit
func (b *Backend) MarkAvailable() {
	b.available.Store(true)
}

// IsAvailable returns true if the backend is eligible for selection
func (b *Backend) IsAvailable() bool {
	return b.available.Load()
}

// IncrementRequests atomically increments the total request count
func (b *Backend) IncrementRequests() {
	atomic.AddInt64(&b.totalRequests, 1)
}

// GetTotalRequests returns the total number of requests proxied to this origin
func (b *Backend) GetTotalRequests() int64 {
	return atomic.LoadInt64(&b.totalRequests)
}

// IncrementFailures atomically increments the failure count
func (b *Backend) IncrementFailures() {
	atomic.AddInt64(&b.failureCount, 1)
}

// GetFailureCount returns the current failure count
func (b *Backend) GetFailureCount() int64 {
	return atomic.LoadInt64(&b.failureCount)
}

// BreakerState represents the state of a per-origin circuit breaker
type BreakerState int32

const (
	// BreakerClosed - requests pass through
	BreakerClosed BreakerState = iota
	// BreakerOpen - requests short-circuit until the dwell elapses
	BreakerOpen
	// BreakerHalfOpen - a trial request is probing the origin
	BreakerHalfOpen
)

// String returns the string representation of BreakerState
func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerTransition is emitted atomically with every breaker state change
type BreakerTransition struct {
	OriginID  string       `json:"origin_id"`
	From      BreakerState `json:"from"`
	To        BreakerState `json:"to"`
	Timestamp time.Time    `json:"timestamp"`
}

// BalancingStrategy defines the strategy for selecting origins
type BalancingStrategy string

const (
	// RoundRobinStrategy distributes requests evenly across origins
	RoundRobinStrategy BalancingStrategy = "round_robin"
	// RandomStrategy picks a uniformly random available origin
	RandomStrategy BalancingStrategy = "random"
)

// BalancerConfig defines the configuration for the load balancer
type BalancerConfig struct {
	Strategy BalancingStrategy `json:"strategy" yaml:"strategy"`
}

// BreakerConfig defines configuration for per-origin circuit breakers
type BreakerConfig struct {
	FailureThreshold int           `json:"failure_threshold" yaml:"failure_threshold"`
	OpenDuration     time.Duration `json:"open_duration" yaml:"open_duration"`
}

// IPFilterMode selects how the security gate interprets the IP lists
type IPFilterMode string

const (
	// IPModeAllowList rejects clients absent from the allow list
	IPModeAllowList IPFilterMode = "allow_list"
	// IPModeDenyList rejects clients present on the deny list
	IPModeDenyList IPFilterMode = "deny_list"
)

// RateLimitMode selects the rate limiter implementation
type RateLimitMode string

const (
	// RateModeFixedWindow counts requests per fixed time window
	RateModeFixedWindow RateLimitMode = "fixed_window"
	// RateModeSmooth uses a refilling token bucket
	RateModeSmooth RateLimitMode = "smooth"
)

// RateLimitConfig defines per-client rate limiting
type RateLimitConfig struct {
	Enabled bool          `json:"enabled" yaml:"enabled"`
	Limit   int           `json:"limit" yaml:"limit"`
	Window  time.Duration `json:"window" yaml:"window"`
	Mode    RateLimitMode `json:"mode" yaml:"mode"`
}

// IPFilterConfig defines the client IP filter
type IPFilterConfig struct {
	Enabled bool         `json:"enabled" yaml:"enabled"`
	Mode    IPFilterMode `json:"mode" yaml:"mode"`
	Allow   []string     `json:"allow" yaml:"allow"`
	Deny    []string     `json:"deny" yaml:"deny"`
}

// SecurityConfig defines the admission gate
type SecurityConfig struct {
	IPFilter            IPFilterConfig  `json:"ip_filter" yaml:"ip_filter"`
	RateLimit           RateLimitConfig `json:"rate_limit" yaml:"rate_limit"`
	QueryFilterEnabled  bool            `json:"query_filter_enabled" yaml:"query_filter_enabled"`
	AllowedContentTypes []string        `json:"allowed_content_types" yaml:"allowed_content_types"`
}

// WebSocketConfig defines keepalive for proxied WebSocket connections
type WebSocketConfig struct {
	PingInterval time.Duration `json:"ping_interval" yaml:"ping_interval"`
	IdleTimeout  time.Duration `json:"idle_timeout" yaml:"idle_timeout"`
}

// SSEConfig defines client-facing hints for proxied event streams
type SSEConfig struct {
	RetryHint         time.Duration `json:"retry_hint" yaml:"retry_hint"`
	HeartbeatInterval time.Duration `json:"heartbeat_interval" yaml:"heartbeat_interval"`
}

// LoadBalancer selects an available origin per request
type LoadBalancer interface {
	// Select returns the next available origin or ErrCodeNoOrigins
	Select(ctx context.Context) (*Backend, error)
	// MarkFailed clears the availability bit for an origin
	MarkFailed(id string)
	// MarkAvailable sets the availability bit for an origin
	MarkAvailable(id string)
	// AvailableSet returns a snapshot of the currently eligible origins
	AvailableSet() []*Backend
}

// BackendRepository defines the interface for the origin registry
type BackendRepository interface {
	// GetAll returns all origins
	GetAll() ([]*Backend, error)
	// GetByID returns an origin by its ID
	GetByID(id string) (*Backend, error)
	// Save persists an origin
	Save(backend *Backend) error
	// GetAvailable returns only origins whose availability bit is set
	GetAvailable() ([]*Backend, error)
}

// Collector is the event-counter sink sampled throughout the request plane
type Collector interface {
	// RecordRequest counts an inbound request by method
	RecordRequest(method string)
	// RecordResponse counts a response by status class
	RecordResponse(status int)
	// RecordBreakerTransition counts a breaker state change and updates the
	// per-origin state gauge
	RecordBreakerTransition(t BreakerTransition)
	// RecordUpstreamError counts a transport-level failure per origin
	RecordUpstreamError(originID string)
}

// RequestContext contains request-specific information
type RequestContext struct {
	RequestID  string
	RemoteAddr string
	UserAgent  string
	Method     string
	Path       string
	StartTime  time.Time
	OriginID   string
}

// requestContextKey is the context key under which the RequestContext travels
type requestContextKey struct{}

// NewRequestContext creates a new RequestContext from an HTTP request
func NewRequestContext(r *http.Request) *RequestContext {
	return &RequestContext{
		RequestID:  uuid.NewString(),
		RemoteAddr: r.RemoteAddr,
		UserAgent:  r.UserAgent(),
		Method:     r.Method,
		Path:       r.URL.Path,
		StartTime:  time.Now(),
	}
}

// WithRequestContext attaches a RequestContext to ctx
func WithRequestContext(ctx context.Context, rc *RequestContext) context.Context {
	return context.WithValue(ctx, requestContextKey{}, rc)
}

// RequestContextFrom extracts the RequestContext from ctx, if present
func RequestContextFrom(ctx context.Context) (*RequestContext, bool) {
	rc, ok := ctx.Value(requestContextKey{}).(*RequestContext)
	return rc, ok
}
