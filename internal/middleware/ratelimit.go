package middleware

import (
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/mir00r/reverse-proxy/internal/domain"
	"github.com/mir00r/reverse-proxy/pkg/logger"
)

// RateLimiter admits or rejects a request for a client identity. State is
// process-local; restart empties all cells.
type RateLimiter interface {
	// Allow reports whether the client identified by key may proceed
	Allow(key string) bool
	// Evict drops cells idle longer than maxIdle and returns how many were
	// removed
	Evict(maxIdle time.Duration) int
}

// NewRateLimiter creates the limiter for the configured mode. The default
// fixed_window mode counts requests per fixed window; the smooth mode trades
// the hard window edge for a refilling token bucket.
func NewRateLimiter(config domain.RateLimitConfig, logger *logger.Logger) (RateLimiter, error) {
	switch config.Mode {
	case domain.RateModeFixedWindow, "":
		return newFixedWindowLimiter(config, logger), nil
	case domain.RateModeSmooth:
		return newSmoothLimiter(config, logger), nil
	default:
		return nil, fmt.Errorf("unsupported rate limit mode: %s", config.Mode)
	}
}

// windowCell tracks one client's count within the current fixed window
type windowCell struct {
	count       int
	windowStart int64
	lastSeen    time.Time
}

// fixedWindowLimiter counts requests per client per fixed window. The window
// index is floor(now / window); a window change resets the count.
type fixedWindowLimiter struct {
	limit  int
	window time.Duration
	logger *logger.Logger

	mu    sync.Mutex
	cells map[string]*windowCell
}

func newFixedWindowLimiter(config domain.RateLimitConfig, logger *logger.Logger) *fixedWindowLimiter {
	return &fixedWindowLimiter{
		limit:  config.Limit,
		window: config.Window,
		logger: logger.GateLogger(),
		cells:  make(map[string]*windowCell),
	}
}

// Allow admits the request unless the client's count in the current window
// exceeds the limit
func (l *fixedWindowLimiter) Allow(key string) bool {
	now := time.Now()
	windowIndex := now.UnixNano() / int64(l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	cell, exists := l.cells[key]
	if !exists {
		cell = &windowCell{windowStart: windowIndex}
		l.cells[key] = cell
	}

	if cell.windowStart != windowIndex {
		cell.windowStart = windowIndex
		cell.count = 0
	}

	cell.count++
	cell.lastSeen = now

	return cell.count <= l.limit
}

// Evict drops cells that have not been touched within maxIdle
func (l *fixedWindowLimiter) Evict(maxIdle time.Duration) int {
	cutoff := time.Now().Add(-maxIdle)

	l.mu.Lock()
	defer l.mu.Unlock()

	evicted := 0
	for key, cell := range l.cells {
		if cell.lastSeen.Before(cutoff) {
			delete(l.cells, key)
			evicted++
		}
	}
	return evicted
}

// smoothClient holds one client's token bucket
type smoothClient struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// smoothLimiter spreads the per-window budget over time with a token bucket.
// Burst equals the configured limit so a quiet client can still spend a full
// window's budget at once.
type smoothLimiter struct {
	rate   rate.Limit
	burst  int
	logger *logger.Logger

	mu      sync.Mutex
	clients map[string]*smoothClient
}

func newSmoothLimiter(config domain.RateLimitConfig, logger *logger.Logger) *smoothLimiter {
	return &smoothLimiter{
		rate:    rate.Limit(float64(config.Limit) / config.Window.Seconds()),
		burst:   config.Limit,
		logger:  logger.GateLogger(),
		clients: make(map[string]*smoothClient),
	}
}

// Allow admits the request if the client's bucket has a token
func (l *smoothLimiter) Allow(key string) bool {
	l.mu.Lock()
	client, exists := l.clients[key]
	if !exists {
		client = &smoothClient{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.clients[key] = client
	}
	client.lastSeen = time.Now()
	l.mu.Unlock()

	return client.limiter.Allow()
}

// Evict drops clients that have not been seen within maxIdle
func (l *smoothLimiter) Evict(maxIdle time.Duration) int {
	cutoff := time.Now().Add(-maxIdle)

	l.mu.Lock()
	defer l.mu.Unlock()

	evicted := 0
	for key, client := range l.clients {
		if client.lastSeen.Before(cutoff) {
			delete(l.clients, key)
			evicted++
		}
	}
	return evicted
}
