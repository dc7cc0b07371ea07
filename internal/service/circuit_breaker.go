package service

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/mir00r/reverse-proxy/internal/domain"
	proxyerrors "github.com/mir00r/reverse-proxy/internal/errors"
	"github.com/mir00r/reverse-proxy/pkg/logger"
)

// CircuitBreaker gates outbound traffic to a single origin. State lives in
// an atomic cell; transitions are compare-and-swap so concurrent callers
// never skip or duplicate a step. The breaker never inspects HTTP; failure
// is whatever the supplied operation returns as an error.
type CircuitBreaker struct {
	originID  string
	config    domain.BreakerConfig
	collector domain.Collector
	logger    *logger.Logger

	state    atomic.Int32 // domain.BreakerState
	failures atomic.Int64
	openedAt atomic.Int64 // unix nanos; meaningful while open or half-open
}

// NewCircuitBreaker creates a breaker for one origin, initially closed
func NewCircuitBreaker(originID string, config domain.BreakerConfig, collector domain.Collector, logger *logger.Logger) *CircuitBreaker {
	return &CircuitBreaker{
		originID:  originID,
		config:    config,
		collector: collector,
		logger:    logger.BreakerLogger(originID),
	}
}

// State returns the current breaker state
func (cb *CircuitBreaker) State() domain.BreakerState {
	return domain.BreakerState(cb.state.Load())
}

// Failures returns the consecutive-failure counter
func (cb *CircuitBreaker) Failures() int64 {
	return cb.failures.Load()
}

// Execute runs op under the breaker. While open, calls short-circuit with a
// circuit-open error until the dwell elapses; the single caller that wins
// the open -> half-open transition proceeds as the probe.
func (cb *CircuitBreaker) Execute(op func() error) error {
	switch cb.State() {
	case domain.BreakerClosed:
		return cb.runClosed(op)

	case domain.BreakerOpen:
		elapsed := time.Since(time.Unix(0, cb.openedAt.Load()))
		if elapsed < cb.config.OpenDuration {
			return proxyerrors.NewCircuitOpenError(cb.originID)
		}
		if !cb.transition(domain.BreakerOpen, domain.BreakerHalfOpen) {
			// Lost the probe race; the winner is already in flight
			return proxyerrors.NewCircuitOpenError(cb.originID)
		}
		return cb.runHalfOpen(op)

	case domain.BreakerHalfOpen:
		// A probe is already in flight; reject until it settles
		return proxyerrors.NewCircuitOpenError(cb.originID)

	default:
		return cb.runClosed(op)
	}
}

// runClosed executes op in the closed state and applies the outcome
func (cb *CircuitBreaker) runClosed(op func() error) error {
	err := op()
	if err == nil || !proxyerrors.CountsAsFailure(err) {
		cb.failures.Store(0)
		return err
	}

	failures := cb.failures.Add(1)
	if failures >= int64(cb.config.FailureThreshold) {
		// The open time is stored before the state flips so no caller can
		// observe Open with a stale timestamp
		cb.openedAt.Store(time.Now().UnixNano())
		if cb.transition(domain.BreakerClosed, domain.BreakerOpen) {
			cb.logger.WithFields(map[string]interface{}{
				"failures":          failures,
				"failure_threshold": cb.config.FailureThreshold,
			}).Warn("Circuit breaker opened")
		}
	}
	return err
}

// runHalfOpen executes a trial and applies the outcome
func (cb *CircuitBreaker) runHalfOpen(op func() error) error {
	err := op()
	if err == nil || !proxyerrors.CountsAsFailure(err) {
		if cb.transition(domain.BreakerHalfOpen, domain.BreakerClosed) {
			cb.failures.Store(0)
			cb.logger.Info("Circuit breaker closed after successful trial")
		}
		return err
	}

	cb.openedAt.Store(time.Now().UnixNano())
	if cb.transition(domain.BreakerHalfOpen, domain.BreakerOpen) {
		cb.logger.Info("Circuit breaker reopened after failed trial")
	}
	return err
}

// transition performs a CAS on the state cell and, when it succeeds,
// synchronously publishes the transition so observers see a total order per
// origin
func (cb *CircuitBreaker) transition(from, to domain.BreakerState) bool {
	if !cb.state.CompareAndSwap(int32(from), int32(to)) {
		return false
	}

	cb.collector.RecordBreakerTransition(domain.BreakerTransition{
		OriginID:  cb.originID,
		From:      from,
		To:        to,
		Timestamp: time.Now(),
	})
	return true
}

// BreakerRegistry holds one breaker per origin, created lazily on first use.
// Entries live for the lifetime of the process.
type BreakerRegistry struct {
	config    domain.BreakerConfig
	collector domain.Collector
	logger    *logger.Logger

	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
}

// NewBreakerRegistry creates a new per-origin breaker registry
func NewBreakerRegistry(config domain.BreakerConfig, collector domain.Collector, logger *logger.Logger) *BreakerRegistry {
	return &BreakerRegistry{
		config:    config,
		collector: collector,
		logger:    logger,
		breakers:  make(map[string]*CircuitBreaker),
	}
}

// Get returns the breaker for an origin, creating it on first use
func (br *BreakerRegistry) Get(originID string) *CircuitBreaker {
	br.mu.RLock()
	cb, exists := br.breakers[originID]
	br.mu.RUnlock()
	if exists {
		return cb
	}

	br.mu.Lock()
	defer br.mu.Unlock()

	if cb, exists = br.breakers[originID]; exists {
		return cb
	}

	cb = NewCircuitBreaker(originID, br.config, br.collector, br.logger)
	br.breakers[originID] = cb
	return cb
}

// Execute runs op under the breaker for the given origin
func (br *BreakerRegistry) Execute(originID string, op func() error) error {
	return br.Get(originID).Execute(op)
}

// States returns the current state of every known breaker
func (br *BreakerRegistry) States() map[string]domain.BreakerState {
	br.mu.RLock()
	defer br.mu.RUnlock()

	states := make(map[string]domain.BreakerState, len(br.breakers))
	for id, cb := range br.breakers {
		states[id] = cb.State()
	}
	return states
}
