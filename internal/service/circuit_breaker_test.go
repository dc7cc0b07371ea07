package service

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mir00r/reverse-proxy/internal/domain"
	"github.com/mir00r/reverse-proxy/internal/errors"
)

// stubCollector records breaker transitions for assertions
type stubCollector struct {
	mu          sync.Mutex
	transitions []domain.BreakerTransition
}

func (c *stubCollector) RecordRequest(method string) {}
func (c *stubCollector) RecordResponse(status int)   {}
func (c *stubCollector) RecordBreakerTransition(t domain.BreakerTransition) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.transitions = append(c.transitions, t)
}
func (c *stubCollector) RecordUpstreamError(originID string) {}

func (c *stubCollector) recorded() []domain.BreakerTransition {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.BreakerTransition, len(c.transitions))
	copy(out, c.transitions)
	return out
}

// failingOp simulates an exchange that counted as a failure
func failingOp() error {
	return errors.NewUpstreamStatusError("b1", 500)
}

func newTestBreaker(t *testing.T, threshold int, dwell time.Duration) (*CircuitBreaker, *stubCollector) {
	t.Helper()
	collector := &stubCollector{}
	cb := NewCircuitBreaker("b1", domain.BreakerConfig{
		FailureThreshold: threshold,
		OpenDuration:     dwell,
	}, collector, newTestLogger(t))
	return cb, collector
}

func TestBreakerOpensAtThreshold(t *testing.T) {
	t.Parallel()

	cb, collector := newTestBreaker(t, 3, time.Minute)

	assert.Equal(t, domain.BreakerClosed, cb.State())

	for i := 0; i < 2; i++ {
		require.Error(t, cb.Execute(failingOp))
		assert.Equal(t, domain.BreakerClosed, cb.State())
	}

	require.Error(t, cb.Execute(failingOp))
	assert.Equal(t, domain.BreakerOpen, cb.State())

	transitions := collector.recorded()
	require.Len(t, transitions, 1)
	assert.Equal(t, domain.BreakerClosed, transitions[0].From)
	assert.Equal(t, domain.BreakerOpen, transitions[0].To)
	assert.Equal(t, "b1", transitions[0].OriginID)
}

func TestBreakerSuccessResetsCounter(t *testing.T) {
	t.Parallel()

	cb, _ := newTestBreaker(t, 3, time.Minute)

	require.Error(t, cb.Execute(failingOp))
	require.Error(t, cb.Execute(failingOp))
	require.NoError(t, cb.Execute(func() error { return nil }))
	assert.Equal(t, int64(0), cb.Failures())

	// Two more failures must not trip the breaker after the reset
	require.Error(t, cb.Execute(failingOp))
	require.Error(t, cb.Execute(failingOp))
	assert.Equal(t, domain.BreakerClosed, cb.State())
}

func TestBreakerShortCircuitsDuringDwell(t *testing.T) {
	t.Parallel()

	cb, _ := newTestBreaker(t, 1, 200*time.Millisecond)

	require.Error(t, cb.Execute(failingOp))
	require.Equal(t, domain.BreakerOpen, cb.State())

	executed := false
	err := cb.Execute(func() error {
		executed = true
		return nil
	})
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeCircuitOpen))
	assert.False(t, executed, "no call may pass through while the dwell is running")
}

func TestBreakerProbeClosesOnSuccess(t *testing.T) {
	t.Parallel()

	cb, collector := newTestBreaker(t, 1, 50*time.Millisecond)

	require.Error(t, cb.Execute(failingOp))
	time.Sleep(80 * time.Millisecond)

	executed := false
	require.NoError(t, cb.Execute(func() error {
		executed = true
		return nil
	}))

	assert.True(t, executed, "the first call after the dwell is the probe")
	assert.Equal(t, domain.BreakerClosed, cb.State())
	assert.Equal(t, int64(0), cb.Failures())

	transitions := collector.recorded()
	require.Len(t, transitions, 3)
	assert.Equal(t, domain.BreakerOpen, transitions[1].From)
	assert.Equal(t, domain.BreakerHalfOpen, transitions[1].To)
	assert.Equal(t, domain.BreakerHalfOpen, transitions[2].From)
	assert.Equal(t, domain.BreakerClosed, transitions[2].To)
}

func TestBreakerProbeReopensOnFailure(t *testing.T) {
	t.Parallel()

	cb, _ := newTestBreaker(t, 1, 50*time.Millisecond)

	require.Error(t, cb.Execute(failingOp))
	time.Sleep(80 * time.Millisecond)

	require.Error(t, cb.Execute(failingOp))
	assert.Equal(t, domain.BreakerOpen, cb.State())

	// The open timestamp was refreshed, so the very next call short-circuits
	err := cb.Execute(func() error { return nil })
	assert.True(t, errors.IsCode(err, errors.ErrCodeCircuitOpen))
}

func TestBreakerProbeRaceAdmitsOneWinner(t *testing.T) {
	t.Parallel()

	cb, collector := newTestBreaker(t, 1, 50*time.Millisecond)

	require.Error(t, cb.Execute(failingOp))
	time.Sleep(80 * time.Millisecond)

	var executed, rejected atomic.Int64
	start := make(chan struct{})
	var wg sync.WaitGroup

	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			err := cb.Execute(func() error {
				executed.Add(1)
				time.Sleep(100 * time.Millisecond) // hold the probe in flight
				return nil
			})
			if errors.IsCode(err, errors.ErrCodeCircuitOpen) {
				rejected.Add(1)
			}
		}()
	}

	close(start)
	wg.Wait()

	assert.Equal(t, int64(1), executed.Load(), "exactly one caller may win the probe")
	assert.Equal(t, int64(15), rejected.Load())

	// Exactly one open -> half-open transition was applied
	halfOpens := 0
	for _, tr := range collector.recorded() {
		if tr.From == domain.BreakerOpen && tr.To == domain.BreakerHalfOpen {
			halfOpens++
		}
	}
	assert.Equal(t, 1, halfOpens)
}

func TestBreakerClosedCallsRunConcurrently(t *testing.T) {
	t.Parallel()

	cb, _ := newTestBreaker(t, 50, time.Minute)

	// Two closed-state calls must make progress at the same time: no state
	// is held across the operation itself
	gate := make(chan struct{})
	var inFlight atomic.Int64
	var peak atomic.Int64

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = cb.Execute(func() error {
				n := inFlight.Add(1)
				if n > peak.Load() {
					peak.Store(n)
				}
				<-gate
				inFlight.Add(-1)
				return nil
			})
		}()
	}

	assert.Eventually(t, func() bool { return peak.Load() == 2 },
		time.Second, time.Millisecond, "both calls should be in flight together")
	close(gate)
	wg.Wait()
}

func TestBreakerIgnoresNonFailureErrors(t *testing.T) {
	t.Parallel()

	cb, _ := newTestBreaker(t, 1, time.Minute)

	// Admission-class errors pass through without tripping the breaker
	err := cb.Execute(func() error {
		return errors.NewAccessDeniedError("10.0.0.1")
	})
	require.Error(t, err)
	assert.Equal(t, domain.BreakerClosed, cb.State())
}

func TestBreakerRegistryCreatesLazily(t *testing.T) {
	t.Parallel()

	collector := &stubCollector{}
	registry := NewBreakerRegistry(domain.BreakerConfig{
		FailureThreshold: 1,
		OpenDuration:     time.Minute,
	}, collector, newTestLogger(t))

	assert.Empty(t, registry.States())

	require.NoError(t, registry.Execute("b1", func() error { return nil }))
	require.Error(t, registry.Execute("b2", failingOp))

	states := registry.States()
	require.Len(t, states, 2)
	assert.Equal(t, domain.BreakerClosed, states["b1"])
	assert.Equal(t, domain.BreakerOpen, states["b2"])

	// Same breaker instance on repeat use
	assert.Same(t, registry.Get("b1"), registry.Get("b1"))
}

func TestBreakerTransitionsTotallyOrderedPerOrigin(t *testing.T) {
	t.Parallel()

	cb, collector := newTestBreaker(t, 1, 10*time.Millisecond)

	for i := 0; i < 5; i++ {
		require.Error(t, cb.Execute(failingOp))
		time.Sleep(20 * time.Millisecond)
	}

	// Every recorded transition must chain from the previous one
	transitions := collector.recorded()
	for i := 1; i < len(transitions); i++ {
		assert.Equal(t, transitions[i-1].To, transitions[i].From,
			"transition %d does not chain", i)
	}
}
