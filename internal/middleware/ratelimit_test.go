package middleware

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mir00r/reverse-proxy/internal/domain"
)

func TestFixedWindowLimiterEnforcesLimit(t *testing.T) {
	t.Parallel()

	limiter, err := NewRateLimiter(domain.RateLimitConfig{
		Enabled: true,
		Limit:   3,
		Window:  time.Hour, // wide window so the test never crosses an edge
		Mode:    domain.RateModeFixedWindow,
	}, newTestLogger(t))
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		assert.True(t, limiter.Allow("1.2.3.4"), "request %d should be admitted", i+1)
	}
	assert.False(t, limiter.Allow("1.2.3.4"))

	// Separate keys do not share cells
	assert.True(t, limiter.Allow("5.6.7.8"))
}

func TestFixedWindowLimiterResetsOnWindowChange(t *testing.T) {
	t.Parallel()

	limiter, err := NewRateLimiter(domain.RateLimitConfig{
		Enabled: true,
		Limit:   2,
		Window:  100 * time.Millisecond,
		Mode:    domain.RateModeFixedWindow,
	}, newTestLogger(t))
	require.NoError(t, err)

	assert.True(t, limiter.Allow("1.2.3.4"))
	assert.True(t, limiter.Allow("1.2.3.4"))
	assert.False(t, limiter.Allow("1.2.3.4"))

	time.Sleep(150 * time.Millisecond)

	assert.True(t, limiter.Allow("1.2.3.4"), "a new window starts with a fresh count")
}

func TestFixedWindowLimiterEvict(t *testing.T) {
	t.Parallel()

	limiter, err := NewRateLimiter(domain.RateLimitConfig{
		Enabled: true,
		Limit:   1,
		Window:  time.Second,
		Mode:    domain.RateModeFixedWindow,
	}, newTestLogger(t))
	require.NoError(t, err)

	limiter.Allow("1.2.3.4")
	limiter.Allow("5.6.7.8")

	assert.Equal(t, 0, limiter.Evict(time.Minute), "fresh cells stay")
	assert.Equal(t, 2, limiter.Evict(0), "idle cells go")
}

func TestSmoothLimiterAdmitsBurstThenThrottles(t *testing.T) {
	t.Parallel()

	limiter, err := NewRateLimiter(domain.RateLimitConfig{
		Enabled: true,
		Limit:   5,
		Window:  time.Hour, // negligible refill during the test
		Mode:    domain.RateModeSmooth,
	}, newTestLogger(t))
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		assert.True(t, limiter.Allow("1.2.3.4"), "burst request %d should be admitted", i+1)
	}
	assert.False(t, limiter.Allow("1.2.3.4"))
}

func TestRateLimiterUnknownModeRefused(t *testing.T) {
	t.Parallel()

	_, err := NewRateLimiter(domain.RateLimitConfig{
		Enabled: true,
		Limit:   1,
		Window:  time.Second,
		Mode:    "sliding_log",
	}, newTestLogger(t))
	assert.Error(t, err)
}
