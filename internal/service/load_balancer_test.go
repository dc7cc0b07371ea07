package service

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mir00r/reverse-proxy/internal/domain"
	"github.com/mir00r/reverse-proxy/internal/errors"
	"github.com/mir00r/reverse-proxy/internal/repository"
	"github.com/mir00r/reverse-proxy/pkg/logger"
)

// newTestLogger creates a quiet logger for tests
func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New(logger.Config{
		Level:  "error",
		Format: "text",
		Output: "stdout",
	})
	require.NoError(t, err)
	return log
}

// newTestRepo registers the given origin IDs on localhost URLs
func newTestRepo(t *testing.T, ids ...string) *repository.InMemoryBackendRepository {
	t.Helper()
	repo := repository.NewInMemoryBackendRepository()
	for i, id := range ids {
		backend, err := domain.NewBackend(id, fmt.Sprintf("http://127.0.0.1:%d", 9001+i), 1)
		require.NoError(t, err)
		require.NoError(t, repo.Save(backend))
	}
	return repo
}

func TestRoundRobinDistribution(t *testing.T) {
	t.Parallel()

	repo := newTestRepo(t, "b1", "b2", "b3")
	lb, err := NewLoadBalancer(domain.BalancerConfig{Strategy: domain.RoundRobinStrategy}, repo, newTestLogger(t))
	require.NoError(t, err)

	counts := make(map[string]int)
	for i := 0; i < 9; i++ {
		backend, err := lb.Select(context.Background())
		require.NoError(t, err)
		counts[backend.ID]++
	}

	// Over a stable available set each origin is picked an equal share
	assert.Equal(t, 3, counts["b1"])
	assert.Equal(t, 3, counts["b2"])
	assert.Equal(t, 3, counts["b3"])
}

func TestRoundRobinFairnessWithinOne(t *testing.T) {
	t.Parallel()

	repo := newTestRepo(t, "b1", "b2", "b3")
	lb, err := NewLoadBalancer(domain.BalancerConfig{Strategy: domain.RoundRobinStrategy}, repo, newTestLogger(t))
	require.NoError(t, err)

	const calls = 100
	counts := make(map[string]int)
	for i := 0; i < calls; i++ {
		backend, err := lb.Select(context.Background())
		require.NoError(t, err)
		counts[backend.ID]++
	}

	for id, count := range counts {
		assert.InDelta(t, calls/3, count, 1, "origin %s outside fairness bound", id)
	}
}

func TestMarkFailedExcludesOrigin(t *testing.T) {
	t.Parallel()

	repo := newTestRepo(t, "b1", "b2")
	lb, err := NewLoadBalancer(domain.BalancerConfig{Strategy: domain.RoundRobinStrategy}, repo, newTestLogger(t))
	require.NoError(t, err)

	lb.MarkFailed("b1")

	for i := 0; i < 10; i++ {
		backend, err := lb.Select(context.Background())
		require.NoError(t, err)
		assert.NotEqual(t, "b1", backend.ID)
	}

	lb.MarkAvailable("b1")

	seen := make(map[string]bool)
	for i := 0; i < 10; i++ {
		backend, err := lb.Select(context.Background())
		require.NoError(t, err)
		seen[backend.ID] = true
	}
	assert.True(t, seen["b1"], "b1 should be selectable again after MarkAvailable")
}

func TestSelectEmptyAvailableSet(t *testing.T) {
	t.Parallel()

	repo := newTestRepo(t, "b1")
	lb, err := NewLoadBalancer(domain.BalancerConfig{Strategy: domain.RoundRobinStrategy}, repo, newTestLogger(t))
	require.NoError(t, err)

	lb.MarkFailed("b1")

	_, err = lb.Select(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeNoOrigins))
}

func TestRandomStrategySingleOrigin(t *testing.T) {
	t.Parallel()

	repo := newTestRepo(t, "b1")
	lb, err := NewLoadBalancer(domain.BalancerConfig{Strategy: domain.RandomStrategy}, repo, newTestLogger(t))
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		backend, err := lb.Select(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "b1", backend.ID)
	}
}

func TestRandomStrategyCoversAllOrigins(t *testing.T) {
	t.Parallel()

	repo := newTestRepo(t, "b1", "b2", "b3")
	lb, err := NewLoadBalancer(domain.BalancerConfig{Strategy: domain.RandomStrategy}, repo, newTestLogger(t))
	require.NoError(t, err)

	seen := make(map[string]bool)
	for i := 0; i < 200; i++ {
		backend, err := lb.Select(context.Background())
		require.NoError(t, err)
		seen[backend.ID] = true
	}

	assert.Len(t, seen, 3, "uniform selection should eventually cover every origin")
}

func TestUnknownStrategyRefused(t *testing.T) {
	t.Parallel()

	repo := newTestRepo(t, "b1")
	_, err := NewLoadBalancer(domain.BalancerConfig{Strategy: "least_connections"}, repo, newTestLogger(t))
	assert.Error(t, err)
}

func TestConcurrentSelection(t *testing.T) {
	t.Parallel()

	repo := newTestRepo(t, "b1", "b2")
	lb, err := NewLoadBalancer(domain.BalancerConfig{Strategy: domain.RoundRobinStrategy}, repo, newTestLogger(t))
	require.NoError(t, err)

	done := make(chan struct{})
	for g := 0; g < 8; g++ {
		go func() {
			defer func() { done <- struct{}{} }()
			for i := 0; i < 200; i++ {
				if _, err := lb.Select(context.Background()); err != nil {
					t.Error(err)
					return
				}
				lb.MarkFailed("b1")
				lb.MarkAvailable("b1")
			}
		}()
	}
	for g := 0; g < 8; g++ {
		<-done
	}
}
