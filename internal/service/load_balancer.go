package service

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mir00r/reverse-proxy/internal/domain"
	proxyerrors "github.com/mir00r/reverse-proxy/internal/errors"
	"github.com/mir00r/reverse-proxy/internal/repository"
	"github.com/mir00r/reverse-proxy/pkg/logger"
)

// rrCounterLimit is the sentinel at which the round-robin counter wraps back
// to zero so it never overflows
const rrCounterLimit = math.MaxUint64 - (1 << 16)

// LoadBalancer implements domain.LoadBalancer over the origin registry
type LoadBalancer struct {
	config   domain.BalancerConfig
	repo     *repository.InMemoryBackendRepository
	logger   *logger.Logger
	strategy BalancingStrategy

	// Round robin state
	roundRobinIndex uint64
}

// BalancingStrategy defines the interface for origin selection strategies
type BalancingStrategy interface {
	SelectBackend(ctx context.Context, backends []*domain.Backend) (*domain.Backend, error)
	Name() string
}

// RoundRobinStrategy implements round-robin selection over the available set
type RoundRobinStrategy struct {
	index *uint64
}

// NewRoundRobinStrategy creates a new round-robin strategy
func NewRoundRobinStrategy(index *uint64) *RoundRobinStrategy {
	return &RoundRobinStrategy{index: index}
}

// SelectBackend selects the next origin using round-robin. The modulus is
// taken against the available subset snapshotted by the caller.
func (s *RoundRobinStrategy) SelectBackend(ctx context.Context, backends []*domain.Backend) (*domain.Backend, error) {
	if len(backends) == 0 {
		return nil, proxyerrors.NewNoOriginsError()
	}

	next := atomic.AddUint64(s.index, 1)
	if next >= rrCounterLimit {
		atomic.StoreUint64(s.index, 0)
	}
	return backends[(next-1)%uint64(len(backends))], nil
}

// Name returns the strategy name
func (s *RoundRobinStrategy) Name() string {
	return string(domain.RoundRobinStrategy)
}

// RandomStrategy implements uniform random selection over the available set
type RandomStrategy struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewRandomStrategy creates a new random strategy seeded at construction
func NewRandomStrategy() *RandomStrategy {
	return &RandomStrategy{
		rng: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// SelectBackend picks a uniformly random origin from the available set
func (s *RandomStrategy) SelectBackend(ctx context.Context, backends []*domain.Backend) (*domain.Backend, error) {
	if len(backends) == 0 {
		return nil, proxyerrors.NewNoOriginsError()
	}

	s.mu.Lock()
	idx := s.rng.Intn(len(backends))
	s.mu.Unlock()

	return backends[idx], nil
}

// Name returns the strategy name
func (s *RandomStrategy) Name() string {
	return string(domain.RandomStrategy)
}

// NewLoadBalancer creates a new load balancer instance. Unknown strategy
// names are refused.
func NewLoadBalancer(
	config domain.BalancerConfig,
	repo *repository.InMemoryBackendRepository,
	logger *logger.Logger,
) (*LoadBalancer, error) {

	lb := &LoadBalancer{
		config: config,
		repo:   repo,
		logger: logger.BalancerLogger(),
	}

	switch config.Strategy {
	case domain.RoundRobinStrategy:
		lb.strategy = NewRoundRobinStrategy(&lb.roundRobinIndex)
	case domain.RandomStrategy:
		lb.strategy = NewRandomStrategy()
	default:
		return nil, fmt.Errorf("unsupported balancing strategy: %s", config.Strategy)
	}

	lb.logger.Infof("Balancing strategy set to: %s", lb.strategy.Name())
	return lb, nil
}

// Select returns the next available origin based on the configured strategy
func (lb *LoadBalancer) Select(ctx context.Context) (*domain.Backend, error) {
	backends, err := lb.repo.GetAvailable()
	if err != nil {
		return nil, fmt.Errorf("failed to get available origins: %w", err)
	}

	if len(backends) == 0 {
		return nil, proxyerrors.NewNoOriginsError()
	}

	backend, err := lb.strategy.SelectBackend(ctx, backends)
	if err != nil {
		return nil, err
	}

	lb.logger.WithField("origin_id", backend.ID).
		WithField("strategy", lb.strategy.Name()).
		Debug("Selected origin for request")

	return backend, nil
}

// MarkFailed clears the availability bit for an origin
func (lb *LoadBalancer) MarkFailed(id string) {
	lb.repo.MarkFailed(id)
	lb.logger.WithField("origin_id", id).Warn("Origin marked unavailable")
}

// MarkAvailable sets the availability bit for an origin
func (lb *LoadBalancer) MarkAvailable(id string) {
	lb.repo.MarkAvailable(id)
}

// AvailableSet returns a snapshot of the currently eligible origins
func (lb *LoadBalancer) AvailableSet() []*domain.Backend {
	backends, err := lb.repo.GetAvailable()
	if err != nil {
		lb.logger.WithError(err).Error("Failed to get available origins")
		return []*domain.Backend{}
	}
	return backends
}

// GetStats returns load balancer statistics
func (lb *LoadBalancer) GetStats() map[string]interface{} {
	return map[string]interface{}{
		"strategy": lb.strategy.Name(),
		"origins":  lb.repo.GetStats(),
	}
}
