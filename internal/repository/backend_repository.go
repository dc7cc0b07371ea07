package repository

import (
	"fmt"
	"sync"

	"github.com/mir00r/reverse-proxy/internal/domain"
)

// InMemoryBackendRepository implements domain.BackendRepository. Origins are
// registered at startup and live for the lifetime of the process; only their
// availability bits mutate.
type InMemoryBackendRepository struct {
	mu       sync.RWMutex
	backends map[string]*domain.Backend
	order    []string
}

// NewInMemoryBackendRepository creates a new in-memory origin registry
func NewInMemoryBackendRepository() *InMemoryBackendRepository {
	return &InMemoryBackendRepository{
		backends: make(map[string]*domain.Backend),
	}
}

// GetAll returns all origins in registration order
func (r *InMemoryBackendRepository) GetAll() ([]*domain.Backend, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	backends := make([]*domain.Backend, 0, len(r.order))
	for _, id := range r.order {
		backends = append(backends, r.backends[id])
	}
	return backends, nil
}

// GetByID returns an origin by its ID
func (r *InMemoryBackendRepository) GetByID(id string) (*domain.Backend, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	backend, exists := r.backends[id]
	if !exists {
		return nil, fmt.Errorf("origin with ID '%s' not found", id)
	}
	return backend, nil
}

// Save registers an origin
func (r *InMemoryBackendRepository) Save(backend *domain.Backend) error {
	if backend == nil {
		return fmt.Errorf("origin cannot be nil")
	}
	if backend.ID == "" {
		return fmt.Errorf("origin ID cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.backends[backend.ID]; !exists {
		r.order = append(r.order, backend.ID)
	}
	r.backends[backend.ID] = backend
	return nil
}

// SaveAll registers multiple origins
func (r *InMemoryBackendRepository) SaveAll(backends []*domain.Backend) error {
	for _, backend := range backends {
		if err := r.Save(backend); err != nil {
			return err
		}
	}
	return nil
}

// GetAvailable returns only origins whose availability bit is set, in
// registration order. The slice is a snapshot; the eligible set may change
// immediately after it is taken.
func (r *InMemoryBackendRepository) GetAvailable() ([]*domain.Backend, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	available := make([]*domain.Backend, 0, len(r.order))
	for _, id := range r.order {
		if backend := r.backends[id]; backend.IsAvailable() {
			available = append(available, backend)
		}
	}
	return available, nil
}

// MarkFailed clears the availability bit for an origin. Unknown IDs are
// ignored.
func (r *InMemoryBackendRepository) MarkFailed(id string) {
	r.mu.RLock()
	backend, exists := r.backends[id]
	r.mu.RUnlock()

	if exists {
		backend.MarkFailed()
	}
}

// MarkAvailable sets the availability bit for an origin. Unknown IDs are
// ignored.
func (r *InMemoryBackendRepository) MarkAvailable(id string) {
	r.mu.RLock()
	backend, exists := r.backends[id]
	r.mu.RUnlock()

	if exists {
		backend.MarkAvailable()
	}
}

// GetStats returns registry statistics
func (r *InMemoryBackendRepository) GetStats() map[string]interface{} {
	r.mu.RLock()
	defer r.mu.RUnlock()

	available := 0
	for _, backend := range r.backends {
		if backend.IsAvailable() {
			available++
		}
	}

	return map[string]interface{}{
		"total_origins":     len(r.backends),
		"available_origins": available,
	}
}
