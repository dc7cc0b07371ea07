package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/mir00r/reverse-proxy/internal/service"
)

// HealthHandler reports process liveness and a summary of the request plane
type HealthHandler struct {
	version   string
	startTime time.Time
	balancer  *service.LoadBalancer
	breakers  *service.BreakerRegistry
}

// NewHealthHandler creates a new health check handler
func NewHealthHandler(version string, balancer *service.LoadBalancer, breakers *service.BreakerRegistry) *HealthHandler {
	return &HealthHandler{
		version:   version,
		startTime: time.Now(),
		balancer:  balancer,
		breakers:  breakers,
	}
}

// ServeHTTP serves the health snapshot. While the available set is empty it
// reports status "unhealthy" with a 503 so orchestrators can act on it.
func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	available := h.balancer.AvailableSet()

	status := "healthy"
	statusCode := http.StatusOK
	if len(available) == 0 {
		status = "unhealthy"
		statusCode = http.StatusServiceUnavailable
	}

	breakerStates := make(map[string]string)
	for id, state := range h.breakers.States() {
		breakerStates[id] = state.String()
	}

	response := map[string]interface{}{
		"status":            status,
		"version":           h.version,
		"timestamp":         time.Now().UTC(),
		"uptime_seconds":    int64(time.Since(h.startTime).Seconds()),
		"available_origins": len(available),
		"breaker_states":    breakerStates,
		"balancer":          h.balancer.GetStats(),
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(response)
}
