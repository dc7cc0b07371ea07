package service

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mir00r/reverse-proxy/internal/domain"
)

// Collector implements domain.Collector on a dedicated Prometheus registry.
// The /metrics endpoint serves the registry in text exposition format, which
// carries the required snapshot: requests by method, responses by status
// class, breaker transition tallies and current breaker state per origin.
type Collector struct {
	registry *prometheus.Registry

	requests       *prometheus.CounterVec
	responses      *prometheus.CounterVec
	transitions    *prometheus.CounterVec
	breakerState   *prometheus.GaugeVec
	upstreamErrors *prometheus.CounterVec
}

// NewCollector creates a collector with all metrics registered
func NewCollector() *Collector {
	registry := prometheus.NewRegistry()

	c := &Collector{
		registry: registry,
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "proxy",
			Name:      "requests_total",
			Help:      "Inbound requests by HTTP method.",
		}, []string{"method"}),
		responses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "proxy",
			Name:      "responses_total",
			Help:      "Responses by status class.",
		}, []string{"class"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "proxy",
			Name:      "breaker_transitions_total",
			Help:      "Circuit breaker state transitions per origin.",
		}, []string{"origin", "from", "to"}),
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "proxy",
			Name:      "breaker_state",
			Help:      "Current breaker state per origin (0=closed, 1=open, 2=half-open).",
		}, []string{"origin"}),
		upstreamErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "proxy",
			Name:      "upstream_errors_total",
			Help:      "Transport-level upstream failures per origin.",
		}, []string{"origin"}),
	}

	registry.MustRegister(
		c.requests,
		c.responses,
		c.transitions,
		c.breakerState,
		c.upstreamErrors,
	)

	return c
}

// RecordRequest counts an inbound request by method
func (c *Collector) RecordRequest(method string) {
	c.requests.WithLabelValues(method).Inc()
}

// RecordResponse counts a response by status class
func (c *Collector) RecordResponse(status int) {
	c.responses.WithLabelValues(statusClass(status)).Inc()
}

// RecordBreakerTransition counts a breaker state change and updates the
// per-origin state gauge
func (c *Collector) RecordBreakerTransition(t domain.BreakerTransition) {
	c.transitions.WithLabelValues(t.OriginID, t.From.String(), t.To.String()).Inc()
	c.breakerState.WithLabelValues(t.OriginID).Set(float64(t.To))
}

// RecordUpstreamError counts a transport-level failure per origin
func (c *Collector) RecordUpstreamError(originID string) {
	c.upstreamErrors.WithLabelValues(originID).Inc()
}

// Handler returns the /metrics HTTP handler for this collector's registry
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// statusClass buckets a status code into "1xx".."5xx"
func statusClass(status int) string {
	if status < 100 || status > 599 {
		return "unknown"
	}
	return fmt.Sprintf("%dxx", status/100)
}
