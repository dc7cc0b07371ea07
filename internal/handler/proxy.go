package handler

import (
	"net/http"

	"github.com/mir00r/reverse-proxy/internal/domain"
	proxyerrors "github.com/mir00r/reverse-proxy/internal/errors"
	"github.com/mir00r/reverse-proxy/internal/service"
	"github.com/mir00r/reverse-proxy/pkg/logger"
)

// forwarder is the shared shape of the three protocol adapters
type forwarder interface {
	Forward(w http.ResponseWriter, r *http.Request, backend *domain.Backend) error
}

// ProxyHandler is the request-plane entry point. Admission has already
// happened in the security gate by the time a request lands here; this
// handler selects an origin, gates the exchange through that origin's
// breaker and dispatches to the protocol adapter.
type ProxyHandler struct {
	balancer *service.LoadBalancer
	breakers *service.BreakerRegistry
	httpFwd  *HTTPForwarder
	wsFwd    *WebSocketForwarder
	sseFwd   *SSEForwarder
	logger   *logger.Logger
}

// NewProxyHandler creates the proxy entry handler
func NewProxyHandler(
	balancer *service.LoadBalancer,
	breakers *service.BreakerRegistry,
	httpFwd *HTTPForwarder,
	wsFwd *WebSocketForwarder,
	sseFwd *SSEForwarder,
	log *logger.Logger,
) *ProxyHandler {
	return &ProxyHandler{
		balancer: balancer,
		breakers: breakers,
		httpFwd:  httpFwd,
		wsFwd:    wsFwd,
		sseFwd:   sseFwd,
		logger:   log,
	}
}

// ServeHTTP handles one proxied exchange
func (h *ProxyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	backend, err := h.balancer.Select(r.Context())
	if err != nil {
		h.logger.WithError(err).Warn("No origin available for request")
		http.Error(w, "Service temporarily unavailable", http.StatusServiceUnavailable)
		return
	}

	if requestCtx, ok := domain.RequestContextFrom(r.Context()); ok {
		requestCtx.OriginID = backend.ID
	}

	adapter := h.chooseAdapter(r)

	err = h.breakers.Execute(backend.ID, func() error {
		return adapter.Forward(w, r, backend)
	})

	if err == nil {
		backend.IncrementRequests()
		h.balancer.MarkAvailable(backend.ID)
		return
	}

	switch proxyerrors.GetCode(err) {
	case proxyerrors.ErrCodeCircuitOpen:
		// The adapter never ran; nothing was written yet
		http.Error(w, "Service temporarily unavailable", http.StatusServiceUnavailable)

	case proxyerrors.ErrCodeUpstreamUnreachable, proxyerrors.ErrCodeUpstreamTimeout:
		// The origin could not be reached at all; take it out of rotation
		// until the janitor re-admits it
		backend.IncrementFailures()
		h.balancer.MarkFailed(backend.ID)

	default:
		if proxyerrors.CountsAsFailure(err) {
			backend.IncrementFailures()
		}
	}
}

// chooseAdapter dispatches by upgrade handshake and Accept header. Anything
// that is neither a WebSocket upgrade nor a GET for an event stream takes
// the plain HTTP path.
func (h *ProxyHandler) chooseAdapter(r *http.Request) forwarder {
	if IsWebSocketUpgrade(r) {
		return h.wsFwd
	}
	if IsSSERequest(r) {
		return h.sseFwd
	}
	return h.httpFwd
}
