package handler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mir00r/reverse-proxy/internal/domain"
	proxyerrors "github.com/mir00r/reverse-proxy/internal/errors"
	"github.com/mir00r/reverse-proxy/pkg/logger"
)

// SSEForwarder relays text/event-stream responses. It injects an initial
// retry directive and periodic heartbeat comments; all client writes happen
// under a per-exchange mutex so a heartbeat never lands mid-event.
type SSEForwarder struct {
	config    domain.SSEConfig
	transport *http.Transport
	proxyID   string
	collector domain.Collector
	logger    *logger.Logger
}

// NewSSEForwarder creates a new SSE forwarder. The timeout bounds the dial
// and headers phase only; the stream itself lives as long as both peers do.
func NewSSEForwarder(config domain.SSEConfig, proxyID string, timeout time.Duration, collector domain.Collector, log *logger.Logger) *SSEForwarder {
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout: timeout,
		}).DialContext,
		ResponseHeaderTimeout: timeout,
		ForceAttemptHTTP2:     false,
	}

	return &SSEForwarder{
		config:    config,
		transport: transport,
		proxyID:   proxyID,
		collector: collector,
		logger:    log.ForwarderLogger("sse"),
	}
}

// IsSSERequest checks if the request asks for an event stream
func IsSSERequest(r *http.Request) bool {
	return r.Method == http.MethodGet &&
		strings.Contains(r.Header.Get("Accept"), "text/event-stream")
}

// Forward proxies one event-stream exchange to the given origin
func (f *SSEForwarder) Forward(w http.ResponseWriter, r *http.Request, backend *domain.Backend) error {
	log := f.logger.OriginLogger(backend.ID, backend.URL)

	outURL := &url.URL{
		Scheme:   backend.Target.Scheme,
		Host:     backend.Target.Host,
		Path:     upstreamPath(backend.Target, r.URL.Path),
		RawQuery: r.URL.RawQuery,
	}

	// The upstream request rides the client's context so a disconnect tears
	// the relay down
	outReq, err := http.NewRequestWithContext(r.Context(), http.MethodGet, outURL.String(), nil)
	if err != nil {
		log.WithError(err).Error("Failed to build upstream request")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return proxyerrors.Wrap(err, proxyerrors.ErrCodeInternal, "forwarder", "failed to build upstream request")
	}

	copyProxyHeaders(outReq.Header, r.Header)
	addForwardedHeaders(outReq.Header, r, f.proxyID)
	outReq.Header.Set("Accept", "text/event-stream")
	outReq.Header.Set("Cache-Control", "no-cache")

	resp, err := f.transport.RoundTrip(outReq)
	if err != nil {
		log.WithError(err).Error("Upstream request failed")
		f.collector.RecordUpstreamError(backend.ID)
		http.Error(w, "Bad Gateway", http.StatusBadGateway)
		return proxyerrors.NewUpstreamUnreachableError(backend.ID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		log.WithField("status_code", resp.StatusCode).Warn("Origin rejected event-stream request")
		http.Error(w, "Bad Gateway", http.StatusBadGateway)
		return proxyerrors.NewUpstreamStatusError(backend.ID, resp.StatusCode)
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		log.Error("ResponseWriter does not support flushing")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return proxyerrors.New(proxyerrors.ErrCodeInternal, "forwarder", "flushing unsupported")
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	log.WithField("client", r.RemoteAddr).Info("Event stream opened")

	return f.relay(w, flusher, resp.Body, backend, log)
}

// relay streams upstream bytes to the client and runs the heartbeat task
func (f *SSEForwarder) relay(w http.ResponseWriter, flusher http.Flusher, upstream io.Reader, backend *domain.Backend, log *logger.Logger) error {
	var (
		writeMu      sync.Mutex
		relayedSince atomic.Bool
	)

	// The retry directive is the first thing on the wire
	writeMu.Lock()
	_, err := fmt.Fprintf(w, "retry: %d\n\n", f.config.RetryHint.Milliseconds())
	if err == nil {
		flusher.Flush()
	}
	writeMu.Unlock()
	if err != nil {
		return proxyerrors.NewClientWriteError(err)
	}

	heartbeatDone := make(chan struct{})
	var heartbeatExited sync.WaitGroup
	heartbeatExited.Add(1)
	defer func() {
		close(heartbeatDone)
		heartbeatExited.Wait()
	}()

	go func() {
		defer heartbeatExited.Done()
		ticker := time.NewTicker(f.config.HeartbeatInterval)
		defer ticker.Stop()

		for {
			select {
			case <-heartbeatDone:
				return
			case <-ticker.C:
				// Skip the beat when real data flowed since the last tick
				if relayedSince.Swap(false) {
					continue
				}

				writeMu.Lock()
				_, err := io.WriteString(w, ": heartbeat\n\n")
				if err == nil {
					flusher.Flush()
				}
				writeMu.Unlock()
				if err != nil {
					return
				}
			}
		}
	}()

	// Small fixed buffer; every chunk is flushed so event boundaries are
	// never held back
	buffer := make([]byte, 4096)
	for {
		n, readErr := upstream.Read(buffer)
		if n > 0 {
			writeMu.Lock()
			_, writeErr := w.Write(buffer[:n])
			if writeErr == nil {
				flusher.Flush()
			}
			writeMu.Unlock()

			if writeErr != nil {
				log.WithError(writeErr).Warn("Write to client failed mid-stream")
				return proxyerrors.NewClientWriteError(writeErr)
			}
			relayedSince.Store(true)
		}

		if readErr != nil {
			if readErr == io.EOF {
				log.Debug("Event stream ended")
				return nil
			}
			if errors.Is(readErr, context.Canceled) {
				log.Debug("Client left the event stream")
				return nil
			}
			log.WithError(readErr).Warn("Upstream read failed mid-stream")
			f.collector.RecordUpstreamError(backend.ID)
			return proxyerrors.NewUpstreamUnreachableError(backend.ID, readErr)
		}
	}
}
