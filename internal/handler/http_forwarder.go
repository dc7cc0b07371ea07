package handler

import (
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/mir00r/reverse-proxy/internal/domain"
	proxyerrors "github.com/mir00r/reverse-proxy/internal/errors"
	"github.com/mir00r/reverse-proxy/pkg/logger"
)

// HTTPForwarder converts an inbound request into an outbound request to the
// selected origin and streams the response back. It always completes the
// client exchange itself; the returned error only reports the outcome to the
// breaker and the observer.
type HTTPForwarder struct {
	transport *http.Transport
	proxyID   string
	collector domain.Collector
	logger    *logger.Logger
}

// NewHTTPForwarder creates a new HTTP forwarder. The timeout bounds the dial
// and headers phase; body streaming is bounded only by peer liveness.
func NewHTTPForwarder(proxyID string, timeout time.Duration, collector domain.Collector, log *logger.Logger) *HTTPForwarder {
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout: timeout,
		}).DialContext,
		ResponseHeaderTimeout: timeout,
		MaxIdleConnsPerHost:   32,
		IdleConnTimeout:       90 * time.Second,
		// Origins are spoken to over HTTP/1.1 only
		ForceAttemptHTTP2: false,
	}

	return &HTTPForwarder{
		transport: transport,
		proxyID:   proxyID,
		collector: collector,
		logger:    log.ForwarderLogger("http"),
	}
}

// Forward proxies one plain HTTP exchange to the given origin
func (f *HTTPForwarder) Forward(w http.ResponseWriter, r *http.Request, backend *domain.Backend) error {
	log := f.logger.OriginLogger(backend.ID, backend.URL)

	outReq, err := f.buildUpstreamRequest(r, backend)
	if err != nil {
		log.WithError(err).Error("Failed to build upstream request")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return proxyerrors.Wrap(err, proxyerrors.ErrCodeInternal, "forwarder", "failed to build upstream request")
	}

	resp, err := f.transport.RoundTrip(outReq)
	if err != nil {
		log.WithError(err).Error("Upstream request failed")
		f.collector.RecordUpstreamError(backend.ID)
		http.Error(w, "Bad Gateway", http.StatusBadGateway)

		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			return proxyerrors.Wrap(err, proxyerrors.ErrCodeUpstreamTimeout, "forwarder", "upstream timed out").
				WithMetadata("origin_id", backend.ID)
		}
		return proxyerrors.NewUpstreamUnreachableError(backend.ID, err)
	}
	defer resp.Body.Close()

	// Copy response headers; the content type defaults only when the origin
	// omitted one
	for name, values := range resp.Header {
		for _, value := range values {
			w.Header().Add(name, value)
		}
	}
	if resp.Header.Get("Content-Type") == "" {
		w.Header().Set("Content-Type", "application/octet-stream")
	}

	w.WriteHeader(resp.StatusCode)

	if err := relayBody(w, resp.Body); err != nil {
		if proxyerrors.IsCode(err, proxyerrors.ErrCodeClientWrite) {
			log.WithError(err).Warn("Write to client failed mid-stream")
			return err
		}
		log.WithError(err).Warn("Upstream read failed mid-stream")
		f.collector.RecordUpstreamError(backend.ID)
		return proxyerrors.NewUpstreamUnreachableError(backend.ID, err)
	}

	log.WithField("status_code", resp.StatusCode).Debug("Request forwarded")

	// 5xx responses are forwarded verbatim but still count against the origin
	if resp.StatusCode >= 500 {
		return proxyerrors.NewUpstreamStatusError(backend.ID, resp.StatusCode)
	}
	return nil
}

// relayBody streams the upstream body to the client, keeping read and write
// failures distinguishable
func relayBody(w http.ResponseWriter, body io.Reader) error {
	buffer := make([]byte, 32*1024)
	for {
		n, readErr := body.Read(buffer)
		if n > 0 {
			if _, writeErr := w.Write(buffer[:n]); writeErr != nil {
				return proxyerrors.NewClientWriteError(writeErr)
			}
		}
		if readErr != nil {
			if readErr == io.EOF {
				return nil
			}
			return readErr
		}
	}
}

// buildUpstreamRequest constructs the outbound request: origin authority,
// verbatim inbound path and query, filtered headers plus the forwarding set
func (f *HTTPForwarder) buildUpstreamRequest(r *http.Request, backend *domain.Backend) (*http.Request, error) {
	outURL := &url.URL{
		Scheme:   backend.Target.Scheme,
		Host:     backend.Target.Host,
		Path:     upstreamPath(backend.Target, r.URL.Path),
		RawQuery: r.URL.RawQuery,
	}

	var body io.Reader
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		body = r.Body
	}

	outReq, err := http.NewRequestWithContext(r.Context(), r.Method, outURL.String(), body)
	if err != nil {
		return nil, err
	}

	// Preserve the inbound length so the transport can stream without
	// re-buffering; -1 falls back to chunked encoding
	if body != nil {
		outReq.ContentLength = r.ContentLength
	}

	copyProxyHeaders(outReq.Header, r.Header)
	addForwardedHeaders(outReq.Header, r, f.proxyID)

	return outReq, nil
}
