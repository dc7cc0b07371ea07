package handler

import (
	"bufio"
	"crypto/tls"
	"errors"
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

// WebSocket control frames written by the proxy on the server side. Frames
// from the proxy to the client are unmasked per RFC 6455.
var (
	wsPingFrame = []byte{0x89, 0x00}
	// Close frame with status 1001 (going away)
	wsCloseGoingAway = []byte{0x88, 0x02, 0x03, 0xE9}
)

// WebSocketForwarder completes the server-side upgrade with the client,
// dials the origin with a matching upgrade request and splices bytes in both
// directions. Frame boundaries and opcodes pass through verbatim because the
// splice never reframes.
type WebSocketForwarder struct {
	config      domain.WebSocketConfig
	proxyID     string
	dialTimeout time.Duration
	collector   domain.Collector
	logger      *logger.Logger
}

// NewWebSocketForwarder creates a new WebSocket forwarder
func NewWebSocketForwarder(config domain.WebSocketConfig, proxyID string, dialTimeout time.Duration, collector domain.Collector, log *logger.Logger) *WebSocketForwarder {
	return &WebSocketForwarder{
		config:      config,
		proxyID:     proxyID,
		dialTimeout: dialTimeout,
		collector:   collector,
		logger:      log.ForwarderLogger("websocket"),
	}
}

// IsWebSocketUpgrade checks if the request carries a WebSocket upgrade
// handshake
func IsWebSocketUpgrade(r *http.Request) bool {
	if !strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		return false
	}
	for _, token := range strings.Split(r.Header.Get("Connection"), ",") {
		if strings.EqualFold(strings.TrimSpace(token), "upgrade") {
			return true
		}
	}
	return false
}

// Forward proxies one WebSocket exchange to the given origin
func (f *WebSocketForwarder) Forward(w http.ResponseWriter, r *http.Request, backend *domain.Backend) error {
	log := f.logger.OriginLogger(backend.ID, backend.URL)

	originConn, err := f.dialOrigin(backend.Target)
	if err != nil {
		log.WithError(err).Error("Failed to dial origin for WebSocket")
		f.collector.RecordUpstreamError(backend.ID)
		http.Error(w, "Bad Gateway", http.StatusBadGateway)
		return proxyerrors.NewUpstreamUnreachableError(backend.ID, err)
	}
	defer originConn.Close()

	// Send the upgrade request with filtered headers and the forwarding set
	outReq := f.buildUpgradeRequest(r, backend)
	if err := outReq.Write(originConn); err != nil {
		log.WithError(err).Error("Failed to send upgrade request to origin")
		f.collector.RecordUpstreamError(backend.ID)
		http.Error(w, "Bad Gateway", http.StatusBadGateway)
		return proxyerrors.NewUpstreamUnreachableError(backend.ID, err)
	}

	originReader := bufio.NewReader(originConn)
	resp, err := http.ReadResponse(originReader, outReq)
	if err != nil {
		log.WithError(err).Error("Failed to read upgrade response from origin")
		f.collector.RecordUpstreamError(backend.ID)
		http.Error(w, "Bad Gateway", http.StatusBadGateway)
		return proxyerrors.NewUpstreamUnreachableError(backend.ID, err)
	}

	if resp.StatusCode != http.StatusSwitchingProtocols {
		log.WithField("status_code", resp.StatusCode).Warn("Origin rejected WebSocket upgrade")

		// Forward the rejection as-is
		for name, values := range resp.Header {
			w.Header()[name] = values
		}
		w.WriteHeader(resp.StatusCode)
		io.Copy(w, resp.Body)
		resp.Body.Close()

		if resp.StatusCode >= 500 {
			return proxyerrors.NewUpstreamStatusError(backend.ID, resp.StatusCode)
		}
		return nil
	}

	hijacker, ok := w.(http.Hijacker)
	if !ok {
		log.Error("ResponseWriter does not support hijacking")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return proxyerrors.New(proxyerrors.ErrCodeInternal, "forwarder", "hijacking unsupported")
	}

	clientConn, clientBuf, err := hijacker.Hijack()
	if err != nil {
		log.WithError(err).Error("Failed to hijack client connection")
		return proxyerrors.Wrap(err, proxyerrors.ErrCodeInternal, "forwarder", "hijack failed")
	}
	defer clientConn.Close()

	// Replay the successful upgrade response to the client
	if err := resp.Write(clientConn); err != nil {
		log.WithError(err).Error("Failed to send upgrade response to client")
		return proxyerrors.NewClientWriteError(err)
	}

	log.WithField("client", r.RemoteAddr).Info("WebSocket connection established")

	return f.splice(clientConn, clientBuf.Reader, originConn, originReader, backend, log)
}

// pumpResult carries the outcome of one splice direction
type pumpResult struct {
	direction string
	readErr   error
	writeErr  error
}

// splice runs the two pumps plus the keepalive task and classifies the
// outcome. Each pump reads one chunk then writes it, so a blocked writer
// back-pressures the reader.
func (f *WebSocketForwarder) splice(clientConn net.Conn, clientRd io.Reader, originConn net.Conn, originRd io.Reader, backend *domain.Backend, log *logger.Logger) error {
	var (
		clientWriteMu sync.Mutex
		lastActivity  atomic.Int64
		closeOnce     sync.Once
	)
	lastActivity.Store(time.Now().UnixNano())

	teardown := func() {
		closeOnce.Do(func() {
			clientConn.Close()
			originConn.Close()
		})
	}

	results := make(chan pumpResult, 2)

	// c2u: client frames to the origin
	go func() {
		readErr, writeErr := pump(clientRd, originConn, nil, &lastActivity)
		results <- pumpResult{direction: "c2u", readErr: readErr, writeErr: writeErr}
	}()

	// u2c: origin frames to the client; writes share a mutex with keepalive
	go func() {
		readErr, writeErr := pump(originRd, clientConn, &clientWriteMu, &lastActivity)
		results <- pumpResult{direction: "u2c", readErr: readErr, writeErr: writeErr}
	}()

	// Keepalive: server pings on the interval, idle check against the
	// configured timeout
	keepaliveDone := make(chan struct{})
	go func() {
		ticker := time.NewTicker(f.config.PingInterval)
		defer ticker.Stop()

		for {
			select {
			case <-keepaliveDone:
				return
			case <-ticker.C:
				idle := time.Since(time.Unix(0, lastActivity.Load()))
				if idle > f.config.IdleTimeout {
					log.WithField("idle", idle.String()).Info("Closing idle WebSocket connection")
					clientWriteMu.Lock()
					clientConn.Write(wsCloseGoingAway)
					clientWriteMu.Unlock()
					teardown()
					return
				}

				clientWriteMu.Lock()
				_, err := clientConn.Write(wsPingFrame)
				clientWriteMu.Unlock()
				if err != nil {
					teardown()
					return
				}
			}
		}
	}()

	// The first finished pump cancels the other by closing both sockets
	first := <-results
	teardown()
	second := <-results
	close(keepaliveDone)

	log.Info("WebSocket connection closed")

	// Only origin-side trouble counts against the breaker: a normal close
	// from either peer is a clean end of the exchange
	for _, res := range []pumpResult{first, second} {
		switch res.direction {
		case "c2u":
			if res.writeErr != nil && !isClosedConnError(res.writeErr) {
				f.collector.RecordUpstreamError(backend.ID)
				return proxyerrors.NewUpstreamUnreachableError(backend.ID, res.writeErr)
			}
		case "u2c":
			if res.readErr != nil && !isClosedConnError(res.readErr) {
				f.collector.RecordUpstreamError(backend.ID)
				return proxyerrors.NewUpstreamUnreachableError(backend.ID, res.readErr)
			}
		}
	}
	return nil
}

// pump copies one chunk at a time from src to dst, recording activity. A nil
// writeMu means writes need no serialization.
func pump(src io.Reader, dst net.Conn, writeMu *sync.Mutex, lastActivity *atomic.Int64) (readErr, writeErr error) {
	buffer := make([]byte, 32*1024)

	for {
		n, err := src.Read(buffer)
		if n > 0 {
			lastActivity.Store(time.Now().UnixNano())

			if writeMu != nil {
				writeMu.Lock()
			}
			_, werr := dst.Write(buffer[:n])
			if writeMu != nil {
				writeMu.Unlock()
			}
			if werr != nil {
				return nil, werr
			}
		}
		if err != nil {
			if err == io.EOF {
				return nil, nil
			}
			return err, nil
		}
	}
}

// isClosedConnError reports whether err is the expected result of the
// opposing pump tearing the sockets down
func isClosedConnError(err error) bool {
	return errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe)
}

// dialOrigin opens the raw connection the upgrade rides on, TLS when the
// origin is https
func (f *WebSocketForwarder) dialOrigin(target *url.URL) (net.Conn, error) {
	address := target.Host
	if target.Port() == "" {
		if target.Scheme == "https" {
			address += ":443"
		} else {
			address += ":80"
		}
	}

	dialer := &net.Dialer{
		Timeout: f.dialTimeout,
	}

	if target.Scheme == "https" {
		tlsConfig := &tls.Config{
			ServerName: target.Hostname(),
		}
		return tls.DialWithDialer(dialer, "tcp", address, tlsConfig)
	}

	return dialer.Dial("tcp", address)
}

// buildUpgradeRequest clones the handshake for the origin: same path and
// query, hop-by-hop headers replaced with a fresh upgrade, forwarding set
// appended
func (f *WebSocketForwarder) buildUpgradeRequest(r *http.Request, backend *domain.Backend) *http.Request {
	outURL := &url.URL{
		Scheme:   backend.Target.Scheme,
		Host:     backend.Target.Host,
		Path:     upstreamPath(backend.Target, r.URL.Path),
		RawQuery: r.URL.RawQuery,
	}

	outReq := &http.Request{
		Method: http.MethodGet,
		URL:    outURL,
		Host:   backend.Target.Host,
		Header: make(http.Header),
	}

	copyProxyHeaders(outReq.Header, r.Header)
	addForwardedHeaders(outReq.Header, r, f.proxyID)

	outReq.Header.Set("Connection", "Upgrade")
	outReq.Header.Set("Upgrade", "websocket")

	return outReq
}
