package handler

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mir00r/reverse-proxy/internal/domain"
	proxyerrors "github.com/mir00r/reverse-proxy/internal/errors"
	"github.com/mir00r/reverse-proxy/pkg/logger"
)

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

// stubCollector records observer events for assertions
type stubCollector struct {
	mu             sync.Mutex
	upstreamErrors []string
	transitions    []domain.BreakerTransition
}

func (c *stubCollector) RecordRequest(method string) {}
func (c *stubCollector) RecordResponse(status int)   {}
func (c *stubCollector) RecordBreakerTransition(t domain.BreakerTransition) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.transitions = append(c.transitions, t)
}
func (c *stubCollector) RecordUpstreamError(originID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.upstreamErrors = append(c.upstreamErrors, originID)
}

func (c *stubCollector) upstreamErrorCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.upstreamErrors)
}

// testBackend wraps a URL into a registered origin
func testBackend(t *testing.T, id, rawURL string) *domain.Backend {
	t.Helper()
	backend, err := domain.NewBackend(id, rawURL, 1)
	require.NoError(t, err)
	return backend
}

func newHTTPForwarder(t *testing.T, collector *stubCollector) *HTTPForwarder {
	t.Helper()
	return NewHTTPForwarder("reverse-proxy/test", 2*time.Second, collector, newTestLogger(t))
}

func TestHTTPForwarderEchoLaw(t *testing.T) {
	t.Parallel()

	type captured struct {
		method string
		path   string
		query  string
		body   string
		header http.Header
	}
	var got captured

	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		got = captured{
			method: r.Method,
			path:   r.URL.Path,
			query:  r.URL.RawQuery,
			body:   string(body),
			header: r.Header.Clone(),
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer origin.Close()

	fwd := newHTTPForwarder(t, &stubCollector{})
	backend := testBackend(t, "b1", origin.URL)

	req := httptest.NewRequest("POST", "/api/items?id=42&page=2", strings.NewReader("payload-bytes"))
	req.RemoteAddr = "192.0.2.7:55000"
	req.Header.Set("X-Custom", "kept")
	req.Host = "edge.example.com"

	rec := httptest.NewRecorder()
	require.NoError(t, fwd.Forward(rec, req, backend))

	assert.Equal(t, "POST", got.method)
	assert.Equal(t, "/api/items", got.path)
	assert.Equal(t, "id=42&page=2", got.query)
	assert.Equal(t, "payload-bytes", got.body)
	assert.Equal(t, "kept", got.header.Get("X-Custom"))

	// Forwarding set
	assert.Equal(t, "192.0.2.7", got.header.Get("X-Forwarded-For"))
	assert.Equal(t, "http", got.header.Get("X-Forwarded-Proto"))
	assert.Equal(t, "edge.example.com", got.header.Get("X-Forwarded-Host"))
	assert.Equal(t, "reverse-proxy/test", got.header.Get("X-Proxy-ID"))
}

func TestHTTPForwarderPreservesExistingForwardedFor(t *testing.T) {
	t.Parallel()

	var forwardedFor string
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		forwardedFor = r.Header.Get("X-Forwarded-For")
	}))
	defer origin.Close()

	fwd := newHTTPForwarder(t, &stubCollector{})
	backend := testBackend(t, "b1", origin.URL)

	req := httptest.NewRequest("GET", "/x", nil)
	req.Header.Set("X-Forwarded-For", "203.0.113.9")

	rec := httptest.NewRecorder()
	require.NoError(t, fwd.Forward(rec, req, backend))

	assert.Equal(t, "203.0.113.9", forwardedFor)
}

func TestHTTPForwarderGetSendsNoBody(t *testing.T) {
	t.Parallel()

	var bodyLen int64
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n, _ := io.Copy(io.Discard, r.Body)
		bodyLen = n
	}))
	defer origin.Close()

	fwd := newHTTPForwarder(t, &stubCollector{})
	backend := testBackend(t, "b1", origin.URL)

	req := httptest.NewRequest("GET", "/x", strings.NewReader("must-not-travel"))
	rec := httptest.NewRecorder()
	require.NoError(t, fwd.Forward(rec, req, backend))

	assert.Equal(t, int64(0), bodyLen)
}

func TestHTTPForwarderStatusAndHeadersVerbatim(t *testing.T) {
	t.Parallel()

	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Origin-Header", "from-origin")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTeapot)
		fmt.Fprint(w, `{"ok":false}`)
	}))
	defer origin.Close()

	fwd := newHTTPForwarder(t, &stubCollector{})
	backend := testBackend(t, "b1", origin.URL)

	rec := httptest.NewRecorder()
	require.NoError(t, fwd.Forward(rec, httptest.NewRequest("GET", "/x", nil), backend))

	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.Equal(t, "from-origin", rec.Header().Get("X-Origin-Header"))
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Equal(t, `{"ok":false}`, rec.Body.String())
}

func TestHTTPForwarderDefaultContentType(t *testing.T) {
	t.Parallel()

	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Suppress the content type entirely
		w.Header()["Content-Type"] = nil
		w.WriteHeader(http.StatusOK)
		w.Write([]byte{0x01, 0x02})
	}))
	defer origin.Close()

	fwd := newHTTPForwarder(t, &stubCollector{})
	backend := testBackend(t, "b1", origin.URL)

	rec := httptest.NewRecorder()
	require.NoError(t, fwd.Forward(rec, httptest.NewRequest("GET", "/x", nil), backend))

	assert.Equal(t, "application/octet-stream", rec.Header().Get("Content-Type"))
}

func TestHTTPForwarderUpstream5xxForwardedAndCounted(t *testing.T) {
	t.Parallel()

	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer origin.Close()

	fwd := newHTTPForwarder(t, &stubCollector{})
	backend := testBackend(t, "b1", origin.URL)

	rec := httptest.NewRecorder()
	err := fwd.Forward(rec, httptest.NewRequest("GET", "/x", nil), backend)

	// Forwarded verbatim to the client, still a breaker failure
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Error(t, err)
	assert.True(t, proxyerrors.IsCode(err, proxyerrors.ErrCodeUpstreamStatus))
	assert.True(t, proxyerrors.CountsAsFailure(err))
}

func TestHTTPForwarderUpstream4xxIsSuccess(t *testing.T) {
	t.Parallel()

	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusNotFound)
	}))
	defer origin.Close()

	fwd := newHTTPForwarder(t, &stubCollector{})
	backend := testBackend(t, "b1", origin.URL)

	rec := httptest.NewRecorder()
	err := fwd.Forward(rec, httptest.NewRequest("GET", "/x", nil), backend)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.NoError(t, err)
}

func TestHTTPForwarderDialFailure(t *testing.T) {
	t.Parallel()

	collector := &stubCollector{}
	fwd := newHTTPForwarder(t, collector)

	// A port nothing listens on
	backend := testBackend(t, "b1", "http://127.0.0.1:1")

	rec := httptest.NewRecorder()
	err := fwd.Forward(rec, httptest.NewRequest("GET", "/x", nil), backend)

	assert.Equal(t, http.StatusBadGateway, rec.Code)
	require.Error(t, err)
	assert.True(t, proxyerrors.IsCode(err, proxyerrors.ErrCodeUpstreamUnreachable))
	assert.True(t, proxyerrors.CountsAsFailure(err))
	assert.Equal(t, 1, collector.upstreamErrorCount())
}

func TestHTTPForwarderOriginBasePath(t *testing.T) {
	t.Parallel()

	var path string
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
	}))
	defer origin.Close()

	fwd := newHTTPForwarder(t, &stubCollector{})
	backend := testBackend(t, "b1", origin.URL+"/base")

	rec := httptest.NewRecorder()
	require.NoError(t, fwd.Forward(rec, httptest.NewRequest("GET", "/v1/x", nil), backend))

	assert.Equal(t, "/base/v1/x", path)
}

func TestHTTPForwarderHopByHopHeadersStripped(t *testing.T) {
	t.Parallel()

	var got http.Header
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
	}))
	defer origin.Close()

	fwd := newHTTPForwarder(t, &stubCollector{})
	backend := testBackend(t, "b1", origin.URL)

	req := httptest.NewRequest("GET", "/x", nil)
	req.Header.Set("Keep-Alive", "timeout=5")
	req.Header.Set("Proxy-Connection", "keep-alive")

	rec := httptest.NewRecorder()
	require.NoError(t, fwd.Forward(rec, req, backend))

	assert.Empty(t, got.Get("Keep-Alive"))
	assert.Empty(t, got.Get("Proxy-Connection"))
}
