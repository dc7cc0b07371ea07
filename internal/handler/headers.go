package handler

import (
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/mir00r/reverse-proxy/internal/middleware"
)

// hopByHopHeaders are never copied verbatim to the upstream request; the
// transport owns them
var hopByHopHeaders = map[string]bool{
	"Host":              true,
	"Content-Length":    true,
	"Transfer-Encoding": true,
	"Connection":        true,
	"Keep-Alive":        true,
	"Proxy-Connection":  true,
	"Te":                true,
	"Trailer":           true,
	"Upgrade":           true,
}

// copyProxyHeaders copies inbound headers to the upstream request, skipping
// hop-by-hop headers
func copyProxyHeaders(dst, src http.Header) {
	for name, values := range src {
		if hopByHopHeaders[http.CanonicalHeaderKey(name)] {
			continue
		}
		for _, value := range values {
			dst.Add(name, value)
		}
	}
}

// addForwardedHeaders appends the standard forwarding set plus the proxy
// identity header
func addForwardedHeaders(dst http.Header, r *http.Request, proxyID string) {
	forwardedFor := r.Header.Get("X-Forwarded-For")
	if forwardedFor == "" {
		forwardedFor = middleware.ClientIP(r)
	}
	dst.Set("X-Forwarded-For", forwardedFor)

	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	dst.Set("X-Forwarded-Proto", scheme)
	dst.Set("X-Forwarded-Host", r.Host)

	if port := localPort(r); port != "" {
		dst.Set("X-Forwarded-Port", port)
	}

	dst.Set("X-Proxy-ID", proxyID)
}

// localPort returns the port of the listener that accepted the request
func localPort(r *http.Request) string {
	addr, ok := r.Context().Value(http.LocalAddrContextKey).(net.Addr)
	if !ok {
		return ""
	}
	_, port, err := net.SplitHostPort(addr.String())
	if err != nil {
		return ""
	}
	return port
}

// upstreamPath joins the origin's base path with the inbound path, keeping
// the inbound path verbatim when the origin has no base path
func upstreamPath(base *url.URL, inbound string) string {
	basePath := strings.TrimSuffix(base.Path, "/")
	if basePath == "" {
		return inbound
	}
	if !strings.HasPrefix(inbound, "/") {
		inbound = "/" + inbound
	}
	return basePath + inbound
}
