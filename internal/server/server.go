package server

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/net/http2"

	"github.com/mir00r/reverse-proxy/internal/config"
	"github.com/mir00r/reverse-proxy/pkg/logger"
)

// Server owns the inbound listener. Plain HTTP/1.1 by default; with TLS
// enabled the client side also negotiates HTTP/2, while the origin side
// stays HTTP/1.1 regardless.
type Server struct {
	config     config.ServerConfig
	httpServer *http.Server
	logger     *logger.Logger
}

// New creates the listener around a fully assembled handler chain
func New(cfg config.ServerConfig, handler http.Handler, log *logger.Logger) *Server {
	httpServer := &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.Port),
		Handler:     handler,
		ReadTimeout: time.Duration(cfg.ReadTimeoutMs) * time.Millisecond,
		// WriteTimeout stays unset: long-lived WebSocket and SSE exchanges
		// must not be cut off by the server
		IdleTimeout: time.Duration(cfg.IdleTimeoutMs) * time.Millisecond,
	}

	return &Server{
		config:     cfg,
		httpServer: httpServer,
		logger:     log,
	}
}

// Start blocks serving requests until Shutdown or a listener error
func (s *Server) Start() error {
	if s.config.TLS.Enabled {
		return s.startHTTPS()
	}
	return s.startHTTP()
}

func (s *Server) startHTTP() error {
	s.logger.WithField("addr", s.httpServer.Addr).Info("Starting HTTP listener")

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("HTTP listener failed: %w", err)
	}
	return nil
}

func (s *Server) startHTTPS() error {
	s.httpServer.TLSConfig = &tls.Config{
		MinVersion: tls.VersionTLS12,
	}

	if err := http2.ConfigureServer(s.httpServer, &http2.Server{}); err != nil {
		return fmt.Errorf("failed to configure HTTP/2: %w", err)
	}

	s.logger.WithField("addr", s.httpServer.Addr).Info("Starting HTTPS listener")

	err := s.httpServer.ListenAndServeTLS(s.config.TLS.CertFile, s.config.TLS.KeyFile)
	if err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("HTTPS listener failed: %w", err)
	}
	return nil
}

// Shutdown drains in-flight exchanges until ctx expires
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down listener")
	return s.httpServer.Shutdown(ctx)
}
