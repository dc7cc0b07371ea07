package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"

	"github.com/mir00r/reverse-proxy/internal/config"
	"github.com/mir00r/reverse-proxy/internal/handler"
	"github.com/mir00r/reverse-proxy/internal/middleware"
	"github.com/mir00r/reverse-proxy/internal/repository"
	"github.com/mir00r/reverse-proxy/internal/server"
	"github.com/mir00r/reverse-proxy/internal/service"
	"github.com/mir00r/reverse-proxy/pkg/logger"
)

const (
	version         = "1.0.0"
	shutdownTimeout = 30 * time.Second
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
		File:   cfg.Logging.File,
	})
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	log.WithFields(map[string]interface{}{
		"version":  version,
		"strategy": cfg.Balancer.Strategy,
		"port":     cfg.Server.Port,
		"origins":  len(cfg.Origins),
	}).Info("Starting reverse proxy")

	// Origin registry
	backends, err := cfg.ToBackends()
	if err != nil {
		log.WithError(err).Fatal("Invalid origin configuration")
	}

	repo := repository.NewInMemoryBackendRepository()
	if err := repo.SaveAll(backends); err != nil {
		log.WithError(err).Fatal("Failed to register origins")
	}

	// Observer surface
	collector := service.NewCollector()

	// Request plane
	balancer, err := service.NewLoadBalancer(cfg.ToBalancerConfig(), repo, log)
	if err != nil {
		log.WithError(err).Fatal("Failed to create load balancer")
	}

	breakerConfig := cfg.ToBreakerConfig()
	breakers := service.NewBreakerRegistry(breakerConfig, collector, log)

	httpFwd := handler.NewHTTPForwarder(cfg.Server.ProxyID, cfg.UpstreamTimeout(), collector, log)
	wsFwd := handler.NewWebSocketForwarder(cfg.ToWebSocketConfig(), cfg.Server.ProxyID, cfg.UpstreamTimeout(), collector, log)
	sseFwd := handler.NewSSEForwarder(cfg.ToSSEConfig(), cfg.Server.ProxyID, cfg.UpstreamTimeout(), collector, log)

	proxy := handler.NewProxyHandler(balancer, breakers, httpFwd, wsFwd, sseFwd, log)

	// Admission gate
	gate, err := middleware.NewSecurityGate(cfg.ToSecurityConfig(), log)
	if err != nil {
		log.WithError(err).Fatal("Failed to create security gate")
	}

	// Router: observation endpoints first, everything else is proxied
	router := mux.NewRouter()

	if cfg.Metrics.Enabled {
		router.Handle(cfg.Metrics.Path, collector.Handler()).Methods(http.MethodGet)
	}
	router.Handle("/healthz", handler.NewHealthHandler(version, balancer, breakers)).Methods(http.MethodGet)
	router.PathPrefix("/").Handler(gate.Middleware()(proxy))

	var chain http.Handler = router
	chain = middleware.LoggingMiddleware(log, collector)(chain)
	chain = middleware.RecoveryMiddleware(log)(chain)

	srv := server.New(cfg.Server, chain, log)

	// Maintenance
	janitor := service.NewJanitor(repo, breakers, func() service.RateCellEvicter {
		return gate.Limiter()
	}, breakerConfig.OpenDuration, log)
	if err := janitor.Start(); err != nil {
		log.WithError(err).Fatal("Failed to start janitor")
	}

	// Live reload of the security knobs when running from a file
	var reloader *service.ConfigReloadService
	if configFile := os.Getenv("CONFIG_FILE"); configFile != "" {
		if _, err := os.Stat(configFile); err == nil {
			reloader = service.NewConfigReloadService(configFile, log)
			reloader.RegisterReloadCallback(func(c *config.Config) error {
				return gate.Reconfigure(c.ToSecurityConfig())
			})
			if err := reloader.StartWatcher(); err != nil {
				log.WithError(err).Warn("Configuration watcher not started")
				reloader = nil
			}
		}
	}

	go func() {
		if err := srv.Start(); err != nil {
			log.WithError(err).Fatal("Listener failed")
		}
	}()

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	<-sigChan
	log.Info("Shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if reloader != nil {
		reloader.StopWatcher()
	}
	janitor.Stop()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("Error shutting down listener")
	}

	log.Info("Reverse proxy stopped gracefully")
}
