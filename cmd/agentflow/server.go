// Package main provides the gateway's server implementation.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/agentflow/gateway/api/handlers"
	"github.com/agentflow/gateway/balancer"
	"github.com/agentflow/gateway/config"
	"github.com/agentflow/gateway/dispatch"
	"github.com/agentflow/gateway/health"
	"github.com/agentflow/gateway/internal/apikey"
	"github.com/agentflow/gateway/internal/metrics"
	"github.com/agentflow/gateway/internal/telemetry"
	"github.com/agentflow/gateway/providers"
	"github.com/agentflow/gateway/store"
	"github.com/agentflow/gateway/stream"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// =============================================================================
// Server
// =============================================================================

// Server owns the gateway's HTTP and metrics listeners, its routing
// stack (store, balancer, dispatcher, health prober), and graceful
// shutdown.
type Server struct {
	cfg        *config.Config
	configPath string
	logger     *zap.Logger
	telemetry  *telemetry.Providers
	db         *gorm.DB
	providers  *providers.Registry

	httpServer    *http.Server
	metricsServer *http.Server

	store            *store.Store
	healthStore      *health.Store
	prober           *health.Prober
	dispatcher       *dispatch.Dispatcher
	accountant       *stream.Accountant
	chatHandler      *handlers.ChatHandler
	healthHandler    *handlers.HealthHandler
	metricsCollector *metrics.Collector

	proberCancel    context.CancelFunc
	rateLimitCancel context.CancelFunc
	wg              sync.WaitGroup
}

// NewServer constructs a Server. The routing stack is built lazily in
// Start, once the provider registry has been bootstrapped from the
// database by the caller.
func NewServer(cfg *config.Config, configPath string, logger *zap.Logger, otelProviders *telemetry.Providers, db *gorm.DB, registry *providers.Registry) *Server {
	return &Server{
		cfg:        cfg,
		configPath: configPath,
		logger:     logger,
		telemetry:  otelProviders,
		db:         db,
		providers:  registry,
	}
}

// =============================================================================
// Startup
// =============================================================================

// Start wires the routing stack, registers handlers, and starts the
// HTTP and metrics listeners in their own goroutines. It returns without
// waiting for either listener to accept connections (a listen error is
// logged, not returned); shutdown happens via WaitForShutdown.
func (s *Server) Start() error {
	s.metricsCollector = metrics.NewCollector("gateway", s.logger)

	s.store = store.New(s.db, s.logger)
	s.healthStore = health.NewStore(s.cfg.Gateway.MaxConsecutiveFailures)
	s.prober = health.NewProber(s.healthStore, s.cfg.Gateway.HealthCheckInterval, s.cfg.Gateway.HealthCheckTimeout, s.logger)
	dispatch.RegisterProbes(s.providers, s.prober)

	bal := balancer.New(s.store, s.healthStore, nil)
	dispatchCfg := dispatch.Config{
		MaxRetriesPerProvider: s.cfg.Gateway.MaxRetriesPerProvider,
		RequestTimeout:        s.cfg.Gateway.DefaultRequestTimeout,
	}
	s.dispatcher = dispatch.New(dispatchCfg, s.store, bal, s.healthStore, s.providers, s.db, s.logger)
	s.accountant = stream.New(s.dispatcher)

	s.chatHandler = handlers.NewChatHandler(s.dispatcher, s.accountant, s.store, s.logger)
	s.healthHandler = handlers.NewHealthHandler(s.logger)
	s.healthHandler.RegisterCheck(handlers.NewDatabaseHealthCheck(s.cfg.Database.Driver, func(ctx context.Context) error {
		sqlDB, err := s.db.DB()
		if err != nil {
			return err
		}
		return sqlDB.PingContext(ctx)
	}))

	probeCtx, cancel := context.WithCancel(context.Background())
	s.proberCancel = cancel
	s.prober.Start(probeCtx)

	if err := s.startHTTPServer(); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	if err := s.startMetricsServer(); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	s.logger.Info("all servers started",
		zap.Int("http_port", s.cfg.Server.HTTPPort),
		zap.Int("metrics_port", s.cfg.Server.MetricsPort),
	)

	return nil
}

// =============================================================================
// HTTP server
// =============================================================================

func (s *Server) startHTTPServer() error {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", s.healthHandler.HandleHealth)
	mux.HandleFunc("/healthz", s.healthHandler.HandleHealthz)
	mux.HandleFunc("/ready", s.healthHandler.HandleReady)
	mux.HandleFunc("/readyz", s.healthHandler.HandleReady)
	mux.HandleFunc("/version", s.healthHandler.HandleVersion(Version, BuildTime, GitCommit))

	mux.HandleFunc("/v1/chat/completions", s.chatHandler.HandleCompletion)
	mux.HandleFunc("/v1/chat/completions/stream", s.chatHandler.HandleStream)
	mux.HandleFunc("/v1/models", s.chatHandler.HandleListModels)

	validator := apikey.New(s.cfg.Gateway.CallerAllowList, s.cfg.Gateway.AdminKey)
	skipAuthPaths := []string{"/health", "/healthz", "/ready", "/readyz", "/version", "/metrics"}

	rateLimitCtx, rateLimitCancel := context.WithCancel(context.Background())
	s.rateLimitCancel = rateLimitCancel

	handler := Chain(mux,
		Recovery(s.logger),
		RequestID(),
		SecurityHeaders(),
		RequestLogger(s.logger),
		MetricsMiddleware(s.metricsCollector),
		OTelTracing(),
		CORS(s.cfg.Server.CORSAllowedOrigins),
		RateLimiter(rateLimitCtx, s.cfg.Server.RateLimitRPS, s.cfg.Server.RateLimitBurst, s.logger),
		APIKeyAuth(validator, skipAuthPaths),
	)

	s.httpServer = &http.Server{
		Addr:           fmt.Sprintf(":%d", s.cfg.Server.HTTPPort),
		Handler:        handler,
		ReadTimeout:    s.cfg.Server.ReadTimeout,
		WriteTimeout:   s.cfg.Server.WriteTimeout,
		IdleTimeout:    2 * s.cfg.Server.ReadTimeout,
		MaxHeaderBytes: 1 << 20,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	}()

	s.logger.Info("HTTP server started", zap.Int("port", s.cfg.Server.HTTPPort))
	return nil
}

// =============================================================================
// Metrics server
// =============================================================================

func (s *Server) startMetricsServer() error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	s.metricsServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.cfg.Server.MetricsPort),
		Handler:      mux,
		ReadTimeout:  s.cfg.Server.ReadTimeout,
		WriteTimeout: s.cfg.Server.WriteTimeout,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("metrics server error", zap.Error(err))
		}
	}()

	s.logger.Info("metrics server started", zap.Int("port", s.cfg.Server.MetricsPort))
	return nil
}

// =============================================================================
// Shutdown
// =============================================================================

// WaitForShutdown blocks until SIGINT/SIGTERM, then runs Shutdown.
func (s *Server) WaitForShutdown() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	s.logger.Info("shutdown signal received")
	s.Shutdown()
}

// Shutdown drains in-flight requests and closes every owned resource.
func (s *Server) Shutdown() {
	s.logger.Info("starting graceful shutdown")

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
	defer cancel()

	if s.proberCancel != nil {
		s.proberCancel()
	}
	if s.prober != nil {
		s.prober.Stop()
	}
	if s.rateLimitCancel != nil {
		s.rateLimitCancel()
	}

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.logger.Error("HTTP server shutdown error", zap.Error(err))
		}
	}
	if s.metricsServer != nil {
		if err := s.metricsServer.Shutdown(ctx); err != nil {
			s.logger.Error("metrics server shutdown error", zap.Error(err))
		}
	}

	if s.telemetry != nil {
		if err := s.telemetry.Shutdown(ctx); err != nil {
			s.logger.Error("telemetry shutdown error", zap.Error(err))
		}
	}

	s.wg.Wait()

	if s.db != nil {
		if sqlDB, err := s.db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}

	s.logger.Info("graceful shutdown completed")
}

