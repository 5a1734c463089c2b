// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-linkproof.
//
// go-linkproof is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

package rest

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jeremyhahn/go-linkproof/pkg/adapters/logger"
	"github.com/jeremyhahn/go-linkproof/pkg/ledger"
	"github.com/jeremyhahn/go-linkproof/pkg/metrics"
	"github.com/jeremyhahn/go-linkproof/pkg/nonce"
	"github.com/jeremyhahn/go-linkproof/pkg/ratelimit"
	"github.com/jeremyhahn/go-linkproof/pkg/registry"
	"github.com/jeremyhahn/go-linkproof/pkg/session"
)

// Server represents the gateway's HTTP surface: the protected-link and
// redemption endpoints on the hot path, plus the receipts and admin
// APIs.
type Server struct {
	server   *http.Server
	handlers *HandlerContext
	port     int
	limiter  *ratelimit.Limiter
	logger   logger.Logger
}

// Config holds the HTTP server configuration.
type Config struct {
	// Port is the HTTP port to listen on (default: 8443)
	Port int

	// Registry is the tenant store.
	Registry registry.Registry

	// Sessions manages continuity and CSRF cookies.
	Sessions *session.Manager

	// Coordinator owns the nonce lifecycle.
	Coordinator *nonce.Coordinator

	// Ledger serves the receipts read endpoints.
	Ledger ledger.Ledger

	// OperatorToken gates the admin endpoints.
	OperatorToken string

	// TurnstileSiteKey is embedded into the interstitial for sites that
	// require human verification.
	TurnstileSiteKey string

	// Limiter applies per-client rate limiting (optional).
	Limiter *ratelimit.Limiter

	// MetricsPath exposes Prometheus metrics when non-empty.
	MetricsPath string

	// Version is the API version string
	Version string

	// Logger is the logging adapter (optional, uses slog if not provided)
	Logger logger.Logger

	// ReadTimeout is the maximum duration for reading the entire request
	ReadTimeout time.Duration

	// WriteTimeout is the maximum duration before timing out writes
	WriteTimeout time.Duration

	// IdleTimeout is the maximum amount of time to wait for the next request
	IdleTimeout time.Duration
}

// NewServer creates the gateway HTTP server.
func NewServer(cfg *Config) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if cfg.Registry == nil {
		return nil, fmt.Errorf("registry is required")
	}
	if cfg.Sessions == nil {
		return nil, fmt.Errorf("session manager is required")
	}
	if cfg.Coordinator == nil {
		return nil, fmt.Errorf("coordinator is required")
	}
	if cfg.Ledger == nil {
		return nil, fmt.Errorf("ledger is required")
	}
	if cfg.OperatorToken == "" {
		return nil, fmt.Errorf("operator token is required")
	}

	if cfg.Port == 0 {
		cfg.Port = 8443
	}
	if cfg.Version == "" {
		cfg.Version = "1.0.0"
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 15 * time.Second
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 15 * time.Second
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = 60 * time.Second
	}

	log := cfg.Logger
	if log == nil {
		log = logger.NewSlogAdapter(&logger.SlogConfig{
			Level: logger.LevelInfo,
		})
	}

	handlers := NewHandlerContext(cfg, log)

	server := &Server{
		handlers: handlers,
		port:     cfg.Port,
		limiter:  cfg.Limiter,
		logger:   log,
	}

	router := server.setupRouter(cfg.MetricsPath)

	server.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	return server, nil
}

// setupRouter configures the chi router with all routes and middleware.
func (s *Server) setupRouter(metricsPath string) *chi.Mux {
	r := chi.NewRouter()

	r.Use(s.RecoveryMiddleware())
	r.Use(s.CorrelationMiddleware())
	r.Use(s.LoggingMiddleware())
	r.Use(metrics.HTTPMiddleware)
	if s.limiter != nil && s.limiter.IsEnabled() {
		r.Use(ratelimit.Middleware(s.limiter))
	}

	// Health probes (no auth required)
	r.Get("/health", s.handlers.HealthHandler)
	r.Head("/health", s.handlers.HealthHandler)
	r.Get("/health/live", s.handlers.LivenessHandler)
	r.Get("/health/ready", s.handlers.ReadinessHandler)

	if metricsPath != "" {
		r.Handle(metricsPath, promhttp.Handler())
	}

	// Hot path: protected links and redemption. The redemption route
	// accepts every method so the method check can answer with an
	// Allow header instead of chi's default 405.
	r.Get("/l/*", s.handlers.LinkHandler)
	r.HandleFunc("/redeem/{nonce}", s.handlers.RedeemHandler)

	// Receipts read API, authenticated with a Site Access Token
	r.Route("/api/v1/receipts", func(r chi.Router) {
		r.Use(s.handlers.SiteAuthMiddleware())

		r.Get("/", s.handlers.ListReceiptsHandler)
		r.Get("/export", s.handlers.ExportReceiptsHandler)
		r.Get("/summary", s.handlers.SummarizeReceiptsHandler)
	})

	// Admin API, authenticated with the operator credential
	r.Route("/api/v1/admin", func(r chi.Router) {
		r.Use(s.handlers.OperatorAuthMiddleware())

		r.Post("/sites", s.handlers.CreateSiteHandler)
		r.Get("/sites", s.handlers.ListSitesHandler)
		r.Get("/sites/{hostname}", s.handlers.GetSiteHandler)
		r.Post("/sites/{id}/rotate", s.handlers.RotateTokenHandler)
	})

	return r
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.logger.Info("Starting HTTP server", logger.Int("port", s.port))

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	return nil
}

// Stop gracefully stops the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Shutting down server")

	if err := s.server.Shutdown(ctx); err != nil {
		s.logger.Error("Failed to shutdown server", logger.Error(err))
		return fmt.Errorf("failed to shutdown server: %w", err)
	}

	s.logger.Info("Server stopped")
	return nil
}

// Router exposes the configured router for tests.
func (s *Server) Router() http.Handler {
	return s.server.Handler
}
