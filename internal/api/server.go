// Package api assembles the embedding HTTP surface: the middleware chain
// (recovery, request metrics, tenant resolution, rate limiting) plus the
// operational routes. Domain traffic belongs to the embedding
// application; this server only carries what the access-control engine
// itself exposes.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/platformbuilds/acs-core/internal/admin"
	"github.com/platformbuilds/acs-core/internal/api/middleware"
	"github.com/platformbuilds/acs-core/internal/authz"
	"github.com/platformbuilds/acs-core/internal/config"
	"github.com/platformbuilds/acs-core/internal/monitor"
	"github.com/platformbuilds/acs-core/internal/monitoring"
	"github.com/platformbuilds/acs-core/internal/tenancy"
	"github.com/platformbuilds/acs-core/pkg/logger"
)

// Server is the HTTP front of the engine.
type Server struct {
	config     *config.Config
	logger     logger.Logger
	router     *gin.Engine
	httpServer *http.Server
	rateLimit  *middleware.RateLimiter
	evaluator  *authz.Evaluator
	admin      *admin.Service
}

// NewServer wires the middleware chain and operational routes. rateLimit
// may be nil when limiting is disabled; evaluator and adminService may be
// nil when the embedding application brings its own.
func NewServer(
	cfg *config.Config,
	log logger.Logger,
	mon *monitor.Monitor,
	rateLimit *middleware.RateLimiter,
	evaluator *authz.Evaluator,
	adminService *admin.Service,
) *Server {
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	server := &Server{
		config:    cfg,
		logger:    log,
		router:    router,
		rateLimit: rateLimit,
		evaluator: evaluator,
		admin:     adminService,
	}

	router.Use(gin.Recovery())
	if cfg.Monitoring.Enabled {
		router.Use(monitoring.HTTPMetricsMiddleware())
	}
	router.Use(middleware.Tenant(tenancy.NewResolver(cfg.Tenancy.DefaultTenant)))
	if rateLimit != nil {
		router.Use(rateLimit.Handler())
	}

	router.GET("/health", mon.HealthHandler())
	router.GET("/ready", mon.ReadyHandler())
	if cfg.Monitoring.Enabled {
		monitoring.SetupPrometheusMetrics(router)
	}

	return server
}

// Start serves until ctx is cancelled, then drains in-flight requests.
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.config.Port),
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("access control API server starting", "port", s.config.Port)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
		s.logger.Info("shutting down API server")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}

// Handler returns the underlying gin engine so tests and embedders can
// mount it.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Evaluator exposes the access evaluator so embedding handlers can route
// admitted requests through it.
func (s *Server) Evaluator() *authz.Evaluator {
	return s.evaluator
}

// Admin exposes the mutation service for embedding management surfaces.
func (s *Server) Admin() *admin.Service {
	return s.admin
}
