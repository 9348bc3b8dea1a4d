// Package server exposes the HTTP control plane: document submission, job
// inspection and control, queue stats, and the internal invocation channel
// used for remote stage execution.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/inkwell-ai/inkwell/internal/common"
	"github.com/inkwell-ai/inkwell/internal/export"
	"github.com/inkwell-ai/inkwell/internal/orchestrator"
	"github.com/inkwell-ai/inkwell/internal/repository"
	"github.com/inkwell-ai/inkwell/internal/stages"
)

// HealthChecker reports backing-store liveness for /healthz.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// HealthFunc adapts a plain ping function to HealthChecker.
type HealthFunc func(ctx context.Context) error

func (f HealthFunc) HealthCheck(ctx context.Context) error { return f(ctx) }

// Server wires the gin router over the orchestrator and supporting services.
type Server struct {
	cfg      common.ServerConfig
	orch     *orchestrator.Orchestrator
	registry *stages.Registry
	export   *export.Service
	docs     repository.DocumentRepository
	health   HealthChecker
	logger   *zap.Logger
	http     *http.Server
}

func New(
	cfg common.ServerConfig,
	orch *orchestrator.Orchestrator,
	registry *stages.Registry,
	exp *export.Service,
	docs repository.DocumentRepository,
	health HealthChecker,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		cfg:      cfg,
		orch:     orch,
		registry: registry,
		export:   exp,
		docs:     docs,
		health:   health,
		logger:   logger,
	}
}

// Router builds the route table. Exposed separately so tests can drive the
// handlers through httptest without binding a port.
func (s *Server) Router() *gin.Engine {
	if s.cfg.Mode != "" {
		gin.SetMode(s.cfg.Mode)
	}
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger())

	r.GET("/healthz", s.handleHealthz)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := r.Group("/v1")
	{
		v1.POST("/documents", s.handleEnqueueDocument)
		v1.GET("/documents/:id", s.handleGetDocument)
		v1.POST("/documents/:id/cancel", s.handleCancelDocument)
		v1.GET("/jobs/:id", s.handleGetJob)
		v1.POST("/jobs/:id/cancel", s.handleCancelJob)
		v1.POST("/jobs/:id/retry", s.handleRetryJob)
		v1.GET("/queue/stats", s.handleQueueStats)
		v1.GET("/admin/jobs/export", s.handleExportJobs)
	}

	internal := r.Group("/internal", s.requireInternalSecret())
	{
		internal.POST("/process", s.handleProcess)
		internal.POST("/stages/:stage", s.handleExecuteStage)
	}

	return r
}

// Run serves until ctx is cancelled, then drains with a 10s grace period.
func (s *Server) Run(ctx context.Context) error {
	s.http = &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", zap.String("addr", s.cfg.Addr))
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s.logger.Info("http server draining")
	return s.http.Shutdown(shutdownCtx)
}

func (s *Server) handleHealthz(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()
	if s.health != nil {
		if err := s.health.HealthCheck(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "error": err.Error()})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
