package api

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tollgate/tollgate/internal/config"
	"github.com/tollgate/tollgate/internal/engine"
	apierrors "github.com/tollgate/tollgate/internal/errors"
	"github.com/tollgate/tollgate/internal/logging"
	"github.com/tollgate/tollgate/internal/metrics"
	"github.com/tollgate/tollgate/internal/models"
	"github.com/tollgate/tollgate/internal/store"
	"github.com/tollgate/tollgate/internal/sweeper"
)

// Server represents the HTTP API server
type Server struct {
	router     *gin.Engine
	config     config.ServerConfig
	apiConfig  config.APIConfig
	store      store.Store
	engine     *engine.Engine
	sweeper    *sweeper.Sweeper
	metrics    *metrics.Metrics
	logger     *logging.Logger
	httpServer *http.Server
}

// Router returns the gin router for testing purposes
func (s *Server) Router() *gin.Engine {
	return s.router
}

// NewServer creates a new API server
func NewServer(cfg config.ServerConfig, apiCfg config.APIConfig, st store.Store, e *engine.Engine, sw *sweeper.Sweeper, m *metrics.Metrics, logger *logging.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)

	if m == nil {
		m = metrics.NewMetrics("tollgate")
	}
	if logger == nil {
		logger = logging.NewLogger()
	}

	server := &Server{
		router:    gin.New(),
		config:    cfg,
		apiConfig: apiCfg,
		store:     st,
		engine:    e,
		sweeper:   sw,
		metrics:   m,
		logger:    logger,
	}
	server.router.HandleMethodNotAllowed = true

	server.router.Use(gin.Recovery())
	server.router.Use(bodyLimitMiddleware(1 << 20))
	server.router.Use(metrics.Middleware(m, logger))
	server.router.Use(loggingMiddleware(logger))

	server.setupRoutes()
	return server
}

// loggingMiddleware provides structured logging for all requests
func loggingMiddleware(logger *logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		correlationID := c.GetHeader("X-Correlation-ID")
		if correlationID == "" {
			correlationID = logging.GenerateCorrelationID()
		}

		ctx := logging.WithCorrelationID(c.Request.Context(), correlationID)
		c.Request = c.Request.WithContext(ctx)

		c.Next()

		duration := time.Since(start).Seconds()
		logger.InfoWithContext(ctx, "request completed",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration_seconds", duration,
		)
	}
}

// bodyLimitMiddleware limits the size of request bodies
func bodyLimitMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Body != nil {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		}
		c.Next()
	}
}

// setupRoutes configures all API routes
func (s *Server) setupRoutes() {
	// Prometheus metrics endpoint - NO authentication required
	s.router.GET("/metrics", gin.WrapH(s.metrics.Handler()))

	// Health check - NO authentication required
	s.router.GET("/health", s.handleHealth)

	authMiddleware := APIKeyAuth(s.apiConfig.Auth.APIKeys, s.apiConfig.Auth.HeaderName, s.logger)

	basePath := s.apiConfig.BasePath
	if basePath == "" {
		basePath = "/v1"
	}

	v1 := s.router.Group(basePath)
	v1.Use(authMiddleware)
	{
		v1.POST("/admit", s.handleAdmit)
		v1.POST("/release", s.handleRelease)

		v1.GET("/policies/:principal_id", s.handleGetPolicy)
		v1.PUT("/policies/:principal_id", s.handleUpdatePolicy)
		v1.DELETE("/principals/:principal_id", s.handleDeletePrincipal)

		v1.GET("/usage/:principal_id", s.handleGetUsage)

		v1.POST("/sweep", s.handleSweep)
	}
}

// Run starts the HTTP server
func (s *Server) Run() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.HTTPPort)

	if s.httpServer == nil {
		s.httpServer = NewHTTPServer(addr, s.router)
	}

	s.logger.Info("starting HTTP server", "addr", addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return &apierrors.ErrServerStart{Addr: addr, Err: err}
	}
	return nil
}

// Shutdown gracefully shuts down the server and its components
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("initiating graceful shutdown")

	var wg sync.WaitGroup
	errs := make(chan error, 3)

	if s.httpServer != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.logger.Info("shutting down HTTP server")
			if err := s.httpServer.Shutdown(ctx); err != nil {
				s.logger.Error("HTTP server shutdown error", "error", err.Error())
				errs <- &apierrors.ErrServerShutdown{Err: err}
			}
		}()
	}

	if s.sweeper != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.sweeper.Stop()
		}()
	}

	if s.store != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.store.Close(); err != nil {
				errs <- fmt.Errorf("store close: %w", err)
			}
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	close(errs)
	var errList []error
	for err := range errs {
		if err != nil {
			errList = append(errList, err)
		}
	}
	if len(errList) > 0 {
		return fmt.Errorf("shutdown errors: %v", errList)
	}

	s.logger.Info("graceful shutdown completed")
	return nil
}

// handleHealth returns health status
func (s *Server) handleHealth(c *gin.Context) {
	stats, err := s.store.Stats(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status":    "unhealthy",
			"timestamp": time.Now().UTC(),
			"error":     err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"policies":  stats.PolicyCount,
		"windows":   stats.WindowCount,
	})
}

// AdmitRequest asks whether one unit of work may proceed for a principal.
type AdmitRequest struct {
	PrincipalID string `json:"principal_id" binding:"required"`
	TokenCost   int64  `json:"token_cost" binding:"min=0"`
}

// AdmitResponse mirrors the admission decision.
type AdmitResponse struct {
	Allowed          bool       `json:"allowed"`
	Violated         string     `json:"violated,omitempty"`
	CurrentCount     int64      `json:"current_count,omitempty"`
	Limit            int64      `json:"limit,omitempty"`
	ResetAt          *time.Time `json:"reset_at,omitempty"`
	StoreUnavailable bool       `json:"store_unavailable,omitempty"`
}

func toAdmitResponse(d models.Decision) AdmitResponse {
	resp := AdmitResponse{
		Allowed:          d.Allowed,
		Violated:         string(d.Violated),
		CurrentCount:     d.CurrentCount,
		Limit:            d.Limit,
		StoreUnavailable: d.StoreUnavailable,
	}
	if !d.ResetAt.IsZero() {
		resetAt := d.ResetAt
		resp.ResetAt = &resetAt
	}
	return resp
}

// handleAdmit runs one admission attempt
func (s *Server) handleAdmit(c *gin.Context) {
	var req AdmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	decision := s.engine.TryAdmit(c.Request.Context(), req.PrincipalID, req.TokenCost)

	status := http.StatusOK
	if !decision.Allowed {
		if decision.StoreUnavailable {
			status = http.StatusServiceUnavailable
		} else {
			status = http.StatusTooManyRequests
		}
		s.logger.InfoWithContext(c.Request.Context(), "admission denied",
			"principal_id", req.PrincipalID,
			"violated", string(decision.Violated),
			"store_unavailable", decision.StoreUnavailable,
		)
	}

	c.JSON(status, toAdmitResponse(decision))
}

// ReleaseRequest returns the concurrency slot held by an allowed admission.
type ReleaseRequest struct {
	PrincipalID string `json:"principal_id" binding:"required"`
}

// handleRelease releases a concurrency slot
func (s *Server) handleRelease(c *gin.Context) {
	var req ReleaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	s.engine.Release(req.PrincipalID)
	c.JSON(http.StatusOK, gin.H{"status": "released"})
}

// handleGetPolicy returns the policy for a principal, provisioning the
// defaults if the principal has never been seen.
func (s *Server) handleGetPolicy(c *gin.Context) {
	principalID := c.Param("principal_id")

	policy, err := s.store.GetOrCreatePolicy(c.Request.Context(), principalID)
	if err != nil {
		s.logger.ErrorWithContext(c.Request.Context(), "policy lookup failed",
			"principal_id", principalID, "error", err.Error())
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, policy)
}

// handleUpdatePolicy applies a partial policy update
func (s *Server) handleUpdatePolicy(c *gin.Context) {
	principalID := c.Param("principal_id")

	var update models.PolicyUpdate
	if err := c.ShouldBindJSON(&update); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if update.IsEmpty() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "no fields to update"})
		return
	}

	// Make sure the principal exists so an update never 404s spuriously.
	if _, err := s.store.GetOrCreatePolicy(c.Request.Context(), principalID); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}

	policy, err := s.store.UpdatePolicy(c.Request.Context(), principalID, &update)
	if err != nil {
		var validation *apierrors.ErrPolicyValidation
		if stderrors.As(err, &validation) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		s.logger.ErrorWithContext(c.Request.Context(), "policy update failed",
			"principal_id", principalID, "error", err.Error())
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}

	s.logger.InfoWithContext(c.Request.Context(), "policy updated", "principal_id", principalID)
	c.JSON(http.StatusOK, policy)
}

// handleDeletePrincipal removes a principal's policy and usage history
func (s *Server) handleDeletePrincipal(c *gin.Context) {
	principalID := c.Param("principal_id")

	if err := s.store.DeletePrincipal(c.Request.Context(), principalID); err != nil {
		s.logger.ErrorWithContext(c.Request.Context(), "principal delete failed",
			"principal_id", principalID, "error", err.Error())
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}

	// Durable rows are gone; drop the process-local concurrency counter
	// and its gauge label too.
	if s.engine != nil {
		s.engine.Forget(principalID)
	}

	fields := []interface{}{"principal_id", principalID}
	if key, ok := IsAuthenticated(c); ok {
		fields = append(fields, "api_key", MaskAPIKeys([]string{key})[0])
	}
	s.logger.InfoWithContext(c.Request.Context(), "principal deleted", fields...)
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

// handleGetUsage returns the recorded usage windows for a principal
func (s *Server) handleGetUsage(c *gin.Context) {
	principalID := c.Param("principal_id")

	windows, err := s.store.ListWindows(c.Request.Context(), principalID)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	if windows == nil {
		windows = []*models.UsageWindow{}
	}

	c.JSON(http.StatusOK, gin.H{
		"principal_id": principalID,
		"windows":      windows,
	})
}

// handleSweep triggers a retention sweep on demand
func (s *Server) handleSweep(c *gin.Context) {
	if s.sweeper == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "sweeper not configured"})
		return
	}

	deleted, err := s.sweeper.Sweep(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "swept", "deleted": deleted})
}
