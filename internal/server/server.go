// Package server provides the HTTP API for rivald.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/rivald/internal/orchestrator"
	"github.com/fyrsmithlabs/rivald/internal/search"
	"github.com/fyrsmithlabs/rivald/internal/vectorstore"
)

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int

	// DefaultBatchSize applies when a build request omits batch_size.
	DefaultBatchSize int

	// DefaultForceRebuild applies when a build request omits force_rebuild.
	DefaultForceRebuild bool
}

// Server exposes the pipeline over HTTP.
type Server struct {
	echo     *echo.Echo
	builds   *orchestrator.Orchestrator
	searcher *search.Service
	metrics  *Metrics
	logger   *zap.Logger
	config   *Config
}

// NewServer creates the HTTP server.
func NewServer(builds *orchestrator.Orchestrator, searcher *search.Service, metrics *Metrics, logger *zap.Logger, cfg *Config) (*Server, error) {
	if builds == nil {
		return nil, fmt.Errorf("orchestrator cannot be nil")
	}
	if searcher == nil {
		return nil, fmt.Errorf("search service cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if metrics == nil {
		metrics = NewMetrics()
	}
	if cfg == nil {
		cfg = &Config{Host: "localhost", Port: 8090}
	}
	if cfg.DefaultBatchSize <= 0 {
		cfg.DefaultBatchSize = 256
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Middleware
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			duration := time.Since(start)

			logger.Info("http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", duration),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)

			return err
		}
	})

	s := &Server{
		echo:     e,
		builds:   builds,
		searcher: searcher,
		metrics:  metrics,
		logger:   logger,
		config:   cfg,
	}

	s.registerRoutes()

	return s, nil
}

// registerRoutes sets up the HTTP endpoints.
func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/v1")
	v1.POST("/index/build", s.handleTriggerBuild)
	v1.GET("/index/status", s.handleBuildStatus)
	v1.POST("/search", s.handleSearch)
}

// BuildRequest is the request body for POST /v1/index/build.
type BuildRequest struct {
	BatchSize    *int  `json:"batch_size,omitempty"`
	ForceRebuild *bool `json:"force_rebuild,omitempty"`
}

// BuildResponse is the response body for POST /v1/index/build.
type BuildResponse struct {
	BuildID   string    `json:"build_id"`
	StartedAt time.Time `json:"started_at"`
}

// ConflictResponse reports the running build when a trigger is rejected.
type ConflictResponse struct {
	Error          string `json:"error"`
	RunningBuildID string `json:"running_build_id"`
}

// SearchRequest is the request body for POST /v1/search.
type SearchRequest struct {
	Query   string                 `json:"query"`
	TopK    int                    `json:"top_k"`
	Filters map[string]interface{} `json:"filters,omitempty"`
}

// SearchResponse is the response body for POST /v1/search.
type SearchResponse struct {
	Results []search.Result `json:"results"`
}

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

// handleHealth returns a simple liveness response.
func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

// handleTriggerBuild starts a build and returns 202 with its handle, or 409
// with the running build's id when one is already in flight.
func (s *Server) handleTriggerBuild(c echo.Context) error {
	var req BuildRequest
	if err := c.Bind(&req); err != nil {
		s.logger.Warn("invalid build request", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	batchSize := s.config.DefaultBatchSize
	if req.BatchSize != nil {
		if *req.BatchSize <= 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "batch_size must be positive")
		}
		batchSize = *req.BatchSize
	}
	forceRebuild := s.config.DefaultForceRebuild
	if req.ForceRebuild != nil {
		forceRebuild = *req.ForceRebuild
	}

	handle, err := s.builds.TriggerBuild(batchSize, forceRebuild)
	if err != nil {
		var conflict *orchestrator.Conflict
		if errors.As(err, &conflict) {
			return c.JSON(http.StatusConflict, ConflictResponse{
				Error:          "build already in progress",
				RunningBuildID: conflict.RunningBuildID,
			})
		}
		s.logger.Error("failed to trigger build", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to trigger build")
	}

	return c.JSON(http.StatusAccepted, BuildResponse{
		BuildID:   handle.BuildID,
		StartedAt: handle.StartedAt,
	})
}

// handleBuildStatus returns the latest build status document.
func (s *Server) handleBuildStatus(c echo.Context) error {
	status, err := s.builds.Status()
	if err != nil {
		if errors.Is(err, orchestrator.ErrNoBuild) {
			return echo.NewHTTPError(http.StatusNotFound, "no build has been triggered yet")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to read build status")
	}
	return c.JSON(http.StatusOK, status)
}

// handleSearch runs a filtered similarity search.
func (s *Server) handleSearch(c echo.Context) error {
	start := time.Now()

	var req SearchRequest
	if err := c.Bind(&req); err != nil {
		s.logger.Warn("invalid search request", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.TopK == 0 {
		req.TopK = 10
	}

	results, err := s.searcher.Search(c.Request().Context(), req.Query, req.TopK, req.Filters)
	s.metrics.SearchDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		if isValidationError(err) {
			s.metrics.SearchesTotal.WithLabelValues("invalid").Inc()
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		s.metrics.SearchesTotal.WithLabelValues("error").Inc()
		s.logger.Error("search failed", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "search failed")
	}

	s.metrics.SearchesTotal.WithLabelValues("ok").Inc()
	if results == nil {
		results = []search.Result{}
	}
	return c.JSON(http.StatusOK, SearchResponse{Results: results})
}

// isValidationError classifies request errors as caller mistakes.
func isValidationError(err error) bool {
	return errors.Is(err, search.ErrEmptyQuery) ||
		errors.Is(err, search.ErrInvalidTopK) ||
		errors.Is(err, search.ErrUnknownFilterField) ||
		errors.Is(err, vectorstore.ErrInvalidFilter)
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info("starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}
