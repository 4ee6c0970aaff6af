// Package http assembles the gin route tree and the HTTP server lifecycle of
// the API service.
package http

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/turtacn/ABLab/internal/infrastructure/monitoring/logging"
	"github.com/turtacn/ABLab/internal/infrastructure/monitoring/prometheus"
	"github.com/turtacn/ABLab/internal/interfaces/http/handlers"
	"github.com/turtacn/ABLab/internal/interfaces/http/middleware"
)

// RouterConfig aggregates all handler and middleware dependencies required to
// construct the complete route tree. Nil handlers skip their route group and
// nil middleware dependencies skip that middleware, so tests can wire only
// the slice they exercise.
type RouterConfig struct {
	ExperimentHandler *handlers.ExperimentHandler
	AssignmentHandler *handlers.AssignmentHandler
	ResultHandler     *handlers.ResultHandler
	HealthHandler     *handlers.HealthHandler

	// MetricsHandler serves GET /metrics; usually the collector's
	// promhttp handler.
	MetricsHandler http.Handler

	Logger      logging.Logger
	Metrics     *prometheus.AppMetrics
	CORS        *middleware.CORSConfig
	RateLimiter middleware.RateLimiter
}

// SetMode translates the configured server mode to the gin mode. Unknown
// values fall back to release.
func SetMode(mode string) {
	switch mode {
	case "debug":
		gin.SetMode(gin.DebugMode)
	case "test":
		gin.SetMode(gin.TestMode)
	default:
		gin.SetMode(gin.ReleaseMode)
	}
}

// NewRouter builds the engine with the standard middleware chain and every
// configured route group.
func NewRouter(cfg RouterConfig) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestID())

	if cfg.Logger != nil {
		r.Use(middleware.RequestLogging(cfg.Logger, middleware.DefaultLoggingConfig()))
	}
	if cfg.CORS != nil {
		r.Use(middleware.CORS(*cfg.CORS))
	}
	if cfg.RateLimiter != nil {
		r.Use(middleware.RateLimit(cfg.RateLimiter, middleware.DefaultRateLimitConfig()))
	}
	if cfg.Metrics != nil {
		r.Use(middleware.Metrics(cfg.Metrics))
	}

	if cfg.HealthHandler != nil {
		r.GET("/healthz", cfg.HealthHandler.Liveness)
		r.GET("/readyz", cfg.HealthHandler.Readiness)
	}
	if cfg.MetricsHandler != nil {
		r.GET("/metrics", gin.WrapH(cfg.MetricsHandler))
	}

	api := r.Group("/api/v1")
	registerExperimentRoutes(api, cfg.ExperimentHandler)
	registerAssignmentRoutes(api, cfg.AssignmentHandler)
	registerResultRoutes(api, cfg.ResultHandler)

	return r
}

func registerExperimentRoutes(api *gin.RouterGroup, h *handlers.ExperimentHandler) {
	if h == nil {
		return
	}

	api.POST("/experiments", h.Create)
	api.GET("/experiments", h.List)
	api.GET("/experiments/:name", h.Get)
	api.POST("/experiments/:name/activate", h.Activate)
	api.POST("/experiments/:name/pause", h.Pause)
	api.POST("/experiments/:name/resume", h.Resume)
	api.POST("/experiments/:name/complete", h.Complete)
	api.POST("/experiments/:name/archive", h.Archive)
	api.PUT("/experiments/:name/metric", h.UpdateMetric)
}

func registerAssignmentRoutes(api *gin.RouterGroup, h *handlers.AssignmentHandler) {
	if h == nil {
		return
	}

	api.POST("/assignments", h.Assign)
	api.GET("/assignments", h.Lookup)
}

func registerResultRoutes(api *gin.RouterGroup, h *handlers.ResultHandler) {
	if h == nil {
		return
	}

	api.POST("/results", h.Record)
	api.GET("/experiments/:name/results", h.GetResults)
	api.GET("/experiments/:name/results/recent", h.GetRecent)
	api.GET("/experiments/:name/significance", h.Significance)
}
