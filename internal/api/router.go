package api

import (
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/docuvault/docuvault/internal/auth"
	"github.com/docuvault/docuvault/internal/config"
	"github.com/docuvault/docuvault/internal/middleware"
	"github.com/docuvault/docuvault/internal/safego"
	"github.com/docuvault/docuvault/internal/telemetry"
)

// Version is stamped at build time via -ldflags.
var Version = "dev"

// RouterDeps bundles what the router needs.
type RouterDeps struct {
	Config   *config.Config
	DB       *sql.DB
	Handlers *Handlers
	Logger   middleware.EventLogger
	Limiter  middleware.Limiter
}

// NewRouter assembles the gin engine with the full middleware chain and the
// audit API routes.
func NewRouter(deps RouterDeps) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.RequestID())
	router.Use(LoggerMiddleware())
	router.Use(middleware.SecurityHeaders())
	router.Use(middleware.Metrics())
	router.Use(CORSMiddleware(deps.Config.Server.CORSOrigins))
	if deps.Limiter != nil {
		router.Use(middleware.RateLimit(deps.Limiter))
	}

	router.GET("/health", handleHealth)
	router.GET("/ready", handleReady(deps.DB))
	router.GET("/version", handleVersion)

	v1 := router.Group("/api/v1/audit")
	// The capture hook must run before Authenticate: an auth abort stops the
	// chain, and only earlier middleware observes the rejected status. This
	// is what turns 401/403 responses into unauthorized_access and
	// permission_denied events.
	v1.Use(middleware.Capture(deps.Logger, deps.Config.Runtime, deps.Config.Audit.CaptureBudget))
	v1.Use(middleware.Authenticate())
	{
		read := v1.Group("", middleware.RequireScope(auth.ScopeAuditRead))
		{
			read.GET("/events", deps.Handlers.ListEvents)
			read.GET("/events/:id", deps.Handlers.GetEvent)
			read.GET("/stats/dashboard", deps.Handlers.Dashboard)
			read.GET("/stats/summary", deps.Handlers.Summary)
		}

		v1.GET("/events/:id/verify",
			middleware.RequireScope(auth.ScopeAuditVerify),
			deps.Handlers.VerifyEvent)

		admin := v1.Group("",
			middleware.RequireScope(auth.ScopeAuditAdmin),
			middleware.RequireOperatorToken(deps.Config.Security.OperatorTokenHash))
		{
			admin.POST("/verify-chain", deps.Handlers.VerifyChain)
			admin.POST("/summary/rebuild", deps.Handlers.RebuildSummary)
		}
	}

	return router
}

// BackgroundServices starts the metrics listener and the DB stats collector.
// Both stop when the stop channel closes.
func BackgroundServices(cfg *config.Config, db *sql.DB, stop <-chan struct{}) {
	if !cfg.Telemetry.MetricsEnabled {
		return
	}

	telemetry.StartDBStatsCollector(db, cfg.Telemetry.DBStatsInterval, stop)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Telemetry.MetricsPort),
		Handler: mux,
	}
	safego.Go("metrics-server", func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("metrics server failed", "error", err)
		}
	})
	safego.Go("metrics-server-shutdown", func() {
		<-stop
		_ = srv.Close()
	})
}

func handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func handleReady(db *sql.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		if db == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "no database"})
			return
		}
		if err := db.PingContext(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "database unreachable"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	}
}

func handleVersion(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"version": Version})
}

// LoggerMiddleware logs one structured line per request.
func LoggerMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		slog.Info("http request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"client_ip", c.ClientIP(),
			"request_id", middleware.GetRequestID(c))
	}
}

// CORSMiddleware allows the configured dashboard origins. An empty allowlist
// disables cross-origin access entirely.
func CORSMiddleware(origins []string) gin.HandlerFunc {
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		allowed[o] = true
	}
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin != "" && allowed[origin] {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			c.Header("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Operator-Token, X-Request-ID")
			c.Header("Vary", "Origin")
		}
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
