// Package api wires together all HTTP routes for the backup service.
//
// Route grouping:
//   - /health, /ready and /version are unauthenticated probes.
//   - Everything under /api/v1/ requires a Bearer JWT or API key, a scope matching the
//     operation, and a role in the company the request acts on. Restore and export
//     resolve the company from the request body; the read endpoints resolve it from the
//     X-Company-ID header or the company_id query parameter.
//   - POST /api/backup/restore is kept as an alias of the v1 restore endpoint for ERP
//     clients that predate the versioned prefix.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/erp-backup/backup-service/internal/api/backup"
	"github.com/erp-backup/backup-service/internal/app"
	"github.com/erp-backup/backup-service/internal/auth"
	"github.com/erp-backup/backup-service/internal/config"
	"github.com/erp-backup/backup-service/internal/db/models"
	"github.com/erp-backup/backup-service/internal/jobs"
	"github.com/erp-backup/backup-service/internal/middleware"
	"github.com/erp-backup/backup-service/internal/safego"
	"github.com/erp-backup/backup-service/internal/storage"
)

// Version is reported by /version. cmd/server overrides it at link time.
var Version = "0.1.0"

// readinessProbeKey is a known-absent object used to probe the storage backend.
const readinessProbeKey = ".readiness-probe"

// BackgroundServices holds references to background jobs and resources that must
// be stopped during graceful shutdown. The caller (cmd/server) is responsible for
// calling Shutdown() when the process receives a termination signal.
type BackgroundServices struct {
	reaper       *jobs.StaleRestoreReaper
	retention    *jobs.ArchiveRetention
	closeLimiter func()
}

// Shutdown stops all background goroutines. It should be called after the HTTP
// server has been shut down so that in-flight requests are drained first.
func (bg *BackgroundServices) Shutdown() {
	slog.Info("stopping background services")
	if bg.reaper != nil {
		bg.reaper.Stop()
	}
	if bg.retention != nil {
		bg.retention.Stop()
	}
	if bg.closeLimiter != nil {
		bg.closeLimiter()
	}
	slog.Info("all background services stopped")
}

// Pinger is satisfied by *sql.DB and *sqlx.DB.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// NewRouter creates and configures the Gin router over the wired application and
// starts the background jobs.
func NewRouter(ctx context.Context, cfg *config.Config, a *app.App) (*gin.Engine, *BackgroundServices, error) {
	router := gin.New()
	bg := &BackgroundServices{}

	rl := cfg.Security.RateLimiting
	var limiter middleware.Limiter
	if rl.Enabled {
		l, closeFn, err := middleware.NewLimiter(ctx, cfg)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize rate limiter: %w", err)
		}
		limiter, bg.closeLimiter = l, closeFn
		slog.Info("rate limiting enabled", "backend", rl.Backend,
			"requests_per_minute", rl.RequestsPerMinute, "restores_per_hour", rl.RestoresPerHour)
	}

	// Add middleware
	router.Use(gin.Recovery())
	router.Use(middleware.RequestIDMiddleware())
	router.Use(middleware.MetricsMiddleware())
	router.Use(LoggerMiddleware())
	router.Use(middleware.CORSMiddleware(cfg.Security.CORS))
	router.Use(middleware.SecurityHeadersMiddleware(middleware.APISecurityHeadersConfig(cfg.Security.TLS.Enabled)))

	router.GET("/health", healthCheckHandler(a.DB))
	router.GET("/ready", readinessHandler(a.DB, a.Storage))
	router.GET("/version", versionHandler())

	handlers := backup.NewHandlers(a.Restores, a.Archives, a.AuditLogs, a.Resolver)
	handlers.SetMaxSnapshotBytes(cfg.Restore.MaxSnapshotBytes)
	if limiter != nil && rl.RestoresPerHour > 0 {
		handlers.SetRestoreLimit(limiter, middleware.PerHour(rl.RestoresPerHour))
	}

	authenticated := []gin.HandlerFunc{}
	if limiter != nil {
		authenticated = append(authenticated, middleware.RateLimitMiddleware(limiter, middleware.PerMinute(rl.RequestsPerMinute, rl.Burst)))
	}
	authenticated = append(authenticated, middleware.AuthMiddleware(a.Users, a.APIKeys))

	registerRoutes(router, handlers, a, authenticated)

	// Legacy restore path used by older ERP clients
	legacy := router.Group("/api/backup", authenticated...)
	legacy.POST("/restore", middleware.RequireScope(auth.ScopeBackupRestore), handlers.RestoreHandler())

	bg.reaper = jobs.NewStaleRestoreReaper(a.Restores, cfg.Restore.StaleAfter, cfg.Restore.ReaperInterval)
	if cfg.Restore.ReaperInterval > 0 {
		safego.Go("stale-restore-reaper", func() { bg.reaper.Start(ctx) })
	} else {
		slog.Info("stale restore reaper disabled (restore.reaper_interval=0)")
		bg.reaper = nil
	}

	bg.retention = jobs.NewArchiveRetention(a.Archives, cfg.Snapshot.ArchiveRetentionDays, cfg.Snapshot.RetentionCheckInterval)
	if bg.retention.Enabled() {
		safego.Go("archive-retention", func() { bg.retention.Start(ctx) })
	} else {
		bg.retention = nil
	}

	return router, bg, nil
}

// registerRoutes mounts the versioned backup API.
func registerRoutes(router *gin.Engine, h *backup.Handlers, a *app.App, authenticated []gin.HandlerFunc) {
	v1 := router.Group("/api/v1", authenticated...)

	backupGroup := v1.Group("/backup")
	{
		// Restore and export resolve the company and role from the request body
		backupGroup.POST("/restore", middleware.RequireScope(auth.ScopeBackupRestore), h.RestoreHandler())
		backupGroup.POST("/export", middleware.RequireScope(auth.ScopeBackupExport), h.ExportHandler())

		read := backupGroup.Group("", middleware.RequireScope(auth.ScopeBackupRead))
		{
			read.GET("/restores", middleware.RequireCompany(a.Resolver, models.RoleStaff), h.ListRestoresHandler())
			read.GET("/restores/:id", middleware.RequireCompany(a.Resolver, models.RoleStaff), h.GetRestoreHandler())
			read.GET("/archives", middleware.RequireCompany(a.Resolver, models.RoleStaff), h.ListArchivesHandler())
			read.GET("/archives/:id/download", middleware.RequireCompany(a.Resolver, models.RoleManager), h.DownloadArchiveHandler())
		}
	}

	v1.GET("/audit-logs",
		middleware.RequireScope(auth.ScopeAuditRead),
		middleware.RequireCompany(a.Resolver, models.RoleManager),
		h.ListAuditLogsHandler(),
	)
}

// @Summary      Health check
// @Description  Returns the health status of the service, including database connectivity.
// @Tags         System
// @Produce      json
// @Success      200  {object}  map[string]interface{}  "status: healthy, time: RFC3339 timestamp"
// @Failure      503  {object}  map[string]interface{}  "status: unhealthy, error: database connection failed"
// @Router       /health [get]
func healthCheckHandler(db Pinger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := db.PingContext(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status": "unhealthy",
				"error":  "database connection failed",
			})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"status": "healthy",
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	}
}

// @Summary      Readiness check
// @Description  Returns whether the service is ready to accept traffic. Checks the database and the archive storage backend.
// @Tags         System
// @Produce      json
// @Success      200  {object}  map[string]interface{}  "ready: true, checks, time"
// @Failure      503  {object}  map[string]interface{}  "ready: false, checks, error"
// @Router       /ready [get]
// readinessHandler also probes storage so a readiness gate fails while archive export
// and archive restores would error.
func readinessHandler(db Pinger, store storage.Storage) gin.HandlerFunc {
	return func(c *gin.Context) {
		checks := gin.H{}

		if err := db.PingContext(c.Request.Context()); err != nil {
			checks["database"] = "unhealthy"
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"ready":  false,
				"checks": checks,
				"error":  "database not ready",
			})
			return
		}
		checks["database"] = "healthy"

		// Exists() exercises authentication and network connectivity without creating state.
		if _, err := store.Exists(c.Request.Context(), readinessProbeKey); err != nil {
			checks["storage"] = "unhealthy"
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"ready":  false,
				"checks": checks,
				"error":  "storage backend not ready",
			})
			return
		}
		checks["storage"] = "healthy"

		c.JSON(http.StatusOK, gin.H{
			"ready":  true,
			"checks": checks,
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	}
}

// @Summary      API version
// @Tags         System
// @Produce      json
// @Success      200  {object}  map[string]interface{}  "version, api_version"
// @Router       /version [get]
func versionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"version":     Version,
			"api_version": "v1",
		})
	}
}

// LoggerMiddleware emits one structured slog record per request. The output format
// follows the default handler installed by telemetry.SetupLogger.
func LoggerMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		level := slog.LevelInfo
		switch status := c.Writer.Status(); {
		case status >= http.StatusInternalServerError:
			level = slog.LevelError
		case status >= http.StatusBadRequest:
			level = slog.LevelWarn
		}

		attrs := []slog.Attr{
			slog.String("method", c.Request.Method),
			slog.String("path", path),
			slog.String("query", query),
			slog.Int("status", c.Writer.Status()),
			slog.Int("size", c.Writer.Size()),
			slog.Duration("latency", time.Since(start)),
			slog.String("ip", c.ClientIP()),
			slog.String("request_id", c.GetString(middleware.RequestIDKey)),
			slog.String("user_agent", c.Request.UserAgent()),
		}
		if cc, ok := middleware.CompanyFrom(c); ok && cc != nil {
			attrs = append(attrs, slog.String("company_id", cc.CompanyID.String()))
		}
		if len(c.Errors) > 0 {
			attrs = append(attrs, slog.String("errors", c.Errors.String()))
		}
		slog.LogAttrs(c.Request.Context(), level, "http request", attrs...)
	}
}
