// Package api wires together all HTTP routes of the eMetrics backend.
//
// Route groups:
//   - /health, /ready and /version are unauthenticated probes.
//   - /api/v1/organizations/register and /api/v1/auth/login are public and sit
//     behind the strict auth rate limiter.
//   - /api/v1/records/:entity is the tenant data surface. A tenant token is
//     required and the tenant is taken from the token, never from the request.
//   - /api/v1/admin requires an operator token.
package api

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"

	"github.com/emetrics/emetrics-backend/internal/api/admin"
	"github.com/emetrics/emetrics-backend/internal/api/organizations"
	"github.com/emetrics/emetrics-backend/internal/api/records"
	"github.com/emetrics/emetrics-backend/internal/audit"
	"github.com/emetrics/emetrics-backend/internal/catalog"
	"github.com/emetrics/emetrics-backend/internal/config"
	"github.com/emetrics/emetrics-backend/internal/db/repositories"
	"github.com/emetrics/emetrics-backend/internal/jobs"
	"github.com/emetrics/emetrics-backend/internal/middleware"
	"github.com/emetrics/emetrics-backend/internal/storage"
	"github.com/emetrics/emetrics-backend/internal/tenancy"
)

// Services are the long-lived components the router serves. They are built
// once by cmd/server and shared with the start-up sync.
type Services struct {
	DB          *sqlx.DB
	Catalog     *catalog.Catalog
	Provisioner *tenancy.Provisioner
	SyncJob     *jobs.SchemaSyncJob
	// Readiness is nil when the start-up sync runs in blocking mode.
	Readiness *tenancy.Readiness
	// Audit receives lifecycle events; nil disables the audit trail.
	Audit audit.Shipper
	// Reports is nil when the sync report archive is disabled.
	Reports *storage.ReportArchive
	Version string
}

// BackgroundServices holds references to background jobs and resources that must
// be stopped during graceful shutdown. The caller (cmd/server) is responsible for
// calling Shutdown() when the process receives a termination signal.
type BackgroundServices struct {
	syncJob      *jobs.SchemaSyncJob
	rateLimiters []middleware.Limiter
	audit        audit.Shipper
	reports      *storage.ReportArchive
}

// Shutdown stops all background goroutines. It should be called after the HTTP
// server has been shut down so that in-flight requests are drained first.
func (bg *BackgroundServices) Shutdown() {
	slog.Info("stopping background services")
	if bg.syncJob != nil {
		bg.syncJob.Stop()
	}
	for _, rl := range bg.rateLimiters {
		if err := rl.Close(); err != nil {
			slog.Warn("failed to close rate limiter", "error", err)
		}
	}
	if bg.audit != nil {
		if err := bg.audit.Close(); err != nil {
			slog.Warn("failed to close audit shipper", "error", err)
		}
	}
	if bg.reports != nil {
		if err := bg.reports.Close(); err != nil {
			slog.Warn("failed to close report archive", "error", err)
		}
	}
	slog.Info("all background services stopped")
}

// NewRouter creates and configures the Gin router
func NewRouter(cfg *config.Config, svc Services) (*gin.Engine, *BackgroundServices, error) {
	router := gin.New()
	bg := &BackgroundServices{syncJob: svc.SyncJob, audit: svc.Audit, reports: svc.Reports}

	// Initialize repositories
	directoryRepo := repositories.NewDirectoryRepository(svc.DB)
	orgRepo := repositories.NewOrganizationRepository(svc.DB)
	syncRunRepo := repositories.NewSyncRunRepository(svc.DB)
	registry := tenancy.NewRegistry(svc.DB)
	binder := tenancy.NewBinder(svc.DB, svc.Readiness)

	tokenTTL := cfg.Tenancy.TokenTTL
	if tokenTTL <= 0 {
		tokenTTL = organizations.DefaultTokenTTL
	}
	orgHandlers := organizations.NewHandlers(svc.Provisioner, directoryRepo, tokenTTL).WithAudit(svc.Audit)
	recordHandlers := records.NewHandlers(svc.Catalog, binder)
	adminHandlers := admin.NewHandlers(svc.SyncJob, registry, orgRepo, svc.Provisioner, syncRunRepo, svc.Readiness).
		WithAudit(svc.Audit)
	if svc.Reports != nil {
		adminHandlers.WithReports(svc.Reports)
	}

	// Add middleware
	router.Use(gin.Recovery())
	router.Use(middleware.RequestIDMiddleware())
	router.Use(middleware.MetricsMiddleware())
	router.Use(middleware.LoggerMiddleware())
	router.Use(middleware.CORSMiddleware(cfg.Security.CORS.AllowedOrigins))
	router.Use(middleware.SecurityHeadersMiddleware())

	router.GET("/health", healthCheckHandler(svc.DB))
	var lastSync func() *tenancy.SyncReport
	if svc.SyncJob != nil {
		lastSync = svc.SyncJob.LastReport
	}
	router.GET("/ready", readinessHandler(svc.DB, svc.Readiness, lastSync))
	router.GET("/version", versionHandler(svc.Version, svc.Catalog.Fingerprint()))

	// Rate limiters
	authLimit, generalLimit := rateLimitConfigs(cfg.Security.RateLimiting)
	authLimiter, err := middleware.NewLimiter(authLimit, cfg.Security.RateLimiting.RedisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create auth rate limiter: %w", err)
	}
	generalLimiter, err := middleware.NewLimiter(generalLimit, cfg.Security.RateLimiting.RedisURL)
	if err != nil {
		_ = authLimiter.Close()
		return nil, nil, fmt.Errorf("failed to create rate limiter: %w", err)
	}
	bg.rateLimiters = []middleware.Limiter{authLimiter, generalLimiter}

	limit := func(l middleware.Limiter, rc middleware.RateLimitConfig) gin.HandlerFunc {
		if !cfg.Security.RateLimiting.Enabled {
			return func(c *gin.Context) { c.Next() }
		}
		return middleware.RateLimitMiddleware(l, rc)
	}

	apiV1 := router.Group("/api/v1")
	{
		// Registration and login
		public := apiV1.Group("")
		public.Use(limit(authLimiter, authLimit))
		{
			public.POST("/organizations/register", orgHandlers.Register())
			public.POST("/auth/login", orgHandlers.Login())
		}

		// Tenant records
		recordsGroup := apiV1.Group("/records/:entity")
		recordsGroup.Use(middleware.AuthMiddleware())
		recordsGroup.Use(middleware.TenantMiddleware())
		recordsGroup.Use(limit(generalLimiter, generalLimit))
		{
			recordsGroup.GET("", recordHandlers.List())
			recordsGroup.GET("/:id", recordHandlers.Get())

			writers := middleware.RequireRole(catalog.RoleSuperAdmin, catalog.RoleEmployer)
			recordsGroup.POST("", writers, recordHandlers.Create())
			recordsGroup.PUT("/:id", writers, recordHandlers.Update())
			recordsGroup.DELETE("/:id", writers, recordHandlers.Delete())
		}

		// Operator endpoints
		adminGroup := apiV1.Group("/admin")
		adminGroup.Use(middleware.AuthMiddleware())
		adminGroup.Use(middleware.RequireAdmin())
		{
			adminGroup.POST("/sync", adminHandlers.Sync())
			adminGroup.GET("/sync/runs", adminHandlers.ListSyncRuns())
			adminGroup.GET("/sync/runs/:id/report", adminHandlers.GetSyncReport())
			adminGroup.HEAD("/sync/runs/:id/report", adminHandlers.HeadSyncReport())
			adminGroup.GET("/namespaces", adminHandlers.ListNamespaces())
			adminGroup.GET("/organizations", adminHandlers.ListOrganizations())
			adminGroup.DELETE("/organizations/:id", adminHandlers.DeleteOrganization())
		}
	}

	return router, bg, nil
}

// rateLimitConfigs derives the auth and general limits. Configured values
// override the general defaults; the auth limit is never looser than them.
func rateLimitConfigs(rl config.RateLimitingConfig) (authCfg, general middleware.RateLimitConfig) {
	authCfg = middleware.AuthRateLimitConfig()
	general = middleware.DefaultRateLimitConfig()
	if rl.RequestsPerMinute > 0 {
		general.RequestsPerMinute = rl.RequestsPerMinute
		authCfg.RequestsPerMinute = min(authCfg.RequestsPerMinute, rl.RequestsPerMinute)
	}
	if rl.Burst > 0 {
		general.BurstSize = rl.Burst
		authCfg.BurstSize = min(authCfg.BurstSize, rl.Burst)
	}
	return authCfg, general
}

func timestamp() string {
	return time.Now().UTC().Format(time.RFC3339)
}
