// @title           eMetrics API
// @version         1.0.0
// @description     Multi-tenant performance-management backend. Every organization gets its own PostgreSQL schema built from a fixed entity catalog.
// @basePath        /
// @schemes         http https
// @securityDefinitions.apiKey  Bearer
// @in                          header
// @name                        Authorization
// @description                 "JWT token: 'Bearer {token}'"
//
// @tag.name         System
// @tag.description  Health, readiness, and version endpoints.
//
// @tag.name         Observability
// @tag.description  Prometheus metrics are served on a dedicated side-channel port (default: 9090), separate from the main API server. Configure the port with EMX_TELEMETRY_METRICS_PROMETHEUS_PORT. The endpoint path is always GET /metrics.

// Package main is the entry point for the eMetrics server binary. It
// dispatches its subcommands (serve, migrate, sync, deprovision, admin-token
// and version) via a simple switch on os.Args so the whole CLI surface is
// readable in one place.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/emetrics/emetrics-backend/internal/api"
	"github.com/emetrics/emetrics-backend/internal/audit"
	"github.com/emetrics/emetrics-backend/internal/auth"
	"github.com/emetrics/emetrics-backend/internal/catalog"
	"github.com/emetrics/emetrics-backend/internal/config"
	"github.com/emetrics/emetrics-backend/internal/db"
	"github.com/emetrics/emetrics-backend/internal/db/models"
	"github.com/emetrics/emetrics-backend/internal/db/repositories"
	"github.com/emetrics/emetrics-backend/internal/jobs"
	"github.com/emetrics/emetrics-backend/internal/safego"
	"github.com/emetrics/emetrics-backend/internal/storage"
	_ "github.com/emetrics/emetrics-backend/internal/storage/azure"
	_ "github.com/emetrics/emetrics-backend/internal/storage/gcs"
	_ "github.com/emetrics/emetrics-backend/internal/storage/local"
	_ "github.com/emetrics/emetrics-backend/internal/storage/s3"
	"github.com/emetrics/emetrics-backend/internal/telemetry"
	"github.com/emetrics/emetrics-backend/internal/tenancy"
	"github.com/emetrics/emetrics-backend/pkg/checksum"
)

const (
	version = "0.1.0"

	defaultAdminTokenTTL = 1 * time.Hour
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("Error: %v\n", err)
	}
}

func run() error {
	command := "serve"
	if len(os.Args) > 1 {
		command = os.Args[1]
	}

	configPath := os.Getenv("CONFIG_PATH")

	switch command {
	case "serve":
		return serve(configPath)
	case "admin-token":
		return runAdminToken(os.Args[2:])
	case "version":
		fmt.Printf("eMetrics backend v%s\n", version)
		return nil
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	telemetry.SetupLogger(cfg.Logging.Format, cfg.Logging.Level)

	switch command {
	case "migrate":
		if len(os.Args) < 3 {
			return fmt.Errorf("usage: %s migrate <up|down>", os.Args[0])
		}
		return runMigrations(cfg, os.Args[2])
	case "sync":
		return runSync(cfg)
	case "deprovision":
		if len(os.Args) < 3 {
			return fmt.Errorf("usage: %s deprovision <organization-id>", os.Args[0])
		}
		return runDeprovision(cfg, os.Args[2])
	default:
		return fmt.Errorf("unknown command: %s\nAvailable commands: serve, migrate, sync, deprovision, admin-token, version", command)
	}
}

// components are the tenancy services shared by serve and the one-shot commands.
type components struct {
	db           *sqlx.DB
	catalog      *catalog.Catalog
	readiness    *tenancy.Readiness
	synchronizer *tenancy.Synchronizer
	provisioner  *tenancy.Provisioner
	syncJob      *jobs.SchemaSyncJob
	reports      *storage.ReportArchive
}

// closeReports releases the archive backend for the one-shot commands; serve
// hands it to the router's background services instead.
func (c *components) closeReports() {
	if c.reports == nil {
		return
	}
	if err := c.reports.Close(); err != nil {
		slog.Warn("failed to close report archive", "error", err)
	}
}

func connect(ctx context.Context, cfg *config.Config) (*sqlx.DB, error) {
	database, err := db.Connect(ctx, cfg.Database.GetDSN(), cfg.Database.MaxConnections, cfg.Database.MinIdleConnections)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	slog.Info("connected to database",
		"host", cfg.Database.Host, "port", cfg.Database.Port, "name", cfg.Database.Name,
		"max_connections", cfg.Database.MaxConnections)
	return database, nil
}

// build wires the tenancy services. readiness is only tracked when start-up
// sync runs in the background; in blocking mode every tenant is served as
// soon as the listener is up.
func build(cfg *config.Config, database *sqlx.DB, trackReadiness bool) (*components, error) {
	c := &components{db: database, catalog: catalog.Default()}
	if trackReadiness {
		c.readiness = tenancy.NewReadiness()
	}
	c.synchronizer = tenancy.NewSynchronizer(database, c.catalog, tenancy.SynchronizerConfig{
		Concurrency: cfg.Tenancy.SyncConcurrency,
		Readiness:   c.readiness,
	})

	provisioner, err := tenancy.NewProvisioner(database, c.synchronizer, c.readiness, tenancy.ProvisionerConfig{
		MaxGenerateAttempts: cfg.Tenancy.MaxGenerateAttempts,
		CleanupTimeout:      cfg.Tenancy.CleanupTimeout,
	})
	if err != nil {
		return nil, err
	}
	c.provisioner = provisioner
	runRepo := repositories.NewSyncRunRepository(database)
	c.syncJob = jobs.NewSchemaSyncJob(c.synchronizer, runRepo, cfg.Tenancy.SyncInterval).
		WithRetention(runRepo, cfg.Tenancy.SyncRunRetention)

	if cfg.Archive.Enabled {
		store, err := storage.NewStorage(&cfg.Archive)
		if err != nil {
			return nil, fmt.Errorf("failed to configure report archive: %w", err)
		}
		c.reports = storage.NewReportArchive(store, cfg.Archive.Prefix)
		c.syncJob.WithArchive(c.reports)
		slog.Info("sync report archive enabled", "backend", cfg.Archive.Backend, "prefix", cfg.Archive.Prefix)
	}
	return c, nil
}

func serve(configPath string) error {
	cfg, err := config.LoadAndWatch(configPath, func(updated *config.Config) {
		telemetry.SetupLogger(updated.Logging.Format, updated.Logging.Level)
	})
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Initialise structured logger as early as possible so all subsequent log output
	// uses the configured format (json / text) and level.
	telemetry.SetupLogger(cfg.Logging.Format, cfg.Logging.Level)

	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := auth.ValidateJWTSecret(); err != nil {
		return fmt.Errorf("security configuration error: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	database, err := connect(ctx, cfg)
	if err != nil {
		return err
	}
	defer database.Close()

	telemetry.StartDBStatsCollector(ctx, database.DB)

	slog.Info("running database migrations")
	if err := db.RunMigrations(database.DB, "up"); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	if v, dirty, err := db.GetMigrationVersion(database.DB); err != nil {
		slog.Warn("failed to get migration version", "error", err)
	} else {
		slog.Info("database schema version", "version", v, "dirty", dirty)
	}

	background := cfg.Tenancy.SyncMode == config.SyncModeBackground
	c, err := build(cfg, database, background)
	if err != nil {
		return err
	}

	if background {
		safego.Go("startup-sync", func() {
			if _, err := c.syncJob.RunOnce(ctx, models.SyncTriggerStartup); err != nil {
				slog.Error("start-up schema synchronization failed", "error", err)
			}
		})
	} else {
		slog.Info("synchronizing schemas before serving")
		if _, err := c.syncJob.RunOnce(ctx, models.SyncTriggerStartup); err != nil {
			return fmt.Errorf("start-up schema synchronization failed: %w", err)
		}
	}
	safego.Go("schema-sync-job", func() { c.syncJob.Start(ctx) })

	// Start Prometheus metrics endpoint on a dedicated port so it is not reachable
	// through the public API ingress path.
	if cfg.Telemetry.Metrics.Enabled {
		metricsAddr := fmt.Sprintf(":%d", cfg.Telemetry.Metrics.PrometheusPort)
		safego.Go("metrics-server", func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			slog.Info("starting Prometheus metrics server", "addr", metricsAddr)
			srv := &http.Server{
				Addr:         metricsAddr,
				Handler:      mux,
				ReadTimeout:  10 * time.Second,
				WriteTimeout: 10 * time.Second,
			}
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("metrics server error", "error", err)
			}
		})
	}

	auditShipper, err := newAuditShipper(cfg.Audit)
	if err != nil {
		c.closeReports()
		return fmt.Errorf("failed to configure audit trail: %w", err)
	}

	router, bgServices, err := api.NewRouter(cfg, api.Services{
		DB:          database,
		Catalog:     c.catalog,
		Provisioner: c.provisioner,
		SyncJob:     c.syncJob,
		Readiness:   c.readiness,
		Audit:       auditShipper,
		Reports:     c.reports,
		Version:     version,
	})
	if err != nil {
		if auditShipper != nil {
			_ = auditShipper.Close()
		}
		c.closeReports()
		return err
	}

	server := &http.Server{
		Addr:         cfg.Server.GetAddress(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		slog.Info("starting server", "addr", cfg.Server.GetAddress(), "sync_mode", cfg.Tenancy.SyncMode)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		bgServices.Shutdown()
		return fmt.Errorf("failed to start server: %w", err)
	case <-ctx.Done():
	}

	slog.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	// Stop background jobs and rate limiters
	bgServices.Shutdown()

	slog.Info("server stopped gracefully")
	return nil
}

// newAuditShipper returns nil when the audit trail is disabled.
func newAuditShipper(cfg config.AuditConfig) (audit.Shipper, error) {
	return audit.New(audit.Config{
		Enabled: cfg.Enabled,
		File: audit.FileConfig{
			Path:       cfg.File.Path,
			MaxSizeMB:  cfg.File.MaxSizeMB,
			MaxBackups: cfg.File.MaxBackups,
		},
		Webhook: audit.WebhookConfig{
			URL:           cfg.Webhook.URL,
			Headers:       cfg.Webhook.Headers,
			Timeout:       cfg.Webhook.Timeout,
			BatchSize:     cfg.Webhook.BatchSize,
			FlushInterval: cfg.Webhook.FlushInterval,
		},
	})
}

func runMigrations(cfg *config.Config, direction string) error {
	database, err := connect(context.Background(), cfg)
	if err != nil {
		return err
	}
	defer database.Close()

	slog.Info("running migrations", "direction", direction)
	if err := db.RunMigrations(database.DB, direction); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	v, dirty, err := db.GetMigrationVersion(database.DB)
	if err != nil {
		return fmt.Errorf("failed to get migration version: %w", err)
	}
	slog.Info("migration completed successfully", "version", v, "dirty", dirty)
	return nil
}

// runSync runs one synchronization pass and exits non-zero if any pair failed.
func runSync(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	database, err := connect(ctx, cfg)
	if err != nil {
		return err
	}
	defer database.Close()

	c, err := build(cfg, database, false)
	if err != nil {
		return err
	}
	defer c.closeReports()

	report, err := c.syncJob.RunOnce(ctx, models.SyncTriggerManual)
	if err != nil {
		return err
	}
	fmt.Printf("%s (catalog %s)\n", report.Summary(), checksum.Short(report.CatalogFingerprint, 12))
	return report.Err()
}

func runDeprovision(cfg *config.Config, id string) error {
	database, err := connect(context.Background(), cfg)
	if err != nil {
		return err
	}
	defer database.Close()

	c, err := build(cfg, database, false)
	if err != nil {
		return err
	}
	defer c.closeReports()

	if err := c.provisioner.DeprovisionTenant(context.Background(), id); err != nil {
		return err
	}
	fmt.Printf("Organization %s deprovisioned\n", id)
	return nil
}

// runAdminToken prints an operator token: admin-token [subject] [ttl].
func runAdminToken(args []string) error {
	subject := "operator"
	if len(args) > 0 {
		subject = args[0]
	}
	ttl := defaultAdminTokenTTL
	if len(args) > 1 {
		d, err := time.ParseDuration(args[1])
		if err != nil || d <= 0 {
			return fmt.Errorf("invalid token lifetime %q", args[1])
		}
		ttl = d
	}

	if err := auth.ValidateJWTSecret(); err != nil {
		return fmt.Errorf("security configuration error: %w", err)
	}
	token, err := auth.GenerateAdminJWT(subject, ttl)
	if err != nil {
		return fmt.Errorf("failed to sign token: %w", err)
	}
	fmt.Println(token)
	return nil
}
