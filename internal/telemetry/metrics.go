// Package telemetry provides application-level observability for the tenancy core.
//
// # Prometheus Metrics Endpoint
//
// All metrics are registered against the default Prometheus registry and are
// served by the side-channel HTTP server started by main.go:
//
//	GET http://<host>:<EMX_TELEMETRY_METRICS_PROMETHEUS_PORT>/metrics
//
// Default port: 9090. The endpoint is not served by the Gin router.
//
// # Metric Groups
//
//   - HTTP request counters and latency histograms (labelled by route template, not raw URL)
//   - Tenant provisioning and deprovisioning outcomes
//   - Schema synchronizer pass duration and per-entity failures
//   - Tenant namespace gauge (set after each synchronizer pass)
//   - Database connection pool gauge (polled every 30 s)
//   - Audit delivery failures, by shipper type
//   - Sync report archive failures
//
// # Label Cardinality
//
// No metric carries a tenant identifier as a label. The number of tenants is
// unbounded; entity names and outcomes are not.
package telemetry

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Provisioning outcome label values.
const (
	OutcomeSuccess   = "success"
	OutcomeCollision = "collision"
	OutcomeInvalid   = "invalid"
	OutcomeFailure   = "failure"
	OutcomeUnknown   = "unknown_tenant"
)

// HTTP metrics, labelled by method, route template, and status code.
//
// Example PromQL queries:
//   - Request rate (req/s, 5 m window):  rate(http_requests_total[5m])
//   - p99 latency per route:             histogram_quantile(0.99, sum by (path, le) (rate(http_request_duration_seconds_bucket[5m])))
var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests processed, by method, route template, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request latencies, by method and route template.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"method", "path"},
	)
)

// Tenant lifecycle metrics.
//
// TenantProvisioningTotal is a CounterVec with label {outcome}: success,
// collision, invalid or failure. A rising failure rate usually means the
// database refused DDL (permissions, disk) and compensation is running.
//
// Example PromQL queries:
//   - Failure ratio:  sum(rate(tenant_provisioning_total{outcome="failure"}[1h])) / sum(rate(tenant_provisioning_total[1h]))
var (
	TenantProvisioningTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tenant_provisioning_total",
			Help: "Total number of tenant provisioning attempts, by outcome.",
		},
		[]string{"outcome"},
	)

	TenantDeprovisioningTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tenant_deprovisioning_total",
			Help: "Total number of tenant deprovisioning attempts, by outcome.",
		},
		[]string{"outcome"},
	)

	// TenantNamespaces is the number of tenant namespaces seen by the last
	// synchronizer pass.
	TenantNamespaces = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tenant_namespaces",
			Help: "Number of tenant namespaces observed by the last schema synchronization pass.",
		},
	)
)

// Schema synchronizer metrics.
//
// SchemaSyncDuration observes one complete SynchronizeAll pass.
//
// SchemaSyncPairFailuresTotal counts failed (namespace, entity) pairs by entity.
// Alert on increase(schema_sync_pair_failures_total[30m]) > 0.
var (
	SchemaSyncDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "schema_sync_duration_seconds",
			Help:    "Duration of a full schema synchronization pass across all namespaces.",
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
		},
	)

	SchemaSyncPairFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "schema_sync_pair_failures_total",
			Help: "Total number of failed (namespace, entity) synchronizations, by entity.",
		},
		[]string{"entity"},
	)
)

// DBOpenConnections tracks the number of open connections held by the shared
// pool. It is sampled every 30 seconds by StartDBStatsCollector.
//
// Example PromQL queries:
//   - Pool utilisation (%): db_open_connections / <EMX_DATABASE_MAX_CONNECTIONS> * 100
var DBOpenConnections = promauto.NewGauge(
	prometheus.GaugeOpts{
		Name: "db_open_connections",
		Help: "Current number of open database connections in the pool.",
	},
)

// AuditShipFailuresTotal counts audit events a shipper failed to deliver or
// had to drop. Audit delivery never fails the request that produced the event.
var AuditShipFailuresTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "audit_ship_failures_total",
		Help: "Audit events that could not be delivered, by shipper type.",
	},
	[]string{"shipper"},
)

// SyncReportArchiveFailuresTotal counts sync reports that could not be
// written to the report archive. The run row is recorded regardless.
var SyncReportArchiveFailuresTotal = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: "sync_report_archive_failures_total",
		Help: "Sync reports that could not be archived.",
	},
)

// StartDBStatsCollector samples sql.DB pool statistics every 30 seconds until
// ctx is cancelled or the database becomes unreachable.
func StartDBStatsCollector(ctx context.Context, db *sql.DB) {
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := db.PingContext(ctx); err != nil {
					slog.Warn("db stats collector: database unreachable, stopping collector", "error", err)
					return
				}
				DBOpenConnections.Set(float64(db.Stats().OpenConnections))
			}
		}
	}()
}
