package tenancy

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
	"golang.org/x/sync/errgroup"

	"github.com/emetrics/emetrics-backend/internal/catalog"
	"github.com/emetrics/emetrics-backend/internal/telemetry"
)

// DefaultSyncConcurrency bounds namespace fan-out when no value is configured.
const DefaultSyncConcurrency = 4

const existingColumnsQuery = `
	SELECT column_name
	FROM information_schema.columns
	WHERE table_schema = $1 AND table_name = $2
`

const tableExistsQuery = `
	SELECT EXISTS (
		SELECT 1 FROM information_schema.tables WHERE table_schema = $1 AND table_name = $2
	)
`

const existingIndexesQuery = `
	SELECT indexname
	FROM pg_indexes
	WHERE schemaname = $1 AND tablename = $2
`

// SynchronizerConfig tunes a Synchronizer.
type SynchronizerConfig struct {
	// Concurrency is the number of namespaces synchronized at once. It must
	// stay well below the pool size so request traffic is not starved.
	Concurrency int
	// Readiness, when set, is told about every namespace that finishes a
	// pass without failures.
	Readiness *Readiness
}

// Synchronizer brings the global entities and every tenant namespace in line
// with the catalog. It only ever adds: missing tables, missing columns and
// missing indexes. Nothing is dropped or altered in place.
type Synchronizer struct {
	db          sqlx.ExtContext
	registry    *Registry
	catalog     *catalog.Catalog
	ddl         ddlBuilder
	concurrency int
	readiness   *Readiness
}

// NewSynchronizer creates a synchronizer for cat over db.
func NewSynchronizer(db sqlx.ExtContext, cat *catalog.Catalog, cfg SynchronizerConfig) *Synchronizer {
	concurrency := cfg.Concurrency
	if concurrency < 1 {
		concurrency = DefaultSyncConcurrency
	}
	return &Synchronizer{
		db:          db,
		registry:    NewRegistry(db),
		catalog:     cat,
		ddl:         ddlBuilder{catalog: cat},
		concurrency: concurrency,
		readiness:   cfg.Readiness,
	}
}

// Catalog returns the catalog being synchronized.
func (s *Synchronizer) Catalog() *catalog.Catalog { return s.catalog }

// SynchronizeAll runs one full pass: global entities first, then every tenant
// namespace with bounded concurrency. Only a failure to list namespaces is
// returned as an error; per-pair failures are logged and collected in the
// report (see SyncReport.Err).
func (s *Synchronizer) SynchronizeAll(ctx context.Context) (*SyncReport, error) {
	report := &SyncReport{StartedAt: time.Now().UTC(), CatalogFingerprint: s.catalog.Fingerprint()}
	defer func() {
		telemetry.SchemaSyncDuration.Observe(time.Since(report.StartedAt).Seconds())
	}()

	report.Global = s.syncEntities(ctx, PublicNamespace, s.catalog.Globals())

	listed, err := s.registry.ListTenantNamespaces(ctx)
	if err != nil {
		return nil, err
	}

	namespaces := make([]string, 0, len(listed))
	for _, ns := range listed {
		if err := ValidateIdentifier(ns); err != nil {
			slog.Warn("skipping namespace that is not a valid tenant identifier", "namespace", ns)
			continue
		}
		namespaces = append(namespaces, ns)
	}
	telemetry.TenantNamespaces.Set(float64(len(namespaces)))

	results := make([]NamespaceResult, len(namespaces))
	var g errgroup.Group
	g.SetLimit(s.concurrency)
	for i, ns := range namespaces {
		g.Go(func() error {
			results[i] = s.syncTenant(ctx, ns)
			return nil
		})
	}
	_ = g.Wait()

	report.Namespaces = results
	report.CompletedAt = time.Now().UTC()

	level := slog.LevelInfo
	if report.Failed() > 0 {
		level = slog.LevelWarn
	}
	slog.Log(ctx, level, "schema synchronization finished", "summary", report.Summary())
	return report, nil
}

// SyncNamespace synchronizes the tenant entities of a single namespace. It is
// used by provisioning and for targeted resyncs.
func (s *Synchronizer) SyncNamespace(ctx context.Context, namespace string) (NamespaceResult, error) {
	if err := ValidateIdentifier(namespace); err != nil {
		return NamespaceResult{Namespace: namespace}, err
	}
	return s.syncTenant(ctx, namespace), nil
}

func (s *Synchronizer) syncTenant(ctx context.Context, namespace string) NamespaceResult {
	result := s.syncEntities(ctx, namespace, s.catalog.Tenants())
	if result.OK() && s.readiness != nil {
		s.readiness.MarkReady(namespace)
	}
	if n := result.Changes(); n > 0 {
		slog.Info("namespace synchronized", "namespace", namespace, "changes", n)
	}
	return result
}

// syncEntities walks defs in catalog order. A failing entity is recorded and
// the walk continues with the next one.
func (s *Synchronizer) syncEntities(ctx context.Context, namespace string, defs []catalog.EntityDefinition) NamespaceResult {
	result := NamespaceResult{Namespace: namespace, Entities: make([]EntityResult, 0, len(defs))}
	for _, def := range defs {
		res := s.syncEntity(ctx, namespace, def)
		if res.Err != nil {
			res.Status = StatusFailed
			res.Error = res.Err.Error()
			telemetry.SchemaSyncPairFailuresTotal.WithLabelValues(def.Name).Inc()
			slog.Warn("schema sync failed", "namespace", namespace, "entity", def.Name, "error", res.Err)
		} else {
			res.Status = StatusSynced
		}
		result.Entities = append(result.Entities, res)
	}
	return result
}

func (s *Synchronizer) syncEntity(ctx context.Context, namespace string, def catalog.EntityDefinition) EntityResult {
	res := EntityResult{Entity: def.Name}

	columns, err := s.existing(ctx, existingColumnsQuery, namespace, def.Name)
	if err != nil {
		res.Err = fmt.Errorf("failed to inspect columns: %w", err)
		return res
	}

	create := len(columns) == 0
	if create {
		// A table with no visible columns still exists and must not be
		// reported as created on every pass.
		var exists bool
		if err := sqlx.GetContext(ctx, s.db, &exists, tableExistsQuery, namespace, def.Name); err != nil {
			res.Err = fmt.Errorf("failed to inspect table: %w", err)
			return res
		}
		create = !exists
	}

	if create {
		if _, err := s.db.ExecContext(ctx, s.ddl.createTable(namespace, def)); err != nil {
			res.Err = fmt.Errorf("failed to create table: %w", err)
			return res
		}
		res.Created = true
		for _, idx := range def.Indexes {
			if _, err := s.db.ExecContext(ctx, s.ddl.createIndex(namespace, def, idx)); err != nil {
				res.Err = fmt.Errorf("failed to create index %s: %w", def.IndexName(idx), err)
				return res
			}
			res.IndexesCreated = append(res.IndexesCreated, def.IndexName(idx))
		}
		return res
	}

	for _, col := range def.Columns {
		if columns[col.Name] {
			continue
		}
		if _, err := s.db.ExecContext(ctx, s.ddl.addColumn(namespace, def, col)); err != nil {
			res.Err = fmt.Errorf("failed to add column %s: %w", col.Name, err)
			return res
		}
		res.ColumnsAdded = append(res.ColumnsAdded, col.Name)
	}

	if len(def.Indexes) == 0 {
		return res
	}
	indexes, err := s.existing(ctx, existingIndexesQuery, namespace, def.Name)
	if err != nil {
		res.Err = fmt.Errorf("failed to inspect indexes: %w", err)
		return res
	}
	for _, idx := range def.Indexes {
		name := def.IndexName(idx)
		if indexes[name] {
			continue
		}
		if _, err := s.db.ExecContext(ctx, s.ddl.createIndex(namespace, def, idx)); err != nil {
			res.Err = fmt.Errorf("failed to create index %s: %w", name, err)
			return res
		}
		res.IndexesCreated = append(res.IndexesCreated, name)
	}
	return res
}

func (s *Synchronizer) existing(ctx context.Context, query, namespace, table string) (map[string]bool, error) {
	var names []string
	if err := sqlx.SelectContext(ctx, s.db, &names, query, namespace, table); err != nil {
		return nil, err
	}
	set := make(map[string]bool, len(names))
	for _, n := range names {
		set[n] = true
	}
	return set, nil
}
