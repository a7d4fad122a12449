package tenancy

import (
	"context"
	"errors"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emetrics/emetrics-backend/internal/catalog"
	"github.com/emetrics/emetrics-backend/internal/telemetry"
)

func syncCatalog(t *testing.T) *catalog.Catalog {
	t.Helper()
	registry := catalog.EntityDefinition{
		Name:    "registry",
		Scope:   catalog.ScopeGlobal,
		Columns: []catalog.Column{{Name: "id", Type: "VARCHAR(63)", PrimaryKey: true}},
	}
	objectives := plainEntity("objectives", "name", "status")
	objectives.Indexes = []catalog.Index{{Columns: []string{"status"}}}
	kpis := plainEntity("kpis", "name")
	kpis.Columns = append(kpis.Columns, catalog.Column{Name: "objective_id", Type: "UUID", Nullable: true})
	kpis.ForeignKeys = []catalog.ForeignKey{
		{Column: "objective_id", RefEntity: "objectives", RefColumn: "id", OnDelete: catalog.OnDeleteCascade},
	}
	cat, err := catalog.New(registry, objectives, kpis)
	require.NoError(t, err)
	return cat
}

func expectNamespaces(mock sqlmock.Sqlmock, names ...string) {
	rows := sqlmock.NewRows([]string{"schema_name"})
	for _, n := range names {
		rows.AddRow(n)
	}
	mock.ExpectQuery("FROM information_schema.schemata").WillReturnRows(rows)
}

func newTestSynchronizer(t *testing.T, cat *catalog.Catalog, readiness *Readiness) (*Synchronizer, sqlmock.Sqlmock) {
	t.Helper()
	db, mock := newMockDB(t)
	return NewSynchronizer(db, cat, SynchronizerConfig{Concurrency: 1, Readiness: readiness}), mock
}

func TestNewSynchronizer_DefaultsConcurrency(t *testing.T) {
	db, _ := newMockDB(t)
	s := NewSynchronizer(db, syncCatalog(t), SynchronizerConfig{})
	assert.Equal(t, DefaultSyncConcurrency, s.concurrency)
}

func TestSyncNamespace_CreatesEverything(t *testing.T) {
	cat := syncCatalog(t)
	readiness := NewReadiness()
	s, mock := newTestSynchronizer(t, cat, readiness)
	b := ddlBuilder{catalog: cat}

	for _, def := range cat.Tenants() {
		expectCreateEntity(mock, b, "acme", def)
	}

	result, err := s.SyncNamespace(context.Background(), "acme")
	require.NoError(t, err)
	assert.True(t, result.OK())
	require.Len(t, result.Entities, 2)
	assert.True(t, result.Entities[0].Created)
	assert.Equal(t, []string{"idx_objectives_status"}, result.Entities[0].IndexesCreated)
	assert.Equal(t, 3, result.Changes())
	assert.True(t, readiness.IsReady("acme"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSyncNamespace_RejectsInvalidIdentifier(t *testing.T) {
	s, mock := newTestSynchronizer(t, syncCatalog(t), nil)

	_, err := s.SyncNamespace(context.Background(), "public")
	assert.True(t, errors.Is(err, ErrIdentifierInvalid))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSynchronizeAll_RerunIsNoop(t *testing.T) {
	cat := syncCatalog(t)
	s, mock := newTestSynchronizer(t, cat, nil)

	for _, def := range cat.Globals() {
		expectUpToDateEntity(mock, PublicNamespace, def)
	}
	expectNamespaces(mock, "acme", "globex", "Not_Valid")
	for _, ns := range []string{"acme", "globex"} {
		for _, def := range cat.Tenants() {
			expectUpToDateEntity(mock, ns, def)
		}
	}

	report, err := s.SynchronizeAll(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.Changes())
	assert.Zero(t, report.Failed())
	assert.NoError(t, report.Err())
	assert.Equal(t, cat.Fingerprint(), report.CatalogFingerprint)
	require.Len(t, report.Namespaces, 2, "invalid schema names are skipped")
	assert.Equal(t, "acme", report.Namespaces[0].Namespace)
	assert.Equal(t, "globex", report.Namespaces[1].Namespace)
	assert.Equal(t, float64(2), testutil.ToFloat64(telemetry.TenantNamespaces))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSynchronizeAll_AddsNewEntityToExistingTenants(t *testing.T) {
	base := syncCatalog(t)
	payroll := plainEntity("payroll", "structure_type")
	extended, err := base.WithTenantEntities(payroll)
	require.NoError(t, err)

	s, mock := newTestSynchronizer(t, extended, nil)
	b := ddlBuilder{catalog: extended}

	for _, def := range extended.Globals() {
		expectUpToDateEntity(mock, PublicNamespace, def)
	}
	expectNamespaces(mock, "acme", "globex")
	for _, ns := range []string{"acme", "globex"} {
		for _, def := range base.Tenants() {
			expectUpToDateEntity(mock, ns, def)
		}
		expectCreateEntity(mock, b, ns, mustLookup(t, extended, "payroll"))
	}

	report, err := s.SynchronizeAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.Changes())
	for _, ns := range report.Namespaces {
		last := ns.Entities[len(ns.Entities)-1]
		assert.Equal(t, "payroll", last.Entity)
		assert.True(t, last.Created, ns.Namespace)
	}
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSyncNamespace_AddsMissingColumnAndIndexWithoutDropping(t *testing.T) {
	oldPayroll := plainEntity("payroll", "structure_type", "legacy_code")
	newPayroll := plainEntity("payroll", "structure_type")
	newPayroll.Columns = append(newPayroll.Columns, catalog.Column{Name: "grade_level", Type: "VARCHAR(255)"})
	newPayroll.Indexes = []catalog.Index{{Columns: []string{"grade_level"}}}
	cat := catalog.MustNew(newPayroll)

	s, mock := newTestSynchronizer(t, cat, nil)

	// The live table has a column the catalog no longer lists; it stays.
	mock.ExpectQuery("FROM information_schema.columns").
		WithArgs("acme", "payroll").
		WillReturnRows(columnRows(oldPayroll.ColumnNames()...))
	mock.ExpectExec(exact(`ALTER TABLE "acme"."payroll" ADD COLUMN IF NOT EXISTS "grade_level" VARCHAR(255)`)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("FROM pg_indexes").
		WithArgs("acme", "payroll").
		WillReturnRows(indexRows("payroll_pkey"))
	mock.ExpectExec(exact(`CREATE INDEX IF NOT EXISTS "idx_payroll_grade_level" ON "acme"."payroll" ("grade_level")`)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	result, err := s.SyncNamespace(context.Background(), "acme")
	require.NoError(t, err)
	require.Len(t, result.Entities, 1)
	res := result.Entities[0]
	assert.False(t, res.Created)
	assert.Equal(t, []string{"grade_level"}, res.ColumnsAdded)
	assert.Equal(t, []string{"idx_payroll_grade_level"}, res.IndexesCreated)
	require.NoError(t, mock.ExpectationsWereMet(), "no other statement, in particular no DROP, may be issued")
}

func TestSynchronizeAll_IsolatesFailures(t *testing.T) {
	cat := syncCatalog(t)
	readiness := NewReadiness()
	s, mock := newTestSynchronizer(t, cat, readiness)
	b := ddlBuilder{catalog: cat}
	objectives := mustLookup(t, cat, "objectives")
	kpis := mustLookup(t, cat, "kpis")

	before := testutil.ToFloat64(telemetry.SchemaSyncPairFailuresTotal.WithLabelValues("objectives"))

	for _, def := range cat.Globals() {
		expectUpToDateEntity(mock, PublicNamespace, def)
	}
	expectNamespaces(mock, "acme", "globex")

	// acme: objectives fails, kpis is still attempted.
	mock.ExpectQuery("FROM information_schema.columns").
		WithArgs("acme", "objectives").
		WillReturnRows(columnRows())
	expectTableExists(mock, "acme", "objectives", false)
	mock.ExpectExec(exact(b.createTable("acme", objectives))).WillReturnError(errDB)
	expectUpToDateEntity(mock, "acme", kpis)

	// globex is unaffected.
	expectUpToDateEntity(mock, "globex", objectives)
	expectUpToDateEntity(mock, "globex", kpis)

	report, err := s.SynchronizeAll(context.Background())
	require.NoError(t, err, "per-pair failures are reported, not returned")
	assert.Equal(t, 1, report.Failed())

	acme := report.Namespaces[0]
	require.Len(t, acme.Entities, 2)
	assert.Equal(t, StatusFailed, acme.Entities[0].Status)
	assert.Contains(t, acme.Entities[0].Error, "failed to create table")
	assert.Equal(t, StatusSynced, acme.Entities[1].Status)
	assert.True(t, report.Namespaces[1].OK())

	assert.False(t, readiness.IsReady("acme"))
	assert.True(t, readiness.IsReady("globex"))

	err = report.Err()
	assert.True(t, errors.Is(err, ErrSyncPartialFailure))
	assert.True(t, errors.Is(err, errDB))
	assert.Equal(t, before+1, testutil.ToFloat64(telemetry.SchemaSyncPairFailuresTotal.WithLabelValues("objectives")))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSynchronizeAll_GlobalFailureDoesNotStopTenants(t *testing.T) {
	cat := syncCatalog(t)
	s, mock := newTestSynchronizer(t, cat, nil)

	mock.ExpectQuery("FROM information_schema.columns").
		WithArgs(PublicNamespace, "registry").
		WillReturnError(errDB)
	expectNamespaces(mock, "acme")
	for _, def := range cat.Tenants() {
		expectUpToDateEntity(mock, "acme", def)
	}

	report, err := s.SynchronizeAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed())
	assert.False(t, report.Global.OK())
	assert.True(t, report.Namespaces[0].OK())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSynchronizeAll_ListFailureIsFatal(t *testing.T) {
	cat := syncCatalog(t)
	s, mock := newTestSynchronizer(t, cat, nil)

	for _, def := range cat.Globals() {
		expectUpToDateEntity(mock, PublicNamespace, def)
	}
	mock.ExpectQuery("FROM information_schema.schemata").WillReturnError(errDB)

	report, err := s.SynchronizeAll(context.Background())
	assert.Nil(t, report)
	assert.True(t, errors.Is(err, errDB))
}

func TestSyncNamespace_ExistingTableWithoutColumnsIsNotRecreated(t *testing.T) {
	def := plainEntity("perspectives", "name")
	cat := catalog.MustNew(def)
	s, mock := newTestSynchronizer(t, cat, nil)

	// First pass: the table exists but exposes no columns.
	mock.ExpectQuery("FROM information_schema.columns").WithArgs("acme", "perspectives").WillReturnRows(columnRows())
	expectTableExists(mock, "acme", "perspectives", true)
	mock.ExpectExec(exact(`ALTER TABLE "acme"."perspectives" ADD COLUMN IF NOT EXISTS "id" UUID`)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(exact(`ALTER TABLE "acme"."perspectives" ADD COLUMN IF NOT EXISTS "name" VARCHAR(255)`)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	// Second pass: nothing left to do.
	expectUpToDateEntity(mock, "acme", def)

	first, err := s.SyncNamespace(context.Background(), "acme")
	require.NoError(t, err)
	require.Len(t, first.Entities, 1)
	assert.False(t, first.Entities[0].Created)
	assert.Equal(t, []string{"id", "name"}, first.Entities[0].ColumnsAdded)

	second, err := s.SyncNamespace(context.Background(), "acme")
	require.NoError(t, err)
	assert.Zero(t, second.Changes())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSynchronizeAll_ConcurrentNamespaces(t *testing.T) {
	cat := syncCatalog(t)
	readiness := NewReadiness()
	db, mock := newMockDB(t)
	mock.MatchExpectationsInOrder(false)
	s := NewSynchronizer(db, cat, SynchronizerConfig{Concurrency: 3, Readiness: readiness})
	b := ddlBuilder{catalog: cat}

	namespaces := []string{"acme", "globex", "initech", "umbrella"}
	for _, def := range cat.Globals() {
		expectUpToDateEntity(mock, PublicNamespace, def)
	}
	expectNamespaces(mock, namespaces...)
	for _, ns := range namespaces {
		for _, def := range cat.Tenants() {
			if ns == "initech" {
				expectCreateEntity(mock, b, ns, def)
				continue
			}
			expectUpToDateEntity(mock, ns, def)
		}
	}

	report, err := s.SynchronizeAll(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Namespaces, len(namespaces))
	for i, ns := range namespaces {
		assert.Equal(t, ns, report.Namespaces[i].Namespace, "results keep listing order")
		assert.True(t, report.Namespaces[i].OK(), ns)
		assert.True(t, readiness.IsReady(ns), ns)
	}
	assert.Equal(t, 3, report.Namespaces[2].Changes())
	assert.Equal(t, 3, report.Changes())
	require.NoError(t, mock.ExpectationsWereMet())
}
