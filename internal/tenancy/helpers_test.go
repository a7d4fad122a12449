package tenancy

import (
	"errors"
	"regexp"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/emetrics/emetrics-backend/internal/catalog"
)

var errDB = errors.New("db error")

func newMockDB(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return sqlx.NewDb(db, "postgres"), mock
}

func exact(sql string) string {
	return "^" + regexp.QuoteMeta(sql) + "$"
}

func mustLookup(t *testing.T, c *catalog.Catalog, name string) catalog.EntityDefinition {
	t.Helper()
	d, ok := c.Lookup(name)
	require.True(t, ok, "entity %s", name)
	return d
}

// plainEntity is a tenant entity with no indexes or references.
func plainEntity(name string, cols ...string) catalog.EntityDefinition {
	d := catalog.EntityDefinition{
		Name:    name,
		Scope:   catalog.ScopeTenant,
		Columns: []catalog.Column{{Name: "id", Type: "UUID", PrimaryKey: true}},
	}
	for _, c := range cols {
		d.Columns = append(d.Columns, catalog.Column{Name: c, Type: "VARCHAR(255)", Nullable: true})
	}
	return d
}

func columnRows(names ...string) *sqlmock.Rows {
	rows := sqlmock.NewRows([]string{"column_name"})
	for _, n := range names {
		rows.AddRow(n)
	}
	return rows
}

func indexRows(names ...string) *sqlmock.Rows {
	rows := sqlmock.NewRows([]string{"indexname"})
	for _, n := range names {
		rows.AddRow(n)
	}
	return rows
}

// expectCreateEntity expects the statements issued for an absent table.
func expectCreateEntity(mock sqlmock.Sqlmock, b ddlBuilder, ns string, def catalog.EntityDefinition) {
	mock.ExpectQuery("FROM information_schema.columns").
		WithArgs(ns, def.Name).
		WillReturnRows(columnRows())
	expectTableExists(mock, ns, def.Name, false)
	mock.ExpectExec(exact(b.createTable(ns, def))).WillReturnResult(sqlmock.NewResult(0, 0))
	for _, idx := range def.Indexes {
		mock.ExpectExec(exact(b.createIndex(ns, def, idx))).WillReturnResult(sqlmock.NewResult(0, 0))
	}
}

func expectTableExists(mock sqlmock.Sqlmock, ns any, table string, exists bool) {
	mock.ExpectQuery("FROM information_schema.tables").
		WithArgs(ns, table).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(exists))
}

// expectUpToDateEntity expects the inspection queries for a table that
// already matches its definition.
func expectUpToDateEntity(mock sqlmock.Sqlmock, ns string, def catalog.EntityDefinition) {
	mock.ExpectQuery("FROM information_schema.columns").
		WithArgs(ns, def.Name).
		WillReturnRows(columnRows(def.ColumnNames()...))
	if len(def.Indexes) == 0 {
		return
	}
	names := make([]string, len(def.Indexes))
	for i, idx := range def.Indexes {
		names[i] = def.IndexName(idx)
	}
	mock.ExpectQuery("FROM pg_indexes").
		WithArgs(ns, def.Name).
		WillReturnRows(indexRows(names...))
}
