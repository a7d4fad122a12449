// Package tenancy implements schema-per-tenant isolation on one shared
// PostgreSQL pool: the namespace registry and lifecycle, per-request model
// binding, the additive schema synchronizer and tenant provisioning.
package tenancy

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// PublicNamespace holds global entities.
const PublicNamespace = "public"

const listTenantNamespacesQuery = `
	SELECT schema_name
	FROM information_schema.schemata
	WHERE schema_name NOT IN ('public', 'information_schema', 'pg_catalog', 'pg_toast')
	  AND schema_name NOT LIKE 'pg\_%'
	ORDER BY schema_name
`

const namespaceExistsQuery = `
	SELECT EXISTS (
		SELECT 1 FROM information_schema.schemata WHERE schema_name = $1
	)
`

// Registry reads the set of tenant namespaces straight from the database
// catalog. It holds no state; every call re-queries.
type Registry struct {
	db sqlx.QueryerContext
}

// NewRegistry creates a registry over db, which may be a *sqlx.DB or *sqlx.Tx.
func NewRegistry(db sqlx.QueryerContext) *Registry {
	return &Registry{db: db}
}

// ListTenantNamespaces returns every non-system namespace, ordered by name.
func (r *Registry) ListTenantNamespaces(ctx context.Context) ([]string, error) {
	names := []string{}
	if err := sqlx.SelectContext(ctx, r.db, &names, listTenantNamespacesQuery); err != nil {
		return nil, fmt.Errorf("failed to list tenant namespaces: %w", err)
	}
	return names, nil
}

// NamespaceExists reports whether a tenant namespace called name exists.
// System namespaces always report false.
func (r *Registry) NamespaceExists(ctx context.Context, name string) (bool, error) {
	if IsReservedNamespace(name) {
		return false, nil
	}
	var exists bool
	if err := sqlx.GetContext(ctx, r.db, &exists, namespaceExistsQuery, name); err != nil {
		return false, fmt.Errorf("failed to check namespace %q: %w", name, err)
	}
	return exists, nil
}
