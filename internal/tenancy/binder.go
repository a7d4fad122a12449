package tenancy

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/emetrics/emetrics-backend/internal/catalog"
)

// Binder produces handles scoped to one namespace. It is a pure function of
// (definition, tenant) plus a live existence check: nothing is memoized, so a
// handle can never leak from one tenant's request into another's.
type Binder struct {
	db        sqlx.ExtContext
	registry  *Registry
	readiness *Readiness
}

// NewBinder creates a binder over the shared pool. readiness may be nil, in
// which case every existing namespace is considered ready.
func NewBinder(db sqlx.ExtContext, readiness *Readiness) *Binder {
	return &Binder{db: db, registry: NewRegistry(db), readiness: readiness}
}

// Bind returns a handle on def inside tenantID's namespace. An absent
// namespace is ErrUnknownTenant; there is no fallback to the public schema.
func (b *Binder) Bind(ctx context.Context, def catalog.EntityDefinition, tenantID string) (*Handle, error) {
	if def.Scope != catalog.ScopeTenant {
		return nil, fmt.Errorf("%w: %s is a %s entity", ErrNotTenantEntity, def.Name, def.Scope)
	}
	if err := ValidateIdentifier(tenantID); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnknownTenant, err)
	}

	exists, err := b.registry.NamespaceExists(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTenant, tenantID)
	}
	if b.readiness != nil && !b.readiness.IsReady(tenantID) {
		return nil, fmt.Errorf("%w: %q", ErrTenantNotReady, tenantID)
	}

	return newHandle(b.db, def, tenantID), nil
}

// BindGlobal returns a handle on a global entity in the public schema.
func (b *Binder) BindGlobal(def catalog.EntityDefinition) (*Handle, error) {
	if def.Scope != catalog.ScopeGlobal {
		return nil, fmt.Errorf("%w: %s is a %s entity", ErrNotTenantEntity, def.Name, def.Scope)
	}
	return newHandle(b.db, def, PublicNamespace), nil
}
