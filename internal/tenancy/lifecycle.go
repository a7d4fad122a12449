package tenancy

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// Lifecycle creates and destroys whole tenant namespaces. Both operations are
// idempotent so a retry after a partial failure is always safe.
type Lifecycle struct {
	db       sqlx.ExtContext
	registry *Registry
}

// NewLifecycle creates a lifecycle manager over db.
func NewLifecycle(db sqlx.ExtContext) *Lifecycle {
	return &Lifecycle{db: db, registry: NewRegistry(db)}
}

// WithTx returns a lifecycle manager whose statements run inside tx.
// PostgreSQL DDL is transactional, so the namespace change commits or rolls
// back together with the rest of tx.
func (l *Lifecycle) WithTx(tx *sqlx.Tx) *Lifecycle {
	return NewLifecycle(tx)
}

// CreateNamespace creates the namespace for tenantID if it is absent.
func (l *Lifecycle) CreateNamespace(ctx context.Context, tenantID string) error {
	if err := ValidateIdentifier(tenantID); err != nil {
		return err
	}
	if _, err := l.db.ExecContext(ctx, "CREATE SCHEMA IF NOT EXISTS "+pq.QuoteIdentifier(tenantID)); err != nil {
		return fmt.Errorf("failed to create namespace %q: %w", tenantID, err)
	}
	slog.Info("namespace created", "namespace", tenantID)
	return nil
}

// DestroyNamespace drops the namespace for tenantID and everything in it.
// Destroying an absent namespace is a no-op.
func (l *Lifecycle) DestroyNamespace(ctx context.Context, tenantID string) error {
	if err := ValidateIdentifier(tenantID); err != nil {
		return err
	}
	if _, err := l.db.ExecContext(ctx, "DROP SCHEMA IF EXISTS "+pq.QuoteIdentifier(tenantID)+" CASCADE"); err != nil {
		return fmt.Errorf("failed to destroy namespace %q: %w", tenantID, err)
	}
	slog.Info("namespace destroyed", "namespace", tenantID)
	return nil
}

// NamespaceExists delegates to the registry.
func (l *Lifecycle) NamespaceExists(ctx context.Context, tenantID string) (bool, error) {
	return l.registry.NamespaceExists(ctx, tenantID)
}
