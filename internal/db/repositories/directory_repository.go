// directory_repository.go implements DirectoryRepository, the cross-tenant
// user directory in public.user_directory.
package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/emetrics/emetrics-backend/internal/db/models"
)

// DirectoryRepository handles database operations for the user directory
type DirectoryRepository struct {
	db sqlx.ExtContext
}

// NewDirectoryRepository creates a new directory repository
func NewDirectoryRepository(db sqlx.ExtContext) *DirectoryRepository {
	return &DirectoryRepository{db: db}
}

// WithTx returns a repository whose statements run inside tx.
func (r *DirectoryRepository) WithTx(tx *sqlx.Tx) *DirectoryRepository {
	return &DirectoryRepository{db: tx}
}

// Create inserts a directory entry. E-mails are stored lower-cased.
func (r *DirectoryRepository) Create(ctx context.Context, e *models.DirectoryEntry) error {
	query := `
		INSERT INTO user_directory (id, tenant_id, email, name, password_hash, user_role, is_active)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at, updated_at
	`

	e.Email = strings.ToLower(e.Email)
	err := r.db.QueryRowxContext(ctx, query,
		e.ID, e.TenantID, e.Email, e.Name, e.PasswordHash, e.Role, e.IsActive,
	).Scan(&e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create directory entry: %w", err)
	}
	return nil
}

// GetByEmail returns the directory entry for email, or nil, nil when absent.
func (r *DirectoryRepository) GetByEmail(ctx context.Context, email string) (*models.DirectoryEntry, error) {
	query := `
		SELECT id, tenant_id, email, name, password_hash, user_role, is_active, created_at, updated_at
		FROM user_directory
		WHERE email = $1
	`

	var e models.DirectoryEntry
	if err := sqlx.GetContext(ctx, r.db, &e, query, strings.ToLower(email)); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get directory entry: %w", err)
	}
	return &e, nil
}

// EmailExists reports whether email is already registered under any tenant.
func (r *DirectoryRepository) EmailExists(ctx context.Context, email string) (bool, error) {
	var exists bool
	query := `SELECT EXISTS (SELECT 1 FROM user_directory WHERE email = $1)`
	if err := sqlx.GetContext(ctx, r.db, &exists, query, strings.ToLower(email)); err != nil {
		return false, fmt.Errorf("failed to check directory email: %w", err)
	}
	return exists, nil
}

// CountByTenant returns the number of directory entries for a tenant.
func (r *DirectoryRepository) CountByTenant(ctx context.Context, tenantID string) (int, error) {
	var n int
	query := `SELECT COUNT(*) FROM user_directory WHERE tenant_id = $1`
	if err := sqlx.GetContext(ctx, r.db, &n, query, tenantID); err != nil {
		return 0, fmt.Errorf("failed to count directory entries: %w", err)
	}
	return n, nil
}
