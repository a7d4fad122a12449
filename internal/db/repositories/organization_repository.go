// organization_repository.go implements OrganizationRepository, the store for
// tenant records in public.organizations.
package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/emetrics/emetrics-backend/internal/db/models"
)

// OrganizationRepository handles database operations for tenant records
type OrganizationRepository struct {
	db sqlx.ExtContext
}

// NewOrganizationRepository creates a new organization repository
func NewOrganizationRepository(db sqlx.ExtContext) *OrganizationRepository {
	return &OrganizationRepository{db: db}
}

// WithTx returns a repository whose statements run inside tx.
func (r *OrganizationRepository) WithTx(tx *sqlx.Tx) *OrganizationRepository {
	return &OrganizationRepository{db: tx}
}

// GetByID retrieves an organization by ID. It returns nil, nil when absent.
func (r *OrganizationRepository) GetByID(ctx context.Context, id string) (*models.Organization, error) {
	query := `
		SELECT id, name, email, phone_number, owner_id, created_at, updated_at
		FROM organizations
		WHERE id = $1
	`

	var org models.Organization
	if err := sqlx.GetContext(ctx, r.db, &org, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get organization: %w", err)
	}

	return &org, nil
}

// Create inserts a new organization and fills in its timestamps.
func (r *OrganizationRepository) Create(ctx context.Context, org *models.Organization) error {
	query := `
		INSERT INTO organizations (id, name, email, phone_number, owner_id)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at, updated_at
	`

	err := r.db.QueryRowxContext(ctx, query,
		org.ID, org.Name, org.Email, org.PhoneNumber, org.OwnerID,
	).Scan(&org.CreatedAt, &org.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create organization: %w", err)
	}

	return nil
}

// Delete removes an organization. Directory rows and the tenant's users rows
// go with it through ON DELETE CASCADE. It reports whether a row was deleted.
func (r *OrganizationRepository) Delete(ctx context.Context, id string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM organizations WHERE id = $1`, id)
	if err != nil {
		return false, fmt.Errorf("failed to delete organization: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to delete organization: %w", err)
	}
	return n > 0, nil
}

// List returns a page of organizations ordered by creation time, newest first.
func (r *OrganizationRepository) List(ctx context.Context, limit, offset int) ([]*models.Organization, error) {
	query := `
		SELECT id, name, email, phone_number, owner_id, created_at, updated_at
		FROM organizations
		ORDER BY created_at DESC, id
		LIMIT $1 OFFSET $2
	`

	orgs := []*models.Organization{}
	if err := sqlx.SelectContext(ctx, r.db, &orgs, query, limit, offset); err != nil {
		return nil, fmt.Errorf("failed to list organizations: %w", err)
	}
	return orgs, nil
}

// ListIDs returns every organization id, ordered.
func (r *OrganizationRepository) ListIDs(ctx context.Context) ([]string, error) {
	ids := []string{}
	if err := sqlx.SelectContext(ctx, r.db, &ids, `SELECT id FROM organizations ORDER BY id`); err != nil {
		return nil, fmt.Errorf("failed to list organization ids: %w", err)
	}
	return ids, nil
}
