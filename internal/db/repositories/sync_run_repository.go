// sync_run_repository.go implements SyncRunRepository, the log of schema
// synchronization passes in public.schema_sync_runs.
package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/emetrics/emetrics-backend/internal/db/models"
)

// SyncRunRepository handles database operations for sync runs
type SyncRunRepository struct {
	db *sqlx.DB
}

// NewSyncRunRepository creates a new sync run repository
func NewSyncRunRepository(db *sqlx.DB) *SyncRunRepository {
	return &SyncRunRepository{db: db}
}

// Create records a completed sync run.
func (r *SyncRunRepository) Create(ctx context.Context, run *models.SyncRun) error {
	query := `
		INSERT INTO schema_sync_runs
			(id, trigger, status, catalog_fingerprint, namespaces, pairs_synced, pairs_failed, changes, error_summary, started_at, completed_at)
		VALUES
			(:id, :trigger, :status, :catalog_fingerprint, :namespaces, :pairs_synced, :pairs_failed, :changes, :error_summary, :started_at, :completed_at)
	`
	if _, err := r.db.NamedExecContext(ctx, query, run); err != nil {
		return fmt.Errorf("failed to create sync run: %w", err)
	}
	return nil
}

// ListRecent returns the most recent sync runs, newest first.
func (r *SyncRunRepository) ListRecent(ctx context.Context, limit int) ([]*models.SyncRun, error) {
	query := `
		SELECT id, trigger, status, catalog_fingerprint, namespaces, pairs_synced, pairs_failed, changes, error_summary, started_at, completed_at
		FROM schema_sync_runs
		ORDER BY started_at DESC
		LIMIT $1
	`
	runs := []*models.SyncRun{}
	if err := r.db.SelectContext(ctx, &runs, query, limit); err != nil {
		return nil, fmt.Errorf("failed to list sync runs: %w", err)
	}
	return runs, nil
}

// Latest returns the most recent sync run, or nil, nil if none was recorded.
func (r *SyncRunRepository) Latest(ctx context.Context) (*models.SyncRun, error) {
	query := `
		SELECT id, trigger, status, catalog_fingerprint, namespaces, pairs_synced, pairs_failed, changes, error_summary, started_at, completed_at
		FROM schema_sync_runs
		ORDER BY started_at DESC
		LIMIT 1
	`
	var run models.SyncRun
	if err := r.db.GetContext(ctx, &run, query); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get latest sync run: %w", err)
	}
	return &run, nil
}

// PruneBeyond deletes every run except the newest keep and returns the ids
// it deleted.
func (r *SyncRunRepository) PruneBeyond(ctx context.Context, keep int) ([]string, error) {
	query := `
		DELETE FROM schema_sync_runs
		WHERE id IN (
			SELECT id FROM schema_sync_runs
			ORDER BY started_at DESC
			OFFSET $1
		)
		RETURNING id
	`
	ids := []string{}
	if err := r.db.SelectContext(ctx, &ids, query, keep); err != nil {
		return nil, fmt.Errorf("failed to prune sync runs: %w", err)
	}
	return ids, nil
}
