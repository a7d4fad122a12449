// Package models - sync_run.go defines the bookkeeping row written after each
// schema synchronization pass.
package models

import "time"

// Sync run triggers.
const (
	SyncTriggerStartup  = "startup"
	SyncTriggerPeriodic = "periodic"
	SyncTriggerManual   = "manual"
)

// Sync run statuses.
const (
	SyncStatusSucceeded = "succeeded"
	SyncStatusPartial   = "partial"
	SyncStatusFailed    = "failed"
)

// SyncRun is one row of public.schema_sync_runs.
type SyncRun struct {
	ID                 string     `db:"id" json:"id"`
	Trigger            string     `db:"trigger" json:"trigger"`
	Status             string     `db:"status" json:"status"`
	CatalogFingerprint string     `db:"catalog_fingerprint" json:"catalog_fingerprint,omitempty"`
	Namespaces         int        `db:"namespaces" json:"namespaces"`
	PairsSynced        int        `db:"pairs_synced" json:"pairs_synced"`
	PairsFailed        int        `db:"pairs_failed" json:"pairs_failed"`
	Changes            int        `db:"changes" json:"changes"`
	ErrorSummary       *string    `db:"error_summary" json:"error_summary,omitempty"`
	StartedAt          time.Time  `db:"started_at" json:"started_at"`
	CompletedAt        *time.Time `db:"completed_at" json:"completed_at,omitempty"`
}

// Duration returns how long the run took, or zero while it is still open.
func (r *SyncRun) Duration() time.Duration {
	if r.CompletedAt == nil {
		return 0
	}
	return r.CompletedAt.Sub(r.StartedAt)
}
