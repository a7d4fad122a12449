// Package jobs contains background workers that run on a schedule.
// The schema sync job re-runs the tenancy synchronizer periodically and on
// demand, and records every pass in public.schema_sync_runs. When a report
// archive is attached, the full report of each pass is stored there under
// the run id. Passes are idempotent, so a pass interrupted by a crash is
// simply repeated.
package jobs

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/emetrics/emetrics-backend/internal/db/models"
	"github.com/emetrics/emetrics-backend/internal/safego"
	"github.com/emetrics/emetrics-backend/internal/storage"
	"github.com/emetrics/emetrics-backend/internal/telemetry"
	"github.com/emetrics/emetrics-backend/internal/tenancy"
)

const (
	// maxErrorSummary bounds the error text stored with a run.
	maxErrorSummary = 4000

	recordTimeout  = 5 * time.Second
	archiveTimeout = 30 * time.Second
)

// Syncer runs one synchronization pass.
type Syncer interface {
	SynchronizeAll(ctx context.Context) (*tenancy.SyncReport, error)
}

// RunRecorder persists sync runs.
type RunRecorder interface {
	Create(ctx context.Context, run *models.SyncRun) error
}

// ReportArchiver stores the full report of a run.
type ReportArchiver interface {
	Save(ctx context.Context, runID string, report any) (*storage.Object, error)
	Delete(ctx context.Context, runID string) error
}

// RunPruner removes all but the newest keep runs and returns the removed ids.
type RunPruner interface {
	PruneBeyond(ctx context.Context, keep int) ([]string, error)
}

// SchemaSyncJob serializes synchronization passes: a manual trigger that
// arrives during a periodic pass waits for it instead of running alongside.
type SchemaSyncJob struct {
	syncer   Syncer
	runs     RunRecorder
	archive  ReportArchiver
	pruner   RunPruner
	retain   int
	interval time.Duration
	stopChan chan struct{}
	stopOnce sync.Once

	mu   sync.Mutex
	last atomic.Pointer[tenancy.SyncReport]
}

// NewSchemaSyncJob creates the job. runs may be nil, in which case passes are
// only logged. An interval <= 0 disables the periodic loop; RunOnce still works.
func NewSchemaSyncJob(syncer Syncer, runs RunRecorder, interval time.Duration) *SchemaSyncJob {
	return &SchemaSyncJob{
		syncer:   syncer,
		runs:     runs,
		interval: interval,
		stopChan: make(chan struct{}),
	}
}

// WithArchive attaches a report archive. It must be called before the job
// is started.
func (j *SchemaSyncJob) WithArchive(a ReportArchiver) *SchemaSyncJob {
	j.archive = a
	return j
}

// WithRetention keeps only the newest keep runs, and their archived reports,
// after every pass. keep <= 0 keeps everything. It must be called before the
// job is started.
func (j *SchemaSyncJob) WithRetention(p RunPruner, keep int) *SchemaSyncJob {
	j.pruner = p
	j.retain = keep
	return j
}

// Start runs a pass every interval until Stop is called or ctx is done. It
// does not run a pass immediately; the start-up pass is driven by the caller.
func (j *SchemaSyncJob) Start(ctx context.Context) {
	if j.interval <= 0 {
		slog.Info("periodic schema sync disabled")
		return
	}

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	slog.Info("schema sync job started", "interval", j.interval)

	for {
		select {
		case <-ticker.C:
			safego.Run("schema-sync", func() {
				_, _ = j.RunOnce(ctx, models.SyncTriggerPeriodic)
			})
		case <-j.stopChan:
			slog.Info("schema sync job stopped")
			return
		case <-ctx.Done():
			slog.Info("schema sync job context cancelled")
			return
		}
	}
}

// Stop ends the periodic loop. It is safe to call more than once.
func (j *SchemaSyncJob) Stop() {
	j.stopOnce.Do(func() { close(j.stopChan) })
}

// RunOnce performs one pass and records it. The returned error is non-nil
// only when the pass could not run at all; pair failures are in the report.
func (j *SchemaSyncJob) RunOnce(ctx context.Context, trigger string) (*tenancy.SyncReport, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	started := time.Now().UTC()
	report, err := j.syncer.SynchronizeAll(ctx)
	if err != nil {
		slog.Error("schema sync pass failed", "trigger", trigger, "error", err)
	} else {
		j.last.Store(report)
	}

	run := newSyncRun(trigger, started, report, err)
	j.record(ctx, run)
	if report != nil {
		j.archiveReport(ctx, run.ID, report)
	}
	j.prune(ctx)
	return report, err
}

// LastReport returns the report of the most recent pass that ran, or nil.
func (j *SchemaSyncJob) LastReport() *tenancy.SyncReport {
	return j.last.Load()
}

func (j *SchemaSyncJob) record(ctx context.Context, run *models.SyncRun) {
	if j.runs == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()
	if err := j.runs.Create(ctx, run); err != nil {
		slog.Warn("failed to record schema sync run", "run_id", run.ID, "error", err)
	}
}

func (j *SchemaSyncJob) archiveReport(ctx context.Context, runID string, report *tenancy.SyncReport) {
	if j.archive == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), archiveTimeout)
	defer cancel()
	obj, err := j.archive.Save(ctx, runID, report)
	if err != nil {
		telemetry.SyncReportArchiveFailuresTotal.Inc()
		slog.Warn("failed to archive schema sync report", "run_id", runID, "error", err)
		return
	}
	slog.Debug("schema sync report archived", "run_id", runID, "key", obj.Key, "size", obj.Size)
}

func (j *SchemaSyncJob) prune(ctx context.Context) {
	if j.pruner == nil || j.retain <= 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), archiveTimeout)
	defer cancel()
	ids, err := j.pruner.PruneBeyond(ctx, j.retain)
	if err != nil {
		slog.Warn("failed to prune schema sync runs", "keep", j.retain, "error", err)
		return
	}
	if j.archive == nil {
		return
	}
	for _, id := range ids {
		if err := j.archive.Delete(ctx, id); err != nil {
			slog.Warn("failed to delete archived sync report", "run_id", id, "error", err)
		}
	}
	if len(ids) > 0 {
		slog.Debug("schema sync runs pruned", "removed", len(ids), "kept", j.retain)
	}
}

func newSyncRun(trigger string, started time.Time, report *tenancy.SyncReport, err error) *models.SyncRun {
	run := &models.SyncRun{
		ID:        uuid.New().String(),
		Trigger:   trigger,
		StartedAt: started,
	}

	if err != nil {
		run.Status = models.SyncStatusFailed
		run.ErrorSummary = summarize(err)
		completed := time.Now().UTC()
		run.CompletedAt = &completed
		return run
	}

	run.StartedAt = report.StartedAt
	completed := report.CompletedAt
	run.CompletedAt = &completed
	run.CatalogFingerprint = report.CatalogFingerprint
	run.Namespaces = len(report.Namespaces)
	run.PairsSynced = report.Synced()
	run.PairsFailed = report.Failed()
	run.Changes = report.Changes()
	run.Status = models.SyncStatusSucceeded
	if perr := report.Err(); perr != nil {
		run.Status = models.SyncStatusPartial
		run.ErrorSummary = summarize(perr)
	}
	return run
}

func summarize(err error) *string {
	s := err.Error()
	if len(s) > maxErrorSummary {
		s = s[:maxErrorSummary]
	}
	return &s
}
