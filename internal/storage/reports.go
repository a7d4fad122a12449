package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"

	"github.com/google/uuid"
)

// ErrInvalidRunID is returned for run ids that are not UUIDs. Run ids become
// object keys, so anything else is refused before it reaches a backend.
var ErrInvalidRunID = errors.New("invalid sync run id")

// ReportArchive keeps one JSON document per sync run under
// <prefix>/sync-runs/<run id>.json.
type ReportArchive struct {
	store  Storage
	prefix string
}

// NewReportArchive creates an archive over store. prefix may be empty.
func NewReportArchive(store Storage, prefix string) *ReportArchive {
	return &ReportArchive{store: store, prefix: prefix}
}

// Key returns the object key of runID's report.
func (a *ReportArchive) Key(runID string) string {
	return path.Join(a.prefix, "sync-runs", runID+".json")
}

// Save stores report as the archived document of runID.
func (a *ReportArchive) Save(ctx context.Context, runID string, report any) (*Object, error) {
	if err := validRunID(runID); err != nil {
		return nil, err
	}
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode sync report: %w", err)
	}
	obj, err := a.store.Put(ctx, a.Key(runID), bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to archive sync report %s: %w", runID, err)
	}
	return obj, nil
}

// Open returns the archived report of runID. It returns ErrNotFound when the
// run was never archived.
func (a *ReportArchive) Open(ctx context.Context, runID string) (io.ReadCloser, error) {
	if err := validRunID(runID); err != nil {
		return nil, err
	}
	return a.store.Get(ctx, a.Key(runID))
}

// Exists reports whether a report is archived for runID.
func (a *ReportArchive) Exists(ctx context.Context, runID string) (bool, error) {
	if err := validRunID(runID); err != nil {
		return false, err
	}
	ok, err := a.store.Exists(ctx, a.Key(runID))
	if err != nil {
		return false, fmt.Errorf("failed to check sync report %s: %w", runID, err)
	}
	return ok, nil
}

// Delete removes the archived report of runID. A run that was never archived
// is not an error.
func (a *ReportArchive) Delete(ctx context.Context, runID string) error {
	if err := validRunID(runID); err != nil {
		return err
	}
	if err := a.store.Delete(ctx, a.Key(runID)); err != nil {
		return fmt.Errorf("failed to delete sync report %s: %w", runID, err)
	}
	return nil
}

// validRunID accepts only the canonical lowercase form uuid.String produces.
func validRunID(runID string) error {
	id, err := uuid.Parse(runID)
	if err != nil || id.String() != runID {
		return fmt.Errorf("%w: %q", ErrInvalidRunID, runID)
	}
	return nil
}

// Close releases the backend when it holds a client that needs closing.
func (a *ReportArchive) Close() error {
	if c, ok := a.store.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
