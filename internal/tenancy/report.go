package tenancy

import (
	"errors"
	"fmt"
	"time"
)

// Entity sync outcomes.
const (
	StatusSynced = "synced"
	StatusFailed = "failed"
)

// EntityResult is the outcome of one (namespace, entity) pair in one pass.
// A failed pair is not stored anywhere; the next pass simply tries again.
type EntityResult struct {
	Entity         string   `json:"entity"`
	Status         string   `json:"status"`
	Created        bool     `json:"created,omitempty"`
	ColumnsAdded   []string `json:"columns_added,omitempty"`
	IndexesCreated []string `json:"indexes_created,omitempty"`
	Err            error    `json:"-"`
	Error          string   `json:"error,omitempty"`
}

// Changes counts the structural changes applied to the pair.
func (r EntityResult) Changes() int {
	n := len(r.ColumnsAdded) + len(r.IndexesCreated)
	if r.Created {
		n++
	}
	return n
}

// NamespaceResult groups the entity results of one namespace.
type NamespaceResult struct {
	Namespace string         `json:"namespace"`
	Entities  []EntityResult `json:"entities"`
}

// Failed returns the entity results that failed.
func (r NamespaceResult) Failed() []EntityResult {
	var out []EntityResult
	for _, e := range r.Entities {
		if e.Status == StatusFailed {
			out = append(out, e)
		}
	}
	return out
}

// OK reports whether every entity in the namespace synced.
func (r NamespaceResult) OK() bool {
	return len(r.Failed()) == 0
}

// Changes counts structural changes applied in the namespace.
func (r NamespaceResult) Changes() int {
	n := 0
	for _, e := range r.Entities {
		n += e.Changes()
	}
	return n
}

func (r NamespaceResult) err() error {
	var errs []error
	for _, e := range r.Entities {
		if e.Err != nil {
			errs = append(errs, fmt.Errorf("%s.%s: %w", r.Namespace, e.Entity, e.Err))
		}
	}
	return errors.Join(errs...)
}

// SyncReport is the result of one synchronizer pass. CatalogFingerprint
// identifies the catalog the pass applied.
type SyncReport struct {
	StartedAt          time.Time         `json:"started_at"`
	CompletedAt        time.Time         `json:"completed_at"`
	CatalogFingerprint string            `json:"catalog_fingerprint"`
	Global             NamespaceResult   `json:"global"`
	Namespaces         []NamespaceResult `json:"namespaces"`
}

func (r *SyncReport) all() []NamespaceResult {
	return append([]NamespaceResult{r.Global}, r.Namespaces...)
}

// Failed returns the number of failed pairs, global entities included.
func (r *SyncReport) Failed() int {
	n := 0
	for _, ns := range r.all() {
		n += len(ns.Failed())
	}
	return n
}

// Synced returns the number of pairs that synced.
func (r *SyncReport) Synced() int {
	n := 0
	for _, ns := range r.all() {
		n += len(ns.Entities) - len(ns.Failed())
	}
	return n
}

// Changes returns the number of structural changes applied during the pass.
// A re-run with an unchanged catalog reports zero.
func (r *SyncReport) Changes() int {
	n := 0
	for _, ns := range r.all() {
		n += ns.Changes()
	}
	return n
}

// Err returns nil when every pair synced, otherwise ErrSyncPartialFailure
// joined with every pair error.
func (r *SyncReport) Err() error {
	var errs []error
	for _, ns := range r.all() {
		if err := ns.err(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrSyncPartialFailure, errors.Join(errs...))
}

// Summary renders a one-line description suitable for logs and the sync-run table.
func (r *SyncReport) Summary() string {
	return fmt.Sprintf("%d namespaces, %d pairs synced, %d failed, %d changes in %s",
		len(r.Namespaces), r.Synced(), r.Failed(), r.Changes(),
		r.CompletedAt.Sub(r.StartedAt).Round(time.Millisecond))
}
