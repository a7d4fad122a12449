package tenancy

import "sync"

// Readiness remembers which namespaces have completed a clean synchronization
// pass since the process started. It is only consulted when start-up sync
// runs in the background; in blocking mode the binder is built without one.
type Readiness struct {
	mu    sync.RWMutex
	ready map[string]bool
}

// NewReadiness returns an empty tracker: no namespace is ready.
func NewReadiness() *Readiness {
	return &Readiness{ready: make(map[string]bool)}
}

// MarkReady records that namespace is fully synchronized.
func (r *Readiness) MarkReady(namespace string) {
	r.mu.Lock()
	r.ready[namespace] = true
	r.mu.Unlock()
}

// Forget drops namespace, e.g. after it was deprovisioned.
func (r *Readiness) Forget(namespace string) {
	r.mu.Lock()
	delete(r.ready, namespace)
	r.mu.Unlock()
}

// IsReady reports whether namespace has completed a clean pass.
func (r *Readiness) IsReady(namespace string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.ready[namespace]
}

// Count returns how many namespaces are ready.
func (r *Readiness) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.ready)
}
