// Package metrics keeps the process counters surfaced by /ops/status.
package metrics

import "sync"

// Counter names. Kept as constants so callers and the ops surface agree
// on spelling.
const (
	UploadsAccepted = "uploads_accepted"
	UploadsRejected = "uploads_rejected"
	PointsCreated   = "points_created"
	PointsReused    = "points_reused"
	ChangesDetected = "changes_detected"
	AlertsSent      = "alerts_sent"
	HistoryDegraded = "history_degraded"
	RemoteFailed    = "remote_failed"
	BackfillRuns    = "backfill_runs"
	SpoolEnqueued   = "spool_enqueued"
)

// Registry is a set of named monotonic counters.
type Registry struct {
	mu       sync.Mutex
	counters map[string]int64
}

func New() *Registry {
	return &Registry{counters: make(map[string]int64)}
}

func (r *Registry) Inc(name string) { r.Add(name, 1) }

func (r *Registry) Add(name string, n int64) {
	r.mu.Lock()
	r.counters[name] += n
	r.mu.Unlock()
}

// Get returns one counter's current value.
func (r *Registry) Get(name string) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counters[name]
}

// Snapshot copies all counters for reporting.
func (r *Registry) Snapshot() map[string]int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]int64, len(r.counters))
	for k, v := range r.counters {
		out[k] = v
	}
	return out
}
