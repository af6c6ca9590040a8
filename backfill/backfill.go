// Package backfill re-runs reconciliation for stored points that never
// made it to the twin store, feeding them through the worker pool in
// bounded batches.
package backfill

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"sitewatch/internal/metrics"
	"sitewatch/internal/store"
	"sitewatch/queue"
)

// Summary reports how one backfill run fanned out. Processing outcomes
// land on the rows themselves as the jobs finish.
type Summary struct {
	RunID       string `json:"run_id"`
	Selected    int    `json:"selected"`
	Enqueued    int    `json:"enqueued"`
	DroppedFull int    `json:"dropped_full"`
}

// Store is the slice of the point store a run needs.
type Store interface {
	Unprocessed(ctx context.Context, limit int) ([]store.Point, error)
	MarkProcessed(ctx context.Context, ids []int64) error
	SetReason(ctx context.Context, id int64, reason string) error
}

// Reconciler folds one stored point into the twin state.
type Reconciler interface {
	ReconcileStored(ctx context.Context, p store.Point) (bool, string, error)
}

// Runner enqueues reconciliation jobs for unprocessed points. Zero
// window and interval fall back to defaults.
type Runner struct {
	Store  Store
	Engine Reconciler
	Pool   *queue.Queue
	Meter  *metrics.Registry

	EnqueueWindow   time.Duration
	EnqueueInterval time.Duration

	// OnComplete, when set, receives the summary after the fan-out
	// finishes enqueueing.
	OnComplete func(Summary)
}

// Run starts a backfill pass in the background and returns its id.
func (r *Runner) Run(ctx context.Context, limit int) string {
	runID := uuid.NewString()
	r.Meter.Inc(metrics.BackfillRuns)
	go r.run(ctx, runID, limit)
	return runID
}

func (r *Runner) run(ctx context.Context, runID string, limit int) {
	select {
	case <-ctx.Done():
		return
	default:
	}

	rows, err := r.Store.Unprocessed(ctx, limit)
	if err != nil {
		log.Printf("backfill %s: list unprocessed: %v", runID, err)
		return
	}

	window := r.EnqueueWindow
	if window <= 0 {
		window = 2 * time.Second
	}
	interval := r.EnqueueInterval
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}

	summary := Summary{RunID: runID, Selected: len(rows)}
	for _, row := range rows {
		ok, droppedFull := r.Pool.EnqueueWithRetry(ctx, r.job(runID, row), window, interval)
		if ok {
			summary.Enqueued++
		}
		if droppedFull {
			summary.DroppedFull++
		}
	}

	log.Printf("backfill %s: selected=%d enqueued=%d dropped_full=%d",
		runID, summary.Selected, summary.Enqueued, summary.DroppedFull)
	if r.OnComplete != nil {
		r.OnComplete(summary)
	}
}

// job wraps one row. Success marks the row processed; a failure is
// noted on the row and leaves it unprocessed so the next run retries
// it.
func (r *Runner) job(runID string, row store.Point) queue.Job {
	return queue.Job{
		ID:     fmt.Sprintf("%s-point-%d", runID, row.ID),
		Source: "backfill",
		Work: func(ctx context.Context) error {
			changed, reason, err := r.Engine.ReconcileStored(ctx, row)
			if err != nil {
				if serr := r.Store.SetReason(ctx, row.ID, "backfill error: "+err.Error()); serr != nil {
					log.Printf("point %d: record backfill failure: %v", row.ID, serr)
				}
				return err
			}
			if err := r.Store.MarkProcessed(ctx, []int64{row.ID}); err != nil {
				return fmt.Errorf("mark processed: %w", err)
			}
			log.Printf("backfill point=%d changed=%v reason=%q", row.ID, changed, reason)
			return nil
		},
	}
}
