// Package queue runs capture processing jobs on a bounded worker pool.
// Producers never block: a full buffer drops the job and counts the
// drop, so a burst of spool files cannot stall the watcher or an ops
// request.
package queue

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"
)

// Job is one unit of capture work.
type Job struct {
	ID       string
	Source   string
	Work     func(context.Context) error
	OnFinish func(error)
}

// Stats is a point-in-time view of the pool, served on the status
// endpoint.
type Stats struct {
	Length    int    `json:"length"`
	Capacity  int    `json:"capacity"`
	Workers   int    `json:"workers"`
	Processed uint64 `json:"processed"`
	Failed    uint64 `json:"failed"`
	Dropped   uint64 `json:"dropped"`
}

// Queue is a bounded job buffer drained by a fixed set of workers.
type Queue struct {
	jobs    chan Job
	workers int
	perJob  time.Duration

	mu      sync.RWMutex
	started bool
	closed  bool
	wg      sync.WaitGroup

	processed atomic.Uint64
	failed    atomic.Uint64
	dropped   atomic.Uint64
}

// New sizes the buffer and worker pool. perJob bounds each job's run
// time; zero disables the bound.
func New(capacity, workers int, perJob time.Duration) *Queue {
	return &Queue{
		jobs:    make(chan Job, capacity),
		workers: workers,
		perJob:  perJob,
	}
}

// Start launches the workers. Calling it twice is a no-op.
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	if q.started {
		q.mu.Unlock()
		return
	}
	q.started = true
	q.mu.Unlock()

	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.worker(ctx)
	}
}

// Enqueue offers the job once. It reports false when the pool is not
// accepting work or the buffer is full.
func (q *Queue) Enqueue(j Job) bool {
	return q.offer(j, true)
}

// EnqueueWithRetry keeps offering the job until the window closes. The
// second result reports a drop caused by a persistently full buffer,
// as opposed to context cancellation.
func (q *Queue) EnqueueWithRetry(ctx context.Context, j Job, window, interval time.Duration) (bool, bool) {
	if q.offer(j, false) {
		return true, false
	}
	deadline := time.NewTimer(window)
	defer deadline.Stop()
	tick := time.NewTicker(interval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return false, false
		case <-deadline.C:
			q.dropped.Add(1)
			log.Printf("job_source=%s job=%s dropped after %s of retries", j.Source, j.ID, window)
			return false, true
		case <-tick.C:
			if q.offer(j, false) {
				return true, false
			}
		}
	}
}

func (q *Queue) offer(j Job, logDrop bool) bool {
	q.mu.RLock()
	accepting := q.started && !q.closed
	q.mu.RUnlock()
	if !accepting {
		if logDrop {
			log.Printf("job_source=%s job=%s rejected, pool not accepting work", j.Source, j.ID)
		}
		return false
	}
	select {
	case q.jobs <- j:
		return true
	default:
		if logDrop {
			q.dropped.Add(1)
			log.Printf("job_source=%s job=%s dropped, buffer full", j.Source, j.ID)
		}
		return false
	}
}

// Stop refuses new jobs and waits for the workers to drain the buffer,
// giving up when ctx expires.
func (q *Queue) Stop(ctx context.Context) {
	q.mu.Lock()
	if !q.started || q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	close(q.jobs)
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
}

// Stats reports buffer occupancy and lifetime counters.
func (q *Queue) Stats() Stats {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return Stats{
		Length:    len(q.jobs),
		Capacity:  cap(q.jobs),
		Workers:   q.workers,
		Processed: q.processed.Load(),
		Failed:    q.failed.Load(),
		Dropped:   q.dropped.Load(),
	}
}

// Healthy reports whether the pool is accepting work.
func (q *Queue) Healthy() bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.started && !q.closed
}

func (q *Queue) worker(ctx context.Context) {
	defer q.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case j, ok := <-q.jobs:
			if !ok {
				return
			}
			q.run(ctx, j)
		}
	}
}

func (q *Queue) run(ctx context.Context, j Job) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			q.failed.Add(1)
			log.Printf("job_source=%s job=%s panic recovered: %v", j.Source, j.ID, r)
		}
	}()

	jobCtx := ctx
	if q.perJob > 0 {
		var cancel context.CancelFunc
		jobCtx, cancel = context.WithTimeout(ctx, q.perJob)
		defer cancel()
	}
	err := j.Work(jobCtx)

	q.processed.Add(1)
	status := "success"
	if err != nil {
		q.failed.Add(1)
		status = err.Error()
	}
	if j.OnFinish != nil {
		j.OnFinish(err)
	}
	log.Printf("job_source=%s job=%s duration_ms=%d status=%s", j.Source, j.ID, time.Since(start).Milliseconds(), status)
}
