package queue

import (
	"context"
	"errors"
	"testing"
	"time"
)

func waitDone(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("job did not finish")
		return nil
	}
}

func TestProcessesEnqueuedJobs(t *testing.T) {
	q := New(4, 2, time.Second)
	q.Start(t.Context())

	done := make(chan error, 3)
	for i := 0; i < 3; i++ {
		ok := q.Enqueue(Job{
			ID:       "job",
			Source:   "test",
			Work:     func(context.Context) error { return nil },
			OnFinish: func(err error) { done <- err },
		})
		if !ok {
			t.Fatalf("enqueue %d refused", i)
		}
	}
	for i := 0; i < 3; i++ {
		if err := waitDone(t, done); err != nil {
			t.Fatalf("job %d failed: %v", i, err)
		}
	}
	if s := q.Stats(); s.Processed != 3 || s.Failed != 0 {
		t.Fatalf("stats = %+v", s)
	}
}

func TestEnqueueBeforeStartRefused(t *testing.T) {
	q := New(4, 1, time.Second)
	if q.Enqueue(Job{ID: "early", Source: "test", Work: func(context.Context) error { return nil }}) {
		t.Fatal("job accepted before the pool started")
	}
}

func TestFullBufferDropsAndCounts(t *testing.T) {
	// No workers, so the single buffer slot never drains.
	q := New(1, 0, time.Second)
	q.Start(t.Context())

	if !q.Enqueue(Job{ID: "fills", Source: "test", Work: func(context.Context) error { return nil }}) {
		t.Fatal("first enqueue refused")
	}
	if q.Enqueue(Job{ID: "overflow", Source: "test", Work: func(context.Context) error { return nil }}) {
		t.Fatal("enqueue accepted with a full buffer")
	}
	if s := q.Stats(); s.Dropped != 1 || s.Length != 1 {
		t.Fatalf("stats = %+v", s)
	}
}

func TestEnqueueWithRetryWaitsForSlot(t *testing.T) {
	q := New(1, 0, time.Second)
	q.Start(t.Context())
	if !q.Enqueue(Job{ID: "fills", Source: "test", Work: func(context.Context) error { return nil }}) {
		t.Fatal("first enqueue refused")
	}

	// Drain the buffer shortly after the retry loop begins.
	go func() {
		time.Sleep(100 * time.Millisecond)
		<-q.jobs
	}()

	enqueued, dropped := q.EnqueueWithRetry(t.Context(),
		Job{ID: "waits", Source: "test", Work: func(context.Context) error { return nil }},
		2*time.Second, 20*time.Millisecond)
	if !enqueued || dropped {
		t.Fatalf("enqueued=%v dropped=%v, want the freed slot taken", enqueued, dropped)
	}
}

func TestEnqueueWithRetryReportsPersistentlyFull(t *testing.T) {
	q := New(1, 0, time.Second)
	q.Start(t.Context())
	if !q.Enqueue(Job{ID: "fills", Source: "test", Work: func(context.Context) error { return nil }}) {
		t.Fatal("first enqueue refused")
	}

	enqueued, dropped := q.EnqueueWithRetry(t.Context(),
		Job{ID: "stuck", Source: "test", Work: func(context.Context) error { return nil }},
		150*time.Millisecond, 30*time.Millisecond)
	if enqueued || !dropped {
		t.Fatalf("enqueued=%v dropped=%v, want a reported drop", enqueued, dropped)
	}
	if s := q.Stats(); s.Dropped != 1 {
		t.Fatalf("stats = %+v", s)
	}
}

func TestPerJobTimeoutCancelsWork(t *testing.T) {
	q := New(1, 1, 30*time.Millisecond)
	q.Start(t.Context())

	done := make(chan error, 1)
	q.Enqueue(Job{
		ID:     "slow",
		Source: "test",
		Work: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		},
		OnFinish: func(err error) { done <- err },
	})
	if err := waitDone(t, done); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
	if s := q.Stats(); s.Failed != 1 {
		t.Fatalf("stats = %+v", s)
	}
}

func TestWorkerSurvivesPanickingJob(t *testing.T) {
	q := New(2, 1, time.Second)
	q.Start(t.Context())

	q.Enqueue(Job{ID: "boom", Source: "test", Work: func(context.Context) error { panic("bad job") }})

	done := make(chan error, 1)
	q.Enqueue(Job{
		ID:       "after",
		Source:   "test",
		Work:     func(context.Context) error { return nil },
		OnFinish: func(err error) { done <- err },
	})
	if err := waitDone(t, done); err != nil {
		t.Fatalf("follow-up job failed: %v", err)
	}
	if s := q.Stats(); s.Failed != 1 {
		t.Fatalf("stats = %+v", s)
	}
}

func TestStopDrainsAndRefusesNewJobs(t *testing.T) {
	q := New(8, 2, time.Second)
	q.Start(t.Context())

	for i := 0; i < 5; i++ {
		if !q.Enqueue(Job{ID: "drain", Source: "test", Work: func(context.Context) error { return nil }}) {
			t.Fatalf("enqueue %d refused", i)
		}
	}

	ctx, cancel := context.WithTimeout(t.Context(), 2*time.Second)
	defer cancel()
	q.Stop(ctx)

	if s := q.Stats(); s.Processed != 5 {
		t.Fatalf("stats = %+v, want all queued jobs drained", s)
	}
	if q.Healthy() {
		t.Fatal("pool still reports healthy after stop")
	}
	if q.Enqueue(Job{ID: "late", Source: "test", Work: func(context.Context) error { return nil }}) {
		t.Fatal("job accepted after stop")
	}
}
