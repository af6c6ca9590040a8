// Package watch feeds images dropped into the spool directory through
// the reconciliation engine, so captures can arrive over a file share
// as well as over HTTP.
package watch

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"

	"sitewatch/internal/metrics"
	"sitewatch/internal/reconcile"
	"sitewatch/queue"
)

// Ingestor runs one capture through the engine.
type Ingestor interface {
	Ingest(ctx context.Context, in reconcile.UploadInput) (*reconcile.UploadResult, error)
}

// Watcher turns spool files into queue jobs. An empty directory name
// disables it.
type Watcher struct {
	dir    string
	pool   *queue.Queue
	engine Ingestor
	meter  *metrics.Registry
	fsw    *fsnotify.Watcher
}

func New(dir string, pool *queue.Queue, engine Ingestor, meter *metrics.Registry) *Watcher {
	return &Watcher{dir: dir, pool: pool, engine: engine, meter: meter}
}

// Start sweeps images already sitting in the spool directory, then
// keeps enqueueing new arrivals until ctx ends. The queue must be
// accepting jobs before Start is called.
func (w *Watcher) Start(ctx context.Context) error {
	if w.dir == "" {
		log.Println("spool ingest disabled")
		return nil
	}
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return fmt.Errorf("create spool dir: %w", err)
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("start spool watcher: %w", err)
	}
	if err := fsw.Add(w.dir); err != nil {
		fsw.Close()
		return fmt.Errorf("watch %s: %w", w.dir, err)
	}
	w.fsw = fsw

	swept := w.sweep(ctx)
	log.Printf("watching spool dir %s (%d existing files queued)", w.dir, swept)

	go w.loop(ctx)
	return nil
}

// Close releases the filesystem watch. Safe on a disabled watcher.
func (w *Watcher) Close() error {
	if w.fsw == nil {
		return nil
	}
	return w.fsw.Close()
}

func (w *Watcher) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if !isImage(ev.Name) {
				continue
			}
			w.enqueue(ctx, ev.Name)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			log.Printf("spool watcher: %v", err)
		}
	}
}

// sweep queues image files that were already in the directory when the
// watcher started. Files that also raise a create event reconcile to
// the same point through byte-identity, so a double enqueue is
// harmless.
func (w *Watcher) sweep(ctx context.Context) int {
	entries, err := filepath.Glob(filepath.Join(w.dir, "*"))
	if err != nil {
		log.Printf("spool sweep: %v", err)
		return 0
	}
	queued := 0
	for _, path := range entries {
		if !isImage(path) {
			continue
		}
		w.enqueue(ctx, path)
		queued++
	}
	return queued
}

func (w *Watcher) enqueue(ctx context.Context, path string) {
	job := queue.Job{
		ID:     uuid.NewString(),
		Source: "spool",
		Work: func(jobCtx context.Context) error {
			data, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("read spool file: %w", err)
			}
			_, err = w.engine.Ingest(jobCtx, reconcile.UploadInput{
				FileName: filepath.Base(path),
				CameraID: reconcile.DefaultCameraID,
				Data:     data,
			})
			return err
		},
	}
	if ok, _ := w.pool.EnqueueWithRetry(ctx, job, 2*time.Second, 100*time.Millisecond); ok {
		w.meter.Inc(metrics.SpoolEnqueued)
	}
}

func isImage(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jpg", ".jpeg", ".png", ".gif", ".bmp", ".tiff", ".webp":
		return true
	default:
		return false
	}
}
