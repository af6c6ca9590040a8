// Package app assembles the service: storage, the inference and twin
// clients, the reconciliation engine, background ingestion, and the
// HTTP surface.
package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"sitewatch/backfill"
	"sitewatch/internal/alert"
	"sitewatch/internal/config"
	"sitewatch/internal/events"
	"sitewatch/internal/httpapi"
	"sitewatch/internal/metrics"
	"sitewatch/internal/reconcile"
	"sitewatch/internal/statedoc"
	"sitewatch/internal/store"
	"sitewatch/internal/vlm"
	"sitewatch/internal/watch"
	"sitewatch/internal/ws"
	"sitewatch/queue"
)

// App wires the service components together.
type App struct {
	cfg     config.Config
	store   *store.Store
	engine  *reconcile.Engine
	pool    *queue.Queue
	watcher *watch.Watcher
	runner  *backfill.Runner
	hub     *ws.Hub
	handler http.Handler
}

func New(cfg config.Config) (*App, error) {
	for _, dir := range []string{cfg.DataDir, cfg.UploadDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return nil, err
	}

	twin := statedoc.New(statedoc.Options{
		BaseURL:  cfg.Remote.BaseURL,
		Username: cfg.Remote.User,
		Password: cfg.Remote.Pass,
		Timeout:  time.Duration(cfg.Remote.TimeoutSeconds) * time.Second,
	})
	vision := vlm.New(vlm.Options{
		BaseURL:       cfg.VLM.BaseURL,
		APIKey:        cfg.VLM.APIKey,
		Model:         cfg.VLM.Model,
		MaxImageBytes: cfg.VLM.MaxImageBytes,
		Timeout:       time.Duration(cfg.VLM.TimeoutSeconds) * time.Second,
	})

	bus := events.NewBus()
	meter := metrics.New()
	emitter := &alert.Emitter{Twin: twin, Bus: bus}
	engine := reconcile.NewEngine(cfg, st, twin, vision, emitter, meter)

	// A spool or backfill job can spend several inference calls.
	perJob := 4 * time.Duration(cfg.VLM.TimeoutSeconds) * time.Second
	pool := queue.New(cfg.Ingest.QueueSize, cfg.Ingest.Workers, perJob)
	watcher := watch.New(cfg.Ingest.SpoolDir, pool, engine, meter)
	runner := &backfill.Runner{Store: st, Engine: engine, Pool: pool, Meter: meter}
	hub := ws.NewHub(bus)

	router := httpapi.NewRouter(httpapi.Deps{
		Config:   cfg,
		Store:    st,
		Engine:   engine,
		Twin:     twin,
		Pool:     pool,
		Backfill: runner,
		Hub:      hub,
		Meter:    meter,
	})

	return &App{
		cfg:     cfg,
		store:   st,
		engine:  engine,
		pool:    pool,
		watcher: watcher,
		runner:  runner,
		hub:     hub,
		handler: router.Routes(),
	}, nil
}

// Run starts the worker pool, spool watcher, alert fan-out, and HTTP
// server, then blocks until ctx is canceled or the server fails.
func (a *App) Run(ctx context.Context) error {
	a.pool.Start(ctx)
	go a.hub.Run(ctx)
	if err := a.watcher.Start(ctx); err != nil {
		return err
	}

	// Catch up on rows a previous run never pushed to the twin store.
	runID := a.runner.Run(ctx, a.cfg.Ingest.BackfillLimit)
	log.Printf("startup backfill %s (limit %d)", runID, a.cfg.Ingest.BackfillLimit)

	srv := &http.Server{Addr: a.cfg.HTTPAddr, Handler: a.handler}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		a.pool.Stop(shutdownCtx)
		a.watcher.Close()
		a.store.Close()
	}()

	log.Printf("http listening on %s", a.cfg.HTTPAddr)
	err := srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (a *App) Store() *store.Store       { return a.store }
func (a *App) Engine() *reconcile.Engine { return a.engine }
func (a *App) Handler() http.Handler     { return a.handler }
