// Package httpapi exposes the capture upload endpoint, read access to
// points and twin state, the alert websocket, and the ops surface.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/gorilla/mux"

	"sitewatch/backfill"
	"sitewatch/internal/config"
	"sitewatch/internal/metrics"
	"sitewatch/internal/reconcile"
	"sitewatch/internal/statedoc"
	"sitewatch/internal/store"
	"sitewatch/internal/ws"
	"sitewatch/queue"
)

const uploadMemoryLimit = 32 << 20

// Engine ingests one uploaded capture.
type Engine interface {
	Ingest(ctx context.Context, in reconcile.UploadInput) (*reconcile.UploadResult, error)
}

// StateReader serves the twin-state read endpoints.
type StateReader interface {
	GetDetections(ctx context.Context, thingID string) (map[string]any, error)
	GetLastCapture(ctx context.Context, thingID string) (map[string]any, error)
	AllCaptures(ctx context.Context, thingID string, includeLast bool) ([]map[string]any, error)
}

// Deps wires the router.
type Deps struct {
	Config   config.Config
	Store    *store.Store
	Engine   Engine
	Twin     StateReader
	Pool     *queue.Queue
	Backfill *backfill.Runner
	Hub      *ws.Hub
	Meter    *metrics.Registry
}

// Router holds the handler set.
type Router struct {
	cfg    config.Config
	store  *store.Store
	engine Engine
	twin   StateReader
	pool   *queue.Queue
	runner *backfill.Runner
	hub    *ws.Hub
	meter  *metrics.Registry
}

func NewRouter(d Deps) *Router {
	return &Router{
		cfg:    d.Config,
		store:  d.Store,
		engine: d.Engine,
		twin:   d.Twin,
		pool:   d.Pool,
		runner: d.Backfill,
		hub:    d.Hub,
		meter:  d.Meter,
	}
}

// Routes builds the route table.
func (rt *Router) Routes() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/", rt.root).Methods(http.MethodGet)
	r.HandleFunc("/upload", rt.upload).Methods(http.MethodPost)
	r.HandleFunc("/images", rt.images).Methods(http.MethodGet)
	r.HandleFunc("/state/{cameraID}/{pointID:[0-9]+}", rt.state).Methods(http.MethodGet)
	r.HandleFunc("/state/{cameraID}/{pointID:[0-9]+}/captures", rt.captures).Methods(http.MethodGet)
	r.HandleFunc("/ws/alerts", rt.hub.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/ops/health", rt.health).Methods(http.MethodGet)
	r.HandleFunc("/ops/status", rt.status).Methods(http.MethodGet)
	r.HandleFunc("/ops/backfill", rt.backfill).Methods(http.MethodPost)
	r.PathPrefix(config.StaticMount + "/").Handler(
		http.StripPrefix(config.StaticMount+"/", http.FileServer(http.Dir(rt.cfg.UploadDir))))
	return r
}

func (rt *Router) root(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, map[string]any{"ok": true, "service": "sitewatch"})
}

func (rt *Router) upload(w http.ResponseWriter, req *http.Request) {
	if err := req.ParseMultipartForm(uploadMemoryLimit); err != nil {
		respondDetail(w, http.StatusBadRequest, "Missing file")
		return
	}
	file, header, err := req.FormFile("file")
	if err != nil {
		respondDetail(w, http.StatusBadRequest, "Missing file")
		return
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		respondDetail(w, http.StatusBadRequest, "unreadable upload: "+err.Error())
		return
	}

	res, err := rt.engine.Ingest(req.Context(), reconcile.UploadInput{
		FileName: header.Filename,
		CameraID: req.FormValue("camera_id"),
		Data:     data,
	})
	switch {
	case errors.Is(err, reconcile.ErrMetadataExtraction):
		respondDetail(w, http.StatusUnprocessableEntity, err.Error())
	case err != nil:
		respondDetail(w, http.StatusInternalServerError, err.Error())
	default:
		respondJSON(w, res)
	}
}

func (rt *Router) images(w http.ResponseWriter, req *http.Request) {
	limit := parseCount(req.URL.Query().Get("limit"), 100)
	rows, err := rt.store.List(req.Context(), limit)
	if err != nil {
		respondDetail(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]map[string]any, 0, len(rows))
	for _, p := range rows {
		out = append(out, map[string]any{
			"id":          p.ID,
			"camera_id":   p.CameraID,
			"lat":         p.Lat,
			"lon":         p.Lon,
			"captured_at": p.CapturedAt,
			"processed":   p.Processed,
			"changed":     p.Changed,
			"reason":      p.Reason,
			"caption":     p.Caption,
			"image_url":   rt.imageURL(p.Path),
		})
	}
	respondJSON(w, out)
}

func (rt *Router) state(w http.ResponseWriter, req *http.Request) {
	thingID := rt.thingID(req)
	detections, err := rt.twin.GetDetections(req.Context(), thingID)
	if err != nil {
		respondDetail(w, http.StatusBadGateway, err.Error())
		return
	}
	last, err := rt.twin.GetLastCapture(req.Context(), thingID)
	if err != nil {
		respondDetail(w, http.StatusBadGateway, err.Error())
		return
	}
	respondJSON(w, map[string]any{
		"thingId":     thingID,
		"detections":  detections,
		"lastCapture": last,
	})
}

func (rt *Router) captures(w http.ResponseWriter, req *http.Request) {
	thingID := rt.thingID(req)
	q := req.URL.Query()

	includeLast := true
	switch q.Get("include_last") {
	case "0", "false", "False":
		includeLast = false
	}
	order := "desc"
	if q.Get("order") == "asc" {
		order = "asc"
	}

	entries, err := rt.twin.AllCaptures(req.Context(), thingID, includeLast)
	if err != nil {
		respondDetail(w, http.StatusBadGateway, err.Error())
		return
	}

	sort.SliceStable(entries, func(i, j int) bool {
		a, _ := entries[i]["captured_at"].(string)
		b, _ := entries[j]["captured_at"].(string)
		if order == "asc" {
			return a < b
		}
		return a > b
	})

	total := len(entries)
	offset := parseCount(q.Get("offset"), 0)
	if offset > total {
		offset = total
	}
	entries = entries[offset:]
	if limit := parseCount(q.Get("limit"), -1); limit >= 0 && limit < len(entries) {
		entries = entries[:limit]
	}

	respondJSON(w, map[string]any{
		"thingId":  thingID,
		"total":    total,
		"offset":   offset,
		"returned": len(entries),
		"order":    order,
		"captures": entries,
	})
}

func (rt *Router) health(w http.ResponseWriter, req *http.Request) {
	if err := rt.store.Health(req.Context()); err != nil {
		respondDetail(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	respondJSON(w, map[string]any{"ok": true})
}

func (rt *Router) status(w http.ResponseWriter, req *http.Request) {
	total, changed, err := rt.store.Counts(req.Context())
	if err != nil {
		respondDetail(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, map[string]any{
		"points":     map[string]any{"total": total, "changed": changed},
		"queue":      rt.pool.Stats(),
		"workers":    rt.cfg.Ingest.Workers,
		"ws_clients": rt.hub.ClientCount(),
		"metrics":    rt.meter.Snapshot(),
		"config": map[string]any{
			"proximity_meters": rt.cfg.Engine.ProximityMeters,
			"history_max":      rt.cfg.Engine.HistoryMax,
		},
	})
}

func (rt *Router) backfill(w http.ResponseWriter, req *http.Request) {
	limit := parseCount(req.URL.Query().Get("limit"), rt.cfg.Ingest.BackfillLimit)
	if limit <= 0 {
		limit = rt.cfg.Ingest.BackfillLimit
	}
	// The run outlives this request.
	runID := rt.runner.Run(context.WithoutCancel(req.Context()), limit)
	respondStatus(w, http.StatusAccepted, map[string]any{
		"status": "started",
		"run_id": runID,
		"limit":  limit,
	})
}

func (rt *Router) thingID(req *http.Request) string {
	vars := mux.Vars(req)
	pointID, _ := strconv.ParseInt(vars["pointID"], 10, 64)
	return statedoc.ThingID(rt.cfg.Remote.Namespace, vars["cameraID"], pointID)
}

// imageURL maps a stored path onto the static mount, nil when the file
// is gone or lives outside the upload directory.
func (rt *Router) imageURL(path string) *string {
	if path == "" || filepath.Dir(path) != filepath.Clean(rt.cfg.UploadDir) {
		return nil
	}
	if _, err := os.Stat(path); err != nil {
		return nil
	}
	u := config.StaticMount + "/" + filepath.Base(path)
	return &u
}

// parseCount reads a digits-only query value, falling back for empty
// or malformed input.
func parseCount(s string, fallback int) int {
	if s == "" {
		return fallback
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return fallback
		}
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return fallback
	}
	return n
}

func respondJSON(w http.ResponseWriter, payload any) {
	respondStatus(w, http.StatusOK, payload)
}

func respondStatus(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("write json: %v", err)
	}
}

func respondDetail(w http.ResponseWriter, status int, msg string) {
	respondStatus(w, status, map[string]string{"detail": msg})
}
