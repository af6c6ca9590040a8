// Package reconcile folds new captures into the set of known
// monitoring points: it picks the point a capture belongs to, decides
// whether the scene changed, and fans the verdict out to the local
// database and the twin store.
package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"sitewatch/internal/alert"
	"sitewatch/internal/config"
	"sitewatch/internal/discriminate"
	"sitewatch/internal/geo"
	"sitewatch/internal/history"
	"sitewatch/internal/imaging"
	"sitewatch/internal/metrics"
	"sitewatch/internal/statedoc"
	"sitewatch/internal/store"
	"sitewatch/internal/vlm"
)

// ErrMetadataExtraction marks captures rejected because lat/lon could
// not be read from the image. Nothing is stored for these.
var ErrMetadataExtraction = errors.New("metadata extraction failed")

// DefaultCameraID is assumed when an upload names no camera.
const DefaultCameraID = "camera-01"

// UploadInput is one capture handed to the engine.
type UploadInput struct {
	FileName string
	CameraID string
	Data     []byte
}

// UploadResult mirrors the upload response body. Nullable fields are
// pointers so absent values serialize as null.
type UploadResult struct {
	Accepted       bool     `json:"accepted"`
	Stored         bool     `json:"stored"`
	ID             int64    `json:"id"`
	CameraID       string   `json:"camera_id"`
	ThingID        string   `json:"thing_id"`
	URL            string   `json:"url"`
	Lat            float64  `json:"lat"`
	Lon            float64  `json:"lon"`
	CapturedAt     string   `json:"captured_at"`
	Changed        bool     `json:"changed"`
	Reason         string   `json:"reason"`
	HasNearby      bool     `json:"has_nearby"`
	NearestAnyID   *int64   `json:"nearest_any_id"`
	NearestAnyDist *float64 `json:"nearest_any_dist"`
	BaselineID     *int64   `json:"baseline_id"`
	BaselineDist   *float64 `json:"baseline_distance"`
}

// Engine runs the reconciliation flow. Writes to a given point are
// serialized with a per-point lock; new-point inserts share one
// creation lock. The long VLM calls run outside both.
type Engine struct {
	cfg      config.Config
	store    *store.Store
	twin     *statedoc.Client
	vision   *vlm.Client
	selector *Selector
	merger   *history.Merger
	alerts   *alert.Emitter
	meter    *metrics.Registry
	locks    *pointLocks
	createMu sync.Mutex
}

func NewEngine(cfg config.Config, st *store.Store, twin *statedoc.Client, vision *vlm.Client, alerts *alert.Emitter, meter *metrics.Registry) *Engine {
	disc := &discriminate.Discriminator{Comparer: vision, MinSceneSimilarity: cfg.Engine.SceneSimilarityMin}
	return &Engine{
		cfg:      cfg,
		store:    st,
		twin:     twin,
		vision:   vision,
		selector: &Selector{Disc: disc},
		merger:   &history.Merger{Store: twin, MaxLen: cfg.Engine.HistoryMax},
		alerts:   alerts,
		meter:    meter,
		locks:    newPointLocks(),
	}
}

// Ingest reconciles one uploaded capture end to end. The twin store is
// only written after the local row landed; a twin failure is recorded
// on the row instead of failing the upload.
func (e *Engine) Ingest(ctx context.Context, in UploadInput) (*UploadResult, error) {
	if in.CameraID == "" {
		in.CameraID = DefaultCameraID
	}

	saveName := fmt.Sprintf("%d_%s", time.Now().UnixMilli(), filepath.Base(in.FileName))
	savePath := filepath.Join(e.cfg.UploadDir, saveName)
	if err := os.WriteFile(savePath, in.Data, 0o644); err != nil {
		return nil, fmt.Errorf("save upload: %w", err)
	}

	meta, err := e.vision.ExtractMetadata(ctx, in.Data)
	if err != nil {
		e.meter.Inc(metrics.UploadsRejected)
		return nil, fmt.Errorf("%w: %v", ErrMetadataExtraction, err)
	}
	capturedAt := meta.CapturedAt
	if capturedAt == "" {
		capturedAt = time.Now().UTC().Format(time.RFC3339)
	}

	candidates, err := e.candidatesNear(ctx, meta.Lat, meta.Lon, 0)
	if err != nil {
		return nil, err
	}
	sel := e.selector.Select(ctx, candidates, in.Data)

	analysis, err := e.vision.Describe(ctx, in.Data)
	if err != nil {
		return nil, fmt.Errorf("describe capture: %w", err)
	}
	detectionsJSON, _ := json.Marshal(map[string]any{"objects": analysis.Objects})

	row := store.Point{
		CameraID:       in.CameraID,
		Path:           savePath,
		Lat:            meta.Lat,
		Lon:            meta.Lon,
		CapturedAt:     capturedAt,
		Processed:      true,
		DetectionsJSON: string(detectionsJSON),
		Caption:        analysis.Caption,
		Changed:        sel.Changed,
		Reason:         sel.Reason,
	}

	var pointID int64
	if sel.Baseline != nil {
		// Reuse the baseline row; its stored camera id names the thing.
		if cam := sel.Baseline.Point.CameraID; cam != "" {
			row.CameraID = cam
		}
		pointID = sel.Baseline.Point.ID
		row.ID = pointID
		unlock := e.locks.lock(pointID)
		defer unlock()
		if err := e.store.Overwrite(ctx, row); err != nil {
			return nil, fmt.Errorf("overwrite point %d: %w", pointID, err)
		}
		e.meter.Inc(metrics.PointsReused)
	} else {
		e.createMu.Lock()
		pointID, err = e.store.Insert(ctx, row)
		e.createMu.Unlock()
		if err != nil {
			return nil, fmt.Errorf("insert point: %w", err)
		}
		unlock := e.locks.lock(pointID)
		defer unlock()
		e.meter.Inc(metrics.PointsCreated)
	}
	e.meter.Inc(metrics.UploadsAccepted)
	if sel.Changed {
		e.meter.Inc(metrics.ChangesDetected)
	}

	thingID := statedoc.ThingID(e.cfg.Remote.Namespace, row.CameraID, pointID)
	log.Printf("capture point=%d thing=%s changed=%v method=%s has_nearby=%v",
		pointID, thingID, sel.Changed, sel.Method, len(candidates) > 0)

	if err := e.publish(ctx, pointID, thingID, savePath, in.Data, meta.Lat, meta.Lon, capturedAt, analysis, sel); err != nil {
		log.Printf("point %d: state update failed: %v", pointID, err)
		e.meter.Inc(metrics.RemoteFailed)
		if rerr := e.store.SetReason(ctx, pointID, "state update error: "+err.Error()); rerr != nil {
			log.Printf("point %d: record failure note: %v", pointID, rerr)
		}
	}

	res := &UploadResult{
		Accepted:   true,
		Stored:     true,
		ID:         pointID,
		CameraID:   in.CameraID,
		ThingID:    thingID,
		URL:        config.StaticMount + "/" + saveName,
		Lat:        meta.Lat,
		Lon:        meta.Lon,
		CapturedAt: capturedAt,
		Changed:    sel.Changed,
		Reason:     sel.Reason,
		HasNearby:  len(candidates) > 0,
	}
	if len(candidates) > 0 {
		res.NearestAnyID = &candidates[0].Point.ID
		res.NearestAnyDist = &candidates[0].DistanceM
	}
	if sel.Baseline != nil {
		res.BaselineID = &sel.Baseline.Point.ID
		res.BaselineDist = &sel.Baseline.DistanceM
	}
	return res, nil
}

// ReconcileStored re-runs reconciliation for an existing row, comparing
// against every point except itself. The verdict lands on the row's own
// thing; the row itself is left for the caller to mark processed.
func (e *Engine) ReconcileStored(ctx context.Context, p store.Point) (bool, string, error) {
	raw, err := os.ReadFile(p.Path)
	if err != nil {
		return false, "", fmt.Errorf("load capture: %w", err)
	}

	candidates, err := e.candidatesNear(ctx, p.Lat, p.Lon, p.ID)
	if err != nil {
		return false, "", err
	}
	sel := e.selector.Select(ctx, candidates, raw)

	analysis, err := e.vision.Describe(ctx, raw)
	if err != nil {
		return false, "", fmt.Errorf("describe capture: %w", err)
	}

	cameraID := p.CameraID
	if cameraID == "" {
		cameraID = DefaultCameraID
	}
	thingID := statedoc.ThingID(e.cfg.Remote.Namespace, cameraID, p.ID)

	unlock := e.locks.lock(p.ID)
	defer unlock()

	if err := e.publish(ctx, p.ID, thingID, p.Path, raw, p.Lat, p.Lon, p.CapturedAt, analysis, sel); err != nil {
		return false, "", err
	}
	return sel.Changed, sel.Reason, nil
}

// publish pushes one reconciled capture to the twin store: ensure the
// thing, merge lastCapture/history/detections, then alert when a
// reused point changed.
func (e *Engine) publish(ctx context.Context, pointID int64, thingID, path string, raw []byte, lat, lon float64, capturedAt string, analysis vlm.Description, sel Selection) error {
	if err := e.twin.EnsureThing(ctx, thingID); err != nil {
		return err
	}

	capture := e.buildCapture(path, raw, lat, lon, capturedAt)
	detections := map[string]any{
		"objects":                analysis.Objects,
		"caption":                analysis.Caption,
		"changed_since_previous": sel.Changed,
		"change_reason":          sel.Reason,
		"prev":                   map[string]any{"objects": sel.PrevObjects},
	}

	mres, err := e.merger.Merge(ctx, thingID, capture, detections, sel.Baseline != nil)
	if err != nil {
		return err
	}
	if mres.Status == history.StatusDegraded {
		log.Printf("point %d: history degraded to %d entries", pointID, mres.Kept)
		e.meter.Inc(metrics.HistoryDegraded)
	}

	if sel.Changed && sel.Baseline != nil && e.cfg.Engine.SendAlerts {
		err := e.alerts.Emit(ctx, alert.Alert{
			Reason:             sel.Reason,
			ThingID:            thingID,
			ImageURL:           capture.ImageURL,
			Objects:            analysis.Objects,
			ComparedToPointID:  sel.Baseline.Point.ID,
			ComparedToCameraID: sel.Baseline.Point.CameraID,
			DistanceM:          sel.Baseline.DistanceM,
		})
		if err != nil {
			return err
		}
		e.meter.Inc(metrics.AlertsSent)
	}
	return nil
}

func (e *Engine) buildCapture(path string, raw []byte, lat, lon float64, capturedAt string) statedoc.Capture {
	capture := statedoc.Capture{
		ImageURL:   e.publicURL(path),
		ImageHash:  "sha256:" + imaging.SHA256Hex(raw),
		CapturedAt: capturedAt,
		SizeBytes:  len(raw),
		Lat:        lat,
		Lon:        lon,
	}
	if w, h, err := imaging.Dimensions(raw); err == nil {
		capture.Width, capture.Height = w, h
		if e.cfg.Engine.EmbedThumbnail {
			if thumb, err := imaging.ThumbnailB64(raw, e.cfg.Engine.ThumbnailMaxPx); err == nil {
				capture.ThumbnailB64 = thumb
			}
		}
	}
	return capture
}

// publicURL maps files inside the upload dir onto the static mount;
// anything else is referenced as a file URL.
func (e *Engine) publicURL(path string) string {
	if filepath.Dir(path) == filepath.Clean(e.cfg.UploadDir) {
		if _, err := os.Stat(path); err == nil {
			return config.StaticMount + "/" + filepath.Base(path)
		}
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	return "file://" + abs
}

func (e *Engine) candidatesNear(ctx context.Context, lat, lon float64, excludeID int64) ([]Candidate, error) {
	all, err := e.store.All(ctx)
	if err != nil {
		return nil, fmt.Errorf("load points: %w", err)
	}
	pts := make([]geo.Point, 0, len(all))
	byID := make(map[int64]store.Point, len(all))
	for _, p := range all {
		if p.ID == excludeID {
			continue
		}
		pts = append(pts, geo.Point{ID: p.ID, Lat: p.Lat, Lon: p.Lon})
		byID[p.ID] = p
	}
	near := geo.Nearby(pts, lat, lon, e.cfg.Engine.ProximityMeters)
	out := make([]Candidate, 0, len(near))
	for _, n := range near {
		out = append(out, Candidate{Point: byID[n.ID], DistanceM: n.DistanceM})
	}
	return out, nil
}
