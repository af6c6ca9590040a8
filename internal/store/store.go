// Package store is the relational adapter for monitoring points. It is
// deliberately thin: full-row reads and overwrites keyed by id, no
// partial patches and no locking (the engine serializes writers).
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a point id does not exist.
var ErrNotFound = errors.New("store: point not found")

// Store wraps SQLite access to monitoring points.
type Store struct {
	db *sql.DB
}

func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS points (
			id INTEGER PRIMARY KEY,
			camera_id TEXT NOT NULL,
			path TEXT NOT NULL,
			lat REAL NOT NULL,
			lon REAL NOT NULL,
			captured_at TEXT NOT NULL,
			processed INTEGER DEFAULT 0,
			detections_json TEXT,
			caption TEXT,
			changed INTEGER DEFAULT 0,
			reason TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_points_processed ON points(processed);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Point is one monitoring point row. Mutable fields are overwritten as a
// whole on every reconciliation that lands on the point.
type Point struct {
	ID             int64   `json:"id"`
	CameraID       string  `json:"camera_id"`
	Path           string  `json:"path"`
	Lat            float64 `json:"lat"`
	Lon            float64 `json:"lon"`
	CapturedAt     string  `json:"captured_at"`
	Processed      bool    `json:"processed"`
	DetectionsJSON string  `json:"detections_json,omitempty"`
	Caption        string  `json:"caption"`
	Changed        bool    `json:"changed"`
	Reason         string  `json:"reason"`
}

const pointColumns = `id, camera_id, path, lat, lon, captured_at, processed, detections_json, caption, changed, reason`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPoint(row rowScanner) (Point, error) {
	var (
		p          Point
		processed  int
		changed    int
		detections sql.NullString
		caption    sql.NullString
		reason     sql.NullString
	)
	err := row.Scan(&p.ID, &p.CameraID, &p.Path, &p.Lat, &p.Lon, &p.CapturedAt,
		&processed, &detections, &caption, &changed, &reason)
	if err != nil {
		return Point{}, err
	}
	p.Processed = processed != 0
	p.Changed = changed != 0
	p.DetectionsJSON = detections.String
	p.Caption = caption.String
	p.Reason = reason.String
	return p, nil
}

func (s *Store) queryPoints(ctx context.Context, query string, args ...any) ([]Point, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Point
	for rows.Next() {
		p, err := scanPoint(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// All returns every point in insertion order. The proximity index relies
// on this order to break distance ties.
func (s *Store) All(ctx context.Context) ([]Point, error) {
	return s.queryPoints(ctx, `SELECT `+pointColumns+` FROM points ORDER BY id ASC`)
}

// List returns up to limit points in insertion order.
func (s *Store) List(ctx context.Context, limit int) ([]Point, error) {
	return s.queryPoints(ctx, `SELECT `+pointColumns+` FROM points ORDER BY id ASC LIMIT ?`, limit)
}

// Get returns one point by id, ErrNotFound if absent.
func (s *Store) Get(ctx context.Context, id int64) (Point, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+pointColumns+` FROM points WHERE id = ?`, id)
	p, err := scanPoint(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Point{}, ErrNotFound
	}
	return p, err
}

// Insert stores a new point and returns its minted id.
func (s *Store) Insert(ctx context.Context, p Point) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO points(camera_id, path, lat, lon, captured_at, processed, detections_json, caption, changed, reason)
		 VALUES(?,?,?,?,?,?,?,?,?,?)`,
		p.CameraID, p.Path, p.Lat, p.Lon, p.CapturedAt,
		boolToInt(p.Processed), p.DetectionsJSON, p.Caption, boolToInt(p.Changed), p.Reason)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// Overwrite replaces every mutable field of an existing point.
func (s *Store) Overwrite(ctx context.Context, p Point) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE points SET camera_id=?, path=?, lat=?, lon=?, captured_at=?, processed=?,
		 detections_json=?, caption=?, changed=?, reason=? WHERE id=?`,
		p.CameraID, p.Path, p.Lat, p.Lon, p.CapturedAt, boolToInt(p.Processed),
		p.DetectionsJSON, p.Caption, boolToInt(p.Changed), p.Reason, p.ID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Unprocessed returns up to limit rows awaiting reconciliation, oldest
// capture first.
func (s *Store) Unprocessed(ctx context.Context, limit int) ([]Point, error) {
	return s.queryPoints(ctx,
		`SELECT `+pointColumns+` FROM points WHERE processed = 0 ORDER BY captured_at ASC LIMIT ?`, limit)
}

// MarkProcessed flips the processed flag for the given ids.
func (s *Store) MarkProcessed(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE points SET processed = 1 WHERE id IN (`+placeholders+`)`, args...)
	return err
}

// SetReason records a failure note on a row without touching the rest.
func (s *Store) SetReason(ctx context.Context, id int64, reason string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE points SET reason = ? WHERE id = ?`, reason, id)
	return err
}

// Counts reports total and changed-flagged points for the ops surface.
func (s *Store) Counts(ctx context.Context) (total, changed int, err error) {
	if err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM points`).Scan(&total); err != nil {
		return 0, 0, err
	}
	if err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM points WHERE changed = 1`).Scan(&changed); err != nil {
		return 0, 0, err
	}
	return total, changed, nil
}

// Health returns err if DB not reachable.
func (s *Store) Health(ctx context.Context) error {
	row := s.db.QueryRowContext(ctx, `SELECT 1`)
	var v int
	if err := row.Scan(&v); err != nil {
		return fmt.Errorf("db health: %w", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
