package reconcile

import (
	"context"
	"encoding/json"
	"os"
	"strings"

	"sitewatch/internal/discriminate"
	"sitewatch/internal/store"
)

// Candidate pairs a stored point with its distance from a new capture.
type Candidate struct {
	Point     store.Point
	DistanceM float64
}

// Selection routes a capture. A nil Baseline starts a new point;
// otherwise the baseline point is reused, changed or not.
type Selection struct {
	Baseline    *Candidate
	Changed     bool
	Reason      string
	Method      string
	PrevObjects []any
}

// Selector applies the routing rules over distance-ordered candidates:
// the first changed candidate wins and ends the scan (with ascending
// distances it is also the closest changed one); otherwise the nearest
// comparable candidate is reused unchanged; with no usable candidate
// the capture starts a new point. Candidates whose stored image cannot
// be read are skipped.
type Selector struct {
	Disc     *discriminate.Discriminator
	ReadFile func(string) ([]byte, error)
}

func (s *Selector) readFile(path string) ([]byte, error) {
	if s.ReadFile != nil {
		return s.ReadFile(path)
	}
	return os.ReadFile(path)
}

func (s *Selector) Select(ctx context.Context, candidates []Candidate, raw []byte) Selection {
	var fallback *Candidate
	var fallbackObjs []any
	fallbackMethod := ""

	for i := range candidates {
		cand := &candidates[i]
		if cand.Point.Path == "" {
			continue
		}
		prevRaw, err := s.readFile(cand.Point.Path)
		if err != nil {
			continue
		}

		objs := PrevObjects(cand.Point.DetectionsJSON)
		out := s.Disc.Classify(ctx, prevRaw, raw)
		if out.Changed {
			reason := out.Reason
			if reason == "" {
				reason = "changed"
			}
			return Selection{Baseline: cand, Changed: true, Reason: reason, Method: out.Method, PrevObjects: objs}
		}
		if fallback == nil {
			fallback = cand
			fallbackObjs = objs
			fallbackMethod = out.Method
		}
	}

	if fallback != nil {
		return Selection{Baseline: fallback, Method: fallbackMethod, PrevObjects: fallbackObjs}
	}
	return Selection{PrevObjects: []any{}}
}

// PrevObjects parses the objects list out of a stored detections
// document. A bare list counts as the objects themselves; malformed
// JSON reads as no objects.
func PrevObjects(detectionsJSON string) []any {
	if strings.TrimSpace(detectionsJSON) == "" {
		return []any{}
	}
	var doc any
	if err := json.Unmarshal([]byte(detectionsJSON), &doc); err != nil {
		return []any{}
	}
	switch v := doc.(type) {
	case map[string]any:
		if objs, ok := v["objects"].([]any); ok {
			return objs
		}
	case []any:
		return v
	}
	return []any{}
}
