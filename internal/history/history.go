// Package history maintains the bounded capture history on a point's
// twin document. Writes that exceed the store's payload ceiling retry
// with progressively smaller windows rather than failing the capture.
package history

import (
	"context"
	"errors"
	"fmt"

	"sitewatch/internal/statedoc"
)

// Merge outcomes. Degraded means the capture landed but with less
// history than requested.
const (
	StatusSuccess  = "success"
	StatusDegraded = "degraded"
	StatusFailed   = "failed"
)

// Store is the slice of the twin client the merger needs.
type Store interface {
	GetHistory(ctx context.Context, thingID string) ([]map[string]any, error)
	GetLastCapture(ctx context.Context, thingID string) (map[string]any, error)
	Patch(ctx context.Context, thingID string, doc map[string]any) error
}

// Result reports how a merge landed.
type Result struct {
	Status string
	Kept   int
}

// Merger folds a new capture into a thing's history and writes the
// whole update as one merge-patch.
type Merger struct {
	Store  Store
	MaxLen int
}

// Merge appends capture to the thing's history and patches lastCapture,
// history and detections together. With mergePrior set, the current
// remote history and lastCapture are folded in first; new points skip
// the reads. Read failures degrade to a single-entry history instead of
// dropping the capture.
func (m *Merger) Merge(ctx context.Context, thingID string, capture statedoc.Capture, detections map[string]any, mergePrior bool) (Result, error) {
	entries := []map[string]any{}
	degraded := false

	if mergePrior {
		prior, err := m.Store.GetHistory(ctx, thingID)
		if err != nil {
			degraded = true
		} else {
			entries = prior
		}
		prevLast, err := m.Store.GetLastCapture(ctx, thingID)
		if err != nil {
			degraded = true
		} else if len(prevLast) > 0 {
			entries = appendUnique(entries, prevLast)
		}
	}

	entries = appendUnique(entries, capture.Slim())
	if m.MaxLen > 0 && len(entries) > m.MaxLen {
		entries = entries[len(entries)-m.MaxLen:]
	}

	err := m.Store.Patch(ctx, thingID, statedoc.MergeDoc(capture, entries, detections))
	if err == nil {
		status := StatusSuccess
		if degraded {
			status = StatusDegraded
		}
		return Result{Status: status, Kept: len(entries)}, nil
	}
	if !errors.Is(err, statedoc.ErrPayloadTooLarge) {
		return Result{Status: StatusFailed}, fmt.Errorf("merge history: %w", err)
	}

	for _, keep := range shrinkWindows(m.MaxLen) {
		window := tail(entries, keep)
		err := m.Store.Patch(ctx, thingID, statedoc.MergeDoc(capture, window, detections))
		if err == nil {
			return Result{Status: StatusDegraded, Kept: len(window)}, nil
		}
		if !errors.Is(err, statedoc.ErrPayloadTooLarge) {
			return Result{Status: StatusFailed}, fmt.Errorf("merge history: %w", err)
		}
	}

	// Even a single entry is too big. Keep the capture itself and reset
	// the history to an explicit empty list.
	err = m.Store.Patch(ctx, thingID, statedoc.MergeDoc(capture, []map[string]any{}, nil))
	if err != nil {
		return Result{Status: StatusFailed}, fmt.Errorf("merge history: %w", err)
	}
	return Result{Status: StatusDegraded, Kept: 0}, nil
}

func shrinkWindows(maxLen int) []int {
	first := 10
	if maxLen > 0 && maxLen < first {
		first = maxLen
	}
	return []int{first, 5, 3, 1}
}

func tail(entries []map[string]any, keep int) []map[string]any {
	if keep >= len(entries) {
		return entries
	}
	return entries[len(entries)-keep:]
}

// appendUnique adds entry unless its image hash already appears. The
// stored form drops the embedded thumbnail.
func appendUnique(entries []map[string]any, entry map[string]any) []map[string]any {
	if h := statedoc.EntryHash(entry); h != "" {
		for _, e := range entries {
			if statedoc.EntryHash(e) == h {
				return entries
			}
		}
	}
	slim := make(map[string]any, len(entry))
	for k, v := range entry {
		if k == "thumbnail_b64" {
			continue
		}
		slim[k] = v
	}
	return append(entries, slim)
}
