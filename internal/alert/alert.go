// Package alert fans change notifications out to the twin store inbox
// and to local websocket subscribers.
package alert

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"sitewatch/internal/events"
)

// Subject of the inbox message carrying change alerts.
const Subject = "alert"

// DefaultReason labels alerts whose comparison produced no specific
// reason string.
const DefaultReason = "major change detected"

// Alert describes a reportable change at a monitoring point.
type Alert struct {
	Reason             string
	ThingID            string
	ImageURL           string
	Objects            any
	ComparedToPointID  int64
	ComparedToCameraID string
	DistanceM          float64
}

func (a Alert) reason() string {
	if a.Reason == "" {
		return DefaultReason
	}
	return a.Reason
}

// Payload is the wire form shared by the inbox message and the
// websocket broadcast.
func (a Alert) Payload() map[string]any {
	return map[string]any{
		"reason":                a.reason(),
		"thingId":               a.ThingID,
		"image_url":             a.ImageURL,
		"objects":               a.Objects,
		"compared_to_image_id":  a.ComparedToPointID,
		"compared_to_camera_id": a.ComparedToCameraID,
		"distance_m":            a.DistanceM,
	}
}

// Text renders the one-line human form used in logs and broadcasts.
func (a Alert) Text() string {
	return fmt.Sprintf("%s at %s (%.1f m from point %d)", a.reason(), a.ThingID, a.DistanceM, a.ComparedToPointID)
}

// Messenger posts inbox messages on things. *statedoc.Client satisfies
// it.
type Messenger interface {
	SendMessage(ctx context.Context, thingID, subject string, value map[string]any) error
}

// Emitter delivers alerts. The bus broadcast happens even when the
// remote send fails so local watchers stay informed.
type Emitter struct {
	Twin Messenger
	Bus  *events.Bus
}

func (e *Emitter) Emit(ctx context.Context, a Alert) error {
	if e.Bus != nil {
		e.Bus.Publish(events.Event{
			ID:      uuid.NewString(),
			Type:    events.TypeAlert,
			At:      time.Now().UTC().Format(time.RFC3339),
			Text:    a.Text(),
			Payload: a.Payload(),
		})
	}
	if e.Twin == nil {
		return nil
	}
	if err := e.Twin.SendMessage(ctx, a.ThingID, Subject, a.Payload()); err != nil {
		return fmt.Errorf("emit alert: %w", err)
	}
	return nil
}
