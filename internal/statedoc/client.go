// Package statedoc talks to the digital-twin REST store that holds one
// thing per monitoring point. Each thing carries a camera feature
// (lastCapture plus a bounded history list) and a detections feature.
package statedoc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ErrPayloadTooLarge reports a 413 from the store. Callers shrink the
// history window and retry.
var ErrPayloadTooLarge = errors.New("statedoc: payload too large")

// ThingID composes the twin identifier for a point. The store allows a
// single ':', so camera and point id share the name part.
func ThingID(namespace, cameraID string, pointID int64) string {
	return fmt.Sprintf("%s:%s-%d", namespace, cameraID, pointID)
}

// Capture is the lastCapture property written on every reconciliation.
type Capture struct {
	ImageURL     string  `json:"image_url"`
	ImageHash    string  `json:"image_hash"`
	CapturedAt   string  `json:"captured_at"`
	SizeBytes    int     `json:"size_bytes"`
	Lat          float64 `json:"lat"`
	Lon          float64 `json:"lon"`
	Width        int     `json:"width,omitempty"`
	Height       int     `json:"height,omitempty"`
	ThumbnailB64 string  `json:"thumbnail_b64,omitempty"`
}

// Slim returns the history form of a capture: everything except the
// embedded thumbnail, width/height only when known.
func (c Capture) Slim() map[string]any {
	m := map[string]any{
		"image_url":   c.ImageURL,
		"image_hash":  c.ImageHash,
		"captured_at": c.CapturedAt,
		"size_bytes":  c.SizeBytes,
		"lat":         c.Lat,
		"lon":         c.Lon,
	}
	if c.Width > 0 && c.Height > 0 {
		m["width"] = c.Width
		m["height"] = c.Height
	}
	return m
}

// MergeDoc builds the merge-patch body for a thing update. Nil sections
// are left out so the patch only touches what changed.
func MergeDoc(lastCapture any, history []map[string]any, detections map[string]any) map[string]any {
	features := map[string]any{}
	camProps := map[string]any{}
	if lastCapture != nil {
		camProps["lastCapture"] = lastCapture
	}
	if history != nil {
		camProps["history"] = history
	}
	if len(camProps) > 0 {
		features["camera"] = map[string]any{"properties": camProps}
	}
	if detections != nil {
		features["detections"] = map[string]any{"properties": detections}
	}
	return map[string]any{"features": features}
}

// Options configure the store client.
type Options struct {
	BaseURL  string
	Username string
	Password string
	Timeout  time.Duration
}

// Client is a thin REST client for the twin store.
type Client struct {
	base string
	user string
	pass string
	http *http.Client
}

func New(o Options) *Client {
	if o.Timeout <= 0 {
		o.Timeout = 15 * time.Second
	}
	return &Client{
		base: strings.TrimRight(o.BaseURL, "/"),
		user: o.Username,
		pass: o.Password,
		http: &http.Client{Timeout: o.Timeout},
	}
}

func (c *Client) thingURL(thingID string) string {
	return fmt.Sprintf("%s/api/2/things/%s", c.base, thingID)
}

func (c *Client) do(ctx context.Context, method, url, contentType string, body any) (*http.Response, error) {
	var rdr io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		rdr = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, rdr)
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.user != "" {
		req.SetBasicAuth(c.user, c.pass)
	}
	return c.http.Do(req)
}

func statusErr(op string, resp *http.Response) error {
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return fmt.Errorf("%s: state store status %d: %s", op, resp.StatusCode, strings.TrimSpace(string(snippet)))
}

// EnsureThing creates the thing with empty camera and detections
// features unless it already exists.
func (c *Client) EnsureThing(ctx context.Context, thingID string) error {
	resp, err := c.do(ctx, http.MethodGet, c.thingURL(thingID), "", nil)
	if err != nil {
		return fmt.Errorf("ensure thing: %w", err)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusOK:
		return nil
	case resp.StatusCode != http.StatusNotFound:
		return fmt.Errorf("ensure thing: state store status %d", resp.StatusCode)
	}

	skeleton := map[string]any{
		"thingId": thingID,
		"features": map[string]any{
			"camera":     map[string]any{"properties": map[string]any{"lastCapture": map[string]any{}, "history": []any{}}},
			"detections": map[string]any{"properties": map[string]any{}},
		},
	}
	resp2, err := c.do(ctx, http.MethodPut, c.thingURL(thingID), "application/json", skeleton)
	if err != nil {
		return fmt.Errorf("ensure thing: %w", err)
	}
	defer resp2.Body.Close()
	if resp2.StatusCode >= 400 {
		return statusErr("ensure thing", resp2)
	}
	return nil
}

// GetHistory returns the stored history list. A missing property or a
// value of any other shape reads as empty.
func (c *Client) GetHistory(ctx context.Context, thingID string) ([]map[string]any, error) {
	url := c.thingURL(thingID) + "/features/camera/properties/history"
	resp, err := c.do(ctx, http.MethodGet, url, "", nil)
	if err != nil {
		return nil, fmt.Errorf("get history: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return []map[string]any{}, nil
	}
	if resp.StatusCode >= 400 {
		return nil, statusErr("get history", resp)
	}
	var entries []map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		return []map[string]any{}, nil
	}
	if entries == nil {
		entries = []map[string]any{}
	}
	return entries, nil
}

// GetLastCapture returns the lastCapture property, empty when absent.
func (c *Client) GetLastCapture(ctx context.Context, thingID string) (map[string]any, error) {
	url := c.thingURL(thingID) + "/features/camera/properties/lastCapture"
	return c.getProps(ctx, "get last capture", url)
}

// GetDetections returns the detections feature properties, empty when
// absent.
func (c *Client) GetDetections(ctx context.Context, thingID string) (map[string]any, error) {
	url := c.thingURL(thingID) + "/features/detections/properties"
	return c.getProps(ctx, "get detections", url)
}

func (c *Client) getProps(ctx context.Context, op, url string) (map[string]any, error) {
	resp, err := c.do(ctx, http.MethodGet, url, "", nil)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return map[string]any{}, nil
	}
	if resp.StatusCode >= 400 {
		return nil, statusErr(op, resp)
	}
	var props map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&props); err != nil {
		return map[string]any{}, nil
	}
	if props == nil {
		props = map[string]any{}
	}
	return props, nil
}

// AllCaptures returns history plus, when requested, the current
// lastCapture unless its hash already appears in history.
func (c *Client) AllCaptures(ctx context.Context, thingID string, includeLast bool) ([]map[string]any, error) {
	history, err := c.GetHistory(ctx, thingID)
	if err != nil {
		return nil, err
	}
	if !includeLast {
		return history, nil
	}
	last, err := c.GetLastCapture(ctx, thingID)
	if err != nil {
		return nil, err
	}
	if len(last) == 0 {
		return history, nil
	}
	if h := EntryHash(last); h != "" {
		for _, e := range history {
			if EntryHash(e) == h {
				return history, nil
			}
		}
	}
	return append(history, last), nil
}

// EntryHash extracts the image_hash of a capture entry for dedupe.
func EntryHash(entry map[string]any) string {
	v, _ := entry["image_hash"].(string)
	return strings.TrimSpace(v)
}

// Patch applies a merge-patch document to the thing. A 413 surfaces as
// ErrPayloadTooLarge so the caller can shrink and retry.
func (c *Client) Patch(ctx context.Context, thingID string, doc map[string]any) error {
	resp, err := c.do(ctx, http.MethodPatch, c.thingURL(thingID), "application/merge-patch+json", doc)
	if err != nil {
		return fmt.Errorf("patch thing: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusRequestEntityTooLarge {
		io.Copy(io.Discard, resp.Body)
		return ErrPayloadTooLarge
	}
	if resp.StatusCode >= 400 {
		return statusErr("patch thing", resp)
	}
	return nil
}

// SendMessage posts a fire-and-forget inbox message on the thing.
func (c *Client) SendMessage(ctx context.Context, thingID, subject string, value map[string]any) error {
	url := fmt.Sprintf("%s/inbox/messages/%s?timeout=0", c.thingURL(thingID), subject)
	body := map[string]any{"path": "/application", "value": value}
	resp, err := c.do(ctx, http.MethodPost, url, "application/json", body)
	if err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated, http.StatusAccepted:
		return nil
	}
	return statusErr("send message", resp)
}
