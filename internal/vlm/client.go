// Package vlm is the gateway to the vision-language inference service.
// It speaks the OpenAI-compatible chat-completions dialect with images
// attached as base64 data URLs, bounds input size before every call, and
// normalizes the model's JSON into closed-set values the engine can
// branch on.
package vlm

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"sitewatch/internal/imaging"
)

// Description is the content analysis of a single image.
type Description struct {
	Objects []DetectedObject `json:"objects"`
	Caption string           `json:"caption"`
}

// DetectedObject is one labeled region within an image. BBox is
// [x, y, w, h] normalized to [0,1].
type DetectedObject struct {
	Label      string     `json:"label"`
	Confidence float64    `json:"confidence"`
	BBox       [4]float64 `json:"bbox"`
	State      string     `json:"state"`
}

// Metadata is the GPS position and timestamp read off the image overlay.
type Metadata struct {
	Lat        float64
	Lon        float64
	CapturedAt string
}

// Comparison is the semantic change judgement between two images.
type Comparison struct {
	Changed         bool
	Reason          string
	Details         string
	SceneMatch      bool
	SceneSimilarity float64
}

// Options configures a Client.
type Options struct {
	BaseURL       string
	APIKey        string
	Model         string
	MaxImageBytes int
	Timeout       time.Duration
}

// Client calls the inference endpoint. Safe for concurrent use.
type Client struct {
	baseURL       string
	apiKey        string
	model         string
	maxImageBytes int
	httpClient    *http.Client
}

func New(opts Options) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 90 * time.Second
	}
	return &Client{
		baseURL:       strings.TrimRight(opts.BaseURL, "/"),
		apiKey:        opts.APIKey,
		model:         opts.Model,
		maxImageBytes: opts.MaxImageBytes,
		httpClient:    &http.Client{Timeout: timeout},
	}
}

const describePrompt = `Return ONLY strict JSON with keys: "objects" (array of {"label","confidence","bbox","state"}), "caption" (string).
- bbox: [x,y,w,h] normalized to [0,1].
- label: concise noun; confidence in [0,1].
- state: one of ["intact","damaged"] when you can tell; otherwise "intact".`

const extractPrompt = `Read any text printed ON the image and extract GPS and time.
Return ONLY strict JSON with keys: lat (number), lon (number), captured_at (string or null).
If a timestamp is not visible, set captured_at to null.
lat/lon may appear as 'lat:', 'latitude', 'Lat', etc., with optional symbols.`

const comparePrompt = `You will compare TWO images from nearly the same location. Decide if there is a MAJOR CHANGE.
CRITICAL: If the images are visually identical or differ only by metadata, compression artifacts, tiny crops, or insignificant lighting/white-balance shifts, set changed=false.
Be STRICT about real changes: damaged items ('damaged'), previously present items missing ('missing'), or an obviously different scene ('changed').
Return ONLY strict JSON with keys: changed (boolean), reason (string), details (string), scene_match (boolean), scene_similarity (number 0..1).
Allowed reason values: 'damaged', 'missing', 'changed', or '' (empty if no change).
If uncertain, prefer changed=false.`

// Describe returns the objects and caption the model sees in the image.
func (c *Client) Describe(ctx context.Context, image []byte) (Description, error) {
	img, err := c.imagePart(image)
	if err != nil {
		return Description{}, fmt.Errorf("describe: %w", err)
	}
	content, err := c.callJSON(ctx, []contentPart{img, textPart(describePrompt)})
	if err != nil {
		return Description{}, fmt.Errorf("describe: %w", err)
	}
	return parseDescription(content)
}

// ExtractMetadata reads lat/lon and capture time from text printed on
// the image. Unparseable coordinates are an error; the caller must
// reject the upload.
func (c *Client) ExtractMetadata(ctx context.Context, image []byte) (Metadata, error) {
	img, err := c.imagePart(image)
	if err != nil {
		return Metadata{}, fmt.Errorf("extract metadata: %w", err)
	}
	content, err := c.callJSON(ctx, []contentPart{img, textPart(extractPrompt)})
	if err != nil {
		return Metadata{}, fmt.Errorf("extract metadata: %w", err)
	}
	return parseMetadata(content)
}

// Compare judges whether the after image shows a major change relative
// to the before image.
func (c *Client) Compare(ctx context.Context, before, after []byte) (Comparison, error) {
	prev, err := c.imagePart(before)
	if err != nil {
		return Comparison{}, fmt.Errorf("compare: %w", err)
	}
	curr, err := c.imagePart(after)
	if err != nil {
		return Comparison{}, fmt.Errorf("compare: %w", err)
	}
	parts := []contentPart{
		textPart(comparePrompt + "\nThe next image is BEFORE (baseline)."),
		prev,
		textPart("The next image is AFTER (current)."),
		curr,
	}
	content, err := c.callJSON(ctx, parts)
	if err != nil {
		return Comparison{}, fmt.Errorf("compare: %w", err)
	}
	return parseComparison(content), nil
}

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageRef `json:"image_url,omitempty"`
}

type imageRef struct {
	URL string `json:"url"`
}

type chatMessage struct {
	Role    string        `json:"role"`
	Content []contentPart `json:"content"`
}

func textPart(text string) contentPart {
	return contentPart{Type: "text", Text: text}
}

func (c *Client) imagePart(data []byte) (contentPart, error) {
	bounded, err := imaging.FitUnderBytes(data, c.maxImageBytes)
	if err != nil {
		return contentPart{}, err
	}
	mime := http.DetectContentType(bounded)
	url := fmt.Sprintf("data:%s;base64,%s", mime, base64.StdEncoding.EncodeToString(bounded))
	return contentPart{Type: "image_url", ImageURL: &imageRef{URL: url}}, nil
}

func (c *Client) callJSON(ctx context.Context, parts []contentPart) (string, error) {
	payload := map[string]interface{}{
		"model":       c.model,
		"temperature": 0.1,
		"max_tokens":  1024,
		"response_format": map[string]string{
			"type": "json_object",
		},
		"messages": []chatMessage{{Role: "user", Content: parts}},
	}
	buf, _ := json.Marshal(payload)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(buf))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if strings.TrimSpace(c.apiKey) != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("vlm status %d: %s", resp.StatusCode, string(body))
	}
	var wrapper struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&wrapper); err != nil {
		return "", err
	}
	if len(wrapper.Choices) == 0 {
		return "", errors.New("empty vlm response")
	}
	return strings.TrimSpace(wrapper.Choices[0].Message.Content), nil
}
