package vlm

import (
	"bytes"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

type capturedRequest struct {
	Auth     string
	Path     string
	Model    string         `json:"model"`
	Messages []capturedMsg  `json:"messages"`
	Format   map[string]any `json:"response_format"`
}

type capturedMsg struct {
	Role    string `json:"role"`
	Content []struct {
		Type     string `json:"type"`
		Text     string `json:"text"`
		ImageURL *struct {
			URL string `json:"url"`
		} `json:"image_url"`
	} `json:"content"`
}

func completionsServer(t *testing.T, content string, captured *capturedRequest) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if captured != nil {
			captured.Auth = r.Header.Get("Authorization")
			captured.Path = r.URL.Path
			if err := json.NewDecoder(r.Body).Decode(captured); err != nil {
				t.Errorf("decode request: %v", err)
			}
		}
		resp := map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"content": content}},
			},
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}))
}

func testImagePNG(t *testing.T) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, 24, 24))
	for y := 0; y < 24; y++ {
		for x := 0; x < 24; x++ {
			img.Set(x, y, color.NRGBA{R: uint8(x * 10), G: uint8(y * 10), A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func newTestClient(url string, maxBytes int) *Client {
	return New(Options{BaseURL: url, APIKey: "testkey", Model: "test-vlm", MaxImageBytes: maxBytes})
}

func TestDescribeParsesAndNormalizes(t *testing.T) {
	longLabel := strings.Repeat("x", 70)
	content := `{
		"caption": "  a fence post  ",
		"objects": [
			{"label": "` + longLabel + `", "confidence": 0.9, "bbox": [1.5, -0.2, 0.5, 0.5], "state": "Damaged"},
			{"label": "pole", "confidence": 0.4, "bbox": ["broken"], "state": "intact"},
			"not an object",
			{"bbox": [0.1, 0.1, 0.2, 0.2]}
		]
	}`
	var captured capturedRequest
	srv := completionsServer(t, content, &captured)
	defer srv.Close()

	c := newTestClient(srv.URL, 1<<20)
	desc, err := c.Describe(t.Context(), testImagePNG(t))
	if err != nil {
		t.Fatalf("Describe: %v", err)
	}

	if desc.Caption != "a fence post" {
		t.Errorf("caption = %q", desc.Caption)
	}
	if len(desc.Objects) != 2 {
		t.Fatalf("got %d objects, want 2 (malformed dropped): %+v", len(desc.Objects), desc.Objects)
	}
	first := desc.Objects[0]
	if len(first.Label) != 64 {
		t.Errorf("label length = %d, want truncation to 64", len(first.Label))
	}
	if first.BBox != [4]float64{1, 0, 0.5, 0.5} {
		t.Errorf("bbox = %v, want clamped to [0,1]", first.BBox)
	}
	if first.State != "damaged" {
		t.Errorf("state = %q, want damaged", first.State)
	}
	second := desc.Objects[1]
	if second.Label != "object" || second.State != "intact" {
		t.Errorf("defaults not applied: %+v", second)
	}

	if captured.Path != "/chat/completions" {
		t.Errorf("path = %q", captured.Path)
	}
	if captured.Auth != "Bearer testkey" {
		t.Errorf("auth = %q", captured.Auth)
	}
	if captured.Model != "test-vlm" {
		t.Errorf("model = %q", captured.Model)
	}
	if len(captured.Messages) != 1 || len(captured.Messages[0].Content) != 2 {
		t.Fatalf("unexpected message shape: %+v", captured.Messages)
	}
	imgPart := captured.Messages[0].Content[0]
	if imgPart.Type != "image_url" || imgPart.ImageURL == nil ||
		!strings.HasPrefix(imgPart.ImageURL.URL, "data:image/png;base64,") {
		t.Errorf("image part malformed: %+v", imgPart)
	}
}

func TestExtractMetadata(t *testing.T) {
	srv := completionsServer(t, `{"lat": "48.2082", "lon": 16.3738, "captured_at": null}`, nil)
	defer srv.Close()

	c := newTestClient(srv.URL, 1<<20)
	meta, err := c.ExtractMetadata(t.Context(), testImagePNG(t))
	if err != nil {
		t.Fatalf("ExtractMetadata: %v", err)
	}
	if meta.Lat != 48.2082 || meta.Lon != 16.3738 {
		t.Errorf("coords = %v,%v", meta.Lat, meta.Lon)
	}
	if meta.CapturedAt != "" {
		t.Errorf("capturedAt = %q, want empty for null", meta.CapturedAt)
	}
}

func TestExtractMetadataRejectsUnparseableCoords(t *testing.T) {
	srv := completionsServer(t, `{"lat": "somewhere north", "lon": 16.3}`, nil)
	defer srv.Close()

	c := newTestClient(srv.URL, 1<<20)
	if _, err := c.ExtractMetadata(t.Context(), testImagePNG(t)); err == nil {
		t.Fatal("expected error for unparseable coordinates")
	}
}

func TestCompareNormalizesReason(t *testing.T) {
	cases := []struct {
		name       string
		content    string
		wantChange bool
		wantReason string
		wantSim    float64
	}{
		{"out of set reason while changed", `{"changed": true, "reason": "weird", "scene_match": true, "scene_similarity": 0.9}`, true, "changed", 0.9},
		{"out of set reason while unchanged", `{"changed": false, "reason": "weird", "scene_match": true, "scene_similarity": 0.8}`, false, "", 0.8},
		{"uppercase reason kept", `{"changed": true, "reason": " DAMAGED ", "scene_match": true, "scene_similarity": 1}`, true, "damaged", 1},
		{"string similarity coerced", `{"changed": false, "reason": "", "scene_match": true, "scene_similarity": "0.42"}`, false, "", 0.42},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := completionsServer(t, tc.content, nil)
			defer srv.Close()

			c := newTestClient(srv.URL, 1<<20)
			cmp, err := c.Compare(t.Context(), testImagePNG(t), testImagePNG(t))
			if err != nil {
				t.Fatalf("Compare: %v", err)
			}
			if cmp.Changed != tc.wantChange || cmp.Reason != tc.wantReason {
				t.Errorf("got changed=%v reason=%q, want changed=%v reason=%q",
					cmp.Changed, cmp.Reason, tc.wantChange, tc.wantReason)
			}
			if cmp.SceneSimilarity != tc.wantSim {
				t.Errorf("sceneSimilarity = %v, want %v", cmp.SceneSimilarity, tc.wantSim)
			}
		})
	}
}

func TestCompareExtractsWrappedJSON(t *testing.T) {
	content := "Here is my analysis:\n{\"changed\": true, \"reason\": \"missing\", \"details\": \"the {sign} is gone\", \"scene_match\": true, \"scene_similarity\": 0.7}\nHope that helps!"
	srv := completionsServer(t, content, nil)
	defer srv.Close()

	c := newTestClient(srv.URL, 1<<20)
	cmp, err := c.Compare(t.Context(), testImagePNG(t), testImagePNG(t))
	if err != nil {
		t.Fatalf("Compare: %v", err)
	}
	if !cmp.Changed || cmp.Reason != "missing" {
		t.Errorf("got %+v, want changed/missing", cmp)
	}
	if cmp.Details != "the {sign} is gone" {
		t.Errorf("details = %q, braces inside strings must survive extraction", cmp.Details)
	}
}

func TestCallSurfacesHTTPErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model melted", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL, 1<<20)
	if _, err := c.Describe(t.Context(), testImagePNG(t)); err == nil || !strings.Contains(err.Error(), "vlm status 500") {
		t.Fatalf("expected status error, got %v", err)
	}

	srv2 := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"choices": []}`))
	}))
	defer srv2.Close()
	c2 := newTestClient(srv2.URL, 1<<20)
	if _, err := c2.Describe(t.Context(), testImagePNG(t)); err == nil || !strings.Contains(err.Error(), "empty vlm response") {
		t.Fatalf("expected empty response error, got %v", err)
	}
}

func TestOversizedImageBoundedBeforeSend(t *testing.T) {
	var captured capturedRequest
	srv := completionsServer(t, `{"caption": "", "objects": []}`, &captured)
	defer srv.Close()

	// A ceiling below the PNG size forces the downscale-and-reencode path.
	c := newTestClient(srv.URL, 10)
	if _, err := c.Describe(t.Context(), testImagePNG(t)); err != nil {
		t.Fatalf("Describe: %v", err)
	}
	url := captured.Messages[0].Content[0].ImageURL.URL
	if !strings.HasPrefix(url, "data:image/jpeg;base64,") {
		t.Errorf("oversized input should be re-encoded as JPEG, got prefix %q", url[:32])
	}
}
