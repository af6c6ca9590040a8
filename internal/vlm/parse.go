package vlm

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

const maxLabelLen = 64

func parseDescription(content string) (Description, error) {
	raw, err := decodeObject(content)
	if err != nil {
		return Description{}, fmt.Errorf("parse description: %w", err)
	}
	out := Description{
		Objects: []DetectedObject{},
		Caption: strings.TrimSpace(toString(raw["caption"])),
	}
	items, _ := raw["objects"].([]interface{})
	for _, item := range items {
		obj, ok := normalizeObject(item)
		if !ok {
			continue
		}
		out.Objects = append(out.Objects, obj)
	}
	return out, nil
}

// normalizeObject coerces one detection map into a DetectedObject,
// reporting false when the item is too malformed to keep.
func normalizeObject(item interface{}) (DetectedObject, bool) {
	m, ok := item.(map[string]interface{})
	if !ok {
		return DetectedObject{}, false
	}
	label := strings.TrimSpace(toString(m["label"]))
	if label == "" {
		label = "object"
	}
	if len(label) > maxLabelLen {
		label = label[:maxLabelLen]
	}
	conf, _ := toFloat(m["confidence"])

	var bbox [4]float64
	if coords, ok := m["bbox"].([]interface{}); ok {
		for i := 0; i < len(coords) && i < 4; i++ {
			v, ok := toFloat(coords[i])
			if !ok {
				return DetectedObject{}, false
			}
			bbox[i] = clamp01(v)
		}
	}

	state := strings.ToLower(strings.TrimSpace(toString(m["state"])))
	if state != "damaged" {
		state = "intact"
	}
	return DetectedObject{Label: label, Confidence: conf, BBox: bbox, State: state}, true
}

func parseMetadata(content string) (Metadata, error) {
	raw, err := decodeObject(content)
	if err != nil {
		return Metadata{}, fmt.Errorf("parse metadata: %w", err)
	}
	lat, okLat := toFloat(raw["lat"])
	lon, okLon := toFloat(raw["lon"])
	if !okLat || !okLon {
		return Metadata{}, errors.New("could not parse lat/lon from image text")
	}
	capturedAt := ""
	if v, ok := raw["captured_at"]; ok && v != nil {
		capturedAt = strings.TrimSpace(toString(v))
	}
	return Metadata{Lat: lat, Lon: lon, CapturedAt: capturedAt}, nil
}

func parseComparison(content string) Comparison {
	raw, err := decodeObject(content)
	if err != nil {
		return Comparison{Details: "parse_error"}
	}
	cmp := Comparison{
		Changed:    toBool(raw["changed"]),
		Details:    strings.TrimSpace(toString(raw["details"])),
		SceneMatch: toBool(raw["scene_match"]),
	}
	if v, ok := toFloat(raw["scene_similarity"]); ok {
		cmp.SceneSimilarity = v
	}
	reason := strings.ToLower(strings.TrimSpace(toString(raw["reason"])))
	switch reason {
	case "damaged", "missing", "changed":
		cmp.Reason = reason
	default:
		if cmp.Changed {
			cmp.Reason = "changed"
		} else {
			cmp.Reason = ""
		}
	}
	return cmp
}

func decodeObject(content string) (map[string]interface{}, error) {
	var raw map[string]interface{}
	if err := json.Unmarshal([]byte(content), &raw); err == nil {
		return raw, nil
	}
	obj := extractJSONObject(content)
	if obj == "" {
		return nil, errors.New("no json object found")
	}
	if err := json.Unmarshal([]byte(obj), &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// extractJSONObject returns the first balanced {...} in input, tracking
// string literals so braces inside values do not confuse the depth count.
func extractJSONObject(input string) string {
	start := strings.Index(input, "{")
	if start == -1 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(input); i++ {
		ch := input[i]
		if inString {
			if escaped {
				escaped = false
				continue
			}
			if ch == '\\' {
				escaped = true
				continue
			}
			if ch == '"' {
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return input[start : i+1]
			}
		}
	}
	return ""
}

func toString(v interface{}) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	default:
		return fmt.Sprint(v)
	}
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func toBool(v interface{}) bool {
	switch b := v.(type) {
	case bool:
		return b
	case string:
		parsed, err := strconv.ParseBool(strings.TrimSpace(b))
		return err == nil && parsed
	default:
		return false
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
