package main

import (
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"sitewatch/internal/store"
)

func TestFilterPendingSkipsStoredCaptures(t *testing.T) {
	done := map[string]bool{"gate.jpg": true, "fence.png": true}
	files := []string{"crane.jpg", "fence.png", "gate.jpg", "shed.webp"}

	pending, stored := filterPending(files, done)

	expected := []string{"crane.jpg", "shed.webp"}
	if !reflect.DeepEqual(pending, expected) {
		t.Fatalf("unexpected pending list: %#v", pending)
	}
	if stored != 2 {
		t.Fatalf("expected 2 stored captures, got %d", stored)
	}
}

func TestNormalizeBaseURL(t *testing.T) {
	if got := normalizeBaseURL("sitewatch.internal:9000/", ":8089"); got != "http://sitewatch.internal:9000" {
		t.Fatalf("unexpected normalized URL: %s", got)
	}
	if got := normalizeBaseURL("https://sitewatch.internal", ":8089"); got != "https://sitewatch.internal" {
		t.Fatalf("scheme should be kept: %s", got)
	}
	if got := normalizeBaseURL("", ":8089"); got != "http://localhost:8089" {
		t.Fatalf("expected listen-address fallback, got %s", got)
	}
}

func TestListImagesFiltersAndSorts(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"z.jpg", "a.png", "notes.txt", "clip.mp4"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("data"), 0o644); err != nil {
			t.Fatalf("write temp file: %v", err)
		}
	}
	if err := os.Mkdir(filepath.Join(dir, "nested.jpg"), 0o755); err != nil {
		t.Fatalf("make decoy dir: %v", err)
	}

	got, err := listImages(dir)
	if err != nil {
		t.Fatalf("list images: %v", err)
	}
	expected := []string{"a.png", "z.jpg"}
	if !reflect.DeepEqual(got, expected) {
		t.Fatalf("expected %v, got %v", expected, got)
	}
}

func TestStoredNamesStripsTimestampPrefix(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "points.db")
	st, err := store.Open(dbPath)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	rows := []store.Point{
		{CameraID: "camera-01", Path: "/data/uploads/1717236000123_gate.jpg", Lat: 1, Lon: 2, CapturedAt: "2024-06-01T10:00:00"},
		{CameraID: "camera-01", Path: "/data/uploads/plain.jpg", Lat: 1, Lon: 2, CapturedAt: "2024-06-01T10:05:00"},
	}
	for _, p := range rows {
		if _, err := st.Insert(t.Context(), p); err != nil {
			t.Fatalf("insert point: %v", err)
		}
	}
	if err := st.Close(); err != nil {
		t.Fatalf("close store: %v", err)
	}

	names, err := storedNames(dbPath)
	if err != nil {
		t.Fatalf("stored names: %v", err)
	}
	if !names["gate.jpg"] {
		t.Fatalf("expected timestamp prefix to be stripped, got %v", names)
	}
	if !names["plain.jpg"] {
		t.Fatalf("expected unprefixed name to be kept, got %v", names)
	}
}

func TestPostCaptureSendsMultipartForm(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gate.jpg")
	if err := os.WriteFile(path, []byte("pixels"), 0o644); err != nil {
		t.Fatalf("write capture: %v", err)
	}

	var gotName, gotCamera string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/upload" {
			http.NotFound(w, r)
			return
		}
		file, header, err := r.FormFile("file")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		defer file.Close()
		gotName = header.Filename
		gotCamera = r.FormValue("camera_id")
		gotBody, _ = io.ReadAll(file)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	if err := postCapture(srv.Client(), srv.URL, "cam-7", path); err != nil {
		t.Fatalf("post capture: %v", err)
	}
	if gotName != "gate.jpg" || gotCamera != "cam-7" {
		t.Fatalf("unexpected form fields: name=%q camera=%q", gotName, gotCamera)
	}
	if string(gotBody) != "pixels" {
		t.Fatalf("unexpected body: %q", gotBody)
	}
}

func TestPostCaptureReportsServiceErrors(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gate.jpg")
	if err := os.WriteFile(path, []byte("pixels"), 0o644); err != nil {
		t.Fatalf("write capture: %v", err)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"detail":"metadata extraction failed"}`, http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	err := postCapture(srv.Client(), srv.URL, "", path)
	if err == nil {
		t.Fatal("expected an error for a 422 response")
	}
}
