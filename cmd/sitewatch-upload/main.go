// Command sitewatch-upload bulk-submits capture images to a running
// sitewatch service. It scans a directory, skips files that already have
// a stored monitoring point, and posts the rest to /upload with bounded
// concurrency. Useful for seeding a fresh deployment from an archive of
// site photos.
package main

import (
	"bytes"
	"database/sql"
	"flag"
	"fmt"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"sitewatch/internal/config"
)

const uploadSlots = 4

func main() {
	dir := flag.String("dir", ".", "directory of capture images to submit")
	camera := flag.String("camera", "", "camera id attached to each upload (service default when empty)")
	force := flag.Bool("force", false, "submit files even when a stored point already references them")
	flag.Parse()

	cfg := config.Load()
	baseURL := normalizeBaseURL(os.Getenv("SERVICE_BASE_URL"), cfg.HTTPAddr)

	files, err := listImages(*dir)
	if err != nil {
		log.Fatalf("scan %s: %v", *dir, err)
	}
	if len(files) == 0 {
		log.Printf("no capture images under %s", *dir)
		return
	}

	done := map[string]bool{}
	if !*force {
		done, err = storedNames(cfg.DBPath)
		if err != nil {
			log.Printf("read point store %s: %v (submitting everything)", cfg.DBPath, err)
			done = map[string]bool{}
		}
	}
	pending, stored := filterPending(files, done)
	log.Printf("captures=%d pending=%d already_stored=%d target=%s", len(files), len(pending), stored, baseURL)
	if len(pending) == 0 {
		return
	}

	client := &http.Client{Timeout: 2 * time.Minute}
	failed := uploadAll(client, baseURL, *camera, *dir, pending)
	if failed > 0 {
		log.Fatalf("%d of %d uploads failed", failed, len(pending))
	}
	log.Printf("submitted %d captures", len(pending))
}

// listImages returns the sorted base names of image files directly under
// dir. Subdirectories are not walked; spool layouts are flat.
func listImages(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(entry.Name())) {
		case ".jpg", ".jpeg", ".png", ".gif", ".bmp", ".tiff", ".webp":
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// storedNames reads the point table and maps the original upload names
// already present. Stored paths carry a millisecond prefix
// ("1717236000123_gate.jpg"), which is stripped before matching.
func storedNames(dbPath string) (map[string]bool, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	rows, err := db.Query(`SELECT path FROM points`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	names := map[string]bool{}
	for rows.Next() {
		var path string
		if err := rows.Scan(&path); err != nil {
			return nil, err
		}
		base := filepath.Base(path)
		if i := strings.IndexByte(base, '_'); i > 0 {
			base = base[i+1:]
		}
		names[base] = true
	}
	return names, rows.Err()
}

// filterPending splits files into those still needing an upload and a
// count of files the store already references.
func filterPending(files []string, done map[string]bool) (pending []string, stored int) {
	for _, name := range files {
		if done[name] {
			stored++
			continue
		}
		pending = append(pending, name)
	}
	return pending, stored
}

// normalizeBaseURL turns an operator-supplied base URL into a usable
// origin, falling back to the configured listen address on localhost.
func normalizeBaseURL(raw, httpAddr string) string {
	raw = strings.TrimSpace(strings.TrimSuffix(raw, "/"))
	if raw == "" {
		return "http://localhost" + httpAddr
	}
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	return raw
}

func uploadAll(client *http.Client, baseURL, camera, dir string, names []string) int {
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		failed int
	)
	slots := make(chan struct{}, uploadSlots)
	for _, name := range names {
		wg.Add(1)
		slots <- struct{}{}
		go func(name string) {
			defer wg.Done()
			defer func() { <-slots }()
			if err := postCapture(client, baseURL, camera, filepath.Join(dir, name)); err != nil {
				log.Printf("upload %s: %v", name, err)
				mu.Lock()
				failed++
				mu.Unlock()
				return
			}
			log.Printf("uploaded %s", name)
		}(name)
	}
	wg.Wait()
	return failed
}

func postCapture(client *http.Client, baseURL, camera, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		return err
	}
	if _, err := part.Write(data); err != nil {
		return err
	}
	if camera != "" {
		if err := mw.WriteField("camera_id", camera); err != nil {
			return err
		}
	}
	if err := mw.Close(); err != nil {
		return err
	}

	req, err := http.NewRequest(http.MethodPost, baseURL+"/upload", &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s: %s", resp.Status, strings.TrimSpace(string(snippet)))
	}
	return nil
}
