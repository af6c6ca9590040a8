package config

import (
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// StaticMount is the URL prefix uploaded captures are served under.
const StaticMount = "/static"

// Config holds all service settings. It is built once in main and passed
// into components at construction; nothing reads the environment after Load.
type Config struct {
	HTTPAddr  string
	DataDir   string
	DBPath    string
	UploadDir string

	Engine EngineConfig
	VLM    VLMConfig
	Remote RemoteConfig
	Ingest IngestConfig
}

// EngineConfig captures the reconciliation thresholds.
type EngineConfig struct {
	ProximityMeters    float64
	HistoryMax         int
	EmbedThumbnail     bool
	ThumbnailMaxPx     int
	SceneSimilarityMin float64
	SendAlerts         bool
}

// VLMConfig points at the vision-language inference endpoint.
type VLMConfig struct {
	BaseURL        string
	APIKey         string
	Model          string
	MaxImageBytes  int
	TimeoutSeconds int
}

// RemoteConfig points at the state document store.
type RemoteConfig struct {
	BaseURL        string
	User           string
	Pass           string
	Namespace      string
	TimeoutSeconds int
}

// IngestConfig controls the spool watcher, queue and backfill.
type IngestConfig struct {
	SpoolDir      string
	QueueSize     int
	Workers       int
	BackfillLimit int
}

const (
	defaultHTTPAddr      = ":8089"
	defaultDataDir       = "./data"
	defaultProximityM    = 10.0
	defaultHistoryMax    = 20
	defaultThumbnailPx   = 256
	defaultSceneSimMin   = 0.65
	defaultVLMBaseURL    = "http://localhost:11434/v1"
	defaultVLMModel      = "qwen2.5vl:7b"
	defaultVLMMaxBytes   = 6_000_000
	defaultVLMTimeoutSec = 90
	defaultRemoteBaseURL = "http://localhost:8080"
	defaultRemoteUser    = "ditto"
	defaultRemotePass    = "ditto"
	defaultNamespace     = "site01"
	defaultRemoteTimeout = 15
	defaultQueueSize     = 64
	defaultQueueWorkers  = 2
	defaultBackfillLimit = 20
)

type fileConfig struct {
	Server struct {
		HTTPAddr  string `yaml:"http_addr"`
		DataDir   string `yaml:"data_dir"`
		DBPath    string `yaml:"db_path"`
		UploadDir string `yaml:"upload_dir"`
	} `yaml:"server"`
	Engine struct {
		ProximityMeters    *float64 `yaml:"proximity_meters"`
		HistoryMax         *int     `yaml:"history_max"`
		EmbedThumbnail     *bool    `yaml:"embed_thumbnail"`
		ThumbnailMaxPx     *int     `yaml:"thumbnail_max_px"`
		SceneSimilarityMin *float64 `yaml:"scene_similarity_min"`
		SendAlerts         *bool    `yaml:"send_alerts"`
	} `yaml:"engine"`
	VLM struct {
		BaseURL        string `yaml:"base_url"`
		APIKey         string `yaml:"api_key"`
		Model          string `yaml:"model"`
		MaxImageBytes  *int   `yaml:"max_image_bytes"`
		TimeoutSeconds *int   `yaml:"timeout_seconds"`
	} `yaml:"vlm"`
	Remote struct {
		BaseURL        string `yaml:"base_url"`
		User           string `yaml:"user"`
		Pass           string `yaml:"pass"`
		Namespace      string `yaml:"namespace"`
		TimeoutSeconds *int   `yaml:"timeout_seconds"`
	} `yaml:"remote"`
	Ingest struct {
		SpoolDir      string `yaml:"spool_dir"`
		QueueSize     *int   `yaml:"queue_size"`
		Workers       *int   `yaml:"workers"`
		BackfillLimit *int   `yaml:"backfill_limit"`
	} `yaml:"ingest"`
}

// Load reads configuration in layers: defaults, optional YAML file, then
// environment variables. A .env file is folded into the environment first
// and never overrides variables already set.
func Load() Config {
	_ = godotenv.Load()

	var file fileConfig
	path := getenv("SITEWATCH_CONFIG", "config.yaml")
	if data, err := os.ReadFile(path); err == nil {
		if err := yaml.Unmarshal(data, &file); err != nil {
			log.Printf("config: parse %s failed: %v (using defaults)", path, err)
			file = fileConfig{}
		}
	} else if os.Getenv("SITEWATCH_CONFIG") != "" {
		log.Printf("config: read %s failed: %v (using defaults)", path, err)
	}

	cfg := Config{
		HTTPAddr: firstNonEmpty(os.Getenv("HTTP_ADDR"), file.Server.HTTPAddr, defaultHTTPAddr),
		DataDir:  firstNonEmpty(os.Getenv("DATA_DIR"), file.Server.DataDir, defaultDataDir),
		Engine: EngineConfig{
			ProximityMeters:    defaultProximityM,
			HistoryMax:         defaultHistoryMax,
			EmbedThumbnail:     true,
			ThumbnailMaxPx:     defaultThumbnailPx,
			SceneSimilarityMin: defaultSceneSimMin,
			SendAlerts:         true,
		},
		VLM: VLMConfig{
			BaseURL:        firstNonEmpty(os.Getenv("VLM_BASE_URL"), file.VLM.BaseURL, defaultVLMBaseURL),
			APIKey:         firstNonEmpty(os.Getenv("VLM_API_KEY"), file.VLM.APIKey, ""),
			Model:          firstNonEmpty(os.Getenv("VLM_MODEL"), file.VLM.Model, defaultVLMModel),
			MaxImageBytes:  defaultVLMMaxBytes,
			TimeoutSeconds: defaultVLMTimeoutSec,
		},
		Remote: RemoteConfig{
			BaseURL:        firstNonEmpty(os.Getenv("REMOTE_BASE_URL"), file.Remote.BaseURL, defaultRemoteBaseURL),
			User:           firstNonEmpty(os.Getenv("REMOTE_USER"), file.Remote.User, defaultRemoteUser),
			Pass:           firstNonEmpty(os.Getenv("REMOTE_PASS"), file.Remote.Pass, defaultRemotePass),
			Namespace:      firstNonEmpty(os.Getenv("REMOTE_NAMESPACE"), file.Remote.Namespace, defaultNamespace),
			TimeoutSeconds: defaultRemoteTimeout,
		},
		Ingest: IngestConfig{
			SpoolDir:      firstNonEmpty(os.Getenv("SPOOL_DIR"), file.Ingest.SpoolDir, ""),
			QueueSize:     defaultQueueSize,
			Workers:       defaultQueueWorkers,
			BackfillLimit: defaultBackfillLimit,
		},
	}

	applyFileOverrides(&cfg, file)

	cfg.Engine.ProximityMeters = getenvFloat("PROXIMITY_METERS", cfg.Engine.ProximityMeters)
	if cfg.Engine.ProximityMeters <= 0 {
		log.Printf("config: PROXIMITY_METERS must be positive, using %v", defaultProximityM)
		cfg.Engine.ProximityMeters = defaultProximityM
	}
	cfg.Engine.HistoryMax = clampInt(getenvInt("HISTORY_MAX", cfg.Engine.HistoryMax), 1, 100)
	cfg.Engine.EmbedThumbnail = getenvBool("EMBED_THUMBNAIL", cfg.Engine.EmbedThumbnail)
	cfg.Engine.ThumbnailMaxPx = clampInt(getenvInt("THUMBNAIL_MAX_PX", cfg.Engine.ThumbnailMaxPx), 16, 1024)
	cfg.Engine.SceneSimilarityMin = getenvFloat("SCENE_SIMILARITY_MIN", cfg.Engine.SceneSimilarityMin)
	cfg.Engine.SendAlerts = getenvBool("SEND_ALERTS", cfg.Engine.SendAlerts)

	cfg.VLM.MaxImageBytes = getenvInt("VLM_MAX_IMAGE_BYTES", cfg.VLM.MaxImageBytes)
	cfg.VLM.TimeoutSeconds = clampInt(getenvInt("VLM_TIMEOUT_SECONDS", cfg.VLM.TimeoutSeconds), 5, 600)
	cfg.Remote.TimeoutSeconds = clampInt(getenvInt("REMOTE_TIMEOUT_SECONDS", cfg.Remote.TimeoutSeconds), 2, 120)

	cfg.Ingest.QueueSize = clampInt(getenvInt("QUEUE_SIZE", cfg.Ingest.QueueSize), 1, 4096)
	cfg.Ingest.Workers = clampInt(getenvInt("QUEUE_WORKERS", cfg.Ingest.Workers), 1, 32)
	cfg.Ingest.BackfillLimit = clampInt(getenvInt("BACKFILL_LIMIT", cfg.Ingest.BackfillLimit), 1, 500)

	cfg.VLM.BaseURL = strings.TrimRight(cfg.VLM.BaseURL, "/")
	cfg.Remote.BaseURL = strings.TrimRight(cfg.Remote.BaseURL, "/")

	cfg.DBPath = firstNonEmpty(os.Getenv("DB_PATH"), file.Server.DBPath, filepath.Join(cfg.DataDir, "sitewatch.db"))
	cfg.UploadDir = firstNonEmpty(os.Getenv("UPLOAD_DIR"), file.Server.UploadDir, filepath.Join(cfg.DataDir, "uploads"))

	log.Printf("config: addr=%s db=%s uploads=%s radius_m=%v history_max=%d spool=%q",
		cfg.HTTPAddr, cfg.DBPath, cfg.UploadDir, cfg.Engine.ProximityMeters, cfg.Engine.HistoryMax, cfg.Ingest.SpoolDir)
	return cfg
}

func applyFileOverrides(cfg *Config, file fileConfig) {
	if file.Engine.ProximityMeters != nil && *file.Engine.ProximityMeters > 0 {
		cfg.Engine.ProximityMeters = *file.Engine.ProximityMeters
	}
	if file.Engine.HistoryMax != nil && *file.Engine.HistoryMax > 0 {
		cfg.Engine.HistoryMax = *file.Engine.HistoryMax
	}
	if file.Engine.EmbedThumbnail != nil {
		cfg.Engine.EmbedThumbnail = *file.Engine.EmbedThumbnail
	}
	if file.Engine.ThumbnailMaxPx != nil && *file.Engine.ThumbnailMaxPx > 0 {
		cfg.Engine.ThumbnailMaxPx = *file.Engine.ThumbnailMaxPx
	}
	if file.Engine.SceneSimilarityMin != nil {
		cfg.Engine.SceneSimilarityMin = *file.Engine.SceneSimilarityMin
	}
	if file.Engine.SendAlerts != nil {
		cfg.Engine.SendAlerts = *file.Engine.SendAlerts
	}
	if file.VLM.MaxImageBytes != nil && *file.VLM.MaxImageBytes > 0 {
		cfg.VLM.MaxImageBytes = *file.VLM.MaxImageBytes
	}
	if file.VLM.TimeoutSeconds != nil && *file.VLM.TimeoutSeconds > 0 {
		cfg.VLM.TimeoutSeconds = *file.VLM.TimeoutSeconds
	}
	if file.Remote.TimeoutSeconds != nil && *file.Remote.TimeoutSeconds > 0 {
		cfg.Remote.TimeoutSeconds = *file.Remote.TimeoutSeconds
	}
	if file.Ingest.QueueSize != nil && *file.Ingest.QueueSize > 0 {
		cfg.Ingest.QueueSize = *file.Ingest.QueueSize
	}
	if file.Ingest.Workers != nil && *file.Ingest.Workers > 0 {
		cfg.Ingest.Workers = *file.Ingest.Workers
	}
	if file.Ingest.BackfillLimit != nil && *file.Ingest.BackfillLimit > 0 {
		cfg.Ingest.BackfillLimit = *file.Ingest.BackfillLimit
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Printf("config: invalid %s=%q, using %d", key, v, def)
		return def
	}
	return n
}

func getenvFloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		log.Printf("config: invalid %s=%q, using %v", key, v, def)
		return def
	}
	return f
}

func getenvBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func clampInt(v, min, max int) int {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
