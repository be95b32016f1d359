package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	DBPath          string
	UploadDir       string
	OutputDir       string
	CatalogPath     string
	CatalogURLsPath string

	DefaultReorderThreshold int
	MaxUploadBytes          int64
	AllowedImageExt         []string

	OllamaHost            string
	OllamaModel           string
	RecognizerTimeout     time.Duration
	RecognizerRetries     int
	RecognizerBackoff     time.Duration
	RecognizerMaxInFlight int
	RecognizerMaxImageDim int
	RecognizerJPEGQuality int
	RecognizerMinInterval time.Duration

	ScanWorkers          int
	ScanImageParallelism int
	ScanRecoveryInterval time.Duration
	ScanAutoExport       bool
	ScanTaskRetention    time.Duration

	MatchFloor           float64
	MatchAutoThreshold   float64
	MatchReviewThreshold float64

	HTTPAddr string
	AppEnv   string
	LogLevel string

	RedisURL string
	LockTTL  time.Duration
}

func Load() (Config, error) {
	_ = godotenv.Load()

	cwd, err := os.Getwd()
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		DBPath:          getEnv("DB_PATH", filepath.Join(cwd, "data", "app.db")),
		UploadDir:       getEnv("UPLOAD_DIR", filepath.Join(cwd, "data", "uploads")),
		OutputDir:       getEnv("OUTPUT_DIR", filepath.Join(cwd, "out")),
		CatalogPath:     getEnv("CATALOG_PATH", filepath.Join(cwd, "data", "badges_list.json")),
		CatalogURLsPath: getEnv("CATALOG_URLS_PATH", filepath.Join(cwd, "data", "scoutshop_urls.json")),

		DefaultReorderThreshold: getEnvInt("DEFAULT_REORDER_THRESHOLD", 5),
		MaxUploadBytes:          int64(getEnvInt("MAX_UPLOAD_BYTES", 10*1024*1024)),
		AllowedImageExt:         getEnvList("ALLOWED_IMAGE_EXT", []string{".jpg", ".jpeg", ".png", ".heic"}),

		OllamaHost:            strings.TrimRight(getEnv("OLLAMA_HOST", "http://localhost:11434"), "/"),
		OllamaModel:           getEnv("OLLAMA_MODEL", "llava:7b"),
		RecognizerTimeout:     getEnvDuration("RECOGNIZER_TIMEOUT_SEC", time.Second, 240*time.Second),
		RecognizerRetries:     getEnvInt("RECOGNIZER_RETRIES", 1),
		RecognizerBackoff:     getEnvDuration("RECOGNIZER_BACKOFF_MS", time.Millisecond, 2*time.Second),
		RecognizerMaxInFlight: getEnvInt("RECOGNIZER_MAX_CONCURRENCY", 1),
		RecognizerMaxImageDim: getEnvInt("RECOGNIZER_MAX_IMAGE_DIM", 1344),
		RecognizerJPEGQuality: getEnvInt("RECOGNIZER_JPEG_QUALITY", 85),
		RecognizerMinInterval: getEnvDuration("RECOGNIZER_MIN_INTERVAL_MS", time.Millisecond, 0),

		ScanWorkers:          getEnvInt("SCAN_WORKERS", 1),
		ScanImageParallelism: getEnvInt("SCAN_IMAGE_PARALLELISM", 1),
		ScanRecoveryInterval: getEnvDuration("SCAN_RECOVERY_INTERVAL_SEC", time.Second, 60*time.Second),
		ScanAutoExport:       getEnvBool("SCAN_AUTO_EXPORT", false),
		ScanTaskRetention:    getEnvDuration("SCAN_TASK_RETENTION_SEC", time.Second, time.Hour),

		MatchFloor:           getEnvFloat("MATCH_FLOOR", 50),
		MatchAutoThreshold:   getEnvFloat("MATCH_AUTO_THRESHOLD", 90),
		MatchReviewThreshold: getEnvFloat("MATCH_REVIEW_THRESHOLD", 70),

		HTTPAddr: getEnv("HTTP_ADDR", ":8000"),
		AppEnv:   getEnv("APP_ENV", "development"),
		LogLevel: getEnv("LOG_LEVEL", "info"),

		RedisURL: getEnv("REDIS_URL", ""),
		LockTTL:  getEnvDuration("LOCK_TTL_SEC", time.Second, 30*time.Second),
	}

	if cfg.RecognizerRetries < 0 {
		cfg.RecognizerRetries = 0
	}
	if cfg.RecognizerMaxInFlight < 1 {
		cfg.RecognizerMaxInFlight = 1
	}
	if cfg.ScanWorkers < 1 {
		cfg.ScanWorkers = 1
	}
	if cfg.ScanImageParallelism < 1 {
		cfg.ScanImageParallelism = 1
	}
	if cfg.MatchReviewThreshold > cfg.MatchAutoThreshold {
		return Config{}, fmt.Errorf("MATCH_REVIEW_THRESHOLD (%v) must not exceed MATCH_AUTO_THRESHOLD (%v)", cfg.MatchReviewThreshold, cfg.MatchAutoThreshold)
	}

	return cfg, nil
}

func (c Config) Require(name, value string) error {
	if strings.TrimSpace(value) == "" {
		return fmt.Errorf("missing required env var: %s", name)
	}
	return nil
}

func (c Config) IsProduction() bool {
	return strings.EqualFold(c.AppEnv, "production")
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value := getEnv(key, "")
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvFloat(key string, fallback float64) float64 {
	value := getEnv(key, "")
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvBool(key string, fallback bool) bool {
	value := strings.ToLower(strings.TrimSpace(getEnv(key, "")))
	if value == "" {
		return fallback
	}
	if value == "1" || value == "true" || value == "yes" || value == "on" {
		return true
	}
	if value == "0" || value == "false" || value == "no" || value == "off" {
		return false
	}
	return fallback
}

// getEnvDuration reads an integer count of unit.
func getEnvDuration(key string, unit, fallback time.Duration) time.Duration {
	value := getEnv(key, "")
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil || parsed < 0 {
		return fallback
	}
	return time.Duration(parsed) * unit
}

func getEnvList(key string, fallback []string) []string {
	value := strings.TrimSpace(getEnv(key, ""))
	if value == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		part = strings.ToLower(strings.TrimSpace(part))
		if part == "" {
			continue
		}
		if !strings.HasPrefix(part, ".") {
			part = "." + part
		}
		out = append(out, part)
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}
