package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Store backends selectable via VINPIPE_STORE.
const (
	StoreFile   = "file"
	StoreSQLite = "sqlite"
	StoreRedis  = "redis"
)

var validStores = map[string]bool{
	StoreFile:   true,
	StoreSQLite: true,
	StoreRedis:  true,
}

const defaultDecodeURL = "https://vpic.nhtsa.dot.gov/api/vehicles/DecodeVINValuesBatch/"

type Config struct {
	ListenAddr string

	UploadsDir string
	OutputsDir string
	JobsDir    string

	Store         string
	DBPath        string
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	DecodeURL      string
	BatchSize      int
	BatchDelay     time.Duration
	RetryAttempts  int
	RetryBaseDelay time.Duration

	PollInterval time.Duration

	// Retention policy: one surface for the deferred per-job delay and the
	// age sweep.
	CleanupDelay   time.Duration
	MaxArtifactAge time.Duration
	SweepInterval  time.Duration

	MaxUploadBytes int64
	RateLimitRPS   int
	CORSOrigins    []string
}

func Load() (*Config, error) {
	cfg := &Config{
		ListenAddr:    getEnv("VINPIPE_LISTEN_ADDR", ":8080"),
		UploadsDir:    getEnv("VINPIPE_UPLOADS_DIR", "uploads"),
		OutputsDir:    getEnv("VINPIPE_OUTPUTS_DIR", "outputs"),
		JobsDir:       getEnv("VINPIPE_JOBS_DIR", "jobs"),
		Store:         getEnv("VINPIPE_STORE", StoreFile),
		DBPath:        getEnv("VINPIPE_DB_PATH", "vinpipe.db"),
		RedisAddr:     getEnv("VINPIPE_REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("VINPIPE_REDIS_PASSWORD", ""),
		DecodeURL:     getEnv("VINPIPE_DECODE_URL", defaultDecodeURL),
	}

	if !validStores[cfg.Store] {
		return nil, fmt.Errorf("VINPIPE_STORE %q must be one of: file, sqlite, redis", cfg.Store)
	}

	var err error
	if cfg.RedisDB, err = getEnvInt("VINPIPE_REDIS_DB", 0); err != nil {
		return nil, fmt.Errorf("VINPIPE_REDIS_DB: %w", err)
	}

	if cfg.BatchSize, err = getEnvInt("VINPIPE_BATCH_SIZE", 50); err != nil {
		return nil, fmt.Errorf("VINPIPE_BATCH_SIZE: %w", err)
	}
	if cfg.BatchSize < 1 {
		return nil, errors.New("VINPIPE_BATCH_SIZE must be > 0")
	}

	if cfg.BatchDelay, err = getEnvDuration("VINPIPE_BATCH_DELAY", 500*time.Millisecond); err != nil {
		return nil, fmt.Errorf("VINPIPE_BATCH_DELAY: %w", err)
	}

	if cfg.RetryAttempts, err = getEnvInt("VINPIPE_RETRY_ATTEMPTS", 3); err != nil {
		return nil, fmt.Errorf("VINPIPE_RETRY_ATTEMPTS: %w", err)
	}
	if cfg.RetryAttempts < 1 {
		return nil, errors.New("VINPIPE_RETRY_ATTEMPTS must be > 0")
	}

	if cfg.RetryBaseDelay, err = getEnvDuration("VINPIPE_RETRY_BASE_DELAY", 5*time.Second); err != nil {
		return nil, fmt.Errorf("VINPIPE_RETRY_BASE_DELAY: %w", err)
	}

	if cfg.PollInterval, err = getEnvDuration("VINPIPE_POLL_INTERVAL", time.Second); err != nil {
		return nil, fmt.Errorf("VINPIPE_POLL_INTERVAL: %w", err)
	}

	if cfg.CleanupDelay, err = getEnvDuration("VINPIPE_CLEANUP_DELAY", 5*time.Minute); err != nil {
		return nil, fmt.Errorf("VINPIPE_CLEANUP_DELAY: %w", err)
	}
	if cfg.MaxArtifactAge, err = getEnvDuration("VINPIPE_MAX_ARTIFACT_AGE", time.Hour); err != nil {
		return nil, fmt.Errorf("VINPIPE_MAX_ARTIFACT_AGE: %w", err)
	}
	if cfg.SweepInterval, err = getEnvDuration("VINPIPE_SWEEP_INTERVAL", 10*time.Minute); err != nil {
		return nil, fmt.Errorf("VINPIPE_SWEEP_INTERVAL: %w", err)
	}

	maxUploadMB, err := getEnvInt("VINPIPE_MAX_UPLOAD_MB", 10)
	if err != nil {
		return nil, fmt.Errorf("VINPIPE_MAX_UPLOAD_MB: %w", err)
	}
	cfg.MaxUploadBytes = int64(maxUploadMB) << 20

	if cfg.RateLimitRPS, err = getEnvInt("VINPIPE_RATE_LIMIT_RPS", 0); err != nil {
		return nil, fmt.Errorf("VINPIPE_RATE_LIMIT_RPS: %w", err)
	}

	for _, o := range strings.Split(getEnv("VINPIPE_CORS_ORIGINS", ""), ",") {
		o = strings.TrimSpace(o)
		if o != "" {
			cfg.CORSOrigins = append(cfg.CORSOrigins, o)
		}
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid integer %q", v)
	}
	return n, nil
}

func getEnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", v)
	}
	return d, nil
}
