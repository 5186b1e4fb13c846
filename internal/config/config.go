package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// EnvCookies names the environment variable holding opaque cookie data passed
// through to the extractor.
const EnvCookies = "FETCHQ_COOKIES"

// Config holds the whole application configuration
type Config struct {
	// HTTP
	Port string

	// Storage
	DataDir string
	WorkDir string
	// DBPath selects the SQLite-backed registry; empty means in-memory.
	DBPath string

	// Retention
	Retention     string // "ttl" or "first-fetch"
	ArtifactTTL   time.Duration
	FetchGrace    time.Duration
	SweepInterval time.Duration
	StallTimeout  time.Duration
	JobRetention  time.Duration

	// Submission rate limiting
	RatePerSecond float64
	Burst         int

	// Collaborator binaries
	YtdlpPath  string
	FfmpegPath string

	// Logging
	LogFormat string
	LogLevel  string
}

// Load reads configuration from environment variables, optionally seeded from
// a .env file.
func Load(envFilePath string) (*Config, error) {
	if envFilePath != "" {
		if err := godotenv.Load(envFilePath); err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to load .env file: %w", err)
			}
		}
	}

	cfg := &Config{
		Port:       getEnv("FETCHQ_PORT", "8080"),
		DataDir:    getEnv("FETCHQ_DATA_DIR", "data"),
		DBPath:     getEnv("FETCHQ_DB", ""),
		Retention:  getEnv("FETCHQ_RETENTION", "ttl"),
		YtdlpPath:  getEnv("FETCHQ_YTDLP", ""),
		FfmpegPath: getEnv("FETCHQ_FFMPEG", ""),
		LogFormat:  getEnv("FETCHQ_LOG_FORMAT", "json"),
		LogLevel:   getEnv("FETCHQ_LOG_LEVEL", "info"),
	}
	cfg.WorkDir = getEnv("FETCHQ_WORK_DIR", cfg.DataDir+"/tmp")

	var err error
	if cfg.ArtifactTTL, err = getDuration("FETCHQ_ARTIFACT_TTL", time.Hour); err != nil {
		return nil, err
	}
	if cfg.FetchGrace, err = getDuration("FETCHQ_FETCH_GRACE", 15*time.Second); err != nil {
		return nil, err
	}
	if cfg.SweepInterval, err = getDuration("FETCHQ_SWEEP_INTERVAL", time.Minute); err != nil {
		return nil, err
	}
	if cfg.StallTimeout, err = getDuration("FETCHQ_STALL_TIMEOUT", 10*time.Minute); err != nil {
		return nil, err
	}
	if cfg.JobRetention, err = getDuration("FETCHQ_JOB_RETENTION", 24*time.Hour); err != nil {
		return nil, err
	}
	if cfg.RatePerSecond, err = getFloat("FETCHQ_RATE", 5); err != nil {
		return nil, err
	}
	if cfg.Burst, err = getInt("FETCHQ_BURST", 10); err != nil {
		return nil, err
	}

	if cfg.Retention != "ttl" && cfg.Retention != "first-fetch" {
		return nil, fmt.Errorf("FETCHQ_RETENTION must be \"ttl\" or \"first-fetch\", got %q", cfg.Retention)
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}

func getFloat(key string, fallback float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return f, nil
}

func getInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}
