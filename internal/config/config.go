// Package config loads application settings from the environment, with an
// optional .env file for local development.
package config

import (
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	defaultListenAddr   = ":8080"
	defaultDBPath       = "scanforge.db"
	defaultWorkers      = 4
	defaultLeaseTTL     = 30 * time.Second
	defaultPollInterval = time.Second
	defaultChainCap     = 3
	defaultRetryBudget  = 1
	defaultRetryBackoff = 500 * time.Millisecond
	defaultConfidence   = 0.6
	defaultProbeEvery   = 15 * time.Second

	envListenAddr    = "SCANFORGE_LISTEN_ADDR"
	envDBPath        = "SCANFORGE_DB_PATH"
	envLogLevel      = "SCANFORGE_LOG_LEVEL"
	envWorkers       = "SCANFORGE_WORKERS"
	envLeaseTTL      = "SCANFORGE_LEASE_TTL"
	envPollInterval  = "SCANFORGE_POLL_INTERVAL"
	envChainCap      = "SCANFORGE_CHAIN_CAP"
	envRetryBudget   = "SCANFORGE_RETRY_BUDGET"
	envRetryBackoff  = "SCANFORGE_RETRY_BACKOFF"
	envConfidence    = "SCANFORGE_LOW_CONFIDENCE_THRESHOLD"
	envProbeEvery    = "SCANFORGE_PROBE_INTERVAL"
	envTessLangs     = "SCANFORGE_TESSERACT_LANGS"
	envCloudEndpoint = "SCANFORGE_CLOUD_ENDPOINT"
	envCloudAPIKey   = "SCANFORGE_CLOUD_API_KEY"
)

// Config holds application configuration loaded from environment variables.
type Config struct {
	ListenAddr string
	DBPath     string
	LogLevel   slog.Level

	Workers      int
	LeaseTTL     time.Duration
	PollInterval time.Duration

	ChainCap     int
	RetryBudget  int
	RetryBackoff time.Duration

	LowConfidenceThreshold float64
	ProbeInterval          time.Duration

	TesseractLangs string
	CloudEndpoint  string
	CloudAPIKey    string
}

// Load reads configuration from environment variables with sensible defaults.
// A .env file in the working directory is merged in first, never overriding
// variables already set in the process environment.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		ListenAddr:             defaultListenAddr,
		DBPath:                 defaultDBPath,
		LogLevel:               slog.LevelInfo,
		Workers:                defaultWorkers,
		LeaseTTL:               defaultLeaseTTL,
		PollInterval:           defaultPollInterval,
		ChainCap:               defaultChainCap,
		RetryBudget:            defaultRetryBudget,
		RetryBackoff:           defaultRetryBackoff,
		LowConfidenceThreshold: defaultConfidence,
		ProbeInterval:          defaultProbeEvery,
		TesseractLangs:         "eng",
	}

	if v := os.Getenv(envListenAddr); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv(envDBPath); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv(envLogLevel); v != "" {
		cfg.LogLevel = parseLogLevel(v)
	}
	if n, ok := envInt(envWorkers); ok && n > 0 {
		cfg.Workers = n
	}
	if d, ok := envDuration(envLeaseTTL); ok && d > 0 {
		cfg.LeaseTTL = d
	}
	if d, ok := envDuration(envPollInterval); ok && d > 0 {
		cfg.PollInterval = d
	}
	if n, ok := envInt(envChainCap); ok && n > 0 {
		cfg.ChainCap = n
	}
	if n, ok := envInt(envRetryBudget); ok && n >= 0 {
		cfg.RetryBudget = n
	}
	if d, ok := envDuration(envRetryBackoff); ok && d > 0 {
		cfg.RetryBackoff = d
	}
	if f, ok := envFloat(envConfidence); ok && f > 0 && f <= 1 {
		cfg.LowConfidenceThreshold = f
	}
	if d, ok := envDuration(envProbeEvery); ok && d > 0 {
		cfg.ProbeInterval = d
	}
	if v := os.Getenv(envTessLangs); v != "" {
		cfg.TesseractLangs = v
	}
	cfg.CloudEndpoint = os.Getenv(envCloudEndpoint)
	cfg.CloudAPIKey = os.Getenv(envCloudAPIKey)

	return cfg
}

func envInt(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func envFloat(key string) (float64, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

func envDuration(key string) (time.Duration, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, false
	}
	return d, true
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
