package config

import (
	"errors"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	defaultListenAddr       = ":8080"
	defaultDBDriver         = "sqlite"
	defaultDBPath           = "compose.db"
	defaultBlobDir          = "blobs"
	defaultPollInterval     = time.Second
	defaultConcurrency      = 4
	defaultRunnerListenAddr = ":50051"
	defaultStaleAfter       = 10 * time.Minute
	defaultReapSchedule     = "@every 1m"
	defaultEnvFile          = ".env"

	envListenAddr       = "COMPOSE_LISTEN_ADDR"
	envLogLevel         = "COMPOSE_LOG_LEVEL"
	envDBDriver         = "COMPOSE_DB_DRIVER"
	envDBPath           = "COMPOSE_DB_PATH"
	envDatabaseURL      = "COMPOSE_DATABASE_URL"
	envBlobDir          = "COMPOSE_BLOB_DIR"
	envRedisAddr        = "COMPOSE_REDIS_ADDR"
	envSigningSecret    = "COMPOSE_SIGNING_SECRET"
	envPollInterval     = "COMPOSE_POLL_INTERVAL"
	envConcurrency      = "COMPOSE_CONCURRENCY"
	envRunnerAddr       = "COMPOSE_RUNNER_ADDR"
	envRunnerListenAddr = "COMPOSE_RUNNER_LISTEN_ADDR"
	envStreamInterval   = "COMPOSE_STREAM_INTERVAL"
	envStaleAfter       = "COMPOSE_STALE_AFTER"
	envReapSchedule     = "COMPOSE_REAP_SCHEDULE"
	envSimDir           = "COMPOSE_SIM_DIR"
	envEnvFile          = "COMPOSE_ENV_FILE"
)

// Database drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config holds application configuration loaded from environment variables.
type Config struct {
	ListenAddr string
	LogLevel   slog.Level

	DBDriver    string
	DBPath      string
	DatabaseURL string

	BlobDir   string
	RedisAddr string

	SigningSecret string

	PollInterval time.Duration
	Concurrency  int
	StaleAfter   time.Duration
	ReapSchedule string
	SimDir       string

	RunnerAddr       string
	RunnerListenAddr string
	StreamInterval   time.Duration
}

// Load reads configuration from environment variables with sensible defaults.
// Variables from the env file (COMPOSE_ENV_FILE, default .env) are applied
// first without overriding the process environment; a missing file is ignored.
// Invalid values fall back to defaults.
func Load() Config {
	envFile := defaultEnvFile
	if v := os.Getenv(envEnvFile); v != "" {
		envFile = v
	}
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		slog.Warn("ignoring unreadable env file", "path", envFile, "error", err)
	}

	cfg := Config{
		ListenAddr:       defaultListenAddr,
		LogLevel:         slog.LevelInfo,
		DBDriver:         defaultDBDriver,
		DBPath:           defaultDBPath,
		BlobDir:          defaultBlobDir,
		PollInterval:     defaultPollInterval,
		Concurrency:      defaultConcurrency,
		StaleAfter:       defaultStaleAfter,
		ReapSchedule:     defaultReapSchedule,
		RunnerListenAddr: defaultRunnerListenAddr,
	}

	if v := os.Getenv(envListenAddr); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv(envLogLevel); v != "" {
		cfg.LogLevel = parseLogLevel(v)
	}
	if v := strings.ToLower(os.Getenv(envDBDriver)); v == DriverSQLite || v == DriverPostgres {
		cfg.DBDriver = v
	}
	if v := os.Getenv(envDBPath); v != "" {
		cfg.DBPath = v
	}
	cfg.DatabaseURL = os.Getenv(envDatabaseURL)
	if v := os.Getenv(envBlobDir); v != "" {
		cfg.BlobDir = v
	}
	cfg.RedisAddr = os.Getenv(envRedisAddr)
	cfg.SigningSecret = os.Getenv(envSigningSecret)
	cfg.PollInterval = parseDuration(os.Getenv(envPollInterval), cfg.PollInterval, false)
	cfg.Concurrency = parsePositiveInt(os.Getenv(envConcurrency), cfg.Concurrency)
	cfg.StaleAfter = parseDuration(os.Getenv(envStaleAfter), cfg.StaleAfter, false)
	if v := os.Getenv(envReapSchedule); v != "" {
		cfg.ReapSchedule = v
	}
	cfg.SimDir = os.Getenv(envSimDir)
	cfg.RunnerAddr = os.Getenv(envRunnerAddr)
	if v := os.Getenv(envRunnerListenAddr); v != "" {
		cfg.RunnerListenAddr = v
	}
	cfg.StreamInterval = parseDuration(os.Getenv(envStreamInterval), 0, true)

	return cfg
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

// parseDuration parses s as a Go duration. Empty, malformed, negative, and
// (unless allowZero) zero values yield def.
func parseDuration(s string, def time.Duration, allowZero bool) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil || d < 0 || (d == 0 && !allowZero) {
		return def
	}
	return d
}

func parsePositiveInt(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
