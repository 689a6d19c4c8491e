package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const defaultEnvFile = ".env"

// Config contains all runtime settings for the orchestration service.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string
	AllowAnyOrigin   bool

	LogLevel  string
	LogFormat string

	StoreDriver string
	StoreDir    string
	SQLitePath  string
	DatabaseURL string

	RunnerMode    string
	RunnerCLIPath string
	RunnerModel   string
	// RunnerTimeout of zero means runner calls are bounded only by cancellation.
	RunnerTimeout time.Duration

	DefaultWorkingDir        string
	TaskQueueCapacity        int
	SessionInactivityTimeout time.Duration
	MemoryContextTurns       int

	ImproveMaxCostUSD             float64
	ImproveIterationDelay         time.Duration
	ImproveMaxConsecutiveFailures int
	ImproveDefaultBatchSize       int
}

// Load reads an optional dotenv file, then environment variables, and applies safe defaults.
// Variables already set in the environment win over the dotenv file.
func Load() (Config, error) {
	if err := loadEnvFile(); err != nil {
		return Config{}, err
	}

	wd, _ := os.Getwd()
	cfg := Config{
		BindAddr:                      envOrDefault("APP_BIND_ADDR", ":8080"),
		ShutdownTimeout:               15 * time.Second,
		MetricsNamespace:              envOrDefault("APP_METRICS_NAMESPACE", "foreman"),
		LogLevel:                      envOrDefault("APP_LOG_LEVEL", "info"),
		LogFormat:                     envOrDefault("APP_LOG_FORMAT", "json"),
		StoreDriver:                   strings.ToLower(trimmedEnv("STORE_DRIVER")),
		StoreDir:                      envOrDefault("STORE_DIR", ".foreman"),
		SQLitePath:                    trimmedEnv("SQLITE_PATH"),
		DatabaseURL:                   trimmedEnv("DATABASE_URL"),
		RunnerMode:                    strings.ToLower(envOrDefault("RUNNER_MODE", "auto")),
		RunnerCLIPath:                 envOrDefault("RUNNER_CLI_PATH", "claude"),
		RunnerModel:                   trimmedEnv("RUNNER_MODEL"),
		DefaultWorkingDir:             envOrDefault("DEFAULT_WORKING_DIR", wd),
		TaskQueueCapacity:             5,
		SessionInactivityTimeout:      30 * time.Minute,
		MemoryContextTurns:            6,
		ImproveMaxCostUSD:             10,
		ImproveIterationDelay:         5 * time.Second,
		ImproveMaxConsecutiveFailures: 3,
		ImproveDefaultBatchSize:       1,
	}

	var err error
	if cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout); err != nil {
		return Config{}, err
	}
	if cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin); err != nil {
		return Config{}, err
	}
	if cfg.RunnerTimeout, err = durationFromEnv("RUNNER_TIMEOUT", cfg.RunnerTimeout); err != nil {
		return Config{}, err
	}
	if cfg.TaskQueueCapacity, err = intFromEnv("TASK_QUEUE_CAPACITY", cfg.TaskQueueCapacity); err != nil {
		return Config{}, err
	}
	if cfg.SessionInactivityTimeout, err = durationFromEnv("SESSION_INACTIVITY_TIMEOUT", cfg.SessionInactivityTimeout); err != nil {
		return Config{}, err
	}
	if cfg.MemoryContextTurns, err = intFromEnv("MEMORY_CONTEXT_TURNS", cfg.MemoryContextTurns); err != nil {
		return Config{}, err
	}
	if cfg.ImproveMaxCostUSD, err = floatFromEnv("IMPROVE_MAX_COST_USD", cfg.ImproveMaxCostUSD); err != nil {
		return Config{}, err
	}
	if cfg.ImproveIterationDelay, err = durationFromEnv("IMPROVE_ITERATION_DELAY", cfg.ImproveIterationDelay); err != nil {
		return Config{}, err
	}
	if cfg.ImproveMaxConsecutiveFailures, err = intFromEnv("IMPROVE_MAX_CONSECUTIVE_FAILURES", cfg.ImproveMaxConsecutiveFailures); err != nil {
		return Config{}, err
	}
	if cfg.ImproveDefaultBatchSize, err = intFromEnv("IMPROVE_DEFAULT_BATCH_SIZE", cfg.ImproveDefaultBatchSize); err != nil {
		return Config{}, err
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.TaskQueueCapacity < 1 || c.TaskQueueCapacity > 5 {
		return fmt.Errorf("TASK_QUEUE_CAPACITY must be between 1 and 5")
	}
	if c.SessionInactivityTimeout < 5*time.Second {
		return fmt.Errorf("SESSION_INACTIVITY_TIMEOUT must be at least 5s")
	}
	if c.RunnerTimeout < 0 {
		return fmt.Errorf("RUNNER_TIMEOUT must be >= 0")
	}
	if c.MemoryContextTurns < 0 {
		return fmt.Errorf("MEMORY_CONTEXT_TURNS must be >= 0")
	}
	if c.ImproveMaxCostUSD <= 0 {
		return fmt.Errorf("IMPROVE_MAX_COST_USD must be positive")
	}
	if c.ImproveIterationDelay < 0 {
		return fmt.Errorf("IMPROVE_ITERATION_DELAY must be >= 0")
	}
	if c.ImproveMaxConsecutiveFailures <= 0 {
		return fmt.Errorf("IMPROVE_MAX_CONSECUTIVE_FAILURES must be positive")
	}
	if c.ImproveDefaultBatchSize <= 0 {
		return fmt.Errorf("IMPROVE_DEFAULT_BATCH_SIZE must be positive")
	}
	switch c.StoreDriver {
	case "", "memory", "file", "sqlite", "postgres":
	default:
		return fmt.Errorf("STORE_DRIVER %q is not supported", c.StoreDriver)
	}
	if c.StoreDriver == "postgres" && c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required for the postgres store")
	}
	switch c.RunnerMode {
	case "auto", "cli", "mock":
	default:
		return fmt.Errorf("RUNNER_MODE %q is not supported", c.RunnerMode)
	}
	return nil
}

// loadEnvFile reads APP_ENV_FILE, or ./.env when present.
func loadEnvFile() error {
	path := trimmedEnv("APP_ENV_FILE")
	explicit := path != ""
	if !explicit {
		path = defaultEnvFile
	}
	err := godotenv.Load(path)
	if err == nil {
		return nil
	}
	if !explicit && errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return fmt.Errorf("load env file %s: %w", path, err)
}

func envOrDefault(key, fallback string) string {
	v := trimmedEnv(key)
	if v == "" {
		return fallback
	}
	return v
}

func trimmedEnv(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := trimmedEnv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := trimmedEnv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func floatFromEnv(key string, fallback float64) (float64, error) {
	v := trimmedEnv(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return f, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(trimmedEnv(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
