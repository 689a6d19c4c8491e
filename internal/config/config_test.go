package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Chdir(t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.BindAddr)
	assert.Equal(t, 5, cfg.TaskQueueCapacity)
	assert.Zero(t, cfg.RunnerTimeout, "no runner timeout by default")
	assert.Equal(t, 3, cfg.ImproveMaxConsecutiveFailures)
	assert.Equal(t, "auto", cfg.RunnerMode)
}

func TestLoadReadsExplicitValues(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Chdir(t.TempDir())
	t.Setenv("RUNNER_TIMEOUT", "45m")
	t.Setenv("IMPROVE_MAX_COST_USD", "2.5")
	t.Setenv("STORE_DRIVER", "SQLite")
	t.Setenv("APP_ALLOW_ANY_ORIGIN", "yes")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 45*time.Minute, cfg.RunnerTimeout)
	assert.Equal(t, 2.5, cfg.ImproveMaxCostUSD)
	assert.Equal(t, "sqlite", cfg.StoreDriver)
	assert.True(t, cfg.AllowAnyOrigin)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := map[string]string{
		"TASK_QUEUE_CAPACITY":        "6",
		"RUNNER_MODE":                "remote",
		"IMPROVE_MAX_COST_USD":       "0",
		"SESSION_INACTIVITY_TIMEOUT": "1s",
		"RUNNER_TIMEOUT":             "soon",
		"STORE_DRIVER":               "postgres",
	}
	for key, value := range cases {
		t.Run(key, func(t *testing.T) {
			setCoreEnvEmpty(t)
			t.Chdir(t.TempDir())
			t.Setenv(key, value)
			_, err := Load()
			assert.Error(t, err, "%s=%s", key, value)
		})
	}
}

func TestLoadDotEnvDoesNotOverrideEnvironment(t *testing.T) {
	setCoreEnvEmpty(t)
	dir := t.TempDir()
	t.Chdir(dir)
	env := "APP_BIND_ADDR=:7070\nRUNNER_MODEL=sonnet\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte(env), 0o600))
	t.Setenv("RUNNER_MODEL", "opus")
	// Set-but-empty counts as set for dotenv, so clear the key entirely.
	require.NoError(t, os.Unsetenv("APP_BIND_ADDR"))

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":7070", cfg.BindAddr, "value from .env")
	assert.Equal(t, "opus", cfg.RunnerModel, "environment wins over .env")
}

func TestLoadMissingExplicitEnvFile(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("APP_ENV_FILE", filepath.Join(t.TempDir(), "missing.env"))
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing.env")
}

func setCoreEnvEmpty(t *testing.T) {
	t.Helper()
	keys := []string{
		"APP_ENV_FILE",
		"APP_BIND_ADDR",
		"APP_SHUTDOWN_TIMEOUT",
		"APP_METRICS_NAMESPACE",
		"APP_ALLOW_ANY_ORIGIN",
		"APP_LOG_LEVEL",
		"APP_LOG_FORMAT",
		"STORE_DRIVER",
		"STORE_DIR",
		"SQLITE_PATH",
		"DATABASE_URL",
		"RUNNER_MODE",
		"RUNNER_CLI_PATH",
		"RUNNER_MODEL",
		"RUNNER_TIMEOUT",
		"DEFAULT_WORKING_DIR",
		"TASK_QUEUE_CAPACITY",
		"SESSION_INACTIVITY_TIMEOUT",
		"MEMORY_CONTEXT_TURNS",
		"IMPROVE_MAX_COST_USD",
		"IMPROVE_ITERATION_DELAY",
		"IMPROVE_MAX_CONSECUTIVE_FAILURES",
		"IMPROVE_DEFAULT_BATCH_SIZE",
	}
	for _, key := range keys {
		t.Setenv(key, "")
	}
}
