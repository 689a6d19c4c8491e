package app

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/ent0n29/foreman/internal/config"
	"github.com/ent0n29/foreman/internal/improve"
	"github.com/ent0n29/foreman/internal/storage"
	"github.com/ent0n29/foreman/internal/tasks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	return config.Config{
		BindAddr:                      "127.0.0.1:0",
		ShutdownTimeout:               2 * time.Second,
		MetricsNamespace:              "foreman_app_test",
		StoreDriver:                   "memory",
		StoreDir:                      t.TempDir(),
		RunnerMode:                    "mock",
		DefaultWorkingDir:             t.TempDir(),
		TaskQueueCapacity:             5,
		SessionInactivityTimeout:      time.Minute,
		MemoryContextTurns:            4,
		ImproveMaxCostUSD:             10,
		ImproveMaxConsecutiveFailures: 3,
		ImproveDefaultBatchSize:       1,
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestServeHealthAndShutdown(t *testing.T) {
	res, err := Build(context.Background(), testConfig(t), quietLogger())
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- serveListener(ctx, res, ln) }()

	url := "http://" + ln.Addr().String() + "/healthz"
	require.Eventually(t, func() bool {
		resp, err := http.Get(url)
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 3*time.Second, 10*time.Millisecond, "GET /healthz never returned 200")

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatalf("serveListener() did not return after cancel")
	}
}

func TestBuildRecoversDurableState(t *testing.T) {
	cfg := testConfig(t)
	cfg.StoreDriver = "file"

	seed, err := storage.NewFileStore(cfg.StoreDir)
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, seed.SaveActiveTask(ctx, tasks.ActiveTaskRecord{
		ID:             "rec-1",
		ConversationID: 3,
		Task:           "rename package",
		StartedAt:      time.Now().UTC(),
	}))
	require.NoError(t, seed.SaveLoopState(ctx, improve.State{
		ConversationID:  3,
		Direction:       "speed up tests",
		TotalIterations: 4,
		Status:          improve.StatusRunning,
	}))
	require.NoError(t, seed.Close())

	res, err := Build(ctx, cfg, quietLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = res.Cleanup() })

	require.Len(t, res.Interrupted, 1)
	assert.Equal(t, "rec-1", res.Interrupted[0].ID)
	st, err := res.Improve.Status(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, improve.StatusPaused, st.Status)
}

func TestBuildRejectsUnknownStoreDriver(t *testing.T) {
	cfg := testConfig(t)
	cfg.StoreDriver = "cassandra"
	_, err := Build(context.Background(), cfg, quietLogger())
	assert.Error(t, err, "unsupported driver")
}
