package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/foreman/internal/improve"
	"github.com/ent0n29/foreman/internal/storage"
	"github.com/ent0n29/foreman/internal/tasks"
)

// seedStore points the CLI at a file store under a temp dir and returns that store.
func seedStore(t *testing.T) *storage.FileStore {
	t.Helper()
	t.Chdir(t.TempDir())
	dir := t.TempDir()
	t.Setenv("STORE_DRIVER", "file")
	t.Setenv("STORE_DIR", dir)
	t.Setenv("DATABASE_URL", "")
	t.Setenv("APP_LOG_LEVEL", "error")
	t.Setenv("APP_LOG_FORMAT", "text")

	store, err := storage.NewFileStore(dir)
	require.NoError(t, err)
	return store
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestRootCommandRegistersSubcommands(t *testing.T) {
	root := newRootCmd()
	for _, path := range [][]string{
		{"serve"},
		{"interrupted", "list"},
		{"interrupted", "discard"},
		{"improve", "status"},
	} {
		cmd, _, err := root.Find(path)
		require.NoError(t, err, "find %v", path)
		require.Equal(t, path[len(path)-1], cmd.Name())
	}
	require.NotNil(t, root.RunE, "root command should delegate to serve")
	require.NotNil(t, root.PersistentFlags().Lookup("log-level"))
}

func TestInterruptedListAndDiscard(t *testing.T) {
	store := seedStore(t)
	require.NoError(t, store.SaveActiveTask(context.Background(), tasks.ActiveTaskRecord{
		ID:                "rec-1",
		ConversationID:    12,
		Task:              "rename the config package",
		ExternalSessionID: "sess-1",
		StartedAt:         time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
	}))

	out, err := runCLI(t, "interrupted", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "rec-1")
	assert.Contains(t, out, "rename the config package")
	assert.Contains(t, out, "RESUMABLE")

	out, err = runCLI(t, "interrupted", "list", "--json")
	require.NoError(t, err)
	var records []tasks.ActiveTaskRecord
	require.NoError(t, json.Unmarshal([]byte(out), &records))
	require.Len(t, records, 1)
	assert.Equal(t, tasks.ConversationID(12), records[0].ConversationID)

	out, err = runCLI(t, "interrupted", "discard", "rec-1")
	require.NoError(t, err)
	assert.Contains(t, out, "Discarded rec-1")

	_, err = runCLI(t, "interrupted", "discard", "rec-1")
	require.ErrorIs(t, err, tasks.ErrRecordNotFound)

	out, err = runCLI(t, "interrupted", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "No interrupted tasks.")
}

func TestImproveStatus(t *testing.T) {
	store := seedStore(t)
	require.NoError(t, store.SaveLoopState(context.Background(), improve.State{
		ConversationID:      3,
		Direction:           "speed up the test suite",
		TotalIterations:     4,
		CompletedIterations: 2,
		Status:              improve.StatusPaused,
		TotalCostUSD:        1.5,
		MaxCostUSD:          10,
		PauseReason:         "3 consecutive failures",
	}))

	out, err := runCLI(t, "improve", "status")
	require.NoError(t, err)
	assert.Contains(t, out, "paused")
	assert.Contains(t, out, "2/4")
	assert.Contains(t, out, "$1.50 / $10.00")

	out, err = runCLI(t, "improve", "status", "3", "--json")
	require.NoError(t, err)
	var states []improve.State
	require.NoError(t, json.Unmarshal([]byte(out), &states))
	require.Len(t, states, 1)
	assert.Equal(t, "speed up the test suite", states[0].Direction)

	_, err = runCLI(t, "improve", "status", "9")
	require.ErrorIs(t, err, improve.ErrNotFound)

	_, err = runCLI(t, "improve", "status", "abc")
	require.Error(t, err)
}

func TestTruncateCollapsesWhitespace(t *testing.T) {
	assert.Equal(t, "fix the build", truncate("fix\n  the   build", 20))
	assert.Equal(t, "abcdefg...", truncate("abcdefghijklmnop", 10))
	assert.Equal(t, "...", truncate("anything", 2))
}
