package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/foreman/internal/improve"
	"github.com/ent0n29/foreman/internal/tasks"
)

func backends(t *testing.T) map[string]func(t *testing.T) Store {
	t.Helper()
	out := map[string]func(t *testing.T) Store{
		"memory": func(t *testing.T) Store { return NewMemory() },
		"file": func(t *testing.T) Store {
			s, err := NewFileStore(t.TempDir())
			require.NoError(t, err)
			return s
		},
		"sqlite": func(t *testing.T) Store {
			s, err := NewSQLiteStore(context.Background(), filepath.Join(t.TempDir(), "foreman.db"))
			require.NoError(t, err)
			return s
		},
	}
	if url := os.Getenv("FOREMAN_TEST_DATABASE_URL"); url != "" {
		out["postgres"] = func(t *testing.T) Store {
			s, err := NewPostgresStore(context.Background(), url)
			require.NoError(t, err)
			return s
		}
	}
	return out
}

func samplePlan(conv tasks.ConversationID) tasks.PendingPlan {
	return tasks.PendingPlan{
		ConversationID: conv,
		WorkRequest: tasks.WorkRequest{
			Task:          "add retries",
			Context:       "uploads flake",
			Complexity:    tasks.ComplexityModerate,
			WorkingDir:    "/srv/app",
			RawMessage:    "add retries\nuploads flake",
			MemoryContext: []string{"user: hi"},
		},
		PlanText:      "1. wrap\n2. backoff",
		CreatedAt:     time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		RevisionCount: 2,
	}
}

func TestStorePlans(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := open(t)
			defer s.Close()
			conv := tasks.ConversationID(time.Now().UnixNano() % 1_000_000)

			_, err := s.LoadPlan(ctx, conv)
			assert.ErrorIs(t, err, tasks.ErrStoreNotFound)

			want := samplePlan(conv)
			require.NoError(t, s.SavePlan(ctx, want))
			got, err := s.LoadPlan(ctx, conv)
			require.NoError(t, err)
			if diff := cmp.Diff(want, got); diff != "" {
				t.Fatalf("LoadPlan() mismatch (-want +got):\n%s", diff)
			}

			want.PlanText = "revised"
			want.RevisionCount = 3
			require.NoError(t, s.SavePlan(ctx, want))
			got, err = s.LoadPlan(ctx, conv)
			require.NoError(t, err)
			assert.Equal(t, "revised", got.PlanText)

			deleted, err := s.DeletePlan(ctx, conv)
			require.NoError(t, err)
			assert.True(t, deleted)
			deleted, err = s.DeletePlan(ctx, conv)
			require.NoError(t, err)
			assert.False(t, deleted)
		})
	}
}

func TestStoreActiveTasks(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := open(t)
			defer s.Close()
			start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

			a := tasks.ActiveTaskRecord{ID: "a-" + name, ConversationID: 1, Task: "one", StartedAt: start}
			b := tasks.ActiveTaskRecord{ID: "b-" + name, ConversationID: 2, Task: "two", StartedAt: start.Add(time.Second)}
			require.NoError(t, s.SaveActiveTask(ctx, b))
			require.NoError(t, s.SaveActiveTask(ctx, a))

			a.ExternalSessionID = "sess"
			require.NoError(t, s.SaveActiveTask(ctx, a))

			list, err := s.ListActiveTasks(ctx)
			require.NoError(t, err)
			require.GreaterOrEqual(t, len(list), 2)
			byID := map[string]tasks.ActiveTaskRecord{}
			for _, rec := range list {
				byID[rec.ID] = rec
			}
			assert.Equal(t, "sess", byID[a.ID].ExternalSessionID)

			require.NoError(t, s.DeleteActiveTask(ctx, a.ID))
			require.NoError(t, s.DeleteActiveTask(ctx, b.ID))
			require.NoError(t, s.DeleteActiveTask(ctx, b.ID), "deleting twice is not an error")
		})
	}
}

func TestStoreLoopStates(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := open(t)
			defer s.Close()

			state := improve.State{
				ConversationID:      5,
				Direction:           "tighten error handling",
				TotalIterations:     3,
				CompletedIterations: 1,
				Status:              improve.StatusPaused,
				PauseReason:         "cost limit reached",
				History:             []improve.IterationRecord{{Iteration: 1, Summary: "ok", Success: true, CostUSD: 0.5}},
				StrategicPlanItems:  []string{"a", "b"},
				StartedAt:           time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
			}
			require.NoError(t, s.SaveLoopState(ctx, state))
			got, err := s.LoadLoopState(ctx, 5)
			require.NoError(t, err)
			if diff := cmp.Diff(state, got); diff != "" {
				t.Fatalf("LoadLoopState() mismatch (-want +got):\n%s", diff)
			}

			list, err := s.ListLoopStates(ctx)
			require.NoError(t, err)
			assert.NotEmpty(t, list)

			deleted, err := s.DeleteLoopState(ctx, 5)
			require.NoError(t, err)
			assert.True(t, deleted)
			_, err = s.LoadLoopState(ctx, 5)
			assert.ErrorIs(t, err, tasks.ErrStoreNotFound)
		})
	}
}

func TestFileStoreSkipsTempFiles(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileStore(dir)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, activeDir, ".x.json.tmp.1.abcd"), []byte("{"), 0o600))

	list, err := s.ListActiveTasks(context.Background())
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestFileStoreRejectsPathLikeIDs(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	err = s.SaveActiveTask(context.Background(), tasks.ActiveTaskRecord{ID: "../escape", Task: "x"})
	assert.Error(t, err)
}

func TestOpenSelectsDriver(t *testing.T) {
	ctx := context.Background()
	s, err := Open(ctx, Config{Driver: "memory"})
	require.NoError(t, err)
	assert.IsType(t, &Memory{}, s)

	s, err = Open(ctx, Config{Dir: t.TempDir()})
	require.NoError(t, err)
	assert.IsType(t, &FileStore{}, s)

	dir := t.TempDir()
	s, err = Open(ctx, Config{Driver: "sqlite", Dir: dir})
	require.NoError(t, err)
	assert.IsType(t, &SQLiteStore{}, s)
	require.NoError(t, s.Close())
	assert.FileExists(t, filepath.Join(dir, "foreman.db"))

	_, err = Open(ctx, Config{Driver: "postgres"})
	assert.Error(t, err)
	_, err = Open(ctx, Config{Driver: "etcd"})
	assert.Error(t, err)
}
