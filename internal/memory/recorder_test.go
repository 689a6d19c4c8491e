package memory

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorderRedactsAndRendersRecentTurns(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryStore(0)
	rec := NewRecorder(store, 2)

	require.NoError(t, rec.Remember(ctx, 1, RoleUser, "first message"))
	require.NoError(t, rec.Remember(ctx, 1, RoleUser, "mail me at sam@example.com"))
	require.NoError(t, rec.Remember(ctx, 1, RoleAssistant, "plan   ready\nwith steps"))
	require.NoError(t, rec.Remember(ctx, 1, RoleUser, "   "))
	require.NoError(t, rec.Remember(ctx, 2, RoleUser, "other conversation"))

	lines, err := rec.Context(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"user: mail me at [REDACTED_EMAIL]",
		"assistant: plan ready with steps",
	}, lines)

	turns, err := store.RecentContext(ctx, 1, 0)
	require.NoError(t, err)
	require.Len(t, turns, 3)
	assert.True(t, turns[1].PIIRedacted)
}

func TestRecorderTruncatesLongTurns(t *testing.T) {
	ctx := context.Background()
	rec := NewRecorder(NewInMemoryStore(0), 1)
	require.NoError(t, rec.Remember(ctx, 1, RoleUser, strings.Repeat("a", 400)))

	lines, err := rec.Context(ctx, 1)
	require.NoError(t, err)
	require.Len(t, lines, 1)
	assert.True(t, strings.HasSuffix(lines[0], "..."))
	assert.Len(t, lines[0], len("user: ")+maxContextLineChars+3)
}

func TestInMemoryStoreCapsTurns(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryStore(3)
	for i := 0; i < 5; i++ {
		require.NoError(t, store.SaveTurn(ctx, TurnRecord{ConversationID: 1, Role: RoleUser, Content: "x"}))
	}
	turns, err := store.RecentContext(ctx, 1, 10)
	require.NoError(t, err)
	assert.Len(t, turns, 3)
}

func TestNilRecorderIsNoop(t *testing.T) {
	var rec *Recorder
	require.NoError(t, rec.Remember(context.Background(), 1, RoleUser, "x"))
	lines, err := rec.Context(context.Background(), 1)
	require.NoError(t, err)
	assert.Nil(t, lines)
}
