package db

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"testing"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Packeting1/voicerelay/llm"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "test.db"), log.New(io.Discard))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestCreateAndRemoveSession(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	count, err := store.CreateSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	count, err = store.CreateSession(ctx, "s2")
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	require.NoError(t, store.RemoveSession(ctx, "s1"))
	count, err = store.CreateSession(ctx, "s3")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestHistoryRoundTrip(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	_, err := store.CreateSession(ctx, "s1")
	require.NoError(t, err)

	require.NoError(t, store.AppendTurn(ctx, "s1", "hello", "hi there", 10))
	require.NoError(t, store.AppendTurn(ctx, "s1", "how are you", "fine", 10))

	turns, err := store.History(ctx, "s1", 10)
	require.NoError(t, err)
	require.Len(t, turns, 2)
	assert.Equal(t, llm.Turn{User: "hello", Assistant: "hi there"}, turns[0])
	assert.Equal(t, llm.Turn{User: "how are you", Assistant: "fine"}, turns[1])
}

func TestHistoryIsolatedPerSession(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.AppendTurn(ctx, "a", "qa", "ra", 10))
	require.NoError(t, store.AppendTurn(ctx, "b", "qb", "rb", 10))

	turns, err := store.History(ctx, "a", 10)
	require.NoError(t, err)
	require.Len(t, turns, 1)
	assert.Equal(t, "qa", turns[0].User)
}

func TestAppendTurnTrimsToLimit(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, store.AppendTurn(ctx, "s1",
			fmt.Sprintf("q%d", i), fmt.Sprintf("r%d", i), 3))
	}

	turns, err := store.History(ctx, "s1", 10)
	require.NoError(t, err)
	require.Len(t, turns, 3)

	// Oldest turns dropped, order preserved.
	assert.Equal(t, "q2", turns[0].User)
	assert.Equal(t, "q4", turns[2].User)
}

func TestResetHistory(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.AppendTurn(ctx, "s1", "q", "r", 10))
	require.NoError(t, store.ResetHistory(ctx, "s1"))

	turns, err := store.History(ctx, "s1", 10)
	require.NoError(t, err)
	assert.Empty(t, turns)
}
