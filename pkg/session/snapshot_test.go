package session

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestSnapshots(t *testing.T) (*SQLiteSnapshots, string) {
	path := filepath.Join(t.TempDir(), "sessions.db")
	snaps, err := NewSQLiteSnapshots(path, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { snaps.Close() })
	return snaps, path
}

func TestSQLiteSnapshots_SaveLoad(t *testing.T) {
	snaps, _ := setupTestSnapshots(t)

	now := time.Now().UTC().Truncate(time.Millisecond)
	s := Session{
		ID:        "snap-1",
		CreatedAt: now,
		UpdatedAt: now,
		Turns: []Turn{
			{Role: RoleUser, Content: "hello"},
			{Role: RoleAssistant, Content: "hi"},
		},
		LastMetadata: &Metadata{
			Tools:  map[string]int{"describe_table": 2},
			Tokens: TokenCounts{Input: 5, Output: 7, Total: 12},
			TimeMS: 42,
		},
	}
	require.NoError(t, snaps.Save(s))

	loaded, err := snaps.LoadAll()
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, s.ID, loaded[0].ID)
	assert.Equal(t, s.Turns, loaded[0].Turns)
	require.NotNil(t, loaded[0].LastMetadata)
	assert.Equal(t, 2, loaded[0].LastMetadata.Tools["describe_table"])
	assert.Equal(t, now, loaded[0].CreatedAt)
}

func TestSQLiteSnapshots_Upsert(t *testing.T) {
	snaps, _ := setupTestSnapshots(t)

	now := time.Now().UTC().Truncate(time.Millisecond)
	s := Session{ID: "snap-1", CreatedAt: now, UpdatedAt: now, Turns: []Turn{}}
	require.NoError(t, snaps.Save(s))

	s.Turns = append(s.Turns, Turn{Role: RoleUser, Content: "again"})
	s.UpdatedAt = now.Add(time.Second)
	require.NoError(t, snaps.Save(s))

	loaded, err := snaps.LoadAll()
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Len(t, loaded[0].Turns, 1)
	assert.Equal(t, s.UpdatedAt, loaded[0].UpdatedAt)
}

func TestSQLiteSnapshots_Delete(t *testing.T) {
	snaps, _ := setupTestSnapshots(t)

	now := time.Now().UTC()
	require.NoError(t, snaps.Save(Session{ID: "gone", CreatedAt: now, UpdatedAt: now, Turns: []Turn{}}))
	require.NoError(t, snaps.Delete("gone"))
	require.NoError(t, snaps.Delete("never-existed"))

	loaded, err := snaps.LoadAll()
	require.NoError(t, err)
	assert.Empty(t, loaded)
}

func TestStore_RestoreFromSnapshots(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.db")
	ctx := context.Background()

	snaps, err := NewSQLiteSnapshots(path, zerolog.Nop())
	require.NoError(t, err)

	st, err := NewStore(Options{Snapshots: snaps, Logger: zerolog.Nop()})
	require.NoError(t, err)

	first := st.Create(ctx)
	second := st.Create(ctx)
	_, err = st.AppendTurn(ctx, first.ID, RoleUser, "persist me")
	require.NoError(t, err)
	require.NoError(t, st.Close())

	// A new store over the same database sees the same sessions
	snaps2, err := NewSQLiteSnapshots(path, zerolog.Nop())
	require.NoError(t, err)
	restored, err := NewStore(Options{Snapshots: snaps2, Logger: zerolog.Nop()})
	require.NoError(t, err)
	defer restored.Close()

	assert.Equal(t, 2, restored.Count())

	list := restored.List(ctx)
	require.Len(t, list, 2)
	assert.Equal(t, first.ID, list[0].ID)
	assert.Equal(t, second.ID, list[1].ID)

	s, err := restored.Get(ctx, first.ID)
	require.NoError(t, err)
	require.Len(t, s.Turns, 1)
	assert.Equal(t, "persist me", s.Turns[0].Content)
}
