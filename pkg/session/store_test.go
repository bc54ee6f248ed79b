package session

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestStore(t *testing.T) *Store {
	st, err := NewStore(Options{Logger: zerolog.Nop()})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func TestStore_Create(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()

	s := st.Create(ctx)
	assert.NotEmpty(t, s.ID)
	assert.Empty(t, s.Turns)
	assert.Nil(t, s.LastMetadata)
	assert.Equal(t, s.CreatedAt, s.UpdatedAt)

	s2 := st.Create(ctx)
	assert.NotEqual(t, s.ID, s2.ID)
	assert.Equal(t, 2, st.Count())
}

func TestStore_GetUnknown(t *testing.T) {
	st := setupTestStore(t)

	_, err := st.Get(context.Background(), "no-such-session")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_AppendTurn(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()
	s := st.Create(ctx)

	updated, err := st.AppendTurn(ctx, s.ID, RoleUser, "hello")
	require.NoError(t, err)
	require.Len(t, updated.Turns, 1)
	assert.Equal(t, RoleUser, updated.Turns[0].Role)
	assert.Equal(t, "hello", updated.Turns[0].Content)
	assert.False(t, updated.UpdatedAt.Before(s.UpdatedAt))
}

func TestStore_AppendTurnValidation(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()
	s := st.Create(ctx)

	tests := []struct {
		name    string
		role    string
		content string
	}{
		{"invalid role", "system", "hi"},
		{"empty role", "", "hi"},
		{"empty content", RoleUser, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := st.AppendTurn(ctx, s.ID, tt.role, tt.content)
			assert.Error(t, err)
		})
	}
}

func TestStore_CompleteTurn(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()
	s := st.Create(ctx)

	_, err := st.AppendTurn(ctx, s.ID, RoleUser, "what tables exist?")
	require.NoError(t, err)

	md := Metadata{
		Tools:  map[string]int{"list_tables": 1},
		Tokens: TokenCounts{Input: 10, Output: 20, Total: 30},
		TimeMS: 123.4,
	}
	updated, err := st.CompleteTurn(ctx, s.ID, "there are two tables", md)
	require.NoError(t, err)
	require.Len(t, updated.Turns, 2)
	assert.Equal(t, RoleAssistant, updated.Turns[1].Role)
	require.NotNil(t, updated.LastMetadata)
	assert.Equal(t, 1, updated.LastMetadata.Tools["list_tables"])
	assert.Equal(t, 30, updated.LastMetadata.Tokens.Total)
}

func TestStore_CompleteTurnNilTools(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()
	s := st.Create(ctx)

	updated, err := st.CompleteTurn(ctx, s.ID, "done", Metadata{TimeMS: 5})
	require.NoError(t, err)
	require.NotNil(t, updated.LastMetadata)
	assert.NotNil(t, updated.LastMetadata.Tools)
	assert.Empty(t, updated.LastMetadata.Tools)
}

func TestStore_ListOrder(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()

	first := st.Create(ctx)
	second := st.Create(ctx)
	third := st.Create(ctx)

	// Updating an older session must not reorder the listing
	_, err := st.AppendTurn(ctx, first.ID, RoleUser, "bump")
	require.NoError(t, err)

	list := st.List(ctx)
	require.Len(t, list, 3)
	assert.Equal(t, first.ID, list[0].ID)
	assert.Equal(t, second.ID, list[1].ID)
	assert.Equal(t, third.ID, list[2].ID)
}

func TestStore_History(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()
	s := st.Create(ctx)

	for i := 0; i < 6; i++ {
		_, err := st.AppendTurn(ctx, s.ID, RoleUser, fmt.Sprintf("message %d", i))
		require.NoError(t, err)
	}

	bounded, err := st.History(ctx, s.ID, 4)
	require.NoError(t, err)
	require.Len(t, bounded, 4)
	assert.Equal(t, "message 2", bounded[0].Content)
	assert.Equal(t, "message 5", bounded[3].Content)

	all, err := st.History(ctx, s.ID, 0)
	require.NoError(t, err)
	assert.Len(t, all, 6)

	// Bounding reads must not truncate the stored history
	full, err := st.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Len(t, full.Turns, 6)
}

func TestStore_Delete(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()
	s := st.Create(ctx)

	assert.True(t, st.Delete(ctx, s.ID))
	assert.False(t, st.Delete(ctx, s.ID))
	assert.Equal(t, 0, st.Count())

	_, err := st.Get(ctx, s.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

// memorySnapshots is an in-memory Snapshotter for observing persistence
type memorySnapshots struct {
	mu       sync.Mutex
	sessions map[string]Session
}

func newMemorySnapshots() *memorySnapshots {
	return &memorySnapshots{sessions: make(map[string]Session)}
}

func (m *memorySnapshots) Save(s Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = s
	return nil
}

func (m *memorySnapshots) Delete(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
	return nil
}

func (m *memorySnapshots) LoadAll() ([]Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out, nil
}

func (m *memorySnapshots) Close() error { return nil }

func TestStore_DeleteBlocksLateWriters(t *testing.T) {
	snaps := newMemorySnapshots()
	st, err := NewStore(Options{Snapshots: snaps, Logger: zerolog.Nop()})
	require.NoError(t, err)
	ctx := context.Background()

	s := st.Create(ctx)

	// A writer resolves the session state, then loses the race with
	// Delete before taking the session lock
	state, err := st.lookup(s.ID)
	require.NoError(t, err)
	require.True(t, st.Delete(ctx, s.ID))

	state.mu.Lock()
	deleted := state.deleted
	state.mu.Unlock()
	assert.True(t, deleted, "late writers must observe the deletion")

	_, err = st.AppendTurn(ctx, s.ID, RoleUser, "too late")
	assert.ErrorIs(t, err, ErrNotFound)

	// A restart from the same snapshots must not resurrect the session
	st2, err := NewStore(Options{Snapshots: snaps, Logger: zerolog.Nop()})
	require.NoError(t, err)
	assert.Equal(t, 0, st2.Count())
}

func TestStore_ConcurrentAppendAndDelete(t *testing.T) {
	snaps := newMemorySnapshots()
	st, err := NewStore(Options{Snapshots: snaps, Logger: zerolog.Nop()})
	require.NoError(t, err)
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		s := st.Create(ctx)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _ = st.AppendTurn(ctx, s.ID, RoleUser, "racing write")
		}()
		go func() {
			defer wg.Done()
			st.Delete(ctx, s.ID)
		}()
		wg.Wait()

		restored, err := snaps.LoadAll()
		require.NoError(t, err)
		for _, r := range restored {
			assert.NotEqual(t, s.ID, r.ID, "deleted session persisted after delete")
		}
	}
}

func TestStore_ExpireIdle(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()

	stale := st.Create(ctx)
	time.Sleep(10 * time.Millisecond)
	cutoff := time.Now().UTC()
	time.Sleep(10 * time.Millisecond)

	fresh := st.Create(ctx)

	removed := st.ExpireIdle(ctx, cutoff)
	assert.Equal(t, 1, removed)

	_, err := st.Get(ctx, stale.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = st.Get(ctx, fresh.ID)
	assert.NoError(t, err)
}

func TestStore_CloneIsolation(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()
	s := st.Create(ctx)

	updated, err := st.CompleteTurn(ctx, s.ID, "reply", Metadata{Tools: map[string]int{"query": 1}})
	require.NoError(t, err)

	// Mutating a returned copy must not leak into the store
	updated.Turns[0].Content = "tampered"
	updated.LastMetadata.Tools["query"] = 99

	stored, err := st.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, "reply", stored.Turns[0].Content)
	assert.Equal(t, 1, stored.LastMetadata.Tools["query"])
}

func TestStore_ConcurrentAppends(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()
	s := st.Create(ctx)

	const writers = 8
	const perWriter = 25

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				_, err := st.AppendTurn(ctx, s.ID, RoleUser, fmt.Sprintf("w%d-%d", w, i))
				assert.NoError(t, err)
			}
		}(w)
	}
	wg.Wait()

	final, err := st.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Len(t, final.Turns, writers*perWriter)
}
