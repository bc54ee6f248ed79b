package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/harun/dschat/internal/observability"
	"github.com/harun/dschat/internal/tracing"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// RoleUser and RoleAssistant are the only roles a stored turn may carry.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ErrNotFound is returned when a session id is unknown to the store.
var ErrNotFound = fmt.Errorf("session not found")

// Turn represents a single conversation message
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// TokenCounts tracks token consumption for one turn
type TokenCounts struct {
	Input  int `json:"input_tokens"`
	Output int `json:"output_tokens"`
	Total  int `json:"total_tokens"`
}

// Metadata describes the most recent successful turn of a session
type Metadata struct {
	Tools  map[string]int `json:"tools"`
	Tokens TokenCounts    `json:"tokens"`
	TimeMS float64        `json:"time_ms"`
}

// Session is a named, ordered conversation
type Session struct {
	ID           string    `json:"session_id"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	Turns        []Turn    `json:"turns"`
	LastMetadata *Metadata `json:"last_metadata,omitempty"`
}

// clone returns a deep copy safe to hand to callers
func (s *Session) clone() Session {
	out := *s
	out.Turns = make([]Turn, len(s.Turns))
	copy(out.Turns, s.Turns)
	if s.LastMetadata != nil {
		md := *s.LastMetadata
		md.Tools = make(map[string]int, len(s.LastMetadata.Tools))
		for k, v := range s.LastMetadata.Tools {
			md.Tools[k] = v
		}
		out.LastMetadata = &md
	}
	return out
}

// sessionState pairs a session with its linearization lock. Snapshot
// writes happen under mu so they order with Delete's snapshot removal;
// the deleted flag stops a writer that resolved the state before Delete
// ran from resurrecting the session.
type sessionState struct {
	mu      sync.Mutex
	session Session
	deleted bool
}

// Snapshotter persists sessions across restarts. Implementations must be
// safe for concurrent use; the store calls them best-effort.
type Snapshotter interface {
	Save(session Session) error
	Delete(sessionID string) error
	LoadAll() ([]Session, error)
	Close() error
}

// Store manages chat sessions in memory with optional snapshots
type Store struct {
	mu        sync.RWMutex
	sessions  map[string]*sessionState
	order     []string // creation order, for stable listing
	snapshots Snapshotter
	logger    zerolog.Logger
}

// Options configures a Store
type Options struct {
	Snapshots Snapshotter
	Logger    zerolog.Logger
}

// NewStore creates a session store, restoring snapshots when configured
func NewStore(opts Options) (*Store, error) {
	observability.EnsureRegistered()

	st := &Store{
		sessions:  make(map[string]*sessionState),
		snapshots: opts.Snapshots,
		logger:    opts.Logger,
	}

	if opts.Snapshots != nil {
		restored, err := opts.Snapshots.LoadAll()
		if err != nil {
			return nil, fmt.Errorf("failed to restore session snapshots: %w", err)
		}
		for _, s := range restored {
			st.sessions[s.ID] = &sessionState{session: s}
			st.order = append(st.order, s.ID)
		}
		if len(restored) > 0 {
			st.logger.Info().Int("sessions", len(restored)).Msg("Sessions restored from snapshot")
		}
	}

	observability.SetActiveSessions(len(st.sessions))
	return st, nil
}

// Create allocates a fresh session with a new id and empty history.
// It never fails.
func (st *Store) Create(ctx context.Context) Session {
	ctx, span := tracing.StartSpan(ctx, "dschat.session", "session.create")
	defer span.End()

	now := time.Now().UTC()
	s := Session{
		ID:        uuid.New().String(),
		CreatedAt: now,
		UpdatedAt: now,
		Turns:     []Turn{},
	}

	// Persist before publishing the id so a delete, which can only run
	// after publication, always orders after this save.
	st.persist(ctx, s)

	st.mu.Lock()
	st.sessions[s.ID] = &sessionState{session: s}
	st.order = append(st.order, s.ID)
	count := len(st.sessions)
	st.mu.Unlock()

	observability.SetActiveSessions(count)
	logger := tracing.LoggerFromContext(ctx, st.logger)
	logger.Info().
		Str("session_id", s.ID).
		Msg("Session created")

	return s
}

// Get returns a copy of the session or ErrNotFound
func (st *Store) Get(ctx context.Context, id string) (Session, error) {
	_, span := tracing.StartSpan(ctx, "dschat.session", "session.get",
		attribute.String("session_id", id))
	defer span.End()
	start := time.Now()
	defer func() {
		observability.RecordSessionLoad(time.Since(start))
	}()

	state, err := st.lookup(id)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return Session{}, err
	}

	state.mu.Lock()
	defer state.mu.Unlock()
	return state.session.clone(), nil
}

// List returns copies of all sessions in creation order
func (st *Store) List(ctx context.Context) []Session {
	_, span := tracing.StartSpan(ctx, "dschat.session", "session.list")
	defer span.End()

	st.mu.RLock()
	ids := make([]string, len(st.order))
	copy(ids, st.order)
	st.mu.RUnlock()

	out := make([]Session, 0, len(ids))
	for _, id := range ids {
		state, err := st.lookup(id)
		if err != nil {
			continue // deleted concurrently
		}
		state.mu.Lock()
		out = append(out, state.session.clone())
		state.mu.Unlock()
	}
	return out
}

// AppendTurn adds one turn to a session and refreshes updated_at
func (st *Store) AppendTurn(ctx context.Context, id, role, content string) (Session, error) {
	ctx, span := tracing.StartSpan(ctx, "dschat.session", "session.append_turn",
		attribute.String("session_id", id),
		attribute.String("role", role))
	defer span.End()
	start := time.Now()
	defer func() {
		observability.RecordSessionSave(time.Since(start))
	}()

	if err := validateTurn(role, content); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return Session{}, err
	}

	state, err := st.lookup(id)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return Session{}, err
	}

	state.mu.Lock()
	if state.deleted {
		state.mu.Unlock()
		span.SetStatus(codes.Error, ErrNotFound.Error())
		return Session{}, ErrNotFound
	}
	state.session.Turns = append(state.session.Turns, Turn{Role: role, Content: content})
	state.session.UpdatedAt = time.Now().UTC()
	snapshot := state.session.clone()
	st.persist(ctx, snapshot)
	state.mu.Unlock()

	logger := tracing.LoggerFromContext(ctx, st.logger)
	logger.Debug().
		Str("session_id", id).
		Str("role", role).
		Int("turns", len(snapshot.Turns)).
		Msg("Turn appended")

	return snapshot, nil
}

// CompleteTurn appends the assistant reply and attaches its metadata in a
// single linearized step, so no reader observes one without the other.
func (st *Store) CompleteTurn(ctx context.Context, id, content string, md Metadata) (Session, error) {
	ctx, span := tracing.StartSpan(ctx, "dschat.session", "session.complete_turn",
		attribute.String("session_id", id))
	defer span.End()
	start := time.Now()
	defer func() {
		observability.RecordSessionSave(time.Since(start))
	}()

	if err := validateTurn(RoleAssistant, content); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return Session{}, err
	}

	state, err := st.lookup(id)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return Session{}, err
	}

	if md.Tools == nil {
		md.Tools = map[string]int{}
	}

	state.mu.Lock()
	if state.deleted {
		state.mu.Unlock()
		span.SetStatus(codes.Error, ErrNotFound.Error())
		return Session{}, ErrNotFound
	}
	state.session.Turns = append(state.session.Turns, Turn{Role: RoleAssistant, Content: content})
	state.session.LastMetadata = &md
	state.session.UpdatedAt = time.Now().UTC()
	snapshot := state.session.clone()
	st.persist(ctx, snapshot)
	state.mu.Unlock()

	logger := tracing.LoggerFromContext(ctx, st.logger)
	logger.Debug().
		Str("session_id", id).
		Int("turns", len(snapshot.Turns)).
		Float64("time_ms", md.TimeMS).
		Msg("Turn completed")

	return snapshot, nil
}

// SetMetadata attaches last-turn metrics without touching the history
func (st *Store) SetMetadata(ctx context.Context, id string, md Metadata) (Session, error) {
	ctx, span := tracing.StartSpan(ctx, "dschat.session", "session.set_metadata",
		attribute.String("session_id", id))
	defer span.End()

	state, err := st.lookup(id)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return Session{}, err
	}

	if md.Tools == nil {
		md.Tools = map[string]int{}
	}

	state.mu.Lock()
	if state.deleted {
		state.mu.Unlock()
		span.SetStatus(codes.Error, ErrNotFound.Error())
		return Session{}, ErrNotFound
	}
	state.session.LastMetadata = &md
	state.session.UpdatedAt = time.Now().UTC()
	snapshot := state.session.clone()
	st.persist(ctx, snapshot)
	state.mu.Unlock()
	return snapshot, nil
}

// History returns up to maxTurns most recent turns for use as agent
// context. Oldest turns are dropped first; the stored history is never
// truncated. maxTurns <= 0 returns everything.
func (st *Store) History(ctx context.Context, id string, maxTurns int) ([]Turn, error) {
	s, err := st.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	turns := s.Turns
	if maxTurns > 0 && len(turns) > maxTurns {
		turns = turns[len(turns)-maxTurns:]
	}
	return turns, nil
}

// Delete removes a session. Idempotent; reports whether it existed.
func (st *Store) Delete(ctx context.Context, id string) bool {
	ctx, span := tracing.StartSpan(ctx, "dschat.session", "session.delete",
		attribute.String("session_id", id))
	defer span.End()

	st.mu.Lock()
	state, existed := st.sessions[id]
	if existed {
		delete(st.sessions, id)
		for i, oid := range st.order {
			if oid == id {
				st.order = append(st.order[:i], st.order[i+1:]...)
				break
			}
		}
	}
	count := len(st.sessions)
	st.mu.Unlock()

	if !existed {
		return false
	}

	logger := tracing.LoggerFromContext(ctx, st.logger)

	// Mark the state and drop the snapshot under the session lock, so a
	// writer that resolved the state before the map removal can neither
	// mutate nor re-persist it afterwards.
	state.mu.Lock()
	state.deleted = true
	if st.snapshots != nil {
		if err := st.snapshots.Delete(id); err != nil {
			logger.Warn().
				Err(err).
				Str("session_id", id).
				Msg("Failed to delete session snapshot")
		}
	}
	state.mu.Unlock()

	observability.SetActiveSessions(count)
	logger.Info().
		Str("session_id", id).
		Msg("Session deleted")

	return true
}

// ExpireIdle removes sessions not updated since the cutoff and returns
// how many were removed.
func (st *Store) ExpireIdle(ctx context.Context, cutoff time.Time) int {
	st.mu.RLock()
	var idle []string
	for id, state := range st.sessions {
		state.mu.Lock()
		if state.session.UpdatedAt.Before(cutoff) {
			idle = append(idle, id)
		}
		state.mu.Unlock()
	}
	st.mu.RUnlock()

	removed := 0
	for _, id := range idle {
		if st.Delete(ctx, id) {
			removed++
		}
	}
	return removed
}

// Count returns the number of live sessions
func (st *Store) Count() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.sessions)
}

// Close releases the snapshot store, if any
func (st *Store) Close() error {
	if st.snapshots != nil {
		return st.snapshots.Close()
	}
	return nil
}

func (st *Store) lookup(id string) (*sessionState, error) {
	st.mu.RLock()
	defer st.mu.RUnlock()

	state, ok := st.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return state, nil
}

func (st *Store) persist(ctx context.Context, s Session) {
	if st.snapshots == nil {
		return
	}
	if err := st.snapshots.Save(s); err != nil {
		logger := tracing.LoggerFromContext(ctx, st.logger)
		logger.Warn().
			Err(err).
			Str("session_id", s.ID).
			Msg("Failed to save session snapshot")
	}
}

func validateTurn(role, content string) error {
	if role != RoleUser && role != RoleAssistant {
		return fmt.Errorf("invalid turn role: %q", role)
	}
	if content == "" {
		return fmt.Errorf("turn content cannot be empty")
	}
	return nil
}
