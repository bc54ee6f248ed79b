package session

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

// SQLiteSnapshots persists session snapshots to a local SQLite database.
// Each session is stored as one row; turns and metadata are serialized
// JSON since they are only ever read back whole.
type SQLiteSnapshots struct {
	db     *sql.DB
	logger zerolog.Logger
}

// NewSQLiteSnapshots opens (or creates) the snapshot database at path
func NewSQLiteSnapshots(path string, logger zerolog.Logger) (*SQLiteSnapshots, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create snapshot directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open snapshot database: %w", err)
	}

	// Snapshot writes are already serialized per session by the store
	db.SetMaxOpenConns(1)

	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id         TEXT PRIMARY KEY,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		turns      TEXT NOT NULL,
		metadata   TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_created ON sessions(created_at);`

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize snapshot schema: %w", err)
	}

	logger.Info().Str("path", path).Msg("Session snapshot store opened")

	return &SQLiteSnapshots{db: db, logger: logger}, nil
}

// Save upserts one session snapshot
func (s *SQLiteSnapshots) Save(session Session) error {
	turns, err := json.Marshal(session.Turns)
	if err != nil {
		return fmt.Errorf("failed to marshal turns: %w", err)
	}

	var metadata []byte
	if session.LastMetadata != nil {
		metadata, err = json.Marshal(session.LastMetadata)
		if err != nil {
			return fmt.Errorf("failed to marshal metadata: %w", err)
		}
	}

	_, err = s.db.Exec(`
		INSERT INTO sessions (id, created_at, updated_at, turns, metadata)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			updated_at = excluded.updated_at,
			turns      = excluded.turns,
			metadata   = excluded.metadata`,
		session.ID,
		session.CreatedAt.UnixMilli(),
		session.UpdatedAt.UnixMilli(),
		string(turns),
		nullableString(metadata),
	)
	if err != nil {
		return fmt.Errorf("failed to save session snapshot: %w", err)
	}
	return nil
}

// Delete removes one session snapshot; missing rows are not an error
func (s *SQLiteSnapshots) Delete(sessionID string) error {
	if _, err := s.db.Exec(`DELETE FROM sessions WHERE id = ?`, sessionID); err != nil {
		return fmt.Errorf("failed to delete session snapshot: %w", err)
	}
	return nil
}

// LoadAll reads every snapshot in creation order. Corrupt rows are
// skipped with a warning rather than failing the whole restore.
func (s *SQLiteSnapshots) LoadAll() ([]Session, error) {
	rows, err := s.db.Query(`
		SELECT id, created_at, updated_at, turns, metadata
		FROM sessions ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query session snapshots: %w", err)
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		var (
			id                   string
			createdAt, updatedAt int64
			turnsJSON            string
			metadataJSON         sql.NullString
		)
		if err := rows.Scan(&id, &createdAt, &updatedAt, &turnsJSON, &metadataJSON); err != nil {
			return nil, fmt.Errorf("failed to scan session snapshot: %w", err)
		}

		session := Session{
			ID:        id,
			CreatedAt: time.UnixMilli(createdAt).UTC(),
			UpdatedAt: time.UnixMilli(updatedAt).UTC(),
		}
		if err := json.Unmarshal([]byte(turnsJSON), &session.Turns); err != nil {
			s.logger.Warn().Str("session_id", id).Err(err).Msg("Skipping corrupt session snapshot")
			continue
		}
		if metadataJSON.Valid && metadataJSON.String != "" {
			var md Metadata
			if err := json.Unmarshal([]byte(metadataJSON.String), &md); err != nil {
				s.logger.Warn().Str("session_id", id).Err(err).Msg("Dropping corrupt snapshot metadata")
			} else {
				session.LastMetadata = &md
			}
		}
		if session.Turns == nil {
			session.Turns = []Turn{}
		}

		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read session snapshots: %w", err)
	}

	return sessions, nil
}

// Close closes the underlying database
func (s *SQLiteSnapshots) Close() error {
	return s.db.Close()
}

func nullableString(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
