package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore is the embedded single-node session store.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	stmts := []string{
		`PRAGMA journal_mode=WAL`,
		`PRAGMA foreign_keys=ON`,
		`CREATE TABLE IF NOT EXISTS agent_sessions (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			state TEXT NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS conversation_turns (
			session_id TEXT NOT NULL REFERENCES agent_sessions(id) ON DELETE CASCADE,
			turn_id INTEGER NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			tags TEXT NOT NULL,
			created_at TEXT NOT NULL,
			PRIMARY KEY (session_id, turn_id)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Save(ctx context.Context, sess *Session) error {
	state, err := encodeState(sess)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("save session: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO agent_sessions (id, user_id, state, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET state = excluded.state, updated_at = excluded.updated_at`,
		sess.ID, sess.UserID, string(state), formatTime(sess.CreatedAt), formatTime(sess.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}

	var stored int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(turn_id), 0) FROM conversation_turns WHERE session_id = ?`,
		sess.ID,
	).Scan(&stored); err != nil {
		return fmt.Errorf("save session: last stored turn: %w", err)
	}

	for _, t := range sess.Turns {
		if t.ID <= stored {
			continue
		}
		tags, err := json.Marshal(t.Tags)
		if err != nil {
			return fmt.Errorf("encode tags: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO conversation_turns (session_id, turn_id, role, content, tags, created_at)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			sess.ID, t.ID, string(t.Role), t.Content, string(tags), formatTime(t.CreatedAt),
		); err != nil {
			return fmt.Errorf("save turn %d: %w", t.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("save session: commit: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Load(ctx context.Context, sessionID string) (*Session, error) {
	var state string
	err := s.db.QueryRowContext(ctx, `SELECT state FROM agent_sessions WHERE id = ?`, sessionID).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("load session %s: %w", sessionID, ErrSessionNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", sessionID, err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT turn_id, role, content, tags, created_at
		 FROM conversation_turns WHERE session_id = ? ORDER BY turn_id`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("query turns: %w", err)
	}
	defer rows.Close()

	var turns []Turn
	for rows.Next() {
		var (
			t                Turn
			role, tags, when string
		)
		if err := rows.Scan(&t.ID, &role, &t.Content, &tags, &when); err != nil {
			return nil, fmt.Errorf("scan turn row: %w", err)
		}
		t.Role = Role(role)
		if err := json.Unmarshal([]byte(tags), &t.Tags); err != nil {
			return nil, fmt.Errorf("%w: turn %d tags: %v", ErrCorruptSession, t.ID, err)
		}
		if t.CreatedAt, err = time.Parse(time.RFC3339Nano, when); err != nil {
			return nil, fmt.Errorf("%w: turn %d timestamp: %v", ErrCorruptSession, t.ID, err)
		}
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate turn rows: %w", err)
	}

	return decodeState([]byte(state), turns)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
