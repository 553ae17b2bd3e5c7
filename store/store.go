// Package store persists session state in sqlite: the message history of each
// session, keyed by (session, turn, index), and the file snapshots taken
// before each turn. Everything else in darner is derived state and can be
// rebuilt from these two tables.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"darner.dev/llm"
)

const schema = `
CREATE TABLE IF NOT EXISTS messages (
	session_id TEXT NOT NULL,
	turn       INTEGER NOT NULL,
	idx        INTEGER NOT NULL,
	role       TEXT NOT NULL,
	content    TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	PRIMARY KEY (session_id, turn, idx)
);
CREATE TABLE IF NOT EXISTS snapshots (
	session_id TEXT NOT NULL,
	turn       INTEGER NOT NULL,
	path       TEXT NOT NULL,
	content    BLOB,
	existed    INTEGER NOT NULL,
	PRIMARY KEY (session_id, turn, path)
);
`

// Store is a sqlite-backed persistence layer. Safe for concurrent use.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the sqlite database at path and ensures the
// schema exists. Pass ":memory:" for an ephemeral store.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	// sqlite handles a single writer; avoid SQLITE_BUSY churn from pooling.
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: init schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// SaveMessages appends msgs to the given session and turn, continuing from the
// highest index already recorded for that turn.
func (s *Store) SaveMessages(ctx context.Context, sessionID string, turn int, msgs []llm.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: save messages: %w", err)
	}
	defer tx.Rollback()

	var next int
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(idx)+1, 0) FROM messages WHERE session_id = ? AND turn = ?`,
		sessionID, turn).Scan(&next)
	if err != nil {
		return fmt.Errorf("store: save messages: %w", err)
	}

	now := time.Now().UnixMilli()
	for i, msg := range msgs {
		content, err := json.Marshal(msg)
		if err != nil {
			return fmt.Errorf("store: marshal message: %w", err)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO messages (session_id, turn, idx, role, content, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
			sessionID, turn, next+i, string(msg.Role), string(content), now)
		if err != nil {
			return fmt.Errorf("store: insert message: %w", err)
		}
	}
	return tx.Commit()
}

// LoadMessages returns all messages of a session in (turn, idx) order.
// Rows whose content fails to decode are skipped with a warning rather than
// failing the whole load.
func (s *Store) LoadMessages(ctx context.Context, sessionID string) ([]llm.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT turn, idx, content FROM messages WHERE session_id = ? ORDER BY turn, idx`,
		sessionID)
	if err != nil {
		return nil, fmt.Errorf("store: load messages: %w", err)
	}
	defer rows.Close()

	var msgs []llm.Message
	for rows.Next() {
		var turn, idx int
		var content string
		if err := rows.Scan(&turn, &idx, &content); err != nil {
			return nil, fmt.Errorf("store: scan message: %w", err)
		}
		var msg llm.Message
		if err := json.Unmarshal([]byte(content), &msg); err != nil {
			slog.WarnContext(ctx, "store: skipping undecodable message row",
				slog.String("session_id", sessionID),
				slog.Int("turn", turn), slog.Int("idx", idx),
				slog.String("error", err.Error()))
			continue
		}
		msgs = append(msgs, msg)
	}
	return msgs, rows.Err()
}

// MaxTurn returns the highest turn index recorded for the session, or -1 if
// the session has no messages.
func (s *Store) MaxTurn(ctx context.Context, sessionID string) (int, error) {
	var turn int
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(turn), -1) FROM messages WHERE session_id = ?`,
		sessionID).Scan(&turn)
	if err != nil {
		return 0, fmt.Errorf("store: max turn: %w", err)
	}
	return turn, nil
}

// DeleteTurnMessages removes all messages of the given turn.
func (s *Store) DeleteTurnMessages(ctx context.Context, sessionID string, turn int) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM messages WHERE session_id = ? AND turn = ?`,
		sessionID, turn)
	if err != nil {
		return fmt.Errorf("store: delete turn %d: %w", turn, err)
	}
	return nil
}

// A SnapshotEntry records the pre-turn state of one file. Content is nil when
// Existed is false (the file did not exist before the turn).
type SnapshotEntry struct {
	Path    string
	Content []byte
	Existed bool
}

// SaveSnapshot stores the snapshot entries for a turn, replacing any previous
// snapshot recorded under the same (session, turn).
func (s *Store) SaveSnapshot(ctx context.Context, sessionID string, turn int, entries []SnapshotEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: save snapshot: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`DELETE FROM snapshots WHERE session_id = ? AND turn = ?`, sessionID, turn)
	if err != nil {
		return fmt.Errorf("store: save snapshot: %w", err)
	}
	for _, e := range entries {
		var content any
		if e.Existed {
			content = e.Content
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO snapshots (session_id, turn, path, content, existed) VALUES (?, ?, ?, ?, ?)`,
			sessionID, turn, e.Path, content, e.Existed)
		if err != nil {
			return fmt.Errorf("store: insert snapshot entry: %w", err)
		}
	}
	return tx.Commit()
}

// LoadSnapshot returns the snapshot entries for a turn.
// ok is false when no snapshot exists for that turn.
func (s *Store) LoadSnapshot(ctx context.Context, sessionID string, turn int) (entries []SnapshotEntry, ok bool, err error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT path, content, existed FROM snapshots WHERE session_id = ? AND turn = ? ORDER BY path`,
		sessionID, turn)
	if err != nil {
		return nil, false, fmt.Errorf("store: load snapshot: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var e SnapshotEntry
		var content []byte
		if err := rows.Scan(&e.Path, &content, &e.Existed); err != nil {
			return nil, false, fmt.Errorf("store: scan snapshot entry: %w", err)
		}
		if e.Existed {
			e.Content = content
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, false, err
	}
	return entries, len(entries) > 0, nil
}

// DeleteSnapshot removes the snapshot for a single turn.
func (s *Store) DeleteSnapshot(ctx context.Context, sessionID string, turn int) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM snapshots WHERE session_id = ? AND turn = ?`, sessionID, turn)
	if err != nil {
		return fmt.Errorf("store: delete snapshot: %w", err)
	}
	return nil
}

// DeleteAllSnapshots clears every snapshot of a session, used when starting a
// fresh session over the same working tree.
func (s *Store) DeleteAllSnapshots(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM snapshots WHERE session_id = ?`, sessionID)
	if err != nil {
		return fmt.Errorf("store: delete snapshots: %w", err)
	}
	return nil
}
