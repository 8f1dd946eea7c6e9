// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides the durable per-session message log with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// SQLite allows one writer at a time; a single pooled connection avoids
	// SQLITE_BUSY under concurrent appends and keeps the per-connection
	// pragmas below in effect for every statement.
	db.SetMaxOpenConns(1)

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS messages (
			id         TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			seq        INTEGER NOT NULL,
			role       TEXT NOT NULL,
			content    TEXT NOT NULL,
			created_at TEXT NOT NULL,

			UNIQUE(session_id, seq),
			CHECK (role IN ('user', 'assistant', 'system'))
		);

		CREATE INDEX IF NOT EXISTS idx_messages_session_created
			ON messages(session_id, created_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// AppendMessage appends one message to a session's log, assigning the next
// sequence number. The INSERT computes the seq in a subquery so the
// read-increment-write is a single statement; SQLite's single-writer model
// makes it atomic, and the UNIQUE(session_id, seq) constraint rejects any
// write that would produce a duplicate.
func (s *SQLiteStore) AppendMessage(ctx context.Context, sessionID, role, content string) (*Message, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("session id is required")
	}
	if !ValidRole(role) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidRole, role)
	}

	msg := &Message{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		Role:      role,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}

	query := `
		INSERT INTO messages (id, session_id, seq, role, content, created_at)
		VALUES (?, ?, (SELECT COALESCE(MAX(seq) + 1, 0) FROM messages WHERE session_id = ?), ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		msg.ID,
		sessionID,
		sessionID,
		role,
		content,
		msg.CreatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return nil, fmt.Errorf("inserting message: %w", err)
	}

	// Read back the assigned seq. The row is immutable, so this cannot race
	// with anything but its own existence.
	err = s.db.QueryRowContext(ctx, `SELECT seq FROM messages WHERE id = ?`, msg.ID).Scan(&msg.Seq)
	if err != nil {
		return nil, fmt.Errorf("reading back message seq: %w", err)
	}

	s.logger.Debug("appended message", "session_id", sessionID, "seq", msg.Seq, "role", role)
	return msg, nil
}

// GetMessages retrieves the full log for a session in sequence order.
func (s *SQLiteStore) GetMessages(ctx context.Context, sessionID string) ([]*Message, error) {
	query := `
		SELECT id, session_id, seq, role, content, created_at
		FROM messages
		WHERE session_id = ?
		ORDER BY seq ASC
	`
	return s.queryMessages(ctx, query, sessionID)
}

// GetMessagesSince retrieves messages with seq greater than sinceSeq, in
// sequence order. Serves incremental history fetches where the client
// already holds a prefix of the log.
func (s *SQLiteStore) GetMessagesSince(ctx context.Context, sessionID string, sinceSeq int64) ([]*Message, error) {
	query := `
		SELECT id, session_id, seq, role, content, created_at
		FROM messages
		WHERE session_id = ? AND seq > ?
		ORDER BY seq ASC
	`
	return s.queryMessages(ctx, query, sessionID, sinceSeq)
}

// queryMessages runs a message query and scans the rows
func (s *SQLiteStore) queryMessages(ctx context.Context, query string, args ...any) ([]*Message, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		var msg Message
		var createdAtStr string

		if err := rows.Scan(&msg.ID, &msg.SessionID, &msg.Seq, &msg.Role, &msg.Content, &createdAtStr); err != nil {
			return nil, fmt.Errorf("scanning message row: %w", err)
		}

		msg.CreatedAt, err = time.Parse(time.RFC3339, createdAtStr)
		if err != nil {
			return nil, fmt.Errorf("parsing message created_at: %w", err)
		}

		messages = append(messages, &msg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating message rows: %w", err)
	}

	return messages, nil
}

// ListSessions returns per-session summaries ordered by most recent activity.
// If limit is 0 or negative, a default limit of 100 is used.
func (s *SQLiteStore) ListSessions(ctx context.Context, limit int) ([]*SessionInfo, error) {
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}

	query := `
		SELECT session_id, COUNT(*), MAX(created_at)
		FROM messages
		GROUP BY session_id
		ORDER BY MAX(created_at) DESC
		LIMIT ?
	`

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("querying sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*SessionInfo
	for rows.Next() {
		var info SessionInfo
		var lastActivityStr string

		if err := rows.Scan(&info.SessionID, &info.MessageCount, &lastActivityStr); err != nil {
			return nil, fmt.Errorf("scanning session row: %w", err)
		}

		info.LastActivity, err = time.Parse(time.RFC3339, lastActivityStr)
		if err != nil {
			return nil, fmt.Errorf("parsing session last activity: %w", err)
		}

		sessions = append(sessions, &info)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating session rows: %w", err)
	}

	return sessions, nil
}

// Ensure SQLiteStore implements Store interface
var _ Store = (*SQLiteStore)(nil)
