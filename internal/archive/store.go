// Package archive persists finished chat messages to SQLite for
// transcript export. The archive is append-only and independent of the
// in-memory session registry: sessions come and go, the archive keeps
// the record.
package archive

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// Message is one archived chat message.
type Message struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Conversation summarizes one archived session.
type Conversation struct {
	SessionID    string    `json:"session_id"`
	Started      time.Time `json:"started"`
	LastMessage  time.Time `json:"last_message"`
	MessageCount int       `json:"message_count"`
}

// Store is an append-only SQLite archive. All public methods are safe
// for concurrent use (SQLite serializes writes).
type Store struct {
	db *sql.DB
}

// NewStore creates an archive store at the given database path. The
// schema is created automatically on first use.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open archive database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate archive schema: %w", err)
	}
	return s, nil
}

// NewStoreWithDB wraps an already-open database handle. The caller
// owns the handle's lifetime; Close is still safe to call.
func NewStoreWithDB(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate archive schema: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS archived_messages (
		id         TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		role       TEXT NOT NULL,
		content    TEXT NOT NULL,
		timestamp  TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_archive_session ON archived_messages(session_id);
	CREATE INDEX IF NOT EXISTS idx_archive_timestamp ON archived_messages(timestamp);
	`
	_, err := s.db.Exec(schema)
	return err
}

// ArchiveMessage appends one message to the archive.
func (s *Store) ArchiveMessage(ctx context.Context, sessionID, role, content string) error {
	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("generate archive record ID: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO archived_messages (id, session_id, role, content, timestamp)
		 VALUES (?, ?, ?, ?, ?)`,
		id.String(),
		sessionID,
		role,
		content,
		time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("insert archived message: %w", err)
	}
	return nil
}

// Messages returns a session's archived messages in chronological
// order.
func (s *Store) Messages(ctx context.Context, sessionID string) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, role, content, timestamp
		 FROM archived_messages
		 WHERE session_id = ?
		 ORDER BY timestamp, id`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("query archived messages: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		var ts string
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &ts); err != nil {
			return nil, fmt.Errorf("scan archived message: %w", err)
		}
		m.Timestamp, _ = time.Parse(time.RFC3339, ts)
		out = append(out, m)
	}
	return out, rows.Err()
}

// Conversations returns per-session summaries, most recent first.
func (s *Store) Conversations(ctx context.Context) ([]Conversation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, MIN(timestamp), MAX(timestamp), COUNT(*)
		 FROM archived_messages
		 GROUP BY session_id
		 ORDER BY MAX(timestamp) DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("query archived conversations: %w", err)
	}
	defer rows.Close()

	var out []Conversation
	for rows.Next() {
		var c Conversation
		var started, last string
		if err := rows.Scan(&c.SessionID, &started, &last, &c.MessageCount); err != nil {
			return nil, fmt.Errorf("scan archived conversation: %w", err)
		}
		c.Started, _ = time.Parse(time.RFC3339, started)
		c.LastMessage, _ = time.Parse(time.RFC3339, last)
		out = append(out, c)
	}
	return out, rows.Err()
}

// DeleteConversation removes a session's archived messages. Returns
// the number of rows removed.
func (s *Store) DeleteConversation(ctx context.Context, sessionID string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM archived_messages WHERE session_id = ?`, sessionID)
	if err != nil {
		return 0, fmt.Errorf("delete archived conversation: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
