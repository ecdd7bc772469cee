package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

// SessionMessage is one conversational message retained for history replay.
type SessionMessage struct {
	ID        string          `json:"id"`
	SessionID string          `json:"sessionId"`
	Role      string          `json:"role"` // user | assistant | system
	Content   json.RawMessage `json:"content"`
	CreatedAt time.Time       `json:"createdAt"`
}

// MessageStore persists session message history in SQLite.
type MessageStore struct {
	db *sqlx.DB
}

// NewMessageStore opens (or creates) the message database at path and
// initializes the schema.
func NewMessageStore(path string) (*MessageStore, error) {
	db, err := sqlx.Connect("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open message db: %w", err)
	}
	s := &MessageStore{db: db}
	if err := s.initSchema(); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("close database after schema error: %w", closeErr)
		}
		return nil, fmt.Errorf("initialize message schema: %w", err)
	}
	return s, nil
}

func (s *MessageStore) Close() error {
	return s.db.Close()
}

func (s *MessageStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS session_messages (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_session_messages_session
		ON session_messages (session_id, created_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// AddMessage appends one message to a session's history.
func (s *MessageStore) AddMessage(ctx context.Context, sessionID, role string, content json.RawMessage) (*SessionMessage, error) {
	if !json.Valid(content) {
		return nil, fmt.Errorf("invalid message content json")
	}
	msg := &SessionMessage{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		Role:      role,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO session_messages (id, session_id, role, content, created_at)
		VALUES (?, ?, ?, ?, ?)
	`), msg.ID, msg.SessionID, msg.Role, string(msg.Content), msg.CreatedAt)
	if err != nil {
		return nil, err
	}
	return msg, nil
}

// Messages returns a session's history in insertion order.
func (s *MessageStore) Messages(ctx context.Context, sessionID string) ([]*SessionMessage, error) {
	rows, err := s.db.QueryContext(ctx, s.db.Rebind(`
		SELECT id, session_id, role, content, created_at
		FROM session_messages
		WHERE session_id = ?
		ORDER BY created_at ASC, rowid ASC
	`), sessionID)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = rows.Close()
	}()

	var out []*SessionMessage
	for rows.Next() {
		msg := &SessionMessage{}
		var content string
		if err := rows.Scan(&msg.ID, &msg.SessionID, &msg.Role, &content, &msg.CreatedAt); err != nil {
			return nil, err
		}
		msg.Content = json.RawMessage(content)
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// DeleteSessionMessages removes a session's entire history.
func (s *MessageStore) DeleteSessionMessages(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		DELETE FROM session_messages WHERE session_id = ?
	`), sessionID)
	return err
}
