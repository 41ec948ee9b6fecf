// Package sqlite is a local, file-backed implementation of the conversation
// store and inbound queue. It exists so the processor can run without AWS,
// for development and offline testing; the semantics mirror the DynamoDB
// repository exactly.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"chat-relay/internal/domain"
)

// Store wraps a SQLite database holding conversations, turns, and the
// inbound queue.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at path, ensuring the parent
// directory exists and the schema is in place.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("sqlite: create db directory %s: %w", dir, err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("sqlite: open db at %s: %w", path, err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: ping db at %s: %w", path, err)
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func initSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			sender_id TEXT NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			is_active INTEGER NOT NULL DEFAULT 1,
			token_count INTEGER NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_conversations_sender_active ON conversations(sender_id, is_active);

		CREATE TABLE IF NOT EXISTS turns (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			conversation_id TEXT NOT NULL REFERENCES conversations(id),
			content TEXT NOT NULL,
			role TEXT NOT NULL,
			timestamp INTEGER NOT NULL,
			tier TEXT NOT NULL DEFAULT '',
			tokens INTEGER NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_turns_conversation ON turns(conversation_id, id);

		CREATE TABLE IF NOT EXISTS queue (
			id TEXT PRIMARY KEY,
			sender_id TEXT NOT NULL,
			body TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			retry_count INTEGER NOT NULL DEFAULT 0,
			last_error TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_queue_status_created ON queue(status, created_at);
	`)
	if err != nil {
		return fmt.Errorf("sqlite: init schema: %w", err)
	}
	return nil
}

var newConversationID = func() string {
	return uuid.NewString()
}

// ActiveConversation returns the sender's active conversation with its most
// recent turnLimit turns in chronological order, or nil when none exists.
func (s *Store) ActiveConversation(ctx context.Context, senderID string, turnLimit int) (*domain.Conversation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, sender_id, title, created_at, updated_at, token_count
		FROM conversations
		WHERE sender_id = ? AND is_active = 1
		LIMIT 1`, senderID)

	var conv domain.Conversation
	var createdAt, updatedAt int64
	err := row.Scan(&conv.ID, &conv.SenderID, &conv.Title, &createdAt, &updatedAt, &conv.TokenCount)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: ActiveConversation: %w", err)
	}
	conv.IsActive = true
	conv.CreatedAt = time.Unix(0, createdAt)
	conv.UpdatedAt = time.Unix(0, updatedAt)

	turns, err := s.recentTurns(ctx, conv.ID, turnLimit)
	if err != nil {
		return nil, err
	}
	conv.Turns = turns
	return &conv, nil
}

// CreateConversation starts a new active conversation for the sender; the
// previous one is deactivated in the same transaction.
func (s *Store) CreateConversation(ctx context.Context, senderID, title string) (domain.Conversation, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Conversation{}, fmt.Errorf("sqlite: CreateConversation begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx, `
		UPDATE conversations SET is_active = 0, updated_at = ? WHERE sender_id = ? AND is_active = 1`,
		now.UnixNano(), senderID); err != nil {
		return domain.Conversation{}, fmt.Errorf("sqlite: CreateConversation deactivate: %w", err)
	}

	conv := domain.Conversation{
		ID:        newConversationID(),
		SenderID:  senderID,
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
		IsActive:  true,
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO conversations (id, sender_id, title, created_at, updated_at, is_active, token_count)
		VALUES (?, ?, ?, ?, ?, 1, 0)`,
		conv.ID, senderID, title, now.UnixNano(), now.UnixNano()); err != nil {
		return domain.Conversation{}, fmt.Errorf("sqlite: CreateConversation insert: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return domain.Conversation{}, fmt.Errorf("sqlite: CreateConversation commit: %w", err)
	}
	return conv, nil
}

// AppendTurn appends one turn and touches the conversation's updated_at.
func (s *Store) AppendTurn(ctx context.Context, conversationID string, turn domain.Turn) error {
	ts := turn.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: AppendTurn begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO turns (conversation_id, content, role, timestamp, tier, tokens)
		VALUES (?, ?, ?, ?, ?, ?)`,
		conversationID, turn.Content, turn.Role, ts.UnixNano(), string(turn.Tier), turn.Tokens); err != nil {
		return fmt.Errorf("sqlite: AppendTurn insert: %w", err)
	}

	res, err := tx.ExecContext(ctx, `UPDATE conversations SET updated_at = ? WHERE id = ?`,
		time.Now().UnixNano(), conversationID)
	if err != nil {
		return fmt.Errorf("sqlite: AppendTurn touch: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("sqlite: AppendTurn: conversation %s not found", conversationID)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: AppendTurn commit: %w", err)
	}
	return nil
}

// AddTokens increments the conversation's running token total.
func (s *Store) AddTokens(ctx context.Context, conversationID string, tokens int) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE conversations SET token_count = token_count + ?, updated_at = ? WHERE id = ?`,
		tokens, time.Now().UnixNano(), conversationID)
	if err != nil {
		return fmt.Errorf("sqlite: AddTokens: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("sqlite: AddTokens: conversation %s not found", conversationID)
	}
	return nil
}

func (s *Store) recentTurns(ctx context.Context, conversationID string, limit int) ([]domain.Turn, error) {
	query := `
		SELECT content, role, timestamp, tier, tokens
		FROM (
			SELECT id, content, role, timestamp, tier, tokens
			FROM turns WHERE conversation_id = ?
			ORDER BY id DESC LIMIT ?
		) ORDER BY id ASC`
	if limit <= 0 {
		limit = -1 // SQLite treats negative LIMIT as no limit
	}

	rows, err := s.db.QueryContext(ctx, query, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite: recent turns: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var turns []domain.Turn
	for rows.Next() {
		var t domain.Turn
		var ts int64
		var tier string
		if err := rows.Scan(&t.Content, &t.Role, &ts, &tier, &t.Tokens); err != nil {
			return nil, fmt.Errorf("sqlite: recent turns scan: %w", err)
		}
		t.Timestamp = time.Unix(0, ts)
		t.Tier = domain.Tier(tier)
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: recent turns rows: %w", err)
	}
	return turns, nil
}
