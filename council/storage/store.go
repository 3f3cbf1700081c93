// Copyright 2025 Conclave
// SPDX-License-Identifier: Apache-2.0

// Package storage persists conversations and their deliberation turns in
// PostgreSQL. Assistant turns are stored as JSONB stage blobs keyed by
// (conversation_id, idx) so partial stage writes never rewrite the whole
// turn history.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"conclave/platform/council/deliberation"
)

// ErrNotFound is returned when a conversation or message does not exist.
var ErrNotFound = errors.New("not found")

// Conversation is the stored conversation header.
type Conversation struct {
	ID        string              `json:"id"`
	Title     string              `json:"title"`
	Config    deliberation.Config `json:"config"`
	CreatedAt time.Time           `json:"created_at"`
}

// Summary is a conversation list entry.
type Summary struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	CreatedAt    time.Time `json:"created_at"`
	MessageCount int       `json:"message_count"`
}

// MessageRecord is one stored message. User messages carry Content; assistant
// messages carry a Turn.
type MessageRecord struct {
	Index   int                `json:"index"`
	Role    string             `json:"role"`
	Content string             `json:"content,omitempty"`
	Turn    *deliberation.Turn `json:"turn,omitempty"`
}

// Store is the PostgreSQL-backed persistence layer. It satisfies
// deliberation.TurnStore.
type Store struct {
	db *sql.DB
}

// Open connects to PostgreSQL and verifies the connection.
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	return db, nil
}

// New creates a store over an existing database handle.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Migrate creates the schema if it does not exist.
func (s *Store) Migrate(ctx context.Context) error {
	schema := `
		CREATE TABLE IF NOT EXISTS conversations (
			id          TEXT PRIMARY KEY,
			title       TEXT NOT NULL,
			config      JSONB NOT NULL,
			created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE TABLE IF NOT EXISTS messages (
			conversation_id  TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
			idx              INTEGER NOT NULL,
			role             TEXT NOT NULL,
			content          TEXT,
			stage1           JSONB,
			stage2           JSONB,
			stage3           JSONB,
			metadata         JSONB,
			paused           BOOLEAN NOT NULL DEFAULT FALSE,
			paused_stage     TEXT NOT NULL DEFAULT '',
			created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (conversation_id, idx)
		);
	`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrating schema: %w", err)
	}
	return nil
}

// CreateConversation inserts a new conversation with the default title.
func (s *Store) CreateConversation(ctx context.Context, cfg deliberation.Config) (*Conversation, error) {
	configJSON, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("marshaling config: %w", err)
	}

	conv := &Conversation{
		ID:     uuid.New().String(),
		Title:  "New Conversation",
		Config: cfg,
	}

	query := `
		INSERT INTO conversations (id, title, config)
		VALUES ($1, $2, $3)
		RETURNING created_at
	`
	if err := s.db.QueryRowContext(ctx, query, conv.ID, conv.Title, configJSON).Scan(&conv.CreatedAt); err != nil {
		return nil, fmt.Errorf("creating conversation: %w", err)
	}
	return conv, nil
}

// GetConversation returns a conversation header with its full message list in
// index order.
func (s *Store) GetConversation(ctx context.Context, id string) (*Conversation, []MessageRecord, error) {
	conv, err := s.getHeader(ctx, id)
	if err != nil {
		return nil, nil, err
	}

	query := `
		SELECT idx, role, content, stage1, stage2, stage3, metadata, paused, paused_stage
		FROM messages
		WHERE conversation_id = $1
		ORDER BY idx
	`
	rows, err := s.db.QueryContext(ctx, query, id)
	if err != nil {
		return nil, nil, fmt.Errorf("listing messages: %w", err)
	}
	defer rows.Close()

	var messages []MessageRecord
	for rows.Next() {
		record, err := scanMessage(rows)
		if err != nil {
			return nil, nil, err
		}
		messages = append(messages, record)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterating messages: %w", err)
	}
	return conv, messages, nil
}

func (s *Store) getHeader(ctx context.Context, id string) (*Conversation, error) {
	var conv Conversation
	var configJSON []byte
	query := `SELECT id, title, config, created_at FROM conversations WHERE id = $1`
	err := s.db.QueryRowContext(ctx, query, id).Scan(&conv.ID, &conv.Title, &configJSON, &conv.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("getting conversation: %w", err)
	}
	if err := json.Unmarshal(configJSON, &conv.Config); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	return &conv, nil
}

// ListConversations returns all conversation summaries, newest first.
func (s *Store) ListConversations(ctx context.Context) ([]Summary, error) {
	query := `
		SELECT c.id, c.title, c.created_at, COUNT(m.idx)
		FROM conversations c
		LEFT JOIN messages m ON m.conversation_id = c.id
		GROUP BY c.id, c.title, c.created_at
		ORDER BY c.created_at DESC
	`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("listing conversations: %w", err)
	}
	defer rows.Close()

	summaries := []Summary{}
	for rows.Next() {
		var sum Summary
		if err := rows.Scan(&sum.ID, &sum.Title, &sum.CreatedAt, &sum.MessageCount); err != nil {
			return nil, fmt.Errorf("scanning conversation: %w", err)
		}
		summaries = append(summaries, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating conversations: %w", err)
	}
	return summaries, nil
}

// DeleteConversation removes a conversation and its messages.
func (s *Store) DeleteConversation(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM conversations WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deleting conversation: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("deleting conversation: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateConversationTitle sets the conversation title.
func (s *Store) UpdateConversationTitle(ctx context.Context, id, title string) error {
	result, err := s.db.ExecContext(ctx, `UPDATE conversations SET title = $1 WHERE id = $2`, title, id)
	if err != nil {
		return fmt.Errorf("updating title: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("updating title: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateConversationConfig replaces the council configuration. Existing turns
// keep the results they were produced with.
func (s *Store) UpdateConversationConfig(ctx context.Context, id string, cfg deliberation.Config) error {
	configJSON, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	result, err := s.db.ExecContext(ctx, `UPDATE conversations SET config = $1 WHERE id = $2`, configJSON, id)
	if err != nil {
		return fmt.Errorf("updating config: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("updating config: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// AddUserMessage appends a user message and returns the index its assistant
// turn will occupy (the next index after the user message).
func (s *Store) AddUserMessage(ctx context.Context, conversationID, content string) (int, error) {
	query := `
		INSERT INTO messages (conversation_id, idx, role, content)
		SELECT $1, COALESCE(MAX(idx) + 1, 0), 'user', $2
		FROM messages WHERE conversation_id = $1
		RETURNING idx
	`
	var idx int
	if err := s.db.QueryRowContext(ctx, query, conversationID, content).Scan(&idx); err != nil {
		return 0, fmt.Errorf("adding user message: %w", err)
	}
	return idx + 1, nil
}

// UpdateUserMessage replaces the content of an existing user message.
func (s *Store) UpdateUserMessage(ctx context.Context, conversationID string, index int, content string) error {
	query := `
		UPDATE messages SET content = $1
		WHERE conversation_id = $2 AND idx = $3 AND role = 'user'
	`
	result, err := s.db.ExecContext(ctx, query, content, conversationID, index)
	if err != nil {
		return fmt.Errorf("updating user message: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("updating user message: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// GetTurn implements deliberation.TurnStore. A missing turn is (nil, nil).
func (s *Store) GetTurn(ctx context.Context, conversationID string, index int) (*deliberation.Turn, error) {
	query := `
		SELECT idx, role, content, stage1, stage2, stage3, metadata, paused, paused_stage
		FROM messages
		WHERE conversation_id = $1 AND idx = $2 AND role = 'assistant'
	`
	rows, err := s.db.QueryContext(ctx, query, conversationID, index)
	if err != nil {
		return nil, fmt.Errorf("getting turn: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	record, err := scanMessage(rows)
	if err != nil {
		return nil, err
	}
	return record.Turn, nil
}

// PrecedingUserMessage implements deliberation.TurnStore: the user query at
// index-1.
func (s *Store) PrecedingUserMessage(ctx context.Context, conversationID string, index int) (string, error) {
	query := `
		SELECT content FROM messages
		WHERE conversation_id = $1 AND idx = $2 AND role = 'user'
	`
	var content sql.NullString
	err := s.db.QueryRowContext(ctx, query, conversationID, index-1).Scan(&content)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("no user message precedes turn %d: %w", index, ErrNotFound)
		}
		return "", fmt.Errorf("getting user message: %w", err)
	}
	return content.String, nil
}

// AppendOrUpdateTurn implements deliberation.TurnStore. Nil update fields map
// to SQL NULL and leave the stored column untouched via COALESCE.
func (s *Store) AppendOrUpdateTurn(ctx context.Context, conversationID string, index int, update deliberation.TurnUpdate) error {
	stage1, err := marshalOrNil(update.Stage1)
	if err != nil {
		return err
	}
	stage2, err := marshalOrNil(update.Stage2)
	if err != nil {
		return err
	}
	stage3, err := marshalOrNil(update.Stage3)
	if err != nil {
		return err
	}
	metadata, err := marshalOrNil(update.Metadata)
	if err != nil {
		return err
	}

	var paused interface{}
	if update.Paused != nil {
		paused = *update.Paused
	}
	var pausedStage interface{}
	if update.PausedStage != nil {
		pausedStage = string(*update.PausedStage)
	}

	query := `
		INSERT INTO messages (
			conversation_id, idx, role, stage1, stage2, stage3, metadata, paused, paused_stage
		) VALUES (
			$1, $2, 'assistant', $3, $4, $5, $6, COALESCE($7, FALSE), COALESCE($8, '')
		)
		ON CONFLICT (conversation_id, idx) DO UPDATE SET
			stage1       = COALESCE(EXCLUDED.stage1, messages.stage1),
			stage2       = COALESCE(EXCLUDED.stage2, messages.stage2),
			stage3       = COALESCE(EXCLUDED.stage3, messages.stage3),
			metadata     = COALESCE(EXCLUDED.metadata, messages.metadata),
			paused       = COALESCE($7, messages.paused),
			paused_stage = COALESCE($8, messages.paused_stage)
	`
	if _, err := s.db.ExecContext(ctx, query,
		conversationID, index, stage1, stage2, stage3, metadata, paused, pausedStage,
	); err != nil {
		return fmt.Errorf("writing turn: %w", err)
	}
	return nil
}

// marshalOrNil marshals v unless it is a nil slice/pointer, in which case it
// yields SQL NULL.
func marshalOrNil(v interface{}) (interface{}, error) {
	switch val := v.(type) {
	case []deliberation.Stage1Result:
		if val == nil {
			return nil, nil
		}
	case []deliberation.Stage2Result:
		if val == nil {
			return nil, nil
		}
	case *deliberation.Stage3Result:
		if val == nil {
			return nil, nil
		}
	case *deliberation.Metadata:
		if val == nil {
			return nil, nil
		}
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshaling turn data: %w", err)
	}
	return raw, nil
}

// scanMessage reads one messages row into a MessageRecord.
func scanMessage(rows *sql.Rows) (MessageRecord, error) {
	var record MessageRecord
	var content sql.NullString
	var stage1, stage2, stage3, metadata []byte
	var paused bool
	var pausedStage string

	if err := rows.Scan(
		&record.Index, &record.Role, &content,
		&stage1, &stage2, &stage3, &metadata,
		&paused, &pausedStage,
	); err != nil {
		return record, fmt.Errorf("scanning message: %w", err)
	}
	record.Content = content.String

	if record.Role != "assistant" {
		return record, nil
	}

	turn := &deliberation.Turn{
		Paused:      paused,
		PausedStage: deliberation.PausedStage(pausedStage),
	}
	if stage1 != nil {
		if err := json.Unmarshal(stage1, &turn.Stage1); err != nil {
			return record, fmt.Errorf("unmarshaling stage1: %w", err)
		}
	}
	if stage2 != nil {
		if err := json.Unmarshal(stage2, &turn.Stage2); err != nil {
			return record, fmt.Errorf("unmarshaling stage2: %w", err)
		}
	}
	if stage3 != nil {
		if err := json.Unmarshal(stage3, &turn.Stage3); err != nil {
			return record, fmt.Errorf("unmarshaling stage3: %w", err)
		}
	}
	if metadata != nil {
		if err := json.Unmarshal(metadata, &turn.Metadata); err != nil {
			return record, fmt.Errorf("unmarshaling metadata: %w", err)
		}
	}
	record.Turn = turn
	return record, nil
}
