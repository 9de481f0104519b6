// Package store persists conversations and their steps in SQLite.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // pure Go SQLite driver, no CGO

	"github.com/pipali/pipali/internal/logging"
	"github.com/pipali/pipali/internal/protocol"
	"github.com/pipali/pipali/internal/store/migrations"
)

// Conversation is a stored conversation row. The ordered step list and
// the at-most-one-active-run rule live in the coordinator; the store
// only owns durable history.
type Conversation struct {
	ID              string    `json:"id"`
	Title           string    `json:"title"`
	SourceID        string    `json:"sourceId,omitempty"` // set for forked conversations
	LatestReasoning string    `json:"latestReasoning,omitempty"`
	StepCount       int       `json:"stepCount"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// Store wraps the SQLite connection.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path, runs
// migrations, and returns a Store.
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite doesn't handle concurrent writers well; serialize all
	// access through a single connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if err := migrations.Run(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	logging.Infof("[store] database ready at %s", path)
	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateConversation inserts a new conversation. id may be empty, in
// which case one is minted.
func (s *Store) CreateConversation(ctx context.Context, id, title, sourceID string) (*Conversation, error) {
	if id == "" {
		id = uuid.New().String()
	}
	now := time.Now()
	var src sql.NullString
	if sourceID != "" {
		src = sql.NullString{String: sourceID, Valid: true}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (id, title, source_id, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		id, title, src, now.Unix(), now.Unix(),
	)
	if err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}
	return &Conversation{ID: id, Title: title, SourceID: sourceID, CreatedAt: now, UpdatedAt: now}, nil
}

// GetConversation loads a conversation by id.
func (s *Store) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	var c Conversation
	var src sql.NullString
	var createdAt, updatedAt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id, title, source_id, latest_reasoning, step_count, created_at, updated_at FROM conversations WHERE id = ?`,
		id,
	).Scan(&c.ID, &c.Title, &src, &c.LatestReasoning, &c.StepCount, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	c.SourceID = src.String
	c.CreatedAt = time.Unix(createdAt, 0)
	c.UpdatedAt = time.Unix(updatedAt, 0)
	return &c, nil
}

// ListConversations returns all conversations, most recently updated
// first.
func (s *Store) ListConversations(ctx context.Context) ([]Conversation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, title, source_id, latest_reasoning, step_count, created_at, updated_at FROM conversations ORDER BY updated_at DESC`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Conversation
	for rows.Next() {
		var c Conversation
		var src sql.NullString
		var createdAt, updatedAt int64
		if err := rows.Scan(&c.ID, &c.Title, &src, &c.LatestReasoning, &c.StepCount, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		c.SourceID = src.String
		c.CreatedAt = time.Unix(createdAt, 0)
		c.UpdatedAt = time.Unix(updatedAt, 0)
		out = append(out, c)
	}
	return out, rows.Err()
}

// AddStep persists a step and returns it with the authoritative stepId
// and timestamp filled in. Callers must await this before emitting the
// corresponding protocol event: durability precedes acknowledgment.
func (s *Store) AddStep(ctx context.Context, conversationID string, step protocol.Step) (protocol.Step, error) {
	step.StepID = uuid.New().String()
	step.CreatedAt = time.Now()

	thoughts, err := marshalNullable(step.Thoughts)
	if err != nil {
		return protocol.Step{}, err
	}
	toolCalls, err := marshalNullable(step.ToolCalls)
	if err != nil {
		return protocol.Step{}, err
	}
	toolResults, err := marshalNullable(step.ToolResults)
	if err != nil {
		return protocol.Step{}, err
	}
	var metrics sql.NullString
	if step.Metrics != nil {
		b, err := json.Marshal(step.Metrics)
		if err != nil {
			return protocol.Step{}, err
		}
		metrics = sql.NullString{String: string(b), Valid: true}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return protocol.Step{}, err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO steps (id, conversation_id, source, content, thoughts, tool_calls, tool_results, metrics, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		step.StepID, conversationID, step.Source, step.Content, thoughts, toolCalls, toolResults, metrics, step.CreatedAt.Unix(),
	)
	if err != nil {
		return protocol.Step{}, fmt.Errorf("append step: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE conversations SET updated_at = ?, step_count = step_count + 1 WHERE id = ?`,
		step.CreatedAt.Unix(), conversationID,
	)
	if err != nil {
		return protocol.Step{}, fmt.Errorf("touch conversation: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return protocol.Step{}, err
	}
	return step, nil
}

// Steps returns a conversation's steps in append order.
func (s *Store) Steps(ctx context.Context, conversationID string) ([]protocol.Step, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, source, content, thoughts, tool_calls, tool_results, metrics, created_at
		 FROM steps WHERE conversation_id = ? ORDER BY seq ASC`,
		conversationID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []protocol.Step
	for rows.Next() {
		var step protocol.Step
		var thoughts, toolCalls, toolResults, metrics sql.NullString
		var createdAt int64
		if err := rows.Scan(&step.StepID, &step.Source, &step.Content, &thoughts, &toolCalls, &toolResults, &metrics, &createdAt); err != nil {
			return nil, err
		}
		step.CreatedAt = time.Unix(createdAt, 0)
		if thoughts.Valid {
			if err := json.Unmarshal([]byte(thoughts.String), &step.Thoughts); err != nil {
				return nil, fmt.Errorf("decode thoughts for step %s: %w", step.StepID, err)
			}
		}
		if toolCalls.Valid {
			if err := json.Unmarshal([]byte(toolCalls.String), &step.ToolCalls); err != nil {
				return nil, fmt.Errorf("decode tool calls for step %s: %w", step.StepID, err)
			}
		}
		if toolResults.Valid {
			if err := json.Unmarshal([]byte(toolResults.String), &step.ToolResults); err != nil {
				return nil, fmt.Errorf("decode tool results for step %s: %w", step.StepID, err)
			}
		}
		if metrics.Valid {
			var m protocol.Metrics
			if err := json.Unmarshal([]byte(metrics.String), &m); err != nil {
				return nil, fmt.Errorf("decode metrics for step %s: %w", step.StepID, err)
			}
			step.Metrics = &m
		}
		out = append(out, step)
	}
	return out, rows.Err()
}

// SetLatestReasoning caches the newest reasoning summary string on the
// conversation.
func (s *Store) SetLatestReasoning(ctx context.Context, conversationID, reasoning string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET latest_reasoning = ? WHERE id = ?`,
		reasoning, conversationID,
	)
	return err
}

// DeleteConversation removes a conversation and its steps (cascade).
func (s *Store) DeleteConversation(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, id)
	return err
}

func marshalNullable(v any) (sql.NullString, error) {
	switch x := v.(type) {
	case []protocol.Thought:
		if len(x) == 0 {
			return sql.NullString{}, nil
		}
	case []protocol.ToolCall:
		if len(x) == 0 {
			return sql.NullString{}, nil
		}
	case []protocol.ToolResult:
		if len(x) == 0 {
			return sql.NullString{}, nil
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}
