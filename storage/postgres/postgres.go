// Package postgres implements agentworld.Storage on PostgreSQL. The Store
// accepts an externally-owned *pgxpool.Pool via constructor injection; the
// caller creates and closes the pool. Call Init before first use; every
// schema statement is idempotent.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/agentworld/agentworld"
)

// Store implements agentworld.Storage backed by PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

var _ agentworld.Storage = (*Store)(nil)

// New creates a Store using an existing pgxpool.Pool.
// The caller owns the pool and is responsible for closing it.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close is a no-op. The caller owns the pool and manages its lifecycle.
func (s *Store) Close() error { return nil }

// Init creates all required tables and indexes.
// Safe to call multiple times (all statements are idempotent).
func (s *Store) Init(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS worlds (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			turn_limit INTEGER NOT NULL DEFAULT 5,
			current_chat_id TEXT NOT NULL DEFAULT '',
			chat_llm_provider TEXT NOT NULL DEFAULT '',
			chat_llm_model TEXT NOT NULL DEFAULT '',
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS agents (
			world_id TEXT NOT NULL REFERENCES worlds(id) ON DELETE CASCADE,
			id TEXT NOT NULL,
			name TEXT NOT NULL,
			type TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'active',
			provider TEXT NOT NULL DEFAULT '',
			model TEXT NOT NULL DEFAULT '',
			system_prompt TEXT NOT NULL DEFAULT '',
			temperature DOUBLE PRECISION NOT NULL DEFAULT 0,
			max_tokens INTEGER NOT NULL DEFAULT 0,
			api_key TEXT NOT NULL DEFAULT '',
			base_url TEXT NOT NULL DEFAULT '',
			azure_endpoint TEXT NOT NULL DEFAULT '',
			azure_api_version TEXT NOT NULL DEFAULT '',
			azure_deployment TEXT NOT NULL DEFAULT '',
			ollama_base_url TEXT NOT NULL DEFAULT '',
			llm_call_count INTEGER NOT NULL DEFAULT 0,
			last_llm_call BIGINT,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL,
			PRIMARY KEY (world_id, id)
		)`,

		`CREATE TABLE IF NOT EXISTS agent_memory (
			world_id TEXT NOT NULL,
			agent_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			role TEXT NOT NULL CHECK (role IN ('system','user','assistant','tool')),
			content TEXT NOT NULL,
			sender TEXT NOT NULL DEFAULT '',
			tool_call_id TEXT NOT NULL DEFAULT '',
			tool_calls JSONB,
			chat_id TEXT NOT NULL DEFAULT '',
			message_id TEXT NOT NULL DEFAULT '',
			reply_to_message_id TEXT NOT NULL DEFAULT '',
			created_at BIGINT NOT NULL,
			PRIMARY KEY (world_id, agent_id, seq),
			FOREIGN KEY (world_id, agent_id) REFERENCES agents(world_id, id) ON DELETE CASCADE
		)`,

		`CREATE TABLE IF NOT EXISTS chats (
			world_id TEXT NOT NULL REFERENCES worlds(id) ON DELETE CASCADE,
			id TEXT NOT NULL,
			name TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			message_count INTEGER NOT NULL DEFAULT 0,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL,
			PRIMARY KEY (world_id, id)
		)`,

		`CREATE TABLE IF NOT EXISTS chat_messages (
			seq BIGSERIAL PRIMARY KEY,
			world_id TEXT NOT NULL,
			chat_id TEXT NOT NULL,
			role TEXT NOT NULL CHECK (role IN ('system','user','assistant','tool')),
			content TEXT NOT NULL,
			sender TEXT NOT NULL DEFAULT '',
			tool_call_id TEXT NOT NULL DEFAULT '',
			tool_calls JSONB,
			message_id TEXT NOT NULL DEFAULT '',
			reply_to_message_id TEXT NOT NULL DEFAULT '',
			created_at BIGINT NOT NULL,
			FOREIGN KEY (world_id, chat_id) REFERENCES chats(world_id, id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_chat_messages_chat
			ON chat_messages(world_id, chat_id, seq)`,

		`CREATE TABLE IF NOT EXISTS world_chat_snapshots (
			world_id TEXT NOT NULL,
			chat_id TEXT NOT NULL,
			snapshot JSONB NOT NULL,
			created_at BIGINT NOT NULL,
			PRIMARY KEY (world_id, chat_id),
			FOREIGN KEY (world_id, chat_id) REFERENCES chats(world_id, id) ON DELETE CASCADE
		)`,

		`CREATE TABLE IF NOT EXISTS memory_archives (
			id TEXT PRIMARY KEY,
			world_id TEXT NOT NULL REFERENCES worlds(id) ON DELETE CASCADE,
			agent_id TEXT NOT NULL,
			session_name TEXT NOT NULL DEFAULT '',
			reason TEXT NOT NULL DEFAULT '',
			message_count INTEGER NOT NULL DEFAULT 0,
			start_time BIGINT NOT NULL DEFAULT 0,
			end_time BIGINT NOT NULL DEFAULT 0,
			participants JSONB NOT NULL DEFAULT '[]',
			tags JSONB NOT NULL DEFAULT '[]',
			summary TEXT NOT NULL DEFAULT '',
			created_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_memory_archives_agent
			ON memory_archives(world_id, agent_id, created_at)`,

		`CREATE TABLE IF NOT EXISTS archived_messages (
			archive_id TEXT NOT NULL REFERENCES memory_archives(id) ON DELETE CASCADE,
			seq INTEGER NOT NULL,
			role TEXT NOT NULL CHECK (role IN ('system','user','assistant','tool')),
			content TEXT NOT NULL,
			sender TEXT NOT NULL DEFAULT '',
			tool_call_id TEXT NOT NULL DEFAULT '',
			tool_calls JSONB,
			chat_id TEXT NOT NULL DEFAULT '',
			message_id TEXT NOT NULL DEFAULT '',
			reply_to_message_id TEXT NOT NULL DEFAULT '',
			created_at BIGINT NOT NULL,
			PRIMARY KEY (archive_id, seq)
		)`,

		`CREATE TABLE IF NOT EXISTS archive_statistics (
			archive_id TEXT PRIMARY KEY REFERENCES memory_archives(id) ON DELETE CASCADE,
			total_chars INTEGER NOT NULL DEFAULT 0,
			user_messages INTEGER NOT NULL DEFAULT 0,
			assistant_messages INTEGER NOT NULL DEFAULT 0,
			tool_messages INTEGER NOT NULL DEFAULT 0,
			system_messages INTEGER NOT NULL DEFAULT 0
		)`,
	}

	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres: init: %w", err)
		}
	}
	return nil
}

// --- Column codecs ---

// millis flattens a time to unix milliseconds; zero stays zero.
func millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

// fromMillis expands unix milliseconds; zero stays the zero time.
func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

// encodeToolCalls renders tool calls for a nullable JSONB column; an empty
// list collapses to NULL.
func encodeToolCalls(calls []agentworld.ToolCall) (*string, error) {
	if len(calls) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(calls)
	if err != nil {
		return nil, err
	}
	v := string(data)
	return &v, nil
}

// encodeStrings renders a string list for a JSONB array column.
func encodeStrings(items []string) (string, error) {
	if len(items) == 0 {
		return "[]", nil
	}
	data, err := json.Marshal(items)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func decodeStrings(col []byte) ([]string, error) {
	if len(col) == 0 {
		return nil, nil
	}
	var out []string
	if err := json.Unmarshal(col, &out); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, nil
	}
	return out, nil
}

// --- Worlds ---

const worldColumns = `id, name, description, turn_limit, current_chat_id,
	chat_llm_provider, chat_llm_model, created_at, updated_at`

// SaveWorld upserts the world row.
func (s *Store) SaveWorld(ctx context.Context, w *agentworld.World) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO worlds (id, name, description, turn_limit, current_chat_id,
			chat_llm_provider, chat_llm_model, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (id) DO UPDATE SET
		   name = EXCLUDED.name,
		   description = EXCLUDED.description,
		   turn_limit = EXCLUDED.turn_limit,
		   current_chat_id = EXCLUDED.current_chat_id,
		   chat_llm_provider = EXCLUDED.chat_llm_provider,
		   chat_llm_model = EXCLUDED.chat_llm_model,
		   updated_at = EXCLUDED.updated_at`,
		w.ID, w.Name, w.Description, w.TurnLimit, w.CurrentChatID,
		string(w.ChatLLMProvider), w.ChatLLMModel, millis(w.CreatedAt), millis(w.UpdatedAt))
	if err != nil {
		return fmt.Errorf("postgres: save world: %w", err)
	}
	return nil
}

// scanWorld reads one world row via any Scan-shaped function.
func scanWorld(scan func(dest ...any) error) (*agentworld.World, error) {
	var w agentworld.World
	var provider string
	var created, updated int64
	err := scan(&w.ID, &w.Name, &w.Description, &w.TurnLimit, &w.CurrentChatID,
		&provider, &w.ChatLLMModel, &created, &updated)
	if err != nil {
		return nil, err
	}
	w.ChatLLMProvider = agentworld.LLMProvider(provider)
	w.CreatedAt = fromMillis(created)
	w.UpdatedAt = fromMillis(updated)
	return &w, nil
}

// LoadWorld reads one world row.
func (s *Store) LoadWorld(ctx context.Context, worldID string) (*agentworld.World, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+worldColumns+` FROM worlds WHERE id = $1`, worldID)
	w, err := scanWorld(row.Scan)
	if err == pgx.ErrNoRows {
		return nil, fmt.Errorf("postgres: world %s: %w", worldID, agentworld.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: load world: %w", err)
	}
	return w, nil
}

// DeleteWorld removes the world row; foreign keys cascade to agents,
// memory, chats, and archives.
func (s *Store) DeleteWorld(ctx context.Context, worldID string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM worlds WHERE id = $1`, worldID)
	if err != nil {
		return fmt.Errorf("postgres: delete world: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: world %s: %w", worldID, agentworld.ErrNotFound)
	}
	return nil
}

// ListWorlds returns all worlds ordered by id.
func (s *Store) ListWorlds(ctx context.Context) ([]*agentworld.World, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+worldColumns+` FROM worlds ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list worlds: %w", err)
	}
	defer rows.Close()

	var out []*agentworld.World
	for rows.Next() {
		w, err := scanWorld(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan world: %w", err)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}
