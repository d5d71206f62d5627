// Package sqlite implements agentworld.Storage on pure-Go SQLite. Zero
// CGO required. Schema versioning rides on PRAGMA user_version; deletes
// cascade through foreign keys. Call Init before first use.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/agentworld/agentworld"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// schemaVersion is the current PRAGMA user_version.
const schemaVersion = 1

// StoreOption configures a SQLite Store.
type StoreOption func(*Store)

// WithLogger sets a structured logger for the store. When set, the store
// emits debug logs for every operation including timing, row counts, and
// key parameters. If not set, no logs are emitted.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// Store implements agentworld.Storage backed by a local SQLite file.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ agentworld.Storage = (*Store)(nil)

// nopLogger is a logger that discards all output.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// New creates a Store using a local SQLite file at dbPath (":memory:" for
// an in-memory database). It opens a single shared connection with
// SetMaxOpenConns(1) so all goroutines serialize through one connection,
// eliminating SQLITE_BUSY errors from concurrent writers.
func New(dbPath string, opts ...StoreOption) *Store {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		// sql.Open only fails when the driver is not registered; with the
		// blank import above that never happens.
		panic(fmt.Sprintf("sqlite: open driver: %v", err))
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db, logger: nopLogger}
	for _, o := range opts {
		o(s)
	}
	s.logger.Debug("sqlite: store opened", "path", dbPath)
	return s
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

var schema = []string{
	`CREATE TABLE IF NOT EXISTS worlds (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		turn_limit INTEGER NOT NULL DEFAULT 5,
		current_chat_id TEXT NOT NULL DEFAULT '',
		chat_llm_provider TEXT NOT NULL DEFAULT '',
		chat_llm_model TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
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
		temperature REAL NOT NULL DEFAULT 0,
		max_tokens INTEGER NOT NULL DEFAULT 0,
		api_key TEXT NOT NULL DEFAULT '',
		base_url TEXT NOT NULL DEFAULT '',
		azure_endpoint TEXT NOT NULL DEFAULT '',
		azure_api_version TEXT NOT NULL DEFAULT '',
		azure_deployment TEXT NOT NULL DEFAULT '',
		ollama_base_url TEXT NOT NULL DEFAULT '',
		llm_call_count INTEGER NOT NULL DEFAULT 0,
		last_llm_call INTEGER,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
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
		tool_calls TEXT,
		chat_id TEXT NOT NULL DEFAULT '',
		message_id TEXT NOT NULL DEFAULT '',
		reply_to_message_id TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		PRIMARY KEY (world_id, agent_id, seq),
		FOREIGN KEY (world_id, agent_id) REFERENCES agents(world_id, id) ON DELETE CASCADE
	)`,
	`CREATE TABLE IF NOT EXISTS chats (
		world_id TEXT NOT NULL REFERENCES worlds(id) ON DELETE CASCADE,
		id TEXT NOT NULL,
		name TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		message_count INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (world_id, id)
	)`,
	`CREATE TABLE IF NOT EXISTS chat_messages (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		world_id TEXT NOT NULL,
		chat_id TEXT NOT NULL,
		role TEXT NOT NULL CHECK (role IN ('system','user','assistant','tool')),
		content TEXT NOT NULL,
		sender TEXT NOT NULL DEFAULT '',
		tool_call_id TEXT NOT NULL DEFAULT '',
		tool_calls TEXT,
		message_id TEXT NOT NULL DEFAULT '',
		reply_to_message_id TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		FOREIGN KEY (world_id, chat_id) REFERENCES chats(world_id, id) ON DELETE CASCADE
	)`,
	`CREATE INDEX IF NOT EXISTS idx_chat_messages_chat
		ON chat_messages(world_id, chat_id, seq)`,
	`CREATE TABLE IF NOT EXISTS world_chat_snapshots (
		world_id TEXT NOT NULL,
		chat_id TEXT NOT NULL,
		snapshot TEXT NOT NULL,
		created_at INTEGER NOT NULL,
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
		start_time INTEGER NOT NULL DEFAULT 0,
		end_time INTEGER NOT NULL DEFAULT 0,
		participants TEXT NOT NULL DEFAULT '[]',
		tags TEXT NOT NULL DEFAULT '[]',
		summary TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL
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
		tool_calls TEXT,
		chat_id TEXT NOT NULL DEFAULT '',
		message_id TEXT NOT NULL DEFAULT '',
		reply_to_message_id TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
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

// Init enables foreign keys and runs the transactional schema bootstrap:
// read user_version, apply what is missing, stamp the new version. Safe to
// call more than once.
func (s *Store) Init(ctx context.Context) error {
	start := time.Now()
	if _, err := s.db.ExecContext(ctx, `PRAGMA foreign_keys = ON`); err != nil {
		return fmt.Errorf("sqlite: enable foreign keys: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin init: %w", err)
	}
	defer tx.Rollback()

	var version int
	if err := tx.QueryRowContext(ctx, `PRAGMA user_version`).Scan(&version); err != nil {
		return fmt.Errorf("sqlite: read user_version: %w", err)
	}
	if version >= schemaVersion {
		s.logger.Debug("sqlite: schema current", "version", version)
		return tx.Commit()
	}

	for _, ddl := range schema {
		if _, err := tx.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("sqlite: create schema: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`PRAGMA user_version = %d`, schemaVersion)); err != nil {
		return fmt.Errorf("sqlite: set user_version: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: commit init: %w", err)
	}
	s.logger.Debug("sqlite: schema migrated", "from", version, "to", schemaVersion, "duration", time.Since(start))
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

// encodeToolCalls renders tool calls as a nullable TEXT column; an empty
// list collapses to NULL.
func encodeToolCalls(calls []agentworld.ToolCall) (sql.NullString, error) {
	if len(calls) == 0 {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(calls)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

// encodeStrings renders a string list as a JSON array column.
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

func decodeToolCalls(col sql.NullString) ([]agentworld.ToolCall, error) {
	if !col.Valid || col.String == "" {
		return nil, nil
	}
	var calls []agentworld.ToolCall
	if err := json.Unmarshal([]byte(col.String), &calls); err != nil {
		return nil, err
	}
	return calls, nil
}

func decodeStrings(col string) ([]string, error) {
	if col == "" || col == "[]" {
		return nil, nil
	}
	var out []string
	if err := json.Unmarshal([]byte(col), &out); err != nil {
		return nil, err
	}
	return out, nil
}

// --- Worlds ---

// SaveWorld upserts the world row.
func (s *Store) SaveWorld(ctx context.Context, w *agentworld.World) error {
	start := time.Now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO worlds (id, name, description, turn_limit, current_chat_id,
			chat_llm_provider, chat_llm_model, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			turn_limit = excluded.turn_limit,
			current_chat_id = excluded.current_chat_id,
			chat_llm_provider = excluded.chat_llm_provider,
			chat_llm_model = excluded.chat_llm_model,
			updated_at = excluded.updated_at`,
		w.ID, w.Name, w.Description, w.TurnLimit, w.CurrentChatID,
		string(w.ChatLLMProvider), w.ChatLLMModel, millis(w.CreatedAt), millis(w.UpdatedAt))
	if err != nil {
		return fmt.Errorf("sqlite: save world %s: %w", w.ID, err)
	}
	s.logger.Debug("sqlite: world saved", "world", w.ID, "duration", time.Since(start))
	return nil
}

func scanWorld(row *sql.Row) (*agentworld.World, error) {
	var w agentworld.World
	var provider string
	var created, updated int64
	err := row.Scan(&w.ID, &w.Name, &w.Description, &w.TurnLimit, &w.CurrentChatID,
		&provider, &w.ChatLLMModel, &created, &updated)
	if err != nil {
		return nil, err
	}
	w.ChatLLMProvider = agentworld.LLMProvider(provider)
	w.CreatedAt = fromMillis(created)
	w.UpdatedAt = fromMillis(updated)
	return &w, nil
}

const worldColumns = `id, name, description, turn_limit, current_chat_id,
	chat_llm_provider, chat_llm_model, created_at, updated_at`

// LoadWorld reads one world row.
func (s *Store) LoadWorld(ctx context.Context, worldID string) (*agentworld.World, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+worldColumns+` FROM worlds WHERE id = ?`, worldID)
	w, err := scanWorld(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("sqlite: world %s: %w", worldID, agentworld.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: load world %s: %w", worldID, err)
	}
	return w, nil
}

// DeleteWorld removes the world row; foreign keys cascade to agents,
// memory, chats, and archives.
func (s *Store) DeleteWorld(ctx context.Context, worldID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM worlds WHERE id = ?`, worldID)
	if err != nil {
		return fmt.Errorf("sqlite: delete world %s: %w", worldID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("sqlite: world %s: %w", worldID, agentworld.ErrNotFound)
	}
	s.logger.Debug("sqlite: world deleted", "world", worldID)
	return nil
}

// ListWorlds returns all worlds ordered by id.
func (s *Store) ListWorlds(ctx context.Context) ([]*agentworld.World, error) {
	start := time.Now()
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+worldColumns+` FROM worlds ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list worlds: %w", err)
	}
	defer rows.Close()

	var out []*agentworld.World
	for rows.Next() {
		var w agentworld.World
		var provider string
		var created, updated int64
		if err := rows.Scan(&w.ID, &w.Name, &w.Description, &w.TurnLimit, &w.CurrentChatID,
			&provider, &w.ChatLLMModel, &created, &updated); err != nil {
			return nil, fmt.Errorf("sqlite: scan world: %w", err)
		}
		w.ChatLLMProvider = agentworld.LLMProvider(provider)
		w.CreatedAt = fromMillis(created)
		w.UpdatedAt = fromMillis(updated)
		out = append(out, &w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: list worlds: %w", err)
	}
	s.logger.Debug("sqlite: worlds listed", "count", len(out), "duration", time.Since(start))
	return out, nil
}
