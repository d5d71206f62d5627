package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/agentworld/agentworld"
)

const agentColumns = `world_id, id, name, type, status, provider, model, system_prompt,
	temperature, max_tokens, api_key, base_url, azure_endpoint, azure_api_version,
	azure_deployment, ollama_base_url, llm_call_count, last_llm_call, created_at, updated_at`

// SaveAgent upserts the agent row and replaces its memory in one
// transaction.
func (s *Store) SaveAgent(ctx context.Context, worldID string, a *agentworld.Agent) error {
	start := time.Now()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin save agent: %w", err)
	}
	defer tx.Rollback()

	if err := upsertAgent(ctx, tx, worldID, a); err != nil {
		return err
	}
	if err := replaceMemory(ctx, tx, worldID, a.ID, a.Memory); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: commit save agent: %w", err)
	}
	s.logger.Debug("sqlite: agent saved", "world", worldID, "agent", a.ID,
		"messages", len(a.Memory), "duration", time.Since(start))
	return nil
}

// SaveAgentConfig upserts the agent row only; memory rows are untouched.
func (s *Store) SaveAgentConfig(ctx context.Context, worldID string, a *agentworld.Agent) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin save agent config: %w", err)
	}
	defer tx.Rollback()

	if err := upsertAgent(ctx, tx, worldID, a); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: commit save agent config: %w", err)
	}
	s.logger.Debug("sqlite: agent config saved", "world", worldID, "agent", a.ID)
	return nil
}

func upsertAgent(ctx context.Context, tx *sql.Tx, worldID string, a *agentworld.Agent) error {
	var lastCall sql.NullInt64
	if a.LastLLMCall != nil {
		lastCall = sql.NullInt64{Int64: millis(*a.LastLLMCall), Valid: true}
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO agents (`+agentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(world_id, id) DO UPDATE SET
			name = excluded.name,
			type = excluded.type,
			status = excluded.status,
			provider = excluded.provider,
			model = excluded.model,
			system_prompt = excluded.system_prompt,
			temperature = excluded.temperature,
			max_tokens = excluded.max_tokens,
			api_key = excluded.api_key,
			base_url = excluded.base_url,
			azure_endpoint = excluded.azure_endpoint,
			azure_api_version = excluded.azure_api_version,
			azure_deployment = excluded.azure_deployment,
			ollama_base_url = excluded.ollama_base_url,
			llm_call_count = excluded.llm_call_count,
			last_llm_call = excluded.last_llm_call,
			updated_at = excluded.updated_at`,
		worldID, a.ID, a.Name, a.Type, string(a.Status), string(a.Provider), a.Model, a.SystemPrompt,
		a.Temperature, a.MaxTokens, a.APIKey, a.BaseURL, a.AzureEndpoint, a.AzureAPIVersion,
		a.AzureDeployment, a.OllamaBaseURL, a.LLMCallCount, lastCall, millis(a.CreatedAt), millis(a.UpdatedAt))
	if err != nil {
		return fmt.Errorf("sqlite: upsert agent %s: %w", a.ID, err)
	}
	return nil
}

// replaceMemory deletes and rewrites the agent's memory rows.
func replaceMemory(ctx context.Context, tx *sql.Tx, worldID, agentID string, memory []agentworld.AgentMessage) error {
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM agent_memory WHERE world_id = ? AND agent_id = ?`, worldID, agentID); err != nil {
		return fmt.Errorf("sqlite: clear memory %s: %w", agentID, err)
	}
	for i, msg := range memory {
		toolCalls, err := encodeToolCalls(msg.ToolCalls)
		if err != nil {
			return fmt.Errorf("sqlite: encode tool calls: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO agent_memory (world_id, agent_id, seq, role, content, sender,
				tool_call_id, tool_calls, chat_id, message_id, reply_to_message_id, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			worldID, agentID, i, msg.Role, msg.Content, msg.Sender,
			msg.ToolCallID, toolCalls, msg.ChatID, msg.MessageID, msg.ReplyToMessageID,
			millis(msg.CreatedAt)); err != nil {
			return fmt.Errorf("sqlite: insert memory row %d: %w", i, err)
		}
	}
	return nil
}

// SaveAgentMemory atomically replaces memory rows in one transaction.
func (s *Store) SaveAgentMemory(ctx context.Context, worldID, agentID string, memory []agentworld.AgentMessage) error {
	start := time.Now()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin save memory: %w", err)
	}
	defer tx.Rollback()

	if err := replaceMemory(ctx, tx, worldID, agentID, memory); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: commit save memory: %w", err)
	}
	s.logger.Debug("sqlite: agent memory saved", "world", worldID, "agent", agentID,
		"messages", len(memory), "duration", time.Since(start))
	return nil
}

// LoadAgent reads the agent row and its memory rows in seq order.
func (s *Store) LoadAgent(ctx context.Context, worldID, agentID string) (*agentworld.Agent, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE world_id = ? AND id = ?`, worldID, agentID)
	a, err := scanAgent(row.Scan)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("sqlite: agent %s in world %s: %w", agentID, worldID, agentworld.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: load agent %s: %w", agentID, err)
	}

	memory, err := s.loadMemory(ctx, worldID, agentID)
	if err != nil {
		return nil, err
	}
	a.Memory = memory
	return a, nil
}

// scanAgent reads one agent row via any Scan-shaped function.
func scanAgent(scan func(dest ...any) error) (*agentworld.Agent, error) {
	var a agentworld.Agent
	var worldID, status, provider string
	var lastCall sql.NullInt64
	var created, updated int64
	err := scan(&worldID, &a.ID, &a.Name, &a.Type, &status, &provider, &a.Model, &a.SystemPrompt,
		&a.Temperature, &a.MaxTokens, &a.APIKey, &a.BaseURL, &a.AzureEndpoint, &a.AzureAPIVersion,
		&a.AzureDeployment, &a.OllamaBaseURL, &a.LLMCallCount, &lastCall, &created, &updated)
	if err != nil {
		return nil, err
	}
	a.Status = agentworld.AgentStatus(status)
	a.Provider = agentworld.LLMProvider(provider)
	if lastCall.Valid {
		t := fromMillis(lastCall.Int64)
		a.LastLLMCall = &t
	}
	a.CreatedAt = fromMillis(created)
	a.UpdatedAt = fromMillis(updated)
	return &a, nil
}

func (s *Store) loadMemory(ctx context.Context, worldID, agentID string) ([]agentworld.AgentMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT role, content, sender, tool_call_id, tool_calls, chat_id,
			message_id, reply_to_message_id, created_at
		FROM agent_memory WHERE world_id = ? AND agent_id = ? ORDER BY seq`,
		worldID, agentID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: load memory %s: %w", agentID, err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

// scanMessages reads message rows of the shared column shape.
func scanMessages(rows *sql.Rows) ([]agentworld.AgentMessage, error) {
	var out []agentworld.AgentMessage
	for rows.Next() {
		var msg agentworld.AgentMessage
		var toolCalls sql.NullString
		var created int64
		if err := rows.Scan(&msg.Role, &msg.Content, &msg.Sender, &msg.ToolCallID, &toolCalls,
			&msg.ChatID, &msg.MessageID, &msg.ReplyToMessageID, &created); err != nil {
			return nil, fmt.Errorf("sqlite: scan message: %w", err)
		}
		calls, err := decodeToolCalls(toolCalls)
		if err != nil {
			return nil, fmt.Errorf("sqlite: decode tool calls: %w", err)
		}
		msg.ToolCalls = calls
		msg.CreatedAt = fromMillis(created)
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: scan messages: %w", err)
	}
	return out, nil
}

// DeleteAgent removes the agent row; memory rows cascade.
func (s *Store) DeleteAgent(ctx context.Context, worldID, agentID string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM agents WHERE world_id = ? AND id = ?`, worldID, agentID)
	if err != nil {
		return fmt.Errorf("sqlite: delete agent %s: %w", agentID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("sqlite: agent %s in world %s: %w", agentID, worldID, agentworld.ErrNotFound)
	}
	s.logger.Debug("sqlite: agent deleted", "world", worldID, "agent", agentID)
	return nil
}

// ListAgents loads every agent in the world with memory, ordered by id.
func (s *Store) ListAgents(ctx context.Context, worldID string) ([]*agentworld.Agent, error) {
	start := time.Now()
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE world_id = ? ORDER BY id`, worldID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list agents %s: %w", worldID, err)
	}

	var agents []*agentworld.Agent
	for rows.Next() {
		a, err := scanAgent(rows.Scan)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("sqlite: scan agent: %w", err)
		}
		agents = append(agents, a)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("sqlite: list agents %s: %w", worldID, err)
	}
	rows.Close()

	// Memory loads run after the agent cursor closes; a single connection
	// cannot serve two open result sets.
	for _, a := range agents {
		memory, err := s.loadMemory(ctx, worldID, a.ID)
		if err != nil {
			return nil, err
		}
		a.Memory = memory
	}
	s.logger.Debug("sqlite: agents listed", "world", worldID, "count", len(agents), "duration", time.Since(start))
	return agents, nil
}

// SaveAgentsBatch persists several agents in one transaction.
func (s *Store) SaveAgentsBatch(ctx context.Context, worldID string, agents []*agentworld.Agent) error {
	start := time.Now()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin batch save: %w", err)
	}
	defer tx.Rollback()

	for _, a := range agents {
		if err := upsertAgent(ctx, tx, worldID, a); err != nil {
			return err
		}
		if err := replaceMemory(ctx, tx, worldID, a.ID, a.Memory); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: commit batch save: %w", err)
	}
	s.logger.Debug("sqlite: agent batch saved", "world", worldID, "count", len(agents), "duration", time.Since(start))
	return nil
}

// LoadAgentsBatch loads the given agents, skipping missing ids.
func (s *Store) LoadAgentsBatch(ctx context.Context, worldID string, agentIDs []string) ([]*agentworld.Agent, error) {
	out := make([]*agentworld.Agent, 0, len(agentIDs))
	for _, id := range agentIDs {
		a, err := s.LoadAgent(ctx, worldID, id)
		if err != nil {
			if errors.Is(err, agentworld.ErrNotFound) {
				s.logger.Warn("sqlite: skipping missing agent in batch", "world", worldID, "agent", id)
				continue
			}
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}
