package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/agentworld/agentworld"
)

const agentColumns = `world_id, id, name, type, status, provider, model, system_prompt,
	temperature, max_tokens, api_key, base_url, azure_endpoint, azure_api_version,
	azure_deployment, ollama_base_url, llm_call_count, last_llm_call, created_at, updated_at`

// SaveAgent upserts the agent row and replaces its memory in one
// transaction.
func (s *Store) SaveAgent(ctx context.Context, worldID string, a *agentworld.Agent) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if err := upsertAgent(ctx, tx, worldID, a); err != nil {
		return err
	}
	if err := replaceMemory(ctx, tx, worldID, a.ID, a.Memory); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// SaveAgentConfig upserts the agent row only; memory rows are untouched.
func (s *Store) SaveAgentConfig(ctx context.Context, worldID string, a *agentworld.Agent) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if err := upsertAgent(ctx, tx, worldID, a); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func upsertAgent(ctx context.Context, tx pgx.Tx, worldID string, a *agentworld.Agent) error {
	var lastCall *int64
	if a.LastLLMCall != nil {
		ms := millis(*a.LastLLMCall)
		lastCall = &ms
	}
	_, err := tx.Exec(ctx,
		`INSERT INTO agents (`+agentColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
		 ON CONFLICT (world_id, id) DO UPDATE SET
		   name = EXCLUDED.name,
		   type = EXCLUDED.type,
		   status = EXCLUDED.status,
		   provider = EXCLUDED.provider,
		   model = EXCLUDED.model,
		   system_prompt = EXCLUDED.system_prompt,
		   temperature = EXCLUDED.temperature,
		   max_tokens = EXCLUDED.max_tokens,
		   api_key = EXCLUDED.api_key,
		   base_url = EXCLUDED.base_url,
		   azure_endpoint = EXCLUDED.azure_endpoint,
		   azure_api_version = EXCLUDED.azure_api_version,
		   azure_deployment = EXCLUDED.azure_deployment,
		   ollama_base_url = EXCLUDED.ollama_base_url,
		   llm_call_count = EXCLUDED.llm_call_count,
		   last_llm_call = EXCLUDED.last_llm_call,
		   updated_at = EXCLUDED.updated_at`,
		worldID, a.ID, a.Name, a.Type, string(a.Status), string(a.Provider), a.Model, a.SystemPrompt,
		a.Temperature, a.MaxTokens, a.APIKey, a.BaseURL, a.AzureEndpoint, a.AzureAPIVersion,
		a.AzureDeployment, a.OllamaBaseURL, a.LLMCallCount, lastCall, millis(a.CreatedAt), millis(a.UpdatedAt))
	if err != nil {
		return fmt.Errorf("postgres: upsert agent: %w", err)
	}
	return nil
}

// replaceMemory deletes and rewrites the agent's memory rows.
func replaceMemory(ctx context.Context, tx pgx.Tx, worldID, agentID string, memory []agentworld.AgentMessage) error {
	if _, err := tx.Exec(ctx,
		`DELETE FROM agent_memory WHERE world_id = $1 AND agent_id = $2`, worldID, agentID); err != nil {
		return fmt.Errorf("postgres: clear memory: %w", err)
	}
	for i, msg := range memory {
		toolCalls, err := encodeToolCalls(msg.ToolCalls)
		if err != nil {
			return fmt.Errorf("postgres: encode tool calls: %w", err)
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO agent_memory (world_id, agent_id, seq, role, content, sender,
				tool_call_id, tool_calls, chat_id, message_id, reply_to_message_id, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8::jsonb, $9, $10, $11, $12)`,
			worldID, agentID, i, msg.Role, msg.Content, msg.Sender,
			msg.ToolCallID, toolCalls, msg.ChatID, msg.MessageID, msg.ReplyToMessageID,
			millis(msg.CreatedAt)); err != nil {
			return fmt.Errorf("postgres: insert memory row %d: %w", i, err)
		}
	}
	return nil
}

// SaveAgentMemory atomically replaces memory rows in one transaction.
func (s *Store) SaveAgentMemory(ctx context.Context, worldID, agentID string, memory []agentworld.AgentMessage) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if err := replaceMemory(ctx, tx, worldID, agentID, memory); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// scanAgent reads one agent row via any Scan-shaped function.
func scanAgent(scan func(dest ...any) error) (*agentworld.Agent, error) {
	var a agentworld.Agent
	var worldID, status, provider string
	var lastCall *int64
	var created, updated int64
	err := scan(&worldID, &a.ID, &a.Name, &a.Type, &status, &provider, &a.Model, &a.SystemPrompt,
		&a.Temperature, &a.MaxTokens, &a.APIKey, &a.BaseURL, &a.AzureEndpoint, &a.AzureAPIVersion,
		&a.AzureDeployment, &a.OllamaBaseURL, &a.LLMCallCount, &lastCall, &created, &updated)
	if err != nil {
		return nil, err
	}
	a.Status = agentworld.AgentStatus(status)
	a.Provider = agentworld.LLMProvider(provider)
	if lastCall != nil {
		t := fromMillis(*lastCall)
		a.LastLLMCall = &t
	}
	a.CreatedAt = fromMillis(created)
	a.UpdatedAt = fromMillis(updated)
	return &a, nil
}

// LoadAgent reads the agent row and its memory rows in seq order.
func (s *Store) LoadAgent(ctx context.Context, worldID, agentID string) (*agentworld.Agent, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE world_id = $1 AND id = $2`, worldID, agentID)
	a, err := scanAgent(row.Scan)
	if err == pgx.ErrNoRows {
		return nil, fmt.Errorf("postgres: agent %s in world %s: %w", agentID, worldID, agentworld.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: load agent: %w", err)
	}

	memory, err := s.loadMemory(ctx, worldID, agentID)
	if err != nil {
		return nil, err
	}
	a.Memory = memory
	return a, nil
}

func (s *Store) loadMemory(ctx context.Context, worldID, agentID string) ([]agentworld.AgentMessage, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT role, content, sender, tool_call_id, tool_calls, chat_id,
			message_id, reply_to_message_id, created_at
		 FROM agent_memory WHERE world_id = $1 AND agent_id = $2 ORDER BY seq`,
		worldID, agentID)
	if err != nil {
		return nil, fmt.Errorf("postgres: load memory: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

// scanMessages reads message rows of the shared column shape.
func scanMessages(rows pgx.Rows) ([]agentworld.AgentMessage, error) {
	var out []agentworld.AgentMessage
	for rows.Next() {
		var msg agentworld.AgentMessage
		var toolCalls []byte
		var created int64
		if err := rows.Scan(&msg.Role, &msg.Content, &msg.Sender, &msg.ToolCallID, &toolCalls,
			&msg.ChatID, &msg.MessageID, &msg.ReplyToMessageID, &created); err != nil {
			return nil, fmt.Errorf("postgres: scan message: %w", err)
		}
		if len(toolCalls) > 0 {
			if err := json.Unmarshal(toolCalls, &msg.ToolCalls); err != nil {
				return nil, fmt.Errorf("postgres: decode tool calls: %w", err)
			}
		}
		msg.CreatedAt = fromMillis(created)
		out = append(out, msg)
	}
	return out, rows.Err()
}

// DeleteAgent removes the agent row; memory rows cascade.
func (s *Store) DeleteAgent(ctx context.Context, worldID, agentID string) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM agents WHERE world_id = $1 AND id = $2`, worldID, agentID)
	if err != nil {
		return fmt.Errorf("postgres: delete agent: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: agent %s in world %s: %w", agentID, worldID, agentworld.ErrNotFound)
	}
	return nil
}

// ListAgents loads every agent in the world with memory, ordered by id.
// Memory loads run after the agent scan so a size-1 pool cannot deadlock.
func (s *Store) ListAgents(ctx context.Context, worldID string) ([]*agentworld.Agent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE world_id = $1 ORDER BY id`, worldID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list agents: %w", err)
	}

	var agents []*agentworld.Agent
	for rows.Next() {
		a, err := scanAgent(rows.Scan)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("postgres: scan agent: %w", err)
		}
		agents = append(agents, a)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("postgres: list agents: %w", err)
	}
	rows.Close()

	for _, a := range agents {
		memory, err := s.loadMemory(ctx, worldID, a.ID)
		if err != nil {
			return nil, err
		}
		a.Memory = memory
	}
	return agents, nil
}

// SaveAgentsBatch persists several agents in one transaction.
func (s *Store) SaveAgentsBatch(ctx context.Context, worldID string, agents []*agentworld.Agent) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	for _, a := range agents {
		if err := upsertAgent(ctx, tx, worldID, a); err != nil {
			return err
		}
		if err := replaceMemory(ctx, tx, worldID, a.ID, a.Memory); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

// LoadAgentsBatch loads the given agents, skipping missing ids.
func (s *Store) LoadAgentsBatch(ctx context.Context, worldID string, agentIDs []string) ([]*agentworld.Agent, error) {
	out := make([]*agentworld.Agent, 0, len(agentIDs))
	for _, id := range agentIDs {
		a, err := s.LoadAgent(ctx, worldID, id)
		if err != nil {
			if errors.Is(err, agentworld.ErrNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}
