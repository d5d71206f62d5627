package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/agentworld/agentworld"
)

// SaveChat upserts the chat row.
func (s *Store) SaveChat(ctx context.Context, worldID string, c *agentworld.Chat) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO chats (world_id, id, name, description, message_count, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (world_id, id) DO UPDATE SET
		   name = EXCLUDED.name,
		   description = EXCLUDED.description,
		   message_count = EXCLUDED.message_count,
		   updated_at = EXCLUDED.updated_at`,
		worldID, c.ID, c.Name, c.Description, c.MessageCount, millis(c.CreatedAt), millis(c.UpdatedAt))
	if err != nil {
		return fmt.Errorf("postgres: save chat: %w", err)
	}
	return nil
}

// LoadChat reads one chat row.
func (s *Store) LoadChat(ctx context.Context, worldID, chatID string) (*agentworld.Chat, error) {
	var c agentworld.Chat
	var created, updated int64
	err := s.pool.QueryRow(ctx,
		`SELECT id, world_id, name, description, message_count, created_at, updated_at
		 FROM chats WHERE world_id = $1 AND id = $2`, worldID, chatID).
		Scan(&c.ID, &c.WorldID, &c.Name, &c.Description, &c.MessageCount, &created, &updated)
	if err == pgx.ErrNoRows {
		return nil, fmt.Errorf("postgres: chat %s in world %s: %w", chatID, worldID, agentworld.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: load chat: %w", err)
	}
	c.CreatedAt = fromMillis(created)
	c.UpdatedAt = fromMillis(updated)
	return &c, nil
}

// ListChats returns the world's chats, most recently updated first.
func (s *Store) ListChats(ctx context.Context, worldID string) ([]*agentworld.Chat, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, world_id, name, description, message_count, created_at, updated_at
		 FROM chats WHERE world_id = $1 ORDER BY updated_at DESC, id`, worldID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list chats: %w", err)
	}
	defer rows.Close()

	var out []*agentworld.Chat
	for rows.Next() {
		var c agentworld.Chat
		var created, updated int64
		if err := rows.Scan(&c.ID, &c.WorldID, &c.Name, &c.Description, &c.MessageCount,
			&created, &updated); err != nil {
			return nil, fmt.Errorf("postgres: scan chat: %w", err)
		}
		c.CreatedAt = fromMillis(created)
		c.UpdatedAt = fromMillis(updated)
		out = append(out, &c)
	}
	return out, rows.Err()
}

// DeleteChat removes the chat row; messages and snapshots cascade.
func (s *Store) DeleteChat(ctx context.Context, worldID, chatID string) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM chats WHERE world_id = $1 AND id = $2`, worldID, chatID)
	if err != nil {
		return fmt.Errorf("postgres: delete chat: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: chat %s in world %s: %w", chatID, worldID, agentworld.ErrNotFound)
	}
	return nil
}

// AppendChatMessage inserts one message row and bumps the chat's count in
// the same transaction.
func (s *Store) AppendChatMessage(ctx context.Context, worldID, chatID string, msg agentworld.AgentMessage) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	toolCalls, err := encodeToolCalls(msg.ToolCalls)
	if err != nil {
		return fmt.Errorf("postgres: encode tool calls: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO chat_messages (world_id, chat_id, role, content, sender,
			tool_call_id, tool_calls, message_id, reply_to_message_id, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8, $9, $10)`,
		worldID, chatID, msg.Role, msg.Content, msg.Sender,
		msg.ToolCallID, toolCalls, msg.MessageID, msg.ReplyToMessageID, millis(msg.CreatedAt)); err != nil {
		return fmt.Errorf("postgres: insert chat message: %w", err)
	}

	tag, err := tx.Exec(ctx,
		`UPDATE chats SET message_count = message_count + 1, updated_at = $1
		 WHERE world_id = $2 AND id = $3`,
		millis(time.Now().UTC()), worldID, chatID)
	if err != nil {
		return fmt.Errorf("postgres: bump chat count: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: chat %s in world %s: %w", chatID, worldID, agentworld.ErrNotFound)
	}
	return tx.Commit(ctx)
}

// LoadChatMessages reads the transcript in insertion order.
func (s *Store) LoadChatMessages(ctx context.Context, worldID, chatID string) ([]agentworld.AgentMessage, error) {
	if _, err := s.LoadChat(ctx, worldID, chatID); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx,
		`SELECT role, content, sender, tool_call_id, tool_calls, chat_id,
			message_id, reply_to_message_id, created_at
		 FROM chat_messages WHERE world_id = $1 AND chat_id = $2 ORDER BY seq`,
		worldID, chatID)
	if err != nil {
		return nil, fmt.Errorf("postgres: load chat messages: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

// SaveWorldChat stores the snapshot as one JSONB document.
func (s *Store) SaveWorldChat(ctx context.Context, worldID, chatID string, snapshot *agentworld.WorldChat) error {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("postgres: encode snapshot: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO world_chat_snapshots (world_id, chat_id, snapshot, created_at)
		 VALUES ($1, $2, $3::jsonb, $4)
		 ON CONFLICT (world_id, chat_id) DO UPDATE SET
		   snapshot = EXCLUDED.snapshot,
		   created_at = EXCLUDED.created_at`,
		worldID, chatID, string(data), millis(time.Now().UTC()))
	if err != nil {
		return fmt.Errorf("postgres: save snapshot: %w", err)
	}
	return nil
}

// LoadWorldChat reads a snapshot written by SaveWorldChat.
func (s *Store) LoadWorldChat(ctx context.Context, worldID, chatID string) (*agentworld.WorldChat, error) {
	var data []byte
	err := s.pool.QueryRow(ctx,
		`SELECT snapshot FROM world_chat_snapshots WHERE world_id = $1 AND chat_id = $2`,
		worldID, chatID).Scan(&data)
	if err == pgx.ErrNoRows {
		return nil, fmt.Errorf("postgres: world chat snapshot %s/%s: %w", worldID, chatID, agentworld.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: load snapshot: %w", err)
	}
	var snap agentworld.WorldChat
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("postgres: decode snapshot: %w", err)
	}
	return &snap, nil
}

// LoadWorldChatFull assembles a WorldChat from live rows: world config,
// agents with memory filtered to the chat, the transcript, and thread
// metadata computed from it.
func (s *Store) LoadWorldChatFull(ctx context.Context, worldID, chatID string) (*agentworld.WorldChat, error) {
	w, err := s.LoadWorld(ctx, worldID)
	if err != nil {
		return nil, err
	}
	c, err := s.LoadChat(ctx, worldID, chatID)
	if err != nil {
		return nil, err
	}
	messages, err := s.LoadChatMessages(ctx, worldID, chatID)
	if err != nil {
		return nil, err
	}
	agents, err := s.ListAgents(ctx, worldID)
	if err != nil {
		return nil, err
	}
	for _, a := range agents {
		var filtered []agentworld.AgentMessage
		for _, msg := range a.Memory {
			if msg.ChatID == chatID {
				filtered = append(filtered, msg)
			}
		}
		a.Memory = filtered
	}

	return &agentworld.WorldChat{
		World:    w,
		Chat:     c,
		Agents:   agents,
		Messages: messages,
		Threads:  agentworld.CalculateThreadMetadata(messages),
	}, nil
}
