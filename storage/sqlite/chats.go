package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/agentworld/agentworld"
)

// SaveChat upserts the chat row.
func (s *Store) SaveChat(ctx context.Context, worldID string, c *agentworld.Chat) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO chats (world_id, id, name, description, message_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(world_id, id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			message_count = excluded.message_count,
			updated_at = excluded.updated_at`,
		worldID, c.ID, c.Name, c.Description, c.MessageCount, millis(c.CreatedAt), millis(c.UpdatedAt))
	if err != nil {
		return fmt.Errorf("sqlite: save chat %s: %w", c.ID, err)
	}
	s.logger.Debug("sqlite: chat saved", "world", worldID, "chat", c.ID)
	return nil
}

// LoadChat reads one chat row.
func (s *Store) LoadChat(ctx context.Context, worldID, chatID string) (*agentworld.Chat, error) {
	var c agentworld.Chat
	var created, updated int64
	err := s.db.QueryRowContext(ctx, `
		SELECT id, world_id, name, description, message_count, created_at, updated_at
		FROM chats WHERE world_id = ? AND id = ?`, worldID, chatID).
		Scan(&c.ID, &c.WorldID, &c.Name, &c.Description, &c.MessageCount, &created, &updated)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("sqlite: chat %s in world %s: %w", chatID, worldID, agentworld.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: load chat %s: %w", chatID, err)
	}
	c.CreatedAt = fromMillis(created)
	c.UpdatedAt = fromMillis(updated)
	return &c, nil
}

// ListChats returns the world's chats, most recently updated first.
func (s *Store) ListChats(ctx context.Context, worldID string) ([]*agentworld.Chat, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, world_id, name, description, message_count, created_at, updated_at
		FROM chats WHERE world_id = ? ORDER BY updated_at DESC, id`, worldID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list chats %s: %w", worldID, err)
	}
	defer rows.Close()

	var out []*agentworld.Chat
	for rows.Next() {
		var c agentworld.Chat
		var created, updated int64
		if err := rows.Scan(&c.ID, &c.WorldID, &c.Name, &c.Description, &c.MessageCount,
			&created, &updated); err != nil {
			return nil, fmt.Errorf("sqlite: scan chat: %w", err)
		}
		c.CreatedAt = fromMillis(created)
		c.UpdatedAt = fromMillis(updated)
		out = append(out, &c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: list chats %s: %w", worldID, err)
	}
	return out, nil
}

// DeleteChat removes the chat row; messages and snapshots cascade.
func (s *Store) DeleteChat(ctx context.Context, worldID, chatID string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM chats WHERE world_id = ? AND id = ?`, worldID, chatID)
	if err != nil {
		return fmt.Errorf("sqlite: delete chat %s: %w", chatID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("sqlite: chat %s in world %s: %w", chatID, worldID, agentworld.ErrNotFound)
	}
	s.logger.Debug("sqlite: chat deleted", "world", worldID, "chat", chatID)
	return nil
}

// AppendChatMessage inserts one message row and bumps the chat's count in
// the same transaction.
func (s *Store) AppendChatMessage(ctx context.Context, worldID, chatID string, msg agentworld.AgentMessage) error {
	start := time.Now()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin append: %w", err)
	}
	defer tx.Rollback()

	toolCalls, err := encodeToolCalls(msg.ToolCalls)
	if err != nil {
		return fmt.Errorf("sqlite: encode tool calls: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO chat_messages (world_id, chat_id, role, content, sender,
			tool_call_id, tool_calls, message_id, reply_to_message_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		worldID, chatID, msg.Role, msg.Content, msg.Sender,
		msg.ToolCallID, toolCalls, msg.MessageID, msg.ReplyToMessageID, millis(msg.CreatedAt)); err != nil {
		return fmt.Errorf("sqlite: insert chat message: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE chats SET message_count = message_count + 1, updated_at = ?
		WHERE world_id = ? AND id = ?`,
		millis(time.Now().UTC()), worldID, chatID)
	if err != nil {
		return fmt.Errorf("sqlite: bump chat count: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("sqlite: chat %s in world %s: %w", chatID, worldID, agentworld.ErrNotFound)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: commit append: %w", err)
	}
	s.logger.Debug("sqlite: chat message appended", "world", worldID, "chat", chatID, "duration", time.Since(start))
	return nil
}

// LoadChatMessages reads the transcript in insertion order.
func (s *Store) LoadChatMessages(ctx context.Context, worldID, chatID string) ([]agentworld.AgentMessage, error) {
	if _, err := s.LoadChat(ctx, worldID, chatID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT role, content, sender, tool_call_id, tool_calls, chat_id,
			message_id, reply_to_message_id, created_at
		FROM chat_messages WHERE world_id = ? AND chat_id = ? ORDER BY seq`,
		worldID, chatID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: load chat messages %s: %w", chatID, err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

// SaveWorldChat stores the snapshot as one JSON document.
func (s *Store) SaveWorldChat(ctx context.Context, worldID, chatID string, snapshot *agentworld.WorldChat) error {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("sqlite: encode snapshot: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO world_chat_snapshots (world_id, chat_id, snapshot, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(world_id, chat_id) DO UPDATE SET
			snapshot = excluded.snapshot,
			created_at = excluded.created_at`,
		worldID, chatID, string(data), millis(time.Now().UTC()))
	if err != nil {
		return fmt.Errorf("sqlite: save snapshot %s: %w", chatID, err)
	}
	s.logger.Debug("sqlite: world chat snapshot saved", "world", worldID, "chat", chatID, "bytes", len(data))
	return nil
}

// LoadWorldChat reads a snapshot written by SaveWorldChat.
func (s *Store) LoadWorldChat(ctx context.Context, worldID, chatID string) (*agentworld.WorldChat, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `
		SELECT snapshot FROM world_chat_snapshots WHERE world_id = ? AND chat_id = ?`,
		worldID, chatID).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("sqlite: world chat snapshot %s/%s: %w", worldID, chatID, agentworld.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: load snapshot %s: %w", chatID, err)
	}
	var snap agentworld.WorldChat
	if err := json.Unmarshal([]byte(data), &snap); err != nil {
		return nil, fmt.Errorf("sqlite: decode snapshot %s: %w", chatID, err)
	}
	return &snap, nil
}

// LoadWorldChatFull assembles a WorldChat from live rows: world config,
// agents with memory filtered to the chat, the transcript, and thread
// metadata computed from it.
func (s *Store) LoadWorldChatFull(ctx context.Context, worldID, chatID string) (*agentworld.WorldChat, error) {
	start := time.Now()
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

	snap := &agentworld.WorldChat{
		World:    w,
		Chat:     c,
		Agents:   agents,
		Messages: messages,
		Threads:  agentworld.CalculateThreadMetadata(messages),
	}
	s.logger.Debug("sqlite: world chat assembled", "world", worldID, "chat", chatID,
		"agents", len(agents), "messages", len(messages), "duration", time.Since(start))
	return snap, nil
}
