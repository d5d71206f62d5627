package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/agentworld/agentworld"
)

const archiveColumns = `id, world_id, agent_id, session_name, reason, message_count,
	start_time, end_time, participants, tags, summary, created_at`

// ArchiveAgentMemory freezes the given memory into a new archive. The
// metadata row, the message rows, and the statistics row land in one
// transaction; the archive is never visible half-written.
func (s *Store) ArchiveAgentMemory(ctx context.Context, worldID, agentID string, memory []agentworld.AgentMessage, meta agentworld.ArchiveMetadata) (string, error) {
	start := time.Now()
	a := agentworld.NewMemoryArchive(worldID, agentID, memory, meta)

	participants, err := encodeStrings(a.Participants)
	if err != nil {
		return "", fmt.Errorf("sqlite: encode participants: %w", err)
	}
	tags, err := encodeStrings(a.Tags)
	if err != nil {
		return "", fmt.Errorf("sqlite: encode tags: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("sqlite: begin archive: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO memory_archives (`+archiveColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ArchiveID, a.WorldID, a.AgentID, a.SessionName, a.Reason, a.MessageCount,
		millis(a.StartTime), millis(a.EndTime), participants, tags, a.Summary,
		millis(a.CreatedAt)); err != nil {
		return "", fmt.Errorf("sqlite: insert archive: %w", err)
	}

	var totalChars, users, assistants, tools, systems int
	for i, msg := range a.Messages {
		toolCalls, err := encodeToolCalls(msg.ToolCalls)
		if err != nil {
			return "", fmt.Errorf("sqlite: encode tool calls: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO archived_messages (archive_id, seq, role, content, sender,
				tool_call_id, tool_calls, chat_id, message_id, reply_to_message_id, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			a.ArchiveID, i, msg.Role, msg.Content, msg.Sender,
			msg.ToolCallID, toolCalls, msg.ChatID, msg.MessageID, msg.ReplyToMessageID,
			millis(msg.CreatedAt)); err != nil {
			return "", fmt.Errorf("sqlite: insert archived message %d: %w", i, err)
		}
		totalChars += len(msg.Content)
		switch msg.Role {
		case "user":
			users++
		case "assistant":
			assistants++
		case "tool":
			tools++
		case "system":
			systems++
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO archive_statistics (archive_id, total_chars, user_messages,
			assistant_messages, tool_messages, system_messages)
		VALUES (?, ?, ?, ?, ?, ?)`,
		a.ArchiveID, totalChars, users, assistants, tools, systems); err != nil {
		return "", fmt.Errorf("sqlite: insert archive statistics: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("sqlite: commit archive: %w", err)
	}
	s.logger.Debug("sqlite: memory archived", "world", worldID, "agent", agentID,
		"archive", a.ArchiveID, "messages", a.MessageCount, "duration", time.Since(start))
	return a.ArchiveID, nil
}

// scanArchive reads one archive metadata row via any Scan-shaped function.
func scanArchive(scan func(dest ...any) error) (*agentworld.MemoryArchive, error) {
	var a agentworld.MemoryArchive
	var startT, endT, created int64
	var participants, tags string
	if err := scan(&a.ArchiveID, &a.WorldID, &a.AgentID, &a.SessionName, &a.Reason,
		&a.MessageCount, &startT, &endT, &participants, &tags, &a.Summary, &created); err != nil {
		return nil, err
	}
	var err error
	if a.Participants, err = decodeStrings(participants); err != nil {
		return nil, fmt.Errorf("participants: %w", err)
	}
	if a.Tags, err = decodeStrings(tags); err != nil {
		return nil, fmt.Errorf("tags: %w", err)
	}
	a.StartTime = fromMillis(startT)
	a.EndTime = fromMillis(endT)
	a.CreatedAt = fromMillis(created)
	return &a, nil
}

// LoadArchive reads the full archive including messages.
func (s *Store) LoadArchive(ctx context.Context, worldID, archiveID string) (*agentworld.MemoryArchive, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+archiveColumns+` FROM memory_archives WHERE world_id = ? AND id = ?`,
		worldID, archiveID)
	a, err := scanArchive(row.Scan)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("sqlite: archive %s in world %s: %w", archiveID, worldID, agentworld.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: load archive %s: %w", archiveID, err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT role, content, sender, tool_call_id, tool_calls, chat_id,
			message_id, reply_to_message_id, created_at
		FROM archived_messages WHERE archive_id = ? ORDER BY seq`, archiveID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: load archived messages %s: %w", archiveID, err)
	}
	defer rows.Close()
	messages, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}
	a.Messages = messages
	return a, nil
}

// ListArchives returns archive metadata for the world, newest first.
// Messages are not loaded; use LoadArchive for the full record.
func (s *Store) ListArchives(ctx context.Context, worldID string) ([]*agentworld.MemoryArchive, error) {
	start := time.Now()
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+archiveColumns+` FROM memory_archives
		WHERE world_id = ? ORDER BY created_at DESC, id`, worldID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list archives %s: %w", worldID, err)
	}
	defer rows.Close()

	var out []*agentworld.MemoryArchive
	for rows.Next() {
		a, err := scanArchive(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan archive: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: list archives %s: %w", worldID, err)
	}
	s.logger.Debug("sqlite: archives listed", "world", worldID, "count", len(out), "duration", time.Since(start))
	return out, nil
}

// SearchArchives filters archive metadata with the shared matcher so all
// backends agree on query semantics.
func (s *Store) SearchArchives(ctx context.Context, worldID string, q agentworld.ArchiveQuery) ([]*agentworld.MemoryArchive, error) {
	all, err := s.ListArchives(ctx, worldID)
	if err != nil {
		return nil, err
	}
	var out []*agentworld.MemoryArchive
	for _, a := range all {
		if !agentworld.MatchArchive(a, q) {
			continue
		}
		out = append(out, a)
		if q.Limit > 0 && len(out) >= q.Limit {
			break
		}
	}
	return out, nil
}

// ExportArchive renders the archive in the requested format.
func (s *Store) ExportArchive(ctx context.Context, worldID, archiveID string, opts agentworld.ExportOptions) ([]byte, error) {
	a, err := s.LoadArchive(ctx, worldID, archiveID)
	if err != nil {
		return nil, err
	}
	return agentworld.EncodeArchive(a, opts)
}
