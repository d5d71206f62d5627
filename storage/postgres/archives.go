package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/agentworld/agentworld"
)

const archiveColumns = `id, world_id, agent_id, session_name, reason, message_count,
	start_time, end_time, participants, tags, summary, created_at`

// ArchiveAgentMemory freezes the given memory into a new archive. The
// metadata row, the message rows, and the statistics row land in one
// transaction; the archive is never visible half-written.
func (s *Store) ArchiveAgentMemory(ctx context.Context, worldID, agentID string, memory []agentworld.AgentMessage, meta agentworld.ArchiveMetadata) (string, error) {
	a := agentworld.NewMemoryArchive(worldID, agentID, memory, meta)

	participants, err := encodeStrings(a.Participants)
	if err != nil {
		return "", fmt.Errorf("postgres: encode participants: %w", err)
	}
	tags, err := encodeStrings(a.Tags)
	if err != nil {
		return "", fmt.Errorf("postgres: encode tags: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return "", fmt.Errorf("postgres: begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx,
		`INSERT INTO memory_archives (`+archiveColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::jsonb, $10::jsonb, $11, $12)`,
		a.ArchiveID, a.WorldID, a.AgentID, a.SessionName, a.Reason, a.MessageCount,
		millis(a.StartTime), millis(a.EndTime), participants, tags, a.Summary,
		millis(a.CreatedAt)); err != nil {
		return "", fmt.Errorf("postgres: insert archive: %w", err)
	}

	var totalChars, users, assistants, tools, systems int
	for i, msg := range a.Messages {
		toolCalls, err := encodeToolCalls(msg.ToolCalls)
		if err != nil {
			return "", fmt.Errorf("postgres: encode tool calls: %w", err)
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO archived_messages (archive_id, seq, role, content, sender,
				tool_call_id, tool_calls, chat_id, message_id, reply_to_message_id, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8, $9, $10, $11)`,
			a.ArchiveID, i, msg.Role, msg.Content, msg.Sender,
			msg.ToolCallID, toolCalls, msg.ChatID, msg.MessageID, msg.ReplyToMessageID,
			millis(msg.CreatedAt)); err != nil {
			return "", fmt.Errorf("postgres: insert archived message %d: %w", i, err)
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

	if _, err := tx.Exec(ctx,
		`INSERT INTO archive_statistics (archive_id, total_chars, user_messages,
			assistant_messages, tool_messages, system_messages)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		a.ArchiveID, totalChars, users, assistants, tools, systems); err != nil {
		return "", fmt.Errorf("postgres: insert archive statistics: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("postgres: commit archive: %w", err)
	}
	return a.ArchiveID, nil
}

// scanArchive reads one archive metadata row via any Scan-shaped function.
func scanArchive(scan func(dest ...any) error) (*agentworld.MemoryArchive, error) {
	var a agentworld.MemoryArchive
	var startT, endT, created int64
	var participants, tags []byte
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
	row := s.pool.QueryRow(ctx,
		`SELECT `+archiveColumns+` FROM memory_archives WHERE world_id = $1 AND id = $2`,
		worldID, archiveID)
	a, err := scanArchive(row.Scan)
	if err == pgx.ErrNoRows {
		return nil, fmt.Errorf("postgres: archive %s in world %s: %w", archiveID, worldID, agentworld.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: load archive: %w", err)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT role, content, sender, tool_call_id, tool_calls, chat_id,
			message_id, reply_to_message_id, created_at
		 FROM archived_messages WHERE archive_id = $1 ORDER BY seq`, archiveID)
	if err != nil {
		return nil, fmt.Errorf("postgres: load archived messages: %w", err)
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
	rows, err := s.pool.Query(ctx,
		`SELECT `+archiveColumns+` FROM memory_archives
		 WHERE world_id = $1 ORDER BY created_at DESC, id`, worldID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list archives: %w", err)
	}
	defer rows.Close()

	var out []*agentworld.MemoryArchive
	for rows.Next() {
		a, err := scanArchive(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan archive: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
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
