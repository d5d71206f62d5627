package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/agentworld/agentworld"
)

// JSONB columns reject malformed documents at insert and CHECK constraints
// pin the role vocabulary, so integrity here is about what SQL cannot
// derive on its own: stored message counts and the statistics row that
// must accompany every archive.

// ValidateIntegrity reports consistency problems for one world, or one
// agent within it when agentID is set.
func (s *Store) ValidateIntegrity(ctx context.Context, worldID, agentID string) (*agentworld.IntegrityReport, error) {
	report := &agentworld.IntegrityReport{WorldID: worldID, AgentID: agentID}
	add := func(scope, id, problem string) {
		report.Issues = append(report.Issues, agentworld.IntegrityIssue{Scope: scope, ID: id, Problem: problem})
	}

	if _, err := s.LoadWorld(ctx, worldID); err != nil {
		return nil, err
	}
	report.Checked++

	agentIDs, err := s.listIDs(ctx, `SELECT id FROM agents WHERE world_id = $1 ORDER BY id`, worldID)
	if err != nil {
		return nil, fmt.Errorf("postgres: validate agents: %w", err)
	}
	for _, id := range agentIDs {
		if agentID != "" && !strings.EqualFold(id, agentID) {
			continue
		}
		report.Checked++
	}

	if agentID == "" {
		chats, err := s.chatCounts(ctx, worldID)
		if err != nil {
			return nil, err
		}
		for _, c := range chats {
			report.Checked++
			if c.stored != c.actual {
				add("chat", c.id, fmt.Sprintf("messageCount %d but %d rows", c.stored, c.actual))
			}
		}
	}

	archives, err := s.archiveCounts(ctx, worldID)
	if err != nil {
		return nil, err
	}
	for _, a := range archives {
		if agentID != "" && !strings.EqualFold(a.agentID, agentID) {
			continue
		}
		report.Checked++
		if a.stored != a.actual {
			add("archive", a.id, fmt.Sprintf("messageCount %d but %d rows", a.stored, a.actual))
		}
		if !a.hasStats {
			add("archive", a.id, "statistics row missing")
		}
	}
	return report, nil
}

// RepairData rewrites derivable message counts and recomputes missing
// statistics rows. All writes land in one transaction.
func (s *Store) RepairData(ctx context.Context, worldID, agentID string) (*agentworld.RepairReport, error) {
	report := &agentworld.RepairReport{WorldID: worldID, AgentID: agentID}

	if _, err := s.LoadWorld(ctx, worldID); err != nil {
		return nil, err
	}

	var chats []chatCount
	var err error
	if agentID == "" {
		if chats, err = s.chatCounts(ctx, worldID); err != nil {
			return nil, err
		}
	}
	archives, err := s.archiveCounts(ctx, worldID)
	if err != nil {
		return nil, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("postgres: begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	for _, c := range chats {
		if c.stored == c.actual {
			continue
		}
		if _, err := tx.Exec(ctx,
			`UPDATE chats SET message_count = $1 WHERE world_id = $2 AND id = $3`,
			c.actual, worldID, c.id); err != nil {
			return nil, fmt.Errorf("postgres: repair chat count: %w", err)
		}
		report.Repaired = append(report.Repaired,
			fmt.Sprintf("chat %s: messageCount corrected to %d", c.id, c.actual))
	}

	for _, a := range archives {
		if agentID != "" && !strings.EqualFold(a.agentID, agentID) {
			continue
		}
		if a.stored != a.actual {
			if _, err := tx.Exec(ctx,
				`UPDATE memory_archives SET message_count = $1 WHERE id = $2`, a.actual, a.id); err != nil {
				return nil, fmt.Errorf("postgres: repair archive count: %w", err)
			}
			report.Repaired = append(report.Repaired,
				fmt.Sprintf("archive %s: messageCount corrected to %d", a.id, a.actual))
		}
		if !a.hasStats {
			if _, err := tx.Exec(ctx,
				`INSERT INTO archive_statistics (archive_id, total_chars, user_messages,
					assistant_messages, tool_messages, system_messages)
				 SELECT $1, COALESCE(SUM(LENGTH(content)), 0),
					COALESCE(SUM(CASE WHEN role = 'user' THEN 1 ELSE 0 END), 0),
					COALESCE(SUM(CASE WHEN role = 'assistant' THEN 1 ELSE 0 END), 0),
					COALESCE(SUM(CASE WHEN role = 'tool' THEN 1 ELSE 0 END), 0),
					COALESCE(SUM(CASE WHEN role = 'system' THEN 1 ELSE 0 END), 0)
				 FROM archived_messages WHERE archive_id = $1`, a.id); err != nil {
				return nil, fmt.Errorf("postgres: recompute statistics: %w", err)
			}
			report.Repaired = append(report.Repaired,
				fmt.Sprintf("archive %s: statistics recomputed", a.id))
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("postgres: commit repair: %w", err)
	}
	return report, nil
}

// --- Scan helpers ---

// listIDs drains a single-column string query.
func (s *Store) listIDs(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

type chatCount struct {
	id             string
	stored, actual int
}

func (s *Store) chatCounts(ctx context.Context, worldID string) ([]chatCount, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT c.id, c.message_count,
			(SELECT COUNT(*) FROM chat_messages m WHERE m.world_id = c.world_id AND m.chat_id = c.id)
		 FROM chats c WHERE c.world_id = $1 ORDER BY c.id`, worldID)
	if err != nil {
		return nil, fmt.Errorf("postgres: chat counts: %w", err)
	}
	defer rows.Close()

	var out []chatCount
	for rows.Next() {
		var c chatCount
		if err := rows.Scan(&c.id, &c.stored, &c.actual); err != nil {
			return nil, fmt.Errorf("postgres: scan chat count: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

type archiveCount struct {
	id, agentID    string
	stored, actual int
	hasStats       bool
}

func (s *Store) archiveCounts(ctx context.Context, worldID string) ([]archiveCount, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT a.id, a.agent_id, a.message_count,
			(SELECT COUNT(*) FROM archived_messages m WHERE m.archive_id = a.id),
			EXISTS(SELECT 1 FROM archive_statistics st WHERE st.archive_id = a.id)
		 FROM memory_archives a WHERE a.world_id = $1 ORDER BY a.id`, worldID)
	if err != nil {
		return nil, fmt.Errorf("postgres: archive counts: %w", err)
	}
	defer rows.Close()

	var out []archiveCount
	for rows.Next() {
		var a archiveCount
		if err := rows.Scan(&a.id, &a.agentID, &a.stored, &a.actual, &a.hasStats); err != nil {
			return nil, fmt.Errorf("postgres: scan archive count: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
