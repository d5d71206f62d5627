package sqlite

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/agentworld/agentworld"
)

// Foreign keys and CHECK constraints keep the relational shape sound, so
// integrity checks here focus on what SQL cannot enforce: JSON stored in
// TEXT columns, derived message counts, and statistics rows that must
// accompany every archive.

// ValidateIntegrity reports consistency problems for one world, or one
// agent within it when agentID is set.
func (s *Store) ValidateIntegrity(ctx context.Context, worldID, agentID string) (*agentworld.IntegrityReport, error) {
	start := time.Now()
	report := &agentworld.IntegrityReport{WorldID: worldID, AgentID: agentID}
	add := func(scope, id, problem string) {
		report.Issues = append(report.Issues, agentworld.IntegrityIssue{Scope: scope, ID: id, Problem: problem})
	}

	if _, err := s.LoadWorld(ctx, worldID); err != nil {
		return nil, err
	}
	report.Checked++

	agentIDs, err := s.listIDs(ctx, `SELECT id FROM agents WHERE world_id = ? ORDER BY id`, worldID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: validate agents %s: %w", worldID, err)
	}
	badMemory, err := s.invalidToolCalls(ctx, `
		SELECT agent_id, seq, tool_calls FROM agent_memory
		WHERE world_id = ? AND tool_calls IS NOT NULL ORDER BY agent_id, seq`, worldID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: validate memory %s: %w", worldID, err)
	}
	for _, id := range agentIDs {
		if agentID != "" && !strings.EqualFold(id, agentID) {
			continue
		}
		report.Checked++
		for _, seq := range badMemory[id] {
			add("memory", id, fmt.Sprintf("tool_calls invalid JSON at seq %d", seq))
		}
	}

	if agentID == "" {
		chats, err := s.chatCounts(ctx, worldID)
		if err != nil {
			return nil, err
		}
		badChat, err := s.invalidToolCalls(ctx, `
			SELECT chat_id, seq, tool_calls FROM chat_messages
			WHERE world_id = ? AND tool_calls IS NOT NULL ORDER BY chat_id, seq`, worldID)
		if err != nil {
			return nil, fmt.Errorf("sqlite: validate chat messages %s: %w", worldID, err)
		}
		for _, c := range chats {
			report.Checked++
			for _, seq := range badChat[c.id] {
				add("chat", c.id, fmt.Sprintf("tool_calls invalid JSON at seq %d", seq))
			}
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
		if !json.Valid([]byte(a.participants)) {
			add("archive", a.id, "participants invalid JSON")
		}
		if !json.Valid([]byte(a.tags)) {
			add("archive", a.id, "tags invalid JSON")
		}
		if a.stored != a.actual {
			add("archive", a.id, fmt.Sprintf("messageCount %d but %d rows", a.stored, a.actual))
		}
		if !a.hasStats {
			add("archive", a.id, "statistics row missing")
		}
	}

	s.logger.Debug("sqlite: integrity validated", "world", worldID, "agent", agentID,
		"checked", report.Checked, "issues", len(report.Issues), "duration", time.Since(start))
	return report, nil
}

// RepairData fixes what validation can detect mechanically: it clears
// unparseable tool_calls columns, rewrites derivable message counts, and
// recomputes missing statistics rows. All writes land in one transaction.
func (s *Store) RepairData(ctx context.Context, worldID, agentID string) (*agentworld.RepairReport, error) {
	start := time.Now()
	report := &agentworld.RepairReport{WorldID: worldID, AgentID: agentID}

	if _, err := s.LoadWorld(ctx, worldID); err != nil {
		return nil, err
	}

	// Read everything first; one connection cannot scan and write at once.
	badMemory, err := s.invalidToolCalls(ctx, `
		SELECT agent_id, seq, tool_calls FROM agent_memory
		WHERE world_id = ? AND tool_calls IS NOT NULL ORDER BY agent_id, seq`, worldID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: repair memory %s: %w", worldID, err)
	}
	var chats []chatCount
	var badChat map[string][]int64
	if agentID == "" {
		if chats, err = s.chatCounts(ctx, worldID); err != nil {
			return nil, err
		}
		badChat, err = s.invalidToolCalls(ctx, `
			SELECT chat_id, seq, tool_calls FROM chat_messages
			WHERE world_id = ? AND tool_calls IS NOT NULL ORDER BY chat_id, seq`, worldID)
		if err != nil {
			return nil, fmt.Errorf("sqlite: repair chat messages %s: %w", worldID, err)
		}
	}
	archives, err := s.archiveCounts(ctx, worldID)
	if err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("sqlite: begin repair: %w", err)
	}
	defer tx.Rollback()

	for _, id := range sortedKeys(badMemory) {
		if agentID != "" && !strings.EqualFold(id, agentID) {
			continue
		}
		for _, seq := range badMemory[id] {
			if _, err := tx.ExecContext(ctx, `
				UPDATE agent_memory SET tool_calls = NULL
				WHERE world_id = ? AND agent_id = ? AND seq = ?`, worldID, id, seq); err != nil {
				return nil, fmt.Errorf("sqlite: clear memory tool_calls %s: %w", id, err)
			}
		}
		report.Repaired = append(report.Repaired,
			fmt.Sprintf("agent %s: cleared %d invalid tool_calls", id, len(badMemory[id])))
	}

	for _, c := range chats {
		if bad := badChat[c.id]; len(bad) > 0 {
			for _, seq := range bad {
				if _, err := tx.ExecContext(ctx,
					`UPDATE chat_messages SET tool_calls = NULL WHERE seq = ?`, seq); err != nil {
					return nil, fmt.Errorf("sqlite: clear chat tool_calls %s: %w", c.id, err)
				}
			}
			report.Repaired = append(report.Repaired,
				fmt.Sprintf("chat %s: cleared %d invalid tool_calls", c.id, len(bad)))
		}
		if c.stored != c.actual {
			if _, err := tx.ExecContext(ctx, `
				UPDATE chats SET message_count = ?, updated_at = ?
				WHERE world_id = ? AND id = ?`,
				c.actual, millis(time.Now().UTC()), worldID, c.id); err != nil {
				return nil, fmt.Errorf("sqlite: repair chat count %s: %w", c.id, err)
			}
			report.Repaired = append(report.Repaired,
				fmt.Sprintf("chat %s: messageCount corrected to %d", c.id, c.actual))
		}
	}

	for _, a := range archives {
		if agentID != "" && !strings.EqualFold(a.agentID, agentID) {
			continue
		}
		if a.stored != a.actual {
			if _, err := tx.ExecContext(ctx,
				`UPDATE memory_archives SET message_count = ? WHERE id = ?`, a.actual, a.id); err != nil {
				return nil, fmt.Errorf("sqlite: repair archive count %s: %w", a.id, err)
			}
			report.Repaired = append(report.Repaired,
				fmt.Sprintf("archive %s: messageCount corrected to %d", a.id, a.actual))
		}
		if !a.hasStats {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO archive_statistics (archive_id, total_chars, user_messages,
					assistant_messages, tool_messages, system_messages)
				SELECT ?, COALESCE(SUM(LENGTH(content)), 0),
					COALESCE(SUM(CASE WHEN role = 'user' THEN 1 ELSE 0 END), 0),
					COALESCE(SUM(CASE WHEN role = 'assistant' THEN 1 ELSE 0 END), 0),
					COALESCE(SUM(CASE WHEN role = 'tool' THEN 1 ELSE 0 END), 0),
					COALESCE(SUM(CASE WHEN role = 'system' THEN 1 ELSE 0 END), 0)
				FROM archived_messages WHERE archive_id = ?`, a.id, a.id); err != nil {
				return nil, fmt.Errorf("sqlite: recompute statistics %s: %w", a.id, err)
			}
			report.Repaired = append(report.Repaired,
				fmt.Sprintf("archive %s: statistics recomputed", a.id))
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("sqlite: commit repair: %w", err)
	}
	s.logger.Info("sqlite: repair finished", "world", worldID, "agent", agentID,
		"repaired", len(report.Repaired), "duration", time.Since(start))
	return report, nil
}

// --- Scan helpers ---

// listIDs drains a single-column string query.
func (s *Store) listIDs(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
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

// invalidToolCalls drains an (owner, seq, tool_calls) query and returns
// the seqs whose column does not parse as JSON, grouped by owner.
func (s *Store) invalidToolCalls(ctx context.Context, query string, args ...any) (map[string][]int64, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	bad := map[string][]int64{}
	for rows.Next() {
		var owner, col string
		var seq int64
		if err := rows.Scan(&owner, &seq, &col); err != nil {
			return nil, err
		}
		if !json.Valid([]byte(col)) {
			bad[owner] = append(bad[owner], seq)
		}
	}
	return bad, rows.Err()
}

type chatCount struct {
	id             string
	stored, actual int
}

func (s *Store) chatCounts(ctx context.Context, worldID string) ([]chatCount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.message_count,
			(SELECT COUNT(*) FROM chat_messages m WHERE m.world_id = c.world_id AND m.chat_id = c.id)
		FROM chats c WHERE c.world_id = ? ORDER BY c.id`, worldID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: chat counts %s: %w", worldID, err)
	}
	defer rows.Close()

	var out []chatCount
	for rows.Next() {
		var c chatCount
		if err := rows.Scan(&c.id, &c.stored, &c.actual); err != nil {
			return nil, fmt.Errorf("sqlite: scan chat count: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: chat counts %s: %w", worldID, err)
	}
	return out, nil
}

type archiveCount struct {
	id, agentID        string
	participants, tags string
	stored, actual     int
	hasStats           bool
}

func (s *Store) archiveCounts(ctx context.Context, worldID string) ([]archiveCount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT a.id, a.agent_id, a.participants, a.tags, a.message_count,
			(SELECT COUNT(*) FROM archived_messages m WHERE m.archive_id = a.id),
			EXISTS(SELECT 1 FROM archive_statistics st WHERE st.archive_id = a.id)
		FROM memory_archives a WHERE a.world_id = ? ORDER BY a.id`, worldID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: archive counts %s: %w", worldID, err)
	}
	defer rows.Close()

	var out []archiveCount
	for rows.Next() {
		var a archiveCount
		if err := rows.Scan(&a.id, &a.agentID, &a.participants, &a.tags,
			&a.stored, &a.actual, &a.hasStats); err != nil {
			return nil, fmt.Errorf("sqlite: scan archive count: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: archive counts %s: %w", worldID, err)
	}
	return out, nil
}

func sortedKeys(m map[string][]int64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
