package file

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/agentworld/agentworld"
)

// ValidateIntegrity walks a world's tree and reports every record that no
// longer parses: world.json, per-agent config and memory, chat metadata
// and transcripts, archive metadata and message counts. With agentID set
// the pass covers only that agent and its archives.
func (s *Store) ValidateIntegrity(ctx context.Context, worldID, agentID string) (*agentworld.IntegrityReport, error) {
	if err := checkSegments(worldID); err != nil {
		return nil, err
	}
	start := time.Now()
	report := &agentworld.IntegrityReport{WorldID: worldID, AgentID: agentID}
	add := func(scope, id, problem string) {
		report.Issues = append(report.Issues, agentworld.IntegrityIssue{Scope: scope, ID: id, Problem: problem})
	}

	if _, err := os.Stat(s.worldDir(worldID)); errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("file: world %s: %w", worldID, agentworld.ErrNotFound)
	}

	report.Checked++
	var w agentworld.World
	if err := readJSON(s.worldFile(worldID), &w); err != nil {
		add("world", worldID, "world.json unreadable: "+err.Error())
	}

	ids, err := s.agentIDs(worldID)
	if err != nil {
		return nil, &agentworld.StorageError{Op: "validate " + worldID, Err: err}
	}
	for _, id := range ids {
		if agentID != "" && !strings.EqualFold(id, agentID) {
			continue
		}
		report.Checked++
		dir := s.agentDir(worldID, id)

		var a agentworld.Agent
		if err := readJSON(filepath.Join(dir, agentConfigFile), &a); err != nil {
			add("agent", id, "config.json unreadable: "+err.Error())
		}
		if bad, line := firstBadJSONLLine(filepath.Join(dir, agentMemoryFile)); bad {
			add("memory", id, fmt.Sprintf("memory.jsonl corrupt at line %d", line))
		}
	}

	if agentID == "" {
		chats, err := listDirs(filepath.Join(s.worldDir(worldID), "chats"))
		if err != nil {
			return nil, &agentworld.StorageError{Op: "validate chats " + worldID, Err: err}
		}
		for _, id := range chats {
			report.Checked++
			dir := s.chatDir(worldID, id)

			var c agentworld.Chat
			if err := readJSON(filepath.Join(dir, chatMetaFile), &c); err != nil {
				add("chat", id, "meta.json unreadable: "+err.Error())
				continue
			}
			if bad, line := firstBadJSONLLine(filepath.Join(dir, chatMessagesFile)); bad {
				add("chat", id, fmt.Sprintf("messages.jsonl corrupt at line %d", line))
				continue
			}
			if n := countJSONLLines(filepath.Join(dir, chatMessagesFile)); n != c.MessageCount {
				add("chat", id, fmt.Sprintf("messageCount %d but %d messages on disk", c.MessageCount, n))
			}
		}
	}

	archives, err := listDirs(filepath.Join(s.worldDir(worldID), "archives"))
	if err != nil {
		return nil, &agentworld.StorageError{Op: "validate archives " + worldID, Err: err}
	}
	for _, id := range archives {
		dir := s.archiveDir(worldID, id)

		var a agentworld.MemoryArchive
		if err := readJSON(filepath.Join(dir, archiveMetaFile), &a); err != nil {
			if agentID == "" {
				report.Checked++
				add("archive", id, "metadata.json unreadable: "+err.Error())
			}
			continue
		}
		if agentID != "" && !strings.EqualFold(a.AgentID, agentID) {
			continue
		}
		report.Checked++
		if bad, line := firstBadJSONLLine(filepath.Join(dir, archiveMessagesFile)); bad {
			add("archive", id, fmt.Sprintf("messages.jsonl corrupt at line %d", line))
			continue
		}
		if n := countJSONLLines(filepath.Join(dir, archiveMessagesFile)); n != a.MessageCount {
			add("archive", id, fmt.Sprintf("messageCount %d but %d messages on disk", a.MessageCount, n))
		}
	}

	s.logger.Debug("file: integrity validated", "world", worldID, "agent", agentID,
		"checked", report.Checked, "issues", len(report.Issues), "duration", time.Since(start))
	return report, nil
}

// RepairData fixes what validation can detect mechanically: it restores
// the standard subdirectories, drops corrupt trailing JSONL lines, and
// rewrites derivable counts. Records whose primary JSON is unreadable are
// reported as skipped; nothing can be derived for them.
func (s *Store) RepairData(ctx context.Context, worldID, agentID string) (*agentworld.RepairReport, error) {
	if err := checkSegments(worldID); err != nil {
		return nil, err
	}
	start := time.Now()
	report := &agentworld.RepairReport{WorldID: worldID, AgentID: agentID}

	if _, err := os.Stat(s.worldDir(worldID)); errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("file: world %s: %w", worldID, agentworld.ErrNotFound)
	}

	for _, sub := range []string{"agents", "chats", "archives"} {
		dir := filepath.Join(s.worldDir(worldID), sub)
		if _, err := os.Stat(dir); errors.Is(err, fs.ErrNotExist) {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, &agentworld.StorageError{Op: "repair " + worldID, Err: err}
			}
			report.Repaired = append(report.Repaired, "restored directory "+sub)
		}
	}

	ids, err := s.agentIDs(worldID)
	if err != nil {
		return nil, &agentworld.StorageError{Op: "repair " + worldID, Err: err}
	}
	for _, id := range ids {
		if agentID != "" && !strings.EqualFold(id, agentID) {
			continue
		}
		dir := s.agentDir(worldID, id)

		var a agentworld.Agent
		if err := readJSON(filepath.Join(dir, agentConfigFile), &a); err != nil {
			report.Skipped = append(report.Skipped, fmt.Sprintf("agent %s: config.json unreadable", id))
			continue
		}
		dropped, err := truncateCorruptJSONL(filepath.Join(dir, agentMemoryFile))
		if err != nil {
			return nil, &agentworld.StorageError{Op: "repair memory " + id, Err: err}
		}
		if dropped > 0 {
			report.Repaired = append(report.Repaired, fmt.Sprintf("agent %s: dropped %d corrupt memory lines", id, dropped))
		}
	}

	if agentID == "" {
		chats, err := listDirs(filepath.Join(s.worldDir(worldID), "chats"))
		if err != nil {
			return nil, &agentworld.StorageError{Op: "repair chats " + worldID, Err: err}
		}
		for _, id := range chats {
			dir := s.chatDir(worldID, id)

			var c agentworld.Chat
			if err := readJSON(filepath.Join(dir, chatMetaFile), &c); err != nil {
				report.Skipped = append(report.Skipped, fmt.Sprintf("chat %s: meta.json unreadable", id))
				continue
			}
			dropped, err := truncateCorruptJSONL(filepath.Join(dir, chatMessagesFile))
			if err != nil {
				return nil, &agentworld.StorageError{Op: "repair chat " + id, Err: err}
			}
			if dropped > 0 {
				report.Repaired = append(report.Repaired, fmt.Sprintf("chat %s: dropped %d corrupt message lines", id, dropped))
			}
			if n := countJSONLLines(filepath.Join(dir, chatMessagesFile)); n != c.MessageCount {
				c.MessageCount = n
				c.UpdatedAt = time.Now().UTC()
				if err := writeJSONAtomic(filepath.Join(dir, chatMetaFile), &c); err != nil {
					return nil, &agentworld.StorageError{Op: "repair chat meta " + id, Err: err}
				}
				report.Repaired = append(report.Repaired, fmt.Sprintf("chat %s: messageCount corrected to %d", id, n))
			}
		}
	}

	archives, err := listDirs(filepath.Join(s.worldDir(worldID), "archives"))
	if err != nil {
		return nil, &agentworld.StorageError{Op: "repair archives " + worldID, Err: err}
	}
	for _, id := range archives {
		dir := s.archiveDir(worldID, id)

		var a agentworld.MemoryArchive
		if err := readJSON(filepath.Join(dir, archiveMetaFile), &a); err != nil {
			if agentID == "" {
				report.Skipped = append(report.Skipped, fmt.Sprintf("archive %s: metadata.json unreadable", id))
			}
			continue
		}
		if agentID != "" && !strings.EqualFold(a.AgentID, agentID) {
			continue
		}
		if n := countJSONLLines(filepath.Join(dir, archiveMessagesFile)); n != a.MessageCount {
			a.MessageCount = n
			if err := writeJSONAtomic(filepath.Join(dir, archiveMetaFile), &a); err != nil {
				return nil, &agentworld.StorageError{Op: "repair archive meta " + id, Err: err}
			}
			report.Repaired = append(report.Repaired, fmt.Sprintf("archive %s: messageCount corrected to %d", id, n))
		}
	}

	s.logger.Info("file: repair finished", "world", worldID, "agent", agentID,
		"repaired", len(report.Repaired), "skipped", len(report.Skipped), "duration", time.Since(start))
	return report, nil
}

// --- Line-level helpers ---

// firstBadJSONLLine reports the 1-based line number of the first
// unparseable line, if any. A missing file is clean.
func firstBadJSONLLine(path string) (bool, int) {
	f, err := os.Open(path)
	if err != nil {
		return false, 0
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if !json.Valid([]byte(line)) {
			return true, lineNo
		}
	}
	return false, 0
}

// countJSONLLines counts non-empty lines; a missing file counts zero.
func countJSONLLines(path string) int {
	f, err := os.Open(path)
	if err != nil {
		return 0
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	n := 0
	for sc.Scan() {
		if strings.TrimSpace(sc.Text()) != "" {
			n++
		}
	}
	return n
}

// truncateCorruptJSONL rewrites the file keeping the longest prefix of
// valid lines and reports how many were dropped. A torn append corrupts
// only the tail, so everything from the first bad line on goes.
func truncateCorruptJSONL(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, nil
		}
		return 0, err
	}

	var good []string
	total := 0
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		total++
		if !json.Valid([]byte(line)) {
			break
		}
		good = append(good, line)
	}
	// Count the rest so the report reflects everything dropped.
	for sc.Scan() {
		if strings.TrimSpace(sc.Text()) != "" {
			total++
		}
	}
	f.Close()
	if err := sc.Err(); err != nil {
		return 0, err
	}

	dropped := total - len(good)
	if dropped == 0 {
		return 0, nil
	}
	var buf strings.Builder
	for _, line := range good {
		buf.WriteString(line)
		buf.WriteByte('\n')
	}
	if err := writeFileAtomic(path, []byte(buf.String())); err != nil {
		return 0, err
	}
	return dropped, nil
}

// listDirs returns subdirectory names; a missing parent is an empty list.
func listDirs(parent string) ([]string, error) {
	entries, err := os.ReadDir(parent)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			out = append(out, e.Name())
		}
	}
	return out, nil
}
