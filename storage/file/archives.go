package file

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/agentworld/agentworld"
)

// Archive records split like agents: metadata.json carries everything but
// the messages, messages.jsonl the frozen transcript. Archives are written
// once and never modified.
const (
	archiveMetaFile     = "metadata.json"
	archiveMessagesFile = "messages.jsonl"
)

// ArchiveAgentMemory freezes memory into a new archive directory and
// returns its id.
func (s *Store) ArchiveAgentMemory(ctx context.Context, worldID, agentID string, memory []agentworld.AgentMessage, meta agentworld.ArchiveMetadata) (string, error) {
	if err := checkSegments(worldID, agentID); err != nil {
		return "", err
	}
	start := time.Now()
	a := agentworld.NewMemoryArchive(worldID, agentID, memory, meta)
	dir := s.archiveDir(worldID, a.ArchiveID)

	if err := writeJSONL(filepath.Join(dir, archiveMessagesFile), a.Messages); err != nil {
		return "", &agentworld.StorageError{Op: "archive memory " + agentID, Err: err}
	}
	head := *a
	head.Messages = nil
	if err := writeJSONAtomic(filepath.Join(dir, archiveMetaFile), &head); err != nil {
		return "", &agentworld.StorageError{Op: "archive metadata " + agentID, Err: err}
	}
	s.logger.Debug("file: memory archived", "world", worldID, "agent", agentID,
		"archive", a.ArchiveID, "messages", a.MessageCount, "duration", time.Since(start))
	return a.ArchiveID, nil
}

// LoadArchive reads metadata and the full message list.
func (s *Store) LoadArchive(ctx context.Context, worldID, archiveID string) (*agentworld.MemoryArchive, error) {
	if err := checkSegments(worldID, archiveID); err != nil {
		return nil, err
	}
	dir := s.archiveDir(worldID, archiveID)

	var a agentworld.MemoryArchive
	if err := readJSON(filepath.Join(dir, archiveMetaFile), &a); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("file: archive %s in world %s: %w", archiveID, worldID, agentworld.ErrNotFound)
		}
		return nil, &agentworld.StorageError{Op: "load archive " + archiveID, Err: err}
	}
	msgs, err := readJSONL[agentworld.AgentMessage](filepath.Join(dir, archiveMessagesFile))
	if err != nil {
		return nil, &agentworld.StorageError{Op: "load archive messages " + archiveID, Err: err}
	}
	a.Messages = msgs
	return &a, nil
}

// ListArchives returns archive metadata (no messages), newest first.
func (s *Store) ListArchives(ctx context.Context, worldID string) ([]*agentworld.MemoryArchive, error) {
	if err := checkSegments(worldID); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(filepath.Join(s.worldDir(worldID), "archives"))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, &agentworld.StorageError{Op: "list archives " + worldID, Err: err}
	}

	var out []*agentworld.MemoryArchive
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		var a agentworld.MemoryArchive
		if err := readJSON(filepath.Join(s.archiveDir(worldID, e.Name()), archiveMetaFile), &a); err != nil {
			s.logger.Warn("file: skipping unreadable archive", "world", worldID, "archive", e.Name(), "error", err)
			continue
		}
		out = append(out, &a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// SearchArchives filters archive metadata with the shared matcher.
func (s *Store) SearchArchives(ctx context.Context, worldID string, q agentworld.ArchiveQuery) ([]*agentworld.MemoryArchive, error) {
	all, err := s.ListArchives(ctx, worldID)
	if err != nil {
		return nil, err
	}
	var out []*agentworld.MemoryArchive
	for _, a := range all {
		if agentworld.MatchArchive(a, q) {
			out = append(out, a)
			if q.Limit > 0 && len(out) == q.Limit {
				break
			}
		}
	}
	return out, nil
}

// ExportArchive renders one archive with the shared encoder.
func (s *Store) ExportArchive(ctx context.Context, worldID, archiveID string, opts agentworld.ExportOptions) ([]byte, error) {
	a, err := s.LoadArchive(ctx, worldID, archiveID)
	if err != nil {
		return nil, err
	}
	return agentworld.EncodeArchive(a, opts)
}
