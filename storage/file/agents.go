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

	"golang.org/x/sync/errgroup"

	"github.com/agentworld/agentworld"
)

// batchLoadParallelism bounds concurrent agent reads in LoadAgentsBatch.
const batchLoadParallelism = 8

// Agent records split across three files: config.json carries the
// settings, system-prompt.md the prompt, memory.jsonl the history. The
// split keeps prompts hand-editable and memory appends cheap to inspect.
const (
	agentConfigFile = "config.json"
	agentPromptFile = "system-prompt.md"
	agentMemoryFile = "memory.jsonl"
)

// SaveAgent writes config, system prompt, and memory.
func (s *Store) SaveAgent(ctx context.Context, worldID string, a *agentworld.Agent) error {
	if err := s.SaveAgentConfig(ctx, worldID, a); err != nil {
		return err
	}
	return s.SaveAgentMemory(ctx, worldID, a.ID, a.Memory)
}

// SaveAgentConfig writes config.json and system-prompt.md, leaving
// memory.jsonl untouched.
func (s *Store) SaveAgentConfig(ctx context.Context, worldID string, a *agentworld.Agent) error {
	if err := checkSegments(worldID, a.ID); err != nil {
		return err
	}
	start := time.Now()
	dir := s.agentDir(worldID, a.ID)

	cfg := *a
	cfg.SystemPrompt = ""
	cfg.Memory = nil
	if err := writeJSONAtomic(filepath.Join(dir, agentConfigFile), &cfg); err != nil {
		return &agentworld.StorageError{Op: "save agent config " + a.ID, Err: err}
	}
	if err := writeFileAtomic(filepath.Join(dir, agentPromptFile), []byte(a.SystemPrompt)); err != nil {
		return &agentworld.StorageError{Op: "save agent prompt " + a.ID, Err: err}
	}
	s.logger.Debug("file: agent config saved", "world", worldID, "agent", a.ID, "duration", time.Since(start))
	return nil
}

// SaveAgentMemory atomically replaces memory.jsonl.
func (s *Store) SaveAgentMemory(ctx context.Context, worldID, agentID string, memory []agentworld.AgentMessage) error {
	if err := checkSegments(worldID, agentID); err != nil {
		return err
	}
	start := time.Now()
	path := filepath.Join(s.agentDir(worldID, agentID), agentMemoryFile)
	if err := writeJSONL(path, memory); err != nil {
		return &agentworld.StorageError{Op: "save agent memory " + agentID, Err: err}
	}
	s.logger.Debug("file: agent memory saved", "world", worldID, "agent", agentID,
		"messages", len(memory), "duration", time.Since(start))
	return nil
}

// LoadAgent reads all three agent files. A missing prompt or memory file
// is treated as empty; a missing config.json is ErrNotFound.
func (s *Store) LoadAgent(ctx context.Context, worldID, agentID string) (*agentworld.Agent, error) {
	if err := checkSegments(worldID, agentID); err != nil {
		return nil, err
	}
	dir := s.agentDir(worldID, agentID)

	var a agentworld.Agent
	if err := readJSON(filepath.Join(dir, agentConfigFile), &a); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("file: agent %s in world %s: %w", agentID, worldID, agentworld.ErrNotFound)
		}
		return nil, &agentworld.StorageError{Op: "load agent " + agentID, Err: err}
	}

	prompt, err := os.ReadFile(filepath.Join(dir, agentPromptFile))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, &agentworld.StorageError{Op: "load agent prompt " + agentID, Err: err}
	}
	a.SystemPrompt = string(prompt)

	memory, err := readJSONL[agentworld.AgentMessage](filepath.Join(dir, agentMemoryFile))
	if err != nil {
		return nil, &agentworld.StorageError{Op: "load agent memory " + agentID, Err: err}
	}
	a.Memory = memory
	return &a, nil
}

// DeleteAgent removes the agent directory.
func (s *Store) DeleteAgent(ctx context.Context, worldID, agentID string) error {
	if err := checkSegments(worldID, agentID); err != nil {
		return err
	}
	dir := s.agentDir(worldID, agentID)
	if _, err := os.Stat(dir); errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("file: agent %s in world %s: %w", agentID, worldID, agentworld.ErrNotFound)
	}
	if err := os.RemoveAll(dir); err != nil {
		return &agentworld.StorageError{Op: "delete agent " + agentID, Err: err}
	}
	s.logger.Debug("file: agent deleted", "world", worldID, "agent", agentID)
	return nil
}

// ListAgents loads every agent under the world, sorted by id. Unreadable
// agents are skipped with a warning so one bad record cannot hide the
// roster.
func (s *Store) ListAgents(ctx context.Context, worldID string) ([]*agentworld.Agent, error) {
	if err := checkSegments(worldID); err != nil {
		return nil, err
	}
	start := time.Now()
	entries, err := os.ReadDir(filepath.Join(s.worldDir(worldID), "agents"))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, &agentworld.StorageError{Op: "list agents " + worldID, Err: err}
	}

	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			ids = append(ids, e.Name())
		}
	}
	agents, err := s.LoadAgentsBatch(ctx, worldID, ids)
	if err != nil {
		return nil, err
	}
	sort.Slice(agents, func(i, j int) bool { return agents[i].ID < agents[j].ID })
	s.logger.Debug("file: agents listed", "world", worldID, "count", len(agents), "duration", time.Since(start))
	return agents, nil
}

// SaveAgentsBatch persists several agents; the first failure aborts.
func (s *Store) SaveAgentsBatch(ctx context.Context, worldID string, agents []*agentworld.Agent) error {
	for _, a := range agents {
		if err := s.SaveAgent(ctx, worldID, a); err != nil {
			return err
		}
	}
	return nil
}

// LoadAgentsBatch loads the given agents with bounded parallelism,
// preserving input order. Missing agents are skipped; other read errors
// fail the batch.
func (s *Store) LoadAgentsBatch(ctx context.Context, worldID string, agentIDs []string) ([]*agentworld.Agent, error) {
	if err := checkSegments(worldID); err != nil {
		return nil, err
	}
	slots := make([]*agentworld.Agent, len(agentIDs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(batchLoadParallelism)

	for i, id := range agentIDs {
		i, id := i, id
		g.Go(func() error {
			a, err := s.LoadAgent(gctx, worldID, id)
			if err != nil {
				if errors.Is(err, agentworld.ErrNotFound) {
					s.logger.Warn("file: skipping missing agent in batch", "world", worldID, "agent", id)
					return nil
				}
				return err
			}
			slots[i] = a
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make([]*agentworld.Agent, 0, len(slots))
	for _, a := range slots {
		if a != nil {
			out = append(out, a)
		}
	}
	return out, nil
}

// agentIDs lists the agent directory names under a world.
func (s *Store) agentIDs(worldID string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.worldDir(worldID), "agents"))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() {
			ids = append(ids, e.Name())
		}
	}
	sort.Strings(ids)
	return ids, nil
}
