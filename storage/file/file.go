// Package file implements agentworld.Storage as a directory tree of JSON
// and JSONL files. One directory per world, one per agent, chat, and
// archive beneath it. Saves go through a temp-file-and-rename so a crash
// never leaves a half-written record.
package file

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/agentworld/agentworld"
)

// StoreOption configures a file Store.
type StoreOption func(*Store)

// WithLogger sets a structured logger for the store. When set, the store
// emits debug logs for every operation including timing and key
// parameters. If not set, no logs are emitted.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// Store implements agentworld.Storage on a local directory tree rooted at
// root. All IDs become path segments, so they are validated against
// traversal before use.
type Store struct {
	root   string
	logger *slog.Logger
}

var _ agentworld.Storage = (*Store)(nil)

// nopLogger is a logger that discards all output.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// New creates a Store rooted at root, creating the directory if needed.
func New(root string, opts ...StoreOption) (*Store, error) {
	if root == "" {
		return nil, fmt.Errorf("file: root directory required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("file: create root: %w", err)
	}
	s := &Store{root: root, logger: nopLogger}
	for _, o := range opts {
		o(s)
	}
	s.logger.Debug("file: store opened", "root", root)
	return s, nil
}

// --- Paths ---

func (s *Store) worldDir(worldID string) string {
	return filepath.Join(s.root, worldID)
}

func (s *Store) worldFile(worldID string) string {
	return filepath.Join(s.root, worldID, "world.json")
}

func (s *Store) agentDir(worldID, agentID string) string {
	return filepath.Join(s.root, worldID, "agents", agentID)
}

func (s *Store) chatDir(worldID, chatID string) string {
	return filepath.Join(s.root, worldID, "chats", chatID)
}

func (s *Store) archiveDir(worldID, archiveID string) string {
	return filepath.Join(s.root, worldID, "archives", archiveID)
}

// checkSegments rejects IDs that would escape the tree or collapse into
// another record's path.
func checkSegments(ids ...string) error {
	for _, id := range ids {
		if id == "" || id == "." || id == ".." ||
			strings.ContainsAny(id, `/\`) || strings.ContainsRune(id, os.PathSeparator) {
			return &agentworld.ValidationError{Field: "id", Message: fmt.Sprintf("unusable as a path segment: %q", id)}
		}
	}
	return nil
}

// --- Atomic file IO ---

// writeFileAtomic writes data next to path and renames it into place. The
// temp file is fsynced before the rename so the contents survive a crash.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	cleanup := true
	defer func() {
		if cleanup {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		return err
	}
	if err := tmp.Sync(); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	cleanup = false
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return nil
}

func writeJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(path, append(data, '\n'))
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// writeJSONL writes one JSON document per line, atomically.
func writeJSONL[T any](path string, items []T) error {
	var buf strings.Builder
	for i := range items {
		line, err := json.Marshal(&items[i])
		if err != nil {
			return err
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}
	return writeFileAtomic(path, []byte(buf.String()))
}

// readJSONL parses one document per line. A missing file is an empty list.
func readJSONL[T any](path string) ([]T, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var out []T
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var item T
		if err := json.Unmarshal([]byte(line), &item); err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNo, err)
		}
		out = append(out, item)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// appendJSONL appends one document as a line. Append is not atomic, but
// there is a single recorder per world so lines never interleave; repair
// drops a torn trailing line.
func appendJSONL(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	line, err := json.Marshal(v)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return err
	}
	return f.Sync()
}

// --- Worlds ---

// SaveWorld writes world.json. Only the exported config fields serialize.
func (s *Store) SaveWorld(ctx context.Context, w *agentworld.World) error {
	if err := checkSegments(w.ID); err != nil {
		return err
	}
	start := time.Now()
	if err := writeJSONAtomic(s.worldFile(w.ID), w); err != nil {
		return &agentworld.StorageError{Op: "save world " + w.ID, Err: err}
	}
	s.logger.Debug("file: world saved", "world", w.ID, "duration", time.Since(start))
	return nil
}

// LoadWorld reads world.json.
func (s *Store) LoadWorld(ctx context.Context, worldID string) (*agentworld.World, error) {
	if err := checkSegments(worldID); err != nil {
		return nil, err
	}
	var w agentworld.World
	if err := readJSON(s.worldFile(worldID), &w); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("file: world %s: %w", worldID, agentworld.ErrNotFound)
		}
		return nil, &agentworld.StorageError{Op: "load world " + worldID, Err: err}
	}
	return &w, nil
}

// DeleteWorld removes the world directory, cascading to agents, chats,
// and archives.
func (s *Store) DeleteWorld(ctx context.Context, worldID string) error {
	if err := checkSegments(worldID); err != nil {
		return err
	}
	dir := s.worldDir(worldID)
	if _, err := os.Stat(dir); errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("file: world %s: %w", worldID, agentworld.ErrNotFound)
	}
	if err := os.RemoveAll(dir); err != nil {
		return &agentworld.StorageError{Op: "delete world " + worldID, Err: err}
	}
	s.logger.Debug("file: world deleted", "world", worldID)
	return nil
}

// ListWorlds loads every directory under root that carries a world.json.
// Entries that fail to parse are skipped with a warning.
func (s *Store) ListWorlds(ctx context.Context) ([]*agentworld.World, error) {
	start := time.Now()
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, &agentworld.StorageError{Op: "list worlds", Err: err}
	}

	var out []*agentworld.World
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		w, err := s.LoadWorld(ctx, e.Name())
		if err != nil {
			if !errors.Is(err, agentworld.ErrNotFound) {
				s.logger.Warn("file: skipping unreadable world", "world", e.Name(), "error", err)
			}
			continue
		}
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	s.logger.Debug("file: worlds listed", "count", len(out), "duration", time.Since(start))
	return out, nil
}
