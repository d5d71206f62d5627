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

const (
	chatMetaFile     = "meta.json"
	chatMessagesFile = "messages.jsonl"
	chatSnapshotFile = "snapshot.json"
)

// SaveChat writes meta.json for the chat.
func (s *Store) SaveChat(ctx context.Context, worldID string, c *agentworld.Chat) error {
	if err := checkSegments(worldID, c.ID); err != nil {
		return err
	}
	path := filepath.Join(s.chatDir(worldID, c.ID), chatMetaFile)
	if err := writeJSONAtomic(path, c); err != nil {
		return &agentworld.StorageError{Op: "save chat " + c.ID, Err: err}
	}
	s.logger.Debug("file: chat saved", "world", worldID, "chat", c.ID)
	return nil
}

// LoadChat reads meta.json.
func (s *Store) LoadChat(ctx context.Context, worldID, chatID string) (*agentworld.Chat, error) {
	if err := checkSegments(worldID, chatID); err != nil {
		return nil, err
	}
	var c agentworld.Chat
	if err := readJSON(filepath.Join(s.chatDir(worldID, chatID), chatMetaFile), &c); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("file: chat %s in world %s: %w", chatID, worldID, agentworld.ErrNotFound)
		}
		return nil, &agentworld.StorageError{Op: "load chat " + chatID, Err: err}
	}
	return &c, nil
}

// ListChats loads every chat under the world, newest first.
func (s *Store) ListChats(ctx context.Context, worldID string) ([]*agentworld.Chat, error) {
	if err := checkSegments(worldID); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(filepath.Join(s.worldDir(worldID), "chats"))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, &agentworld.StorageError{Op: "list chats " + worldID, Err: err}
	}

	var out []*agentworld.Chat
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		c, err := s.LoadChat(ctx, worldID, e.Name())
		if err != nil {
			if !errors.Is(err, agentworld.ErrNotFound) {
				s.logger.Warn("file: skipping unreadable chat", "world", worldID, "chat", e.Name(), "error", err)
			}
			continue
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

// DeleteChat removes the chat directory, messages and snapshot included.
func (s *Store) DeleteChat(ctx context.Context, worldID, chatID string) error {
	if err := checkSegments(worldID, chatID); err != nil {
		return err
	}
	dir := s.chatDir(worldID, chatID)
	if _, err := os.Stat(dir); errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("file: chat %s in world %s: %w", chatID, worldID, agentworld.ErrNotFound)
	}
	if err := os.RemoveAll(dir); err != nil {
		return &agentworld.StorageError{Op: "delete chat " + chatID, Err: err}
	}
	s.logger.Debug("file: chat deleted", "world", worldID, "chat", chatID)
	return nil
}

// AppendChatMessage appends one line to messages.jsonl and bumps the
// chat's message count.
func (s *Store) AppendChatMessage(ctx context.Context, worldID, chatID string, msg agentworld.AgentMessage) error {
	if err := checkSegments(worldID, chatID); err != nil {
		return err
	}
	start := time.Now()
	c, err := s.LoadChat(ctx, worldID, chatID)
	if err != nil {
		return err
	}

	path := filepath.Join(s.chatDir(worldID, chatID), chatMessagesFile)
	if err := appendJSONL(path, &msg); err != nil {
		return &agentworld.StorageError{Op: "append chat message " + chatID, Err: err}
	}

	c.MessageCount++
	c.UpdatedAt = time.Now().UTC()
	if err := s.SaveChat(ctx, worldID, c); err != nil {
		return err
	}
	s.logger.Debug("file: chat message appended", "world", worldID, "chat", chatID,
		"count", c.MessageCount, "duration", time.Since(start))
	return nil
}

// LoadChatMessages reads the ordered transcript.
func (s *Store) LoadChatMessages(ctx context.Context, worldID, chatID string) ([]agentworld.AgentMessage, error) {
	if err := checkSegments(worldID, chatID); err != nil {
		return nil, err
	}
	if _, err := s.LoadChat(ctx, worldID, chatID); err != nil {
		return nil, err
	}
	msgs, err := readJSONL[agentworld.AgentMessage](filepath.Join(s.chatDir(worldID, chatID), chatMessagesFile))
	if err != nil {
		return nil, &agentworld.StorageError{Op: "load chat messages " + chatID, Err: err}
	}
	return msgs, nil
}

// SaveWorldChat writes the snapshot document beside the chat's transcript.
func (s *Store) SaveWorldChat(ctx context.Context, worldID, chatID string, snapshot *agentworld.WorldChat) error {
	if err := checkSegments(worldID, chatID); err != nil {
		return err
	}
	path := filepath.Join(s.chatDir(worldID, chatID), chatSnapshotFile)
	if err := writeJSONAtomic(path, snapshot); err != nil {
		return &agentworld.StorageError{Op: "save world chat " + chatID, Err: err}
	}
	s.logger.Debug("file: world chat snapshot saved", "world", worldID, "chat", chatID)
	return nil
}

// LoadWorldChat reads a snapshot written by SaveWorldChat.
func (s *Store) LoadWorldChat(ctx context.Context, worldID, chatID string) (*agentworld.WorldChat, error) {
	if err := checkSegments(worldID, chatID); err != nil {
		return nil, err
	}
	var snap agentworld.WorldChat
	if err := readJSON(filepath.Join(s.chatDir(worldID, chatID), chatSnapshotFile), &snap); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("file: world chat snapshot %s/%s: %w", worldID, chatID, agentworld.ErrNotFound)
		}
		return nil, &agentworld.StorageError{Op: "load world chat " + chatID, Err: err}
	}
	return &snap, nil
}

// LoadWorldChatFull assembles a WorldChat from live records: world config,
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
	s.logger.Debug("file: world chat assembled", "world", worldID, "chat", chatID,
		"agents", len(agents), "messages", len(messages), "duration", time.Since(start))
	return snap, nil
}
