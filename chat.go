package agentworld

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

const defaultChatName = "New Chat"

const chatTitleSystemPrompt = "Generate a short title (3 to 5 words) for a conversation " +
	"that starts with the user message below. Reply with the title only, no quotes."

// CreateChatParams configures a new chat. When Name is empty a title is
// derived from FirstMessage via the world's chat LLM, falling back to
// "New Chat". Activate makes the chat current immediately.
type CreateChatParams struct {
	ID           string
	Name         string
	Description  string
	FirstMessage string
	Activate     bool
}

// UpdateChatParams patches a chat; nil fields keep their value.
type UpdateChatParams struct {
	Name        *string
	Description *string
}

// CreateChat persists a new chat in the given world.
func (m *Manager) CreateChat(ctx context.Context, worldID string, p CreateChatParams) (*Chat, error) {
	w, err := m.GetWorld(ctx, worldID)
	if err != nil {
		return nil, err
	}

	id := strings.TrimSpace(p.ID)
	if id == "" {
		id = NewID()
	} else if existing, lerr := m.storage.LoadChat(ctx, w.ID, id); lerr == nil && existing != nil {
		return nil, fmt.Errorf("chat %s: %w", id, ErrConflict)
	} else if lerr != nil && !errors.Is(lerr, ErrNotFound) {
		return nil, lerr
	}

	name := strings.TrimSpace(p.Name)
	if name == "" {
		name = m.titleChat(ctx, w, p.FirstMessage)
	}

	now := time.Now().UTC()
	c := &Chat{
		ID:          id,
		WorldID:     w.ID,
		Name:        name,
		Description: p.Description,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := m.storage.SaveChat(ctx, w.ID, c); err != nil {
		return nil, err
	}
	m.log.Info("chat created", "world", w.ID, "chat", id, "name", name)

	if p.Activate {
		if err := m.SetCurrentChat(ctx, w.ID, id); err != nil {
			return c, err
		}
	}
	return c, nil
}

// titleChat asks the world's chat LLM for a short title. Any failure falls
// back to the default name; titling never blocks chat creation.
func (m *Manager) titleChat(ctx context.Context, w *World, firstMessage string) string {
	firstMessage = strings.TrimSpace(firstMessage)
	w.mu.RLock()
	provider, model := w.ChatLLMProvider, w.ChatLLMModel
	w.mu.RUnlock()
	if firstMessage == "" || provider == "" || model == "" {
		return defaultChatName
	}

	p, err := m.buildProvider(&Agent{Provider: provider, Model: model})
	if err != nil {
		m.log.Warn("chat titling unavailable", "world", w.ID, "error", err)
		return defaultChatName
	}
	resp, err := p.Generate(ctx, GenerateRequest{
		Model: model,
		Messages: []AgentMessage{
			NewSystemMessage(chatTitleSystemPrompt),
			NewUserMessage(firstMessage, "human"),
		},
		MaxTokens: 32,
	})
	if err != nil {
		m.log.Warn("chat titling failed", "world", w.ID, "error", err)
		return defaultChatName
	}

	title := strings.TrimSpace(resp.Content)
	if i := strings.IndexByte(title, '\n'); i >= 0 {
		title = strings.TrimSpace(title[:i])
	}
	title = strings.Trim(title, `"'`)
	if title == "" {
		return defaultChatName
	}
	if len(title) > 80 {
		title = title[:80]
	}
	return title
}

// GetChat fetches one chat's metadata.
func (m *Manager) GetChat(ctx context.Context, worldID, chatID string) (*Chat, error) {
	w, err := m.GetWorld(ctx, worldID)
	if err != nil {
		return nil, err
	}
	return m.storage.LoadChat(ctx, w.ID, chatID)
}

// ListChats lists a world's chats.
func (m *Manager) ListChats(ctx context.Context, worldID string) ([]*Chat, error) {
	w, err := m.GetWorld(ctx, worldID)
	if err != nil {
		return nil, err
	}
	return m.storage.ListChats(ctx, w.ID)
}

// UpdateChat patches chat metadata and persists it.
func (m *Manager) UpdateChat(ctx context.Context, worldID, chatID string, p UpdateChatParams) (*Chat, error) {
	w, err := m.GetWorld(ctx, worldID)
	if err != nil {
		return nil, err
	}
	c, err := m.storage.LoadChat(ctx, w.ID, chatID)
	if err != nil {
		return nil, err
	}
	if p.Name != nil {
		c.Name = *p.Name
	}
	if p.Description != nil {
		c.Description = *p.Description
	}
	c.UpdatedAt = time.Now().UTC()
	if err := m.storage.SaveChat(ctx, w.ID, c); err != nil {
		return nil, err
	}
	return c, nil
}

// DeleteChat removes a chat and its messages. Deleting the current chat
// deactivates it first; cached tool approvals for the chat are dropped.
func (m *Manager) DeleteChat(ctx context.Context, worldID, chatID string) error {
	w, err := m.GetWorld(ctx, worldID)
	if err != nil {
		return err
	}
	if w.currentChatID() == chatID {
		if err := m.SetCurrentChat(ctx, w.ID, ""); err != nil {
			return err
		}
	}
	if err := m.storage.DeleteChat(ctx, w.ID, chatID); err != nil {
		return err
	}
	m.approvals.clearChat(chatID)
	m.log.Info("chat deleted", "world", w.ID, "chat", chatID)
	return nil
}

// SetCurrentChat switches the world's active chat and rewires live
// capture. An empty chatID deactivates capture.
func (m *Manager) SetCurrentChat(ctx context.Context, worldID, chatID string) error {
	w, err := m.GetWorld(ctx, worldID)
	if err != nil {
		return err
	}
	if chatID != "" {
		if _, err := m.storage.LoadChat(ctx, w.ID, chatID); err != nil {
			return err
		}
	}
	w.setCurrentChatID(chatID)
	if err := m.storage.SaveWorld(ctx, w.configSnapshot()); err != nil {
		return err
	}
	w.syncChatCapture()
	return nil
}

// GetChatMessages returns the ordered transcript of one chat.
func (m *Manager) GetChatMessages(ctx context.Context, worldID, chatID string) ([]AgentMessage, error) {
	w, err := m.GetWorld(ctx, worldID)
	if err != nil {
		return nil, err
	}
	return m.storage.LoadChatMessages(ctx, w.ID, chatID)
}

// --- Snapshot and restore ---

// SnapshotWorldChat assembles and persists a point-in-time WorldChat:
// world config, roster agents with memory filtered to the chat, the
// transcript, and thread metadata derived from it.
func (m *Manager) SnapshotWorldChat(ctx context.Context, worldID, chatID string) (*WorldChat, error) {
	w, err := m.GetWorld(ctx, worldID)
	if err != nil {
		return nil, err
	}
	chat, err := m.storage.LoadChat(ctx, w.ID, chatID)
	if err != nil {
		return nil, err
	}
	messages, err := m.storage.LoadChatMessages(ctx, w.ID, chatID)
	if err != nil {
		return nil, err
	}

	agents := w.ListAgents()
	for _, a := range agents {
		a.Memory = filterMessagesByChat(a.Memory, chatID)
	}

	snapshot := &WorldChat{
		World:    w.configSnapshot(),
		Chat:     chat,
		Agents:   agents,
		Messages: messages,
		Threads:  CalculateThreadMetadata(messages),
	}
	if err := m.storage.SaveWorldChat(ctx, w.ID, chatID, snapshot); err != nil {
		return nil, err
	}
	m.log.Info("world chat snapshot saved", "world", w.ID, "chat", chatID,
		"agents", len(agents), "messages", len(messages))
	return snapshot, nil
}

// RestoreWorldChat loads a chat snapshot (falling back to a live assembly
// when none was saved), replaces each roster agent's memory with the
// snapshot's chat-filtered memory, and makes the chat current.
func (m *Manager) RestoreWorldChat(ctx context.Context, worldID, chatID string) (*WorldChat, error) {
	w, err := m.GetWorld(ctx, worldID)
	if err != nil {
		return nil, err
	}

	snap, err := m.storage.LoadWorldChat(ctx, w.ID, chatID)
	if errors.Is(err, ErrNotFound) {
		snap, err = m.storage.LoadWorldChatFull(ctx, w.ID, chatID)
	}
	if err != nil {
		return nil, err
	}

	for _, sa := range snap.Agents {
		if _, lerr := w.GetAgent(sa.ID); lerr != nil {
			w.log.Warn("snapshot agent not in roster, skipping", "agent", sa.ID, "chat", chatID)
			continue
		}
		memory := filterMessagesByChat(sa.Memory, chatID)
		if uerr := w.UpdateAgentMemory(ctx, sa.ID, memory); uerr != nil {
			return nil, uerr
		}
	}

	w.setCurrentChatID(chatID)
	if err := m.storage.SaveWorld(ctx, w.configSnapshot()); err != nil {
		return nil, err
	}
	w.syncChatCapture()
	m.log.Info("world chat restored", "world", w.ID, "chat", chatID, "agents", len(snap.Agents))
	return snap, nil
}

// filterMessagesByChat keeps messages tagged with chatID, preserving order.
func filterMessagesByChat(msgs []AgentMessage, chatID string) []AgentMessage {
	var out []AgentMessage
	for _, msg := range msgs {
		if msg.ChatID == chatID {
			out = append(out, msg)
		}
	}
	return CloneMessages(out)
}

// --- World-method mirrors ---

func (w *World) CreateChat(ctx context.Context, p CreateChatParams) (*Chat, error) {
	return w.mgr.CreateChat(ctx, w.ID, p)
}

func (w *World) GetChat(ctx context.Context, chatID string) (*Chat, error) {
	return w.mgr.GetChat(ctx, w.ID, chatID)
}

func (w *World) ListChats(ctx context.Context) ([]*Chat, error) {
	return w.mgr.ListChats(ctx, w.ID)
}

func (w *World) UpdateChat(ctx context.Context, chatID string, p UpdateChatParams) (*Chat, error) {
	return w.mgr.UpdateChat(ctx, w.ID, chatID, p)
}

func (w *World) DeleteChat(ctx context.Context, chatID string) error {
	return w.mgr.DeleteChat(ctx, w.ID, chatID)
}

func (w *World) SetCurrentChat(ctx context.Context, chatID string) error {
	return w.mgr.SetCurrentChat(ctx, w.ID, chatID)
}

// CurrentChat returns the active chat id, empty when none.
func (w *World) CurrentChat() string {
	return w.currentChatID()
}

// --- Live capture ---

// syncChatCapture aligns the capture subscription with CurrentChatID.
// Captured events are queued and appended off the bus so publishers never
// wait on storage.
func (w *World) syncChatCapture() {
	w.mu.Lock()
	defer w.mu.Unlock()

	chatID := w.CurrentChatID
	if w.chatCaptureID == chatID {
		return
	}
	if w.chatUnsub != nil {
		w.chatUnsub()
		w.chatUnsub = nil
	}
	w.chatCaptureID = chatID
	if chatID == "" {
		return
	}

	queue := newInbox()
	unsub := w.emitter.subscribe(TopicMessage, func(event any) {
		if ev, ok := event.(WorldMessageEvent); ok {
			queue.push(ev)
		}
	})
	go w.runChatRecorder(chatID, queue)
	w.chatUnsub = func() {
		unsub()
		queue.close()
	}
}

func (w *World) runChatRecorder(chatID string, queue *inbox) {
	for {
		ev, ok := queue.pop()
		if !ok {
			return
		}
		w.recordChatMessage(chatID, ev)
	}
}

// recordChatMessage appends one published event to the active chat's log.
// Failures are warnings; the live conversation is not interrupted.
func (w *World) recordChatMessage(chatID string, ev WorldMessageEvent) {
	msg := AgentMessage{
		Role:             roleForSender(DetermineSenderType(ev.Sender)),
		Content:          ev.Content,
		Sender:           ev.Sender,
		CreatedAt:        ev.Timestamp,
		ChatID:           chatID,
		MessageID:        ev.MessageID,
		ReplyToMessageID: ev.ReplyToMessageID,
	}
	ctx := context.WithoutCancel(w.baseCtx)
	if err := w.mgr.storage.AppendChatMessage(ctx, w.ID, chatID, msg); err != nil {
		w.log.Warn("chat append failed", "chat", chatID, "message", ev.MessageID, "error", err)
	}
}

// roleForSender maps who published a message to the transcript role it is
// stored under.
func roleForSender(st SenderType) string {
	switch st {
	case SenderAgent:
		return RoleAssistant
	case SenderSystem:
		return RoleSystem
	default:
		return RoleUser
	}
}
