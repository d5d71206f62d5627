package agentworld

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// DefaultTurnLimit bounds consecutive LLM calls per agent when the world
// does not configure its own.
const DefaultTurnLimit = 5

// agentRuntime couples a roster agent with its subscription and inbox.
type agentRuntime struct {
	agent *Agent
	inbox *inbox
	unsub func()
}

// inbox is an unbounded FIFO feeding one agent's worker goroutine. Fan-out
// never blocks on a slow agent, and each agent observes messages in publish
// order. After close the backlog still drains before pop reports done.
type inbox struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []WorldMessageEvent
	closed bool
}

func newInbox() *inbox {
	b := &inbox{}
	b.cond = sync.NewCond(&b.mu)
	return b
}

func (b *inbox) push(ev WorldMessageEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.queue = append(b.queue, ev)
	b.cond.Signal()
}

func (b *inbox) pop() (WorldMessageEvent, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for len(b.queue) == 0 && !b.closed {
		b.cond.Wait()
	}
	if len(b.queue) == 0 {
		return WorldMessageEvent{}, false
	}
	ev := b.queue[0]
	b.queue = b.queue[1:]
	return ev, true
}

func (b *inbox) close() {
	b.mu.Lock()
	b.closed = true
	b.cond.Broadcast()
	b.mu.Unlock()
}

// --- Publication ---

// PublishMessage stamps a timestamp and a fresh message id, then fans the
// event out on the message topic. It is non-blocking: agent handlers pick
// the event up from their inboxes.
func (w *World) PublishMessage(content, sender string) WorldMessageEvent {
	return w.publishMessageEvent(content, sender, "")
}

func (w *World) publishMessageEvent(content, sender, replyTo string) WorldMessageEvent {
	ev := WorldMessageEvent{
		Content:          content,
		Sender:           sender,
		Timestamp:        time.Now().UTC(),
		MessageID:        NewID(),
		ReplyToMessageID: replyTo,
	}
	w.emitter.publish(TopicMessage, ev)
	return ev
}

// publishSSE fills in a missing message id and fans the event out on the
// sse topic.
func (w *World) publishSSE(ev WorldSSEEvent) WorldSSEEvent {
	if ev.MessageID == "" {
		ev.MessageID = NewID()
	}
	w.emitter.publish(TopicSSE, ev)
	return ev
}

// publishActivity mirrors the event on its own type topic and on the
// generic world topic.
func (w *World) publishActivity(ev WorldActivityEvent) {
	w.emitter.publish(string(ev.Type), ev)
	w.emitter.publish(TopicWorld, ev)
}

// Subscribe registers fn for a raw topic and returns an unsubscribe
// closure. The typed variants below are what servers normally want.
func (w *World) Subscribe(topic string, fn func(event any)) func() {
	return w.emitter.subscribe(topic, fn)
}

// SubscribeMessages delivers every world message to fn in publish order.
func (w *World) SubscribeMessages(fn func(WorldMessageEvent)) func() {
	return w.emitter.subscribe(TopicMessage, func(event any) {
		if ev, ok := event.(WorldMessageEvent); ok {
			fn(ev)
		}
	})
}

// SubscribeSSE delivers streaming events to fn.
func (w *World) SubscribeSSE(fn func(WorldSSEEvent)) func() {
	return w.emitter.subscribe(TopicSSE, func(event any) {
		if ev, ok := event.(WorldSSEEvent); ok {
			fn(ev)
		}
	})
}

// SubscribeActivity delivers the mirrored activity stream to fn.
func (w *World) SubscribeActivity(fn func(WorldActivityEvent)) func() {
	return w.emitter.subscribe(TopicWorld, func(event any) {
		if ev, ok := event.(WorldActivityEvent); ok {
			fn(ev)
		}
	})
}

// --- State accessors ---

// IsProcessing reports whether any operation is in flight in this world.
func (w *World) IsProcessing() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.isProcessing
}

func (w *World) setProcessing(v bool) {
	w.mu.Lock()
	w.isProcessing = v
	w.mu.Unlock()
}

// PendingOperations returns the activity refcount.
func (w *World) PendingOperations() int {
	return w.activity.pendingOperations()
}

func (w *World) effectiveTurnLimit() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.TurnLimit >= 1 {
		return w.TurnLimit
	}
	return DefaultTurnLimit
}

func (w *World) currentChatID() string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.CurrentChatID
}

func (w *World) setCurrentChatID(id string) {
	w.mu.Lock()
	w.CurrentChatID = id
	w.UpdatedAt = time.Now().UTC()
	w.mu.Unlock()
}

func (w *World) queueStatus() LLMQueueStatus {
	if w.mgr == nil || w.mgr.queue == nil {
		return LLMQueueStatus{}
	}
	return w.mgr.queue.status()
}

// --- Roster wiring ---

// attachAgent inserts a into the roster, subscribes it to the message
// topic, and starts its worker. Roster keys are lowercased ids.
func (w *World) attachAgent(a *Agent) error {
	key := strings.ToLower(a.ID)
	rt := &agentRuntime{agent: a, inbox: newInbox()}

	w.mu.Lock()
	if _, exists := w.agents[key]; exists {
		w.mu.Unlock()
		return fmt.Errorf("agent %s already registered: %w", a.ID, ErrConflict)
	}
	w.agents[key] = rt
	w.mu.Unlock()

	rt.unsub = w.emitter.subscribe(TopicMessage, func(event any) {
		if ev, ok := event.(WorldMessageEvent); ok {
			rt.inbox.push(ev)
		}
	})
	go w.runAgentWorker(rt)
	return nil
}

func (w *World) detachRuntime(rt *agentRuntime) {
	if rt.unsub != nil {
		rt.unsub()
	}
	rt.inbox.close()
}

func (w *World) runAgentWorker(rt *agentRuntime) {
	for {
		ev, ok := rt.inbox.pop()
		if !ok {
			return
		}
		w.processAgentMessage(rt.agent, ev)
	}
}

// processAgentMessage is the per-agent handler behind the bus. The history
// snapshot is taken before the incoming message is appended, so the prompt
// carries the current turn exactly once. Every non-self message lands in
// memory even when the router keeps the agent silent.
func (w *World) processAgentMessage(a *Agent, ev WorldMessageEvent) {
	if strings.EqualFold(ev.Sender, a.ID) {
		return
	}
	history := w.historyWindow(a)

	incoming := NewUserMessage(ev.Content, ev.Sender)
	incoming.CreatedAt = ev.Timestamp
	incoming.MessageID = ev.MessageID
	incoming.ReplyToMessageID = ev.ReplyToMessageID
	incoming.ChatID = w.currentChatID()
	w.appendAgentMemory(a, incoming)

	if !w.shouldAgentRespond(a, ev) {
		return
	}
	w.respondToMessage(a, ev, history)
}

// historyWindow snapshots the most recent memory messages for the prompt.
func (w *World) historyWindow(a *Agent) []AgentMessage {
	n := w.mgr.historyWindow
	w.mu.RLock()
	defer w.mu.RUnlock()
	mem := a.Memory
	if n > 0 && len(mem) > n {
		mem = mem[len(mem)-n:]
	}
	return CloneMessages(mem)
}

// appendAgentMemory appends msg and persists the full memory. Failures are
// warnings; the in-memory copy stays authoritative for the session. The
// save survives world shutdown via a detached context.
func (w *World) appendAgentMemory(a *Agent, msg AgentMessage) {
	w.mu.Lock()
	a.Memory = append(a.Memory, msg)
	memory := CloneMessages(a.Memory)
	w.mu.Unlock()

	ctx := context.WithoutCancel(w.baseCtx)
	if err := w.mgr.storage.SaveAgentMemory(ctx, w.ID, a.ID, memory); err != nil {
		w.log.Warn("memory save failed", "agent", a.ID, "error", err)
	}
}

// refreshRoster reconciles the runtime roster with storage state: existing
// agents are refreshed in place, new ones attached, vanished ones detached.
func (w *World) refreshRoster(agents []*Agent) {
	seen := make(map[string]bool, len(agents))
	for _, a := range agents {
		key := strings.ToLower(a.ID)
		seen[key] = true

		w.mu.Lock()
		if rt, ok := w.agents[key]; ok {
			*rt.agent = *a
			w.mu.Unlock()
			continue
		}
		w.mu.Unlock()
		if err := w.attachAgent(a); err != nil {
			w.log.Warn("attaching agent failed", "agent", a.ID, "error", err)
		}
	}

	w.mu.Lock()
	var stale []*agentRuntime
	for key, rt := range w.agents {
		if !seen[key] {
			stale = append(stale, rt)
			delete(w.agents, key)
		}
	}
	w.mu.Unlock()
	for _, rt := range stale {
		w.detachRuntime(rt)
	}
}

// close stops the agent workers, the chat recorder, and all subscriptions,
// and cancels in-flight turns.
func (w *World) close() {
	w.mu.Lock()
	agents := w.agents
	w.agents = make(map[string]*agentRuntime)
	chatUnsub := w.chatUnsub
	w.chatUnsub = nil
	w.mu.Unlock()

	for _, rt := range agents {
		w.detachRuntime(rt)
	}
	if chatUnsub != nil {
		chatUnsub()
	}
	if w.cancel != nil {
		w.cancel()
	}
	w.emitter.close()
}

// --- Agent CRUD ---

// CreateAgentParams configures a new agent. ID defaults to the kebab-cased
// name; Status defaults to active.
type CreateAgentParams struct {
	ID           string
	Name         string
	Type         string
	Status       AgentStatus
	Provider     LLMProvider
	Model        string
	SystemPrompt string
	Temperature  float64
	MaxTokens    int

	APIKey          string
	BaseURL         string
	AzureEndpoint   string
	AzureAPIVersion string
	AzureDeployment string
	OllamaBaseURL   string
}

// UpdateAgentParams patches an agent; nil fields keep their value.
type UpdateAgentParams struct {
	Name         *string
	Type         *string
	Status       *AgentStatus
	Provider     *LLMProvider
	Model        *string
	SystemPrompt *string
	Temperature  *float64
	MaxTokens    *int

	APIKey          *string
	BaseURL         *string
	AzureEndpoint   *string
	AzureAPIVersion *string
	AzureDeployment *string
	OllamaBaseURL   *string
}

// CreateAgent persists a new agent and registers it in the runtime roster.
// If runtime registration fails the stored agent is deleted again so
// storage and roster stay in step.
func (w *World) CreateAgent(ctx context.Context, p CreateAgentParams) (*Agent, error) {
	if strings.TrimSpace(p.Name) == "" {
		return nil, &ValidationError{Field: "name", Message: "required"}
	}
	id := strings.ToLower(strings.TrimSpace(p.ID))
	if id == "" {
		id = ToKebabCase(p.Name)
	}
	if id == "" {
		return nil, &ValidationError{Field: "id", Message: "cannot derive an id from the name"}
	}

	w.mu.RLock()
	_, exists := w.agents[id]
	w.mu.RUnlock()
	if exists {
		return nil, fmt.Errorf("agent %s: %w", id, ErrConflict)
	}

	status := p.Status
	if status == "" {
		status = AgentActive
	}
	now := time.Now().UTC()
	a := &Agent{
		ID:              id,
		Name:            p.Name,
		Type:            p.Type,
		Status:          status,
		Provider:        p.Provider,
		Model:           p.Model,
		SystemPrompt:    p.SystemPrompt,
		Temperature:     p.Temperature,
		MaxTokens:       p.MaxTokens,
		APIKey:          p.APIKey,
		BaseURL:         p.BaseURL,
		AzureEndpoint:   p.AzureEndpoint,
		AzureAPIVersion: p.AzureAPIVersion,
		AzureDeployment: p.AzureDeployment,
		OllamaBaseURL:   p.OllamaBaseURL,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	if err := w.mgr.storage.SaveAgent(ctx, w.ID, a); err != nil {
		return nil, err
	}
	if err := w.attachAgent(a); err != nil {
		if derr := w.mgr.storage.DeleteAgent(ctx, w.ID, id); derr != nil {
			w.log.Error("compensating agent delete failed", "agent", id, "error", derr)
		}
		return nil, err
	}
	w.log.Info("agent created", "agent", id, "world", w.ID)
	return a.Clone(), nil
}

// GetAgent looks up by the literal id first, then the kebab-cased form, and
// returns a copy.
func (w *World) GetAgent(agentID string) (*Agent, error) {
	rt, err := w.lookupAgent(agentID)
	if err != nil {
		return nil, err
	}
	w.mu.RLock()
	defer w.mu.RUnlock()
	return rt.agent.Clone(), nil
}

// UpdateAgent applies p and persists the config.
func (w *World) UpdateAgent(ctx context.Context, agentID string, p UpdateAgentParams) (*Agent, error) {
	rt, err := w.lookupAgent(agentID)
	if err != nil {
		return nil, err
	}
	a := rt.agent

	w.mu.Lock()
	if p.Name != nil {
		a.Name = *p.Name
	}
	if p.Type != nil {
		a.Type = *p.Type
	}
	if p.Status != nil {
		a.Status = *p.Status
	}
	if p.Provider != nil {
		a.Provider = *p.Provider
	}
	if p.Model != nil {
		a.Model = *p.Model
	}
	if p.SystemPrompt != nil {
		a.SystemPrompt = *p.SystemPrompt
	}
	if p.Temperature != nil {
		a.Temperature = *p.Temperature
	}
	if p.MaxTokens != nil {
		a.MaxTokens = *p.MaxTokens
	}
	if p.APIKey != nil {
		a.APIKey = *p.APIKey
	}
	if p.BaseURL != nil {
		a.BaseURL = *p.BaseURL
	}
	if p.AzureEndpoint != nil {
		a.AzureEndpoint = *p.AzureEndpoint
	}
	if p.AzureAPIVersion != nil {
		a.AzureAPIVersion = *p.AzureAPIVersion
	}
	if p.AzureDeployment != nil {
		a.AzureDeployment = *p.AzureDeployment
	}
	if p.OllamaBaseURL != nil {
		a.OllamaBaseURL = *p.OllamaBaseURL
	}
	a.UpdatedAt = time.Now().UTC()
	snapshot := a.Clone()
	w.mu.Unlock()

	if err := w.mgr.storage.SaveAgentConfig(ctx, w.ID, snapshot); err != nil {
		return nil, err
	}
	return snapshot, nil
}

// DeleteAgent removes the agent from storage and the roster.
func (w *World) DeleteAgent(ctx context.Context, agentID string) error {
	rt, err := w.lookupAgent(agentID)
	if err != nil {
		return err
	}
	key := strings.ToLower(rt.agent.ID)

	if err := w.mgr.storage.DeleteAgent(ctx, w.ID, rt.agent.ID); err != nil {
		return err
	}
	w.mu.Lock()
	delete(w.agents, key)
	w.mu.Unlock()
	w.detachRuntime(rt)
	w.log.Info("agent deleted", "agent", rt.agent.ID, "world", w.ID)
	return nil
}

// ListAgents returns copies of the roster sorted by id.
func (w *World) ListAgents() []*Agent {
	w.mu.RLock()
	out := make([]*Agent, 0, len(w.agents))
	for _, rt := range w.agents {
		out = append(out, rt.agent.Clone())
	}
	w.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ClearAgentMemory archives the current memory under reason "manual_clear",
// truncates it, and resets the turn counter. Returns the archive id, empty
// when there was nothing to archive.
func (w *World) ClearAgentMemory(ctx context.Context, agentID string) (string, error) {
	rt, err := w.lookupAgent(agentID)
	if err != nil {
		return "", err
	}
	a := rt.agent

	w.mu.RLock()
	memory := CloneMessages(a.Memory)
	w.mu.RUnlock()

	archiveID := ""
	if len(memory) > 0 {
		archiveID, err = w.mgr.storage.ArchiveAgentMemory(ctx, w.ID, a.ID, memory, ArchiveMetadata{Reason: "manual_clear"})
		if err != nil {
			return "", err
		}
	}

	w.mu.Lock()
	a.Memory = nil
	a.LLMCallCount = 0
	a.UpdatedAt = time.Now().UTC()
	snapshot := a.Clone()
	w.mu.Unlock()

	if err := w.mgr.storage.SaveAgentMemory(ctx, w.ID, a.ID, nil); err != nil {
		return archiveID, err
	}
	if err := w.mgr.storage.SaveAgentConfig(ctx, w.ID, snapshot); err != nil {
		return archiveID, err
	}
	w.log.Info("agent memory cleared", "agent", a.ID, "world", w.ID, "archive", archiveID)
	return archiveID, nil
}

// UpdateAgentMemory replaces the agent's memory wholesale and persists it.
func (w *World) UpdateAgentMemory(ctx context.Context, agentID string, memory []AgentMessage) error {
	rt, err := w.lookupAgent(agentID)
	if err != nil {
		return err
	}
	a := rt.agent

	w.mu.Lock()
	a.Memory = CloneMessages(memory)
	a.UpdatedAt = time.Now().UTC()
	snapshot := CloneMessages(a.Memory)
	w.mu.Unlock()

	return w.mgr.storage.SaveAgentMemory(ctx, w.ID, a.ID, snapshot)
}

func (w *World) lookupAgent(nameOrID string) (*agentRuntime, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if rt, ok := w.agents[strings.ToLower(nameOrID)]; ok {
		return rt, nil
	}
	if rt, ok := w.agents[ToKebabCase(nameOrID)]; ok {
		return rt, nil
	}
	return nil, fmt.Errorf("agent %s: %w", nameOrID, ErrNotFound)
}
