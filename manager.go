package agentworld

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
)

// Manager is the dependency-injection root. It owns the storage backend,
// the provider factory registry, the shared LLM queue, the tool registry,
// and the registry of loaded worlds. All world, agent, and chat operations
// are reached through it.
type Manager struct {
	storage   Storage
	log       *slog.Logger
	tracer    Tracer
	queue     *llmQueue
	tools     *ToolRegistry
	hitl      HITLHandler
	approvals *approvalCache

	historyWindow    int
	toolIterationCap int
	repairOnLoad     bool

	factoryMu sync.RWMutex
	factories map[LLMProvider]ProviderFactory

	streamMu  sync.RWMutex
	streaming bool

	mu     sync.RWMutex
	worlds map[string]*World

	baseCtx context.Context
	cancel  context.CancelFunc
}

// Option configures a Manager.
type Option func(*Manager)

// WithStorage selects the persistence backend. Default is NoopStorage,
// which keeps every world purely in memory.
func WithStorage(s Storage) Option {
	return func(m *Manager) {
		if s != nil {
			m.storage = s
		}
	}
}

// WithLogger sets the structured logger. Default discards everything.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.log = l
		}
	}
}

// WithTracer injects span instrumentation around agent turns, provider
// calls, and tool executions.
func WithTracer(t Tracer) Option {
	return func(m *Manager) { m.tracer = t }
}

// WithProviderFactory registers the constructor for one provider family.
func WithProviderFactory(p LLMProvider, f ProviderFactory) Option {
	return func(m *Manager) {
		if f != nil {
			m.factories[p] = f
		}
	}
}

// WithHITLHandler sets the process-wide human-in-the-loop handler. A
// handler carried in a call's context still takes precedence.
func WithHITLHandler(h HITLHandler) Option {
	return func(m *Manager) { m.hitl = h }
}

// WithLLMConcurrency caps concurrent provider calls across all worlds.
func WithLLMConcurrency(n int) Option {
	return func(m *Manager) { m.queue = newLLMQueue(n) }
}

// WithHistoryWindow bounds how many memory messages feed each prompt.
// Zero or negative means the full memory.
func WithHistoryWindow(n int) Option {
	return func(m *Manager) { m.historyWindow = n }
}

// WithToolIterationCap bounds the tool-call loop within a single turn.
func WithToolIterationCap(n int) Option {
	return func(m *Manager) {
		if n >= 1 {
			m.toolIterationCap = n
		}
	}
}

// WithRepairOnLoad retries a failed agent load once after RepairData.
func WithRepairOnLoad() Option {
	return func(m *Manager) { m.repairOnLoad = true }
}

// WithTool registers an additional tool alongside the built-ins.
func WithTool(t Tool) Option {
	return func(m *Manager) {
		if t != nil {
			m.tools.Add(t)
		}
	}
}

// New creates a Manager with the built-in tools registered. Streaming is
// enabled until DisableStreaming is called.
func New(opts ...Option) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		storage:          NoopStorage{},
		log:              nopLogger,
		tools:            NewToolRegistry(),
		approvals:        newApprovalCache(),
		factories:        make(map[LLMProvider]ProviderFactory),
		historyWindow:    DefaultHistoryWindow,
		toolIterationCap: DefaultToolIterationCap,
		streaming:        true,
		worlds:           make(map[string]*World),
		baseCtx:          ctx,
		cancel:           cancel,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.queue == nil {
		m.queue = newLLMQueue(DefaultLLMConcurrency)
	}

	m.tools.Add(NewShellTool())
	m.tools.Add(NewSheetMusicTool())
	m.tools.Add(NewHITLTool(DefaultHITLTimeout))
	return m
}

// Tools exposes the registry so callers can add or gate tools after New.
func (m *Manager) Tools() *ToolRegistry {
	return m.tools
}

// RegisterProvider installs or replaces the factory for a provider family.
func (m *Manager) RegisterProvider(p LLMProvider, f ProviderFactory) {
	if f == nil {
		return
	}
	m.factoryMu.Lock()
	m.factories[p] = f
	m.factoryMu.Unlock()
}

// buildProvider resolves an agent's provider via the factory registry.
func (m *Manager) buildProvider(a *Agent) (Provider, error) {
	m.factoryMu.RLock()
	f, ok := m.factories[a.Provider]
	m.factoryMu.RUnlock()
	if !ok {
		return nil, &ProviderError{Provider: string(a.Provider), Message: "no provider factory registered"}
	}
	p, err := f(a)
	if err != nil {
		return nil, &ProviderError{Provider: string(a.Provider), Message: "factory failed", Err: err}
	}
	return p, nil
}

// EnableStreaming makes the orchestrator consume provider streams and emit
// chunk events.
func (m *Manager) EnableStreaming() {
	m.streamMu.Lock()
	m.streaming = true
	m.streamMu.Unlock()
}

// DisableStreaming switches turns to the provider's non-streaming call;
// only start and end events are emitted.
func (m *Manager) DisableStreaming() {
	m.streamMu.Lock()
	m.streaming = false
	m.streamMu.Unlock()
}

func (m *Manager) streamingEnabled() bool {
	m.streamMu.RLock()
	defer m.streamMu.RUnlock()
	return m.streaming
}

// GetLLMQueueStatus reports the shared provider-call semaphore.
func (m *Manager) GetLLMQueueStatus() LLMQueueStatus {
	return m.queue.status()
}

// Close shuts down every loaded world and cancels in-flight turns.
func (m *Manager) Close() {
	m.mu.Lock()
	worlds := m.worlds
	m.worlds = make(map[string]*World)
	m.mu.Unlock()

	for _, w := range worlds {
		w.close()
	}
	m.cancel()
}

// --- World lifecycle ---

// CreateWorldParams configures a new world. ID defaults to the kebab-cased
// name; TurnLimit zero means DefaultTurnLimit.
type CreateWorldParams struct {
	ID              string
	Name            string
	Description     string
	TurnLimit       int
	ChatLLMProvider LLMProvider
	ChatLLMModel    string
}

// UpdateWorldParams patches a world; nil fields keep their value.
type UpdateWorldParams struct {
	Name            *string
	Description     *string
	TurnLimit       *int
	ChatLLMProvider *LLMProvider
	ChatLLMModel    *string
}

// newWorld attaches the runtime half to a config: bus, activity tracker,
// empty roster, lifecycle context.
func (m *Manager) newWorld(cfg *World) *World {
	log := m.log.With("world", cfg.ID)
	ctx, cancel := context.WithCancel(m.baseCtx)
	w := &World{
		ID:              cfg.ID,
		Name:            cfg.Name,
		Description:     cfg.Description,
		TurnLimit:       cfg.TurnLimit,
		CurrentChatID:   cfg.CurrentChatID,
		ChatLLMProvider: cfg.ChatLLMProvider,
		ChatLLMModel:    cfg.ChatLLMModel,
		CreatedAt:       cfg.CreatedAt,
		UpdatedAt:       cfg.UpdatedAt,

		agents:   make(map[string]*agentRuntime),
		emitter:  newEmitter(log),
		activity: newActivityTracker(),
		mgr:      m,
		baseCtx:  ctx,
		cancel:   cancel,
		log:      log,
	}
	return w
}

// CreateWorld validates params, persists the config, and returns a live
// world with a fresh bus and an empty roster.
func (m *Manager) CreateWorld(ctx context.Context, p CreateWorldParams) (*World, error) {
	if strings.TrimSpace(p.Name) == "" {
		return nil, &ValidationError{Field: "name", Message: "required"}
	}
	if p.TurnLimit < 0 {
		return nil, &ValidationError{Field: "turnLimit", Message: "must be positive"}
	}
	id := strings.ToLower(strings.TrimSpace(p.ID))
	if id == "" {
		id = ToKebabCase(p.Name)
	}
	if id == "" {
		return nil, &ValidationError{Field: "id", Message: "cannot derive an id from the name"}
	}

	m.mu.RLock()
	_, loaded := m.worlds[id]
	m.mu.RUnlock()
	if loaded {
		return nil, fmt.Errorf("world %s: %w", id, ErrConflict)
	}
	if existing, err := m.storage.LoadWorld(ctx, id); err == nil && existing != nil {
		return nil, fmt.Errorf("world %s: %w", id, ErrConflict)
	} else if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	turnLimit := p.TurnLimit
	if turnLimit == 0 {
		turnLimit = DefaultTurnLimit
	}
	now := time.Now().UTC()
	w := m.newWorld(&World{
		ID:              id,
		Name:            p.Name,
		Description:     p.Description,
		TurnLimit:       turnLimit,
		ChatLLMProvider: p.ChatLLMProvider,
		ChatLLMModel:    p.ChatLLMModel,
		CreatedAt:       now,
		UpdatedAt:       now,
	})

	if err := m.storage.SaveWorld(ctx, w); err != nil {
		w.close()
		return nil, err
	}

	m.mu.Lock()
	m.worlds[id] = w
	m.mu.Unlock()
	m.log.Info("world created", "world", id)
	return w, nil
}

// GetWorld returns the live world for id, loading config and roster from
// storage. An already-loaded world is refreshed in place so subscriptions
// survive. With NoopStorage the in-memory registry is authoritative.
func (m *Manager) GetWorld(ctx context.Context, worldID string) (*World, error) {
	id := strings.ToLower(strings.TrimSpace(worldID))

	m.mu.RLock()
	w := m.worlds[id]
	m.mu.RUnlock()

	cfg, err := m.storage.LoadWorld(ctx, id)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
		if w == nil {
			return nil, fmt.Errorf("world %s: %w", id, ErrNotFound)
		}
		return w, nil
	}

	if w == nil {
		w = m.newWorld(cfg)
		m.mu.Lock()
		if prior, ok := m.worlds[id]; ok {
			w.close()
			w = prior
		} else {
			m.worlds[id] = w
		}
		m.mu.Unlock()
	}
	w.applyConfig(cfg)

	if err := m.loadAgentsIntoWorld(ctx, w); err != nil {
		return nil, err
	}
	w.syncChatCapture()
	return w, nil
}

// loadAgentsIntoWorld reconciles the roster with storage. When repair on
// load is enabled a failed listing triggers RepairData once and a retry.
func (m *Manager) loadAgentsIntoWorld(ctx context.Context, w *World) error {
	agents, err := m.storage.ListAgents(ctx, w.ID)
	if err != nil && m.repairOnLoad {
		m.log.Warn("agent load failed, attempting repair", "world", w.ID, "error", err)
		if _, rerr := m.storage.RepairData(ctx, w.ID, ""); rerr != nil {
			return fmt.Errorf("repair after failed load: %w", rerr)
		}
		agents, err = m.storage.ListAgents(ctx, w.ID)
	}
	if err != nil {
		return fmt.Errorf("loading agents for world %s: %w", w.ID, err)
	}
	w.refreshRoster(agents)
	return nil
}

// applyConfig overwrites the persisted fields from a storage load.
func (w *World) applyConfig(cfg *World) {
	w.mu.Lock()
	w.Name = cfg.Name
	w.Description = cfg.Description
	w.TurnLimit = cfg.TurnLimit
	w.CurrentChatID = cfg.CurrentChatID
	w.ChatLLMProvider = cfg.ChatLLMProvider
	w.ChatLLMModel = cfg.ChatLLMModel
	w.CreatedAt = cfg.CreatedAt
	w.UpdatedAt = cfg.UpdatedAt
	w.mu.Unlock()
}

// configSnapshot copies the persisted fields into a detached World value.
// The runtime half (roster, bus, locks) stays behind.
func (w *World) configSnapshot() *World {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return &World{
		ID:              w.ID,
		Name:            w.Name,
		Description:     w.Description,
		TurnLimit:       w.TurnLimit,
		CurrentChatID:   w.CurrentChatID,
		ChatLLMProvider: w.ChatLLMProvider,
		ChatLLMModel:    w.ChatLLMModel,
		CreatedAt:       w.CreatedAt,
		UpdatedAt:       w.UpdatedAt,
	}
}

// UpdateWorld patches the config and persists it. The live world, if
// loaded, is updated in place.
func (m *Manager) UpdateWorld(ctx context.Context, worldID string, p UpdateWorldParams) (*World, error) {
	if p.TurnLimit != nil && *p.TurnLimit < 1 {
		return nil, &ValidationError{Field: "turnLimit", Message: "must be positive"}
	}
	w, err := m.GetWorld(ctx, worldID)
	if err != nil {
		return nil, err
	}

	w.mu.Lock()
	if p.Name != nil {
		w.Name = *p.Name
	}
	if p.Description != nil {
		w.Description = *p.Description
	}
	if p.TurnLimit != nil {
		w.TurnLimit = *p.TurnLimit
	}
	if p.ChatLLMProvider != nil {
		w.ChatLLMProvider = *p.ChatLLMProvider
	}
	if p.ChatLLMModel != nil {
		w.ChatLLMModel = *p.ChatLLMModel
	}
	w.UpdatedAt = time.Now().UTC()
	w.mu.Unlock()

	if err := m.storage.SaveWorld(ctx, w.configSnapshot()); err != nil {
		return nil, err
	}
	return w, nil
}

// DeleteWorld removes the world from storage (cascading to agents, memory,
// chats, and archives) and shuts down its runtime.
func (m *Manager) DeleteWorld(ctx context.Context, worldID string) error {
	id := strings.ToLower(strings.TrimSpace(worldID))

	m.mu.Lock()
	w, loaded := m.worlds[id]
	delete(m.worlds, id)
	m.mu.Unlock()

	if !loaded {
		if _, err := m.GetWorldConfig(ctx, id); err != nil {
			return err
		}
	} else {
		w.close()
	}
	if err := m.storage.DeleteWorld(ctx, id); err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	m.log.Info("world deleted", "world", id)
	return nil
}

// ListWorlds returns config snapshots of every known world, merging
// storage with worlds that exist only in the runtime registry.
func (m *Manager) ListWorlds(ctx context.Context) ([]*World, error) {
	stored, err := m.storage.ListWorlds(ctx)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]*World, len(stored))
	for _, w := range stored {
		byID[w.ID] = w
	}

	m.mu.RLock()
	for id, w := range m.worlds {
		if _, ok := byID[id]; !ok {
			byID[id] = w.configSnapshot()
		}
	}
	m.mu.RUnlock()

	out := make([]*World, 0, len(byID))
	for _, w := range byID {
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// GetWorldConfig returns the persisted config without touching the roster.
func (m *Manager) GetWorldConfig(ctx context.Context, worldID string) (*World, error) {
	id := strings.ToLower(strings.TrimSpace(worldID))
	cfg, err := m.storage.LoadWorld(ctx, id)
	if err == nil {
		return cfg, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	m.mu.RLock()
	w := m.worlds[id]
	m.mu.RUnlock()
	if w == nil {
		return nil, fmt.Errorf("world %s: %w", id, ErrNotFound)
	}
	return w.configSnapshot(), nil
}

// lookupWorld resolves a loaded world without touching storage.
func (m *Manager) lookupWorld(worldID string) (*World, error) {
	id := strings.ToLower(strings.TrimSpace(worldID))
	m.mu.RLock()
	w := m.worlds[id]
	m.mu.RUnlock()
	if w == nil {
		return nil, fmt.Errorf("world %s not loaded: %w", id, ErrNotFound)
	}
	return w, nil
}

// --- Standalone surface ---
//
// Agent and publish operations addressed by explicit world id. Each
// resolves the live world and delegates to the world-method surface.

// PublishMessage publishes into a loaded world. Load worlds with GetWorld
// first; an unloaded world has no roster to receive the message.
func (m *Manager) PublishMessage(worldID, content, sender string) (WorldMessageEvent, error) {
	w, err := m.lookupWorld(worldID)
	if err != nil {
		return WorldMessageEvent{}, err
	}
	return w.PublishMessage(content, sender), nil
}

// CreateAgent creates an agent in the given world.
func (m *Manager) CreateAgent(ctx context.Context, worldID string, p CreateAgentParams) (*Agent, error) {
	w, err := m.GetWorld(ctx, worldID)
	if err != nil {
		return nil, err
	}
	return w.CreateAgent(ctx, p)
}

// GetAgent fetches one agent by id or kebab-cased name.
func (m *Manager) GetAgent(ctx context.Context, worldID, agentID string) (*Agent, error) {
	w, err := m.GetWorld(ctx, worldID)
	if err != nil {
		return nil, err
	}
	return w.GetAgent(agentID)
}

// UpdateAgent patches an agent's config in the given world.
func (m *Manager) UpdateAgent(ctx context.Context, worldID, agentID string, p UpdateAgentParams) (*Agent, error) {
	w, err := m.GetWorld(ctx, worldID)
	if err != nil {
		return nil, err
	}
	return w.UpdateAgent(ctx, agentID, p)
}

// DeleteAgent removes an agent from the given world.
func (m *Manager) DeleteAgent(ctx context.Context, worldID, agentID string) error {
	w, err := m.GetWorld(ctx, worldID)
	if err != nil {
		return err
	}
	return w.DeleteAgent(ctx, agentID)
}

// ListAgents lists the given world's roster.
func (m *Manager) ListAgents(ctx context.Context, worldID string) ([]*Agent, error) {
	w, err := m.GetWorld(ctx, worldID)
	if err != nil {
		return nil, err
	}
	return w.ListAgents(), nil
}

// ClearAgentMemory archives and truncates an agent's memory.
func (m *Manager) ClearAgentMemory(ctx context.Context, worldID, agentID string) (string, error) {
	w, err := m.GetWorld(ctx, worldID)
	if err != nil {
		return "", err
	}
	return w.ClearAgentMemory(ctx, agentID)
}

// UpdateAgentMemory replaces an agent's memory wholesale.
func (m *Manager) UpdateAgentMemory(ctx context.Context, worldID, agentID string, memory []AgentMessage) error {
	w, err := m.GetWorld(ctx, worldID)
	if err != nil {
		return err
	}
	return w.UpdateAgentMemory(ctx, agentID, memory)
}

// --- Server facade ---

// WorldEventHandlers groups the callbacks a server attaches to one world.
// Nil handlers are skipped.
type WorldEventHandlers struct {
	OnMessage  func(WorldMessageEvent)
	OnSSE      func(WorldSSEEvent)
	OnActivity func(WorldActivityEvent)
}

// SubscribeWorld loads the world and attaches the handlers, returning a
// single unsubscribe covering all of them.
func (m *Manager) SubscribeWorld(ctx context.Context, worldID string, h WorldEventHandlers) (func(), error) {
	w, err := m.GetWorld(ctx, worldID)
	if err != nil {
		return nil, err
	}
	var unsubs []func()
	if h.OnMessage != nil {
		unsubs = append(unsubs, w.SubscribeMessages(h.OnMessage))
	}
	if h.OnSSE != nil {
		unsubs = append(unsubs, w.SubscribeSSE(h.OnSSE))
	}
	if h.OnActivity != nil {
		unsubs = append(unsubs, w.SubscribeActivity(h.OnActivity))
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}, nil
}
