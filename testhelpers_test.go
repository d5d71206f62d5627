package agentworld

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"
)

// testProvider is the provider family every test agent uses; tests register
// a factory for it per scenario.
const testProvider LLMProvider = "mock"

// memStorage is an in-memory Storage shared by the package tests. It keeps
// the semantics the real backends promise: ErrNotFound on missing records,
// world-scoped agents, cascade on world delete, config saves that leave
// memory untouched.
type memStorage struct {
	mu       sync.Mutex
	worlds   map[string]*World
	agents   map[string]map[string]*Agent
	chats    map[string]map[string]*Chat
	chatMsgs map[string]map[string][]AgentMessage
	snaps    map[string]map[string]*WorldChat
	archives map[string]map[string]*MemoryArchive

	failListAgents int // remaining ListAgents calls that fail
	repairCalls    int
}

func newMemStorage() *memStorage {
	return &memStorage{
		worlds:   make(map[string]*World),
		agents:   make(map[string]map[string]*Agent),
		chats:    make(map[string]map[string]*Chat),
		chatMsgs: make(map[string]map[string][]AgentMessage),
		snaps:    make(map[string]map[string]*WorldChat),
		archives: make(map[string]map[string]*MemoryArchive),
	}
}

var _ Storage = (*memStorage)(nil)

func (s *memStorage) SaveWorld(_ context.Context, w *World) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.worlds[w.ID] = w.configSnapshot()
	return nil
}

func (s *memStorage) LoadWorld(_ context.Context, worldID string) (*World, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.worlds[worldID]
	if !ok {
		return nil, ErrNotFound
	}
	return w.configSnapshot(), nil
}

func (s *memStorage) DeleteWorld(_ context.Context, worldID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.worlds, worldID)
	delete(s.agents, worldID)
	delete(s.chats, worldID)
	delete(s.chatMsgs, worldID)
	delete(s.snaps, worldID)
	delete(s.archives, worldID)
	return nil
}

func (s *memStorage) ListWorlds(_ context.Context) ([]*World, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*World, 0, len(s.worlds))
	for _, w := range s.worlds {
		out = append(out, w.configSnapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memStorage) SaveAgent(_ context.Context, worldID string, a *Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.agents[worldID] == nil {
		s.agents[worldID] = make(map[string]*Agent)
	}
	s.agents[worldID][a.ID] = a.Clone()
	return nil
}

func (s *memStorage) SaveAgentConfig(_ context.Context, worldID string, a *Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.agents[worldID] == nil {
		s.agents[worldID] = make(map[string]*Agent)
	}
	cp := a.Clone()
	if cur, ok := s.agents[worldID][a.ID]; ok {
		cp.Memory = CloneMessages(cur.Memory)
	} else {
		cp.Memory = nil
	}
	s.agents[worldID][a.ID] = cp
	return nil
}

func (s *memStorage) LoadAgent(_ context.Context, worldID, agentID string) (*Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[worldID][agentID]
	if !ok {
		return nil, ErrNotFound
	}
	return a.Clone(), nil
}

func (s *memStorage) DeleteAgent(_ context.Context, worldID, agentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.agents[worldID], agentID)
	return nil
}

func (s *memStorage) ListAgents(_ context.Context, worldID string) ([]*Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failListAgents > 0 {
		s.failListAgents--
		return nil, errors.New("agent listing corrupted")
	}
	out := make([]*Agent, 0, len(s.agents[worldID]))
	for _, a := range s.agents[worldID] {
		out = append(out, a.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memStorage) SaveAgentMemory(_ context.Context, worldID, agentID string, memory []AgentMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.agents[worldID][agentID]; ok {
		a.Memory = CloneMessages(memory)
	}
	return nil
}

func (s *memStorage) SaveAgentsBatch(ctx context.Context, worldID string, agents []*Agent) error {
	for _, a := range agents {
		if err := s.SaveAgent(ctx, worldID, a); err != nil {
			return err
		}
	}
	return nil
}

func (s *memStorage) LoadAgentsBatch(_ context.Context, worldID string, agentIDs []string) ([]*Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Agent
	for _, id := range agentIDs {
		if a, ok := s.agents[worldID][id]; ok {
			out = append(out, a.Clone())
		}
	}
	return out, nil
}

func (s *memStorage) SaveChat(_ context.Context, worldID string, c *Chat) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.chats[worldID] == nil {
		s.chats[worldID] = make(map[string]*Chat)
	}
	cp := *c
	s.chats[worldID][c.ID] = &cp
	return nil
}

func (s *memStorage) LoadChat(_ context.Context, worldID, chatID string) (*Chat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.chats[worldID][chatID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *memStorage) ListChats(_ context.Context, worldID string) ([]*Chat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Chat, 0, len(s.chats[worldID]))
	for _, c := range s.chats[worldID] {
		cp := *c
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memStorage) DeleteChat(_ context.Context, worldID, chatID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.chats[worldID], chatID)
	if s.chatMsgs[worldID] != nil {
		delete(s.chatMsgs[worldID], chatID)
	}
	if s.snaps[worldID] != nil {
		delete(s.snaps[worldID], chatID)
	}
	return nil
}

func (s *memStorage) AppendChatMessage(_ context.Context, worldID, chatID string, msg AgentMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.chatMsgs[worldID] == nil {
		s.chatMsgs[worldID] = make(map[string][]AgentMessage)
	}
	cp := CloneMessages([]AgentMessage{msg})
	s.chatMsgs[worldID][chatID] = append(s.chatMsgs[worldID][chatID], cp[0])
	if c, ok := s.chats[worldID][chatID]; ok {
		c.MessageCount++
		c.UpdatedAt = time.Now().UTC()
	}
	return nil
}

func (s *memStorage) LoadChatMessages(_ context.Context, worldID, chatID string) ([]AgentMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return CloneMessages(s.chatMsgs[worldID][chatID]), nil
}

func (s *memStorage) SaveWorldChat(_ context.Context, worldID, chatID string, snapshot *WorldChat) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.snaps[worldID] == nil {
		s.snaps[worldID] = make(map[string]*WorldChat)
	}
	s.snaps[worldID][chatID] = snapshot
	return nil
}

func (s *memStorage) LoadWorldChat(_ context.Context, worldID, chatID string) (*WorldChat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.snaps[worldID][chatID]
	if !ok {
		return nil, ErrNotFound
	}
	return snap, nil
}

func (s *memStorage) LoadWorldChatFull(_ context.Context, worldID, chatID string) (*WorldChat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.worlds[worldID]
	if !ok {
		return nil, ErrNotFound
	}
	c, ok := s.chats[worldID][chatID]
	if !ok {
		return nil, ErrNotFound
	}
	chat := *c
	var agents []*Agent
	for _, a := range s.agents[worldID] {
		cp := a.Clone()
		cp.Memory = filterMessagesByChat(cp.Memory, chatID)
		agents = append(agents, cp)
	}
	sort.Slice(agents, func(i, j int) bool { return agents[i].ID < agents[j].ID })
	msgs := CloneMessages(s.chatMsgs[worldID][chatID])
	return &WorldChat{
		World:    w.configSnapshot(),
		Chat:     &chat,
		Agents:   agents,
		Messages: msgs,
		Threads:  CalculateThreadMetadata(msgs),
	}, nil
}

func (s *memStorage) ArchiveAgentMemory(_ context.Context, worldID, agentID string, memory []AgentMessage, meta ArchiveMetadata) (string, error) {
	a := NewMemoryArchive(worldID, agentID, memory, meta)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.archives[worldID] == nil {
		s.archives[worldID] = make(map[string]*MemoryArchive)
	}
	s.archives[worldID][a.ArchiveID] = a
	return a.ArchiveID, nil
}

func (s *memStorage) LoadArchive(_ context.Context, worldID, archiveID string) (*MemoryArchive, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.archives[worldID][archiveID]
	if !ok {
		return nil, ErrNotFound
	}
	return a, nil
}

func (s *memStorage) ListArchives(_ context.Context, worldID string) ([]*MemoryArchive, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*MemoryArchive, 0, len(s.archives[worldID]))
	for _, a := range s.archives[worldID] {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ArchiveID < out[j].ArchiveID })
	return out, nil
}

func (s *memStorage) SearchArchives(ctx context.Context, worldID string, q ArchiveQuery) ([]*MemoryArchive, error) {
	all, err := s.ListArchives(ctx, worldID)
	if err != nil {
		return nil, err
	}
	var out []*MemoryArchive
	for _, a := range all {
		if MatchArchive(a, q) {
			out = append(out, a)
			if q.Limit > 0 && len(out) >= q.Limit {
				break
			}
		}
	}
	return out, nil
}

func (s *memStorage) ExportArchive(ctx context.Context, worldID, archiveID string, opts ExportOptions) ([]byte, error) {
	a, err := s.LoadArchive(ctx, worldID, archiveID)
	if err != nil {
		return nil, err
	}
	return EncodeArchive(a, opts)
}

func (s *memStorage) ValidateIntegrity(_ context.Context, worldID, agentID string) (*IntegrityReport, error) {
	return &IntegrityReport{WorldID: worldID, AgentID: agentID, Checked: 1}, nil
}

func (s *memStorage) RepairData(_ context.Context, worldID, agentID string) (*RepairReport, error) {
	s.mu.Lock()
	s.failListAgents = 0
	s.repairCalls++
	s.mu.Unlock()
	return &RepairReport{WorldID: worldID, AgentID: agentID}, nil
}

// --- Provider mocks ---

// mockProvider returns canned responses in order. Stream forwards the
// response content as a single delta and leaves ch open; the orchestrator
// owns closing it.
type mockProvider struct {
	mu        sync.Mutex
	name      string
	responses []GenerateResponse
	idx       int
	requests  []GenerateRequest
	generates int
	streams   int
	err       error
}

func (m *mockProvider) Name() string {
	if m.name == "" {
		return "mock"
	}
	return m.name
}

func (m *mockProvider) Generate(_ context.Context, req GenerateRequest) (GenerateResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.generates++
	m.requests = append(m.requests, req)
	if m.err != nil {
		return GenerateResponse{}, m.err
	}
	return m.nextLocked(), nil
}

func (m *mockProvider) Stream(_ context.Context, req GenerateRequest, ch chan<- string) (GenerateResponse, error) {
	m.mu.Lock()
	m.streams++
	m.requests = append(m.requests, req)
	err := m.err
	var resp GenerateResponse
	if err == nil {
		resp = m.nextLocked()
	}
	m.mu.Unlock()
	if err != nil {
		return GenerateResponse{}, err
	}
	if resp.Content != "" {
		ch <- resp.Content
	}
	return resp, nil
}

func (m *mockProvider) nextLocked() GenerateResponse {
	if m.idx >= len(m.responses) {
		return GenerateResponse{Content: "exhausted"}
	}
	resp := m.responses[m.idx]
	m.idx++
	return resp
}

func (m *mockProvider) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.generates + m.streams
}

func (m *mockProvider) request(i int) GenerateRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requests[i]
}

var _ Provider = (*mockProvider)(nil)

// staticFactory resolves every agent to the same provider.
func staticFactory(p Provider) ProviderFactory {
	return func(*Agent) (Provider, error) { return p, nil }
}

// providerMap routes agents to individual providers by agent id.
type providerMap struct {
	mu      sync.Mutex
	byAgent map[string]Provider
}

func newProviderMap() *providerMap {
	return &providerMap{byAgent: make(map[string]Provider)}
}

func (pm *providerMap) set(agentID string, p Provider) {
	pm.mu.Lock()
	pm.byAgent[agentID] = p
	pm.mu.Unlock()
}

func (pm *providerMap) factory(a *Agent) (Provider, error) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	p, ok := pm.byAgent[a.ID]
	if !ok {
		return nil, errors.New("no provider for agent " + a.ID)
	}
	return p, nil
}

// --- HITL mock ---

// scriptHITL answers prompts from a fixed list of selections, in order.
// With block set it waits for ctx instead, exercising the timeout paths.
type scriptHITL struct {
	mu         sync.Mutex
	selections []string
	asked      []HITLRequest
	block      bool
}

func (h *scriptHITL) Ask(ctx context.Context, req HITLRequest) (HITLResponse, error) {
	h.mu.Lock()
	h.asked = append(h.asked, req)
	block := h.block
	sel := ""
	if !block && len(h.selections) > 0 {
		sel = h.selections[0]
		h.selections = h.selections[1:]
	}
	h.mu.Unlock()
	if block {
		<-ctx.Done()
		return HITLResponse{}, ctx.Err()
	}
	return HITLResponse{SelectedOptionID: sel}, nil
}

func (h *scriptHITL) askCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.asked)
}

var _ HITLHandler = (*scriptHITL)(nil)

// --- Tool mocks ---

type mockTool struct{}

func (mockTool) Definitions() []ToolDefinition {
	return []ToolDefinition{{Name: "greet", Description: "Say hello"}}
}

func (mockTool) Execute(_ context.Context, name string, _ json.RawMessage) (ToolResult, error) {
	return TextResult("hello from " + name), nil
}

type errTool struct{}

func (errTool) Definitions() []ToolDefinition {
	return []ToolDefinition{{Name: "fail", Description: "Always fails"}}
}

func (errTool) Execute(context.Context, string, json.RawMessage) (ToolResult, error) {
	return ToolResult{}, errors.New("tool broken")
}

// --- Event capture ---

// eventLog records everything a world publishes so tests can assert on
// ordering after the workers settle.
type eventLog struct {
	mu   sync.Mutex
	msgs []WorldMessageEvent
	sse  []WorldSSEEvent
	acts []WorldActivityEvent
}

func (l *eventLog) attach(w *World) func() {
	u1 := w.SubscribeMessages(func(ev WorldMessageEvent) {
		l.mu.Lock()
		l.msgs = append(l.msgs, ev)
		l.mu.Unlock()
	})
	u2 := w.SubscribeSSE(func(ev WorldSSEEvent) {
		l.mu.Lock()
		l.sse = append(l.sse, ev)
		l.mu.Unlock()
	})
	u3 := w.SubscribeActivity(func(ev WorldActivityEvent) {
		l.mu.Lock()
		l.acts = append(l.acts, ev)
		l.mu.Unlock()
	})
	return func() { u1(); u2(); u3() }
}

func (l *eventLog) messages() []WorldMessageEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]WorldMessageEvent, len(l.msgs))
	copy(out, l.msgs)
	return out
}

func (l *eventLog) sseEvents() []WorldSSEEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]WorldSSEEvent, len(l.sse))
	copy(out, l.sse)
	return out
}

func (l *eventLog) activities() []WorldActivityEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]WorldActivityEvent, len(l.acts))
	copy(out, l.acts)
	return out
}

func (l *eventLog) sseOfType(t SSEEventType) []WorldSSEEvent {
	var out []WorldSSEEvent
	for _, ev := range l.sseEvents() {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

func (l *eventLog) hasMessage(substr string) bool {
	for _, ev := range l.messages() {
		if strings.Contains(ev.Content, substr) {
			return true
		}
	}
	return false
}

// --- Fixtures ---

// waitFor polls cond until it holds. Agent turns run on worker goroutines,
// so most world-level assertions settle through here.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// newTestManager builds a Manager on a fresh memStorage.
func newTestManager(t *testing.T, opts ...Option) (*Manager, *memStorage) {
	t.Helper()
	store := newMemStorage()
	m := New(append([]Option{WithStorage(store)}, opts...)...)
	t.Cleanup(m.Close)
	return m, store
}

// newTestWorld builds a Manager plus one world named "testbed".
func newTestWorld(t *testing.T, opts ...Option) (*Manager, *World) {
	t.Helper()
	m, _ := newTestManager(t, opts...)
	w, err := m.CreateWorld(context.Background(), CreateWorldParams{Name: "testbed"})
	if err != nil {
		t.Fatal(err)
	}
	return m, w
}

// addAgent creates a test-provider agent and returns its roster copy.
func addAgent(t *testing.T, w *World, name string) *Agent {
	t.Helper()
	a, err := w.CreateAgent(context.Background(), CreateAgentParams{
		Name:     name,
		Provider: testProvider,
		Model:    "test-model",
	})
	if err != nil {
		t.Fatal(err)
	}
	return a
}
