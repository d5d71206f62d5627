package sqlite

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/agentworld/agentworld"
)

var baseTime = time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)

func testStore(t *testing.T) *Store {
	t.Helper()
	s := New(filepath.Join(t.TempDir(), "test.db"))
	if err := s.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testWorld(id string) *agentworld.World {
	return &agentworld.World{ID: id, Name: "Testbed", TurnLimit: 5, CreatedAt: baseTime, UpdatedAt: baseTime}
}

func testAgent(id string) *agentworld.Agent {
	return &agentworld.Agent{
		ID:           id,
		Name:         "Agent " + id,
		Status:       agentworld.AgentActive,
		Provider:     agentworld.ProviderAnthropic,
		Model:        "claude-sonnet-4-5",
		SystemPrompt: "you are " + id,
		CreatedAt:    baseTime,
		UpdatedAt:    baseTime,
	}
}

func TestInitIdempotent(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "init.db"))
	defer s.Close()
	ctx := context.Background()
	if err := s.Init(ctx); err != nil {
		t.Fatalf("first Init: %v", err)
	}
	if err := s.Init(ctx); err != nil {
		t.Fatalf("second Init: %v", err)
	}
}

func TestWorldCRUD(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	w := testWorld("w1")
	w.Description = "a place"
	w.ChatLLMProvider = agentworld.ProviderOpenAI
	w.ChatLLMModel = "gpt-4o-mini"
	w.CurrentChatID = "c9"
	if err := s.SaveWorld(ctx, w); err != nil {
		t.Fatalf("SaveWorld: %v", err)
	}

	got, err := s.LoadWorld(ctx, "w1")
	if err != nil {
		t.Fatalf("LoadWorld: %v", err)
	}
	if got.Name != "Testbed" || got.TurnLimit != 5 || got.Description != "a place" {
		t.Errorf("world = %+v", got)
	}
	if got.ChatLLMProvider != agentworld.ProviderOpenAI || got.ChatLLMModel != "gpt-4o-mini" || got.CurrentChatID != "c9" {
		t.Errorf("chat LLM fields = %+v", got)
	}
	if !got.CreatedAt.Equal(baseTime) {
		t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, baseTime)
	}

	if _, err := s.LoadWorld(ctx, "ghost"); !errors.Is(err, agentworld.ErrNotFound) {
		t.Errorf("missing world = %v, want not found", err)
	}

	// Upsert updates in place.
	w.Name = "Renamed"
	if err := s.SaveWorld(ctx, w); err != nil {
		t.Fatal(err)
	}
	got, _ = s.LoadWorld(ctx, "w1")
	if got.Name != "Renamed" {
		t.Errorf("Name = %q after re-save", got.Name)
	}

	s.SaveWorld(ctx, testWorld("a-first"))
	worlds, err := s.ListWorlds(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(worlds) != 2 || worlds[0].ID != "a-first" || worlds[1].ID != "w1" {
		t.Errorf("worlds = %v", worlds)
	}

	if err := s.DeleteWorld(ctx, "w1"); err != nil {
		t.Fatalf("DeleteWorld: %v", err)
	}
	if err := s.DeleteWorld(ctx, "w1"); !errors.Is(err, agentworld.ErrNotFound) {
		t.Errorf("double delete = %v", err)
	}
}

func TestAgentRoundTrip(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	s.SaveWorld(ctx, testWorld("w1"))

	last := baseTime.Add(42 * time.Minute)
	a := testAgent("alice")
	a.Temperature = 0.7
	a.MaxTokens = 2048
	a.LLMCallCount = 3
	a.LastLLMCall = &last
	a.Memory = []agentworld.AgentMessage{
		{Role: agentworld.RoleUser, Content: "hello", Sender: "human", ChatID: "c1", MessageID: "m1", CreatedAt: baseTime},
		{
			Role:   agentworld.RoleAssistant,
			Sender: "alice",
			ToolCalls: []agentworld.ToolCall{{
				ID:       "call-1",
				Type:     "function",
				Function: agentworld.ToolCallFunction{Name: "shell_cmd", Arguments: `{"command":"ls"}`},
			}},
			CreatedAt: baseTime,
		},
	}
	if err := s.SaveAgent(ctx, "w1", a); err != nil {
		t.Fatalf("SaveAgent: %v", err)
	}

	got, err := s.LoadAgent(ctx, "w1", "alice")
	if err != nil {
		t.Fatalf("LoadAgent: %v", err)
	}
	if got.Temperature != 0.7 || got.MaxTokens != 2048 || got.LLMCallCount != 3 {
		t.Errorf("agent = %+v", got)
	}
	if got.LastLLMCall == nil || !got.LastLLMCall.Equal(last) {
		t.Errorf("LastLLMCall = %v, want %v", got.LastLLMCall, last)
	}
	if len(got.Memory) != 2 {
		t.Fatalf("memory = %+v", got.Memory)
	}
	if got.Memory[0].ChatID != "c1" || got.Memory[0].MessageID != "m1" {
		t.Errorf("memory[0] = %+v", got.Memory[0])
	}
	if len(got.Memory[1].ToolCalls) != 1 || got.Memory[1].ToolCalls[0].Function.Name != "shell_cmd" {
		t.Errorf("tool calls lost: %+v", got.Memory[1])
	}

	// An agent without a last call keeps the column NULL.
	s.SaveAgent(ctx, "w1", testAgent("bob"))
	bob, err := s.LoadAgent(ctx, "w1", "bob")
	if err != nil {
		t.Fatal(err)
	}
	if bob.LastLLMCall != nil {
		t.Errorf("LastLLMCall = %v, want nil", bob.LastLLMCall)
	}

	if _, err := s.LoadAgent(ctx, "w1", "ghost"); !errors.Is(err, agentworld.ErrNotFound) {
		t.Errorf("missing agent = %v", err)
	}

	// Delete cascades to memory rows.
	if err := s.DeleteAgent(ctx, "w1", "alice"); err != nil {
		t.Fatalf("DeleteAgent: %v", err)
	}
	var count int
	s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM agent_memory WHERE world_id = ? AND agent_id = ?`, "w1", "alice").Scan(&count)
	if count != 0 {
		t.Errorf("memory rows after delete = %d", count)
	}
	if err := s.DeleteAgent(ctx, "w1", "alice"); !errors.Is(err, agentworld.ErrNotFound) {
		t.Errorf("double delete = %v", err)
	}
}

func TestSaveAgentConfigPreservesMemory(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	s.SaveWorld(ctx, testWorld("w1"))

	a := testAgent("alice")
	a.Memory = []agentworld.AgentMessage{{Role: agentworld.RoleUser, Content: "keep me", Sender: "human", CreatedAt: baseTime}}
	if err := s.SaveAgent(ctx, "w1", a); err != nil {
		t.Fatal(err)
	}

	cfg := testAgent("alice")
	cfg.Name = "Alice v2"
	cfg.LLMCallCount = 7
	if err := s.SaveAgentConfig(ctx, "w1", cfg); err != nil {
		t.Fatalf("SaveAgentConfig: %v", err)
	}

	got, err := s.LoadAgent(ctx, "w1", "alice")
	if err != nil {
		t.Fatal(err)
	}
	if got.Name != "Alice v2" || got.LLMCallCount != 7 {
		t.Errorf("config not updated: %+v", got)
	}
	if len(got.Memory) != 1 || got.Memory[0].Content != "keep me" {
		t.Errorf("memory lost on config save: %+v", got.Memory)
	}
}

func TestBatchSaveAndLoad(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	s.SaveWorld(ctx, testWorld("w1"))

	agents := []*agentworld.Agent{testAgent("carol"), testAgent("alice"), testAgent("bob")}
	agents[0].Memory = []agentworld.AgentMessage{{Role: agentworld.RoleUser, Content: "carol's note", CreatedAt: baseTime}}
	if err := s.SaveAgentsBatch(ctx, "w1", agents); err != nil {
		t.Fatalf("SaveAgentsBatch: %v", err)
	}

	listed, err := s.ListAgents(ctx, "w1")
	if err != nil {
		t.Fatalf("ListAgents: %v", err)
	}
	if len(listed) != 3 || listed[0].ID != "alice" || listed[2].ID != "carol" {
		t.Errorf("listed = %v", listed)
	}
	if len(listed[2].Memory) != 1 {
		t.Errorf("carol memory = %+v", listed[2].Memory)
	}

	batch, err := s.LoadAgentsBatch(ctx, "w1", []string{"alice", "ghost", "bob"})
	if err != nil {
		t.Fatalf("LoadAgentsBatch: %v", err)
	}
	if len(batch) != 2 || batch[0].ID != "alice" || batch[1].ID != "bob" {
		t.Errorf("batch = %v", batch)
	}
}

func TestChatAppendBumpsCount(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	s.SaveWorld(ctx, testWorld("w1"))

	c := &agentworld.Chat{ID: "c1", WorldID: "w1", Name: "session", CreatedAt: baseTime, UpdatedAt: baseTime}
	if err := s.SaveChat(ctx, "w1", c); err != nil {
		t.Fatalf("SaveChat: %v", err)
	}

	for i := 0; i < 3; i++ {
		msg := agentworld.AgentMessage{Role: agentworld.RoleUser, Content: fmt.Sprintf("message %d", i), Sender: "human", CreatedAt: baseTime}
		if err := s.AppendChatMessage(ctx, "w1", "c1", msg); err != nil {
			t.Fatalf("AppendChatMessage: %v", err)
		}
	}

	got, err := s.LoadChat(ctx, "w1", "c1")
	if err != nil {
		t.Fatal(err)
	}
	if got.MessageCount != 3 {
		t.Errorf("MessageCount = %d, want 3", got.MessageCount)
	}

	msgs, err := s.LoadChatMessages(ctx, "w1", "c1")
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 3 || msgs[0].Content != "message 0" || msgs[2].Content != "message 2" {
		t.Errorf("transcript = %+v", msgs)
	}
	// The owning chat id rides back on every row.
	if msgs[0].ChatID != "c1" {
		t.Errorf("ChatID = %q", msgs[0].ChatID)
	}

	if err := s.AppendChatMessage(ctx, "w1", "ghost", agentworld.AgentMessage{Role: agentworld.RoleUser, Content: "x"}); err == nil {
		t.Error("append to missing chat succeeded")
	}
	if _, err := s.LoadChatMessages(ctx, "w1", "ghost"); !errors.Is(err, agentworld.ErrNotFound) {
		t.Errorf("load missing transcript = %v", err)
	}
}

func TestListChatsNewestFirst(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	s.SaveWorld(ctx, testWorld("w1"))

	s.SaveChat(ctx, "w1", &agentworld.Chat{ID: "old", WorldID: "w1", UpdatedAt: baseTime})
	s.SaveChat(ctx, "w1", &agentworld.Chat{ID: "new", WorldID: "w1", UpdatedAt: baseTime.Add(time.Hour)})

	chats, err := s.ListChats(ctx, "w1")
	if err != nil {
		t.Fatal(err)
	}
	if len(chats) != 2 || chats[0].ID != "new" || chats[1].ID != "old" {
		t.Errorf("chats = %v", chats)
	}

	if err := s.DeleteChat(ctx, "w1", "old"); err != nil {
		t.Fatal(err)
	}
	if err := s.DeleteChat(ctx, "w1", "old"); !errors.Is(err, agentworld.ErrNotFound) {
		t.Errorf("double delete = %v", err)
	}
}

func TestWorldChatSnapshotRoundTrip(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	s.SaveWorld(ctx, testWorld("w1"))
	s.SaveChat(ctx, "w1", &agentworld.Chat{ID: "c1", WorldID: "w1", Name: "session", CreatedAt: baseTime, UpdatedAt: baseTime})

	if _, err := s.LoadWorldChat(ctx, "w1", "c1"); !errors.Is(err, agentworld.ErrNotFound) {
		t.Fatalf("missing snapshot = %v", err)
	}

	a := testAgent("alice")
	a.Memory = []agentworld.AgentMessage{{Role: agentworld.RoleUser, Content: "remembered", ChatID: "c1", CreatedAt: baseTime}}
	snap := &agentworld.WorldChat{
		World:    testWorld("w1"),
		Chat:     &agentworld.Chat{ID: "c1", WorldID: "w1", Name: "session"},
		Agents:   []*agentworld.Agent{a},
		Messages: []agentworld.AgentMessage{{Role: agentworld.RoleUser, Content: "hello", Sender: "human", CreatedAt: baseTime}},
	}
	if err := s.SaveWorldChat(ctx, "w1", "c1", snap); err != nil {
		t.Fatalf("SaveWorldChat: %v", err)
	}
	// Saving again overwrites rather than conflicting.
	if err := s.SaveWorldChat(ctx, "w1", "c1", snap); err != nil {
		t.Fatalf("second SaveWorldChat: %v", err)
	}

	got, err := s.LoadWorldChat(ctx, "w1", "c1")
	if err != nil {
		t.Fatalf("LoadWorldChat: %v", err)
	}
	if got.World.ID != "w1" || got.Chat.Name != "session" {
		t.Errorf("snapshot identity = %+v / %+v", got.World, got.Chat)
	}
	if len(got.Agents) != 1 || len(got.Agents[0].Memory) != 1 {
		t.Errorf("snapshot agents = %+v", got.Agents)
	}
	if len(got.Messages) != 1 || got.Messages[0].Content != "hello" {
		t.Errorf("snapshot messages = %+v", got.Messages)
	}
}

func TestLoadWorldChatFullAssembles(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	s.SaveWorld(ctx, testWorld("w1"))

	a := testAgent("alice")
	a.Memory = []agentworld.AgentMessage{
		{Role: agentworld.RoleUser, Content: "chat memory", ChatID: "c1", CreatedAt: baseTime},
		{Role: agentworld.RoleUser, Content: "other memory", ChatID: "c2", CreatedAt: baseTime},
	}
	s.SaveAgent(ctx, "w1", a)
	s.SaveChat(ctx, "w1", &agentworld.Chat{ID: "c1", WorldID: "w1", CreatedAt: baseTime, UpdatedAt: baseTime})

	root := agentworld.AgentMessage{Role: agentworld.RoleUser, Content: "root", Sender: "human", MessageID: "m1", CreatedAt: baseTime}
	reply := agentworld.AgentMessage{Role: agentworld.RoleAssistant, Content: "reply", Sender: "alice", MessageID: "m2", ReplyToMessageID: "m1", CreatedAt: baseTime}
	s.AppendChatMessage(ctx, "w1", "c1", root)
	s.AppendChatMessage(ctx, "w1", "c1", reply)

	snap, err := s.LoadWorldChatFull(ctx, "w1", "c1")
	if err != nil {
		t.Fatalf("LoadWorldChatFull: %v", err)
	}
	if snap.World.ID != "w1" || snap.Chat.ID != "c1" {
		t.Errorf("identity = %+v / %+v", snap.World, snap.Chat)
	}
	if len(snap.Agents) != 1 || len(snap.Agents[0].Memory) != 1 || snap.Agents[0].Memory[0].Content != "chat memory" {
		t.Errorf("filtered memory = %+v", snap.Agents[0].Memory)
	}
	if len(snap.Messages) != 2 {
		t.Fatalf("messages = %+v", snap.Messages)
	}
	if meta := snap.Threads["m2"]; meta.RootMessageID != "m1" || meta.Depth != 1 {
		t.Errorf("thread m2 = %+v", meta)
	}
}

func TestArchiveRoundTrip(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	s.SaveWorld(ctx, testWorld("w1"))

	memory := []agentworld.AgentMessage{
		{Role: agentworld.RoleUser, Content: "question", Sender: "human", CreatedAt: baseTime},
		{Role: agentworld.RoleAssistant, Content: "answer", Sender: "alice", CreatedAt: baseTime.Add(time.Minute)},
	}
	meta := agentworld.ArchiveMetadata{
		SessionName: "Sprint Review",
		Reason:      "manual_clear",
		Tags:        []string{"planning", "Q3"},
		Summary:     "rollout decided",
	}
	id, err := s.ArchiveAgentMemory(ctx, "w1", "alice", memory, meta)
	if err != nil {
		t.Fatalf("ArchiveAgentMemory: %v", err)
	}

	a, err := s.LoadArchive(ctx, "w1", id)
	if err != nil {
		t.Fatalf("LoadArchive: %v", err)
	}
	if a.AgentID != "alice" || a.MessageCount != 2 || a.Reason != "manual_clear" {
		t.Errorf("archive = %+v", a)
	}
	if len(a.Participants) != 2 || a.Participants[0] != "alice" || a.Participants[1] != "human" {
		t.Errorf("participants = %v", a.Participants)
	}
	if len(a.Tags) != 2 || a.Tags[1] != "Q3" {
		t.Errorf("tags = %v", a.Tags)
	}
	if !a.StartTime.Equal(baseTime) || !a.EndTime.Equal(baseTime.Add(time.Minute)) {
		t.Errorf("time range = %v .. %v", a.StartTime, a.EndTime)
	}
	if len(a.Messages) != 2 || a.Messages[1].Content != "answer" {
		t.Errorf("messages = %+v", a.Messages)
	}

	// The statistics row lands in the same transaction.
	var totalChars, users, assistants int
	s.db.QueryRowContext(ctx, `
		SELECT total_chars, user_messages, assistant_messages
		FROM archive_statistics WHERE archive_id = ?`, id).
		Scan(&totalChars, &users, &assistants)
	if totalChars != len("question")+len("answer") || users != 1 || assistants != 1 {
		t.Errorf("statistics = %d chars, %d user, %d assistant", totalChars, users, assistants)
	}

	list, err := s.ListArchives(ctx, "w1")
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].ArchiveID != id || len(list[0].Messages) != 0 {
		t.Errorf("list = %+v", list)
	}

	if _, err := s.LoadArchive(ctx, "w1", "ghost"); !errors.Is(err, agentworld.ErrNotFound) {
		t.Errorf("missing archive = %v", err)
	}
}

func TestSearchAndExportArchives(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	s.SaveWorld(ctx, testWorld("w1"))

	mem := []agentworld.AgentMessage{{Role: agentworld.RoleUser, Content: "hi", Sender: "human", CreatedAt: baseTime}}
	id1, _ := s.ArchiveAgentMemory(ctx, "w1", "alice", mem, agentworld.ArchiveMetadata{Reason: "manual_clear"})
	s.ArchiveAgentMemory(ctx, "w1", "bob", mem, agentworld.ArchiveMetadata{Reason: "compaction"})

	byAgent, err := s.SearchArchives(ctx, "w1", agentworld.ArchiveQuery{AgentID: "ALICE"})
	if err != nil {
		t.Fatal(err)
	}
	if len(byAgent) != 1 || byAgent[0].ArchiveID != id1 {
		t.Errorf("byAgent = %+v", byAgent)
	}

	limited, _ := s.SearchArchives(ctx, "w1", agentworld.ArchiveQuery{Limit: 1})
	if len(limited) != 1 {
		t.Errorf("limited = %+v", limited)
	}

	out, err := s.ExportArchive(ctx, "w1", id1, agentworld.ExportOptions{Format: agentworld.ExportJSON, IncludeMetadata: true})
	if err != nil {
		t.Fatalf("ExportArchive: %v", err)
	}
	if len(out) == 0 {
		t.Error("empty export")
	}
	if _, err := s.ExportArchive(ctx, "w1", "ghost", agentworld.ExportOptions{}); !errors.Is(err, agentworld.ErrNotFound) {
		t.Errorf("export missing = %v", err)
	}
}

func TestDeleteWorldCascades(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	s.SaveWorld(ctx, testWorld("w1"))

	a := testAgent("alice")
	a.Memory = []agentworld.AgentMessage{{Role: agentworld.RoleUser, Content: "hi", CreatedAt: baseTime}}
	s.SaveAgent(ctx, "w1", a)
	s.SaveChat(ctx, "w1", &agentworld.Chat{ID: "c1", WorldID: "w1", CreatedAt: baseTime, UpdatedAt: baseTime})
	s.AppendChatMessage(ctx, "w1", "c1", agentworld.AgentMessage{Role: agentworld.RoleUser, Content: "hello", CreatedAt: baseTime})
	s.SaveWorldChat(ctx, "w1", "c1", &agentworld.WorldChat{World: testWorld("w1"), Chat: &agentworld.Chat{ID: "c1"}})
	s.ArchiveAgentMemory(ctx, "w1", "alice", a.Memory, agentworld.ArchiveMetadata{})

	if err := s.DeleteWorld(ctx, "w1"); err != nil {
		t.Fatalf("DeleteWorld: %v", err)
	}

	for _, table := range []string{"agents", "agent_memory", "chats", "chat_messages", "world_chat_snapshots", "memory_archives", "archived_messages", "archive_statistics"} {
		var count int
		if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+table).Scan(&count); err != nil {
			t.Fatalf("count %s: %v", table, err)
		}
		if count != 0 {
			t.Errorf("%s rows after cascade = %d", table, count)
		}
	}
}

func TestValidateIntegrityClean(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	s.SaveWorld(ctx, testWorld("w1"))

	a := testAgent("alice")
	a.Memory = []agentworld.AgentMessage{{Role: agentworld.RoleUser, Content: "hi", CreatedAt: baseTime}}
	s.SaveAgent(ctx, "w1", a)
	s.SaveChat(ctx, "w1", &agentworld.Chat{ID: "c1", WorldID: "w1", CreatedAt: baseTime, UpdatedAt: baseTime})
	s.AppendChatMessage(ctx, "w1", "c1", agentworld.AgentMessage{Role: agentworld.RoleUser, Content: "hello", CreatedAt: baseTime})
	s.ArchiveAgentMemory(ctx, "w1", "alice", a.Memory, agentworld.ArchiveMetadata{})

	report, err := s.ValidateIntegrity(ctx, "w1", "")
	if err != nil {
		t.Fatalf("ValidateIntegrity: %v", err)
	}
	if !report.Valid() {
		t.Errorf("issues on a clean database: %+v", report.Issues)
	}
	if report.Checked != 4 {
		t.Errorf("Checked = %d, want world+agent+chat+archive", report.Checked)
	}

	scoped, err := s.ValidateIntegrity(ctx, "w1", "alice")
	if err != nil {
		t.Fatal(err)
	}
	if !scoped.Valid() || scoped.Checked != 3 {
		t.Errorf("scoped report = %+v", scoped)
	}

	if _, err := s.ValidateIntegrity(ctx, "ghost", ""); !errors.Is(err, agentworld.ErrNotFound) {
		t.Errorf("missing world = %v", err)
	}
}

func TestRepairFixesWhatValidationFinds(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	s.SaveWorld(ctx, testWorld("w1"))

	calls := []agentworld.ToolCall{{ID: "call-1", Type: "function", Function: agentworld.ToolCallFunction{Name: "shell_cmd", Arguments: "{}"}}}
	a := testAgent("alice")
	a.Memory = []agentworld.AgentMessage{
		{Role: agentworld.RoleUser, Content: "run it", CreatedAt: baseTime},
		{Role: agentworld.RoleAssistant, ToolCalls: calls, CreatedAt: baseTime},
	}
	s.SaveAgent(ctx, "w1", a)
	s.SaveChat(ctx, "w1", &agentworld.Chat{ID: "c1", WorldID: "w1", CreatedAt: baseTime, UpdatedAt: baseTime})
	s.AppendChatMessage(ctx, "w1", "c1", agentworld.AgentMessage{Role: agentworld.RoleAssistant, ToolCalls: calls, CreatedAt: baseTime})
	archID, err := s.ArchiveAgentMemory(ctx, "w1", "alice", a.Memory, agentworld.ArchiveMetadata{})
	if err != nil {
		t.Fatal(err)
	}

	// Corrupt every shape validation knows how to catch.
	mustExec := func(query string, args ...any) {
		t.Helper()
		if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
			t.Fatalf("corrupt: %v", err)
		}
	}
	mustExec(`UPDATE agent_memory SET tool_calls = '{oops' WHERE world_id = 'w1' AND agent_id = 'alice' AND seq = 1`)
	mustExec(`UPDATE chat_messages SET tool_calls = '{oops' WHERE chat_id = 'c1'`)
	mustExec(`UPDATE memory_archives SET message_count = 99 WHERE id = ?`, archID)
	mustExec(`DELETE FROM archive_statistics WHERE archive_id = ?`, archID)

	report, err := s.ValidateIntegrity(ctx, "w1", "")
	if err != nil {
		t.Fatal(err)
	}
	if len(report.Issues) != 4 {
		t.Fatalf("issues = %+v, want memory, chat, archive count, and statistics", report.Issues)
	}

	fix, err := s.RepairData(ctx, "w1", "")
	if err != nil {
		t.Fatalf("RepairData: %v", err)
	}
	if len(fix.Repaired) != 4 {
		t.Fatalf("repaired = %+v", fix.Repaired)
	}

	report, err = s.ValidateIntegrity(ctx, "w1", "")
	if err != nil {
		t.Fatal(err)
	}
	if !report.Valid() {
		t.Errorf("issues after repair: %+v", report.Issues)
	}

	got, err := s.LoadAgent(ctx, "w1", "alice")
	if err != nil {
		t.Fatal(err)
	}
	if got.Memory[1].ToolCalls != nil {
		t.Errorf("corrupt tool calls survived repair: %+v", got.Memory[1])
	}
	arch, err := s.LoadArchive(ctx, "w1", archID)
	if err != nil {
		t.Fatal(err)
	}
	if arch.MessageCount != 2 {
		t.Errorf("archive count after repair = %d, want 2", arch.MessageCount)
	}
	var hasStats bool
	s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM archive_statistics WHERE archive_id = ?)`, archID).Scan(&hasStats)
	if !hasStats {
		t.Error("statistics row not recomputed")
	}
}

func TestConcurrentAppends_NoBusyError(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	s.SaveWorld(ctx, testWorld("w1"))
	s.SaveChat(ctx, "w1", &agentworld.Chat{ID: "c1", WorldID: "w1", CreatedAt: baseTime, UpdatedAt: baseTime})

	const n = 20
	errs := make(chan error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			msg := agentworld.AgentMessage{
				Role:      agentworld.RoleUser,
				Content:   fmt.Sprintf("message %d", i),
				Sender:    "human",
				CreatedAt: baseTime,
			}
			errs <- s.AppendChatMessage(ctx, "w1", "c1", msg)
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Errorf("concurrent append failed: %v", err)
		}
	}

	c, err := s.LoadChat(ctx, "w1", "c1")
	if err != nil {
		t.Fatal(err)
	}
	if c.MessageCount != n {
		t.Errorf("MessageCount = %d, want %d", c.MessageCount, n)
	}
	msgs, err := s.LoadChatMessages(ctx, "w1", "c1")
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != n {
		t.Errorf("transcript = %d messages, want %d", len(msgs), n)
	}
}
