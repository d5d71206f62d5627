package agentworld

import (
	"reflect"
	"testing"
	"time"
)

func TestCloneMessagesDeepCopies(t *testing.T) {
	orig := []AgentMessage{
		{
			Role:    RoleAssistant,
			Content: "running a tool",
			ToolCalls: []ToolCall{
				{ID: "c1", Function: ToolCallFunction{Name: "greet", Arguments: `{"a":1}`}},
			},
		},
		{Role: RoleTool, Content: "done", ToolCallID: "c1"},
	}

	clone := CloneMessages(orig)
	if !reflect.DeepEqual(clone, orig) {
		t.Fatal("clone differs from original")
	}

	clone[0].Content = "mutated"
	clone[0].ToolCalls[0].Function.Name = "mutated"
	if orig[0].Content != "running a tool" {
		t.Error("mutating the clone changed the original message")
	}
	if orig[0].ToolCalls[0].Function.Name != "greet" {
		t.Error("mutating the clone changed the original tool call")
	}
}

func TestCloneMessagesNil(t *testing.T) {
	if CloneMessages(nil) != nil {
		t.Error("CloneMessages(nil) should stay nil")
	}
}

func TestAgentClone(t *testing.T) {
	if (*Agent)(nil).Clone() != nil {
		t.Fatal("cloning a nil agent should stay nil")
	}

	last := time.Now().UTC()
	a := &Agent{
		ID:           "alice",
		Name:         "Alice",
		Status:       AgentActive,
		Provider:     ProviderOpenAI,
		Model:        "gpt-4o",
		LLMCallCount: 2,
		LastLLMCall:  &last,
		Memory:       []AgentMessage{{Role: RoleUser, Content: "hi"}},
	}
	cp := a.Clone()

	cp.Memory[0].Content = "mutated"
	*cp.LastLLMCall = cp.LastLLMCall.Add(time.Hour)
	cp.LLMCallCount = 9

	if a.Memory[0].Content != "hi" {
		t.Error("clone shares memory with the original")
	}
	if !a.LastLLMCall.Equal(last) {
		t.Error("clone shares the LastLLMCall pointer")
	}
	if a.LLMCallCount != 2 {
		t.Error("clone shares scalar state")
	}
}

func TestMessageConstructors(t *testing.T) {
	sys := NewSystemMessage("be brief")
	if sys.Role != RoleSystem || sys.Content != "be brief" || sys.CreatedAt.IsZero() {
		t.Errorf("NewSystemMessage = %+v", sys)
	}
	usr := NewUserMessage("hello", "human")
	if usr.Role != RoleUser || usr.Sender != "human" {
		t.Errorf("NewUserMessage = %+v", usr)
	}
	asst := NewAssistantMessage("hi", "alice")
	if asst.Role != RoleAssistant || asst.Sender != "alice" {
		t.Errorf("NewAssistantMessage = %+v", asst)
	}
	tool := NewToolMessage("c1", "output")
	if tool.Role != RoleTool || tool.ToolCallID != "c1" {
		t.Errorf("NewToolMessage = %+v", tool)
	}
}

func TestNewMemoryArchiveDerivations(t *testing.T) {
	t0 := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	memory := []AgentMessage{
		{Role: RoleUser, Content: "one", Sender: "human", CreatedAt: t0.Add(2 * time.Minute)},
		{Role: RoleAssistant, Content: "two", Sender: "alice", CreatedAt: t0},
		{Role: RoleUser, Content: "three", Sender: "HUMAN", CreatedAt: t0.Add(5 * time.Minute)},
		{Role: RoleSystem, Content: "four", CreatedAt: t0.Add(time.Minute)},
	}
	a := NewMemoryArchive("world1", "alice", memory, ArchiveMetadata{
		SessionName: "kickoff",
		Reason:      "manual_clear",
		Tags:        []string{"sprint"},
	})

	if a.ArchiveID == "" {
		t.Error("ArchiveID not assigned")
	}
	if a.MessageCount != 4 {
		t.Errorf("MessageCount = %d, want 4", a.MessageCount)
	}
	if !a.StartTime.Equal(t0) {
		t.Errorf("StartTime = %v, want the earliest message", a.StartTime)
	}
	if !a.EndTime.Equal(t0.Add(5 * time.Minute)) {
		t.Errorf("EndTime = %v, want the latest message", a.EndTime)
	}
	// Senders dedupe case-insensitively; the senderless system message
	// falls back to its role. Participants come back sorted.
	want := []string{"alice", "human", "system"}
	if !reflect.DeepEqual(a.Participants, want) {
		t.Errorf("Participants = %v, want %v", a.Participants, want)
	}
	if a.SessionName != "kickoff" || a.Reason != "manual_clear" {
		t.Errorf("metadata not carried: %+v", a)
	}

	// The archive owns its messages.
	memory[0].Content = "mutated"
	if a.Messages[0].Content != "one" {
		t.Error("archive shares message storage with the caller")
	}
}

func TestWorldConfigSnapshotDetaches(t *testing.T) {
	_, w := newTestWorld(t)
	snap := w.configSnapshot()
	if snap.ID != w.ID || snap.Name != w.Name {
		t.Fatalf("snapshot = %+v, want the world's config", snap)
	}
	snap.Name = "mutated"
	if w.Name == "mutated" {
		t.Error("snapshot writes leaked into the live world")
	}
	if snap.agents != nil || snap.emitter != nil {
		t.Error("snapshot must not carry runtime state")
	}
}
