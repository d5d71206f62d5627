package agentworld

import "testing"

func threadMsg(id, replyTo string) AgentMessage {
	return AgentMessage{Role: RoleUser, Content: "msg " + id, MessageID: id, ReplyToMessageID: replyTo}
}

func TestThreadMetadataLinearChain(t *testing.T) {
	msgs := []AgentMessage{
		threadMsg("a", ""),
		threadMsg("b", "a"),
		threadMsg("c", "b"),
	}
	meta := CalculateThreadMetadata(msgs)
	if len(meta) != 3 {
		t.Fatalf("len(meta) = %d, want 3", len(meta))
	}

	tests := []struct {
		id     string
		parent string
		root   string
		depth  int
	}{
		{"a", "", "a", 0},
		{"b", "a", "a", 1},
		{"c", "b", "a", 2},
	}
	for _, tt := range tests {
		m := meta[tt.id]
		if m.ParentID != tt.parent || m.RootMessageID != tt.root || m.Depth != tt.depth {
			t.Errorf("meta[%s] = {parent %q root %q depth %d}, want {parent %q root %q depth %d}",
				tt.id, m.ParentID, m.RootMessageID, m.Depth, tt.parent, tt.root, tt.depth)
		}
	}
}

func TestThreadMetadataMissingParent(t *testing.T) {
	// A reply into an archived chat: the parent is not in the transcript.
	meta := CalculateThreadMetadata([]AgentMessage{threadMsg("b", "ghost")})
	m := meta["b"]
	if m.RootMessageID != "ghost" {
		t.Errorf("RootMessageID = %q, want the missing parent id", m.RootMessageID)
	}
	if m.Depth != 1 {
		t.Errorf("Depth = %d, want 1", m.Depth)
	}
}

func TestThreadMetadataCycle(t *testing.T) {
	msgs := []AgentMessage{
		threadMsg("a", "b"),
		threadMsg("b", "a"),
	}
	meta := CalculateThreadMetadata(msgs)

	// The cycle is broken by treating the immediate parent as the root.
	if m := meta["a"]; m.RootMessageID != "b" || m.Depth != 1 {
		t.Errorf("meta[a] = {root %q depth %d}, want {root b depth 1}", m.RootMessageID, m.Depth)
	}
	if m := meta["b"]; m.RootMessageID != "a" || m.Depth != 1 {
		t.Errorf("meta[b] = {root %q depth %d}, want {root a depth 1}", m.RootMessageID, m.Depth)
	}
}

func TestThreadMetadataSkipsMessagesWithoutID(t *testing.T) {
	msgs := []AgentMessage{
		{Role: RoleUser, Content: "no id"},
		threadMsg("a", ""),
	}
	meta := CalculateThreadMetadata(msgs)
	if len(meta) != 1 {
		t.Fatalf("len(meta) = %d, want 1", len(meta))
	}
	if _, ok := meta["a"]; !ok {
		t.Error("message with id missing from metadata")
	}
}

func TestThreadMetadataBranches(t *testing.T) {
	// Two replies to the same root share it.
	msgs := []AgentMessage{
		threadMsg("root", ""),
		threadMsg("x", "root"),
		threadMsg("y", "root"),
		threadMsg("z", "x"),
	}
	meta := CalculateThreadMetadata(msgs)
	for _, id := range []string{"x", "y"} {
		if m := meta[id]; m.RootMessageID != "root" || m.Depth != 1 {
			t.Errorf("meta[%s] = {root %q depth %d}, want {root root depth 1}", id, m.RootMessageID, m.Depth)
		}
	}
	if m := meta["z"]; m.RootMessageID != "root" || m.Depth != 2 {
		t.Errorf("meta[z] = {root %q depth %d}, want {root root depth 2}", m.RootMessageID, m.Depth)
	}
}
