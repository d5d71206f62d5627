package agentworld

import (
	"strings"
	"testing"
	"time"
)

func routerWorld(t *testing.T) (*World, *agentRuntime, *agentRuntime) {
	t.Helper()
	_, w := newTestWorld(t)
	alice := mustRuntime(t, w, addAgent(t, w, "Alice").ID)
	bob := mustRuntime(t, w, addAgent(t, w, "Bob").ID)
	return w, alice, bob
}

func msgFrom(sender, content string) WorldMessageEvent {
	return WorldMessageEvent{Content: content, Sender: sender, Timestamp: time.Now().UTC(), MessageID: NewID()}
}

func TestRouterNeverAnswersSelf(t *testing.T) {
	w, alice, _ := routerWorld(t)
	if w.shouldAgentRespond(alice.agent, msgFrom("alice", "talking to myself")) {
		t.Error("agent responded to its own message")
	}
	if w.shouldAgentRespond(alice.agent, msgFrom("ALICE", "case should not matter")) {
		t.Error("self check must be case-insensitive")
	}
}

func TestRouterIgnoresTurnLimitNotices(t *testing.T) {
	w, alice, _ := routerWorld(t)
	ev := msgFrom("bob", "@human Turn limit reached (5 LLM calls). Please take control of the conversation.")
	if w.shouldAgentRespond(alice.agent, ev) {
		t.Error("agent responded to a turn-limit notice")
	}
}

func TestRouterHumanBroadcast(t *testing.T) {
	w, alice, bob := routerWorld(t)
	ev := msgFrom("human", "hello everyone")
	if !w.shouldAgentRespond(alice.agent, ev) {
		t.Error("alice should answer a broadcast")
	}
	if !w.shouldAgentRespond(bob.agent, ev) {
		t.Error("bob should answer a broadcast")
	}
}

func TestRouterHumanTargetedMention(t *testing.T) {
	w, alice, bob := routerWorld(t)
	ev := msgFrom("human", "@alice what do you think?")
	if !w.shouldAgentRespond(alice.agent, ev) {
		t.Error("alice should answer when mentioned first")
	}
	if w.shouldAgentRespond(bob.agent, ev) {
		t.Error("bob must stay silent when alice is addressed")
	}

	// Only the first mention routes.
	ev = msgFrom("human", "@bob loop in @alice")
	if w.shouldAgentRespond(alice.agent, ev) {
		t.Error("a later mention must not trigger a response")
	}
	if !w.shouldAgentRespond(bob.agent, ev) {
		t.Error("bob should answer as the first mention")
	}
}

func TestRouterMentionMatchingIsCaseInsensitive(t *testing.T) {
	w, alice, _ := routerWorld(t)
	if !w.shouldAgentRespond(alice.agent, msgFrom("human", "@ALICE ping")) {
		t.Error("mention matching should fold case")
	}
}

func TestRouterSystemAlwaysAnswered(t *testing.T) {
	w, alice, _ := routerWorld(t)
	// System messages are answered even when they mention someone else.
	if !w.shouldAgentRespond(alice.agent, msgFrom("system", "@bob the build is red")) {
		t.Error("system sender should always be answered")
	}
	if !w.shouldAgentRespond(alice.agent, msgFrom("", "senderless announcement")) {
		t.Error("senderless message should always be answered")
	}
}

func TestRouterAgentSenderNeedsMention(t *testing.T) {
	w, alice, _ := routerWorld(t)
	if w.shouldAgentRespond(alice.agent, msgFrom("bob", "just thinking out loud")) {
		t.Error("agent chatter without a mention must not trigger a reply")
	}
	if !w.shouldAgentRespond(alice.agent, msgFrom("bob", "@alice your move")) {
		t.Error("a first mention from another agent should trigger a reply")
	}
}

func TestRouterTurnLimitBlocksAndNotifies(t *testing.T) {
	w, alice, _ := routerWorld(t)
	log := &eventLog{}
	defer log.attach(w)()

	w.mu.Lock()
	alice.agent.LLMCallCount = w.TurnLimit
	w.mu.Unlock()

	if w.shouldAgentRespond(alice.agent, msgFrom("bob", "@alice keep going")) {
		t.Fatal("agent at the limit must not respond")
	}

	msgs := log.messages()
	if len(msgs) != 1 {
		t.Fatalf("published messages = %d, want the handoff notice", len(msgs))
	}
	notice := msgs[0]
	if notice.Sender != "alice" {
		t.Errorf("notice sender = %q, want alice", notice.Sender)
	}
	if !strings.HasPrefix(notice.Content, "@human Turn limit reached (5 LLM calls)") {
		t.Errorf("notice = %q, want the limit handoff text", notice.Content)
	}
}

func TestRouterLimitBeatsHumanReset(t *testing.T) {
	// A human ping at the boundary still triggers the handoff; the counter
	// is not reset first.
	w, alice, _ := routerWorld(t)
	log := &eventLog{}
	defer log.attach(w)()

	w.mu.Lock()
	alice.agent.LLMCallCount = w.TurnLimit
	w.mu.Unlock()

	if w.shouldAgentRespond(alice.agent, msgFrom("human", "still there?")) {
		t.Fatal("human message at the limit must not be answered")
	}
	if !log.hasMessage("Turn limit reached") {
		t.Error("handoff notice missing")
	}
}

func TestRouterHumanResetsCounter(t *testing.T) {
	w, alice, _ := routerWorld(t)

	w.mu.Lock()
	alice.agent.LLMCallCount = 3
	w.mu.Unlock()

	if !w.shouldAgentRespond(alice.agent, msgFrom("human", "fresh topic")) {
		t.Fatal("human message below the limit should be answered")
	}
	w.mu.RLock()
	count := alice.agent.LLMCallCount
	w.mu.RUnlock()
	if count != 0 {
		t.Errorf("LLMCallCount = %d, want 0 after a human message", count)
	}
}

func TestRouterAgentSenderKeepsCounter(t *testing.T) {
	w, alice, _ := routerWorld(t)

	w.mu.Lock()
	alice.agent.LLMCallCount = 3
	w.mu.Unlock()

	w.shouldAgentRespond(alice.agent, msgFrom("bob", "@alice continue"))

	w.mu.RLock()
	count := alice.agent.LLMCallCount
	w.mu.RUnlock()
	if count != 3 {
		t.Errorf("LLMCallCount = %d, want 3 preserved across agent messages", count)
	}
}
