package agentworld

import (
	"fmt"
	"strings"
	"time"
)

// turnLimitMarker is the loop breaker: a message containing it is never
// responded to, which stops limit notices from triggering further turns.
const turnLimitMarker = "Turn limit reached"

// shouldAgentRespond decides whether a responds to ev, with two side
// effects: publishing the turn-limit handoff notice and persisting counter
// resets. The check order is load-bearing:
//
//  1. never self-reply
//  2. never respond to turn-limit notices
//  3. enforce the turn limit, publishing the handoff notice
//  4. reset the counter on human or system senders
//  5. senderless and "system" messages are always answered
//  6. human messages: broadcast, or the first mention must match the name
//  7. agent messages: the first mention must match the name
//
// A human ping at the limit boundary is rejected by step 3 before step 4
// can reset the counter, so the handoff notice still goes out.
func (w *World) shouldAgentRespond(a *Agent, ev WorldMessageEvent) bool {
	if strings.EqualFold(ev.Sender, a.ID) {
		return false
	}
	if strings.Contains(ev.Content, turnLimitMarker) {
		return false
	}

	limit := w.effectiveTurnLimit()
	w.mu.RLock()
	count := a.LLMCallCount
	w.mu.RUnlock()
	if count >= limit {
		notice := fmt.Sprintf("@human Turn limit reached (%d LLM calls). Please take control of the conversation.", limit)
		w.publishMessageEvent(notice, a.ID, "")
		w.log.Info("turn limit reached", "agent", a.ID, "limit", limit)
		return false
	}

	senderType := DetermineSenderType(ev.Sender)
	if (senderType == SenderHuman || senderType == SenderSystem) && count > 0 {
		w.mu.Lock()
		a.LLMCallCount = 0
		a.UpdatedAt = time.Now().UTC()
		snapshot := a.Clone()
		w.mu.Unlock()
		if err := w.mgr.storage.SaveAgentConfig(w.baseCtx, w.ID, snapshot); err != nil {
			w.log.Warn("persisting turn counter reset failed", "agent", a.ID, "error", err)
		}
	}

	if ev.Sender == "" || strings.EqualFold(ev.Sender, "system") {
		return true
	}

	mentions := ExtractMentions(ev.Content)
	if senderType == SenderHuman {
		if len(mentions) == 0 {
			return true
		}
		return mentions[0] == strings.ToLower(a.Name)
	}
	// Agent sender: reply only when explicitly mentioned first.
	return len(mentions) > 0 && mentions[0] == strings.ToLower(a.Name)
}
