package agentworld

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// passRe matches the command an agent embeds in a response to hand control
// back to the human instead of answering.
var passRe = regexp.MustCompile(`(?i)<world>pass</world>`)

const (
	// DefaultHistoryWindow is how many memory messages precede the current
	// turn in the provider prompt.
	DefaultHistoryWindow = 10
	// DefaultToolIterationCap bounds tool-call rounds per accepted message.
	DefaultToolIterationCap = 8
)

// respondToMessage runs one full agent turn inside an activity scope:
// provider streaming, tool rounds, and final publication. Errors are logged,
// never propagated; a failed turn must not disturb the bus.
func (w *World) respondToMessage(a *Agent, ev WorldMessageEvent, history []AgentMessage) {
	source := "agent:" + a.ID
	err := w.trackActivity(source, ev.MessageID, func() error {
		content, _, err := w.streamAgentResponse(w.baseCtx, a, ev, history)
		if err != nil {
			return err
		}
		w.publishAgentResponse(a, ev, content)
		return nil
	})
	switch {
	case err == nil:
	case IsCanceled(err):
		w.log.Debug("agent turn canceled", "agent", a.ID)
	default:
		w.log.Error("agent turn failed", "agent", a.ID, "error", err)
	}
}

// streamAgentResponse drives the provider loop for one accepted message and
// returns the final assistant text. Each LLM iteration streams under its own
// SSE messageId; tool rounds extend the working message list and loop until
// the model answers in plain text or the iteration cap trips.
func (w *World) streamAgentResponse(ctx context.Context, a *Agent, ev WorldMessageEvent, history []AgentMessage) (string, *TokenUsage, error) {
	provider, err := w.mgr.buildProvider(a)
	if err != nil {
		w.publishSSE(WorldSSEEvent{AgentName: a.ID, Type: SSEError, Error: err.Error()})
		return "", nil, err
	}

	// Count the turn before calling out; resets only happen through the
	// router or an explicit memory clear.
	w.mu.Lock()
	a.LLMCallCount++
	now := time.Now().UTC()
	a.LastLLMCall = &now
	a.UpdatedAt = now
	snapshot := a.Clone()
	w.mu.Unlock()
	if err := w.mgr.storage.SaveAgentConfig(w.baseCtx, w.ID, snapshot); err != nil {
		w.log.Warn("persisting llm call count failed", "agent", a.ID, "error", err)
	}

	messages := make([]AgentMessage, 0, len(history)+2)
	if a.SystemPrompt != "" {
		messages = append(messages, NewSystemMessage(a.SystemPrompt))
	}
	messages = append(messages, history...)
	current := NewUserMessage(ev.Content, ev.Sender)
	current.CreatedAt = ev.Timestamp
	current.MessageID = ev.MessageID
	current.ReplyToMessageID = ev.ReplyToMessageID
	current.ChatID = w.currentChatID()
	messages = append(messages, current)

	req := GenerateRequest{
		Model:       a.Model,
		Tools:       w.mgr.tools.AllDefinitions(),
		Temperature: a.Temperature,
		MaxTokens:   a.MaxTokens,
	}

	var lastContent string
	var lastUsage *TokenUsage

	for iter := 0; iter < w.mgr.toolIterationCap; iter++ {
		messageID := NewID()
		w.publishSSE(WorldSSEEvent{AgentName: a.ID, Type: SSEStart, MessageID: messageID})

		if err := w.mgr.queue.acquire(ctx); err != nil {
			w.publishSSE(WorldSSEEvent{AgentName: a.ID, Type: SSEError, Error: "canceled", MessageID: messageID})
			return "", nil, err
		}
		req.Messages = messages
		sctx, span := startSpan(ctx, w.mgr.tracer, "llm.stream",
			StringAttr("provider", string(a.Provider)),
			StringAttr("model", a.Model),
			StringAttr("agent", a.ID),
			IntAttr("iteration", iter))
		resp, streamed, err := w.streamOnce(sctx, provider, a, req, messageID)
		w.mgr.queue.release()
		endSpan(span, err)

		if err != nil {
			if IsCanceled(err) || ctx.Err() != nil {
				w.publishSSE(WorldSSEEvent{AgentName: a.ID, Type: SSEError, Error: "canceled", MessageID: messageID})
				if cerr := ctx.Err(); cerr != nil {
					return "", nil, cerr
				}
				return "", nil, err
			}
			w.publishSSE(WorldSSEEvent{AgentName: a.ID, Type: SSEError, Error: err.Error(), MessageID: messageID})
			return "", nil, &ProviderError{Provider: provider.Name(), Message: "stream failed", Err: err}
		}

		content := resp.Content
		if content == "" {
			content = streamed
		}
		lastContent = content
		lastUsage = resp.Usage

		if len(resp.ToolCalls) == 0 {
			w.publishSSE(WorldSSEEvent{AgentName: a.ID, Type: SSEEnd, MessageID: messageID, Usage: resp.Usage})
			return content, resp.Usage, nil
		}

		// Tool round: record the assistant request, answer every call id,
		// and loop with the extended message list.
		valid, errMsgs := w.validateToolCalls(a.ID, messageID, resp.ToolCalls)
		assistant := NewAssistantMessage(content, a.ID)
		assistant.ToolCalls = resp.ToolCalls
		messages = append(messages, assistant)
		messages = append(messages, errMsgs...)

		toolMsgs, terr := w.executeToolCalls(ctx, a, messageID, valid)
		messages = append(messages, toolMsgs...)
		if terr != nil {
			w.publishSSE(WorldSSEEvent{AgentName: a.ID, Type: SSEError, Error: "canceled", MessageID: messageID})
			return "", nil, terr
		}
	}

	w.publishSSE(WorldSSEEvent{AgentName: a.ID, Type: SSEError, Error: "tool-call loop exceeded"})
	w.log.Warn("tool-call loop exceeded", "agent", a.ID, "cap", w.mgr.toolIterationCap)
	return lastContent, lastUsage, nil
}

// streamOnce performs a single provider call. With streaming enabled deltas
// are fanned out as chunk events while the provider runs; the provider's
// assembled content wins over the accumulator when both exist.
func (w *World) streamOnce(ctx context.Context, p Provider, a *Agent, req GenerateRequest, messageID string) (GenerateResponse, string, error) {
	if !w.mgr.streamingEnabled() {
		resp, err := p.Generate(ctx, req)
		return resp, "", err
	}

	ch := make(chan string, 32)
	var resp GenerateResponse
	var err error
	done := make(chan struct{})
	go func() {
		defer close(done)
		resp, err = p.Stream(ctx, req, ch)
		safeCloseCh(ch)
	}()

	var acc strings.Builder
	for delta := range ch {
		if delta == "" {
			continue
		}
		acc.WriteString(delta)
		w.publishSSE(WorldSSEEvent{AgentName: a.ID, Type: SSEChunk, Content: delta, MessageID: messageID})
	}
	<-done
	return resp, acc.String(), err
}

// safeCloseCh closes ch exactly once, absorbing double-close panics from
// misbehaving providers.
func safeCloseCh(ch chan string) {
	defer func() { _ = recover() }()
	close(ch)
}

// publishAgentResponse applies the pass command and auto mention prefix,
// publishes the final message, and appends it to the agent's memory.
func (w *World) publishAgentResponse(a *Agent, ev WorldMessageEvent, content string) {
	if passRe.MatchString(content) {
		w.publishMessageEvent(fmt.Sprintf("@human %s is passing control to you", a.ID), "system", ev.MessageID)
		w.log.Info("agent passed control to human", "agent", a.ID)
		return
	}
	if strings.TrimSpace(content) == "" {
		w.log.Debug("empty response suppressed", "agent", a.ID)
		return
	}
	// When replying to another agent, make the routing explicit.
	if DetermineSenderType(ev.Sender) == SenderAgent && !containsMention(content, ev.Sender) {
		content = "@" + ev.Sender + " " + content
	}

	out := w.publishMessageEvent(content, a.ID, ev.MessageID)

	reply := NewAssistantMessage(content, a.ID)
	reply.CreatedAt = out.Timestamp
	reply.MessageID = out.MessageID
	reply.ReplyToMessageID = ev.MessageID
	reply.ChatID = w.currentChatID()
	w.appendAgentMemory(a, reply)
}

func containsMention(content, name string) bool {
	return strings.Contains(strings.ToLower(content), "@"+strings.ToLower(name))
}
