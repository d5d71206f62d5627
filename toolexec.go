package agentworld

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"
)

// toolContext carries turn identity into tool executions.
type toolContext struct {
	worldID string
	agentID string
	chatID  string
}

type toolCtxKey struct{}

func withToolContext(ctx context.Context, tc toolContext) context.Context {
	return context.WithValue(ctx, toolCtxKey{}, tc)
}

func toolContextFrom(ctx context.Context) toolContext {
	tc, _ := ctx.Value(toolCtxKey{}).(toolContext)
	return tc
}

// approvalCache remembers per-chat approval decisions keyed by
// (chatId, toolName), so the human is asked once per chat per tool.
type approvalCache struct {
	mu      sync.Mutex
	entries map[approvalKey]approvalEntry
}

type approvalKey struct {
	chatID string
	tool   string
}

type approvalEntry struct {
	approved  bool
	timestamp time.Time
}

func newApprovalCache() *approvalCache {
	return &approvalCache{entries: make(map[approvalKey]approvalEntry)}
}

func (c *approvalCache) get(chatID, tool string) (approvalEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[approvalKey{chatID: chatID, tool: tool}]
	return e, ok
}

func (c *approvalCache) set(chatID, tool string, approved bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[approvalKey{chatID: chatID, tool: tool}] = approvalEntry{approved: approved, timestamp: time.Now()}
}

func (c *approvalCache) clearChat(chatID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.entries {
		if k.chatID == chatID {
			delete(c.entries, k)
		}
	}
}

// validateToolCalls splits calls into runnable and malformed. Each
// malformed call (empty or missing function name) yields a synthesized
// error tool message and a tool-error SSE event; the turn continues with
// the remaining calls.
func (w *World) validateToolCalls(agentID, messageID string, calls []ToolCall) (valid []ToolCall, errMsgs []AgentMessage) {
	for _, call := range calls {
		if strings.TrimSpace(call.Function.Name) != "" {
			valid = append(valid, call)
			continue
		}
		errMsgs = append(errMsgs, NewToolMessage(call.ID,
			"Error: Malformed tool call - empty or missing tool name. Tool call ID: "+call.ID))
		w.publishSSE(WorldSSEEvent{
			AgentName: agentID,
			Type:      SSEToolError,
			MessageID: messageID,
			ToolExecution: &ToolExecutionInfo{
				ToolName:   "",
				ToolCallID: call.ID,
				Phase:      ToolPhaseFailed,
				Error:      "empty tool name from LLM",
			},
		})
	}
	return valid, errMsgs
}

// executeToolCalls runs calls sequentially, emitting a tool-start and
// tool-end SSE pair per call, and returns one role:"tool" message per call
// in order. Sequential dispatch keeps the event pairs from interleaving.
// The returned error is non-nil only when ctx was cancelled; messages
// accumulated up to that point are still returned.
func (w *World) executeToolCalls(ctx context.Context, a *Agent, messageID string, calls []ToolCall) ([]AgentMessage, error) {
	chatID := w.currentChatID()
	msgs := make([]AgentMessage, 0, len(calls))

	for _, call := range calls {
		if err := ctx.Err(); err != nil {
			return msgs, err
		}
		name := call.Function.Name

		w.publishSSE(WorldSSEEvent{
			AgentName: a.ID,
			Type:      SSEToolStart,
			MessageID: messageID,
			ToolExecution: &ToolExecutionInfo{
				ToolName:   name,
				ToolCallID: call.ID,
				Phase:      ToolPhaseRunning,
			},
		})

		start := time.Now()
		res, execErr := w.runToolCall(ctx, a, chatID, name, call)
		durMs := time.Since(start).Milliseconds()

		if execErr != nil {
			if IsCanceled(execErr) {
				w.publishSSE(WorldSSEEvent{
					AgentName: a.ID,
					Type:      SSEToolEnd,
					MessageID: messageID,
					ToolExecution: &ToolExecutionInfo{
						ToolName:   name,
						ToolCallID: call.ID,
						Phase:      ToolPhaseFailed,
						Error:      "canceled",
						DurationMs: durMs,
					},
				})
				return msgs, execErr
			}
			res = ToolResult{Error: execErr.Error()}
		}

		phase := ToolPhaseCompleted
		if res.Error != "" {
			phase = ToolPhaseFailed
			w.log.Error("tool execution failed", "tool", name, "agent", a.ID, "error", res.Error, "duration", durMs)
		} else {
			w.log.Debug("tool executed", "tool", name, "agent", a.ID, "duration", durMs)
		}

		msg := NewToolMessage(call.ID, encodeToolResult(res))
		msg.ChatID = chatID
		msgs = append(msgs, msg)

		w.publishSSE(WorldSSEEvent{
			AgentName: a.ID,
			Type:      SSEToolEnd,
			MessageID: messageID,
			ToolExecution: &ToolExecutionInfo{
				ToolName:   name,
				ToolCallID: call.ID,
				Phase:      phase,
				Error:      res.Error,
				Result:     truncateStr(res.Text(), 500),
				DurationMs: durMs,
			},
		})
	}
	return msgs, nil
}

// runToolCall handles approval gating and dispatches one call through the
// registry with the tool context and HITL handler attached.
func (w *World) runToolCall(ctx context.Context, a *Agent, chatID, name string, call ToolCall) (ToolResult, error) {
	tctx := withToolContext(ctx, toolContext{worldID: w.ID, agentID: a.ID, chatID: chatID})
	if _, ok := HITLHandlerFromContext(tctx); !ok && w.mgr.hitl != nil {
		tctx = WithHITLHandlerContext(tctx, w.mgr.hitl)
	}

	if w.mgr.tools.RequiresApproval(name) {
		approved, err := w.approveToolCall(tctx, a, chatID, name)
		if err != nil {
			return ToolResult{}, err
		}
		if !approved {
			return ToolResult{Error: fmt.Sprintf("tool %s was denied by the user", name)}, nil
		}
	}

	args := json.RawMessage(call.Function.Arguments)
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}

	sctx, span := startSpan(tctx, w.mgr.tracer, "tool.execute",
		StringAttr("tool", name), StringAttr("world", w.ID), StringAttr("agent", a.ID))
	res, err := w.mgr.tools.Execute(sctx, name, args)
	endSpan(span, err)
	return res, err
}

// approveToolCall consults the chat-scoped approval cache, asking the human
// on a miss. Without a configured handler the call proceeds; gating is
// opted into by registering one. Outside a chat nothing is cached and the
// human is asked every time.
func (w *World) approveToolCall(ctx context.Context, a *Agent, chatID, name string) (bool, error) {
	handler, ok := HITLHandlerFromContext(ctx)
	if !ok || handler == nil {
		return true, nil
	}
	if chatID != "" {
		if e, ok := w.mgr.approvals.get(chatID, name); ok {
			return e.approved, nil
		}
	}

	req := HITLRequest{
		WorldID:         w.ID,
		AgentID:         a.ID,
		Question:        fmt.Sprintf("Allow agent %q to run tool %q?", a.ID, name),
		Options:         NormalizeHITLOptions([]string{"Approve", "Deny"}),
		DefaultOptionID: "deny",
		Metadata:        map[string]string{"chatId": chatID, "tool": name, "kind": "approval"},
	}
	res := resolveHITL(ctx, handler, req, DefaultHITLTimeout)
	if res.Err != nil {
		if IsCanceled(res.Err) {
			return false, res.Err
		}
		w.log.Warn("tool approval prompt failed", "tool", name, "error", res.Err)
		return false, nil
	}
	approved := res.Selected != nil && res.Selected.ID == "approve"
	if chatID != "" {
		w.mgr.approvals.set(chatID, name, approved)
	}
	return approved, nil
}

// encodeToolResult renders the tool message body: the result JSON normally,
// a plain error line when there is nothing else to report.
func encodeToolResult(res ToolResult) string {
	if res.Error != "" && len(res.Content) == 0 && len(res.Details) == 0 {
		return "Error: " + res.Error
	}
	body, err := json.Marshal(res)
	if err != nil {
		return "Error: encode tool result: " + err.Error()
	}
	return string(body)
}

// truncateStr shortens s for logs and event payloads.
func truncateStr(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
