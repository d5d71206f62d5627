package agentworld

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
)

// --- Enumerations ---

// SenderType classifies who produced a message. Classification drives the
// routing rules: human and system senders reset turn counters, agent senders
// are subject to mention matching.
type SenderType string

const (
	SenderHuman  SenderType = "human"
	SenderAgent  SenderType = "agent"
	SenderSystem SenderType = "system"
)

// LLMProvider identifies an LLM backend family. Concrete clients are
// registered on the Manager as ProviderFactory values keyed by this type.
type LLMProvider string

const (
	ProviderAnthropic        LLMProvider = "anthropic"
	ProviderOpenAI           LLMProvider = "openai"
	ProviderAzure            LLMProvider = "azure"
	ProviderGoogle           LLMProvider = "google"
	ProviderXAI              LLMProvider = "xai"
	ProviderOllama           LLMProvider = "ollama"
	ProviderOpenAICompatible LLMProvider = "openai-compatible"
)

// AgentStatus gates nothing at runtime today; it is persisted so a frontend
// can grey out inactive agents.
type AgentStatus string

const (
	AgentActive   AgentStatus = "active"
	AgentInactive AgentStatus = "inactive"
)

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// --- Domain records ---

// World is an isolated tenancy: a roster of agents, an event bus, chats, and
// an activity ledger. Exported fields are the persisted configuration;
// runtime state (roster, emitter, tracker) is attached by the Manager and
// never serialized.
type World struct {
	ID              string      `json:"id"`
	Name            string      `json:"name"`
	Description     string      `json:"description,omitempty"`
	TurnLimit       int         `json:"turnLimit"`
	CurrentChatID   string      `json:"currentChatId,omitempty"`
	ChatLLMProvider LLMProvider `json:"chatLLMProvider,omitempty"`
	ChatLLMModel    string      `json:"chatLLMModel,omitempty"`
	CreatedAt       time.Time   `json:"createdAt"`
	UpdatedAt       time.Time   `json:"updatedAt"`

	mu            sync.RWMutex
	agents        map[string]*agentRuntime
	emitter       *emitter
	activity      *activityTracker
	mgr           *Manager
	isProcessing  bool
	chatUnsub     func()
	chatCaptureID string
	baseCtx       context.Context
	cancel        context.CancelFunc
	log           *slog.Logger
}

// Agent is a configured LLM persona living inside one world. Memory is the
// ordered conversation history; LLMCallCount is the consecutive-turn counter
// reset by human or system messages.
type Agent struct {
	ID           string      `json:"id"`
	Name         string      `json:"name"`
	Type         string      `json:"type,omitempty"`
	Status       AgentStatus `json:"status"`
	Provider     LLMProvider `json:"provider"`
	Model        string      `json:"model"`
	SystemPrompt string      `json:"systemPrompt,omitempty"`
	Temperature  float64     `json:"temperature,omitempty"`
	MaxTokens    int         `json:"maxTokens,omitempty"`

	// Provider-specific connection settings.
	APIKey          string `json:"apiKey,omitempty"`
	BaseURL         string `json:"baseUrl,omitempty"`
	AzureEndpoint   string `json:"azureEndpoint,omitempty"`
	AzureAPIVersion string `json:"azureApiVersion,omitempty"`
	AzureDeployment string `json:"azureDeployment,omitempty"`
	OllamaBaseURL   string `json:"ollamaBaseUrl,omitempty"`

	LLMCallCount int        `json:"llmCallCount"`
	LastLLMCall  *time.Time `json:"lastLLMCall,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`

	Memory []AgentMessage `json:"memory,omitempty"`
}

// Clone returns a deep copy. Callers that hand agents across goroutine
// boundaries copy first; the world lock only protects the roster's own
// instances.
func (a *Agent) Clone() *Agent {
	if a == nil {
		return nil
	}
	cp := *a
	if a.LastLLMCall != nil {
		t := *a.LastLLMCall
		cp.LastLLMCall = &t
	}
	cp.Memory = CloneMessages(a.Memory)
	return &cp
}

// AgentMessage is the neutral conversation message shape used for agent
// memory, chat transcripts, and the provider protocol. Tool linkage fields
// use the snake_case wire names providers expect.
type AgentMessage struct {
	Role             string     `json:"role"`
	Content          string     `json:"content"`
	Sender           string     `json:"sender,omitempty"`
	ToolCallID       string     `json:"tool_call_id,omitempty"`
	ToolCalls        []ToolCall `json:"tool_calls,omitempty"`
	CreatedAt        time.Time  `json:"createdAt"`
	ChatID           string     `json:"chatId,omitempty"`
	MessageID        string     `json:"messageId,omitempty"`
	ReplyToMessageID string     `json:"replyToMessageId,omitempty"`
}

// ToolCall is an LLM-requested function invocation. Arguments stay a raw
// JSON string end to end so round-trips never reorder or reformat them.
type ToolCall struct {
	ID       string           `json:"id"`
	Type     string           `json:"type,omitempty"`
	Function ToolCallFunction `json:"function"`
}

type ToolCallFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// CloneMessages deep-copies a message slice, including nested tool calls.
func CloneMessages(msgs []AgentMessage) []AgentMessage {
	if msgs == nil {
		return nil
	}
	out := make([]AgentMessage, len(msgs))
	copy(out, msgs)
	for i := range out {
		if len(out[i].ToolCalls) > 0 {
			tc := make([]ToolCall, len(out[i].ToolCalls))
			copy(tc, out[i].ToolCalls)
			out[i].ToolCalls = tc
		}
	}
	return out
}

// Chat is a named conversation slice within a world.
type Chat struct {
	ID           string    `json:"id"`
	WorldID      string    `json:"worldId"`
	Name         string    `json:"name"`
	Description  string    `json:"description,omitempty"`
	MessageCount int       `json:"messageCount"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// WorldChat is a point-in-time snapshot of one chat: world config, the
// agents with memory filtered to that chat, the ordered transcript, and the
// reply-thread structure derived from it.
type WorldChat struct {
	World    *World                    `json:"world"`
	Chat     *Chat                     `json:"chat"`
	Agents   []*Agent                  `json:"agents"`
	Messages []AgentMessage            `json:"messages"`
	Threads  map[string]ThreadMetadata `json:"threads,omitempty"`
}

// ArchiveMetadata is the caller-supplied part of an archive; counts, time
// range, and participants are derived from the archived messages.
type ArchiveMetadata struct {
	SessionName string   `json:"sessionName,omitempty"`
	Reason      string   `json:"reason,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	Summary     string   `json:"summary,omitempty"`
}

// MemoryArchive is an immutable snapshot of an agent's memory. Once written
// the message list never changes.
type MemoryArchive struct {
	ArchiveID    string    `json:"archiveId"`
	AgentID      string    `json:"agentId"`
	WorldID      string    `json:"worldId"`
	SessionName  string    `json:"sessionName,omitempty"`
	Reason       string    `json:"reason,omitempty"`
	MessageCount int       `json:"messageCount"`
	StartTime    time.Time `json:"startTime"`
	EndTime      time.Time `json:"endTime"`
	Participants []string  `json:"participants"`
	Tags         []string  `json:"tags,omitempty"`
	Summary      string    `json:"summary,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`

	Messages []AgentMessage `json:"messages,omitempty"`
}

// NewMemoryArchive freezes memory into an archive, deriving message count,
// time range, and the distinct participant senders.
func NewMemoryArchive(worldID, agentID string, memory []AgentMessage, meta ArchiveMetadata) *MemoryArchive {
	now := time.Now().UTC()
	a := &MemoryArchive{
		ArchiveID:    NewID(),
		AgentID:      agentID,
		WorldID:      worldID,
		SessionName:  meta.SessionName,
		Reason:       meta.Reason,
		MessageCount: len(memory),
		StartTime:    now,
		EndTime:      now,
		Tags:         meta.Tags,
		Summary:      meta.Summary,
		CreatedAt:    now,
		Messages:     CloneMessages(memory),
	}
	seen := map[string]bool{}
	for i, m := range memory {
		if i == 0 || m.CreatedAt.Before(a.StartTime) {
			a.StartTime = m.CreatedAt
		}
		if i == 0 || m.CreatedAt.After(a.EndTime) {
			a.EndTime = m.CreatedAt
		}
		sender := m.Sender
		if sender == "" {
			sender = m.Role
		}
		key := strings.ToLower(sender)
		if !seen[key] {
			seen[key] = true
			a.Participants = append(a.Participants, sender)
		}
	}
	sort.Strings(a.Participants)
	return a
}

// --- Event wire shapes ---

// WorldMessageEvent is the payload on the "message" topic.
type WorldMessageEvent struct {
	Content          string    `json:"content"`
	Sender           string    `json:"sender"`
	Timestamp        time.Time `json:"timestamp"`
	MessageID        string    `json:"messageId"`
	ReplyToMessageID string    `json:"replyToMessageId,omitempty"`
}

// SSEEventType enumerates streaming event kinds.
type SSEEventType string

const (
	SSEStart     SSEEventType = "start"
	SSEChunk     SSEEventType = "chunk"
	SSEEnd       SSEEventType = "end"
	SSEError     SSEEventType = "error"
	SSEToolError SSEEventType = "tool-error"
	SSEToolStart SSEEventType = "tool-start"
	SSEToolEnd   SSEEventType = "tool-end"
)

// WorldSSEEvent is the payload on the "sse" topic. For a given MessageID
// events arrive in the order start, chunk*, (tool-start, tool-end)*, then
// end or error.
type WorldSSEEvent struct {
	AgentName     string             `json:"agentName"`
	Type          SSEEventType       `json:"type"`
	Content       string             `json:"content,omitempty"`
	Error         string             `json:"error,omitempty"`
	MessageID     string             `json:"messageId"`
	Usage         *TokenUsage        `json:"usage,omitempty"`
	ToolExecution *ToolExecutionInfo `json:"toolExecution,omitempty"`
}

// ToolExecutionInfo rides on tool-start, tool-end, and tool-error events.
type ToolExecutionInfo struct {
	ToolName   string `json:"toolName"`
	ToolCallID string `json:"toolCallId"`
	Phase      string `json:"phase"`
	Error      string `json:"error,omitempty"`
	Result     string `json:"result,omitempty"`
	DurationMs int64  `json:"durationMs,omitempty"`
}

// Tool execution phases.
const (
	ToolPhaseRunning   = "running"
	ToolPhaseCompleted = "completed"
	ToolPhaseFailed    = "failed"
)

// ActivityEventType enumerates world lifecycle transitions.
type ActivityEventType string

const (
	ActivityResponseStart ActivityEventType = "response-start"
	ActivityResponseEnd   ActivityEventType = "response-end"
	ActivityIdle          ActivityEventType = "idle"
)

// WorldActivityEvent is published on the topic matching its Type and
// mirrored on the generic "world" topic.
type WorldActivityEvent struct {
	Type              ActivityEventType `json:"type"`
	PendingOperations int               `json:"pendingOperations"`
	ActivityID        int64             `json:"activityId"`
	Timestamp         time.Time         `json:"timestamp"`
	Source            string            `json:"source,omitempty"`
	ActiveSources     []string          `json:"activeSources"`
	Queue             LLMQueueStatus    `json:"queue"`
	MessageID         string            `json:"messageId"`
}

// LLMQueueStatus reports the shared provider-call semaphore.
type LLMQueueStatus struct {
	Capacity int `json:"capacity"`
	Running  int `json:"running"`
	Queued   int `json:"queued"`
}

// TokenUsage is reported by providers when available; streaming paths may
// leave it nil.
type TokenUsage struct {
	InputTokens  int `json:"inputTokens"`
	OutputTokens int `json:"outputTokens"`
	TotalTokens  int `json:"totalTokens"`
}

// --- Message constructors ---

func NewSystemMessage(content string) AgentMessage {
	return AgentMessage{Role: RoleSystem, Content: content, CreatedAt: time.Now().UTC()}
}

func NewUserMessage(content, sender string) AgentMessage {
	return AgentMessage{Role: RoleUser, Content: content, Sender: sender, CreatedAt: time.Now().UTC()}
}

func NewAssistantMessage(content, sender string) AgentMessage {
	return AgentMessage{Role: RoleAssistant, Content: content, Sender: sender, CreatedAt: time.Now().UTC()}
}

func NewToolMessage(toolCallID, content string) AgentMessage {
	return AgentMessage{Role: RoleTool, Content: content, ToolCallID: toolCallID, CreatedAt: time.Now().UTC()}
}
