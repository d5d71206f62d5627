package agentworld

import "context"

// GenerateRequest is the neutral request shape handed to providers. The
// orchestrator fills Messages with the system prompt, the history window,
// and the current turn; Tools carries the registry definitions.
type GenerateRequest struct {
	Model       string
	Messages    []AgentMessage
	Tools       []ToolDefinition
	Temperature float64
	MaxTokens   int
}

// GenerateResponse is the final outcome of one provider call. ToolCalls is
// non-empty when the model requested function execution.
type GenerateResponse struct {
	Content   string
	ToolCalls []ToolCall
	Usage     *TokenUsage
}

// Provider abstracts the LLM backend. Concrete clients live outside this
// module and are registered through factories.
type Provider interface {
	// Generate sends a request and returns a complete response.
	Generate(ctx context.Context, req GenerateRequest) (GenerateResponse, error)
	// Stream sends text deltas into ch as they arrive, then returns the
	// assembled final response. Implementations send only; the caller owns
	// closing ch. Tool call IDs must be passed through verbatim so result
	// linkage survives the round-trip.
	Stream(ctx context.Context, req GenerateRequest, ch chan<- string) (GenerateResponse, error)
	// Name returns the provider name (e.g. "openai", "anthropic").
	Name() string
}

// ProviderFactory builds a Provider from one agent's settings (model, API
// key, base URL, Azure deployment, Ollama host). Factories are registered
// per LLMProvider value on the Manager.
type ProviderFactory func(agent *Agent) (Provider, error)
