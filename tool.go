package agentworld

import (
	"context"
	"encoding/json"
	"sync"
)

// ToolDefinition describes one callable function advertised to the LLM.
// Parameters is a JSON Schema object.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// Tool defines an agent capability with one or more tool functions.
type Tool interface {
	Definitions() []ToolDefinition
	Execute(ctx context.Context, name string, args json.RawMessage) (ToolResult, error)
}

// CategorizedTool optionally tags a tool with a category. Tools in a
// category listed by the registry as approval-gated are run through the
// human-in-the-loop confirmation flow first.
type CategorizedTool interface {
	Tool
	Category() string
}

// Tool categories used by the built-ins.
const (
	ToolCategorySystem = "system"
	ToolCategoryHITL   = "hitl"
	ToolCategoryMedia  = "media"
)

// ToolContent is one block of tool output. Type is "text" for now.
type ToolContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// ToolResult is the outcome of a tool execution. Details carries
// tool-specific structured data such as exit codes and durations.
type ToolResult struct {
	Content []ToolContent  `json:"content,omitempty"`
	Details map[string]any `json:"details,omitempty"`
	Error   string         `json:"error,omitempty"`
}

// TextResult wraps plain text in the standard result shape.
func TextResult(text string) ToolResult {
	return ToolResult{Content: []ToolContent{{Type: "text", Text: text}}}
}

// Text flattens the result's text blocks into one string.
func (r ToolResult) Text() string {
	switch len(r.Content) {
	case 0:
		return ""
	case 1:
		return r.Content[0].Text
	}
	var out string
	for i, c := range r.Content {
		if i > 0 {
			out += "\n"
		}
		out += c.Text
	}
	return out
}

// ToolRegistry holds registered tools and dispatches execution by
// definition name. Registration resolves each tool's definitions once;
// later registrations win name clashes.
type ToolRegistry struct {
	mu       sync.RWMutex
	tools    map[string]Tool
	category map[string]string
	order    []string
	gated    map[string]bool
}

// NewToolRegistry creates a registry with the system category
// approval-gated.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{
		tools:    make(map[string]Tool),
		category: make(map[string]string),
		gated:    map[string]bool{ToolCategorySystem: true},
	}
}

// Add registers every definition the tool advertises.
func (r *ToolRegistry) Add(t Tool) {
	cat := ""
	if ct, ok := t.(CategorizedTool); ok {
		cat = ct.Category()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, d := range t.Definitions() {
		if _, exists := r.tools[d.Name]; !exists {
			r.order = append(r.order, d.Name)
		}
		r.tools[d.Name] = t
		r.category[d.Name] = cat
	}
}

// SetCategoryGated marks a category as requiring human approval before any
// of its tools run.
func (r *ToolRegistry) SetCategoryGated(category string, gated bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if gated {
		r.gated[category] = true
	} else {
		delete(r.gated, category)
	}
}

// Has reports whether name resolves to a registered tool.
func (r *ToolRegistry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tools[name]
	return ok
}

// RequiresApproval reports whether name belongs to an approval-gated
// category.
func (r *ToolRegistry) RequiresApproval(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.gated[r.category[name]]
}

// AllDefinitions returns definitions in registration order.
func (r *ToolRegistry) AllDefinitions() []ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]ToolDefinition, 0, len(r.order))
	for _, name := range r.order {
		t := r.tools[name]
		for _, d := range t.Definitions() {
			if d.Name == name {
				defs = append(defs, d)
			}
		}
	}
	return defs
}

// Execute dispatches a tool call by name. Unknown tools report an error
// result, not a Go error; the conversation continues either way.
func (r *ToolRegistry) Execute(ctx context.Context, name string, args json.RawMessage) (ToolResult, error) {
	r.mu.RLock()
	t, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return ToolResult{Error: "unknown tool: " + name}, nil
	}
	return t.Execute(ctx, name, args)
}
