package agentworld

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// Built-in tool names.
const (
	ToolShellCmd          = "shell_cmd"
	ToolSheetMusic        = "sheet_music"
	ToolHumanIntervention = "human_intervention_request"
)

// --- shell_cmd ---

// blockedCommands are substring matches rejected before execution.
var blockedCommands = []string{"rm -rf /", "sudo ", "mkfs", "> /dev/", "dd if="}

const (
	shellDefaultTimeout = 30 * time.Second
	shellMaxTimeout     = 300 * time.Second
	shellMaxOutput      = 4000
)

// ShellTool runs a command with arguments in an optional working directory.
// The command is executed directly, not through a shell, so no expansion or
// piping happens. Category "system" puts it behind the approval gate.
type ShellTool struct{}

func NewShellTool() *ShellTool { return &ShellTool{} }

func (t *ShellTool) Category() string { return ToolCategorySystem }

func (t *ShellTool) Definitions() []ToolDefinition {
	return []ToolDefinition{{
		Name:        ToolShellCmd,
		Description: "Execute a command with arguments in an optional working directory and return its output and exit code.",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"command": {"type": "string", "description": "Executable to run, e.g. \"echo\" or \"ls\""},
				"parameters": {"type": "array", "items": {"type": "string"}, "description": "Arguments passed to the command"},
				"directory": {"type": "string", "description": "Working directory (optional)"},
				"timeoutMs": {"type": "integer", "description": "Max runtime in milliseconds (optional, capped at 300000)"}
			},
			"required": ["command"]
		}`),
	}}
}

type shellArgs struct {
	Command    string   `json:"command"`
	Parameters []string `json:"parameters,omitempty"`
	Directory  string   `json:"directory,omitempty"`
	TimeoutMs  int      `json:"timeoutMs,omitempty"`
}

func (t *ShellTool) Execute(ctx context.Context, name string, args json.RawMessage) (ToolResult, error) {
	var a shellArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return ToolResult{Error: "invalid arguments: " + err.Error()}, nil
	}
	if strings.TrimSpace(a.Command) == "" {
		return ToolResult{Error: "command is required"}, nil
	}

	full := a.Command
	if len(a.Parameters) > 0 {
		full += " " + strings.Join(a.Parameters, " ")
	}
	for _, b := range blockedCommands {
		if strings.Contains(full, b) {
			return ToolResult{Error: "command blocked for safety: contains " + strconv.Quote(b)}, nil
		}
	}

	timeout := shellDefaultTimeout
	if a.TimeoutMs > 0 {
		timeout = time.Duration(a.TimeoutMs) * time.Millisecond
	}
	if timeout > shellMaxTimeout {
		timeout = shellMaxTimeout
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(cctx, a.Command, a.Parameters...)
	if a.Directory != "" {
		cmd.Dir = a.Directory
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	runErr := cmd.Run()
	duration := time.Since(start).Milliseconds()

	output := stdout.String()
	if s := stderr.String(); s != "" {
		output += "\n--- stderr ---\n" + s
	}
	if output == "" {
		output = "(no output)"
	}
	if len(output) > shellMaxOutput {
		output = output[:shellMaxOutput] + "\n[output truncated]"
	}

	exitCode := 0
	if runErr != nil {
		var ee *exec.ExitError
		switch {
		case errors.As(runErr, &ee):
			exitCode = ee.ExitCode()
		case cctx.Err() != nil:
			res := TextResult(output)
			res.Details = map[string]any{"exitCode": -1, "duration": duration}
			if ctx.Err() != nil {
				res.Error = "command canceled"
			} else {
				res.Error = "command timed out after " + timeout.String()
			}
			return res, nil
		default:
			return ToolResult{Error: "command failed to start: " + runErr.Error()}, nil
		}
	}

	res := TextResult(output)
	res.Details = map[string]any{"exitCode": exitCode, "duration": duration}
	return res, nil
}

// --- sheet_music ---

// SheetMusicTool acknowledges a sheet music request. Rendering happens in
// the frontend; the runtime only confirms receipt so the model can refer to
// the piece in its reply.
type SheetMusicTool struct{}

func NewSheetMusicTool() *SheetMusicTool { return &SheetMusicTool{} }

func (t *SheetMusicTool) Category() string { return ToolCategoryMedia }

func (t *SheetMusicTool) Definitions() []ToolDefinition {
	return []ToolDefinition{{
		Name:        ToolSheetMusic,
		Description: "Submit sheet music notation (ABC or similar) for rendering. Returns an acknowledgement.",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"title": {"type": "string", "description": "Title of the piece"},
				"composer": {"type": "string", "description": "Composer or arranger (optional)"},
				"notation": {"type": "string", "description": "The notation source text"}
			},
			"required": ["notation"]
		}`),
	}}
}

type sheetMusicArgs struct {
	Title    string `json:"title,omitempty"`
	Composer string `json:"composer,omitempty"`
	Notation string `json:"notation"`
}

func (t *SheetMusicTool) Execute(ctx context.Context, name string, args json.RawMessage) (ToolResult, error) {
	var a sheetMusicArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return ToolResult{Error: "invalid arguments: " + err.Error()}, nil
	}
	if strings.TrimSpace(a.Notation) == "" {
		return ToolResult{Error: "notation is required"}, nil
	}
	title := a.Title
	if title == "" {
		title = "untitled"
	}
	res := TextResult(fmt.Sprintf("Sheet music %q received (%d bytes of notation).", title, len(a.Notation)))
	res.Details = map[string]any{"title": title, "bytes": len(a.Notation)}
	return res, nil
}

// --- human_intervention_request ---

// HITLTool asks the human to pick from a set of options, optionally with a
// second explicit confirmation round. The handler is taken from ctx; the
// tool executor injects the effective one before dispatch.
type HITLTool struct {
	timeout time.Duration
}

// NewHITLTool builds the tool. timeout bounds prompts whose arguments omit
// timeoutMs; zero means DefaultHITLTimeout.
func NewHITLTool(timeout time.Duration) *HITLTool {
	if timeout <= 0 {
		timeout = DefaultHITLTimeout
	}
	return &HITLTool{timeout: timeout}
}

func (t *HITLTool) Category() string { return ToolCategoryHITL }

func (t *HITLTool) Definitions() []ToolDefinition {
	return []ToolDefinition{{
		Name:        ToolHumanIntervention,
		Description: "Ask the human to choose one of several options. Use when a decision, approval, or clarification is needed before continuing.",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"question": {"type": "string", "description": "The question to show the human"},
				"options": {"type": "array", "items": {"type": "string"}, "description": "Choices presented to the human"},
				"defaultOption": {"type": "string", "description": "Option applied when the prompt times out (optional)"},
				"timeoutMs": {"type": "integer", "description": "How long to wait for an answer in milliseconds (optional)"},
				"requireConfirmation": {"type": "boolean", "description": "Ask for an explicit confirm/cancel after the selection (optional)"}
			},
			"required": ["question", "options"]
		}`),
	}}
}

type hitlArgs struct {
	Question            string   `json:"question"`
	Options             []string `json:"options"`
	DefaultOption       string   `json:"defaultOption,omitempty"`
	TimeoutMs           int      `json:"timeoutMs,omitempty"`
	RequireConfirmation bool     `json:"requireConfirmation,omitempty"`
}

func (t *HITLTool) Execute(ctx context.Context, name string, args json.RawMessage) (ToolResult, error) {
	var a hitlArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return hitlErrorResult("", "invalid arguments: "+err.Error()), nil
	}
	if strings.TrimSpace(a.Question) == "" {
		return hitlErrorResult("", "question is required"), nil
	}
	if a.TimeoutMs < 0 {
		return hitlErrorResult("", "timeoutMs must be a positive integer"), nil
	}
	options := NormalizeHITLOptions(a.Options)
	if len(options) == 0 {
		return hitlErrorResult("", "at least one option is required"), nil
	}
	defaultID := ""
	if a.DefaultOption != "" {
		opt, ok := findHITLOption(options, a.DefaultOption)
		if !ok {
			return hitlErrorResult("", "defaultOption does not match any option"), nil
		}
		defaultID = opt.ID
	}

	handler, ok := HITLHandlerFromContext(ctx)
	if !ok || handler == nil {
		return hitlErrorResult("", "no interaction handler configured"), nil
	}

	timeout := t.timeout
	if a.TimeoutMs > 0 {
		timeout = time.Duration(a.TimeoutMs) * time.Millisecond
	}

	tc := toolContextFrom(ctx)
	req := HITLRequest{
		WorldID:         tc.worldID,
		AgentID:         tc.agentID,
		Question:        a.Question,
		Options:         options,
		DefaultOptionID: defaultID,
		Metadata:        map[string]string{"chatId": tc.chatID, "tool": ToolHumanIntervention},
	}
	res := resolveHITL(ctx, handler, req, timeout)
	if res.Err != nil {
		if IsCanceled(res.Err) {
			return ToolResult{}, res.Err
		}
		return hitlToolResult(newHITLResult(HITLStatusError, res.Source, res.RequestID, nil, res.Err.Error())), nil
	}

	if res.Selected == nil {
		if res.Source == HITLSourceTimeout {
			return hitlToolResult(newHITLResult(HITLStatusTimeout, HITLSourceTimeout, res.RequestID, nil, "")), nil
		}
		return hitlToolResult(newHITLResult(HITLStatusCanceled, res.Source, res.RequestID, nil, "no option selected")), nil
	}

	if a.RequireConfirmation {
		confirmReq := HITLRequest{
			WorldID:         tc.worldID,
			AgentID:         tc.agentID,
			Question:        fmt.Sprintf("Confirm selection %q?", res.Selected.Label),
			Options:         NormalizeHITLOptions([]string{"Confirm", "Cancel"}),
			DefaultOptionID: DefaultHITLOptionID,
			Metadata:        map[string]string{"chatId": tc.chatID, "tool": ToolHumanIntervention, "confirming": res.Selected.ID},
		}
		conf := resolveHITL(ctx, handler, confirmReq, timeout)
		if conf.Err != nil {
			if IsCanceled(conf.Err) {
				return ToolResult{}, conf.Err
			}
			return hitlToolResult(newHITLResult(HITLStatusError, conf.Source, res.RequestID, nil, conf.Err.Error())), nil
		}
		if conf.Selected == nil || conf.Selected.ID != "confirm" {
			return hitlToolResult(newHITLResult(HITLStatusCanceled, conf.Source, res.RequestID, nil, "confirmation declined")), nil
		}
	}

	return hitlToolResult(newHITLResult(HITLStatusConfirmed, res.Source, res.RequestID, res.Selected, "")), nil
}

// hitlToolResult serializes the result JSON into the tool message body.
func hitlToolResult(r HITLResult) ToolResult {
	body, err := json.Marshal(r)
	if err != nil {
		return ToolResult{Error: "encode result: " + err.Error()}
	}
	res := TextResult(string(body))
	res.Details = map[string]any{"requestId": r.RequestID, "status": r.Status, "source": r.Source}
	if r.Status == HITLStatusError {
		res.Error = r.Message
	}
	return res
}

func hitlErrorResult(requestID, message string) ToolResult {
	return hitlToolResult(newHITLResult(HITLStatusError, "", requestID, nil, message))
}
