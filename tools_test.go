package agentworld

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestShellToolEcho(t *testing.T) {
	tool := NewShellTool()
	res, err := tool.Execute(context.Background(), ToolShellCmd,
		json.RawMessage(`{"command":"echo","parameters":["hello","world"]}`))
	if err != nil {
		t.Fatal(err)
	}
	if res.Error != "" {
		t.Fatalf("Error = %q, want none", res.Error)
	}
	if !strings.Contains(res.Text(), "hello world") {
		t.Errorf("output = %q, want it to contain the echoed text", res.Text())
	}
	if code, ok := res.Details["exitCode"].(int); !ok || code != 0 {
		t.Errorf("exitCode = %v, want 0", res.Details["exitCode"])
	}
}

func TestShellToolNonZeroExit(t *testing.T) {
	tool := NewShellTool()
	res, err := tool.Execute(context.Background(), ToolShellCmd, json.RawMessage(`{"command":"false"}`))
	if err != nil {
		t.Fatal(err)
	}
	if res.Error != "" {
		t.Fatalf("a non-zero exit is not a tool error, got %q", res.Error)
	}
	if code, _ := res.Details["exitCode"].(int); code == 0 {
		t.Errorf("exitCode = %v, want non-zero", res.Details["exitCode"])
	}
}

func TestShellToolBlockedCommand(t *testing.T) {
	tool := NewShellTool()
	res, err := tool.Execute(context.Background(), ToolShellCmd,
		json.RawMessage(`{"command":"sudo","parameters":["reboot"]}`))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(res.Error, "blocked") {
		t.Errorf("Error = %q, want a blocked-command rejection", res.Error)
	}
}

func TestShellToolValidation(t *testing.T) {
	tool := NewShellTool()

	res, _ := tool.Execute(context.Background(), ToolShellCmd, json.RawMessage(`{"command":"  "}`))
	if res.Error != "command is required" {
		t.Errorf("Error = %q, want command is required", res.Error)
	}

	res, _ = tool.Execute(context.Background(), ToolShellCmd, json.RawMessage(`{not json`))
	if !strings.Contains(res.Error, "invalid arguments") {
		t.Errorf("Error = %q, want invalid arguments", res.Error)
	}
}

func TestShellToolTimeout(t *testing.T) {
	tool := NewShellTool()
	res, err := tool.Execute(context.Background(), ToolShellCmd,
		json.RawMessage(`{"command":"sleep","parameters":["5"],"timeoutMs":50}`))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(res.Error, "timed out") {
		t.Errorf("Error = %q, want a timeout", res.Error)
	}
}

func TestShellToolMetadata(t *testing.T) {
	tool := NewShellTool()
	if tool.Category() != ToolCategorySystem {
		t.Errorf("Category() = %q, want %q", tool.Category(), ToolCategorySystem)
	}
	defs := tool.Definitions()
	if len(defs) != 1 || defs[0].Name != ToolShellCmd {
		t.Fatalf("Definitions() = %+v, want one shell_cmd entry", defs)
	}
	var schema map[string]any
	if err := json.Unmarshal(defs[0].Parameters, &schema); err != nil {
		t.Fatalf("parameters are not valid JSON schema: %v", err)
	}
}

func TestSheetMusicTool(t *testing.T) {
	tool := NewSheetMusicTool()
	if tool.Category() != ToolCategoryMedia {
		t.Errorf("Category() = %q, want %q", tool.Category(), ToolCategoryMedia)
	}

	res, err := tool.Execute(context.Background(), ToolSheetMusic,
		json.RawMessage(`{"title":"Air","notation":"X:1\nK:G\nGABc|"}`))
	if err != nil {
		t.Fatal(err)
	}
	if res.Error != "" {
		t.Fatalf("Error = %q, want none", res.Error)
	}
	if !strings.Contains(res.Text(), `"Air"`) {
		t.Errorf("acknowledgement = %q, want the title quoted", res.Text())
	}

	res, _ = tool.Execute(context.Background(), ToolSheetMusic, json.RawMessage(`{"notation":"  "}`))
	if res.Error != "notation is required" {
		t.Errorf("Error = %q, want notation is required", res.Error)
	}

	res, _ = tool.Execute(context.Background(), ToolSheetMusic, json.RawMessage(`{"notation":"GABc"}`))
	if !strings.Contains(res.Text(), `"untitled"`) {
		t.Errorf("acknowledgement = %q, want the untitled fallback", res.Text())
	}
}

// decodeHITLResult unpacks the JSON the tool hands back to the LLM.
func decodeHITLResult(t *testing.T, res ToolResult) HITLResult {
	t.Helper()
	var out HITLResult
	if err := json.Unmarshal([]byte(res.Text()), &out); err != nil {
		t.Fatalf("tool result is not HITLResult JSON: %v\n%s", err, res.Text())
	}
	return out
}

func TestHITLToolConfirmedSelection(t *testing.T) {
	tool := NewHITLTool(time.Second)
	h := &scriptHITL{selections: []string{"deploy"}}
	ctx := WithHITLHandlerContext(context.Background(), h)

	res, err := tool.Execute(ctx, ToolHumanIntervention,
		json.RawMessage(`{"question":"Ship it?","options":["Deploy","Abort"]}`))
	if err != nil {
		t.Fatal(err)
	}
	r := decodeHITLResult(t, res)
	if r.Status != HITLStatusConfirmed || !r.OK {
		t.Errorf("result = %+v, want confirmed", r)
	}
	if r.SelectedOption == nil || *r.SelectedOption != "Deploy" {
		t.Errorf("SelectedOption = %v, want Deploy", r.SelectedOption)
	}
	if r.Source != HITLSourceUser {
		t.Errorf("Source = %q, want %q", r.Source, HITLSourceUser)
	}
}

func TestHITLToolDismissal(t *testing.T) {
	tool := NewHITLTool(time.Second)
	h := &scriptHITL{} // answers with no selection
	ctx := WithHITLHandlerContext(context.Background(), h)

	res, err := tool.Execute(ctx, ToolHumanIntervention,
		json.RawMessage(`{"question":"Ship it?","options":["Deploy"]}`))
	if err != nil {
		t.Fatal(err)
	}
	r := decodeHITLResult(t, res)
	if r.Status != HITLStatusCanceled || r.OK {
		t.Errorf("result = %+v, want canceled", r)
	}
}

func TestHITLToolTimeoutDefault(t *testing.T) {
	tool := NewHITLTool(time.Second)
	h := &scriptHITL{block: true}
	ctx := WithHITLHandlerContext(context.Background(), h)

	res, err := tool.Execute(ctx, ToolHumanIntervention,
		json.RawMessage(`{"question":"Ship it?","options":["Deploy","Abort"],"defaultOption":"Abort","timeoutMs":30}`))
	if err != nil {
		t.Fatal(err)
	}
	r := decodeHITLResult(t, res)
	if r.Status != HITLStatusConfirmed {
		t.Errorf("Status = %q, want confirmed via the default option", r.Status)
	}
	if r.Source != HITLSourceTimeout {
		t.Errorf("Source = %q, want %q", r.Source, HITLSourceTimeout)
	}
	if r.SelectedOption == nil || *r.SelectedOption != "Abort" {
		t.Errorf("SelectedOption = %v, want Abort", r.SelectedOption)
	}
}

func TestHITLToolTimeoutWithoutDefault(t *testing.T) {
	tool := NewHITLTool(time.Second)
	h := &scriptHITL{block: true}
	ctx := WithHITLHandlerContext(context.Background(), h)

	res, err := tool.Execute(ctx, ToolHumanIntervention,
		json.RawMessage(`{"question":"Ship it?","options":["Deploy"],"timeoutMs":30}`))
	if err != nil {
		t.Fatal(err)
	}
	r := decodeHITLResult(t, res)
	if r.Status != HITLStatusTimeout {
		t.Errorf("Status = %q, want timeout", r.Status)
	}
}

func TestHITLToolConfirmationRound(t *testing.T) {
	tool := NewHITLTool(time.Second)
	h := &scriptHITL{selections: []string{"deploy", "confirm"}}
	ctx := WithHITLHandlerContext(context.Background(), h)

	res, err := tool.Execute(ctx, ToolHumanIntervention,
		json.RawMessage(`{"question":"Ship it?","options":["Deploy"],"requireConfirmation":true}`))
	if err != nil {
		t.Fatal(err)
	}
	r := decodeHITLResult(t, res)
	if r.Status != HITLStatusConfirmed {
		t.Errorf("Status = %q, want confirmed after explicit confirm", r.Status)
	}
	if h.askCount() != 2 {
		t.Errorf("prompts = %d, want 2", h.askCount())
	}
}

func TestHITLToolConfirmationDeclined(t *testing.T) {
	tool := NewHITLTool(time.Second)
	h := &scriptHITL{selections: []string{"deploy", "cancel"}}
	ctx := WithHITLHandlerContext(context.Background(), h)

	res, err := tool.Execute(ctx, ToolHumanIntervention,
		json.RawMessage(`{"question":"Ship it?","options":["Deploy"],"requireConfirmation":true}`))
	if err != nil {
		t.Fatal(err)
	}
	r := decodeHITLResult(t, res)
	if r.Status != HITLStatusCanceled {
		t.Errorf("Status = %q, want canceled", r.Status)
	}
	if r.Message != "confirmation declined" {
		t.Errorf("Message = %q, want confirmation declined", r.Message)
	}
}

func TestHITLToolArgumentValidation(t *testing.T) {
	tool := NewHITLTool(time.Second)
	ctx := WithHITLHandlerContext(context.Background(), &scriptHITL{})

	tests := []struct {
		name string
		args string
		want string
	}{
		{"missing question", `{"options":["A"]}`, "question is required"},
		{"no options", `{"question":"Q?","options":["  ",""]}`, "at least one option is required"},
		{"negative timeout", `{"question":"Q?","options":["A"],"timeoutMs":-5}`, "timeoutMs must be a positive integer"},
		{"bad default", `{"question":"Q?","options":["A"],"defaultOption":"Z"}`, "defaultOption does not match any option"},
	}
	for _, tt := range tests {
		res, err := tool.Execute(ctx, ToolHumanIntervention, json.RawMessage(tt.args))
		if err != nil {
			t.Fatalf("%s: unexpected error %v", tt.name, err)
		}
		r := decodeHITLResult(t, res)
		if r.Status != HITLStatusError || r.Message != tt.want {
			t.Errorf("%s: result = {%s %q}, want {error %q}", tt.name, r.Status, r.Message, tt.want)
		}
	}
}

func TestHITLToolNoHandler(t *testing.T) {
	tool := NewHITLTool(time.Second)
	res, err := tool.Execute(context.Background(), ToolHumanIntervention,
		json.RawMessage(`{"question":"Q?","options":["A"]}`))
	if err != nil {
		t.Fatal(err)
	}
	r := decodeHITLResult(t, res)
	if r.Status != HITLStatusError || r.Message != "no interaction handler configured" {
		t.Errorf("result = %+v, want the missing-handler error", r)
	}
}
