package agentworld

import (
	"context"
	"errors"
	"strings"
	"time"
)

// HITLOption is one selectable choice presented to the human. ID is the
// stable kebab-case form; Label is the display text.
type HITLOption struct {
	ID    string `json:"id"`
	Label string `json:"label"`
}

// HITLRequest describes an option prompt for the human. Free-form input is
// not part of the protocol; every request carries options.
type HITLRequest struct {
	// RequestID correlates the answer with the prompt.
	RequestID string
	WorldID   string
	AgentID   string
	// Question is the natural language prompt shown to the human.
	Question string
	// Options are the normalized choices.
	Options []HITLOption
	// DefaultOptionID is applied on timeout when set.
	DefaultOptionID string
	// Metadata carries handler context (tool being approved, chat id, etc).
	Metadata map[string]string
}

// HITLResponse is the human's reply. SelectedOptionID empty means the human
// dismissed the prompt without choosing.
type HITLResponse struct {
	SelectedOptionID string
}

// HITLHandler delivers prompts to a human and returns the choice.
// Implementations bridge to the actual channel (WebSocket, CLI, chat app)
// and must block until a response arrives or ctx is cancelled. Timeouts are
// enforced by the caller through ctx.
type HITLHandler interface {
	Ask(ctx context.Context, req HITLRequest) (HITLResponse, error)
}

// hitlHandlerCtxKey is the context key for HITLHandler.
type hitlHandlerCtxKey struct{}

// WithHITLHandlerContext returns a child context carrying the handler. A
// handler on the context overrides the Manager's default for that turn,
// which lets a server route prompts to the originating connection.
func WithHITLHandlerContext(ctx context.Context, h HITLHandler) context.Context {
	return context.WithValue(ctx, hitlHandlerCtxKey{}, h)
}

// HITLHandlerFromContext retrieves the handler from ctx.
// Returns nil, false if no handler is set.
func HITLHandlerFromContext(ctx context.Context) (HITLHandler, bool) {
	h, ok := ctx.Value(hitlHandlerCtxKey{}).(HITLHandler)
	return h, ok
}

// Resolution sources.
const (
	HITLSourceUser    = "user"
	HITLSourceTimeout = "timeout"
)

// Final statuses.
const (
	HITLStatusConfirmed = "confirmed"
	HITLStatusCanceled  = "canceled"
	HITLStatusTimeout   = "timeout"
	HITLStatusError     = "error"
)

// DefaultHITLOptionID is the implicit default for confirmation prompts.
const DefaultHITLOptionID = "cancel"

// DefaultHITLTimeout bounds prompts whose arguments omit timeoutMs.
const DefaultHITLTimeout = 120 * time.Second

// NormalizeHITLOptions trims entries, drops empties, and dedupes
// case-insensitively keeping the first occurrence. The trimmed text becomes
// the display label; the kebab-cased form becomes the id.
func NormalizeHITLOptions(raw []string) []HITLOption {
	seen := make(map[string]bool, len(raw))
	out := make([]HITLOption, 0, len(raw))
	for _, r := range raw {
		label := strings.TrimSpace(r)
		if label == "" {
			continue
		}
		key := strings.ToLower(label)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, HITLOption{ID: ToKebabCase(label), Label: label})
	}
	return out
}

// findHITLOption matches sel against option ids, then labels,
// case-insensitively.
func findHITLOption(options []HITLOption, sel string) (HITLOption, bool) {
	if sel == "" {
		return HITLOption{}, false
	}
	for _, o := range options {
		if strings.EqualFold(o.ID, sel) {
			return o, true
		}
	}
	for _, o := range options {
		if strings.EqualFold(o.Label, sel) {
			return o, true
		}
	}
	return HITLOption{}, false
}

// hitlResolution is the outcome of one prompt round.
type hitlResolution struct {
	RequestID string
	Selected  *HITLOption // nil when nothing was chosen
	Source    string
	Err       error // non-timeout handler failure
}

// resolveHITL runs one prompt round. timeout <= 0 means wait for the parent
// ctx only. Timeout resolves to the default option when the request has one,
// otherwise to an empty selection with source "timeout". Parent cancellation
// is returned as an error.
func resolveHITL(ctx context.Context, h HITLHandler, req HITLRequest, timeout time.Duration) hitlResolution {
	if req.RequestID == "" {
		req.RequestID = NewID()
	}
	res := hitlResolution{RequestID: req.RequestID, Source: HITLSourceUser}

	askCtx := ctx
	cancel := context.CancelFunc(func() {})
	if timeout > 0 {
		askCtx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	resp, err := h.Ask(askCtx, req)
	if err != nil {
		if ctx.Err() != nil {
			res.Err = ctx.Err()
			return res
		}
		if errors.Is(err, context.DeadlineExceeded) {
			res.Source = HITLSourceTimeout
			if opt, ok := findHITLOption(req.Options, req.DefaultOptionID); ok {
				res.Selected = &opt
			}
			return res
		}
		res.Err = err
		return res
	}

	if opt, ok := findHITLOption(req.Options, resp.SelectedOptionID); ok {
		res.Selected = &opt
	}
	return res
}

// HITLResult is the JSON body returned to the LLM as the tool result of a
// human_intervention_request call.
type HITLResult struct {
	OK             bool    `json:"ok"`
	Status         string  `json:"status"`
	Confirmed      bool    `json:"confirmed"`
	SelectedOption *string `json:"selectedOption"`
	Source         string  `json:"source"`
	RequestID      string  `json:"requestId"`
	Message        string  `json:"message,omitempty"`
}

func newHITLResult(status, source, requestID string, selected *HITLOption, message string) HITLResult {
	r := HITLResult{
		Status:    status,
		Source:    source,
		RequestID: requestID,
		Message:   message,
	}
	r.OK = status == HITLStatusConfirmed
	r.Confirmed = r.OK
	if selected != nil {
		label := selected.Label
		r.SelectedOption = &label
	}
	return r
}
