package agentworld

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"time"
)

// ArchiveQuery narrows searchable archive metadata. Zero-value fields are
// ignored; Text matches session name and summary case-insensitively.
type ArchiveQuery struct {
	AgentID string
	Reason  string
	Text    string
	Tags    []string
	From    time.Time
	To      time.Time
	Limit   int
}

// ExportFormat selects how ExportArchive renders an archive.
type ExportFormat string

const (
	// ExportJSON renders the archive as one indented JSON document.
	ExportJSON ExportFormat = "json"
	// ExportJSONL renders one message per line, optionally preceded by a
	// metadata line.
	ExportJSONL ExportFormat = "jsonl"
)

// ExportOptions configures ExportArchive.
type ExportOptions struct {
	Format          ExportFormat
	IncludeMetadata bool
}

// IntegrityIssue is one problem found by ValidateIntegrity.
type IntegrityIssue struct {
	Scope   string `json:"scope"` // world, agent, memory, chat, archive
	ID      string `json:"id"`
	Problem string `json:"problem"`
}

// IntegrityReport summarizes a validation pass.
type IntegrityReport struct {
	WorldID string           `json:"worldId"`
	AgentID string           `json:"agentId,omitempty"`
	Checked int              `json:"checked"`
	Issues  []IntegrityIssue `json:"issues,omitempty"`
}

// Valid reports whether the pass found no issues.
func (r *IntegrityReport) Valid() bool { return len(r.Issues) == 0 }

// RepairReport summarizes a repair pass.
type RepairReport struct {
	WorldID  string   `json:"worldId"`
	AgentID  string   `json:"agentId,omitempty"`
	Repaired []string `json:"repaired,omitempty"`
	Skipped  []string `json:"skipped,omitempty"`
}

// Storage persists worlds, agents, chats, and archives. Implementations own
// their synchronization; the runtime may call them from several goroutines.
// Lookups return ErrNotFound (possibly wrapped) for missing records. Agent
// operations are always scoped by worldId; deleting a world cascades to
// everything under it. SaveAgentMemory must be atomic: temp-file-and-rename
// for file trees, one transaction for SQL.
type Storage interface {
	// Worlds.
	SaveWorld(ctx context.Context, w *World) error
	LoadWorld(ctx context.Context, worldID string) (*World, error)
	DeleteWorld(ctx context.Context, worldID string) error
	ListWorlds(ctx context.Context) ([]*World, error)

	// Agents. SaveAgent persists config and memory together; SaveAgentConfig
	// leaves memory untouched for cheap counter updates.
	SaveAgent(ctx context.Context, worldID string, a *Agent) error
	SaveAgentConfig(ctx context.Context, worldID string, a *Agent) error
	LoadAgent(ctx context.Context, worldID, agentID string) (*Agent, error)
	DeleteAgent(ctx context.Context, worldID, agentID string) error
	ListAgents(ctx context.Context, worldID string) ([]*Agent, error)
	SaveAgentMemory(ctx context.Context, worldID, agentID string, memory []AgentMessage) error
	SaveAgentsBatch(ctx context.Context, worldID string, agents []*Agent) error
	LoadAgentsBatch(ctx context.Context, worldID string, agentIDs []string) ([]*Agent, error)

	// Chats. AppendChatMessage also bumps the chat's message count.
	SaveChat(ctx context.Context, worldID string, c *Chat) error
	LoadChat(ctx context.Context, worldID, chatID string) (*Chat, error)
	ListChats(ctx context.Context, worldID string) ([]*Chat, error)
	DeleteChat(ctx context.Context, worldID, chatID string) error
	AppendChatMessage(ctx context.Context, worldID, chatID string, msg AgentMessage) error
	LoadChatMessages(ctx context.Context, worldID, chatID string) ([]AgentMessage, error)
	SaveWorldChat(ctx context.Context, worldID, chatID string, snapshot *WorldChat) error
	LoadWorldChat(ctx context.Context, worldID, chatID string) (*WorldChat, error)
	// LoadWorldChatFull assembles a live snapshot: world config, agents with
	// memory filtered to the chat, the transcript, and thread metadata.
	LoadWorldChatFull(ctx context.Context, worldID, chatID string) (*WorldChat, error)

	// Archives are append-only and immutable once written.
	ArchiveAgentMemory(ctx context.Context, worldID, agentID string, memory []AgentMessage, meta ArchiveMetadata) (string, error)
	LoadArchive(ctx context.Context, worldID, archiveID string) (*MemoryArchive, error)
	ListArchives(ctx context.Context, worldID string) ([]*MemoryArchive, error)
	SearchArchives(ctx context.Context, worldID string, q ArchiveQuery) ([]*MemoryArchive, error)
	ExportArchive(ctx context.Context, worldID, archiveID string, opts ExportOptions) ([]byte, error)

	// Maintenance. An empty agentID means world-wide.
	ValidateIntegrity(ctx context.Context, worldID, agentID string) (*IntegrityReport, error)
	RepairData(ctx context.Context, worldID, agentID string) (*RepairReport, error)
}

// NoopStorage drops every write and reports every read as missing. It backs
// runtimes that keep worlds purely in memory, such as demos and tests; the
// Manager keeps its runtime registry authoritative when loads miss.
type NoopStorage struct{}

var _ Storage = NoopStorage{}

func (NoopStorage) SaveWorld(context.Context, *World) error { return nil }
func (NoopStorage) LoadWorld(context.Context, string) (*World, error) {
	return nil, ErrNotFound
}
func (NoopStorage) DeleteWorld(context.Context, string) error    { return nil }
func (NoopStorage) ListWorlds(context.Context) ([]*World, error) { return nil, nil }

func (NoopStorage) SaveAgent(context.Context, string, *Agent) error       { return nil }
func (NoopStorage) SaveAgentConfig(context.Context, string, *Agent) error { return nil }
func (NoopStorage) LoadAgent(context.Context, string, string) (*Agent, error) {
	return nil, ErrNotFound
}
func (NoopStorage) DeleteAgent(context.Context, string, string) error { return nil }
func (NoopStorage) ListAgents(context.Context, string) ([]*Agent, error) {
	return nil, nil
}
func (NoopStorage) SaveAgentMemory(context.Context, string, string, []AgentMessage) error {
	return nil
}
func (NoopStorage) SaveAgentsBatch(context.Context, string, []*Agent) error { return nil }
func (NoopStorage) LoadAgentsBatch(context.Context, string, []string) ([]*Agent, error) {
	return nil, nil
}

func (NoopStorage) SaveChat(context.Context, string, *Chat) error { return nil }
func (NoopStorage) LoadChat(context.Context, string, string) (*Chat, error) {
	return nil, ErrNotFound
}
func (NoopStorage) ListChats(context.Context, string) ([]*Chat, error) { return nil, nil }
func (NoopStorage) DeleteChat(context.Context, string, string) error   { return nil }
func (NoopStorage) AppendChatMessage(context.Context, string, string, AgentMessage) error {
	return nil
}
func (NoopStorage) LoadChatMessages(context.Context, string, string) ([]AgentMessage, error) {
	return nil, nil
}
func (NoopStorage) SaveWorldChat(context.Context, string, string, *WorldChat) error { return nil }
func (NoopStorage) LoadWorldChat(context.Context, string, string) (*WorldChat, error) {
	return nil, ErrNotFound
}
func (NoopStorage) LoadWorldChatFull(context.Context, string, string) (*WorldChat, error) {
	return nil, ErrNotFound
}

func (NoopStorage) ArchiveAgentMemory(_ context.Context, _, _ string, _ []AgentMessage, _ ArchiveMetadata) (string, error) {
	return NewID(), nil
}
func (NoopStorage) LoadArchive(context.Context, string, string) (*MemoryArchive, error) {
	return nil, ErrNotFound
}
func (NoopStorage) ListArchives(context.Context, string) ([]*MemoryArchive, error) {
	return nil, nil
}
func (NoopStorage) SearchArchives(context.Context, string, ArchiveQuery) ([]*MemoryArchive, error) {
	return nil, nil
}
func (NoopStorage) ExportArchive(context.Context, string, string, ExportOptions) ([]byte, error) {
	return nil, ErrNotFound
}

func (NoopStorage) ValidateIntegrity(_ context.Context, worldID, agentID string) (*IntegrityReport, error) {
	return &IntegrityReport{WorldID: worldID, AgentID: agentID}, nil
}
func (NoopStorage) RepairData(_ context.Context, worldID, agentID string) (*RepairReport, error) {
	return &RepairReport{WorldID: worldID, AgentID: agentID}, nil
}

// MatchArchive reports whether a satisfies q. Backends share it so search
// semantics stay identical across file and SQL trees.
func MatchArchive(a *MemoryArchive, q ArchiveQuery) bool {
	if a == nil {
		return false
	}
	if q.AgentID != "" && !strings.EqualFold(a.AgentID, q.AgentID) {
		return false
	}
	if q.Reason != "" && !strings.EqualFold(a.Reason, q.Reason) {
		return false
	}
	if q.Text != "" {
		t := strings.ToLower(q.Text)
		if !strings.Contains(strings.ToLower(a.SessionName), t) &&
			!strings.Contains(strings.ToLower(a.Summary), t) {
			return false
		}
	}
	for _, want := range q.Tags {
		found := false
		for _, have := range a.Tags {
			if strings.EqualFold(want, have) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if !q.From.IsZero() && a.CreatedAt.Before(q.From) {
		return false
	}
	if !q.To.IsZero() && a.CreatedAt.After(q.To) {
		return false
	}
	return true
}

// EncodeArchive renders an archive for export. Backends share it so the
// wire shapes stay identical regardless of where the archive lives.
func EncodeArchive(a *MemoryArchive, opts ExportOptions) ([]byte, error) {
	switch opts.Format {
	case "", ExportJSON:
		doc := *a
		if !opts.IncludeMetadata {
			doc = MemoryArchive{ArchiveID: a.ArchiveID, Messages: a.Messages}
		}
		return json.MarshalIndent(&doc, "", "  ")
	case ExportJSONL:
		var buf bytes.Buffer
		enc := json.NewEncoder(&buf)
		if opts.IncludeMetadata {
			meta := *a
			meta.Messages = nil
			if err := enc.Encode(&meta); err != nil {
				return nil, err
			}
		}
		for i := range a.Messages {
			if err := enc.Encode(&a.Messages[i]); err != nil {
				return nil, err
			}
		}
		return buf.Bytes(), nil
	default:
		return nil, &ValidationError{Field: "format", Message: "unknown export format " + string(opts.Format)}
	}
}
