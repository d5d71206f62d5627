// Package agentworld is a multi-tenant runtime for conversational AI agents
// grouped into isolated worlds.
//
// A World owns a roster of agents, a per-world event bus, persistent chats,
// and an activity ledger. Agents subscribe to their world's message stream,
// decide whether to respond using mention and turn-limit rules, stream an LLM
// response (optionally calling tools, including human-in-the-loop), and
// publish the result back onto the bus, forming bounded conversational loops.
//
// # Quick Start
//
// The Manager is the composition root: it carries storage, logging, tracing,
// provider factories, the tool registry, and the LLM queue:
//
//	store := file.New("./data/worlds")
//	mgr := agentworld.New(
//		agentworld.WithStorage(store),
//		agentworld.WithLogger(logger),
//		agentworld.WithProviderFactory(agentworld.ProviderOpenAI, openaiFactory),
//	)
//
//	world, err := mgr.CreateWorld(ctx, agentworld.CreateWorldParams{Name: "demo"})
//	_ = world.PublishMessage("@planner draft an outline", "human")
//
// # Core Interfaces
//
// The root package defines the contracts that all components implement:
//
//   - [Provider] — LLM backend (generation, streaming, tool calling)
//   - [ProviderFactory] — constructs a Provider from per-agent settings
//   - [Storage] — world/agent/chat/archive persistence
//   - [Tool] — pluggable capability for LLM function calling
//   - [HITLHandler] — human-in-the-loop prompt delivery
//   - [Tracer] — optional span instrumentation
//
// # Included Implementations
//
// Storage: storage/file (JSON tree), storage/sqlite (embedded), storage/postgres (pgx pool).
// Tools: built-in shell_cmd, sheet_music, and human_intervention_request
// registered on every Manager.
//
// Concrete LLM clients are not part of this module; callers register a
// ProviderFactory per LLMProvider value.
package agentworld
