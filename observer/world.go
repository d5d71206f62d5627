package observer

import (
	"context"
	"sync"
	"time"

	agentworld "github.com/agentworld/agentworld"

	"go.opentelemetry.io/otel/attribute"
	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/metric"
)

// WatchWorld subscribes to a world's event bus and feeds the world-level
// instruments: published messages, agent turns, and turn latency. Turn
// latency spans from the first stream start to the terminal end or error
// event, so tool rounds in between are included. Returns an unsubscribe
// function.
//
// Turns are tracked per agent name. Each agent handles one message at a
// time, so an open start is always the current turn.
func WatchWorld(w *agentworld.World, inst *Instruments) func() {
	watcher := &worldWatcher{
		inst:    inst,
		worldID: w.ID,
		starts:  make(map[string]time.Time),
	}
	unsubMsg := w.SubscribeMessages(watcher.onMessage)
	unsubSSE := w.SubscribeSSE(watcher.onSSE)
	return func() {
		unsubMsg()
		unsubSSE()
	}
}

type worldWatcher struct {
	inst    *Instruments
	worldID string

	mu     sync.Mutex
	starts map[string]time.Time
}

func (ww *worldWatcher) onMessage(ev agentworld.WorldMessageEvent) {
	ww.inst.MessagesPublished.Add(context.Background(), 1, metric.WithAttributes(
		AttrWorldID.String(ww.worldID),
		attribute.String("sender.type", string(agentworld.DetermineSenderType(ev.Sender))),
	))
}

func (ww *worldWatcher) onSSE(ev agentworld.WorldSSEEvent) {
	switch ev.Type {
	case agentworld.SSEStart:
		ww.mu.Lock()
		// Tool rounds re-enter with a fresh stream; keep the first start.
		if _, open := ww.starts[ev.AgentName]; !open {
			ww.starts[ev.AgentName] = time.Now()
		}
		ww.mu.Unlock()
	case agentworld.SSEEnd:
		ww.finish(ev.AgentName, "ok")
	case agentworld.SSEError:
		status := "error"
		if ev.Error == "canceled" {
			status = "canceled"
		}
		ww.finish(ev.AgentName, status)
	}
}

func (ww *worldWatcher) finish(agent, status string) {
	ww.mu.Lock()
	started, ok := ww.starts[agent]
	delete(ww.starts, agent)
	ww.mu.Unlock()

	ctx := context.Background()
	ww.inst.AgentTurns.Add(ctx, 1, metric.WithAttributes(
		AttrWorldID.String(ww.worldID),
		AttrAgentName.String(agent),
		AttrTurnStatus.String(status),
	))

	var durationMs float64
	if ok {
		durationMs = float64(time.Since(started).Milliseconds())
		ww.inst.TurnDuration.Record(ctx, durationMs, metric.WithAttributes(
			AttrWorldID.String(ww.worldID),
			AttrAgentName.String(agent),
		))
	}

	var rec otellog.Record
	rec.SetSeverity(otellog.SeverityInfo)
	rec.SetBody(otellog.StringValue("agent turn finished"))
	rec.AddAttributes(
		otellog.String("world.id", ww.worldID),
		otellog.String("agent.name", agent),
		otellog.String("turn.status", status),
		otellog.Float64("turn.duration_ms", durationMs),
	)
	ww.inst.Logger.Emit(ctx, rec)
}
