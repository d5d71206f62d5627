package agentworld

import (
	"log/slog"
	"sync"
)

// Topics carried by every world's emitter. Activity events are published
// under their own type name and mirrored on TopicWorld.
const (
	TopicMessage = "message"
	TopicSSE     = "sse"
	TopicWorld   = "world"
)

type subscriber struct {
	id int64
	fn func(event any)
}

// emitter is a per-world topic bus. Delivery is synchronous in subscription
// order. A panicking handler is logged and skipped so it cannot disrupt
// delivery to the remaining subscribers. No event ever crosses worlds
// because every world owns its own emitter.
type emitter struct {
	mu   sync.RWMutex
	next int64
	subs map[string][]subscriber
	log  *slog.Logger
}

func newEmitter(log *slog.Logger) *emitter {
	if log == nil {
		log = nopLogger
	}
	return &emitter{subs: make(map[string][]subscriber), log: log}
}

// subscribe registers fn for topic and returns an unsubscribe closure.
// Unsubscribing twice is harmless.
func (e *emitter) subscribe(topic string, fn func(event any)) func() {
	e.mu.Lock()
	e.next++
	id := e.next
	e.subs[topic] = append(e.subs[topic], subscriber{id: id, fn: fn})
	e.mu.Unlock()

	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		list := e.subs[topic]
		for i, s := range list {
			if s.id == id {
				e.subs[topic] = append(list[:i], list[i+1:]...)
				break
			}
		}
	}
}

// publish fans event out to the topic's subscribers. The list is
// snapshotted before delivery so handlers may publish or (un)subscribe
// re-entrantly without deadlocking.
func (e *emitter) publish(topic string, event any) {
	e.mu.RLock()
	list := e.subs[topic]
	snapshot := make([]subscriber, len(list))
	copy(snapshot, list)
	e.mu.RUnlock()

	for _, s := range snapshot {
		e.deliver(topic, s, event)
	}
}

func (e *emitter) deliver(topic string, s subscriber, event any) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("event handler panicked", "topic", topic, "panic", r)
		}
	}()
	s.fn(event)
}

// close drops every subscription.
func (e *emitter) close() {
	e.mu.Lock()
	e.subs = make(map[string][]subscriber)
	e.mu.Unlock()
}

func (e *emitter) subscriberCount(topic string) int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.subs[topic])
}
