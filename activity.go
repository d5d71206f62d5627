package agentworld

import (
	"sort"
	"sync"
	"time"
)

// activityTracker maintains a world's refcount of in-flight operations and
// emits response-start, response-end, and idle transitions. activityID bumps
// only on the 0 to 1 transition, so it names one busy episode.
//
// emitMu is acquired before mu is released, which pins event delivery to
// state-update order without holding mu across subscriber calls. Activity
// subscribers must not open or close scopes synchronously.
type activityTracker struct {
	mu         sync.Mutex
	emitMu     sync.Mutex
	pending    int
	activityID int64
	sources    map[string]int
}

func newActivityTracker() *activityTracker {
	return &activityTracker{sources: make(map[string]int)}
}

// begin opens an operation scope and emits response-start. The returned
// closure is single-shot: its first call closes the scope and emits
// response-end, or idle when the world drains.
func (t *activityTracker) begin(w *World, source, messageID string) func() {
	t.mu.Lock()
	t.pending++
	if t.pending == 1 {
		t.activityID++
	}
	if source != "" {
		t.sources[source]++
	}
	ev := t.eventLocked(ActivityResponseStart, source, messageID, w)
	t.emitMu.Lock()
	t.mu.Unlock()

	w.setProcessing(true)
	w.publishActivity(ev)
	t.emitMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { t.finish(w, source, messageID) })
	}
}

func (t *activityTracker) finish(w *World, source, messageID string) {
	t.mu.Lock()
	if t.pending > 0 {
		t.pending--
	}
	if source != "" {
		if n := t.sources[source]; n <= 1 {
			delete(t.sources, source)
		} else {
			t.sources[source] = n - 1
		}
	}
	idle := t.pending == 0
	typ := ActivityResponseEnd
	if idle {
		typ = ActivityIdle
	}
	ev := t.eventLocked(typ, source, messageID, w)
	t.emitMu.Lock()
	t.mu.Unlock()

	w.setProcessing(!idle)
	w.publishActivity(ev)
	t.emitMu.Unlock()
}

// eventLocked builds the payload. Caller holds t.mu.
func (t *activityTracker) eventLocked(typ ActivityEventType, source, messageID string, w *World) WorldActivityEvent {
	active := make([]string, 0, len(t.sources))
	for s := range t.sources {
		active = append(active, s)
	}
	sort.Strings(active)
	return WorldActivityEvent{
		Type:              typ,
		PendingOperations: t.pending,
		ActivityID:        t.activityID,
		Timestamp:         time.Now().UTC(),
		Source:            source,
		ActiveSources:     active,
		Queue:             w.queueStatus(),
		MessageID:         messageID,
	}
}

func (t *activityTracker) pendingOperations() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pending
}

// trackActivity runs op inside an activity scope, guaranteeing the scope is
// closed when op returns or panics, and propagates op's error.
func (w *World) trackActivity(source, messageID string, op func() error) error {
	end := w.activity.begin(w, source, messageID)
	defer end()
	return op()
}
