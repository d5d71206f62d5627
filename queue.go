package agentworld

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// DefaultLLMConcurrency caps concurrent provider calls when the Manager is
// not configured otherwise.
const DefaultLLMConcurrency = 5

// llmQueue is the shared semaphore in front of every provider call. Waiting
// is the backpressure mechanism; acquisition never fails except by context.
type llmQueue struct {
	sem      *semaphore.Weighted
	capacity int

	mu      sync.Mutex
	running int
	queued  int
}

func newLLMQueue(capacity int) *llmQueue {
	if capacity < 1 {
		capacity = DefaultLLMConcurrency
	}
	return &llmQueue{sem: semaphore.NewWeighted(int64(capacity)), capacity: capacity}
}

// acquire blocks until a slot frees up or ctx is done. On success the caller
// must release.
func (q *llmQueue) acquire(ctx context.Context) error {
	q.mu.Lock()
	q.queued++
	q.mu.Unlock()

	err := q.sem.Acquire(ctx, 1)

	q.mu.Lock()
	q.queued--
	if err == nil {
		q.running++
	}
	q.mu.Unlock()
	return err
}

func (q *llmQueue) release() {
	q.mu.Lock()
	q.running--
	q.mu.Unlock()
	q.sem.Release(1)
}

func (q *llmQueue) status() LLMQueueStatus {
	q.mu.Lock()
	defer q.mu.Unlock()
	return LLMQueueStatus{Capacity: q.capacity, Running: q.running, Queued: q.queued}
}
