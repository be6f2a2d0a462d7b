package ledger

import (
	"context"
	"sync"
)

// Queue is the retry queue for ledger intents that failed their synchronous
// attempt. FIFO; entries are dropped only by successful replay.
type Queue interface {
	Enqueue(ctx context.Context, in Intent) error
	// Dequeue removes and returns up to max intents from the head.
	Dequeue(ctx context.Context, max int) ([]Intent, error)
}

// MemoryQueue is the in-process Queue used locally and in tests. The
// SQS-backed queue is the deployed variant.
type MemoryQueue struct {
	mu      sync.Mutex
	entries []Intent
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, in Intent) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries = append(q.entries, in)
	return nil
}

func (q *MemoryQueue) Dequeue(ctx context.Context, max int) ([]Intent, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.entries) == 0 {
		return nil, nil
	}
	n := max
	if n <= 0 || n > len(q.entries) {
		n = len(q.entries)
	}
	out := make([]Intent, n)
	copy(out, q.entries[:n])
	q.entries = append([]Intent(nil), q.entries[n:]...)
	return out, nil
}

// Len reports the current backlog size.
func (q *MemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}
