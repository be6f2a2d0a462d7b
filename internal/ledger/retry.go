package ledger

import (
	"context"
	"errors"
	"log"
	"sync/atomic"
	"time"
)

const drainBatch = 10

// Retrier drains the retry queue on a fixed interval, independent of request
// traffic. Each intent gets one re-attempt per drain; still-failing intents
// go back to the tail, unbounded (a production hardening would cap retries
// and escalate).
type Retrier struct {
	queue    Queue
	adapter  Applier
	interval time.Duration
	running  atomic.Bool
}

func NewRetrier(queue Queue, adapter Applier, interval time.Duration) *Retrier {
	return &Retrier{queue: queue, adapter: adapter, interval: interval}
}

// Run ticks until the context is cancelled.
func (r *Retrier) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.DrainOnce(ctx)
		}
	}
}

// DrainOnce replays one batch from the head of the queue. Overlapping drains
// are skipped, not queued. Returns the replayed and re-queued counts.
func (r *Retrier) DrainOnce(ctx context.Context) (replayed, requeued int) {
	if !r.running.CompareAndSwap(false, true) {
		log.Printf("[retry] drain already running, skipping")
		return 0, 0
	}
	defer r.running.Store(false)

	intents, err := r.queue.Dequeue(ctx, drainBatch)
	if err != nil {
		log.Printf("[retry] dequeue failed: %v", err)
		return 0, 0
	}
	for _, in := range intents {
		if err := r.adapter.Apply(ctx, in); err != nil {
			// A conditional intent that matched zero rows can never
			// succeed later; the ledger moved past its expected status.
			if errors.Is(err, ErrNoRowsMatched) {
				log.Printf("[retry] replay %s %s: ledger moved on, dropped", in.Op, in.ItemKey)
				continue
			}
			log.Printf("[retry] replay %s %s failed, re-queueing: %v", in.Op, in.ItemKey, err)
			if qerr := r.queue.Enqueue(ctx, in); qerr != nil {
				log.Printf("[retry] re-enqueue %s %s failed: %v", in.Op, in.ItemKey, qerr)
			}
			requeued++
			continue
		}
		replayed++
	}
	if replayed+requeued > 0 {
		log.Printf("[retry] drained batch: replayed=%d requeued=%d", replayed, requeued)
	}
	return replayed, requeued
}
