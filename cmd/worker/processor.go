package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/aws/aws-lambda-go/events"

	"github.com/adaptanoide/photo-inventory/internal/ledger"
)

type passRunner interface {
	RunDue(ctx context.Context)
}

type holdSweeper interface {
	SweepExpired(ctx context.Context, now time.Time) (int, error)
}

// Processor handles the worker's two event shapes: SQS batches carrying
// queued ledger intents, and scheduled events that trigger the
// reconciliation cadence and the expiration sweep.
type Processor struct {
	applier ledger.Applier
	runner  passRunner
	sweeper holdSweeper
	nowFunc func() time.Time
}

func NewProcessor(applier ledger.Applier, runner passRunner, sweeper holdSweeper) *Processor {
	return &Processor{
		applier: applier,
		runner:  runner,
		sweeper: sweeper,
		nowFunc: time.Now,
	}
}

// Handle dispatches on the raw event shape. Anything that is not an SQS
// batch is treated as a scheduled tick.
func (p *Processor) Handle(ctx context.Context, raw json.RawMessage) error {
	var sqsEvent events.SQSEvent
	if err := json.Unmarshal(raw, &sqsEvent); err == nil && len(sqsEvent.Records) > 0 {
		return p.handleIntents(ctx, sqsEvent)
	}

	p.runner.RunDue(ctx)
	if _, err := p.sweeper.SweepExpired(ctx, p.nowFunc()); err != nil {
		log.Printf("[worker] expiration sweep: %v", err)
	}
	return nil
}

// handleIntents replays queued ledger intents. A replay that matches zero
// rows means the ledger moved on; the intent is dropped, not redelivered.
// Connection errors are returned so the runtime redelivers the batch.
func (p *Processor) handleIntents(ctx context.Context, ev events.SQSEvent) error {
	log.Printf("[worker] received %d queued intents", len(ev.Records))
	for _, rec := range ev.Records {
		var in ledger.Intent
		if err := json.Unmarshal([]byte(rec.Body), &in); err != nil {
			return fmt.Errorf("invalid intent body: %w", err)
		}
		if err := p.applier.Apply(ctx, in); err != nil {
			if errors.Is(err, ledger.ErrNoRowsMatched) {
				log.Printf("[worker] replay %s %s: ledger moved on, dropped", in.Op, in.ItemKey)
				continue
			}
			return fmt.Errorf("replay %s %s: %w", in.Op, in.ItemKey, err)
		}
		log.Printf("[worker] replayed %s %s", in.Op, in.ItemKey)
	}
	return nil
}
