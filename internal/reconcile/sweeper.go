package reconcile

import (
	"context"
	"log"
	"sync/atomic"
	"time"

	"github.com/adaptanoide/photo-inventory/internal/product"
)

// HoldStore is the slice of the product store the sweeper needs.
type HoldStore interface {
	ScanExpired(ctx context.Context, now time.Time) ([]product.Record, error)
	ReleaseHold(ctx context.Context, itemKey, sessionID string, next product.InternalStatus, nextExt product.ExternalStatus, actor, reason string) (bool, error)
}

// MirrorReleaser issues best-effort ledger releases.
type MirrorReleaser interface {
	Release(ctx context.Context, itemKey string, expected product.ExternalStatus)
}

// Sweeper releases expired holds. Reads enforce the TTL lazily already; the
// sweeper is what actually frees the records and rolls the ledger back.
type Sweeper struct {
	records HoldStore
	mirror  MirrorReleaser
	running atomic.Bool
	nowFunc func() time.Time
}

func NewSweeper(records HoldStore, mirror MirrorReleaser) *Sweeper {
	return &Sweeper{records: records, mirror: mirror, nowFunc: time.Now}
}

// SweepExpired releases every hold whose TTL has passed, returning the number
// released. Each release is owner-conditional, so racing with a legitimate
// release or commit is safe; the loser is simply skipped.
func (s *Sweeper) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	if !s.running.CompareAndSwap(false, true) {
		log.Print("[sweeper] previous sweep still running, skipping")
		return 0, nil
	}
	defer s.running.Store(false)

	expired, err := s.records.ScanExpired(ctx, now)
	if err != nil {
		return 0, err
	}

	released := 0
	for _, rec := range expired {
		if rec.Reservation == nil {
			continue
		}
		nextExt := product.AfterRelease(rec.ExternalStatus)
		next := product.Expected(nextExt, nil, rec.SelectionID != "", now)
		ok, err := s.records.ReleaseHold(ctx, rec.ItemKey, rec.Reservation.SessionID, next, nextExt, product.ActorSweeper, "hold expired")
		if err != nil {
			log.Printf("[sweeper] release %s: %v", rec.ItemKey, err)
			continue
		}
		if !ok {
			continue
		}
		s.mirror.Release(ctx, rec.ItemKey, product.ExtPreSelected)
		released++
	}
	if released > 0 {
		log.Printf("[sweeper] released %d expired holds", released)
	}
	return released, nil
}

// Run sweeps on a fixed interval until the context is cancelled.
func (s *Sweeper) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	log.Printf("[sweeper] sweeping every %s", interval)
	for {
		select {
		case <-ctx.Done():
			log.Print("[sweeper] shutting down")
			return
		case <-ticker.C:
			if _, err := s.SweepExpired(ctx, s.nowFunc()); err != nil {
				log.Printf("[sweeper] sweep: %v", err)
			}
		}
	}
}
