package guard

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/adaptanoide/photo-inventory/internal/product"
)

// sampleCap bounds the flagged-record sample returned to the admin surface.
const sampleCap = 20

// Finding describes one drifted or review-worthy record.
type Finding struct {
	ItemKey        string                 `json:"item_key"`
	ExternalStatus product.ExternalStatus `json:"external_status"`
	Have           product.InternalStatus `json:"have"`
	Want           product.InternalStatus `json:"want"`
	Reason         string                 `json:"reason"`
}

// Result summarizes a consistency pass.
type Result struct {
	Scanned    int       `json:"scanned"`
	Consistent int       `json:"consistent"`
	Corrected  int       `json:"corrected"`
	Flagged    int       `json:"flagged"`
	Sample     []Finding `json:"sample,omitempty"`
}

// RecordStore is the slice of the product store the guard uses. The guard
// never talks to the ledger; it only trusts the last-synced external status
// on the record.
type RecordStore interface {
	ScanAll(ctx context.Context) ([]product.Record, error)
	ApplyCorrection(ctx context.Context, itemKey string, from, to product.InternalStatus, reason string, clearReservation bool) (bool, error)
}

// Check is the pure drift test: it returns the invariant-correct status for
// the record and whether the stored status differs from it.
func Check(rec *product.Record, now time.Time) (product.InternalStatus, bool) {
	want := product.ExpectedFor(rec, now)
	return want, want != rec.InternalStatus
}

// Guard recomputes internal statuses and rewrites drifted records.
type Guard struct {
	store   RecordStore
	nowFunc func() time.Time
}

func New(store RecordStore) *Guard {
	return &Guard{store: store, nowFunc: time.Now}
}

// CorrectRecord fixes one drifted record, appending an auto-corrected audit
// entry. Returns whether a correction was written. A record whose status
// moved on concurrently is left alone (the next pass re-checks it).
func (g *Guard) CorrectRecord(ctx context.Context, rec *product.Record) (bool, error) {
	if rec.TransitFlag {
		// Transit rows live in a separate ledger table the guard never
		// reads; the weekly pass owns these records.
		return false, nil
	}
	now := g.nowFunc()
	want, drifted := Check(rec, now)
	if !drifted {
		return false, nil
	}
	reason := fmt.Sprintf("drift: internal %s, external %s", rec.InternalStatus, rec.ExternalStatus)
	clearRes := rec.Reservation != nil && (want == product.StatusSold || !rec.Reservation.Live(now))
	ok, err := g.store.ApplyCorrection(ctx, rec.ItemKey, rec.InternalStatus, want, reason, clearRes)
	if err != nil {
		return false, fmt.Errorf("correct %s: %w", rec.ItemKey, err)
	}
	if ok {
		log.Printf("[guard] corrected %s: %s -> %s", rec.ItemKey, rec.InternalStatus, want)
	}
	return ok, nil
}

// Sweep audits the whole store: every drifted record is corrected, records
// needing operator attention are flagged and sampled. Invoked on demand by
// the admin surface and as the terminal step of every reconciliation pass.
func (g *Guard) Sweep(ctx context.Context) (Result, error) {
	recs, err := g.store.ScanAll(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("guard sweep: %w", err)
	}

	var res Result
	now := g.nowFunc()
	for i := range recs {
		rec := &recs[i]
		res.Scanned++

		want, drifted := Check(rec, now)
		flagReason := flagReason(rec)
		if flagReason != "" {
			res.Flagged++
			if len(res.Sample) < sampleCap {
				res.Sample = append(res.Sample, Finding{
					ItemKey:        rec.ItemKey,
					ExternalStatus: rec.ExternalStatus,
					Have:           rec.InternalStatus,
					Want:           want,
					Reason:         flagReason,
				})
			}
		}
		if !drifted {
			res.Consistent++
			continue
		}
		ok, err := g.CorrectRecord(ctx, rec)
		if err != nil {
			return res, err
		}
		if ok {
			res.Corrected++
		} else {
			res.Consistent++ // lost the race to a legitimate transition
		}
	}
	return res, nil
}

func flagReason(rec *product.Record) string {
	switch {
	case rec.ExternalStatus == product.ExtUnknown:
		return "unrecognized ledger status, needs manual categorization"
	case rec.ExternalStatus == product.ExtConfirmed && rec.SelectionID == "":
		return "ledger reports an order commitment unknown to this system"
	}
	return ""
}
