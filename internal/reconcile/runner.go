package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/adaptanoide/photo-inventory/internal/guard"
	"github.com/adaptanoide/photo-inventory/internal/ledger"
	"github.com/adaptanoide/photo-inventory/internal/product"
)

// ErrUnknownItem indicates the item exists neither internally nor in the ledger.
var ErrUnknownItem = errors.New("unknown item")

// LedgerReader is the read side of the ledger adapter.
type LedgerReader interface {
	FetchChangedSince(ctx context.Context, since time.Time) ([]ledger.Row, error)
	FetchAll(ctx context.Context) ([]ledger.Row, error)
	FetchTransit(ctx context.Context) ([]ledger.Row, error)
	FetchOne(ctx context.Context, itemKey string) (*ledger.Row, error)
}

// RecordStore is the slice of the product store the runner needs.
type RecordStore interface {
	Get(ctx context.Context, itemKey string) (*product.Record, error)
	RecordLedgerStatus(ctx context.Context, itemKey string, ext product.ExternalStatus, categoryCode string) error
	MarkSold(ctx context.Context, itemKey string, prior product.InternalStatus, actor, reason string) (bool, error)
	ClearTransit(ctx context.Context, itemKey string, next product.InternalStatus) (bool, error)
	ScanAll(ctx context.Context) ([]product.Record, error)
}

// Corrector repairs drifted records.
type Corrector interface {
	CorrectRecord(ctx context.Context, rec *product.Record) (bool, error)
	Sweep(ctx context.Context) (guard.Result, error)
}

// Healer removes out-of-band-sold items from mutable selections.
type Healer interface {
	HealRetiredItem(ctx context.Context, selectionID, itemKey string, priorExternal product.ExternalStatus) error
}

// FileStore answers whether the photo asset for an item exists.
type FileStore interface {
	Exists(ctx context.Context, itemKey string) (bool, error)
}

// MetricsSink receives per-pass counters.
type MetricsSink interface {
	RecordCounts(ctx context.Context, pass string, counts map[string]int)
}

// PassStats summarizes one reconciliation pass.
type PassStats struct {
	Scanned      int
	Corrected    int
	Discovered   int // ledger rows with no internal record, never auto-created
	Missing      int // internal records absent from the ledger
	MissingFiles int
	Healed       int
	Transit      int
	SweptHolds   int
}

// Runner drives the three reconciliation cadences against the ledger.
// Each cadence is guarded by its own flag so a slow pass is skipped on the
// next tick, never queued behind itself.
type Runner struct {
	ledger  LedgerReader
	records RecordStore
	guard   Corrector
	healer  Healer
	sweeper *Sweeper
	files   FileStore
	metrics MetricsSink
	nowFunc func() time.Time

	frequentRunning atomic.Bool
	nightlyRunning  atomic.Bool
	weeklyRunning   atomic.Bool

	mu           sync.Mutex
	lastFrequent time.Time
	lastNightly  time.Time
	lastWeekly   time.Time
}

func NewRunner(lr LedgerReader, records RecordStore, g Corrector, healer Healer, sweeper *Sweeper, files FileStore, metrics MetricsSink) *Runner {
	return &Runner{
		ledger:  lr,
		records: records,
		guard:   g,
		healer:  healer,
		sweeper: sweeper,
		files:   files,
		metrics: metrics,
		nowFunc: time.Now,
	}
}

// RunDue runs whichever pass the clock says is due. The nightly and weekly
// passes succeed at most once per calendar day even when ticks land inside
// their window repeatedly; a failed pass logs, does not consume the daily
// budget, and is retried on the next tick. The frequent pass runs on every
// tick in its window.
func (r *Runner) RunDue(ctx context.Context) {
	now := r.nowFunc()
	switch PassFor(now) {
	case PassFrequent:
		if _, err := r.RunFrequent(ctx); err != nil {
			log.Printf("[reconcile] frequent pass: %v", err)
		}
	case PassNightly:
		if r.ranToday(&r.lastNightly, now) {
			return
		}
		if _, err := r.RunNightly(ctx); err != nil {
			log.Printf("[reconcile] nightly pass: %v", err)
			return
		}
		r.markRan(&r.lastNightly, now)
	case PassWeekly:
		if r.ranToday(&r.lastWeekly, now) {
			return
		}
		if _, err := r.RunWeekly(ctx); err != nil {
			log.Printf("[reconcile] weekly pass: %v", err)
			return
		}
		r.markRan(&r.lastWeekly, now)
	}
}

func (r *Runner) ranToday(last *time.Time, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	ly, lm, ld := last.Date()
	y, m, d := now.Date()
	return ly == y && lm == m && ld == d
}

func (r *Runner) markRan(last *time.Time, now time.Time) {
	r.mu.Lock()
	*last = now
	r.mu.Unlock()
}

// RunFrequent applies ledger rows changed since the previous frequent run.
func (r *Runner) RunFrequent(ctx context.Context) (PassStats, error) {
	var stats PassStats
	if !r.frequentRunning.CompareAndSwap(false, true) {
		log.Print("[reconcile] frequent pass still running, skipping")
		return stats, nil
	}
	defer r.frequentRunning.Store(false)

	started := r.nowFunc()
	rows, err := r.ledger.FetchChangedSince(ctx, r.sinceFrequent(started))
	if err != nil {
		return stats, fmt.Errorf("fetch changed rows: %w", err)
	}
	for i := range rows {
		r.applyRow(ctx, &rows[i], &stats)
	}
	r.mu.Lock()
	r.lastFrequent = started
	r.mu.Unlock()

	r.report(ctx, PassFrequent, stats)
	return stats, nil
}

// RunNightly is the frequent pass plus a sweep of expired holds that the
// interval sweeper may have missed.
func (r *Runner) RunNightly(ctx context.Context) (PassStats, error) {
	var stats PassStats
	if !r.nightlyRunning.CompareAndSwap(false, true) {
		log.Print("[reconcile] nightly pass still running, skipping")
		return stats, nil
	}
	defer r.nightlyRunning.Store(false)

	started := r.nowFunc()
	rows, err := r.ledger.FetchChangedSince(ctx, r.sinceFrequent(started))
	if err != nil {
		return stats, fmt.Errorf("fetch changed rows: %w", err)
	}
	for i := range rows {
		r.applyRow(ctx, &rows[i], &stats)
	}
	r.mu.Lock()
	r.lastFrequent = started
	r.mu.Unlock()

	swept, err := r.sweeper.SweepExpired(ctx, started)
	if err != nil {
		log.Printf("[reconcile] nightly hold sweep: %v", err)
	}
	stats.SweptHolds = swept

	r.report(ctx, PassNightly, stats)
	return stats, nil
}

// RunWeekly is the full audit: every ledger row is reapplied, transit flags
// are cleared for arrived items, internal records are cross-checked against
// the ledger and the photo file store, and the consistency guard sweeps the
// whole table.
func (r *Runner) RunWeekly(ctx context.Context) (PassStats, error) {
	var stats PassStats
	if !r.weeklyRunning.CompareAndSwap(false, true) {
		log.Print("[reconcile] weekly pass still running, skipping")
		return stats, nil
	}
	defer r.weeklyRunning.Store(false)

	started := r.nowFunc()
	rows, err := r.ledger.FetchAll(ctx)
	if err != nil {
		return stats, fmt.Errorf("fetch all rows: %w", err)
	}
	ledgerKeys := make(map[string]bool, len(rows))
	for i := range rows {
		ledgerKeys[rows[i].ItemKey] = true
		r.applyRow(ctx, &rows[i], &stats)
	}

	transit, err := r.ledger.FetchTransit(ctx)
	if err != nil {
		return stats, fmt.Errorf("fetch transit rows: %w", err)
	}
	transitKeys := make(map[string]bool, len(transit))
	for _, row := range transit {
		transitKeys[row.ItemKey] = true
	}

	records, err := r.records.ScanAll(ctx)
	if err != nil {
		return stats, fmt.Errorf("scan records: %w", err)
	}
	for i := range records {
		rec := &records[i]
		if rec.TransitFlag && !transitKeys[rec.ItemKey] && ledgerKeys[rec.ItemKey] {
			next := product.ExpectedFor(rec, started)
			if cleared, err := r.records.ClearTransit(ctx, rec.ItemKey, next); err != nil {
				log.Printf("[reconcile] clear transit %s: %v", rec.ItemKey, err)
			} else if cleared {
				stats.Transit++
				log.Printf("[reconcile] %s arrived, transit flag cleared, status %s", rec.ItemKey, next)
			}
		}
		if !ledgerKeys[rec.ItemKey] && !transitKeys[rec.ItemKey] {
			stats.Missing++
			log.Printf("[reconcile] %s has no ledger row, flagged for review", rec.ItemKey)
		}
		exists, err := r.files.Exists(ctx, rec.ItemKey)
		if err != nil {
			log.Printf("[reconcile] file check %s: %v", rec.ItemKey, err)
			continue
		}
		if !exists {
			stats.MissingFiles++
			log.Printf("[reconcile] %s has no photo file, flagged for review", rec.ItemKey)
		}
	}

	result, err := r.guard.Sweep(ctx)
	if err != nil {
		log.Printf("[reconcile] weekly guard sweep: %v", err)
	} else {
		stats.Corrected += result.Corrected
	}

	r.report(ctx, PassWeekly, stats)
	return stats, nil
}

// ForceReconcile applies the current ledger row for one item immediately and
// returns the record afterwards. Admin surface for support work.
func (r *Runner) ForceReconcile(ctx context.Context, itemKey string) (*product.Record, error) {
	row, err := r.ledger.FetchOne(ctx, itemKey)
	if err != nil {
		return nil, fmt.Errorf("fetch ledger row: %w", err)
	}
	if row != nil {
		var stats PassStats
		r.applyRow(ctx, row, &stats)
	}
	rec, err := r.records.Get(ctx, itemKey)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		if row != nil {
			log.Printf("[reconcile] %s exists only in the ledger, not auto-created", itemKey)
		}
		return nil, ErrUnknownItem
	}
	return rec, nil
}

// applyRow folds one ledger row into the internal record. Ledger rows with
// no internal record are counted and logged, never auto-created; retired rows
// heal any selection still counting the item before the record goes sold.
func (r *Runner) applyRow(ctx context.Context, row *ledger.Row, stats *PassStats) {
	stats.Scanned++
	rec, err := r.records.Get(ctx, row.ItemKey)
	if err != nil {
		log.Printf("[reconcile] get %s: %v", row.ItemKey, err)
		return
	}
	if rec == nil {
		stats.Discovered++
		log.Printf("[reconcile] ledger row %s (%s) has no internal record, flagged for review", row.ItemKey, row.Status)
		return
	}

	if row.Status == product.ExtRetirado && rec.InternalStatus != product.StatusSold {
		if rec.SelectionID != "" {
			if err := r.healer.HealRetiredItem(ctx, rec.SelectionID, row.ItemKey, rec.ExternalStatus); err != nil {
				log.Printf("[reconcile] heal %s in %s: %v", row.ItemKey, rec.SelectionID, err)
			} else {
				stats.Healed++
			}
		}
		changed, err := r.records.MarkSold(ctx, row.ItemKey, rec.InternalStatus, product.ActorLedger, "sold out-of-band in ledger")
		if err != nil {
			log.Printf("[reconcile] mark %s sold: %v", row.ItemKey, err)
			return
		}
		if changed {
			stats.Corrected++
		}
		return
	}

	if err := r.records.RecordLedgerStatus(ctx, row.ItemKey, row.Status, row.CategoryCode); err != nil {
		log.Printf("[reconcile] sync %s: %v", row.ItemKey, err)
		return
	}
	rec.ExternalStatus = row.Status
	corrected, err := r.guard.CorrectRecord(ctx, rec)
	if err != nil {
		log.Printf("[reconcile] correct %s: %v", row.ItemKey, err)
		return
	}
	if corrected {
		stats.Corrected++
	}
}

func (r *Runner) sinceFrequent(now time.Time) time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.lastFrequent.IsZero() {
		return now.Add(-24 * time.Hour)
	}
	return r.lastFrequent
}

func (r *Runner) report(ctx context.Context, pass Pass, stats PassStats) {
	log.Printf("[reconcile] %s pass: scanned=%d corrected=%d discovered=%d missing=%d missing_files=%d healed=%d transit=%d swept=%d",
		pass, stats.Scanned, stats.Corrected, stats.Discovered, stats.Missing, stats.MissingFiles, stats.Healed, stats.Transit, stats.SweptHolds)
	r.metrics.RecordCounts(ctx, string(pass), map[string]int{
		"RowsScanned":      stats.Scanned,
		"RowsCorrected":    stats.Corrected,
		"RowsDiscovered":   stats.Discovered,
		"RecordsMissing":   stats.Missing,
		"FilesMissing":     stats.MissingFiles,
		"SelectionsHealed": stats.Healed,
		"TransitCleared":   stats.Transit,
		"HoldsSwept":       stats.SweptHolds,
	})
}

// Run evaluates the cadence on a fixed interval until the context is cancelled.
func (r *Runner) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	log.Printf("[reconcile] evaluating cadence every %s", interval)
	for {
		select {
		case <-ctx.Done():
			log.Print("[reconcile] shutting down")
			return
		case <-ticker.C:
			r.RunDue(ctx)
		}
	}
}
