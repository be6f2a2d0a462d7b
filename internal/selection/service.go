package selection

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/adaptanoide/photo-inventory/internal/product"
)

// ErrNotFound indicates the selection id does not exist.
var ErrNotFound = errors.New("selection not found")

// ErrNoHeldItems indicates the session has no live holds to commit.
var ErrNoHeldItems = errors.New("no held items for session")

// ErrRequiresManualReview blocks finalization while auto-removed items are
// pending operator acknowledgment.
var ErrRequiresManualReview = errors.New("selection requires manual review")

// RecordStore is the slice of the product store the service needs.
type RecordStore interface {
	HoldsForSession(ctx context.Context, sessionID string) ([]product.Record, error)
	CommitToSelection(ctx context.Context, itemKey, sessionID, selectionID string) error
	DetachSelection(ctx context.Context, itemKey, selectionID string, next product.InternalStatus, nextExt product.ExternalStatus) (bool, error)
	MarkSold(ctx context.Context, itemKey string, prior product.InternalStatus, actor, reason string) (bool, error)
}

// SelectionStore persists selections.
type SelectionStore interface {
	Put(ctx context.Context, sel Selection) error
	Get(ctx context.Context, selectionID string) (*Selection, error)
	UpdateStatus(ctx context.Context, selectionID, newStatus string, movement *Movement, expected ...string) error
	BeginFinalize(ctx context.Context, selectionID string) error
	ReplaceItems(ctx context.Context, selectionID string, items []Item, total float64, movement Movement, setRetiredFlag bool, expected ...string) error
	ClearRetiredFlag(ctx context.Context, selectionID string, movement Movement) error
}

// LedgerMirror is the best-effort write path to the external ledger.
type LedgerMirror interface {
	Confirm(ctx context.Context, itemKey, clientCode string)
	Release(ctx context.Context, itemKey string, expected product.ExternalStatus)
	MarkSold(ctx context.Context, itemKey string, expected product.ExternalStatus)
}

// PriceLookup resolves the per-item price for a category at a given order
// size. Volume tiers apply, so the quantity matters.
type PriceLookup interface {
	Price(ctx context.Context, categoryCode string, quantity int) (float64, error)
}

// Service drives the selection lifecycle. Item-level exclusivity lives in
// the product records; the selection document is the order-level view.
type Service struct {
	selections SelectionStore
	records    RecordStore
	mirror     LedgerMirror
	prices     PriceLookup
	nowFunc    func() time.Time
}

func NewService(selections SelectionStore, records RecordStore, mirror LedgerMirror, prices PriceLookup) *Service {
	return &Service{
		selections: selections,
		records:    records,
		mirror:     mirror,
		prices:     prices,
		nowFunc:    time.Now,
	}
}

// Create converts a session's live holds into a pending selection. Each hold
// is committed with a conditional write; holds lost to expiry or release in
// the meantime are skipped, not failed. Prices are snapshotted per category
// at the session's total quantity. Special selections may start empty.
func (s *Service) Create(ctx context.Context, sessionID, clientCode string, special bool) (*Selection, error) {
	held, err := s.records.HoldsForSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list holds: %w", err)
	}
	if len(held) == 0 && !special {
		return nil, ErrNoHeldItems
	}

	prices := map[string]float64{}
	for _, rec := range held {
		if _, ok := prices[rec.CategoryCode]; ok {
			continue
		}
		p, err := s.prices.Price(ctx, rec.CategoryCode, len(held))
		if err != nil {
			return nil, fmt.Errorf("price category %s: %w", rec.CategoryCode, err)
		}
		prices[rec.CategoryCode] = p
	}

	selectionID := "sel-" + uuid.NewString()
	var items []Item
	var total float64
	for _, rec := range held {
		if err := s.records.CommitToSelection(ctx, rec.ItemKey, sessionID, selectionID); err != nil {
			if errors.Is(err, product.ErrConditionFailed) {
				log.Printf("[selection] %s: hold on %s gone before commit, skipped", selectionID, rec.ItemKey)
				continue
			}
			s.detachAll(ctx, selectionID, items)
			return nil, fmt.Errorf("commit %s: %w", rec.ItemKey, err)
		}
		price := prices[rec.CategoryCode]
		items = append(items, Item{ItemKey: rec.ItemKey, CategoryCode: rec.CategoryCode, Price: price})
		total += price
	}
	if len(items) == 0 && !special {
		return nil, ErrNoHeldItems
	}

	now := s.nowFunc().UTC()
	sel := Selection{
		SelectionID: selectionID,
		ClientCode:  clientCode,
		Status:      StatusPending,
		Items:       items,
		TotalValue:  total,
		MovementLog: []Movement{{
			ID:     uuid.NewString(),
			Type:   MovementCreated,
			Reason: fmt.Sprintf("%d items", len(items)),
			At:     now,
		}},
		Special:   special,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.selections.Put(ctx, sel); err != nil {
		s.detachAll(ctx, selectionID, items)
		return nil, fmt.Errorf("persist selection: %w", err)
	}

	for _, it := range items {
		s.mirror.Confirm(ctx, it.ItemKey, clientCode)
	}
	log.Printf("[selection] created %s for %s with %d items, total %.2f", selectionID, clientCode, len(items), total)
	return &sel, nil
}

// Get fetches a selection, translating absence to ErrNotFound.
func (s *Service) Get(ctx context.Context, selectionID string) (*Selection, error) {
	sel, err := s.selections.Get(ctx, selectionID)
	if err != nil {
		return nil, err
	}
	if sel == nil {
		return nil, ErrNotFound
	}
	return sel, nil
}

// Approve moves a pending selection to confirmed.
func (s *Service) Approve(ctx context.Context, selectionID string) error {
	if _, err := s.Get(ctx, selectionID); err != nil {
		return err
	}
	return s.selections.UpdateStatus(ctx, selectionID, StatusConfirmed, nil, StatusPending)
}

// Finalize completes the sale. The selection passes through the transitional
// approving state while per-item sold writes are issued, then lands on
// finalized. Blocked while the retired-photos review flag is raised; the
// transition itself re-checks the flag, so a self-heal racing this call
// blocks finalization rather than being overridden.
func (s *Service) Finalize(ctx context.Context, selectionID string) error {
	sel, err := s.Get(ctx, selectionID)
	if err != nil {
		return err
	}
	if sel.HasRetiredPhotos {
		return ErrRequiresManualReview
	}
	if err := s.selections.BeginFinalize(ctx, selectionID); err != nil {
		if errors.Is(err, ErrStatusMismatch) {
			if cur, gerr := s.selections.Get(ctx, selectionID); gerr == nil && cur != nil && cur.HasRetiredPhotos {
				return ErrRequiresManualReview
			}
		}
		return err
	}

	// Re-read now that the selection is locked in approving: a heal that
	// landed after the first read has already rewritten the item list.
	sel, err = s.Get(ctx, selectionID)
	if err != nil {
		return err
	}

	for _, it := range sel.Items {
		reason := fmt.Sprintf("selection %s finalized", selectionID)
		if _, err := s.records.MarkSold(ctx, it.ItemKey, product.StatusInSelection, product.ActorSelection, reason); err != nil {
			log.Printf("[selection] %s: mark %s sold: %v", selectionID, it.ItemKey, err)
		}
		s.mirror.MarkSold(ctx, it.ItemKey, product.ExtConfirmed)
	}

	mv := Movement{ID: uuid.NewString(), Type: MovementFinalized, At: s.nowFunc().UTC()}
	if err := s.selections.UpdateStatus(ctx, selectionID, StatusFinalized, &mv, StatusApproving); err != nil {
		return err
	}
	log.Printf("[selection] finalized %s (%d items)", selectionID, len(sel.Items))
	return nil
}

// Cancel abandons a pending or confirmed selection. The selection passes
// through cancelling while every item is detached and released back to the
// ledger. Items already healed away are skipped.
func (s *Service) Cancel(ctx context.Context, selectionID string) error {
	sel, err := s.Get(ctx, selectionID)
	if err != nil {
		return err
	}
	if err := s.selections.UpdateStatus(ctx, selectionID, StatusCancelling, nil, StatusPending, StatusConfirmed); err != nil {
		return err
	}

	for _, it := range sel.Items {
		detached, err := s.records.DetachSelection(ctx, it.ItemKey, selectionID, product.StatusAvailable, product.ExtIngresado)
		if err != nil {
			log.Printf("[selection] %s: detach %s: %v", selectionID, it.ItemKey, err)
			continue
		}
		if detached {
			s.mirror.Release(ctx, it.ItemKey, product.ExtConfirmed)
		}
	}

	mv := Movement{ID: uuid.NewString(), Type: MovementCancelled, At: s.nowFunc().UTC()}
	if err := s.selections.UpdateStatus(ctx, selectionID, StatusCancelled, &mv, StatusCancelling); err != nil {
		return err
	}
	log.Printf("[selection] cancelled %s", selectionID)
	return nil
}

// Revert unwinds a finalized selection, an operator-only correction. Items
// are detached and the ledger sales rolled back to in-stock.
func (s *Service) Revert(ctx context.Context, selectionID string, reason string) error {
	sel, err := s.Get(ctx, selectionID)
	if err != nil {
		return err
	}
	mv := Movement{ID: uuid.NewString(), Type: MovementReverted, Reason: reason, At: s.nowFunc().UTC()}
	if err := s.selections.UpdateStatus(ctx, selectionID, StatusReverted, &mv, StatusFinalized); err != nil {
		return err
	}
	for _, it := range sel.Items {
		if _, err := s.records.DetachSelection(ctx, it.ItemKey, selectionID, product.StatusAvailable, product.ExtIngresado); err != nil {
			log.Printf("[selection] %s: revert detach %s: %v", selectionID, it.ItemKey, err)
			continue
		}
		s.mirror.Release(ctx, it.ItemKey, product.ExtRetirado)
	}
	log.Printf("[selection] reverted %s: %s", selectionID, reason)
	return nil
}

// HealRetiredItem removes an item observed as sold out-of-band from a still
// mutable selection: the item list and total are rewritten, an
// item_auto_removed movement is appended and the review flag raised, all in
// one conditional write. Idempotent: healing an item already removed, or a
// selection already past confirmation, is a no-op.
func (s *Service) HealRetiredItem(ctx context.Context, selectionID, itemKey string, priorExternal product.ExternalStatus) error {
	sel, err := s.selections.Get(ctx, selectionID)
	if err != nil {
		return err
	}
	if sel == nil {
		return nil
	}
	if sel.Status != StatusPending && sel.Status != StatusConfirmed {
		return nil
	}
	if !sel.HasItem(itemKey) {
		return nil
	}

	var items []Item
	var total float64
	for _, it := range sel.Items {
		if it.ItemKey == itemKey {
			continue
		}
		items = append(items, it)
		total += it.Price
	}
	mv := Movement{
		ID:      uuid.NewString(),
		Type:    MovementItemAutoRemoved,
		ItemKey: itemKey,
		Reason:  fmt.Sprintf("sold out-of-band in ledger (was %s)", priorExternal),
		At:      s.nowFunc().UTC(),
	}
	err = s.selections.ReplaceItems(ctx, selectionID, items, total, mv, true, StatusPending, StatusConfirmed)
	if errors.Is(err, ErrStatusMismatch) {
		// Lost a race with a concurrent transition; the next pass re-checks.
		return nil
	}
	if err != nil {
		return err
	}
	log.Printf("[selection] %s: auto-removed %s, %d items remain, total %.2f", selectionID, itemKey, len(items), total)
	return nil
}

// RequeueRetiredItems lowers the review flag after an operator acknowledged
// the auto-removed items, unblocking finalization.
func (s *Service) RequeueRetiredItems(ctx context.Context, selectionID string) error {
	if _, err := s.Get(ctx, selectionID); err != nil {
		return err
	}
	mv := Movement{ID: uuid.NewString(), Type: MovementRequeued, At: s.nowFunc().UTC()}
	err := s.selections.ClearRetiredFlag(ctx, selectionID, mv)
	if errors.Is(err, ErrStatusMismatch) {
		return nil // flag already down
	}
	return err
}

func (s *Service) detachAll(ctx context.Context, selectionID string, items []Item) {
	for _, it := range items {
		if _, err := s.records.DetachSelection(ctx, it.ItemKey, selectionID, product.StatusAvailable, product.ExtIngresado); err != nil {
			log.Printf("[selection] %s: rollback detach %s: %v", selectionID, it.ItemKey, err)
		}
	}
}
