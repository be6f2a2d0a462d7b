package selection

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/adaptanoide/photo-inventory/internal/product"
)

// fakeSelections is an in-memory SelectionStore with the same conditional
// transition semantics as the DynamoDB store. beforeBeginFinalize, when set,
// runs before the approving write takes the lock, standing in for work that
// lands between a caller's read and its conditional write.
type fakeSelections struct {
	mu                  sync.Mutex
	sels                map[string]*Selection
	beforeBeginFinalize func()
}

func newFakeSelections() *fakeSelections {
	return &fakeSelections{sels: map[string]*Selection{}}
}

func (f *fakeSelections) Put(ctx context.Context, sel Selection) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.sels[sel.SelectionID]; ok {
		return errors.New("selection exists")
	}
	f.sels[sel.SelectionID] = &sel
	return nil
}

func (f *fakeSelections) Get(ctx context.Context, selectionID string) (*Selection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sel, ok := f.sels[selectionID]
	if !ok {
		return nil, nil
	}
	cp := *sel
	cp.Items = append([]Item(nil), sel.Items...)
	cp.MovementLog = append([]Movement(nil), sel.MovementLog...)
	return &cp, nil
}

func (f *fakeSelections) UpdateStatus(ctx context.Context, selectionID, newStatus string, movement *Movement, expected ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	sel, ok := f.sels[selectionID]
	if !ok || !statusIn(sel.Status, expected) {
		return ErrStatusMismatch
	}
	sel.Status = newStatus
	if movement != nil {
		sel.MovementLog = append(sel.MovementLog, *movement)
	}
	return nil
}

func (f *fakeSelections) BeginFinalize(ctx context.Context, selectionID string) error {
	if f.beforeBeginFinalize != nil {
		f.beforeBeginFinalize()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	sel, ok := f.sels[selectionID]
	if !ok || !statusIn(sel.Status, []string{StatusPending, StatusConfirmed}) || sel.HasRetiredPhotos {
		return ErrStatusMismatch
	}
	sel.Status = StatusApproving
	return nil
}

func (f *fakeSelections) ReplaceItems(ctx context.Context, selectionID string, items []Item, total float64, movement Movement, setRetiredFlag bool, expected ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	sel, ok := f.sels[selectionID]
	if !ok || !statusIn(sel.Status, expected) {
		return ErrStatusMismatch
	}
	sel.Items = append([]Item(nil), items...)
	sel.TotalValue = total
	sel.MovementLog = append(sel.MovementLog, movement)
	if setRetiredFlag {
		sel.HasRetiredPhotos = true
	}
	return nil
}

func (f *fakeSelections) ClearRetiredFlag(ctx context.Context, selectionID string, movement Movement) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	sel, ok := f.sels[selectionID]
	if !ok || !sel.HasRetiredPhotos {
		return ErrStatusMismatch
	}
	sel.HasRetiredPhotos = false
	sel.MovementLog = append(sel.MovementLog, movement)
	return nil
}

func statusIn(status string, expected []string) bool {
	for _, e := range expected {
		if status == e {
			return true
		}
	}
	return false
}

// fakeRecordStore mirrors the product store's conditional write semantics.
type fakeRecordStore struct {
	mu         sync.Mutex
	records    map[string]*product.Record
	failCommit map[string]bool
}

func newFakeRecordStore() *fakeRecordStore {
	return &fakeRecordStore{records: map[string]*product.Record{}, failCommit: map[string]bool{}}
}

func (f *fakeRecordStore) HoldsForSession(ctx context.Context, sessionID string) ([]product.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []product.Record
	for _, rec := range f.records {
		if rec.Reservation != nil && rec.Reservation.SessionID == sessionID && rec.Reservation.Live(time.Now()) {
			out = append(out, *rec)
		}
	}
	return out, nil
}

func (f *fakeRecordStore) CommitToSelection(ctx context.Context, itemKey, sessionID, selectionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[itemKey]
	if !ok || f.failCommit[itemKey] || rec.SelectionID != "" ||
		rec.Reservation == nil || rec.Reservation.SessionID != sessionID || !rec.Reservation.Live(time.Now()) {
		return product.ErrConditionFailed
	}
	rec.Reservation = nil
	rec.SelectionID = selectionID
	rec.InternalStatus = product.StatusInSelection
	return nil
}

func (f *fakeRecordStore) DetachSelection(ctx context.Context, itemKey, selectionID string, next product.InternalStatus, nextExt product.ExternalStatus) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[itemKey]
	if !ok || rec.SelectionID != selectionID {
		return false, nil
	}
	rec.SelectionID = ""
	rec.InternalStatus = next
	rec.ExternalStatus = nextExt
	return true, nil
}

func (f *fakeRecordStore) MarkSold(ctx context.Context, itemKey string, prior product.InternalStatus, actor, reason string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[itemKey]
	if !ok || rec.InternalStatus == product.StatusSold {
		return false, nil
	}
	rec.InternalStatus = product.StatusSold
	rec.ExternalStatus = product.ExtRetirado
	rec.Reservation = nil
	rec.StatusHistory = append(rec.StatusHistory, product.HistoryEntry{
		From: prior, To: product.StatusSold, Actor: actor, Reason: reason, At: time.Now(),
	})
	return true, nil
}

func (f *fakeRecordStore) get(t *testing.T, itemKey string) product.Record {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[itemKey]
	if !ok {
		t.Fatalf("no record %q", itemKey)
	}
	return *rec
}

// stubMirror records intents by item key.
type stubMirror struct {
	mu       sync.Mutex
	confirms []string
	releases []string
	sold     []string
}

func (m *stubMirror) Confirm(ctx context.Context, itemKey, clientCode string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.confirms = append(m.confirms, itemKey)
}

func (m *stubMirror) Release(ctx context.Context, itemKey string, expected product.ExternalStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.releases = append(m.releases, itemKey)
}

func (m *stubMirror) MarkSold(ctx context.Context, itemKey string, expected product.ExternalStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sold = append(m.sold, itemKey)
}

// stubPrices returns fixed category prices and records requested quantities.
type stubPrices struct {
	byCategory map[string]float64
	quantities []int
}

func (p *stubPrices) Price(ctx context.Context, categoryCode string, quantity int) (float64, error) {
	p.quantities = append(p.quantities, quantity)
	price, ok := p.byCategory[categoryCode]
	if !ok {
		return 0, fmt.Errorf("no price for category %s", categoryCode)
	}
	return price, nil
}

func heldRecord(itemKey, categoryCode, sessionID string) *product.Record {
	return &product.Record{
		ItemKey:        itemKey,
		InternalStatus: product.StatusReserved,
		ExternalStatus: product.ExtIngresado,
		CategoryCode:   categoryCode,
		Reservation: &product.Reservation{
			ClientCode: "C77",
			SessionID:  sessionID,
			ExpiresAt:  time.Now().Add(time.Minute).Unix(),
		},
	}
}

func newTestService() (*Service, *fakeSelections, *fakeRecordStore, *stubMirror, *stubPrices) {
	sels := newFakeSelections()
	recs := newFakeRecordStore()
	mirror := &stubMirror{}
	prices := &stubPrices{byCategory: map[string]float64{"CAT-A": 100, "CAT-B": 80}}
	return NewService(sels, recs, mirror, prices), sels, recs, mirror, prices
}

func TestCreate_CommitsHeldItems(t *testing.T) {
	svc, _, recs, mirror, prices := newTestService()
	recs.records["00101"] = heldRecord("00101", "CAT-A", "S1")
	recs.records["00102"] = heldRecord("00102", "CAT-B", "S1")
	recs.records["00103"] = heldRecord("00103", "CAT-A", "other-session")

	sel, err := svc.Create(context.Background(), "S1", "C77", false)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if sel.Status != StatusPending {
		t.Fatalf("status = %s, want pending", sel.Status)
	}
	if len(sel.Items) != 2 {
		t.Fatalf("items = %d, want 2", len(sel.Items))
	}
	if sel.TotalValue != 180 {
		t.Fatalf("total = %v, want 180", sel.TotalValue)
	}
	if len(sel.MovementLog) != 1 || sel.MovementLog[0].Type != MovementCreated {
		t.Fatalf("movement log = %+v, want one created entry", sel.MovementLog)
	}
	for _, key := range []string{"00101", "00102"} {
		rec := recs.get(t, key)
		if rec.SelectionID != sel.SelectionID || rec.InternalStatus != product.StatusInSelection {
			t.Fatalf("record %s = %+v, want committed to %s", key, rec, sel.SelectionID)
		}
		if rec.Reservation != nil {
			t.Fatalf("record %s still has a reservation", key)
		}
	}
	if other := recs.get(t, "00103"); other.SelectionID != "" {
		t.Fatalf("foreign session's item was committed: %+v", other)
	}
	if len(mirror.confirms) != 2 {
		t.Fatalf("mirror confirms = %v, want 2", mirror.confirms)
	}
	for _, q := range prices.quantities {
		if q != 2 {
			t.Fatalf("price lookup quantity = %d, want 2", q)
		}
	}
}

func TestCreate_NoHeldItems(t *testing.T) {
	svc, _, _, _, _ := newTestService()

	if _, err := svc.Create(context.Background(), "S1", "C77", false); !errors.Is(err, ErrNoHeldItems) {
		t.Fatalf("err = %v, want ErrNoHeldItems", err)
	}

	sel, err := svc.Create(context.Background(), "S1", "C77", true)
	if err != nil {
		t.Fatalf("special create: %v", err)
	}
	if len(sel.Items) != 0 || !sel.Special {
		t.Fatalf("special selection = %+v, want empty special", sel)
	}
}

func TestCreate_SkipsLostHold(t *testing.T) {
	svc, _, recs, mirror, _ := newTestService()
	recs.records["00101"] = heldRecord("00101", "CAT-A", "S1")
	recs.records["00102"] = heldRecord("00102", "CAT-B", "S1")
	recs.failCommit["00102"] = true

	sel, err := svc.Create(context.Background(), "S1", "C77", false)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if len(sel.Items) != 1 || sel.Items[0].ItemKey != "00101" {
		t.Fatalf("items = %+v, want only 00101", sel.Items)
	}
	if sel.TotalValue != 100 {
		t.Fatalf("total = %v, want 100", sel.TotalValue)
	}
	if len(mirror.confirms) != 1 {
		t.Fatalf("mirror confirms = %v, want 1", mirror.confirms)
	}
}

func TestApproveFinalize(t *testing.T) {
	svc, sels, recs, mirror, _ := newTestService()
	recs.records["00101"] = heldRecord("00101", "CAT-A", "S1")
	sel, err := svc.Create(context.Background(), "S1", "C77", false)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := svc.Approve(context.Background(), sel.SelectionID); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if err := svc.Finalize(context.Background(), sel.SelectionID); err != nil {
		t.Fatalf("finalize: %v", err)
	}

	got, _ := sels.Get(context.Background(), sel.SelectionID)
	if got.Status != StatusFinalized {
		t.Fatalf("status = %s, want finalized", got.Status)
	}
	last := got.MovementLog[len(got.MovementLog)-1]
	if last.Type != MovementFinalized {
		t.Fatalf("last movement = %+v, want finalized", last)
	}
	rec := recs.get(t, "00101")
	if rec.InternalStatus != product.StatusSold || rec.ExternalStatus != product.ExtRetirado {
		t.Fatalf("record after finalize = %+v, want sold/RETIRADO", rec)
	}
	if len(mirror.sold) != 1 || mirror.sold[0] != "00101" {
		t.Fatalf("mirror sold = %v, want [00101]", mirror.sold)
	}

	// A finalized selection cannot be finalized or cancelled again.
	if err := svc.Finalize(context.Background(), sel.SelectionID); !errors.Is(err, ErrStatusMismatch) {
		t.Fatalf("second finalize err = %v, want ErrStatusMismatch", err)
	}
	if err := svc.Cancel(context.Background(), sel.SelectionID); !errors.Is(err, ErrStatusMismatch) {
		t.Fatalf("cancel finalized err = %v, want ErrStatusMismatch", err)
	}
}

func TestCancel_ReleasesItems(t *testing.T) {
	svc, sels, recs, mirror, _ := newTestService()
	recs.records["00101"] = heldRecord("00101", "CAT-A", "S1")
	recs.records["00102"] = heldRecord("00102", "CAT-B", "S1")
	sel, err := svc.Create(context.Background(), "S1", "C77", false)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := svc.Cancel(context.Background(), sel.SelectionID); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	got, _ := sels.Get(context.Background(), sel.SelectionID)
	if got.Status != StatusCancelled {
		t.Fatalf("status = %s, want cancelled", got.Status)
	}
	for _, key := range []string{"00101", "00102"} {
		rec := recs.get(t, key)
		if rec.SelectionID != "" || rec.InternalStatus != product.StatusAvailable {
			t.Fatalf("record %s after cancel = %+v, want available", key, rec)
		}
	}
	if len(mirror.releases) != 2 {
		t.Fatalf("mirror releases = %v, want 2", mirror.releases)
	}
}

// A pending selection with three items loses item two to an out-of-band sale:
// the selection self-heals down to two items with the total reduced, one
// auto-removed movement and the review flag raised, and cannot be finalized
// until an operator requeues it.
func TestSelfHeal_RetiredItem(t *testing.T) {
	svc, sels, recs, mirror, _ := newTestService()
	recs.records["00101"] = heldRecord("00101", "CAT-A", "S1")
	recs.records["00102"] = heldRecord("00102", "CAT-A", "S1")
	recs.records["00103"] = heldRecord("00103", "CAT-B", "S1")
	sel, err := svc.Create(context.Background(), "S1", "C77", false)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if sel.TotalValue != 280 {
		t.Fatalf("total = %v, want 280", sel.TotalValue)
	}

	if err := svc.HealRetiredItem(context.Background(), sel.SelectionID, "00102", product.ExtConfirmed); err != nil {
		t.Fatalf("heal: %v", err)
	}

	got, _ := sels.Get(context.Background(), sel.SelectionID)
	if len(got.Items) != 2 {
		t.Fatalf("items = %d, want 2", len(got.Items))
	}
	if got.HasItem("00102") {
		t.Fatal("retired item still in selection")
	}
	if got.TotalValue != 180 {
		t.Fatalf("total = %v, want 180", got.TotalValue)
	}
	if !got.HasRetiredPhotos {
		t.Fatal("review flag not raised")
	}
	removed := 0
	for _, mv := range got.MovementLog {
		if mv.Type == MovementItemAutoRemoved {
			removed++
			if mv.ItemKey != "00102" {
				t.Fatalf("auto-removed movement = %+v, want item 00102", mv)
			}
		}
	}
	if removed != 1 {
		t.Fatalf("auto-removed movements = %d, want 1", removed)
	}

	// Healing the same item again is a no-op.
	if err := svc.HealRetiredItem(context.Background(), sel.SelectionID, "00102", product.ExtConfirmed); err != nil {
		t.Fatalf("repeat heal: %v", err)
	}
	got, _ = sels.Get(context.Background(), sel.SelectionID)
	if len(got.Items) != 2 || got.TotalValue != 180 {
		t.Fatalf("selection changed by repeat heal: %+v", got)
	}

	// Finalization is blocked until the operator requeues.
	if err := svc.Finalize(context.Background(), sel.SelectionID); !errors.Is(err, ErrRequiresManualReview) {
		t.Fatalf("finalize err = %v, want ErrRequiresManualReview", err)
	}
	if err := svc.RequeueRetiredItems(context.Background(), sel.SelectionID); err != nil {
		t.Fatalf("requeue: %v", err)
	}
	if err := svc.Finalize(context.Background(), sel.SelectionID); err != nil {
		t.Fatalf("finalize after requeue: %v", err)
	}
	got, _ = sels.Get(context.Background(), sel.SelectionID)
	if got.Status != StatusFinalized {
		t.Fatalf("status = %s, want finalized", got.Status)
	}
	if len(mirror.sold) != 2 {
		t.Fatalf("mirror sold = %v, want the 2 surviving items", mirror.sold)
	}
}

func TestFinalize_HealLandingMidFlightBlocksReview(t *testing.T) {
	svc, sels, recs, mirror, _ := newTestService()
	recs.records["00101"] = heldRecord("00101", "CAT-A", "S1")
	recs.records["00102"] = heldRecord("00102", "CAT-B", "S1")
	sel, err := svc.Create(context.Background(), "S1", "C77", false)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	// The reconciler observes 00102 sold out-of-band after Finalize has
	// read the selection but before the approving transition is written.
	sels.beforeBeginFinalize = func() {
		sels.beforeBeginFinalize = nil
		if err := svc.HealRetiredItem(context.Background(), sel.SelectionID, "00102", product.ExtRetirado); err != nil {
			t.Fatalf("heal: %v", err)
		}
	}

	if err := svc.Finalize(context.Background(), sel.SelectionID); !errors.Is(err, ErrRequiresManualReview) {
		t.Fatalf("finalize err = %v, want ErrRequiresManualReview", err)
	}

	got, _ := sels.Get(context.Background(), sel.SelectionID)
	if got.Status != StatusPending {
		t.Fatalf("status = %s, want pending", got.Status)
	}
	if !got.HasRetiredPhotos {
		t.Fatal("review flag lost")
	}
	if len(mirror.sold) != 0 {
		t.Fatalf("mirror sold = %v, want none", mirror.sold)
	}
	if rec := recs.get(t, "00102"); rec.InternalStatus == product.StatusSold {
		t.Fatal("healed-away item was marked sold by the blocked finalize")
	}

	// After the operator requeues, finalize sells only the surviving item.
	if err := svc.RequeueRetiredItems(context.Background(), sel.SelectionID); err != nil {
		t.Fatalf("requeue: %v", err)
	}
	if err := svc.Finalize(context.Background(), sel.SelectionID); err != nil {
		t.Fatalf("finalize after requeue: %v", err)
	}
	if len(mirror.sold) != 1 || mirror.sold[0] != "00101" {
		t.Fatalf("mirror sold = %v, want only 00101", mirror.sold)
	}
}

func TestHealRetiredItem_SkipsImmutableStates(t *testing.T) {
	svc, sels, recs, _, _ := newTestService()
	recs.records["00101"] = heldRecord("00101", "CAT-A", "S1")
	sel, err := svc.Create(context.Background(), "S1", "C77", false)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := svc.Finalize(context.Background(), sel.SelectionID); err != nil {
		t.Fatalf("finalize: %v", err)
	}

	if err := svc.HealRetiredItem(context.Background(), sel.SelectionID, "00101", product.ExtRetirado); err != nil {
		t.Fatalf("heal on finalized: %v", err)
	}
	got, _ := sels.Get(context.Background(), sel.SelectionID)
	if len(got.Items) != 1 || got.HasRetiredPhotos {
		t.Fatalf("finalized selection mutated by heal: %+v", got)
	}

	// Unknown selections are a no-op too; the ledger can reference orders
	// this engine never created.
	if err := svc.HealRetiredItem(context.Background(), "sel-missing", "00101", product.ExtRetirado); err != nil {
		t.Fatalf("heal on missing selection: %v", err)
	}
}

func TestRevert_RollsBackFinalizedSale(t *testing.T) {
	svc, sels, recs, mirror, _ := newTestService()
	recs.records["00101"] = heldRecord("00101", "CAT-A", "S1")
	sel, err := svc.Create(context.Background(), "S1", "C77", false)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := svc.Finalize(context.Background(), sel.SelectionID); err != nil {
		t.Fatalf("finalize: %v", err)
	}

	if err := svc.Revert(context.Background(), sel.SelectionID, "shipment damaged"); err != nil {
		t.Fatalf("revert: %v", err)
	}
	got, _ := sels.Get(context.Background(), sel.SelectionID)
	if got.Status != StatusReverted {
		t.Fatalf("status = %s, want reverted", got.Status)
	}
	rec := recs.get(t, "00101")
	if rec.SelectionID != "" || rec.InternalStatus != product.StatusAvailable {
		t.Fatalf("record after revert = %+v, want available", rec)
	}
	if len(mirror.releases) != 1 {
		t.Fatalf("mirror releases = %v, want 1", mirror.releases)
	}
}

func TestGet_NotFound(t *testing.T) {
	svc, _, _, _, _ := newTestService()
	if _, err := svc.Get(context.Background(), "sel-missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}
