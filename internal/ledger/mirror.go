package ledger

import (
	"context"
	"log"
	"time"

	"github.com/adaptanoide/photo-inventory/internal/product"
)

// Applier performs one ledger intent synchronously.
type Applier interface {
	Apply(ctx context.Context, in Intent) error
}

// Mirror is the caller-facing, fire-and-forget write path to the ledger: one
// synchronous attempt, and on failure the intent is queued for retry. The
// internal claim is the authoritative short-term truth; the ledger mirror
// converges asynchronously, so callers never see a ledger error.
type Mirror struct {
	adapter Applier
	queue   Queue
}

func NewMirror(adapter Applier, queue Queue) *Mirror {
	return &Mirror{adapter: adapter, queue: queue}
}

// Reserve mirrors a cart hold into the ledger.
func (m *Mirror) Reserve(ctx context.Context, itemKey, clientCode, sessionID string) {
	m.dispatch(ctx, Intent{
		Op:          OpReserve,
		ItemKey:     itemKey,
		Expected:    product.ExtIngresado,
		HolderLabel: holderLabel(clientCode, sessionID),
	})
}

// Release mirrors a hold release or an order cancellation. The expected
// prior status distinguishes the two (PRE-SELECTED vs CONFIRMED).
func (m *Mirror) Release(ctx context.Context, itemKey string, expected product.ExternalStatus) {
	m.dispatch(ctx, Intent{
		Op:       OpRelease,
		ItemKey:  itemKey,
		Expected: expected,
	})
}

// Confirm mirrors an order commitment.
func (m *Mirror) Confirm(ctx context.Context, itemKey, clientCode string) {
	m.dispatch(ctx, Intent{
		Op:          OpConfirm,
		ItemKey:     itemKey,
		Expected:    product.ExtPreSelected,
		HolderLabel: clientCode,
	})
}

// MarkSold mirrors a finalized sale.
func (m *Mirror) MarkSold(ctx context.Context, itemKey string, expected product.ExternalStatus) {
	m.dispatch(ctx, Intent{
		Op:       OpMarkSold,
		ItemKey:  itemKey,
		Expected: expected,
	})
}

func (m *Mirror) dispatch(ctx context.Context, in Intent) {
	err := m.adapter.Apply(ctx, in)
	if err == nil {
		return
	}
	log.Printf("[ledger] %s %s failed, queueing for retry: %v", in.Op, in.ItemKey, err)
	in.EnqueuedAt = time.Now().UTC()
	if qerr := m.queue.Enqueue(ctx, in); qerr != nil {
		log.Printf("[ledger] enqueue %s %s failed: %v", in.Op, in.ItemKey, qerr)
	}
}

// holderLabel flattens the typed holder pair into the ledger's free-text
// reservation-owner field.
func holderLabel(clientCode, sessionID string) string {
	return clientCode + "/" + sessionID
}
