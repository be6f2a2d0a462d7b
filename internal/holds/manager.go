package holds

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/adaptanoide/photo-inventory/internal/product"
)

// ErrAlreadyHeld indicates the conditional claim lost a race: somebody else
// holds the item, or it is committed/sold. Surfaced to the caller, not retried.
var ErrAlreadyHeld = errors.New("item already held")

// ErrLimitExceeded indicates the session already holds the maximum number of items.
var ErrLimitExceeded = errors.New("session hold limit exceeded")

// ErrUnknownItem indicates there is no product record for the item key.
var ErrUnknownItem = errors.New("unknown item")

// RecordStore is the slice of the product store the manager needs.
type RecordStore interface {
	Get(ctx context.Context, itemKey string) (*product.Record, error)
	Claim(ctx context.Context, itemKey string, res product.Reservation) error
	ReleaseHold(ctx context.Context, itemKey, sessionID string, next product.InternalStatus, nextExt product.ExternalStatus, actor, reason string) (bool, error)
	CountLiveHolds(ctx context.Context, sessionID string) (int, error)
}

// LedgerMirror is the best-effort write path to the external ledger.
type LedgerMirror interface {
	Reserve(ctx context.Context, itemKey, clientCode, sessionID string)
	Release(ctx context.Context, itemKey string, expected product.ExternalStatus)
}

// Manager creates and releases short-lived exclusive holds on product
// records. The internal conditional claim is authoritative; the ledger
// mirror converges asynchronously.
type Manager struct {
	records      RecordStore
	mirror       LedgerMirror
	ttl          time.Duration
	sessionLimit int
	nowFunc      func() time.Time
}

func NewManager(records RecordStore, mirror LedgerMirror, ttl time.Duration, sessionLimit int) *Manager {
	return &Manager{
		records:      records,
		mirror:       mirror,
		ttl:          ttl,
		sessionLimit: sessionLimit,
		nowFunc:      time.Now,
	}
}

// Acquire claims an exclusive hold on the item for the session. The claim is
// one conditional write: a loser gets ErrAlreadyHeld, never a partial state.
// An item with no record at all gets ErrUnknownItem, not ErrAlreadyHeld. The
// ledger reserve is issued best-effort after the claim; its failure does not
// roll the claim back.
func (m *Manager) Acquire(ctx context.Context, itemKey, clientCode, sessionID string) (time.Time, error) {
	rec, err := m.records.Get(ctx, itemKey)
	if err != nil {
		return time.Time{}, fmt.Errorf("get %s: %w", itemKey, err)
	}
	if rec == nil {
		return time.Time{}, ErrUnknownItem
	}

	held, err := m.records.CountLiveHolds(ctx, sessionID)
	if err != nil {
		return time.Time{}, fmt.Errorf("count holds: %w", err)
	}
	if held >= m.sessionLimit {
		return time.Time{}, ErrLimitExceeded
	}

	now := m.nowFunc()
	expiresAt := now.Add(m.ttl)
	res := product.Reservation{
		ClientCode: clientCode,
		SessionID:  sessionID,
		ExpiresAt:  expiresAt.Unix(),
	}
	if err := m.records.Claim(ctx, itemKey, res); err != nil {
		if errors.Is(err, product.ErrConditionFailed) {
			return time.Time{}, ErrAlreadyHeld
		}
		return time.Time{}, fmt.Errorf("claim %s: %w", itemKey, err)
	}

	m.mirror.Reserve(ctx, itemKey, clientCode, sessionID)
	log.Printf("[holds] acquired %s for %s/%s until %s", itemKey, clientCode, sessionID, expiresAt.UTC().Format(time.RFC3339))
	return expiresAt, nil
}

// Release reverses a hold if the session owns it. Releasing a hold owned by
// another session, or one that does not exist, is a no-op success.
func (m *Manager) Release(ctx context.Context, itemKey, sessionID string) error {
	rec, err := m.records.Get(ctx, itemKey)
	if err != nil {
		return fmt.Errorf("get %s: %w", itemKey, err)
	}
	if rec == nil {
		return nil
	}

	nextExt := product.AfterRelease(rec.ExternalStatus)
	next := product.Expected(nextExt, nil, rec.SelectionID != "", m.nowFunc())
	released, err := m.records.ReleaseHold(ctx, itemKey, sessionID, next, nextExt, product.ActorClient, "hold released")
	if err != nil {
		return fmt.Errorf("release %s: %w", itemKey, err)
	}
	if !released {
		return nil
	}

	m.mirror.Release(ctx, itemKey, product.ExtPreSelected)
	log.Printf("[holds] released %s for session %s", itemKey, sessionID)
	return nil
}

// Status reports the internal status of an item. The TTL is enforced lazily
// here: an expired hold reads as not-live even before the sweeper runs.
func (m *Manager) Status(ctx context.Context, itemKey string) (product.InternalStatus, error) {
	rec, err := m.records.Get(ctx, itemKey)
	if err != nil {
		return "", fmt.Errorf("get %s: %w", itemKey, err)
	}
	if rec == nil {
		return "", ErrUnknownItem
	}
	return product.ExpectedFor(rec, m.nowFunc()), nil
}
