package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/adaptanoide/photo-inventory/internal/product"
)

// ErrNoRowsMatched indicates a conditional UPDATE found no row in the
// expected prior status: the ledger changed out-of-band since we last read
// it. The caller queues the intent and the next reconciliation pass resolves
// the divergence.
var ErrNoRowsMatched = errors.New("ledger update matched no rows")

// ErrUnknownOp indicates an intent with an operation this adapter does not know.
var ErrUnknownOp = errors.New("unknown ledger operation")

// DB is the pgx surface the adapter needs; *pgxpool.Pool satisfies it.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Adapter is the point-to-point client to the legacy relational inventory
// system. All writes are conditional UPDATEs keyed by item_key and expected
// prior status; no inserts or deletes are ever performed.
type Adapter struct {
	db DB
}

func NewAdapter(db DB) *Adapter {
	return &Adapter{db: db}
}

// Apply performs one intent as a single conditional write. Zero rows
// affected returns ErrNoRowsMatched; connection errors are wrapped. Either
// way a failed intent belongs on the retry queue, which is the caller's job.
func (a *Adapter) Apply(ctx context.Context, in Intent) error {
	var tag pgconn.CommandTag
	var err error

	switch in.Op {
	case OpReserve:
		tag, err = a.db.Exec(ctx, `
			UPDATE stock_items
			SET status = $1, holder_label = $2, updated_at = NOW()
			WHERE item_key = $3 AND status = $4
		`, string(product.ExtPreSelected), in.HolderLabel, in.ItemKey, string(in.Expected))
	case OpRelease:
		tag, err = a.db.Exec(ctx, `
			UPDATE stock_items
			SET status = $1, holder_label = NULL, updated_at = NOW()
			WHERE item_key = $2 AND status = $3
		`, string(product.ExtIngresado), in.ItemKey, string(in.Expected))
	case OpConfirm:
		tag, err = a.db.Exec(ctx, `
			UPDATE stock_items
			SET status = $1, holder_label = $2, updated_at = NOW()
			WHERE item_key = $3 AND status = $4
		`, string(product.ExtConfirmed), in.HolderLabel, in.ItemKey, string(in.Expected))
	case OpMarkSold:
		tag, err = a.db.Exec(ctx, `
			UPDATE stock_items
			SET status = $1, updated_at = NOW()
			WHERE item_key = $2 AND status = $3
		`, string(product.ExtRetirado), in.ItemKey, string(in.Expected))
	default:
		return fmt.Errorf("%w: %q", ErrUnknownOp, in.Op)
	}

	if err != nil {
		return fmt.Errorf("ledger %s %s: %w", in.Op, in.ItemKey, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("ledger %s %s: %w", in.Op, in.ItemKey, ErrNoRowsMatched)
	}
	return nil
}

// FetchChangedSince pulls main-table rows modified after the given time.
func (a *Adapter) FetchChangedSince(ctx context.Context, since time.Time) ([]Row, error) {
	rows, err := a.db.Query(ctx, `
		SELECT item_key, status, holder_label, category_code, updated_at
		FROM stock_items
		WHERE updated_at > $1
	`, since)
	if err != nil {
		return nil, fmt.Errorf("fetch changed rows: %w", err)
	}
	return collectRows(rows, false)
}

// FetchAll pulls the full relevant slice of the main stock table.
func (a *Adapter) FetchAll(ctx context.Context) ([]Row, error) {
	rows, err := a.db.Query(ctx, `
		SELECT item_key, status, holder_label, category_code, updated_at
		FROM stock_items
	`)
	if err != nil {
		return nil, fmt.Errorf("fetch all rows: %w", err)
	}
	return collectRows(rows, false)
}

// FetchTransit pulls the inbound-shipment table.
func (a *Adapter) FetchTransit(ctx context.Context) ([]Row, error) {
	rows, err := a.db.Query(ctx, `
		SELECT item_key, status, holder_label, category_code, updated_at
		FROM transit_items
	`)
	if err != nil {
		return nil, fmt.Errorf("fetch transit rows: %w", err)
	}
	return collectRows(rows, true)
}

// FetchOne looks an item up in the main table first, then the transit table.
// Returns (nil, nil) when the ledger has no row for it.
func (a *Adapter) FetchOne(ctx context.Context, itemKey string) (*Row, error) {
	rows, err := a.db.Query(ctx, `
		SELECT item_key, status, holder_label, category_code, updated_at
		FROM stock_items
		WHERE item_key = $1
	`, itemKey)
	if err != nil {
		return nil, fmt.Errorf("fetch row %s: %w", itemKey, err)
	}
	found, err := collectRows(rows, false)
	if err != nil {
		return nil, err
	}
	if len(found) > 0 {
		return &found[0], nil
	}

	rows, err = a.db.Query(ctx, `
		SELECT item_key, status, holder_label, category_code, updated_at
		FROM transit_items
		WHERE item_key = $1
	`, itemKey)
	if err != nil {
		return nil, fmt.Errorf("fetch transit row %s: %w", itemKey, err)
	}
	found, err = collectRows(rows, true)
	if err != nil {
		return nil, err
	}
	if len(found) > 0 {
		return &found[0], nil
	}
	return nil, nil
}

func collectRows(rows pgx.Rows, transit bool) ([]Row, error) {
	defer rows.Close()
	var out []Row
	for rows.Next() {
		var r Row
		var rawStatus string
		var holder *string
		if err := rows.Scan(&r.ItemKey, &rawStatus, &holder, &r.CategoryCode, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan ledger row: %w", err)
		}
		r.Status = product.ParseExternalStatus(rawStatus)
		if holder != nil {
			r.HolderLabel = *holder
		}
		r.Transit = transit
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate ledger rows: %w", err)
	}
	return out, nil
}
