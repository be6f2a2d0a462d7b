package ledger

import (
	"context"
	"errors"
	"fmt"
)

// ErrNoPrice indicates no price tier covers the category at the requested
// quantity.
var ErrNoPrice = errors.New("no price tier for category")

// PriceTable resolves per-item prices from the legacy category_prices table.
// Tiers are keyed by minimum order quantity; the highest tier at or below
// the requested quantity wins.
type PriceTable struct {
	db DB
}

func NewPriceTable(db DB) *PriceTable {
	return &PriceTable{db: db}
}

func (p *PriceTable) Price(ctx context.Context, categoryCode string, quantity int) (float64, error) {
	rows, err := p.db.Query(ctx,
		`SELECT price FROM category_prices
		 WHERE category_code = $1 AND min_quantity <= $2
		 ORDER BY min_quantity DESC LIMIT 1`,
		categoryCode, quantity)
	if err != nil {
		return 0, fmt.Errorf("query price: %w", err)
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return 0, fmt.Errorf("read price: %w", err)
		}
		return 0, fmt.Errorf("%w: %s at quantity %d", ErrNoPrice, categoryCode, quantity)
	}
	var price float64
	if err := rows.Scan(&price); err != nil {
		return 0, fmt.Errorf("scan price: %w", err)
	}
	return price, nil
}

// AccessTable answers whether a client is cleared to place holds, backed by
// the legacy clients table.
type AccessTable struct {
	db DB
}

func NewAccessTable(db DB) *AccessTable {
	return &AccessTable{db: db}
}

func (a *AccessTable) Validate(ctx context.Context, clientCode string) (bool, error) {
	rows, err := a.db.Query(ctx,
		`SELECT active FROM clients WHERE client_code = $1`, clientCode)
	if err != nil {
		return false, fmt.Errorf("query client: %w", err)
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return false, fmt.Errorf("read client: %w", err)
		}
		return false, nil
	}
	var active bool
	if err := rows.Scan(&active); err != nil {
		return false, fmt.Errorf("scan client: %w", err)
	}
	return active, nil
}

// FileTable answers whether the photo asset behind an item key exists,
// backed by the legacy photo_files table.
type FileTable struct {
	db DB
}

func NewFileTable(db DB) *FileTable {
	return &FileTable{db: db}
}

func (f *FileTable) Exists(ctx context.Context, itemKey string) (bool, error) {
	rows, err := f.db.Query(ctx,
		`SELECT 1 FROM photo_files WHERE item_key = $1`, itemKey)
	if err != nil {
		return false, fmt.Errorf("query photo file: %w", err)
	}
	defer rows.Close()
	exists := rows.Next()
	if err := rows.Err(); err != nil {
		return false, fmt.Errorf("read photo file: %w", err)
	}
	return exists, nil
}
