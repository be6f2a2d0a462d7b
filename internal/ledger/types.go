package ledger

import (
	"time"

	"github.com/adaptanoide/photo-inventory/internal/product"
)

// Op is a write intent against the external ledger.
type Op string

const (
	OpReserve  Op = "reserve"
	OpRelease  Op = "release"
	OpConfirm  Op = "confirm"
	OpMarkSold Op = "mark_sold"
)

// Intent is one idempotent write against the ledger. Expected carries the
// prior status the UPDATE is conditional on; a row that moved out-of-band
// does not match and the write affects zero rows instead of clobbering it.
//
// HolderLabel is the ledger's free-text reservation-owner field. It is a
// serialization detail of this adapter, not part of the domain model: the
// internal side keeps the typed {clientCode, sessionId} pair.
type Intent struct {
	Op          Op                     `json:"op"`
	ItemKey     string                 `json:"item_key"`
	Expected    product.ExternalStatus `json:"expected_status"`
	HolderLabel string                 `json:"holder_label,omitempty"`
	EnqueuedAt  time.Time              `json:"enqueued_at,omitempty"`
}

// Row is the slice of a ledger row this engine reads.
type Row struct {
	ItemKey      string
	Status       product.ExternalStatus
	HolderLabel  string
	CategoryCode string
	UpdatedAt    time.Time
	Transit      bool // row lives in the inbound-shipment table, not main stock
}
