package product

import "time"

// InternalStatus is the status the storefront sees. It is always derived
// from the external status plus reservation/selection context via Expected;
// no writer sets it ad hoc.
type InternalStatus string

const (
	StatusAvailable   InternalStatus = "available"
	StatusReserved    InternalStatus = "reserved"
	StatusInSelection InternalStatus = "in_selection"
	StatusSold        InternalStatus = "sold"
	StatusUnavailable InternalStatus = "unavailable"
)

// ExternalStatus mirrors the status enum of the legacy ledger.
type ExternalStatus string

const (
	ExtIngresado   ExternalStatus = "INGRESADO"    // in stock, sellable
	ExtPreSelected ExternalStatus = "PRE-SELECTED" // cart hold mirrored
	ExtConfirmed   ExternalStatus = "CONFIRMED"    // order committed
	ExtRetirado    ExternalStatus = "RETIRADO"     // sold / withdrawn
	ExtReserved    ExternalStatus = "RESERVED"     // held for review
	ExtStandby     ExternalStatus = "STANDBY"      // quarantine
	ExtUnknown     ExternalStatus = "UNKNOWN"      // never observed / unrecognized
)

// ParseExternalStatus maps a raw ledger status string onto the enum.
// Anything unrecognized becomes ExtUnknown so it can be flagged for review.
func ParseExternalStatus(raw string) ExternalStatus {
	switch ExternalStatus(raw) {
	case ExtIngresado, ExtPreSelected, ExtConfirmed, ExtRetirado, ExtReserved, ExtStandby:
		return ExternalStatus(raw)
	default:
		return ExtUnknown
	}
}

// Reservation is a live cart hold on an item. ExpiresAt is epoch seconds so
// the store can compare it inside DynamoDB condition expressions.
type Reservation struct {
	ClientCode string `dynamodbav:"client_code" json:"client_code"`
	SessionID  string `dynamodbav:"session_id" json:"session_id"`
	ExpiresAt  int64  `dynamodbav:"expires_at" json:"expires_at"`
}

// Live reports whether the hold is still in force. An ExpiresAt in the past
// means the hold is logically dead even if not yet swept.
func (r *Reservation) Live(now time.Time) bool {
	return r != nil && r.ExpiresAt > now.Unix()
}

// HistoryEntry is one append-only audit record of an internal status transition.
type HistoryEntry struct {
	From   InternalStatus `dynamodbav:"from" json:"from"`
	To     InternalStatus `dynamodbav:"to" json:"to"`
	Actor  string         `dynamodbav:"actor" json:"actor"`
	Reason string         `dynamodbav:"reason,omitempty" json:"reason,omitempty"`
	At     time.Time      `dynamodbav:"at" json:"at"`
}

const (
	ActorAutoCorrected = "auto-corrected"
	ActorClient        = "client"
	ActorLedger        = "ledger"
	ActorSweeper       = "sweeper"
	ActorSelection     = "selection"
)

// Record is the document persisted per physical item in the products table.
type Record struct {
	ItemKey          string         `dynamodbav:"item_key"` // PK, e.g. 5-digit tag number
	InternalStatus   InternalStatus `dynamodbav:"internal_status"`
	ExternalStatus   ExternalStatus `dynamodbav:"external_status"`
	Reservation      *Reservation   `dynamodbav:"reservation,omitempty"`
	SelectionID      string         `dynamodbav:"selection_id,omitempty"`
	TransitFlag      bool           `dynamodbav:"transit_flag,omitempty"` // still in the inbound-shipment ledger table
	CategoryCode     string         `dynamodbav:"category_code,omitempty"`
	LastLedgerSyncAt time.Time      `dynamodbav:"last_ledger_sync_at"`
	StatusHistory    []HistoryEntry `dynamodbav:"status_history,omitempty"`
	CreatedAt        time.Time      `dynamodbav:"created_at"`
	UpdatedAt        time.Time      `dynamodbav:"updated_at"`
}
