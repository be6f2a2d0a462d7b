package selection

import "time"

// Selection statuses
const (
	StatusPending    = "pending"
	StatusConfirmed  = "confirmed"
	StatusApproving  = "approving"
	StatusFinalized  = "finalized"
	StatusCancelled  = "cancelled"
	StatusCancelling = "cancelling"
	StatusReverted   = "reverted"
)

// Movement log entry types
const (
	MovementCreated         = "created"
	MovementItemAutoRemoved = "item_auto_removed"
	MovementFinalized       = "finalized"
	MovementCancelled       = "cancelled"
	MovementReverted        = "reverted"
	MovementRequeued        = "requeued"
)

// Item is one product committed to a selection, with its category and price
// snapshotted at creation time.
type Item struct {
	ItemKey      string  `dynamodbav:"item_key" json:"item_key"`
	CategoryCode string  `dynamodbav:"category_code" json:"category_code"`
	Price        float64 `dynamodbav:"price" json:"price"`
}

// Movement is one ordered, immutable audit entry on a selection.
type Movement struct {
	ID      string    `dynamodbav:"id" json:"id"`
	Type    string    `dynamodbav:"type" json:"type"`
	ItemKey string    `dynamodbav:"item_key,omitempty" json:"item_key,omitempty"`
	Reason  string    `dynamodbav:"reason,omitempty" json:"reason,omitempty"`
	At      time.Time `dynamodbav:"at" json:"at"`
}

// Selection is one customer order attempt. Terminal at finalized or
// cancelled; never physically deleted.
type Selection struct {
	SelectionID      string     `dynamodbav:"selection_id" json:"selection_id"` // PK
	ClientCode       string     `dynamodbav:"client_code" json:"client_code"`
	Status           string     `dynamodbav:"status" json:"status"`
	Items            []Item     `dynamodbav:"items,omitempty" json:"items"`
	TotalValue       float64    `dynamodbav:"total_value" json:"total_value"`
	MovementLog      []Movement `dynamodbav:"movement_log,omitempty" json:"movement_log"`
	HasRetiredPhotos bool       `dynamodbav:"has_retired_photos,omitempty" json:"has_retired_photos"`
	Special          bool       `dynamodbav:"special,omitempty" json:"special"` // administrative order type, may start empty
	CreatedAt        time.Time  `dynamodbav:"created_at" json:"created_at"`
	UpdatedAt        time.Time  `dynamodbav:"updated_at" json:"updated_at"`
}

// HasItem reports whether the selection still counts the given item.
func (s *Selection) HasItem(itemKey string) bool {
	for _, it := range s.Items {
		if it.ItemKey == itemKey {
			return true
		}
	}
	return false
}
