package validation

// AcquireHoldRequest is the payload for POST /holds.
type AcquireHoldRequest struct {
	ItemKey    string `json:"item_key" validate:"required,itemkey"`
	ClientCode string `json:"client_code" validate:"required"`
	SessionID  string `json:"session_id" validate:"required"`
}

// CreateSelectionRequest is the payload for POST /selections. Special
// selections are administrative orders and may start without held items.
type CreateSelectionRequest struct {
	SessionID  string `json:"session_id" validate:"required"`
	ClientCode string `json:"client_code" validate:"required"`
	Special    bool   `json:"special"`
}

// RevertSelectionRequest is the payload for POST /admin/selections/:id/revert.
type RevertSelectionRequest struct {
	Reason string `json:"reason" validate:"required"`
}
