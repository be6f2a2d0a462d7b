package product

import "time"

// Expected computes the invariant-correct internal status from the last-synced
// external status plus reservation/selection context. This is the single
// source of truth for internal status; stores, the consistency guard, the
// sweeper and the reconciler all go through it.
//
// Precedence: a sale or quarantine observed in the ledger always wins (the
// physical world wins). When the external status is ambiguous or unobserved,
// internal context decides, and a committed selection beats a live hold.
func Expected(ext ExternalStatus, res *Reservation, selectionSet bool, now time.Time) InternalStatus {
	switch ext {
	case ExtRetirado:
		return StatusSold
	case ExtReserved, ExtStandby:
		return StatusUnavailable
	}

	if selectionSet {
		return StatusInSelection
	}

	switch ext {
	case ExtPreSelected:
		return StatusReserved
	case ExtConfirmed:
		// the ledger says order-committed, but no selection is known
		// internally: keep the item off the storefront until an operator
		// categorizes it.
		return StatusUnavailable
	case ExtUnknown:
		return StatusUnavailable
	}

	// in stock
	if res.Live(now) {
		return StatusReserved
	}
	return StatusAvailable
}

// ExpectedFor is Expected applied to a record's own fields.
func ExpectedFor(rec *Record, now time.Time) InternalStatus {
	return Expected(rec.ExternalStatus, rec.Reservation, rec.SelectionID != "", now)
}

// AfterRelease is the external status a release intent drives the ledger
// toward. Used to keep the mirrored status optimistic when a hold or
// commitment is released; the next reconciliation pass corrects the mirror
// if the conditional ledger write did not land.
func AfterRelease(ext ExternalStatus) ExternalStatus {
	if ext == ExtPreSelected || ext == ExtConfirmed {
		return ExtIngresado
	}
	return ext
}
