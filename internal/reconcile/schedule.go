package reconcile

import "time"

// Pass identifies one reconciliation cadence.
type Pass string

const (
	// PassNone means no pass is due at the given time.
	PassNone Pass = ""
	// PassFrequent is the business-hours incremental pass.
	PassFrequent Pass = "frequent"
	// PassNightly is the off-hours consolidation pass.
	PassNightly Pass = "nightly"
	// PassWeekly is the Sunday full-audit pass.
	PassWeekly Pass = "weekly"
)

// PassFor returns the pass due at t. The windows are mutually exclusive:
// the weekly audit owns the Sunday early-morning window, nightly
// consolidation runs in the same window every other day, and the frequent
// incremental pass covers Monday to Saturday business hours.
func PassFor(t time.Time) Pass {
	h := t.Hour()
	sunday := t.Weekday() == time.Sunday
	switch {
	case sunday && h >= 2 && h < 4:
		return PassWeekly
	case !sunday && h >= 2 && h < 4:
		return PassNightly
	case !sunday && h >= 8 && h < 20:
		return PassFrequent
	}
	return PassNone
}
