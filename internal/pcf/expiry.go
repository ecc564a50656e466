package pcf

import "time"

// ExpiryState buckets a line item by how close its best-before date is
type ExpiryState string

const (
	ExpiryUnknown ExpiryState = "unknown" // no usable best-before date
	ExpiryOK      ExpiryState = "ok"
	ExpiryAlert   ExpiryState = "alert"   // expires within the alert window
	ExpiryExpired ExpiryState = "expired" // past best-before, still retained
	ExpiryPurge   ExpiryState = "purge"   // past the delete window
)

// ExpiryWindow holds the alert and delete thresholds in days
type ExpiryWindow struct {
	AlertDays  int
	DeleteDays int
}

// DefaultExpiryWindow alerts 3 days ahead and purges 5 days after expiry
func DefaultExpiryWindow() ExpiryWindow {
	return ExpiryWindow{AlertDays: 3, DeleteDays: 5}
}

// State classifies an item relative to now
func (w ExpiryWindow) State(item ProcessedItem, now time.Time) ExpiryState {
	days, ok := item.DaysUntilExpiry(now)
	switch {
	case !ok:
		return ExpiryUnknown
	case days < -w.DeleteDays:
		return ExpiryPurge
	case days < 0:
		return ExpiryExpired
	case days <= w.AlertDays:
		return ExpiryAlert
	default:
		return ExpiryOK
	}
}

// PurgeCutoff is the latest best-before date that is already past the delete window
func (w ExpiryWindow) PurgeCutoff(now time.Time) time.Time {
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	return today.AddDate(0, 0, -w.DeleteDays-1)
}

// AlertHorizon is the last best-before date that still falls inside the alert window
func (w ExpiryWindow) AlertHorizon(now time.Time) time.Time {
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	return today.AddDate(0, 0, w.AlertDays)
}
