package billing

import "strings"

// SubscriptionStatus is the internal, authoritative state of a tenant subscription.
// It is a closed set; processor statuses are folded into it by MapStatus.
type SubscriptionStatus string

const (
	StatusTrialing  SubscriptionStatus = "trialing"
	StatusActive    SubscriptionStatus = "active"
	StatusPastDue   SubscriptionStatus = "past_due"
	StatusSuspended SubscriptionStatus = "suspended"
	StatusCancelled SubscriptionStatus = "cancelled"
)

// AllStatuses lists every internal status.
var AllStatuses = []SubscriptionStatus{
	StatusTrialing,
	StatusActive,
	StatusPastDue,
	StatusSuspended,
	StatusCancelled,
}

// Valid reports whether s is one of the internal statuses.
func (s SubscriptionStatus) Valid() bool {
	switch s {
	case StatusTrialing, StatusActive, StatusPastDue, StatusSuspended, StatusCancelled:
		return true
	}
	return false
}

// Lapsed reports whether the status revokes paid entitlements.
func (s SubscriptionStatus) Lapsed() bool {
	switch s {
	case StatusPastDue, StatusSuspended, StatusCancelled:
		return true
	}
	return false
}

// MapStatus maps a payment-processor subscription status onto the internal
// status set. It is total: unknown or empty values map to StatusSuspended.
func MapStatus(external string) SubscriptionStatus {
	switch strings.ToLower(strings.TrimSpace(external)) {
	case "active":
		return StatusActive
	case "trialing":
		return StatusTrialing
	case "past_due", "unpaid":
		return StatusPastDue
	case "canceled", "cancelled", "incomplete_expired":
		return StatusCancelled
	default:
		return StatusSuspended
	}
}
