package store

import (
	"time"

	"github.com/GoCodeAlone/entitlements/billing"
)

// BillingEvent is an applied processor event. Immutable once recorded.
type BillingEvent struct {
	ExternalEventID string    `json:"external_event_id"`
	Type            string    `json:"type"`
	Payload         []byte    `json:"payload,omitempty"`
	ReceivedAt      time.Time `json:"received_at"`
}

// Tenant is an isolated customer account. Tenants are never deleted.
type Tenant struct {
	ID                 string    `json:"id"`
	Name               string    `json:"name"`
	OwnerUserID        string    `json:"owner_user_id"`
	OwnerEmail         string    `json:"owner_email"`
	ExternalCustomerID string    `json:"external_customer_id,omitempty"`
	CreatedAt          time.Time `json:"created_at"`
}

// Subscription is the authoritative subscription record of a tenant.
type Subscription struct {
	TenantID               string                     `json:"tenant_id"`
	MembershipRef          string                     `json:"membership_ref"`
	ExternalSubscriptionID string                     `json:"external_subscription_id"`
	ExternalCustomerID     string                     `json:"external_customer_id"`
	Status                 billing.SubscriptionStatus `json:"status"`
	CurrentPeriodStart     time.Time                  `json:"current_period_start"`
	CurrentPeriodEnd       time.Time                  `json:"current_period_end"`
	CancelAtPeriodEnd      bool                       `json:"cancel_at_period_end"`
	// LastEventAt is the creation time of the event that last wrote the row.
	LastEventAt time.Time `json:"last_event_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// AccountStatus is the status of a corporate email account.
type AccountStatus string

const (
	AccountActive    AccountStatus = "active"
	AccountSuspended AccountStatus = "suspended"
)

// EmailAccount is a corporate email account owned by a tenant.
type EmailAccount struct {
	ID        string        `json:"id"`
	TenantID  string        `json:"tenant_id"`
	Address   string        `json:"address"`
	Status    AccountStatus `json:"status"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// UnitScope distinguishes the two kinds of promotional unit.
type UnitScope string

const (
	ScopePromotion UnitScope = "promotion"
	ScopeBanner    UnitScope = "banner"
)

// Valid reports whether s is a known scope.
func (s UnitScope) Valid() bool {
	return s == ScopePromotion || s == ScopeBanner
}

// UnitStatus is the lifecycle status of a promotional unit.
type UnitStatus string

const (
	UnitPending  UnitStatus = "pending"
	UnitAssigned UnitStatus = "assigned"
	UnitActive   UnitStatus = "active"
	UnitExpired  UnitStatus = "expired"
	UnitRejected UnitStatus = "rejected"
)

// PaymentStatus is the payment status of a promotional unit.
type PaymentStatus string

const (
	PaymentPending PaymentStatus = "pending"
	PaymentPaid    PaymentStatus = "paid"
)

// PromotionalUnit is a paid, time-boxed promotion or banner slot.
type PromotionalUnit struct {
	ID              string        `json:"id"`
	TenantID        string        `json:"tenant_id"`
	Scope           UnitScope     `json:"scope"`
	Placement       string        `json:"placement,omitempty"`
	DurationDays    int           `json:"duration_days"`
	PriceCents      int64         `json:"price_cents"`
	Currency        string        `json:"currency"`
	Status          UnitStatus    `json:"status"`
	PaymentStatus   PaymentStatus `json:"payment_status"`
	Approved        bool          `json:"approved"`
	PaymentIntentID string        `json:"payment_intent_id,omitempty"`
	ReservationID   string        `json:"reservation_id,omitempty"`
	StartsAt        time.Time     `json:"starts_at,omitzero"`
	EndsAt          time.Time     `json:"ends_at,omitzero"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
}

// Counted reports whether the unit matches the global capacity predicate:
// active and approved for banners, active and paid for promotions.
func (u *PromotionalUnit) Counted() bool {
	if u.Status != UnitActive {
		return false
	}
	if u.Scope == ScopeBanner {
		return u.Approved
	}
	return u.PaymentStatus == PaymentPaid
}

// Reservation is a time-boxed claim on one capacity slot.
type Reservation struct {
	ID        string    `json:"id"`
	Scope     UnitScope `json:"scope"`
	ExpiresAt time.Time `json:"expires_at"`
}

// CapacityUsage is a point-in-time view of one scope's counter.
type CapacityUsage struct {
	Scope     UnitScope `json:"scope"`
	Committed int       `json:"committed"`
	Reserved  int       `json:"reserved"`
}

// InUse is committed slots plus live reservations.
func (u CapacityUsage) InUse() int { return u.Committed + u.Reserved }

// CascadeRetry marks a tenant whose last cascade did not complete.
type CascadeRetry struct {
	TenantID   string                     `json:"tenant_id"`
	FromStatus billing.SubscriptionStatus `json:"from_status"`
	ToStatus   billing.SubscriptionStatus `json:"to_status"`
	LastError  string                     `json:"last_error"`
	Attempts   int                        `json:"attempts"`
	UpdatedAt  time.Time                  `json:"updated_at"`
}
