package store

import (
	"context"
	"time"
)

// EventLedger records which processor events have been applied.
type EventLedger interface {
	// RecordIfNew durably records the event and returns true on the first call
	// for its ID. Every later or concurrent call for the same ID returns false.
	RecordIfNew(ctx context.Context, ev *BillingEvent) (bool, error)
	// Forget removes a recorded event so that a redelivery is applied again.
	// Used only when applying the event failed after it was recorded.
	Forget(ctx context.Context, externalEventID string) error
	// Get returns a recorded event or ErrNotFound.
	Get(ctx context.Context, externalEventID string) (*BillingEvent, error)
}

// SubscriptionStore is the authoritative record of tenant subscriptions.
type SubscriptionStore interface {
	// Upsert writes sub and returns the row it replaced (nil when new). An
	// event older than the stored period yields ErrStaleEvent.
	Upsert(ctx context.Context, sub *Subscription) (*Subscription, error)
	GetByTenant(ctx context.Context, tenantID string) (*Subscription, error)
	GetByExternalCustomerID(ctx context.Context, customerID string) (*Subscription, error)
	GetByExternalSubscriptionID(ctx context.Context, subscriptionID string) (*Subscription, error)
}

// TenantDirectory provides tenant lookups and the processor customer link.
type TenantDirectory interface {
	Create(ctx context.Context, t *Tenant) error
	Get(ctx context.Context, id string) (*Tenant, error)
	GetByCustomerID(ctx context.Context, customerID string) (*Tenant, error)
	// SetCustomerID links a processor customer to the tenant unless one is
	// already linked, and returns the linked customer ID.
	SetCustomerID(ctx context.Context, tenantID, customerID string) (string, error)
}

// EmailAccountStore persists corporate email accounts.
type EmailAccountStore interface {
	Create(ctx context.Context, a *EmailAccount) error
	Get(ctx context.Context, id string) (*EmailAccount, error)
	ListByTenant(ctx context.Context, tenantID string, status AccountStatus) ([]*EmailAccount, error)
	// SetStatus moves one account from one status to another. It returns
	// false when the account was not in the from status.
	SetStatus(ctx context.Context, id string, from, to AccountStatus) (bool, error)
}

// FeatureStore persists paid-feature visibility per tenant.
type FeatureStore interface {
	SetVisible(ctx context.Context, tenantID string, visible bool) error
	// Visible reports the tenant's paid-feature visibility; false when unset.
	Visible(ctx context.Context, tenantID string) (bool, error)
}

// CascadeRetryStore tracks cascades that must be retried.
type CascadeRetryStore interface {
	Record(ctx context.Context, r *CascadeRetry) error
	Get(ctx context.Context, tenantID string) (*CascadeRetry, error)
	Clear(ctx context.Context, tenantID string) error
	List(ctx context.Context) ([]*CascadeRetry, error)
}

// UnitStore persists promotional units.
type UnitStore interface {
	Create(ctx context.Context, u *PromotionalUnit) error
	Get(ctx context.Context, id string) (*PromotionalUnit, error)
	GetByPaymentIntent(ctx context.Context, intentID string) (*PromotionalUnit, error)
	ListByTenant(ctx context.Context, tenantID string) ([]*PromotionalUnit, error)
	// MarkPaid moves a pending unit to paid with the given status and period.
	// It returns false when the unit was already finalized.
	MarkPaid(ctx context.Context, id string, status UnitStatus, startsAt, endsAt time.Time) (bool, error)
	// Unreserve clears the reservation of a pending unit whose payment failed.
	// It returns false when the unit is no longer pending or holds none.
	Unreserve(ctx context.Context, id string) (bool, error)
	// Approve activates an assigned banner for the given period.
	Approve(ctx context.Context, id string, startsAt, endsAt time.Time) (bool, error)
	// Reject moves an assigned banner to rejected.
	Reject(ctx context.Context, id string) (bool, error)
	// ExpireDue expires every paid unit whose period ended at or before now
	// and returns the expired units.
	ExpireDue(ctx context.Context, now time.Time) ([]*PromotionalUnit, error)
	// CountCommitted counts units holding a committed capacity slot.
	CountCommitted(ctx context.Context, scope UnitScope) (int, error)
	// CountActive counts units matching the global capacity predicate.
	CountActive(ctx context.Context, scope UnitScope) (int, error)
}

// CapacityCounter is a maintained per-scope counter of committed slots plus
// time-boxed reservations. Reserve is an atomic check-and-reserve.
type CapacityCounter interface {
	// Reserve adds r when committed + live reservations < ceiling and reports
	// whether it did.
	Reserve(ctx context.Context, r Reservation, ceiling int, now time.Time) (bool, error)
	// Commit converts a live reservation into a committed slot. It returns
	// ErrNotFound when the reservation expired or was released.
	Commit(ctx context.Context, scope UnitScope, reservationID string, now time.Time) error
	// ForceCommit counts one committed slot regardless of the ceiling.
	ForceCommit(ctx context.Context, scope UnitScope) error
	// Release drops a reservation. Releasing an unknown reservation is a no-op.
	Release(ctx context.Context, scope UnitScope, reservationID string) error
	// Retire frees one committed slot.
	Retire(ctx context.Context, scope UnitScope) error
	Usage(ctx context.Context, scope UnitScope, now time.Time) (CapacityUsage, error)
	// SetCommitted overwrites the committed count.
	SetCommitted(ctx context.Context, scope UnitScope, committed int) error
}
