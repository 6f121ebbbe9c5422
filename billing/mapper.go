package billing

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	stripe "github.com/stripe/stripe-go/v82"
)

// ErrNotApplicable is returned by MapEvent for events that do not affect the
// subscription lifecycle (one-off payments, unrelated event types).
var ErrNotApplicable = errors.New("billing: event not applicable to subscription lifecycle")

// Mapping is the State Mapper's output: the internal view of one lifecycle event.
type Mapping struct {
	TenantID               string
	ExternalSubscriptionID string
	ExternalCustomerID     string
	MembershipRef          string
	Status                 SubscriptionStatus
	CurrentPeriodStart     time.Time
	CurrentPeriodEnd       time.Time
	CancelAtPeriodEnd      bool
	EventTime              time.Time

	// NeedsLookup is set when the event only references the subscription
	// (invoices, checkout sessions); the caller must fetch the authoritative
	// object and call Fill before using Status or the period bounds.
	NeedsLookup bool
}

// MapEvent maps a processor event to a Mapping. It performs no I/O.
func MapEvent(ev *Event) (*Mapping, error) {
	if ev == nil {
		return nil, ErrNotApplicable
	}

	switch ev.Type {
	case EventSubscriptionCreated, EventSubscriptionUpdated, EventSubscriptionDeleted,
		EventSubscriptionPaused, EventSubscriptionResumed, EventSubscriptionTrialWillEnd:
		obj, err := ParseSubscription(ev.Object)
		if err != nil {
			return nil, err
		}
		m := &Mapping{EventTime: ev.Created}
		m.Fill(obj)
		if ev.Type == EventSubscriptionDeleted {
			m.Status = StatusCancelled
		}
		return m, nil

	case EventInvoicePaid, EventInvoicePaymentSucceeded, EventInvoicePaymentFailed:
		subID, customerID, tenantID, err := invoiceRefs(ev.Object)
		if err != nil {
			return nil, err
		}
		if subID == "" {
			// One-off invoice.
			return nil, ErrNotApplicable
		}
		return &Mapping{
			TenantID:               tenantID,
			ExternalSubscriptionID: subID,
			ExternalCustomerID:     customerID,
			EventTime:              ev.Created,
			NeedsLookup:            true,
		}, nil

	case EventCheckoutSessionCompleted:
		var sess stripe.CheckoutSession
		if err := json.Unmarshal(ev.Object, &sess); err != nil {
			return nil, fmt.Errorf("billing: decode checkout session: %w", err)
		}
		if sess.Mode != stripe.CheckoutSessionModeSubscription || sess.Subscription == nil || sess.Subscription.ID == "" {
			return nil, ErrNotApplicable
		}
		tenantID := sess.Metadata["tenant_id"]
		if tenantID == "" {
			tenantID = sess.ClientReferenceID
		}
		m := &Mapping{
			TenantID:               tenantID,
			ExternalSubscriptionID: sess.Subscription.ID,
			EventTime:              ev.Created,
			NeedsLookup:            true,
		}
		if sess.Customer != nil {
			m.ExternalCustomerID = sess.Customer.ID
		}
		return m, nil
	}

	return nil, ErrNotApplicable
}

// Fill copies the authoritative subscription object into the mapping. Hints
// already present (tenant, customer) are kept when the object lacks them.
func (m *Mapping) Fill(obj *SubscriptionObject) {
	m.ExternalSubscriptionID = obj.ID
	if obj.CustomerID != "" {
		m.ExternalCustomerID = obj.CustomerID
	}
	if obj.TenantID != "" {
		m.TenantID = obj.TenantID
	}
	m.MembershipRef = obj.MembershipRef
	m.Status = MapStatus(obj.Status)
	m.CurrentPeriodStart = obj.CurrentPeriodStart
	m.CurrentPeriodEnd = obj.CurrentPeriodEnd
	m.CancelAtPeriodEnd = obj.CancelAtPeriodEnd
	m.NeedsLookup = false
}
