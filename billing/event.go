package billing

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	stripe "github.com/stripe/stripe-go/v82"
)

// Processor event types the engine understands.
const (
	EventSubscriptionCreated      = "customer.subscription.created"
	EventSubscriptionUpdated      = "customer.subscription.updated"
	EventSubscriptionDeleted      = "customer.subscription.deleted"
	EventSubscriptionPaused       = "customer.subscription.paused"
	EventSubscriptionResumed      = "customer.subscription.resumed"
	EventSubscriptionTrialWillEnd = "customer.subscription.trial_will_end"
	EventCheckoutSessionCompleted = "checkout.session.completed"
	EventInvoicePaid              = "invoice.paid"
	EventInvoicePaymentSucceeded  = "invoice.payment_succeeded"
	EventInvoicePaymentFailed     = "invoice.payment_failed"
	EventPaymentIntentSucceeded   = "payment_intent.succeeded"
	EventPaymentIntentFailed      = "payment_intent.payment_failed"
	EventPaymentIntentCanceled    = "payment_intent.canceled"
)

// Event is a verified payment-processor event.
type Event struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Created time.Time       `json:"created"`
	Object  json.RawMessage `json:"object"`
	// Payload is the raw body as received, kept for the event ledger.
	Payload []byte `json:"-"`
}

// IsPaymentEvent reports whether the event belongs to the payment-completion
// callback rather than the subscription lifecycle.
func (e *Event) IsPaymentEvent() bool {
	return strings.HasPrefix(e.Type, "payment_intent.")
}

// ParseEvent decodes an event envelope without verifying its signature.
func ParseEvent(payload []byte) (*Event, error) {
	var se stripe.Event
	if err := json.Unmarshal(payload, &se); err != nil {
		return nil, fmt.Errorf("billing: decode event: %w", err)
	}
	if se.ID == "" || se.Type == "" {
		return nil, fmt.Errorf("billing: event is missing id or type")
	}
	return fromStripeEvent(&se, payload), nil
}

func fromStripeEvent(se *stripe.Event, payload []byte) *Event {
	ev := &Event{
		ID:      se.ID,
		Type:    string(se.Type),
		Created: unixTime(se.Created),
		Payload: payload,
	}
	if se.Data != nil {
		ev.Object = se.Data.Raw
	}
	return ev
}

// SubscriptionObject is the subset of a processor subscription the engine reads.
type SubscriptionObject struct {
	ID                 string
	CustomerID         string
	Status             string
	TenantID           string
	MembershipRef      string
	CurrentPeriodStart time.Time
	CurrentPeriodEnd   time.Time
	CancelAtPeriodEnd  bool
}

// legacyFields holds the top-level fields that API versions before
// 2025-03-31 send and the current SDK types no longer carry.
type legacyFields struct {
	CurrentPeriodStart int64  `json:"current_period_start"`
	CurrentPeriodEnd   int64  `json:"current_period_end"`
	Subscription       string `json:"subscription"`
}

// ParseSubscription decodes a processor subscription object. Period bounds
// come from its first item and, for payloads of older API versions, from the
// subscription itself.
func ParseSubscription(raw []byte) (*SubscriptionObject, error) {
	var sub stripe.Subscription
	if err := json.Unmarshal(raw, &sub); err != nil {
		return nil, fmt.Errorf("billing: decode subscription: %w", err)
	}
	if sub.ID == "" {
		return nil, fmt.Errorf("billing: subscription object has no id")
	}
	var legacy legacyFields
	_ = json.Unmarshal(raw, &legacy)
	return subscriptionObject(&sub, legacy), nil
}

func subscriptionObject(sub *stripe.Subscription, legacy legacyFields) *SubscriptionObject {
	obj := &SubscriptionObject{
		ID:                sub.ID,
		Status:            string(sub.Status),
		TenantID:          sub.Metadata["tenant_id"],
		MembershipRef:     sub.Metadata["membership_ref"],
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
	}
	if sub.Customer != nil {
		obj.CustomerID = sub.Customer.ID
	}

	start, end := legacy.CurrentPeriodStart, legacy.CurrentPeriodEnd
	if sub.Items != nil && len(sub.Items.Data) > 0 && sub.Items.Data[0] != nil {
		item := sub.Items.Data[0]
		if start == 0 {
			start = item.CurrentPeriodStart
		}
		if end == 0 {
			end = item.CurrentPeriodEnd
		}
		if obj.MembershipRef == "" && item.Price != nil {
			obj.MembershipRef = item.Price.ID
		}
	}
	obj.CurrentPeriodStart = unixTime(start)
	obj.CurrentPeriodEnd = unixTime(end)
	return obj
}

// invoiceRefs extracts the subscription, customer and tenant an invoice
// refers to.
func invoiceRefs(raw []byte) (subID, customerID, tenantID string, err error) {
	var inv stripe.Invoice
	if err := json.Unmarshal(raw, &inv); err != nil {
		return "", "", "", fmt.Errorf("billing: decode invoice: %w", err)
	}
	if inv.Customer != nil {
		customerID = inv.Customer.ID
	}
	if inv.Parent != nil && inv.Parent.SubscriptionDetails != nil {
		details := inv.Parent.SubscriptionDetails
		tenantID = details.Metadata["tenant_id"]
		if details.Subscription != nil {
			subID = details.Subscription.ID
		}
	}
	if subID == "" {
		var legacy legacyFields
		_ = json.Unmarshal(raw, &legacy)
		subID = legacy.Subscription
	}
	return subID, customerID, tenantID, nil
}

// PaymentIntentObject is the subset of a processor payment intent carried by
// payment-completion callbacks.
type PaymentIntentObject struct {
	ID             string
	Status         string
	Metadata       map[string]string
	FailureMessage string
}

// ParsePaymentIntent decodes a processor payment intent object.
func ParsePaymentIntent(raw []byte) (*PaymentIntentObject, error) {
	var pi stripe.PaymentIntent
	if err := json.Unmarshal(raw, &pi); err != nil {
		return nil, fmt.Errorf("billing: decode payment intent: %w", err)
	}
	if pi.ID == "" {
		return nil, fmt.Errorf("billing: payment intent object has no id")
	}
	obj := &PaymentIntentObject{
		ID:       pi.ID,
		Status:   string(pi.Status),
		Metadata: pi.Metadata,
	}
	if pi.LastPaymentError != nil {
		obj.FailureMessage = pi.LastPaymentError.Msg
	}
	return obj, nil
}

func unixTime(sec int64) time.Time {
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}
