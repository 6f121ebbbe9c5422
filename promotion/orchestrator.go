// Package promotion sells time-boxed promotion and banner slots.
//
// A purchase moves through Requested, CapacityChecked and IntentCreated to
// Paid, RequiresAction or Failed. Capacity is reserved before any payment
// intent or unit exists, so a rejected purchase leaves nothing behind, and a
// unit only counts against the global ceiling once it is paid.
package promotion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/GoCodeAlone/entitlements/admission"
	"github.com/GoCodeAlone/entitlements/billing"
	"github.com/GoCodeAlone/entitlements/metrics"
	"github.com/GoCodeAlone/entitlements/store"
	"github.com/GoCodeAlone/entitlements/tenant"
	"github.com/GoCodeAlone/entitlements/tracing"
)

// ErrInvalidState is returned when a unit is not in the state an operation
// requires.
var ErrInvalidState = errors.New("promotion: unit is not in the required state")

// PaymentState is the payment outcome reported to the buyer.
type PaymentState string

const (
	PaymentPaid           PaymentState = "paid"
	PaymentRequiresAction PaymentState = "requires_action"
	PaymentFailed         PaymentState = "failed"
)

// Request is a purchase attempt.
type Request struct {
	TenantID        string
	UserID          string
	Scope           store.UnitScope
	Placement       string
	DurationDays    int
	PaymentMethodID string
}

// Result is the outcome of an admitted purchase.
type Result struct {
	Status       string       `json:"status"`
	UnitID       string       `json:"unitId"`
	PaymentState PaymentState `json:"paymentState"`
	ClientSecret string       `json:"clientSecret,omitempty"`
	Reason       string       `json:"reason,omitempty"`
}

// Orchestrator runs purchases, payment callbacks, banner moderation and
// expiry.
type Orchestrator struct {
	provider  billing.Provider
	admission *admission.Controller
	units     store.UnitStore
	tenants   store.TenantDirectory
	ledger    store.EventLedger
	limiter   *tenant.PurchaseLimiter
	pricing   Pricing
	metrics   *metrics.Collector
	logger    *slog.Logger
	now       func() time.Time
}

// Config groups the Orchestrator's collaborators. Limiter and Metrics are
// optional.
type Config struct {
	Provider  billing.Provider
	Admission *admission.Controller
	Units     store.UnitStore
	Tenants   store.TenantDirectory
	Ledger    store.EventLedger
	Limiter   *tenant.PurchaseLimiter
	Pricing   Pricing
	Metrics   *metrics.Collector
	Logger    *slog.Logger
}

// New creates an Orchestrator.
func New(cfg Config) *Orchestrator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	pricing := cfg.Pricing
	if len(pricing.Scopes) == 0 {
		pricing = DefaultPricing()
	}
	return &Orchestrator{
		provider:  cfg.Provider,
		admission: cfg.Admission,
		units:     cfg.Units,
		tenants:   cfg.Tenants,
		ledger:    cfg.Ledger,
		limiter:   cfg.Limiter,
		pricing:   pricing,
		metrics:   cfg.Metrics,
		logger:    logger,
		now:       time.Now,
	}
}

// Purchase runs one purchase attempt. Capacity rejections wrap
// admission.ErrCapacityExceeded, rate limits wrap tenant.ErrRateLimited and
// processor failures are *billing.PaymentError; none of them persist a unit.
func (o *Orchestrator) Purchase(ctx context.Context, req Request) (*Result, error) {
	ctx, span := tracing.Start(ctx, "promotion", "promotion.Purchase",
		attribute.String("tenant.id", req.TenantID), attribute.String("scope", string(req.Scope)))
	res, err := o.purchase(ctx, req)
	result := purchaseResult(res, err)
	span.SetAttributes(attribute.String("result", result))
	tracing.End(span, err)
	o.metrics.RecordPurchase(string(req.Scope), result)
	return res, err
}

func (o *Orchestrator) purchase(ctx context.Context, req Request) (*Result, error) {
	log := o.logger.With("tenant_id", req.TenantID, "scope", req.Scope)

	if req.TenantID == "" {
		return nil, fmt.Errorf("%w: tenant is required", ErrInvalidRequest)
	}
	placement, amount, err := o.pricing.Quote(req.Scope, req.Placement, req.DurationDays)
	if err != nil {
		return nil, err
	}
	if err := o.limiter.Allow(req.TenantID); err != nil {
		return nil, err
	}

	customerID, err := o.ensureCustomer(ctx, req.TenantID)
	if err != nil {
		return nil, err
	}

	// CapacityChecked
	reservation, err := o.admission.TryReserve(ctx, req.Scope)
	if err != nil {
		return nil, err
	}

	// IntentCreated
	unitID := uuid.NewString()
	intent, err := o.provider.CreatePaymentIntent(ctx, billing.PaymentIntentParams{
		AmountCents:     amount,
		Currency:        o.pricing.Currency,
		CustomerID:      customerID,
		PaymentMethodID: req.PaymentMethodID,
		Description:     fmt.Sprintf("%s %s, %d days", req.Scope, placement, req.DurationDays),
		Metadata: map[string]string{
			"tenant_id":      req.TenantID,
			"unit_id":        unitID,
			"reservation_id": reservation.ID,
			"scope":          string(req.Scope),
			"duration_days":  strconv.Itoa(req.DurationDays),
		},
		IdempotencyKey: unitID,
	})
	if err != nil {
		o.release(ctx, req.Scope, reservation.ID, log)
		var perr *billing.PaymentError
		if errors.As(err, &perr) {
			return nil, err
		}
		return nil, &billing.PaymentError{Op: "create payment intent", Err: err}
	}

	unit := &store.PromotionalUnit{
		ID:              unitID,
		TenantID:        req.TenantID,
		Scope:           req.Scope,
		Placement:       placement,
		DurationDays:    req.DurationDays,
		PriceCents:      amount,
		Currency:        o.pricing.Currency,
		Status:          store.UnitPending,
		PaymentStatus:   store.PaymentPending,
		PaymentIntentID: intent.ID,
		ReservationID:   reservation.ID,
	}
	if err := o.units.Create(ctx, unit); err != nil {
		o.release(ctx, req.Scope, reservation.ID, log)
		if cerr := o.provider.CancelPaymentIntent(ctx, intent.ID); cerr != nil {
			log.Error("Failed to cancel orphaned payment intent", "intent_id", intent.ID, "error", cerr)
		}
		return nil, fmt.Errorf("promotion: persist unit: %w", err)
	}
	log = log.With("unit_id", unit.ID, "intent_id", intent.ID)

	res := &Result{Status: "admitted", UnitID: unit.ID}
	switch intent.Status {
	case billing.IntentSucceeded:
		if err := o.finalize(ctx, unit, log); err != nil {
			return nil, err
		}
		res.PaymentState = PaymentPaid
		log.Info("Purchase paid")
	case billing.IntentFailed, billing.IntentCanceled:
		// The unit stays pending and never counts.
		o.abandon(ctx, unit, intent.Status != billing.IntentCanceled, log)
		res.PaymentState = PaymentFailed
		res.Reason = intent.FailureMessage
		log.Info("Purchase payment failed", "reason", intent.FailureMessage)
	default:
		// The reservation holds the slot until the buyer confirms or it expires.
		res.PaymentState = PaymentRequiresAction
		res.ClientSecret = intent.ClientSecret
		log.Info("Purchase awaiting payment confirmation", "intent_status", intent.Status)
	}
	return res, nil
}

// ensureCustomer returns the tenant's processor customer, creating and
// linking one on first purchase.
func (o *Orchestrator) ensureCustomer(ctx context.Context, tenantID string) (string, error) {
	t, err := o.tenants.Get(ctx, tenantID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", fmt.Errorf("%w: unknown tenant %s", ErrInvalidRequest, tenantID)
		}
		return "", fmt.Errorf("promotion: load tenant: %w", err)
	}
	if t.ExternalCustomerID != "" {
		return t.ExternalCustomerID, nil
	}

	created, err := o.provider.CreateCustomer(ctx, tenantID, t.OwnerEmail)
	if err != nil {
		var perr *billing.PaymentError
		if errors.As(err, &perr) {
			return "", err
		}
		return "", &billing.PaymentError{Op: "create customer", Err: err}
	}
	// A concurrent purchase may have linked a customer first; use whichever won.
	linked, err := o.tenants.SetCustomerID(ctx, tenantID, created)
	if err != nil {
		return "", fmt.Errorf("promotion: link customer: %w", err)
	}
	return linked, nil
}

// finalize marks a pending unit paid and commits its capacity slot. A unit
// already finalized is left alone.
func (o *Orchestrator) finalize(ctx context.Context, unit *store.PromotionalUnit, log *slog.Logger) error {
	status := store.UnitActive
	var startsAt, endsAt time.Time
	if unit.Scope == store.ScopeBanner {
		// Banners run from approval.
		status = store.UnitAssigned
	} else {
		startsAt = o.now().UTC()
		endsAt = startsAt.AddDate(0, 0, unit.DurationDays)
	}

	reservationID := unit.ReservationID
	if reservationID == "" {
		// The reservation went back to the pool when an earlier attempt was
		// declined, so the payment has to be admitted again.
		r, err := o.readmit(ctx, unit, log)
		if err != nil || r == nil {
			return err
		}
		reservationID = r.ID
	}

	ok, err := o.units.MarkPaid(ctx, unit.ID, status, startsAt, endsAt)
	if err != nil {
		if unit.ReservationID == "" {
			o.release(ctx, unit.Scope, reservationID, log)
		}
		return fmt.Errorf("promotion: mark unit paid: %w", err)
	}
	if !ok {
		if unit.ReservationID == "" {
			o.release(ctx, unit.Scope, reservationID, log)
		}
		log.Info("Unit already finalized")
		return nil
	}
	unit.Status, unit.PaymentStatus, unit.StartsAt, unit.EndsAt = status, store.PaymentPaid, startsAt, endsAt

	if err := o.admission.Commit(ctx, unit.Scope, reservationID); err != nil {
		// The unit is paid either way; Resync repairs the counter.
		log.Error("Failed to commit capacity slot", "error", err)
	}
	return nil
}

// readmit reserves a fresh slot for a payment that succeeded after its unit
// gave up its reservation. When the scope is full the payment is refunded,
// the unit stays pending and readmit returns a nil reservation.
func (o *Orchestrator) readmit(ctx context.Context, unit *store.PromotionalUnit, log *slog.Logger) (*store.Reservation, error) {
	r, err := o.admission.TryReserve(ctx, unit.Scope)
	if err == nil {
		return r, nil
	}
	if !errors.Is(err, admission.ErrCapacityExceeded) {
		return nil, err
	}
	if rerr := o.provider.RefundPaymentIntent(ctx, unit.PaymentIntentID); rerr != nil {
		return nil, fmt.Errorf("promotion: refund payment over capacity: %w", rerr)
	}
	log.Warn("Payment arrived after its slot was released and the scope is full; refunded",
		"intent_id", unit.PaymentIntentID)
	return nil, nil
}

// abandon gives up the slot of a unit whose payment failed. The unit keeps
// its pending status but no longer holds a reservation, and the intent is
// canceled so the buyer cannot complete it later.
func (o *Orchestrator) abandon(ctx context.Context, unit *store.PromotionalUnit, cancelIntent bool, log *slog.Logger) {
	if unit.ReservationID != "" {
		// Clear the unit first: a unit still naming a released reservation
		// would be force-committed by a late success.
		if _, err := o.units.Unreserve(ctx, unit.ID); err != nil {
			log.Error("Failed to clear unit reservation; leaving it to expire", "error", err)
		} else {
			o.release(ctx, unit.Scope, unit.ReservationID, log)
			unit.ReservationID = ""
		}
	}
	if cancelIntent && unit.PaymentIntentID != "" {
		if err := o.provider.CancelPaymentIntent(ctx, unit.PaymentIntentID); err != nil {
			log.Warn("Failed to cancel declined payment intent", "intent_id", unit.PaymentIntentID, "error", err)
		}
	}
}

func (o *Orchestrator) release(ctx context.Context, scope store.UnitScope, reservationID string, log *slog.Logger) {
	if err := o.admission.Release(ctx, scope, reservationID); err != nil {
		// The reservation expires on its own.
		log.Warn("Failed to release reservation", "reservation_id", reservationID, "error", err)
	}
}

// HandlePaymentEvent implements billing.EventHandler for payment-completion
// callbacks. Redeliveries are absorbed by the event ledger.
func (o *Orchestrator) HandlePaymentEvent(ctx context.Context, ev *billing.Event) (billing.Outcome, error) {
	ctx, span := tracing.Start(ctx, "promotion", "promotion.HandlePaymentEvent",
		attribute.String("event.id", ev.ID), attribute.String("event.type", ev.Type))
	outcome, err := o.handlePayment(ctx, ev)
	span.SetAttributes(attribute.String("outcome", string(outcome)))
	tracing.End(span, err)
	if err != nil {
		o.metrics.RecordBillingEvent("payment", "error")
		return "", err
	}
	o.metrics.RecordBillingEvent("payment", string(outcome))
	return outcome, nil
}

// HandleEvent implements billing.EventHandler.
func (o *Orchestrator) HandleEvent(ctx context.Context, ev *billing.Event) (billing.Outcome, error) {
	return o.HandlePaymentEvent(ctx, ev)
}

func (o *Orchestrator) handlePayment(ctx context.Context, ev *billing.Event) (billing.Outcome, error) {
	log := o.logger.With("event_id", ev.ID, "type", ev.Type)

	switch ev.Type {
	case billing.EventPaymentIntentSucceeded, billing.EventPaymentIntentFailed, billing.EventPaymentIntentCanceled:
	default:
		return billing.OutcomeNotApplicable, nil
	}
	pi, err := billing.ParsePaymentIntent(ev.Object)
	if err != nil {
		log.Warn("Unreadable payment event", "error", err)
		return billing.OutcomeNotApplicable, nil
	}

	unit, err := o.unitForIntent(ctx, pi)
	if errors.Is(err, store.ErrNotFound) {
		// Not one of ours, e.g. a subscription invoice payment.
		return billing.OutcomeNotApplicable, nil
	}
	if err != nil {
		return "", err
	}
	log = log.With("unit_id", unit.ID, "tenant_id", unit.TenantID)

	fresh, err := o.ledger.RecordIfNew(ctx, &store.BillingEvent{
		ExternalEventID: ev.ID,
		Type:            ev.Type,
		Payload:         ev.Payload,
		ReceivedAt:      o.now().UTC(),
	})
	if err != nil {
		return "", fmt.Errorf("promotion: record event %s: %w", ev.ID, err)
	}
	if !fresh {
		log.Info("Duplicate payment event")
		return billing.OutcomeDuplicate, nil
	}

	if ev.Type == billing.EventPaymentIntentSucceeded {
		if err := o.finalize(ctx, unit, log); err != nil {
			if ferr := o.ledger.Forget(ctx, ev.ID); ferr != nil {
				log.Error("Failed to release ledger entry", "error", ferr)
			}
			return "", err
		}
		log.Info("Purchase paid")
		return billing.OutcomeApplied, nil
	}

	if unit.PaymentStatus == store.PaymentPending && unit.Status == store.UnitPending {
		o.abandon(ctx, unit, ev.Type == billing.EventPaymentIntentFailed, log)
	}
	log.Info("Purchase payment failed", "reason", pi.FailureMessage)
	return billing.OutcomeApplied, nil
}

func (o *Orchestrator) unitForIntent(ctx context.Context, pi *billing.PaymentIntentObject) (*store.PromotionalUnit, error) {
	if id := pi.Metadata["unit_id"]; id != "" {
		u, err := o.units.Get(ctx, id)
		if err == nil && u.PaymentIntentID == pi.ID {
			return u, nil
		}
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("promotion: load unit %s: %w", id, err)
		}
	}
	u, err := o.units.GetByPaymentIntent(ctx, pi.ID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("promotion: load unit for intent %s: %w", pi.ID, err)
	}
	return u, err
}

// Approve activates a paid banner awaiting moderation. Its slot was
// committed at payment, so approval cannot exceed the ceiling.
func (o *Orchestrator) Approve(ctx context.Context, id string) (*store.PromotionalUnit, error) {
	unit, err := o.units.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	startsAt := o.now().UTC()
	ok, err := o.units.Approve(ctx, id, startsAt, startsAt.AddDate(0, 0, unit.DurationDays))
	if err != nil {
		return nil, fmt.Errorf("promotion: approve %s: %w", id, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s is %s/%s", ErrInvalidState, id, unit.Status, unit.PaymentStatus)
	}
	o.logger.Info("Banner approved", "unit_id", id, "tenant_id", unit.TenantID)
	return o.units.Get(ctx, id)
}

// Reject turns down a banner awaiting moderation and frees its slot.
func (o *Orchestrator) Reject(ctx context.Context, id string) (*store.PromotionalUnit, error) {
	unit, err := o.units.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	ok, err := o.units.Reject(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("promotion: reject %s: %w", id, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s is %s", ErrInvalidState, id, unit.Status)
	}
	if unit.PaymentStatus == store.PaymentPaid {
		if err := o.admission.Retire(ctx, unit.Scope); err != nil {
			o.logger.Error("Failed to retire rejected banner slot", "unit_id", id, "error", err)
		}
	}
	o.logger.Info("Banner rejected", "unit_id", id, "tenant_id", unit.TenantID)
	return o.units.Get(ctx, id)
}

// ExpireDue expires units whose period has ended and frees their slots. It
// returns how many units expired.
func (o *Orchestrator) ExpireDue(ctx context.Context) (int, error) {
	expired, err := o.units.ExpireDue(ctx, o.now().UTC())
	for _, u := range expired {
		if rerr := o.admission.Retire(ctx, u.Scope); rerr != nil {
			o.logger.Error("Failed to retire expired slot", "unit_id", u.ID, "error", rerr)
		}
		o.logger.Info("Unit expired", "unit_id", u.ID, "tenant_id", u.TenantID, "scope", u.Scope)
	}
	if err != nil {
		return len(expired), fmt.Errorf("promotion: expire units: %w", err)
	}
	return len(expired), nil
}

// List returns the tenant's units, newest first.
func (o *Orchestrator) List(ctx context.Context, tenantID string) ([]*store.PromotionalUnit, error) {
	return o.units.ListByTenant(ctx, tenantID)
}

// Get returns one of the tenant's units. Units of other tenants are
// reported as not found.
func (o *Orchestrator) Get(ctx context.Context, tenantID, id string) (*store.PromotionalUnit, error) {
	u, err := o.units.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if u.TenantID != tenantID {
		return nil, store.ErrNotFound
	}
	return u, nil
}

// Capacity reports the admission counters.
func (o *Orchestrator) Capacity(ctx context.Context) ([]admission.Usage, error) {
	return o.admission.Usage(ctx)
}

func purchaseResult(res *Result, err error) string {
	switch {
	case err == nil && res != nil:
		return string(res.PaymentState)
	case errors.Is(err, admission.ErrCapacityExceeded):
		return "rejected"
	case errors.Is(err, tenant.ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, ErrInvalidRequest):
		return "invalid"
	}
	var perr *billing.PaymentError
	if errors.As(err, &perr) {
		return "upstream_error"
	}
	return "error"
}

var _ billing.EventHandler = (*Orchestrator)(nil)
