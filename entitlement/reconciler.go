package entitlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/GoCodeAlone/entitlements/billing"
	"github.com/GoCodeAlone/entitlements/metrics"
	"github.com/GoCodeAlone/entitlements/store"
	"github.com/GoCodeAlone/entitlements/tracing"
)

// Reconciler applies subscription lifecycle events: each event is mapped,
// recorded in the ledger exactly once, written to the subscription store and
// cascaded when the status changed.
type Reconciler struct {
	provider   billing.Provider
	ledger     store.EventLedger
	subs       store.SubscriptionStore
	tenants    store.TenantDirectory
	retries    store.CascadeRetryStore
	dispatcher *Dispatcher
	metrics    *metrics.Collector
	logger     *slog.Logger
	now        func() time.Time
}

// ReconcilerConfig groups the Reconciler's collaborators.
type ReconcilerConfig struct {
	Provider   billing.Provider
	Ledger     store.EventLedger
	Subs       store.SubscriptionStore
	Tenants    store.TenantDirectory
	Retries    store.CascadeRetryStore
	Dispatcher *Dispatcher
	Metrics    *metrics.Collector
	Logger     *slog.Logger
}

// NewReconciler creates a Reconciler.
func NewReconciler(cfg ReconcilerConfig) *Reconciler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		provider:   cfg.Provider,
		ledger:     cfg.Ledger,
		subs:       cfg.Subs,
		tenants:    cfg.Tenants,
		retries:    cfg.Retries,
		dispatcher: cfg.Dispatcher,
		metrics:    cfg.Metrics,
		logger:     logger,
		now:        time.Now,
	}
}

// HandleEvent implements billing.EventHandler. Duplicate, stale and
// inapplicable events are successful outcomes; an error means the event was
// not applied and its redelivery will be.
func (r *Reconciler) HandleEvent(ctx context.Context, ev *billing.Event) (billing.Outcome, error) {
	ctx, span := tracing.Start(ctx, "entitlement", "entitlement.HandleEvent",
		attribute.String("event.id", ev.ID), attribute.String("event.type", ev.Type))
	outcome, err := r.handle(ctx, ev)
	span.SetAttributes(attribute.String("outcome", string(outcome)))
	tracing.End(span, err)
	if err != nil {
		r.metrics.RecordBillingEvent("lifecycle", "error")
		return "", err
	}
	r.metrics.RecordBillingEvent("lifecycle", string(outcome))
	return outcome, nil
}

func (r *Reconciler) handle(ctx context.Context, ev *billing.Event) (billing.Outcome, error) {
	log := r.logger.With("event_id", ev.ID, "type", ev.Type)

	m, err := billing.MapEvent(ev)
	if errors.Is(err, billing.ErrNotApplicable) {
		log.Debug("Ignoring event")
		return billing.OutcomeNotApplicable, nil
	}
	if err != nil {
		// A malformed object will not improve on redelivery.
		log.Warn("Unreadable lifecycle event", "error", err)
		return billing.OutcomeNotApplicable, nil
	}

	fresh, err := r.ledger.RecordIfNew(ctx, &store.BillingEvent{
		ExternalEventID: ev.ID,
		Type:            ev.Type,
		Payload:         ev.Payload,
		ReceivedAt:      r.now().UTC(),
	})
	if err != nil {
		return "", fmt.Errorf("entitlement: record event %s: %w", ev.ID, err)
	}
	if !fresh {
		log.Info("Duplicate event")
		return billing.OutcomeDuplicate, nil
	}

	outcome, err := r.apply(ctx, m, log)
	if err != nil {
		if ferr := r.ledger.Forget(ctx, ev.ID); ferr != nil {
			log.Error("Failed to release ledger entry", "error", ferr)
		}
		return "", err
	}
	return outcome, nil
}

func (r *Reconciler) apply(ctx context.Context, m *billing.Mapping, log *slog.Logger) (billing.Outcome, error) {
	if m.NeedsLookup {
		obj, err := r.provider.GetSubscription(ctx, m.ExternalSubscriptionID)
		if err != nil {
			return "", fmt.Errorf("entitlement: fetch subscription %s: %w", m.ExternalSubscriptionID, err)
		}
		m.Fill(obj)
	}

	if m.TenantID == "" && m.ExternalCustomerID != "" && r.tenants != nil {
		t, err := r.tenants.GetByCustomerID(ctx, m.ExternalCustomerID)
		switch {
		case err == nil:
			m.TenantID = t.ID
		case !errors.Is(err, store.ErrNotFound):
			return "", fmt.Errorf("entitlement: resolve customer %s: %w", m.ExternalCustomerID, err)
		}
	}

	sub := &store.Subscription{
		TenantID:               m.TenantID,
		MembershipRef:          m.MembershipRef,
		ExternalSubscriptionID: m.ExternalSubscriptionID,
		ExternalCustomerID:     m.ExternalCustomerID,
		Status:                 m.Status,
		CurrentPeriodStart:     m.CurrentPeriodStart,
		CurrentPeriodEnd:       m.CurrentPeriodEnd,
		CancelAtPeriodEnd:      m.CancelAtPeriodEnd,
		LastEventAt:            m.EventTime,
	}
	prev, err := r.subs.Upsert(ctx, sub)
	switch {
	case errors.Is(err, store.ErrStaleEvent):
		attrs := []any{"event_period_end", m.CurrentPeriodEnd}
		if prev != nil {
			attrs = append(attrs, "tenant_id", prev.TenantID, "stored_period_end", prev.CurrentPeriodEnd)
		}
		log.Warn("Dropped stale event", attrs...)
		return billing.OutcomeStale, nil
	case errors.Is(err, store.ErrNotFound):
		log.Warn("Event for unknown tenant", "subscription_id", m.ExternalSubscriptionID, "customer_id", m.ExternalCustomerID)
		return billing.OutcomeNotApplicable, nil
	case err != nil:
		return "", fmt.Errorf("entitlement: upsert subscription: %w", err)
	}

	var from billing.SubscriptionStatus
	if prev != nil {
		from = prev.Status
	}
	log.Info("Subscription updated", "tenant_id", sub.TenantID, "from", from, "to", sub.Status)

	r.cascade(ctx, Transition{TenantID: sub.TenantID, From: from, To: sub.Status}, log)
	return billing.OutcomeApplied, nil
}

// maxCascadeRounds bounds how often cascade chases a status that keeps
// moving under it.
const maxCascadeRounds = 3

// cascade dispatches tr and then checks the stored status again. Another
// event for the tenant may have been applied meanwhile and its cascade may
// have run first; dispatching toward the latest status makes the resources
// end up matching it whichever order the two cascades ran in.
func (r *Reconciler) cascade(ctx context.Context, tr Transition, log *slog.Logger) {
	for round := 0; round < maxCascadeRounds; round++ {
		if err := r.dispatcher.Dispatch(ctx, tr); err != nil {
			// The transition stands; the dispatcher queued a retry.
			log.Warn("Cascade incomplete", "tenant_id", tr.TenantID, "error", err)
		}
		current, err := r.subs.GetByTenant(ctx, tr.TenantID)
		if err != nil {
			log.Warn("Could not re-read subscription after cascade", "tenant_id", tr.TenantID, "error", err)
			return
		}
		if current.Status == tr.To {
			return
		}
		log.Info("Subscription moved during cascade", "tenant_id", tr.TenantID, "cascaded", tr.To, "current", current.Status)
		tr = Transition{TenantID: tr.TenantID, From: tr.To, To: current.Status}
	}
}

// RetryPending re-runs every queued cascade against the tenant's current
// status and returns how many completed.
func (r *Reconciler) RetryPending(ctx context.Context) (int, error) {
	pending, err := r.retries.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("entitlement: list cascade retries: %w", err)
	}
	done := 0
	for _, p := range pending {
		sub, err := r.subs.GetByTenant(ctx, p.TenantID)
		if err != nil {
			r.logger.Warn("Cascade retry skipped", "tenant_id", p.TenantID, "error", err)
			continue
		}
		// Current status on both sides: only the queued work runs.
		err = r.dispatcher.Dispatch(ctx, Transition{TenantID: p.TenantID, From: sub.Status, To: sub.Status})
		if err != nil {
			r.logger.Warn("Cascade retry incomplete", "tenant_id", p.TenantID, "attempts", p.Attempts+1, "error", err)
			continue
		}
		done++
	}
	return done, nil
}

var _ billing.EventHandler = (*Reconciler)(nil)
