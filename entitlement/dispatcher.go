// Package entitlement reconciles processor lifecycle events into the
// subscription store and cascades status transitions into the resources a
// subscription pays for.
package entitlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/GoCodeAlone/entitlements/billing"
	"github.com/GoCodeAlone/entitlements/events"
	"github.com/GoCodeAlone/entitlements/metrics"
	"github.com/GoCodeAlone/entitlements/notify"
	"github.com/GoCodeAlone/entitlements/store"
	"github.com/GoCodeAlone/entitlements/tracing"
)

// Transition is an applied subscription status change.
type Transition struct {
	TenantID string
	From     billing.SubscriptionStatus
	To       billing.SubscriptionStatus
}

// ResourceFailure is one resource a cascade action could not update.
type ResourceFailure struct {
	Action   Action
	Resource string
	Err      error
}

// CascadeError reports a partially applied cascade. The transition itself
// stands; the failed resources are retried later.
type CascadeError struct {
	TenantID string
	Failures []ResourceFailure
}

func (e *CascadeError) Error() string {
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		parts = append(parts, fmt.Sprintf("%s %s: %v", f.Action, f.Resource, f.Err))
	}
	return fmt.Sprintf("entitlement: partial cascade for tenant %s: %s", e.TenantID, strings.Join(parts, "; "))
}

func (e *CascadeError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failures))
	for _, f := range e.Failures {
		errs = append(errs, f.Err)
	}
	return errs
}

// Dispatcher applies the side effects of subscription transitions.
type Dispatcher struct {
	accounts  store.EmailAccountStore
	features  store.FeatureStore
	retries   store.CascadeRetryStore
	tenants   store.TenantDirectory
	publisher events.Publisher
	sink      notify.Sink
	metrics   *metrics.Collector
	logger    *slog.Logger
	notifyIn  time.Duration
	now       func() time.Time
}

// DefaultNotifyTimeout bounds the owner notice sent during a dispatch.
const DefaultNotifyTimeout = 3 * time.Second

// DispatcherConfig groups the Dispatcher's collaborators. Publisher, Sink,
// Tenants and Metrics are optional. NotifyTimeout caps how long the owner
// notice may hold up the dispatch; it defaults to DefaultNotifyTimeout.
type DispatcherConfig struct {
	Accounts      store.EmailAccountStore
	Features      store.FeatureStore
	Retries       store.CascadeRetryStore
	Tenants       store.TenantDirectory
	Publisher     events.Publisher
	Sink          notify.Sink
	Metrics       *metrics.Collector
	Logger        *slog.Logger
	NotifyTimeout time.Duration
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	notifyIn := cfg.NotifyTimeout
	if notifyIn <= 0 {
		notifyIn = DefaultNotifyTimeout
	}
	return &Dispatcher{
		accounts:  cfg.Accounts,
		features:  cfg.Features,
		retries:   cfg.Retries,
		tenants:   cfg.Tenants,
		publisher: cfg.Publisher,
		sink:      cfg.Sink,
		metrics:   cfg.Metrics,
		logger:    logger,
		notifyIn:  notifyIn,
		now:       time.Now,
	}
}

// Dispatch runs the cascade for tr. A pending retry for the tenant is folded
// in so resources left behind by an earlier partial cascade converge too.
// The returned error is a *CascadeError when some resources failed; it never
// invalidates the transition.
func (d *Dispatcher) Dispatch(ctx context.Context, tr Transition) error {
	ctx, span := tracing.Start(ctx, "entitlement", "entitlement.Dispatch",
		attribute.String("tenant.id", tr.TenantID),
		attribute.String("from", string(tr.From)), attribute.String("to", string(tr.To)))
	err := d.dispatch(ctx, tr)
	tracing.End(span, err)
	return err
}

func (d *Dispatcher) dispatch(ctx context.Context, tr Transition) error {
	plan := Plan(tr.From, tr.To)
	origin := tr.From

	pending, err := d.retries.Get(ctx, tr.TenantID)
	switch {
	case err == nil:
		// Resources an earlier cascade left behind are settled against the
		// new status, not replayed from the old one.
		plan = merge(plan, settle(tr.To))
		if Plan(pending.FromStatus, tr.To) != nil {
			origin = pending.FromStatus
		}
	case errors.Is(err, store.ErrNotFound):
		pending = nil
	default:
		pending = nil
		d.logger.Warn("Cascade retry lookup failed", "tenant_id", tr.TenantID, "error", err)
	}

	if len(plan) == 0 {
		if pending != nil {
			if err := d.retries.Clear(ctx, tr.TenantID); err != nil {
				d.logger.Warn("Failed to clear cascade retry", "tenant_id", tr.TenantID, "error", err)
			}
		}
		if tr.From != tr.To {
			d.announce(ctx, tr, nil, 0)
		}
		return nil
	}

	cerr := &CascadeError{TenantID: tr.TenantID}
	for _, a := range plan {
		failures := d.apply(ctx, tr.TenantID, a)
		d.metrics.RecordCascadeAction(a.String(), len(failures) == 0)
		cerr.Failures = append(cerr.Failures, failures...)
	}

	if len(cerr.Failures) > 0 {
		for _, f := range cerr.Failures {
			d.logger.Error("Cascade action failed",
				"tenant_id", tr.TenantID, "action", f.Action.String(), "resource", f.Resource, "error", f.Err)
		}
		if err := d.retries.Record(ctx, &store.CascadeRetry{
			TenantID:   tr.TenantID,
			FromStatus: origin,
			ToStatus:   tr.To,
			LastError:  cerr.Error(),
		}); err != nil {
			d.logger.Error("Failed to record cascade retry", "tenant_id", tr.TenantID, "error", err)
		}
	} else if pending != nil {
		if err := d.retries.Clear(ctx, tr.TenantID); err != nil {
			d.logger.Warn("Failed to clear cascade retry", "tenant_id", tr.TenantID, "error", err)
		}
	}

	d.announce(ctx, tr, plan, len(cerr.Failures))

	if len(cerr.Failures) > 0 {
		return cerr
	}
	d.logger.Info("Cascade applied", "tenant_id", tr.TenantID, "from", tr.From, "to", tr.To, "actions", len(plan))
	return nil
}

func (d *Dispatcher) apply(ctx context.Context, tenantID string, a Action) []ResourceFailure {
	switch a {
	case SuspendEmailAccounts:
		return d.moveAccounts(ctx, tenantID, a, store.AccountActive, store.AccountSuspended)
	case ReactivateEmailAccounts:
		return d.moveAccounts(ctx, tenantID, a, store.AccountSuspended, store.AccountActive)
	case HidePaidFeatures:
		return d.setFeatures(ctx, tenantID, a, false)
	case ShowPaidFeatures:
		return d.setFeatures(ctx, tenantID, a, true)
	}
	return []ResourceFailure{{Action: a, Resource: "cascade", Err: fmt.Errorf("unknown action %d", int(a))}}
}

// moveAccounts updates each account of the tenant independently; one
// account's failure does not stop the others.
func (d *Dispatcher) moveAccounts(ctx context.Context, tenantID string, a Action, from, to store.AccountStatus) []ResourceFailure {
	accounts, err := d.accounts.ListByTenant(ctx, tenantID, from)
	if err != nil {
		return []ResourceFailure{{Action: a, Resource: "email_accounts", Err: err}}
	}
	var failures []ResourceFailure
	for _, acct := range accounts {
		if _, err := d.accounts.SetStatus(ctx, acct.ID, from, to); err != nil {
			failures = append(failures, ResourceFailure{Action: a, Resource: "email_account:" + acct.Address, Err: err})
		}
	}
	return failures
}

func (d *Dispatcher) setFeatures(ctx context.Context, tenantID string, a Action, visible bool) []ResourceFailure {
	if err := d.features.SetVisible(ctx, tenantID, visible); err != nil {
		return []ResourceFailure{{Action: a, Resource: "paid_features", Err: err}}
	}
	return nil
}

// announce publishes the change and notifies the tenant owner. Failures are
// logged only.
func (d *Dispatcher) announce(ctx context.Context, tr Transition, plan []Action, failed int) {
	if d.publisher != nil {
		names := make([]string, 0, len(plan))
		for _, a := range plan {
			names = append(names, a.String())
		}
		ev := &events.EntitlementChanged{
			TenantID:   tr.TenantID,
			From:       tr.From,
			To:         tr.To,
			Actions:    names,
			Failed:     failed,
			OccurredAt: d.now().UTC(),
		}
		if err := d.publisher.Publish(ctx, ev); err != nil {
			d.logger.Warn("Failed to publish entitlement change", "tenant_id", tr.TenantID, "error", err)
		}
	}

	if d.sink == nil || d.tenants == nil || noticeFor(tr.To) == "" {
		return
	}
	t, err := d.tenants.Get(ctx, tr.TenantID)
	if err != nil {
		d.logger.Warn("Tenant owner lookup failed", "tenant_id", tr.TenantID, "error", err)
		return
	}
	if t.OwnerUserID == "" {
		return
	}
	// The notice rides on the billing webhook request; a slow endpoint must
	// not hold it past the processor's delivery timeout.
	nctx, cancel := context.WithTimeout(ctx, d.notifyIn)
	defer cancel()
	if err := d.sink.Notify(nctx, t.ID, t.OwnerUserID, noticeFor(tr.To)); err != nil {
		d.logger.Warn("Failed to notify tenant owner", "tenant_id", tr.TenantID, "error", err)
	}
}

func noticeFor(to billing.SubscriptionStatus) string {
	switch to {
	case billing.StatusActive:
		return "Your subscription is active. Email accounts and paid features are available."
	case billing.StatusPastDue:
		return "Your subscription payment is past due. Email accounts and paid features are suspended until payment succeeds."
	case billing.StatusCancelled:
		return "Your subscription was cancelled. Email accounts and paid features are suspended."
	case billing.StatusSuspended:
		return "Your subscription is suspended. Email accounts and paid features are unavailable."
	}
	return ""
}
