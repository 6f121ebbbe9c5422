package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/GoCodeAlone/entitlements/billing"
)

// SQLiteSubscriptionStore is a SQLite-backed SubscriptionStore.
type SQLiteSubscriptionStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteSubscriptionStore creates a store on a database opened with OpenSQLite.
func NewSQLiteSubscriptionStore(db *sql.DB) *SQLiteSubscriptionStore {
	return &SQLiteSubscriptionStore{db: db, now: time.Now}
}

const subscriptionColumns = `tenant_id, membership_ref, external_subscription_id, external_customer_id, status,
	current_period_start, current_period_end, cancel_at_period_end, last_event_at, updated_at`

// queryer is satisfied by *sql.DB and *sql.Tx.
type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Upsert locates the tenant's row by external subscription ID, then tenant
// ID, then external customer ID, and replaces it unless the incoming data is
// older. Locate, compare and write run in one transaction.
func (s *SQLiteSubscriptionStore) Upsert(ctx context.Context, sub *Subscription) (*Subscription, error) {
	if !sub.Status.Valid() {
		return nil, fmt.Errorf("invalid subscription status %q", sub.Status)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin upsert: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	prev, err := s.locate(ctx, tx, sub)
	if err != nil {
		return nil, err
	}

	tenantID := sub.TenantID
	if prev != nil {
		// The stored row owns the tenant binding.
		tenantID = prev.TenantID
		if isStale(prev, sub) {
			return prev, ErrStaleEvent
		}
	}
	if tenantID == "" {
		return nil, fmt.Errorf("subscription %s: tenant unknown: %w", sub.ExternalSubscriptionID, ErrNotFound)
	}

	now := s.now()
	_, err = tx.ExecContext(ctx,
		`INSERT INTO subscriptions (`+subscriptionColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (tenant_id) DO UPDATE SET
			membership_ref = excluded.membership_ref,
			external_subscription_id = excluded.external_subscription_id,
			external_customer_id = excluded.external_customer_id,
			status = excluded.status,
			current_period_start = excluded.current_period_start,
			current_period_end = excluded.current_period_end,
			cancel_at_period_end = excluded.cancel_at_period_end,
			last_event_at = excluded.last_event_at,
			updated_at = excluded.updated_at`,
		tenantID, sub.MembershipRef, sub.ExternalSubscriptionID, sub.ExternalCustomerID, string(sub.Status),
		formatTime(sub.CurrentPeriodStart), formatTime(sub.CurrentPeriodEnd), boolToInt(sub.CancelAtPeriodEnd),
		formatTime(sub.LastEventAt), formatTime(now),
	)
	if err != nil {
		return nil, fmt.Errorf("write subscription: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit upsert: %w", err)
	}

	sub.TenantID = tenantID
	sub.UpdatedAt = now
	return prev, nil
}

func (s *SQLiteSubscriptionStore) locate(ctx context.Context, q queryer, sub *Subscription) (*Subscription, error) {
	lookups := []struct {
		column, value string
	}{
		{"external_subscription_id", sub.ExternalSubscriptionID},
		{"tenant_id", sub.TenantID},
		{"external_customer_id", sub.ExternalCustomerID},
	}
	for _, l := range lookups {
		if l.value == "" {
			continue
		}
		prev, err := scanSubscription(q.QueryRowContext(ctx,
			`SELECT `+subscriptionColumns+` FROM subscriptions WHERE `+l.column+` = ? LIMIT 1`, l.value))
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return prev, nil
	}
	return nil, nil
}

// isStale reports whether incoming describes an older state than stored: an
// earlier period end, or the same period written by a later event. An
// incoming event without period bounds is ordered by event time alone.
func isStale(stored, incoming *Subscription) bool {
	if !incoming.CurrentPeriodEnd.IsZero() {
		if stored.CurrentPeriodEnd.After(incoming.CurrentPeriodEnd) {
			return true
		}
		if stored.CurrentPeriodEnd.Before(incoming.CurrentPeriodEnd) {
			return false
		}
	}
	return stored.LastEventAt.After(incoming.LastEventAt)
}

func (s *SQLiteSubscriptionStore) GetByTenant(ctx context.Context, tenantID string) (*Subscription, error) {
	return scanSubscription(s.db.QueryRowContext(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE tenant_id = ?`, tenantID))
}

func (s *SQLiteSubscriptionStore) GetByExternalCustomerID(ctx context.Context, customerID string) (*Subscription, error) {
	return scanSubscription(s.db.QueryRowContext(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE external_customer_id = ? LIMIT 1`, customerID))
}

func (s *SQLiteSubscriptionStore) GetByExternalSubscriptionID(ctx context.Context, subscriptionID string) (*Subscription, error) {
	return scanSubscription(s.db.QueryRowContext(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE external_subscription_id = ? LIMIT 1`, subscriptionID))
}

func scanSubscription(row *sql.Row) (*Subscription, error) {
	var sub Subscription
	var status, start, end, lastEvent, updated string
	var cancel int
	err := row.Scan(&sub.TenantID, &sub.MembershipRef, &sub.ExternalSubscriptionID, &sub.ExternalCustomerID,
		&status, &start, &end, &cancel, &lastEvent, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan subscription: %w", err)
	}
	sub.Status = billing.SubscriptionStatus(status)
	sub.CancelAtPeriodEnd = cancel != 0
	for _, f := range []struct {
		dst *time.Time
		src string
	}{
		{&sub.CurrentPeriodStart, start},
		{&sub.CurrentPeriodEnd, end},
		{&sub.LastEventAt, lastEvent},
		{&sub.UpdatedAt, updated},
	} {
		if *f.dst, err = parseSQLiteTime(f.src); err != nil {
			return nil, fmt.Errorf("scan subscription: %w", err)
		}
	}
	return &sub, nil
}

var _ SubscriptionStore = (*SQLiteSubscriptionStore)(nil)
