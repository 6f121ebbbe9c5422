package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// SQLiteUnitStore is a SQLite-backed UnitStore.
type SQLiteUnitStore struct {
	db *sql.DB
}

// NewSQLiteUnitStore creates a store on a database opened with OpenSQLite.
func NewSQLiteUnitStore(db *sql.DB) *SQLiteUnitStore {
	return &SQLiteUnitStore{db: db}
}

const unitColumns = `id, tenant_id, scope, placement, duration_days, price_cents, currency, status, payment_status,
	approved, payment_intent_id, reservation_id, starts_at, ends_at, created_at, updated_at`

func (s *SQLiteUnitStore) Create(ctx context.Context, u *PromotionalUnit) error {
	if u.ID == "" || u.TenantID == "" {
		return fmt.Errorf("unit id and tenant id are required")
	}
	if !u.Scope.Valid() {
		return fmt.Errorf("invalid unit scope %q", u.Scope)
	}
	now := time.Now().UTC()
	if u.CreatedAt.IsZero() {
		u.CreatedAt = now
	}
	u.UpdatedAt = now

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO promotional_units (`+unitColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		u.ID, u.TenantID, string(u.Scope), u.Placement, u.DurationDays, u.PriceCents, u.Currency,
		string(u.Status), string(u.PaymentStatus), boolToInt(u.Approved), u.PaymentIntentID, u.ReservationID,
		formatTime(u.StartsAt), formatTime(u.EndsAt), formatTime(u.CreatedAt), formatTime(u.UpdatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: unit %s", ErrDuplicate, u.ID)
		}
		return fmt.Errorf("insert unit: %w", err)
	}
	return nil
}

func (s *SQLiteUnitStore) Get(ctx context.Context, id string) (*PromotionalUnit, error) {
	return s.one(ctx, `SELECT `+unitColumns+` FROM promotional_units WHERE id = ?`, id)
}

func (s *SQLiteUnitStore) GetByPaymentIntent(ctx context.Context, intentID string) (*PromotionalUnit, error) {
	if intentID == "" {
		return nil, ErrNotFound
	}
	return s.one(ctx, `SELECT `+unitColumns+` FROM promotional_units WHERE payment_intent_id = ? LIMIT 1`, intentID)
}

func (s *SQLiteUnitStore) ListByTenant(ctx context.Context, tenantID string) ([]*PromotionalUnit, error) {
	return s.list(ctx, `SELECT `+unitColumns+` FROM promotional_units WHERE tenant_id = ? ORDER BY created_at DESC`, tenantID)
}

func (s *SQLiteUnitStore) MarkPaid(ctx context.Context, id string, status UnitStatus, startsAt, endsAt time.Time) (bool, error) {
	return s.update(ctx,
		`UPDATE promotional_units
		 SET payment_status = 'paid', status = ?, starts_at = ?, ends_at = ?, updated_at = ?
		 WHERE id = ? AND payment_status = 'pending' AND status = 'pending'`,
		string(status), formatTime(startsAt), formatTime(endsAt), formatTime(time.Now()), id,
	)
}

func (s *SQLiteUnitStore) Unreserve(ctx context.Context, id string) (bool, error) {
	return s.update(ctx,
		`UPDATE promotional_units SET reservation_id = '', updated_at = ?
		 WHERE id = ? AND status = 'pending' AND payment_status = 'pending' AND reservation_id != ''`,
		formatTime(time.Now()), id,
	)
}

func (s *SQLiteUnitStore) Approve(ctx context.Context, id string, startsAt, endsAt time.Time) (bool, error) {
	return s.update(ctx,
		`UPDATE promotional_units
		 SET status = 'active', approved = 1, starts_at = ?, ends_at = ?, updated_at = ?
		 WHERE id = ? AND scope = 'banner' AND status = 'assigned' AND payment_status = 'paid'`,
		formatTime(startsAt), formatTime(endsAt), formatTime(time.Now()), id,
	)
}

func (s *SQLiteUnitStore) Reject(ctx context.Context, id string) (bool, error) {
	return s.update(ctx,
		`UPDATE promotional_units SET status = 'rejected', updated_at = ?
		 WHERE id = ? AND scope = 'banner' AND status = 'assigned'`,
		formatTime(time.Now()), id,
	)
}

// ExpireDue expires due units one by one with a conditional update, so a unit
// expired concurrently by another janitor is returned only once.
func (s *SQLiteUnitStore) ExpireDue(ctx context.Context, now time.Time) ([]*PromotionalUnit, error) {
	due, err := s.list(ctx,
		`SELECT `+unitColumns+` FROM promotional_units
		 WHERE payment_status = 'paid' AND status = 'active' AND ends_at != '' AND ends_at <= ?`,
		formatTime(now))
	if err != nil {
		return nil, err
	}

	var expired []*PromotionalUnit
	for _, u := range due {
		ok, err := s.update(ctx,
			`UPDATE promotional_units SET status = 'expired', updated_at = ? WHERE id = ? AND status = 'active'`,
			formatTime(now), u.ID)
		if err != nil {
			return expired, err
		}
		if ok {
			u.Status = UnitExpired
			expired = append(expired, u)
		}
	}
	return expired, nil
}

func (s *SQLiteUnitStore) CountCommitted(ctx context.Context, scope UnitScope) (int, error) {
	query := `SELECT COUNT(*) FROM promotional_units WHERE scope = ? AND payment_status = 'paid' AND status = 'active'`
	if scope == ScopeBanner {
		query = `SELECT COUNT(*) FROM promotional_units WHERE scope = ? AND payment_status = 'paid' AND status IN ('assigned', 'active')`
	}
	return s.count(ctx, query, string(scope))
}

func (s *SQLiteUnitStore) CountActive(ctx context.Context, scope UnitScope) (int, error) {
	query := `SELECT COUNT(*) FROM promotional_units WHERE scope = ? AND status = 'active' AND payment_status = 'paid'`
	if scope == ScopeBanner {
		query = `SELECT COUNT(*) FROM promotional_units WHERE scope = ? AND status = 'active' AND approved = 1`
	}
	return s.count(ctx, query, string(scope))
}

func (s *SQLiteUnitStore) count(ctx context.Context, query string, args ...any) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count units: %w", err)
	}
	return n, nil
}

func (s *SQLiteUnitStore) update(ctx context.Context, query string, args ...any) (bool, error) {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("update unit: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update unit: %w", err)
	}
	return n == 1, nil
}

func (s *SQLiteUnitStore) one(ctx context.Context, query string, args ...any) (*PromotionalUnit, error) {
	units, err := s.list(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	if len(units) == 0 {
		return nil, ErrNotFound
	}
	return units[0], nil
}

func (s *SQLiteUnitStore) list(ctx context.Context, query string, args ...any) ([]*PromotionalUnit, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query units: %w", err)
	}
	defer rows.Close()

	var out []*PromotionalUnit
	for rows.Next() {
		u, err := scanUnit(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate units: %w", err)
	}
	return out, nil
}

func scanUnit(rows *sql.Rows) (*PromotionalUnit, error) {
	var u PromotionalUnit
	var scope, status, payment string
	var approved int
	var starts, ends, created, updated string
	err := rows.Scan(&u.ID, &u.TenantID, &scope, &u.Placement, &u.DurationDays, &u.PriceCents, &u.Currency,
		&status, &payment, &approved, &u.PaymentIntentID, &u.ReservationID, &starts, &ends, &created, &updated)
	if err != nil {
		return nil, fmt.Errorf("scan unit: %w", err)
	}
	u.Scope = UnitScope(scope)
	u.Status = UnitStatus(status)
	u.PaymentStatus = PaymentStatus(payment)
	u.Approved = approved != 0
	for _, f := range []struct {
		dst *time.Time
		src string
	}{
		{&u.StartsAt, starts},
		{&u.EndsAt, ends},
		{&u.CreatedAt, created},
		{&u.UpdatedAt, updated},
	} {
		if *f.dst, err = parseSQLiteTime(f.src); err != nil {
			return nil, fmt.Errorf("scan unit: %w", err)
		}
	}
	return &u, nil
}

var _ UnitStore = (*SQLiteUnitStore)(nil)
