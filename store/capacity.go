package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SQLiteCapacityCounter is a CapacityCounter kept in SQLite. Reserve is a
// single conditional INSERT ... SELECT, so the check and the reservation
// happen in one statement.
type SQLiteCapacityCounter struct {
	db *sql.DB
}

// NewSQLiteCapacityCounter creates a counter on a database opened with OpenSQLite.
func NewSQLiteCapacityCounter(db *sql.DB) *SQLiteCapacityCounter {
	return &SQLiteCapacityCounter{db: db}
}

func (c *SQLiteCapacityCounter) Reserve(ctx context.Context, r Reservation, ceiling int, now time.Time) (bool, error) {
	if r.ID == "" || !r.Scope.Valid() {
		return false, fmt.Errorf("reservation id and a valid scope are required")
	}
	if _, err := c.db.ExecContext(ctx,
		`DELETE FROM capacity_reservations WHERE scope = ? AND expires_at <= ?`,
		string(r.Scope), formatTime(now)); err != nil {
		return false, fmt.Errorf("purge expired reservations: %w", err)
	}

	res, err := c.db.ExecContext(ctx,
		`INSERT INTO capacity_reservations (id, scope, expires_at, created_at)
		 SELECT ?, ?, ?, ?
		 WHERE COALESCE((SELECT committed FROM capacity_counters WHERE scope = ?), 0)
		     + (SELECT COUNT(*) FROM capacity_reservations WHERE scope = ? AND expires_at > ?) < ?`,
		r.ID, string(r.Scope), formatTime(r.ExpiresAt), formatTime(now),
		string(r.Scope), string(r.Scope), formatTime(now), ceiling,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return false, fmt.Errorf("%w: reservation %s", ErrDuplicate, r.ID)
		}
		return false, fmt.Errorf("reserve capacity: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("reserve capacity: %w", err)
	}
	return n == 1, nil
}

func (c *SQLiteCapacityCounter) Commit(ctx context.Context, scope UnitScope, reservationID string, now time.Time) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin commit: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var expiresAt string
	err = tx.QueryRowContext(ctx,
		`DELETE FROM capacity_reservations WHERE id = ? AND scope = ? RETURNING expires_at`,
		reservationID, string(scope),
	).Scan(&expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("take reservation: %w", err)
	}
	if expiresAt <= formatTime(now) {
		// Expired reservations are dropped, not committed.
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("drop expired reservation: %w", err)
		}
		return ErrNotFound
	}

	if err := incrementCommitted(ctx, tx, scope); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit reservation: %w", err)
	}
	return nil
}

func (c *SQLiteCapacityCounter) ForceCommit(ctx context.Context, scope UnitScope) error {
	return incrementCommitted(ctx, c.db, scope)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func incrementCommitted(ctx context.Context, e execer, scope UnitScope) error {
	_, err := e.ExecContext(ctx,
		`INSERT INTO capacity_counters (scope, committed) VALUES (?, 1)
		 ON CONFLICT (scope) DO UPDATE SET committed = capacity_counters.committed + 1`,
		string(scope))
	if err != nil {
		return fmt.Errorf("increment committed: %w", err)
	}
	return nil
}

func (c *SQLiteCapacityCounter) Release(ctx context.Context, scope UnitScope, reservationID string) error {
	if _, err := c.db.ExecContext(ctx,
		`DELETE FROM capacity_reservations WHERE id = ? AND scope = ?`, reservationID, string(scope)); err != nil {
		return fmt.Errorf("release reservation: %w", err)
	}
	return nil
}

func (c *SQLiteCapacityCounter) Retire(ctx context.Context, scope UnitScope) error {
	if _, err := c.db.ExecContext(ctx,
		`UPDATE capacity_counters SET committed = committed - 1 WHERE scope = ? AND committed > 0`,
		string(scope)); err != nil {
		return fmt.Errorf("retire committed slot: %w", err)
	}
	return nil
}

func (c *SQLiteCapacityCounter) Usage(ctx context.Context, scope UnitScope, now time.Time) (CapacityUsage, error) {
	usage := CapacityUsage{Scope: scope}
	err := c.db.QueryRowContext(ctx,
		`SELECT COALESCE((SELECT committed FROM capacity_counters WHERE scope = ?), 0),
		        (SELECT COUNT(*) FROM capacity_reservations WHERE scope = ? AND expires_at > ?)`,
		string(scope), string(scope), formatTime(now),
	).Scan(&usage.Committed, &usage.Reserved)
	if err != nil {
		return usage, fmt.Errorf("query capacity usage: %w", err)
	}
	return usage, nil
}

func (c *SQLiteCapacityCounter) SetCommitted(ctx context.Context, scope UnitScope, committed int) error {
	_, err := c.db.ExecContext(ctx,
		`INSERT INTO capacity_counters (scope, committed) VALUES (?, ?)
		 ON CONFLICT (scope) DO UPDATE SET committed = excluded.committed`,
		string(scope), committed)
	if err != nil {
		return fmt.Errorf("set committed: %w", err)
	}
	return nil
}

var _ CapacityCounter = (*SQLiteCapacityCounter)(nil)
