package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/GoCodeAlone/entitlements/billing"
)

// SQLiteCascadeRetryStore is a SQLite-backed CascadeRetryStore.
type SQLiteCascadeRetryStore struct {
	db *sql.DB
}

// NewSQLiteCascadeRetryStore creates a store on a database opened with OpenSQLite.
func NewSQLiteCascadeRetryStore(db *sql.DB) *SQLiteCascadeRetryStore {
	return &SQLiteCascadeRetryStore{db: db}
}

// Record stores the pending cascade for the tenant, replacing any earlier
// marker and counting the attempt.
func (s *SQLiteCascadeRetryStore) Record(ctx context.Context, r *CascadeRetry) error {
	r.UpdatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO cascade_retries (tenant_id, from_status, to_status, last_error, attempts, updated_at)
		 VALUES (?, ?, ?, ?, 1, ?)
		 ON CONFLICT (tenant_id) DO UPDATE SET
			from_status = excluded.from_status,
			to_status = excluded.to_status,
			last_error = excluded.last_error,
			attempts = cascade_retries.attempts + 1,
			updated_at = excluded.updated_at`,
		r.TenantID, string(r.FromStatus), string(r.ToStatus), r.LastError, formatTime(r.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("record cascade retry: %w", err)
	}
	return nil
}

func (s *SQLiteCascadeRetryStore) Get(ctx context.Context, tenantID string) (*CascadeRetry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT tenant_id, from_status, to_status, last_error, attempts, updated_at
		 FROM cascade_retries WHERE tenant_id = ?`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("query cascade retry: %w", err)
	}
	out, err := scanCascadeRetries(rows)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, ErrNotFound
	}
	return out[0], nil
}

func (s *SQLiteCascadeRetryStore) Clear(ctx context.Context, tenantID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM cascade_retries WHERE tenant_id = ?`, tenantID); err != nil {
		return fmt.Errorf("clear cascade retry: %w", err)
	}
	return nil
}

func (s *SQLiteCascadeRetryStore) List(ctx context.Context) ([]*CascadeRetry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT tenant_id, from_status, to_status, last_error, attempts, updated_at
		 FROM cascade_retries ORDER BY updated_at`)
	if err != nil {
		return nil, fmt.Errorf("list cascade retries: %w", err)
	}
	return scanCascadeRetries(rows)
}

func scanCascadeRetries(rows *sql.Rows) ([]*CascadeRetry, error) {
	defer rows.Close()
	var out []*CascadeRetry
	for rows.Next() {
		var r CascadeRetry
		var from, to, updated string
		if err := rows.Scan(&r.TenantID, &from, &to, &r.LastError, &r.Attempts, &updated); err != nil {
			return nil, fmt.Errorf("scan cascade retry: %w", err)
		}
		r.FromStatus = billing.SubscriptionStatus(from)
		r.ToStatus = billing.SubscriptionStatus(to)
		var err error
		if r.UpdatedAt, err = parseSQLiteTime(updated); err != nil {
			return nil, fmt.Errorf("parse updated_at: %w", err)
		}
		out = append(out, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate cascade retries: %w", err)
	}
	return out, nil
}

var _ CascadeRetryStore = (*SQLiteCascadeRetryStore)(nil)
