package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SQLiteEmailAccountStore is a SQLite-backed EmailAccountStore.
type SQLiteEmailAccountStore struct {
	db *sql.DB
}

// NewSQLiteEmailAccountStore creates a store on a database opened with OpenSQLite.
func NewSQLiteEmailAccountStore(db *sql.DB) *SQLiteEmailAccountStore {
	return &SQLiteEmailAccountStore{db: db}
}

func (s *SQLiteEmailAccountStore) Create(ctx context.Context, a *EmailAccount) error {
	if a.TenantID == "" || a.Address == "" {
		return fmt.Errorf("tenant id and address are required")
	}
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.Status == "" {
		a.Status = AccountActive
	}
	a.UpdatedAt = time.Now().UTC()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO email_accounts (id, tenant_id, address, status, updated_at) VALUES (?, ?, ?, ?, ?)`,
		a.ID, a.TenantID, a.Address, string(a.Status), formatTime(a.UpdatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: email account %s", ErrDuplicate, a.Address)
		}
		return fmt.Errorf("insert email account: %w", err)
	}
	return nil
}

func (s *SQLiteEmailAccountStore) Get(ctx context.Context, id string) (*EmailAccount, error) {
	var a EmailAccount
	var status, updated string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, tenant_id, address, status, updated_at FROM email_accounts WHERE id = ?`, id,
	).Scan(&a.ID, &a.TenantID, &a.Address, &status, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query email account: %w", err)
	}
	a.Status = AccountStatus(status)
	if a.UpdatedAt, err = parseSQLiteTime(updated); err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	return &a, nil
}

// ListByTenant returns the tenant's accounts in the given status, or all of
// them when status is empty.
func (s *SQLiteEmailAccountStore) ListByTenant(ctx context.Context, tenantID string, status AccountStatus) ([]*EmailAccount, error) {
	query := `SELECT id, tenant_id, address, status, updated_at FROM email_accounts WHERE tenant_id = ?`
	args := []any{tenantID}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY address`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list email accounts: %w", err)
	}
	defer rows.Close()

	var out []*EmailAccount
	for rows.Next() {
		var a EmailAccount
		var st, updated string
		if err := rows.Scan(&a.ID, &a.TenantID, &a.Address, &st, &updated); err != nil {
			return nil, fmt.Errorf("scan email account: %w", err)
		}
		a.Status = AccountStatus(st)
		if a.UpdatedAt, err = parseSQLiteTime(updated); err != nil {
			return nil, fmt.Errorf("parse updated_at: %w", err)
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}

func (s *SQLiteEmailAccountStore) SetStatus(ctx context.Context, id string, from, to AccountStatus) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE email_accounts SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(to), formatTime(time.Now()), id, string(from),
	)
	if err != nil {
		return false, fmt.Errorf("update email account %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update email account %s: %w", id, err)
	}
	return n == 1, nil
}

var _ EmailAccountStore = (*SQLiteEmailAccountStore)(nil)
