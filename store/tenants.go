package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SQLiteTenantDirectory is a SQLite-backed TenantDirectory.
type SQLiteTenantDirectory struct {
	db *sql.DB
}

// NewSQLiteTenantDirectory creates a directory on a database opened with OpenSQLite.
func NewSQLiteTenantDirectory(db *sql.DB) *SQLiteTenantDirectory {
	return &SQLiteTenantDirectory{db: db}
}

const tenantColumns = `id, name, owner_user_id, owner_email, external_customer_id, created_at`

func (d *SQLiteTenantDirectory) Create(ctx context.Context, t *Tenant) error {
	if t.ID == "" {
		return fmt.Errorf("tenant id is required")
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	_, err := d.db.ExecContext(ctx,
		`INSERT INTO tenants (`+tenantColumns+`) VALUES (?, ?, ?, ?, ?, ?)`,
		t.ID, t.Name, t.OwnerUserID, t.OwnerEmail, t.ExternalCustomerID, formatTime(t.CreatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: tenant %s", ErrDuplicate, t.ID)
		}
		return fmt.Errorf("insert tenant: %w", err)
	}
	return nil
}

func (d *SQLiteTenantDirectory) Get(ctx context.Context, id string) (*Tenant, error) {
	return scanTenant(d.db.QueryRowContext(ctx, `SELECT `+tenantColumns+` FROM tenants WHERE id = ?`, id))
}

func (d *SQLiteTenantDirectory) GetByCustomerID(ctx context.Context, customerID string) (*Tenant, error) {
	if customerID == "" {
		return nil, ErrNotFound
	}
	return scanTenant(d.db.QueryRowContext(ctx,
		`SELECT `+tenantColumns+` FROM tenants WHERE external_customer_id = ? LIMIT 1`, customerID))
}

// SetCustomerID links customerID only when the tenant has no customer yet, so
// two concurrent purchases cannot overwrite each other's link.
func (d *SQLiteTenantDirectory) SetCustomerID(ctx context.Context, tenantID, customerID string) (string, error) {
	res, err := d.db.ExecContext(ctx,
		`UPDATE tenants SET external_customer_id = ? WHERE id = ? AND external_customer_id = ''`,
		customerID, tenantID,
	)
	if err != nil {
		return "", fmt.Errorf("update tenant customer: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return customerID, nil
	}

	t, err := d.Get(ctx, tenantID)
	if err != nil {
		return "", err
	}
	return t.ExternalCustomerID, nil
}

func scanTenant(row *sql.Row) (*Tenant, error) {
	var t Tenant
	var createdAt string
	err := row.Scan(&t.ID, &t.Name, &t.OwnerUserID, &t.OwnerEmail, &t.ExternalCustomerID, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan tenant: %w", err)
	}
	if t.CreatedAt, err = parseSQLiteTime(createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	return &t, nil
}

var _ TenantDirectory = (*SQLiteTenantDirectory)(nil)
