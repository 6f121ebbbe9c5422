package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SQLiteFeatureStore is a SQLite-backed FeatureStore.
type SQLiteFeatureStore struct {
	db *sql.DB
}

// NewSQLiteFeatureStore creates a store on a database opened with OpenSQLite.
func NewSQLiteFeatureStore(db *sql.DB) *SQLiteFeatureStore {
	return &SQLiteFeatureStore{db: db}
}

func (s *SQLiteFeatureStore) SetVisible(ctx context.Context, tenantID string, visible bool) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO paid_features (tenant_id, visible, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT (tenant_id) DO UPDATE SET visible = excluded.visible, updated_at = excluded.updated_at`,
		tenantID, boolToInt(visible), formatTime(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("set paid features for %s: %w", tenantID, err)
	}
	return nil
}

func (s *SQLiteFeatureStore) Visible(ctx context.Context, tenantID string) (bool, error) {
	var visible int
	err := s.db.QueryRowContext(ctx, `SELECT visible FROM paid_features WHERE tenant_id = ?`, tenantID).Scan(&visible)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query paid features: %w", err)
	}
	return visible != 0, nil
}

var _ FeatureStore = (*SQLiteFeatureStore)(nil)
