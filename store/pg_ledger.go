package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGEventLedger implements EventLedger backed by PostgreSQL. Use it when
// several engine replicas share one ledger.
type PGEventLedger struct {
	pool *pgxpool.Pool
}

// NewPGEventLedger creates a ledger on a pool returned by NewPGPool.
func NewPGEventLedger(pool *pgxpool.Pool) *PGEventLedger {
	return &PGEventLedger{pool: pool}
}

func (l *PGEventLedger) RecordIfNew(ctx context.Context, ev *BillingEvent) (bool, error) {
	if ev.ExternalEventID == "" {
		return false, fmt.Errorf("external event id is required")
	}
	receivedAt := ev.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = time.Now()
	}

	var payload []byte
	if json.Valid(ev.Payload) {
		payload = ev.Payload
	}

	tag, err := l.pool.Exec(ctx,
		`INSERT INTO billing_events (external_event_id, type, payload, received_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (external_event_id) DO NOTHING`,
		ev.ExternalEventID, ev.Type, payload, receivedAt,
	)
	if err != nil {
		return false, fmt.Errorf("insert billing event: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (l *PGEventLedger) Forget(ctx context.Context, id string) error {
	if _, err := l.pool.Exec(ctx, `DELETE FROM billing_events WHERE external_event_id = $1`, id); err != nil {
		return fmt.Errorf("delete billing event: %w", err)
	}
	return nil
}

func (l *PGEventLedger) Get(ctx context.Context, id string) (*BillingEvent, error) {
	var ev BillingEvent
	err := l.pool.QueryRow(ctx,
		`SELECT external_event_id, type, payload, received_at FROM billing_events WHERE external_event_id = $1`, id,
	).Scan(&ev.ExternalEventID, &ev.Type, &ev.Payload, &ev.ReceivedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query billing event: %w", err)
	}
	return &ev, nil
}

var _ EventLedger = (*PGEventLedger)(nil)
