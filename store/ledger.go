package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ---------------------------------------------------------------------------
// InMemoryEventLedger
// ---------------------------------------------------------------------------

// InMemoryEventLedger is a thread-safe in-memory implementation of
// EventLedger for testing and single-server use.
type InMemoryEventLedger struct {
	mu     sync.Mutex
	events map[string]*BillingEvent
}

// NewInMemoryEventLedger creates a new InMemoryEventLedger.
func NewInMemoryEventLedger() *InMemoryEventLedger {
	return &InMemoryEventLedger{events: make(map[string]*BillingEvent)}
}

func (l *InMemoryEventLedger) RecordIfNew(_ context.Context, ev *BillingEvent) (bool, error) {
	if ev.ExternalEventID == "" {
		return false, fmt.Errorf("external event id is required")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, exists := l.events[ev.ExternalEventID]; exists {
		return false, nil
	}
	cp := *ev
	if cp.ReceivedAt.IsZero() {
		cp.ReceivedAt = time.Now().UTC()
	}
	cp.Payload = append([]byte(nil), ev.Payload...)
	l.events[ev.ExternalEventID] = &cp
	return true, nil
}

func (l *InMemoryEventLedger) Forget(_ context.Context, id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.events, id)
	return nil
}

func (l *InMemoryEventLedger) Get(_ context.Context, id string) (*BillingEvent, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	ev, ok := l.events[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *ev
	return &cp, nil
}

// ---------------------------------------------------------------------------
// SQLiteEventLedger
// ---------------------------------------------------------------------------

// SQLiteEventLedger is a SQLite-backed implementation of EventLedger.
type SQLiteEventLedger struct {
	db *sql.DB
}

// NewSQLiteEventLedger creates a ledger on a database opened with OpenSQLite.
func NewSQLiteEventLedger(db *sql.DB) *SQLiteEventLedger {
	return &SQLiteEventLedger{db: db}
}

// RecordIfNew inserts the event unless its ID exists. The unique key decides;
// there is no prior read.
func (l *SQLiteEventLedger) RecordIfNew(ctx context.Context, ev *BillingEvent) (bool, error) {
	if ev.ExternalEventID == "" {
		return false, fmt.Errorf("external event id is required")
	}
	receivedAt := ev.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = time.Now()
	}

	res, err := l.db.ExecContext(ctx,
		`INSERT INTO billing_events (external_event_id, type, payload, received_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (external_event_id) DO NOTHING`,
		ev.ExternalEventID, ev.Type, ev.Payload, formatTime(receivedAt),
	)
	if err != nil {
		return false, fmt.Errorf("insert billing event: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert billing event: %w", err)
	}
	return n == 1, nil
}

func (l *SQLiteEventLedger) Forget(ctx context.Context, id string) error {
	if _, err := l.db.ExecContext(ctx, `DELETE FROM billing_events WHERE external_event_id = ?`, id); err != nil {
		return fmt.Errorf("delete billing event: %w", err)
	}
	return nil
}

func (l *SQLiteEventLedger) Get(ctx context.Context, id string) (*BillingEvent, error) {
	var ev BillingEvent
	var receivedAt string
	err := l.db.QueryRowContext(ctx,
		`SELECT external_event_id, type, payload, received_at FROM billing_events WHERE external_event_id = ?`, id,
	).Scan(&ev.ExternalEventID, &ev.Type, &ev.Payload, &receivedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query billing event: %w", err)
	}
	if ev.ReceivedAt, err = parseSQLiteTime(receivedAt); err != nil {
		return nil, fmt.Errorf("parse received_at: %w", err)
	}
	return &ev, nil
}

var (
	_ EventLedger = (*InMemoryEventLedger)(nil)
	_ EventLedger = (*SQLiteEventLedger)(nil)
)
