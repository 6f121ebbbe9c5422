package store

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
)

// openTestDB opens a migrated SQLite database in the test's temp dir.
func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "entitlements.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// compactJSON normalizes JSONB whitespace.
func compactJSON(t *testing.T, raw []byte) string {
	t.Helper()
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		t.Fatalf("compact %q: %v", raw, err)
	}
	return buf.String()
}

// testLedgerFunc is a constructor that tests call to get a fresh ledger.
type testLedgerFunc func(t *testing.T) EventLedger

func runLedgerTests(t *testing.T, name string, newLedger testLedgerFunc) {
	t.Run(name+"/RecordOnce", func(t *testing.T) {
		testRecordOnce(t, newLedger)
	})
	t.Run(name+"/ConcurrentSameID", func(t *testing.T) {
		testConcurrentSameID(t, newLedger)
	})
	t.Run(name+"/Forget", func(t *testing.T) {
		testForget(t, newLedger)
	})
	t.Run(name+"/EmptyID", func(t *testing.T) {
		l := newLedger(t)
		if _, err := l.RecordIfNew(context.Background(), &BillingEvent{Type: "x"}); err == nil {
			t.Fatal("expected error for empty event id")
		}
	})
}

func testRecordOnce(t *testing.T, newLedger testLedgerFunc) {
	l := newLedger(t)
	ctx := context.Background()
	ev := &BillingEvent{ExternalEventID: "evt_1", Type: "customer.subscription.updated", Payload: []byte(`{"id":"evt_1"}`)}

	first, err := l.RecordIfNew(ctx, ev)
	if err != nil {
		t.Fatalf("RecordIfNew: %v", err)
	}
	if !first {
		t.Fatal("first RecordIfNew should return true")
	}

	for i := 0; i < 3; i++ {
		again, err := l.RecordIfNew(ctx, ev)
		if err != nil {
			t.Fatalf("RecordIfNew #%d: %v", i+2, err)
		}
		if again {
			t.Fatalf("RecordIfNew #%d should return false", i+2)
		}
	}

	got, err := l.Get(ctx, "evt_1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Type != ev.Type || compactJSON(t, got.Payload) != compactJSON(t, ev.Payload) {
		t.Errorf("unexpected record: %+v", got)
	}
	if got.ReceivedAt.IsZero() {
		t.Error("ReceivedAt should be set")
	}
}

func testConcurrentSameID(t *testing.T, newLedger testLedgerFunc) {
	l := newLedger(t)
	ctx := context.Background()

	const goroutines = 50
	var wg sync.WaitGroup
	var winners atomic.Int32
	wg.Add(goroutines)

	for i := 0; i < goroutines; i++ {
		go func() {
			defer wg.Done()
			ok, err := l.RecordIfNew(ctx, &BillingEvent{ExternalEventID: "evt_dup", Type: "invoice.paid"})
			if err != nil {
				t.Errorf("RecordIfNew: %v", err)
				return
			}
			if ok {
				winners.Add(1)
			}
		}()
	}
	wg.Wait()

	if n := winners.Load(); n != 1 {
		t.Fatalf("expected exactly one winner, got %d", n)
	}
}

func testForget(t *testing.T, newLedger testLedgerFunc) {
	l := newLedger(t)
	ctx := context.Background()
	ev := &BillingEvent{ExternalEventID: "evt_f", Type: "invoice.paid"}

	if ok, _ := l.RecordIfNew(ctx, ev); !ok {
		t.Fatal("expected first record")
	}
	if err := l.Forget(ctx, "evt_f"); err != nil {
		t.Fatalf("Forget: %v", err)
	}
	if _, err := l.Get(ctx, "evt_f"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after Forget, got %v", err)
	}
	ok, err := l.RecordIfNew(ctx, ev)
	if err != nil {
		t.Fatalf("RecordIfNew after Forget: %v", err)
	}
	if !ok {
		t.Fatal("a forgotten event should be recordable again")
	}
}

func TestInMemoryEventLedger(t *testing.T) {
	runLedgerTests(t, "InMemory", func(t *testing.T) EventLedger {
		t.Helper()
		return NewInMemoryEventLedger()
	})
}

func TestSQLiteEventLedger(t *testing.T) {
	runLedgerTests(t, "SQLite", func(t *testing.T) EventLedger {
		t.Helper()
		return NewSQLiteEventLedger(openTestDB(t))
	})
}

func TestOpenSQLite_MigrationsAreIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "twice.db")
	ctx := context.Background()

	db, err := OpenSQLite(ctx, path)
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	db.Close()

	db, err = OpenSQLite(ctx, path)
	if err != nil {
		t.Fatalf("second open: %v", err)
	}
	defer db.Close()

	var n int
	if err := db.QueryRow(`SELECT COUNT(*) FROM schema_migrations`).Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("expected 1 applied migration, got %d", n)
	}
}
