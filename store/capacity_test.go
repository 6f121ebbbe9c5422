package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

type testCounterFunc func(t *testing.T) CapacityCounter

func runCapacityTests(t *testing.T, name string, newCounter testCounterFunc) {
	t.Run(name+"/ReserveUpToCeiling", func(t *testing.T) {
		testReserveUpToCeiling(t, newCounter)
	})
	t.Run(name+"/CommitAndRetire", func(t *testing.T) {
		testCommitAndRetire(t, newCounter)
	})
	t.Run(name+"/ExpiredReservationFreesSlot", func(t *testing.T) {
		testExpiredReservation(t, newCounter)
	})
	t.Run(name+"/Release", func(t *testing.T) {
		testRelease(t, newCounter)
	})
	t.Run(name+"/ConcurrentLastSlot", func(t *testing.T) {
		testConcurrentLastSlot(t, newCounter)
	})
	t.Run(name+"/ScopesAreIndependent", func(t *testing.T) {
		testScopesIndependent(t, newCounter)
	})
}

var t0 = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func reservation(id string, scope UnitScope, expires time.Time) Reservation {
	return Reservation{ID: id, Scope: scope, ExpiresAt: expires}
}

func testReserveUpToCeiling(t *testing.T, newCounter testCounterFunc) {
	c := newCounter(t)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		ok, err := c.Reserve(ctx, reservation(fmt.Sprintf("r%d", i), ScopeBanner, t0.Add(time.Hour)), 4, t0)
		if err != nil {
			t.Fatalf("Reserve %d: %v", i, err)
		}
		if !ok {
			t.Fatalf("Reserve %d should be admitted", i)
		}
	}
	ok, err := c.Reserve(ctx, reservation("r4", ScopeBanner, t0.Add(time.Hour)), 4, t0)
	if err != nil {
		t.Fatalf("Reserve at ceiling: %v", err)
	}
	if ok {
		t.Fatal("Reserve at ceiling should be rejected")
	}

	usage, err := c.Usage(ctx, ScopeBanner, t0)
	if err != nil {
		t.Fatal(err)
	}
	if usage.Reserved != 4 || usage.Committed != 0 || usage.InUse() != 4 {
		t.Errorf("unexpected usage: %+v", usage)
	}
}

func testCommitAndRetire(t *testing.T, newCounter testCounterFunc) {
	c := newCounter(t)
	ctx := context.Background()

	if ok, _ := c.Reserve(ctx, reservation("r1", ScopePromotion, t0.Add(time.Hour)), 2, t0); !ok {
		t.Fatal("expected reservation")
	}
	if err := c.Commit(ctx, ScopePromotion, "r1", t0.Add(time.Minute)); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	// Committing twice finds no reservation.
	if err := c.Commit(ctx, ScopePromotion, "r1", t0.Add(time.Minute)); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second Commit: expected ErrNotFound, got %v", err)
	}

	usage, _ := c.Usage(ctx, ScopePromotion, t0)
	if usage.Committed != 1 || usage.Reserved != 0 {
		t.Fatalf("after commit: %+v", usage)
	}

	if err := c.ForceCommit(ctx, ScopePromotion); err != nil {
		t.Fatalf("ForceCommit: %v", err)
	}
	if ok, _ := c.Reserve(ctx, reservation("r2", ScopePromotion, t0.Add(time.Hour)), 2, t0); ok {
		t.Fatal("two committed slots should fill a ceiling of 2")
	}

	if err := c.Retire(ctx, ScopePromotion); err != nil {
		t.Fatalf("Retire: %v", err)
	}
	if ok, _ := c.Reserve(ctx, reservation("r3", ScopePromotion, t0.Add(time.Hour)), 2, t0); !ok {
		t.Fatal("retired slot should be reusable")
	}

	// Retire never goes below zero.
	for i := 0; i < 5; i++ {
		if err := c.Retire(ctx, ScopePromotion); err != nil {
			t.Fatal(err)
		}
	}
	usage, _ = c.Usage(ctx, ScopePromotion, t0)
	if usage.Committed != 0 {
		t.Errorf("Committed = %d, want 0", usage.Committed)
	}

	if err := c.SetCommitted(ctx, ScopePromotion, 7); err != nil {
		t.Fatalf("SetCommitted: %v", err)
	}
	usage, _ = c.Usage(ctx, ScopePromotion, t0)
	if usage.Committed != 7 {
		t.Errorf("Committed = %d, want 7", usage.Committed)
	}
}

func testExpiredReservation(t *testing.T, newCounter testCounterFunc) {
	c := newCounter(t)
	ctx := context.Background()

	if ok, _ := c.Reserve(ctx, reservation("old", ScopeBanner, t0.Add(time.Minute)), 1, t0); !ok {
		t.Fatal("expected reservation")
	}
	later := t0.Add(2 * time.Minute)
	ok, err := c.Reserve(ctx, reservation("new", ScopeBanner, later.Add(time.Hour)), 1, later)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("an expired reservation must not hold capacity")
	}
	if err := c.Commit(ctx, ScopeBanner, "old", later); !errors.Is(err, ErrNotFound) {
		t.Fatalf("committing an expired reservation: expected ErrNotFound, got %v", err)
	}
}

func testRelease(t *testing.T, newCounter testCounterFunc) {
	c := newCounter(t)
	ctx := context.Background()

	if ok, _ := c.Reserve(ctx, reservation("r1", ScopeBanner, t0.Add(time.Hour)), 1, t0); !ok {
		t.Fatal("expected reservation")
	}
	if err := c.Release(ctx, ScopeBanner, "r1"); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if err := c.Release(ctx, ScopeBanner, "unknown"); err != nil {
		t.Fatalf("Release unknown: %v", err)
	}
	if ok, _ := c.Reserve(ctx, reservation("r2", ScopeBanner, t0.Add(time.Hour)), 1, t0); !ok {
		t.Fatal("released slot should be reusable")
	}
}

// With three slots in use and a ceiling of four, concurrent reservations
// admit exactly one.
func testConcurrentLastSlot(t *testing.T, newCounter testCounterFunc) {
	c := newCounter(t)
	ctx := context.Background()

	if err := c.SetCommitted(ctx, ScopeBanner, 3); err != nil {
		t.Fatal(err)
	}

	const goroutines = 20
	var wg sync.WaitGroup
	var admitted atomic.Int32
	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		go func(n int) {
			defer wg.Done()
			ok, err := c.Reserve(ctx, reservation(fmt.Sprintf("race-%d", n), ScopeBanner, t0.Add(time.Hour)), 4, t0)
			if err != nil {
				t.Errorf("Reserve %d: %v", n, err)
				return
			}
			if ok {
				admitted.Add(1)
			}
		}(i)
	}
	wg.Wait()

	if n := admitted.Load(); n != 1 {
		t.Fatalf("expected exactly one admitted reservation, got %d", n)
	}
	usage, _ := c.Usage(ctx, ScopeBanner, t0)
	if usage.InUse() != 4 {
		t.Errorf("InUse = %d, want 4", usage.InUse())
	}
}

func testScopesIndependent(t *testing.T, newCounter testCounterFunc) {
	c := newCounter(t)
	ctx := context.Background()

	if err := c.SetCommitted(ctx, ScopeBanner, 4); err != nil {
		t.Fatal(err)
	}
	ok, err := c.Reserve(ctx, reservation("p1", ScopePromotion, t0.Add(time.Hour)), 12, t0)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("full banner scope must not block promotions")
	}
}

func TestSQLiteCapacityCounter(t *testing.T) {
	runCapacityTests(t, "SQLite", func(t *testing.T) CapacityCounter {
		t.Helper()
		return NewSQLiteCapacityCounter(openTestDB(t))
	})
}

func TestRedisCapacityCounter(t *testing.T) {
	runCapacityTests(t, "Redis", func(t *testing.T) CapacityCounter {
		t.Helper()
		mr := miniredis.RunT(t)
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { client.Close() })
		return NewRedisCapacityCounter(client, "test")
	})
}

func TestNewRedisClient(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	client, err := NewRedisClient(context.Background(), addr, "", 0)
	if err != nil {
		t.Fatalf("NewRedisClient: %v", err)
	}
	client.Close()

	mr.Close()
	if _, err := NewRedisClient(context.Background(), addr, "", 0); err == nil {
		t.Fatal("expected ping failure against a closed server")
	}
}
