package admission

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"

	"github.com/GoCodeAlone/entitlements/metrics"
	"github.com/GoCodeAlone/entitlements/store"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	ctrl    *Controller
	counter store.CapacityCounter
	units   *store.SQLiteUnitStore
	clock   *clock
	metrics *metrics.Collector
}

func newFixture(t *testing.T, counter func(t *testing.T) store.CapacityCounter) *fixture {
	t.Helper()
	db, err := store.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "admission.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	var c store.CapacityCounter
	if counter != nil {
		c = counter(t)
	} else {
		c = store.NewSQLiteCapacityCounter(db)
	}
	f := &fixture{
		counter: c,
		units:   store.NewSQLiteUnitStore(db),
		clock:   &clock{now: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)},
		metrics: metrics.New(),
	}
	f.ctrl = New(f.counter, f.units, Config{BannerCeiling: 4, PromotionCeiling: 12, ReservationTTL: 30 * time.Minute},
		nil, WithMetrics(f.metrics), WithClock(f.clock.Now))
	return f
}

func redisCounter(t *testing.T) store.CapacityCounter {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return store.NewRedisCapacityCounter(client, "admission-test")
}

func TestNew_Defaults(t *testing.T) {
	ctrl := New(nil, nil, Config{}, nil)
	if ctrl.Ceiling(store.ScopeBanner) != DefaultBannerCeiling {
		t.Errorf("banner ceiling = %d, want %d", ctrl.Ceiling(store.ScopeBanner), DefaultBannerCeiling)
	}
	if ctrl.Ceiling(store.ScopePromotion) != DefaultPromotionCeiling {
		t.Errorf("promotion ceiling = %d, want %d", ctrl.Ceiling(store.ScopePromotion), DefaultPromotionCeiling)
	}
	if ctrl.ttl != DefaultReservationTTL {
		t.Errorf("ttl = %v, want %v", ctrl.ttl, DefaultReservationTTL)
	}
}

func TestTryReserve_RejectsAtCeiling(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	if err := f.counter.SetCommitted(ctx, store.ScopeBanner, 4); err != nil {
		t.Fatal(err)
	}
	_, err := f.ctrl.TryReserve(ctx, store.ScopeBanner)
	if !errors.Is(err, ErrCapacityExceeded) {
		t.Fatalf("expected ErrCapacityExceeded, got %v", err)
	}
	if got := testutil.ToFloat64(f.metrics.AdmissionDecisions.WithLabelValues("banner", "rejected")); got != 1 {
		t.Errorf("rejections = %v, want 1", got)
	}
}

func TestTryReserve_AdmitsBelowCeiling(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	if err := f.counter.SetCommitted(ctx, store.ScopeBanner, 3); err != nil {
		t.Fatal(err)
	}
	r, err := f.ctrl.TryReserve(ctx, store.ScopeBanner)
	if err != nil {
		t.Fatalf("TryReserve: %v", err)
	}
	if r.ID == "" || r.Scope != store.ScopeBanner {
		t.Errorf("unexpected reservation: %+v", r)
	}
	if want := f.clock.Now().Add(30 * time.Minute); !r.ExpiresAt.Equal(want) {
		t.Errorf("ExpiresAt = %v, want %v", r.ExpiresAt, want)
	}

	// A failed payment releases the slot.
	if err := f.ctrl.Release(ctx, store.ScopeBanner, r.ID); err != nil {
		t.Fatalf("Release: %v", err)
	}
	usage, _ := f.ctrl.Usage(ctx)
	if usage[0].Scope != store.ScopeBanner || usage[0].Committed != 3 || usage[0].Reserved != 0 || usage[0].Available != 1 {
		t.Errorf("unexpected usage after release: %+v", usage[0])
	}
}

func TestTryReserve_UnknownScope(t *testing.T) {
	f := newFixture(t, nil)
	if _, err := f.ctrl.TryReserve(context.Background(), "billboard"); err == nil {
		t.Fatal("expected error for unknown scope")
	}
}

func testConcurrentLastSlot(t *testing.T, f *fixture) {
	ctx := context.Background()
	if err := f.counter.SetCommitted(ctx, store.ScopeBanner, 3); err != nil {
		t.Fatal(err)
	}

	const goroutines = 2
	var wg sync.WaitGroup
	var admitted, rejected atomic.Int32
	start := make(chan struct{})
	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		go func() {
			defer wg.Done()
			<-start
			_, err := f.ctrl.TryReserve(ctx, store.ScopeBanner)
			switch {
			case err == nil:
				admitted.Add(1)
			case errors.Is(err, ErrCapacityExceeded):
				rejected.Add(1)
			default:
				t.Errorf("TryReserve: %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()

	if admitted.Load() != 1 || rejected.Load() != 1 {
		t.Fatalf("admitted=%d rejected=%d, want exactly one of each", admitted.Load(), rejected.Load())
	}
}

func TestTryReserve_ConcurrentLastSlot(t *testing.T) {
	t.Run("SQLite", func(t *testing.T) {
		testConcurrentLastSlot(t, newFixture(t, nil))
	})
	t.Run("Redis", func(t *testing.T) {
		testConcurrentLastSlot(t, newFixture(t, redisCounter))
	})
}

func TestCommit_WithinReservation(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	r, err := f.ctrl.TryReserve(ctx, store.ScopePromotion)
	if err != nil {
		t.Fatal(err)
	}
	f.clock.Advance(5 * time.Minute)
	if err := f.ctrl.Commit(ctx, store.ScopePromotion, r.ID); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	usage, _ := f.counter.Usage(ctx, store.ScopePromotion, f.clock.Now())
	if usage.Committed != 1 || usage.Reserved != 0 {
		t.Errorf("unexpected usage: %+v", usage)
	}
	if got := testutil.ToFloat64(f.metrics.CapacityOvershoot.WithLabelValues("promotion")); got != 0 {
		t.Errorf("overshoot = %v, want 0", got)
	}
}

func TestCommit_LatePaymentOvershoot(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	// Take the last banner slot, let the reservation lapse, and let another
	// purchase take the freed slot before the first payment lands.
	if err := f.counter.SetCommitted(ctx, store.ScopeBanner, 3); err != nil {
		t.Fatal(err)
	}
	late, err := f.ctrl.TryReserve(ctx, store.ScopeBanner)
	if err != nil {
		t.Fatal(err)
	}
	f.clock.Advance(31 * time.Minute)
	other, err := f.ctrl.TryReserve(ctx, store.ScopeBanner)
	if err != nil {
		t.Fatalf("expired reservation should have freed the slot: %v", err)
	}
	if err := f.ctrl.Commit(ctx, store.ScopeBanner, other.ID); err != nil {
		t.Fatal(err)
	}

	if err := f.ctrl.Commit(ctx, store.ScopeBanner, late.ID); err != nil {
		t.Fatalf("late Commit: %v", err)
	}
	usage, _ := f.counter.Usage(ctx, store.ScopeBanner, f.clock.Now())
	if usage.Committed != 5 {
		t.Errorf("Committed = %d, want 5 (bounded overshoot of one)", usage.Committed)
	}
	if got := testutil.ToFloat64(f.metrics.CapacityOvershoot.WithLabelValues("banner")); got != 1 {
		t.Errorf("overshoot = %v, want 1", got)
	}
	if _, err := f.ctrl.TryReserve(ctx, store.ScopeBanner); !errors.Is(err, ErrCapacityExceeded) {
		t.Errorf("scope over its ceiling must reject, got %v", err)
	}
}

func TestRetire(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	if err := f.counter.SetCommitted(ctx, store.ScopeBanner, 4); err != nil {
		t.Fatal(err)
	}
	if err := f.ctrl.Retire(ctx, store.ScopeBanner); err != nil {
		t.Fatalf("Retire: %v", err)
	}
	if _, err := f.ctrl.TryReserve(ctx, store.ScopeBanner); err != nil {
		t.Fatalf("retired slot should be available: %v", err)
	}
}

func TestResync(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	now := f.clock.Now()

	seed := func(id string, scope store.UnitScope, status store.UnitStatus) {
		u := &store.PromotionalUnit{ID: id, TenantID: "t1", Scope: scope, DurationDays: 7, PriceCents: 100,
			Currency: "usd", Status: store.UnitPending, PaymentStatus: store.PaymentPending}
		if err := f.units.Create(ctx, u); err != nil {
			t.Fatal(err)
		}
		if status != store.UnitPending {
			if _, err := f.units.MarkPaid(ctx, id, status, now, now.AddDate(0, 0, 7)); err != nil {
				t.Fatal(err)
			}
		}
	}
	seed("p1", store.ScopePromotion, store.UnitActive)
	seed("p2", store.ScopePromotion, store.UnitActive)
	seed("p3", store.ScopePromotion, store.UnitPending)
	seed("b1", store.ScopeBanner, store.UnitAssigned)
	seed("b2", store.ScopeBanner, store.UnitPending)

	// A stale counter is overwritten.
	if err := f.counter.SetCommitted(ctx, store.ScopePromotion, 9); err != nil {
		t.Fatal(err)
	}
	if err := f.ctrl.Resync(ctx); err != nil {
		t.Fatalf("Resync: %v", err)
	}

	usage, err := f.ctrl.Usage(ctx)
	if err != nil {
		t.Fatal(err)
	}
	want := map[store.UnitScope]int{store.ScopeBanner: 1, store.ScopePromotion: 2}
	for _, u := range usage {
		if u.Committed != want[u.Scope] {
			t.Errorf("%s committed = %d, want %d", u.Scope, u.Committed, want[u.Scope])
		}
	}
}

func TestUsage_AvailableNeverNegative(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	if err := f.counter.SetCommitted(ctx, store.ScopeBanner, 6); err != nil {
		t.Fatal(err)
	}
	usage, err := f.ctrl.Usage(ctx)
	if err != nil {
		t.Fatal(err)
	}
	for _, u := range usage {
		if u.Available < 0 {
			t.Errorf("%s available = %d", u.Scope, u.Available)
		}
	}
	if fmt.Sprint(usage[0].Scope) != "banner" {
		t.Errorf("usage order: %+v", usage)
	}
}
