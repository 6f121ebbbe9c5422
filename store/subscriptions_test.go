package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/GoCodeAlone/entitlements/billing"
)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestSubscriptionUpsert_InsertAndGet(t *testing.T) {
	s := NewSQLiteSubscriptionStore(openTestDB(t))
	ctx := context.Background()

	sub := &Subscription{
		TenantID:               "tenant-a",
		MembershipRef:          "price_gold",
		ExternalSubscriptionID: "sub_1",
		ExternalCustomerID:     "cus_1",
		Status:                 billing.StatusActive,
		CurrentPeriodStart:     date(2024, 5, 1),
		CurrentPeriodEnd:       date(2024, 6, 1),
		CancelAtPeriodEnd:      true,
		LastEventAt:            date(2024, 5, 1).Add(time.Hour),
	}
	prev, err := s.Upsert(ctx, sub)
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if prev != nil {
		t.Fatalf("expected no previous row, got %+v", prev)
	}

	for name, get := range map[string]func() (*Subscription, error){
		"tenant":       func() (*Subscription, error) { return s.GetByTenant(ctx, "tenant-a") },
		"customer":     func() (*Subscription, error) { return s.GetByExternalCustomerID(ctx, "cus_1") },
		"subscription": func() (*Subscription, error) { return s.GetByExternalSubscriptionID(ctx, "sub_1") },
	} {
		got, err := get()
		if err != nil {
			t.Fatalf("get by %s: %v", name, err)
		}
		if got.Status != billing.StatusActive || !got.CurrentPeriodEnd.Equal(date(2024, 6, 1)) || !got.CancelAtPeriodEnd {
			t.Errorf("get by %s: unexpected row %+v", name, got)
		}
		if got.MembershipRef != "price_gold" {
			t.Errorf("get by %s: MembershipRef = %q", name, got.MembershipRef)
		}
	}

	if _, err := s.GetByTenant(ctx, "nobody"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestSubscriptionUpsert_ReturnsPrevious(t *testing.T) {
	s := NewSQLiteSubscriptionStore(openTestDB(t))
	ctx := context.Background()

	first := &Subscription{TenantID: "t", ExternalSubscriptionID: "sub_1", Status: billing.StatusActive,
		CurrentPeriodEnd: date(2024, 6, 1), LastEventAt: date(2024, 5, 1)}
	if _, err := s.Upsert(ctx, first); err != nil {
		t.Fatal(err)
	}

	// Same period, later event: applied.
	second := &Subscription{ExternalSubscriptionID: "sub_1", Status: billing.StatusPastDue,
		CurrentPeriodEnd: date(2024, 6, 1), LastEventAt: date(2024, 5, 20)}
	prev, err := s.Upsert(ctx, second)
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if prev == nil || prev.Status != billing.StatusActive {
		t.Fatalf("expected previous active row, got %+v", prev)
	}
	if second.TenantID != "t" {
		t.Errorf("tenant should be resolved from the stored row, got %q", second.TenantID)
	}

	got, _ := s.GetByTenant(ctx, "t")
	if got.Status != billing.StatusPastDue {
		t.Errorf("Status = %q, want past_due", got.Status)
	}
}

// An older period arriving after a newer one is dropped and the stored row
// is unchanged.
func TestSubscriptionUpsert_StaleEventDropped(t *testing.T) {
	s := NewSQLiteSubscriptionStore(openTestDB(t))
	ctx := context.Background()

	current := &Subscription{TenantID: "T", ExternalSubscriptionID: "sub_T", ExternalCustomerID: "cus_T",
		Status: billing.StatusActive, CurrentPeriodEnd: date(2024, 6, 1), LastEventAt: date(2024, 5, 2)}
	if _, err := s.Upsert(ctx, current); err != nil {
		t.Fatal(err)
	}

	stale := &Subscription{TenantID: "T", ExternalSubscriptionID: "sub_T", ExternalCustomerID: "cus_T",
		Status: billing.StatusPastDue, CurrentPeriodEnd: date(2024, 5, 1), LastEventAt: date(2024, 5, 3)}
	_, err := s.Upsert(ctx, stale)
	if !errors.Is(err, ErrStaleEvent) {
		t.Fatalf("expected ErrStaleEvent, got %v", err)
	}

	got, err := s.GetByTenant(ctx, "T")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != billing.StatusActive {
		t.Errorf("Status = %q, want active", got.Status)
	}
	if !got.CurrentPeriodEnd.Equal(date(2024, 6, 1)) {
		t.Errorf("CurrentPeriodEnd = %v, want 2024-06-01", got.CurrentPeriodEnd)
	}
}

func TestSubscriptionUpsert_SamePeriodOlderEventDropped(t *testing.T) {
	s := NewSQLiteSubscriptionStore(openTestDB(t))
	ctx := context.Background()

	newer := &Subscription{TenantID: "T", ExternalSubscriptionID: "sub_T", Status: billing.StatusCancelled,
		CurrentPeriodEnd: date(2024, 6, 1), LastEventAt: date(2024, 5, 10)}
	if _, err := s.Upsert(ctx, newer); err != nil {
		t.Fatal(err)
	}
	older := &Subscription{TenantID: "T", ExternalSubscriptionID: "sub_T", Status: billing.StatusActive,
		CurrentPeriodEnd: date(2024, 6, 1), LastEventAt: date(2024, 5, 9)}
	if _, err := s.Upsert(ctx, older); !errors.Is(err, ErrStaleEvent) {
		t.Fatalf("expected ErrStaleEvent, got %v", err)
	}
}

func TestSubscriptionUpsert_FallbackToCustomer(t *testing.T) {
	s := NewSQLiteSubscriptionStore(openTestDB(t))
	ctx := context.Background()

	if _, err := s.Upsert(ctx, &Subscription{TenantID: "T", ExternalCustomerID: "cus_T",
		Status: billing.StatusTrialing, CurrentPeriodEnd: date(2024, 6, 1)}); err != nil {
		t.Fatal(err)
	}

	// No tenant, new subscription id: matched by customer.
	in := &Subscription{ExternalSubscriptionID: "sub_new", ExternalCustomerID: "cus_T",
		Status: billing.StatusActive, CurrentPeriodEnd: date(2024, 7, 1)}
	prev, err := s.Upsert(ctx, in)
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if prev == nil || prev.TenantID != "T" {
		t.Fatalf("expected match on customer, got %+v", prev)
	}
	got, _ := s.GetByExternalSubscriptionID(ctx, "sub_new")
	if got == nil || got.TenantID != "T" || got.Status != billing.StatusActive {
		t.Errorf("unexpected row: %+v", got)
	}
}

func TestSubscriptionUpsert_UnknownTenant(t *testing.T) {
	s := NewSQLiteSubscriptionStore(openTestDB(t))
	_, err := s.Upsert(context.Background(), &Subscription{ExternalSubscriptionID: "sub_x", Status: billing.StatusActive})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSubscriptionUpsert_RejectsInvalidStatus(t *testing.T) {
	s := NewSQLiteSubscriptionStore(openTestDB(t))
	_, err := s.Upsert(context.Background(), &Subscription{TenantID: "t", Status: "paused"})
	if err == nil {
		t.Fatal("expected error for a status outside the internal set")
	}
}
