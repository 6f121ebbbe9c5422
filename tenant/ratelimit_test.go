package tenant

import (
	"errors"
	"testing"
	"time"
)

func TestPurchaseLimiter_Burst(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	l := NewPurchaseLimiter(6, 2)
	l.now = func() time.Time { return now }

	for i := 0; i < 2; i++ {
		if err := l.Allow("t1"); err != nil {
			t.Fatalf("attempt %d: %v", i, err)
		}
	}
	err := l.Allow("t1")
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
	var rle *RateLimitError
	if !errors.As(err, &rle) {
		t.Fatalf("expected *RateLimitError, got %T", err)
	}
	if rle.RetryAfter < 9*time.Second || rle.RetryAfter > 11*time.Second {
		t.Errorf("RetryAfter = %v, want about 10s", rle.RetryAfter)
	}

	// Other tenants have their own bucket.
	if err := l.Allow("t2"); err != nil {
		t.Fatalf("t2: %v", err)
	}

	// A refused attempt does not consume a token.
	now = now.Add(11 * time.Second)
	if err := l.Allow("t1"); err != nil {
		t.Fatalf("after refill: %v", err)
	}
}

func TestPurchaseLimiter_Defaults(t *testing.T) {
	l := NewPurchaseLimiter(0, 0)
	if l.b != DefaultPurchaseBurst {
		t.Errorf("burst = %d, want %d", l.b, DefaultPurchaseBurst)
	}
	var nilLimiter *PurchaseLimiter
	if err := nilLimiter.Allow("t1"); err != nil {
		t.Errorf("nil limiter should allow, got %v", err)
	}
}

func TestPurchaseLimiter_Prune(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	l := NewPurchaseLimiter(60, 1)
	l.now = func() time.Time { return now }

	_ = l.Allow("old")
	now = now.Add(time.Hour)
	_ = l.Allow("fresh")

	if n := l.Prune(10 * time.Minute); n != 1 {
		t.Fatalf("Prune = %d, want 1", n)
	}
	if _, ok := l.limiters["fresh"]; !ok {
		t.Error("fresh limiter should be kept")
	}
}

func TestRateLimitError_MinimumOneSecond(t *testing.T) {
	e := &RateLimitError{TenantID: "t", RetryAfter: 100 * time.Millisecond}
	if e.RetryAfterSeconds() != 1 {
		t.Errorf("RetryAfterSeconds = %d, want 1", e.RetryAfterSeconds())
	}
}
