package tenant

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ErrRateLimited is returned when a tenant starts purchases too quickly.
var ErrRateLimited = errors.New("tenant: purchase rate limit exceeded")

// RateLimitError carries how long the tenant should wait.
type RateLimitError struct {
	TenantID   string
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%v: tenant %s, retry after %s", ErrRateLimited, e.TenantID, e.RetryAfter)
}

func (e *RateLimitError) Unwrap() error { return ErrRateLimited }

// RetryAfterSeconds rounds RetryAfter up to whole seconds, at least one.
func (e *RateLimitError) RetryAfterSeconds() int {
	return max(int(math.Ceil(e.RetryAfter.Seconds())), 1)
}

// Default purchase limits.
const (
	DefaultPurchasesPerMinute = 5
	DefaultPurchaseBurst      = 3
)

// tenantLimiter holds a per-tenant token bucket and the last time it was used.
type tenantLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// PurchaseLimiter is a per-tenant token bucket for purchase attempts.
type PurchaseLimiter struct {
	mu       sync.Mutex
	limiters map[string]*tenantLimiter
	r        rate.Limit
	b        int
	now      func() time.Time
}

// NewPurchaseLimiter allows perMinute purchases per tenant with the given
// burst. Non-positive values take the defaults.
func NewPurchaseLimiter(perMinute, burst int) *PurchaseLimiter {
	if perMinute <= 0 {
		perMinute = DefaultPurchasesPerMinute
	}
	if burst <= 0 {
		burst = DefaultPurchaseBurst
	}
	return &PurchaseLimiter{
		limiters: make(map[string]*tenantLimiter),
		r:        rate.Limit(float64(perMinute) / 60.0),
		b:        burst,
		now:      time.Now,
	}
}

// Allow takes one token for tenantID or returns a *RateLimitError.
func (l *PurchaseLimiter) Allow(tenantID string) error {
	if l == nil {
		return nil
	}
	now := l.now()
	lim := l.get(tenantID, now)
	res := lim.ReserveN(now, 1)
	if d := res.DelayFrom(now); d > 0 {
		// Give the token back; the purchase is refused.
		res.CancelAt(now)
		return &RateLimitError{TenantID: tenantID, RetryAfter: d}
	}
	return nil
}

// Prune drops limiters idle for longer than idle and returns how many were
// dropped.
func (l *PurchaseLimiter) Prune(idle time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := l.now().Add(-idle)
	n := 0
	for id, tl := range l.limiters {
		if tl.lastSeen.Before(cutoff) {
			delete(l.limiters, id)
			n++
		}
	}
	return n
}

func (l *PurchaseLimiter) get(tenantID string, now time.Time) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	tl, ok := l.limiters[tenantID]
	if !ok {
		tl = &tenantLimiter{limiter: rate.NewLimiter(l.r, l.b)}
		l.limiters[tenantID] = tl
	}
	tl.lastSeen = now
	return tl.limiter
}
