// Package admission enforces global ceilings on paid promotional units.
//
// Capacity is tracked by a maintained counter (committed slots plus
// time-boxed reservations) rather than by scanning units on every request.
// TryReserve is an atomic check-and-reserve, so two purchases racing for the
// last slot cannot both be admitted.
package admission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/GoCodeAlone/entitlements/metrics"
	"github.com/GoCodeAlone/entitlements/store"
)

// ErrCapacityExceeded is returned by TryReserve when the scope is full.
var ErrCapacityExceeded = errors.New("admission: capacity exceeded")

// Default ceilings and reservation lifetime.
const (
	DefaultBannerCeiling    = 4
	DefaultPromotionCeiling = 12
	DefaultReservationTTL   = 30 * time.Minute
)

// Config holds the per-scope ceilings and the reservation lifetime.
type Config struct {
	BannerCeiling    int           `yaml:"banner_ceiling" env:"BANNER_CEILING"`
	PromotionCeiling int           `yaml:"promotion_ceiling" env:"PROMOTION_CEILING"`
	ReservationTTL   time.Duration `yaml:"reservation_ttl" env:"RESERVATION_TTL"`
}

// DefaultConfig returns the default admission configuration.
func DefaultConfig() Config {
	return Config{
		BannerCeiling:    DefaultBannerCeiling,
		PromotionCeiling: DefaultPromotionCeiling,
		ReservationTTL:   DefaultReservationTTL,
	}
}

// Usage is a scope's counter state together with its ceiling.
type Usage struct {
	Scope     store.UnitScope `json:"scope"`
	Ceiling   int             `json:"ceiling"`
	Committed int             `json:"committed"`
	Reserved  int             `json:"reserved"`
	Available int             `json:"available"`
}

// Controller is the admission controller.
type Controller struct {
	counter  store.CapacityCounter
	units    store.UnitStore
	ceilings map[store.UnitScope]int
	ttl      time.Duration
	logger   *slog.Logger
	metrics  *metrics.Collector
	now      func() time.Time
}

// Option configures a Controller.
type Option func(*Controller)

// WithMetrics attaches a metrics collector.
func WithMetrics(m *metrics.Collector) Option {
	return func(c *Controller) { c.metrics = m }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// New creates a Controller. Zero config values fall back to the defaults.
func New(counter store.CapacityCounter, units store.UnitStore, cfg Config, logger *slog.Logger, opts ...Option) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.BannerCeiling <= 0 {
		cfg.BannerCeiling = def.BannerCeiling
	}
	if cfg.PromotionCeiling <= 0 {
		cfg.PromotionCeiling = def.PromotionCeiling
	}
	if cfg.ReservationTTL <= 0 {
		cfg.ReservationTTL = def.ReservationTTL
	}

	c := &Controller{
		counter: counter,
		units:   units,
		ceilings: map[store.UnitScope]int{
			store.ScopeBanner:    cfg.BannerCeiling,
			store.ScopePromotion: cfg.PromotionCeiling,
		},
		ttl:    cfg.ReservationTTL,
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Ceiling returns the configured ceiling for scope.
func (c *Controller) Ceiling(scope store.UnitScope) int {
	return c.ceilings[scope]
}

// TryReserve claims one slot in scope for the reservation lifetime. It
// returns ErrCapacityExceeded when committed slots plus live reservations
// already reach the ceiling.
func (c *Controller) TryReserve(ctx context.Context, scope store.UnitScope) (*store.Reservation, error) {
	ceiling, ok := c.ceilings[scope]
	if !ok {
		return nil, fmt.Errorf("admission: unknown scope %q", scope)
	}

	now := c.now()
	r := store.Reservation{
		ID:        uuid.NewString(),
		Scope:     scope,
		ExpiresAt: now.Add(c.ttl),
	}
	admitted, err := c.counter.Reserve(ctx, r, ceiling, now)
	if err != nil {
		return nil, fmt.Errorf("admission: reserve %s: %w", scope, err)
	}
	c.metrics.RecordAdmission(string(scope), admitted)
	c.publishUsage(ctx, scope)

	if !admitted {
		c.logger.Info("Capacity exceeded", "scope", scope, "ceiling", ceiling)
		return nil, fmt.Errorf("%w: %s ceiling of %d reached", ErrCapacityExceeded, scope, ceiling)
	}
	return &r, nil
}

// Commit turns a reservation into a committed slot once its unit is paid.
// A payment that lands after the reservation expired is still honored: the
// slot is force-committed and, if that takes the scope past its ceiling, the
// overshoot is logged and counted.
func (c *Controller) Commit(ctx context.Context, scope store.UnitScope, reservationID string) error {
	err := c.counter.Commit(ctx, scope, reservationID, c.now())
	if err == nil {
		c.publishUsage(ctx, scope)
		return nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("admission: commit %s: %w", reservationID, err)
	}
	return c.ForceCommit(ctx, scope)
}

// ForceCommit counts one committed slot regardless of the ceiling.
func (c *Controller) ForceCommit(ctx context.Context, scope store.UnitScope) error {
	if err := c.counter.ForceCommit(ctx, scope); err != nil {
		return fmt.Errorf("admission: force commit %s: %w", scope, err)
	}
	usage, err := c.counter.Usage(ctx, scope, c.now())
	if err != nil {
		return fmt.Errorf("admission: usage %s: %w", scope, err)
	}
	c.metrics.SetCapacity(string(scope), usage.Committed, usage.Reserved)
	if ceiling := c.ceilings[scope]; usage.InUse() > ceiling {
		c.metrics.RecordOvershoot(string(scope))
		c.logger.Warn("Capacity overshoot from late payment",
			"scope", scope, "ceiling", ceiling, "committed", usage.Committed, "reserved", usage.Reserved)
	}
	return nil
}

// Release drops a reservation whose purchase failed or was abandoned.
func (c *Controller) Release(ctx context.Context, scope store.UnitScope, reservationID string) error {
	if reservationID == "" {
		return nil
	}
	if err := c.counter.Release(ctx, scope, reservationID); err != nil {
		return fmt.Errorf("admission: release %s: %w", reservationID, err)
	}
	c.publishUsage(ctx, scope)
	return nil
}

// Retire frees the committed slot of an expired or rejected unit.
func (c *Controller) Retire(ctx context.Context, scope store.UnitScope) error {
	if err := c.counter.Retire(ctx, scope); err != nil {
		return fmt.Errorf("admission: retire %s: %w", scope, err)
	}
	c.publishUsage(ctx, scope)
	return nil
}

// Usage reports every scope's counter state.
func (c *Controller) Usage(ctx context.Context) ([]Usage, error) {
	now := c.now()
	out := make([]Usage, 0, len(c.ceilings))
	for _, scope := range []store.UnitScope{store.ScopeBanner, store.ScopePromotion} {
		u, err := c.counter.Usage(ctx, scope, now)
		if err != nil {
			return nil, fmt.Errorf("admission: usage %s: %w", scope, err)
		}
		ceiling := c.ceilings[scope]
		out = append(out, Usage{
			Scope:     scope,
			Ceiling:   ceiling,
			Committed: u.Committed,
			Reserved:  u.Reserved,
			Available: max(ceiling-u.InUse(), 0),
		})
	}
	return out, nil
}

// Resync recomputes the committed counts from the unit table. Run it at
// startup so a counter lost with its backend (Redis) is rebuilt.
func (c *Controller) Resync(ctx context.Context) error {
	for _, scope := range []store.UnitScope{store.ScopeBanner, store.ScopePromotion} {
		n, err := c.units.CountCommitted(ctx, scope)
		if err != nil {
			return fmt.Errorf("admission: resync %s: %w", scope, err)
		}
		if err := c.counter.SetCommitted(ctx, scope, n); err != nil {
			return fmt.Errorf("admission: resync %s: %w", scope, err)
		}
		c.logger.Info("Capacity counter resynced", "scope", scope, "committed", n, "ceiling", c.ceilings[scope])
		c.publishUsage(ctx, scope)
	}
	return nil
}

func (c *Controller) publishUsage(ctx context.Context, scope store.UnitScope) {
	if c.metrics == nil {
		return
	}
	u, err := c.counter.Usage(ctx, scope, c.now())
	if err != nil {
		c.logger.Debug("Capacity usage unavailable", "scope", scope, "error", err)
		return
	}
	c.metrics.SetCapacity(string(scope), u.Committed, u.Reserved)
}
