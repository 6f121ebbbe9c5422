package promotion

import (
	"errors"
	"fmt"
	"slices"

	"github.com/GoCodeAlone/entitlements/store"
)

// ErrInvalidRequest is returned for purchases outside the price list.
var ErrInvalidRequest = errors.New("promotion: invalid request")

// ScopePricing is the price list of one unit scope.
type ScopePricing struct {
	Placements    []string `yaml:"placements"`
	DailyCents    int64    `yaml:"daily_cents"`
	DurationsDays []int    `yaml:"durations_days"`
}

// Pricing is the price list for every scope.
type Pricing struct {
	Currency string                           `yaml:"currency" env:"CURRENCY"`
	Scopes   map[store.UnitScope]ScopePricing `yaml:"scopes"`
}

// DefaultPricing returns the default price list.
func DefaultPricing() Pricing {
	return Pricing{
		Currency: "usd",
		Scopes: map[store.UnitScope]ScopePricing{
			store.ScopePromotion: {
				Placements:    []string{"featured", "search_top"},
				DailyCents:    500,
				DurationsDays: []int{7, 14, 30},
			},
			store.ScopeBanner: {
				Placements:    []string{"home_hero", "home_sidebar"},
				DailyCents:    1500,
				DurationsDays: []int{7, 14, 30},
			},
		},
	}
}

// Quote validates the purchase and returns its price in cents. An empty
// placement selects the scope's first placement.
func (p Pricing) Quote(scope store.UnitScope, placement string, days int) (string, int64, error) {
	sp, ok := p.Scopes[scope]
	if !ok {
		return "", 0, fmt.Errorf("%w: unknown scope %q", ErrInvalidRequest, scope)
	}
	if placement == "" && len(sp.Placements) > 0 {
		placement = sp.Placements[0]
	}
	if len(sp.Placements) > 0 && !slices.Contains(sp.Placements, placement) {
		return "", 0, fmt.Errorf("%w: placement %q is not offered for %s", ErrInvalidRequest, placement, scope)
	}
	if !slices.Contains(sp.DurationsDays, days) {
		return "", 0, fmt.Errorf("%w: duration of %d days is not offered for %s", ErrInvalidRequest, days, scope)
	}
	return placement, sp.DailyCents * int64(days), nil
}

// Validate checks the price list.
func (p Pricing) Validate() error {
	if p.Currency == "" {
		return fmt.Errorf("pricing: currency is required")
	}
	for scope, sp := range p.Scopes {
		if !scope.Valid() {
			return fmt.Errorf("pricing: unknown scope %q", scope)
		}
		if sp.DailyCents <= 0 {
			return fmt.Errorf("pricing: %s daily price must be positive", scope)
		}
		if len(sp.DurationsDays) == 0 {
			return fmt.Errorf("pricing: %s needs at least one duration", scope)
		}
		for _, d := range sp.DurationsDays {
			if d <= 0 {
				return fmt.Errorf("pricing: %s duration %d must be positive", scope, d)
			}
		}
	}
	return nil
}
