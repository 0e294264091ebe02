// Package billing implements the metering and subscription engine: the tier
// catalog, cost calculation, entitlement resolution, the subscription state
// machine, the usage meter, the feature gate and snapshot generation.
package billing

import (
	"fmt"
	"slices"

	"github.com/shopspring/decimal"

	"stockmeter/internal/types"
)

// TierCatalog is the authoritative, immutable set of pricing tiers.
type TierCatalog interface {
	// Tier returns the named tier. A name missing from the catalog is a
	// configuration error and yields ErrCodeInvalidTierTransition.
	Tier(name types.TierName) (types.PricingTier, error)

	// Tiers returns every tier ordered from cheapest to most expensive.
	Tiers() []types.PricingTier
}

type staticTierCatalog struct {
	byName  map[types.TierName]types.PricingTier
	ordered []types.PricingTier
}

// standardOverageRate is 0.008 EUR per product per cycle above the allowance.
var standardOverageRate = decimal.RequireFromString("0.008")

// defaultTiers is the catalog shipped with the product:
//
//	| Tier       | Allowance | Overage | Products  | Users     | Branches  |
//	|------------|-----------|---------|-----------|-----------|-----------|
//	| free       | 100       | 0.008   | unbounded | 1         | 1         |
//	| business   | 100       | 0.008   | unbounded | 10        | 5         |
//	| enterprise | 100       | 0.008   | unbounded | unbounded | unbounded |
var defaultTiers = []types.PricingTier{
	{
		Name:          types.TierFree,
		DisplayName:   "Free",
		Rank:          0,
		FreeAllowance: 100,
		OverageRate:   standardOverageRate,
		HardCap:       types.Unbounded,
		MaxUsers:      1,
		MaxBranches:   1,
		MonthlyPrice:  decimal.Zero,
		YearlyPrice:   decimal.Zero,
		Features: []string{
			types.FeatureInventory,
			types.FeatureBasicAnalytics,
		},
	},
	{
		Name:          types.TierBusiness,
		DisplayName:   "Business",
		Rank:          1,
		FreeAllowance: 100,
		OverageRate:   standardOverageRate,
		HardCap:       types.Unbounded,
		MaxUsers:      10,
		MaxBranches:   5,
		MonthlyPrice:  decimal.RequireFromString("29.00"),
		YearlyPrice:   decimal.RequireFromString("290.00"),
		Features: []string{
			types.FeatureInventory,
			types.FeatureBasicAnalytics,
			types.FeatureAdvancedAnalytics,
			types.FeatureMultiBranch,
			types.FeatureAPIAccess,
			types.FeatureScanner,
			types.FeatureDelivery,
		},
	},
	{
		Name:          types.TierEnterprise,
		DisplayName:   "Enterprise",
		Rank:          2,
		FreeAllowance: 100,
		OverageRate:   standardOverageRate,
		HardCap:       types.Unbounded,
		MaxUsers:      types.Unbounded,
		MaxBranches:   types.Unbounded,
		MonthlyPrice:  decimal.RequireFromString("99.00"),
		YearlyPrice:   decimal.RequireFromString("990.00"),
		Features: []string{
			types.FeatureInventory,
			types.FeatureBasicAnalytics,
			types.FeatureAdvancedAnalytics,
			types.FeatureMultiBranch,
			types.FeatureAPIAccess,
			types.FeatureScanner,
			types.FeatureDelivery,
			types.FeatureSSO,
			types.FeaturePrioritySupport,
			types.FeatureCustomIntegrations,
			types.FeatureMarketplace,
		},
	},
}

// DefaultTiers returns a copy of the built-in catalog entries.
func DefaultTiers() []types.PricingTier {
	out := make([]types.PricingTier, len(defaultTiers))
	for i, t := range defaultTiers {
		t.Features = slices.Clone(t.Features)
		out[i] = t
	}
	return out
}

// NewStaticTierCatalog builds a catalog from the given tiers, or from
// DefaultTiers when none are supplied. The free tier is mandatory because
// entitlement falls back to it on lapse.
func NewStaticTierCatalog(tiers ...types.PricingTier) (TierCatalog, error) {
	if len(tiers) == 0 {
		tiers = DefaultTiers()
	}

	c := &staticTierCatalog{byName: make(map[types.TierName]types.PricingTier, len(tiers))}
	for _, t := range tiers {
		if _, dup := c.byName[t.Name]; dup {
			return nil, fmt.Errorf("billing: duplicate tier %q in catalog", t.Name)
		}
		if t.FreeAllowance < 0 || t.OverageRate.IsNegative() {
			return nil, fmt.Errorf("billing: tier %q has a negative allowance or rate", t.Name)
		}
		t.Features = slices.Clone(t.Features)
		c.byName[t.Name] = t
		c.ordered = append(c.ordered, t)
	}
	if _, ok := c.byName[types.TierFree]; !ok {
		return nil, fmt.Errorf("billing: catalog must contain the %q tier", types.TierFree)
	}

	slices.SortStableFunc(c.ordered, func(a, b types.PricingTier) int {
		return a.Rank - b.Rank
	})
	return c, nil
}

// MustDefaultCatalog returns the built-in catalog and panics if it is invalid.
func MustDefaultCatalog() TierCatalog {
	c, err := NewStaticTierCatalog()
	if err != nil {
		panic(err)
	}
	return c
}

func (c *staticTierCatalog) Tier(name types.TierName) (types.PricingTier, error) {
	t, ok := c.byName[name]
	if !ok {
		return types.PricingTier{}, types.NewAppErrorWithDetails(
			types.ErrCodeInvalidTierTransition,
			fmt.Sprintf("tier %q is not present in the catalog", name),
			nil,
			map[string]any{"tier": string(name)},
		)
	}
	return t, nil
}

func (c *staticTierCatalog) Tiers() []types.PricingTier {
	return slices.Clone(c.ordered)
}
