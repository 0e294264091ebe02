package billing

import (
	"context"
	"fmt"
	"math"
	"slices"
	"strings"

	"stockmeter/internal/types"
)

// Decision is the outcome of a feature gate check.
type Decision struct {
	Allowed      bool           `json:"allowed"`
	Action       types.Action   `json:"action"`
	Reason       string         `json:"reason,omitempty"`
	Tier         types.TierName `json:"tier"`
	Current      int64          `json:"current"`
	Limit        types.Limit    `json:"limit"`
	RequiredTier types.TierName `json:"required_tier,omitempty"`
}

// EntitlementSource resolves the entitlement of an account.
type EntitlementSource interface {
	Resolve(ctx context.Context, accountID string) (Entitlement, error)
}

// UsageSource reads the live usage record of an account.
type UsageSource interface {
	Usage(ctx context.Context, accountID string) (*types.UsageRecord, error)
}

// FeatureGate decides whether an account may perform a resource-mutating
// action given its entitlement and current usage.
type FeatureGate struct {
	entitlements EntitlementSource
	usage        UsageSource
	catalog      TierCatalog
}

// NewFeatureGate creates a FeatureGate.
func NewFeatureGate(entitlements EntitlementSource, usage UsageSource, catalog TierCatalog) *FeatureGate {
	return &FeatureGate{
		entitlements: entitlements,
		usage:        usage,
		catalog:      catalog,
	}
}

// CanPerform reports whether the action, growing its resource by delta, stays
// within the account's entitlement.
func (g *FeatureGate) CanPerform(ctx context.Context, accountID string, action types.Action, delta int64) (Decision, error) {
	if err := validateAction(action, delta); err != nil {
		return Decision{}, err
	}
	ent, err := g.entitlements.Resolve(ctx, accountID)
	if err != nil {
		return Decision{}, err
	}
	usage, err := g.usage.Usage(ctx, accountID)
	if err != nil {
		return Decision{}, err
	}
	return Decide(ent, *usage, action, delta, g.catalog), nil
}

// Check is CanPerform for HTTP callers: a denial becomes an AppError whose
// code identifies the exhausted limit.
func (g *FeatureGate) Check(ctx context.Context, accountID string, action types.Action, delta int64) error {
	d, err := g.CanPerform(ctx, accountID, action, delta)
	if err != nil {
		return err
	}
	return d.Err()
}

// Err converts a denial into an AppError. It returns nil when allowed.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	details := map[string]any{
		"tier":          string(d.Tier),
		"required_tier": string(d.RequiredTier),
	}
	if _, ok := featureName(d.Action); !ok {
		details["current"] = d.Current
		details["limit"] = d.Limit
	}
	return types.NewAppErrorWithDetails(denialCode(d.Action), d.Reason, nil, details)
}

// Decide is the pure gate rule. Unbounded limits always allow. Finite limits
// deny when current+delta exceeds the limit, naming the cheapest other tier
// that would allow the action.
func Decide(ent Entitlement, usage types.UsageRecord, action types.Action, delta int64, catalog TierCatalog) Decision {
	d := Decision{Action: action, Tier: ent.Tier, Limit: types.Unbounded}

	if feature, ok := featureName(action); ok {
		if slices.Contains(ent.Features, feature) {
			d.Allowed = true
			return d
		}
		d.RequiredTier = cheapestTier(catalog, ent.Tier, func(t types.PricingTier) bool {
			return t.HasFeature(feature)
		})
		d.Reason = denialReason(fmt.Sprintf("feature %q is not included in the %s tier", feature, ent.Tier), d.RequiredTier)
		return d
	}

	current, limitOf := dimension(usage, action)
	d.Current = current
	d.Limit = limitOf(ent.PricingTier())
	next := saturatingAdd(current, delta)

	if d.Limit.Allows(next) {
		d.Allowed = true
		return d
	}

	d.RequiredTier = cheapestTier(catalog, ent.Tier, func(t types.PricingTier) bool {
		return limitOf(t).Allows(next)
	})
	d.Reason = denialReason(
		fmt.Sprintf("%s would reach %d, above the %s tier limit of %d", action, next, ent.Tier, int64(d.Limit)),
		d.RequiredTier,
	)
	return d
}

func dimension(usage types.UsageRecord, action types.Action) (int64, func(types.PricingTier) types.Limit) {
	switch action {
	case types.ActionAddUser:
		return usage.Users, func(t types.PricingTier) types.Limit { return t.MaxUsers }
	case types.ActionAddBranch:
		return usage.Branches, func(t types.PricingTier) types.Limit { return t.MaxBranches }
	default:
		return usage.Products, func(t types.PricingTier) types.Limit { return t.HardCap }
	}
}

// saturatingAdd clamps at math.MaxInt64 instead of wrapping negative.
func saturatingAdd(a, b int64) int64 {
	if b > 0 && a > math.MaxInt64-b {
		return math.MaxInt64
	}
	return a + b
}

func cheapestTier(catalog TierCatalog, current types.TierName, allows func(types.PricingTier) bool) types.TierName {
	if catalog == nil {
		return ""
	}
	for _, t := range catalog.Tiers() {
		if t.Name != current && allows(t) {
			return t.Name
		}
	}
	return ""
}

func denialReason(base string, required types.TierName) string {
	if required == "" {
		return base + "; no tier allows it"
	}
	return fmt.Sprintf("%s; upgrade to %s", base, required)
}

func featureName(action types.Action) (string, bool) {
	name, ok := strings.CutPrefix(string(action), types.ActionUseFeaturePrefix)
	if !ok || name == "" {
		return "", false
	}
	return name, true
}

func denialCode(action types.Action) types.ErrorCode {
	switch action {
	case types.ActionAddUser:
		return types.ErrCodeLimitUsers
	case types.ActionAddBranch:
		return types.ErrCodeLimitBranches
	case types.ActionAddProduct:
		return types.ErrCodeLimitProducts
	default:
		return types.ErrCodeForbiddenFeature
	}
}

func validateAction(action types.Action, delta int64) error {
	if delta < 0 {
		return types.NewAppError(types.ErrCodeValidationInvalidDelta, "requested delta must not be negative", nil)
	}
	switch action {
	case types.ActionAddProduct, types.ActionAddUser, types.ActionAddBranch:
		return nil
	}
	if _, ok := featureName(action); ok {
		return nil
	}
	return types.NewAppErrorWithDetails(
		types.ErrCodeValidationInvalidValue,
		fmt.Sprintf("unknown action %q", action),
		nil,
		map[string]any{"action": string(action)},
	)
}
