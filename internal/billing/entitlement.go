package billing

import (
	"context"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"stockmeter/internal/types"
)

// Entitlement is the set of limits and features currently granted to an
// account. It is derived from subscription state, never from the stored tier
// pointer alone.
type Entitlement struct {
	AccountID     string                  `json:"account_id"`
	State         types.SubscriptionState `json:"state"`
	Tier          types.TierName          `json:"tier"`
	FreeAllowance int64                   `json:"free_allowance"`
	OverageRate   decimal.Decimal         `json:"overage_rate"`
	HardCap       types.Limit             `json:"hard_cap"`
	MaxUsers      types.Limit             `json:"max_users"`
	MaxBranches   types.Limit             `json:"max_branches"`
	Features      []string                `json:"features"`
	GraceEndsAt   *time.Time              `json:"grace_ends_at,omitempty"`
}

// PricingTier rebuilds the catalog view used by the cost calculator.
func (e Entitlement) PricingTier() types.PricingTier {
	return types.PricingTier{
		Name:          e.Tier,
		FreeAllowance: e.FreeAllowance,
		OverageRate:   e.OverageRate,
		HardCap:       e.HardCap,
		MaxUsers:      e.MaxUsers,
		MaxBranches:   e.MaxBranches,
		Features:      e.Features,
	}
}

// SubscriptionReader loads the subscription owned by an account.
type SubscriptionReader interface {
	// GetSubscription returns ErrCodeUnknownAccount when the account has no
	// subscription record.
	GetSubscription(ctx context.Context, accountID string) (*types.Subscription, error)
}

// EffectiveTier applies the downgrade-on-lapse policy:
//
//	trialing, active, cancelling -> subscription tier
//	past_due                     -> subscription tier until PastDueSince+grace, then free
//	none, cancelled              -> free
func EffectiveTier(sub types.Subscription, now time.Time, grace time.Duration) types.TierName {
	switch sub.State {
	case types.StateTrialing, types.StateActive, types.StateCancelling:
		return sub.Tier
	case types.StatePastDue:
		if sub.PastDueSince == nil || now.Before(sub.PastDueSince.Add(grace)) {
			return sub.Tier
		}
		return types.TierFree
	default:
		return types.TierFree
	}
}

// EntitlementResolver resolves an account's current entitlement. Reads never
// block on the scheduler; they use the last persisted subscription state.
type EntitlementResolver struct {
	subs    SubscriptionReader
	catalog TierCatalog
	clock   types.Clock
	grace   time.Duration
	logger  *slog.Logger
}

// NewEntitlementResolver creates an EntitlementResolver.
func NewEntitlementResolver(
	subs SubscriptionReader,
	catalog TierCatalog,
	clock types.Clock,
	grace time.Duration,
	logger *slog.Logger,
) *EntitlementResolver {
	if clock == nil {
		clock = types.RealClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &EntitlementResolver{
		subs:    subs,
		catalog: catalog,
		clock:   clock,
		grace:   grace,
		logger:  logger,
	}
}

// Resolve returns {tier, freeAllowance, overageRate, hardCap, features} for
// the account as of now.
func (r *EntitlementResolver) Resolve(ctx context.Context, accountID string) (Entitlement, error) {
	sub, err := r.subs.GetSubscription(ctx, accountID)
	if err != nil {
		return Entitlement{}, err
	}
	ent, err := r.ResolveSubscription(*sub, r.clock.Now())
	if err != nil {
		r.logger.ErrorContext(ctx, "subscription references a tier missing from the catalog",
			"account_id", accountID,
			"tier", sub.Tier,
			"error", err,
		)
		return Entitlement{}, err
	}
	return ent, nil
}

// ResolveSubscription is the pure form of Resolve.
func (r *EntitlementResolver) ResolveSubscription(sub types.Subscription, now time.Time) (Entitlement, error) {
	tier, err := r.catalog.Tier(EffectiveTier(sub, now, r.grace))
	if err != nil {
		return Entitlement{}, err
	}

	ent := Entitlement{
		AccountID:     sub.AccountID,
		State:         sub.State,
		Tier:          tier.Name,
		FreeAllowance: tier.FreeAllowance,
		OverageRate:   tier.OverageRate,
		HardCap:       tier.HardCap,
		MaxUsers:      tier.MaxUsers,
		MaxBranches:   tier.MaxBranches,
		Features:      tier.Features,
	}
	if sub.State == types.StatePastDue && sub.PastDueSince != nil {
		end := sub.PastDueSince.Add(r.grace)
		ent.GraceEndsAt = &end
	}
	return ent, nil
}

// GracePeriod returns the configured past_due grace window.
func (r *EntitlementResolver) GracePeriod() time.Duration {
	return r.grace
}
