package billing

import (
	"context"
	"time"

	"stockmeter/internal/types"
)

const (
	defaultHistoryLimit = 12
	maxHistoryLimit     = 100
)

// SnapshotLister pages through an account's snapshots, newest first.
type SnapshotLister interface {
	// ListSnapshots returns snapshots with a cycle anchor strictly before
	// `before` (or all when nil), newest first.
	ListSnapshots(ctx context.Context, accountID string, before *time.Time, limit int) ([]types.BillingSnapshot, error)
}

// Overview is the billing summary shown to account owners.
type Overview struct {
	AccountID           string                  `json:"account_id"`
	State               types.SubscriptionState `json:"state"`
	Tier                types.TierName          `json:"tier"`
	SubscribedTier      types.TierName          `json:"subscribed_tier"`
	Interval            types.BillingInterval   `json:"interval"`
	Entitlement         Entitlement             `json:"entitlement"`
	Usage               types.UsageRecord       `json:"usage"`
	ProjectedCost       CostBreakdown           `json:"projected_cost"`
	Currency            string                  `json:"currency"`
	CycleStart          time.Time               `json:"cycle_start"`
	CycleEnd            time.Time               `json:"cycle_end"`
	TrialActive         bool                    `json:"trial_active"`
	TrialEndsAt         *time.Time              `json:"trial_ends_at,omitempty"`
	CancellationPending bool                    `json:"cancellation_pending"`
	CancelEffectiveAt   *time.Time              `json:"cancel_effective_at,omitempty"`
	PastDue             bool                    `json:"past_due"`
	GraceEndsAt         *time.Time              `json:"grace_ends_at,omitempty"`
}

// UsageSummary assembles the read-only billing views.
type UsageSummary struct {
	subs      SubscriptionReader
	usage     UsageSource
	resolver  *EntitlementResolver
	snapshots SnapshotLister
	clock     types.Clock
	currency  string
}

// NewUsageSummary creates a UsageSummary.
func NewUsageSummary(
	subs SubscriptionReader,
	usage UsageSource,
	resolver *EntitlementResolver,
	snapshots SnapshotLister,
	clock types.Clock,
	currency string,
) *UsageSummary {
	if clock == nil {
		clock = types.RealClock{}
	}
	if currency == "" {
		currency = types.DefaultCurrency
	}
	return &UsageSummary{
		subs:      subs,
		usage:     usage,
		resolver:  resolver,
		snapshots: snapshots,
		clock:     clock,
		currency:  currency,
	}
}

// Overview returns tier, limits, usage, projected cost and lifecycle flags.
func (u *UsageSummary) Overview(ctx context.Context, accountID string) (*Overview, error) {
	sub, err := u.subs.GetSubscription(ctx, accountID)
	if err != nil {
		return nil, err
	}
	usage, err := u.usage.Usage(ctx, accountID)
	if err != nil {
		return nil, err
	}
	ent, err := u.resolver.ResolveSubscription(*sub, u.clock.Now())
	if err != nil {
		return nil, err
	}

	o := &Overview{
		AccountID:           accountID,
		State:               sub.State,
		Tier:                ent.Tier,
		SubscribedTier:      sub.Tier,
		Interval:            sub.Interval,
		Entitlement:         ent,
		Usage:               *usage,
		ProjectedCost:       ProjectedCost(usage.Products, ent),
		Currency:            u.currency,
		TrialActive:         sub.State == types.StateTrialing,
		TrialEndsAt:         sub.TrialEndsAt,
		CancellationPending: sub.State == types.StateCancelling,
		CancelEffectiveAt:   sub.CancelEffectiveAt,
		PastDue:             sub.State == types.StatePastDue,
		GraceEndsAt:         ent.GraceEndsAt,
	}
	if sub.State.Billable() {
		o.CycleStart = sub.CycleAnchor
		o.CycleEnd = sub.CycleEnd()
	}
	return o, nil
}

// ProjectedCost is the amount the open cycle would cost if it closed with
// the current usage under the current entitlement.
func ProjectedCost(usage int64, ent Entitlement) CostBreakdown {
	return Breakdown(usage, ent.PricingTier())
}

// History pages through past snapshots. cursor is the cycle anchor of the
// last item of the previous page, RFC 3339.
func (u *UsageSummary) History(ctx context.Context, accountID string, cursor string, limit int) (*types.ListResponse[types.BillingSnapshot], error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}

	var before *time.Time
	if cursor != "" {
		t, err := time.Parse(time.RFC3339, cursor)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeValidationInvalidValue, "invalid history cursor", err)
		}
		before = &t
	}

	// Ensure the account exists so unknown ids are 404 rather than empty.
	if _, err := u.subs.GetSubscription(ctx, accountID); err != nil {
		return nil, err
	}

	items, err := u.snapshots.ListSnapshots(ctx, accountID, before, limit+1)
	if err != nil {
		return nil, err
	}

	resp := &types.ListResponse[types.BillingSnapshot]{Data: items}
	if len(items) > limit {
		resp.Data = items[:limit]
		resp.PageInfo.HasMore = true
		resp.PageInfo.NextCursor = resp.Data[limit-1].CycleAnchor.UTC().Format(time.RFC3339)
	}
	if resp.Data == nil {
		resp.Data = []types.BillingSnapshot{}
	}
	return resp, nil
}
