package types

import (
	"encoding/json"
	"slices"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// CycleLength is the fixed length of a metered billing cycle.
const CycleLength = 30 * 24 * time.Hour

// DefaultCurrency is the ISO 4217 code used for all snapshot amounts.
const DefaultCurrency = "eur"

// Limit is a non-negative capacity bound. Unbounded represents "no cap".
type Limit int64

// Unbounded marks a Limit with no upper bound.
const Unbounded Limit = -1

// Finite reports whether the limit imposes a cap.
func (l Limit) Finite() bool {
	return l >= 0
}

// Allows reports whether a resulting count of n stays within the limit.
func (l Limit) Allows(n int64) bool {
	return !l.Finite() || n <= int64(l)
}

// MarshalJSON renders Unbounded as null so clients never see the sentinel.
func (l Limit) MarshalJSON() ([]byte, error) {
	if !l.Finite() {
		return []byte("null"), nil
	}
	return []byte(strconv.FormatInt(int64(l), 10)), nil
}

// UnmarshalJSON accepts null as Unbounded.
func (l *Limit) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*l = Unbounded
		return nil
	}
	var n int64
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*l = Limit(n)
	return nil
}

// Account is a tenant. Deactivation happens outside this engine.
type Account struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
}

// PricingTier is immutable catalog data shared by all subscriptions.
type PricingTier struct {
	Name          TierName        `json:"name"`
	DisplayName   string          `json:"display_name"`
	Rank          int             `json:"rank"`
	FreeAllowance int64           `json:"free_allowance"`
	OverageRate   decimal.Decimal `json:"overage_rate"`
	HardCap       Limit           `json:"hard_cap"`
	MaxUsers      Limit           `json:"max_users"`
	MaxBranches   Limit           `json:"max_branches"`
	MonthlyPrice  decimal.Decimal `json:"monthly_price"`
	YearlyPrice   decimal.Decimal `json:"yearly_price"`
	Features      []string        `json:"features"`
}

// HasFeature reports whether the tier grants the named capability.
func (t PricingTier) HasFeature(name string) bool {
	return slices.Contains(t.Features, name)
}

// UsageRecord is the live per-account counter set. Products is the only
// billable dimension.
type UsageRecord struct {
	AccountID       string    `json:"account_id"`
	Products        int64     `json:"products"`
	Users           int64     `json:"users"`
	Branches        int64     `json:"branches"`
	OrdersThisMonth int64     `json:"orders_this_month"`
	Version         int64     `json:"-"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// UsageDimensions carries the non-billable counts reported by collaborators.
type UsageDimensions struct {
	Users           int64 `json:"users" validate:"gte=0"`
	Branches        int64 `json:"branches" validate:"gte=0"`
	OrdersThisMonth int64 `json:"orders_this_month" validate:"gte=0"`
}

// Subscription is the single lifecycle record owned by an account.
type Subscription struct {
	AccountID              string            `json:"account_id"`
	State                  SubscriptionState `json:"state"`
	Tier                   TierName          `json:"tier"`
	Interval               BillingInterval   `json:"interval"`
	CycleAnchor            time.Time         `json:"cycle_anchor"`
	TrialEndsAt            *time.Time        `json:"trial_ends_at,omitempty"`
	CancelEffectiveAt      *time.Time        `json:"cancel_effective_at,omitempty"`
	PastDueSince           *time.Time        `json:"past_due_since,omitempty"`
	ExternalSubscriptionID string            `json:"external_subscription_id,omitempty"`
	ExternalCustomerID     string            `json:"external_customer_id,omitempty"`
	HasPaymentMethod       bool              `json:"has_payment_method"`
	LastEventAt            *time.Time        `json:"-"`
	Version                int64             `json:"-"`
	CreatedAt              time.Time         `json:"created_at"`
	UpdatedAt              time.Time         `json:"updated_at"`
}

// CycleEnd returns the instant the current cycle closes.
func (s Subscription) CycleEnd() time.Time {
	return s.CycleAnchor.Add(CycleLength)
}

// CycleDue reports whether the current cycle has closed at now.
func (s Subscription) CycleDue(now time.Time) bool {
	return s.State.Billable() && !now.Before(s.CycleEnd())
}

// BillingSnapshot is the frozen usage and amount for one closed cycle.
// (AccountID, CycleAnchor) is unique.
type BillingSnapshot struct {
	ID                string          `json:"id"`
	AccountID         string          `json:"account_id"`
	CycleAnchor       time.Time       `json:"cycle_anchor"`
	CycleEnd          time.Time       `json:"cycle_end"`
	Tier              TierName        `json:"tier"`
	ProductCount      int64           `json:"product_count"`
	Amount            decimal.Decimal `json:"amount"`
	Currency          string          `json:"currency"`
	Status            SnapshotStatus  `json:"status"`
	ExternalInvoiceID string          `json:"external_invoice_id,omitempty"`
	FailureReason     string          `json:"failure_reason,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// IdempotencyKey is the processor-side key for this snapshot's invoice.
// It is derived from the (account, cycle) key so retries never double charge.
func (s BillingSnapshot) IdempotencyKey() string {
	return SnapshotIdempotencyKey(s.AccountID, s.CycleAnchor)
}

// SnapshotIdempotencyKey builds the invoice idempotency key for a cycle.
func SnapshotIdempotencyKey(accountID string, cycleAnchor time.Time) string {
	return "snapshot:" + accountID + ":" + cycleAnchor.UTC().Format(time.RFC3339)
}

// TransitionRecord is the audit entry emitted for every state change.
type TransitionRecord struct {
	AccountID  string            `json:"account_id"`
	From       SubscriptionState `json:"from"`
	To         SubscriptionState `json:"to"`
	Trigger    TransitionTrigger `json:"trigger"`
	Tier       TierName          `json:"tier"`
	OccurredAt time.Time         `json:"occurred_at"`
}

// ProcessedWebhookEvent records a processor event that has been applied.
type ProcessedWebhookEvent struct {
	EventID    string
	Type       string
	ReceivedAt time.Time
	Payload    []byte
}

// SubscriptionFilter narrows admin subscription listings.
type SubscriptionFilter struct {
	State SubscriptionState
	Tier  TierName
	Limit int
	After string
}

// SubscriptionStats aggregates subscription counts for admin reporting.
type SubscriptionStats struct {
	Total          int             `json:"total"`
	Active         int             `json:"active"`
	Trialing       int             `json:"trialing"`
	PastDue        int             `json:"past_due"`
	Cancelling     int             `json:"cancelling"`
	Cancelled      int             `json:"cancelled"`
	LastCycleTotal decimal.Decimal `json:"last_cycle_revenue"`
}
