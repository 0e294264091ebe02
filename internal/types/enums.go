package types

// TierName identifies a pricing tier in the catalog.
type TierName string

const (
	TierFree       TierName = "free"
	TierBusiness   TierName = "business"
	TierEnterprise TierName = "enterprise"
)

// SubscriptionState is the lifecycle state of an account's subscription.
// UI-level booleans (trial active, cancellation pending) are derived from it.
type SubscriptionState string

const (
	StateNone       SubscriptionState = "none"
	StateTrialing   SubscriptionState = "trialing"
	StateActive     SubscriptionState = "active"
	StateCancelling SubscriptionState = "cancelling"
	StateCancelled  SubscriptionState = "cancelled"
	StatePastDue    SubscriptionState = "past_due"
)

// Billable reports whether the scheduler closes cycles for this state.
func (s SubscriptionState) Billable() bool {
	switch s {
	case StateTrialing, StateActive, StateCancelling, StatePastDue:
		return true
	}
	return false
}

// Valid reports whether s is a known state.
func (s SubscriptionState) Valid() bool {
	switch s {
	case StateNone, StateTrialing, StateActive, StateCancelling, StateCancelled, StatePastDue:
		return true
	}
	return false
}

// SnapshotStatus tracks a BillingSnapshot through invoicing.
type SnapshotStatus string

const (
	SnapshotPending  SnapshotStatus = "pending"
	SnapshotInvoiced SnapshotStatus = "invoiced"
	SnapshotPaid     SnapshotStatus = "paid"
	SnapshotFailed   SnapshotStatus = "failed"
)

// BillingInterval is the customer-facing payment cadence chosen at checkout.
// Metered cycles are always 30 days regardless of interval.
type BillingInterval string

const (
	IntervalMonthly BillingInterval = "monthly"
	IntervalYearly  BillingInterval = "yearly"
)

// TransitionTrigger names the event that moved a subscription between states.
type TransitionTrigger string

const (
	TriggerTrialStarted      TransitionTrigger = "trial_started"
	TriggerActivated         TransitionTrigger = "activated"
	TriggerTrialConverted    TransitionTrigger = "trial_converted"
	TriggerTrialExpired      TransitionTrigger = "trial_expired"
	TriggerCancelRequested   TransitionTrigger = "cancel_requested"
	TriggerResumed           TransitionTrigger = "resumed"
	TriggerCycleBoundary     TransitionTrigger = "cycle_boundary"
	TriggerPaymentFailed     TransitionTrigger = "payment_failed"
	TriggerPaymentSucceeded  TransitionTrigger = "payment_succeeded"
	TriggerGraceExpired      TransitionTrigger = "grace_expired"
	TriggerProcessorUpdated  TransitionTrigger = "processor_updated"
	TriggerProcessorDeleted  TransitionTrigger = "processor_deleted"
	TriggerAdminCancelled    TransitionTrigger = "admin_cancelled"
	TriggerAdminReactivated  TransitionTrigger = "admin_reactivated"
	TriggerTierChanged       TransitionTrigger = "tier_changed"
	TriggerCheckoutCompleted TransitionTrigger = "checkout_completed"
)

// Action identifies a resource-mutating operation checked by the feature gate.
type Action string

const (
	ActionAddProduct Action = "add_product"
	ActionAddUser    Action = "add_user"
	ActionAddBranch  Action = "add_branch"

	// ActionUseFeaturePrefix is followed by a feature flag name,
	// e.g. "use_feature:multi_branch".
	ActionUseFeaturePrefix = "use_feature:"
)

// Feature flags granted by tiers.
const (
	FeatureInventory          = "inventory"
	FeatureBasicAnalytics     = "basic_analytics"
	FeatureAdvancedAnalytics  = "advanced_analytics"
	FeatureMultiBranch        = "multi_branch"
	FeatureAPIAccess          = "api_access"
	FeatureScanner            = "scanner"
	FeatureDelivery           = "delivery"
	FeatureSSO                = "sso"
	FeaturePrioritySupport    = "priority_support"
	FeatureCustomIntegrations = "custom_integrations"
	FeatureMarketplace        = "marketplace"
)
