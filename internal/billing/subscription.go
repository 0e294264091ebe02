package billing

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"stockmeter/internal/types"
)

// maxSaveAttempts bounds reload-and-reapply when a concurrent writer bumped
// the subscription version.
const maxSaveAttempts = 3

// SubscriptionStore persists subscriptions with optimistic concurrency.
type SubscriptionStore interface {
	SubscriptionReader
	// GetByExternalID looks a subscription up by the processor's id.
	GetByExternalID(ctx context.Context, externalSubscriptionID string) (*types.Subscription, error)
	// SaveSubscription writes sub if its Version is still current, then
	// increments sub.Version. A lost race yields ErrCodeStaleVersion.
	SaveSubscription(ctx context.Context, sub *types.Subscription) error
}

// TransitionSink receives every transition record after it is persisted on
// the subscription.
type TransitionSink interface {
	RecordTransition(ctx context.Context, rec types.TransitionRecord) error
}

// CheckoutRequest describes a hosted checkout for a paid tier.
type CheckoutRequest struct {
	AccountID  string
	CustomerID string
	Tier       types.TierName
	Interval   types.BillingInterval
}

// CheckoutProvider creates hosted payment pages at the processor.
type CheckoutProvider interface {
	CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (string, error)
}

// SelectResult is returned by Select. CheckoutURL is set when the customer
// must complete payment at the processor before the tier takes effect.
type SelectResult struct {
	Subscription *types.Subscription `json:"subscription"`
	CheckoutURL  string              `json:"checkout_url,omitempty"`
}

// ProcessorUpdate is the processor's view of a subscription, already mapped
// to engine states.
type ProcessorUpdate struct {
	AccountID              string
	ExternalSubscriptionID string
	ExternalCustomerID     string
	TargetState            types.SubscriptionState
	Tier                   types.TierName
	Interval               types.BillingInterval
	EventAt                time.Time
}

// CheckoutCompletion is the result of a finished hosted checkout.
type CheckoutCompletion struct {
	AccountID              string
	ExternalSubscriptionID string
	ExternalCustomerID     string
	Tier                   types.TierName
	Interval               types.BillingInterval
	EventAt                time.Time
}

// SubscriptionService applies state machine events to stored subscriptions
// and fans the resulting transition records out to the configured sinks.
type SubscriptionService struct {
	store    SubscriptionStore
	catalog  TierCatalog
	checkout CheckoutProvider
	sinks    []TransitionSink
	policy   Policy
	clock    types.Clock
	logger   *slog.Logger
}

// NewSubscriptionService creates a SubscriptionService. checkout may be nil,
// in which case paid tiers without a payment method cannot be selected.
func NewSubscriptionService(
	store SubscriptionStore,
	catalog TierCatalog,
	checkout CheckoutProvider,
	policy Policy,
	clock types.Clock,
	logger *slog.Logger,
	sinks ...TransitionSink,
) *SubscriptionService {
	if clock == nil {
		clock = types.RealClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SubscriptionService{
		store:    store,
		catalog:  catalog,
		checkout: checkout,
		sinks:    sinks,
		policy:   policy,
		clock:    clock,
		logger:   logger,
	}
}

// Policy returns the trial and grace windows in force.
func (s *SubscriptionService) Policy() Policy {
	return s.policy
}

// Select chooses a tier for the account. The free tier, tier changes for
// accounts that already pay, and trial starts apply immediately; anything
// else returns a checkout URL and leaves the subscription unchanged until the
// processor confirms payment.
func (s *SubscriptionService) Select(ctx context.Context, accountID string, tier types.TierName, interval types.BillingInterval) (*SelectResult, error) {
	if _, err := s.catalog.Tier(tier); err != nil {
		return nil, types.NewAppErrorWithDetails(
			types.ErrCodeValidationInvalidTier,
			fmt.Sprintf("unknown tier %q", tier),
			nil,
			map[string]any{"tier": string(tier)},
		)
	}
	interval = intervalOrDefault(interval)

	sub, err := s.store.GetSubscription(ctx, accountID)
	if err != nil {
		return nil, err
	}

	paid := tier != types.TierFree
	trialStart := paid && sub.State == types.StateNone && s.policy.TrialPeriod > 0
	applyNow := !paid || trialStart || (sub.HasPaymentMethod && sub.State != types.StateCancelled && sub.State != types.StateNone)

	res := &SelectResult{Subscription: sub}
	if applyNow {
		ev := Event{Kind: EventSelectTier, Tier: tier, Interval: interval, At: s.clock.Now()}
		updated, err := s.applyEvent(ctx, accountID, ev, nil)
		if err != nil {
			return nil, err
		}
		res.Subscription = updated
	}

	if paid && !sub.HasPaymentMethod {
		if s.checkout == nil {
			return nil, types.NewAppError(types.ErrCodeProcessorUnavailable, "checkout is not configured", nil)
		}
		url, err := s.checkout.CreateCheckoutSession(ctx, CheckoutRequest{
			AccountID:  accountID,
			CustomerID: sub.ExternalCustomerID,
			Tier:       tier,
			Interval:   interval,
		})
		if err != nil {
			return nil, err
		}
		res.CheckoutURL = url
	}
	return res, nil
}

// CompleteCheckout links the processor subscription to the account and
// activates the selected tier. A trialing account keeps its trial; the
// stored payment method converts it at trial end. A past_due or cancelling
// account returns to active.
func (s *SubscriptionService) CompleteCheckout(ctx context.Context, c CheckoutCompletion) (*types.Subscription, error) {
	link := func(sub *types.Subscription) bool {
		sub.ExternalSubscriptionID = c.ExternalSubscriptionID
		if c.ExternalCustomerID != "" {
			sub.ExternalCustomerID = c.ExternalCustomerID
		}
		sub.HasPaymentMethod = true
		at := c.EventAt.UTC()
		sub.LastEventAt = &at
		return true
	}

	ev := Event{Kind: EventCheckoutCompleted, Tier: c.Tier, Interval: c.Interval, At: c.EventAt}
	return s.applyEventWithPolicy(ctx, c.AccountID, ev, link, Policy{GracePeriod: s.policy.GracePeriod})
}

// Cancel schedules cancellation at the end of the current cycle. A trialing
// subscription is cancelled immediately.
func (s *SubscriptionService) Cancel(ctx context.Context, accountID string) (*types.Subscription, error) {
	return s.applyEvent(ctx, accountID, Event{Kind: EventCancelRequested, At: s.clock.Now()}, nil)
}

// Resume withdraws a pending cancellation.
func (s *SubscriptionService) Resume(ctx context.Context, accountID string) (*types.Subscription, error) {
	return s.applyEvent(ctx, accountID, Event{Kind: EventResumeRequested, At: s.clock.Now()}, nil)
}

// HandlePaymentFailure moves an active subscription to past_due. Failures
// reported for states that cannot go past_due are logged and ignored so that
// processor redeliveries stay harmless.
func (s *SubscriptionService) HandlePaymentFailure(ctx context.Context, accountID string, at time.Time) error {
	_, err := s.applyEvent(ctx, accountID, Event{Kind: EventPaymentFailed, At: at}, nil)
	return s.tolerateInvalid(ctx, accountID, EventPaymentFailed, err)
}

// HandlePaymentSucceeded restores a past_due subscription to active.
func (s *SubscriptionService) HandlePaymentSucceeded(ctx context.Context, accountID string, at time.Time) error {
	_, err := s.applyEvent(ctx, accountID, Event{Kind: EventPaymentSucceeded, At: at}, nil)
	return s.tolerateInvalid(ctx, accountID, EventPaymentSucceeded, err)
}

// ApplyProcessorUpdate reconciles the stored subscription with a processor
// subscription.updated event. Events older than the last applied one are
// dropped.
func (s *SubscriptionService) ApplyProcessorUpdate(ctx context.Context, u ProcessorUpdate) (*types.Subscription, error) {
	stale := false
	prepare := func(sub *types.Subscription) bool {
		if sub.LastEventAt != nil && u.EventAt.Before(*sub.LastEventAt) {
			stale = true
			return false
		}
		at := u.EventAt.UTC()
		sub.LastEventAt = &at
		if u.ExternalSubscriptionID != "" {
			sub.ExternalSubscriptionID = u.ExternalSubscriptionID
		}
		if u.ExternalCustomerID != "" {
			sub.ExternalCustomerID = u.ExternalCustomerID
		}
		return true
	}

	ev := Event{
		Kind:        EventProcessorUpdated,
		At:          u.EventAt,
		Tier:        u.Tier,
		Interval:    u.Interval,
		TargetState: u.TargetState,
	}
	sub, err := s.applyEvent(ctx, u.AccountID, ev, prepare)
	if stale {
		s.logger.InfoContext(ctx, "ignoring out-of-order processor update",
			"account_id", u.AccountID,
			"event_at", u.EventAt,
		)
	}
	if err != nil {
		return nil, s.tolerateInvalid(ctx, u.AccountID, EventProcessorUpdated, err)
	}
	return sub, nil
}

// ApplyProcessorDeletion cancels the subscription immediately.
func (s *SubscriptionService) ApplyProcessorDeletion(ctx context.Context, accountID string, at time.Time) (*types.Subscription, error) {
	return s.applyEvent(ctx, accountID, Event{Kind: EventProcessorDeleted, At: at}, nil)
}

// AdminCancel cancels the subscription immediately.
func (s *SubscriptionService) AdminCancel(ctx context.Context, accountID string) (*types.Subscription, error) {
	return s.applyEvent(ctx, accountID, Event{Kind: EventAdminCancel, At: s.clock.Now()}, nil)
}

// AdminReactivate restores a cancelled subscription with a fresh cycle.
func (s *SubscriptionService) AdminReactivate(ctx context.Context, accountID string) (*types.Subscription, error) {
	return s.applyEvent(ctx, accountID, Event{Kind: EventAdminReactivate, At: s.clock.Now()}, nil)
}

// ExpireTrial ends a trial whose end date has passed.
func (s *SubscriptionService) ExpireTrial(ctx context.Context, accountID string) (*types.Subscription, error) {
	return s.applyEvent(ctx, accountID, Event{Kind: EventTrialEnded, At: s.clock.Now()}, nil)
}

// FinalizeCancellation moves a cancelling subscription to cancelled once its
// effective date has passed.
func (s *SubscriptionService) FinalizeCancellation(ctx context.Context, accountID string) (*types.Subscription, error) {
	return s.applyEvent(ctx, accountID, Event{Kind: EventCycleBoundary, At: s.clock.Now()}, nil)
}

// EnforceGrace cancels a past_due subscription whose grace window has elapsed.
func (s *SubscriptionService) EnforceGrace(ctx context.Context, accountID string) (*types.Subscription, error) {
	return s.applyEvent(ctx, accountID, Event{Kind: EventGraceCheck, At: s.clock.Now()}, nil)
}

// AccountForExternalSubscription maps a processor subscription id to the
// owning account, falling back to the account id carried in event metadata.
func (s *SubscriptionService) AccountForExternalSubscription(ctx context.Context, externalID, fallbackAccountID string) (string, error) {
	if externalID != "" {
		sub, err := s.store.GetByExternalID(ctx, externalID)
		if err == nil {
			return sub.AccountID, nil
		}
		if !types.HasCode(err, types.ErrCodeUnknownAccount) {
			return "", err
		}
	}
	if fallbackAccountID == "" {
		return "", types.NewAppErrorWithDetails(
			types.ErrCodeUnknownAccount,
			"no account linked to processor subscription",
			nil,
			map[string]any{"external_subscription_id": externalID},
		)
	}
	return fallbackAccountID, nil
}

func (s *SubscriptionService) applyEvent(
	ctx context.Context,
	accountID string,
	ev Event,
	prepare func(*types.Subscription) bool,
) (*types.Subscription, error) {
	return s.applyEventWithPolicy(ctx, accountID, ev, prepare, s.policy)
}

// applyEventWithPolicy loads the subscription, runs prepare and the state
// machine, and saves the result. A stale version reloads and reapplies.
func (s *SubscriptionService) applyEventWithPolicy(
	ctx context.Context,
	accountID string,
	ev Event,
	prepare func(*types.Subscription) bool,
	policy Policy,
) (*types.Subscription, error) {
	var lastErr error
	for attempt := 0; attempt < maxSaveAttempts; attempt++ {
		cur, err := s.store.GetSubscription(ctx, accountID)
		if err != nil {
			return nil, err
		}

		working := *cur
		dirty := false
		if prepare != nil {
			if !prepare(&working) {
				return cur, nil
			}
			dirty = true
		}

		next, rec, err := Transition(working, ev, policy)
		if err != nil {
			return nil, err
		}
		if rec == nil && !dirty {
			return cur, nil
		}
		if rec == nil {
			next.UpdatedAt = s.clock.Now()
		}

		if err := s.store.SaveSubscription(ctx, &next); err != nil {
			if types.HasCode(err, types.ErrCodeStaleVersion) {
				lastErr = err
				continue
			}
			return nil, err
		}

		if rec != nil {
			s.emit(ctx, *rec)
		}
		return &next, nil
	}
	return nil, lastErr
}

func (s *SubscriptionService) emit(ctx context.Context, rec types.TransitionRecord) {
	s.logger.InfoContext(ctx, "subscription transition",
		"account_id", rec.AccountID,
		"from", rec.From,
		"to", rec.To,
		"trigger", rec.Trigger,
		"tier", rec.Tier,
	)
	for _, sink := range s.sinks {
		if err := sink.RecordTransition(ctx, rec); err != nil {
			s.logger.ErrorContext(ctx, "failed to record transition",
				"account_id", rec.AccountID,
				"trigger", rec.Trigger,
				"error", err,
			)
		}
	}
}

func (s *SubscriptionService) tolerateInvalid(ctx context.Context, accountID string, kind EventKind, err error) error {
	if err == nil {
		return nil
	}
	if types.HasCode(err, types.ErrCodeInvalidTransition) {
		s.logger.WarnContext(ctx, "ignoring processor event invalid for current state",
			"account_id", accountID,
			"event", kind,
			"error", err,
		)
		return nil
	}
	return err
}
