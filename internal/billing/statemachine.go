package billing

import (
	"fmt"
	"time"

	"stockmeter/internal/types"
)

// EventKind enumerates the inputs accepted by the subscription state machine.
type EventKind string

const (
	EventSelectTier        EventKind = "select_tier"
	EventCheckoutCompleted EventKind = "checkout_completed"
	EventTrialEnded        EventKind = "trial_ended"
	EventCancelRequested   EventKind = "cancel_requested"
	EventResumeRequested   EventKind = "resume_requested"
	EventCycleBoundary     EventKind = "cycle_boundary"
	EventPaymentFailed     EventKind = "payment_failed"
	EventPaymentSucceeded  EventKind = "payment_succeeded"
	EventGraceCheck        EventKind = "grace_check"
	EventProcessorUpdated  EventKind = "processor_updated"
	EventProcessorDeleted  EventKind = "processor_deleted"
	EventAdminCancel       EventKind = "admin_cancel"
	EventAdminReactivate   EventKind = "admin_reactivate"
)

// Event is a single input to Transition. At is the logical time of the event
// (scheduler clock or processor event timestamp).
type Event struct {
	Kind EventKind
	At   time.Time

	// Tier and Interval accompany EventSelectTier, EventCheckoutCompleted and
	// EventProcessorUpdated.
	Tier     types.TierName
	Interval types.BillingInterval

	// TargetState is the processor's view for EventProcessorUpdated.
	TargetState types.SubscriptionState
}

// Policy holds the time windows that drive time-based transitions.
type Policy struct {
	TrialPeriod time.Duration
	GracePeriod time.Duration
}

// legalEdges lists every state change the machine permits.
var legalEdges = map[types.SubscriptionState]map[types.SubscriptionState]bool{
	types.StateNone: {
		types.StateTrialing: true,
		types.StateActive:   true,
	},
	types.StateTrialing: {
		types.StateActive:    true,
		types.StateCancelled: true,
	},
	types.StateActive: {
		types.StateCancelling: true,
		types.StatePastDue:    true,
		types.StateCancelled:  true,
	},
	types.StateCancelling: {
		types.StateActive:    true,
		types.StateCancelled: true,
	},
	types.StatePastDue: {
		types.StateActive:    true,
		types.StateCancelled: true,
	},
	types.StateCancelled: {
		types.StateActive: true,
	},
}

// CanMove reports whether from -> to is a legal edge.
func CanMove(from, to types.SubscriptionState) bool {
	return legalEdges[from][to]
}

// Transition applies ev to sub and returns the new subscription together with
// the audit record for the change. A nil record with a nil error means the
// event was a no-op for the current state (e.g. a redelivered webhook).
// Transition performs no I/O.
func Transition(sub types.Subscription, ev Event, policy Policy) (types.Subscription, *types.TransitionRecord, error) {
	next := sub
	now := ev.At.UTC()

	var trigger types.TransitionTrigger

	switch ev.Kind {
	case EventSelectTier:
		if ev.Tier == "" {
			return sub, nil, invalidTransition(sub, ev, "a tier is required")
		}
		switch sub.State {
		case types.StateNone:
			next.Tier = ev.Tier
			next.Interval = intervalOrDefault(ev.Interval)
			next.CycleAnchor = now
			// Only paid tiers trial.
			if policy.TrialPeriod > 0 && ev.Tier != types.TierFree {
				trialEnd := now.Add(policy.TrialPeriod)
				next.State = types.StateTrialing
				next.TrialEndsAt = &trialEnd
				trigger = types.TriggerTrialStarted
			} else {
				next.State = types.StateActive
				trigger = types.TriggerActivated
			}
		case types.StateCancelled:
			next.State = types.StateActive
			next.Tier = ev.Tier
			next.Interval = intervalOrDefault(ev.Interval)
			next.CycleAnchor = now
			next.CancelEffectiveAt = nil
			next.PastDueSince = nil
			next.TrialEndsAt = nil
			trigger = types.TriggerActivated
		case types.StateActive, types.StateTrialing:
			if sub.Tier == ev.Tier {
				return sub, nil, nil
			}
			next.Tier = ev.Tier
			if ev.Interval != "" {
				next.Interval = ev.Interval
			}
			trigger = types.TriggerTierChanged
		default:
			return sub, nil, invalidTransition(sub, ev, "tier changes are not allowed in this state")
		}

	case EventCheckoutCompleted:
		if ev.Tier == "" {
			return sub, nil, invalidTransition(sub, ev, "a tier is required")
		}
		switch sub.State {
		case types.StatePastDue, types.StateCancelling:
			// A completed checkout is a fresh payment: it settles the arrears
			// or withdraws the pending cancellation.
			next.State = types.StateActive
			next.Tier = ev.Tier
			if ev.Interval != "" {
				next.Interval = ev.Interval
			}
			next.PastDueSince = nil
			next.CancelEffectiveAt = nil
			trigger = types.TriggerCheckoutCompleted
		default:
			return Transition(sub, Event{Kind: EventSelectTier, At: ev.At, Tier: ev.Tier, Interval: ev.Interval}, policy)
		}

	case EventTrialEnded:
		if sub.State != types.StateTrialing {
			return sub, nil, invalidTransition(sub, ev, "subscription is not trialing")
		}
		if sub.TrialEndsAt != nil && now.Before(*sub.TrialEndsAt) {
			return sub, nil, invalidTransition(sub, ev, "trial has not ended")
		}
		next.TrialEndsAt = nil
		if sub.HasPaymentMethod {
			next.State = types.StateActive
			trigger = types.TriggerTrialConverted
		} else {
			next.State = types.StateCancelled
			trigger = types.TriggerTrialExpired
		}

	case EventCancelRequested:
		switch sub.State {
		case types.StateActive:
			effective := sub.CycleEnd()
			next.State = types.StateCancelling
			next.CancelEffectiveAt = &effective
		case types.StateTrialing:
			// Nothing has been paid for yet, so access ends immediately.
			next.State = types.StateCancelled
			next.TrialEndsAt = nil
		case types.StateCancelling:
			return sub, nil, nil
		default:
			return sub, nil, invalidTransition(sub, ev, "only active or trialing subscriptions can be cancelled")
		}
		trigger = types.TriggerCancelRequested

	case EventResumeRequested:
		switch sub.State {
		case types.StateCancelling:
			if sub.CancelEffectiveAt != nil && !now.Before(*sub.CancelEffectiveAt) {
				return sub, nil, invalidTransition(sub, ev, "cancellation is already effective")
			}
		case types.StateActive:
			return sub, nil, nil
		default:
			return sub, nil, invalidTransition(sub, ev, "only a pending cancellation can be resumed")
		}
		next.State = types.StateActive
		next.CancelEffectiveAt = nil
		trigger = types.TriggerResumed

	case EventCycleBoundary:
		if sub.State != types.StateCancelling {
			return sub, nil, nil
		}
		if sub.CancelEffectiveAt != nil && now.Before(*sub.CancelEffectiveAt) {
			return sub, nil, nil
		}
		next.State = types.StateCancelled
		next.CancelEffectiveAt = nil
		trigger = types.TriggerCycleBoundary

	case EventPaymentFailed:
		switch sub.State {
		case types.StateActive:
			next.State = types.StatePastDue
			next.PastDueSince = &now
			trigger = types.TriggerPaymentFailed
		case types.StatePastDue:
			return sub, nil, nil
		default:
			return sub, nil, invalidTransition(sub, ev, "payment failures only move active subscriptions")
		}

	case EventPaymentSucceeded:
		switch sub.State {
		case types.StatePastDue:
			next.State = types.StateActive
			next.PastDueSince = nil
			trigger = types.TriggerPaymentSucceeded
		case types.StateActive, types.StateTrialing, types.StateCancelling:
			return sub, nil, nil
		default:
			return sub, nil, invalidTransition(sub, ev, "payment received for a lapsed subscription")
		}

	case EventGraceCheck:
		if sub.State != types.StatePastDue || sub.PastDueSince == nil {
			return sub, nil, nil
		}
		if now.Before(sub.PastDueSince.Add(policy.GracePeriod)) {
			return sub, nil, nil
		}
		next.State = types.StateCancelled
		next.PastDueSince = nil
		trigger = types.TriggerGraceExpired

	case EventProcessorUpdated:
		if ev.Tier != "" {
			next.Tier = ev.Tier
		}
		if ev.Interval != "" {
			next.Interval = ev.Interval
		}
		target := ev.TargetState
		if target == "" || target == sub.State {
			if next.Tier == sub.Tier {
				return sub, nil, nil
			}
			trigger = types.TriggerTierChanged
			break
		}
		if !CanMove(sub.State, target) {
			return sub, nil, invalidTransition(sub, ev, fmt.Sprintf("processor reported %s", target))
		}
		next.State = target
		applyStateSideEffects(&next, sub, now)
		trigger = types.TriggerProcessorUpdated

	case EventProcessorDeleted, EventAdminCancel:
		if sub.State == types.StateNone || sub.State == types.StateCancelled {
			return sub, nil, nil
		}
		next.State = types.StateCancelled
		next.CancelEffectiveAt = nil
		next.PastDueSince = nil
		next.TrialEndsAt = nil
		trigger = types.TriggerProcessorDeleted
		if ev.Kind == EventAdminCancel {
			trigger = types.TriggerAdminCancelled
		}

	case EventAdminReactivate:
		if sub.State != types.StateCancelled {
			return sub, nil, invalidTransition(sub, ev, "only cancelled subscriptions can be reactivated")
		}
		next.State = types.StateActive
		next.CycleAnchor = now
		trigger = types.TriggerAdminReactivated

	default:
		return sub, nil, invalidTransition(sub, ev, "unknown event")
	}

	next.UpdatedAt = now
	rec := &types.TransitionRecord{
		AccountID:  sub.AccountID,
		From:       sub.State,
		To:         next.State,
		Trigger:    trigger,
		Tier:       next.Tier,
		OccurredAt: now,
	}
	return next, rec, nil
}

// applyStateSideEffects keeps the nullable lifecycle timestamps consistent
// with a processor-driven state change.
func applyStateSideEffects(next *types.Subscription, prev types.Subscription, now time.Time) {
	switch next.State {
	case types.StateActive:
		next.PastDueSince = nil
		next.CancelEffectiveAt = nil
		next.TrialEndsAt = nil
		if prev.State == types.StateCancelled {
			next.CycleAnchor = now
		}
	case types.StateCancelling:
		effective := prev.CycleEnd()
		next.CancelEffectiveAt = &effective
	case types.StatePastDue:
		next.PastDueSince = &now
	case types.StateCancelled:
		next.PastDueSince = nil
		next.CancelEffectiveAt = nil
		next.TrialEndsAt = nil
	}
}

func intervalOrDefault(i types.BillingInterval) types.BillingInterval {
	if i == "" {
		return types.IntervalMonthly
	}
	return i
}

func invalidTransition(sub types.Subscription, ev Event, reason string) error {
	return types.NewAppErrorWithDetails(
		types.ErrCodeInvalidTransition,
		fmt.Sprintf("cannot apply %s to a %s subscription: %s", ev.Kind, sub.State, reason),
		nil,
		map[string]any{
			"account_id": sub.AccountID,
			"state":      string(sub.State),
			"event":      string(ev.Kind),
		},
	)
}
