package external

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v82/webhook"

	"stockmeter/internal/billing"
	"stockmeter/internal/types"
)

// WebhookVerifier abstracts Stripe webhook signature checking.
type WebhookVerifier interface {
	// Verify validates a payload against the Stripe-Signature header and the
	// endpoint signing secret.
	Verify(payload []byte, header string, secret string) error
}

// StripeVerifier implements WebhookVerifier with stripe-go's HMAC-SHA256
// check, including the default timestamp tolerance.
type StripeVerifier struct{}

// Verify validates a Stripe webhook payload.
func (v *StripeVerifier) Verify(payload []byte, header string, secret string) error {
	return webhook.ValidatePayload(payload, header, secret)
}

// Stripe event types the engine consumes.
const (
	EventStripeCheckoutCompleted = "checkout.session.completed"
	EventStripeInvoicePaid       = "invoice.paid"
	EventStripePaymentFailed     = "invoice.payment_failed"
	EventStripeSubUpdated        = "customer.subscription.updated"
	EventStripeSubDeleted        = "customer.subscription.deleted"
)

// StripeEvent is the webhook envelope. Object stays raw until the type is
// known.
type StripeEvent struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Created int64  `json:"created"`
	Data    struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

// CreatedAt returns the event creation time in UTC.
func (e StripeEvent) CreatedAt() time.Time {
	return time.Unix(e.Created, 0).UTC()
}

// ParseStripeEvent decodes a verified webhook body.
func ParseStripeEvent(payload []byte) (*StripeEvent, error) {
	var ev StripeEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return nil, types.NewAppError(types.ErrCodeValidationInvalidJSON, "malformed Stripe event", err)
	}
	if ev.ID == "" || ev.Type == "" {
		return nil, types.NewAppError(types.ErrCodeValidationMissingField, "Stripe event is missing id or type", nil)
	}
	return &ev, nil
}

// StripeInvoice is the subset of a webhook invoice object the engine reads.
type StripeInvoice struct {
	ID           string            `json:"id"`
	Customer     string            `json:"customer"`
	Subscription string            `json:"subscription"`
	Status       string            `json:"status"`
	AttemptCount int               `json:"attempt_count"`
	Metadata     map[string]string `json:"metadata"`
	Parent       *struct {
		SubscriptionDetails *struct {
			Subscription string `json:"subscription"`
		} `json:"subscription_details"`
	} `json:"parent"`
}

// SubscriptionID returns the processor subscription the invoice belongs to,
// reading both the legacy top-level field and the newer parent details.
func (i StripeInvoice) SubscriptionID() string {
	if i.Subscription != "" {
		return i.Subscription
	}
	if i.Parent != nil && i.Parent.SubscriptionDetails != nil {
		return i.Parent.SubscriptionDetails.Subscription
	}
	return ""
}

// StripeSubscription is the subset of a webhook subscription object the
// engine reads.
type StripeSubscription struct {
	ID                string            `json:"id"`
	Customer          string            `json:"customer"`
	Status            string            `json:"status"`
	CancelAtPeriodEnd bool              `json:"cancel_at_period_end"`
	Metadata          map[string]string `json:"metadata"`
	Items             struct {
		Data []struct {
			Price struct {
				ID string `json:"id"`
			} `json:"price"`
		} `json:"data"`
	} `json:"items"`
}

// PriceID returns the first item's price.
func (s StripeSubscription) PriceID() string {
	if len(s.Items.Data) == 0 {
		return ""
	}
	return s.Items.Data[0].Price.ID
}

// StripeCheckoutSession is the subset of a completed checkout the engine
// reads.
type StripeCheckoutSession struct {
	ID                string            `json:"id"`
	ClientReferenceID string            `json:"client_reference_id"`
	Customer          string            `json:"customer"`
	Subscription      string            `json:"subscription"`
	Mode              string            `json:"mode"`
	Metadata          map[string]string `json:"metadata"`
}

// DecodeObject unmarshals the event object into out.
func (e StripeEvent) DecodeObject(out any) error {
	if err := json.Unmarshal(e.Data.Object, out); err != nil {
		return types.NewAppError(
			types.ErrCodeValidationInvalidJSON,
			fmt.Sprintf("malformed %s object", e.Type),
			err,
		)
	}
	return nil
}

// MapSubscriptionState converts a Stripe subscription status into an engine
// state. ok is false for statuses that carry no lifecycle meaning yet
// (incomplete checkouts).
func MapSubscriptionState(status string, cancelAtPeriodEnd bool) (types.SubscriptionState, bool) {
	switch status {
	case "trialing":
		if cancelAtPeriodEnd {
			return types.StateCancelling, true
		}
		return types.StateTrialing, true
	case "active":
		if cancelAtPeriodEnd {
			return types.StateCancelling, true
		}
		return types.StateActive, true
	case "past_due", "unpaid":
		return types.StatePastDue, true
	case "canceled", "incomplete_expired":
		return types.StateCancelled, true
	default:
		return "", false
	}
}

// ProcessorUpdateFromSubscription maps a customer.subscription.updated object
// to a billing.ProcessorUpdate. ok is false when the status is not mapped.
// Unknown prices leave Tier empty so the stored tier is kept.
func ProcessorUpdateFromSubscription(sub StripeSubscription, prices PriceTable, at time.Time) (billing.ProcessorUpdate, bool) {
	state, ok := MapSubscriptionState(sub.Status, sub.CancelAtPeriodEnd)
	if !ok {
		return billing.ProcessorUpdate{}, false
	}
	upd := billing.ProcessorUpdate{
		AccountID:              sub.Metadata["account_id"],
		ExternalSubscriptionID: sub.ID,
		ExternalCustomerID:     sub.Customer,
		TargetState:            state,
		EventAt:                at,
	}
	if tier, interval, found := prices.Lookup(sub.PriceID()); found {
		upd.Tier = tier
		upd.Interval = interval
	}
	return upd, true
}
