package handlers

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"stockmeter/internal/billing"
	"stockmeter/internal/core"
	"stockmeter/internal/external"
	"stockmeter/internal/types"
)

// maxWebhookBodySize bounds Stripe payloads. Invoices with many lines can be
// well above 64 KB.
const maxWebhookBodySize = 512 * 1024

// Webhook outcomes reported to metrics.
const (
	webhookProcessed = "processed"
	webhookDuplicate = "duplicate"
	webhookIgnored   = "ignored"
	webhookRejected  = "rejected"
	webhookFailed    = "failed"
)

// ---------------------------------------------------------------------------
// Interfaces for webhook handler dependencies
// ---------------------------------------------------------------------------

// WebhookEventStore deduplicates processor events by id.
type WebhookEventStore interface {
	Claim(ctx context.Context, ev types.ProcessedWebhookEvent) (bool, error)
	Release(ctx context.Context, eventID string) error
}

// InvoiceSettler records invoice outcomes on billing snapshots.
type InvoiceSettler interface {
	MarkPaid(ctx context.Context, invoiceID string) (*types.BillingSnapshot, error)
	MarkInvoiceFailed(ctx context.Context, invoiceID, reason string) (*types.BillingSnapshot, error)
}

// ProcessorEventApplier applies processor events to subscriptions.
type ProcessorEventApplier interface {
	AccountForExternalSubscription(ctx context.Context, externalID, fallbackAccountID string) (string, error)
	CompleteCheckout(ctx context.Context, c billing.CheckoutCompletion) (*types.Subscription, error)
	ApplyProcessorUpdate(ctx context.Context, u billing.ProcessorUpdate) (*types.Subscription, error)
	ApplyProcessorDeletion(ctx context.Context, accountID string, at time.Time) (*types.Subscription, error)
	HandlePaymentFailure(ctx context.Context, accountID string, at time.Time) error
	HandlePaymentSucceeded(ctx context.Context, accountID string, at time.Time) error
}

// WebhookRecorder counts webhook outcomes.
type WebhookRecorder interface {
	RecordWebhook(ctx context.Context, eventType, status string)
}

// ---------------------------------------------------------------------------
// Stripe Webhook Handler
// ---------------------------------------------------------------------------

// StripeWebhookHandler handles asynchronous events from Stripe. It sits
// outside admin auth and trusts only the Stripe-Signature header.
//
// Every event id is applied at most once: it is claimed before dispatch and
// released again when applying fails, so Stripe's redelivery retries it.
type StripeWebhookHandler struct {
	verifier external.WebhookVerifier
	events   WebhookEventStore
	invoices InvoiceSettler
	subs     ProcessorEventApplier
	prices   external.PriceTable
	metrics  WebhookRecorder
	secret   types.SecretString
	clock    types.Clock
	logger   *slog.Logger
}

// NewStripeWebhookHandler creates a StripeWebhookHandler. metrics may be nil.
func NewStripeWebhookHandler(
	verifier external.WebhookVerifier,
	events WebhookEventStore,
	invoices InvoiceSettler,
	subs ProcessorEventApplier,
	prices external.PriceTable,
	metrics WebhookRecorder,
	secret types.SecretString,
	clock types.Clock,
	logger *slog.Logger,
) *StripeWebhookHandler {
	if logger == nil {
		logger = slog.Default()
	}
	if clock == nil {
		clock = types.RealClock{}
	}
	return &StripeWebhookHandler{
		verifier: verifier,
		events:   events,
		invoices: invoices,
		subs:     subs,
		prices:   prices,
		metrics:  metrics,
		secret:   secret,
		clock:    clock,
		logger:   logger,
	}
}

// RegisterRoutes mounts the Stripe webhook endpoint.
func (h *StripeWebhookHandler) RegisterRoutes(r chi.Router) {
	r.Post("/webhooks/stripe", h.Handle)
}

// Handle processes one Stripe webhook delivery.
//
//  1. Read the body and verify Stripe-Signature (401 on failure).
//  2. Parse the event envelope (400 on failure).
//  3. Claim the event id; a duplicate is acknowledged without effect.
//  4. Dispatch by type. Events for accounts the engine does not know are
//     acknowledged; any other failure releases the claim and returns 500 so
//     Stripe redelivers.
func (h *StripeWebhookHandler) Handle(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	r.Body = http.MaxBytesReader(w, r.Body, maxWebhookBodySize)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		h.logger.WarnContext(ctx, "failed to read webhook body", "error", err)
		h.record(ctx, "unknown", webhookRejected)
		core.Error(w, r, types.NewAppError(types.ErrCodeValidationInvalidJSON, "failed to read request body", err))
		return
	}

	sigHeader := r.Header.Get("Stripe-Signature")
	if sigHeader == "" {
		h.record(ctx, "unknown", webhookRejected)
		core.Error(w, r, types.NewAppError(types.ErrCodeAuthSignature, "missing Stripe-Signature header", nil))
		return
	}
	if err := h.verifier.Verify(payload, sigHeader, h.secret.Unmask()); err != nil {
		h.logger.WarnContext(ctx, "webhook signature verification failed", "error", err)
		h.record(ctx, "unknown", webhookRejected)
		core.Error(w, r, types.NewAppError(types.ErrCodeAuthSignature, "webhook signature verification failed", err))
		return
	}

	event, err := external.ParseStripeEvent(payload)
	if err != nil {
		h.logger.WarnContext(ctx, "malformed webhook event", "error", err)
		h.record(ctx, "unknown", webhookRejected)
		core.Error(w, r, err)
		return
	}

	logger := h.logger.With("event_id", event.ID, "event_type", event.Type)

	claimed, err := h.events.Claim(ctx, types.ProcessedWebhookEvent{
		EventID:    event.ID,
		Type:       event.Type,
		ReceivedAt: h.clock.Now(),
		Payload:    payload,
	})
	if err != nil {
		logger.ErrorContext(ctx, "failed to claim webhook event", "error", err)
		h.record(ctx, event.Type, webhookFailed)
		core.Error(w, r, err)
		return
	}
	if !claimed {
		logger.InfoContext(ctx, "duplicate webhook event ignored")
		h.record(ctx, event.Type, webhookDuplicate)
		h.acknowledge(w, r)
		return
	}

	handled, err := h.routeEvent(ctx, event)
	switch {
	case err == nil && handled:
		logger.InfoContext(ctx, "webhook event applied")
		h.record(ctx, event.Type, webhookProcessed)

	case err == nil:
		logger.DebugContext(ctx, "ignoring unhandled webhook event type")
		h.record(ctx, event.Type, webhookIgnored)

	case types.HasCode(err, types.ErrCodeUnknownAccount):
		logger.WarnContext(ctx, "webhook event for unknown account acknowledged", "error", err)
		h.record(ctx, event.Type, webhookIgnored)

	default:
		logger.ErrorContext(ctx, "webhook event processing failed", "error", err)
		if relErr := h.events.Release(ctx, event.ID); relErr != nil {
			logger.ErrorContext(ctx, "failed to release webhook claim", "error", relErr)
		}
		h.record(ctx, event.Type, webhookFailed)
		core.Error(w, r, err)
		return
	}

	h.acknowledge(w, r)
}

func (h *StripeWebhookHandler) acknowledge(w http.ResponseWriter, r *http.Request) {
	core.JSON(w, r, http.StatusOK, map[string]bool{"received": true})
}

func (h *StripeWebhookHandler) record(ctx context.Context, eventType, status string) {
	if h.metrics != nil {
		h.metrics.RecordWebhook(ctx, eventType, status)
	}
}

// routeEvent dispatches by event type. handled is false for types the
// engine does not consume.
func (h *StripeWebhookHandler) routeEvent(ctx context.Context, event *external.StripeEvent) (bool, error) {
	var err error
	switch event.Type {
	case external.EventStripeCheckoutCompleted:
		err = h.handleCheckoutCompleted(ctx, event)
	case external.EventStripeSubUpdated:
		err = h.handleSubscriptionUpdated(ctx, event)
	case external.EventStripeSubDeleted:
		err = h.handleSubscriptionDeleted(ctx, event)
	case external.EventStripeInvoicePaid:
		err = h.handleInvoicePaid(ctx, event)
	case external.EventStripePaymentFailed:
		err = h.handlePaymentFailed(ctx, event)
	default:
		return false, nil
	}
	return true, err
}

// handleCheckoutCompleted links the new processor subscription to the
// account named in client_reference_id.
func (h *StripeWebhookHandler) handleCheckoutCompleted(ctx context.Context, event *external.StripeEvent) error {
	var session external.StripeCheckoutSession
	if err := event.DecodeObject(&session); err != nil {
		return err
	}
	if session.Mode != "" && session.Mode != "subscription" {
		return nil
	}

	accountID := session.ClientReferenceID
	if accountID == "" {
		accountID = session.Metadata["account_id"]
	}
	if accountID == "" {
		return types.NewAppError(types.ErrCodeUnknownAccount,
			fmt.Sprintf("checkout session %s carries no account id", session.ID), nil)
	}

	_, err := h.subs.CompleteCheckout(ctx, billing.CheckoutCompletion{
		AccountID:              accountID,
		ExternalSubscriptionID: session.Subscription,
		ExternalCustomerID:     session.Customer,
		Tier:                   types.TierName(session.Metadata["tier"]),
		Interval:               types.BillingInterval(session.Metadata["interval"]),
		EventAt:                event.CreatedAt(),
	})
	return err
}

// handleSubscriptionUpdated reconciles tier and state with the processor.
// Statuses without lifecycle meaning (incomplete checkouts) are skipped.
func (h *StripeWebhookHandler) handleSubscriptionUpdated(ctx context.Context, event *external.StripeEvent) error {
	var sub external.StripeSubscription
	if err := event.DecodeObject(&sub); err != nil {
		return err
	}

	upd, ok := external.ProcessorUpdateFromSubscription(sub, h.prices, event.CreatedAt())
	if !ok {
		h.logger.InfoContext(ctx, "skipping subscription update with unmapped status",
			"external_subscription_id", sub.ID,
			"status", sub.Status,
		)
		return nil
	}

	accountID, err := h.subs.AccountForExternalSubscription(ctx, sub.ID, sub.Metadata["account_id"])
	if err != nil {
		return err
	}
	upd.AccountID = accountID

	_, err = h.subs.ApplyProcessorUpdate(ctx, upd)
	return err
}

// handleSubscriptionDeleted cancels the account's subscription immediately.
func (h *StripeWebhookHandler) handleSubscriptionDeleted(ctx context.Context, event *external.StripeEvent) error {
	var sub external.StripeSubscription
	if err := event.DecodeObject(&sub); err != nil {
		return err
	}

	accountID, err := h.subs.AccountForExternalSubscription(ctx, sub.ID, sub.Metadata["account_id"])
	if err != nil {
		return err
	}

	_, err = h.subs.ApplyProcessorDeletion(ctx, accountID, event.CreatedAt())
	if types.HasCode(err, types.ErrCodeInvalidTransition) {
		h.logger.InfoContext(ctx, "subscription already cancelled", "account_id", accountID)
		return nil
	}
	return err
}

// handleInvoicePaid settles the matching snapshot and restores a past_due
// subscription. Invoices the engine did not issue (the processor's own
// subscription invoices) have no snapshot; they still clear past_due.
func (h *StripeWebhookHandler) handleInvoicePaid(ctx context.Context, event *external.StripeEvent) error {
	var inv external.StripeInvoice
	if err := event.DecodeObject(&inv); err != nil {
		return err
	}

	if _, err := h.invoices.MarkPaid(ctx, inv.ID); err != nil && !types.HasCode(err, types.ErrCodeNotFoundSnapshot) {
		return fmt.Errorf("marking snapshot paid for invoice %s: %w", inv.ID, err)
	}

	accountID, err := h.subs.AccountForExternalSubscription(ctx, inv.SubscriptionID(), inv.Metadata["account_id"])
	if err != nil {
		return err
	}
	return h.subs.HandlePaymentSucceeded(ctx, accountID, event.CreatedAt())
}

// handlePaymentFailed marks the snapshot failed and moves the subscription
// toward past_due. Access is kept until the grace window closes.
func (h *StripeWebhookHandler) handlePaymentFailed(ctx context.Context, event *external.StripeEvent) error {
	var inv external.StripeInvoice
	if err := event.DecodeObject(&inv); err != nil {
		return err
	}

	reason := fmt.Sprintf("payment failed (attempt %d)", inv.AttemptCount)
	if _, err := h.invoices.MarkInvoiceFailed(ctx, inv.ID, reason); err != nil && !types.HasCode(err, types.ErrCodeNotFoundSnapshot) {
		return fmt.Errorf("marking snapshot failed for invoice %s: %w", inv.ID, err)
	}

	accountID, err := h.subs.AccountForExternalSubscription(ctx, inv.SubscriptionID(), inv.Metadata["account_id"])
	if err != nil {
		return err
	}

	h.logger.WarnContext(ctx, "processing payment failure",
		"account_id", accountID,
		"invoice_id", inv.ID,
		"attempt", inv.AttemptCount,
	)
	return h.subs.HandlePaymentFailure(ctx, accountID, event.CreatedAt())
}
