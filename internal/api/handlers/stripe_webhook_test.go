package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"stockmeter/internal/billing"
	"stockmeter/internal/external"
	"stockmeter/internal/types"
)

// ---------------------------------------------------------------------------
// Mock Implementations
// ---------------------------------------------------------------------------

type mockWebhookVerifier struct {
	shouldFail bool
}

func (m *mockWebhookVerifier) Verify(payload []byte, header string, secret string) error {
	if m.shouldFail {
		return errors.New("signature verification failed")
	}
	return nil
}

// mockEventStore mirrors the primary-key claim of the events table.
type mockEventStore struct {
	claimed  map[string]types.ProcessedWebhookEvent
	released []string
	claimErr error
}

func newMockEventStore() *mockEventStore {
	return &mockEventStore{claimed: make(map[string]types.ProcessedWebhookEvent)}
}

func (m *mockEventStore) Claim(ctx context.Context, ev types.ProcessedWebhookEvent) (bool, error) {
	if m.claimErr != nil {
		return false, m.claimErr
	}
	if _, ok := m.claimed[ev.EventID]; ok {
		return false, nil
	}
	m.claimed[ev.EventID] = ev
	return true, nil
}

func (m *mockEventStore) Release(ctx context.Context, eventID string) error {
	delete(m.claimed, eventID)
	m.released = append(m.released, eventID)
	return nil
}

type settleCall struct {
	InvoiceID string
	Reason    string
}

type mockInvoiceSettler struct {
	paid   []string
	failed []settleCall
	err    error
}

func (m *mockInvoiceSettler) MarkPaid(ctx context.Context, invoiceID string) (*types.BillingSnapshot, error) {
	m.paid = append(m.paid, invoiceID)
	if m.err != nil {
		return nil, m.err
	}
	return &types.BillingSnapshot{ExternalInvoiceID: invoiceID, Status: types.SnapshotPaid}, nil
}

func (m *mockInvoiceSettler) MarkInvoiceFailed(ctx context.Context, invoiceID, reason string) (*types.BillingSnapshot, error) {
	m.failed = append(m.failed, settleCall{InvoiceID: invoiceID, Reason: reason})
	if m.err != nil {
		return nil, m.err
	}
	return &types.BillingSnapshot{ExternalInvoiceID: invoiceID, Status: types.SnapshotFailed}, nil
}

type paymentCall struct {
	AccountID string
	At        time.Time
}

type mockProcessorApplier struct {
	// accounts maps external subscription ids to account ids.
	accounts map[string]string

	checkouts []billing.CheckoutCompletion
	updates   []billing.ProcessorUpdate
	deletions []paymentCall
	failures  []paymentCall
	successes []paymentCall

	applyErr error
}

func (m *mockProcessorApplier) AccountForExternalSubscription(ctx context.Context, externalID, fallback string) (string, error) {
	if id, ok := m.accounts[externalID]; ok {
		return id, nil
	}
	if fallback != "" {
		return fallback, nil
	}
	return "", types.NewAppError(types.ErrCodeUnknownAccount, "no account for subscription "+externalID, nil)
}

func (m *mockProcessorApplier) CompleteCheckout(ctx context.Context, c billing.CheckoutCompletion) (*types.Subscription, error) {
	m.checkouts = append(m.checkouts, c)
	return &types.Subscription{AccountID: c.AccountID, State: types.StateActive, Tier: c.Tier}, m.applyErr
}

func (m *mockProcessorApplier) ApplyProcessorUpdate(ctx context.Context, u billing.ProcessorUpdate) (*types.Subscription, error) {
	m.updates = append(m.updates, u)
	return &types.Subscription{AccountID: u.AccountID, State: u.TargetState}, m.applyErr
}

func (m *mockProcessorApplier) ApplyProcessorDeletion(ctx context.Context, accountID string, at time.Time) (*types.Subscription, error) {
	m.deletions = append(m.deletions, paymentCall{AccountID: accountID, At: at})
	return &types.Subscription{AccountID: accountID, State: types.StateCancelled}, m.applyErr
}

func (m *mockProcessorApplier) HandlePaymentFailure(ctx context.Context, accountID string, at time.Time) error {
	m.failures = append(m.failures, paymentCall{AccountID: accountID, At: at})
	return m.applyErr
}

func (m *mockProcessorApplier) HandlePaymentSucceeded(ctx context.Context, accountID string, at time.Time) error {
	m.successes = append(m.successes, paymentCall{AccountID: accountID, At: at})
	return m.applyErr
}

type webhookRecord struct {
	EventType string
	Status    string
}

type mockWebhookRecorder struct {
	records []webhookRecord
}

func (m *mockWebhookRecorder) RecordWebhook(ctx context.Context, eventType, status string) {
	m.records = append(m.records, webhookRecord{EventType: eventType, Status: status})
}

func (m *mockWebhookRecorder) last() webhookRecord {
	if len(m.records) == 0 {
		return webhookRecord{}
	}
	return m.records[len(m.records)-1]
}

// ---------------------------------------------------------------------------
// Test Helpers
// ---------------------------------------------------------------------------

const eventCreated = int64(1772323200) // 2026-03-01T00:00:00Z

var testPrices = external.PriceTable{
	types.TierBusiness: {
		types.IntervalMonthly: "price_business_monthly",
		types.IntervalYearly:  "price_business_yearly",
	},
	types.TierEnterprise: {
		types.IntervalMonthly: "price_enterprise_monthly",
	},
}

type webhookFixture struct {
	verifier *mockWebhookVerifier
	events   *mockEventStore
	invoices *mockInvoiceSettler
	subs     *mockProcessorApplier
	metrics  *mockWebhookRecorder
	handler  *StripeWebhookHandler
}

func newWebhookFixture() *webhookFixture {
	f := &webhookFixture{
		verifier: &mockWebhookVerifier{},
		events:   newMockEventStore(),
		invoices: &mockInvoiceSettler{},
		subs:     &mockProcessorApplier{accounts: map[string]string{"sub_123": "acct_1"}},
		metrics:  &mockWebhookRecorder{},
	}
	f.handler = NewStripeWebhookHandler(
		f.verifier,
		f.events,
		f.invoices,
		f.subs,
		testPrices,
		f.metrics,
		types.SecretString("whsec_test_secret"),
		&types.FixedClock{T: time.Unix(eventCreated+5, 0).UTC()},
		discardLogger(),
	)
	return f
}

func buildStripeEvent(eventType, eventID string, dataObject any) []byte {
	objBytes, _ := json.Marshal(dataObject)
	b, _ := json.Marshal(map[string]any{
		"id":      eventID,
		"type":    eventType,
		"created": eventCreated,
		"data":    map[string]any{"object": json.RawMessage(objBytes)},
	})
	return b
}

func subscriptionObject(status, priceID string, cancelAtPeriodEnd bool) map[string]any {
	return map[string]any{
		"id":                   "sub_123",
		"customer":             "cus_123",
		"status":               status,
		"cancel_at_period_end": cancelAtPeriodEnd,
		"items": map[string]any{
			"data": []map[string]any{{"price": map[string]any{"id": priceID}}},
		},
	}
}

func (f *webhookFixture) do(body []byte, sigHeader string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", bytes.NewReader(body))
	if sigHeader != "" {
		req.Header.Set("Stripe-Signature", sigHeader)
	}
	rr := httptest.NewRecorder()
	f.handler.Handle(rr, req)
	return rr
}

func (f *webhookFixture) deliver(body []byte) *httptest.ResponseRecorder {
	return f.do(body, "t=1772323200,v1=valid")
}

func responseErrorCode(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	var errResp map[string]map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &errResp); err != nil {
		t.Fatalf("failed to decode error response: %v", err)
	}
	code, _ := errResp["error"]["code"].(string)
	return code
}

// ---------------------------------------------------------------------------
// Tests: Signature Verification and Parsing
// ---------------------------------------------------------------------------

func TestStripeWebhookHandler_MissingSignature(t *testing.T) {
	f := newWebhookFixture()

	rr := f.do(buildStripeEvent(external.EventStripeInvoicePaid, "evt_1", map[string]any{"id": "in_1"}), "")

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
	if code := responseErrorCode(t, rr); code != string(types.ErrCodeAuthSignature) {
		t.Errorf("expected %q, got %q", types.ErrCodeAuthSignature, code)
	}
	if len(f.events.claimed) != 0 {
		t.Error("unverified events must not be claimed")
	}
	if got := f.metrics.last(); got.Status != webhookRejected {
		t.Errorf("expected rejected metric, got %+v", got)
	}
}

func TestStripeWebhookHandler_InvalidSignature(t *testing.T) {
	f := newWebhookFixture()
	f.verifier.shouldFail = true

	rr := f.deliver(buildStripeEvent(external.EventStripeInvoicePaid, "evt_1", map[string]any{"id": "in_1"}))

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
	if len(f.subs.successes) != 0 || len(f.invoices.paid) != 0 {
		t.Error("no side effects expected for a forged event")
	}
}

func TestStripeWebhookHandler_MalformedEvent(t *testing.T) {
	f := newWebhookFixture()

	rr := f.deliver([]byte(`{"id": "evt_1"`))

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}

func TestStripeWebhookHandler_UnhandledTypeAcknowledged(t *testing.T) {
	f := newWebhookFixture()

	rr := f.deliver(buildStripeEvent("customer.created", "evt_cust", map[string]any{"id": "cus_1"}))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if got := f.metrics.last(); got.Status != webhookIgnored || got.EventType != "customer.created" {
		t.Errorf("unexpected metric %+v", got)
	}
}

// ---------------------------------------------------------------------------
// Tests: Idempotency
// ---------------------------------------------------------------------------

func TestStripeWebhookHandler_DuplicateDeliveryAppliedOnce(t *testing.T) {
	f := newWebhookFixture()
	body := buildStripeEvent(external.EventStripeInvoicePaid, "evt_paid_1", map[string]any{
		"id":           "in_1",
		"subscription": "sub_123",
	})

	for i := 0; i < 3; i++ {
		rr := f.deliver(body)
		if rr.Code != http.StatusOK {
			t.Fatalf("delivery %d: expected 200, got %d", i, rr.Code)
		}
	}

	if len(f.subs.successes) != 1 {
		t.Errorf("expected payment success applied once, got %d", len(f.subs.successes))
	}
	if len(f.invoices.paid) != 1 {
		t.Errorf("expected invoice settled once, got %d", len(f.invoices.paid))
	}
	if got := f.metrics.last(); got.Status != webhookDuplicate {
		t.Errorf("expected duplicate metric, got %+v", got)
	}

	stored := f.events.claimed["evt_paid_1"]
	if !bytes.Equal(stored.Payload, body) {
		t.Error("claimed event must keep the raw payload")
	}
}

func TestStripeWebhookHandler_FailureReleasesClaim(t *testing.T) {
	f := newWebhookFixture()
	f.subs.applyErr = types.NewAppError(types.ErrCodeInternalDB, "connection reset", nil)
	body := buildStripeEvent(external.EventStripePaymentFailed, "evt_fail_1", map[string]any{
		"id":            "in_1",
		"subscription":  "sub_123",
		"attempt_count": 2,
	})

	rr := f.deliver(body)
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 so Stripe retries, got %d", rr.Code)
	}
	if len(f.events.released) != 1 || f.events.released[0] != "evt_fail_1" {
		t.Fatalf("expected claim released, got %v", f.events.released)
	}

	// Redelivery after recovery is applied.
	f.subs.applyErr = nil
	rr = f.deliver(body)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 on redelivery, got %d", rr.Code)
	}
	if len(f.subs.failures) != 2 {
		t.Errorf("expected a second attempt, got %d", len(f.subs.failures))
	}
	if got := f.metrics.last(); got.Status != webhookProcessed {
		t.Errorf("expected processed metric, got %+v", got)
	}
}

func TestStripeWebhookHandler_ClaimErrorIsRetryable(t *testing.T) {
	f := newWebhookFixture()
	f.events.claimErr = types.NewAppError(types.ErrCodeInternalDB, "db down", nil)

	rr := f.deliver(buildStripeEvent(external.EventStripeInvoicePaid, "evt_1", map[string]any{"id": "in_1"}))

	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rr.Code)
	}
	if len(f.subs.successes) != 0 {
		t.Error("event must not be applied without a claim")
	}
}

func TestStripeWebhookHandler_UnknownAccountAcknowledged(t *testing.T) {
	f := newWebhookFixture()
	body := buildStripeEvent(external.EventStripeSubDeleted, "evt_del_x", map[string]any{
		"id":     "sub_unknown",
		"status": "canceled",
	})

	rr := f.deliver(body)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if _, ok := f.events.claimed["evt_del_x"]; !ok {
		t.Error("claim must be kept so the event is not retried forever")
	}
	if got := f.metrics.last(); got.Status != webhookIgnored {
		t.Errorf("expected ignored metric, got %+v", got)
	}
}

// ---------------------------------------------------------------------------
// Tests: Event Routing
// ---------------------------------------------------------------------------

func TestStripeWebhookHandler_CheckoutCompleted(t *testing.T) {
	f := newWebhookFixture()
	body := buildStripeEvent(external.EventStripeCheckoutCompleted, "evt_co_1", map[string]any{
		"id":                  "cs_1",
		"client_reference_id": "acct_9",
		"customer":            "cus_9",
		"subscription":        "sub_9",
		"mode":                "subscription",
		"metadata":            map[string]string{"tier": "business", "interval": "yearly"},
	})

	rr := f.deliver(body)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if len(f.subs.checkouts) != 1 {
		t.Fatalf("expected 1 checkout completion, got %d", len(f.subs.checkouts))
	}
	got := f.subs.checkouts[0]
	want := billing.CheckoutCompletion{
		AccountID:              "acct_9",
		ExternalSubscriptionID: "sub_9",
		ExternalCustomerID:     "cus_9",
		Tier:                   types.TierBusiness,
		Interval:               types.IntervalYearly,
		EventAt:                time.Unix(eventCreated, 0).UTC(),
	}
	if got != want {
		t.Errorf("checkout = %+v, want %+v", got, want)
	}
}

func TestStripeWebhookHandler_CheckoutCompleted_MetadataAccountFallback(t *testing.T) {
	f := newWebhookFixture()
	body := buildStripeEvent(external.EventStripeCheckoutCompleted, "evt_co_2", map[string]any{
		"id":           "cs_2",
		"subscription": "sub_2",
		"metadata":     map[string]string{"account_id": "acct_meta", "tier": "enterprise", "interval": "monthly"},
	})

	if rr := f.deliver(body); rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if len(f.subs.checkouts) != 1 || f.subs.checkouts[0].AccountID != "acct_meta" {
		t.Errorf("expected metadata account id, got %+v", f.subs.checkouts)
	}
}

func TestStripeWebhookHandler_CheckoutCompleted_PaymentModeIgnored(t *testing.T) {
	f := newWebhookFixture()
	body := buildStripeEvent(external.EventStripeCheckoutCompleted, "evt_co_3", map[string]any{
		"id":                  "cs_3",
		"client_reference_id": "acct_1",
		"mode":                "payment",
	})

	if rr := f.deliver(body); rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if len(f.subs.checkouts) != 0 {
		t.Error("one-off payment sessions must not complete a subscription checkout")
	}
}

func TestStripeWebhookHandler_SubscriptionUpdated(t *testing.T) {
	tests := []struct {
		name         string
		status       string
		cancelAtEnd  bool
		priceID      string
		wantState    types.SubscriptionState
		wantTier     types.TierName
		wantInterval types.BillingInterval
	}{
		{"active upgrade", "active", false, "price_enterprise_monthly", types.StateActive, types.TierEnterprise, types.IntervalMonthly},
		{"cancel at period end", "active", true, "price_business_yearly", types.StateCancelling, types.TierBusiness, types.IntervalYearly},
		{"past due", "past_due", false, "price_business_monthly", types.StatePastDue, types.TierBusiness, types.IntervalMonthly},
		{"unknown price keeps tier", "active", false, "price_legacy", types.StateActive, "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newWebhookFixture()
			body := buildStripeEvent(external.EventStripeSubUpdated, "evt_upd", subscriptionObject(tt.status, tt.priceID, tt.cancelAtEnd))

			if rr := f.deliver(body); rr.Code != http.StatusOK {
				t.Fatalf("expected 200, got %d", rr.Code)
			}
			if len(f.subs.updates) != 1 {
				t.Fatalf("expected 1 update, got %d", len(f.subs.updates))
			}
			u := f.subs.updates[0]
			if u.AccountID != "acct_1" {
				t.Errorf("account = %q, want acct_1", u.AccountID)
			}
			if u.TargetState != tt.wantState {
				t.Errorf("state = %q, want %q", u.TargetState, tt.wantState)
			}
			if u.Tier != tt.wantTier || u.Interval != tt.wantInterval {
				t.Errorf("tier/interval = %q/%q, want %q/%q", u.Tier, u.Interval, tt.wantTier, tt.wantInterval)
			}
			if !u.EventAt.Equal(time.Unix(eventCreated, 0)) {
				t.Errorf("event time = %v", u.EventAt)
			}
		})
	}
}

func TestStripeWebhookHandler_SubscriptionUpdated_IncompleteSkipped(t *testing.T) {
	f := newWebhookFixture()
	body := buildStripeEvent(external.EventStripeSubUpdated, "evt_inc", subscriptionObject("incomplete", "price_business_monthly", false))

	if rr := f.deliver(body); rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if len(f.subs.updates) != 0 {
		t.Errorf("incomplete subscriptions must not be applied, got %+v", f.subs.updates)
	}
}

func TestStripeWebhookHandler_SubscriptionDeleted(t *testing.T) {
	f := newWebhookFixture()
	body := buildStripeEvent(external.EventStripeSubDeleted, "evt_del", subscriptionObject("canceled", "price_business_monthly", false))

	if rr := f.deliver(body); rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if len(f.subs.deletions) != 1 || f.subs.deletions[0].AccountID != "acct_1" {
		t.Errorf("unexpected deletions %+v", f.subs.deletions)
	}
}

func TestStripeWebhookHandler_SubscriptionDeleted_AlreadyCancelled(t *testing.T) {
	f := newWebhookFixture()
	f.subs.applyErr = types.NewAppError(types.ErrCodeInvalidTransition, "already cancelled", nil)
	body := buildStripeEvent(external.EventStripeSubDeleted, "evt_del_2", subscriptionObject("canceled", "", false))

	rr := f.deliver(body)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if len(f.events.released) != 0 {
		t.Error("a no-op deletion must keep its claim")
	}
}

func TestStripeWebhookHandler_InvoicePaid(t *testing.T) {
	f := newWebhookFixture()
	body := buildStripeEvent(external.EventStripeInvoicePaid, "evt_paid", map[string]any{
		"id":     "in_42",
		"status": "paid",
		"parent": map[string]any{
			"subscription_details": map[string]any{"subscription": "sub_123"},
		},
	})

	if rr := f.deliver(body); rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if len(f.invoices.paid) != 1 || f.invoices.paid[0] != "in_42" {
		t.Errorf("expected in_42 settled, got %v", f.invoices.paid)
	}
	if len(f.subs.successes) != 1 || f.subs.successes[0].AccountID != "acct_1" {
		t.Errorf("unexpected successes %+v", f.subs.successes)
	}
}

func TestStripeWebhookHandler_InvoicePaid_WithoutSnapshot(t *testing.T) {
	f := newWebhookFixture()
	f.invoices.err = types.NewAppError(types.ErrCodeNotFoundSnapshot, "no snapshot for invoice", nil)
	body := buildStripeEvent(external.EventStripeInvoicePaid, "evt_paid_sub", map[string]any{
		"id":           "in_sub_cycle",
		"subscription": "sub_123",
	})

	if rr := f.deliver(body); rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if len(f.subs.successes) != 1 {
		t.Error("payment success must still clear past_due")
	}
}

func TestStripeWebhookHandler_PaymentFailed(t *testing.T) {
	f := newWebhookFixture()
	body := buildStripeEvent(external.EventStripePaymentFailed, "evt_pf", map[string]any{
		"id":            "in_7",
		"subscription":  "sub_123",
		"attempt_count": 3,
	})

	if rr := f.deliver(body); rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if len(f.invoices.failed) != 1 || f.invoices.failed[0].InvoiceID != "in_7" {
		t.Fatalf("unexpected failed invoices %+v", f.invoices.failed)
	}
	if f.invoices.failed[0].Reason != "payment failed (attempt 3)" {
		t.Errorf("reason = %q", f.invoices.failed[0].Reason)
	}
	if len(f.subs.failures) != 1 || f.subs.failures[0].AccountID != "acct_1" {
		t.Errorf("unexpected failures %+v", f.subs.failures)
	}
}

func TestStripeWebhookHandler_PaymentFailed_MetadataFallback(t *testing.T) {
	f := newWebhookFixture()
	body := buildStripeEvent(external.EventStripePaymentFailed, "evt_pf_meta", map[string]any{
		"id":       "in_8",
		"metadata": map[string]string{"account_id": "acct_usage"},
	})

	if rr := f.deliver(body); rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if len(f.subs.failures) != 1 || f.subs.failures[0].AccountID != "acct_usage" {
		t.Errorf("unexpected failures %+v", f.subs.failures)
	}
}
