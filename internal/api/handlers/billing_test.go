package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stockmeter/internal/billing"
	"stockmeter/internal/core"
	"stockmeter/internal/types"
)

// =============================================================================
// Mock Implementations for Billing Handler
// =============================================================================

type mockProvisioner struct {
	created bool
	err     error
	calls   []string
}

func (m *mockProvisioner) EnsureAccount(ctx context.Context, accountID string, now time.Time) (bool, error) {
	m.calls = append(m.calls, accountID)
	return m.created, m.err
}

type mockBillingReader struct {
	overviewFn func(ctx context.Context, accountID string) (*billing.Overview, error)
	historyFn  func(ctx context.Context, accountID, cursor string, limit int) (*types.ListResponse[types.BillingSnapshot], error)
}

func (m *mockBillingReader) Overview(ctx context.Context, accountID string) (*billing.Overview, error) {
	if m.overviewFn != nil {
		return m.overviewFn(ctx, accountID)
	}
	return &billing.Overview{AccountID: accountID, State: types.StateNone, Tier: types.TierFree}, nil
}

func (m *mockBillingReader) History(ctx context.Context, accountID, cursor string, limit int) (*types.ListResponse[types.BillingSnapshot], error) {
	if m.historyFn != nil {
		return m.historyFn(ctx, accountID, cursor, limit)
	}
	return &types.ListResponse[types.BillingSnapshot]{Data: []types.BillingSnapshot{}}, nil
}

type mockUsageRecorder struct {
	products int64
	err      error
	deltas   []int64
	dims     []types.UsageDimensions
}

func (m *mockUsageRecorder) RecordDelta(ctx context.Context, accountID string, delta int64) (int64, error) {
	m.deltas = append(m.deltas, delta)
	if m.err != nil {
		return 0, m.err
	}
	m.products += delta
	return m.products, nil
}

func (m *mockUsageRecorder) SetDimensions(ctx context.Context, accountID string, dims types.UsageDimensions) error {
	m.dims = append(m.dims, dims)
	return m.err
}

type gateCall struct {
	action types.Action
	delta  int64
}

type mockGate struct {
	decision billing.Decision
	err      error
	calls    []gateCall
}

func (m *mockGate) CanPerform(ctx context.Context, accountID string, action types.Action, delta int64) (billing.Decision, error) {
	m.calls = append(m.calls, gateCall{action: action, delta: delta})
	d := m.decision
	d.Action = action
	return d, m.err
}

type mockSubscriptionManager struct {
	selectFn func(ctx context.Context, accountID string, tier types.TierName, interval types.BillingInterval) (*billing.SelectResult, error)
	cancelFn func(ctx context.Context, accountID string) (*types.Subscription, error)
	resumeFn func(ctx context.Context, accountID string) (*types.Subscription, error)
}

func (m *mockSubscriptionManager) Select(ctx context.Context, accountID string, tier types.TierName, interval types.BillingInterval) (*billing.SelectResult, error) {
	return m.selectFn(ctx, accountID, tier, interval)
}

func (m *mockSubscriptionManager) Cancel(ctx context.Context, accountID string) (*types.Subscription, error) {
	return m.cancelFn(ctx, accountID)
}

func (m *mockSubscriptionManager) Resume(ctx context.Context, accountID string) (*types.Subscription, error) {
	return m.resumeFn(ctx, accountID)
}

// =============================================================================
// Test Helpers
// =============================================================================

type billingFixture struct {
	accounts *mockProvisioner
	reader   *mockBillingReader
	usage    *mockUsageRecorder
	gate     *mockGate
	subs     *mockSubscriptionManager
	router   chi.Router
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newBillingFixture() *billingFixture {
	f := &billingFixture{
		accounts: &mockProvisioner{},
		reader:   &mockBillingReader{},
		usage:    &mockUsageRecorder{},
		gate:     &mockGate{},
		subs:     &mockSubscriptionManager{},
	}
	logger := discardLogger()
	h := NewBillingHandler(f.accounts, f.reader, f.usage, f.gate, f.subs,
		&types.FixedClock{T: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)},
		core.NewValidator(logger), logger)

	r := chi.NewRouter()
	h.RegisterRoutes(r)
	f.router = r
	return f
}

func (f *billingFixture) do(method, path, body string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = bytes.NewBufferString(body)
	}
	req := httptest.NewRequest(method, path, reader)
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func decodeData(t *testing.T, w *httptest.ResponseRecorder, out any) {
	t.Helper()
	var env struct {
		Data json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	require.NoError(t, json.Unmarshal(env.Data, out))
}

func errorCodeOf(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var resp core.APIErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp.Error.Code
}

// =============================================================================
// Tests
// =============================================================================

func TestBillingHandler_InvalidAccountID(t *testing.T) {
	f := newBillingFixture()

	w := f.do(http.MethodGet, "/accounts/bad%20id!/billing", "")

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, string(types.ErrCodeValidationInvalidValue), errorCodeOf(t, w))
}

func TestBillingHandler_Provision(t *testing.T) {
	t.Run("created", func(t *testing.T) {
		f := newBillingFixture()
		f.accounts.created = true

		w := f.do(http.MethodPut, "/accounts/acct_1", "")

		assert.Equal(t, http.StatusCreated, w.Code)
		var resp ProvisionResponse
		decodeData(t, w, &resp)
		assert.Equal(t, ProvisionResponse{AccountID: "acct_1", Created: true}, resp)
		assert.Equal(t, []string{"acct_1"}, f.accounts.calls)
	})

	t.Run("already exists", func(t *testing.T) {
		f := newBillingFixture()

		w := f.do(http.MethodPut, "/accounts/acct_1", "")

		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("store failure", func(t *testing.T) {
		f := newBillingFixture()
		f.accounts.err = types.NewAppError(types.ErrCodeInternalDB, "insert failed", nil)

		w := f.do(http.MethodPut, "/accounts/acct_1", "")

		assert.Equal(t, http.StatusInternalServerError, w.Code)
	})
}

func TestBillingHandler_GetOverview(t *testing.T) {
	f := newBillingFixture()
	f.reader.overviewFn = func(ctx context.Context, accountID string) (*billing.Overview, error) {
		return &billing.Overview{
			AccountID:     accountID,
			State:         types.StateActive,
			Tier:          types.TierBusiness,
			ProjectedCost: billing.CostBreakdown{Amount: decimal.RequireFromString("49.00")},
			Currency:      "USD",
		}, nil
	}

	w := f.do(http.MethodGet, "/accounts/acct_1/billing", "")

	require.Equal(t, http.StatusOK, w.Code)
	var ov billing.Overview
	decodeData(t, w, &ov)
	assert.Equal(t, "acct_1", ov.AccountID)
	assert.Equal(t, types.TierBusiness, ov.Tier)
	assert.True(t, ov.ProjectedCost.Amount.Equal(decimal.RequireFromString("49")))
}

func TestBillingHandler_GetOverview_UnknownAccount(t *testing.T) {
	f := newBillingFixture()
	f.reader.overviewFn = func(ctx context.Context, accountID string) (*billing.Overview, error) {
		return nil, types.NewAppError(types.ErrCodeUnknownAccount, "account not found", nil)
	}

	w := f.do(http.MethodGet, "/accounts/ghost/billing", "")

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, string(types.ErrCodeUnknownAccount), errorCodeOf(t, w))
}

func TestBillingHandler_GetHistory(t *testing.T) {
	f := newBillingFixture()
	var gotCursor string
	var gotLimit int
	f.reader.historyFn = func(ctx context.Context, accountID, cursor string, limit int) (*types.ListResponse[types.BillingSnapshot], error) {
		gotCursor, gotLimit = cursor, limit
		return &types.ListResponse[types.BillingSnapshot]{
			Data:     []types.BillingSnapshot{{ID: "snap_1", AccountID: accountID, Status: types.SnapshotPaid}},
			PageInfo: types.PageInfo{HasMore: true, NextCursor: "2026-01-01T00:00:00Z"},
		}, nil
	}

	w := f.do(http.MethodGet, "/accounts/acct_1/billing/history?cursor=2026-02-01T00:00:00Z&limit=5", "")

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "2026-02-01T00:00:00Z", gotCursor)
	assert.Equal(t, 5, gotLimit)

	var page types.ListResponse[types.BillingSnapshot]
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page))
	require.Len(t, page.Data, 1)
	assert.True(t, page.PageInfo.HasMore)
}

func TestBillingHandler_GetHistory_BadLimit(t *testing.T) {
	f := newBillingFixture()

	w := f.do(http.MethodGet, "/accounts/acct_1/billing/history?limit=-1", "")

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestBillingHandler_RecordUsage(t *testing.T) {
	f := newBillingFixture()
	f.usage.products = 10

	w := f.do(http.MethodPost, "/accounts/acct_1/usage", `{"delta": -3}`)

	require.Equal(t, http.StatusOK, w.Code)
	var resp UsageResponse
	decodeData(t, w, &resp)
	assert.Equal(t, int64(7), resp.Products)
	assert.Equal(t, []int64{-3}, f.usage.deltas)
}

func TestBillingHandler_RecordUsage_Validation(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		wantCode types.ErrorCode
	}{
		{"missing delta", `{}`, types.ErrCodeValidationMissingField},
		{"malformed", `{"delta":`, types.ErrCodeValidationInvalidJSON},
		{"unknown field", `{"delta": 1, "sku": "x"}`, types.ErrCodeValidationInvalidJSON},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newBillingFixture()
			w := f.do(http.MethodPost, "/accounts/acct_1/usage", tt.body)

			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Equal(t, string(tt.wantCode), errorCodeOf(t, w))
			assert.Empty(t, f.usage.deltas)
		})
	}
}

func TestBillingHandler_RecordUsage_ZeroDeltaAccepted(t *testing.T) {
	f := newBillingFixture()

	w := f.do(http.MethodPost, "/accounts/acct_1/usage", `{"delta": 0}`)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []int64{0}, f.usage.deltas)
}

func TestBillingHandler_RecordUsage_InvalidDelta(t *testing.T) {
	f := newBillingFixture()
	f.usage.err = types.NewAppError(types.ErrCodeValidationInvalidDelta, "count would go negative", nil)

	w := f.do(http.MethodPost, "/accounts/acct_1/usage", `{"delta": -50}`)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, string(types.ErrCodeValidationInvalidDelta), errorCodeOf(t, w))
}

func TestBillingHandler_SetDimensions(t *testing.T) {
	f := newBillingFixture()

	w := f.do(http.MethodPost, "/accounts/acct_1/usage/dimensions", `{"users": 4, "branches": 2, "orders_this_month": 120}`)

	assert.Equal(t, http.StatusNoContent, w.Code)
	require.Len(t, f.usage.dims, 1)
	assert.Equal(t, types.UsageDimensions{Users: 4, Branches: 2, OrdersThisMonth: 120}, f.usage.dims[0])
}

func TestBillingHandler_SetDimensions_Negative(t *testing.T) {
	f := newBillingFixture()

	w := f.do(http.MethodPost, "/accounts/acct_1/usage/dimensions", `{"users": -1}`)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Empty(t, f.usage.dims)
}

func TestBillingHandler_CheckGate(t *testing.T) {
	tests := []struct {
		name      string
		query     string
		wantDelta int64
	}{
		{"add product defaults to one", "action=add_product", 1},
		{"explicit delta", "action=add_product&delta=25", 25},
		{"feature defaults to zero", "action=use_feature:multi_branch", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newBillingFixture()
			f.gate.decision = billing.Decision{Allowed: true, Tier: types.TierBusiness}

			w := f.do(http.MethodGet, "/accounts/acct_1/gate?"+tt.query, "")

			require.Equal(t, http.StatusOK, w.Code)
			require.Len(t, f.gate.calls, 1)
			assert.Equal(t, tt.wantDelta, f.gate.calls[0].delta)
		})
	}
}

func TestBillingHandler_CheckGate_DenialIsNotAnError(t *testing.T) {
	f := newBillingFixture()
	f.gate.decision = billing.Decision{
		Allowed:      false,
		Reason:       "product limit reached",
		Tier:         types.TierFree,
		Current:      100,
		RequiredTier: types.TierBusiness,
	}

	w := f.do(http.MethodGet, "/accounts/acct_1/gate?action=add_product", "")

	require.Equal(t, http.StatusOK, w.Code)
	var d billing.Decision
	decodeData(t, w, &d)
	assert.False(t, d.Allowed)
	assert.Equal(t, types.TierBusiness, d.RequiredTier)
	assert.Equal(t, int64(100), d.Current)
}

func TestBillingHandler_CheckGate_MissingAction(t *testing.T) {
	f := newBillingFixture()

	w := f.do(http.MethodGet, "/accounts/acct_1/gate", "")

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, string(types.ErrCodeValidationMissingField), errorCodeOf(t, w))
	assert.Empty(t, f.gate.calls)
}

func TestBillingHandler_SelectTier(t *testing.T) {
	f := newBillingFixture()
	var gotTier types.TierName
	var gotInterval types.BillingInterval
	f.subs.selectFn = func(ctx context.Context, accountID string, tier types.TierName, interval types.BillingInterval) (*billing.SelectResult, error) {
		gotTier, gotInterval = tier, interval
		return &billing.SelectResult{
			Subscription: &types.Subscription{AccountID: accountID, State: types.StateNone, Tier: types.TierFree},
			CheckoutURL:  "https://checkout.stripe.com/c/pay/cs_test_1",
		}, nil
	}

	w := f.do(http.MethodPost, "/accounts/acct_1/subscription/select", `{"tier": "business"}`)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, types.TierBusiness, gotTier)
	assert.Equal(t, types.IntervalMonthly, gotInterval, "interval defaults to monthly")

	var res billing.SelectResult
	decodeData(t, w, &res)
	assert.Contains(t, res.CheckoutURL, "cs_test_1")
}

func TestBillingHandler_SelectTier_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"unknown tier", `{"tier": "platinum"}`},
		{"unknown interval", `{"tier": "business", "interval": "weekly"}`},
		{"missing tier", `{}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newBillingFixture()
			f.subs.selectFn = func(context.Context, string, types.TierName, types.BillingInterval) (*billing.SelectResult, error) {
				t.Fatal("Select must not be called")
				return nil, nil
			}

			w := f.do(http.MethodPost, "/accounts/acct_1/subscription/select", tt.body)

			assert.Equal(t, http.StatusBadRequest, w.Code)
		})
	}
}

func TestBillingHandler_SelectTier_ProcessorUnavailable(t *testing.T) {
	f := newBillingFixture()
	f.subs.selectFn = func(context.Context, string, types.TierName, types.BillingInterval) (*billing.SelectResult, error) {
		return nil, types.NewAppError(types.ErrCodeProcessorUnavailable, "payment processor unavailable", nil)
	}

	w := f.do(http.MethodPost, "/accounts/acct_1/subscription/select", `{"tier": "enterprise", "interval": "yearly"}`)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestBillingHandler_CancelAndResume(t *testing.T) {
	f := newBillingFixture()
	effective := time.Date(2026, 3, 31, 0, 0, 0, 0, time.UTC)
	f.subs.cancelFn = func(ctx context.Context, accountID string) (*types.Subscription, error) {
		return &types.Subscription{AccountID: accountID, State: types.StateCancelling, CancelEffectiveAt: &effective}, nil
	}
	f.subs.resumeFn = func(ctx context.Context, accountID string) (*types.Subscription, error) {
		return nil, types.NewAppError(types.ErrCodeInvalidTransition, "cannot resume from active", nil)
	}

	w := f.do(http.MethodPost, "/accounts/acct_1/subscription/cancel", "")
	require.Equal(t, http.StatusOK, w.Code)
	var sub types.Subscription
	decodeData(t, w, &sub)
	assert.Equal(t, types.StateCancelling, sub.State)
	require.NotNil(t, sub.CancelEffectiveAt)
	assert.True(t, sub.CancelEffectiveAt.Equal(effective))

	w = f.do(http.MethodPost, "/accounts/acct_1/subscription/resume", "")
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, string(types.ErrCodeInvalidTransition), errorCodeOf(t, w))
}
