// Package handlers contains the HTTP handlers of the billing API.
//
// Each handler declares the narrow service interfaces it needs and is
// mounted by cmd/api through core.Server.V1RouteRegistrars:
//   - BillingHandler: per-account usage, gate, overview, history and
//     subscription actions under /v1/accounts/{accountID}.
//   - AdminHandler: operator views and overrides under /v1/admin.
//   - StripeWebhookHandler: processor events at /v1/webhooks/stripe.
package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"stockmeter/internal/billing"
	"stockmeter/internal/core"
	"stockmeter/internal/types"
)

// --- Service Interfaces ---

// AccountProvisioner creates an account with a free subscription and an empty
// usage record.
type AccountProvisioner interface {
	EnsureAccount(ctx context.Context, accountID string, now time.Time) (bool, error)
}

// BillingReader serves the read-only billing views.
type BillingReader interface {
	Overview(ctx context.Context, accountID string) (*billing.Overview, error)
	History(ctx context.Context, accountID string, cursor string, limit int) (*types.ListResponse[types.BillingSnapshot], error)
}

// UsageRecorder applies usage changes reported by resource owners.
type UsageRecorder interface {
	RecordDelta(ctx context.Context, accountID string, delta int64) (int64, error)
	SetDimensions(ctx context.Context, accountID string, dims types.UsageDimensions) error
}

// GateChecker decides whether an account may perform an action.
type GateChecker interface {
	CanPerform(ctx context.Context, accountID string, action types.Action, delta int64) (billing.Decision, error)
}

// SubscriptionManager applies customer-initiated subscription changes.
type SubscriptionManager interface {
	Select(ctx context.Context, accountID string, tier types.TierName, interval types.BillingInterval) (*billing.SelectResult, error)
	Cancel(ctx context.Context, accountID string) (*types.Subscription, error)
	Resume(ctx context.Context, accountID string) (*types.Subscription, error)
}

// --- Request/Response Models ---

// UsageDeltaRequest is the body of POST /accounts/{accountID}/usage.
// A negative delta records removed products.
type UsageDeltaRequest struct {
	Delta *int64 `json:"delta" validate:"required"`
}

// UsageResponse reports the stored billable count after a delta.
type UsageResponse struct {
	AccountID string `json:"account_id"`
	Products  int64  `json:"products"`
}

// SelectTierRequest is the body of POST /accounts/{accountID}/subscription/select.
type SelectTierRequest struct {
	Tier     types.TierName        `json:"tier" validate:"required,tier"`
	Interval types.BillingInterval `json:"interval" validate:"omitempty,interval"`
}

// ProvisionResponse is returned by PUT /accounts/{accountID}.
type ProvisionResponse struct {
	AccountID string `json:"account_id"`
	Created   bool   `json:"created"`
}

// --- Billing Handler ---

// BillingHandler serves the per-account endpoints. Callers are internal
// services; end-user authentication happens before traffic reaches the API.
type BillingHandler struct {
	accounts  AccountProvisioner
	reader    BillingReader
	usage     UsageRecorder
	gate      GateChecker
	subs      SubscriptionManager
	clock     types.Clock
	validator *core.Validator
	logger    *slog.Logger
}

// NewBillingHandler creates a BillingHandler.
func NewBillingHandler(
	accounts AccountProvisioner,
	reader BillingReader,
	usage UsageRecorder,
	gate GateChecker,
	subs SubscriptionManager,
	clock types.Clock,
	v *core.Validator,
	l *slog.Logger,
) *BillingHandler {
	if l == nil {
		l = slog.Default()
	}
	if clock == nil {
		clock = types.RealClock{}
	}
	if v == nil {
		v = core.NewValidator(l)
	}
	return &BillingHandler{
		accounts:  accounts,
		reader:    reader,
		usage:     usage,
		gate:      gate,
		subs:      subs,
		clock:     clock,
		validator: v,
		logger:    l,
	}
}

// RegisterRoutes mounts the account endpoints.
func (h *BillingHandler) RegisterRoutes(r chi.Router) {
	r.Route("/accounts/{accountID}", func(r chi.Router) {
		r.Use(requireAccountID)

		r.Put("/", h.Provision)

		r.Get("/billing", h.GetOverview)
		r.Get("/billing/history", h.GetHistory)

		r.Post("/usage", h.RecordUsage)
		r.Post("/usage/dimensions", h.SetDimensions)
		r.Get("/gate", h.CheckGate)

		r.Post("/subscription/select", h.SelectTier)
		r.Post("/subscription/cancel", h.Cancel)
		r.Post("/subscription/resume", h.Resume)
	})
}

// requireAccountID rejects malformed account ids before any handler runs.
func requireAccountID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !core.ValidAccountID(chi.URLParam(r, "accountID")) {
			core.Error(w, r, types.NewAppError(types.ErrCodeValidationInvalidValue, "invalid account id", nil))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Provision handles PUT /v1/accounts/{accountID}. It returns 201 when the
// account was created and 200 when it already existed.
func (h *BillingHandler) Provision(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountID")

	created, err := h.accounts.EnsureAccount(r.Context(), accountID, h.clock.Now())
	if err != nil {
		h.logger.ErrorContext(r.Context(), "failed to provision account", "account_id", accountID, "error", err)
		core.Error(w, r, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
		h.logger.InfoContext(r.Context(), "account provisioned", "account_id", accountID)
	}
	core.JSON(w, r, status, core.APIResponse{Data: ProvisionResponse{AccountID: accountID, Created: created}})
}

// GetOverview handles GET /v1/accounts/{accountID}/billing.
func (h *BillingHandler) GetOverview(w http.ResponseWriter, r *http.Request) {
	ov, err := h.reader.Overview(r.Context(), chi.URLParam(r, "accountID"))
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: ov})
}

// GetHistory handles GET /v1/accounts/{accountID}/billing/history.
//
// Query parameters:
//   - cursor: cycle anchor (RFC 3339) of the last item of the previous page.
//   - limit: page size, default 12, maximum 100.
func (h *BillingHandler) GetHistory(w http.ResponseWriter, r *http.Request) {
	limit, err := intQuery(r, "limit", 0)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	page, err := h.reader.History(r.Context(), chi.URLParam(r, "accountID"), r.URL.Query().Get("cursor"), limit)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, page)
}

// RecordUsage handles POST /v1/accounts/{accountID}/usage.
func (h *BillingHandler) RecordUsage(w http.ResponseWriter, r *http.Request) {
	var req UsageDeltaRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}

	accountID := chi.URLParam(r, "accountID")
	products, err := h.usage.RecordDelta(r.Context(), accountID, *req.Delta)
	if err != nil {
		h.logger.WarnContext(r.Context(), "failed to record usage delta",
			"account_id", accountID,
			"delta", *req.Delta,
			"error", err,
		)
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: UsageResponse{AccountID: accountID, Products: products}})
}

// SetDimensions handles POST /v1/accounts/{accountID}/usage/dimensions.
func (h *BillingHandler) SetDimensions(w http.ResponseWriter, r *http.Request) {
	var dims types.UsageDimensions
	if err := core.DecodeJSON(w, r, &dims); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(dims); err != nil {
		core.Error(w, r, err)
		return
	}

	if err := h.usage.SetDimensions(r.Context(), chi.URLParam(r, "accountID"), dims); err != nil {
		core.Error(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// CheckGate handles GET /v1/accounts/{accountID}/gate?action=&delta=.
// A denial is a normal 200 response with allowed=false; errors are reserved
// for unknown accounts and malformed input. delta defaults to 1 for add_*
// actions and 0 for feature checks.
func (h *BillingHandler) CheckGate(w http.ResponseWriter, r *http.Request) {
	action := types.Action(r.URL.Query().Get("action"))
	if action == "" {
		core.Error(w, r, types.NewAppError(types.ErrCodeValidationMissingField, "action query parameter is required", nil))
		return
	}

	defaultDelta := 1
	if strings.HasPrefix(string(action), types.ActionUseFeaturePrefix) {
		defaultDelta = 0
	}
	delta, err := intQuery(r, "delta", defaultDelta)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	decision, err := h.gate.CanPerform(r.Context(), chi.URLParam(r, "accountID"), action, int64(delta))
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: decision})
}

// SelectTier handles POST /v1/accounts/{accountID}/subscription/select.
// Free tier and trial starts return the subscription; a paid selection with
// no trial available returns a checkout URL.
func (h *BillingHandler) SelectTier(w http.ResponseWriter, r *http.Request) {
	var req SelectTierRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}
	if req.Interval == "" {
		req.Interval = types.IntervalMonthly
	}

	accountID := chi.URLParam(r, "accountID")
	res, err := h.subs.Select(r.Context(), accountID, req.Tier, req.Interval)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "tier selection failed",
			"account_id", accountID,
			"tier", req.Tier,
			"interval", req.Interval,
			"error", err,
		)
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: res})
}

// Cancel handles POST /v1/accounts/{accountID}/subscription/cancel.
func (h *BillingHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	h.applySubscriptionAction(w, r, "cancel", h.subs.Cancel)
}

// Resume handles POST /v1/accounts/{accountID}/subscription/resume.
func (h *BillingHandler) Resume(w http.ResponseWriter, r *http.Request) {
	h.applySubscriptionAction(w, r, "resume", h.subs.Resume)
}

func (h *BillingHandler) applySubscriptionAction(
	w http.ResponseWriter,
	r *http.Request,
	name string,
	action func(ctx context.Context, accountID string) (*types.Subscription, error),
) {
	accountID := chi.URLParam(r, "accountID")
	sub, err := action(r.Context(), accountID)
	if err != nil {
		h.logger.WarnContext(r.Context(), "subscription action rejected",
			"action", name,
			"account_id", accountID,
			"error", err,
		)
		core.Error(w, r, err)
		return
	}

	h.logger.InfoContext(r.Context(), "subscription action applied",
		"action", name,
		"account_id", accountID,
		"state", sub.State,
	)
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: sub})
}

// intQuery parses an optional non-negative integer query parameter.
func intQuery(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, types.NewAppErrorWithDetails(
			types.ErrCodeValidationInvalidValue,
			name+" must be a non-negative integer",
			err,
			map[string]any{"parameter": name, "value": raw},
		)
	}
	return n, nil
}
