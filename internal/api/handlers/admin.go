package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"stockmeter/internal/core"
	"stockmeter/internal/types"
)

const (
	defaultAdminPageSize = 50
	maxAdminPageSize     = 500
	defaultTransitions   = 50
)

// SubscriptionAdminStore lists and aggregates subscriptions.
type SubscriptionAdminStore interface {
	ListSubscriptions(ctx context.Context, f types.SubscriptionFilter) ([]types.Subscription, error)
	Stats(ctx context.Context, now time.Time) (*types.SubscriptionStats, error)
}

// TransitionLister reads the audit trail of an account.
type TransitionLister interface {
	ListTransitions(ctx context.Context, accountID string, limit int) ([]types.TransitionRecord, error)
}

// AdminActions are operator overrides of the subscription lifecycle.
type AdminActions interface {
	AdminCancel(ctx context.Context, accountID string) (*types.Subscription, error)
	AdminReactivate(ctx context.Context, accountID string) (*types.Subscription, error)
}

// WebhookEventReader returns a stored processor event.
type WebhookEventReader interface {
	Get(ctx context.Context, eventID string) (*types.ProcessedWebhookEvent, error)
}

// WebhookEventResponse exposes a stored processor event. The payload is the
// raw Stripe JSON.
type WebhookEventResponse struct {
	EventID    string          `json:"event_id"`
	Type       string          `json:"type"`
	ReceivedAt time.Time       `json:"received_at"`
	Payload    json.RawMessage `json:"payload"`
}

// AdminHandler serves operator endpoints under /v1/admin. Every route sits
// behind the admin key middleware.
type AdminHandler struct {
	subs        SubscriptionAdminStore
	transitions TransitionLister
	actions     AdminActions
	webhooks    WebhookEventReader
	auth        func(http.Handler) http.Handler
	clock       types.Clock
	logger      *slog.Logger
}

// NewAdminHandler creates an AdminHandler. auth guards every route.
func NewAdminHandler(
	subs SubscriptionAdminStore,
	transitions TransitionLister,
	actions AdminActions,
	webhooks WebhookEventReader,
	auth func(http.Handler) http.Handler,
	clock types.Clock,
	l *slog.Logger,
) *AdminHandler {
	if l == nil {
		l = slog.Default()
	}
	if clock == nil {
		clock = types.RealClock{}
	}
	return &AdminHandler{
		subs:        subs,
		transitions: transitions,
		actions:     actions,
		webhooks:    webhooks,
		auth:        auth,
		clock:       clock,
		logger:      l,
	}
}

// RegisterRoutes mounts the admin endpoints.
func (h *AdminHandler) RegisterRoutes(r chi.Router) {
	r.Route("/admin", func(r chi.Router) {
		if h.auth != nil {
			r.Use(h.auth)
		}

		r.Get("/subscriptions", h.ListSubscriptions)
		r.Get("/stats", h.GetStats)
		r.Get("/webhooks/{eventID}", h.GetWebhookEvent)

		r.Route("/accounts/{accountID}", func(r chi.Router) {
			r.Use(requireAccountID)
			r.Get("/transitions", h.ListTransitions)
			r.Post("/cancel", h.Cancel)
			r.Post("/reactivate", h.Reactivate)
		})
	})
}

// ListSubscriptions handles GET /v1/admin/subscriptions.
//
// Query parameters: state, tier, limit (default 50, max 500) and cursor, the
// account id of the last item on the previous page.
func (h *AdminHandler) ListSubscriptions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	state := types.SubscriptionState(q.Get("state"))
	if state != "" && !state.Valid() {
		core.Error(w, r, types.NewAppErrorWithDetails(types.ErrCodeValidationInvalidValue,
			"unknown subscription state", nil, map[string]any{"state": string(state)}))
		return
	}

	tier := types.TierName(q.Get("tier"))
	switch tier {
	case "", types.TierFree, types.TierBusiness, types.TierEnterprise:
	default:
		core.Error(w, r, types.NewAppErrorWithDetails(types.ErrCodeValidationInvalidTier,
			"unknown tier", nil, map[string]any{"tier": string(tier)}))
		return
	}

	limit, err := intQuery(r, "limit", defaultAdminPageSize)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	if limit == 0 {
		limit = defaultAdminPageSize
	}
	if limit > maxAdminPageSize {
		limit = maxAdminPageSize
	}

	// One extra row tells us whether another page exists.
	subs, err := h.subs.ListSubscriptions(r.Context(), types.SubscriptionFilter{
		State: state,
		Tier:  tier,
		Limit: limit + 1,
		After: q.Get("cursor"),
	})
	if err != nil {
		core.Error(w, r, err)
		return
	}

	resp := types.ListResponse[types.Subscription]{Data: subs}
	if len(subs) > limit {
		resp.Data = subs[:limit]
		resp.PageInfo = types.PageInfo{HasMore: true, NextCursor: subs[limit-1].AccountID}
	}
	if resp.Data == nil {
		resp.Data = []types.Subscription{}
	}
	core.JSON(w, r, http.StatusOK, resp)
}

// GetStats handles GET /v1/admin/stats.
func (h *AdminHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.subs.Stats(r.Context(), h.clock.Now())
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: stats})
}

// ListTransitions handles GET /v1/admin/accounts/{accountID}/transitions.
func (h *AdminHandler) ListTransitions(w http.ResponseWriter, r *http.Request) {
	limit, err := intQuery(r, "limit", defaultTransitions)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	recs, err := h.transitions.ListTransitions(r.Context(), chi.URLParam(r, "accountID"), limit)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	if recs == nil {
		recs = []types.TransitionRecord{}
	}
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: recs})
}

// Cancel handles POST /v1/admin/accounts/{accountID}/cancel.
func (h *AdminHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	h.override(w, r, "cancel", h.actions.AdminCancel)
}

// Reactivate handles POST /v1/admin/accounts/{accountID}/reactivate.
func (h *AdminHandler) Reactivate(w http.ResponseWriter, r *http.Request) {
	h.override(w, r, "reactivate", h.actions.AdminReactivate)
}

func (h *AdminHandler) override(
	w http.ResponseWriter,
	r *http.Request,
	name string,
	action func(ctx context.Context, accountID string) (*types.Subscription, error),
) {
	accountID := chi.URLParam(r, "accountID")
	actor, _ := types.GetActor(r.Context())

	sub, err := action(r.Context(), accountID)
	if err != nil {
		h.logger.WarnContext(r.Context(), "admin override rejected",
			"action", name,
			"account_id", accountID,
			"actor", actor.ID,
			"error", err,
		)
		core.Error(w, r, err)
		return
	}

	h.logger.InfoContext(r.Context(), "admin override applied",
		"action", name,
		"account_id", accountID,
		"actor", actor.ID,
		"state", sub.State,
	)
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: sub})
}

// GetWebhookEvent handles GET /v1/admin/webhooks/{eventID}.
func (h *AdminHandler) GetWebhookEvent(w http.ResponseWriter, r *http.Request) {
	ev, err := h.webhooks.Get(r.Context(), chi.URLParam(r, "eventID"))
	if err != nil {
		core.Error(w, r, err)
		return
	}

	payload := json.RawMessage(ev.Payload)
	if !json.Valid(payload) {
		payload = nil
	}
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: WebhookEventResponse{
		EventID:    ev.EventID,
		Type:       ev.Type,
		ReceivedAt: ev.ReceivedAt,
		Payload:    payload,
	}})
}
