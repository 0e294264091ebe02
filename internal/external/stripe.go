package external

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	stripe "github.com/stripe/stripe-go/v82"

	"stockmeter/internal/billing"
	"stockmeter/internal/types"
)

// stripeAPIBase is the default Stripe API base URL.
// Overridable in tests via StripeClientConfig.BaseURL.
const stripeAPIBase = "https://api.stripe.com"

// PriceTable maps a tier and billing interval to a Stripe Price ID.
type PriceTable map[types.TierName]map[types.BillingInterval]string

// PriceID returns the configured price for the tier and interval.
func (p PriceTable) PriceID(tier types.TierName, interval types.BillingInterval) (string, bool) {
	id, ok := p[tier][interval]
	return id, ok && id != ""
}

// Lookup is the reverse of PriceID. Webhooks carry price ids only.
func (p PriceTable) Lookup(priceID string) (types.TierName, types.BillingInterval, bool) {
	for tier, byInterval := range p {
		for interval, id := range byInterval {
			if id == priceID {
				return tier, interval, true
			}
		}
	}
	return "", "", false
}

// StripeClientConfig holds the configuration for creating a StripeClient.
type StripeClientConfig struct {
	SecretKey  string
	BaseURL    string // defaults to stripeAPIBase
	SuccessURL string
	CancelURL  string
	Prices     PriceTable
	Logger     *slog.Logger
}

// StripeClient invoices closed cycles and opens hosted checkouts through the
// Stripe REST API. It implements billing.InvoiceProcessor and
// billing.CheckoutProvider. Requests are form-encoded and sent through
// BaseClient, so tests run against httptest.
type StripeClient struct {
	base       *BaseClient
	secretKey  string
	baseURL    string
	successURL string
	cancelURL  string
	prices     PriceTable
	logger     *slog.Logger
}

var (
	_ billing.InvoiceProcessor = (*StripeClient)(nil)
	_ billing.CheckoutProvider = (*StripeClient)(nil)
)

// NewStripeClient creates a StripeClient. The httpClient timeout should be
// 20 seconds.
func NewStripeClient(httpClient *http.Client, cfg StripeClientConfig, opts ...BaseClientOption) *StripeClient {
	base := NewBaseClient(httpClient, "stripe", DefaultRetryPolicy(), "StockMeter/1.0", opts...)
	return NewStripeClientWithBase(base, cfg)
}

// NewStripeClientWithBase creates a StripeClient with a pre-configured
// BaseClient.
func NewStripeClientWithBase(base *BaseClient, cfg StripeClientConfig) *StripeClient {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = stripeAPIBase
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &StripeClient{
		base:       base,
		secretKey:  cfg.SecretKey,
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		successURL: cfg.SuccessURL,
		cancelURL:  cfg.CancelURL,
		prices:     cfg.Prices,
		logger:     logger,
	}
}

// Prices returns the configured price table.
func (s *StripeClient) Prices() PriceTable {
	return s.prices
}

// ---------------------------------------------------------------------------
// InvoiceProcessor
// ---------------------------------------------------------------------------

// CreateInvoice bills one closed cycle: a pending invoice item carrying the
// metered amount, then an auto-advancing invoice that sweeps it up. Both
// calls carry idempotency keys derived from req.IdempotencyKey, so a retried
// snapshot never produces a second charge.
func (s *StripeClient) CreateInvoice(ctx context.Context, req billing.InvoiceRequest) (*billing.InvoiceResult, error) {
	if req.CustomerID == "" {
		return nil, types.NewAppError(types.ErrCodeProcessorRejected, "CreateInvoice: customer id is required", nil)
	}

	itemParams := url.Values{}
	itemParams.Set("customer", req.CustomerID)
	itemParams.Set("amount", strconv.FormatInt(req.AmountMinor, 10))
	itemParams.Set("currency", req.Currency)
	itemParams.Set("description", req.Description)
	itemParams.Set("metadata[account_id]", req.AccountID)
	itemParams.Set("metadata[snapshot_key]", req.IdempotencyKey)

	var item stripeInvoiceItem
	if err := s.post(ctx, "CreateInvoice.item", "/v1/invoiceitems", itemParams, req.IdempotencyKey+":item", &item); err != nil {
		return nil, err
	}

	invParams := url.Values{}
	invParams.Set("customer", req.CustomerID)
	invParams.Set("auto_advance", "true")
	invParams.Set("collection_method", "charge_automatically")
	invParams.Set("pending_invoice_items_behavior", "include")
	invParams.Set("description", req.Description)
	invParams.Set("metadata[account_id]", req.AccountID)
	invParams.Set("metadata[snapshot_key]", req.IdempotencyKey)

	var inv stripeInvoice
	if err := s.post(ctx, "CreateInvoice.invoice", "/v1/invoices", invParams, req.IdempotencyKey+":invoice", &inv); err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "stripe invoice created",
		"account_id", req.AccountID,
		"invoice_id", inv.ID,
		"invoice_item_id", item.ID,
		"amount_minor", req.AmountMinor,
	)
	return &billing.InvoiceResult{InvoiceID: inv.ID, Status: inv.Status}, nil
}

// ---------------------------------------------------------------------------
// CheckoutProvider
// ---------------------------------------------------------------------------

// CreateCheckoutSession opens a hosted subscription checkout for a paid tier.
// The account id travels as client_reference_id and in subscription metadata
// so webhooks can be correlated before the subscription id is stored.
func (s *StripeClient) CreateCheckoutSession(ctx context.Context, req billing.CheckoutRequest) (string, error) {
	priceID, ok := s.prices.PriceID(req.Tier, req.Interval)
	if !ok {
		return "", types.NewAppErrorWithDetails(
			types.ErrCodeValidationInvalidTier,
			"no price configured for tier",
			nil,
			map[string]any{"tier": req.Tier, "interval": req.Interval},
		)
	}

	params := url.Values{}
	params.Set("mode", "subscription")
	if req.CustomerID != "" {
		params.Set("customer", req.CustomerID)
	}
	params.Set("client_reference_id", req.AccountID)
	params.Set("success_url", s.successURL)
	params.Set("cancel_url", s.cancelURL)
	params.Set("line_items[0][price]", priceID)
	params.Set("line_items[0][quantity]", "1")
	params.Set("metadata[account_id]", req.AccountID)
	params.Set("metadata[tier]", string(req.Tier))
	params.Set("metadata[interval]", string(req.Interval))
	params.Set("subscription_data[metadata][account_id]", req.AccountID)
	params.Set("subscription_data[metadata][tier]", string(req.Tier))

	var session stripeCheckoutSession
	if err := s.post(ctx, "CreateCheckoutSession", "/v1/checkout/sessions", params, "", &session); err != nil {
		return "", err
	}
	return session.URL, nil
}

// ---------------------------------------------------------------------------
// HTTP Helpers
// ---------------------------------------------------------------------------

// post sends a form-encoded request and decodes a 200 response into out.
func (s *StripeClient) post(ctx context.Context, operation, path string, params url.Values, idempotencyKey string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+path, strings.NewReader(params.Encode()))
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalUnexpected, operation+": failed to build request", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Authorization", "Bearer "+s.secretKey)
	req.Header.Set("Stripe-Version", stripe.APIVersion)
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := s.base.Do(req)
	if err != nil {
		return s.wrapTransportError(operation, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return s.handleErrorResponse(resp, operation)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		// The call succeeded at Stripe; retrying with the same key is safe.
		return types.NewAppError(
			types.ErrCodeProcessorUnavailable,
			operation+": failed to decode Stripe response",
			err,
		)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Error Handling
// ---------------------------------------------------------------------------

// stripeErrorResponse represents the JSON error body returned by the Stripe API.
type stripeErrorResponse struct {
	Error stripeErrorBody `json:"error"`
}

type stripeErrorBody struct {
	Type        string `json:"type"`
	Code        string `json:"code"`
	DeclineCode string `json:"decline_code"`
	Message     string `json:"message"`
	Param       string `json:"param"`
}

// handleErrorResponse reads a non-200 Stripe response. BaseClient already
// retried 429/5xx, so anything here is a refusal.
func (s *StripeClient) handleErrorResponse(resp *http.Response, operation string) error {
	body, readErr := io.ReadAll(resp.Body)
	if readErr != nil {
		return types.NewAppError(
			types.ErrCodeProcessorRejected,
			fmt.Sprintf("%s: Stripe returned status %d and response body was unreadable", operation, resp.StatusCode),
			readErr,
		)
	}

	var stripeErr stripeErrorResponse
	if jsonErr := json.Unmarshal(body, &stripeErr); jsonErr != nil {
		return types.NewAppError(
			types.ErrCodeProcessorRejected,
			fmt.Sprintf("%s: Stripe returned status %d with non-JSON body", operation, resp.StatusCode),
			jsonErr,
		)
	}
	return mapStripeError(operation, resp.StatusCode, &stripeErr.Error)
}

// mapStripeError translates a Stripe error body into an AppError.
func mapStripeError(operation string, statusCode int, e *stripeErrorBody) error {
	details := map[string]any{
		"status":      statusCode,
		"stripe_type": e.Type,
		"stripe_code": e.Code,
	}
	if e.DeclineCode != "" {
		details["decline_code"] = e.DeclineCode
	}

	switch {
	case e.Type == "card_error" || e.Code == "card_declined" || e.DeclineCode != "":
		return types.NewAppErrorWithDetails(
			types.ErrCodeProcessorRejected,
			fmt.Sprintf("%s: payment declined: %s", operation, e.Message),
			nil,
			details,
		)
	case statusCode == http.StatusConflict && e.Type == "idempotency_error":
		// A concurrent request with the same key is still in flight.
		return types.NewAppErrorWithDetails(
			types.ErrCodeProcessorUnavailable,
			fmt.Sprintf("%s: idempotent request in progress: %s", operation, e.Message),
			nil,
			details,
		)
	case statusCode >= 500:
		return types.NewAppErrorWithDetails(
			types.ErrCodeProcessorUnavailable,
			fmt.Sprintf("%s: Stripe server error: %s", operation, e.Message),
			nil,
			details,
		)
	default:
		return types.NewAppErrorWithDetails(
			types.ErrCodeProcessorRejected,
			fmt.Sprintf("%s: Stripe error (%d): %s", operation, statusCode, e.Message),
			nil,
			details,
		)
	}
}

// wrapTransportError keeps AppErrors from BaseClient and classifies anything
// else as the processor being unavailable.
func (s *StripeClient) wrapTransportError(operation string, err error) error {
	if _, ok := err.(*types.AppError); ok {
		return err
	}
	return types.NewAppError(
		types.ErrCodeProcessorUnavailable,
		fmt.Sprintf("%s: Stripe request failed: %v", operation, err),
		err,
	)
}

// ---------------------------------------------------------------------------
// Stripe Response Types
// ---------------------------------------------------------------------------

type stripeInvoiceItem struct {
	ID      string `json:"id"`
	Invoice string `json:"invoice"`
}

type stripeInvoice struct {
	ID        string `json:"id"`
	Status    string `json:"status"`
	AmountDue int64  `json:"amount_due"`
}

type stripeCheckoutSession struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}
