package external

import (
	"context"
	"log/slog"
	"strings"

	"stockmeter/internal/billing"
)

// StubProcessor implements billing.InvoiceProcessor and
// billing.CheckoutProvider by logging calls and returning predictable ids.
// Used when APP_ENV=local or no Stripe key is configured.
type StubProcessor struct {
	logger *slog.Logger
}

var (
	_ billing.InvoiceProcessor = (*StubProcessor)(nil)
	_ billing.CheckoutProvider = (*StubProcessor)(nil)
)

// NewStubProcessor creates a new StubProcessor.
func NewStubProcessor(logger *slog.Logger) *StubProcessor {
	if logger == nil {
		logger = slog.Default()
	}
	return &StubProcessor{logger: logger}
}

func (s *StubProcessor) CreateInvoice(ctx context.Context, req billing.InvoiceRequest) (*billing.InvoiceResult, error) {
	s.logger.InfoContext(ctx, "stub: CreateInvoice called",
		"account_id", req.AccountID,
		"amount", req.Amount.String(),
		"currency", req.Currency,
		"idempotency_key", req.IdempotencyKey,
	)
	return &billing.InvoiceResult{
		InvoiceID: "in_stub_" + strings.NewReplacer(":", "_").Replace(req.IdempotencyKey),
		Status:    "open",
	}, nil
}

func (s *StubProcessor) CreateCheckoutSession(ctx context.Context, req billing.CheckoutRequest) (string, error) {
	s.logger.InfoContext(ctx, "stub: CreateCheckoutSession called",
		"account_id", req.AccountID,
		"tier", req.Tier,
		"interval", req.Interval,
	)
	return "https://checkout.stub.local/" + req.AccountID + "/" + string(req.Tier), nil
}
