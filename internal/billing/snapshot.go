package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"stockmeter/internal/types"
)

// SnapshotStore persists billing snapshots. (AccountID, CycleAnchor) is unique.
type SnapshotStore interface {
	// CreateSnapshot inserts a pending snapshot. An existing row for the same
	// cycle yields ErrCodeDuplicateSnapshot and leaves the row untouched.
	CreateSnapshot(ctx context.Context, snap *types.BillingSnapshot) error
	GetSnapshot(ctx context.Context, accountID string, cycleAnchor time.Time) (*types.BillingSnapshot, error)
	MarkInvoiced(ctx context.Context, snapshotID, invoiceID string, at time.Time) error
	MarkFailed(ctx context.Context, snapshotID, reason string, at time.Time) error
	// ListPending returns pending snapshots created before the cutoff, oldest first.
	ListPending(ctx context.Context, createdBefore time.Time, limit int) ([]types.BillingSnapshot, error)
	MarkPaidByInvoice(ctx context.Context, invoiceID string, at time.Time) (*types.BillingSnapshot, error)
	MarkFailedByInvoice(ctx context.Context, invoiceID, reason string, at time.Time) (*types.BillingSnapshot, error)
}

// InvoiceRequest asks the payment processor to bill one closed cycle.
type InvoiceRequest struct {
	AccountID      string
	CustomerID     string
	Amount         decimal.Decimal
	AmountMinor    int64
	Currency       string
	IdempotencyKey string
	Description    string
}

// InvoiceResult is the processor's acknowledgement of an invoice.
type InvoiceResult struct {
	InvoiceID string
	Status    string
}

// InvoiceProcessor is the outbound payment processor. Implementations return
// ErrCodeProcessorRejected for non-retryable refusals and
// ErrCodeProcessorUnavailable for transport or 5xx failures.
type InvoiceProcessor interface {
	CreateInvoice(ctx context.Context, req InvoiceRequest) (*InvoiceResult, error)
}

// PaymentFailureHandler moves a subscription toward past_due.
type PaymentFailureHandler interface {
	HandlePaymentFailure(ctx context.Context, accountID string, at time.Time) error
}

// TierHistory reads the subscription audit trail.
type TierHistory interface {
	// TransitionBefore returns the latest transition strictly before at, or
	// nil when the account has none.
	TransitionBefore(ctx context.Context, accountID string, at time.Time) (*types.TransitionRecord, error)
}

// SnapshotRecorder receives every snapshot outcome for metrics.
type SnapshotRecorder interface {
	RecordSnapshot(ctx context.Context, snap types.BillingSnapshot)
}

// SnapshotConfig tunes the generator.
type SnapshotConfig struct {
	Currency string
	// RetryAfter is how old a pending snapshot must be before RetryPending
	// re-issues its invoice.
	RetryAfter time.Duration
	// RetryBatchSize caps the snapshots retried per call.
	RetryBatchSize int
}

// SnapshotGenerator freezes a closed cycle into a snapshot and invoices it.
type SnapshotGenerator struct {
	store     SnapshotStore
	subs      SubscriptionReader
	usage     UsageSource
	resolver  *EntitlementResolver
	history   TierHistory
	processor InvoiceProcessor
	failures  PaymentFailureHandler
	recorder  SnapshotRecorder
	clock     types.Clock
	cfg       SnapshotConfig
	logger    *slog.Logger
}

// NewSnapshotGenerator creates a SnapshotGenerator. history, failures and
// recorder may be nil; without history the stored subscription is billed as is.
func NewSnapshotGenerator(
	store SnapshotStore,
	subs SubscriptionReader,
	usage UsageSource,
	resolver *EntitlementResolver,
	history TierHistory,
	processor InvoiceProcessor,
	failures PaymentFailureHandler,
	recorder SnapshotRecorder,
	clock types.Clock,
	cfg SnapshotConfig,
	logger *slog.Logger,
) *SnapshotGenerator {
	if clock == nil {
		clock = types.RealClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Currency == "" {
		cfg.Currency = types.DefaultCurrency
	}
	if cfg.RetryAfter <= 0 {
		cfg.RetryAfter = 30 * time.Minute
	}
	if cfg.RetryBatchSize <= 0 {
		cfg.RetryBatchSize = 100
	}
	return &SnapshotGenerator{
		store:     store,
		subs:      subs,
		usage:     usage,
		resolver:  resolver,
		history:   history,
		processor: processor,
		failures:  failures,
		recorder:  recorder,
		clock:     clock,
		cfg:       cfg,
		logger:    logger,
	}
}

// SetPaymentFailureHandler wires the subscription service after construction,
// since the service and the generator depend on each other.
func (g *SnapshotGenerator) SetPaymentFailureHandler(h PaymentFailureHandler) {
	g.failures = h
}

// CreateSnapshot closes the cycle starting at cycleAnchor for the account.
//
// Usage and subscription state are read once. The tier is the one in effect
// when the cycle closed, rebuilt from the audit trail if it has changed
// since. The snapshot is persisted as
// pending before the processor is called, and no lock is held during the
// call. A snapshot that already exists for the cycle is returned unchanged.
// Processor failures are recorded on the snapshot, not returned: a rejected
// invoice marks it failed, an unavailable processor leaves it pending for
// RetryPending.
func (g *SnapshotGenerator) CreateSnapshot(ctx context.Context, accountID string, cycleAnchor time.Time) (*types.BillingSnapshot, error) {
	cycleAnchor = cycleAnchor.UTC()

	sub, err := g.subs.GetSubscription(ctx, accountID)
	if err != nil {
		return nil, err
	}
	usage, err := g.usage.Usage(ctx, accountID)
	if err != nil {
		return nil, err
	}

	cycleEnd := cycleAnchor.Add(types.CycleLength)
	billed, err := g.subscriptionAt(ctx, *sub, cycleEnd)
	if err != nil {
		return nil, err
	}
	ent, err := g.resolver.ResolveSubscription(billed, cycleEnd)
	if err != nil {
		return nil, err
	}

	now := g.clock.Now()
	snap := &types.BillingSnapshot{
		ID:           uuid.NewString(),
		AccountID:    accountID,
		CycleAnchor:  cycleAnchor,
		CycleEnd:     cycleEnd,
		Tier:         ent.Tier,
		ProductCount: usage.Products,
		Amount:       Cost(usage.Products, ent.PricingTier()),
		Currency:     g.cfg.Currency,
		Status:       types.SnapshotPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := g.store.CreateSnapshot(ctx, snap); err != nil {
		if types.HasCode(err, types.ErrCodeDuplicateSnapshot) {
			g.logger.InfoContext(ctx, "snapshot already exists for cycle",
				"account_id", accountID,
				"cycle_anchor", cycleAnchor,
			)
			return g.store.GetSnapshot(ctx, accountID, cycleAnchor)
		}
		return nil, fmt.Errorf("persist snapshot: %w", err)
	}

	g.logger.InfoContext(ctx, "snapshot created",
		"account_id", accountID,
		"snapshot_id", snap.ID,
		"cycle_anchor", cycleAnchor,
		"products", snap.ProductCount,
		"amount", snap.Amount.StringFixed(centPlaces),
		"tier", snap.Tier,
	)

	if err := g.invoice(ctx, snap, sub.ExternalCustomerID); err != nil {
		return snap, err
	}
	return snap, nil
}

// subscriptionAt rewinds sub to the state and tier it held just before at.
func (g *SnapshotGenerator) subscriptionAt(ctx context.Context, sub types.Subscription, at time.Time) (types.Subscription, error) {
	if g.history == nil {
		return sub, nil
	}
	rec, err := g.history.TransitionBefore(ctx, sub.AccountID, at)
	if err != nil {
		return sub, fmt.Errorf("load tier history: %w", err)
	}
	if rec == nil {
		return sub, nil
	}
	if rec.To != sub.State || rec.Tier != sub.Tier {
		g.logger.InfoContext(ctx, "billing closed cycle at historical tier",
			"account_id", sub.AccountID,
			"tier", rec.Tier,
			"state", rec.To,
			"current_tier", sub.Tier,
		)
	}
	sub.State = rec.To
	sub.Tier = rec.Tier
	if rec.To == types.StatePastDue && (sub.PastDueSince == nil || sub.PastDueSince.After(at)) {
		since := rec.OccurredAt
		sub.PastDueSince = &since
	}
	return sub, nil
}

// RetryPending re-issues invoices for snapshots left pending by an
// unavailable processor. The idempotency key is unchanged, so a processor
// that did receive the first request returns the same invoice.
func (g *SnapshotGenerator) RetryPending(ctx context.Context) (int, error) {
	cutoff := g.clock.Now().Add(-g.cfg.RetryAfter)
	pending, err := g.store.ListPending(ctx, cutoff, g.cfg.RetryBatchSize)
	if err != nil {
		return 0, err
	}

	settled := 0
	for i := range pending {
		if err := ctx.Err(); err != nil {
			return settled, err
		}
		snap := &pending[i]
		sub, err := g.subs.GetSubscription(ctx, snap.AccountID)
		if err != nil {
			g.logger.ErrorContext(ctx, "retry pending snapshot: load subscription",
				"account_id", snap.AccountID,
				"snapshot_id", snap.ID,
				"error", err,
			)
			continue
		}
		if err := g.invoice(ctx, snap, sub.ExternalCustomerID); err != nil {
			g.logger.ErrorContext(ctx, "retry pending snapshot failed",
				"account_id", snap.AccountID,
				"snapshot_id", snap.ID,
				"error", err,
			)
			continue
		}
		if snap.Status != types.SnapshotPending {
			settled++
		}
	}
	return settled, nil
}

// MarkPaid records a processor invoice.paid notification.
func (g *SnapshotGenerator) MarkPaid(ctx context.Context, invoiceID string) (*types.BillingSnapshot, error) {
	snap, err := g.store.MarkPaidByInvoice(ctx, invoiceID, g.clock.Now())
	if err != nil {
		return nil, err
	}
	g.record(ctx, *snap)
	return snap, nil
}

// MarkInvoiceFailed records a processor invoice.payment_failed notification.
func (g *SnapshotGenerator) MarkInvoiceFailed(ctx context.Context, invoiceID, reason string) (*types.BillingSnapshot, error) {
	snap, err := g.store.MarkFailedByInvoice(ctx, invoiceID, reason, g.clock.Now())
	if err != nil {
		return nil, err
	}
	g.record(ctx, *snap)
	return snap, nil
}

// invoice performs the external call for a pending snapshot and records the
// outcome. Only storage errors are returned.
func (g *SnapshotGenerator) invoice(ctx context.Context, snap *types.BillingSnapshot, customerID string) error {
	now := g.clock.Now()

	if snap.Amount.IsZero() {
		if err := g.store.MarkInvoiced(ctx, snap.ID, "", now); err != nil {
			return fmt.Errorf("mark zero-amount snapshot invoiced: %w", err)
		}
		snap.Status = types.SnapshotInvoiced
		snap.UpdatedAt = now
		g.record(ctx, *snap)
		return nil
	}

	var (
		res *InvoiceResult
		err error
	)
	if customerID == "" {
		err = types.NewAppError(types.ErrCodeProcessorRejected, "account has no processor customer", nil)
	} else {
		res, err = g.processor.CreateInvoice(ctx, InvoiceRequest{
			AccountID:      snap.AccountID,
			CustomerID:     customerID,
			Amount:         snap.Amount,
			AmountMinor:    MinorUnits(snap.Amount),
			Currency:       snap.Currency,
			IdempotencyKey: snap.IdempotencyKey(),
			Description: fmt.Sprintf("Usage %s to %s: %d products",
				snap.CycleAnchor.Format(time.DateOnly), snap.CycleEnd.Format(time.DateOnly), snap.ProductCount),
		})
	}

	switch {
	case err == nil:
		if err := g.store.MarkInvoiced(ctx, snap.ID, res.InvoiceID, now); err != nil {
			return fmt.Errorf("mark snapshot invoiced: %w", err)
		}
		snap.Status = types.SnapshotInvoiced
		snap.ExternalInvoiceID = res.InvoiceID
		snap.UpdatedAt = now
		g.logger.InfoContext(ctx, "snapshot invoiced",
			"account_id", snap.AccountID,
			"snapshot_id", snap.ID,
			"invoice_id", res.InvoiceID,
		)

	case types.HasCode(err, types.ErrCodeProcessorRejected):
		reason := rejectionReason(err)
		if markErr := g.store.MarkFailed(ctx, snap.ID, reason, now); markErr != nil {
			return fmt.Errorf("mark snapshot failed: %w", markErr)
		}
		snap.Status = types.SnapshotFailed
		snap.FailureReason = reason
		snap.UpdatedAt = now
		g.logger.WarnContext(ctx, "processor rejected invoice",
			"account_id", snap.AccountID,
			"snapshot_id", snap.ID,
			"reason", reason,
		)
		if g.failures != nil {
			if ferr := g.failures.HandlePaymentFailure(ctx, snap.AccountID, now); ferr != nil {
				g.logger.ErrorContext(ctx, "failed to apply payment failure",
					"account_id", snap.AccountID,
					"error", ferr,
				)
			}
		}

	default:
		// Unavailable or unclassified: the snapshot stays pending.
		g.logger.WarnContext(ctx, "processor unavailable, snapshot left pending",
			"account_id", snap.AccountID,
			"snapshot_id", snap.ID,
			"error", err,
		)
	}

	g.record(ctx, *snap)
	return nil
}

func (g *SnapshotGenerator) record(ctx context.Context, snap types.BillingSnapshot) {
	if g.recorder != nil {
		g.recorder.RecordSnapshot(ctx, snap)
	}
}

func rejectionReason(err error) string {
	var appErr *types.AppError
	if errors.As(err, &appErr) {
		return appErr.Message
	}
	return err.Error()
}
