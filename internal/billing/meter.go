package billing

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"stockmeter/internal/types"
)

// defaultMeterRetries bounds the compare-and-swap loop under contention.
const defaultMeterRetries = 5

// UsageStore persists per-account usage counters. Writes are conditional on
// the version read by the caller.
type UsageStore interface {
	// GetUsage returns ErrCodeUnknownAccount when no usage record exists.
	GetUsage(ctx context.Context, accountID string) (*types.UsageRecord, error)

	// CompareAndSwapProducts stores products if the record is still at
	// expectedVersion. It returns false when another writer got there first.
	CompareAndSwapProducts(ctx context.Context, accountID string, expectedVersion, products int64, at time.Time) (bool, error)

	// CompareAndSwapDimensions stores the non-billable counts under the same
	// version rule.
	CompareAndSwapDimensions(ctx context.Context, accountID string, expectedVersion int64, dims types.UsageDimensions, at time.Time) (bool, error)
}

// Meter tracks the billable product count of each account. It never checks
// limits; that is the feature gate's job.
type Meter struct {
	store      UsageStore
	clock      types.Clock
	logger     *slog.Logger
	maxRetries int
}

// NewMeter creates a Meter backed by store.
func NewMeter(store UsageStore, clock types.Clock, logger *slog.Logger) *Meter {
	if clock == nil {
		clock = types.RealClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Meter{
		store:      store,
		clock:      clock,
		logger:     logger,
		maxRetries: defaultMeterRetries,
	}
}

// RecordDelta adds delta (which may be negative) to the account's product
// count, clamping at zero, and returns the stored count. A delta that would
// overflow the counter is rejected and leaves it unchanged.
func (m *Meter) RecordDelta(ctx context.Context, accountID string, delta int64) (int64, error) {
	var stored int64
	err := m.casLoop(ctx, accountID, func(cur *types.UsageRecord, at time.Time) (bool, error) {
		if delta > 0 && cur.Products > math.MaxInt64-delta {
			return false, types.NewAppErrorWithDetails(
				types.ErrCodeValidationInvalidDelta,
				"usage delta would overflow the product count",
				nil,
				map[string]any{"account_id": accountID, "current": cur.Products, "delta": delta},
			)
		}
		next := cur.Products + delta
		if next < 0 {
			m.logger.WarnContext(ctx, "usage delta would go negative, clamping to zero",
				"account_id", accountID,
				"current", cur.Products,
				"delta", delta,
			)
			next = 0
		}
		stored = next
		return m.store.CompareAndSwapProducts(ctx, accountID, cur.Version, next, at)
	})
	if err != nil {
		return 0, err
	}
	return stored, nil
}

// SetDimensions replaces the non-billable counts for the account.
func (m *Meter) SetDimensions(ctx context.Context, accountID string, dims types.UsageDimensions) error {
	if dims.Users < 0 || dims.Branches < 0 || dims.OrdersThisMonth < 0 {
		return types.NewAppError(types.ErrCodeValidationInvalidValue, "usage dimensions must be non-negative", nil)
	}
	return m.casLoop(ctx, accountID, func(cur *types.UsageRecord, at time.Time) (bool, error) {
		return m.store.CompareAndSwapDimensions(ctx, accountID, cur.Version, dims, at)
	})
}

// CurrentCount returns the live billable count.
func (m *Meter) CurrentCount(ctx context.Context, accountID string) (int64, error) {
	rec, err := m.store.GetUsage(ctx, accountID)
	if err != nil {
		return 0, err
	}
	return rec.Products, nil
}

// Usage returns the full usage record, including non-billable dimensions.
func (m *Meter) Usage(ctx context.Context, accountID string) (*types.UsageRecord, error) {
	return m.store.GetUsage(ctx, accountID)
}

func (m *Meter) casLoop(
	ctx context.Context,
	accountID string,
	write func(cur *types.UsageRecord, at time.Time) (bool, error),
) error {
	for attempt := 0; attempt < m.maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		cur, err := m.store.GetUsage(ctx, accountID)
		if err != nil {
			return err
		}
		ok, err := write(cur, m.clock.Now())
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		m.logger.DebugContext(ctx, "usage version moved, retrying",
			"account_id", accountID,
			"version", cur.Version,
			"attempt", attempt+1,
		)
	}
	return types.NewAppError(
		types.ErrCodeStaleVersion,
		fmt.Sprintf("usage for account %s changed concurrently %d times", accountID, m.maxRetries),
		nil,
	)
}
