package db

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"stockmeter/internal/types"
)

const subscriptionColumns = `account_id, state, tier, billing_interval, cycle_anchor,
	trial_ends_at, cancel_effective_at, past_due_since,
	external_subscription_id, external_customer_id, has_payment_method,
	last_event_at, version, created_at, updated_at`

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// SubscriptionRepository manages subscription lifecycle rows.
//
// Key invariants:
//   - SaveSubscription is optimistic on the version column; a concurrent
//     writer makes it fail with ErrCodeStaleVersion.
//   - AdvanceCycleAnchor only moves an anchor that still holds the expected
//     value, so concurrent schedulers advance each cycle exactly once.
type SubscriptionRepository struct {
	db     DBTX
	logger *slog.Logger
}

// NewSubscriptionRepository creates a new SubscriptionRepository backed by
// the given database connection (pool or transaction).
func NewSubscriptionRepository(db DBTX, logger *slog.Logger) *SubscriptionRepository {
	if logger == nil {
		logger = slog.Default()
	}
	return &SubscriptionRepository{db: db, logger: logger}
}

// GetSubscription returns the subscription owned by the account.
func (r *SubscriptionRepository) GetSubscription(ctx context.Context, accountID string) (*types.Subscription, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE account_id = $1`,
		accountID,
	)
	sub, err := scanSubscription(row)
	if err != nil {
		if isNoRows(err) {
			return nil, types.NewAppErrorWithDetails(
				types.ErrCodeUnknownAccount,
				"account not found",
				nil,
				map[string]any{"account_id": accountID},
			)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to read subscription", err)
	}
	return sub, nil
}

// GetByExternalID looks a subscription up by the processor's subscription id.
func (r *SubscriptionRepository) GetByExternalID(ctx context.Context, externalID string) (*types.Subscription, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE external_subscription_id = $1`,
		externalID,
	)
	sub, err := scanSubscription(row)
	if err != nil {
		if isNoRows(err) {
			return nil, types.NewAppErrorWithDetails(
				types.ErrCodeUnknownAccount,
				"no account linked to processor subscription",
				nil,
				map[string]any{"external_subscription_id": externalID},
			)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to read subscription", err)
	}
	return sub, nil
}

// SaveSubscription writes every mutable column if the stored version still
// matches sub.Version, then increments sub.Version.
func (r *SubscriptionRepository) SaveSubscription(ctx context.Context, sub *types.Subscription) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE subscriptions
		 SET state = $3,
		     tier = $4,
		     billing_interval = $5,
		     cycle_anchor = $6,
		     trial_ends_at = $7,
		     cancel_effective_at = $8,
		     past_due_since = $9,
		     external_subscription_id = $10,
		     external_customer_id = $11,
		     has_payment_method = $12,
		     last_event_at = $13,
		     version = version + 1,
		     updated_at = $14
		 WHERE account_id = $1 AND version = $2`,
		sub.AccountID,
		sub.Version,
		sub.State,
		sub.Tier,
		sub.Interval,
		sub.CycleAnchor,
		sub.TrialEndsAt,
		sub.CancelEffectiveAt,
		sub.PastDueSince,
		nilIfEmpty(sub.ExternalSubscriptionID),
		nilIfEmpty(sub.ExternalCustomerID),
		sub.HasPaymentMethod,
		sub.LastEventAt,
		sub.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return types.NewAppError(types.ErrCodeValidationInvalidValue, "processor subscription is linked to another account", err)
		}
		return types.NewAppError(types.ErrCodeInternalDB, "failed to save subscription", err)
	}
	if tag.RowsAffected() == 0 {
		r.logger.InfoContext(ctx, "subscription changed concurrently",
			"account_id", sub.AccountID,
			"version", sub.Version,
		)
		return types.NewAppErrorWithDetails(
			types.ErrCodeStaleVersion,
			"subscription was modified concurrently",
			nil,
			map[string]any{"account_id": sub.AccountID},
		)
	}
	sub.Version++
	return nil
}

// AdvanceCycleAnchor moves the anchor from `from` to `to`. It returns false
// when the anchor no longer equals `from` (another scheduler advanced it).
// at is the scan's reference time, so replays stamp the time they replay.
func (r *SubscriptionRepository) AdvanceCycleAnchor(ctx context.Context, accountID string, from, to, at time.Time) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE subscriptions
		 SET cycle_anchor = $3, version = version + 1, updated_at = $4
		 WHERE account_id = $1 AND cycle_anchor = $2`,
		accountID,
		from,
		to,
		at,
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to advance cycle anchor", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ListBillable returns subscriptions in a billable state with account ids
// greater than after, ordered by account id.
func (r *SubscriptionRepository) ListBillable(ctx context.Context, after string, limit int) ([]types.Subscription, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	rows, err := r.db.Query(ctx,
		`SELECT `+subscriptionColumns+`
		 FROM subscriptions
		 WHERE state IN ($1, $2, $3, $4) AND account_id > $5
		 ORDER BY account_id
		 LIMIT $6`,
		types.StateTrialing,
		types.StateActive,
		types.StateCancelling,
		types.StatePastDue,
		after,
		limit,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list billable subscriptions", err)
	}
	return collectSubscriptions(rows)
}

// ListSubscriptions returns subscriptions matching the filter, ordered by
// account id, for the admin surface.
func (r *SubscriptionRepository) ListSubscriptions(ctx context.Context, f types.SubscriptionFilter) ([]types.Subscription, error) {
	var (
		conds []string
		args  []any
	)
	if f.State != "" {
		args = append(args, f.State)
		conds = append(conds, fmt.Sprintf("state = $%d", len(args)))
	}
	if f.Tier != "" {
		args = append(args, f.Tier)
		conds = append(conds, fmt.Sprintf("tier = $%d", len(args)))
	}
	if f.After != "" {
		args = append(args, f.After)
		conds = append(conds, fmt.Sprintf("account_id > $%d", len(args)))
	}

	limit := f.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	args = append(args, limit)

	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions`
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, " AND ")
	}
	query += fmt.Sprintf(` ORDER BY account_id LIMIT $%d`, len(args))

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list subscriptions", err)
	}
	return collectSubscriptions(rows)
}

// Stats aggregates subscription counts and the revenue of cycles that closed
// in the last cycle length.
func (r *SubscriptionRepository) Stats(ctx context.Context, now time.Time) (*types.SubscriptionStats, error) {
	var s types.SubscriptionStats
	err := r.db.QueryRow(ctx,
		`SELECT COUNT(*),
		        COUNT(*) FILTER (WHERE state = 'active'),
		        COUNT(*) FILTER (WHERE state = 'trialing'),
		        COUNT(*) FILTER (WHERE state = 'past_due'),
		        COUNT(*) FILTER (WHERE state = 'cancelling'),
		        COUNT(*) FILTER (WHERE state = 'cancelled')
		 FROM subscriptions`,
	).Scan(&s.Total, &s.Active, &s.Trialing, &s.PastDue, &s.Cancelling, &s.Cancelled)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to count subscriptions", err)
	}

	var revenue string
	err = r.db.QueryRow(ctx,
		`SELECT COALESCE(SUM(amount), 0)::text
		 FROM billing_snapshots
		 WHERE cycle_end > $1 AND cycle_end <= $2 AND status IN ('invoiced', 'paid')`,
		now.Add(-types.CycleLength),
		now,
	).Scan(&revenue)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to sum snapshot revenue", err)
	}
	s.LastCycleTotal, err = decimal.NewFromString(revenue)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "invalid revenue total", err)
	}
	return &s, nil
}

func scanSubscription(row pgx.Row) (*types.Subscription, error) {
	var (
		sub        types.Subscription
		externalID *string
		customerID *string
	)
	err := row.Scan(
		&sub.AccountID,
		&sub.State,
		&sub.Tier,
		&sub.Interval,
		&sub.CycleAnchor,
		&sub.TrialEndsAt,
		&sub.CancelEffectiveAt,
		&sub.PastDueSince,
		&externalID,
		&customerID,
		&sub.HasPaymentMethod,
		&sub.LastEventAt,
		&sub.Version,
		&sub.CreatedAt,
		&sub.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if externalID != nil {
		sub.ExternalSubscriptionID = *externalID
	}
	if customerID != nil {
		sub.ExternalCustomerID = *customerID
	}
	return &sub, nil
}

func collectSubscriptions(rows pgx.Rows) ([]types.Subscription, error) {
	defer rows.Close()

	var out []types.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan subscription row", err)
		}
		out = append(out, *sub)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating subscription rows", err)
	}
	return out, nil
}

// nilIfEmpty maps "" to SQL NULL so unique text columns allow many unset rows.
func nilIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
