package db

import (
	"context"
	"time"

	"stockmeter/internal/types"
)

// AccountRepository provisions tenants. Accounts are never deleted here.
type AccountRepository struct {
	db DBTX
}

// NewAccountRepository creates a new AccountRepository backed by the given
// database connection (pool or transaction).
func NewAccountRepository(db DBTX) *AccountRepository {
	return &AccountRepository{db: db}
}

// EnsureAccount creates the account together with its subscription (state
// none, free tier) and zeroed usage record. It returns false when the
// account already existed; existing rows are not touched.
func (r *AccountRepository) EnsureAccount(ctx context.Context, accountID string, now time.Time) (bool, error) {
	var created int
	err := r.db.QueryRow(ctx,
		`WITH acct AS (
			INSERT INTO accounts (id, created_at)
			VALUES ($1, $2)
			ON CONFLICT (id) DO NOTHING
			RETURNING id
		), sub AS (
			INSERT INTO subscriptions (account_id, state, tier, billing_interval, cycle_anchor, created_at, updated_at)
			SELECT id, $3, $4, $5, $2, $2, $2 FROM acct
		), usage AS (
			INSERT INTO usage_records (account_id, updated_at)
			SELECT id, $2 FROM acct
		)
		SELECT COUNT(*) FROM acct`,
		accountID,
		now,
		types.StateNone,
		types.TierFree,
		types.IntervalMonthly,
	).Scan(&created)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to create account", err)
	}
	return created > 0, nil
}
