package db

import (
	"context"
	"time"

	"stockmeter/internal/types"
)

// UsageRepository provides data access for the usage_records table.
//
// Every write is conditional on the version the caller read, so concurrent
// meters for the same account never lose an update: the loser sees zero
// rows affected and re-reads.
type UsageRepository struct {
	db DBTX
}

// NewUsageRepository creates a new UsageRepository backed by the given
// database connection (pool or transaction).
func NewUsageRepository(db DBTX) *UsageRepository {
	return &UsageRepository{db: db}
}

// GetUsage returns the live usage record for the account.
func (r *UsageRepository) GetUsage(ctx context.Context, accountID string) (*types.UsageRecord, error) {
	rec := &types.UsageRecord{AccountID: accountID}
	err := r.db.QueryRow(ctx,
		`SELECT products, users, branches, orders_this_month, version, updated_at
		 FROM usage_records
		 WHERE account_id = $1`,
		accountID,
	).Scan(
		&rec.Products,
		&rec.Users,
		&rec.Branches,
		&rec.OrdersThisMonth,
		&rec.Version,
		&rec.UpdatedAt,
	)
	if err != nil {
		if isNoRows(err) {
			return nil, types.NewAppErrorWithDetails(
				types.ErrCodeUnknownAccount,
				"account not found",
				nil,
				map[string]any{"account_id": accountID},
			)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to read usage", err)
	}
	return rec, nil
}

// Usage is an alias of GetUsage for read-only consumers.
func (r *UsageRepository) Usage(ctx context.Context, accountID string) (*types.UsageRecord, error) {
	return r.GetUsage(ctx, accountID)
}

// CompareAndSwapProducts stores the billable count if the row is still at
// expectedVersion.
func (r *UsageRepository) CompareAndSwapProducts(
	ctx context.Context,
	accountID string,
	expectedVersion, products int64,
	at time.Time,
) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE usage_records
		 SET products = $3, version = version + 1, updated_at = $4
		 WHERE account_id = $1 AND version = $2`,
		accountID,
		expectedVersion,
		products,
		at,
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to update usage", err)
	}
	return tag.RowsAffected() == 1, nil
}

// CompareAndSwapDimensions stores the non-billable counts if the row is still
// at expectedVersion.
func (r *UsageRepository) CompareAndSwapDimensions(
	ctx context.Context,
	accountID string,
	expectedVersion int64,
	dims types.UsageDimensions,
	at time.Time,
) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE usage_records
		 SET users = $3, branches = $4, orders_this_month = $5, version = version + 1, updated_at = $6
		 WHERE account_id = $1 AND version = $2`,
		accountID,
		expectedVersion,
		dims.Users,
		dims.Branches,
		dims.OrdersThisMonth,
		at,
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to update usage dimensions", err)
	}
	return tag.RowsAffected() == 1, nil
}
