package db

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"stockmeter/internal/types"
)

const snapshotColumns = `id, account_id, cycle_anchor, cycle_end, tier, product_count,
	amount::text, currency, status, COALESCE(external_invoice_id, ''),
	COALESCE(failure_reason, ''), created_at, updated_at`

// SnapshotRepository persists billing snapshots. The (account_id,
// cycle_anchor) unique key makes cycle closing idempotent.
type SnapshotRepository struct {
	db DBTX
}

// NewSnapshotRepository creates a new SnapshotRepository backed by the given
// database connection (pool or transaction).
func NewSnapshotRepository(db DBTX) *SnapshotRepository {
	return &SnapshotRepository{db: db}
}

// CreateSnapshot inserts snap. If a snapshot for the same cycle already
// exists nothing is written and ErrCodeDuplicateSnapshot is returned.
func (r *SnapshotRepository) CreateSnapshot(ctx context.Context, snap *types.BillingSnapshot) error {
	tag, err := r.db.Exec(ctx,
		`INSERT INTO billing_snapshots
		   (id, account_id, cycle_anchor, cycle_end, tier, product_count, amount,
		    currency, status, external_invoice_id, failure_reason, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7::numeric, $8, $9, $10, $11, $12, $13)
		 ON CONFLICT (account_id, cycle_anchor) DO NOTHING`,
		snap.ID,
		snap.AccountID,
		snap.CycleAnchor,
		snap.CycleEnd,
		snap.Tier,
		snap.ProductCount,
		snap.Amount.StringFixed(centPlaces),
		snap.Currency,
		snap.Status,
		nilIfEmpty(snap.ExternalInvoiceID),
		nilIfEmpty(snap.FailureReason),
		snap.CreatedAt,
		snap.UpdatedAt,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to create snapshot", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppErrorWithDetails(
			types.ErrCodeDuplicateSnapshot,
			"snapshot already exists for cycle",
			nil,
			map[string]any{
				"account_id":   snap.AccountID,
				"cycle_anchor": snap.CycleAnchor.UTC().Format(time.RFC3339),
			},
		)
	}
	return nil
}

// GetSnapshot returns the snapshot of the cycle starting at cycleAnchor.
func (r *SnapshotRepository) GetSnapshot(ctx context.Context, accountID string, cycleAnchor time.Time) (*types.BillingSnapshot, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+snapshotColumns+`
		 FROM billing_snapshots
		 WHERE account_id = $1 AND cycle_anchor = $2`,
		accountID,
		cycleAnchor,
	)
	snap, err := scanSnapshot(row)
	if err != nil {
		if isNoRows(err) {
			return nil, types.NewAppErrorWithDetails(
				types.ErrCodeNotFoundSnapshot,
				"snapshot not found",
				nil,
				map[string]any{"account_id": accountID},
			)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to read snapshot", err)
	}
	return snap, nil
}

// MarkInvoiced moves a pending snapshot to invoiced.
func (r *SnapshotRepository) MarkInvoiced(ctx context.Context, snapshotID, invoiceID string, at time.Time) error {
	return r.transition(ctx,
		`UPDATE billing_snapshots
		 SET status = 'invoiced', external_invoice_id = $2, updated_at = $3
		 WHERE id = $1 AND status = 'pending'`,
		snapshotID, nilIfEmpty(invoiceID), at,
	)
}

// MarkFailed moves a pending snapshot to failed with the processor's reason.
func (r *SnapshotRepository) MarkFailed(ctx context.Context, snapshotID, reason string, at time.Time) error {
	return r.transition(ctx,
		`UPDATE billing_snapshots
		 SET status = 'failed', failure_reason = $2, updated_at = $3
		 WHERE id = $1 AND status = 'pending'`,
		snapshotID, reason, at,
	)
}

func (r *SnapshotRepository) transition(ctx context.Context, sql, snapshotID string, args ...any) error {
	tag, err := r.db.Exec(ctx, sql, append([]any{snapshotID}, args...)...)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to update snapshot", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppErrorWithDetails(
			types.ErrCodeNotFoundSnapshot,
			"pending snapshot not found",
			nil,
			map[string]any{"snapshot_id": snapshotID},
		)
	}
	return nil
}

// ListPending returns pending snapshots created before the cutoff, oldest
// first.
func (r *SnapshotRepository) ListPending(ctx context.Context, createdBefore time.Time, limit int) ([]types.BillingSnapshot, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	rows, err := r.db.Query(ctx,
		`SELECT `+snapshotColumns+`
		 FROM billing_snapshots
		 WHERE status = 'pending' AND created_at < $1
		 ORDER BY created_at
		 LIMIT $2`,
		createdBefore,
		limit,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list pending snapshots", err)
	}
	return collectSnapshots(rows)
}

// ListSnapshots returns an account's snapshots with a cycle anchor strictly
// before `before` (all when nil), newest first.
func (r *SnapshotRepository) ListSnapshots(ctx context.Context, accountID string, before *time.Time, limit int) ([]types.BillingSnapshot, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	rows, err := r.db.Query(ctx,
		`SELECT `+snapshotColumns+`
		 FROM billing_snapshots
		 WHERE account_id = $1 AND ($2::timestamptz IS NULL OR cycle_anchor < $2)
		 ORDER BY cycle_anchor DESC
		 LIMIT $3`,
		accountID,
		before,
		limit,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list snapshots", err)
	}
	return collectSnapshots(rows)
}

// MarkPaidByInvoice settles the snapshot carrying the processor invoice id.
// Paid is terminal; a repeated notification returns the row unchanged.
func (r *SnapshotRepository) MarkPaidByInvoice(ctx context.Context, invoiceID string, at time.Time) (*types.BillingSnapshot, error) {
	row := r.db.QueryRow(ctx,
		`UPDATE billing_snapshots
		 SET status = 'paid',
		     failure_reason = NULL,
		     updated_at = CASE WHEN status = 'paid' THEN updated_at ELSE $2 END
		 WHERE external_invoice_id = $1
		 RETURNING `+snapshotColumns,
		invoiceID,
		at,
	)
	return r.byInvoice(row, invoiceID)
}

// MarkFailedByInvoice records a failed payment for the snapshot carrying the
// processor invoice id. A paid snapshot is never downgraded.
func (r *SnapshotRepository) MarkFailedByInvoice(ctx context.Context, invoiceID, reason string, at time.Time) (*types.BillingSnapshot, error) {
	row := r.db.QueryRow(ctx,
		`UPDATE billing_snapshots
		 SET status = CASE WHEN status = 'paid' THEN status ELSE 'failed' END,
		     failure_reason = CASE WHEN status = 'paid' THEN failure_reason ELSE $2 END,
		     updated_at = $3
		 WHERE external_invoice_id = $1
		 RETURNING `+snapshotColumns,
		invoiceID,
		reason,
		at,
	)
	return r.byInvoice(row, invoiceID)
}

func (r *SnapshotRepository) byInvoice(row pgx.Row, invoiceID string) (*types.BillingSnapshot, error) {
	snap, err := scanSnapshot(row)
	if err != nil {
		if isNoRows(err) {
			return nil, types.NewAppErrorWithDetails(
				types.ErrCodeNotFoundSnapshot,
				"no snapshot for invoice",
				nil,
				map[string]any{"invoice_id": invoiceID},
			)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to update snapshot", err)
	}
	return snap, nil
}

func scanSnapshot(row pgx.Row) (*types.BillingSnapshot, error) {
	var (
		snap   types.BillingSnapshot
		amount string
	)
	err := row.Scan(
		&snap.ID,
		&snap.AccountID,
		&snap.CycleAnchor,
		&snap.CycleEnd,
		&snap.Tier,
		&snap.ProductCount,
		&amount,
		&snap.Currency,
		&snap.Status,
		&snap.ExternalInvoiceID,
		&snap.FailureReason,
		&snap.CreatedAt,
		&snap.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	snap.Amount, err = decimal.NewFromString(amount)
	if err != nil {
		return nil, err
	}
	return &snap, nil
}

func collectSnapshots(rows pgx.Rows) ([]types.BillingSnapshot, error) {
	defer rows.Close()

	var out []types.BillingSnapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan snapshot row", err)
		}
		out = append(out, *snap)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating snapshot rows", err)
	}
	return out, nil
}

// centPlaces matches the NUMERIC(12, 2) amount column.
const centPlaces = 2
