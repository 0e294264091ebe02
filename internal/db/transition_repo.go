package db

import (
	"context"
	"time"

	"stockmeter/internal/types"
)

// TransitionRepository stores the subscription audit trail. It satisfies
// billing.TransitionSink and billing.TierHistory.
type TransitionRepository struct {
	db DBTX
}

// NewTransitionRepository creates a new TransitionRepository backed by the
// given database connection (pool or transaction).
func NewTransitionRepository(db DBTX) *TransitionRepository {
	return &TransitionRepository{db: db}
}

// RecordTransition appends one audit row.
func (r *TransitionRepository) RecordTransition(ctx context.Context, rec types.TransitionRecord) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO subscription_transitions (account_id, from_state, to_state, trigger, tier, occurred_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		rec.AccountID,
		rec.From,
		rec.To,
		rec.Trigger,
		rec.Tier,
		rec.OccurredAt,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to record transition", err)
	}
	return nil
}

// ListTransitions returns an account's most recent transitions, newest first.
func (r *TransitionRepository) ListTransitions(ctx context.Context, accountID string, limit int) ([]types.TransitionRecord, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	rows, err := r.db.Query(ctx,
		`SELECT account_id, from_state, to_state, trigger, tier, occurred_at
		 FROM subscription_transitions
		 WHERE account_id = $1
		 ORDER BY occurred_at DESC, id DESC
		 LIMIT $2`,
		accountID,
		limit,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list transitions", err)
	}
	defer rows.Close()

	var out []types.TransitionRecord
	for rows.Next() {
		var rec types.TransitionRecord
		if err := rows.Scan(&rec.AccountID, &rec.From, &rec.To, &rec.Trigger, &rec.Tier, &rec.OccurredAt); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan transition row", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating transition rows", err)
	}
	return out, nil
}

// TransitionBefore returns the account's latest transition strictly before
// at, or nil when there is none.
func (r *TransitionRepository) TransitionBefore(ctx context.Context, accountID string, at time.Time) (*types.TransitionRecord, error) {
	var rec types.TransitionRecord
	err := r.db.QueryRow(ctx,
		`SELECT account_id, from_state, to_state, trigger, tier, occurred_at
		 FROM subscription_transitions
		 WHERE account_id = $1 AND occurred_at < $2
		 ORDER BY occurred_at DESC, id DESC
		 LIMIT 1`,
		accountID,
		at,
	).Scan(&rec.AccountID, &rec.From, &rec.To, &rec.Trigger, &rec.Tier, &rec.OccurredAt)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to load transition", err)
	}
	return &rec, nil
}
