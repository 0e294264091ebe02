package db

import (
	"context"

	"stockmeter/internal/types"
)

// Schema is the DDL for every table the repositories touch. Statements are
// idempotent so ApplySchema can run on each deploy.
const Schema = `
CREATE TABLE IF NOT EXISTS accounts (
	id         TEXT PRIMARY KEY,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS usage_records (
	account_id        TEXT PRIMARY KEY REFERENCES accounts(id),
	products          BIGINT NOT NULL DEFAULT 0 CHECK (products >= 0),
	users             BIGINT NOT NULL DEFAULT 0 CHECK (users >= 0),
	branches          BIGINT NOT NULL DEFAULT 0 CHECK (branches >= 0),
	orders_this_month BIGINT NOT NULL DEFAULT 0 CHECK (orders_this_month >= 0),
	version           BIGINT NOT NULL DEFAULT 0,
	updated_at        TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS subscriptions (
	account_id               TEXT PRIMARY KEY REFERENCES accounts(id),
	state                    TEXT NOT NULL DEFAULT 'none',
	tier                     TEXT NOT NULL DEFAULT 'free',
	billing_interval         TEXT NOT NULL DEFAULT 'monthly',
	cycle_anchor             TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	trial_ends_at            TIMESTAMPTZ,
	cancel_effective_at      TIMESTAMPTZ,
	past_due_since           TIMESTAMPTZ,
	external_subscription_id TEXT UNIQUE,
	external_customer_id     TEXT,
	has_payment_method       BOOLEAN NOT NULL DEFAULT FALSE,
	last_event_at            TIMESTAMPTZ,
	version                  BIGINT NOT NULL DEFAULT 1,
	created_at               TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at               TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_subscriptions_state ON subscriptions (state, account_id);

CREATE TABLE IF NOT EXISTS billing_snapshots (
	id                  TEXT PRIMARY KEY,
	account_id          TEXT NOT NULL REFERENCES accounts(id),
	cycle_anchor        TIMESTAMPTZ NOT NULL,
	cycle_end           TIMESTAMPTZ NOT NULL,
	tier                TEXT NOT NULL,
	product_count       BIGINT NOT NULL,
	amount              NUMERIC(12, 2) NOT NULL,
	currency            TEXT NOT NULL,
	status              TEXT NOT NULL,
	external_invoice_id TEXT,
	failure_reason      TEXT,
	created_at          TIMESTAMPTZ NOT NULL,
	updated_at          TIMESTAMPTZ NOT NULL,
	UNIQUE (account_id, cycle_anchor)
);

CREATE INDEX IF NOT EXISTS idx_billing_snapshots_pending ON billing_snapshots (created_at) WHERE status = 'pending';
CREATE UNIQUE INDEX IF NOT EXISTS idx_billing_snapshots_invoice ON billing_snapshots (external_invoice_id) WHERE external_invoice_id IS NOT NULL AND external_invoice_id <> '';

CREATE TABLE IF NOT EXISTS subscription_transitions (
	id          BIGSERIAL PRIMARY KEY,
	account_id  TEXT NOT NULL REFERENCES accounts(id),
	from_state  TEXT NOT NULL,
	to_state    TEXT NOT NULL,
	trigger     TEXT NOT NULL,
	tier        TEXT NOT NULL,
	occurred_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_subscription_transitions_account ON subscription_transitions (account_id, occurred_at DESC);

CREATE TABLE IF NOT EXISTS processed_webhook_events (
	event_id    TEXT PRIMARY KEY,
	event_type  TEXT NOT NULL,
	received_at TIMESTAMPTZ NOT NULL,
	payload     BYTEA NOT NULL
);

CREATE TABLE IF NOT EXISTS job_locks (
	id         TEXT PRIMARY KEY,
	worker_id  TEXT NOT NULL,
	locked_at  TIMESTAMPTZ NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS job_history (
	id          BIGSERIAL PRIMARY KEY,
	job_type    TEXT NOT NULL,
	started_at  TIMESTAMPTZ NOT NULL,
	finished_at TIMESTAMPTZ,
	status      TEXT NOT NULL,
	items_count INT,
	error       TEXT
);
`

// ApplySchema creates any missing tables and indexes.
func ApplySchema(ctx context.Context, db DBTX) error {
	if _, err := db.Exec(ctx, Schema); err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to apply schema", err)
	}
	return nil
}
