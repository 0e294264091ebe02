// Package scheduler implements the time-driven side of the billing engine.
//
// The cycle scanner closes due billing cycles and applies the time-based
// lifecycle transitions (trial expiry, cancellation at period end, grace
// expiry). The Runner wraps any task in a distributed lock and a job history
// record so the same task can be triggered from EventBridge or from cron
// without double execution within an hour.
package scheduler

import "time"

// TaskType identifies which scheduled job a payload should run.
type TaskType string

const (
	// TaskBillingScan closes due cycles and applies lifecycle deadlines.
	TaskBillingScan TaskType = "billing_scan"
	// TaskRetryInvoices re-issues invoices for snapshots left pending.
	TaskRetryInvoices TaskType = "retry_invoices"
)

// MaintenancePayload is the JSON payload sent by EventBridge to the
// billing-jobs Lambda. ReferenceTime overrides "now" for manual invocation
// and backfills.
//
//	{
//	  "task": "billing_scan",
//	  "reference_time": "2026-03-01T03:00:00Z"
//	}
type MaintenancePayload struct {
	Task TaskType `json:"task"`
	// ReferenceTime allows manual invocation to specify a different "now".
	// If nil, time.Now().UTC() is used.
	ReferenceTime *time.Time `json:"reference_time,omitempty"`
}
