package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"stockmeter/internal/db"
)

// lockTTL covers the longest expected scan with margin.
const lockTTL = 15 * time.Minute

// BillingJobs is the set of task implementations the Runner routes to.
type BillingJobs interface {
	Scan(ctx context.Context, now time.Time) (ScanResult, error)
	RetryPending(ctx context.Context) (int, error)
}

// JobLocker abstracts the distributed lock.
type JobLocker interface {
	Acquire(ctx context.Context, lockID, workerID string, now time.Time, ttl time.Duration) (bool, error)
	Release(ctx context.Context, lockID, workerID string) error
}

// JobHistorian abstracts job history recording.
type JobHistorian interface {
	Start(ctx context.Context, jobType string) (int64, error)
	Finish(ctx context.Context, id int64, status string, items int, err error) error
}

// Runner executes one task per payload under a lock keyed by task and hour,
// so EventBridge redeliveries and overlapping cron hosts run it once.
type Runner struct {
	jobs     BillingJobs
	locks    JobLocker
	history  JobHistorian
	workerID string
	now      func() time.Time
	logger   *slog.Logger
}

// NewRunner creates a Runner.
func NewRunner(jobs BillingJobs, locks JobLocker, history JobHistorian, workerID string, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		jobs:     jobs,
		locks:    locks,
		history:  history,
		workerID: workerID,
		now:      func() time.Time { return time.Now().UTC() },
		logger:   logger,
	}
}

// Handle runs the task named in payload. It is the Lambda entry point and is
// also called by the cron scheduler.
//
//  1. Determine the reference time.
//  2. Acquire the lock "task:YYYY-MM-DDTHH".
//  3. Record job start.
//  4. Dispatch.
//  5. Record completion. A failed run releases its lock so a retry within the
//     same hour can proceed.
func (r *Runner) Handle(ctx context.Context, payload MaintenancePayload) (string, error) {
	now := r.now()
	if payload.ReferenceTime != nil {
		now = payload.ReferenceTime.UTC()
	}

	task := string(payload.Task)
	logger := r.logger.With("task", task, "worker_id", r.workerID)
	logger.InfoContext(ctx, "billing job invoked", "reference_time", now.Format(time.RFC3339))

	if payload.Task == "" {
		return "", fmt.Errorf("empty task type in maintenance payload")
	}

	lockID := fmt.Sprintf("%s:%s", payload.Task, now.Truncate(time.Hour).Format("2006-01-02T15"))
	acquired, err := r.locks.Acquire(ctx, lockID, r.workerID, now, lockTTL)
	if err != nil {
		return "", fmt.Errorf("acquiring job lock %s: %w", lockID, err)
	}
	if !acquired {
		logger.InfoContext(ctx, "job lock held by another worker", "lock_id", lockID)
		return fmt.Sprintf("skipped: lock %s held by another worker", lockID), nil
	}

	jobID, err := r.history.Start(ctx, task)
	if err != nil {
		// History is informational; the job still runs.
		logger.ErrorContext(ctx, "failed to start job history", "error", err)
		jobID = 0
	}

	items, execErr := r.dispatch(ctx, payload.Task, now)

	status := db.JobStatusSuccess
	if execErr != nil {
		status = db.JobStatusFailed
	}
	if jobID != 0 {
		if err := r.history.Finish(ctx, jobID, status, items, execErr); err != nil {
			logger.ErrorContext(ctx, "failed to finish job history", "job_id", jobID, "error", err)
		}
	}

	if execErr != nil {
		if err := r.locks.Release(ctx, lockID, r.workerID); err != nil {
			logger.ErrorContext(ctx, "failed to release job lock", "lock_id", lockID, "error", err)
		}
		logger.ErrorContext(ctx, "billing job failed", "error", execErr, "items_before_error", items)
		return "", fmt.Errorf("task %s failed: %w", task, execErr)
	}

	result := fmt.Sprintf("task %s complete: %d items processed", task, items)
	logger.InfoContext(ctx, result, "items", items)
	return result, nil
}

func (r *Runner) dispatch(ctx context.Context, task TaskType, now time.Time) (int, error) {
	switch task {
	case TaskBillingScan:
		res, err := r.jobs.Scan(ctx, now)
		return res.Items(), err
	case TaskRetryInvoices:
		return r.jobs.RetryPending(ctx)
	default:
		return 0, fmt.Errorf("unknown task type: %q", task)
	}
}
