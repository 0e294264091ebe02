package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"stockmeter/internal/types"
)

const (
	defaultScanBatchSize   = 200
	defaultScanConcurrency = 8

	// maxCatchUpCycles bounds how many missed cycles one account can close in
	// a single scan. The remainder is picked up by the next scan.
	maxCatchUpCycles = 24
)

// BillableStore lists subscriptions the scanner must look at and advances
// their cycle anchor once a snapshot exists.
type BillableStore interface {
	// ListBillable returns subscriptions in trialing/active/cancelling/past_due
	// with account_id > after, ordered by account_id.
	ListBillable(ctx context.Context, after string, limit int) ([]types.Subscription, error)

	// AdvanceCycleAnchor moves the anchor from `from` to `to`. It reports false
	// when the stored anchor is no longer `from` (another scanner won).
	AdvanceCycleAnchor(ctx context.Context, accountID string, from, to, at time.Time) (bool, error)
}

// SnapshotCreator closes one cycle. Implemented by billing.SnapshotGenerator.
type SnapshotCreator interface {
	CreateSnapshot(ctx context.Context, accountID string, cycleAnchor time.Time) (*types.BillingSnapshot, error)
	RetryPending(ctx context.Context) (int, error)
}

// LifecycleManager applies the time-driven transitions. Implemented by
// billing.SubscriptionService.
type LifecycleManager interface {
	ExpireTrial(ctx context.Context, accountID string) (*types.Subscription, error)
	FinalizeCancellation(ctx context.Context, accountID string) (*types.Subscription, error)
	EnforceGrace(ctx context.Context, accountID string) (*types.Subscription, error)
}

// ScanObserver receives the outcome of every scan, typically for metrics.
type ScanObserver interface {
	ObserveScan(ctx context.Context, elapsed time.Duration, accounts, failures int)
}

// CycleConfig tunes the scanner.
type CycleConfig struct {
	BatchSize   int
	Concurrency int
	GracePeriod time.Duration
}

// ScanResult summarizes one billing scan.
type ScanResult struct {
	Accounts               int
	CyclesClosed           int
	TrialsExpired          int
	CancellationsFinalized int
	GraceExpired           int
	Failures               int
}

// Items is the count reported to job history.
func (r ScanResult) Items() int {
	return r.CyclesClosed + r.TrialsExpired + r.CancellationsFinalized + r.GraceExpired
}

// CycleScheduler finds subscriptions whose cycle boundary or lifecycle
// deadline has passed and acts on them.
//
// Running two scanners at once is safe: snapshots are keyed by
// (account, cycle anchor) and the anchor only advances by compare-and-set,
// so the loser of a race observes the existing snapshot and a failed
// advance.
type CycleScheduler struct {
	store     BillableStore
	snapshots SnapshotCreator
	lifecycle LifecycleManager
	observer  ScanObserver
	cfg       CycleConfig
	logger    *slog.Logger
}

// NewCycleScheduler creates a CycleScheduler. observer may be nil.
func NewCycleScheduler(
	store BillableStore,
	snapshots SnapshotCreator,
	lifecycle LifecycleManager,
	observer ScanObserver,
	cfg CycleConfig,
	logger *slog.Logger,
) *CycleScheduler {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultScanBatchSize
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultScanConcurrency
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CycleScheduler{
		store:     store,
		snapshots: snapshots,
		lifecycle: lifecycle,
		observer:  observer,
		cfg:       cfg,
		logger:    logger,
	}
}

// Scan pages through every billable subscription and processes each account
// with bounded concurrency. Per-account failures are logged and counted; they
// are retried by the next scan. Only a failure to list subscriptions aborts
// the scan.
func (s *CycleScheduler) Scan(ctx context.Context, now time.Time) (ScanResult, error) {
	start := time.Now()
	now = now.UTC()

	var (
		mu     sync.Mutex
		result ScanResult
		after  string
	)

	for {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		batch, err := s.store.ListBillable(ctx, after, s.cfg.BatchSize)
		if err != nil {
			return result, fmt.Errorf("listing billable subscriptions after %q: %w", after, err)
		}
		if len(batch) == 0 {
			break
		}

		var g errgroup.Group
		g.SetLimit(s.cfg.Concurrency)
		for i := range batch {
			sub := batch[i]
			g.Go(func() error {
				outcome := s.processAccount(ctx, sub, now)
				mu.Lock()
				result.add(outcome)
				mu.Unlock()
				return nil
			})
		}
		_ = g.Wait()

		after = batch[len(batch)-1].AccountID
		if len(batch) < s.cfg.BatchSize {
			break
		}
	}

	elapsed := time.Since(start)
	if s.observer != nil {
		s.observer.ObserveScan(ctx, elapsed, result.Accounts, result.Failures)
	}

	s.logger.InfoContext(ctx, "billing scan complete",
		"accounts", result.Accounts,
		"cycles_closed", result.CyclesClosed,
		"trials_expired", result.TrialsExpired,
		"cancellations_finalized", result.CancellationsFinalized,
		"grace_expired", result.GraceExpired,
		"failures", result.Failures,
		"elapsed", elapsed,
	)
	return result, nil
}

// RetryPending re-issues invoices for pending snapshots.
func (s *CycleScheduler) RetryPending(ctx context.Context) (int, error) {
	settled, err := s.snapshots.RetryPending(ctx)
	if err != nil {
		return settled, fmt.Errorf("retrying pending snapshots: %w", err)
	}
	return settled, nil
}

// processAccount closes every due cycle first, then applies the deadline that
// matches the subscription's state. A cancelling subscription therefore gets
// its final snapshot before it is finalized.
func (s *CycleScheduler) processAccount(ctx context.Context, sub types.Subscription, now time.Time) ScanResult {
	out := ScanResult{Accounts: 1}
	logger := s.logger.With("account_id", sub.AccountID)

	closed, err := s.closeDueCycles(ctx, &sub, now)
	out.CyclesClosed = closed
	if err != nil {
		logger.ErrorContext(ctx, "closing billing cycle failed",
			"cycle_anchor", sub.CycleAnchor,
			"error", err,
		)
		out.Failures++
		return out
	}

	switch sub.State {
	case types.StateTrialing:
		if sub.TrialEndsAt == nil || now.Before(*sub.TrialEndsAt) {
			return out
		}
		if _, err := s.lifecycle.ExpireTrial(ctx, sub.AccountID); err != nil {
			logger.ErrorContext(ctx, "expiring trial failed", "error", err)
			out.Failures++
			return out
		}
		out.TrialsExpired++

	case types.StateCancelling:
		if sub.CancelEffectiveAt == nil || now.Before(*sub.CancelEffectiveAt) {
			return out
		}
		if _, err := s.lifecycle.FinalizeCancellation(ctx, sub.AccountID); err != nil {
			logger.ErrorContext(ctx, "finalizing cancellation failed", "error", err)
			out.Failures++
			return out
		}
		out.CancellationsFinalized++

	case types.StatePastDue:
		if sub.PastDueSince == nil || now.Before(sub.PastDueSince.Add(s.cfg.GracePeriod)) {
			return out
		}
		if _, err := s.lifecycle.EnforceGrace(ctx, sub.AccountID); err != nil {
			logger.ErrorContext(ctx, "enforcing grace expiry failed", "error", err)
			out.Failures++
			return out
		}
		out.GraceExpired++
	}
	return out
}

// closeDueCycles snapshots and advances each elapsed cycle in order. sub's
// anchor is updated in place as cycles close. Cycles starting at or after the
// end of paid service are not billed.
func (s *CycleScheduler) closeDueCycles(ctx context.Context, sub *types.Subscription, now time.Time) (int, error) {
	serviceEnd := s.serviceEnd(*sub)
	closed := 0
	for closed < maxCatchUpCycles && sub.CycleDue(now) {
		if err := ctx.Err(); err != nil {
			return closed, err
		}

		from := sub.CycleAnchor
		if serviceEnd != nil && !from.Before(*serviceEnd) {
			break
		}
		if _, err := s.snapshots.CreateSnapshot(ctx, sub.AccountID, from); err != nil {
			return closed, fmt.Errorf("creating snapshot: %w", err)
		}

		to := from.Add(types.CycleLength)
		advanced, err := s.store.AdvanceCycleAnchor(ctx, sub.AccountID, from, to, now)
		if err != nil {
			return closed, fmt.Errorf("advancing cycle anchor: %w", err)
		}
		if !advanced {
			s.logger.InfoContext(ctx, "cycle anchor already advanced",
				"account_id", sub.AccountID,
				"cycle_anchor", from,
			)
			return closed, nil
		}

		sub.CycleAnchor = to
		closed++
	}
	return closed, nil
}

// serviceEnd is when billing stops for a subscription on its way out: the
// cancellation effective date, or the end of the past-due grace window.
func (s *CycleScheduler) serviceEnd(sub types.Subscription) *time.Time {
	switch sub.State {
	case types.StateCancelling:
		return sub.CancelEffectiveAt
	case types.StatePastDue:
		if sub.PastDueSince != nil {
			end := sub.PastDueSince.Add(s.cfg.GracePeriod)
			return &end
		}
	}
	return nil
}

func (r *ScanResult) add(o ScanResult) {
	r.Accounts += o.Accounts
	r.CyclesClosed += o.CyclesClosed
	r.TrialsExpired += o.TrialsExpired
	r.CancellationsFinalized += o.CancellationsFinalized
	r.GraceExpired += o.GraceExpired
	r.Failures += o.Failures
}
