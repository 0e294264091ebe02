package scheduler

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

// ============================================================
// Mocks: BillingJobs, JobLocker, JobHistorian
// ============================================================

type mockJobs struct {
	scanResult ScanResult
	scanErr    error
	scanNow    time.Time

	retrySettled int
	retryErr     error
}

func (m *mockJobs) Scan(_ context.Context, now time.Time) (ScanResult, error) {
	m.scanNow = now
	return m.scanResult, m.scanErr
}

func (m *mockJobs) RetryPending(_ context.Context) (int, error) {
	return m.retrySettled, m.retryErr
}

type mockLocker struct {
	mu       sync.Mutex
	held     map[string]string
	err      error
	released []string
}

func newMockLocker() *mockLocker {
	return &mockLocker{held: map[string]string{}}
}

func (m *mockLocker) Acquire(_ context.Context, lockID, workerID string, _ time.Time, _ time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return false, m.err
	}
	if _, ok := m.held[lockID]; ok {
		return false, nil
	}
	m.held[lockID] = workerID
	return true, nil
}

func (m *mockLocker) Release(_ context.Context, lockID, workerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.held[lockID] == workerID {
		delete(m.held, lockID)
	}
	m.released = append(m.released, lockID)
	return nil
}

type historyEntry struct {
	jobType string
	status  string
	items   int
	err     error
}

type mockHistorian struct {
	entries  []*historyEntry
	startErr error
}

func (m *mockHistorian) Start(_ context.Context, jobType string) (int64, error) {
	if m.startErr != nil {
		return 0, m.startErr
	}
	m.entries = append(m.entries, &historyEntry{jobType: jobType, status: "running"})
	return int64(len(m.entries)), nil
}

func (m *mockHistorian) Finish(_ context.Context, id int64, status string, items int, err error) error {
	e := m.entries[id-1]
	e.status, e.items, e.err = status, items, err
	return nil
}

func newTestRunner(jobs *mockJobs, locks *mockLocker, hist *mockHistorian) *Runner {
	r := NewRunner(jobs, locks, hist, "worker-1", schedulerTestLogger())
	r.now = func() time.Time { return time.Date(2026, 3, 1, 4, 17, 0, 0, time.UTC) }
	return r
}

// ============================================================
// Runner Tests
// ============================================================

func TestRunner_BillingScan(t *testing.T) {
	jobs := &mockJobs{scanResult: ScanResult{Accounts: 10, CyclesClosed: 3, TrialsExpired: 1}}
	locks := newMockLocker()
	hist := &mockHistorian{}

	out, err := newTestRunner(jobs, locks, hist).Handle(context.Background(), MaintenancePayload{Task: TaskBillingScan})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out, "4 items") {
		t.Errorf("unexpected result: %q", out)
	}
	if _, ok := locks.held["billing_scan:2026-03-01T04"]; !ok {
		t.Errorf("expected hourly lock to be held, got %v", locks.held)
	}
	if len(hist.entries) != 1 || hist.entries[0].status != "success" || hist.entries[0].items != 4 {
		t.Errorf("unexpected history: %+v", hist.entries)
	}
}

func TestRunner_ReferenceTimeOverridesNow(t *testing.T) {
	jobs := &mockJobs{}
	locks := newMockLocker()
	ref := time.Date(2026, 2, 1, 12, 30, 0, 0, time.UTC)

	_, err := newTestRunner(jobs, locks, &mockHistorian{}).Handle(context.Background(), MaintenancePayload{Task: TaskBillingScan, ReferenceTime: &ref})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !jobs.scanNow.Equal(ref) {
		t.Errorf("expected scan at %v, got %v", ref, jobs.scanNow)
	}
	if _, ok := locks.held["billing_scan:2026-02-01T12"]; !ok {
		t.Errorf("expected lock keyed by reference hour, got %v", locks.held)
	}
}

func TestRunner_SkipsWhenLockHeld(t *testing.T) {
	jobs := &mockJobs{}
	locks := newMockLocker()
	locks.held["retry_invoices:2026-03-01T04"] = "worker-2"
	hist := &mockHistorian{}

	out, err := newTestRunner(jobs, locks, hist).Handle(context.Background(), MaintenancePayload{Task: TaskRetryInvoices})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.HasPrefix(out, "skipped") {
		t.Errorf("expected skip, got %q", out)
	}
	if len(hist.entries) != 0 {
		t.Error("skipped run must not write history")
	}
}

func TestRunner_FailureReleasesLock(t *testing.T) {
	jobs := &mockJobs{retryErr: errors.New("processor down")}
	locks := newMockLocker()
	hist := &mockHistorian{}

	_, err := newTestRunner(jobs, locks, hist).Handle(context.Background(), MaintenancePayload{Task: TaskRetryInvoices})
	if err == nil {
		t.Fatal("expected error")
	}
	if len(locks.held) != 0 || len(locks.released) != 1 {
		t.Errorf("expected lock released, held=%v released=%v", locks.held, locks.released)
	}
	if hist.entries[0].status != "failed" || hist.entries[0].err == nil {
		t.Errorf("expected failed history entry, got %+v", hist.entries[0])
	}
}

func TestRunner_HistoryStartFailureIsNonFatal(t *testing.T) {
	jobs := &mockJobs{retrySettled: 2}
	hist := &mockHistorian{startErr: errors.New("history table missing")}

	out, err := newTestRunner(jobs, newMockLocker(), hist).Handle(context.Background(), MaintenancePayload{Task: TaskRetryInvoices})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out, "2 items") {
		t.Errorf("unexpected result: %q", out)
	}
}

func TestRunner_InvalidPayloads(t *testing.T) {
	r := newTestRunner(&mockJobs{}, newMockLocker(), &mockHistorian{})

	if _, err := r.Handle(context.Background(), MaintenancePayload{}); err == nil {
		t.Error("expected error for empty task")
	}
	if _, err := r.Handle(context.Background(), MaintenancePayload{Task: "reticulate_splines"}); err == nil {
		t.Error("expected error for unknown task")
	}
}

func TestRunner_LockErrorPropagates(t *testing.T) {
	locks := newMockLocker()
	locks.err = errors.New("db unavailable")

	if _, err := newTestRunner(&mockJobs{}, locks, &mockHistorian{}).Handle(context.Background(), MaintenancePayload{Task: TaskBillingScan}); err == nil {
		t.Error("expected lock error to propagate")
	}
}
