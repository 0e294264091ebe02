package billing

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/stretchr/testify/mock"

	"stockmeter/internal/types"
)

var testEpoch = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

func unknownAccount(id string) error {
	return types.NewAppError(types.ErrCodeUnknownAccount, "account "+id+" not found", nil)
}

// --- Subscriptions ---

type fakeSubStore struct {
	mu           sync.Mutex
	subs         map[string]types.Subscription
	staleOnNextN int
	saves        int
}

func newFakeSubStore(subs ...types.Subscription) *fakeSubStore {
	s := &fakeSubStore{subs: make(map[string]types.Subscription)}
	for _, sub := range subs {
		s.subs[sub.AccountID] = sub
	}
	return s
}

func (s *fakeSubStore) GetSubscription(_ context.Context, accountID string) (*types.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subs[accountID]
	if !ok {
		return nil, unknownAccount(accountID)
	}
	return &sub, nil
}

func (s *fakeSubStore) GetByExternalID(_ context.Context, externalID string) (*types.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sub := range s.subs {
		if sub.ExternalSubscriptionID == externalID {
			return &sub, nil
		}
	}
	return nil, unknownAccount(externalID)
}

func (s *fakeSubStore) SaveSubscription(_ context.Context, sub *types.Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.staleOnNextN > 0 {
		s.staleOnNextN--
		cur := s.subs[sub.AccountID]
		cur.Version++
		s.subs[sub.AccountID] = cur
		return types.NewAppError(types.ErrCodeStaleVersion, "stale", nil)
	}
	if cur, ok := s.subs[sub.AccountID]; ok && cur.Version != sub.Version {
		return types.NewAppError(types.ErrCodeStaleVersion, "stale", nil)
	}
	sub.Version++
	s.subs[sub.AccountID] = *sub
	s.saves++
	return nil
}

func (s *fakeSubStore) get(accountID string) types.Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subs[accountID]
}

// --- Usage ---

type fakeUsageStore struct {
	mu          sync.Mutex
	records     map[string]types.UsageRecord
	casFailures int
	casCalls    int
}

func newFakeUsageStore(records ...types.UsageRecord) *fakeUsageStore {
	s := &fakeUsageStore{records: make(map[string]types.UsageRecord)}
	for _, r := range records {
		s.records[r.AccountID] = r
	}
	return s
}

func (s *fakeUsageStore) GetUsage(_ context.Context, accountID string) (*types.UsageRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[accountID]
	if !ok {
		return nil, unknownAccount(accountID)
	}
	return &r, nil
}

func (s *fakeUsageStore) Usage(ctx context.Context, accountID string) (*types.UsageRecord, error) {
	return s.GetUsage(ctx, accountID)
}

func (s *fakeUsageStore) CompareAndSwapProducts(_ context.Context, accountID string, expected, products int64, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.casCalls++
	r := s.records[accountID]
	if s.casFailures > 0 {
		s.casFailures--
		r.Version++
		s.records[accountID] = r
		return false, nil
	}
	if r.Version != expected {
		return false, nil
	}
	r.Products = products
	r.Version++
	r.UpdatedAt = at
	s.records[accountID] = r
	return true, nil
}

func (s *fakeUsageStore) CompareAndSwapDimensions(_ context.Context, accountID string, expected int64, dims types.UsageDimensions, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.casCalls++
	r := s.records[accountID]
	if r.Version != expected {
		return false, nil
	}
	r.Users = dims.Users
	r.Branches = dims.Branches
	r.OrdersThisMonth = dims.OrdersThisMonth
	r.Version++
	r.UpdatedAt = at
	s.records[accountID] = r
	return true, nil
}

// --- Snapshots ---

type fakeSnapshotStore struct {
	mu    sync.Mutex
	snaps map[string]*types.BillingSnapshot
}

func newFakeSnapshotStore() *fakeSnapshotStore {
	return &fakeSnapshotStore{snaps: make(map[string]*types.BillingSnapshot)}
}

func (s *fakeSnapshotStore) CreateSnapshot(_ context.Context, snap *types.BillingSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := snap.IdempotencyKey()
	if _, ok := s.snaps[key]; ok {
		return types.NewAppError(types.ErrCodeDuplicateSnapshot, "duplicate", nil)
	}
	cp := *snap
	s.snaps[key] = &cp
	return nil
}

func (s *fakeSnapshotStore) GetSnapshot(_ context.Context, accountID string, anchor time.Time) (*types.BillingSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.snaps[types.SnapshotIdempotencyKey(accountID, anchor)]
	if !ok {
		return nil, types.NewAppError(types.ErrCodeNotFoundSnapshot, "not found", nil)
	}
	cp := *snap
	return &cp, nil
}

func (s *fakeSnapshotStore) byID(id string) *types.BillingSnapshot {
	for _, snap := range s.snaps {
		if snap.ID == id {
			return snap
		}
	}
	return nil
}

func (s *fakeSnapshotStore) byInvoice(invoiceID string) *types.BillingSnapshot {
	for _, snap := range s.snaps {
		if snap.ExternalInvoiceID == invoiceID {
			return snap
		}
	}
	return nil
}

func (s *fakeSnapshotStore) MarkInvoiced(_ context.Context, id, invoiceID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := s.byID(id)
	snap.Status = types.SnapshotInvoiced
	snap.ExternalInvoiceID = invoiceID
	snap.UpdatedAt = at
	return nil
}

func (s *fakeSnapshotStore) MarkFailed(_ context.Context, id, reason string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := s.byID(id)
	snap.Status = types.SnapshotFailed
	snap.FailureReason = reason
	snap.UpdatedAt = at
	return nil
}

func (s *fakeSnapshotStore) ListPending(_ context.Context, before time.Time, limit int) ([]types.BillingSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []types.BillingSnapshot
	for _, snap := range s.snaps {
		if snap.Status == types.SnapshotPending && snap.CreatedAt.Before(before) {
			out = append(out, *snap)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *fakeSnapshotStore) MarkPaidByInvoice(_ context.Context, invoiceID string, at time.Time) (*types.BillingSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := s.byInvoice(invoiceID)
	if snap == nil {
		return nil, types.NewAppError(types.ErrCodeNotFoundSnapshot, "not found", nil)
	}
	snap.Status = types.SnapshotPaid
	snap.UpdatedAt = at
	cp := *snap
	return &cp, nil
}

func (s *fakeSnapshotStore) MarkFailedByInvoice(_ context.Context, invoiceID, reason string, at time.Time) (*types.BillingSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := s.byInvoice(invoiceID)
	if snap == nil {
		return nil, types.NewAppError(types.ErrCodeNotFoundSnapshot, "not found", nil)
	}
	snap.Status = types.SnapshotFailed
	snap.FailureReason = reason
	snap.UpdatedAt = at
	cp := *snap
	return &cp, nil
}

func (s *fakeSnapshotStore) ListSnapshots(_ context.Context, accountID string, before *time.Time, limit int) ([]types.BillingSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []types.BillingSnapshot
	for _, snap := range s.snaps {
		if snap.AccountID != accountID {
			continue
		}
		if before != nil && !snap.CycleAnchor.Before(*before) {
			continue
		}
		out = append(out, *snap)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CycleAnchor.After(out[j].CycleAnchor) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// --- Tier history ---

type fakeTierHistory struct {
	mu      sync.Mutex
	records []types.TransitionRecord
}

func (h *fakeTierHistory) RecordTransition(_ context.Context, rec types.TransitionRecord) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.records = append(h.records, rec)
	return nil
}

func (h *fakeTierHistory) TransitionBefore(_ context.Context, accountID string, at time.Time) (*types.TransitionRecord, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	var latest *types.TransitionRecord
	for i := range h.records {
		rec := h.records[i]
		if rec.AccountID != accountID || !rec.OccurredAt.Before(at) {
			continue
		}
		if latest == nil || !rec.OccurredAt.Before(latest.OccurredAt) {
			latest = &rec
		}
	}
	return latest, nil
}

// --- Processor ---

type mockProcessor struct {
	mock.Mock
}

func (m *mockProcessor) CreateInvoice(ctx context.Context, req InvoiceRequest) (*InvoiceResult, error) {
	args := m.Called(ctx, req)
	if r := args.Get(0); r != nil {
		return r.(*InvoiceResult), args.Error(1)
	}
	return nil, args.Error(1)
}

type mockCheckout struct {
	mock.Mock
}

func (m *mockCheckout) CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (string, error) {
	args := m.Called(ctx, req)
	return args.String(0), args.Error(1)
}

// --- Sinks ---

type recordingSink struct {
	mu      sync.Mutex
	records []types.TransitionRecord
}

func (r *recordingSink) RecordTransition(_ context.Context, rec types.TransitionRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, rec)
	return nil
}

type recordingFailures struct {
	mu       sync.Mutex
	accounts []string
}

func (r *recordingFailures) HandlePaymentFailure(_ context.Context, accountID string, _ time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.accounts = append(r.accounts, accountID)
	return nil
}

func activeSub(accountID string, tier types.TierName, anchor time.Time) types.Subscription {
	return types.Subscription{
		AccountID:          accountID,
		State:              types.StateActive,
		Tier:               tier,
		Interval:           types.IntervalMonthly,
		CycleAnchor:        anchor,
		ExternalCustomerID: "cus_" + accountID,
		HasPaymentMethod:   true,
		Version:            1,
	}
}

func testResolver(subs SubscriptionReader, clock types.Clock) *EntitlementResolver {
	return NewEntitlementResolver(subs, MustDefaultCatalog(), clock, 7*24*time.Hour, nil)
}
