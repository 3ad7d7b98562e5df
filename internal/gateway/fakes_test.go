package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/wopr/platform/internal/credit"
	"github.com/wopr/platform/internal/platform"
	"github.com/wopr/platform/internal/store"
)

type fakeKeyRepo struct {
	mu   sync.Mutex
	keys map[string]*store.ServiceKey
}

func newFakeKeyRepo() *fakeKeyRepo {
	return &fakeKeyRepo{keys: map[string]*store.ServiceKey{}}
}

func (f *fakeKeyRepo) Create(_ context.Context, k *store.ServiceKey) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *k
	f.keys[k.KeyID] = &cp
	return nil
}

func (f *fakeKeyRepo) GetByKeyID(_ context.Context, keyID string) (*store.ServiceKey, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	k, ok := f.keys[keyID]
	if !ok {
		return nil, platform.E(platform.KindAuth, "unknown service key")
	}
	cp := *k
	return &cp, nil
}

func (f *fakeKeyRepo) Deactivate(_ context.Context, keyID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if k, ok := f.keys[keyID]; ok {
		k.Active = false
	}
	return nil
}

type fakeRateRepo struct {
	mu     sync.Mutex
	counts map[string]int
}

func newFakeRateRepo() *fakeRateRepo { return &fakeRateRepo{counts: map[string]int{}} }

func (f *fakeRateRepo) Incr(_ context.Context, scope, key string, windowStart time.Time) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := scope + "|" + key + "|" + windowStart.Format(time.RFC3339)
	f.counts[k]++
	return f.counts[k], nil
}

func (f *fakeRateRepo) PurgeBefore(context.Context, time.Time) error { return nil }

type fakeBreakerRepo struct {
	mu     sync.Mutex
	states map[string]*store.BreakerState
}

func newFakeBreakerRepo() *fakeBreakerRepo {
	return &fakeBreakerRepo{states: map[string]*store.BreakerState{}}
}

func (f *fakeBreakerRepo) Get(_ context.Context, instanceID string) (*store.BreakerState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.states[instanceID]
	if !ok {
		return nil, nil
	}
	cp := *s
	return &cp, nil
}

func (f *fakeBreakerRepo) Upsert(_ context.Context, s *store.BreakerState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *s
	f.states[s.InstanceID] = &cp
	return nil
}

type fakeSpendingRepo struct {
	mu     sync.Mutex
	limits map[string]*store.SpendingLimits
}

func newFakeSpendingRepo() *fakeSpendingRepo {
	return &fakeSpendingRepo{limits: map[string]*store.SpendingLimits{}}
}

func (f *fakeSpendingRepo) Get(_ context.Context, tenantID string) (*store.SpendingLimits, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.limits[tenantID]
	if !ok {
		return nil, nil
	}
	cp := *l
	return &cp, nil
}

func (f *fakeSpendingRepo) Upsert(_ context.Context, l *store.SpendingLimits) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *l
	f.limits[l.TenantID] = &cp
	return nil
}

type fakeSummaryRepo struct {
	watermark     time.Time
	dayCharge     credit.Credit
	monthCharge   credit.Credit
	capCharge     map[string]credit.Credit
	upsertWindows []*store.UsageSummary
}

func (f *fakeSummaryRepo) UpsertWindow(_ context.Context, s *store.UsageSummary) error {
	f.upsertWindows = append(f.upsertWindows, s)
	return nil
}
func (f *fakeSummaryRepo) UpsertPeriod(context.Context, *store.UsageSummary, time.Time) error {
	return nil
}
func (f *fakeSummaryRepo) Watermark(context.Context) (time.Time, error) { return f.watermark, nil }
func (f *fakeSummaryRepo) SetWatermark(context.Context, time.Time) error {
	return nil
}
func (f *fakeSummaryRepo) PeriodCharge(context.Context, string, time.Time) (credit.Credit, error) {
	return f.monthCharge, nil
}
func (f *fakeSummaryRepo) PeriodChargeByCapability(_ context.Context, _, capability string, _ time.Time) (credit.Credit, error) {
	return f.capCharge[capability], nil
}
func (f *fakeSummaryRepo) WindowCharge(context.Context, string, time.Time) (credit.Credit, error) {
	return f.dayCharge, nil
}

type fakeMeterRepo struct {
	liveSpend credit.Credit
}

func (f *fakeMeterRepo) InsertBatch(context.Context, []*store.MeterEvent) error { return nil }
func (f *fakeMeterRepo) ListWindow(context.Context, time.Time, time.Time) ([]store.MeterEvent, error) {
	return nil, nil
}
func (f *fakeMeterRepo) SpentSince(context.Context, string, time.Time) (credit.Credit, error) {
	return f.liveSpend, nil
}

type fakeHealthRepo struct {
	mu        sync.Mutex
	overrides map[string]*store.ProviderHealth
}

func newFakeHealthRepo() *fakeHealthRepo {
	return &fakeHealthRepo{overrides: map[string]*store.ProviderHealth{}}
}

func (f *fakeHealthRepo) SetOverride(_ context.Context, h *store.ProviderHealth) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *h
	f.overrides[h.Provider+":"+h.Capability] = &cp
	return nil
}

func (f *fakeHealthRepo) Healthy(_ context.Context, provider, capability string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	h, ok := f.overrides[provider+":"+capability]
	if !ok || time.Now().After(h.ExpiresAt) {
		return true, nil
	}
	return h.Healthy, nil
}

func (f *fakeHealthRepo) ListActive(context.Context) ([]store.ProviderHealth, error) {
	return nil, nil
}

type fakeSeenRepo struct {
	mu   sync.Mutex
	seen map[string]bool
}

func newFakeSeenRepo() *fakeSeenRepo { return &fakeSeenRepo{seen: map[string]bool{}} }

func (f *fakeSeenRepo) MarkSeen(_ context.Context, eventID, source string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seen[eventID+"|"+source] = true
	return nil
}

func (f *fakeSeenRepo) IsDuplicate(_ context.Context, eventID, source string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.seen[eventID+"|"+source], nil
}

func (f *fakeSeenRepo) PurgeExpired(context.Context, time.Duration) (int64, error) {
	return 0, nil
}

type fakeMeter struct {
	mu     sync.Mutex
	events []*store.MeterEvent
}

func (f *fakeMeter) Emit(ev *store.MeterEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
}

type debitCall struct {
	tenantID string
	amount   credit.Credit
	refID    string
}

type fakeLedger struct {
	mu     sync.Mutex
	debits []debitCall
}

func (f *fakeLedger) DebitUnchecked(_ context.Context, tenantID string, amount credit.Credit, _ store.TransactionType, _, referenceID string) (*store.LedgerTransaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.debits = append(f.debits, debitCall{tenantID: tenantID, amount: amount, refID: referenceID})
	return &store.LedgerTransaction{ID: "tx", TenantID: tenantID}, nil
}
