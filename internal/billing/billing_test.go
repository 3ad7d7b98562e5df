package billing

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wopr/platform/internal/credit"
	"github.com/wopr/platform/internal/ledger"
	"github.com/wopr/platform/internal/platform"
	"github.com/wopr/platform/internal/store"
)

type fakeBotBillingRepo struct {
	mu   sync.Mutex
	bots map[string]*store.BotBilling
}

func newFakeBots() *fakeBotBillingRepo {
	return &fakeBotBillingRepo{bots: map[string]*store.BotBilling{}}
}

func (f *fakeBotBillingRepo) Register(_ context.Context, b *store.BotBilling) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *b
	f.bots[b.BotID] = &cp
	return nil
}

func (f *fakeBotBillingRepo) Get(_ context.Context, botID string) (*store.BotBilling, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.bots[botID]
	if !ok {
		return nil, platform.E(platform.KindNotFound, "not found")
	}
	cp := *b
	return &cp, nil
}

func (f *fakeBotBillingRepo) ListByTenant(_ context.Context, tenantID string, state store.BillingState) ([]store.BotBilling, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.BotBilling
	for _, b := range f.bots {
		if b.TenantID == tenantID && b.BillingState == state {
			out = append(out, *b)
		}
	}
	return out, nil
}

func (f *fakeBotBillingRepo) SetStateForTenant(_ context.Context, tenantID string, state store.BillingState) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var changed []string
	for _, b := range f.bots {
		if b.TenantID == tenantID && b.BillingState != state {
			b.BillingState = state
			changed = append(changed, b.BotID)
		}
	}
	return changed, nil
}

func (f *fakeBotBillingRepo) ActiveCounts(_ context.Context) (map[string]int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := map[string]int{}
	for _, b := range f.bots {
		if b.BillingState == store.BillingActive {
			out[b.TenantID]++
		}
	}
	return out, nil
}

func (f *fakeBotBillingRepo) TenantsWithSuspendedBots(_ context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	seen := map[string]bool{}
	var out []string
	for _, b := range f.bots {
		if b.BillingState == store.BillingSuspended && !seen[b.TenantID] {
			seen[b.TenantID] = true
			out = append(out, b.TenantID)
		}
	}
	return out, nil
}

type fakeAddonRepo struct {
	addons map[string][]store.TenantAddon
}

func (f *fakeAddonRepo) EnabledByTenant(_ context.Context, tenantID string) ([]store.TenantAddon, error) {
	return f.addons[tenantID], nil
}

// fakeLedgerRepo reuses the ledger package's contract in memory.
type fakeLedgerRepo struct {
	mu   sync.Mutex
	rows []store.LedgerTransaction
}

func (f *fakeLedgerRepo) Append(_ context.Context, t *store.LedgerTransaction, enforce bool) (*store.LedgerTransaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if t.ReferenceID.Valid {
		for i := range f.rows {
			if f.rows[i].ReferenceID.Valid && f.rows[i].ReferenceID.String == t.ReferenceID.String {
				existing := f.rows[i]
				return &existing, nil
			}
		}
	}
	if enforce {
		var sum int64
		for _, r := range f.rows {
			if r.TenantID == t.TenantID {
				sum += r.DeltaRaw
			}
		}
		if sum+t.DeltaRaw < 0 {
			return nil, platform.E(platform.KindInsufficientBalance, "insufficient balance")
		}
	}
	f.rows = append(f.rows, *t)
	return t, nil
}

func (f *fakeLedgerRepo) SumDeltas(_ context.Context, tenantID string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var sum int64
	for _, r := range f.rows {
		if r.TenantID == tenantID {
			sum += r.DeltaRaw
		}
	}
	return sum, nil
}

func (f *fakeLedgerRepo) History(context.Context, string, store.TransactionType, int, int) ([]store.LedgerTransaction, error) {
	return nil, nil
}

func (f *fakeLedgerRepo) HasReference(_ context.Context, referenceID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.rows {
		if r.ReferenceID.Valid && r.ReferenceID.String == referenceID {
			return true, nil
		}
	}
	return false, nil
}

func newTestBilling(addons map[string][]store.TenantAddon) (*Service, *fakeBotBillingRepo, *ledger.Service) {
	bots := newFakeBots()
	led := ledger.NewService(&fakeLedgerRepo{}, store.NopBalanceCache{}, nil)
	svc := NewService(bots, &fakeAddonRepo{addons: addons}, led, nil, credit.FromCents(17))
	return svc, bots, led
}

func TestRuntimeCronDebitsActiveTenants(t *testing.T) {
	svc, _, led := newTestBilling(nil)
	ctx := context.Background()

	require.NoError(t, svc.RegisterBot(ctx, "bot-1", "acme", "support"))
	require.NoError(t, svc.RegisterBot(ctx, "bot-2", "acme", "sales"))
	_, err := led.Credit(ctx, "acme", credit.FromDollars(1), store.TxPurchase, "", "")
	require.NoError(t, err)

	day := time.Date(2026, 8, 24, 0, 10, 0, 0, time.UTC)
	res, err := svc.RunDailyRuntime(ctx, day)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Processed)
	assert.Equal(t, []string{"acme"}, res.Debited)
	assert.Empty(t, res.Suspended)

	bal, err := led.Balance(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, credit.FromDollars(1).Sub(credit.FromCents(34)), bal)
}

func TestRuntimeCronIsIdempotentPerDay(t *testing.T) {
	svc, _, led := newTestBilling(nil)
	ctx := context.Background()

	require.NoError(t, svc.RegisterBot(ctx, "bot-1", "acme", ""))
	_, err := led.Credit(ctx, "acme", credit.FromDollars(1), store.TxPurchase, "", "")
	require.NoError(t, err)

	day := time.Date(2026, 8, 24, 0, 10, 0, 0, time.UTC)
	_, err = svc.RunDailyRuntime(ctx, day)
	require.NoError(t, err)
	_, err = svc.RunDailyRuntime(ctx, day)
	require.NoError(t, err)

	bal, err := led.Balance(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, credit.FromDollars(1).Sub(credit.FromCents(17)), bal, "rerun on the same day charges once")
}

func TestRuntimeCronAddsAddonCosts(t *testing.T) {
	addons := map[string][]store.TenantAddon{
		"acme": {{TenantID: "acme", Addon: "vector-store", DailyCostRaw: credit.FromCents(5).Raw(), Enabled: true}},
	}
	svc, _, led := newTestBilling(addons)
	ctx := context.Background()

	require.NoError(t, svc.RegisterBot(ctx, "bot-1", "acme", ""))
	_, err := led.Credit(ctx, "acme", credit.FromDollars(1), store.TxPurchase, "", "")
	require.NoError(t, err)

	_, err = svc.RunDailyRuntime(ctx, time.Date(2026, 8, 24, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)

	bal, _ := led.Balance(ctx, "acme")
	assert.Equal(t, credit.FromDollars(1).Sub(credit.FromCents(22)), bal)
}

func TestRuntimeShortfallSuspendsAndClampsToZero(t *testing.T) {
	svc, bots, led := newTestBilling(nil)
	ctx := context.Background()

	require.NoError(t, svc.RegisterBot(ctx, "bot-1", "acme", ""))
	_, err := led.Credit(ctx, "acme", credit.FromCents(10), store.TxSignupGrant, "", "")
	require.NoError(t, err)

	res, err := svc.RunDailyRuntime(ctx, time.Date(2026, 8, 24, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, []string{"acme"}, res.Suspended)
	assert.Empty(t, res.Debited)

	bal, _ := led.Balance(ctx, "acme")
	assert.True(t, bal.IsZero(), "partial debit drains the balance to exactly zero, got %s", bal)

	b, err := bots.Get(ctx, "bot-1")
	require.NoError(t, err)
	assert.Equal(t, store.BillingSuspended, b.BillingState)
}

func TestReactivationAfterCredit(t *testing.T) {
	svc, bots, led := newTestBilling(nil)
	ctx := context.Background()
	led.OnCredit(func(ctx context.Context, tenantID string) {
		_, _ = svc.CheckReactivation(ctx, tenantID)
	})

	require.NoError(t, svc.RegisterBot(ctx, "bot-1", "acme", ""))
	_, err := svc.SuspendAllForTenant(ctx, "acme")
	require.NoError(t, err)

	_, err = led.Credit(ctx, "acme", credit.FromDollars(5), store.TxPurchase, "topup", "")
	require.NoError(t, err)

	b, err := bots.Get(ctx, "bot-1")
	require.NoError(t, err)
	assert.Equal(t, store.BillingActive, b.BillingState, "credit hook reactivates suspended bots")
}

func TestReactivationSkipsZeroBalance(t *testing.T) {
	svc, bots, _ := newTestBilling(nil)
	ctx := context.Background()

	require.NoError(t, svc.RegisterBot(ctx, "bot-1", "acme", ""))
	_, err := svc.SuspendAllForTenant(ctx, "acme")
	require.NoError(t, err)

	ids, err := svc.CheckReactivation(ctx, "acme")
	require.NoError(t, err)
	assert.Empty(t, ids)

	b, _ := bots.Get(ctx, "bot-1")
	assert.Equal(t, store.BillingSuspended, b.BillingState)
}
