// Package billing ties bots to tenant credit: daily runtime charges,
// suspension when credit runs out, reactivation when it comes back.
package billing

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/wopr/platform/internal/audit"
	"github.com/wopr/platform/internal/credit"
	"github.com/wopr/platform/internal/ledger"
	"github.com/wopr/platform/internal/platform"
	"github.com/wopr/platform/internal/store"
)

// DefaultPerBotDaily is the runtime charge per active bot per day.
var DefaultPerBotDaily = credit.FromCents(17)

// RuntimeResult summarizes one daily runtime cron run.
type RuntimeResult struct {
	Processed int      `json:"processed"`
	Debited   []string `json:"debited"`
	Suspended []string `json:"suspended"`
}

// Service owns bot billing state and the daily runtime charge.
type Service struct {
	bots        store.BotBillingRepo
	addons      store.AddonRepo
	ledger      *ledger.Service
	audit       *audit.Recorder
	perBotDaily credit.Credit

	cron *cron.Cron
}

func NewService(bots store.BotBillingRepo, addons store.AddonRepo, led *ledger.Service, rec *audit.Recorder, perBotDaily credit.Credit) *Service {
	if perBotDaily.IsZero() {
		perBotDaily = DefaultPerBotDaily
	}
	return &Service{
		bots:        bots,
		addons:      addons,
		ledger:      led,
		audit:       rec,
		perBotDaily: perBotDaily,
	}
}

// RegisterBot records a bot under its tenant, starting active.
func (s *Service) RegisterBot(ctx context.Context, botID, tenantID, name string) error {
	if botID == "" || tenantID == "" {
		return platform.E(platform.KindValidation, "botId and tenantId are required")
	}
	return s.bots.Register(ctx, &store.BotBilling{
		BotID:        botID,
		TenantID:     tenantID,
		Name:         name,
		BillingState: store.BillingActive,
	})
}

// SuspendAllForTenant flips every bot of the tenant to suspended and
// returns the ids that changed.
func (s *Service) SuspendAllForTenant(ctx context.Context, tenantID string) ([]string, error) {
	ids, err := s.bots.SetStateForTenant(ctx, tenantID, store.BillingSuspended)
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		s.audit.Record(ctx, "billing", "bot.suspended", id, map[string]interface{}{"tenant": tenantID})
	}
	if len(ids) > 0 {
		slog.Info("bots suspended", "tenant", tenantID, "count", len(ids))
	}
	return ids, nil
}

// CheckReactivation flips the tenant's suspended bots back to active
// when the balance is positive again. Returns the reactivated ids.
func (s *Service) CheckReactivation(ctx context.Context, tenantID string) ([]string, error) {
	suspended, err := s.bots.ListByTenant(ctx, tenantID, store.BillingSuspended)
	if err != nil {
		return nil, err
	}
	if len(suspended) == 0 {
		return nil, nil
	}
	bal, err := s.ledger.Balance(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if !bal.IsPositive() {
		return nil, nil
	}
	ids, err := s.bots.SetStateForTenant(ctx, tenantID, store.BillingActive)
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		s.audit.Record(ctx, "billing", "bot.reactivated", id, map[string]interface{}{"tenant": tenantID})
	}
	if len(ids) > 0 {
		slog.Info("bots reactivated", "tenant", tenantID, "count", len(ids))
	}
	return ids, nil
}

// RunDailyRuntime charges every tenant with active bots for the day.
// The reference id is deterministic per tenant and day so reruns are
// idempotent.
func (s *Service) RunDailyRuntime(ctx context.Context, day time.Time) (*RuntimeResult, error) {
	counts, err := s.bots.ActiveCounts(ctx)
	if err != nil {
		return nil, err
	}
	res := &RuntimeResult{}
	date := day.UTC().Format("2006-01-02")

	for tenantID, n := range counts {
		res.Processed++
		cost := s.dailyCost(ctx, tenantID, n)
		refID := fmt.Sprintf("runtime:%s:%s", tenantID, date)
		desc := fmt.Sprintf("daily runtime for %d bot(s)", n)

		_, err := s.ledger.Debit(ctx, tenantID, cost, store.TxBotRuntime, desc, refID)
		if err == nil {
			res.Debited = append(res.Debited, tenantID)
			continue
		}
		if platform.KindOf(err) != platform.KindInsufficientBalance {
			slog.Error("runtime debit failed", "tenant", tenantID, "error", err)
			continue
		}

		// Partial debit: take whatever is left, clamped at zero, under
		// the same reference id, then suspend the tenant's bots.
		bal, berr := s.ledger.Balance(ctx, tenantID)
		if berr == nil && bal.IsPositive() {
			if _, derr := s.ledger.Debit(ctx, tenantID, bal, store.TxBotRuntime, desc+" (partial)", refID); derr != nil {
				slog.Error("partial runtime debit failed", "tenant", tenantID, "error", derr)
			}
		}
		if _, serr := s.SuspendAllForTenant(ctx, tenantID); serr != nil {
			slog.Error("suspend after runtime shortfall failed", "tenant", tenantID, "error", serr)
			continue
		}
		res.Suspended = append(res.Suspended, tenantID)
	}
	slog.Info("runtime cron finished",
		"processed", res.Processed, "debited", len(res.Debited), "suspended", len(res.Suspended))
	return res, nil
}

func (s *Service) dailyCost(ctx context.Context, tenantID string, activeBots int) credit.Credit {
	cost := credit.Zero
	for i := 0; i < activeBots; i++ {
		cost = cost.Add(s.perBotDaily)
	}
	addons, err := s.addons.EnabledByTenant(ctx, tenantID)
	if err != nil {
		slog.Warn("add-on lookup failed, charging base runtime only", "tenant", tenantID, "error", err)
		return cost
	}
	for _, a := range addons {
		cost = cost.Add(credit.MustRaw(a.DailyCostRaw))
	}
	return cost
}

// ReactivationSweep runs CheckReactivation for every tenant that still
// has suspended bots. The schedule backstops the onCredit hook.
func (s *Service) ReactivationSweep(ctx context.Context) {
	tenants, err := s.bots.TenantsWithSuspendedBots(ctx)
	if err != nil {
		slog.Error("reactivation sweep failed", "error", err)
		return
	}
	for _, tenantID := range tenants {
		if _, err := s.CheckReactivation(ctx, tenantID); err != nil {
			slog.Error("reactivation check failed", "tenant", tenantID, "error", err)
		}
	}
}

// Start schedules the daily runtime charge and the reactivation sweep.
func (s *Service) Start(ctx context.Context) error {
	s.cron = cron.New(cron.WithLocation(time.UTC))
	if _, err := s.cron.AddFunc("10 0 * * *", func() {
		if _, err := s.RunDailyRuntime(ctx, time.Now().UTC()); err != nil {
			slog.Error("runtime cron failed", "error", err)
		}
	}); err != nil {
		return err
	}
	if _, err := s.cron.AddFunc("*/5 * * * *", func() {
		s.ReactivationSweep(ctx)
	}); err != nil {
		return err
	}
	s.cron.Start()
	return nil
}

// Stop halts the cron schedules and waits for running jobs.
func (s *Service) Stop() {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
}
