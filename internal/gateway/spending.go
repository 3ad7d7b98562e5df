package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/wopr/platform/internal/credit"
	"github.com/wopr/platform/internal/metrics"
	"github.com/wopr/platform/internal/notify"
	"github.com/wopr/platform/internal/platform"
	"github.com/wopr/platform/internal/store"
)

// ProbeCost is the minimum headroom a request must have under every
// hard cap before the gateway forwards it.
var ProbeCost = credit.FromCents(1)

// SpendChecker enforces per-tenant spending caps. Spend is the
// aggregated summaries plus the live meter window past the aggregator
// watermark, so a burst between aggregation runs still counts.
type SpendChecker struct {
	limits   store.SpendingRepo
	summary  store.SummaryRepo
	meter    store.MeterRepo
	notifier *notify.Notifier
	met      *metrics.Metrics
}

func NewSpendChecker(limits store.SpendingRepo, summary store.SummaryRepo, meter store.MeterRepo, notifier *notify.Notifier, met *metrics.Metrics) *SpendChecker {
	return &SpendChecker{limits: limits, summary: summary, meter: meter, notifier: notifier, met: met}
}

// Check returns a spending-cap error when any hard cap leaves less than
// ProbeCost of headroom. Alert thresholds notify at most once per UTC
// day per threshold and never block.
func (c *SpendChecker) Check(ctx context.Context, tenantID, capability string) error {
	l, err := c.limits.Get(ctx, tenantID)
	if err != nil {
		return err
	}
	if l == nil {
		return nil
	}

	now := time.Now().UTC()
	dayStart := now.Truncate(24 * time.Hour)
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)

	watermark, err := c.summary.Watermark(ctx)
	if err != nil {
		return err
	}
	daySpent, err := c.spentSince(ctx, tenantID, dayStart, watermark, true)
	if err != nil {
		return err
	}
	monthSpent, err := c.spentSince(ctx, tenantID, monthStart, watermark, false)
	if err != nil {
		return err
	}

	if l.GlobalHardCapRaw.Valid {
		cap := credit.MustRaw(l.GlobalHardCapRaw.Int64)
		if daySpent.Add(ProbeCost).Cmp(cap) > 0 {
			return c.block("daily", cap, daySpent)
		}
		if monthSpent.Add(ProbeCost).Cmp(cap) > 0 {
			return c.block("monthly", cap, monthSpent)
		}
	}
	if capability != "" {
		if cl, ok := l.PerCapability[capability]; ok && cl.HardCapRaw != nil {
			capSpent, err := c.summary.PeriodChargeByCapability(ctx, tenantID, capability, monthStart)
			if err != nil {
				return err
			}
			cap := credit.MustRaw(*cl.HardCapRaw)
			if capSpent.Add(ProbeCost).Cmp(cap) > 0 {
				return c.block("capability", cap, capSpent)
			}
			if cl.AlertAtRaw != nil && capSpent.Cmp(credit.MustRaw(*cl.AlertAtRaw)) > 0 {
				c.alert(ctx, l, "cap:"+capability, capSpent, credit.MustRaw(*cl.AlertAtRaw), now)
			}
		}
	}
	if l.GlobalAlertRaw.Valid {
		alertAt := credit.MustRaw(l.GlobalAlertRaw.Int64)
		if daySpent.Cmp(alertAt) > 0 {
			c.alert(ctx, l, "global:daily", daySpent, alertAt, now)
		}
		if monthSpent.Cmp(alertAt) > 0 {
			c.alert(ctx, l, "global:monthly", monthSpent, alertAt, now)
		}
	}
	return nil
}

// spentSince sums the tenant's charge from `from` until now: aggregated
// summaries up to the watermark plus raw meter rows past it.
func (c *SpendChecker) spentSince(ctx context.Context, tenantID string, from, watermark time.Time, daily bool) (credit.Credit, error) {
	var aggregated credit.Credit
	var err error
	if daily {
		aggregated, err = c.summary.WindowCharge(ctx, tenantID, from)
	} else {
		aggregated, err = c.summary.PeriodCharge(ctx, tenantID, from)
	}
	if err != nil {
		return credit.Credit{}, err
	}
	liveFrom := watermark
	if from.After(liveFrom) {
		liveFrom = from
	}
	live, err := c.meter.SpentSince(ctx, tenantID, liveFrom)
	if err != nil {
		return credit.Credit{}, err
	}
	return aggregated.Add(live), nil
}

func (c *SpendChecker) block(scope string, cap, spent credit.Credit) error {
	if c.met != nil {
		c.met.SpendingBlocks.WithLabelValues(scope).Inc()
	}
	return platform.Ef(platform.KindSpendingCap, "%s spending cap exceeded", scope).
		WithDetails(map[string]interface{}{
			"scope": scope,
			"cap":   cap.Raw(),
			"spent": spent.Raw(),
		})
}

// alert notifies once per UTC day per threshold key, remembering the
// last alert day in the limits row.
func (c *SpendChecker) alert(ctx context.Context, l *store.SpendingLimits, key string, spent, threshold credit.Credit, now time.Time) {
	day := now.Format("2006-01-02")
	if l.AlertState == nil {
		l.AlertState = map[string]string{}
	}
	if l.AlertState[key] == day {
		return
	}
	l.AlertState[key] = day
	if err := c.limits.Upsert(ctx, l); err != nil {
		slog.Warn("spending alert state not persisted", "tenant", l.TenantID, "key", key, "error", err)
		return
	}
	if c.notifier != nil {
		c.notifier.Notify("warning", "spending alert",
			fmt.Sprintf("tenant %s crossed %s threshold (%s spent, alert at %s)", l.TenantID, key, spent, threshold),
			map[string]interface{}{"tenant": l.TenantID, "threshold": key, "spentRaw": spent.Raw()})
	}
}
