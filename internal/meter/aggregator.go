package meter

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/wopr/platform/internal/store"
)

// DefaultWindow is the aggregation window size.
const DefaultWindow = 60 * time.Second

// Aggregator folds raw meter rows into per-window usage summaries and
// the monthly billing-period rollup. Idempotent: summaries are additive
// upserts keyed on the group tuple, and only rows strictly newer than
// the watermark are read.
type Aggregator struct {
	meter   store.MeterRepo
	summary store.SummaryRepo
	window  time.Duration

	done chan struct{}
	wg   sync.WaitGroup
}

func NewAggregator(meter store.MeterRepo, summary store.SummaryRepo, window time.Duration) *Aggregator {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Aggregator{
		meter:   meter,
		summary: summary,
		window:  window,
		done:    make(chan struct{}),
	}
}

// Start runs the aggregation loop until Stop.
func (a *Aggregator) Start() {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ticker := time.NewTicker(a.window)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := a.RunOnce(context.Background(), time.Now().UTC()); err != nil {
					slog.Error("aggregation pass failed", "error", err)
				}
			case <-a.done:
				return
			}
		}
	}()
}

// Stop halts the loop and waits for an in-flight pass.
func (a *Aggregator) Stop() {
	close(a.done)
	a.wg.Wait()
}

type groupKey struct {
	tenant      string
	capability  string
	provider    string
	windowStart time.Time
}

// RunOnce aggregates meter rows in (watermark, now] and advances the
// watermark. Safe to call concurrently with emits: rows landing after
// the read are picked up next pass.
func (a *Aggregator) RunOnce(ctx context.Context, now time.Time) error {
	from, err := a.summary.Watermark(ctx)
	if err != nil {
		return err
	}
	to := now.UTC()
	if !to.After(from) {
		return nil
	}

	events, err := a.meter.ListWindow(ctx, from, to)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		return a.summary.SetWatermark(ctx, to)
	}

	groups := map[groupKey]*store.UsageSummary{}
	for _, ev := range events {
		key := groupKey{
			tenant:      ev.TenantID,
			capability:  ev.Capability,
			provider:    ev.Provider,
			windowStart: ev.Timestamp.UTC().Truncate(a.window),
		}
		g, ok := groups[key]
		if !ok {
			g = &store.UsageSummary{
				TenantID:    key.tenant,
				Capability:  key.capability,
				Provider:    key.provider,
				WindowStart: key.windowStart,
			}
			groups[key] = g
		}
		g.EventCount++
		g.TotalCostRaw += ev.CostRaw
		g.TotalChargeRaw += ev.ChargeRaw
		if ev.DurationMS.Valid {
			g.TotalDurationMS += ev.DurationMS.Int64
		}
	}

	for _, g := range groups {
		if err := a.summary.UpsertWindow(ctx, g); err != nil {
			return err
		}
		if err := a.summary.UpsertPeriod(ctx, g, PeriodStart(g.WindowStart)); err != nil {
			return err
		}
	}
	if err := a.summary.SetWatermark(ctx, to); err != nil {
		return err
	}
	slog.Debug("aggregation pass", "events", len(events), "groups", len(groups), "watermark", to)
	return nil
}

// PeriodStart returns the first instant of the billing period (calendar
// month, UTC) containing t.
func PeriodStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}
