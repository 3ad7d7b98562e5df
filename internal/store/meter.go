package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/wopr/platform/internal/credit"
)

type meterRepo struct {
	db *sqlx.DB
}

func (r *meterRepo) InsertBatch(ctx context.Context, events []*MeterEvent) error {
	if len(events) == 0 {
		return nil
	}
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	// ON CONFLICT DO NOTHING: the WAL gives at-least-once delivery, the
	// event UUID dedupes at the table.
	const q = `
		INSERT INTO meter_events
			(id, tenant_id, cost_raw, charge_raw, capability, provider, ts,
			 session_id, duration_ms, usage_units, usage_unit_type, tier, metadata)
		VALUES
			(:id, :tenant_id, :cost_raw, :charge_raw, :capability, :provider, :ts,
			 :session_id, :duration_ms, :usage_units, :usage_unit_type, :tier, :metadata)
		ON CONFLICT (id) DO NOTHING`
	if _, err := tx.NamedExecContext(ctx, q, events); err != nil {
		return err
	}
	return tx.Commit()
}

func (r *meterRepo) ListWindow(ctx context.Context, from, to time.Time) ([]MeterEvent, error) {
	var out []MeterEvent
	err := r.db.SelectContext(ctx, &out, `
		SELECT * FROM meter_events
		WHERE ts > $1 AND ts <= $2
		ORDER BY ts`, from, to)
	return out, err
}

func (r *meterRepo) SpentSince(ctx context.Context, tenantID string, since time.Time) (credit.Credit, error) {
	var sum int64
	err := r.db.GetContext(ctx, &sum, `
		SELECT COALESCE(SUM(charge_raw), 0) FROM meter_events
		WHERE tenant_id = $1 AND ts > $2`, tenantID, since)
	if err != nil {
		return credit.Zero, err
	}
	return credit.MustRaw(sum), nil
}

type summaryRepo struct {
	db *sqlx.DB
}

func (r *summaryRepo) UpsertWindow(ctx context.Context, s *UsageSummary) error {
	_, err := r.db.NamedExecContext(ctx, `
		INSERT INTO usage_summaries
			(tenant_id, capability, provider, window_start,
			 event_count, total_cost_raw, total_charge_raw, total_duration_ms)
		VALUES
			(:tenant_id, :capability, :provider, :window_start,
			 :event_count, :total_cost_raw, :total_charge_raw, :total_duration_ms)
		ON CONFLICT (tenant_id, capability, provider, window_start) DO UPDATE SET
			event_count       = usage_summaries.event_count + EXCLUDED.event_count,
			total_cost_raw    = usage_summaries.total_cost_raw + EXCLUDED.total_cost_raw,
			total_charge_raw  = usage_summaries.total_charge_raw + EXCLUDED.total_charge_raw,
			total_duration_ms = usage_summaries.total_duration_ms + EXCLUDED.total_duration_ms`, s)
	return err
}

func (r *summaryRepo) UpsertPeriod(ctx context.Context, s *UsageSummary, periodStart time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO billing_period_summaries
			(tenant_id, capability, provider, period_start,
			 event_count, total_cost_raw, total_charge_raw, total_duration_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (tenant_id, capability, provider, period_start) DO UPDATE SET
			event_count       = billing_period_summaries.event_count + EXCLUDED.event_count,
			total_cost_raw    = billing_period_summaries.total_cost_raw + EXCLUDED.total_cost_raw,
			total_charge_raw  = billing_period_summaries.total_charge_raw + EXCLUDED.total_charge_raw,
			total_duration_ms = billing_period_summaries.total_duration_ms + EXCLUDED.total_duration_ms`,
		s.TenantID, s.Capability, s.Provider, periodStart,
		s.EventCount, s.TotalCostRaw, s.TotalChargeRaw, s.TotalDurationMS)
	return err
}

func (r *summaryRepo) Watermark(ctx context.Context) (time.Time, error) {
	var t time.Time
	err := r.db.GetContext(ctx, &t, `SELECT watermark FROM aggregator_state WHERE id = 1`)
	if errors.Is(err, sql.ErrNoRows) {
		// No row yet: start from zero time.
		return time.Time{}, nil
	}
	if err != nil {
		// A zero watermark on a transient failure would make the
		// aggregator re-fold the whole event table into the additive
		// summaries. Fail the cycle instead.
		return time.Time{}, err
	}
	return t, nil
}

func (r *summaryRepo) SetWatermark(ctx context.Context, t time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO aggregator_state (id, watermark) VALUES (1, $1)
		ON CONFLICT (id) DO UPDATE SET watermark = EXCLUDED.watermark`, t)
	return err
}

func (r *summaryRepo) PeriodCharge(ctx context.Context, tenantID string, periodStart time.Time) (credit.Credit, error) {
	var sum int64
	err := r.db.GetContext(ctx, &sum, `
		SELECT COALESCE(SUM(total_charge_raw), 0) FROM billing_period_summaries
		WHERE tenant_id = $1 AND period_start = $2`, tenantID, periodStart)
	if err != nil {
		return credit.Zero, err
	}
	return credit.MustRaw(sum), nil
}

func (r *summaryRepo) PeriodChargeByCapability(ctx context.Context, tenantID, capability string, periodStart time.Time) (credit.Credit, error) {
	var sum int64
	err := r.db.GetContext(ctx, &sum, `
		SELECT COALESCE(SUM(total_charge_raw), 0) FROM billing_period_summaries
		WHERE tenant_id = $1 AND capability = $2 AND period_start = $3`,
		tenantID, capability, periodStart)
	if err != nil {
		return credit.Zero, err
	}
	return credit.MustRaw(sum), nil
}

func (r *summaryRepo) WindowCharge(ctx context.Context, tenantID string, from time.Time) (credit.Credit, error) {
	var sum int64
	err := r.db.GetContext(ctx, &sum, `
		SELECT COALESCE(SUM(total_charge_raw), 0) FROM usage_summaries
		WHERE tenant_id = $1 AND window_start >= $2`, tenantID, from)
	if err != nil {
		return credit.Zero, err
	}
	return credit.MustRaw(sum), nil
}
