package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/wopr/platform/internal/platform"
)

type rateLimitRepo struct {
	db *sqlx.DB
}

func (r *rateLimitRepo) Incr(ctx context.Context, scope, key string, windowStart time.Time) (int, error) {
	var count int
	err := r.db.GetContext(ctx, &count, `
		INSERT INTO rate_limit_counters (scope, key, window_start, count)
		VALUES ($1, $2, $3, 1)
		ON CONFLICT (scope, key, window_start)
		DO UPDATE SET count = rate_limit_counters.count + 1
		RETURNING count`, scope, key, windowStart)
	return count, err
}

func (r *rateLimitRepo) PurgeBefore(ctx context.Context, cutoff time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM rate_limit_counters WHERE window_start < $1`, cutoff)
	return err
}

type breakerRepo struct {
	db *sqlx.DB
}

func (r *breakerRepo) Get(ctx context.Context, instanceID string) (*BreakerState, error) {
	var s BreakerState
	err := r.db.GetContext(ctx, &s,
		`SELECT * FROM circuit_breaker_state WHERE instance_id = $1`, instanceID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *breakerRepo) Upsert(ctx context.Context, s *BreakerState) error {
	_, err := r.db.NamedExecContext(ctx, `
		INSERT INTO circuit_breaker_state (instance_id, count, window_start, tripped_at)
		VALUES (:instance_id, :count, :window_start, :tripped_at)
		ON CONFLICT (instance_id) DO UPDATE SET
			count        = EXCLUDED.count,
			window_start = EXCLUDED.window_start,
			tripped_at   = EXCLUDED.tripped_at`, s)
	return err
}

type spendingRepo struct {
	db *sqlx.DB
}

type spendingRow struct {
	TenantID         string        `db:"tenant_id"`
	GlobalAlertRaw   sql.NullInt64 `db:"global_alert_raw"`
	GlobalHardCapRaw sql.NullInt64 `db:"global_hard_cap_raw"`
	PerCapability    []byte        `db:"per_capability"`
	AlertState       []byte        `db:"alert_state"`
}

func (r *spendingRepo) Get(ctx context.Context, tenantID string) (*SpendingLimits, error) {
	var row spendingRow
	err := r.db.GetContext(ctx, &row,
		`SELECT * FROM spending_limits WHERE tenant_id = $1`, tenantID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	out := &SpendingLimits{
		TenantID:         row.TenantID,
		GlobalAlertRaw:   row.GlobalAlertRaw,
		GlobalHardCapRaw: row.GlobalHardCapRaw,
		PerCapability:    map[string]CapLimit{},
		AlertState:       map[string]string{},
	}
	if len(row.PerCapability) > 0 {
		if err := json.Unmarshal(row.PerCapability, &out.PerCapability); err != nil {
			return nil, err
		}
	}
	if len(row.AlertState) > 0 {
		if err := json.Unmarshal(row.AlertState, &out.AlertState); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (r *spendingRepo) Upsert(ctx context.Context, l *SpendingLimits) error {
	perCap, err := json.Marshal(l.PerCapability)
	if err != nil {
		return err
	}
	alertState, err := json.Marshal(l.AlertState)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO spending_limits
			(tenant_id, global_alert_raw, global_hard_cap_raw, per_capability, alert_state)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (tenant_id) DO UPDATE SET
			global_alert_raw    = EXCLUDED.global_alert_raw,
			global_hard_cap_raw = EXCLUDED.global_hard_cap_raw,
			per_capability      = EXCLUDED.per_capability,
			alert_state         = EXCLUDED.alert_state`,
		l.TenantID, l.GlobalAlertRaw, l.GlobalHardCapRaw, perCap, alertState)
	return err
}

type serviceKeyRepo struct {
	db *sqlx.DB
}

func (r *serviceKeyRepo) Create(ctx context.Context, k *ServiceKey) error {
	_, err := r.db.NamedExecContext(ctx, `
		INSERT INTO service_keys (key_id, tenant_id, name, secret_hash, active)
		VALUES (:key_id, :tenant_id, :name, :secret_hash, :active)`, k)
	return err
}

func (r *serviceKeyRepo) GetByKeyID(ctx context.Context, keyID string) (*ServiceKey, error) {
	var k ServiceKey
	err := r.db.GetContext(ctx, &k, `SELECT * FROM service_keys WHERE key_id = $1`, keyID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, platform.E(platform.KindAuth, "unknown service key")
	}
	if err != nil {
		return nil, err
	}
	return &k, nil
}

func (r *serviceKeyRepo) Deactivate(ctx context.Context, keyID string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE service_keys SET active = false WHERE key_id = $1`, keyID)
	return err
}

type providerHealthRepo struct {
	db *sqlx.DB
}

func (r *providerHealthRepo) SetOverride(ctx context.Context, h *ProviderHealth) error {
	_, err := r.db.NamedExecContext(ctx, `
		INSERT INTO provider_health (provider, capability, healthy, reason, expires_at)
		VALUES (:provider, :capability, :healthy, :reason, :expires_at)
		ON CONFLICT (provider, capability) DO UPDATE SET
			healthy    = EXCLUDED.healthy,
			reason     = EXCLUDED.reason,
			expires_at = EXCLUDED.expires_at`, h)
	return err
}

func (r *providerHealthRepo) Healthy(ctx context.Context, provider, capability string) (bool, error) {
	var healthy bool
	err := r.db.GetContext(ctx, &healthy, `
		SELECT healthy FROM provider_health
		WHERE provider = $1 AND capability = $2 AND expires_at > now()`,
		provider, capability)
	if errors.Is(err, sql.ErrNoRows) {
		// No unexpired override: healthy by default (auto-healing).
		return true, nil
	}
	return healthy, err
}

func (r *providerHealthRepo) ListActive(ctx context.Context) ([]ProviderHealth, error) {
	var out []ProviderHealth
	err := r.db.SelectContext(ctx, &out,
		`SELECT * FROM provider_health WHERE expires_at > now() ORDER BY provider`)
	return out, err
}
