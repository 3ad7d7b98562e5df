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

type botBillingRepo struct {
	db *sqlx.DB
}

func (r *botBillingRepo) Register(ctx context.Context, b *BotBilling) error {
	now := time.Now().UTC()
	b.CreatedAt = now
	b.UpdatedAt = now
	if b.BillingState == "" {
		b.BillingState = BillingActive
	}
	_, err := r.db.NamedExecContext(ctx, `
		INSERT INTO bot_billing (bot_id, tenant_id, name, billing_state, created_at, updated_at)
		VALUES (:bot_id, :tenant_id, :name, :billing_state, :created_at, :updated_at)
		ON CONFLICT (bot_id) DO UPDATE SET
			name = EXCLUDED.name, updated_at = EXCLUDED.updated_at`, b)
	return err
}

func (r *botBillingRepo) Get(ctx context.Context, botID string) (*BotBilling, error) {
	var b BotBilling
	err := r.db.GetContext(ctx, &b, `SELECT * FROM bot_billing WHERE bot_id = $1`, botID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, platform.Ef(platform.KindNotFound, "bot billing %s not found", botID)
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func (r *botBillingRepo) ListByTenant(ctx context.Context, tenantID string, state BillingState) ([]BotBilling, error) {
	var out []BotBilling
	err := r.db.SelectContext(ctx, &out, `
		SELECT * FROM bot_billing
		WHERE tenant_id = $1 AND billing_state = $2
		ORDER BY bot_id`, tenantID, state)
	return out, err
}

func (r *botBillingRepo) SetStateForTenant(ctx context.Context, tenantID string, state BillingState) ([]string, error) {
	var suspendedAt interface{}
	if state == BillingSuspended {
		suspendedAt = time.Now().UTC()
	}
	var ids []string
	err := r.db.SelectContext(ctx, &ids, `
		UPDATE bot_billing
		SET billing_state = $1, suspended_at = $2, updated_at = now()
		WHERE tenant_id = $3 AND billing_state <> $1
		RETURNING bot_id`, state, suspendedAt, tenantID)
	return ids, err
}

func (r *botBillingRepo) ActiveCounts(ctx context.Context) (map[string]int, error) {
	rows, err := r.db.QueryxContext(ctx, `
		SELECT tenant_id, COUNT(*) FROM bot_billing
		WHERE billing_state = 'active'
		GROUP BY tenant_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string]int{}
	for rows.Next() {
		var tenant string
		var n int
		if err := rows.Scan(&tenant, &n); err != nil {
			return nil, err
		}
		out[tenant] = n
	}
	return out, rows.Err()
}

func (r *botBillingRepo) TenantsWithSuspendedBots(ctx context.Context) ([]string, error) {
	var out []string
	err := r.db.SelectContext(ctx, &out, `
		SELECT DISTINCT tenant_id FROM bot_billing
		WHERE billing_state = 'suspended' ORDER BY tenant_id`)
	return out, err
}

type addonRepo struct {
	db *sqlx.DB
}

func (r *addonRepo) EnabledByTenant(ctx context.Context, tenantID string) ([]TenantAddon, error) {
	var out []TenantAddon
	err := r.db.SelectContext(ctx, &out, `
		SELECT * FROM tenant_addons
		WHERE tenant_id = $1 AND enabled ORDER BY addon`, tenantID)
	return out, err
}

type webhookSeenRepo struct {
	db *sqlx.DB
}

func (r *webhookSeenRepo) MarkSeen(ctx context.Context, eventID, source string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO webhook_seen (event_id, source) VALUES ($1, $2)
		ON CONFLICT (event_id, source) DO NOTHING`, eventID, source)
	return err
}

func (r *webhookSeenRepo) IsDuplicate(ctx context.Context, eventID, source string) (bool, error) {
	var exists bool
	err := r.db.GetContext(ctx, &exists, `
		SELECT EXISTS (SELECT 1 FROM webhook_seen WHERE event_id = $1 AND source = $2)`,
		eventID, source)
	return exists, err
}

func (r *webhookSeenRepo) PurgeExpired(ctx context.Context, ttl time.Duration) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM webhook_seen WHERE seen_at < $1`, time.Now().UTC().Add(-ttl))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

type snapshotRepo struct {
	db *sqlx.DB
}

func (r *snapshotRepo) Insert(ctx context.Context, s *SnapshotRecord) error {
	if s.Plugins == nil {
		s.Plugins = json.RawMessage("[]")
	}
	_, err := r.db.NamedExecContext(ctx, `
		INSERT INTO snapshots
			(id, instance_id, user_id, created_at, size_mb, trigger, plugins, config_hash, storage_path)
		VALUES
			(:id, :instance_id, :user_id, :created_at, :size_mb, :trigger, :plugins, :config_hash, :storage_path)`, s)
	return err
}

func (r *snapshotRepo) Get(ctx context.Context, id string) (*SnapshotRecord, error) {
	var s SnapshotRecord
	err := r.db.GetContext(ctx, &s, `SELECT * FROM snapshots WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, platform.Ef(platform.KindNotFound, "snapshot %s not found", id)
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *snapshotRepo) ListByInstance(ctx context.Context, instanceID string) ([]SnapshotRecord, error) {
	var out []SnapshotRecord
	err := r.db.SelectContext(ctx, &out, `
		SELECT * FROM snapshots WHERE instance_id = $1
		ORDER BY created_at DESC`, instanceID)
	return out, err
}

func (r *snapshotRepo) Delete(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM snapshots WHERE id = $1`, id)
	return err
}

func (r *snapshotRepo) Count(ctx context.Context, instanceID string) (int, error) {
	var n int
	err := r.db.GetContext(ctx, &n,
		`SELECT COUNT(*) FROM snapshots WHERE instance_id = $1`, instanceID)
	return n, err
}

func (r *snapshotRepo) GetOldest(ctx context.Context, instanceID string, n int) ([]SnapshotRecord, error) {
	var out []SnapshotRecord
	err := r.db.SelectContext(ctx, &out, `
		SELECT * FROM snapshots WHERE instance_id = $1
		ORDER BY created_at ASC LIMIT $2`, instanceID, n)
	return out, err
}

type deletionRepo struct {
	db *sqlx.DB
}

func (r *deletionRepo) Create(ctx context.Context, req *DeletionRequest) error {
	_, err := r.db.NamedExecContext(ctx, `
		INSERT INTO deletion_requests (id, tenant_id, user_id, status, delete_after)
		VALUES (:id, :tenant_id, :user_id, :status, :delete_after)`, req)
	return err
}

func (r *deletionRepo) Get(ctx context.Context, id string) (*DeletionRequest, error) {
	var req DeletionRequest
	err := r.db.GetContext(ctx, &req, `SELECT * FROM deletion_requests WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, platform.Ef(platform.KindNotFound, "deletion request %s not found", id)
	}
	if err != nil {
		return nil, err
	}
	return &req, nil
}

func (r *deletionRepo) Cancel(ctx context.Context, id, reason string) error {
	// Only pending requests move; cancelled/completed are a no-op.
	_, err := r.db.ExecContext(ctx, `
		UPDATE deletion_requests
		SET status = 'cancelled', cancelled_reason = $1, updated_at = now()
		WHERE id = $2 AND status = 'pending'`, reason, id)
	return err
}

func (r *deletionRepo) MarkCompleted(ctx context.Context, id string, summary []byte) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE deletion_requests
		SET status = 'completed', completed_summary = $1, updated_at = now()
		WHERE id = $2 AND status = 'pending'`, summary, id)
	return err
}

func (r *deletionRepo) FindExpired(ctx context.Context, now time.Time) ([]DeletionRequest, error) {
	var out []DeletionRequest
	err := r.db.SelectContext(ctx, &out, `
		SELECT * FROM deletion_requests
		WHERE status = 'pending' AND delete_after < $1
		ORDER BY delete_after`, now)
	return out, err
}

type auditRepo struct {
	db *sqlx.DB
}

func (r *auditRepo) Insert(ctx context.Context, actor, action, subject string, detail map[string]interface{}) error {
	var blob []byte
	if detail != nil {
		var err error
		blob, err = json.Marshal(detail)
		if err != nil {
			return err
		}
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO audit_log (actor, action, subject, detail)
		VALUES ($1, $2, $3, $4)`, actor, action, subject, blob)
	return err
}
