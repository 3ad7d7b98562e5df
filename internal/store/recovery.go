package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/wopr/platform/internal/platform"
)

type recoveryRepo struct {
	db *sqlx.DB
}

func (r *recoveryRepo) CreateEvent(ctx context.Context, e *RecoveryEvent) error {
	_, err := r.db.NamedExecContext(ctx, `
		INSERT INTO recovery_events
			(id, node_id, trigger, status, tenants_total, tenants_recovered,
			 tenants_failed, tenants_waiting, started_at)
		VALUES
			(:id, :node_id, :trigger, :status, :tenants_total, :tenants_recovered,
			 :tenants_failed, :tenants_waiting, now())`, e)
	return err
}

func (r *recoveryRepo) GetEvent(ctx context.Context, eventID string) (*RecoveryEvent, error) {
	var e RecoveryEvent
	err := r.db.GetContext(ctx, &e, `SELECT * FROM recovery_events WHERE id = $1`, eventID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, platform.Ef(platform.KindNotFound, "recovery event %s not found", eventID)
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (r *recoveryRepo) ListEvents(ctx context.Context, limit int) ([]RecoveryEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	var out []RecoveryEvent
	err := r.db.SelectContext(ctx, &out,
		`SELECT * FROM recovery_events ORDER BY started_at DESC LIMIT $1`, limit)
	return out, err
}

func (r *recoveryRepo) CloseEvent(ctx context.Context, e *RecoveryEvent) error {
	_, err := r.db.NamedExecContext(ctx, `
		UPDATE recovery_events SET
			status            = :status,
			tenants_recovered = :tenants_recovered,
			tenants_failed    = :tenants_failed,
			tenants_waiting   = :tenants_waiting,
			completed_at      = now(),
			report_json       = :report_json
		WHERE id = :id`, e)
	return err
}

func (r *recoveryRepo) UpdateEventCounts(ctx context.Context, e *RecoveryEvent) error {
	_, err := r.db.NamedExecContext(ctx, `
		UPDATE recovery_events SET
			status            = :status,
			tenants_recovered = :tenants_recovered,
			tenants_failed    = :tenants_failed,
			tenants_waiting   = :tenants_waiting
		WHERE id = :id`, e)
	return err
}

func (r *recoveryRepo) CreateItem(ctx context.Context, it *RecoveryItem) error {
	_, err := r.db.NamedExecContext(ctx, `
		INSERT INTO recovery_items
			(id, event_id, tenant_id, bot_id, source_node, target_node,
			 backup_key, status, reason, started_at, completed_at)
		VALUES
			(:id, :event_id, :tenant_id, :bot_id, :source_node, :target_node,
			 :backup_key, :status, :reason, now(), :completed_at)`, it)
	return err
}

func (r *recoveryRepo) UpdateItem(ctx context.Context, it *RecoveryItem) error {
	_, err := r.db.NamedExecContext(ctx, `
		UPDATE recovery_items SET
			target_node  = :target_node,
			backup_key   = :backup_key,
			status       = :status,
			reason       = :reason,
			completed_at = :completed_at
		WHERE id = :id`, it)
	return err
}

func (r *recoveryRepo) ItemsByEvent(ctx context.Context, eventID string, statuses ...RecoveryItemStatus) ([]RecoveryItem, error) {
	var out []RecoveryItem
	if len(statuses) == 0 {
		err := r.db.SelectContext(ctx, &out, `
			SELECT * FROM recovery_items WHERE event_id = $1 ORDER BY bot_id`, eventID)
		return out, err
	}
	ss := make([]string, len(statuses))
	for i, s := range statuses {
		ss[i] = string(s)
	}
	err := r.db.SelectContext(ctx, &out, `
		SELECT * FROM recovery_items
		WHERE event_id = $1 AND status = ANY($2)
		ORDER BY bot_id`, eventID, pq.Array(ss))
	return out, err
}
