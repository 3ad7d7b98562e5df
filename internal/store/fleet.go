package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/wopr/platform/internal/platform"
)

type nodeRepo struct {
	db *sqlx.DB
}

func (r *nodeRepo) Upsert(ctx context.Context, n *Node) error {
	now := time.Now().UTC()
	if n.RegisteredAt.IsZero() {
		n.RegisteredAt = now
	}
	n.UpdatedAt = now
	_, err := r.db.NamedExecContext(ctx, `
		INSERT INTO nodes (id, host, status, capacity_mb, used_mb, agent_version,
		                   last_heartbeat_at, registered_at, updated_at)
		VALUES (:id, :host, :status, :capacity_mb, :used_mb, :agent_version,
		        :last_heartbeat_at, :registered_at, :updated_at)
		ON CONFLICT (id) DO UPDATE SET
			host              = EXCLUDED.host,
			status            = EXCLUDED.status,
			capacity_mb       = EXCLUDED.capacity_mb,
			used_mb           = EXCLUDED.used_mb,
			agent_version     = EXCLUDED.agent_version,
			last_heartbeat_at = EXCLUDED.last_heartbeat_at,
			updated_at        = EXCLUDED.updated_at`, n)
	return err
}

func (r *nodeRepo) Get(ctx context.Context, nodeID string) (*Node, error) {
	var n Node
	err := r.db.GetContext(ctx, &n, `SELECT * FROM nodes WHERE id = $1`, nodeID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, platform.Ef(platform.KindNotFound, "node %s not found", nodeID)
	}
	if err != nil {
		return nil, err
	}
	return &n, nil
}

func (r *nodeRepo) List(ctx context.Context) ([]Node, error) {
	var out []Node
	err := r.db.SelectContext(ctx, &out, `SELECT * FROM nodes ORDER BY id`)
	return out, err
}

func (r *nodeRepo) ListByStatus(ctx context.Context, statuses ...NodeStatus) ([]Node, error) {
	ss := make([]string, len(statuses))
	for i, s := range statuses {
		ss[i] = string(s)
	}
	var out []Node
	err := r.db.SelectContext(ctx, &out,
		`SELECT * FROM nodes WHERE status = ANY($1) ORDER BY id`, pq.Array(ss))
	return out, err
}

func (r *nodeRepo) Transition(ctx context.Context, nodeID string, from, to NodeStatus, reason, actor string) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE nodes SET status = $1, updated_at = now()
		WHERE id = $2 AND status = $3`, to, nodeID, from)
	if err != nil {
		return err
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return platform.Ef(platform.KindConflict,
			"node %s is not %s", nodeID, from)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO node_transitions (node_id, from_status, to_status, reason, actor)
		VALUES ($1, $2, $3, $4, $5)`, nodeID, from, to, reason, actor); err != nil {
		return err
	}
	return tx.Commit()
}

func (r *nodeRepo) Heartbeat(ctx context.Context, nodeID string, usedMB int64, agentVersion string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE nodes SET used_mb = $1, agent_version = $2,
		                 last_heartbeat_at = now(), updated_at = now()
		WHERE id = $3`, usedMB, agentVersion, nodeID)
	if err != nil {
		return err
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return platform.Ef(platform.KindNotFound, "node %s not found", nodeID)
	}
	return nil
}

func (r *nodeRepo) StaleHeartbeats(ctx context.Context, cutoff time.Time, statuses ...NodeStatus) ([]Node, error) {
	ss := make([]string, len(statuses))
	for i, s := range statuses {
		ss[i] = string(s)
	}
	var out []Node
	err := r.db.SelectContext(ctx, &out, `
		SELECT * FROM nodes
		WHERE status = ANY($1)
		  AND (last_heartbeat_at IS NULL OR last_heartbeat_at < $2)
		ORDER BY id`, pq.Array(ss), cutoff)
	return out, err
}

func (r *nodeRepo) Transitions(ctx context.Context, nodeID string, limit int) ([]NodeTransition, error) {
	if limit <= 0 {
		limit = 50
	}
	var out []NodeTransition
	err := r.db.SelectContext(ctx, &out, `
		SELECT * FROM node_transitions WHERE node_id = $1
		ORDER BY ts DESC LIMIT $2`, nodeID, limit)
	return out, err
}

type nodeSecretRepo struct {
	db *sqlx.DB
}

func (r *nodeSecretRepo) Set(ctx context.Context, nodeID, hashedSecret string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO node_secrets (node_id, hashed_secret) VALUES ($1, $2)
		ON CONFLICT (node_id) DO UPDATE SET hashed_secret = EXCLUDED.hashed_secret`,
		nodeID, hashedSecret)
	return err
}

func (r *nodeSecretRepo) FindByHash(ctx context.Context, hashedSecret string) (string, error) {
	var nodeID string
	err := r.db.GetContext(ctx, &nodeID,
		`SELECT node_id FROM node_secrets WHERE hashed_secret = $1`, hashedSecret)
	if errors.Is(err, sql.ErrNoRows) {
		return "", platform.E(platform.KindNotFound, "unknown node secret")
	}
	return nodeID, err
}

type tokenRepo struct {
	db *sqlx.DB
}

func (r *tokenRepo) Create(ctx context.Context, t *RegistrationToken) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO registration_tokens (token, user_id, label)
		VALUES ($1, $2, $3)`, t.Token, t.UserID, t.Label)
	return err
}

func (r *tokenRepo) Consume(ctx context.Context, token string) (*RegistrationToken, error) {
	var t RegistrationToken
	// Single-row predicate update: exactly one consumer wins.
	err := r.db.GetContext(ctx, &t, `
		UPDATE registration_tokens SET consumed_at = now()
		WHERE token = $1 AND consumed_at IS NULL
		RETURNING *`, token)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, platform.E(platform.KindAuth, "registration token invalid or already used")
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

type botInstanceRepo struct {
	db *sqlx.DB
}

func (r *botInstanceRepo) Create(ctx context.Context, b *BotInstance) error {
	now := time.Now().UTC()
	b.CreatedAt = now
	b.UpdatedAt = now
	_, err := r.db.NamedExecContext(ctx, `
		INSERT INTO bot_instances
			(id, tenant_id, name, node_id, estimated_mb, release_channel,
			 update_policy, image_ref, billing_state, created_at, updated_at)
		VALUES
			(:id, :tenant_id, :name, :node_id, :estimated_mb, :release_channel,
			 :update_policy, :image_ref, :billing_state, :created_at, :updated_at)`, b)
	return err
}

func (r *botInstanceRepo) Get(ctx context.Context, botID string) (*BotInstance, error) {
	var b BotInstance
	err := r.db.GetContext(ctx, &b, `SELECT * FROM bot_instances WHERE id = $1`, botID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, platform.Ef(platform.KindNotFound, "bot %s not found", botID)
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func (r *botInstanceRepo) ListByNode(ctx context.Context, nodeID string) ([]BotInstance, error) {
	var out []BotInstance
	err := r.db.SelectContext(ctx, &out,
		`SELECT * FROM bot_instances WHERE node_id = $1 ORDER BY id`, nodeID)
	return out, err
}

func (r *botInstanceRepo) ListByTenant(ctx context.Context, tenantID string) ([]BotInstance, error) {
	var out []BotInstance
	err := r.db.SelectContext(ctx, &out,
		`SELECT * FROM bot_instances WHERE tenant_id = $1 ORDER BY id`, tenantID)
	return out, err
}

func (r *botInstanceRepo) ListByChannels(ctx context.Context, channels ...string) ([]BotInstance, error) {
	var out []BotInstance
	err := r.db.SelectContext(ctx, &out,
		`SELECT * FROM bot_instances WHERE release_channel = ANY($1) ORDER BY id`,
		pq.Array(channels))
	return out, err
}

func (r *botInstanceRepo) Reassign(ctx context.Context, botID, targetNodeID string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE bot_instances
		SET prev_node_id = node_id, node_id = $1, node_changed_at = now(), updated_at = now()
		WHERE id = $2`, targetNodeID, botID)
	if err != nil {
		return err
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return platform.Ef(platform.KindNotFound, "bot %s not found", botID)
	}
	return nil
}

func (r *botInstanceRepo) ClearNode(ctx context.Context, botID string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE bot_instances
		SET prev_node_id = node_id, node_id = NULL, node_changed_at = now(), updated_at = now()
		WHERE id = $1`, botID)
	return err
}

func (r *botInstanceRepo) Delete(ctx context.Context, botID string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM bot_instances WHERE id = $1`, botID)
	return err
}

func (r *botInstanceRepo) CountActiveByTenant(ctx context.Context, tenantID string) (int, error) {
	var n int
	err := r.db.GetContext(ctx, &n, `
		SELECT COUNT(*) FROM bot_instances
		WHERE tenant_id = $1 AND billing_state = 'active'`, tenantID)
	return n, err
}

// Interface checks.
var (
	_ NodeRepo              = (*nodeRepo)(nil)
	_ NodeSecretRepo        = (*nodeSecretRepo)(nil)
	_ RegistrationTokenRepo = (*tokenRepo)(nil)
	_ BotInstanceRepo       = (*botInstanceRepo)(nil)
)
