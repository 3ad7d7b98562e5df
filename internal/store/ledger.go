package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/wopr/platform/internal/platform"
)

type ledgerRepo struct {
	db *sqlx.DB
}

func (r *ledgerRepo) Append(ctx context.Context, t *LedgerTransaction, enforceBalance bool) (*LedgerTransaction, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	// Idempotency: an existing reference id short-circuits to the
	// original transaction.
	if t.ReferenceID.Valid {
		var existing LedgerTransaction
		err := tx.GetContext(ctx, &existing,
			`SELECT * FROM ledger_transactions WHERE reference_id = $1`, t.ReferenceID.String)
		if err == nil {
			return &existing, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
	}

	if enforceBalance {
		var sum int64
		if err := tx.GetContext(ctx, &sum,
			`SELECT COALESCE(SUM(delta_raw), 0) FROM ledger_transactions WHERE tenant_id = $1`,
			t.TenantID); err != nil {
			return nil, err
		}
		if sum+t.DeltaRaw < 0 {
			return nil, platform.E(platform.KindInsufficientBalance, "insufficient balance").
				WithDetails(map[string]interface{}{
					"balanceRaw":  sum,
					"requiredRaw": -t.DeltaRaw,
				})
		}
	}

	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	if _, err := tx.NamedExecContext(ctx, `
		INSERT INTO ledger_transactions (id, tenant_id, delta_raw, type, description, reference_id, created_at)
		VALUES (:id, :tenant_id, :delta_raw, :type, :description, :reference_id, :created_at)`, t); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return t, nil
}

func (r *ledgerRepo) SumDeltas(ctx context.Context, tenantID string) (int64, error) {
	var sum int64
	err := r.db.GetContext(ctx, &sum,
		`SELECT COALESCE(SUM(delta_raw), 0) FROM ledger_transactions WHERE tenant_id = $1`, tenantID)
	return sum, err
}

func (r *ledgerRepo) History(ctx context.Context, tenantID string, typ TransactionType, limit, offset int) ([]LedgerTransaction, error) {
	if limit <= 0 {
		limit = 50
	}
	var out []LedgerTransaction
	var err error
	if typ == "" {
		err = r.db.SelectContext(ctx, &out, `
			SELECT * FROM ledger_transactions
			WHERE tenant_id = $1
			ORDER BY created_at DESC, id DESC
			LIMIT $2 OFFSET $3`, tenantID, limit, offset)
	} else {
		err = r.db.SelectContext(ctx, &out, `
			SELECT * FROM ledger_transactions
			WHERE tenant_id = $1 AND type = $2
			ORDER BY created_at DESC, id DESC
			LIMIT $3 OFFSET $4`, tenantID, typ, limit, offset)
	}
	return out, err
}

func (r *ledgerRepo) HasReference(ctx context.Context, referenceID string) (bool, error) {
	var exists bool
	err := r.db.GetContext(ctx, &exists,
		`SELECT EXISTS (SELECT 1 FROM ledger_transactions WHERE reference_id = $1)`, referenceID)
	return exists, err
}
