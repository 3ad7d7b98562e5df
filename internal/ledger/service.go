// Package ledger is the credit ledger service: an append-only
// double-entry record of every balance change, serialized per tenant.
package ledger

import (
	"context"
	"database/sql"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wopr/platform/internal/credit"
	"github.com/wopr/platform/internal/metrics"
	"github.com/wopr/platform/internal/platform"
	"github.com/wopr/platform/internal/store"
)

const lockStripes = 64

// Service serializes writes per tenant with a striped mutex so the
// read-sum-write in the repository is linearizable without SERIALIZABLE
// isolation. Balances read through a short-TTL cache that is dropped
// under the tenant lock after every commit.
type Service struct {
	repo  store.LedgerRepo
	cache store.BalanceCache
	met   *metrics.Metrics

	locks [lockStripes]sync.Mutex

	// onCredit fires after a successful credit so billing can sweep
	// suspended bots back to active without polling.
	onCredit func(ctx context.Context, tenantID string)
}

func NewService(repo store.LedgerRepo, cache store.BalanceCache, met *metrics.Metrics) *Service {
	if cache == nil {
		cache = store.NopBalanceCache{}
	}
	return &Service{repo: repo, cache: cache, met: met}
}

// OnCredit registers the post-credit hook. Call before serving traffic.
func (s *Service) OnCredit(fn func(ctx context.Context, tenantID string)) {
	s.onCredit = fn
}

func (s *Service) lockFor(tenantID string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(tenantID))
	return &s.locks[h.Sum32()%lockStripes]
}

// Credit appends a positive delta. A referenceId already present makes
// the call a no-op returning the original transaction.
func (s *Service) Credit(ctx context.Context, tenantID string, amount credit.Credit, typ store.TransactionType, description, referenceID string) (*store.LedgerTransaction, error) {
	if amount.IsNegative() {
		return nil, platform.E(platform.KindValidation, "credit amount must be >= 0")
	}
	tx, err := s.append(ctx, tenantID, amount, typ, description, referenceID, false)
	if err != nil {
		return nil, err
	}
	if s.onCredit != nil {
		s.onCredit(ctx, tenantID)
	}
	return tx, nil
}

// Debit appends a negative delta and fails when it would take the
// balance below zero. Idempotent on referenceId the same way Credit is.
func (s *Service) Debit(ctx context.Context, tenantID string, amount credit.Credit, typ store.TransactionType, description, referenceID string) (*store.LedgerTransaction, error) {
	if amount.IsNegative() {
		return nil, platform.E(platform.KindValidation, "debit amount must be >= 0")
	}
	return s.append(ctx, tenantID, amount.Neg(), typ, description, referenceID, true)
}

// DebitUnchecked appends a negative delta without the balance floor.
// Reconciliation paths use it when the spend already happened upstream
// and the balance is allowed to go negative.
func (s *Service) DebitUnchecked(ctx context.Context, tenantID string, amount credit.Credit, typ store.TransactionType, description, referenceID string) (*store.LedgerTransaction, error) {
	if amount.IsNegative() {
		return nil, platform.E(platform.KindValidation, "debit amount must be >= 0")
	}
	return s.append(ctx, tenantID, amount.Neg(), typ, description, referenceID, false)
}

func (s *Service) append(ctx context.Context, tenantID string, delta credit.Credit, typ store.TransactionType, description, referenceID string, enforce bool) (*store.LedgerTransaction, error) {
	mu := s.lockFor(tenantID)
	mu.Lock()
	defer mu.Unlock()

	t := &store.LedgerTransaction{
		ID:          uuid.NewString(),
		TenantID:    tenantID,
		DeltaRaw:    delta.Raw(),
		Type:        typ,
		Description: description,
		CreatedAt:   time.Now().UTC(),
	}
	if referenceID != "" {
		t.ReferenceID = sql.NullString{String: referenceID, Valid: true}
	}

	out, err := s.repo.Append(ctx, t, enforce)
	if err != nil {
		if s.met != nil {
			s.met.LedgerWrites.WithLabelValues(string(typ), "error").Inc()
		}
		return nil, err
	}

	// Invalidate under the tenant lock so a concurrent Balance cannot
	// repopulate the cache with the pre-commit sum.
	s.cache.Invalidate(ctx, tenantID)

	if s.met != nil {
		s.met.LedgerWrites.WithLabelValues(string(typ), "ok").Inc()
	}
	slog.Debug("ledger write",
		"tenant", tenantID, "type", typ, "delta", delta.String(), "id", out.ID)
	return out, nil
}

// Balance returns the tenant's current balance, read through the cache.
func (s *Service) Balance(ctx context.Context, tenantID string) (credit.Credit, error) {
	if bal, ok := s.cache.Get(ctx, tenantID); ok {
		return bal, nil
	}
	sum, err := s.repo.SumDeltas(ctx, tenantID)
	if err != nil {
		return credit.Zero, err
	}
	bal, err := credit.FromRaw(sum)
	if err != nil {
		return credit.Zero, err
	}
	s.cache.Set(ctx, tenantID, bal)
	return bal, nil
}

// History lists transactions newest first, optionally filtered by type.
func (s *Service) History(ctx context.Context, tenantID string, typ store.TransactionType, limit, offset int) ([]store.LedgerTransaction, error) {
	return s.repo.History(ctx, tenantID, typ, limit, offset)
}

// HasReferenceID is the fast idempotency probe for webhook handlers.
func (s *Service) HasReferenceID(ctx context.Context, referenceID string) (bool, error) {
	return s.repo.HasReference(ctx, referenceID)
}
