package store

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/wopr/platform/internal/credit"
)

// LedgerRepo persists the append-only credit ledger.
type LedgerRepo interface {
	// Append inserts one transaction atomically. When the reference id is
	// already present the existing transaction is returned unchanged (the
	// idempotency contract). When enforceBalance is set, a write that
	// would take the tenant balance below zero fails with an
	// insufficient-balance error and nothing is inserted.
	Append(ctx context.Context, t *LedgerTransaction, enforceBalance bool) (*LedgerTransaction, error)
	SumDeltas(ctx context.Context, tenantID string) (int64, error)
	History(ctx context.Context, tenantID string, typ TransactionType, limit, offset int) ([]LedgerTransaction, error)
	HasReference(ctx context.Context, referenceID string) (bool, error)
}

// BotBillingRepo tracks bot -> tenant billing state.
type BotBillingRepo interface {
	Register(ctx context.Context, b *BotBilling) error
	Get(ctx context.Context, botID string) (*BotBilling, error)
	ListByTenant(ctx context.Context, tenantID string, state BillingState) ([]BotBilling, error)
	// SetStateForTenant flips every bot of the tenant into the state and
	// returns the ids that changed.
	SetStateForTenant(ctx context.Context, tenantID string, state BillingState) ([]string, error)
	// ActiveCounts returns tenant -> active bot count for the runtime cron.
	ActiveCounts(ctx context.Context) (map[string]int, error)
	TenantsWithSuspendedBots(ctx context.Context) ([]string, error)
}

// AddonRepo reads per-tenant enabled add-ons.
type AddonRepo interface {
	EnabledByTenant(ctx context.Context, tenantID string) ([]TenantAddon, error)
}

// MeterRepo persists meter events.
type MeterRepo interface {
	InsertBatch(ctx context.Context, events []*MeterEvent) error
	ListWindow(ctx context.Context, from, to time.Time) ([]MeterEvent, error)
	// SpentSince sums charges for a tenant from the raw event table
	// (live-window spend not yet folded into summaries).
	SpentSince(ctx context.Context, tenantID string, since time.Time) (credit.Credit, error)
}

// SummaryRepo persists usage rollups and the aggregator watermark.
type SummaryRepo interface {
	UpsertWindow(ctx context.Context, s *UsageSummary) error
	UpsertPeriod(ctx context.Context, s *UsageSummary, periodStart time.Time) error
	Watermark(ctx context.Context) (time.Time, error)
	SetWatermark(ctx context.Context, t time.Time) error
	PeriodCharge(ctx context.Context, tenantID string, periodStart time.Time) (credit.Credit, error)
	PeriodChargeByCapability(ctx context.Context, tenantID, capability string, periodStart time.Time) (credit.Credit, error)
	WindowCharge(ctx context.Context, tenantID string, from time.Time) (credit.Credit, error)
}

// NodeRepo persists worker nodes and their state-machine audit trail.
type NodeRepo interface {
	Upsert(ctx context.Context, n *Node) error
	Get(ctx context.Context, nodeID string) (*Node, error)
	List(ctx context.Context) ([]Node, error)
	ListByStatus(ctx context.Context, statuses ...NodeStatus) ([]Node, error)
	// Transition moves the node from -> to, appending an audit row in the
	// same transaction. Returns a conflict error when the node is no
	// longer in the from state.
	Transition(ctx context.Context, nodeID string, from, to NodeStatus, reason, actor string) error
	Heartbeat(ctx context.Context, nodeID string, usedMB int64, agentVersion string) error
	// StaleHeartbeats returns nodes in the given statuses whose last
	// heartbeat is older than the cutoff.
	StaleHeartbeats(ctx context.Context, cutoff time.Time, statuses ...NodeStatus) ([]Node, error)
	Transitions(ctx context.Context, nodeID string, limit int) ([]NodeTransition, error)
}

// NodeSecretRepo maps per-node persistent secrets (stored hashed).
type NodeSecretRepo interface {
	Set(ctx context.Context, nodeID, hashedSecret string) error
	FindByHash(ctx context.Context, hashedSecret string) (string, error)
}

// RegistrationTokenRepo manages one-time node enrollment tokens.
type RegistrationTokenRepo interface {
	Create(ctx context.Context, t *RegistrationToken) error
	// Consume atomically claims an unconsumed token. A second concurrent
	// consume of the same token fails.
	Consume(ctx context.Context, token string) (*RegistrationToken, error)
}

// BotInstanceRepo persists hosted bots.
type BotInstanceRepo interface {
	Create(ctx context.Context, b *BotInstance) error
	Get(ctx context.Context, botID string) (*BotInstance, error)
	ListByNode(ctx context.Context, nodeID string) ([]BotInstance, error)
	ListByTenant(ctx context.Context, tenantID string) ([]BotInstance, error)
	ListByChannels(ctx context.Context, channels ...string) ([]BotInstance, error)
	// Reassign moves the bot to a new node, recording the previous node
	// and change time.
	Reassign(ctx context.Context, botID, targetNodeID string) error
	ClearNode(ctx context.Context, botID string) error
	Delete(ctx context.Context, botID string) error
	CountActiveByTenant(ctx context.Context, tenantID string) (int, error)
}

// RecoveryRepo persists recovery events and their items.
type RecoveryRepo interface {
	CreateEvent(ctx context.Context, e *RecoveryEvent) error
	GetEvent(ctx context.Context, eventID string) (*RecoveryEvent, error)
	ListEvents(ctx context.Context, limit int) ([]RecoveryEvent, error)
	CloseEvent(ctx context.Context, e *RecoveryEvent) error
	UpdateEventCounts(ctx context.Context, e *RecoveryEvent) error
	CreateItem(ctx context.Context, it *RecoveryItem) error
	UpdateItem(ctx context.Context, it *RecoveryItem) error
	// ItemsByEvent returns items in stable bot-id order, optionally
	// filtered by status.
	ItemsByEvent(ctx context.Context, eventID string, statuses ...RecoveryItemStatus) ([]RecoveryItem, error)
}

// RateLimitRepo persists windowed request counters.
type RateLimitRepo interface {
	// Incr bumps the counter for (scope, key, windowStart) and returns
	// the post-increment count.
	Incr(ctx context.Context, scope, key string, windowStart time.Time) (int, error)
	PurgeBefore(ctx context.Context, cutoff time.Time) error
}

// BreakerRepo persists circuit-breaker state per instance.
type BreakerRepo interface {
	Get(ctx context.Context, instanceID string) (*BreakerState, error)
	Upsert(ctx context.Context, s *BreakerState) error
}

// SpendingRepo persists per-tenant spending limits.
type SpendingRepo interface {
	Get(ctx context.Context, tenantID string) (*SpendingLimits, error)
	Upsert(ctx context.Context, l *SpendingLimits) error
}

// WebhookSeenRepo is the webhook idempotency table.
type WebhookSeenRepo interface {
	MarkSeen(ctx context.Context, eventID, source string) error
	IsDuplicate(ctx context.Context, eventID, source string) (bool, error)
	PurgeExpired(ctx context.Context, ttl time.Duration) (int64, error)
}

// SnapshotRepo persists snapshot metadata.
type SnapshotRepo interface {
	Insert(ctx context.Context, s *SnapshotRecord) error
	Get(ctx context.Context, id string) (*SnapshotRecord, error)
	ListByInstance(ctx context.Context, instanceID string) ([]SnapshotRecord, error)
	Delete(ctx context.Context, id string) error
	Count(ctx context.Context, instanceID string) (int, error)
	GetOldest(ctx context.Context, instanceID string, n int) ([]SnapshotRecord, error)
}

// DeletionRepo persists account-deletion requests.
type DeletionRepo interface {
	Create(ctx context.Context, r *DeletionRequest) error
	Get(ctx context.Context, id string) (*DeletionRequest, error)
	// Cancel flips pending -> cancelled. A request already cancelled or
	// completed is left untouched (no-op).
	Cancel(ctx context.Context, id, reason string) error
	MarkCompleted(ctx context.Context, id string, summary []byte) error
	FindExpired(ctx context.Context, now time.Time) ([]DeletionRequest, error)
}

// AuditRepo appends audit rows. Callers treat failures as non-fatal.
type AuditRepo interface {
	Insert(ctx context.Context, actor, action, subject string, detail map[string]interface{}) error
}

// ServiceKeyRepo persists gateway service keys.
type ServiceKeyRepo interface {
	Create(ctx context.Context, k *ServiceKey) error
	GetByKeyID(ctx context.Context, keyID string) (*ServiceKey, error)
	Deactivate(ctx context.Context, keyID string) error
}

// ProviderHealthRepo persists provider health overrides with TTL.
type ProviderHealthRepo interface {
	SetOverride(ctx context.Context, h *ProviderHealth) error
	// Healthy reports the effective health of (provider, capability):
	// true unless an unexpired override says otherwise.
	Healthy(ctx context.Context, provider, capability string) (bool, error)
	ListActive(ctx context.Context) ([]ProviderHealth, error)
}

// Stores bundles every repository over one database handle.
type Stores struct {
	Ledger         LedgerRepo
	BotBilling     BotBillingRepo
	Addons         AddonRepo
	Meter          MeterRepo
	Summary        SummaryRepo
	Nodes          NodeRepo
	NodeSecrets    NodeSecretRepo
	Tokens         RegistrationTokenRepo
	Bots           BotInstanceRepo
	Recovery       RecoveryRepo
	RateLimits     RateLimitRepo
	Breakers       BreakerRepo
	Spending       SpendingRepo
	WebhookSeen    WebhookSeenRepo
	Snapshots      SnapshotRepo
	Deletions      DeletionRepo
	Audit          AuditRepo
	ServiceKeys    ServiceKeyRepo
	ProviderHealth ProviderHealthRepo
}

// New builds the Postgres-backed repository set.
func New(db *sqlx.DB) *Stores {
	return &Stores{
		Ledger:         &ledgerRepo{db: db},
		BotBilling:     &botBillingRepo{db: db},
		Addons:         &addonRepo{db: db},
		Meter:          &meterRepo{db: db},
		Summary:        &summaryRepo{db: db},
		Nodes:          &nodeRepo{db: db},
		NodeSecrets:    &nodeSecretRepo{db: db},
		Tokens:         &tokenRepo{db: db},
		Bots:           &botInstanceRepo{db: db},
		Recovery:       &recoveryRepo{db: db},
		RateLimits:     &rateLimitRepo{db: db},
		Breakers:       &breakerRepo{db: db},
		Spending:       &spendingRepo{db: db},
		WebhookSeen:    &webhookSeenRepo{db: db},
		Snapshots:      &snapshotRepo{db: db},
		Deletions:      &deletionRepo{db: db},
		Audit:          &auditRepo{db: db},
		ServiceKeys:    &serviceKeyRepo{db: db},
		ProviderHealth: &providerHealthRepo{db: db},
	}
}
