// Package store defines the typed repositories over the relational
// store. Every table gets one capability-set interface and one Postgres
// implementation; multi-row mutations run inside a transaction.
package store

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/wopr/platform/internal/credit"
)

// TransactionType enumerates ledger transaction types.
type TransactionType string

const (
	TxSignupGrant  TransactionType = "signup_grant"
	TxPromo        TransactionType = "promo"
	TxPurchase     TransactionType = "purchase"
	TxAdapterUsage TransactionType = "adapter_usage"
	TxBotRuntime   TransactionType = "bot_runtime"
	TxAddon        TransactionType = "addon"
	TxCorrection   TransactionType = "correction"
)

// LedgerTransaction is one append-only ledger row. Delta is signed.
type LedgerTransaction struct {
	ID          string          `db:"id" json:"id"`
	TenantID    string          `db:"tenant_id" json:"tenantId"`
	DeltaRaw    int64           `db:"delta_raw" json:"deltaRaw"`
	Type        TransactionType `db:"type" json:"type"`
	Description string          `db:"description" json:"description"`
	ReferenceID sql.NullString  `db:"reference_id" json:"referenceId,omitempty"`
	CreatedAt   time.Time       `db:"created_at" json:"createdAt"`
}

// Delta returns the signed amount as a Credit.
func (t *LedgerTransaction) Delta() credit.Credit {
	return credit.MustRaw(t.DeltaRaw)
}

// BillingState is the lifecycle state of a bot's billing record.
type BillingState string

const (
	BillingActive    BillingState = "active"
	BillingSuspended BillingState = "suspended"
)

// BotBilling maps a bot to its tenant and billing state.
type BotBilling struct {
	BotID        string       `db:"bot_id" json:"botId"`
	TenantID     string       `db:"tenant_id" json:"tenantId"`
	Name         string       `db:"name" json:"name"`
	BillingState BillingState `db:"billing_state" json:"billingState"`
	SuspendedAt  sql.NullTime `db:"suspended_at" json:"suspendedAt,omitempty"`
	CreatedAt    time.Time    `db:"created_at" json:"createdAt"`
	UpdatedAt    time.Time    `db:"updated_at" json:"updatedAt"`
}

// TenantAddon is a per-tenant enabled add-on with a daily runtime cost.
type TenantAddon struct {
	TenantID     string `db:"tenant_id" json:"tenantId"`
	Addon        string `db:"addon" json:"addon"`
	DailyCostRaw int64  `db:"daily_cost_raw" json:"dailyCostRaw"`
	Enabled      bool   `db:"enabled" json:"enabled"`
}

// MeterEvent is one atomic usage record. Charge >= Cost always holds.
type MeterEvent struct {
	ID            string          `db:"id" json:"id"`
	TenantID      string          `db:"tenant_id" json:"tenant"`
	CostRaw       int64           `db:"cost_raw" json:"cost"`
	ChargeRaw     int64           `db:"charge_raw" json:"charge"`
	Capability    string          `db:"capability" json:"capability"`
	Provider      string          `db:"provider" json:"provider"`
	Timestamp     time.Time       `db:"ts" json:"timestamp"`
	SessionID     sql.NullString  `db:"session_id" json:"sessionId,omitempty"`
	DurationMS    sql.NullInt64   `db:"duration_ms" json:"duration,omitempty"`
	UsageUnits    sql.NullInt64   `db:"usage_units" json:"usageUnits,omitempty"`
	UsageUnitType sql.NullString  `db:"usage_unit_type" json:"usageUnitType,omitempty"`
	Tier          sql.NullString  `db:"tier" json:"tier,omitempty"`
	Metadata      json.RawMessage `db:"metadata" json:"metadata,omitempty"`

	// Retries is WAL/buffer bookkeeping, never persisted to the DB.
	Retries int `db:"-" json:"retries,omitempty"`
}

// UsageSummary is a per-window rollup keyed on (tenant, capability,
// provider, windowStart).
type UsageSummary struct {
	TenantID        string    `db:"tenant_id" json:"tenantId"`
	Capability      string    `db:"capability" json:"capability"`
	Provider        string    `db:"provider" json:"provider"`
	WindowStart     time.Time `db:"window_start" json:"windowStart"`
	EventCount      int64     `db:"event_count" json:"eventCount"`
	TotalCostRaw    int64     `db:"total_cost_raw" json:"totalCost"`
	TotalChargeRaw  int64     `db:"total_charge_raw" json:"totalCharge"`
	TotalDurationMS int64     `db:"total_duration_ms" json:"totalDuration"`
}

// NodeStatus enumerates worker node states (see the transition table in
// the node registry).
type NodeStatus string

const (
	NodeRegistering    NodeStatus = "registering"
	NodeActive         NodeStatus = "active"
	NodeDegraded       NodeStatus = "degraded"
	NodeDraining       NodeStatus = "draining"
	NodeOffline        NodeStatus = "offline"
	NodeDecommissioned NodeStatus = "decommissioned"
)

// Node is one worker host.
type Node struct {
	ID              string         `db:"id" json:"id"`
	Host            string         `db:"host" json:"host"`
	Status          NodeStatus     `db:"status" json:"status"`
	CapacityMB      int64          `db:"capacity_mb" json:"capacityMB"`
	UsedMB          int64          `db:"used_mb" json:"usedMB"`
	AgentVersion    sql.NullString `db:"agent_version" json:"agentVersion,omitempty"`
	LastHeartbeatAt sql.NullTime   `db:"last_heartbeat_at" json:"lastHeartbeatAt,omitempty"`
	RegisteredAt    time.Time      `db:"registered_at" json:"registeredAt"`
	UpdatedAt       time.Time      `db:"updated_at" json:"updatedAt"`
}

// FreeMB is the placement score: most free capacity wins.
func (n *Node) FreeMB() int64 { return n.CapacityMB - n.UsedMB }

// RegistrationToken is a one-time node enrollment token.
type RegistrationToken struct {
	Token      string       `db:"token" json:"token"`
	UserID     string       `db:"user_id" json:"userId"`
	Label      string       `db:"label" json:"label"`
	CreatedAt  time.Time    `db:"created_at" json:"createdAt"`
	ConsumedAt sql.NullTime `db:"consumed_at" json:"consumedAt,omitempty"`
}

// BotInstance is a tenant's hosted bot. NodeID is null while unplaced or
// mid-migration; the previous node and change time stay observable.
type BotInstance struct {
	ID             string         `db:"id" json:"id"`
	TenantID       string         `db:"tenant_id" json:"tenantId"`
	Name           string         `db:"name" json:"name"`
	NodeID         sql.NullString `db:"node_id" json:"nodeId,omitempty"`
	PrevNodeID     sql.NullString `db:"prev_node_id" json:"prevNodeId,omitempty"`
	NodeChangedAt  sql.NullTime   `db:"node_changed_at" json:"nodeChangedAt,omitempty"`
	EstimatedMB    int64          `db:"estimated_mb" json:"estimatedMB"`
	ReleaseChannel string         `db:"release_channel" json:"releaseChannel"`
	UpdatePolicy   string         `db:"update_policy" json:"updatePolicy"`
	ImageRef       string         `db:"image_ref" json:"imageRef"`
	BillingState   BillingState   `db:"billing_state" json:"billingState"`
	CreatedAt      time.Time      `db:"created_at" json:"createdAt"`
	UpdatedAt      time.Time      `db:"updated_at" json:"updatedAt"`
}

// RecoveryTrigger enumerates why a recovery started.
type RecoveryTrigger string

const (
	RecoveryAuto   RecoveryTrigger = "auto"
	RecoveryManual RecoveryTrigger = "manual"
	RecoveryDrain  RecoveryTrigger = "drain"
)

// RecoveryStatus enumerates the outcome of a recovery event.
type RecoveryStatus string

const (
	RecoveryInProgress RecoveryStatus = "in_progress"
	RecoveryCompleted  RecoveryStatus = "completed"
	RecoveryPartial    RecoveryStatus = "partial"
)

// RecoveryEvent records one node-loss (or drain) recovery run.
type RecoveryEvent struct {
	ID               string          `db:"id" json:"id"`
	NodeID           string          `db:"node_id" json:"nodeId"`
	Trigger          RecoveryTrigger `db:"trigger" json:"trigger"`
	Status           RecoveryStatus  `db:"status" json:"status"`
	TenantsTotal     int             `db:"tenants_total" json:"tenantsTotal"`
	TenantsRecovered int             `db:"tenants_recovered" json:"tenantsRecovered"`
	TenantsFailed    int             `db:"tenants_failed" json:"tenantsFailed"`
	TenantsWaiting   int             `db:"tenants_waiting" json:"tenantsWaiting"`
	StartedAt        time.Time       `db:"started_at" json:"startedAt"`
	CompletedAt      sql.NullTime    `db:"completed_at" json:"completedAt,omitempty"`
	ReportJSON       json.RawMessage `db:"report_json" json:"report,omitempty"`
}

// RecoveryItemStatus enumerates per-bot recovery outcomes.
type RecoveryItemStatus string

const (
	ItemRecovered RecoveryItemStatus = "recovered"
	ItemFailed    RecoveryItemStatus = "failed"
	ItemWaiting   RecoveryItemStatus = "waiting"
)

// RecoveryItem is one bot's outcome within a recovery event.
type RecoveryItem struct {
	ID          string             `db:"id" json:"id"`
	EventID     string             `db:"event_id" json:"eventId"`
	TenantID    string             `db:"tenant_id" json:"tenant"`
	BotID       string             `db:"bot_id" json:"botId"`
	SourceNode  string             `db:"source_node" json:"sourceNode"`
	TargetNode  sql.NullString     `db:"target_node" json:"targetNode,omitempty"`
	BackupKey   sql.NullString     `db:"backup_key" json:"backupKey,omitempty"`
	Status      RecoveryItemStatus `db:"status" json:"status"`
	Reason      sql.NullString     `db:"reason" json:"reason,omitempty"`
	StartedAt   time.Time          `db:"started_at" json:"startedAt"`
	CompletedAt sql.NullTime       `db:"completed_at" json:"completedAt,omitempty"`
}

// BreakerState is the persisted circuit-breaker row per instance.
type BreakerState struct {
	InstanceID  string       `db:"instance_id" json:"instanceId"`
	Count       int          `db:"count" json:"count"`
	WindowStart time.Time    `db:"window_start" json:"windowStart"`
	TrippedAt   sql.NullTime `db:"tripped_at" json:"trippedAt,omitempty"`
}

// CapLimit is an optional alert threshold and hard cap in raw units.
type CapLimit struct {
	AlertAtRaw *int64 `json:"alertAt,omitempty"`
	HardCapRaw *int64 `json:"hardCap,omitempty"`
}

// SpendingLimits is the per-tenant cap configuration. PerCapability and
// AlertState live in JSON columns.
type SpendingLimits struct {
	TenantID         string              `db:"tenant_id" json:"tenantId"`
	GlobalAlertRaw   sql.NullInt64       `db:"global_alert_raw" json:"globalAlertAt,omitempty"`
	GlobalHardCapRaw sql.NullInt64       `db:"global_hard_cap_raw" json:"globalHardCap,omitempty"`
	PerCapability    map[string]CapLimit `db:"-" json:"perCapability"`
	AlertState       map[string]string   `db:"-" json:"-"` // threshold key -> last alert day (UTC)
}

// SnapshotTrigger enumerates why a snapshot was taken.
type SnapshotTrigger string

const (
	SnapManual     SnapshotTrigger = "manual"
	SnapScheduled  SnapshotTrigger = "scheduled"
	SnapPreRestore SnapshotTrigger = "pre_restore"
)

// SnapshotRecord is the metadata row owning a snapshot tarball on disk.
type SnapshotRecord struct {
	ID          string          `db:"id" json:"id"`
	InstanceID  string          `db:"instance_id" json:"instanceId"`
	UserID      string          `db:"user_id" json:"userId"`
	CreatedAt   time.Time       `db:"created_at" json:"createdAt"`
	SizeMB      float64         `db:"size_mb" json:"sizeMB"`
	Trigger     SnapshotTrigger `db:"trigger" json:"trigger"`
	Plugins     json.RawMessage `db:"plugins" json:"plugins"`
	ConfigHash  string          `db:"config_hash" json:"configHash"`
	StoragePath string          `db:"storage_path" json:"storagePath"`
}

// DeletionStatus enumerates account-deletion request states.
type DeletionStatus string

const (
	DeletionPending   DeletionStatus = "pending"
	DeletionCancelled DeletionStatus = "cancelled"
	DeletionCompleted DeletionStatus = "completed"
)

// DeletionRequest is a 30-day-grace account deletion.
type DeletionRequest struct {
	ID               string          `db:"id" json:"id"`
	TenantID         string          `db:"tenant_id" json:"tenantId"`
	UserID           string          `db:"user_id" json:"userId"`
	Status           DeletionStatus  `db:"status" json:"status"`
	DeleteAfter      time.Time       `db:"delete_after" json:"deleteAfter"`
	CancelledReason  sql.NullString  `db:"cancelled_reason" json:"cancelledReason,omitempty"`
	CompletedSummary json.RawMessage `db:"completed_summary" json:"completedSummary,omitempty"`
	CreatedAt        time.Time       `db:"created_at" json:"createdAt"`
	UpdatedAt        time.Time       `db:"updated_at" json:"updatedAt"`
}

// ServiceKey is a tenant credential for the /v1 gateway. Only the bcrypt
// hash of the secret half is stored; the key id half is the lookup key.
type ServiceKey struct {
	KeyID      string    `db:"key_id" json:"keyId"`
	TenantID   string    `db:"tenant_id" json:"tenantId"`
	Name       string    `db:"name" json:"name"`
	SecretHash string    `db:"secret_hash" json:"-"`
	Active     bool      `db:"active" json:"active"`
	CreatedAt  time.Time `db:"created_at" json:"createdAt"`
}

// ProviderHealth is a manual or automatic health override with a TTL.
type ProviderHealth struct {
	Provider   string    `db:"provider" json:"provider"`
	Capability string    `db:"capability" json:"capability"`
	Healthy    bool      `db:"healthy" json:"healthy"`
	Reason     string    `db:"reason" json:"reason"`
	ExpiresAt  time.Time `db:"expires_at" json:"expiresAt"`
}

// NodeTransition is one audit row of the node state machine.
type NodeTransition struct {
	ID         int64     `db:"id" json:"id"`
	NodeID     string    `db:"node_id" json:"nodeId"`
	FromStatus string    `db:"from_status" json:"from"`
	ToStatus   string    `db:"to_status" json:"to"`
	Reason     string    `db:"reason" json:"reason"`
	Actor      string    `db:"actor" json:"actor"`
	TS         time.Time `db:"ts" json:"ts"`
}
