// Package nodes manages the worker fleet: registration, the node state
// machine, the per-node WebSocket command bus and the heartbeat monitor.
package nodes

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/wopr/platform/internal/audit"
	"github.com/wopr/platform/internal/platform"
	"github.com/wopr/platform/internal/store"
)

// RegisterRequest is the node-supplied registration body.
type RegisterRequest struct {
	NodeID       string `json:"nodeId,omitempty"`
	Host         string `json:"host"`
	CapacityMB   int64  `json:"capacityMB"`
	UsedMB       int64  `json:"usedMB"`
	AgentVersion string `json:"agentVersion"`
}

// RegisterResponse carries the assigned id and, exactly once on first
// enrollment, the plaintext per-node secret.
type RegisterResponse struct {
	NodeID     string `json:"nodeId"`
	NodeSecret string `json:"nodeSecret,omitempty"`
}

// Registry owns node registration and state transitions.
type Registry struct {
	nodes   store.NodeRepo
	secrets store.NodeSecretRepo
	tokens  store.RegistrationTokenRepo
	audit   *audit.Recorder

	// staticSecret is the optional shared enrollment secret from the
	// environment; empty disables that auth path.
	staticSecret string
}

func NewRegistry(nodes store.NodeRepo, secrets store.NodeSecretRepo, tokens store.RegistrationTokenRepo, rec *audit.Recorder, staticSecret string) *Registry {
	return &Registry{
		nodes:        nodes,
		secrets:      secrets,
		tokens:       tokens,
		audit:        rec,
		staticSecret: staticSecret,
	}
}

// NewNodeID returns a fresh node id of the form self-<8hex>.
func NewNodeID() string {
	b := make([]byte, 4)
	rand.Read(b)
	return "self-" + hex.EncodeToString(b)
}

// NewNodeSecret returns a fresh per-node secret wopr_node_<32hex>.
func NewNodeSecret() string {
	b := make([]byte, 16)
	rand.Read(b)
	return "wopr_node_" + hex.EncodeToString(b)
}

// HashSecret is the storage form of a node secret.
func HashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// Register authenticates the bearer through the three enrollment paths
// in order (static secret, per-node secret, one-time token) and upserts
// the node as active. Draining and offline nodes may not re-register.
func (r *Registry) Register(ctx context.Context, bearer string, req *RegisterRequest) (*RegisterResponse, error) {
	if bearer == "" {
		return nil, platform.E(platform.KindAuth, "missing bearer token")
	}

	// Path 1: static shared secret, node keeps its self-chosen id.
	if r.staticSecret != "" && subtle.ConstantTimeCompare([]byte(bearer), []byte(r.staticSecret)) == 1 {
		if req.NodeID == "" {
			return nil, platform.E(platform.KindValidation, "nodeId is required with static secret auth")
		}
		if err := r.admit(ctx, req.NodeID, req); err != nil {
			return nil, err
		}
		return &RegisterResponse{NodeID: req.NodeID}, nil
	}

	// Path 2: per-node persistent secret (anything that is not a UUID).
	if _, err := uuid.Parse(bearer); err != nil {
		nodeID, err := r.secrets.FindByHash(ctx, HashSecret(bearer))
		if err != nil {
			return nil, platform.E(platform.KindAuth, "unrecognized credentials")
		}
		if err := r.admit(ctx, nodeID, req); err != nil {
			return nil, err
		}
		return &RegisterResponse{NodeID: nodeID}, nil
	}

	// Path 3: one-time registration token. Consumption is a single-row
	// predicate update, so concurrent use of the same token admits
	// exactly one node.
	tok, err := r.tokens.Consume(ctx, bearer)
	if err != nil {
		return nil, err
	}
	nodeID := NewNodeID()
	secret := NewNodeSecret()
	if err := r.secrets.Set(ctx, nodeID, HashSecret(secret)); err != nil {
		return nil, err
	}
	if err := r.admit(ctx, nodeID, req); err != nil {
		return nil, err
	}
	r.audit.Record(ctx, tok.UserID, "node.enrolled", nodeID, map[string]interface{}{"label": tok.Label})
	return &RegisterResponse{NodeID: nodeID, NodeSecret: secret}, nil
}

func (r *Registry) admit(ctx context.Context, nodeID string, req *RegisterRequest) error {
	now := time.Now().UTC()
	existing, err := r.nodes.Get(ctx, nodeID)
	if err != nil && platform.KindOf(err) != platform.KindNotFound {
		return err
	}

	n := &store.Node{
		ID:         nodeID,
		Host:       req.Host,
		Status:     store.NodeActive,
		CapacityMB: req.CapacityMB,
		UsedMB:     req.UsedMB,
	}
	if req.AgentVersion != "" {
		n.AgentVersion.String = req.AgentVersion
		n.AgentVersion.Valid = true
	}
	n.LastHeartbeatAt.Time = now
	n.LastHeartbeatAt.Valid = true

	if existing != nil {
		switch existing.Status {
		case store.NodeDraining, store.NodeOffline:
			return platform.Ef(platform.KindConflict, "node %s is %s and cannot re-register", nodeID, existing.Status)
		}
		n.RegisteredAt = existing.RegisteredAt
		if existing.Status != store.NodeActive {
			if err := r.nodes.Transition(ctx, nodeID, existing.Status, store.NodeActive, "register", "node"); err != nil {
				return err
			}
		}
	}

	if err := r.nodes.Upsert(ctx, n); err != nil {
		return err
	}
	slog.Info("node registered", "node", nodeID, "host", req.Host, "capacityMB", req.CapacityMB)
	return nil
}

// CreateToken mints a one-time enrollment token for an operator.
func (r *Registry) CreateToken(ctx context.Context, userID, label string) (*store.RegistrationToken, error) {
	t := &store.RegistrationToken{
		Token:  uuid.NewString(),
		UserID: userID,
		Label:  label,
	}
	if err := r.tokens.Create(ctx, t); err != nil {
		return nil, err
	}
	r.audit.Record(ctx, userID, "node.token_created", t.Token, map[string]interface{}{"label": label})
	return t, nil
}

// Authenticate resolves a bearer to a node id for the WebSocket path.
// Unlike Register it never mutates state.
func (r *Registry) Authenticate(ctx context.Context, bearer, claimedNodeID string) error {
	if bearer == "" {
		return platform.E(platform.KindAuth, "missing bearer token")
	}
	if r.staticSecret != "" && subtle.ConstantTimeCompare([]byte(bearer), []byte(r.staticSecret)) == 1 {
		return nil
	}
	nodeID, err := r.secrets.FindByHash(ctx, HashSecret(bearer))
	if err != nil || nodeID != claimedNodeID {
		return platform.E(platform.KindAuth, "unrecognized node credentials")
	}
	return nil
}

// Decommission retires an offline node permanently.
func (r *Registry) Decommission(ctx context.Context, nodeID, actor string) error {
	if err := r.nodes.Transition(ctx, nodeID, store.NodeOffline, store.NodeDecommissioned, "admin_decommission", actor); err != nil {
		return err
	}
	r.audit.Record(ctx, actor, "node.decommissioned", nodeID, nil)
	return nil
}
