package nodes

import (
	"context"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wopr/platform/internal/platform"
	"github.com/wopr/platform/internal/store"
)

func newTestRegistry(staticSecret string) (*Registry, *fakeNodeRepo, *fakeSecretRepo, *fakeTokenRepo) {
	nodes := newFakeNodeRepo()
	secrets := newFakeSecretRepo()
	tokens := newFakeTokenRepo()
	return NewRegistry(nodes, secrets, tokens, nil, staticSecret), nodes, secrets, tokens
}

func TestRegisterWithStaticSecret(t *testing.T) {
	reg, nodes, _, _ := newTestRegistry("fleet-shared-secret")
	ctx := context.Background()

	resp, err := reg.Register(ctx, "fleet-shared-secret", &RegisterRequest{
		NodeID: "node-east-1", Host: "10.0.0.5", CapacityMB: 8192, AgentVersion: "1.4.0",
	})
	require.NoError(t, err)
	assert.Equal(t, "node-east-1", resp.NodeID)
	assert.Empty(t, resp.NodeSecret, "static-secret enrollment never mints a node secret")

	n, err := nodes.Get(ctx, "node-east-1")
	require.NoError(t, err)
	assert.Equal(t, store.NodeActive, n.Status)
	assert.True(t, n.LastHeartbeatAt.Valid)
}

func TestRegisterStaticSecretRequiresNodeID(t *testing.T) {
	reg, _, _, _ := newTestRegistry("s3cret")
	_, err := reg.Register(context.Background(), "s3cret", &RegisterRequest{Host: "h"})
	require.Error(t, err)
	assert.Equal(t, platform.KindValidation, platform.KindOf(err))
}

func TestRegisterWithOneTimeToken(t *testing.T) {
	reg, _, secrets, _ := newTestRegistry("")
	ctx := context.Background()

	tok, err := reg.CreateToken(ctx, "user-1", "rack 4")
	require.NoError(t, err)

	resp, err := reg.Register(ctx, tok.Token, &RegisterRequest{Host: "10.0.0.9", CapacityMB: 4096})
	require.NoError(t, err)
	assert.Regexp(t, regexp.MustCompile(`^self-[0-9a-f]{8}$`), resp.NodeID)
	assert.Regexp(t, regexp.MustCompile(`^wopr_node_[0-9a-f]{32}$`), resp.NodeSecret)

	// The stored form is the hash, never the plaintext.
	nodeID, err := secrets.FindByHash(ctx, HashSecret(resp.NodeSecret))
	require.NoError(t, err)
	assert.Equal(t, resp.NodeID, nodeID)
}

func TestRegisterTokenIsSingleUse(t *testing.T) {
	reg, _, _, _ := newTestRegistry("")
	ctx := context.Background()

	tok, err := reg.CreateToken(ctx, "user-1", "")
	require.NoError(t, err)

	_, err = reg.Register(ctx, tok.Token, &RegisterRequest{Host: "a"})
	require.NoError(t, err)
	_, err = reg.Register(ctx, tok.Token, &RegisterRequest{Host: "b"})
	require.Error(t, err)
	assert.Equal(t, platform.KindAuth, platform.KindOf(err))
}

func TestReRegisterWithNodeSecret(t *testing.T) {
	reg, nodes, _, _ := newTestRegistry("")
	ctx := context.Background()

	tok, _ := reg.CreateToken(ctx, "user-1", "")
	first, err := reg.Register(ctx, tok.Token, &RegisterRequest{Host: "10.0.0.9", CapacityMB: 4096})
	require.NoError(t, err)

	resp, err := reg.Register(ctx, first.NodeSecret, &RegisterRequest{Host: "10.0.0.9", CapacityMB: 8192, AgentVersion: "1.5.0"})
	require.NoError(t, err)
	assert.Equal(t, first.NodeID, resp.NodeID, "per-node secret pins the id")
	assert.Empty(t, resp.NodeSecret, "the plaintext secret is returned exactly once")

	n, _ := nodes.Get(ctx, first.NodeID)
	assert.EqualValues(t, 8192, n.CapacityMB)
}

func TestRegisterUnknownBearerRejected(t *testing.T) {
	reg, _, _, _ := newTestRegistry("")
	_, err := reg.Register(context.Background(), "wopr_node_deadbeefdeadbeefdeadbeefdeadbeef", &RegisterRequest{Host: "h"})
	require.Error(t, err)
	assert.Equal(t, platform.KindAuth, platform.KindOf(err))
}

func TestReRegisterDrainingNodeRejected(t *testing.T) {
	reg, nodes, _, _ := newTestRegistry("s3cret")
	ctx := context.Background()

	_, err := reg.Register(ctx, "s3cret", &RegisterRequest{NodeID: "node-1", Host: "h", CapacityMB: 1024})
	require.NoError(t, err)
	require.NoError(t, nodes.Transition(ctx, "node-1", store.NodeActive, store.NodeDraining, "admin_drain", "admin"))

	_, err = reg.Register(ctx, "s3cret", &RegisterRequest{NodeID: "node-1", Host: "h"})
	require.Error(t, err)
	assert.Equal(t, platform.KindConflict, platform.KindOf(err))
}

func TestReRegisterDegradedNodeGoesActive(t *testing.T) {
	reg, nodes, _, _ := newTestRegistry("s3cret")
	ctx := context.Background()

	_, err := reg.Register(ctx, "s3cret", &RegisterRequest{NodeID: "node-1", Host: "h", CapacityMB: 1024})
	require.NoError(t, err)
	require.NoError(t, nodes.Transition(ctx, "node-1", store.NodeActive, store.NodeDegraded, "heartbeat_missed", "monitor"))

	_, err = reg.Register(ctx, "s3cret", &RegisterRequest{NodeID: "node-1", Host: "h", CapacityMB: 1024})
	require.NoError(t, err)

	n, _ := nodes.Get(ctx, "node-1")
	assert.Equal(t, store.NodeActive, n.Status)

	trs, _ := nodes.Transitions(ctx, "node-1", 10)
	last := trs[len(trs)-1]
	assert.Equal(t, "register", last.Reason)
}

func TestDecommissionRequiresOffline(t *testing.T) {
	reg, nodes, _, _ := newTestRegistry("s3cret")
	ctx := context.Background()

	_, err := reg.Register(ctx, "s3cret", &RegisterRequest{NodeID: "node-1", Host: "h"})
	require.NoError(t, err)

	err = reg.Decommission(ctx, "node-1", "admin")
	require.Error(t, err, "active node cannot be decommissioned")
	assert.Equal(t, platform.KindConflict, platform.KindOf(err))

	require.NoError(t, nodes.Transition(ctx, "node-1", store.NodeActive, store.NodeDraining, "admin_drain", "admin"))
	require.NoError(t, nodes.Transition(ctx, "node-1", store.NodeDraining, store.NodeOffline, "drain_complete", "orchestrator"))
	require.NoError(t, reg.Decommission(ctx, "node-1", "admin"))

	n, _ := nodes.Get(ctx, "node-1")
	assert.Equal(t, store.NodeDecommissioned, n.Status)
}
