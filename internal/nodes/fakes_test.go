package nodes

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/wopr/platform/internal/platform"
	"github.com/wopr/platform/internal/store"
)

type fakeNodeRepo struct {
	mu          sync.Mutex
	nodes       map[string]*store.Node
	transitions []store.NodeTransition
}

func newFakeNodeRepo() *fakeNodeRepo {
	return &fakeNodeRepo{nodes: map[string]*store.Node{}}
}

func (f *fakeNodeRepo) Upsert(_ context.Context, n *store.Node) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *n
	if cp.RegisteredAt.IsZero() {
		cp.RegisteredAt = time.Now().UTC()
	}
	f.nodes[n.ID] = &cp
	return nil
}

func (f *fakeNodeRepo) Get(_ context.Context, nodeID string) (*store.Node, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, ok := f.nodes[nodeID]
	if !ok {
		return nil, platform.Ef(platform.KindNotFound, "node %s not found", nodeID)
	}
	cp := *n
	return &cp, nil
}

func (f *fakeNodeRepo) List(context.Context) ([]store.Node, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.Node
	for _, n := range f.nodes {
		out = append(out, *n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *fakeNodeRepo) ListByStatus(_ context.Context, statuses ...store.NodeStatus) ([]store.Node, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.Node
	for _, n := range f.nodes {
		for _, s := range statuses {
			if n.Status == s {
				out = append(out, *n)
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *fakeNodeRepo) Transition(_ context.Context, nodeID string, from, to store.NodeStatus, reason, actor string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, ok := f.nodes[nodeID]
	if !ok || n.Status != from {
		return platform.Ef(platform.KindConflict, "node %s is not %s", nodeID, from)
	}
	n.Status = to
	f.transitions = append(f.transitions, store.NodeTransition{
		NodeID: nodeID, FromStatus: string(from), ToStatus: string(to),
		Reason: reason, Actor: actor, TS: time.Now().UTC(),
	})
	return nil
}

func (f *fakeNodeRepo) Heartbeat(_ context.Context, nodeID string, usedMB int64, agentVersion string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, ok := f.nodes[nodeID]
	if !ok {
		return platform.Ef(platform.KindNotFound, "node %s not found", nodeID)
	}
	n.UsedMB = usedMB
	n.AgentVersion.String = agentVersion
	n.AgentVersion.Valid = true
	n.LastHeartbeatAt.Time = time.Now().UTC()
	n.LastHeartbeatAt.Valid = true
	return nil
}

func (f *fakeNodeRepo) StaleHeartbeats(_ context.Context, cutoff time.Time, statuses ...store.NodeStatus) ([]store.Node, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.Node
	for _, n := range f.nodes {
		match := false
		for _, s := range statuses {
			if n.Status == s {
				match = true
				break
			}
		}
		if !match {
			continue
		}
		if !n.LastHeartbeatAt.Valid || n.LastHeartbeatAt.Time.Before(cutoff) {
			out = append(out, *n)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *fakeNodeRepo) Transitions(_ context.Context, nodeID string, limit int) ([]store.NodeTransition, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.NodeTransition
	for _, t := range f.transitions {
		if t.NodeID == nodeID {
			out = append(out, t)
		}
	}
	return out, nil
}

func (f *fakeNodeRepo) setHeartbeat(nodeID string, at time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := f.nodes[nodeID]
	n.LastHeartbeatAt.Time = at
	n.LastHeartbeatAt.Valid = true
}

type fakeSecretRepo struct {
	mu      sync.Mutex
	byHash  map[string]string
}

func newFakeSecretRepo() *fakeSecretRepo {
	return &fakeSecretRepo{byHash: map[string]string{}}
}

func (f *fakeSecretRepo) Set(_ context.Context, nodeID, hashedSecret string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.byHash[hashedSecret] = nodeID
	return nil
}

func (f *fakeSecretRepo) FindByHash(_ context.Context, hashedSecret string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	nodeID, ok := f.byHash[hashedSecret]
	if !ok {
		return "", platform.E(platform.KindNotFound, "unknown node secret")
	}
	return nodeID, nil
}

type fakeTokenRepo struct {
	mu     sync.Mutex
	tokens map[string]*store.RegistrationToken
}

func newFakeTokenRepo() *fakeTokenRepo {
	return &fakeTokenRepo{tokens: map[string]*store.RegistrationToken{}}
}

func (f *fakeTokenRepo) Create(_ context.Context, t *store.RegistrationToken) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *t
	f.tokens[t.Token] = &cp
	return nil
}

func (f *fakeTokenRepo) Consume(_ context.Context, token string) (*store.RegistrationToken, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tokens[token]
	if !ok || t.ConsumedAt.Valid {
		return nil, platform.E(platform.KindAuth, "registration token invalid or already used")
	}
	t.ConsumedAt.Time = time.Now().UTC()
	t.ConsumedAt.Valid = true
	cp := *t
	return &cp, nil
}
