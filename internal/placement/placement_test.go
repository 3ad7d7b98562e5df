package placement

import (
	"context"
	"database/sql"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wopr/platform/internal/nodes"
	"github.com/wopr/platform/internal/platform"
	"github.com/wopr/platform/internal/store"
)

type fakeNodeRepo struct {
	mu    sync.Mutex
	nodes map[string]*store.Node
}

func newFakeNodeRepo(ns ...store.Node) *fakeNodeRepo {
	f := &fakeNodeRepo{nodes: map[string]*store.Node{}}
	for i := range ns {
		cp := ns[i]
		f.nodes[cp.ID] = &cp
	}
	return f
}

func (f *fakeNodeRepo) Upsert(_ context.Context, n *store.Node) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *n
	f.nodes[n.ID] = &cp
	return nil
}

func (f *fakeNodeRepo) Get(_ context.Context, id string) (*store.Node, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, ok := f.nodes[id]
	if !ok {
		return nil, platform.E(platform.KindNotFound, "not found")
	}
	cp := *n
	return &cp, nil
}

func (f *fakeNodeRepo) List(context.Context) ([]store.Node, error) { return nil, nil }

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

func (f *fakeNodeRepo) Transition(context.Context, string, store.NodeStatus, store.NodeStatus, string, string) error {
	return nil
}
func (f *fakeNodeRepo) Heartbeat(context.Context, string, int64, string) error { return nil }
func (f *fakeNodeRepo) StaleHeartbeats(context.Context, time.Time, ...store.NodeStatus) ([]store.Node, error) {
	return nil, nil
}
func (f *fakeNodeRepo) Transitions(context.Context, string, int) ([]store.NodeTransition, error) {
	return nil, nil
}

type fakeBotRepo struct {
	mu   sync.Mutex
	bots map[string]*store.BotInstance
}

func newFakeBotRepo(bs ...store.BotInstance) *fakeBotRepo {
	f := &fakeBotRepo{bots: map[string]*store.BotInstance{}}
	for i := range bs {
		cp := bs[i]
		f.bots[cp.ID] = &cp
	}
	return f
}

func (f *fakeBotRepo) Create(_ context.Context, b *store.BotInstance) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *b
	f.bots[b.ID] = &cp
	return nil
}

func (f *fakeBotRepo) Get(_ context.Context, id string) (*store.BotInstance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.bots[id]
	if !ok {
		return nil, platform.E(platform.KindNotFound, "not found")
	}
	cp := *b
	return &cp, nil
}

func (f *fakeBotRepo) ListByNode(_ context.Context, nodeID string) ([]store.BotInstance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.BotInstance
	for _, b := range f.bots {
		if b.NodeID.Valid && b.NodeID.String == nodeID {
			out = append(out, *b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *fakeBotRepo) ListByTenant(context.Context, string) ([]store.BotInstance, error) {
	return nil, nil
}
func (f *fakeBotRepo) ListByChannels(context.Context, ...string) ([]store.BotInstance, error) {
	return nil, nil
}

func (f *fakeBotRepo) Reassign(_ context.Context, botID, targetNodeID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.bots[botID]
	if !ok {
		return platform.E(platform.KindNotFound, "not found")
	}
	b.PrevNodeID = b.NodeID
	b.NodeID = sql.NullString{String: targetNodeID, Valid: true}
	b.NodeChangedAt = sql.NullTime{Time: time.Now().UTC(), Valid: true}
	return nil
}

func (f *fakeBotRepo) ClearNode(context.Context, string) error                  { return nil }
func (f *fakeBotRepo) Delete(context.Context, string) error                     { return nil }
func (f *fakeBotRepo) CountActiveByTenant(context.Context, string) (int, error) { return 0, nil }

type fakeRecoveryRepo struct {
	mu     sync.Mutex
	events map[string]*store.RecoveryEvent
	items  map[string]*store.RecoveryItem
}

func newFakeRecoveryRepo() *fakeRecoveryRepo {
	return &fakeRecoveryRepo{
		events: map[string]*store.RecoveryEvent{},
		items:  map[string]*store.RecoveryItem{},
	}
}

func (f *fakeRecoveryRepo) CreateEvent(_ context.Context, e *store.RecoveryEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *e
	f.events[e.ID] = &cp
	return nil
}

func (f *fakeRecoveryRepo) GetEvent(_ context.Context, id string) (*store.RecoveryEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.events[id]
	if !ok {
		return nil, platform.E(platform.KindNotFound, "not found")
	}
	cp := *e
	return &cp, nil
}

func (f *fakeRecoveryRepo) ListEvents(context.Context, int) ([]store.RecoveryEvent, error) {
	return nil, nil
}

func (f *fakeRecoveryRepo) CloseEvent(_ context.Context, e *store.RecoveryEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *e
	cp.CompletedAt = sql.NullTime{Time: time.Now().UTC(), Valid: true}
	f.events[e.ID] = &cp
	return nil
}

func (f *fakeRecoveryRepo) UpdateEventCounts(_ context.Context, e *store.RecoveryEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *e
	f.events[e.ID] = &cp
	return nil
}

func (f *fakeRecoveryRepo) CreateItem(_ context.Context, it *store.RecoveryItem) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *it
	f.items[it.ID] = &cp
	return nil
}

func (f *fakeRecoveryRepo) UpdateItem(_ context.Context, it *store.RecoveryItem) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *it
	f.items[it.ID] = &cp
	return nil
}

func (f *fakeRecoveryRepo) ItemsByEvent(_ context.Context, eventID string, statuses ...store.RecoveryItemStatus) ([]store.RecoveryItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.RecoveryItem
	for _, it := range f.items {
		if it.EventID != eventID {
			continue
		}
		if len(statuses) > 0 {
			match := false
			for _, s := range statuses {
				if it.Status == s {
					match = true
					break
				}
			}
			if !match {
				continue
			}
		}
		out = append(out, *it)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BotID < out[j].BotID })
	return out, nil
}

// fakeBus answers every command with a scripted outcome.
type fakeBus struct {
	mu     sync.Mutex
	calls  []string // "<node>:<type>"
	script func(nodeID, cmdType string) *nodes.CommandResult
}

func (f *fakeBus) Send(_ context.Context, nodeID, cmdType string, _ interface{}, _ time.Duration) (*nodes.CommandResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, nodeID+":"+cmdType)
	f.mu.Unlock()
	if f.script != nil {
		if res := f.script(nodeID, cmdType); res != nil {
			return res, nil
		}
	}
	return &nodes.CommandResult{Success: true}, nil
}

func (f *fakeBus) Connected(string) bool { return true }

func activeNode(id string, capacity, used int64) store.Node {
	return store.Node{ID: id, Status: store.NodeActive, CapacityMB: capacity, UsedMB: used}
}

func botOn(id, tenant, nodeID string, mb int64) store.BotInstance {
	return store.BotInstance{
		ID: id, TenantID: tenant, EstimatedMB: mb,
		NodeID: sql.NullString{String: nodeID, Valid: true},
	}
}

func TestFindBestTargetPrefersMostFree(t *testing.T) {
	svc := NewService(newFakeNodeRepo(
		activeNode("node-a", 4096, 3000), // 1096 free
		activeNode("node-b", 4096, 1000), // 3096 free
		activeNode("node-c", 8192, 6000), // 2192 free
	), newFakeBotRepo(), newFakeRecoveryRepo(), &fakeBus{}, nil, nil)

	target, err := svc.FindBestTarget(context.Background(), "", 500)
	require.NoError(t, err)
	require.NotNil(t, target)
	assert.Equal(t, "node-b", target.ID)
}

func TestFindBestTargetTieBreaksByID(t *testing.T) {
	svc := NewService(newFakeNodeRepo(
		activeNode("node-b", 4096, 1000),
		activeNode("node-a", 4096, 1000),
	), newFakeBotRepo(), newFakeRecoveryRepo(), &fakeBus{}, nil, nil)

	target, err := svc.FindBestTarget(context.Background(), "", 500)
	require.NoError(t, err)
	assert.Equal(t, "node-a", target.ID)
}

func TestFindBestTargetSkipsExcludedAndInactive(t *testing.T) {
	repo := newFakeNodeRepo(
		activeNode("node-a", 8192, 0),
		activeNode("node-b", 4096, 1000),
		store.Node{ID: "node-c", Status: store.NodeDraining, CapacityMB: 16384},
	)
	svc := NewService(repo, newFakeBotRepo(), newFakeRecoveryRepo(), &fakeBus{}, nil, nil)

	target, err := svc.FindBestTarget(context.Background(), "node-a", 500)
	require.NoError(t, err)
	require.NotNil(t, target)
	assert.Equal(t, "node-b", target.ID)

	target, err = svc.FindBestTarget(context.Background(), "node-a", 4000)
	require.NoError(t, err)
	assert.Nil(t, target, "draining node is never a candidate")
}

func TestTriggerRecoveryMovesBots(t *testing.T) {
	bots := newFakeBotRepo(
		botOn("bot-1", "acme", "node-dead", 100),
		botOn("bot-2", "globex", "node-dead", 100),
	)
	rec := newFakeRecoveryRepo()
	bus := &fakeBus{}
	svc := NewService(newFakeNodeRepo(
		activeNode("node-live", 4096, 0),
	), bots, rec, bus, nil, nil)

	event, err := svc.TriggerRecovery(context.Background(), "node-dead", store.RecoveryAuto)
	require.NoError(t, err)
	assert.Equal(t, store.RecoveryCompleted, event.Status)
	assert.Equal(t, 2, event.TenantsRecovered)

	b, _ := bots.Get(context.Background(), "bot-1")
	assert.Equal(t, "node-live", b.NodeID.String)
	assert.Equal(t, "node-dead", b.PrevNodeID.String, "previous node stays observable")
}

func TestTriggerRecoveryNoCapacityLeavesWaiting(t *testing.T) {
	bots := newFakeBotRepo(botOn("bot-1", "acme", "node-dead", 100))
	rec := newFakeRecoveryRepo()
	svc := NewService(newFakeNodeRepo(), bots, rec, &fakeBus{}, nil, nil)

	event, err := svc.TriggerRecovery(context.Background(), "node-dead", store.RecoveryAuto)
	require.NoError(t, err)
	assert.Equal(t, store.RecoveryPartial, event.Status)
	assert.Equal(t, 1, event.TenantsWaiting)

	items, _ := rec.ItemsByEvent(context.Background(), event.ID, store.ItemWaiting)
	require.Len(t, items, 1)
	assert.Equal(t, "no_capacity", items[0].Reason.String)

	b, _ := bots.Get(context.Background(), "bot-1")
	assert.Equal(t, "node-dead", b.NodeID.String, "waiting bot keeps its node id")
}

func TestTriggerRecoveryImportFailureFallsBackToStart(t *testing.T) {
	bots := newFakeBotRepo(botOn("bot-1", "acme", "node-dead", 100))
	bus := &fakeBus{script: func(_, cmdType string) *nodes.CommandResult {
		if cmdType == nodes.CmdBotImport {
			return &nodes.CommandResult{Success: false, Error: "backup_not_found"}
		}
		return &nodes.CommandResult{Success: true}
	}}
	svc := NewService(newFakeNodeRepo(activeNode("node-live", 4096, 0)), bots, newFakeRecoveryRepo(), bus, nil, nil)

	event, err := svc.TriggerRecovery(context.Background(), "node-dead", store.RecoveryAuto)
	require.NoError(t, err)
	assert.Equal(t, 1, event.TenantsRecovered)
	assert.Contains(t, bus.calls, "node-live:"+nodes.CmdBotStart)
}

func TestRetryWaitingPromotesWhenCapacityAppears(t *testing.T) {
	bots := newFakeBotRepo(botOn("bot-1", "acme", "node-dead", 100))
	rec := newFakeRecoveryRepo()
	nodeRepo := newFakeNodeRepo()
	svc := NewService(nodeRepo, bots, rec, &fakeBus{}, nil, nil)
	ctx := context.Background()

	event, err := svc.TriggerRecovery(ctx, "node-dead", store.RecoveryAuto)
	require.NoError(t, err)
	require.Equal(t, 1, event.TenantsWaiting)

	// Capacity appears.
	n := activeNode("node-new", 4096, 0)
	require.NoError(t, nodeRepo.Upsert(ctx, &n))

	updated, err := svc.RetryWaiting(ctx, event.ID)
	require.NoError(t, err)
	assert.Equal(t, store.RecoveryCompleted, updated.Status)
	assert.Equal(t, 1, updated.TenantsRecovered)
	assert.Equal(t, 0, updated.TenantsWaiting)

	items, _ := rec.ItemsByEvent(ctx, event.ID)
	require.Len(t, items, 1)
	assert.Equal(t, store.ItemRecovered, items[0].Status)
	assert.Equal(t, "node-new", items[0].TargetNode.String)
}

func TestRetryWaitingIgnoresSettledItems(t *testing.T) {
	bots := newFakeBotRepo(
		botOn("bot-1", "acme", "node-dead", 100),
	)
	rec := newFakeRecoveryRepo()
	bus := &fakeBus{}
	svc := NewService(newFakeNodeRepo(activeNode("node-live", 4096, 0)), bots, rec, bus, nil, nil)
	ctx := context.Background()

	event, err := svc.TriggerRecovery(ctx, "node-dead", store.RecoveryAuto)
	require.NoError(t, err)
	require.Equal(t, 1, event.TenantsRecovered)

	before := len(bus.calls)
	_, err = svc.RetryWaiting(ctx, event.ID)
	require.NoError(t, err)
	assert.Equal(t, before, len(bus.calls), "recovered items are not re-processed")
}
