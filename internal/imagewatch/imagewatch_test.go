package imagewatch

import (
	"context"
	"database/sql"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wopr/platform/internal/nodes"
	"github.com/wopr/platform/internal/platform"
	"github.com/wopr/platform/internal/store"
)

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

func (f *fakeBotRepo) Create(context.Context, *store.BotInstance) error { return nil }

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

func (f *fakeBotRepo) ListByNode(context.Context, string) ([]store.BotInstance, error) {
	return nil, nil
}
func (f *fakeBotRepo) ListByTenant(context.Context, string) ([]store.BotInstance, error) {
	return nil, nil
}

func (f *fakeBotRepo) ListByChannels(_ context.Context, channels ...string) ([]store.BotInstance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.BotInstance
	for _, b := range f.bots {
		for _, c := range channels {
			if b.ReleaseChannel == c {
				out = append(out, *b)
				break
			}
		}
	}
	return out, nil
}

func (f *fakeBotRepo) Reassign(context.Context, string, string) error           { return nil }
func (f *fakeBotRepo) ClearNode(context.Context, string) error                  { return nil }
func (f *fakeBotRepo) Delete(context.Context, string) error                     { return nil }
func (f *fakeBotRepo) CountActiveByTenant(context.Context, string) (int, error) { return 0, nil }

type fakeBus struct {
	digest string
}

func (f *fakeBus) Send(_ context.Context, _, cmdType string, _ interface{}, _ time.Duration) (*nodes.CommandResult, error) {
	if cmdType != nodes.CmdBotInspect {
		return &nodes.CommandResult{Success: true}, nil
	}
	data, _ := json.Marshal(map[string]string{"imageDigest": f.digest, "status": "running"})
	return &nodes.CommandResult{Success: true, Data: data}, nil
}

func (f *fakeBus) Connected(string) bool { return true }

type fakeProber struct {
	digest string
	err    error
}

func (f *fakeProber) Digest(context.Context, string) (string, error) { return f.digest, f.err }

func watchedBot(id, channel, policy string) store.BotInstance {
	return store.BotInstance{
		ID: id, TenantID: "acme", ReleaseChannel: channel, UpdatePolicy: policy,
		ImageRef: "ghcr.io/wopr/bot:stable",
		NodeID:   sql.NullString{String: "node-1", Valid: true},
	}
}

func TestProbeFiresCallbackOnNewDigest(t *testing.T) {
	bot := watchedBot("bot-1", "stable", PolicyOnPush)
	repo := newFakeBotRepo(bot)
	var gotBot, gotDigest string
	w := NewWatcher(repo, &fakeBus{digest: "sha256:old"}, &fakeProber{digest: "sha256:new"},
		func(_ context.Context, botID, digest string) {
			gotBot, gotDigest = botID, digest
		})

	w.probe(context.Background(), "bot-1")
	assert.Equal(t, "bot-1", gotBot)
	assert.Equal(t, "sha256:new", gotDigest)
}

func TestProbeSkipsUnchangedDigest(t *testing.T) {
	bot := watchedBot("bot-1", "stable", PolicyOnPush)
	repo := newFakeBotRepo(bot)
	fired := false
	w := NewWatcher(repo, &fakeBus{digest: "sha256:same"}, &fakeProber{digest: "sha256:same"},
		func(context.Context, string, string) { fired = true })

	w.probe(context.Background(), "bot-1")
	assert.False(t, fired)
}

func TestManualPolicyNeverUpdates(t *testing.T) {
	bot := watchedBot("bot-1", "stable", PolicyManual)
	repo := newFakeBotRepo(bot)
	fired := false
	w := NewWatcher(repo, &fakeBus{digest: "sha256:old"}, &fakeProber{digest: "sha256:new"},
		func(context.Context, string, string) { fired = true })

	w.probe(context.Background(), "bot-1")
	assert.False(t, fired)
}

func TestNightlyPolicyRespectsWindow(t *testing.T) {
	bot := watchedBot("bot-1", "stable", PolicyNightly)

	cases := []struct {
		at   time.Time
		want bool
	}{
		{time.Date(2026, 8, 24, 3, 2, 0, 0, time.UTC), true},
		{time.Date(2026, 8, 24, 3, 4, 59, 0, time.UTC), true},
		{time.Date(2026, 8, 24, 3, 5, 0, 0, time.UTC), false},
		{time.Date(2026, 8, 24, 2, 59, 0, 0, time.UTC), false},
		{time.Date(2026, 8, 24, 15, 2, 0, 0, time.UTC), false},
	}
	for _, tc := range cases {
		repo := newFakeBotRepo(bot)
		fired := false
		w := NewWatcher(repo, &fakeBus{digest: "sha256:old"}, &fakeProber{digest: "sha256:new"},
			func(context.Context, string, string) { fired = true })
		w.now = func() time.Time { return tc.at }

		w.probe(context.Background(), "bot-1")
		assert.Equal(t, tc.want, fired, "at %s", tc.at)
	}
}

func TestProberErrorKeepsTimerRunning(t *testing.T) {
	bot := watchedBot("bot-1", "stable", PolicyOnPush)
	repo := newFakeBotRepo(bot)
	fired := false
	w := NewWatcher(repo, &fakeBus{}, &fakeProber{err: assert.AnError},
		func(context.Context, string, string) { fired = true })

	w.probe(context.Background(), "bot-1")
	assert.False(t, fired)
}

func TestTrackReplacesAndUntrackCancels(t *testing.T) {
	bot := watchedBot("bot-1", "canary", PolicyOnPush)
	repo := newFakeBotRepo(bot)
	w := NewWatcher(repo, &fakeBus{}, &fakeProber{digest: "sha256:x"}, nil)

	w.TrackBot(&bot)
	w.TrackBot(&bot) // replaces the first timer, no leak
	w.mu.Lock()
	assert.Len(t, w.cancels, 1)
	w.mu.Unlock()

	w.UntrackBot("bot-1")
	w.mu.Lock()
	assert.Empty(t, w.cancels)
	w.mu.Unlock()
	w.Stop()
}

func TestPinnedChannelNeverTracked(t *testing.T) {
	bot := watchedBot("bot-1", "pinned", PolicyOnPush)
	repo := newFakeBotRepo(bot)
	w := NewWatcher(repo, &fakeBus{}, &fakeProber{}, nil)

	w.TrackBot(&bot)
	w.mu.Lock()
	assert.Empty(t, w.cancels)
	w.mu.Unlock()
}

func TestTrackAllPicksRollingChannels(t *testing.T) {
	repo := newFakeBotRepo(
		watchedBot("bot-1", "canary", PolicyOnPush),
		watchedBot("bot-2", "pinned", PolicyOnPush),
		watchedBot("bot-3", "stable", PolicyNightly),
	)
	w := NewWatcher(repo, &fakeBus{}, &fakeProber{}, nil)
	require.NoError(t, w.TrackAll(context.Background()))
	defer w.Stop()

	w.mu.Lock()
	assert.Len(t, w.cancels, 2)
	w.mu.Unlock()
}

func TestSplitRef(t *testing.T) {
	reg, repo, tag := splitRef("ghcr.io/wopr/bot:v1.2")
	assert.Equal(t, "ghcr.io", reg)
	assert.Equal(t, "wopr/bot", repo)
	assert.Equal(t, "v1.2", tag)

	reg, repo, tag = splitRef("redis")
	assert.Equal(t, "registry-1.docker.io", reg)
	assert.Equal(t, "library/redis", repo)
	assert.Equal(t, "latest", tag)
}
