// Package imagewatch polls container registries for new image digests
// and hands qualifying bots to the update callback.
package imagewatch

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/wopr/platform/internal/nodes"
	"github.com/wopr/platform/internal/placement"
	"github.com/wopr/platform/internal/store"
)

// Probe intervals per release channel. Pinned bots are never probed.
var channelIntervals = map[string]time.Duration{
	"canary":  5 * time.Minute,
	"staging": 15 * time.Minute,
	"stable":  30 * time.Minute,
}

// Update policies.
const (
	PolicyOnPush  = "on-push"
	PolicyNightly = "nightly"
	PolicyManual  = "manual"
)

// DigestProber resolves an image reference to its remote digest.
type DigestProber interface {
	Digest(ctx context.Context, imageRef string) (string, error)
}

// Watcher keeps one timer per tracked bot. Re-tracking replaces the
// timer atomically; untracking cancels it.
type Watcher struct {
	bots   store.BotInstanceRepo
	bus    placement.CommandSender
	prober DigestProber

	// onUpdate receives bots whose remote digest moved and whose policy
	// allows an update right now.
	onUpdate func(ctx context.Context, botID, newDigest string)

	// now is swapped in tests to pin the nightly window.
	now func() time.Time

	mu      sync.Mutex
	cancels map[string]chan struct{}
	wg      sync.WaitGroup
}

func NewWatcher(bots store.BotInstanceRepo, bus placement.CommandSender, prober DigestProber, onUpdate func(ctx context.Context, botID, newDigest string)) *Watcher {
	return &Watcher{
		bots:     bots,
		bus:      bus,
		prober:   prober,
		onUpdate: onUpdate,
		now:      time.Now,
		cancels:  map[string]chan struct{}{},
	}
}

// TrackAll starts watching every bot on a rolling release channel.
func (w *Watcher) TrackAll(ctx context.Context) error {
	bots, err := w.bots.ListByChannels(ctx, "canary", "staging", "stable")
	if err != nil {
		return err
	}
	for i := range bots {
		w.TrackBot(&bots[i])
	}
	slog.Info("image watcher tracking", "bots", len(bots))
	return nil
}

// TrackBot schedules recurring probes for the bot. Tracking an already
// tracked bot replaces its timer.
func (w *Watcher) TrackBot(bot *store.BotInstance) {
	interval, ok := channelIntervals[bot.ReleaseChannel]
	if !ok {
		w.UntrackBot(bot.ID)
		return
	}

	cancel := make(chan struct{})
	w.mu.Lock()
	if prev, ok := w.cancels[bot.ID]; ok {
		close(prev)
	}
	w.cancels[bot.ID] = cancel
	w.mu.Unlock()

	botID := bot.ID
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				w.probe(context.Background(), botID)
			case <-cancel:
				return
			}
		}
	}()
}

// UntrackBot cancels the bot's probe timer.
func (w *Watcher) UntrackBot(botID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if cancel, ok := w.cancels[botID]; ok {
		close(cancel)
		delete(w.cancels, botID)
	}
}

// Stop cancels every timer and waits for in-flight probes.
func (w *Watcher) Stop() {
	w.mu.Lock()
	for id, cancel := range w.cancels {
		close(cancel)
		delete(w.cancels, id)
	}
	w.mu.Unlock()
	w.wg.Wait()
}

// probe runs one digest comparison. Errors are logged; the timer keeps
// running.
func (w *Watcher) probe(ctx context.Context, botID string) {
	bot, err := w.bots.Get(ctx, botID)
	if err != nil {
		slog.Warn("image probe lookup failed", "bot", botID, "error", err)
		return
	}
	remote, err := w.prober.Digest(ctx, bot.ImageRef)
	if err != nil {
		slog.Warn("registry digest probe failed", "bot", botID, "image", bot.ImageRef, "error", err)
		return
	}
	current, err := w.currentDigest(ctx, bot)
	if err != nil {
		slog.Warn("running digest probe failed", "bot", botID, "error", err)
		return
	}
	if remote == "" || remote == current {
		return
	}
	if !w.policyPermits(bot.UpdatePolicy) {
		slog.Debug("update available but policy defers", "bot", botID, "policy", bot.UpdatePolicy)
		return
	}
	slog.Info("image update available", "bot", botID, "digest", remote)
	if w.onUpdate != nil {
		w.onUpdate(ctx, botID, remote)
	}
}

func (w *Watcher) currentDigest(ctx context.Context, bot *store.BotInstance) (string, error) {
	if !bot.NodeID.Valid {
		return "", nil
	}
	res, err := w.bus.Send(ctx, bot.NodeID.String, nodes.CmdBotInspect,
		map[string]string{"name": "tenant_" + bot.TenantID}, nodes.ControlTimeout)
	if err != nil {
		return "", err
	}
	var data struct {
		ImageDigest string `json:"imageDigest"`
	}
	if len(res.Data) > 0 {
		if err := json.Unmarshal(res.Data, &data); err != nil {
			return "", err
		}
	}
	return data.ImageDigest, nil
}

// policyPermits reports whether the policy allows updating right now.
// Nightly updates only fire inside the 03:00-03:05 UTC window so every
// probe interval crosses it at most once per night.
func (w *Watcher) policyPermits(policy string) bool {
	switch policy {
	case PolicyOnPush:
		return true
	case PolicyNightly:
		now := w.now().UTC()
		return now.Hour() == 3 && now.Minute() < 5
	default:
		return false
	}
}
