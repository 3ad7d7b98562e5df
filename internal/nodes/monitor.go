package nodes

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/wopr/platform/internal/metrics"
	"github.com/wopr/platform/internal/platform"
	"github.com/wopr/platform/internal/store"
)

// DefaultHeartbeatGrace is how long a node may stay silent before it is
// marked degraded. A node dead for three graces goes offline.
const DefaultHeartbeatGrace = 90 * time.Second

// Monitor walks heartbeat timestamps and drives the
// active -> degraded -> offline transitions. Going offline fires the
// recovery callback.
type Monitor struct {
	nodes store.NodeRepo
	met   *metrics.Metrics
	grace time.Duration

	// onOffline triggers automatic recovery for the lost node's bots.
	onOffline func(ctx context.Context, nodeID string)

	done chan struct{}
	wg   sync.WaitGroup
}

func NewMonitor(nodes store.NodeRepo, met *metrics.Metrics, grace time.Duration) *Monitor {
	if grace <= 0 {
		grace = DefaultHeartbeatGrace
	}
	return &Monitor{
		nodes: nodes,
		met:   met,
		grace: grace,
		done:  make(chan struct{}),
	}
}

// OnOffline registers the offline callback. Call before Start.
func (m *Monitor) OnOffline(fn func(ctx context.Context, nodeID string)) {
	m.onOffline = fn
}

// HeartbeatReceived flips a degraded node back to active. The transport
// calls this on every heartbeat; for healthy nodes it is a no-op.
func (m *Monitor) HeartbeatReceived(ctx context.Context, nodeID string) {
	n, err := m.nodes.Get(ctx, nodeID)
	if err != nil || n.Status != store.NodeDegraded {
		return
	}
	if err := m.nodes.Transition(ctx, nodeID, store.NodeDegraded, store.NodeActive, "heartbeat_received", "monitor"); err != nil {
		// A concurrent transition won the race; the next heartbeat
		// settles it.
		if platform.KindOf(err) != platform.KindConflict {
			slog.Warn("node recovery transition failed", "node", nodeID, "error", err)
		}
	}
}

// Start runs the sweep loop until Stop.
func (m *Monitor) Start() {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.grace / 3)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.Sweep(context.Background(), time.Now().UTC())
			case <-m.done:
				return
			}
		}
	}()
}

// Stop halts the sweep loop.
func (m *Monitor) Stop() {
	close(m.done)
	m.wg.Wait()
}

// Sweep performs one monitoring pass.
func (m *Monitor) Sweep(ctx context.Context, now time.Time) {
	// active -> degraded after one missed grace window.
	stale, err := m.nodes.StaleHeartbeats(ctx, now.Add(-m.grace), store.NodeActive)
	if err != nil {
		slog.Error("heartbeat sweep failed", "error", err)
		return
	}
	for _, n := range stale {
		if err := m.nodes.Transition(ctx, n.ID, store.NodeActive, store.NodeDegraded, "heartbeat_missed", "monitor"); err != nil {
			if platform.KindOf(err) != platform.KindConflict {
				slog.Warn("degrade transition failed", "node", n.ID, "error", err)
			}
			continue
		}
		slog.Warn("node degraded", "node", n.ID, "lastHeartbeat", n.LastHeartbeatAt.Time)
	}

	// degraded -> offline after the dead timeout.
	dead, err := m.nodes.StaleHeartbeats(ctx, now.Add(-3*m.grace), store.NodeDegraded)
	if err != nil {
		slog.Error("dead-node sweep failed", "error", err)
		return
	}
	for _, n := range dead {
		if err := m.nodes.Transition(ctx, n.ID, store.NodeDegraded, store.NodeOffline, "dead_timeout", "monitor"); err != nil {
			if platform.KindOf(err) != platform.KindConflict {
				slog.Warn("offline transition failed", "node", n.ID, "error", err)
			}
			continue
		}
		slog.Error("node offline", "node", n.ID)
		if m.onOffline != nil {
			m.onOffline(ctx, n.ID)
		}
	}

	m.publishGauges(ctx)
}

func (m *Monitor) publishGauges(ctx context.Context) {
	if m.met == nil {
		return
	}
	all, err := m.nodes.List(ctx)
	if err != nil {
		return
	}
	counts := map[store.NodeStatus]int{}
	for _, n := range all {
		counts[n.Status]++
	}
	for _, s := range []store.NodeStatus{
		store.NodeRegistering, store.NodeActive, store.NodeDegraded,
		store.NodeDraining, store.NodeOffline, store.NodeDecommissioned,
	} {
		m.met.NodesByStatus.WithLabelValues(string(s)).Set(float64(counts[s]))
	}
}
