// Package migration moves bots between nodes with a bounded downtime
// window, and drains nodes by migrating everything off them.
package migration

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/wopr/platform/internal/metrics"
	"github.com/wopr/platform/internal/nodes"
	"github.com/wopr/platform/internal/notify"
	"github.com/wopr/platform/internal/placement"
	"github.com/wopr/platform/internal/platform"
	"github.com/wopr/platform/internal/store"
)

// Result is the outcome of one bot migration.
type Result struct {
	Success      bool   `json:"success"`
	Error        string `json:"error,omitempty"`
	SourceNodeID string `json:"sourceNodeId,omitempty"`
	TargetNodeID string `json:"targetNodeId,omitempty"`
	DowntimeMs   int64  `json:"downtimeMs,omitempty"`
}

// DrainResult reports a node drain.
type DrainResult struct {
	NodeID   string   `json:"nodeId"`
	Migrated []string `json:"migrated"`
	Failed   []string `json:"failed"`
}

// Orchestrator runs the export/upload/download/stop/import/inspect
// sequence over the command bus.
type Orchestrator struct {
	bots     store.BotInstanceRepo
	nodeRepo store.NodeRepo
	placer   *placement.Service
	bus      placement.CommandSender
	notifier *notify.Notifier
	met      *metrics.Metrics
}

func NewOrchestrator(bots store.BotInstanceRepo, nodeRepo store.NodeRepo, placer *placement.Service, bus placement.CommandSender, notifier *notify.Notifier, met *metrics.Metrics) *Orchestrator {
	return &Orchestrator{
		bots:     bots,
		nodeRepo: nodeRepo,
		placer:   placer,
		bus:      bus,
		notifier: notifier,
		met:      met,
	}
}

// Migrate moves one bot. With no explicit target the best-fit active
// node (excluding the source) is chosen. Downtime is the wall clock
// between bot.stop on the source and a running bot.inspect on the
// target; on a late-stage failure the source bot is restarted.
func (o *Orchestrator) Migrate(ctx context.Context, botID, targetNodeID string, estimatedMB int64) (*Result, error) {
	bot, err := o.bots.Get(ctx, botID)
	if err != nil {
		return nil, err
	}
	if !bot.NodeID.Valid {
		return nil, platform.Ef(platform.KindConflict, "bot %s is not placed on any node", botID)
	}
	source := bot.NodeID.String
	if estimatedMB <= 0 {
		estimatedMB = bot.EstimatedMB
	}

	if targetNodeID == "" {
		target, err := o.placer.FindBestTarget(ctx, source, estimatedMB)
		if err != nil {
			return nil, err
		}
		if target == nil {
			return &Result{Success: false, Error: "no_node_with_sufficient_capacity", SourceNodeID: source}, nil
		}
		targetNodeID = target.ID
	}
	if targetNodeID == source {
		return nil, platform.E(platform.KindValidation, "target node equals source node")
	}
	if _, err := o.nodeRepo.Get(ctx, targetNodeID); err != nil {
		return nil, err
	}

	name := fmt.Sprintf("tenant_%s", bot.TenantID)
	filename := name + ".tar.gz"
	fail := func(step string, err error, res *nodes.CommandResult) (*Result, error) {
		msg := step
		switch {
		case err != nil:
			msg = fmt.Sprintf("%s: %s", step, err)
		case res != nil && res.Error != "":
			msg = fmt.Sprintf("%s: %s", step, res.Error)
		}
		slog.Warn("migration failed", "bot", botID, "step", step, "error", msg)
		return &Result{Success: false, Error: msg, SourceNodeID: source, TargetNodeID: targetNodeID}, nil
	}

	// Preparation runs while the bot keeps serving.
	res, err := o.bus.Send(ctx, source, nodes.CmdBotExport, map[string]string{"name": name}, nodes.LongOpTimeout)
	if err != nil || !res.Success {
		return fail("bot.export", err, res)
	}
	res, err = o.bus.Send(ctx, source, nodes.CmdBackupUpload, map[string]string{"filename": filename}, nodes.LongOpTimeout)
	if err != nil || !res.Success {
		return fail("backup.upload", err, res)
	}
	res, err = o.bus.Send(ctx, targetNodeID, nodes.CmdBackupDownload, map[string]string{"filename": filename}, nodes.LongOpTimeout)
	if err != nil || !res.Success {
		return fail("backup.download", err, res)
	}

	// Downtime window opens here.
	stoppedAt := time.Now()
	res, err = o.bus.Send(ctx, source, nodes.CmdBotStop, map[string]string{"name": name}, nodes.ControlTimeout)
	if err != nil || !res.Success {
		return fail("bot.stop", err, res)
	}

	res, err = o.bus.Send(ctx, targetNodeID, nodes.CmdBotImport,
		map[string]string{"name": name, "filename": filename, "image": bot.ImageRef}, nodes.LongOpTimeout)
	if err != nil || !res.Success {
		o.rollback(ctx, source, name)
		return fail("bot.import", err, res)
	}

	res, err = o.bus.Send(ctx, targetNodeID, nodes.CmdBotInspect, map[string]string{"name": name}, nodes.ControlTimeout)
	if err != nil || !res.Success {
		o.rollback(ctx, source, name)
		return fail("bot.inspect", err, res)
	}
	downtime := time.Since(stoppedAt)

	if err := o.bots.Reassign(ctx, botID, targetNodeID); err != nil {
		return nil, err
	}
	if o.met != nil {
		o.met.MigrationTime.Observe(downtime.Seconds())
	}
	slog.Info("migration complete", "bot", botID, "source", source, "target", targetNodeID,
		"downtimeMs", downtime.Milliseconds())
	return &Result{
		Success:      true,
		SourceNodeID: source,
		TargetNodeID: targetNodeID,
		DowntimeMs:   downtime.Milliseconds(),
	}, nil
}

// rollback restarts the source bot after a failed import. Best effort.
func (o *Orchestrator) rollback(ctx context.Context, source, name string) {
	if _, err := o.bus.Send(ctx, source, nodes.CmdBotStart, map[string]string{"name": name}, nodes.ControlTimeout); err != nil {
		slog.Error("migration rollback failed, bot may be down", "node", source, "name", name, "error", err)
	}
}

// Drain moves every bot off the node, then takes it offline. The node
// goes to draining first so placement stops targeting it.
func (o *Orchestrator) Drain(ctx context.Context, nodeID, actor string) (*DrainResult, error) {
	node, err := o.nodeRepo.Get(ctx, nodeID)
	if err != nil {
		return nil, err
	}
	if err := o.nodeRepo.Transition(ctx, nodeID, node.Status, store.NodeDraining, "node_drain", actor); err != nil {
		return nil, err
	}

	bots, err := o.bots.ListByNode(ctx, nodeID)
	if err != nil {
		return nil, err
	}

	out := &DrainResult{NodeID: nodeID, Migrated: []string{}, Failed: []string{}}
	for _, b := range bots {
		res, err := o.Migrate(ctx, b.ID, "", 0)
		if err != nil || !res.Success {
			out.Failed = append(out.Failed, b.ID)
			continue
		}
		out.Migrated = append(out.Migrated, b.ID)
	}

	if len(out.Failed) == 0 {
		if err := o.nodeRepo.Transition(ctx, nodeID, store.NodeDraining, store.NodeOffline, "drain_complete", actor); err != nil {
			return nil, err
		}
	} else if o.notifier != nil {
		o.notifier.Notify("warning", "drain incomplete",
			fmt.Sprintf("node %s: %d migrated, %d failed", nodeID, len(out.Migrated), len(out.Failed)),
			map[string]interface{}{"node": nodeID, "failed": out.Failed})
	}
	return out, nil
}
