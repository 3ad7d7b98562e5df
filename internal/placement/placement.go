// Package placement decides where bots run and brings them back when a
// node is lost.
package placement

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/wopr/platform/internal/metrics"
	"github.com/wopr/platform/internal/nodes"
	"github.com/wopr/platform/internal/notify"
	"github.com/wopr/platform/internal/platform"
	"github.com/wopr/platform/internal/store"
)

// CommandSender is the slice of the node transport placement needs.
type CommandSender interface {
	Send(ctx context.Context, nodeID, cmdType string, payload interface{}, timeout time.Duration) (*nodes.CommandResult, error)
	Connected(nodeID string) bool
}

// Service implements placement scoring and node-loss recovery.
type Service struct {
	nodes    store.NodeRepo
	bots     store.BotInstanceRepo
	recovery store.RecoveryRepo
	bus      CommandSender
	notifier *notify.Notifier
	met      *metrics.Metrics
}

func NewService(nodeRepo store.NodeRepo, bots store.BotInstanceRepo, recovery store.RecoveryRepo, bus CommandSender, notifier *notify.Notifier, met *metrics.Metrics) *Service {
	return &Service{
		nodes:    nodeRepo,
		bots:     bots,
		recovery: recovery,
		bus:      bus,
		notifier: notifier,
		met:      met,
	}
}

// FindBestTarget picks the active node with the most free capacity that
// can hold requiredMB, ties broken by id. Returns nil when nothing fits.
func (s *Service) FindBestTarget(ctx context.Context, excludeNodeID string, requiredMB int64) (*store.Node, error) {
	active, err := s.nodes.ListByStatus(ctx, store.NodeActive)
	if err != nil {
		return nil, err
	}
	var candidates []store.Node
	for _, n := range active {
		if n.ID == excludeNodeID {
			continue
		}
		if n.FreeMB() >= requiredMB {
			candidates = append(candidates, n)
		}
	}
	if len(candidates) == 0 {
		return nil, nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].FreeMB() != candidates[j].FreeMB() {
			return candidates[i].FreeMB() > candidates[j].FreeMB()
		}
		return candidates[i].ID < candidates[j].ID
	})
	best := candidates[0]
	return &best, nil
}

// BackupKey is the object-store key for a bot's latest backup.
func BackupKey(tenantID string) string {
	return fmt.Sprintf("tenant_%s.tar.gz", tenantID)
}

// TriggerRecovery re-places every bot of a lost (or draining) node.
// Bots that do not fit anywhere stay waiting for RetryWaiting.
func (s *Service) TriggerRecovery(ctx context.Context, nodeID string, trigger store.RecoveryTrigger) (*store.RecoveryEvent, error) {
	bots, err := s.bots.ListByNode(ctx, nodeID)
	if err != nil {
		return nil, err
	}

	event := &store.RecoveryEvent{
		ID:           uuid.NewString(),
		NodeID:       nodeID,
		Trigger:      trigger,
		Status:       store.RecoveryInProgress,
		TenantsTotal: len(bots),
		StartedAt:    time.Now().UTC(),
	}
	if err := s.recovery.CreateEvent(ctx, event); err != nil {
		return nil, err
	}

	// Stable id order keeps retries deterministic.
	sort.Slice(bots, func(i, j int) bool { return bots[i].ID < bots[j].ID })
	for i := range bots {
		s.recoverBot(ctx, event, &bots[i])
	}

	event.Status = store.RecoveryCompleted
	if event.TenantsFailed > 0 || event.TenantsWaiting > 0 {
		event.Status = store.RecoveryPartial
	}
	report, _ := json.Marshal(map[string]interface{}{
		"total":     event.TenantsTotal,
		"recovered": event.TenantsRecovered,
		"failed":    event.TenantsFailed,
		"waiting":   event.TenantsWaiting,
		"trigger":   trigger,
	})
	event.ReportJSON = report
	if err := s.recovery.CloseEvent(ctx, event); err != nil {
		return nil, err
	}

	if event.TenantsFailed+event.TenantsWaiting > 0 && s.notifier != nil {
		s.notifier.Notify("warning", "recovery incomplete",
			fmt.Sprintf("node %s: %d recovered, %d failed, %d waiting",
				nodeID, event.TenantsRecovered, event.TenantsFailed, event.TenantsWaiting),
			map[string]interface{}{"eventId": event.ID, "node": nodeID})
	}
	slog.Info("recovery finished", "event", event.ID, "node", nodeID, "status", event.Status,
		"recovered", event.TenantsRecovered, "failed", event.TenantsFailed, "waiting", event.TenantsWaiting)
	return event, nil
}

func (s *Service) recoverBot(ctx context.Context, event *store.RecoveryEvent, bot *store.BotInstance) {
	item := &store.RecoveryItem{
		ID:         uuid.NewString(),
		EventID:    event.ID,
		TenantID:   bot.TenantID,
		BotID:      bot.ID,
		SourceNode: event.NodeID,
		StartedAt:  time.Now().UTC(),
	}

	target, err := s.FindBestTarget(ctx, event.NodeID, bot.EstimatedMB)
	if err != nil || target == nil {
		item.Status = store.ItemWaiting
		item.Reason.String = "no_capacity"
		item.Reason.Valid = true
		event.TenantsWaiting++
	} else {
		s.placeOn(ctx, item, bot, target.ID)
		switch item.Status {
		case store.ItemRecovered:
			event.TenantsRecovered++
		default:
			event.TenantsFailed++
		}
	}

	if err := s.recovery.CreateItem(ctx, item); err != nil {
		slog.Error("recovery item write failed", "bot", bot.ID, "error", err)
	}
	if s.met != nil {
		s.met.RecoveryOutcomes.WithLabelValues(string(item.Status)).Inc()
	}
}

// placeOn starts the bot on the target: import from the tenant backup
// when one exists, plain start otherwise.
func (s *Service) placeOn(ctx context.Context, item *store.RecoveryItem, bot *store.BotInstance, targetID string) {
	name := fmt.Sprintf("tenant_%s", bot.TenantID)
	key := BackupKey(bot.TenantID)

	res, err := s.bus.Send(ctx, targetID, nodes.CmdBotImport,
		map[string]string{"name": name, "backupKey": key, "image": bot.ImageRef}, nodes.LongOpTimeout)
	if err == nil && res.Success {
		item.BackupKey.String = key
		item.BackupKey.Valid = true
	} else {
		// No backup (stateless bot) or import failure: a fresh start is
		// still better than nothing.
		res, err = s.bus.Send(ctx, targetID, nodes.CmdBotStart,
			map[string]string{"name": name, "image": bot.ImageRef}, nodes.ControlTimeout)
	}

	now := time.Now().UTC()
	item.CompletedAt.Time = now
	item.CompletedAt.Valid = true
	switch {
	case err != nil:
		item.Status = store.ItemFailed
		item.Reason.String = platform.KindOf(err).String()
		item.Reason.Valid = true
	case !res.Success:
		item.Status = store.ItemFailed
		item.Reason.String = res.Error
		item.Reason.Valid = true
	default:
		if rerr := s.bots.Reassign(ctx, bot.ID, targetID); rerr != nil {
			item.Status = store.ItemFailed
			item.Reason.String = "reassign_failed"
			item.Reason.Valid = true
			return
		}
		item.Status = store.ItemRecovered
		item.TargetNode.String = targetID
		item.TargetNode.Valid = true
	}
}

// RetryWaiting re-runs placement for the event's waiting items only.
func (s *Service) RetryWaiting(ctx context.Context, eventID string) (*store.RecoveryEvent, error) {
	event, err := s.recovery.GetEvent(ctx, eventID)
	if err != nil {
		return nil, err
	}
	waiting, err := s.recovery.ItemsByEvent(ctx, eventID, store.ItemWaiting)
	if err != nil {
		return nil, err
	}

	for i := range waiting {
		item := &waiting[i]
		bot, err := s.bots.Get(ctx, item.BotID)
		if err != nil {
			continue
		}
		target, terr := s.FindBestTarget(ctx, event.NodeID, bot.EstimatedMB)
		if terr != nil || target == nil {
			continue // still waiting
		}
		s.placeOn(ctx, item, bot, target.ID)
		switch item.Status {
		case store.ItemRecovered:
			event.TenantsWaiting--
			event.TenantsRecovered++
		case store.ItemFailed:
			event.TenantsWaiting--
			event.TenantsFailed++
		}
		if err := s.recovery.UpdateItem(ctx, item); err != nil {
			slog.Error("recovery item update failed", "item", item.ID, "error", err)
		}
		if s.met != nil && item.Status != store.ItemWaiting {
			s.met.RecoveryOutcomes.WithLabelValues(string(item.Status)).Inc()
		}
	}

	event.Status = store.RecoveryCompleted
	if event.TenantsFailed > 0 || event.TenantsWaiting > 0 {
		event.Status = store.RecoveryPartial
	}
	if err := s.recovery.UpdateEventCounts(ctx, event); err != nil {
		return nil, err
	}
	return event, nil
}
