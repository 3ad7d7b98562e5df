// Package deletion implements the 30-day-grace account deletion flow.
package deletion

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/wopr/platform/internal/audit"
	"github.com/wopr/platform/internal/store"
)

// GracePeriod is how long a pending request waits before execution.
const GracePeriod = 30 * 24 * time.Hour

// ExecuteFunc tears down all tenant resources. It is supplied by the
// caller; this package only schedules and records it.
type ExecuteFunc func(ctx context.Context, tenantID string) (summary map[string]interface{}, err error)

// SweepResult reports one expiry sweep.
type SweepResult struct {
	Processed int `json:"processed"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// Service schedules and executes account deletions.
type Service struct {
	repo    store.DeletionRepo
	auditor *audit.Recorder
	execute ExecuteFunc
	cron    *cron.Cron
}

func NewService(repo store.DeletionRepo, auditor *audit.Recorder, execute ExecuteFunc) *Service {
	return &Service{repo: repo, auditor: auditor, execute: execute}
}

// Create schedules deletion of the tenant after the grace period.
func (s *Service) Create(ctx context.Context, tenantID, userID string) (*store.DeletionRequest, error) {
	now := time.Now().UTC()
	req := &store.DeletionRequest{
		ID:          uuid.NewString(),
		TenantID:    tenantID,
		UserID:      userID,
		Status:      store.DeletionPending,
		DeleteAfter: now.Add(GracePeriod),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.repo.Create(ctx, req); err != nil {
		return nil, err
	}
	s.auditor.Record(ctx, userID, "deletion.requested", tenantID,
		map[string]interface{}{"requestId": req.ID, "deleteAfter": req.DeleteAfter})
	slog.Info("account deletion scheduled", "tenant", tenantID, "request", req.ID, "deleteAfter", req.DeleteAfter)
	return req, nil
}

func (s *Service) Get(ctx context.Context, id string) (*store.DeletionRequest, error) {
	return s.repo.Get(ctx, id)
}

// Cancel aborts a pending request. Cancelling a request that already
// ran or was cancelled is a no-op.
func (s *Service) Cancel(ctx context.Context, id, reason, actor string) error {
	if err := s.repo.Cancel(ctx, id, reason); err != nil {
		return err
	}
	s.auditor.Record(ctx, actor, "deletion.cancelled", id, map[string]interface{}{"reason": reason})
	return nil
}

// Sweep executes every expired pending request. A failed execution
// leaves the row pending so the next sweep retries it.
func (s *Service) Sweep(ctx context.Context) (*SweepResult, error) {
	expired, err := s.repo.FindExpired(ctx, time.Now().UTC())
	if err != nil {
		return nil, err
	}

	out := &SweepResult{Processed: len(expired)}
	for _, req := range expired {
		summary, err := s.execute(ctx, req.TenantID)
		if err != nil {
			out.Failed++
			slog.Error("account deletion failed, will retry", "tenant", req.TenantID, "request", req.ID, "error", err)
			continue
		}
		raw, _ := json.Marshal(summary)
		if err := s.repo.MarkCompleted(ctx, req.ID, raw); err != nil {
			out.Failed++
			slog.Error("deletion completed but not recorded", "request", req.ID, "error", err)
			continue
		}
		out.Completed++
		s.auditor.Record(ctx, "system", "deletion.completed", req.TenantID,
			map[string]interface{}{"requestId": req.ID})
	}
	if out.Processed > 0 {
		slog.Info("deletion sweep finished", "processed", out.Processed, "completed", out.Completed, "failed", out.Failed)
	}
	return out, nil
}

// Start runs the hourly expiry sweep until Stop.
func (s *Service) Start() error {
	s.cron = cron.New(cron.WithLocation(time.UTC))
	_, err := s.cron.AddFunc("0 * * * *", func() {
		if _, err := s.Sweep(context.Background()); err != nil {
			slog.Error("deletion sweep failed", "error", err)
		}
	})
	if err != nil {
		return err
	}
	s.cron.Start()
	return nil
}

func (s *Service) Stop() {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
}
