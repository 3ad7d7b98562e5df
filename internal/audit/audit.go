// Package audit records administrative actions. Writes are best effort:
// an audit failure is logged and never fails the action it describes.
package audit

import (
	"context"
	"log/slog"
	"time"

	"github.com/wopr/platform/internal/store"
)

// Recorder appends audit rows with a bounded write deadline so a slow
// database cannot stall the calling request.
type Recorder struct {
	repo    store.AuditRepo
	timeout time.Duration
}

func NewRecorder(repo store.AuditRepo) *Recorder {
	return &Recorder{repo: repo, timeout: 2 * time.Second}
}

// Record writes one audit row. The context carries the caller's values
// but the write gets its own deadline.
func (r *Recorder) Record(ctx context.Context, actor, action, subject string, detail map[string]interface{}) {
	if r == nil || r.repo == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
	defer cancel()
	if err := r.repo.Insert(ctx, actor, action, subject, detail); err != nil {
		slog.Warn("audit write failed", "action", action, "subject", subject, "error", err)
	}
}
