package gateway

import (
	"context"
	"strings"
	"time"

	"github.com/wopr/platform/internal/metrics"
	"github.com/wopr/platform/internal/store"
)

// capabilityFor maps a gateway path (under /v1) to its rate-limit
// class. Unknown paths are not rate-limited.
func capabilityFor(path string) string {
	switch {
	case strings.HasSuffix(path, "/chat/completions"),
		strings.HasSuffix(path, "/completions"),
		strings.HasSuffix(path, "/embeddings"),
		strings.HasSuffix(path, "/messages"):
		return "llm"
	case strings.HasSuffix(path, "/images/generations"),
		strings.HasSuffix(path, "/video/generations"):
		return "imageGen"
	case strings.HasSuffix(path, "/audio/speech"),
		strings.HasSuffix(path, "/audio/transcriptions"):
		return "audioSpeech"
	case strings.Contains(path, "/phone/"), strings.Contains(path, "/messages/sms"):
		return "telephony"
	default:
		return ""
	}
}

// RateDecision is one limiter verdict plus the header material.
type RateDecision struct {
	Allowed   bool
	Limit     int
	Remaining int
	Reset     time.Time
}

// RateLimiter counts requests per (tenant, capability) in fixed
// one-minute windows. Counters live in the database so limits survive a
// restart.
type RateLimiter struct {
	repo     store.RateLimitRepo
	limits   map[string]int
	fallback int
	met      *metrics.Metrics
}

func NewRateLimiter(repo store.RateLimitRepo, limits map[string]int, fallback int, met *metrics.Metrics) *RateLimiter {
	if fallback <= 0 {
		fallback = 60
	}
	return &RateLimiter{repo: repo, limits: limits, fallback: fallback, met: met}
}

func (l *RateLimiter) limitFor(capability string) int {
	if n, ok := l.limits[capability]; ok && n > 0 {
		return n
	}
	return l.fallback
}

// Allow consumes one slot for the tenant in the current window.
func (l *RateLimiter) Allow(ctx context.Context, tenantID, capability string) (*RateDecision, error) {
	windowStart := time.Now().UTC().Truncate(time.Minute)
	count, err := l.repo.Incr(ctx, "gateway:"+capability, tenantID, windowStart)
	if err != nil {
		return nil, err
	}
	limit := l.limitFor(capability)
	d := &RateDecision{
		Allowed:   count <= limit,
		Limit:     limit,
		Remaining: limit - count,
		Reset:     windowStart.Add(time.Minute),
	}
	if d.Remaining < 0 {
		d.Remaining = 0
	}
	if !d.Allowed && l.met != nil {
		l.met.RateLimited.WithLabelValues(capability).Inc()
	}
	return d, nil
}

// PurgeLoop deletes stale counter rows every few minutes until the
// context ends.
func (l *RateLimiter) PurgeLoop(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			_ = l.repo.PurgeBefore(ctx, time.Now().UTC().Add(-time.Hour))
		case <-ctx.Done():
			return
		}
	}
}
