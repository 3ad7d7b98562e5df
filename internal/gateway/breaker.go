package gateway

import (
	"context"
	"database/sql"
	"log/slog"
	"sync"
	"time"

	"github.com/wopr/platform/internal/metrics"
	"github.com/wopr/platform/internal/store"
)

// Breaker is a per-instance error-rate circuit breaker. State is
// persisted so a restart does not forget a tripped instance; a
// per-instance mutex serializes the read-modify-write.
type Breaker struct {
	repo       store.BreakerRepo
	threshold  int
	window     time.Duration
	resetAfter time.Duration
	met        *metrics.Metrics

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewBreaker(repo store.BreakerRepo, threshold int, window, resetAfter time.Duration, met *metrics.Metrics) *Breaker {
	return &Breaker{
		repo:       repo,
		threshold:  threshold,
		window:     window,
		resetAfter: resetAfter,
		met:        met,
		locks:      map[string]*sync.Mutex{},
	}
}

func (b *Breaker) lockFor(instanceID string) *sync.Mutex {
	b.mu.Lock()
	defer b.mu.Unlock()
	l, ok := b.locks[instanceID]
	if !ok {
		l = &sync.Mutex{}
		b.locks[instanceID] = l
	}
	return l
}

// Allow reports whether the instance may proceed. A tripped breaker
// stays open until resetAfter has elapsed, then resets fully.
func (b *Breaker) Allow(ctx context.Context, instanceID string) (bool, error) {
	l := b.lockFor(instanceID)
	l.Lock()
	defer l.Unlock()

	s, err := b.repo.Get(ctx, instanceID)
	if err != nil {
		return false, err
	}
	if s == nil || !s.TrippedAt.Valid {
		return true, nil
	}
	if time.Since(s.TrippedAt.Time) < b.resetAfter {
		return false, nil
	}
	s.Count = 0
	s.WindowStart = time.Now().UTC()
	s.TrippedAt = sql.NullTime{}
	if err := b.repo.Upsert(ctx, s); err != nil {
		return false, err
	}
	slog.Info("circuit breaker reset", "instance", instanceID)
	return true, nil
}

// RecordFailure counts one error for the instance, tripping the breaker
// once the window's error count crosses the threshold.
func (b *Breaker) RecordFailure(ctx context.Context, instanceID string) error {
	l := b.lockFor(instanceID)
	l.Lock()
	defer l.Unlock()

	now := time.Now().UTC()
	s, err := b.repo.Get(ctx, instanceID)
	if err != nil {
		return err
	}
	if s == nil || now.Sub(s.WindowStart) > b.window {
		s = &store.BreakerState{InstanceID: instanceID, WindowStart: now}
	}
	if s.TrippedAt.Valid {
		return nil
	}
	s.Count++
	if s.Count > b.threshold {
		s.TrippedAt = sql.NullTime{Time: now, Valid: true}
		if b.met != nil {
			b.met.BreakerTrips.WithLabelValues(instanceID).Inc()
		}
		slog.Warn("circuit breaker tripped", "instance", instanceID, "errors", s.Count)
	}
	return b.repo.Upsert(ctx, s)
}
