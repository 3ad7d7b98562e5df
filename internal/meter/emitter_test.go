package meter

import (
	"bufio"
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wopr/platform/internal/credit"
	"github.com/wopr/platform/internal/platform"
	"github.com/wopr/platform/internal/store"
)

type fakeMeterRepo struct {
	mu       sync.Mutex
	inserted map[string]store.MeterEvent
	failures int
}

func newFakeMeterRepo() *fakeMeterRepo {
	return &fakeMeterRepo{inserted: map[string]store.MeterEvent{}}
}

func (f *fakeMeterRepo) InsertBatch(_ context.Context, events []*store.MeterEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return platform.E(platform.KindInternal, "db unavailable")
	}
	for _, ev := range events {
		// The UUID dedupes re-delivered events.
		if _, dup := f.inserted[ev.ID]; dup {
			continue
		}
		f.inserted[ev.ID] = *ev
	}
	return nil
}

func (f *fakeMeterRepo) ListWindow(context.Context, time.Time, time.Time) ([]store.MeterEvent, error) {
	return nil, nil
}

func (f *fakeMeterRepo) SpentSince(context.Context, string, time.Time) (credit.Credit, error) {
	return credit.Zero, nil
}

func (f *fakeMeterRepo) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.inserted)
}

func testOptions(t *testing.T) EmitterOptions {
	t.Helper()
	dir := t.TempDir()
	return EmitterOptions{
		WALPath:       filepath.Join(dir, "meter.wal"),
		DLQPath:       filepath.Join(dir, "meter.dlq"),
		FlushInterval: time.Hour, // tests flush by hand
		BatchSize:     1000,
		MaxRetries:    3,
	}
}

func event(tenant string) *store.MeterEvent {
	return &store.MeterEvent{
		TenantID:   tenant,
		CostRaw:    2_000_000,
		ChargeRaw:  2_600_000,
		Capability: "llm",
		Provider:   "openai",
	}
}

func TestEmitAssignsIDAndFlushes(t *testing.T) {
	repo := newFakeMeterRepo()
	e, err := NewEmitter(repo, nil, testOptions(t))
	require.NoError(t, err)
	defer e.Close(context.Background())

	ev := event("acme")
	e.Emit(ev)
	assert.NotEmpty(t, ev.ID)
	assert.False(t, ev.Timestamp.IsZero())

	e.Flush(context.Background())
	assert.Equal(t, 1, repo.count())
	assert.Equal(t, 0, e.Buffered())
}

func TestWALReplayAfterCrash(t *testing.T) {
	opts := testOptions(t)
	repo := newFakeMeterRepo()

	// First process: emit but never flush, then "crash" (no Close).
	e1, err := NewEmitter(repo, nil, opts)
	require.NoError(t, err)
	e1.Emit(event("acme"))
	e1.Emit(event("acme"))

	// Second process replays the WAL into its buffer.
	e2, err := NewEmitter(repo, nil, opts)
	require.NoError(t, err)
	defer e2.Close(context.Background())
	assert.Equal(t, 2, e2.Buffered())

	e2.Flush(context.Background())
	assert.Equal(t, 2, repo.count())
}

func TestFlushRetriesThenDeadLetters(t *testing.T) {
	opts := testOptions(t)
	repo := newFakeMeterRepo()
	repo.failures = 10 // fail every attempt within the retry budget

	e, err := NewEmitter(repo, nil, opts)
	require.NoError(t, err)
	defer e.Close(context.Background())

	e.Emit(event("acme"))
	for i := 0; i < opts.MaxRetries+1; i++ {
		e.Flush(context.Background())
	}

	assert.Equal(t, 0, e.Buffered(), "event left the buffer for the DLQ")
	assert.Equal(t, 0, repo.count())

	f, err := os.Open(opts.DLQPath)
	require.NoError(t, err)
	defer f.Close()
	var lines int
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		lines++
	}
	assert.Equal(t, 1, lines)
}

func TestFlushFailureKeepsEventsUntilBudget(t *testing.T) {
	opts := testOptions(t)
	repo := newFakeMeterRepo()
	repo.failures = 2

	e, err := NewEmitter(repo, nil, opts)
	require.NoError(t, err)
	defer e.Close(context.Background())

	e.Emit(event("acme"))
	e.Flush(context.Background()) // fails, retries=1
	assert.Equal(t, 1, e.Buffered())
	e.Flush(context.Background()) // fails, retries=2
	e.Flush(context.Background()) // succeeds
	assert.Equal(t, 1, repo.count())
	assert.Equal(t, 0, e.Buffered())
}

func TestEmitAfterCloseIsSilentDrop(t *testing.T) {
	repo := newFakeMeterRepo()
	e, err := NewEmitter(repo, nil, testOptions(t))
	require.NoError(t, err)

	e.Emit(event("acme"))
	e.Close(context.Background())
	assert.Equal(t, 1, repo.count(), "close runs one final flush")

	e.Emit(event("acme"))
	assert.Equal(t, 0, e.Buffered())
	assert.Equal(t, 1, repo.count())
}

func TestWALCompactedAfterFlush(t *testing.T) {
	opts := testOptions(t)
	repo := newFakeMeterRepo()
	e, err := NewEmitter(repo, nil, opts)
	require.NoError(t, err)
	defer e.Close(context.Background())

	e.Emit(event("acme"))
	e.Flush(context.Background())

	info, err := os.Stat(opts.WALPath)
	require.NoError(t, err)
	assert.Zero(t, info.Size(), "WAL is empty after a clean flush")
}
