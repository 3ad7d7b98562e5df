// Package meter is the usage metering pipeline: synchronous emit into a
// write-ahead log and an in-memory buffer, batched inserts into the
// database, and a dead-letter file for batches that keep failing.
package meter

import (
	"bufio"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wopr/platform/internal/metrics"
	"github.com/wopr/platform/internal/store"
)

const (
	DefaultFlushInterval = 250 * time.Millisecond
	DefaultBatchSize     = 100
	DefaultMaxRetries    = 3
)

// EmitterOptions tune the pipeline. Zero values take the defaults.
type EmitterOptions struct {
	WALPath       string
	DLQPath       string
	FlushInterval time.Duration
	BatchSize     int
	MaxRetries    int
}

// Emitter buffers meter events and flushes them in batches. The WAL is
// a crash-recovery log, not a queue: every accepted event is on disk
// before it is buffered, and the WAL is compacted down to the surviving
// buffer after each successful flush.
type Emitter struct {
	repo store.MeterRepo
	met  *metrics.Metrics
	opts EmitterOptions

	mu     sync.Mutex
	buf    []*store.MeterEvent
	wal    *os.File
	closed bool

	kick chan struct{}
	done chan struct{}
	wg   sync.WaitGroup
}

// NewEmitter opens (or creates) the WAL, replays any events left over
// from a previous run into the buffer, and starts the flush loop.
func NewEmitter(repo store.MeterRepo, met *metrics.Metrics, opts EmitterOptions) (*Emitter, error) {
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = DefaultFlushInterval
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = DefaultMaxRetries
	}

	e := &Emitter{
		repo: repo,
		met:  met,
		opts: opts,
		kick: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	if err := e.openWAL(); err != nil {
		return nil, err
	}

	e.wg.Add(1)
	go e.flushLoop()
	return e, nil
}

func (e *Emitter) openWAL() error {
	if err := os.MkdirAll(filepath.Dir(e.opts.WALPath), 0o755); err != nil {
		return err
	}

	// Replay leftovers from a crash before opening for append.
	replayed, err := readJSONL(e.opts.WALPath)
	if err != nil {
		return err
	}
	e.buf = replayed
	if len(replayed) > 0 {
		slog.Info("meter WAL replayed", "events", len(replayed))
	}

	f, err := os.OpenFile(e.opts.WALPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	e.wal = f
	e.gauge()
	return nil
}

func readJSONL(path string) ([]*store.MeterEvent, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []*store.MeterEvent
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev store.MeterEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			// A torn tail line from a crash is expected; skip it.
			slog.Warn("meter WAL line unreadable, skipping", "error", err)
			continue
		}
		out = append(out, &ev)
	}
	return out, sc.Err()
}

// Emit accepts one event. The event id is assigned before the WAL write
// so replays dedupe at the database. Emit after Close is a silent drop.
func (e *Emitter) Emit(ev *store.MeterEvent) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	line, err := json.Marshal(ev)
	if err != nil {
		e.mu.Unlock()
		slog.Error("meter event not serializable, dropped", "id", ev.ID, "error", err)
		return
	}
	if _, err := e.wal.Write(append(line, '\n')); err != nil {
		slog.Error("meter WAL append failed", "id", ev.ID, "error", err)
	}
	e.buf = append(e.buf, ev)
	full := len(e.buf) >= e.opts.BatchSize
	e.gauge()
	e.mu.Unlock()

	if e.met != nil {
		e.met.MeterEmitted.Inc()
	}
	if full {
		select {
		case e.kick <- struct{}{}:
		default:
		}
	}
}

func (e *Emitter) flushLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.opts.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			e.Flush(context.Background())
		case <-e.kick:
			e.Flush(context.Background())
		case <-e.done:
			return
		}
	}
}

// Flush drains the buffer into one batched insert. On failure events go
// back to the front of the buffer with a bumped retry count; events
// past the retry budget move to the dead-letter file instead.
func (e *Emitter) Flush(ctx context.Context) {
	e.mu.Lock()
	if len(e.buf) == 0 {
		e.mu.Unlock()
		return
	}
	batch := e.buf
	e.buf = nil
	e.mu.Unlock()

	err := e.repo.InsertBatch(ctx, batch)

	e.mu.Lock()
	defer e.mu.Unlock()
	if err == nil {
		if e.met != nil {
			e.met.MeterFlushed.Add(float64(len(batch)))
		}
		e.compactWAL()
		e.gauge()
		return
	}

	slog.Warn("meter flush failed", "events", len(batch), "error", err)
	if e.met != nil {
		e.met.MeterRetries.Inc()
	}
	var retry, dead []*store.MeterEvent
	for _, ev := range batch {
		ev.Retries++
		if ev.Retries > e.opts.MaxRetries {
			dead = append(dead, ev)
		} else {
			retry = append(retry, ev)
		}
	}
	e.buf = append(retry, e.buf...)
	if len(dead) > 0 {
		e.deadLetter(dead)
	}
	e.compactWAL()
	e.gauge()
}

// compactWAL rewrites the WAL to hold exactly the surviving buffer.
// Caller holds e.mu.
func (e *Emitter) compactWAL() {
	tmp := e.opts.WALPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		slog.Error("meter WAL compact failed", "error", err)
		return
	}
	w := bufio.NewWriter(f)
	for _, ev := range e.buf {
		line, err := json.Marshal(ev)
		if err != nil {
			continue
		}
		w.Write(line)
		w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		f.Close()
		slog.Error("meter WAL compact failed", "error", err)
		return
	}
	f.Close()

	e.wal.Close()
	if err := os.Rename(tmp, e.opts.WALPath); err != nil {
		slog.Error("meter WAL swap failed", "error", err)
	}
	nf, err := os.OpenFile(e.opts.WALPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		slog.Error("meter WAL reopen failed", "error", err)
		return
	}
	e.wal = nf
}

// deadLetter appends events to the DLQ file. Caller holds e.mu.
func (e *Emitter) deadLetter(events []*store.MeterEvent) {
	f, err := os.OpenFile(e.opts.DLQPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		slog.Error("meter DLQ open failed, events lost", "count", len(events), "error", err)
		return
	}
	defer f.Close()
	for _, ev := range events {
		line, err := json.Marshal(ev)
		if err != nil {
			continue
		}
		f.Write(append(line, '\n'))
	}
	if e.met != nil {
		e.met.MeterDLQ.Add(float64(len(events)))
	}
	slog.Error("meter events dead-lettered", "count", len(events))
}

func (e *Emitter) gauge() {
	if e.met != nil {
		e.met.MeterBuffered.Set(float64(len(e.buf)))
	}
}

// Buffered reports the current buffer depth.
func (e *Emitter) Buffered() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.buf)
}

// Close stops the flush loop, runs one final synchronous flush and
// closes the WAL. Emits arriving afterwards are dropped silently.
func (e *Emitter) Close(ctx context.Context) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.mu.Unlock()

	close(e.done)
	e.wg.Wait()
	e.Flush(ctx)

	e.mu.Lock()
	e.wal.Close()
	e.mu.Unlock()
}
