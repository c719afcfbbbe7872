// Package buffer batches collector events in memory and writes them to
// the store in per-table transactions. Batches that fail to insert are
// spilled to compressed dead-letter files and replayed on the next
// daemon start.
package buffer

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/perchlabs/perch/internal/store"
	"github.com/perchlabs/perch/pkg/types"
)

// Buffer is a threshold-flushed event queue in front of the store.
// Push and Flush are safe for concurrent use; store I/O always happens
// outside the queue lock so collectors never block on SQLite.
type Buffer struct {
	store    store.Store
	logger   *zap.Logger
	maxSize  int
	spillDir string

	mu     sync.Mutex
	events []types.Event
}

// New creates a buffer that auto-flushes once maxSize events are
// queued. spillDir may be empty to disable dead-letter spill.
func New(s store.Store, maxSize int, spillDir string, logger *zap.Logger) *Buffer {
	return &Buffer{
		store:    s,
		logger:   logger,
		maxSize:  maxSize,
		spillDir: spillDir,
		events:   make([]types.Event, 0, maxSize),
	}
}

// Push queues one event. Invalid events are dropped with a log line
// rather than poisoning a later batch. Crossing the size threshold
// triggers an inline flush on the calling goroutine.
func (b *Buffer) Push(ctx context.Context, ev types.Event) error {
	return b.PushMany(ctx, []types.Event{ev})
}

// PushMany queues a batch of events from a single collector tick.
func (b *Buffer) PushMany(ctx context.Context, events []types.Event) error {
	if len(events) == 0 {
		return nil
	}

	b.mu.Lock()
	for _, ev := range events {
		if err := ev.Validate(); err != nil {
			b.logger.Warn("dropping invalid event",
				zap.String("table", ev.Table),
				zap.Error(err))
			continue
		}
		b.events = append(b.events, ev)
	}
	full := len(b.events) >= b.maxSize
	b.mu.Unlock()

	if full {
		return b.Flush(ctx)
	}
	return nil
}

// Len returns the number of queued events.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.events)
}

// Flush drains the queue and writes everything to the store, one
// transaction per (table, column set) group. The queue is swapped out
// under the lock first, so new events can keep arriving during store
// I/O. A group that fails to insert is spilled to the dead-letter
// directory and does not block the remaining groups; events are never
// re-queued, so a row is stored at most once.
func (b *Buffer) Flush(ctx context.Context) error {
	b.mu.Lock()
	if len(b.events) == 0 {
		b.mu.Unlock()
		return nil
	}
	drained := b.events
	b.events = make([]types.Event, 0, b.maxSize)
	b.mu.Unlock()

	var failed []string
	for _, g := range groupEvents(drained) {
		if err := b.store.BatchInsert(ctx, g.Table, g.Columns, g.Rows); err != nil {
			b.logger.Error("batch insert failed",
				zap.String("table", g.Table),
				zap.Int("rows", len(g.Rows)),
				zap.Error(err))
			b.spill(g, err)
			failed = append(failed, g.Table)
			continue
		}
		b.logger.Debug("flushed batch",
			zap.String("table", g.Table),
			zap.Int("rows", len(g.Rows)))
	}

	if len(failed) > 0 {
		return fmt.Errorf("buffer: flush failed for tables: %s", strings.Join(failed, ", "))
	}
	return nil
}

// group is one homogeneous insert batch.
type group struct {
	Table   string          `json:"table"`
	Columns []string        `json:"columns"`
	Rows    [][]interface{} `json:"rows"`
}

// groupEvents splits a drained queue into per-(table, columns) batches
// in a stable order.
func groupEvents(events []types.Event) []group {
	byKey := make(map[string]*group)
	var keys []string
	for _, ev := range events {
		key := ev.Table + "\x00" + strings.Join(ev.Columns, "\x00")
		g, ok := byKey[key]
		if !ok {
			g = &group{Table: ev.Table, Columns: ev.Columns}
			byKey[key] = g
			keys = append(keys, key)
		}
		g.Rows = append(g.Rows, ev.Values)
	}
	sort.Strings(keys)

	groups := make([]group, 0, len(keys))
	for _, key := range keys {
		groups = append(groups, *byKey[key])
	}
	return groups
}
