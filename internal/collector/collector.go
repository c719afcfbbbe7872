// Package collector defines the contract every telemetry source
// implements and the runner that drives it on a schedule.
package collector

import (
	"context"
	"time"

	"github.com/perchlabs/perch/pkg/types"
)

// Collector is a single telemetry source. Implementations are driven
// by a Runner: Setup once, Collect on every tick, Teardown once.
//
// A Collect call returns the events gathered for the tick; the runner
// hands them to the buffer. Collectors never write to the store
// directly, with one exception: they may read and advance their own
// watermark through the Watermarks interface given at construction.
type Collector interface {
	// Name identifies the collector in logs, health entries, and the
	// watermark table. Must be stable across restarts.
	Name() string

	// Interval is the polling period. Zero means push-style: the
	// runner calls Collect once and the collector blocks inside it,
	// emitting through the sink until the context is cancelled.
	Interval() time.Duration

	// Setup prepares the collector. A setup error disables the
	// collector for the daemon's lifetime; it will not be retried
	// until restart or reload.
	Setup(ctx context.Context) error

	// Collect gathers events for one tick. Errors are logged and the
	// collector stays scheduled.
	Collect(ctx context.Context) ([]types.Event, error)

	// Teardown releases resources. Called exactly once after the last
	// Collect returns, even if Setup or Collect failed.
	Teardown() error
}

// Watermarks is the slice of the store a collector may touch: its own
// resume cursor. Cursors are opaque strings; each collector picks its
// own encoding.
type Watermarks interface {
	GetWatermark(ctx context.Context, name string) (string, bool, error)
	SetWatermark(ctx context.Context, name, cursor string, runTS float64) error
}

// Sink receives the events a collector produced during one tick.
type Sink interface {
	PushMany(ctx context.Context, events []types.Event) error
}
