package collector

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/perchlabs/perch/internal/errors"
)

// Runner drives one collector on its own goroutine. Every tick is
// isolated: a Collect error or panic is logged and the next tick still
// fires. The rest of the daemon never sees a collector failure.
type Runner struct {
	collector Collector
	sink      Sink
	logger    *zap.Logger

	cancel  context.CancelFunc
	done    chan struct{}
	running atomic.Bool
}

// NewRunner wraps a collector for scheduling. Events flow into sink.
func NewRunner(c Collector, sink Sink, logger *zap.Logger) *Runner {
	return &Runner{
		collector: c,
		sink:      sink,
		logger:    logger.With(zap.String("collector", c.Name())),
	}
}

// Name returns the wrapped collector's name.
func (r *Runner) Name() string {
	return r.collector.Name()
}

// Running reports whether the runner's loop is alive. A collector
// whose Setup failed is not running.
func (r *Runner) Running() bool {
	return r.running.Load()
}

// Start runs Setup and, on success, launches the tick loop. A Setup
// failure is returned to the caller and the collector stays disabled;
// the daemon decides whether that is fatal.
func (r *Runner) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)

	if err := r.collector.Setup(runCtx); err != nil {
		cancel()
		return errors.NewCollectorError(errors.CodeSetupFailed,
			fmt.Sprintf("setup %s", r.collector.Name()), err)
	}

	r.cancel = cancel
	r.done = make(chan struct{})
	r.running.Store(true)
	go r.loop(runCtx)

	r.logger.Info("collector started",
		zap.Duration("interval", r.collector.Interval()))
	return nil
}

// Stop cancels the loop and waits for it to drain, up to timeout.
func (r *Runner) Stop(timeout time.Duration) error {
	if !r.running.Load() {
		return nil
	}
	r.cancel()

	select {
	case <-r.done:
		r.logger.Info("collector stopped")
		return nil
	case <-time.After(timeout):
		return errors.New(errors.ErrCategoryCollector, errors.CodeStopTimeout,
			fmt.Sprintf("collector %s did not stop within %s", r.collector.Name(), timeout))
	}
}

func (r *Runner) loop(ctx context.Context) {
	defer close(r.done)
	defer r.running.Store(false)
	defer func() {
		if err := r.collector.Teardown(); err != nil {
			r.logger.Warn("teardown failed", zap.Error(err))
		}
	}()

	interval := r.collector.Interval()
	if interval <= 0 {
		// Push-style: one long-lived Collect that blocks until the
		// context is cancelled.
		r.tick(ctx)
		return
	}

	// First tick fires immediately, then on the interval.
	r.tick(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.tick(ctx)
		}
	}
}

// tick runs one Collect with panic containment and forwards the
// resulting events to the sink.
func (r *Runner) tick(ctx context.Context) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("collector panicked",
				zap.Any("panic", rec),
				zap.ByteString("stack", debug.Stack()))
		}
	}()

	start := time.Now()
	events, err := r.collector.Collect(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return // shutting down, not a collector fault
		}
		r.logger.Warn("collect failed", zap.Error(err))
		return
	}
	if len(events) == 0 {
		return
	}

	if err := r.sink.PushMany(ctx, events); err != nil {
		r.logger.Warn("push to buffer failed",
			zap.Int("events", len(events)),
			zap.Error(err))
		return
	}
	r.logger.Debug("tick complete",
		zap.Int("events", len(events)),
		zap.Duration("elapsed", time.Since(start)))
}
