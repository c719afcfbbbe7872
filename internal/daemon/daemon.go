// Package daemon wires the store, the event buffer, and the collector
// runners into one lifecycle: start, periodic flush and heartbeat,
// hot reload, and orderly shutdown.
package daemon

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/perchlabs/perch/internal/buffer"
	"github.com/perchlabs/perch/internal/collector"
	"github.com/perchlabs/perch/internal/collectors"
	"github.com/perchlabs/perch/internal/config"
	"github.com/perchlabs/perch/internal/store"
)

// Daemon owns the ingestion pipeline. All state transitions go through
// Start, Reload, and Stop, serialized by one mutex; the flush loop and
// the runners are the only background goroutines it owns.
type Daemon struct {
	cfg    *config.Config
	logger *zap.Logger

	// instanceID tags health entries so restarts are tellable apart.
	instanceID string

	mu      sync.Mutex
	started bool
	store   *store.SQLiteStore
	buffer  *buffer.Buffer
	runners []*collector.Runner

	loopCancel context.CancelFunc
	loopDone   chan struct{}
}

// New creates a daemon from resolved configuration.
func New(cfg *config.Config, logger *zap.Logger) *Daemon {
	return &Daemon{
		cfg:        cfg,
		logger:     logger,
		instanceID: uuid.New().String(),
	}
}

// Start opens the store, replays any dead-letter spill, and launches
// the collectors and the flush loop. A store error is fatal: the
// daemon refuses to run without durable storage.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return fmt.Errorf("daemon: already started")
	}

	if err := d.cfg.EnsureDirectories(); err != nil {
		return fmt.Errorf("daemon: prepare directories: %w", err)
	}

	s, err := store.New(d.cfg.StorePath(), d.logger)
	if err != nil {
		return err
	}
	d.store = s
	d.buffer = buffer.New(s, d.cfg.Buffer.MaxSize, d.cfg.Buffer.SpillDir, d.logger)

	if replayed, err := buffer.RecoverSpill(ctx, d.cfg.Buffer.SpillDir, s, d.logger); err != nil {
		d.logger.Warn("spill recovery failed", zap.Error(err))
	} else if replayed > 0 {
		d.logger.Info("replayed spilled batches", zap.Int("batches", replayed))
	}

	s.LogHealth(ctx, nowUnix(), "startup", "instance="+d.instanceID)

	d.runners = d.buildRunners()
	d.startRunners(ctx)

	loopCtx, cancel := context.WithCancel(context.Background())
	d.loopCancel = cancel
	d.loopDone = make(chan struct{})
	go d.flushLoop(loopCtx)

	d.started = true
	d.logger.Info("daemon started",
		zap.String("instance", d.instanceID),
		zap.Int("collectors", len(d.runners)))
	return nil
}

// Stop shuts everything down in dependency order: collectors first so
// no new events arrive, then a final flush, then the store.
func (d *Daemon) Stop(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.started {
		return nil
	}

	d.stopRunnersLocked()

	d.loopCancel()
	<-d.loopDone

	if err := d.buffer.Flush(ctx); err != nil {
		d.logger.Warn("final flush incomplete", zap.Error(err))
	}
	d.store.LogHealth(ctx, nowUnix(), "shutdown", "instance="+d.instanceID)

	err := d.store.Close()
	d.started = false
	d.runners = nil
	d.logger.Info("daemon stopped")
	return err
}

// Reload applies an updated configuration without dropping the store:
// collectors are rebuilt from cfg, the buffer is flushed, and the
// schema is re-applied to pick up additive changes. Watermarks are
// untouched, so rebuilt collectors resume where their predecessors
// left off.
func (d *Daemon) Reload(ctx context.Context, cfg *config.Config) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.started {
		return fmt.Errorf("daemon: not started")
	}

	d.logger.Info("reloading")
	d.stopRunnersLocked()

	if err := d.buffer.Flush(ctx); err != nil {
		d.logger.Warn("pre-reload flush incomplete", zap.Error(err))
	}
	if err := d.store.ApplySchema(ctx); err != nil {
		return err
	}

	d.cfg = cfg
	d.runners = d.buildRunners()
	d.startRunners(ctx)

	d.store.LogHealth(ctx, nowUnix(), "reload", "instance="+d.instanceID)
	return nil
}

// RunningCollectors returns the names of the runners currently alive.
func (d *Daemon) RunningCollectors() []string {
	d.mu.Lock()
	defer d.mu.Unlock()

	var names []string
	for _, r := range d.runners {
		if r.Running() {
			names = append(names, r.Name())
		}
	}
	return names
}

// buildRunners constructs a runner per enabled collector.
func (d *Daemon) buildRunners() []*collector.Runner {
	cc := d.cfg.Collectors
	var runners []*collector.Runner

	if cc.Shell.Enabled {
		runners = append(runners, collector.NewRunner(
			collectors.NewShell(cc.Shell.HistoryPath, cc.Shell.Interval, d.store, d.logger),
			d.buffer, d.logger))
	}
	if cc.Transcript.Enabled {
		runners = append(runners, collector.NewRunner(
			collectors.NewTranscript(cc.Transcript.ProjectDir, cc.Transcript.Interval,
				cc.Transcript.PreviewLen, d.store, d.logger),
			d.buffer, d.logger))
	}
	if cc.Network.Enabled {
		runners = append(runners, collector.NewRunner(
			collectors.NewNetwork(cc.Network.Command, cc.Network.Interval,
				cc.Network.ExecTimeout, d.logger),
			d.buffer, d.logger))
	}
	if cc.Messages.Enabled {
		runners = append(runners, collector.NewRunner(
			collectors.NewMessages(cc.Messages.ArchivePath, cc.Messages.Interval,
				cc.Messages.PreviewLen, d.store, d.logger),
			d.buffer, d.logger))
	}
	return runners
}

// startRunners starts every runner. A runner that fails setup is
// logged to the health table and skipped; the rest keep going.
func (d *Daemon) startRunners(ctx context.Context) {
	for _, r := range d.runners {
		if err := r.Start(ctx); err != nil {
			d.logger.Error("collector disabled",
				zap.String("collector", r.Name()),
				zap.Error(err))
			d.store.LogHealth(ctx, nowUnix(), "collector_error",
				fmt.Sprintf("collector=%s error=%v", r.Name(), err))
		}
	}
}

// stopRunnersLocked stops all runners concurrently, each bounded by
// the configured stop timeout. Callers hold d.mu.
func (d *Daemon) stopRunnersLocked() {
	var g errgroup.Group
	for _, r := range d.runners {
		r := r
		g.Go(func() error {
			if err := r.Stop(d.cfg.Daemon.StopTimeout); err != nil {
				d.logger.Warn("collector stop timed out",
					zap.String("collector", r.Name()),
					zap.Error(err))
			}
			return nil
		})
	}
	g.Wait()
}

// flushLoop drains the buffer on the flush interval and writes a
// heartbeat on the heartbeat interval.
func (d *Daemon) flushLoop(ctx context.Context) {
	defer close(d.loopDone)

	flush := time.NewTicker(d.cfg.Buffer.FlushInterval)
	defer flush.Stop()
	heartbeat := time.NewTicker(d.cfg.Daemon.HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-flush.C:
			if err := d.buffer.Flush(ctx); err != nil {
				d.logger.Warn("periodic flush incomplete", zap.Error(err))
			}
		case <-heartbeat.C:
			d.store.LogHealth(ctx, nowUnix(),
				"heartbeat", fmt.Sprintf("buffered=%d", d.buffer.Len()))
		}
	}
}

func nowUnix() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}
