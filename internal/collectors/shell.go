// Package collectors holds the concrete telemetry sources: shell
// history, session transcripts, network connections, and the message
// archive. Each one implements the collector contract and keeps its
// resume cursor in the watermark table.
package collectors

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"regexp"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/perchlabs/perch/internal/collector"
	"github.com/perchlabs/perch/pkg/types"
)

const shellCollectorName = "shell"

var shellColumns = []string{"timestamp", "command", "elapsed_seconds"}

// extended-history format: ": <start>:<elapsed>;<command>"
var historyLineRe = regexp.MustCompile(`^: (\d+):(\d+);(.*)$`)

// Shell tails a zsh extended-history file. The watermark is the byte
// offset of the last fully consumed line, so restarts resume without
// re-reading the whole file.
type Shell struct {
	path       string
	interval   time.Duration
	watermarks collector.Watermarks
	logger     *zap.Logger

	offset int64
}

// NewShell creates the shell-history collector.
func NewShell(path string, interval time.Duration, w collector.Watermarks, logger *zap.Logger) *Shell {
	return &Shell{
		path:       path,
		interval:   interval,
		watermarks: w,
		logger:     logger.With(zap.String("collector", shellCollectorName)),
	}
}

func (s *Shell) Name() string            { return shellCollectorName }
func (s *Shell) Interval() time.Duration { return s.interval }

// Setup loads the saved offset. On the very first run the offset is
// seeded to the current end of file: existing history predates the
// daemon and would otherwise arrive as one giant stale batch.
func (s *Shell) Setup(ctx context.Context) error {
	cursor, ok, err := s.watermarks.GetWatermark(ctx, shellCollectorName)
	if err != nil {
		return err
	}
	if ok {
		offset, perr := strconv.ParseInt(cursor, 10, 64)
		if perr != nil {
			s.logger.Warn("unreadable offset watermark, starting from end",
				zap.String("cursor", cursor))
			ok = false
		} else {
			s.offset = offset
		}
	}
	if !ok {
		info, err := os.Stat(s.path)
		if err == nil {
			s.offset = info.Size()
		}
		if err := s.watermarks.SetWatermark(ctx, shellCollectorName,
			strconv.FormatInt(s.offset, 10), nowUnix()); err != nil {
			return err
		}
		s.logger.Info("seeded history offset to end of file",
			zap.Int64("offset", s.offset))
	}
	return nil
}

// Collect reads history appended since the last offset. A file smaller
// than the offset means truncation or rotation; the offset resets to
// zero and the whole file is re-read.
func (s *Shell) Collect(ctx context.Context) ([]types.Event, error) {
	info, err := os.Stat(s.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("collectors: stat history file: %w", err)
	}
	if info.Size() < s.offset {
		s.logger.Info("history file truncated, rereading",
			zap.Int64("old_offset", s.offset),
			zap.Int64("size", info.Size()))
		s.offset = 0
	}
	if info.Size() == s.offset {
		return nil, nil
	}

	f, err := os.Open(s.path)
	if err != nil {
		return nil, fmt.Errorf("collectors: open history file: %w", err)
	}
	defer f.Close()
	if _, err := f.Seek(s.offset, io.SeekStart); err != nil {
		return nil, fmt.Errorf("collectors: seek history file: %w", err)
	}

	events, consumed := s.parseNewEntries(f)
	if consumed == 0 {
		return nil, nil
	}
	s.offset += consumed
	if err := s.watermarks.SetWatermark(ctx, shellCollectorName,
		strconv.FormatInt(s.offset, 10), nowUnix()); err != nil {
		return nil, err
	}
	return events, nil
}

// parseNewEntries reads complete lines from r and returns the events
// plus the number of bytes consumed. A trailing line with no newline
// is a write in progress and is left for the next tick.
func (s *Shell) parseNewEntries(r io.Reader) ([]types.Event, int64) {
	reader := bufio.NewReader(r)
	var events []types.Event
	var consumed int64

	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			// Partial tail stays unconsumed.
			break
		}
		consumed += int64(len(line))

		m := historyLineRe.FindStringSubmatch(line[:len(line)-1])
		if m == nil {
			// Continuation of a multi-line command; fold it into the
			// previous event when there is one.
			if n := len(events); n > 0 {
				cmd := events[n-1].Values[1].(string)
				events[n-1].Values[1] = cmd + "\n" + line[:len(line)-1]
			}
			continue
		}

		ts, _ := strconv.ParseFloat(m[1], 64)
		elapsed, _ := strconv.ParseFloat(m[2], 64)
		events = append(events, types.NewEvent("shell_events", shellColumns,
			ts, m[3], elapsed))
	}
	return events, consumed
}

// Teardown has nothing to release.
func (s *Shell) Teardown() error { return nil }

func nowUnix() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}
