package collectors

import (
	"context"
	"encoding/json"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/perchlabs/perch/internal/collector"
	"github.com/perchlabs/perch/internal/parse"
	"github.com/perchlabs/perch/pkg/types"
)

const transcriptCollectorName = "transcript"

var transcriptColumns = []string{
	"timestamp", "session_id", "message_type", "content_preview", "project_path",
}

// transcriptFileState is the per-file resume position. The whole map
// of these, keyed by absolute path, is stored as the collector's
// watermark in JSON.
type transcriptFileState struct {
	MtimeUnix int64 `json:"mtime"`
	Offset    int64 `json:"offset"`
}

// Transcript ingests session transcript files (JSONL, one message per
// line) from a projects directory. Files still being appended to are
// handled incrementally: only complete lines past the per-file offset
// are consumed.
type Transcript struct {
	projectDir string
	interval   time.Duration
	previewLen int
	watermarks collector.Watermarks
	logger     *zap.Logger

	files map[string]transcriptFileState
}

// NewTranscript creates the transcript collector.
func NewTranscript(projectDir string, interval time.Duration, previewLen int,
	w collector.Watermarks, logger *zap.Logger) *Transcript {
	return &Transcript{
		projectDir: projectDir,
		interval:   interval,
		previewLen: previewLen,
		watermarks: w,
		logger:     logger.With(zap.String("collector", transcriptCollectorName)),
		files:      make(map[string]transcriptFileState),
	}
}

func (t *Transcript) Name() string            { return transcriptCollectorName }
func (t *Transcript) Interval() time.Duration { return t.interval }

// Setup loads the per-file offsets. On the very first run every
// existing transcript is indexed at its current size without emitting
// events; only activity after the daemon starts is recorded.
func (t *Transcript) Setup(ctx context.Context) error {
	cursor, ok, err := t.watermarks.GetWatermark(ctx, transcriptCollectorName)
	if err != nil {
		return err
	}
	if ok && cursor != "" {
		if err := json.Unmarshal([]byte(cursor), &t.files); err != nil {
			t.logger.Warn("unreadable transcript watermark, reindexing",
				zap.Error(err))
			t.files = make(map[string]transcriptFileState)
			ok = false
		}
	}
	if !ok {
		for _, path := range t.findTranscripts() {
			info, err := os.Stat(path)
			if err != nil {
				continue
			}
			t.files[path] = transcriptFileState{
				MtimeUnix: info.ModTime().Unix(),
				Offset:    info.Size(),
			}
		}
		if err := t.saveWatermark(ctx); err != nil {
			return err
		}
		t.logger.Info("indexed existing transcripts",
			zap.Int("files", len(t.files)))
	}
	return nil
}

// Collect parses every transcript that grew or changed since the last
// tick. Records carrying no usable timestamp get the collection time.
func (t *Transcript) Collect(ctx context.Context) ([]types.Event, error) {
	var events []types.Event
	changed := false
	now := nowUnix()

	for _, path := range t.findTranscripts() {
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		state, known := t.files[path]
		if known && info.ModTime().Unix() == state.MtimeUnix && info.Size() == state.Offset {
			continue
		}
		fromOffset := state.Offset
		if info.Size() < fromOffset {
			// Rewritten shorter; start over.
			fromOffset = 0
		}

		project := filepath.Base(filepath.Dir(path))
		records, newOffset, err := parse.ParseTranscript(path, fromOffset, t.previewLen)
		if err != nil {
			t.logger.Warn("transcript parse failed",
				zap.String("path", path),
				zap.Error(err))
			continue
		}
		for _, rec := range records {
			ts := rec.Timestamp
			if ts == 0 {
				ts = now
			}
			events = append(events, types.NewEvent("transcript_events", transcriptColumns,
				ts, rec.SessionID, rec.MessageType, rec.ContentPreview, project))
		}
		// Record the observed mtime even when no complete line was
		// consumed, so a touched-but-unchanged file is not re-parsed
		// on every tick.
		newState := transcriptFileState{
			MtimeUnix: info.ModTime().Unix(),
			Offset:    newOffset,
		}
		if !known || newState != state {
			t.files[path] = newState
			changed = true
		}
	}

	if changed {
		if err := t.saveWatermark(ctx); err != nil {
			return nil, err
		}
	}
	return events, nil
}

// Teardown has nothing to release.
func (t *Transcript) Teardown() error { return nil }

// findTranscripts walks the project directory for .jsonl files.
func (t *Transcript) findTranscripts() []string {
	var paths []string
	filepath.WalkDir(t.projectDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // unreadable subtree, keep walking
		}
		if !d.IsDir() && filepath.Ext(path) == ".jsonl" {
			paths = append(paths, path)
		}
		return nil
	})
	return paths
}

func (t *Transcript) saveWatermark(ctx context.Context) error {
	raw, err := json.Marshal(t.files)
	if err != nil {
		return err
	}
	return t.watermarks.SetWatermark(ctx, transcriptCollectorName, string(raw), nowUnix())
}
