package buffer

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/golang/snappy"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/perchlabs/perch/internal/store"
)

// spillFile is the on-disk dead-letter record for one failed batch.
type spillFile struct {
	SpilledAt float64 `json:"spilled_at"`
	Reason    string  `json:"reason"`
	Batch     group   `json:"batch"`
}

// spill writes a failed batch to the dead-letter directory. Best
// effort: if the spill itself fails the batch is lost, which is the
// documented at-most-once behavior.
func (b *Buffer) spill(g group, cause error) {
	if b.spillDir == "" {
		return
	}
	if err := os.MkdirAll(b.spillDir, 0755); err != nil {
		b.logger.Error("spill directory unavailable, batch lost",
			zap.String("table", g.Table),
			zap.Error(err))
		return
	}

	record := spillFile{
		SpilledAt: float64(time.Now().UnixNano()) / 1e9,
		Reason:    cause.Error(),
		Batch:     g,
	}
	raw, err := json.Marshal(record)
	if err != nil {
		b.logger.Error("spill encode failed, batch lost",
			zap.String("table", g.Table),
			zap.Error(err))
		return
	}

	name := fmt.Sprintf("%s-%s.json.snappy", g.Table, uuid.New().String())
	path := filepath.Join(b.spillDir, name)
	if err := os.WriteFile(path, snappy.Encode(nil, raw), 0644); err != nil {
		b.logger.Error("spill write failed, batch lost",
			zap.String("table", g.Table),
			zap.Error(err))
		return
	}

	b.logger.Warn("batch spilled to dead letter",
		zap.String("table", g.Table),
		zap.Int("rows", len(g.Rows)),
		zap.String("path", path))
}

// RecoverSpill replays dead-letter files into the store and removes
// the ones that insert cleanly. Files that fail again stay on disk for
// the next attempt. Returns the number of batches replayed.
func RecoverSpill(ctx context.Context, spillDir string, s store.Store, logger *zap.Logger) (int, error) {
	entries, err := os.ReadDir(spillDir)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("buffer: read spill directory: %w", err)
	}

	replayed := 0
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".snappy" {
			continue
		}
		path := filepath.Join(spillDir, entry.Name())

		compressed, err := os.ReadFile(path)
		if err != nil {
			logger.Warn("unreadable spill file skipped",
				zap.String("path", path),
				zap.Error(err))
			continue
		}
		raw, err := snappy.Decode(nil, compressed)
		if err != nil {
			// Corrupt beyond recovery; quarantine by renaming so it
			// stops being retried on every start.
			logger.Warn("corrupt spill file quarantined",
				zap.String("path", path),
				zap.Error(err))
			os.Rename(path, path+".corrupt")
			continue
		}
		var record spillFile
		if err := json.Unmarshal(raw, &record); err != nil {
			logger.Warn("corrupt spill file quarantined",
				zap.String("path", path),
				zap.Error(err))
			os.Rename(path, path+".corrupt")
			continue
		}

		g := record.Batch
		if err := s.BatchInsert(ctx, g.Table, g.Columns, g.Rows); err != nil {
			logger.Warn("spill replay failed, keeping file",
				zap.String("table", g.Table),
				zap.String("path", path),
				zap.Error(err))
			continue
		}
		if err := os.Remove(path); err != nil {
			logger.Warn("replayed spill file not removed",
				zap.String("path", path),
				zap.Error(err))
		}
		replayed++
		logger.Info("spilled batch replayed",
			zap.String("table", g.Table),
			zap.Int("rows", len(g.Rows)))
	}
	return replayed, nil
}
