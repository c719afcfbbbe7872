package collectors

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"
	"unicode/utf8"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/perchlabs/perch/internal/collector"
	"github.com/perchlabs/perch/internal/parse"
	"github.com/perchlabs/perch/pkg/types"
)

const messagesCollectorName = "messages"

var messageColumns = []string{
	"timestamp", "contact", "is_from_me", "content_preview", "has_attachment", "service",
}

// appleEpochOffset converts the archive's 2001-01-01 epoch to Unix.
const appleEpochOffset = 978307200

// Messages reads new rows from a chat archive (an iMessage-style
// SQLite file). The archive is owned by another process with its own
// WAL, so each tick works on a snapshot copy: the main file plus its
// -wal and -shm sidecars are copied to a scratch directory and the
// copy is opened read-only. The watermark is the highest ROWID seen.
type Messages struct {
	archivePath string
	interval    time.Duration
	previewLen  int
	watermarks  collector.Watermarks
	logger      *zap.Logger

	scratchDir string
	lastRowID  int64
}

// NewMessages creates the message-archive collector.
func NewMessages(archivePath string, interval time.Duration, previewLen int,
	w collector.Watermarks, logger *zap.Logger) *Messages {
	return &Messages{
		archivePath: archivePath,
		interval:    interval,
		previewLen:  previewLen,
		watermarks:  w,
		logger:      logger.With(zap.String("collector", messagesCollectorName)),
	}
}

func (m *Messages) Name() string            { return messagesCollectorName }
func (m *Messages) Interval() time.Duration { return m.interval }

// Setup loads the ROWID watermark. On the very first run it is seeded
// to the archive's current maximum so years of old messages are not
// replayed into the store.
func (m *Messages) Setup(ctx context.Context) error {
	dir, err := os.MkdirTemp("", "perch-messages-*")
	if err != nil {
		return fmt.Errorf("collectors: create scratch dir: %w", err)
	}
	m.scratchDir = dir

	cursor, ok, err := m.watermarks.GetWatermark(ctx, messagesCollectorName)
	if err != nil {
		return err
	}
	if ok {
		rowID, perr := strconv.ParseInt(cursor, 10, 64)
		if perr != nil {
			m.logger.Warn("unreadable rowid watermark, reseeding",
				zap.String("cursor", cursor))
			ok = false
		} else {
			m.lastRowID = rowID
		}
	}
	if !ok {
		maxRowID, err := m.maxArchiveRowID(ctx)
		if err != nil {
			// Archive may be absent or unreadable at start; begin at
			// zero and let Collect report the real problem per tick.
			m.logger.Warn("could not seed rowid watermark", zap.Error(err))
			maxRowID = 0
		}
		m.lastRowID = maxRowID
		if err := m.watermarks.SetWatermark(ctx, messagesCollectorName,
			strconv.FormatInt(m.lastRowID, 10), nowUnix()); err != nil {
			return err
		}
		m.logger.Info("seeded archive watermark", zap.Int64("rowid", m.lastRowID))
	}
	return nil
}

// Collect snapshots the archive and emits rows past the watermark.
func (m *Messages) Collect(ctx context.Context) ([]types.Event, error) {
	if _, err := os.Stat(m.archivePath); os.IsNotExist(err) {
		return nil, nil
	}

	db, cleanup, err := m.openSnapshot()
	if err != nil {
		return nil, err
	}
	defer cleanup()

	rows, err := db.QueryContext(ctx, `
		SELECT m.ROWID, m.date, m.text, m.attributedBody, m.is_from_me,
		       COALESCE(h.id, ''), m.cache_has_attachments, COALESCE(m.service, '')
		FROM message m
		LEFT JOIN handle h ON m.handle_id = h.ROWID
		WHERE m.ROWID > ?
		ORDER BY m.ROWID`,
		m.lastRowID)
	if err != nil {
		return nil, fmt.Errorf("collectors: query archive: %w", err)
	}
	defer rows.Close()

	var events []types.Event
	maxRowID := m.lastRowID
	for rows.Next() {
		var (
			rowID         int64
			date          int64
			text          sql.NullString
			body          []byte
			isFromMe      int
			contact       string
			hasAttachment int
			service       string
		)
		if err := rows.Scan(&rowID, &date, &text, &body, &isFromMe,
			&contact, &hasAttachment, &service); err != nil {
			return nil, fmt.Errorf("collectors: scan archive row: %w", err)
		}

		content := text.String
		if content == "" && len(body) > 0 {
			content = parse.ExtractArchivedText(body)
		}
		events = append(events, types.NewEvent("message_events", messageColumns,
			archiveTimestamp(date), contact, isFromMe,
			truncatePreview(content, m.previewLen), hasAttachment, service))
		maxRowID = rowID
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("collectors: iterate archive rows: %w", err)
	}

	if maxRowID > m.lastRowID {
		m.lastRowID = maxRowID
		if err := m.watermarks.SetWatermark(ctx, messagesCollectorName,
			strconv.FormatInt(m.lastRowID, 10), nowUnix()); err != nil {
			return nil, err
		}
	}
	return events, nil
}

// Teardown removes the scratch directory.
func (m *Messages) Teardown() error {
	if m.scratchDir != "" {
		return os.RemoveAll(m.scratchDir)
	}
	return nil
}

// openSnapshot copies the archive and its WAL sidecars into the
// scratch directory and opens the copy read-only.
func (m *Messages) openSnapshot() (*sql.DB, func(), error) {
	snap := filepath.Join(m.scratchDir, "archive.db")
	if err := copyFile(m.archivePath, snap); err != nil {
		return nil, nil, fmt.Errorf("collectors: snapshot archive: %w", err)
	}
	// Sidecars hold recent writes; their absence just means the
	// archive was checkpointed.
	copyFile(m.archivePath+"-wal", snap+"-wal")
	copyFile(m.archivePath+"-shm", snap+"-shm")

	db, err := sql.Open("sqlite3", snap+"?mode=ro&_journal_mode=WAL")
	if err != nil {
		return nil, nil, fmt.Errorf("collectors: open archive snapshot: %w", err)
	}
	cleanup := func() {
		db.Close()
		os.Remove(snap)
		os.Remove(snap + "-wal")
		os.Remove(snap + "-shm")
	}
	return db, cleanup, nil
}

func (m *Messages) maxArchiveRowID(ctx context.Context) (int64, error) {
	if _, err := os.Stat(m.archivePath); err != nil {
		return 0, err
	}
	db, cleanup, err := m.openSnapshot()
	if err != nil {
		return 0, err
	}
	defer cleanup()

	var maxRowID sql.NullInt64
	if err := db.QueryRowContext(ctx,
		"SELECT MAX(ROWID) FROM message").Scan(&maxRowID); err != nil {
		return 0, err
	}
	return maxRowID.Int64, nil
}

// archiveTimestamp converts an archive date to a Unix timestamp. Dates
// are nanoseconds since the 2001 epoch in modern archives, seconds in
// old ones.
func archiveTimestamp(date int64) float64 {
	if date > 1e12 {
		return float64(date)/1e9 + appleEpochOffset
	}
	return float64(date) + appleEpochOffset
}

func truncatePreview(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}
