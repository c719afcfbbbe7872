package collectors

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// newArchive creates a minimal chat archive with the message and
// handle tables the collector queries.
func newArchive(t *testing.T) (string, *sql.DB) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "chat.db")
	db, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	_, err = db.Exec(`
		CREATE TABLE handle (ROWID INTEGER PRIMARY KEY, id TEXT);
		CREATE TABLE message (
			ROWID INTEGER PRIMARY KEY,
			date INTEGER,
			text TEXT,
			attributedBody BLOB,
			is_from_me INTEGER,
			handle_id INTEGER,
			cache_has_attachments INTEGER,
			service TEXT
		);
		INSERT INTO handle (ROWID, id) VALUES (1, '+15551234567');
	`)
	require.NoError(t, err)
	return path, db
}

// apple2001ns converts a Unix timestamp to archive nanoseconds.
func apple2001ns(unix float64) int64 {
	return int64((unix - appleEpochOffset) * 1e9)
}

func insertMessage(t *testing.T, db *sql.DB, date int64, text interface{},
	body []byte, fromMe int, service string) {
	t.Helper()
	_, err := db.Exec(`
		INSERT INTO message (date, text, attributedBody, is_from_me, handle_id,
			cache_has_attachments, service)
		VALUES (?, ?, ?, ?, 1, 0, ?)`,
		date, text, body, fromMe, service)
	require.NoError(t, err)
}

func TestMessagesFirstRunSkipsBacklog(t *testing.T) {
	path, db := newArchive(t)
	insertMessage(t, db, apple2001ns(1772000000), "ancient history", nil, 0, "iMessage")

	m := NewMessages(path, time.Second, 500, newMemWatermarks(), zaptest.NewLogger(t))
	ctx := context.Background()
	require.NoError(t, m.Setup(ctx))
	defer m.Teardown()

	events, err := m.Collect(ctx)
	require.NoError(t, err)
	assert.Empty(t, events, "pre-existing messages are not ingested")
}

func TestMessagesCollectsNewRows(t *testing.T) {
	path, db := newArchive(t)
	insertMessage(t, db, apple2001ns(1772000000), "old", nil, 0, "iMessage")

	m := NewMessages(path, time.Second, 500, newMemWatermarks(), zaptest.NewLogger(t))
	ctx := context.Background()
	require.NoError(t, m.Setup(ctx))
	defer m.Teardown()

	insertMessage(t, db, apple2001ns(1772007378.5), "lunch?", nil, 0, "iMessage")
	insertMessage(t, db, apple2001ns(1772007390.0), "sure", nil, 1, "SMS")

	events, err := m.Collect(ctx)
	require.NoError(t, err)
	require.Len(t, events, 2)

	assert.Equal(t, "message_events", events[0].Table)
	assert.InDelta(t, 1772007378.5, events[0].Values[0].(float64), 0.01)
	assert.Equal(t, "+15551234567", events[0].Values[1])
	assert.Equal(t, 0, events[0].Values[2])
	assert.Equal(t, "lunch?", events[0].Values[3])
	assert.Equal(t, "iMessage", events[0].Values[5])

	assert.Equal(t, 1, events[1].Values[2])
	assert.Equal(t, "SMS", events[1].Values[5])

	// Watermark advanced: nothing on the next tick.
	events, err = m.Collect(ctx)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestMessagesFallsBackToArchivedBody(t *testing.T) {
	path, db := newArchive(t)

	m := NewMessages(path, time.Second, 500, newMemWatermarks(), zaptest.NewLogger(t))
	ctx := context.Background()
	require.NoError(t, m.Setup(ctx))
	defer m.Teardown()

	// No plain text column; the content lives in the archived blob.
	text := "hello from the blob"
	body := append([]byte("streamtyped\x00NSString\x01\x94\x84\x01+"),
		byte(len(text)))
	body = append(body, text...)
	insertMessage(t, db, apple2001ns(1772007400), nil, body, 0, "iMessage")

	events, err := m.Collect(ctx)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, text, events[0].Values[3])
}

func TestMessagesResumeSurvivesRestart(t *testing.T) {
	path, db := newArchive(t)
	w := newMemWatermarks()
	ctx := context.Background()

	m1 := NewMessages(path, time.Second, 500, w, zaptest.NewLogger(t))
	require.NoError(t, m1.Setup(ctx))
	insertMessage(t, db, apple2001ns(1772007400), "first", nil, 0, "iMessage")
	events, err := m1.Collect(ctx)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.NoError(t, m1.Teardown())

	insertMessage(t, db, apple2001ns(1772007500), "second", nil, 0, "iMessage")
	m2 := NewMessages(path, time.Second, 500, w, zaptest.NewLogger(t))
	require.NoError(t, m2.Setup(ctx))
	defer m2.Teardown()

	events, err = m2.Collect(ctx)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "second", events[0].Values[3])
}

func TestMessagesTruncatesPreview(t *testing.T) {
	path, db := newArchive(t)

	m := NewMessages(path, time.Second, 10, newMemWatermarks(), zaptest.NewLogger(t))
	ctx := context.Background()
	require.NoError(t, m.Setup(ctx))
	defer m.Teardown()

	insertMessage(t, db, apple2001ns(1772007400),
		"a very long message body that exceeds the preview limit", nil, 0, "iMessage")

	events, err := m.Collect(ctx)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "a very lon", events[0].Values[3])
}

func TestMessagesMissingArchiveIsQuiet(t *testing.T) {
	m := NewMessages(filepath.Join(t.TempDir(), "absent.db"), time.Second, 500,
		newMemWatermarks(), zaptest.NewLogger(t))
	ctx := context.Background()
	require.NoError(t, m.Setup(ctx))
	defer m.Teardown()

	events, err := m.Collect(ctx)
	require.NoError(t, err)
	assert.Empty(t, events)
}
