package collectors

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const (
	testUserLine = `{"type":"user","timestamp":"2026-02-25T08:16:18.720Z","message":{"content":"how do I rotate logs?"}}` + "\n"

	testAssistantLine = `{"type":"assistant","timestamp":"2026-02-25T08:16:20.100Z","message":{"content":[` +
		`{"type":"text","text":"Use logrotate."}]}}` + "\n"
)

// newProjectDir lays out projects/<name>/<session>.jsonl the way the
// transcript directory is organized on disk.
func newProjectDir(t *testing.T, project, session, content string) (string, string) {
	t.Helper()
	root := t.TempDir()
	dir := filepath.Join(root, project)
	require.NoError(t, os.MkdirAll(dir, 0755))
	path := filepath.Join(dir, session+".jsonl")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return root, path
}

func TestTranscriptFirstRunIndexesWithoutEmitting(t *testing.T) {
	root, _ := newProjectDir(t, "proj-a", "sess-1", testUserLine+testAssistantLine)

	c := NewTranscript(root, time.Second, 500, newMemWatermarks(), zaptest.NewLogger(t))
	ctx := context.Background()
	require.NoError(t, c.Setup(ctx))

	events, err := c.Collect(ctx)
	require.NoError(t, err)
	assert.Empty(t, events, "existing transcript content is only indexed")
}

func TestTranscriptEmitsAppendedRecords(t *testing.T) {
	root, path := newProjectDir(t, "proj-a", "sess-1", testUserLine)

	c := NewTranscript(root, time.Second, 500, newMemWatermarks(), zaptest.NewLogger(t))
	ctx := context.Background()
	require.NoError(t, c.Setup(ctx))

	// mtime granularity can be a full second; force a visible change.
	appendFile(t, path, testAssistantLine)
	bumpMtime(t, path)

	events, err := c.Collect(ctx)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "transcript_events", events[0].Table)
	assert.Equal(t, "sess-1", events[0].Values[1])
	assert.Equal(t, "assistant_text", events[0].Values[2])
	assert.Equal(t, "Use logrotate.", events[0].Values[3])
	assert.Equal(t, "proj-a", events[0].Values[4])

	// Unchanged on the next tick.
	events, err = c.Collect(ctx)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestTranscriptPicksUpNewFile(t *testing.T) {
	root, _ := newProjectDir(t, "proj-a", "sess-1", testUserLine)

	c := NewTranscript(root, time.Second, 500, newMemWatermarks(), zaptest.NewLogger(t))
	ctx := context.Background()
	require.NoError(t, c.Setup(ctx))

	// A brand-new session started after the daemon: everything in it
	// is new activity.
	dir := filepath.Join(root, "proj-b")
	require.NoError(t, os.MkdirAll(dir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sess-2.jsonl"),
		[]byte(testUserLine), 0644))

	events, err := c.Collect(ctx)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "sess-2", events[0].Values[1])
	assert.Equal(t, "proj-b", events[0].Values[4])
}

func TestTranscriptResumeSurvivesRestart(t *testing.T) {
	root, path := newProjectDir(t, "proj-a", "sess-1", testUserLine)
	w := newMemWatermarks()
	ctx := context.Background()

	c1 := NewTranscript(root, time.Second, 500, w, zaptest.NewLogger(t))
	require.NoError(t, c1.Setup(ctx))
	appendFile(t, path, testAssistantLine)
	bumpMtime(t, path)
	events, err := c1.Collect(ctx)
	require.NoError(t, err)
	require.Len(t, events, 1)

	// A fresh instance with the same watermark store does not replay.
	c2 := NewTranscript(root, time.Second, 500, w, zaptest.NewLogger(t))
	require.NoError(t, c2.Setup(ctx))
	events, err = c2.Collect(ctx)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestTranscriptRecordsMtimeWithoutNewRecords(t *testing.T) {
	root, path := newProjectDir(t, "proj-a", "sess-1", testUserLine)
	w := newMemWatermarks()
	c := NewTranscript(root, time.Second, 500, w, zaptest.NewLogger(t))
	ctx := context.Background()
	require.NoError(t, c.Setup(ctx))

	// Touched (a partial line starts) but no complete record yet.
	appendFile(t, path, `{"type":"user","time`)
	bumpMtime(t, path)

	events, err := c.Collect(ctx)
	require.NoError(t, err)
	assert.Empty(t, events)

	// The observed mtime is persisted even though the offset did not
	// move, so a touched-but-unchanged file stops being re-parsed
	// once its size matches the recorded offset again.
	cursor, ok, err := w.GetWatermark(ctx, transcriptCollectorName)
	require.NoError(t, err)
	require.True(t, ok)
	var files map[string]transcriptFileState
	require.NoError(t, json.Unmarshal([]byte(cursor), &files))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, info.ModTime().Unix(), files[path].MtimeUnix)
}

func TestTranscriptMissingDirIsQuiet(t *testing.T) {
	c := NewTranscript(filepath.Join(t.TempDir(), "absent"), time.Second, 500,
		newMemWatermarks(), zaptest.NewLogger(t))
	ctx := context.Background()
	require.NoError(t, c.Setup(ctx))

	events, err := c.Collect(ctx)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func appendFile(t *testing.T, path, content string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	require.NoError(t, err)
	defer f.Close()
	_, err = f.WriteString(content)
	require.NoError(t, err)
}

func bumpMtime(t *testing.T, path string) {
	t.Helper()
	future := time.Now().Add(2 * time.Second)
	require.NoError(t, os.Chtimes(path, future, future))
}
