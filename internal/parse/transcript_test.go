package parse

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	userLine = `{"type":"user","timestamp":"2026-02-25T08:16:18.720Z","message":{"content":"how do I rotate logs?"}}` + "\n"

	assistantLine = `{"type":"assistant","timestamp":"2026-02-25T08:16:20.100Z","message":{"content":[` +
		`{"type":"text","text":"Use logrotate."},` +
		`{"type":"tool_use","name":"Bash","input":{"command":"man logrotate"}}]}}` + "\n"

	progressLine = `{"type":"progress","timestamp":"2026-02-25T08:16:21.000Z","data":{"type":"tool_result","tool_name":"Bash","output":"LOGROTATE(8)"}}` + "\n"
)

func writeTranscript(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "b81f2a-session.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestParseTranscript_ClassifiesEntries(t *testing.T) {
	path := writeTranscript(t, userLine+assistantLine+progressLine)

	records, offset, err := ParseTranscript(path, 0, 500)
	require.NoError(t, err)

	// user, assistant text, tool_use, tool_result
	require.Len(t, records, 4)
	assert.Equal(t, "user", records[0].MessageType)
	assert.Equal(t, "how do I rotate logs?", records[0].ContentPreview)
	assert.Equal(t, "assistant_text", records[1].MessageType)
	assert.Equal(t, "Use logrotate.", records[1].ContentPreview)
	assert.Equal(t, "tool_use:Bash", records[2].MessageType)
	assert.Equal(t, "man logrotate", records[2].ContentPreview)
	assert.Equal(t, "tool_result:Bash", records[3].MessageType)
	assert.Equal(t, "LOGROTATE(8)", records[3].ContentPreview)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, info.Size(), offset)

	// Session and project derive from the path.
	assert.Equal(t, "b81f2a-session", records[0].SessionID)
	assert.Equal(t, filepath.Dir(path), records[0].ProjectPath)
	assert.InDelta(t, 1772007378.72, records[0].Timestamp, 0.01)
}

func TestParseTranscript_IdempotentResume(t *testing.T) {
	path := writeTranscript(t, userLine+progressLine)

	records, offset, err := ParseTranscript(path, 0, 500)
	require.NoError(t, err)
	require.Len(t, records, 2)

	// Append one entry and resume from the returned offset: exactly the
	// new record comes back, nothing repeats.
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	require.NoError(t, err)
	_, err = f.WriteString(assistantLine)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	more, newOffset, err := ParseTranscript(path, offset, 500)
	require.NoError(t, err)
	require.Len(t, more, 2) // assistant text + tool_use from one line
	assert.Equal(t, "assistant_text", more[0].MessageType)
	assert.Greater(t, newOffset, offset)

	// Resuming again from the new offset yields nothing.
	none, finalOffset, err := ParseTranscript(path, newOffset, 500)
	require.NoError(t, err)
	assert.Empty(t, none)
	assert.Equal(t, newOffset, finalOffset)
}

func TestParseTranscript_TrailingPartialLineNotConsumed(t *testing.T) {
	partial := `{"type":"user","message":{"content":"still being writ`
	path := writeTranscript(t, userLine+partial)

	records, offset, err := ParseTranscript(path, 0, 500)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, int64(len(userLine)), offset)

	// Complete the partial line; re-parsing from the same offset picks
	// it up exactly once.
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	require.NoError(t, err)
	_, err = f.WriteString("ten\"}}\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	more, _, err := ParseTranscript(path, offset, 500)
	require.NoError(t, err)
	require.Len(t, more, 1)
	assert.Equal(t, "still being written", more[0].ContentPreview)
}

func TestParseTranscript_SkipsBlankAndMalformedLines(t *testing.T) {
	content := "\n" + userLine + "not json at all\n" + "\n" + progressLine
	path := writeTranscript(t, content)

	records, offset, err := ParseTranscript(path, 0, 500)
	require.NoError(t, err)
	assert.Len(t, records, 2)
	assert.Equal(t, int64(len(content)), offset)
}

func TestParseTranscript_MissingTimestampFallsBackToZero(t *testing.T) {
	line := `{"type":"user","message":{"content":"no clock"}}` + "\n"
	path := writeTranscript(t, line)

	records, _, err := ParseTranscript(path, 0, 500)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Zero(t, records[0].Timestamp)
}

func TestParseTranscript_PreviewTruncation(t *testing.T) {
	long := `{"type":"user","message":{"content":"aaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"}}` + "\n"
	path := writeTranscript(t, long)

	records, _, err := ParseTranscript(path, 0, 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "aaaaaaaaaa", records[0].ContentPreview)
}

func TestParseTranscript_MissingFile(t *testing.T) {
	_, _, err := ParseTranscript(filepath.Join(t.TempDir(), "absent.jsonl"), 0, 500)
	assert.Error(t, err)
}

func TestParseTranscript_SkipsEmptyUserContent(t *testing.T) {
	line := `{"type":"user","message":{"content":"   "}}` + "\n"
	path := writeTranscript(t, line)

	records, _, err := ParseTranscript(path, 0, 500)
	require.NoError(t, err)
	assert.Empty(t, records)
}
