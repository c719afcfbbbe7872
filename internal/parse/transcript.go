package parse

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/perchlabs/perch/internal/errors"
)

// TranscriptRecord is one classified entry from a JSONL transcript.
type TranscriptRecord struct {
	// Timestamp is seconds since the Unix epoch, or 0 when the entry
	// carried no parseable timestamp (the caller substitutes its own).
	Timestamp      float64
	SessionID      string
	MessageType    string
	ContentPreview string
	ProjectPath    string
}

// transcriptEntry is the loose top-level shape of one JSONL line.
type transcriptEntry struct {
	Type      string          `json:"type"`
	Timestamp string          `json:"timestamp"`
	Message   json.RawMessage `json:"message"`
	Data      json.RawMessage `json:"data"`
}

type transcriptMessage struct {
	Content json.RawMessage `json:"content"`
}

type contentBlock struct {
	Type  string          `json:"type"`
	Text  string          `json:"text"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

type progressData struct {
	Type     string          `json:"type"`
	ToolName string          `json:"tool_name"`
	Output   json.RawMessage `json:"output"`
}

// ParseTranscript incrementally reads a line-delimited JSON transcript
// starting at sinceOffset and classifies each decodable entry into zero
// or more records. Blank lines and lines that fail to decode are
// skipped. The returned offset covers only fully consumed lines: a
// trailing partial line at EOF is neither classified nor reflected in
// the offset, so the next call with the returned offset re-reads it
// once more bytes arrive. Calling repeatedly with non-decreasing
// offsets never reprocesses a completed line.
func ParseTranscript(path string, sinceOffset int64, previewLen int) ([]TranscriptRecord, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, sinceOffset, errors.NewParseError(errors.CodeTranscriptRead,
			fmt.Sprintf("open transcript %s", path), err)
	}
	defer f.Close()

	if _, err := f.Seek(sinceOffset, io.SeekStart); err != nil {
		return nil, sinceOffset, errors.NewParseError(errors.CodeTranscriptRead,
			fmt.Sprintf("seek transcript %s to %d", path, sinceOffset), err)
	}

	sessionID := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	projectPath := filepath.Dir(path)

	var records []TranscriptRecord
	offset := sinceOffset
	reader := bufio.NewReader(f)

	for {
		line, err := reader.ReadString('\n')
		if err == io.EOF {
			// No terminating newline: the line may still be mid-write.
			// Leave the offset at the previous line boundary so the
			// next call re-reads it.
			break
		}
		if err != nil {
			return records, offset, errors.NewParseError(errors.CodeTranscriptRead,
				fmt.Sprintf("read transcript %s", path), err)
		}

		offset += int64(len(line))

		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}

		var entry transcriptEntry
		if jsonErr := json.Unmarshal([]byte(trimmed), &entry); jsonErr != nil {
			continue
		}

		ts := parseISOTimestamp(entry.Timestamp)
		records = classifyEntry(records, &entry, ts, sessionID, projectPath, previewLen)
	}

	return records, offset, nil
}

// classifyEntry appends the records produced by one decoded entry.
func classifyEntry(records []TranscriptRecord, entry *transcriptEntry, ts float64, sessionID, projectPath string, previewLen int) []TranscriptRecord {
	switch entry.Type {
	case "user":
		content := extractMessageContent(entry.Message)
		if strings.TrimSpace(content) == "" {
			return records
		}
		records = append(records, TranscriptRecord{
			Timestamp:      ts,
			SessionID:      sessionID,
			MessageType:    "user",
			ContentPreview: truncate(content, previewLen),
			ProjectPath:    projectPath,
		})

	case "assistant":
		var msg transcriptMessage
		if err := json.Unmarshal(entry.Message, &msg); err != nil {
			return records
		}
		var blocks []contentBlock
		if err := json.Unmarshal(msg.Content, &blocks); err != nil {
			return records
		}
		for _, block := range blocks {
			switch block.Type {
			case "text":
				records = append(records, TranscriptRecord{
					Timestamp:      ts,
					SessionID:      sessionID,
					MessageType:    "assistant_text",
					ContentPreview: truncate(block.Text, previewLen),
					ProjectPath:    projectPath,
				})
			case "tool_use":
				records = append(records, TranscriptRecord{
					Timestamp:      ts,
					SessionID:      sessionID,
					MessageType:    "tool_use:" + block.Name,
					ContentPreview: truncate(toolInputPreview(block.Name, block.Input), previewLen),
					ProjectPath:    projectPath,
				})
			}
		}

	case "progress":
		var data progressData
		if err := json.Unmarshal(entry.Data, &data); err != nil {
			return records
		}
		if data.Type != "tool_result" {
			return records
		}
		records = append(records, TranscriptRecord{
			Timestamp:      ts,
			SessionID:      sessionID,
			MessageType:    "tool_result:" + data.ToolName,
			ContentPreview: truncate(rawToString(data.Output), previewLen),
			ProjectPath:    projectPath,
		})
	}

	return records
}

// extractMessageContent returns the text of a user or assistant
// message: either a plain string, or the joined text blocks of a
// content array.
func extractMessageContent(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var msg transcriptMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return ""
	}

	var s string
	if err := json.Unmarshal(msg.Content, &s); err == nil {
		return s
	}

	var blocks []contentBlock
	if err := json.Unmarshal(msg.Content, &blocks); err != nil {
		return ""
	}
	var texts []string
	for _, block := range blocks {
		if block.Type == "text" {
			texts = append(texts, block.Text)
		}
	}
	return strings.Join(texts, " ")
}

// toolInputPreview builds a readable one-line preview of a tool call.
func toolInputPreview(toolName string, rawInput json.RawMessage) string {
	var input map[string]interface{}
	if err := json.Unmarshal(rawInput, &input); err != nil {
		input = map[string]interface{}{}
	}

	str := func(key string) string {
		if v, ok := input[key].(string); ok {
			return v
		}
		return ""
	}

	switch toolName {
	case "Bash":
		return str("command")
	case "Read", "Glob":
		if p := str("file_path"); p != "" {
			return p
		}
		return str("pattern")
	case "Write":
		size := 0
		if content, ok := input["content"].(string); ok {
			size = len(content)
		}
		return fmt.Sprintf("%s (%d chars)", str("file_path"), size)
	case "Edit":
		return str("file_path")
	case "Grep":
		path := str("path")
		if path == "" {
			path = "."
		}
		return fmt.Sprintf("/%s/ in %s", str("pattern"), path)
	case "Task":
		return str("description")
	default:
		compact, err := json.Marshal(input)
		if err != nil {
			return ""
		}
		return truncate(string(compact), 200)
	}
}

// rawToString renders a tool output: JSON strings decode to their
// value, anything else keeps its JSON text.
func rawToString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

// parseISOTimestamp converts an ISO-8601 timestamp to epoch seconds,
// returning 0 when it cannot be parsed.
func parseISOTimestamp(ts string) float64 {
	if ts == "" {
		return 0
	}
	t, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return 0
	}
	return float64(t.UnixNano()) / float64(time.Second)
}

// truncate cuts s to at most max bytes on a rune boundary.
func truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	end := max
	for end > 0 && !utf8.RuneStart(s[end]) {
		end--
	}
	return s[:end]
}
