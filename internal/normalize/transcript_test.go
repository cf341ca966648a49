package normalize

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xela07ax/agenttrace/internal/domain"
)

func writeTranscript(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "session.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestParseTranscript_MixedLines(t *testing.T) {
	path := writeTranscript(t, `{"type":"user","sessionId":"s-file","timestamp":"2025-03-01T10:00:00Z"}

not json
[1,2,3]
{"type":"assistant","message":{"model":"claude-sonnet-4","usage":{"input_tokens":10,"output_tokens":5,"cache_read_input_tokens":100}}}
`)
	now := time.Date(2025, 3, 1, 11, 0, 0, 0, time.UTC)
	res := ParseTranscript(path, TranscriptOptions{DefaultSessionID: "s-default", IngestedAt: now, PrivacyTier: domain.TierDetail})

	require.Len(t, res.Events, 2)
	assert.Equal(t, 2, res.SkippedLines)
	require.Len(t, res.Errors, 2)
	assert.Contains(t, res.Errors[0], "line 3: invalid JSON")
	assert.Contains(t, res.Errors[1], "line 4: expected a JSON object")

	first := res.Events[0]
	assert.Equal(t, domain.SourceTranscript, first.Source)
	assert.Equal(t, "s-file", first.SessionID)
	assert.Equal(t, "user", first.EventType)
	assert.True(t, first.EventTimestamp.Equal(time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)))

	second := res.Events[1]
	assert.Equal(t, "s-default", second.SessionID)
	assert.True(t, second.EventTimestamp.Equal(now))
	f := second.Fields()
	assert.Equal(t, "claude-sonnet-4", f.String("model"))
	in, _ := f.Int("input_tokens")
	cacheRead, _ := f.Int("cache_read_tokens")
	assert.EqualValues(t, 10, in)
	assert.EqualValues(t, 100, cacheRead)
}

func TestParseTranscript_DefaultEventType(t *testing.T) {
	path := writeTranscript(t, `{"foo":"bar"}`+"\n")
	res := ParseTranscript(path, TranscriptOptions{})
	require.Len(t, res.Events, 1)
	assert.Equal(t, DefaultTranscriptEventType, res.Events[0].EventType)
	assert.Equal(t, UnknownSession, res.Events[0].SessionID)
}

func TestParseTranscript_IdempotentIDs(t *testing.T) {
	path := writeTranscript(t, "{\"a\":1}\n{\"a\":1}\n")
	first := ParseTranscript(path, TranscriptOptions{DefaultSessionID: "s"})
	second := ParseTranscript(path, TranscriptOptions{DefaultSessionID: "s"})

	require.Len(t, first.Events, 2)
	// Одинаковые строки на разных позициях — разные id.
	assert.NotEqual(t, first.Events[0].EventID, first.Events[1].EventID)
	assert.Equal(t, first.Events[0].EventID, second.Events[0].EventID)
	assert.Equal(t, first.Events[1].EventID, second.Events[1].EventID)
}

func TestParseTranscript_MissingFile(t *testing.T) {
	res := ParseTranscript(filepath.Join(t.TempDir(), "absent.jsonl"), TranscriptOptions{})
	assert.Empty(t, res.Events)
	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0], "transcript not found")
}

func TestParseTranscript_OversizedLineSkipped(t *testing.T) {
	long := `{"type":"user","pad":"` + strings.Repeat("x", 500) + `"}`
	path := writeTranscript(t, `{"type":"user"}`+"\n"+long+"\n"+`{"type":"assistant"}`+"\r\n"+`{"type":"stop"}`)

	res := ParseTranscript(path, TranscriptOptions{DefaultSessionID: "s1", MaxLineBytes: 64})

	require.Len(t, res.Events, 3)
	assert.Equal(t, "user", res.Events[0].EventType)
	assert.Equal(t, "assistant", res.Events[1].EventType)
	assert.Equal(t, "stop", res.Events[2].EventType)
	assert.Equal(t, 1, res.SkippedLines)
	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0], "line 2: exceeds 64 bytes")
}
