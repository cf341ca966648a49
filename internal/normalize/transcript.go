package normalize

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"time"

	"github.com/xela07ax/agenttrace/internal/domain"
	"github.com/xela07ax/agenttrace/internal/validate"
)

const DefaultTranscriptEventType = "transcript_event"

// Строки транскрипта бывают большими (вложенные ответы инструментов).
const maxTranscriptLine = 32 << 20

// TranscriptOptions — параметры разбора файла транскрипта.
type TranscriptOptions struct {
	DefaultSessionID string
	IngestedAt       time.Time
	PrivacyTier      domain.PrivacyTier
	MaxLineBytes     int // 0 — maxTranscriptLine
}

// TranscriptResult — итог разбора файла.
type TranscriptResult struct {
	Events       []domain.EventEnvelope
	SkippedLines int
	Errors       []string
}

// ParseTranscript читает JSONL-файл транскрипта. Отсутствующий файл — жесткий отказ
// (ноль событий, одна ошибка); битые строки пропускаются и не прерывают разбор.
func ParseTranscript(path string, opts TranscriptOptions) TranscriptResult {
	if opts.IngestedAt.IsZero() {
		opts.IngestedAt = time.Now().UTC()
	}
	if !opts.PrivacyTier.Valid() {
		opts.PrivacyTier = domain.TierMetadata
	}

	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return TranscriptResult{Errors: []string{"transcript not found: " + path}}
		}
		return TranscriptResult{Errors: []string{fmt.Sprintf("transcript open failed: %v", err)}}
	}
	defer f.Close()

	limit := opts.MaxLineBytes
	if limit <= 0 {
		limit = maxTranscriptLine
	}

	var res TranscriptResult
	r := bufio.NewReaderSize(f, 64*1024)
	lineNumber := 0
	for {
		raw, tooLong, err := readLine(r, limit)
		if err != nil && !errors.Is(err, io.EOF) {
			res.Errors = append(res.Errors, fmt.Sprintf("line %d: read failed: %v", lineNumber+1, err))
			break
		}
		eof := err != nil
		if eof && len(raw) == 0 && !tooLong {
			break
		}
		lineNumber++

		switch {
		case tooLong:
			// строка отброшена целиком, разбор продолжается со следующей
			res.SkippedLines++
			res.Errors = append(res.Errors, fmt.Sprintf("line %d: exceeds %d bytes", lineNumber, limit))
		case len(bytes.TrimSpace(raw)) > 0:
			res.addLine(path, lineNumber, raw, opts)
		}
		if eof {
			break
		}
	}
	return res
}

func (res *TranscriptResult) addLine(path string, lineNumber int, raw []byte, opts TranscriptOptions) {
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		res.SkippedLines++
		res.Errors = append(res.Errors, fmt.Sprintf("line %d: invalid JSON: %v", lineNumber, err))
		return
	}
	obj, ok := decoded.(map[string]any)
	if !ok {
		res.SkippedLines++
		res.Errors = append(res.Errors, fmt.Sprintf("line %d: expected a JSON object", lineNumber))
		return
	}
	res.Events = append(res.Events, transcriptEnvelope(path, lineNumber, string(raw), domain.Fields(obj), opts))
}

// readLine возвращает строку без "\n" и "\r". Строка длиннее limit дочитывается
// до перевода строки и отбрасывается (tooLong).
func readLine(r *bufio.Reader, limit int) ([]byte, bool, error) {
	var (
		line    []byte
		tooLong bool
	)
	for {
		chunk, err := r.ReadSlice('\n')
		if !tooLong {
			line = append(line, chunk...)
			if len(trimEOL(line)) > limit {
				line, tooLong = nil, true
			}
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		return trimEOL(line), tooLong, err
	}
}

func trimEOL(b []byte) []byte {
	b = bytes.TrimSuffix(b, []byte("\n"))
	return bytes.TrimSuffix(b, []byte("\r"))
}

func transcriptEnvelope(path string, lineNumber int, line string, fields domain.Fields, opts TranscriptOptions) domain.EventEnvelope {
	sessionID := fields.String("session_id", "sessionId")
	if sessionID == "" {
		sessionID = opts.DefaultSessionID
	}
	if sessionID == "" {
		sessionID = UnknownSession
	}

	eventType := fields.String("event_type", "eventType", "type")
	if eventType == "" {
		eventType = DefaultTranscriptEventType
	}

	ts := opts.IngestedAt
	if raw := fields.String("timestamp", "event_timestamp", "eventTimestamp"); raw != "" {
		if parsed, err := validate.ParseTimestamp(raw); err == nil {
			ts = parsed
		}
	}

	flattenUsage(fields)

	return domain.EventEnvelope{
		SchemaVersion:  domain.SchemaVersion,
		Source:         domain.SourceTranscript,
		SourceVersion:  fields.String("version"),
		EventID:        transcriptEventID(path, lineNumber, line),
		SessionID:      sessionID,
		PromptID:       fields.String("prompt_id", "promptId"),
		EventType:      eventType,
		EventTimestamp: ts.UTC(),
		IngestedAt:     opts.IngestedAt.UTC(),
		PrivacyTier:    opts.PrivacyTier,
		Payload:        fields,
		Attributes:     map[string]string{"transcript_path": path},
	}
}

// flattenUsage поднимает message.model и message.usage на верхний уровень,
// чтобы проектор мог посчитать стоимость. Существующие поля не трогаются.
func flattenUsage(fields domain.Fields) {
	msg := fields.Map("message")
	if msg == nil {
		return
	}
	if model := msg.String("model"); model != "" {
		fields.SetIfAbsent("model", model)
	}
	usage := msg.Map("usage")
	if usage == nil {
		return
	}
	copyInt := func(dst string, src ...string) {
		if n, ok := usage.Int(src...); ok {
			fields.SetIfAbsent(dst, n)
		}
	}
	copyInt("input_tokens", "input_tokens")
	copyInt("output_tokens", "output_tokens")
	copyInt("cache_read_tokens", "cache_read_input_tokens")
	copyInt("cache_creation_tokens", "cache_creation_input_tokens")
}
