// Package persist — write-through принятых событий и снимков сессий во внешние хранилища.
package persist

import (
	"encoding/json"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/xela07ax/agenttrace/internal/domain"
)

// Ellipsis — маркер обрезанного текста.
const Ellipsis = "…"

// DefaultMaxTextLength — предел длины свободного текста в строке события (в рунах).
const DefaultMaxTextLength = 4000

// EventRow — плоская строка события с фиксированными колонками и остаточным мешком атрибутов.
type EventRow struct {
	EventID        string
	SchemaVersion  string
	Source         string
	SourceVersion  string
	SessionID      string
	PromptID       string
	EventType      string
	EventTimestamp time.Time
	IngestedAt     time.Time
	PrivacyTier    int

	UserID           string
	ToolName         string
	Model            string
	CostUSD          float64
	InputTokens      int64
	OutputTokens     int64
	CacheReadTokens  int64
	CacheWriteTokens int64
	LinesAdded       int64
	LinesRemoved     int64
	FilesChanged     []string
	CommitSHA        string

	// Свободный текст; пусто при privacyTier < 2
	Prompt       string
	ToolInput    string
	ToolResponse string
	OldString    string
	NewString    string
	Content      string

	Attributes map[string]string // атрибуты конверта
	Extra      map[string]any    // поля payload без собственной колонки
}

// SessionRow — текущий снимок трейса сессии.
type SessionRow struct {
	SessionID         string
	UserID            string
	ProjectPath       string
	GitRepo           string
	GitBranch         string
	StartedAt         time.Time
	EndedAt           *time.Time
	ActiveDurationMs  int64
	PromptCount       int64
	APICallCount      int64
	ToolCallCount     int64
	TotalCostUSD      float64
	TotalInputTokens  int64
	TotalOutputTokens int64
	CacheReadTokens   int64
	CacheWriteTokens  int64
	LinesAdded        int64
	LinesRemoved      int64
	FilesTouched      []string
	ModelsUsed        []string
	ToolsUsed         []string
	EventCount        int
	Trace             json.RawMessage // полный трейс для восстановления реестра
	UpdatedAt         time.Time
}

// CommitRow — коммит сессии, ключ — sha.
type CommitRow struct {
	SHA          string
	SessionID    string
	Message      string
	Branch       string
	Timestamp    time.Time
	PromptID     string
	LinesAdded   int64
	LinesRemoved int64
	FilesChanged []string
}

// columnKeys — ключи payload, которые уходят в колонки, а не в Extra.
var columnKeys = map[string]struct{}{
	"user_id": {}, "userId": {},
	"tool_name": {}, "toolName": {},
	"model":    {},
	"cost_usd": {}, "costUsd": {},
	"input_tokens": {}, "inputTokens": {},
	"output_tokens": {}, "outputTokens": {},
	"cache_read_tokens": {}, "cache_read_input_tokens": {}, "cacheReadTokens": {},
	"cache_creation_tokens": {}, "cache_creation_input_tokens": {}, "cache_write_tokens": {}, "cacheCreationTokens": {},
	"lines_added": {}, "linesAdded": {},
	"lines_removed": {}, "linesRemoved": {},
	"files_changed": {}, "filesChanged": {},
	"commit_sha": {}, "commitSha": {},
}

// MapEvent строит строку события. Стоимость берется из спроецированного события
// ленты, если оно есть, иначе из явного cost_usd.
func MapEvent(env *domain.EventEnvelope, trace *domain.AgentSessionTrace, maxText int) EventRow {
	if maxText <= 0 {
		maxText = DefaultMaxTextLength
	}
	f := env.Fields()

	row := EventRow{
		EventID:        env.EventID,
		SchemaVersion:  env.SchemaVersion,
		Source:         string(env.Source),
		SourceVersion:  env.SourceVersion,
		SessionID:      env.SessionID,
		PromptID:       env.PromptID,
		EventType:      env.EventType,
		EventTimestamp: env.EventTimestamp.UTC(),
		IngestedAt:     env.IngestedAt.UTC(),
		PrivacyTier:    int(env.PrivacyTier),
		UserID:         f.String("user_id", "userId"),
		ToolName:       f.String("tool_name", "toolName"),
		Model:          f.String("model"),
		FilesChanged:   f.StringSlice("files_changed", "filesChanged"),
		CommitSHA:      f.String("commit_sha", "commitSha"),
		Attributes:     env.Attributes,
	}
	if row.UserID == "" && trace != nil {
		row.UserID = trace.User.ID
	}

	if ev, ok := findEvent(trace, env.EventID); ok {
		row.CostUSD = ev.CostUSD
	} else if cost, ok := f.Float("cost_usd", "costUsd"); ok && cost > 0 {
		row.CostUSD = cost
	}
	row.InputTokens, _ = f.Int("input_tokens", "inputTokens")
	row.OutputTokens, _ = f.Int("output_tokens", "outputTokens")
	row.CacheReadTokens, _ = f.Int("cache_read_tokens", "cache_read_input_tokens", "cacheReadTokens")
	row.CacheWriteTokens, _ = f.Int("cache_creation_tokens", "cache_creation_input_tokens", "cache_write_tokens", "cacheCreationTokens")
	row.LinesAdded, _ = f.Int("lines_added", "linesAdded")
	row.LinesRemoved, _ = f.Int("lines_removed", "linesRemoved")

	if env.PrivacyTier.AllowsDetail() {
		row.Prompt = freeText(f, maxText, "prompt")
		row.ToolInput = freeText(f, maxText, "tool_input", "toolInput")
		row.ToolResponse = freeText(f, maxText, "tool_response", "toolResponse", "tool_output", "toolOutput")
		input := f.Map("tool_input", "toolInput")
		row.OldString = freeText(input, maxText, "old_string")
		row.NewString = freeText(input, maxText, "new_string")
		row.Content = freeText(input, maxText, "content")
		if row.Content == "" {
			row.Content = freeText(f, maxText, "content")
		}
	}

	for k, v := range f.Redacted(env.PrivacyTier) {
		if _, ok := columnKeys[k]; ok {
			continue
		}
		if isTextColumn(k) {
			continue
		}
		if row.Extra == nil {
			row.Extra = make(map[string]any)
		}
		row.Extra[k] = truncateValue(v, maxText)
	}
	return row
}

// isTextColumn — свободный текст, у которого есть собственная колонка.
func isTextColumn(key string) bool {
	switch key {
	case "prompt", "tool_input", "toolInput", "tool_response", "toolResponse",
		"tool_output", "toolOutput", "old_string", "new_string", "content":
		return true
	}
	return false
}

// truncateValue обрезает строки на любой вложенности. Значение уже склонировано Redacted.
func truncateValue(v any, limit int) any {
	switch t := v.(type) {
	case string:
		return Truncate(t, limit)
	case domain.Fields:
		for k, item := range t {
			t[k] = truncateValue(item, limit)
		}
		return t
	case map[string]any:
		for k, item := range t {
			t[k] = truncateValue(item, limit)
		}
		return t
	case []any:
		for i, item := range t {
			t[i] = truncateValue(item, limit)
		}
		return t
	case []string:
		for i, item := range t {
			t[i] = Truncate(item, limit)
		}
		return t
	}
	return v
}

func findEvent(trace *domain.AgentSessionTrace, id string) (domain.TimelineEvent, bool) {
	if trace == nil {
		return domain.TimelineEvent{}, false
	}
	return trace.FindEvent(id)
}

// freeText читает строку или сериализует структуру в JSON и обрезает до limit.
func freeText(f domain.Fields, limit int, keys ...string) string {
	v, ok := f.Get(keys...)
	if !ok {
		return ""
	}
	var s string
	switch t := v.(type) {
	case string:
		s = t
	default:
		data, err := json.Marshal(t)
		if err != nil {
			s = fmt.Sprint(t)
		} else {
			s = string(data)
		}
	}
	return Truncate(s, limit)
}

// Truncate оставляет limit рун и добавляет Ellipsis.
func Truncate(s string, limit int) string {
	if limit <= 0 || utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	return string(runes[:limit]) + Ellipsis
}

// MapSession строит снимок сессии вместе с сериализованным трейсом.
func MapSession(trace *domain.AgentSessionTrace, now time.Time) (SessionRow, error) {
	snapshot, err := json.Marshal(trace)
	if err != nil {
		return SessionRow{}, fmt.Errorf("persist: encode trace %s: %w", trace.SessionID, err)
	}
	m := trace.Metrics
	return SessionRow{
		SessionID:         trace.SessionID,
		UserID:            trace.User.ID,
		ProjectPath:       trace.Environment.ProjectPath,
		GitRepo:           trace.Environment.GitRepo,
		GitBranch:         trace.Environment.GitBranch,
		StartedAt:         trace.StartedAt,
		EndedAt:           trace.EndedAt,
		ActiveDurationMs:  trace.ActiveDurationMs,
		PromptCount:       m.PromptCount,
		APICallCount:      m.APICallCount,
		ToolCallCount:     m.ToolCallCount,
		TotalCostUSD:      m.TotalCostUSD,
		TotalInputTokens:  m.TotalInputTokens,
		TotalOutputTokens: m.TotalOutputTokens,
		CacheReadTokens:   m.CacheReadTokens,
		CacheWriteTokens:  m.CacheWriteTokens,
		LinesAdded:        m.LinesAdded,
		LinesRemoved:      m.LinesRemoved,
		FilesTouched:      m.FilesTouched,
		ModelsUsed:        m.ModelsUsed,
		ToolsUsed:         m.ToolsUsed,
		EventCount:        len(trace.Timeline),
		Trace:             snapshot,
		UpdatedAt:         now.UTC(),
	}, nil
}

// MapCommits — строки коммитов трейса.
func MapCommits(trace *domain.AgentSessionTrace) []CommitRow {
	rows := make([]CommitRow, 0, len(trace.Git.Commits))
	for _, c := range trace.Git.Commits {
		rows = append(rows, CommitRow{
			SHA:          c.SHA,
			SessionID:    trace.SessionID,
			Message:      c.Message,
			Branch:       c.Branch,
			Timestamp:    c.Timestamp,
			PromptID:     c.PromptID,
			LinesAdded:   c.LinesAdded,
			LinesRemoved: c.LinesRemoved,
			FilesChanged: c.FilesChanged,
		})
	}
	return rows
}

// DedupSessions оставляет последнюю строку для каждого sessionId, сохраняя порядок первого появления.
func DedupSessions(rows []SessionRow) []SessionRow {
	index := make(map[string]int, len(rows))
	out := make([]SessionRow, 0, len(rows))
	for _, r := range rows {
		if i, ok := index[r.SessionID]; ok {
			out[i] = r
			continue
		}
		index[r.SessionID] = len(out)
		out = append(out, r)
	}
	return out
}

// DedupCommits оставляет первую строку для каждого sha.
func DedupCommits(rows []CommitRow) []CommitRow {
	seen := make(map[string]struct{}, len(rows))
	out := make([]CommitRow, 0, len(rows))
	for _, r := range rows {
		if _, ok := seen[r.SHA]; ok {
			continue
		}
		seen[r.SHA] = struct{}{}
		out = append(out, r)
	}
	return out
}
