package domain

import (
	"strings"
	"time"
)

// SchemaVersion — единственная поддерживаемая версия формата конверта.
const SchemaVersion = "1.0"

// Source определяет, откуда пришло событие.
type Source string

const (
	SourceOTel       Source = "otel"       // OTLP логи (gRPC / HTTP JSON)
	SourceHook       Source = "hook"       // Хуки агента
	SourceTranscript Source = "transcript" // JSONL транскрипт сессии
	SourceGit        Source = "git"        // Снимки git-активности
)

// Valid проверяет принадлежность к перечислению.
func (s Source) Valid() bool {
	switch s {
	case SourceOTel, SourceHook, SourceTranscript, SourceGit:
		return true
	}
	return false
}

// PrivacyTier управляет тем, какие свободные тексты (промпты, ввод инструментов) можно хранить.
type PrivacyTier int

const (
	TierMetadata PrivacyTier = 1 // Только метаданные
	TierDetail   PrivacyTier = 2 // Разрешены детали промптов и инструментов
	TierFull     PrivacyTier = 3
)

func (t PrivacyTier) Valid() bool { return t >= TierMetadata && t <= TierFull }

// AllowsDetail — можно ли сохранять свободный текст.
func (t PrivacyTier) AllowsDetail() bool { return t >= TierDetail }

// EventEnvelope — каноническая единица приема телеметрии.
// EventID является ключом идемпотентности: вся дедупликация завязана на него.
type EventEnvelope struct {
	SchemaVersion  string            `json:"schemaVersion"`
	Source         Source            `json:"source"`
	SourceVersion  string            `json:"sourceVersion,omitempty"`
	EventID        string            `json:"eventId"`
	SessionID      string            `json:"sessionId"`
	PromptID       string            `json:"promptId,omitempty"`
	EventType      string            `json:"eventType"`
	EventTimestamp time.Time         `json:"eventTimestamp"`
	IngestedAt     time.Time         `json:"ingestedAt"`
	PrivacyTier    PrivacyTier       `json:"privacyTier"`
	Payload        any               `json:"payload"` // Любое JSON-значение, обычно объект
	Attributes     map[string]string `json:"attributes,omitempty"`
}

// Fields возвращает payload как карту полей. Для не-объектов — пустая карта (nil).
func (e *EventEnvelope) Fields() Fields {
	return FieldsOf(e.Payload)
}

// EnsureFields гарантирует, что payload — изменяемый объект, и возвращает его.
// Примитивный payload переносится под ключ "value".
func (e *EventEnvelope) EnsureFields() Fields {
	if f := FieldsOf(e.Payload); f != nil {
		e.Payload = f
		return f
	}
	f := Fields{}
	if e.Payload != nil {
		f["value"] = e.Payload
	}
	e.Payload = f
	return f
}

// NormalizedType — тип события в нижнем регистре для сравнения без учета регистра.
func (e *EventEnvelope) NormalizedType() string {
	return strings.ToLower(strings.TrimSpace(e.EventType))
}

// FormatTimestamp приводит время к ISO-8601 в UTC с миллисекундами и маркером Z.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z07:00")
}
