package normalize

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/xela07ax/agenttrace/internal/domain"
)

const (
	DefaultOTelEventType = "otel_log"
	UnknownSession       = "unknown_session"
)

// OTLPOptions — параметры нормализации одного батча.
type OTLPOptions struct {
	IngestedAt  time.Time          // Время приема батча; запасное значение для timeUnixNano
	PrivacyTier domain.PrivacyTier // Уровень приватности для всех событий батча
}

// OTLPResult — итог нормализации батча.
type OTLPResult struct {
	Events         []domain.EventEnvelope
	DroppedRecords int
	Errors         []string
}

// OK — батч дал хотя бы одно событие.
func (r OTLPResult) OK() bool { return len(r.Events) > 0 }

// NormalizeOTLP разбирает OTLP-лог payload в JSON-форме:
// resourceLogs[].scopeLogs[].logRecords[] (или устаревший instrumentationLibraryLogs[]).
func NormalizeOTLP(payload any, opts OTLPOptions) OTLPResult {
	if opts.IngestedAt.IsZero() {
		opts.IngestedAt = time.Now().UTC()
	}
	if !opts.PrivacyTier.Valid() {
		opts.PrivacyTier = domain.TierMetadata
	}

	var res OTLPResult
	root := domain.FieldsOf(payload)
	resourceLogs, _ := root.Get("resourceLogs", "resource_logs")
	resources, _ := resourceLogs.([]any)

	index := 0 // сквозной номер записи в батче
	for ri, rawResource := range resources {
		resource := domain.FieldsOf(rawResource)
		if resource == nil {
			res.Errors = append(res.Errors, fmt.Sprintf("resourceLogs[%d]: must be an object", ri))
			continue
		}
		resAttrs := resourceAttributes(resource)

		scopes, scopeKey := scopeLogsOf(resource)
		for si, rawScope := range scopes {
			scope := domain.FieldsOf(rawScope)
			records, _ := scope.Get("logRecords", "log_records")
			recordList, _ := records.([]any)

			for li, rawRecord := range recordList {
				path := fmt.Sprintf("resourceLogs[%d].%s[%d].logRecords[%d]", ri, scopeKey, si, li)
				env, err := normalizeRecord(rawRecord, resAttrs, index, opts)
				index++
				if err != nil {
					res.DroppedRecords++
					res.Errors = append(res.Errors, path+": "+err.Error())
					continue
				}
				res.Events = append(res.Events, env)
			}
		}
	}

	if index == 0 {
		return OTLPResult{Errors: []string{"payload: no OTLP log records found"}}
	}
	return res
}

func scopeLogsOf(resource domain.Fields) ([]any, string) {
	if v, ok := resource.Get("scopeLogs", "scope_logs"); ok {
		list, _ := v.([]any)
		return list, "scopeLogs"
	}
	if v, ok := resource.Get("instrumentationLibraryLogs", "instrumentation_library_logs"); ok {
		list, _ := v.([]any)
		return list, "instrumentationLibraryLogs"
	}
	return nil, "scopeLogs"
}

func resourceAttributes(resource domain.Fields) map[string]string {
	res := resource.Map("resource")
	if res == nil {
		return nil
	}
	raw, _ := res.Get("attributes")
	list, ok := raw.([]any)
	if !ok {
		return nil
	}
	flat, _ := flattenAttributes(list)
	values := domain.Fields(flat)
	out := make(map[string]string, len(flat))
	for k := range flat {
		if s := values.String(k); s != "" {
			out[k] = s
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func normalizeRecord(raw any, resAttrs map[string]string, index int, opts OTLPOptions) (domain.EventEnvelope, error) {
	record := domain.FieldsOf(raw)
	if record == nil {
		return domain.EventEnvelope{}, fmt.Errorf("log record must be an object")
	}

	fields := domain.Fields{}
	if rawAttrs, ok := record.Get("attributes"); ok {
		list, ok := rawAttrs.([]any)
		if !ok {
			return domain.EventEnvelope{}, fmt.Errorf("attributes must be an array")
		}
		flat, err := flattenAttributes(list)
		if err != nil {
			return domain.EventEnvelope{}, err
		}
		for k, v := range flat {
			fields[k] = v
		}
	}

	if sev := record.String("severityText", "severity_text"); sev != "" {
		fields.SetIfAbsent("severity_text", sev)
	}
	if num, ok := record.Int("severityNumber", "severity_number"); ok {
		fields.SetIfAbsent("severity_number", num)
	}

	// Поля тела сливаются целиком и при коллизии перекрывают атрибуты.
	if body, ok := record.Get("body"); ok {
		for k, v := range decodeBody(body) {
			fields[k] = v
		}
	}

	eventType := fields.String("event_type", "event.name", "event.type", "type")
	if eventType == "" {
		eventType = DefaultOTelEventType
	}
	sessionID := fields.String("session_id", "session.id", "sessionId")
	if sessionID == "" {
		sessionID = UnknownSession
	}
	promptID := fields.String("prompt_id", "prompt.id", "promptId")

	ts, ok := unixNanoTime(record, "timeUnixNano", "time_unix_nano")
	if !ok {
		ts = opts.IngestedAt
	}

	env := domain.EventEnvelope{
		SchemaVersion:  domain.SchemaVersion,
		Source:         domain.SourceOTel,
		SourceVersion:  resAttrs["service.version"],
		EventID:        otelEventID(sessionID, domain.FormatTimestamp(ts), eventType, index),
		SessionID:      sessionID,
		PromptID:       promptID,
		EventType:      eventType,
		EventTimestamp: ts.UTC(),
		IngestedAt:     opts.IngestedAt.UTC(),
		PrivacyTier:    opts.PrivacyTier,
		Payload:        fields,
		Attributes:     copyStringMap(resAttrs),
	}
	return env, nil
}

// flattenAttributes превращает [{key, value:{stringValue|boolValue|intValue|doubleValue}}]
// в плоскую карту. Запись без ключа считается битой.
func flattenAttributes(list []any) (map[string]any, error) {
	out := make(map[string]any, len(list))
	for i, item := range list {
		kv := domain.FieldsOf(item)
		if kv == nil {
			return nil, fmt.Errorf("attributes[%d] must be an object", i)
		}
		key, _ := kv["key"].(string)
		if key == "" {
			return nil, fmt.Errorf("attributes[%d] has no key", i)
		}
		if v, ok := anyValue(kv["value"]); ok {
			out[key] = v
		}
	}
	return out, nil
}

// anyValue разворачивает OTLP AnyValue в примитив.
func anyValue(raw any) (any, bool) {
	v := domain.FieldsOf(raw)
	if v == nil {
		return nil, false
	}
	if s, ok := v.Get("stringValue", "string_value"); ok {
		str, isStr := s.(string)
		return str, isStr
	}
	if b, ok := v.Bool("boolValue", "bool_value"); ok {
		return b, true
	}
	if n, ok := v.Int("intValue", "int_value"); ok {
		return n, true
	}
	if f, ok := v.Float("doubleValue", "double_value"); ok {
		return f, true
	}
	return nil, false
}

// decodeBody достает примитивные поля из тела записи: AnyValue со строкой-JSON,
// kvlistValue, готовый объект или JSON-строка.
func decodeBody(body any) map[string]any {
	switch b := body.(type) {
	case string:
		return decodeJSONObject(b)
	case map[string]any, domain.Fields:
		obj := domain.FieldsOf(b)
		if s, ok := obj["stringValue"].(string); ok {
			return decodeJSONObject(s)
		}
		if kv := obj.Map("kvlistValue", "kvlist_value"); kv != nil {
			values, _ := kv["values"].([]any)
			flat, err := flattenAttributes(values)
			if err != nil {
				return nil
			}
			return flat
		}
		return primitives(obj)
	}
	return nil
}

func decodeJSONObject(s string) map[string]any {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "{") {
		return nil
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(s), &obj); err != nil {
		return nil
	}
	return primitives(obj)
}

func primitives(obj map[string]any) map[string]any {
	out := make(map[string]any, len(obj))
	for k, v := range obj {
		switch v.(type) {
		case string, float64, bool, int64, json.Number:
			out[k] = v
		}
	}
	return out
}

// unixNanoTime читает наносекунды эпохи (строка или число).
func unixNanoTime(record domain.Fields, keys ...string) (time.Time, bool) {
	for _, k := range keys {
		switch v := record[k].(type) {
		case string:
			n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
			if err == nil && n > 0 {
				return time.Unix(0, n).UTC(), true
			}
		case float64:
			if v > 0 && v < math.MaxInt64 {
				return time.Unix(0, int64(v)).UTC(), true
			}
		case json.Number:
			if n, err := v.Int64(); err == nil && n > 0 {
				return time.Unix(0, n).UTC(), true
			}
		}
	}
	return time.Time{}, false
}

func copyStringMap(m map[string]string) map[string]string {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
