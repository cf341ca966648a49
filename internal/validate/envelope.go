// Package validate проверяет входящие конверты и готовые трассы сессий.
// Все нарушения собираются целиком (без short-circuit), чтобы один запрос
// сообщал обо всех проблемах сразу.
package validate

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/xela07ax/agenttrace/internal/domain"
)

// Result — вариант ok/error: при OK=false Value не заполнен.
type Result[T any] struct {
	OK     bool
	Value  T
	Errors []string
}

func failed[T any](errs []string) Result[T] {
	return Result[T]{Errors: errs}
}

// Явный маркер UTC (Z) или числовое смещение в конце строки.
var offsetSuffix = regexp.MustCompile(`(?i)(z|[+-]\d{2}:?\d{2})$`)

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999Z0700",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02T15:04Z07:00",
}

// ParseTimestamp разбирает ISO-8601 время. Наивное локальное время (без Z/смещения) — ошибка.
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("empty timestamp")
	}
	if !offsetSuffix.MatchString(s) {
		return time.Time{}, fmt.Errorf("timestamp %q has no UTC marker or offset", s)
	}
	normalized := s
	if last := s[len(s)-1]; last == 'z' {
		normalized = s[:len(s)-1] + "Z"
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, normalized); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("timestamp %q is not ISO-8601", s)
}

// DecodeEnvelope разбирает тело запроса и валидирует его.
func DecodeEnvelope(data []byte) Result[domain.EventEnvelope] {
	var input any
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&input); err != nil {
		return failed[domain.EventEnvelope]([]string{"body: invalid JSON: " + err.Error()})
	}
	if dec.More() {
		return failed[domain.EventEnvelope]([]string{"body: unexpected data after JSON value"})
	}
	return Envelope(input)
}

// Envelope валидирует произвольное декодированное значение как EventEnvelope.
func Envelope(input any) Result[domain.EventEnvelope] {
	obj, ok := input.(map[string]any)
	if !ok {
		return failed[domain.EventEnvelope]([]string{"envelope: must be an object"})
	}

	var errs []string
	add := func(path, msg string) { errs = append(errs, path+": "+msg) }

	var env domain.EventEnvelope

	if v, _ := obj["schemaVersion"].(string); v != domain.SchemaVersion {
		add("schemaVersion", fmt.Sprintf("must equal %q", domain.SchemaVersion))
	} else {
		env.SchemaVersion = v
	}

	src, _ := obj["source"].(string)
	if !domain.Source(src).Valid() {
		add("source", "must be one of otel, hook, transcript, git")
	} else {
		env.Source = domain.Source(src)
	}

	if raw, present := obj["sourceVersion"]; present && raw != nil {
		if s, ok := raw.(string); ok {
			env.SourceVersion = s
		} else {
			add("sourceVersion", "must be a string")
		}
	}

	env.EventID = requireString(obj, "eventId", add)
	env.SessionID = requireString(obj, "sessionId", add)
	env.EventType = requireString(obj, "eventType", add)

	if raw, present := obj["promptId"]; present && raw != nil {
		if s, ok := raw.(string); ok {
			env.PromptID = s
		} else {
			add("promptId", "must be a string")
		}
	}

	env.EventTimestamp = requireTimestamp(obj, "eventTimestamp", add)
	env.IngestedAt = requireTimestamp(obj, "ingestedAt", add)

	if tier, ok := integerValue(obj["privacyTier"]); !ok || !domain.PrivacyTier(tier).Valid() {
		add("privacyTier", "must be 1, 2 or 3")
	} else {
		env.PrivacyTier = domain.PrivacyTier(tier)
	}

	// payload обязателен как ключ; любое значение (даже примитив или null) допустимо.
	if payload, present := obj["payload"]; !present {
		add("payload", "is required")
	} else {
		env.Payload = payload
	}

	if raw, present := obj["attributes"]; present && raw != nil {
		env.Attributes = validateAttributes(raw, add)
	}

	if len(errs) > 0 {
		return failed[domain.EventEnvelope](errs)
	}
	return Result[domain.EventEnvelope]{OK: true, Value: env}
}

func requireString(obj map[string]any, key string, add func(string, string)) string {
	s, ok := obj[key].(string)
	if !ok || strings.TrimSpace(s) == "" {
		add(key, "must be a non-empty string")
		return ""
	}
	return s
}

func requireTimestamp(obj map[string]any, key string, add func(string, string)) time.Time {
	s, ok := obj[key].(string)
	if !ok {
		add(key, "must be an ISO-8601 timestamp string")
		return time.Time{}
	}
	t, err := ParseTimestamp(s)
	if err != nil {
		add(key, "must be a valid ISO-8601 timestamp with Z or a numeric UTC offset")
		return time.Time{}
	}
	return t
}

func validateAttributes(raw any, add func(string, string)) map[string]string {
	obj, ok := raw.(map[string]any)
	if !ok {
		add("attributes", "must be an object of string values")
		return nil
	}
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make(map[string]string, len(obj))
	for _, k := range keys {
		if strings.TrimSpace(k) == "" {
			add("attributes", "keys must be non-empty strings")
			continue
		}
		s, ok := obj[k].(string)
		if !ok || s == "" {
			add("attributes."+k, "must be a non-empty string")
			continue
		}
		out[k] = s
	}
	return out
}

func integerValue(v any) (int64, bool) {
	switch n := v.(type) {
	case float64:
		if n != math.Trunc(n) {
			return 0, false
		}
		return int64(n), true
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	case int:
		return int64(n), true
	case int64:
		return n, true
	}
	return 0, false
}
