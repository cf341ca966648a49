package domain

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// Fields — открытая карта полей payload. Значения — результат json.Unmarshal:
// string, float64, bool, nil, []any, map[string]any (или Fields).
// Все чтения идут через явные методы с перечислением алиасов (snake_case / camelCase).
type Fields map[string]any

// FieldsOf приводит произвольное значение к Fields, если это объект.
func FieldsOf(v any) Fields {
	switch m := v.(type) {
	case Fields:
		return m
	case map[string]any:
		return Fields(m)
	}
	return nil
}

// Get возвращает первое найденное не-nil значение по списку ключей.
func (f Fields) Get(keys ...string) (any, bool) {
	for _, k := range keys {
		if v, ok := f[k]; ok && v != nil {
			return v, true
		}
	}
	return nil, false
}

// Has — присутствует ли хотя бы один ключ с не-nil значением.
func (f Fields) Has(keys ...string) bool {
	_, ok := f.Get(keys...)
	return ok
}

// String читает строку; числа и bool форматируются. Пустая строка, если ничего нет.
func (f Fields) String(keys ...string) string {
	for _, k := range keys {
		v, ok := f[k]
		if !ok || v == nil {
			continue
		}
		switch s := v.(type) {
		case string:
			if s != "" {
				return s
			}
		case json.Number:
			return s.String()
		case float64:
			return strconv.FormatFloat(s, 'f', -1, 64)
		case int:
			return strconv.Itoa(s)
		case int64:
			return strconv.FormatInt(s, 10)
		case bool:
			return strconv.FormatBool(s)
		}
	}
	return ""
}

// Int читает целое число (в т.ч. из числовой строки — так приходят int64 в protojson).
func (f Fields) Int(keys ...string) (int64, bool) {
	for _, k := range keys {
		if n, ok := toInt(f[k]); ok {
			return n, true
		}
	}
	return 0, false
}

// Float читает число с плавающей точкой.
func (f Fields) Float(keys ...string) (float64, bool) {
	for _, k := range keys {
		if n, ok := toFloat(f[k]); ok {
			return n, true
		}
	}
	return 0, false
}

// Bool читает булево значение; строки "true"/"false" тоже принимаются.
func (f Fields) Bool(keys ...string) (bool, bool) {
	for _, k := range keys {
		switch b := f[k].(type) {
		case bool:
			return b, true
		case string:
			if v, err := strconv.ParseBool(strings.TrimSpace(b)); err == nil {
				return v, true
			}
		}
	}
	return false, false
}

// StringSlice читает массив строк. Нестроковые элементы пропускаются.
func (f Fields) StringSlice(keys ...string) []string {
	for _, k := range keys {
		switch arr := f[k].(type) {
		case []string:
			if len(arr) > 0 {
				return append([]string(nil), arr...)
			}
		case []any:
			out := make([]string, 0, len(arr))
			for _, item := range arr {
				if s, ok := item.(string); ok && s != "" {
					out = append(out, s)
				}
			}
			if len(out) > 0 {
				return out
			}
		}
	}
	return nil
}

// Map читает вложенный объект.
func (f Fields) Map(keys ...string) Fields {
	for _, k := range keys {
		if m := FieldsOf(f[k]); m != nil {
			return m
		}
	}
	return nil
}

// SetIfAbsent записывает значение, только если ключа еще нет. Возвращает true при записи.
func (f Fields) SetIfAbsent(key string, v any) bool {
	if existing, ok := f[key]; ok && existing != nil {
		return false
	}
	f[key] = v
	return true
}

// Clone делает глубокую копию (карты и срезы).
func (f Fields) Clone() Fields {
	if f == nil {
		return nil
	}
	out := make(Fields, len(f))
	for k, v := range f {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case Fields:
		return t.Clone()
	case map[string]any:
		return map[string]any(Fields(t).Clone())
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = cloneValue(item)
		}
		return out
	case []string:
		return append([]string(nil), t...)
	}
	return v
}

func toInt(v any) (int64, bool) {
	switch n := v.(type) {
	case float64:
		if math.IsNaN(n) || math.IsInf(n, 0) {
			return 0, false
		}
		return int64(n), true
	case int:
		return int64(n), true
	case int64:
		return n, true
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i, true
		}
		if fl, err := n.Float64(); err == nil {
			return int64(fl), true
		}
	case string:
		s := strings.TrimSpace(n)
		if i, err := strconv.ParseInt(s, 10, 64); err == nil {
			return i, true
		}
	}
	return 0, false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		if math.IsNaN(n) || math.IsInf(n, 0) {
			return 0, false
		}
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		if fl, err := n.Float64(); err == nil {
			return fl, true
		}
	case string:
		if fl, err := strconv.ParseFloat(strings.TrimSpace(n), 64); err == nil {
			return fl, true
		}
	}
	return 0, false
}
