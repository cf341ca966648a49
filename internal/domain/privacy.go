package domain

// FreeTextKeys — поля payload со свободным текстом пользователя, модели или
// инструмента. Сохраняются только при privacyTier >= 2, на любой вложенности.
var FreeTextKeys = []string{
	"prompt",
	"tool_input", "toolInput",
	"tool_response", "toolResponse",
	"tool_output", "toolOutput",
	"toolUseResult", "tool_use_result",
	"old_string", "new_string",
	"content", "message", "text", "thinking",
	"stdout", "stderr",
}

// IsFreeTextKey — входит ли ключ в FreeTextKeys.
func IsFreeTextKey(key string) bool {
	for _, k := range FreeTextKeys {
		if k == key {
			return true
		}
	}
	return false
}

// Redacted возвращает копию без полей свободного текста, если уровень их не разрешает.
// Вложенные объекты и массивы чистятся так же: текст транскрипта лежит в message.content.
func (f Fields) Redacted(tier PrivacyTier) Fields {
	out := f.Clone()
	if tier.AllowsDetail() {
		return out
	}
	stripFreeText(out)
	return out
}

func stripFreeText(v any) {
	switch t := v.(type) {
	case Fields:
		stripFreeText(map[string]any(t))
	case map[string]any:
		for k, item := range t {
			if IsFreeTextKey(k) {
				delete(t, k)
				continue
			}
			stripFreeText(item)
		}
	case []any:
		for _, item := range t {
			stripFreeText(item)
		}
	}
}
