// Package normalize превращает внешние форматы (OTLP логи, JSONL транскрипты)
// в канонические конверты. Политика по умолчанию — частичный успех:
// битые записи отбрасываются и попадают в отчет, корректные проходят дальше.
package normalize

import (
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// Пространства имен для контентно-адресуемых идентификаторов.
// Повторный разбор того же материала дает те же eventId, а значит no-op при повторе.
var (
	otelNamespace       = uuid.NewSHA1(uuid.NameSpaceURL, []byte("agenttrace:otel"))
	transcriptNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("agenttrace:transcript"))
)

func otelEventID(sessionID, timestamp, eventType string, index int) string {
	key := strings.Join([]string{sessionID, timestamp, eventType, strconv.Itoa(index)}, "\x1f")
	return uuid.NewSHA1(otelNamespace, []byte(key)).String()
}

func transcriptEventID(path string, lineNumber int, rawLine string) string {
	key := strings.Join([]string{path, strconv.Itoa(lineNumber), rawLine}, "\x1f")
	return uuid.NewSHA1(transcriptNamespace, []byte(key)).String()
}
