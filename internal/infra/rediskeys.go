package infra

import "fmt"

const (
	// RedisNamespace Базовый префикс для изоляции данных проекта в Redis
	RedisNamespace = "agenttrace"
)

// Ключи дедупликации
const (
	RedisKeyDedupPrefix   = RedisNamespace + ":dedup:event:"
	RedisKeyStoredCounter = RedisNamespace + ":dedup:stored_total"
	RedisKeyDedupCounter  = RedisNamespace + ":dedup:deduped_total"
)

// GetDedupKey — ключ-маркер принятого события.
func GetDedupKey(eventID string) string {
	return fmt.Sprintf("%s%s", RedisKeyDedupPrefix, eventID)
}
