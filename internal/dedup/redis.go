package dedup

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/xela07ax/agenttrace/internal/domain"
	"github.com/xela07ax/agenttrace/internal/infra"
)

// RedisStore хранит маркеры событий через SETNX, поэтому несколько реплик
// коллектора за одним Redis видят общий журнал. Маркеры живут ttl.
type RedisStore struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisStore(rdb *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{rdb: rdb, ttl: ttl}
}

func (s *RedisStore) Ingest(ctx context.Context, eventID string) (domain.IngestResult, error) {
	created, err := s.rdb.SetNX(ctx, infra.GetDedupKey(eventID), 1, s.ttl).Result()
	if err != nil {
		return domain.IngestResult{}, fmt.Errorf("%w: setnx: %v", ErrStoreUnavailable, err)
	}

	counter := infra.RedisKeyDedupCounter
	result := domain.Deduped()
	if created {
		counter = infra.RedisKeyStoredCounter
		result = domain.Accepted()
	}
	// Счетчик вторичен: ошибка не меняет решение по событию.
	_ = s.rdb.Incr(ctx, counter).Err()
	return result, nil
}

// Release удаляет маркер и откатывает счетчик принятых.
func (s *RedisStore) Release(ctx context.Context, eventID string) error {
	n, err := s.rdb.Del(ctx, infra.GetDedupKey(eventID)).Result()
	if err != nil {
		return fmt.Errorf("%w: release: %v", ErrStoreUnavailable, err)
	}
	if n > 0 {
		_ = s.rdb.Decr(ctx, infra.RedisKeyStoredCounter).Err()
	}
	return nil
}

func (s *RedisStore) Stats(ctx context.Context) (domain.IngestStats, error) {
	pipe := s.rdb.Pipeline()
	stored := pipe.Get(ctx, infra.RedisKeyStoredCounter)
	deduped := pipe.Get(ctx, infra.RedisKeyDedupCounter)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return domain.IngestStats{}, fmt.Errorf("%w: stats: %v", ErrStoreUnavailable, err)
	}

	var stats domain.IngestStats
	if n, err := stored.Int64(); err == nil {
		stats.StoredEvents = n
	}
	if n, err := deduped.Int64(); err == nil {
		stats.DedupedEvents = n
	}
	return stats, nil
}
