// Package dedup — журнал идемпотентности по eventId.
package dedup

import (
	"context"
	"errors"
	"sync"

	"github.com/xela07ax/agenttrace/internal/domain"
)

// ErrStoreUnavailable — хранилище не смогло ответить; событие не принято.
var ErrStoreUnavailable = errors.New("dedup: store unavailable")

// Store — атомарная проверка-и-вставка по eventId.
// Первое появление id — Accepted, любое следующее — Deduped.
// Release снимает отметку с принятого id, если событие так и не попало в обработку.
type Store interface {
	Ingest(ctx context.Context, eventID string) (domain.IngestResult, error)
	Release(ctx context.Context, eventID string) error
	Stats(ctx context.Context) (domain.IngestStats, error)
}

// MemoryStore — однопроцессная реализация на карте под мьютексом.
type MemoryStore struct {
	mu      sync.Mutex
	seen    map[string]struct{}
	deduped int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{seen: make(map[string]struct{})}
}

func (s *MemoryStore) Ingest(_ context.Context, eventID string) (domain.IngestResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.seen[eventID]; ok {
		s.deduped++
		return domain.Deduped(), nil
	}
	s.seen[eventID] = struct{}{}
	return domain.Accepted(), nil
}

func (s *MemoryStore) Release(_ context.Context, eventID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.seen, eventID)
	return nil
}

func (s *MemoryStore) Stats(_ context.Context) (domain.IngestStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return domain.IngestStats{StoredEvents: int64(len(s.seen)), DedupedEvents: s.deduped}, nil
}
