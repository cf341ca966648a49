package persist

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrBatcherClosed — запись после Stop.
	ErrBatcherClosed = errors.New("persist: event batcher is stopped")
	// ErrQueueFull — буфер переполнен (backpressure), строка не принята.
	ErrQueueFull = errors.New("persist: event queue is full")
)

// BatcherConfig — размер пачки и период сброса.
type BatcherConfig struct {
	QueueSize     int
	BatchSize     int
	FlushInterval time.Duration
}

// EventBatcher накапливает строки событий и пишет их пачками в следующий EventStore.
// InsertEvents не блокирует вызывающего: запись в БД идет в отдельном воркере.
// Stop закрывает вход и дожидается финального сброса (drain).
type EventBatcher struct {
	ch        chan EventRow
	next      EventStore
	onFailure func(rows []EventRow, err error)
	logger    *zap.Logger
	cfg       BatcherConfig

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

func NewEventBatcher(next EventStore, cfg BatcherConfig, onFailure func([]EventRow, error), logger *zap.Logger) *EventBatcher {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 10000
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 500 * time.Millisecond
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EventBatcher{
		ch:        make(chan EventRow, cfg.QueueSize),
		next:      next,
		onFailure: onFailure,
		logger:    logger.With(zap.String("mod", "event-batcher")),
		cfg:       cfg,
	}
}

func (b *EventBatcher) Start() {
	b.wg.Add(1)
	go b.worker()
}

// Stop «запирает» вход в канал и ждет, пока воркер всё допишет.
func (b *EventBatcher) Stop() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	close(b.ch)
	b.mu.Unlock()

	b.logger.Info("stopping event batcher: flushing buffer...")
	b.wg.Wait()
	b.logger.Info("event batcher stopped gracefully")
}

// InsertEvents ставит строки в очередь. Ошибка означает, что часть строк не принята.
func (b *EventBatcher) InsertEvents(_ context.Context, rows []EventRow) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrBatcherClosed
	}
	for _, row := range rows {
		// Стратегия Load Shedding: не ждем, если буфер полон
		select {
		case b.ch <- row:
		default:
			b.logger.Error("event_buffer_overflow", zap.String("event_id", row.EventID))
			return ErrQueueFull
		}
	}
	return nil
}

// Pending — сколько строк ждет записи.
func (b *EventBatcher) Pending() int {
	return len(b.ch)
}

func (b *EventBatcher) worker() {
	defer b.wg.Done()

	batch := make([]EventRow, 0, b.cfg.BatchSize)
	ticker := time.NewTicker(b.cfg.FlushInterval)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		// Background: контекст запроса к этому моменту уже завершен
		if err := b.next.InsertEvents(context.Background(), batch); err != nil {
			b.logger.Error("event flush failed", zap.Int("rows", len(batch)), zap.Error(err))
			if b.onFailure != nil {
				b.onFailure(append([]EventRow(nil), batch...), err)
			}
		}
		batch = batch[:0]
	}

	for {
		select {
		case row, ok := <-b.ch:
			if !ok {
				// Канал закрыт в Stop: остатки уже вычитаны, финальный сброс
				flush()
				return
			}
			batch = append(batch, row)
			if len(batch) >= b.cfg.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}
