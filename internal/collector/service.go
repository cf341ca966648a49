// Package collector принимает события (HTTP, OTLP gRPC), валидирует,
// дедуплицирует и передает принятые конверты цепочке процессоров.
package collector

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/xela07ax/agenttrace/internal/dedup"
	"github.com/xela07ax/agenttrace/internal/domain"
)

var (
	// ErrServiceClosed — прием после Close.
	ErrServiceClosed = errors.New("collector: service is closed")
	// ErrDispatchAbandoned — контекст запроса завершился раньше, чем нашлось место в очереди.
	// Отметка dedup снимается, повтор события будет принят.
	ErrDispatchAbandoned = errors.New("collector: dispatch abandoned")
)

const releaseTimeout = 2 * time.Second

// Processor — независимый обработчик принятого конверта. Ошибка одного
// процессора не мешает остальным и не влияет на ответ клиенту.
type Processor interface {
	Name() string
	Process(ctx context.Context, env *domain.EventEnvelope) error
}

// ProcessorFunc адаптирует функцию к Processor.
type ProcessorFunc struct {
	ProcessorName string
	Fn            func(ctx context.Context, env *domain.EventEnvelope) error
}

func (p ProcessorFunc) Name() string { return p.ProcessorName }

func (p ProcessorFunc) Process(ctx context.Context, env *domain.EventEnvelope) error {
	return p.Fn(ctx, env)
}

// Config — параметры диспетчера.
type Config struct {
	Workers   int
	QueueSize int
}

type task struct {
	span trace.SpanContext
	env  *domain.EventEnvelope
}

// BatchResult — итог приема набора конвертов.
type BatchResult struct {
	Accepted int
	Deduped  int
	Failed   int
}

// Service — ядро приема. Принятые конверты раскладываются по шардам по
// hash(sessionId): события одной сессии обрабатываются строго по порядку,
// разные сессии — параллельно.
type Service struct {
	store      dedup.Store
	processors []Processor
	shards     []chan task
	metrics    *Metrics
	logger     *zap.Logger

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup // воркеры шардов
	bg     sync.WaitGroup // фоновые задачи процессоров
}

func NewService(store dedup.Store, cfg Config, metrics *Metrics, logger *zap.Logger) *Service {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{
		store:   store,
		shards:  make([]chan task, cfg.Workers),
		metrics: metrics,
		logger:  logger.With(zap.String("mod", "collector")),
	}
	for i := range s.shards {
		s.shards[i] = make(chan task, cfg.QueueSize)
	}
	return s
}

// Use добавляет процессоры в конец цепочки. Вызывать до Start.
func (s *Service) Use(p ...Processor) {
	s.processors = append(s.processors, p...)
}

func (s *Service) Start() {
	for i := range s.shards {
		s.wg.Add(1)
		go s.worker(s.shards[i])
	}
}

// Ingest принимает валидный конверт: dedup и постановка в очередь синхронны,
// процессоры выполняются асинхронно.
func (s *Service) Ingest(ctx context.Context, env *domain.EventEnvelope) (domain.IngestResult, error) {
	ctx, span := otel.Tracer("agenttrace/collector").Start(ctx, "collector.ingest")
	span.SetAttributes(
		attribute.String("event.id", env.EventID),
		attribute.String("event.source", string(env.Source)),
		attribute.String("session.id", env.SessionID),
	)
	defer span.End()

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return domain.IngestResult{}, ErrServiceClosed
	}

	res, err := s.store.Ingest(ctx, env.EventID)
	if err != nil {
		span.RecordError(err)
		return domain.IngestResult{}, fmt.Errorf("collector: dedup %s: %w", env.EventID, err)
	}
	if res.IsDeduped() {
		s.metrics.DedupedEvents.WithLabelValues(string(env.Source)).Inc()
		return res, nil
	}
	if err := s.dispatch(ctx, env); err != nil {
		span.RecordError(err)
		s.release(ctx, env.EventID)
		return domain.IngestResult{}, err
	}
	s.metrics.IngestedEvents.WithLabelValues(string(env.Source)).Inc()
	return res, nil
}

// release снимает отметку dedup; контекст запроса к этому моменту уже завершен.
func (s *Service) release(ctx context.Context, eventID string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()
	if err := s.store.Release(ctx, eventID); err != nil {
		s.logger.Error("failed to release dedup mark", zap.String("event_id", eventID), zap.Error(err))
	}
}

// IngestBatch принимает конверты по одному; решение dedup принимается для каждого.
func (s *Service) IngestBatch(ctx context.Context, envs []domain.EventEnvelope) (BatchResult, error) {
	var (
		out  BatchResult
		errs []error
	)
	for i := range envs {
		res, err := s.Ingest(ctx, &envs[i])
		switch {
		case err != nil:
			out.Failed++
			errs = append(errs, err)
		case res.IsAccepted():
			out.Accepted++
		default:
			out.Deduped++
		}
	}
	return out, errors.Join(errs...)
}

func (s *Service) Stats(ctx context.Context) (domain.IngestStats, error) {
	return s.store.Stats(ctx)
}

func (s *Service) shardFor(sessionID string) chan task {
	h := fnv.New32a()
	_, _ = h.Write([]byte(sessionID))
	return s.shards[h.Sum32()%uint32(len(s.shards))]
}

// dispatch блокируется на полной очереди (backpressure), пока жив контекст запроса.
func (s *Service) dispatch(ctx context.Context, env *domain.EventEnvelope) error {
	t := task{span: trace.SpanContextFromContext(ctx), env: env}
	select {
	case s.shardFor(env.SessionID) <- t:
		s.metrics.QueueDepth.Inc()
		return nil
	case <-ctx.Done():
		s.metrics.DispatchDropped.Inc()
		s.logger.Warn("dispatch abandoned: request context ended",
			zap.String("event_id", env.EventID),
			zap.String("session_id", env.SessionID),
			zap.Error(ctx.Err()),
		)
		return fmt.Errorf("%w: %s: %w", ErrDispatchAbandoned, env.EventID, ctx.Err())
	}
}

func (s *Service) worker(ch chan task) {
	defer s.wg.Done()
	for t := range ch {
		s.metrics.QueueDepth.Dec()
		// Контекст запроса к этому моменту завершен: сохраняем только связь спанов
		ctx := trace.ContextWithRemoteSpanContext(context.Background(), t.span)
		s.runChain(ctx, t.env)
	}
}

func (s *Service) runChain(ctx context.Context, env *domain.EventEnvelope) {
	for _, p := range s.processors {
		s.runProcessor(ctx, p, env)
	}
}

func (s *Service) runProcessor(ctx context.Context, p Processor, env *domain.EventEnvelope) {
	defer func() {
		if r := recover(); r != nil {
			s.metrics.ProcessorFailures.WithLabelValues(p.Name()).Inc()
			s.logger.Error("processor panicked",
				zap.String("processor", p.Name()),
				zap.String("event_id", env.EventID),
				zap.Any("panic", r),
			)
		}
	}()
	if err := p.Process(ctx, env); err != nil {
		s.metrics.ProcessorFailures.WithLabelValues(p.Name()).Inc()
		s.logger.Error("processor failed",
			zap.String("processor", p.Name()),
			zap.String("event_id", env.EventID),
			zap.Error(err),
		)
	}
}

// Go запускает фоновую задачу процессора вне шарда; Close дождется ее.
func (s *Service) Go(fn func()) {
	s.bg.Add(1)
	go func() {
		defer s.bg.Done()
		fn()
	}()
}

// Close прекращает прием, вычитывает очереди и ждет фоновые задачи.
func (s *Service) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	for _, ch := range s.shards {
		close(ch)
	}
	s.mu.Unlock()

	start := time.Now()
	s.wg.Wait()
	s.bg.Wait()
	s.logger.Info("collector drained", zap.Duration("took", time.Since(start)))
}
