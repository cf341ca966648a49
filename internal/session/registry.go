// Package session держит трейсы активных сессий и сериализует свертку событий
// одной сессии: проекция и запись снимка идут под замком сессии.
package session

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/xela07ax/agenttrace/internal/domain"
	"github.com/xela07ax/agenttrace/internal/projector"
)

// TraceLoader восстанавливает трейс, которого нет в памяти (например, после рестарта).
type TraceLoader interface {
	LoadTrace(ctx context.Context, sessionID string) (*domain.AgentSessionTrace, bool, error)
}

// Writer — write-through снимков (persist.Writer).
type Writer interface {
	Write(ctx context.Context, env *domain.EventEnvelope, trace *domain.AgentSessionTrace)
	WriteTraces(ctx context.Context, traces []*domain.AgentSessionTrace)
}

type entry struct {
	mu      sync.Mutex
	trace   *domain.AgentSessionTrace
	touched time.Time
	evicted bool
}

// Registry — трейсы по sessionId. Разные сессии сворачиваются независимо.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*entry

	projector *projector.Projector
	loader    TraceLoader
	writer    Writer
	logger    *zap.Logger
	now       func() time.Time
}

type Option func(*Registry)

func WithLoader(l TraceLoader) Option { return func(r *Registry) { r.loader = l } }

func WithWriter(w Writer) Option { return func(r *Registry) { r.writer = w } }

func WithProjector(p *projector.Projector) Option { return func(r *Registry) { r.projector = p } }

func NewRegistry(logger *zap.Logger, opts ...Option) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Registry{
		entries:   make(map[string]*entry),
		projector: projector.New(nil),
		logger:    logger.With(zap.String("mod", "session")),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// lockEntry возвращает запертую запись сессии, пропуская вытесненные.
func (r *Registry) lockEntry(sessionID string) *entry {
	for {
		r.mu.Lock()
		e, ok := r.entries[sessionID]
		if !ok {
			e = &entry{}
			r.entries[sessionID] = e
		}
		r.mu.Unlock()

		e.mu.Lock()
		if !e.evicted {
			return e
		}
		e.mu.Unlock()
	}
}

// Apply сворачивает конверт в трейс сессии и пишет результат. Повтор eventId
// ничего не меняет и ничего не пишет.
func (r *Registry) Apply(ctx context.Context, env *domain.EventEnvelope) *domain.AgentSessionTrace {
	ctx, span := otel.Tracer("agenttrace/session").Start(ctx, "session.fold")
	span.SetAttributes(
		attribute.String("session.id", env.SessionID),
		attribute.String("event.id", env.EventID),
		attribute.String("event.type", env.EventType),
	)
	defer span.End()

	e := r.lockEntry(env.SessionID)
	defer e.mu.Unlock()

	if e.trace == nil && r.loader != nil {
		loaded, ok, err := r.loader.LoadTrace(ctx, env.SessionID)
		if err != nil {
			span.RecordError(err)
			r.logger.Warn("failed to load session trace", zap.String("session_id", env.SessionID), zap.Error(err))
		} else if ok {
			e.trace = loaded
		}
	}

	next := r.projector.Project(e.trace, env)
	e.touched = r.now()
	if next == e.trace {
		span.SetAttributes(attribute.Bool("event.duplicate", true))
		return next.Clone()
	}
	e.trace = next

	if r.writer != nil {
		r.writer.Write(ctx, env, next)
	}
	return next.Clone()
}

// Get возвращает копию трейса из памяти.
func (r *Registry) Get(sessionID string) (*domain.AgentSessionTrace, bool) {
	r.mu.Lock()
	e, ok := r.entries[sessionID]
	r.mu.Unlock()
	if !ok {
		return nil, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.trace == nil || e.evicted {
		return nil, false
	}
	return e.trace.Clone(), true
}

// Import заменяет трейсы готовыми снимками (валидированными заранее) и пишет их.
func (r *Registry) Import(ctx context.Context, traces []*domain.AgentSessionTrace) {
	for _, t := range traces {
		e := r.lockEntry(t.SessionID)
		e.trace = t.Clone()
		e.touched = r.now()
		e.mu.Unlock()
	}
	if r.writer != nil {
		r.writer.WriteTraces(ctx, traces)
	}
}

// Len — число сессий в памяти.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// EvictIdle выгружает сессии, не менявшиеся дольше ttl. Без TraceLoader
// трейс нельзя восстановить, поэтому вытеснение выключено.
func (r *Registry) EvictIdle(ttl time.Duration) int {
	if r.loader == nil || ttl <= 0 {
		return 0
	}
	cutoff := r.now().Add(-ttl)

	r.mu.Lock()
	defer r.mu.Unlock()
	evicted := 0
	for id, e := range r.entries {
		// Занятую сессию не трогаем
		if !e.mu.TryLock() {
			continue
		}
		if e.touched.Before(cutoff) {
			e.evicted = true
			delete(r.entries, id)
			evicted++
		}
		e.mu.Unlock()
	}
	return evicted
}

// RunEviction периодически вызывает EvictIdle до отмены ctx.
func (r *Registry) RunEviction(ctx context.Context, ttl, interval time.Duration) {
	if r.loader == nil || ttl <= 0 || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := r.EvictIdle(ttl); n > 0 {
				r.logger.Debug("evicted idle sessions", zap.Int("count", n))
			}
		}
	}
}
