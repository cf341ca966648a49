package persist

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xela07ax/agenttrace/internal/domain"
)

// EventStore — колоночное хранилище событий. Вставка идемпотентна по eventId.
type EventStore interface {
	InsertEvents(ctx context.Context, rows []EventRow) error
}

// SessionStore — реляционное хранилище снимков сессий и коммитов.
type SessionStore interface {
	UpsertSessions(ctx context.Context, rows []SessionRow) error
	UpsertCommits(ctx context.Context, rows []CommitRow) error
}

// FailureHook вызывается на каждый отказ (например, для счетчика Prometheus).
type FailureHook func(store string)

// Writer выполняет две независимые записи: строку события и снимок сессии с коммитами.
// Ошибки не возвращаются вызывающему: они логируются и попадают в FailureLog.
type Writer struct {
	events    EventStore
	sessions  SessionStore
	failures  *FailureLog
	maxText   int
	onFailure FailureHook
	logger    *zap.Logger
	now       func() time.Time
}

type WriterOption func(*Writer)

func WithMaxTextLength(n int) WriterOption { return func(w *Writer) { w.maxText = n } }

func WithFailureHook(h FailureHook) WriterOption { return func(w *Writer) { w.onFailure = h } }

// NewWriter: любое из хранилищ может быть nil — соответствующая запись пропускается.
func NewWriter(events EventStore, sessions SessionStore, failures *FailureLog, logger *zap.Logger, opts ...WriterOption) *Writer {
	if failures == nil {
		failures = NewFailureLog(0)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	w := &Writer{
		events:   events,
		sessions: sessions,
		failures: failures,
		maxText:  DefaultMaxTextLength,
		logger:   logger.With(zap.String("mod", "persist")),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Failures — наблюдаемый список отказов.
func (w *Writer) Failures() *FailureLog { return w.failures }

// Write пишет событие и снимок трейса параллельно и ждет обе записи.
func (w *Writer) Write(ctx context.Context, env *domain.EventEnvelope, trace *domain.AgentSessionTrace) {
	var wg sync.WaitGroup

	if w.events != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			row := MapEvent(env, trace, w.maxText)
			if err := w.events.InsertEvents(ctx, []EventRow{row}); err != nil {
				w.fail("events", env.EventID, env.SessionID, err)
			}
		}()
	}

	if w.sessions != nil && trace != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.writeTraces(ctx, env.EventID, []*domain.AgentSessionTrace{trace})
		}()
	}

	wg.Wait()
}

// WriteTraces пишет снимки нескольких трейсов (импорт). Повторы sessionId — последний побеждает.
func (w *Writer) WriteTraces(ctx context.Context, traces []*domain.AgentSessionTrace) {
	if w.sessions == nil || len(traces) == 0 {
		return
	}
	w.writeTraces(ctx, "", traces)
}

func (w *Writer) writeTraces(ctx context.Context, eventID string, traces []*domain.AgentSessionTrace) {
	now := w.now()
	sessions := make([]SessionRow, 0, len(traces))
	var commits []CommitRow
	for _, t := range traces {
		row, err := MapSession(t, now)
		if err != nil {
			w.fail("sessions", eventID, t.SessionID, err)
			continue
		}
		sessions = append(sessions, row)
		commits = append(commits, MapCommits(t)...)
	}

	sessions = DedupSessions(sessions)
	if len(sessions) > 0 {
		if err := w.sessions.UpsertSessions(ctx, sessions); err != nil {
			w.fail("sessions", eventID, sessions[0].SessionID, err)
		}
	}

	commits = DedupCommits(commits)
	if len(commits) > 0 {
		if err := w.sessions.UpsertCommits(ctx, commits); err != nil {
			w.fail("commits", eventID, commits[0].SessionID, err)
		}
	}
}

func (w *Writer) fail(store, eventID, sessionID string, err error) {
	w.logger.Error("persistence write failed",
		zap.String("store", store),
		zap.String("event_id", eventID),
		zap.String("session_id", sessionID),
		zap.Error(err),
	)
	w.failures.Record(Failure{Store: store, EventID: eventID, SessionID: sessionID, Error: err.Error()})
	if w.onFailure != nil {
		w.onFailure(store)
	}
}

// RecordBatchFailure — колбэк для EventBatcher: отказ пачки попадает в тот же список.
func (w *Writer) RecordBatchFailure(rows []EventRow, err error) {
	for _, r := range rows {
		w.fail("events", r.EventID, r.SessionID, err)
	}
}
