package persist

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

// ErrBreakerOpen — хранилище временно отключено предохранителем.
var ErrBreakerOpen = errors.New("persist: circuit breaker open")

// GuardConfig — настройки ретраев, предохранителя и лимитера.
type GuardConfig struct {
	Name          string
	Attempts      uint
	BaseDelay     time.Duration // 0 — экспоненциальный бэкофф retry-go по умолчанию
	CBMaxRequests uint32
	CBInterval    time.Duration
	CBTimeout     time.Duration
	RateLimit     float64 // операций в секунду, 0 — без лимита
	OnStateChange func(name string, open bool)
}

// Guard оборачивает операцию записи: rate limiter → circuit breaker → retry.
type Guard struct {
	cb        *gobreaker.CircuitBreaker
	limiter   *rate.Limiter
	attempts  uint
	baseDelay time.Duration
}

func NewGuard(cfg GuardConfig) *Guard {
	if cfg.Attempts == 0 {
		cfg.Attempts = 3
	}
	if cfg.CBTimeout == 0 {
		cfg.CBTimeout = 30 * time.Second // Время, через которое CB попробует "закрыться"
	}

	settings := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.CBMaxRequests,
		Interval:    cfg.CBInterval,
		Timeout:     cfg.CBTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			// Если более 5 ошибок подряд — открываемся
			return counts.ConsecutiveFailures > 5
		},
	}
	if cfg.OnStateChange != nil {
		settings.OnStateChange = func(name string, _ gobreaker.State, to gobreaker.State) {
			cfg.OnStateChange(name, to == gobreaker.StateOpen)
		}
	}

	g := &Guard{
		cb:        gobreaker.NewCircuitBreaker(settings),
		attempts:  cfg.Attempts,
		baseDelay: cfg.BaseDelay,
	}
	if cfg.RateLimit > 0 {
		burst := int(cfg.RateLimit)
		if burst < 1 {
			burst = 1
		}
		g.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	return g
}

// Do выполняет op с защитой. Открытый предохранитель возвращает ErrBreakerOpen.
func (g *Guard) Do(ctx context.Context, op func(ctx context.Context) error) error {
	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("persist: rate limit wait: %w", err)
		}
	}

	_, err := g.cb.Execute(func() (interface{}, error) {
		r := retry.New(
			retry.Context(ctx),
			retry.Attempts(g.attempts),
			retry.DelayType(func(n uint, err error, config retry.DelayContext) time.Duration {
				if g.baseDelay > 0 {
					return g.baseDelay << n
				}
				return retry.BackOffDelay(n, err, config)
			}),
		)
		return nil, r.Do(func() error { return op(ctx) })
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %v", ErrBreakerOpen, err)
	}
	return err
}

// GuardedEventStore — EventStore под защитой Guard.
type GuardedEventStore struct {
	next  EventStore
	guard *Guard
}

func NewGuardedEventStore(next EventStore, guard *Guard) *GuardedEventStore {
	return &GuardedEventStore{next: next, guard: guard}
}

func (s *GuardedEventStore) InsertEvents(ctx context.Context, rows []EventRow) error {
	return s.guard.Do(ctx, func(ctx context.Context) error { return s.next.InsertEvents(ctx, rows) })
}

// GuardedSessionStore — SessionStore под защитой Guard.
type GuardedSessionStore struct {
	next  SessionStore
	guard *Guard
}

func NewGuardedSessionStore(next SessionStore, guard *Guard) *GuardedSessionStore {
	return &GuardedSessionStore{next: next, guard: guard}
}

func (s *GuardedSessionStore) UpsertSessions(ctx context.Context, rows []SessionRow) error {
	return s.guard.Do(ctx, func(ctx context.Context) error { return s.next.UpsertSessions(ctx, rows) })
}

func (s *GuardedSessionStore) UpsertCommits(ctx context.Context, rows []CommitRow) error {
	return s.guard.Do(ctx, func(ctx context.Context) error { return s.next.UpsertCommits(ctx, rows) })
}
