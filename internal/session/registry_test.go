package session

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xela07ax/agenttrace/internal/domain"
)

var t0 = time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

func env(sessionID, id, eventType string) *domain.EventEnvelope {
	return &domain.EventEnvelope{
		SchemaVersion:  domain.SchemaVersion,
		Source:         domain.SourceHook,
		EventID:        id,
		SessionID:      sessionID,
		EventType:      eventType,
		EventTimestamp: t0,
		IngestedAt:     t0,
		PrivacyTier:    domain.TierDetail,
		Payload:        map[string]any{},
	}
}

type recordingWriter struct {
	mu     sync.Mutex
	writes []string
	traces int
}

func (w *recordingWriter) Write(_ context.Context, e *domain.EventEnvelope, _ *domain.AgentSessionTrace) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.writes = append(w.writes, e.EventID)
}

func (w *recordingWriter) WriteTraces(_ context.Context, traces []*domain.AgentSessionTrace) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.traces += len(traces)
}

type mapLoader map[string]*domain.AgentSessionTrace

func (m mapLoader) LoadTrace(_ context.Context, id string) (*domain.AgentSessionTrace, bool, error) {
	t, ok := m[id]
	if !ok {
		return nil, false, nil
	}
	return t.Clone(), true, nil
}

func TestRegistry_ApplyAndDuplicate(t *testing.T) {
	w := &recordingWriter{}
	r := NewRegistry(zap.NewNop(), WithWriter(w))
	ctx := context.Background()

	r.Apply(ctx, env("s1", "e1", "prompt"))
	trace := r.Apply(ctx, env("s1", "e1", "prompt"))

	assert.Len(t, trace.Timeline, 1)
	assert.Equal(t, []string{"e1"}, w.writes)

	got, ok := r.Get("s1")
	require.True(t, ok)
	assert.Equal(t, int64(1), got.Metrics.PromptCount)
}

func TestRegistry_ConcurrentSameSession(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r.Apply(ctx, env("s1", fmt.Sprintf("e%d", i), "tool_use"))
		}(i)
	}
	wg.Wait()

	got, ok := r.Get("s1")
	require.True(t, ok)
	assert.Len(t, got.Timeline, 100)
	assert.Equal(t, int64(100), got.Metrics.ToolCallCount)
}

func TestRegistry_LoaderFallback(t *testing.T) {
	stored := &domain.AgentSessionTrace{
		SessionID: "s1",
		User:      domain.UserInfo{ID: "u-1"},
		StartedAt: t0.Add(-time.Hour),
		Timeline:  []domain.TimelineEvent{{ID: "old", Type: "prompt"}},
		Metrics:   domain.SessionMetrics{PromptCount: 1},
	}
	r := NewRegistry(zap.NewNop(), WithLoader(mapLoader{"s1": stored}))

	trace := r.Apply(context.Background(), env("s1", "new", "prompt"))
	assert.Equal(t, "u-1", trace.User.ID)
	assert.Len(t, trace.Timeline, 2)
	assert.Equal(t, int64(2), trace.Metrics.PromptCount)

	// Повтор события из снимка не учитывается
	trace = r.Apply(context.Background(), env("s1", "old", "prompt"))
	assert.Len(t, trace.Timeline, 2)
}

func TestRegistry_EvictIdle(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	r.Apply(context.Background(), env("s1", "e1", "prompt"))
	assert.Zero(t, r.EvictIdle(time.Nanosecond), "no loader, nothing evicted")

	loader := mapLoader{}
	r = NewRegistry(zap.NewNop(), WithLoader(loader))
	now := t0
	r.now = func() time.Time { return now }
	r.Apply(context.Background(), env("s1", "e1", "prompt"))

	now = now.Add(time.Hour)
	assert.Equal(t, 1, r.EvictIdle(time.Minute))
	assert.Zero(t, r.Len())
	_, ok := r.Get("s1")
	assert.False(t, ok)
}

func TestRegistry_Import(t *testing.T) {
	w := &recordingWriter{}
	r := NewRegistry(zap.NewNop(), WithWriter(w))
	r.Import(context.Background(), []*domain.AgentSessionTrace{{SessionID: "s9", StartedAt: t0}})

	got, ok := r.Get("s9")
	require.True(t, ok)
	assert.Equal(t, "s9", got.SessionID)
	assert.Equal(t, 1, w.traces)
}
