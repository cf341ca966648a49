package persist

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestEventBatcher_DrainOnStop(t *testing.T) {
	store := &fakeEventStore{}
	b := NewEventBatcher(store, BatcherConfig{BatchSize: 100, FlushInterval: time.Hour}, nil, zap.NewNop())
	b.Start()

	for i := 0; i < 250; i++ {
		require.NoError(t, b.InsertEvents(context.Background(), []EventRow{{EventID: fmt.Sprintf("e%d", i)}}))
	}
	b.Stop()

	assert.Equal(t, 250, store.count())
	assert.ErrorIs(t, b.InsertEvents(context.Background(), []EventRow{{EventID: "late"}}), ErrBatcherClosed)
	b.Stop()
}

func TestEventBatcher_FlushOnInterval(t *testing.T) {
	store := &fakeEventStore{}
	b := NewEventBatcher(store, BatcherConfig{BatchSize: 100, FlushInterval: 10 * time.Millisecond}, nil, zap.NewNop())
	b.Start()
	defer b.Stop()

	require.NoError(t, b.InsertEvents(context.Background(), []EventRow{{EventID: "e1"}}))
	assert.Eventually(t, func() bool { return store.count() == 1 }, time.Second, 5*time.Millisecond)
}

func TestEventBatcher_FailureCallback(t *testing.T) {
	store := &fakeEventStore{err: errors.New("insert failed")}
	var (
		mu     sync.Mutex
		failed []EventRow
	)
	b := NewEventBatcher(store, BatcherConfig{BatchSize: 2, FlushInterval: time.Hour}, func(rows []EventRow, err error) {
		mu.Lock()
		defer mu.Unlock()
		failed = append(failed, rows...)
	}, zap.NewNop())
	b.Start()

	require.NoError(t, b.InsertEvents(context.Background(), []EventRow{{EventID: "a"}, {EventID: "b"}, {EventID: "c"}}))
	b.Stop()

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, failed, 3)
}

func TestEventBatcher_Overflow(t *testing.T) {
	b := NewEventBatcher(&fakeEventStore{}, BatcherConfig{QueueSize: 1}, nil, zap.NewNop())
	// Воркер не запущен: второй элемент не помещается
	require.NoError(t, b.InsertEvents(context.Background(), []EventRow{{EventID: "a"}}))
	assert.ErrorIs(t, b.InsertEvents(context.Background(), []EventRow{{EventID: "b"}}), ErrQueueFull)
	assert.Equal(t, 1, b.Pending())
}
