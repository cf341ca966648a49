package persist

import (
	"sync"
	"time"
)

// Failure — неудачная запись после приемки события.
type Failure struct {
	At        time.Time `json:"at"`
	Store     string    `json:"store"` // events | sessions | commits
	EventID   string    `json:"eventId,omitempty"`
	SessionID string    `json:"sessionId,omitempty"`
	Error     string    `json:"error"`
}

// FailureLog — ограниченный кольцевой список последних отказов.
type FailureLog struct {
	mu    sync.Mutex
	items []Failure
	next  int
	full  bool
	total int64
}

func NewFailureLog(size int) *FailureLog {
	if size <= 0 {
		size = 256
	}
	return &FailureLog{items: make([]Failure, size)}
}

func (l *FailureLog) Record(f Failure) {
	if f.At.IsZero() {
		f.At = time.Now().UTC()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.items[l.next] = f
	l.next = (l.next + 1) % len(l.items)
	if l.next == 0 {
		l.full = true
	}
	l.total++
}

// Snapshot возвращает отказы от старых к новым.
func (l *FailureLog) Snapshot() []Failure {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.full {
		return append([]Failure(nil), l.items[:l.next]...)
	}
	out := make([]Failure, 0, len(l.items))
	out = append(out, l.items[l.next:]...)
	return append(out, l.items[:l.next]...)
}

// Total — сколько отказов записано за все время (включая вытесненные).
func (l *FailureLog) Total() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.total
}
