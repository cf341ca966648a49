package gitenrich

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Baseline — снимок незакоммиченного диффа на старте сессии.
type Baseline struct {
	LinesAdded   int64     `json:"linesAdded"`
	LinesRemoved int64     `json:"linesRemoved"`
	CapturedAt   time.Time `json:"capturedAt"`
}

// BaselineStore хранит baseline между процессами хука (старт и конец сессии
// обрабатываются разными запусками).
type BaselineStore interface {
	Load(sessionID string) (Baseline, bool, error)
	Save(sessionID string, b Baseline) error
	Delete(sessionID string) error
}

// MemoryBaselineStore — для тестов и долгоживущих процессов.
type MemoryBaselineStore struct {
	mu    sync.Mutex
	items map[string]Baseline
}

func NewMemoryBaselineStore() *MemoryBaselineStore {
	return &MemoryBaselineStore{items: make(map[string]Baseline)}
}

func (m *MemoryBaselineStore) Load(sessionID string) (Baseline, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.items[sessionID]
	return b, ok, nil
}

func (m *MemoryBaselineStore) Save(sessionID string, b Baseline) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[sessionID] = b
	return nil
}

func (m *MemoryBaselineStore) Delete(sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, sessionID)
	return nil
}

// FileBaselineStore хранит baseline в JSON-файлах: <dir>/<sessionId>.json.
type FileBaselineStore struct {
	Dir string
}

func NewFileBaselineStore(dir string) *FileBaselineStore {
	return &FileBaselineStore{Dir: dir}
}

func (f *FileBaselineStore) path(sessionID string) string {
	return filepath.Join(f.Dir, filepath.Base(sessionID)+".json")
}

func (f *FileBaselineStore) Load(sessionID string) (Baseline, bool, error) {
	data, err := os.ReadFile(f.path(sessionID))
	if errors.Is(err, os.ErrNotExist) {
		return Baseline{}, false, nil
	}
	if err != nil {
		return Baseline{}, false, fmt.Errorf("baseline: read: %w", err)
	}
	var b Baseline
	if err := json.Unmarshal(data, &b); err != nil {
		return Baseline{}, false, fmt.Errorf("baseline: decode: %w", err)
	}
	return b, true, nil
}

func (f *FileBaselineStore) Save(sessionID string, b Baseline) error {
	if err := os.MkdirAll(f.Dir, 0o755); err != nil {
		return fmt.Errorf("baseline: mkdir: %w", err)
	}
	data, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("baseline: encode: %w", err)
	}
	// Пишем через временный файл, чтобы параллельный Load не увидел половину.
	tmp := f.path(sessionID) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("baseline: write: %w", err)
	}
	if err := os.Rename(tmp, f.path(sessionID)); err != nil {
		return fmt.Errorf("baseline: rename: %w", err)
	}
	return nil
}

func (f *FileBaselineStore) Delete(sessionID string) error {
	err := os.Remove(f.path(sessionID))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("baseline: delete: %w", err)
	}
	return nil
}
