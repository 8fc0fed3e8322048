// Package journal records how each escrow ended so the outcome survives
// the escrow being swept from memory.
package journal

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Record is the settled outcome of one escrow. It never carries the
// fulfillment or the resource.
type Record struct {
	Condition  string    `json:"condition"`
	State      string    `json:"state"`
	Price      uint64    `json:"price"`
	TransferID string    `json:"transferId,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
	SettledAt  time.Time `json:"settledAt"`
}

// Store abstracts journal persistence. Get returns nil, nil for unknown
// conditions.
type Store interface {
	Get(ctx context.Context, condition string) (*Record, error)
	Save(ctx context.Context, record Record) error
}

var ErrMissingCondition = errors.New("record condition is required")

// MemoryStore is mostly for testing.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string]Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: make(map[string]Record),
	}
}

func (m *MemoryStore) Get(_ context.Context, condition string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.data[condition]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (m *MemoryStore) Save(_ context.Context, record Record) error {
	if record.Condition == "" {
		return ErrMissingCondition
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[record.Condition] = record
	return nil
}

// FileStore persists records to a JSON file. Suitable for a single seller
// process.
type FileStore struct {
	path string
	mu   sync.Mutex
	data map[string]Record
}

func NewFileStore(path string) (*FileStore, error) {
	fs := &FileStore{
		path: path,
		data: make(map[string]Record),
	}
	if err := fs.load(); err != nil {
		return nil, err
	}
	return fs, nil
}

func (f *FileStore) load() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	blob, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if len(blob) == 0 {
		return nil
	}
	return json.Unmarshal(blob, &f.data)
}

func (f *FileStore) persist() error {
	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return err
	}
	blob, err := json.MarshalIndent(f.data, "", "  ")
	if err != nil {
		return err
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, blob, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, f.path)
}

func (f *FileStore) Get(_ context.Context, condition string) (*Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	record, ok := f.data[condition]
	if !ok {
		return nil, nil
	}
	return &record, nil
}

func (f *FileStore) Save(_ context.Context, record Record) error {
	if record.Condition == "" {
		return ErrMissingCondition
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[record.Condition] = record
	return f.persist()
}
