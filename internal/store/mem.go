package store

import (
	"context"
	"sync"
	"time"
)

// MemBackend is the volatile stand-in backend. It is the facade's fallback
// in degraded mode and a complete Backend in its own right (used directly
// by tests and by the "memory" store driver).
type MemBackend struct {
	mu   sync.RWMutex
	data map[string]map[string]Record
}

// NewMemBackend creates an empty in-memory backend.
func NewMemBackend() *MemBackend {
	return &MemBackend{data: make(map[string]map[string]Record)}
}

func (m *MemBackend) Get(_ context.Context, collection, key string) (Record, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.data[collection][key]
	if !ok {
		return nil, false, nil
	}
	return cloneRecord(rec), true, nil
}

func (m *MemBackend) Put(_ context.Context, collection, key string, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	col, ok := m.data[collection]
	if !ok {
		col = make(map[string]Record)
		m.data[collection] = col
	}
	col[key] = cloneRecord(rec)
	return nil
}

func (m *MemBackend) Append(_ context.Context, collection, key, field string, value any) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	col, ok := m.data[collection]
	if !ok {
		col = make(map[string]Record)
		m.data[collection] = col
	}
	rec, ok := col[key]
	if !ok {
		rec = Record{}
		col[key] = rec
	}

	items, _ := rec[field].([]any)
	rec[field] = append(items, value)
	rec["updatedAt"] = time.Now().UTC()
	return nil
}

func (m *MemBackend) Ping(context.Context) error { return nil }

func (m *MemBackend) Close() error { return nil }

// cloneRecord is a shallow copy; nested values are shared but callers treat
// records as immutable snapshots.
func cloneRecord(rec Record) Record {
	out := make(Record, len(rec))
	for k, v := range rec {
		out[k] = v
	}
	return out
}
