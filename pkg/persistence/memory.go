package persistence

import (
	"context"
	"fmt"
	"sync"
)

// MemoryKV is a thread-safe KV that lives only as long as the process.
type MemoryKV struct {
	mu      sync.RWMutex
	entries map[string][]byte
	closed  bool
	// FailWrites makes Set fail, to exercise persistence error handling.
	FailWrites error
}

var _ KV = (*MemoryKV)(nil)

func NewMemoryKV() *MemoryKV {
	return &MemoryKV{
		entries: map[string][]byte{},
	}
}

func (m *MemoryKV) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.ensureOpen(); err != nil {
		return nil, err
	}
	v, ok := m.entries[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (m *MemoryKV) Set(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.ensureOpen(); err != nil {
		return err
	}
	if m.FailWrites != nil {
		return m.FailWrites
	}
	m.entries[key] = append([]byte(nil), value...)
	return nil
}

func (m *MemoryKV) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *MemoryKV) ensureOpen() error {
	if m.closed {
		return fmt.Errorf("memory store closed")
	}
	return nil
}
