// Package checkpoint сохраняет последний sequence id потока, чтобы
// перезапущенный процесс продолжил поток с того же места.
package checkpoint

import (
	"context"
	"errors"
	"sync"
)

// ErrNotFound: для контекста ещё нет сохранённой позиции.
var ErrNotFound = errors.New("checkpoint: not found")

// Store хранит позицию по context id.
type Store interface {
	Load(ctx context.Context, contextID string) (uint64, error)
	Save(ctx context.Context, contextID string, seq uint64) error
	Delete(ctx context.Context, contextID string) error
	Close() error
}

// Memory: Store в памяти процесса.
type Memory struct {
	mu   sync.Mutex
	data map[string]uint64
}

func NewMemory() *Memory { return &Memory{data: make(map[string]uint64)} }

func (m *Memory) Load(_ context.Context, contextID string) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[contextID]
	if !ok {
		return 0, ErrNotFound
	}
	return v, nil
}

func (m *Memory) Save(_ context.Context, contextID string, seq uint64) error {
	m.mu.Lock()
	m.data[contextID] = seq
	m.mu.Unlock()
	return nil
}

func (m *Memory) Delete(_ context.Context, contextID string) error {
	m.mu.Lock()
	delete(m.data, contextID)
	m.mu.Unlock()
	return nil
}

func (m *Memory) Close() error { return nil }
