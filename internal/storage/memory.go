package storage

import (
	"context"
	"encoding/json"
	"sync"
)

// Memory keeps the snapshot in process. Values are stored encoded so a
// loaded snapshot never aliases the caller's saved value.
type Memory[T any] struct {
	mu   sync.Mutex
	data []byte
}

// NewMemory creates an empty in-memory store.
func NewMemory[T any]() *Memory[T] {
	return &Memory[T]{}
}

func (m *Memory[T]) Load(ctx context.Context) (T, error) {
	var v T
	if err := ctx.Err(); err != nil {
		return v, err
	}
	m.mu.Lock()
	data := m.data
	m.mu.Unlock()
	if data == nil {
		return v, nil
	}
	err := json.Unmarshal(data, &v)
	return v, err
}

func (m *Memory[T]) Save(ctx context.Context, snapshot T) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.data = data
	m.mu.Unlock()
	return nil
}
