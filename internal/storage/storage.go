// Package storage provides the snapshot persistence contract used by the
// registry, the ban ledger and the review queues, and its backends.
//
// A Store holds one collection as a single value: Load returns the last
// saved snapshot and Save replaces it. Backends treat Save as atomic. A
// missing snapshot loads as the zero value without error.
package storage

import (
	"context"
	"sync"
	"time"
)

// Store loads and replaces the snapshot of a single collection.
type Store[T any] interface {
	Load(ctx context.Context) (T, error)
	Save(ctx context.Context, snapshot T) error
}

// DefaultTimeout bounds a single Load or Save issued through a Persister.
const DefaultTimeout = 2 * time.Second

// Persister serializes writes of one collection. Each write captures the
// live snapshot under the persister lock, so a write never carries a
// mutation that a failed write has already reverted. Collections bump their
// version on every mutation; a version already written is not written again.
type Persister[T any] struct {
	store   Store[T]
	timeout time.Duration
	current func() (uint64, T)

	mu    sync.Mutex
	saved uint64
}

// NewPersister wraps store. current returns the collection's version and a
// copy of its state; it must take the collection's own lock. A non-positive
// timeout selects DefaultTimeout.
func NewPersister[T any](store Store[T], timeout time.Duration, current func() (uint64, T)) *Persister[T] {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Persister[T]{store: store, timeout: timeout, current: current}
}

// Load reads the current snapshot.
func (p *Persister[T]) Load(ctx context.Context) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	return p.store.Load(ctx)
}

// Sync writes the live snapshot unless its version is already stored. When
// the write fails, undo (if any) runs before the lock is released, so the
// next write sees memory without the reverted mutation.
func (p *Persister[T]) Sync(ctx context.Context, undo func()) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	version, snapshot := p.current()
	if version <= p.saved {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	if err := p.store.Save(ctx, snapshot); err != nil {
		if undo != nil {
			undo()
		}
		return err
	}
	p.saved = version
	return nil
}
