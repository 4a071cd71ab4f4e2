package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
)

// Badger stores the snapshot as a JSON value under a single key of an
// embedded Badger database. Save runs in one update transaction.
type Badger[T any] struct {
	db  *badger.DB
	key []byte
}

// NewBadger creates a store for the collection kept at key.
func NewBadger[T any](db *badger.DB, key string) *Badger[T] {
	return &Badger[T]{db: db, key: []byte(key)}
}

func (s *Badger[T]) Load(ctx context.Context) (T, error) {
	var v T
	if err := ctx.Err(); err != nil {
		return v, err
	}
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(s.key)
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &v)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		var zero T
		return zero, nil
	}
	if err != nil {
		return v, fmt.Errorf("badger: load %s: %w", s.key, err)
	}
	return v, nil
}

func (s *Badger[T]) Save(ctx context.Context, snapshot T) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("badger: encode %s: %w", s.key, err)
	}
	if err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(s.key, data)
	}); err != nil {
		return fmt.Errorf("badger: save %s: %w", s.key, err)
	}
	return nil
}
