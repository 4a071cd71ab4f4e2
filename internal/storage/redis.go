package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Redis stores the snapshot as a JSON string under a single key.
type Redis[T any] struct {
	client redis.Cmdable
	key    string
}

// NewRedis creates a store for the collection kept at key.
func NewRedis[T any](client redis.Cmdable, key string) *Redis[T] {
	return &Redis[T]{client: client, key: key}
}

func (s *Redis[T]) Load(ctx context.Context) (T, error) {
	var v T
	data, err := s.client.Get(ctx, s.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return v, nil
	}
	if err != nil {
		return v, fmt.Errorf("redis: get %s: %w", s.key, err)
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return v, fmt.Errorf("redis: decode %s: %w", s.key, err)
	}
	return v, nil
}

func (s *Redis[T]) Save(ctx context.Context, snapshot T) error {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("redis: encode %s: %w", s.key, err)
	}
	if err := s.client.Set(ctx, s.key, data, 0).Err(); err != nil {
		return fmt.Errorf("redis: set %s: %w", s.key, err)
	}
	return nil
}
