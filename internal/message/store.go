package message

import (
	"context"
	"slices"
	"sync"
)

// History persists chat messages per room, bounded to the most recent ones.
type History interface {
	Append(ctx context.Context, msg *Message) error
	Recent(ctx context.Context, roomID string, n int) ([]*Message, error)
	DeleteRoom(ctx context.Context, roomID string) error
}

// Store keeps recent messages per room in memory.
type Store struct {
	mu      sync.RWMutex
	rooms   map[string][]*Message
	maxSize int
}

// NewStore creates a message store that retains up to maxSize messages per room.
func NewStore(maxSize int) *Store {
	return &Store{
		rooms:   make(map[string][]*Message),
		maxSize: maxSize,
	}
}

// Append adds a message to the room's history.
func (s *Store) Append(_ context.Context, msg *Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := append(s.rooms[msg.RoomID], msg)
	if len(msgs) > s.maxSize {
		msgs = slices.Clone(msgs[len(msgs)-s.maxSize:])
	}
	s.rooms[msg.RoomID] = msgs
	return nil
}

// Recent returns up to the last n messages of a room, oldest first.
func (s *Store) Recent(_ context.Context, roomID string, n int) ([]*Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msgs := s.rooms[roomID]
	if len(msgs) == 0 || n <= 0 {
		return nil, nil
	}
	if n > len(msgs) {
		n = len(msgs)
	}
	return slices.Clone(msgs[len(msgs)-n:]), nil
}

// DeleteRoom removes all stored messages for a room.
func (s *Store) DeleteRoom(_ context.Context, roomID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rooms, roomID)
	return nil
}
