// Package message defines room events and the bounded per-room history.
package message

import (
	"time"

	"github.com/google/uuid"
)

// Type represents the kind of message.
type Type string

const (
	TypeChat   Type = "chat"
	TypeSystem Type = "system"
)

// Action describes what triggered a system message.
type Action string

const (
	ActionJoin     Action = "join"
	ActionLeave    Action = "leave"
	ActionPresence Action = "presence"
	ActionBan      Action = "ban"
)

// Message is one event delivered to room members.
type Message struct {
	ID        string    `json:"id"`
	RoomID    string    `json:"room_id"`
	UserID    string    `json:"user_id,omitempty"`
	Username  string    `json:"username,omitempty"`
	Content   string    `json:"content"`
	Type      Type      `json:"type"`
	Action    Action    `json:"action,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// NewChat builds a chat message from username.
func NewChat(roomID, userID, username, content string, at time.Time) *Message {
	return &Message{
		ID:        uuid.NewString(),
		RoomID:    roomID,
		UserID:    userID,
		Username:  username,
		Content:   content,
		Type:      TypeChat,
		CreatedAt: at,
	}
}

// NewSystem builds a system event about username.
func NewSystem(roomID, username string, action Action, content string, at time.Time) *Message {
	return &Message{
		ID:        uuid.NewString(),
		RoomID:    roomID,
		Username:  username,
		Content:   content,
		Type:      TypeSystem,
		Action:    action,
		CreatedAt: at,
	}
}
