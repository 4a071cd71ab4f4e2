package ws

import (
	"context"
	"encoding/json"
	"sync/atomic"

	"github.com/christopherjohns/chatguard/internal/message"
	"github.com/google/uuid"
	"nhooyr.io/websocket"
)

// Frame types sent by the server.
const (
	TypeReady      = "ready"
	TypeJoined     = "joined"
	TypeLeft       = "left"
	TypeHistory    = "history"
	TypeError      = "error"
	TypeTerminated = "terminated"
)

// Frame types sent by the client.
const (
	TypeJoin  = "join"
	TypeLeave = "leave"
	TypeChat  = "chat"
)

// Envelope is the JSON structure sent over the WebSocket.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// RoomPayload is sent by the client to join or leave a room.
type RoomPayload struct {
	RoomID string `json:"room_id"`
}

// ChatPayload is sent by the client to post a message.
type ChatPayload struct {
	RoomID  string `json:"room_id"`
	Content string `json:"content"`
}

// ReadyPayload greets an authenticated connection.
type ReadyPayload struct {
	Username string `json:"username"`
	Admin    bool   `json:"admin"`
}

// JoinedPayload acknowledges a join.
type JoinedPayload struct {
	RoomID  string   `json:"room_id"`
	Members []string `json:"members"`
}

// ErrorPayload reports a rejected client frame.
type ErrorPayload struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// TerminatedPayload is the last frame before the server closes a banned
// user's connection.
type TerminatedPayload struct {
	Reason string `json:"reason"`
}

// Client is one authenticated WebSocket connection. It is the room member
// the room manager delivers to.
type Client struct {
	id       string
	conn     *websocket.Conn
	token    string
	userID   string
	username string

	mgr  *ConnManager
	ctx  context.Context
	send chan []byte
	kill chan string

	terminated atomic.Bool
}

func newClient(conn *websocket.Conn, token, userID, username string) *Client {
	return &Client{
		id:       uuid.NewString(),
		conn:     conn,
		token:    token,
		userID:   userID,
		username: username,
		kill:     make(chan string, 1),
	}
}

// ID identifies the connection.
func (c *Client) ID() string { return c.id }

// Deliver queues msg without blocking.
func (c *Client) Deliver(msg *message.Message) bool {
	if c.terminated.Load() || c.mgr == nil {
		return false
	}
	data, err := encode(string(msg.Type), msg)
	if err != nil {
		return false
	}
	return c.mgr.Send(c, data)
}

// Terminate makes the write pump send a terminated frame and close the
// connection with a policy violation. Only the first call has an effect.
func (c *Client) Terminate(reason string) {
	if !c.terminated.CompareAndSwap(false, true) {
		return
	}
	c.kill <- reason
}

func encode(typ string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Type: typ, Payload: data})
}
