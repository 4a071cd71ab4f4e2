package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/christopherjohns/chatguard/internal/apperr"
	"github.com/christopherjohns/chatguard/internal/message"
	"github.com/christopherjohns/chatguard/internal/room"
	"github.com/christopherjohns/chatguard/internal/session"
	"github.com/christopherjohns/chatguard/internal/token"
	"nhooyr.io/websocket"
)

// maxFrameBytes bounds a single client frame; content itself is limited by
// the room manager.
const maxFrameBytes = 16 << 10

// Rooms is the room manager as seen by the transport.
type Rooms interface {
	Join(ctx context.Context, raw, roomID string, mem room.Member) (room.JoinResult, error)
	Leave(ctx context.Context, raw, roomID string, mem room.Member) error
	Send(ctx context.Context, raw, roomID, body string) (*message.Message, error)
	Disconnect(mem room.Member)
}

// Authenticator resolves the token presented on upgrade.
type Authenticator interface {
	Authenticate(raw string) (session.Principal, error)
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithOriginPatterns restricts accepted Origin headers. Without patterns
// every origin is accepted.
func WithOriginPatterns(patterns ...string) HandlerOption {
	return func(h *Handler) { h.origins = patterns }
}

// Handler handles WebSocket upgrade requests and client message loops.
type Handler struct {
	rooms   Rooms
	auth    Authenticator
	conns   *ConnManager
	origins []string
	log     *slog.Logger
}

// NewHandler creates a new WebSocket Handler.
func NewHandler(rooms Rooms, auth Authenticator, conns *ConnManager, log *slog.Logger, opts ...HandlerOption) *Handler {
	h := &Handler{rooms: rooms, auth: auth, conns: conns, log: log}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// ConnMgr returns the connection manager for this handler.
func (h *Handler) ConnMgr() *ConnManager {
	return h.conns
}

// ServeHTTP authenticates the request, upgrades it to a WebSocket and runs
// the read loop for the client. The token comes from the "token" query
// parameter or the Authorization header.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	raw := requestToken(r)
	p, err := h.auth.Authenticate(raw)
	if err != nil {
		writeHTTPError(w, err)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns:     h.origins,
		InsecureSkipVerify: len(h.origins) == 0,
	})
	if err != nil {
		h.log.Warn("ws: accept error", "err", err)
		return
	}
	conn.SetReadLimit(maxFrameBytes)
	defer conn.Close(websocket.StatusNormalClosure, "")

	client := newClient(conn, raw, p.UserID, p.Username)
	connCtx := h.conns.Add(client)
	if connCtx.Err() != nil {
		return
	}
	defer func() {
		h.rooms.Disconnect(client)
		h.conns.Remove(client)
	}()

	h.reply(client, TypeReady, ReadyPayload{Username: p.Username, Admin: p.Role == token.RoleAdmin})
	h.log.Debug("ws: connected", "conn", client.id, "username", p.Username)

	h.readLoop(connCtx, client)
}

// readLoop reads frames from the client until the connection closes
// or the connection manager cancels ctx.
func (h *Handler) readLoop(ctx context.Context, client *Client) {
	for {
		_, data, err := client.conn.Read(ctx)
		if err != nil {
			return
		}

		// Mark activity so idle reaping doesn't close active connections.
		h.conns.TouchActivity(client)

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			h.sendError(client, apperr.Validation("invalid JSON"))
			continue
		}

		switch env.Type {
		case TypeJoin:
			h.handleJoin(ctx, client, env.Payload)
		case TypeLeave:
			h.handleLeave(ctx, client, env.Payload)
		case TypeChat:
			h.handleChat(ctx, client, env.Payload)
		default:
			h.sendError(client, apperr.Validation("unknown message type"))
		}
	}
}

func (h *Handler) handleJoin(ctx context.Context, client *Client, raw json.RawMessage) {
	var payload RoomPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		h.sendError(client, apperr.Validation("invalid join payload"))
		return
	}
	res, err := h.rooms.Join(ctx, client.token, payload.RoomID, client)
	if err != nil {
		h.fail(client, err)
		return
	}
	h.reply(client, TypeJoined, JoinedPayload{RoomID: res.RoomID, Members: res.Members})
	h.sendHistory(client, res.History)
}

func (h *Handler) handleLeave(ctx context.Context, client *Client, raw json.RawMessage) {
	var payload RoomPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		h.sendError(client, apperr.Validation("invalid leave payload"))
		return
	}
	if err := h.rooms.Leave(ctx, client.token, payload.RoomID, client); err != nil {
		h.fail(client, err)
		return
	}
	h.reply(client, TypeLeft, RoomPayload{RoomID: strings.ToLower(strings.TrimSpace(payload.RoomID))})
}

func (h *Handler) handleChat(ctx context.Context, client *Client, raw json.RawMessage) {
	var payload ChatPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		h.sendError(client, apperr.Validation("invalid chat payload"))
		return
	}
	if _, err := h.rooms.Send(ctx, client.token, payload.RoomID, payload.Content); err != nil {
		h.fail(client, err)
	}
}

// sendHistory sends recent message history to a newly joined client.
// An empty history envelope is always sent so clients can rely on
// receiving it as part of the join handshake.
func (h *Handler) sendHistory(client *Client, recent []*message.Message) {
	if recent == nil {
		recent = []*message.Message{}
	}
	h.reply(client, TypeHistory, recent)
}

// fail reports err to the client. A banned or no longer valid session ends
// the connection.
func (h *Handler) fail(client *Client, err error) {
	switch {
	case errors.Is(err, apperr.ErrBanned):
		client.Terminate(apperr.Message(err))
	case errors.Is(err, apperr.ErrAuth):
		h.sendError(client, err)
		client.conn.Close(websocket.StatusPolicyViolation, "session no longer valid")
	default:
		h.sendError(client, err)
	}
}

// sendError queues an error envelope to the client.
func (h *Handler) sendError(client *Client, err error) {
	h.reply(client, TypeError, ErrorPayload{Message: apperr.Message(err), Code: string(apperr.KindOf(err))})
}

func (h *Handler) reply(client *Client, typ string, payload any) {
	data, err := encode(typ, payload)
	if err != nil {
		h.log.Error("ws: failed to marshal envelope", "type", typ, "err", err)
		return
	}
	h.conns.Send(client, data)
}

func requestToken(r *http.Request) string {
	if t := r.URL.Query().Get("token"); t != "" {
		return t
	}
	return r.Header.Get("Authorization")
}

func writeHTTPError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(apperr.HTTPStatus(err))
	json.NewEncoder(w).Encode(map[string]string{
		"error": apperr.Message(err),
		"code":  string(apperr.KindOf(err)),
	})
}
