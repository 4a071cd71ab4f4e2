package ws

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/christopherjohns/chatguard/internal/apperr"
	"github.com/christopherjohns/chatguard/internal/message"
	"github.com/christopherjohns/chatguard/internal/room"
	"github.com/christopherjohns/chatguard/internal/session"
	"github.com/christopherjohns/chatguard/internal/token"
	"nhooyr.io/websocket"
)

type stubBans struct {
	mu    sync.Mutex
	names map[string]bool
}

func (s *stubBans) IsBanned(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.names[name]
}

func (s *stubBans) ban(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.names[name] = true
}

// stubAuth uses the token's user id as the username.
type stubAuth struct{ bans *stubBans }

func (a stubAuth) Authenticate(raw string) (session.Principal, error) {
	claims, err := token.Decode(raw)
	if err != nil {
		return session.Principal{}, err
	}
	p := session.Principal{UserID: claims.UserID, Username: claims.UserID, Role: claims.Role}
	if a.bans.IsBanned(p.Username) {
		return p, apperr.Banned("You are banned")
	}
	return p, nil
}

type handlerEnv struct {
	ts    *httptest.Server
	rooms *room.Manager
	bans  *stubBans
}

func newHandlerTestServer(t *testing.T) *handlerEnv {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	bans := &stubBans{names: map[string]bool{}}
	auth := stubAuth{bans: bans}
	rooms := room.NewManager(auth, bans, log, room.WithHistory(message.NewStore(50), 50))
	cm := NewConnManager(WithLogger(log))
	h := NewHandler(rooms, auth, cm, log)
	ts := httptest.NewServer(h)
	t.Cleanup(ts.Close)
	return &handlerEnv{ts: ts, rooms: rooms, bans: bans}
}

func (e *handlerEnv) dial(t *testing.T, username string) *websocket.Conn {
	t.Helper()
	conn := dialWS(t, e.ts.URL+"?token="+url.QueryEscape(token.Issue(token.RoleUser, username)))
	if env := readEnvelope(t, conn); env.Type != TypeReady {
		t.Fatalf("expected ready frame, got %q", env.Type)
	}
	return conn
}

func writeEnvelope(t *testing.T, conn *websocket.Conn, typ string, payload any) {
	t.Helper()
	data, err := encode(typ, payload)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("write error: %v", err)
	}
}

// readUntil skips frames until one of type typ arrives.
func readUntil(t *testing.T, conn *websocket.Conn, typ string) Envelope {
	t.Helper()
	for i := 0; i < 50; i++ {
		if env := readEnvelope(t, conn); env.Type == typ {
			return env
		}
	}
	t.Fatalf("no %q frame received", typ)
	return Envelope{}
}

func (e *handlerEnv) join(t *testing.T, conn *websocket.Conn, roomID string) JoinedPayload {
	t.Helper()
	writeEnvelope(t, conn, TypeJoin, RoomPayload{RoomID: roomID})
	var joined JoinedPayload
	if err := json.Unmarshal(readUntil(t, conn, TypeJoined).Payload, &joined); err != nil {
		t.Fatalf("unmarshal joined: %v", err)
	}
	readUntil(t, conn, TypeHistory)
	return joined
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestHandlerRejectsInvalidToken(t *testing.T) {
	e := newHandlerTestServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, resp, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(e.ts.URL, "http")+"?token=bogus", nil)
	if err == nil {
		t.Fatal("expected dial to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %+v", resp)
	}
}

func TestHandlerRejectsBannedUser(t *testing.T) {
	e := newHandlerTestServer(t)
	e.bans.ban("mallory")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	u := "ws" + strings.TrimPrefix(e.ts.URL, "http") + "?token=" + url.QueryEscape(token.Issue(token.RoleUser, "mallory"))
	_, resp, err := websocket.Dial(ctx, u, nil)
	if err == nil {
		t.Fatal("expected dial to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %+v", resp)
	}
}

func TestHandlerJoinAndChat(t *testing.T) {
	e := newHandlerTestServer(t)

	alice := e.dial(t, "alice")
	defer alice.Close(websocket.StatusNormalClosure, "")
	if joined := e.join(t, alice, "Lobby"); joined.RoomID != "lobby" || len(joined.Members) != 1 {
		t.Fatalf("unexpected joined payload: %+v", joined)
	}

	bob := e.dial(t, "bob")
	defer bob.Close(websocket.StatusNormalClosure, "")
	if joined := e.join(t, bob, "lobby"); len(joined.Members) != 2 {
		t.Fatalf("expected 2 members, got %+v", joined)
	}

	var sys message.Message
	if err := json.Unmarshal(readUntil(t, alice, "system").Payload, &sys); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if sys.Action != message.ActionJoin || sys.Username != "bob" {
		t.Fatalf("expected bob join event, got %+v", sys)
	}

	writeEnvelope(t, alice, TypeChat, ChatPayload{RoomID: "lobby", Content: "hello everyone"})

	for _, conn := range []*websocket.Conn{alice, bob} {
		var msg message.Message
		if err := json.Unmarshal(readUntil(t, conn, "chat").Payload, &msg); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if msg.Content != "hello everyone" || msg.Username != "alice" {
			t.Errorf("unexpected chat message: %+v", msg)
		}
	}
}

func TestHandlerErrors(t *testing.T) {
	e := newHandlerTestServer(t)
	conn := e.dial(t, "alice")
	defer conn.Close(websocket.StatusNormalClosure, "")

	cases := []struct {
		typ     string
		payload any
		code    apperr.Kind
	}{
		{TypeChat, ChatPayload{RoomID: "lobby", Content: "hi"}, apperr.KindNotMember},
		{TypeJoin, RoomPayload{}, apperr.KindValidation},
		{"dance", nil, apperr.KindValidation},
	}
	for _, c := range cases {
		writeEnvelope(t, conn, c.typ, c.payload)
		var p ErrorPayload
		if err := json.Unmarshal(readUntil(t, conn, TypeError).Payload, &p); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if p.Code != string(c.code) {
			t.Errorf("%s: expected code %q, got %q (%s)", c.typ, c.code, p.Code, p.Message)
		}
	}

	e.join(t, conn, "lobby")
	writeEnvelope(t, conn, TypeChat, ChatPayload{RoomID: "lobby", Content: strings.Repeat("x", room.MaxContentLength+1)})
	var p ErrorPayload
	if err := json.Unmarshal(readUntil(t, conn, TypeError).Payload, &p); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if p.Code != string(apperr.KindValidation) {
		t.Errorf("expected validation error for long message, got %q", p.Code)
	}
}

func TestHandlerBanTerminatesConnection(t *testing.T) {
	e := newHandlerTestServer(t)
	mallory := e.dial(t, "mallory")
	defer mallory.Close(websocket.StatusNormalClosure, "")
	alice := e.dial(t, "alice")
	defer alice.Close(websocket.StatusNormalClosure, "")
	e.join(t, mallory, "lobby")
	e.join(t, alice, "lobby")

	e.bans.ban("mallory")
	if n := e.rooms.Evict("mallory", "spam"); n != 1 {
		t.Fatalf("expected eviction from 1 room, got %d", n)
	}

	var p TerminatedPayload
	if err := json.Unmarshal(readUntil(t, mallory, TypeTerminated).Payload, &p); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if p.Reason != "spam" {
		t.Errorf("expected reason 'spam', got %q", p.Reason)
	}
	if status := expectClose(t, mallory); status != websocket.StatusPolicyViolation {
		t.Fatalf("expected StatusPolicyViolation, got %v", status)
	}

	var sys message.Message
	for sys.Action != message.ActionBan {
		if err := json.Unmarshal(readUntil(t, alice, "system").Payload, &sys); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
	}
	members, _ := e.rooms.Members("lobby")
	if len(members) != 1 || members[0] != "alice" {
		t.Fatalf("expected only alice left, got %v", members)
	}
}

func TestHandlerDisconnectLeavesRooms(t *testing.T) {
	e := newHandlerTestServer(t)
	conn := e.dial(t, "alice")
	e.join(t, conn, "one")
	e.join(t, conn, "two")
	if len(e.rooms.List()) != 2 {
		t.Fatalf("expected 2 rooms, got %d", len(e.rooms.List()))
	}

	conn.Close(websocket.StatusNormalClosure, "")
	waitFor(t, func() bool { return len(e.rooms.List()) == 0 })
}

func TestHandlerLeave(t *testing.T) {
	e := newHandlerTestServer(t)
	conn := e.dial(t, "alice")
	defer conn.Close(websocket.StatusNormalClosure, "")
	e.join(t, conn, "lobby")

	writeEnvelope(t, conn, TypeLeave, RoomPayload{RoomID: "LOBBY"})
	var p RoomPayload
	if err := json.Unmarshal(readUntil(t, conn, TypeLeft).Payload, &p); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if p.RoomID != "lobby" {
		t.Errorf("expected room 'lobby', got %q", p.RoomID)
	}
	if len(e.rooms.List()) != 0 {
		t.Fatalf("expected no rooms after leave")
	}
}
