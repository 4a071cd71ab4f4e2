// Package room tracks live room membership and fans messages out to the
// connections of each member.
package room

import (
	"cmp"
	"context"
	"errors"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/christopherjohns/chatguard/internal/apperr"
	"github.com/christopherjohns/chatguard/internal/message"
	"github.com/christopherjohns/chatguard/internal/metrics"
	"github.com/christopherjohns/chatguard/internal/session"
	"github.com/christopherjohns/chatguard/internal/user"
)

const (
	MaxRoomIDLength     = 64
	MaxContentLength    = 2000
	DefaultHistoryLimit = 50
)

// Member is one live connection. Deliver and Terminate must not block.
type Member interface {
	ID() string
	Deliver(msg *message.Message) bool
	Terminate(reason string)
}

// Authenticator resolves a session token.
type Authenticator interface {
	Authenticate(raw string) (session.Principal, error)
}

// BanChecker reports whether a normalized username is banned.
type BanChecker interface {
	IsBanned(username string) bool
}

// Info describes an active room.
type Info struct {
	ID        string    `json:"id"`
	Members   int       `json:"members"`
	CreatedAt time.Time `json:"created_at"`
}

// JoinResult is returned by a successful Join.
type JoinResult struct {
	RoomID  string             `json:"room_id"`
	Members []string           `json:"members"`
	History []*message.Message `json:"-"`
}

type presence struct {
	username string
	userID   string
	seq      uint64
	conns    map[string]Member
}

type room struct {
	id        string
	createdAt time.Time

	mu      sync.Mutex
	members map[string]*presence
	seq     uint64
	// dead is set once the room has been removed from the manager; a joiner
	// holding a stale pointer must look the room up again.
	dead bool
}

// Option configures a Manager.
type Option func(*Manager)

// WithHistory stores chat messages in h and returns the last limit of them
// to joiners.
func WithHistory(h message.History, limit int) Option {
	return func(m *Manager) {
		m.history = h
		m.historyLimit = limit
	}
}

// WithMetrics records join, message and eviction counts.
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

// Manager owns all active rooms. Rooms are created on first join and removed,
// history included, when their last member leaves.
type Manager struct {
	mu    sync.RWMutex
	rooms map[string]*room

	auth         Authenticator
	bans         BanChecker
	history      message.History
	historyLimit int
	metrics      *metrics.Metrics
	log          *slog.Logger
	now          func() time.Time
}

// NewManager creates a new room Manager.
func NewManager(auth Authenticator, bans BanChecker, log *slog.Logger, opts ...Option) *Manager {
	m := &Manager{
		rooms:        make(map[string]*room),
		auth:         auth,
		bans:         bans,
		historyLimit: DefaultHistoryLimit,
		log:          log,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Join adds mem to a room on behalf of the token's user. The joiner receives
// one presence event per existing member and the existing members receive a
// join event. Joining twice with the same connection is a no-op.
func (m *Manager) Join(ctx context.Context, raw, roomID string, mem Member) (JoinResult, error) {
	p, err := m.auth.Authenticate(raw)
	if err != nil {
		m.metrics.Rejected("join", string(apperr.KindOf(err)))
		return JoinResult{}, err
	}
	id, err := normalizeRoomID(roomID)
	if err != nil {
		return JoinResult{}, err
	}
	if mem == nil {
		return JoinResult{}, apperr.Validation("Connection required")
	}

	var (
		r       *room
		members []string
		fresh   bool
	)
	for {
		r = m.getOrCreate(id)
		r.mu.Lock()
		if !r.dead {
			break
		}
		r.mu.Unlock()
	}
	// The ban may have landed after Authenticate; eviction cannot see a
	// member added after this check because it takes the same lock.
	if m.bans.IsBanned(p.Username) {
		empty := len(r.members) == 0
		r.mu.Unlock()
		if empty {
			m.reap(r)
		}
		m.metrics.Rejected("join", string(apperr.KindBanned))
		return JoinResult{}, apperr.Banned("You are banned")
	}
	members, fresh = m.addLocked(r, p, mem)
	r.mu.Unlock()

	if fresh {
		m.metrics.Joined()
		m.log.Debug("room joined", "room", id, "username", p.Username, "conn", mem.ID())
	}

	res := JoinResult{RoomID: id, Members: members}
	res.History, err = m.History(ctx, id, m.historyLimit)
	if err != nil {
		m.log.Warn("room history unavailable", "room", id, "err", err)
	}
	return res, nil
}

// addLocked registers mem under p in r and emits presence and join events.
// It reports whether the connection was new to the room.
func (m *Manager) addLocked(r *room, p session.Principal, mem Member) ([]string, bool) {
	pr, existing := r.members[p.Username]
	if existing {
		if _, dup := pr.conns[mem.ID()]; dup {
			return r.namesLocked(), false
		}
	} else {
		r.seq++
		pr = &presence{
			username: p.Username,
			userID:   p.UserID,
			seq:      r.seq,
			conns:    make(map[string]Member),
		}
		r.members[p.Username] = pr
	}
	pr.conns[mem.ID()] = mem

	now := m.now().UTC()
	for _, other := range r.orderedLocked() {
		if other.username == p.Username {
			continue
		}
		mem.Deliver(message.NewSystem(r.id, other.username, message.ActionPresence, other.username+" is here", now))
	}
	if !existing {
		r.broadcastLocked(message.NewSystem(r.id, p.Username, message.ActionJoin, p.Username+" joined", now), p.Username)
	}
	return r.namesLocked(), true
}

// Leave removes mem from a room. A nil mem removes every connection of the
// token's user. Leaving a room one is not in is a no-op.
func (m *Manager) Leave(ctx context.Context, raw, roomID string, mem Member) error {
	id, err := normalizeRoomID(roomID)
	if err != nil {
		return err
	}
	p, err := m.auth.Authenticate(raw)
	if err != nil && !errors.Is(err, apperr.ErrBanned) {
		return err
	}

	r := m.get(id)
	if r == nil {
		return nil
	}
	r.mu.Lock()
	if pr, ok := r.members[p.Username]; ok {
		if mem != nil {
			delete(pr.conns, mem.ID())
		} else {
			clear(pr.conns)
		}
		if len(pr.conns) == 0 {
			m.removeLocked(r, pr.username)
		}
	}
	empty := len(r.members) == 0
	r.mu.Unlock()
	if empty {
		m.reap(r)
	}
	return nil
}

// Send authenticates raw, validates body and fans it out to every connection in the room,
// including the sender's. Ban status is checked under the room lock so no
// message from a banned user is delivered after Evict returns.
func (m *Manager) Send(ctx context.Context, raw, roomID, body string) (*message.Message, error) {
	p, err := m.auth.Authenticate(raw)
	if err != nil {
		m.metrics.Rejected("send", string(apperr.KindOf(err)))
		return nil, err
	}
	id, err := normalizeRoomID(roomID)
	if err != nil {
		return nil, err
	}
	body = strings.TrimSpace(body)
	switch n := utf8.RuneCountInString(body); {
	case n == 0:
		return nil, apperr.Validation("Message cannot be empty")
	case n > MaxContentLength:
		return nil, apperr.Validation("Message is too long")
	}

	r := m.get(id)
	if r == nil {
		return nil, apperr.NotMember("Not a member of this room")
	}
	r.mu.Lock()
	if m.bans.IsBanned(p.Username) {
		r.mu.Unlock()
		m.metrics.Rejected("send", string(apperr.KindBanned))
		return nil, apperr.Banned("You are banned")
	}
	if _, ok := r.members[p.Username]; !ok || r.dead {
		r.mu.Unlock()
		return nil, apperr.NotMember("Not a member of this room")
	}
	msg := message.NewChat(id, p.UserID, p.Username, body, m.now().UTC())
	r.broadcastLocked(msg, "")
	r.mu.Unlock()

	m.metrics.MessageSent()
	if m.history != nil {
		if err := m.history.Append(ctx, msg); err != nil {
			m.log.Warn("room history append failed", "room", id, "err", err)
		}
	}
	return msg, nil
}

// Evict removes username from every room it is in and terminates each of its
// connections with reason. The rooms are locked together in id order for the
// duration. It returns the number of rooms the user was removed from.
func (m *Manager) Evict(username, reason string) int {
	name := user.Normalize(username)

	var held []*room
	for _, r := range m.sortedRooms() {
		r.mu.Lock()
		if _, ok := r.members[name]; ok && !r.dead {
			held = append(held, r)
			continue
		}
		r.mu.Unlock()
	}
	if len(held) == 0 {
		return 0
	}

	now := m.now().UTC()
	conns := make(map[string]Member)
	for _, r := range held {
		for cid, c := range r.members[name].conns {
			conns[cid] = c
		}
		delete(r.members, name)
		r.broadcastLocked(message.NewSystem(r.id, name, message.ActionBan, name+" was banned", now), "")
	}
	for _, c := range conns {
		c.Terminate(reason)
	}
	for i := len(held) - 1; i >= 0; i-- {
		held[i].mu.Unlock()
	}

	for _, r := range held {
		m.reap(r)
	}
	m.metrics.Evicted(len(held))
	m.log.Info("user evicted from rooms", "username", name, "rooms", len(held), "connections", len(conns))
	return len(held)
}

// Disconnect removes mem from every room it joined.
func (m *Manager) Disconnect(mem Member) {
	cid := mem.ID()
	for _, r := range m.sortedRooms() {
		r.mu.Lock()
		for name, pr := range r.members {
			if _, ok := pr.conns[cid]; !ok {
				continue
			}
			delete(pr.conns, cid)
			if len(pr.conns) == 0 {
				m.removeLocked(r, name)
			}
		}
		empty := len(r.members) == 0
		r.mu.Unlock()
		if empty {
			m.reap(r)
		}
	}
}

// List returns active rooms sorted by member count (descending), then id.
func (m *Manager) List() []Info {
	out := make([]Info, 0)
	for _, r := range m.sortedRooms() {
		r.mu.Lock()
		if !r.dead {
			out = append(out, Info{ID: r.id, Members: len(r.members), CreatedAt: r.createdAt})
		}
		r.mu.Unlock()
	}
	slices.SortStableFunc(out, func(a, b Info) int {
		return cmp.Compare(b.Members, a.Members)
	})
	return out
}

// Members returns the usernames in a room in join order.
func (m *Manager) Members(roomID string) ([]string, error) {
	id, err := normalizeRoomID(roomID)
	if err != nil {
		return nil, err
	}
	r := m.get(id)
	if r == nil {
		return []string{}, nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.namesLocked(), nil
}

// History returns up to the last n chat messages of a room.
func (m *Manager) History(ctx context.Context, roomID string, n int) ([]*message.Message, error) {
	if m.history == nil || n <= 0 {
		return nil, nil
	}
	return m.history.Recent(ctx, roomID, n)
}

// removeLocked deletes a member and tells the rest of the room.
func (m *Manager) removeLocked(r *room, name string) {
	delete(r.members, name)
	r.broadcastLocked(message.NewSystem(r.id, name, message.ActionLeave, name+" left", m.now().UTC()), "")
}

func (m *Manager) get(id string) *room {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.rooms[id]
}

func (m *Manager) getOrCreate(id string) *room {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rooms[id]
	if !ok {
		r = &room{id: id, createdAt: m.now().UTC(), members: make(map[string]*presence)}
		m.rooms[id] = r
	}
	return r
}

// reap removes r if it is still registered and empty, along with its
// history. The manager lock stays held until the history is gone so a room
// recreated under the same id starts empty.
func (m *Manager) reap(r *room) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r.mu.Lock()
	removed := len(r.members) == 0 && !r.dead && m.rooms[r.id] == r
	if removed {
		r.dead = true
		delete(m.rooms, r.id)
	}
	r.mu.Unlock()

	if removed && m.history != nil {
		if err := m.history.DeleteRoom(context.Background(), r.id); err != nil {
			m.log.Warn("room history delete failed", "room", r.id, "err", err)
		}
	}
}

func (m *Manager) sortedRooms() []*room {
	m.mu.RLock()
	rooms := make([]*room, 0, len(m.rooms))
	for _, r := range m.rooms {
		rooms = append(rooms, r)
	}
	m.mu.RUnlock()
	slices.SortFunc(rooms, func(a, b *room) int { return strings.Compare(a.id, b.id) })
	return rooms
}

func (r *room) orderedLocked() []*presence {
	out := make([]*presence, 0, len(r.members))
	for _, pr := range r.members {
		out = append(out, pr)
	}
	slices.SortFunc(out, func(a, b *presence) int { return cmp.Compare(a.seq, b.seq) })
	return out
}

func (r *room) namesLocked() []string {
	ordered := r.orderedLocked()
	names := make([]string, len(ordered))
	for i, pr := range ordered {
		names[i] = pr.username
	}
	return names
}

// broadcastLocked delivers msg to every connection except those of skip.
func (r *room) broadcastLocked(msg *message.Message, skip string) {
	for _, pr := range r.orderedLocked() {
		if pr.username == skip {
			continue
		}
		for _, c := range pr.conns {
			c.Deliver(msg)
		}
	}
}

func normalizeRoomID(id string) (string, error) {
	id = strings.ToLower(strings.TrimSpace(id))
	switch {
	case id == "":
		return "", apperr.Validation("Room id required")
	case utf8.RuneCountInString(id) > MaxRoomIDLength:
		return "", apperr.Validation("Room id is too long")
	}
	return id, nil
}
