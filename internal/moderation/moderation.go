// Package moderation bans and unbans usernames. It is the only writer of the
// ban ledger and the only caller that deletes accounts or forces users out of
// live rooms.
package moderation

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/christopherjohns/chatguard/internal/apperr"
	"github.com/christopherjohns/chatguard/internal/ban"
	"github.com/christopherjohns/chatguard/internal/keylock"
	"github.com/christopherjohns/chatguard/internal/metrics"
	"github.com/christopherjohns/chatguard/internal/storage"
	"github.com/christopherjohns/chatguard/internal/token"
	"github.com/christopherjohns/chatguard/internal/user"
)

const (
	DefaultReason = "No reason provided"
	// UnknownActor is recorded as bannedBy when the admin token carries no id.
	UnknownActor = "admin"
)

// Evictor removes a user from every live room.
type Evictor interface {
	Evict(username, reason string) int
}

// Result describes an applied ban or unban.
type Result struct {
	Username       string    `json:"username"`
	Reason         string    `json:"reason,omitempty"`
	BannedBy       string    `json:"bannedBy,omitempty"`
	BannedAt       time.Time `json:"bannedAt"`
	AccountDeleted bool      `json:"accountDeleted"`
	RoomsLeft      int       `json:"roomsLeft"`
}

// BanStatus is the public answer to a ban lookup.
type BanStatus struct {
	Banned   bool       `json:"banned"`
	Reason   string     `json:"reason,omitempty"`
	BannedAt *time.Time `json:"bannedAt,omitempty"`
}

// Status is a consistent view of one username.
type Status struct {
	Registered bool `json:"registered"`
	Banned     bool `json:"banned"`
}

// Option configures a Service.
type Option func(*Service)

// WithMetrics counts bans, unbans and rejected attempts.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// Service applies bans.
type Service struct {
	registry *user.Registry
	ledger   *ban.Ledger
	rooms    Evictor
	names    *keylock.Locker
	metrics  *metrics.Metrics
	log      *slog.Logger
	now      func() time.Time
}

// NewService creates a Service. names must be the Locker given to the registry.
func NewService(registry *user.Registry, ledger *ban.Ledger, rooms Evictor, names *keylock.Locker, log *slog.Logger, opts ...Option) *Service {
	s := &Service{
		registry: registry,
		ledger:   ledger,
		rooms:    rooms,
		names:    names,
		log:      log,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Ban records a ban on target, deletes its account and evicts it from every
// room before returning. Banning a username without an account is allowed
// and blocks its future registration.
func (s *Service) Ban(ctx context.Context, actorToken, target, reason string) (Result, error) {
	actor, err := token.RequireAdmin(actorToken)
	if err != nil {
		return Result{}, s.reject("ban", err)
	}
	name := user.Normalize(target)
	if name == "" {
		return Result{}, s.reject("ban", apperr.Validation("Username required"))
	}
	if reason = strings.TrimSpace(reason); reason == "" {
		reason = DefaultReason
	}

	unlock := s.names.Lock(name)
	defer unlock()

	if s.ledger.IsBanned(name) {
		return Result{}, s.reject("ban", apperr.Conflict("User is already banned"))
	}

	rec := ban.Record{
		Username:         name,
		Reason:           reason,
		BannedBy:         actor.UserID,
		BannedAt:         s.now().UTC(),
		SourceIdentifier: ban.UnknownSource,
	}
	if rec.BannedBy == "" {
		rec.BannedBy = UnknownActor
	}
	// The per-name lock keeps the account from appearing or vanishing
	// between this read and the eviction below.
	if u, ok := s.registry.Get(name); ok {
		rec.UserID = u.ID
		if u.SourceIP != "" {
			rec.SourceIdentifier = u.SourceIP
		}
	}

	var banChange storage.Change
	_, deleted, userChange, err := s.registry.Evict(name, func() error {
		var err error
		banChange, err = s.ledger.Add(rec)
		return err
	})
	if err != nil {
		return Result{}, s.reject("ban", err)
	}

	if err := banChange.Commit(ctx); err != nil {
		// Another registration may already have written the deletion.
		if rerr := userChange.Revert(ctx); rerr != nil {
			s.log.Warn("restored account not persisted", "username", name, "err", rerr)
		}
		return Result{}, s.reject("ban", err)
	}
	if deleted {
		// The ban is durable. A stale registry snapshot still holding the
		// account is harmless because hydration drops banned accounts.
		if err := userChange.Flush(ctx); err != nil {
			s.log.Warn("account deletion not persisted", "username", name, "err", err)
		}
	}

	left := s.rooms.Evict(name, reason)
	s.metrics.Banned()
	s.log.Info("user banned",
		"username", name,
		"banned_by", rec.BannedBy,
		"account_deleted", deleted,
		"rooms_left", left,
	)
	return Result{
		Username:       name,
		Reason:         rec.Reason,
		BannedBy:       rec.BannedBy,
		BannedAt:       rec.BannedAt,
		AccountDeleted: deleted,
		RoomsLeft:      left,
	}, nil
}

// Unban lifts the ban on target. The deleted account is not restored.
func (s *Service) Unban(ctx context.Context, actorToken, target string) (Result, error) {
	actor, err := token.RequireAdmin(actorToken)
	if err != nil {
		return Result{}, s.reject("unban", err)
	}
	name := user.Normalize(target)
	if name == "" {
		return Result{}, s.reject("unban", apperr.Validation("Username required"))
	}

	unlock := s.names.Lock(name)
	defer unlock()

	rec, err := s.ledger.Remove(ctx, name)
	if err != nil {
		return Result{}, s.reject("unban", err)
	}

	s.metrics.Unbanned()
	s.log.Info("user unbanned", "username", name, "unbanned_by", actor.UserID)
	return Result{
		Username: name,
		Reason:   rec.Reason,
		BannedBy: rec.BannedBy,
		BannedAt: rec.BannedAt,
	}, nil
}

// CheckBan reports whether username is banned. It needs no token.
func (s *Service) CheckBan(username string) BanStatus {
	rec, ok := s.ledger.Get(username)
	if !ok {
		return BanStatus{}
	}
	at := rec.BannedAt
	return BanStatus{Banned: true, Reason: rec.Reason, BannedAt: &at}
}

// ListBans returns every active ban, oldest first.
func (s *Service) ListBans(actorToken string) ([]ban.Record, error) {
	if _, err := token.RequireAdmin(actorToken); err != nil {
		return nil, s.reject("list_bans", err)
	}
	return s.ledger.List(), nil
}

// Status reads registration and ban state of username under its lock.
func (s *Service) Status(username string) Status {
	name := user.Normalize(username)
	unlock := s.names.Lock(name)
	defer unlock()
	return Status{
		Registered: s.registry.Contains(name),
		Banned:     s.ledger.IsBanned(name),
	}
}

func (s *Service) reject(op string, err error) error {
	s.metrics.Rejected(op, string(apperr.KindOf(err)))
	return err
}
