// Package user is the identity registry: it owns registered accounts keyed by
// normalized username and issues their session tokens.
package user

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/christopherjohns/chatguard/internal/apperr"
	"github.com/christopherjohns/chatguard/internal/keylock"
	"github.com/christopherjohns/chatguard/internal/metrics"
	"github.com/christopherjohns/chatguard/internal/storage"
	"github.com/christopherjohns/chatguard/internal/token"
	"github.com/christopherjohns/chatguard/internal/wordfilter"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/samber/lo"
)

// BanChecker reports whether a normalized username is banned.
type BanChecker interface {
	IsBanned(username string) bool
}

// Snapshot is the persisted form of the registry.
type Snapshot map[string]User

// RegisterInput carries a registration request.
type RegisterInput struct {
	ExternalID string `json:"externalId" validate:"required,max=128"`
	Username   string `json:"username" validate:"required,min=3,max=20"`
	Avatar     string `json:"avatar" validate:"omitempty,max=2048"`
	SourceIP   string `json:"-"`
}

// Availability is the answer to a username availability check.
type Availability struct {
	Available bool   `json:"available"`
	Reason    string `json:"error,omitempty"`
}

// Option configures a Registry.
type Option func(*Registry)

// WithWordFilter rejects usernames containing a blocked word.
func WithWordFilter(f *wordfilter.Filter) Option {
	return func(r *Registry) { r.filter = f }
}

// WithAdminExternalIDs grants the admin role to accounts registered with one
// of ids.
func WithAdminExternalIDs(ids ...string) Option {
	return func(r *Registry) {
		for _, id := range ids {
			if id = strings.TrimSpace(id); id != "" {
				r.admins[id] = struct{}{}
			}
		}
	}
}

// WithStorageTimeout bounds each snapshot load and save.
func WithStorageTimeout(d time.Duration) Option {
	return func(r *Registry) { r.timeout = d }
}

// WithMetrics counts successful registrations.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Registry) { r.metrics = m }
}

// Registry is the set of registered users.
type Registry struct {
	mu      sync.RWMutex
	users   map[string]User
	byID    map[string]string
	version uint64

	persist  *storage.Persister[Snapshot]
	timeout  time.Duration
	bans     BanChecker
	names    *keylock.Locker
	filter   *wordfilter.Filter
	admins   map[string]struct{}
	validate *validator.Validate
	metrics  *metrics.Metrics
	log      *slog.Logger
	now      func() time.Time
}

// NewRegistry creates an empty registry. names must be the same Locker the
// moderation service uses, so registration and bans of one username never
// interleave.
func NewRegistry(store storage.Store[Snapshot], bans BanChecker, names *keylock.Locker, log *slog.Logger, opts ...Option) *Registry {
	r := &Registry{
		users:    make(map[string]User),
		byID:     make(map[string]string),
		bans:     bans,
		names:    names,
		admins:   make(map[string]struct{}),
		validate: validator.New(),
		log:      log,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.persist = storage.NewPersister(store, r.timeout, r.snapshot)
	return r
}

// Hydrate replaces the in-memory registry with the stored snapshot. A load
// failure leaves the registry empty and is only logged. Accounts whose
// username is banned are dropped, since a ban always deletes the account.
func (r *Registry) Hydrate(ctx context.Context) {
	snap, err := r.persist.Load(ctx)
	if err != nil {
		r.log.Warn("user registry load failed, starting empty", "err", err)
		snap = nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.users = make(map[string]User, len(snap))
	r.byID = make(map[string]string, len(snap))
	dropped := 0
	for name, u := range snap {
		name = Normalize(name)
		if r.bans.IsBanned(name) {
			dropped++
			continue
		}
		u.Username = name
		r.users[name] = u
		r.byID[u.ID] = name
	}
	r.log.Info("user registry loaded", "users", len(r.users), "dropped_banned", dropped)
}

// CheckUsernameAvailable reports whether name could be registered now.
// The registry is read before the ban ledger: a ban records itself before it
// deletes the account, so a name seen unregistered is then seen banned.
func (r *Registry) CheckUsernameAvailable(name string) Availability {
	name = Normalize(name)
	switch {
	case name == "":
		return Availability{Reason: "Username required"}
	case r.filter.Contains(name):
		return Availability{Reason: "Inappropriate username"}
	}

	unlock := r.names.Lock(name)
	defer unlock()
	switch {
	case r.Contains(name):
		return Availability{Reason: "Username taken"}
	case r.bans.IsBanned(name):
		return Availability{Reason: "Username is banned"}
	}
	return Availability{Available: true}
}

// Register creates an account and returns its session token.
func (r *Registry) Register(ctx context.Context, in RegisterInput) (string, PublicUser, error) {
	in.ExternalID = strings.TrimSpace(in.ExternalID)
	in.Avatar = strings.TrimSpace(in.Avatar)
	displayName := strings.TrimSpace(in.Username)
	in.Username = displayName

	if err := r.validate.Struct(in); err != nil {
		return "", PublicUser{}, apperr.Validation(validationMessage(err))
	}

	name := Normalize(displayName)
	if r.filter.Contains(name) {
		return "", PublicUser{}, apperr.Profanity("Inappropriate username")
	}

	unlock := r.names.Lock(name)
	defer unlock()

	if r.bans.IsBanned(name) {
		return "", PublicUser{}, apperr.Banned("Username is banned")
	}

	_, admin := r.admins[in.ExternalID]
	now := r.now().UTC()
	u := User{
		ID:          uuid.NewString(),
		ExternalID:  in.ExternalID,
		Username:    name,
		DisplayName: displayName,
		Avatar:      in.Avatar,
		IsAdmin:     admin,
		CreatedAt:   now,
		LastSeenAt:  now,
		SourceIP:    in.SourceIP,
	}

	r.mu.Lock()
	if _, taken := r.users[name]; taken {
		r.mu.Unlock()
		return "", PublicUser{}, apperr.Conflict("Username already exists")
	}
	r.users[name] = u
	r.byID[u.ID] = name
	r.version++
	r.mu.Unlock()

	undo := func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if cur, ok := r.users[name]; ok && cur.ID == u.ID {
			delete(r.users, name)
			delete(r.byID, u.ID)
			r.version++
		}
	}
	if err := r.change(undo).Commit(ctx); err != nil {
		return "", PublicUser{}, err
	}

	r.metrics.Registered()
	r.log.Info("user registered", "username", name, "user_id", u.ID, "admin", admin)
	return token.Issue(u.Role(), u.ID), u.Public(), nil
}

// Resume decodes a session token and returns the account it belongs to.
func (r *Registry) Resume(raw string) (User, error) {
	claims, err := token.Decode(raw)
	if err != nil {
		return User{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	name, ok := r.byID[claims.UserID]
	if !ok {
		return User{}, apperr.Auth("Session no longer valid")
	}
	u := r.users[name]
	u.LastSeenAt = r.now().UTC()
	r.users[name] = u
	return u, nil
}

// Get returns the account registered under username.
func (r *Registry) Get(username string) (User, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.users[Normalize(username)]
	return u, ok
}

// GetByID returns the account with the given id.
func (r *Registry) GetByID(id string) (User, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	name, ok := r.byID[id]
	if !ok {
		return User{}, false
	}
	return r.users[name], true
}

// Contains reports whether username is registered.
func (r *Registry) Contains(username string) bool {
	_, ok := r.Get(username)
	return ok
}

// Count returns the number of registered users.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users)
}

// List returns the public views of all users, sorted by username.
func (r *Registry) List() []PublicUser {
	r.mu.RLock()
	names := lo.Keys(r.users)
	users := maps.Clone(r.users)
	r.mu.RUnlock()

	slices.Sort(names)
	return lo.Map(names, func(n string, _ int) PublicUser { return users[n].Public() })
}

// Evict deletes the account registered under username. commit runs first
// inside the same critical section; if it fails nothing is deleted. Registry
// readers therefore never see the state between commit and the deletion.
// The returned change persists the deletion.
func (r *Registry) Evict(username string, commit func() error) (User, bool, storage.Change, error) {
	name := Normalize(username)

	r.mu.Lock()
	if commit != nil {
		if err := commit(); err != nil {
			r.mu.Unlock()
			return User{}, false, storage.Change{}, err
		}
	}
	u, ok := r.users[name]
	if !ok {
		r.mu.Unlock()
		return User{}, false, storage.Change{}, nil
	}
	delete(r.users, name)
	delete(r.byID, u.ID)
	r.version++
	r.mu.Unlock()

	undo := func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if _, taken := r.users[name]; !taken {
			r.users[name] = u
			r.byID[u.ID] = name
			r.version++
		}
	}
	return u, true, r.change(undo), nil
}

func (r *Registry) snapshot() (uint64, Snapshot) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.version, maps.Clone(Snapshot(r.users))
}

func (r *Registry) change(undo func()) storage.Change {
	write := func(ctx context.Context, undo func()) error {
		if err := r.persist.Sync(ctx, undo); err != nil {
			r.log.Error("user registry save failed", "err", err)
			return apperr.Storage("save user registry", err)
		}
		return nil
	}
	return storage.NewChange(write, undo)
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return "Invalid request"
	}
	fe := verrs[0]
	field := strings.ToLower(fe.Field()[:1]) + fe.Field()[1:]
	switch fe.Tag() {
	case "required":
		return "Missing required fields: " + field
	case "min":
		return fmt.Sprintf("%s must be at least %s characters", field, fe.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s characters", field, fe.Param())
	default:
		return field + " is invalid"
	}
}
