// Package ban holds the ledger of active bans. A username is banned exactly
// when the ledger holds a record for it; lifting a ban deletes the record.
package ban

import (
	"context"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/christopherjohns/chatguard/internal/apperr"
	"github.com/christopherjohns/chatguard/internal/storage"
)

// UnknownSource is recorded when the banned user has no registry entry.
const UnknownSource = "unknown"

// Record is an active ban.
type Record struct {
	Username         string    `json:"username"`
	UserID           string    `json:"userId,omitempty"`
	Reason           string    `json:"reason"`
	BannedBy         string    `json:"bannedBy"`
	BannedAt         time.Time `json:"bannedAt"`
	SourceIdentifier string    `json:"sourceIdentifier"`
}

// Snapshot is the persisted form of the ledger.
type Snapshot map[string]Record

// Ledger is the in-memory ban list backed by a snapshot store.
type Ledger struct {
	mu      sync.RWMutex
	bans    map[string]Record
	byUser  map[string]string
	version uint64

	persist *storage.Persister[Snapshot]
	log     *slog.Logger
}

// NewLedger creates an empty ledger persisted to store.
func NewLedger(store storage.Store[Snapshot], log *slog.Logger, timeout time.Duration) *Ledger {
	l := &Ledger{
		bans:   make(map[string]Record),
		byUser: make(map[string]string),
		log:    log,
	}
	l.persist = storage.NewPersister(store, timeout, l.snapshot)
	return l
}

func key(username string) string {
	return strings.ToLower(strings.TrimSpace(username))
}

// Hydrate replaces the in-memory ledger with the stored snapshot. A load
// failure leaves the ledger empty and is only logged.
func (l *Ledger) Hydrate(ctx context.Context) {
	snap, err := l.persist.Load(ctx)
	if err != nil {
		l.log.Warn("ban ledger load failed, starting empty", "err", err)
		snap = nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.bans = make(map[string]Record, len(snap))
	l.byUser = make(map[string]string, len(snap))
	for name, rec := range snap {
		name = key(name)
		rec.Username = name
		l.bans[name] = rec
		if rec.UserID != "" {
			l.byUser[rec.UserID] = name
		}
	}
	l.log.Info("ban ledger loaded", "bans", len(l.bans))
}

// IsBanned reports whether username has an active ban.
func (l *Ledger) IsBanned(username string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.bans[key(username)]
	return ok
}

// Get returns the active ban for username.
func (l *Ledger) Get(username string) (Record, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	rec, ok := l.bans[key(username)]
	return rec, ok
}

// GetByUserID returns the ban that deleted the account with the given id.
func (l *Ledger) GetByUserID(userID string) (Record, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	name, ok := l.byUser[userID]
	if !ok {
		return Record{}, false
	}
	rec, ok := l.bans[name]
	return rec, ok
}

// List returns all active bans, oldest first.
func (l *Ledger) List() []Record {
	l.mu.RLock()
	out := slices.Collect(maps.Values(l.bans))
	l.mu.RUnlock()

	slices.SortFunc(out, func(a, b Record) int {
		if c := a.BannedAt.Compare(b.BannedAt); c != 0 {
			return c
		}
		return strings.Compare(a.Username, b.Username)
	})
	return out
}

// Count returns the number of active bans.
func (l *Ledger) Count() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.bans)
}

// Add inserts rec in memory and returns the pending write. It fails with a
// conflict error when the username is already banned.
func (l *Ledger) Add(rec Record) (storage.Change, error) {
	rec.Username = key(rec.Username)
	if rec.Username == "" {
		return storage.Change{}, apperr.Validation("username required")
	}

	l.mu.Lock()
	if _, ok := l.bans[rec.Username]; ok {
		l.mu.Unlock()
		return storage.Change{}, apperr.Conflict("user already banned")
	}
	l.bans[rec.Username] = rec
	if rec.UserID != "" {
		l.byUser[rec.UserID] = rec.Username
	}
	l.version++
	l.mu.Unlock()

	undo := func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		if cur, ok := l.bans[rec.Username]; ok && cur.BannedAt.Equal(rec.BannedAt) {
			l.deleteLocked(rec.Username)
			l.version++
		}
	}
	return l.change(undo), nil
}

// Delete removes the ban for username in memory and returns the removed
// record with the pending write. It fails with a not-found error when the
// username is not banned.
func (l *Ledger) Delete(username string) (Record, storage.Change, error) {
	name := key(username)

	l.mu.Lock()
	rec, ok := l.bans[name]
	if !ok {
		l.mu.Unlock()
		return Record{}, storage.Change{}, apperr.NotFound("user not banned")
	}
	l.deleteLocked(name)
	l.version++
	l.mu.Unlock()

	undo := func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		if _, taken := l.bans[name]; !taken {
			l.bans[name] = rec
			if rec.UserID != "" {
				l.byUser[rec.UserID] = name
			}
			l.version++
		}
	}
	return rec, l.change(undo), nil
}

// Put adds rec and persists it.
func (l *Ledger) Put(ctx context.Context, rec Record) error {
	change, err := l.Add(rec)
	if err != nil {
		return err
	}
	return change.Commit(ctx)
}

// Remove deletes the ban for username and persists the ledger.
func (l *Ledger) Remove(ctx context.Context, username string) (Record, error) {
	rec, change, err := l.Delete(username)
	if err != nil {
		return Record{}, err
	}
	if err := change.Commit(ctx); err != nil {
		return Record{}, err
	}
	return rec, nil
}

func (l *Ledger) deleteLocked(name string) {
	if rec, ok := l.bans[name]; ok && rec.UserID != "" {
		delete(l.byUser, rec.UserID)
	}
	delete(l.bans, name)
}

func (l *Ledger) snapshot() (uint64, Snapshot) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.version, maps.Clone(Snapshot(l.bans))
}

func (l *Ledger) change(undo func()) storage.Change {
	write := func(ctx context.Context, undo func()) error {
		if err := l.persist.Sync(ctx, undo); err != nil {
			l.log.Error("ban ledger save failed", "err", err)
			return apperr.Storage("save ban ledger", err)
		}
		return nil
	}
	return storage.NewChange(write, undo)
}
