package ban

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/christopherjohns/chatguard/internal/apperr"
	"github.com/christopherjohns/chatguard/internal/storage"
	"github.com/stretchr/testify/require"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

type flakyStore struct {
	storage.Store[Snapshot]
	failSave bool
	failLoad bool
}

func (f *flakyStore) Load(ctx context.Context) (Snapshot, error) {
	if f.failLoad {
		return nil, errors.New("load failed")
	}
	return f.Store.Load(ctx)
}

func (f *flakyStore) Save(ctx context.Context, s Snapshot) error {
	if f.failSave {
		return errors.New("save failed")
	}
	return f.Store.Save(ctx, s)
}

func newTestLedger(t *testing.T) (*Ledger, *flakyStore) {
	t.Helper()
	store := &flakyStore{Store: storage.NewMemory[Snapshot]()}
	return NewLedger(store, discard, time.Second), store
}

func record(name string) Record {
	return Record{Username: name, UserID: "id-" + name, Reason: "spam", BannedBy: "admin", BannedAt: time.Now()}
}

func TestPutAndQuery(t *testing.T) {
	req := require.New(t)
	l, _ := newTestLedger(t)
	ctx := context.Background()

	rec := record("alice")
	rec.Username = " Alice "
	req.NoError(l.Put(ctx, rec))
	req.True(l.IsBanned("alice"))
	req.True(l.IsBanned("ALICE"))
	req.False(l.IsBanned("bob"))

	got, ok := l.GetByUserID("id-alice")
	req.True(ok)
	req.Equal("alice", got.Username)
	req.Equal(1, l.Count())
}

func TestPutDuplicateKeepsOriginal(t *testing.T) {
	req := require.New(t)
	l, _ := newTestLedger(t)
	ctx := context.Background()

	first := record("alice")
	req.NoError(l.Put(ctx, first))

	second := record("alice")
	second.BannedAt = first.BannedAt.Add(time.Hour)
	err := l.Put(ctx, second)
	req.ErrorIs(err, apperr.ErrConflict)

	got, _ := l.Get("alice")
	req.True(got.BannedAt.Equal(first.BannedAt))
}

func TestRemoveMissingIsNotFound(t *testing.T) {
	l, _ := newTestLedger(t)
	_, err := l.Remove(context.Background(), "ghost")
	require.ErrorIs(t, err, apperr.ErrNotFound)
	require.Equal(t, 0, l.Count())
}

func TestSaveFailureRollsBack(t *testing.T) {
	req := require.New(t)
	l, store := newTestLedger(t)
	ctx := context.Background()

	store.failSave = true
	err := l.Put(ctx, record("alice"))
	req.ErrorIs(err, apperr.ErrStorage)
	req.False(l.IsBanned("alice"))

	store.failSave = false
	req.NoError(l.Put(ctx, record("alice")))

	store.failSave = true
	_, err = l.Remove(ctx, "alice")
	req.ErrorIs(err, apperr.ErrStorage)
	req.True(l.IsBanned("alice"))
}

func TestFailedAddIsNotStoredByLaterWrite(t *testing.T) {
	req := require.New(t)
	l, store := newTestLedger(t)
	ctx := context.Background()

	alice, err := l.Add(record("alice"))
	req.NoError(err)
	bob, err := l.Add(record("bob"))
	req.NoError(err)

	store.failSave = true
	req.ErrorIs(alice.Commit(ctx), apperr.ErrStorage)
	store.failSave = false
	req.NoError(bob.Commit(ctx))
	req.False(l.IsBanned("alice"))

	restarted := NewLedger(store, discard, time.Second)
	restarted.Hydrate(ctx)
	req.False(restarted.IsBanned("alice"))
	req.True(restarted.IsBanned("bob"))
}

func TestHydrate(t *testing.T) {
	req := require.New(t)
	l, store := newTestLedger(t)
	ctx := context.Background()
	req.NoError(l.Put(ctx, record("alice")))
	req.NoError(l.Put(ctx, record("bob")))

	fresh := NewLedger(store, discard, time.Second)
	fresh.Hydrate(ctx)
	req.Equal(2, fresh.Count())
	req.True(fresh.IsBanned("bob"))

	names := []string{}
	for _, r := range fresh.List() {
		names = append(names, r.Username)
	}
	req.Equal([]string{"alice", "bob"}, names)
}

func TestHydrateLoadFailureFallsBackToEmpty(t *testing.T) {
	l, store := newTestLedger(t)
	require.NoError(t, l.Put(context.Background(), record("alice")))

	store.failLoad = true
	l.Hydrate(context.Background())
	require.Equal(t, 0, l.Count())
}
