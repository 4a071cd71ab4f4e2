package storage

import (
	"context"
	"errors"
	"slices"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/dgraph-io/badger/v4"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

type record struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func newTestRedis(t *testing.T) (*Redis[map[string]record], *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewRedis[map[string]record](client, "chatguard:test"), mr
}

func newTestBadger(t *testing.T) *Badger[map[string]record] {
	t.Helper()
	db, err := badger.Open(badger.DefaultOptions(t.TempDir()).WithLoggingLevel(badger.ERROR))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewBadger[map[string]record](db, "chatguard:test")
}

func TestBackendsRoundTrip(t *testing.T) {
	redisStore, _ := newTestRedis(t)
	backends := map[string]Store[map[string]record]{
		"memory": NewMemory[map[string]record](),
		"redis":  redisStore,
		"badger": newTestBadger(t),
	}

	for name, store := range backends {
		t.Run(name, func(t *testing.T) {
			req := require.New(t)
			ctx := context.Background()

			empty, err := store.Load(ctx)
			req.NoError(err)
			req.Empty(empty)

			want := map[string]record{"alice": {Name: "alice", Count: 2}}
			req.NoError(store.Save(ctx, want))

			got, err := store.Load(ctx)
			req.NoError(err)
			req.Equal(want, got)

			req.NoError(store.Save(ctx, map[string]record{}))
			got, err = store.Load(ctx)
			req.NoError(err)
			req.Empty(got)
		})
	}
}

func TestMemoryLoadDoesNotAlias(t *testing.T) {
	ctx := context.Background()
	store := NewMemory[map[string]record]()
	saved := map[string]record{"a": {Name: "a"}}
	require.NoError(t, store.Save(ctx, saved))

	saved["b"] = record{Name: "b"}
	got, err := store.Load(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
}

func TestRedisLoadReportsBackendFailure(t *testing.T) {
	store, mr := newTestRedis(t)
	mr.Close()

	_, err := store.Load(context.Background())
	require.Error(t, err)
}

func TestRedisLoadRejectsCorruptSnapshot(t *testing.T) {
	store, mr := newTestRedis(t)
	require.NoError(t, mr.Set("chatguard:test", "{not json"))

	_, err := store.Load(context.Background())
	require.Error(t, err)
}

type countingStore struct {
	Store[[]string]
	saves atomic.Int32
	fail  atomic.Bool
}

func (c *countingStore) Save(ctx context.Context, v []string) error {
	c.saves.Add(1)
	if c.fail.Load() {
		return errors.New("boom")
	}
	return c.Store.Save(ctx, v)
}

// names is a minimal versioned collection.
type names struct {
	mu      sync.Mutex
	version uint64
	items   []string
}

func (n *names) add(v string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.items = append(n.items, v)
	n.version++
}

func (n *names) remove(v string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.items = slices.DeleteFunc(n.items, func(x string) bool { return x == v })
	n.version++
}

func (n *names) snapshot() (uint64, []string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.version, slices.Clone(n.items)
}

func TestPersisterSkipsWrittenVersions(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	store := &countingStore{Store: NewMemory[[]string]()}
	coll := &names{}
	p := NewPersister[[]string](store, 0, coll.snapshot)

	coll.add("a")
	coll.add("b")
	req.NoError(p.Sync(ctx, nil))
	req.NoError(p.Sync(ctx, nil))
	req.Equal(int32(1), store.saves.Load())

	got, err := p.Load(ctx)
	req.NoError(err)
	req.Equal([]string{"a", "b"}, got)
}

func TestPersisterFailedWriteIsNeverStoredLater(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	store := &countingStore{Store: NewMemory[[]string]()}
	coll := &names{}
	p := NewPersister[[]string](store, 0, coll.snapshot)

	// Two pending mutations; the write for the first one fails.
	coll.add("alice")
	coll.add("bob")
	store.fail.Store(true)
	req.Error(p.Sync(ctx, func() { coll.remove("alice") }))

	store.fail.Store(false)
	req.NoError(p.Sync(ctx, nil))

	got, err := p.Load(ctx)
	req.NoError(err)
	req.Equal([]string{"bob"}, got)
	_, live := coll.snapshot()
	req.Equal(live, got)
}

func TestChangeRevertWritesRestoredState(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	store := &countingStore{Store: NewMemory[[]string]()}
	coll := &names{}
	p := NewPersister[[]string](store, 0, coll.snapshot)
	write := func(ctx context.Context, undo func()) error { return p.Sync(ctx, undo) }

	coll.add("alice")
	req.NoError(NewChange(write, nil).Commit(ctx))

	coll.remove("alice")
	change := NewChange(write, func() { coll.add("alice") })
	// A concurrent writer stores the removal before the change is abandoned.
	req.NoError(p.Sync(ctx, nil))

	req.NoError(change.Revert(ctx))
	got, err := p.Load(ctx)
	req.NoError(err)
	req.Equal([]string{"alice"}, got)
}
