package collection

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"memory-docs/internal/document"
	"memory-docs/internal/globalconst"
	"memory-docs/internal/index"
	"memory-docs/internal/query"
	"memory-docs/internal/store"
)

// gatedStore holds writes at the store boundary while closed is set, reporting each held
// key on entered until release is closed.
type gatedStore struct {
	store.KVStore
	closed  atomic.Bool
	entered chan string
	release chan struct{}
}

func newGatedStore() *gatedStore {
	return &gatedStore{KVStore: store.NewMemStore(0), entered: make(chan string, 16)}
}

func (g *gatedStore) shut(t *testing.T) {
	g.release = make(chan struct{})
	g.closed.Store(true)
	t.Cleanup(func() {
		if g.closed.Load() {
			g.open()
		}
	})
}

func (g *gatedStore) open() {
	g.closed.Store(false)
	close(g.release)
}

func (g *gatedStore) hold(key string) {
	if g.closed.Load() {
		release := g.release
		g.entered <- key
		<-release
	}
}

func (g *gatedStore) Put(ctx context.Context, key string, value []byte) error {
	g.hold(key)
	return g.KVStore.Put(ctx, key, value)
}

func (g *gatedStore) Delete(ctx context.Context, key string) error {
	g.hold(key)
	return g.KVStore.Delete(ctx, key)
}

func waitEntered(t *testing.T, g *gatedStore) string {
	t.Helper()
	select {
	case key := <-g.entered:
		return key
	case <-time.After(2 * time.Second):
		t.Fatal("write never reached the store")
		return ""
	}
}

func TestLocks_ReadersSeeInFlightUpdate(t *testing.T) {
	ctx := context.Background()
	gs := newGatedStore()
	c := newCollection(t, Options{Store: gs})
	require.NoError(t, c.EnsureIndex(ctx, index.Options{Fields: []string{"a"}}))
	_, err := c.Insert(ctx, document.Document{globalconst.ID: "x", "a": 1})
	require.NoError(t, err)

	gs.shut(t)
	done := make(chan error, 1)
	go func() {
		_, err := c.Update(ctx, query.Query{globalconst.ID: "x"}, Merge(document.Document{"a": 2}), UpdateOptions{})
		done <- err
	}()
	assert.Equal(t, "x", waitEntered(t, gs))

	// The store still holds a=1.
	got, err := c.Get(ctx, "x")
	require.NoError(t, err)
	assert.Equal(t, 2.0, got["a"])

	docs, err := c.Find(query.Query{"a": 2}).Docs(ctx)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, 2.0, docs[0]["a"])

	docs, err = c.Find(query.Query{"a": 1}).Docs(ctx)
	require.NoError(t, err)
	assert.Empty(t, docs)

	docs, err = c.Find(query.Query{}).Docs(ctx)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, 2.0, docs[0]["a"])
	assert.Equal(t, 1, c.locks.size())

	gs.open()
	require.NoError(t, <-done)
	assert.Zero(t, c.locks.size())

	raw, err := gs.KVStore.Get(ctx, "x")
	require.NoError(t, err)
	stored, err := document.Deserialize(raw)
	require.NoError(t, err)
	assert.Equal(t, 2.0, stored["a"])
}

func TestLocks_ReadersSeeInFlightRemoval(t *testing.T) {
	ctx := context.Background()
	gs := newGatedStore()
	c := newCollection(t, Options{Store: gs})
	_, err := c.Insert(ctx, document.Document{globalconst.ID: "x", "a": 1}, document.Document{globalconst.ID: "y", "a": 1})
	require.NoError(t, err)

	gs.shut(t)
	done := make(chan error, 1)
	go func() {
		_, err := c.Remove(ctx, query.Query{globalconst.ID: "x"}, RemoveOptions{})
		done <- err
	}()
	assert.Equal(t, "x", waitEntered(t, gs))

	_, err = gs.KVStore.Get(ctx, "x")
	require.NoError(t, err, "the store still holds the removed document")

	_, err = c.Get(ctx, "x")
	assert.ErrorIs(t, err, store.ErrNotFound)

	docs, err := c.Find(query.Query{}).Docs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"y"}, docIDs(docs))

	gs.open()
	require.NoError(t, <-done)
	assert.Zero(t, c.locks.size())
}

func TestLocks_PinnedBeforeIndexesAreVisible(t *testing.T) {
	ctx := context.Background()
	gs := newGatedStore()
	c := newCollection(t, Options{Store: gs})
	require.NoError(t, c.EnsureIndex(ctx, index.Options{Fields: []string{"a"}}))

	gs.shut(t)
	// Holding a read lock parks the insert on c.mu until the reader below is queued.
	c.mu.RLock()
	done := make(chan error, 1)
	go func() {
		_, err := c.Insert(ctx, document.Document{globalconst.ID: "x", "a": 5})
		done <- err
	}()
	require.Eventually(t, func() bool {
		if c.mu.TryRLock() {
			c.mu.RUnlock()
			return false
		}
		return true
	}, 2*time.Second, time.Millisecond, "insert never waited for the index lock")

	found := make(chan []document.Document, 1)
	go func() {
		docs, err := c.Find(query.Query{"a": 5}).Docs(ctx)
		assert.NoError(t, err)
		found <- docs
	}()
	c.mu.RUnlock()

	assert.Equal(t, "x", waitEntered(t, gs))
	select {
	case docs := <-found:
		assert.Equal(t, []string{"x"}, docIDs(docs))
	case <-time.After(2 * time.Second):
		t.Fatal("reader did not finish while the insert was in flight")
	}

	gs.open()
	require.NoError(t, <-done)
	assert.Zero(t, c.locks.size())
}
