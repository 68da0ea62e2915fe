package collection

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"strconv"
	"strings"
	"sync"
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

func newCollection(t *testing.T, opts Options) *Collection {
	t.Helper()
	if opts.Store == nil {
		opts.Store = store.NewMemStore(0)
	}
	if opts.Name == "" {
		opts.Name = t.Name()
	}
	c, err := New(context.Background(), opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func docIDs(docs []document.Document) []string {
	out := make([]string, len(docs))
	for i, d := range docs {
		out[i] = document.ID(d)
	}
	sort.Strings(out)
	return out
}

func values(docs []document.Document, field string) []any {
	out := make([]any, len(docs))
	for i, d := range docs {
		out[i] = d[field]
	}
	return out
}

func TestCollection_ExampleScenario(t *testing.T) {
	ctx := context.Background()
	c := newCollection(t, Options{})

	_, err := c.Insert(ctx, document.Document{"a": 1}, document.Document{"a": 2}, document.Document{"a": 3})
	require.NoError(t, err)
	require.NoError(t, c.EnsureIndex(ctx, index.Options{Fields: []string{"a"}}))

	docs, err := c.Find(query.Query{"a": map[string]any{"$gte": 2}}).Docs(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []any{2.0, 3.0}, values(docs, "a"))

	n, err := c.Count(ctx, query.Query{})
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	removed, err := c.Remove(ctx, query.Query{"a": 2}, RemoveOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	docs, err = c.Find(nil).Docs(ctx)
	require.NoError(t, err)
	assert.Len(t, docs, 2)
}

func TestInsert_AssignsIDsWithoutTouchingInput(t *testing.T) {
	ctx := context.Background()
	c := newCollection(t, Options{})

	in := document.Document{"a": 1}
	out, err := c.Insert(ctx, in, document.Document{"a": 2})
	require.NoError(t, err)
	require.Len(t, out, 2)

	assert.NotContains(t, in, globalconst.ID)
	assert.NotEmpty(t, document.ID(out[0]))
	assert.NotEqual(t, document.ID(out[0]), document.ID(out[1]))

	got, err := c.Get(ctx, document.ID(out[0]))
	require.NoError(t, err)
	assert.Equal(t, 1.0, got["a"])
}

func TestInsert_ValidatesDocuments(t *testing.T) {
	ctx := context.Background()
	c := newCollection(t, Options{})

	for _, doc := range []document.Document{
		{"$bad": 1},
		{"a.b": 1},
		{"nested": map[string]any{"$x": 1}},
		{globalconst.ID: 5},
		{globalconst.ID: ""},
	} {
		_, err := c.Insert(ctx, doc)
		var verr *document.ValidationError
		assert.True(t, errors.As(err, &verr), "document %v", doc)
	}
	n, err := c.Count(ctx, nil)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestInsert_DuplicateIDRollsBackBatch(t *testing.T) {
	ctx := context.Background()
	c := newCollection(t, Options{})

	_, err := c.Insert(ctx, document.Document{globalconst.ID: "x", "a": 1})
	require.NoError(t, err)

	_, err = c.Insert(ctx,
		document.Document{globalconst.ID: "y", "a": 2},
		document.Document{globalconst.ID: "x", "a": 3},
	)
	require.ErrorIs(t, err, index.ErrUniqueViolation)

	_, err = c.Get(ctx, "y")
	assert.ErrorIs(t, err, store.ErrNotFound)
	n, err := c.Count(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = c.Insert(ctx, document.Document{globalconst.ID: "y"})
	assert.NoError(t, err)
}

func TestInsert_UniqueViolationRollsBackEveryIndex(t *testing.T) {
	ctx := context.Background()
	c := newCollection(t, Options{Indexes: []index.Options{{Fields: []string{"u"}, Unique: true}}})

	_, err := c.Insert(ctx, document.Document{"u": 1})
	require.NoError(t, err)

	_, err = c.Insert(ctx,
		document.Document{globalconst.ID: "n1", "u": 2},
		document.Document{globalconst.ID: "n2", "u": 1},
	)
	var uerr *index.UniqueViolationError
	require.True(t, errors.As(err, &uerr))
	assert.Equal(t, "u", uerr.FieldName)

	for _, info := range c.Indexes() {
		assert.Equal(t, 1, info.NumKeys, info.Name)
	}
	_, err = c.Insert(ctx, document.Document{globalconst.ID: "n1", "u": 2})
	assert.NoError(t, err)
}

func TestUpdate_SingleAndMulti(t *testing.T) {
	ctx := context.Background()
	c := newCollection(t, Options{})
	_, err := c.Insert(ctx, document.Document{"a": 1}, document.Document{"a": 1}, document.Document{"a": 2})
	require.NoError(t, err)

	res, err := c.Update(ctx, query.Query{"a": 1}, Merge(document.Document{"b": true}), UpdateOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Matched)

	n, err := c.Count(ctx, query.Query{"b": true})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	res, err = c.Update(ctx, query.Query{}, Merge(document.Document{"c": "x"}), UpdateOptions{Multi: true, ReturnUpdatedDocs: true})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Matched)
	assert.Len(t, res.Docs, 3)
	assert.Equal(t, []any{"x", "x", "x"}, values(res.Docs, "c"))

	res, err = c.Update(ctx, query.Query{"a": 99}, Merge(document.Document{"c": "y"}), UpdateOptions{Multi: true})
	require.NoError(t, err)
	assert.Zero(t, res.Matched)
	assert.False(t, res.Upserted)
	assert.Zero(t, c.locks.size())
}

func TestUpdate_Errors(t *testing.T) {
	ctx := context.Background()
	c := newCollection(t, Options{})
	_, err := c.Insert(ctx, document.Document{globalconst.ID: "k", "a": 1})
	require.NoError(t, err)

	_, err = c.Update(ctx, query.Query{"a": 1}, nil, UpdateOptions{})
	assert.ErrorIs(t, err, ErrNoModifier)

	_, err = c.Update(ctx, query.Query{"a": 1}, Replace(document.Document{globalconst.ID: "other"}), UpdateOptions{})
	assert.ErrorIs(t, err, ErrCannotModifyID)

	_, err = c.Update(ctx, query.Query{"a": 1}, func(document.Document) (document.Document, error) {
		panic("boom")
	}, UpdateOptions{})
	assert.ErrorContains(t, err, "boom")

	got, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, document.Document{globalconst.ID: "k", "a": 1.0}, got)
}

func TestUpdate_ReplaceKeepsID(t *testing.T) {
	ctx := context.Background()
	c := newCollection(t, Options{})
	_, err := c.Insert(ctx, document.Document{globalconst.ID: "k", "a": 1, "b": 2})
	require.NoError(t, err)

	_, err = c.Update(ctx, query.Query{globalconst.ID: "k"}, Replace(document.Document{"z": 1}), UpdateOptions{})
	require.NoError(t, err)

	got, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, document.Document{globalconst.ID: "k", "z": 1.0}, got)
}

func TestUpdate_Upsert(t *testing.T) {
	ctx := context.Background()
	c := newCollection(t, Options{})

	q := query.Query{"name": "x", "n": map[string]any{"$gt": 1}, "meta.kind": "k"}
	res, err := c.Update(ctx, q, Merge(document.Document{"v": 1}), UpdateOptions{Upsert: true, ReturnUpdatedDocs: true})
	require.NoError(t, err)
	assert.True(t, res.Upserted)
	require.Len(t, res.Docs, 1)

	got, err := c.FindOne(ctx, query.Query{"name": "x"})
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 1.0, got["v"])
	assert.Equal(t, map[string]any{"kind": "k"}, got["meta"])
	assert.NotContains(t, got, "n")
}

func TestUpdate_UniqueViolationRevertsEveryIndex(t *testing.T) {
	ctx := context.Background()
	c := newCollection(t, Options{Indexes: []index.Options{{Fields: []string{"u"}, Unique: true}}})
	_, err := c.Insert(ctx,
		document.Document{globalconst.ID: "a", "u": 1},
		document.Document{globalconst.ID: "b", "u": 2},
	)
	require.NoError(t, err)

	_, err = c.Update(ctx, query.Query{}, Merge(document.Document{"u": 5}), UpdateOptions{Multi: true})
	require.ErrorIs(t, err, index.ErrUniqueViolation)

	for _, tc := range []struct {
		u  int
		id string
	}{{1, "a"}, {2, "b"}} {
		docs, err := c.Find(query.Query{"u": tc.u}).Docs(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{tc.id}, docIDs(docs))
	}
	n, err := c.Count(ctx, query.Query{"u": 5})
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRemove_FirstOnlyUnlessMulti(t *testing.T) {
	ctx := context.Background()
	c := newCollection(t, Options{})
	_, err := c.Insert(ctx, document.Document{"a": 1}, document.Document{"a": 1}, document.Document{"a": 1})
	require.NoError(t, err)

	n, err := c.Remove(ctx, query.Query{"a": 1}, RemoveOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = c.Remove(ctx, query.Query{"a": 1}, RemoveOptions{Multi: true})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = c.Remove(ctx, query.Query{"a": 1}, RemoveOptions{Multi: true})
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestGet_MissingDocumentIsNotFound(t *testing.T) {
	c := newCollection(t, Options{})
	_, err := c.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func randomValue(r *rand.Rand) (any, bool) {
	switch r.Intn(10) {
	case 0:
		return nil, false
	case 1:
		return nil, true
	case 2:
		return "x" + strconv.Itoa(r.Intn(3)), true
	case 3:
		return []any{r.Intn(10), r.Intn(10)}, true
	case 4:
		return []any{}, true
	default:
		return r.Intn(10), true
	}
}

func TestFind_IndexedAndUnindexedAgree(t *testing.T) {
	ctx := context.Background()
	plain := newCollection(t, Options{Name: "plain"})
	indexed := newCollection(t, Options{Name: "indexed"})
	require.NoError(t, indexed.EnsureIndex(ctx, index.Options{Fields: []string{"a"}}))

	r := rand.New(rand.NewSource(7))
	for i := range 300 {
		doc := document.Document{globalconst.ID: fmt.Sprintf("d%03d", i)}
		if v, present := randomValue(r); present {
			doc["a"] = v
		}
		_, err := plain.Insert(ctx, doc)
		require.NoError(t, err)
		_, err = indexed.Insert(ctx, doc)
		require.NoError(t, err)
	}

	queries := []query.Query{
		{"a": map[string]any{"$gt": 5}},
		{"a": map[string]any{"$lte": 3}},
		{"a": map[string]any{"$gt": 2, "$lt": 7}},
		{"a": map[string]any{"$gte": "x1"}},
		{"a": map[string]any{"$in": []any{1, 2, "x0"}}},
		{"a": map[string]any{"$nin": []any{1, 2}}},
		{"a": map[string]any{"$ne": 4}},
		{"a": map[string]any{"$exists": false}},
		{"a": map[string]any{"$regex": "^x"}},
		{"a": 4},
		{"a": nil},
		{"$or": []any{map[string]any{"a": 1}, map[string]any{"a": map[string]any{"$gt": 8}}}},
		{"$and": []any{map[string]any{"a": map[string]any{"$gt": 1}}, map[string]any{"a": map[string]any{"$ne": 3}}}},
		{"$not": map[string]any{"a": map[string]any{"$lt": 5}}},
	}
	for _, q := range queries {
		want, err := plain.Find(q).Docs(ctx)
		require.NoError(t, err, "%v", q)
		got, err := indexed.Find(q).Docs(ctx)
		require.NoError(t, err, "%v", q)
		assert.Equal(t, docIDs(want), docIDs(got), "%v", q)
	}
}

func TestFind_SortSkipLimit(t *testing.T) {
	ctx := context.Background()
	c := newCollection(t, Options{})
	for _, a := range []int{5, 3, 1, 4, 2} {
		_, err := c.Insert(ctx, document.Document{"a": a})
		require.NoError(t, err)
	}

	docs, err := c.Find(nil).Sort("a", 1).Skip(1).Limit(2).Docs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []any{2.0, 3.0}, values(docs, "a"))

	docs, err = c.Find(nil).Sort("a", -1).Limit(2).Docs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []any{5.0, 4.0}, values(docs, "a"))

	require.NoError(t, c.EnsureIndex(ctx, index.Options{Fields: []string{"a"}}))
	docs, err = c.Find(query.Query{"a": map[string]any{"$gte": 2}}).Sort("a", 1).Skip(1).Limit(2).Docs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []any{3.0, 4.0}, values(docs, "a"))

	docs, err = c.Find(nil).SortFunc(func(x, y document.Document) int {
		return document.Compare(y["a"], x["a"])
	}).Limit(1).Docs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []any{5.0}, values(docs, "a"))
}

func TestCursor_MapReduceAggregateCount(t *testing.T) {
	ctx := context.Background()
	c := newCollection(t, Options{})
	for a := 1; a <= 5; a++ {
		_, err := c.Insert(ctx, document.Document{"a": a})
		require.NoError(t, err)
	}

	res, err := c.Find(nil).
		Map(func(d document.Document) (any, error) { return d["a"], nil }).
		Reduce(func(acc, item any) (any, error) { return acc.(float64) + item.(float64), nil }, 0.0).
		Exec(ctx)
	require.NoError(t, err)
	assert.Equal(t, 15.0, res.Value)
	assert.Nil(t, res.Docs)
	assert.Len(t, res.Items, 5)

	res, err = c.Find(query.Query{"a": map[string]any{"$gt": 2}}).
		Aggregate(func(items []any) (any, error) { return len(items), nil }).
		Exec(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Value)

	res, err = c.Find(nil).Skip(1).Count().Exec(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, res.Count)
	assert.Nil(t, res.Docs)
}

func TestCursor_FilterFailureReturnsNoResults(t *testing.T) {
	ctx := context.Background()
	c := newCollection(t, Options{})
	_, err := c.Insert(ctx, document.Document{"a": 1}, document.Document{"a": 2})
	require.NoError(t, err)

	boom := errors.New("boom")
	res, err := c.Find(nil).Filter(func(document.Document) (bool, error) { return false, boom }).Exec(ctx)
	assert.ErrorIs(t, err, boom)
	assert.Empty(t, res.Docs)

	_, err = c.Find(nil).Map(func(document.Document) (any, error) { panic("map") }).Exec(ctx)
	assert.ErrorContains(t, err, "map")

	docs, err := c.Find(nil).Filter(func(d document.Document) (bool, error) { return d["a"] == 2.0, nil }).Docs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []any{2.0}, values(docs, "a"))
}

func TestCursor_ClosedAfterExec(t *testing.T) {
	ctx := context.Background()
	c := newCollection(t, Options{})

	cur := c.Find(nil)
	_, err := cur.Exec(ctx)
	require.NoError(t, err)
	_, err = cur.Exec(ctx)
	assert.ErrorIs(t, err, ErrCursorClosed)

	cur = c.Find(nil)
	cur.Close()
	_, err = cur.Exec(ctx)
	assert.ErrorIs(t, err, ErrCursorClosed)
}

func TestFind_InvalidQuery(t *testing.T) {
	c := newCollection(t, Options{})
	_, err := c.Find(query.Query{"$bogus": 1}).Docs(context.Background())
	assert.ErrorIs(t, err, query.ErrUnknownOperator)
	_, err = c.Find(query.Query{"a": map[string]any{"$gt": 1, "b": 2}}).Docs(context.Background())
	assert.ErrorIs(t, err, query.ErrMixedOperators)
}

func TestFind_AutoIndex(t *testing.T) {
	ctx := context.Background()
	c := newCollection(t, Options{AutoIndex: true})
	_, err := c.Insert(ctx, document.Document{"b": 1}, document.Document{"b": 2})
	require.NoError(t, err)

	docs, err := c.Find(query.Query{"b": map[string]any{"$gt": 1}}).Docs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []any{2.0}, values(docs, "b"))

	var names []string
	for _, info := range c.Indexes() {
		names = append(names, info.Name)
		if info.Name == "b" {
			assert.True(t, info.Ready)
			assert.Equal(t, 2, info.NumKeys)
		}
	}
	assert.Equal(t, []string{globalconst.ID, "b"}, names)

	// $elemMatch never asks for an index.
	_, err = c.Find(query.Query{"tags": map[string]any{"$elemMatch": map[string]any{"$gt": 1}}}).Docs(ctx)
	require.NoError(t, err)
	assert.Len(t, c.Indexes(), 2)
}

func TestIndexes_Management(t *testing.T) {
	ctx := context.Background()
	c := newCollection(t, Options{})
	_, err := c.Insert(ctx, document.Document{"u": 1}, document.Document{"u": 1})
	require.NoError(t, err)

	err = c.EnsureIndex(ctx, index.Options{Fields: []string{"u"}, Unique: true})
	assert.ErrorIs(t, err, index.ErrUniqueViolation)
	assert.Len(t, c.Indexes(), 1)

	require.NoError(t, c.EnsureIndex(ctx, index.Options{Fields: []string{"u"}}))
	require.NoError(t, c.EnsureIndex(ctx, index.Options{Fields: []string{"u"}}))
	assert.Error(t, c.EnsureIndex(ctx, index.Options{Fields: []string{"u"}, Sparse: true}))

	assert.ErrorIs(t, c.RemoveIndex(ctx, globalconst.ID), ErrCannotRemoveIDIndex)
	assert.ErrorIs(t, c.RemoveIndex(ctx, "nope"), ErrIndexNotFound)
	require.NoError(t, c.RemoveIndex(ctx, "u"))
	assert.Len(t, c.Indexes(), 1)
}

func TestFind_CompoundIndex(t *testing.T) {
	ctx := context.Background()
	c := newCollection(t, Options{Indexes: []index.Options{{Fields: []string{"a", "b"}, Unique: true}}})
	_, err := c.Insert(ctx,
		document.Document{globalconst.ID: "1", "a": 1, "b": 1},
		document.Document{globalconst.ID: "2", "a": 1, "b": 2},
		document.Document{globalconst.ID: "3", "a": 2, "b": 1},
	)
	require.NoError(t, err)

	docs, err := c.Find(query.Query{"a": 1, "b": 2}).Docs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"2"}, docIDs(docs))

	docs, err = c.Find(query.Query{"a": 1}).Docs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"1", "2"}, docIDs(docs))

	_, err = c.Insert(ctx, document.Document{"a": 2, "b": 1})
	assert.ErrorIs(t, err, index.ErrUniqueViolation)
}

func TestNew_RebuildsIndexesFromStore(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	kv, err := store.OpenPebble(dir)
	require.NoError(t, err)
	c, err := New(ctx, Options{Name: "rebuild", Store: kv})
	require.NoError(t, err)
	_, err = c.Insert(ctx, document.Document{"a": 1}, document.Document{"a": 2}, document.Document{"a": 3})
	require.NoError(t, err)
	require.NoError(t, c.Close())

	kv, err = store.OpenPebble(dir)
	require.NoError(t, err)
	c = newCollection(t, Options{Name: "rebuild", Store: kv, Indexes: []index.Options{{Fields: []string{"a"}}}})

	infos := c.Indexes()
	require.Len(t, infos, 2)
	assert.Equal(t, 3, infos[0].NumKeys)
	assert.Equal(t, 3, infos[1].NumKeys)
	assert.True(t, infos[1].Ready)

	n, err := c.Count(ctx, query.Query{"a": map[string]any{"$lt": 3}})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestReplace_RebuildsIndexes(t *testing.T) {
	ctx := context.Background()
	c := newCollection(t, Options{Indexes: []index.Options{{Fields: []string{"a"}}}})
	_, err := c.Insert(ctx, document.Document{"a": 1})
	require.NoError(t, err)

	raw, err := document.Serialize(document.Document{globalconst.ID: "z", "a": 9.0})
	require.NoError(t, err)
	require.NoError(t, c.Replace(ctx, func(kv store.KVStore) error {
		return kv.Put(ctx, "z", raw)
	}))

	docs, err := c.Find(query.Query{"a": 9}).Docs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"z"}, docIDs(docs))
	n, err := c.Count(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestVirtualFields(t *testing.T) {
	ctx := context.Background()
	fields := []Field{
		{
			Name: "name",
			Get: func(d document.Document) any {
				return fmt.Sprintf("%v %v", d["first"], d["last"])
			},
			Set: func(d document.Document, v any) error {
				s, ok := v.(string)
				if !ok {
					return errors.New("name must be a string")
				}
				first, last, _ := strings.Cut(s, " ")
				d["first"], d["last"] = first, last
				return nil
			},
		},
		{
			Name: "age",
			Cast: func(v any) (any, error) {
				if s, ok := v.(string); ok {
					return strconv.ParseFloat(s, 64)
				}
				return v, nil
			},
		},
	}
	c := newCollection(t, Options{Fields: fields})

	out, err := c.Insert(ctx, document.Document{globalconst.ID: "ada", "name": "Ada Lovelace", "age": "36"})
	require.NoError(t, err)
	assert.Equal(t, "Ada Lovelace", out[0]["name"])

	raw, err := c.opts.Store.Get(ctx, "ada")
	require.NoError(t, err)
	stored, err := document.Deserialize(raw)
	require.NoError(t, err)
	assert.Equal(t, document.Document{globalconst.ID: "ada", "first": "Ada", "last": "Lovelace", "age": 36.0}, stored)

	docs, err := c.Find(query.Query{"first": "Ada"}).Docs(ctx)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "Ada Lovelace", docs[0]["name"])

	_, err = c.Insert(ctx, document.Document{"age": "old"})
	assert.Error(t, err)
}

func TestSubscribe_Events(t *testing.T) {
	ctx := context.Background()
	c := newCollection(t, Options{})

	var (
		mu    sync.Mutex
		types []string
	)
	unsubscribe := c.Subscribe(func(ev Event) {
		mu.Lock()
		types = append(types, ev.Type)
		mu.Unlock()
	})

	_, err := c.Insert(ctx, document.Document{"a": 1})
	require.NoError(t, err)
	_, err = c.Update(ctx, query.Query{"a": 1}, Merge(document.Document{"a": 2}), UpdateOptions{})
	require.NoError(t, err)
	_, err = c.Remove(ctx, query.Query{"a": 2}, RemoveOptions{})
	require.NoError(t, err)
	unsubscribe()
	_, err = c.Insert(ctx, document.Document{"a": 3})
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{
		globalconst.EventInsert, globalconst.EventInserted,
		globalconst.EventUpdate, globalconst.EventUpdated,
		globalconst.EventRemove, globalconst.EventRemoved,
	}, types)
}

type liveResult struct {
	res Result
	err error
}

func nextLive(t *testing.T, ch <-chan liveResult) liveResult {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("no live result")
		return liveResult{}
	}
}

func TestCursor_Live(t *testing.T) {
	ctx := context.Background()
	c := newCollection(t, Options{LiveDebounce: 5 * time.Millisecond})
	_, err := c.Insert(ctx, document.Document{globalconst.ID: "one", "a": 2})
	require.NoError(t, err)

	ch := make(chan liveResult, 16)
	cur := c.Find(query.Query{"a": map[string]any{"$gt": 1}})
	require.NoError(t, cur.Live(ctx, func(res Result, err error) { ch <- liveResult{res, err} }))
	assert.ErrorIs(t, cur.Live(ctx, func(Result, error) {}), ErrAlreadyLive)

	first := nextLive(t, ch)
	require.NoError(t, first.err)
	assert.Equal(t, []string{"one"}, docIDs(first.res.Docs))

	_, err = c.Insert(ctx, document.Document{globalconst.ID: "two", "a": 5})
	require.NoError(t, err)
	second := nextLive(t, ch)
	require.NoError(t, second.err)
	assert.Equal(t, []string{"one", "two"}, docIDs(second.res.Docs))

	// A cached document leaving the result set triggers a refresh too.
	_, err = c.Update(ctx, query.Query{globalconst.ID: "one"}, Merge(document.Document{"a": 0}), UpdateOptions{})
	require.NoError(t, err)
	third := nextLive(t, ch)
	require.NoError(t, third.err)
	assert.Equal(t, []string{"two"}, docIDs(third.res.Docs))

	require.NoError(t, c.Close())
	closed := nextLive(t, ch)
	assert.ErrorIs(t, closed.err, ErrCollectionClosed)
	_, err = cur.Exec(ctx)
	assert.ErrorIs(t, err, ErrCursorClosed)
}

func TestCursor_LiveStopsWithContext(t *testing.T) {
	c := newCollection(t, Options{})
	ctx, cancel := context.WithCancel(context.Background())

	cur := c.Find(nil)
	require.NoError(t, cur.Live(ctx, func(Result, error) {}))
	cancel()

	assert.Eventually(t, func() bool {
		_, err := cur.Exec(context.Background())
		return errors.Is(err, ErrCursorClosed)
	}, time.Second, 5*time.Millisecond)
}

func TestClose_RejectsFurtherOperations(t *testing.T) {
	ctx := context.Background()
	c := newCollection(t, Options{})

	var closed bool
	c.Subscribe(func(ev Event) {
		if ev.Type == globalconst.EventClose {
			closed = true
		}
	})
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	assert.True(t, closed)

	_, err := c.Insert(ctx, document.Document{"a": 1})
	assert.ErrorIs(t, err, ErrCollectionClosed)
	_, err = c.Find(nil).Docs(ctx)
	assert.ErrorIs(t, err, ErrCollectionClosed)
	assert.ErrorIs(t, c.EnsureIndex(ctx, index.Options{Fields: []string{"a"}}), ErrCollectionClosed)
}

func TestNew_RequiresStore(t *testing.T) {
	_, err := New(context.Background(), Options{})
	assert.ErrorIs(t, err, ErrNoStore)
}

func TestFind_SubMillisecondDatesMatchWithAndWithoutIndex(t *testing.T) {
	ctx := context.Background()
	when := time.Date(2024, 3, 1, 10, 4, 5, 123456789, time.UTC)
	plain := newCollection(t, Options{Name: "plain"})
	indexed := newCollection(t, Options{Name: "indexed"})
	require.NoError(t, indexed.EnsureIndex(ctx, index.Options{Fields: []string{"d"}}))

	for _, c := range []*Collection{plain, indexed} {
		out, err := c.Insert(ctx, document.Document{globalconst.ID: "x", "d": when})
		require.NoError(t, err)
		assert.Equal(t, 123000000, out[0]["d"].(time.Time).Nanosecond())

		for _, q := range []query.Query{
			{"d": when},
			{"d": map[string]any{"$gte": when}},
			{"d": map[string]any{"$in": []any{when}}},
		} {
			docs, err := c.Find(q).Docs(ctx)
			require.NoError(t, err, "%s %v", c.Name(), q)
			assert.Equal(t, []string{"x"}, docIDs(docs), "%s %v", c.Name(), q)
		}

		got, err := c.Get(ctx, "x")
		require.NoError(t, err)
		assert.True(t, document.Equal(out[0], got), "%s: stored %v, read back %v", c.Name(), out[0], got)
	}
}

func TestFind_WaitsForRoomInRefusingReadQueue(t *testing.T) {
	ctx := context.Background()
	c := newCollection(t, Options{FetchLimit: 2, FetchQueueRatio: 1})

	docs := make([]document.Document, 50)
	for i := range docs {
		docs[i] = document.Document{"n": i}
	}
	_, err := c.Insert(ctx, docs...)
	require.NoError(t, err)

	found, err := c.Find(query.Query{}).Docs(ctx)
	require.NoError(t, err)
	assert.Len(t, found, 50)

	n, err := c.Count(ctx, query.Query{})
	require.NoError(t, err)
	assert.Equal(t, 50, n)

	found, err = c.Find(query.Query{"n": map[string]any{"$gte": 10}}).Sort("n", 1).Docs(ctx)
	require.NoError(t, err)
	require.Len(t, found, 40)
	assert.Equal(t, 10.0, found[0]["n"])
	assert.Equal(t, 49.0, found[39]["n"])

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	_, err = c.Find(query.Query{}).Docs(cctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestInsert_EventsCarryAssignedIDs(t *testing.T) {
	ctx := context.Background()
	c := newCollection(t, Options{})

	var (
		mu     sync.Mutex
		events []Event
	)
	defer c.Subscribe(func(ev Event) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	})()

	out, err := c.Insert(ctx, document.Document{"a": 1}, document.Document{globalconst.ID: "mine", "a": 2})
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	var inserts []string
	for _, ev := range events {
		if ev.Type == globalconst.EventInsert {
			require.NotEmpty(t, ev.ID)
			assert.Equal(t, ev.ID, document.ID(ev.Doc))
			inserts = append(inserts, ev.ID)
		}
	}
	assert.Equal(t, []string{document.ID(out[0]), "mine"}, inserts)
}

func TestInsert_RejectsNonFiniteNumbers(t *testing.T) {
	ctx := context.Background()
	c := newCollection(t, Options{})

	var verr *document.ValidationError
	_, err := c.Insert(ctx, document.Document{"n": math.NaN()})
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "n", verr.Key)

	_, err = c.Insert(ctx, document.Document{"l": []any{math.Inf(-1)}})
	assert.True(t, errors.As(err, &verr))

	n, err := c.Count(ctx, query.Query{})
	require.NoError(t, err)
	assert.Zero(t, n)

	// NaN is still usable as a query operand.
	_, err = c.Insert(ctx, document.Document{"n": 1})
	require.NoError(t, err)
	docs, err := c.Find(query.Query{"n": map[string]any{"$gt": math.NaN()}}).Docs(ctx)
	require.NoError(t, err)
	assert.Len(t, docs, 1)
}
