// Package collection implements document collections: indexes kept in memory over a
// pluggable key/value store, a write pipeline serialized through a limiter, and the
// cursor query engine.
package collection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/sync/errgroup"

	"memory-docs/internal/document"
	"memory-docs/internal/globalconst"
	"memory-docs/internal/index"
	"memory-docs/internal/limiter"
	"memory-docs/internal/metrics"
	"memory-docs/internal/query"
	"memory-docs/internal/store"
)

// Collection is a named set of documents, its indexes and its backing store.
type Collection struct {
	name string
	opts Options
	kv   store.KVStore

	// mu guards the index set and the content of every index tree.
	mu      sync.RWMutex
	indexes map[string]*index.Index
	order   []string
	ids     *index.Index

	writes *limiter.Limiter
	reads  *limiter.Limiter
	locks  *lockTable

	subs    *xsync.MapOf[uint64, func(Event)]
	nextSub atomic.Uint64
	closed  atomic.Bool
}

// New opens a collection over opts.Store and builds the _id index plus opts.Indexes
// from its content. The collection owns the store from then on and closes it in Close.
func New(ctx context.Context, opts Options) (*Collection, error) {
	if opts.Store == nil {
		return nil, ErrNoStore
	}
	opts.setDefaults()

	c := &Collection{
		name:    opts.Name,
		opts:    opts,
		kv:      opts.Store,
		indexes: make(map[string]*index.Index),
		locks:   newLockTable(),
		subs:    xsync.NewMapOf[uint64, func(Event)](),
	}
	c.writes = limiter.New(limiter.Options{
		Name:       opts.Name + "/writes",
		Limit:      1,
		Timeout:    opts.WriteTimeout,
		OnFull:     c.onFull("writes"),
		OnOutdated: c.onOutdated("writes"),
		OnChange:   c.observeQueue("writes"),
	})
	c.reads = limiter.New(limiter.Options{
		Name:       opts.Name + "/reads",
		Limit:      opts.FetchLimit,
		Ratio:      opts.FetchQueueRatio,
		Refuse:     opts.FetchQueueRatio > 0,
		Timeout:    opts.ReadTimeout,
		OnFull:     c.onFull("reads"),
		OnOutdated: c.onOutdated("reads"),
		OnChange:   c.observeQueue("reads"),
	})

	ids, err := index.New(index.Options{Fields: []string{globalconst.ID}, Unique: true})
	if err != nil {
		return nil, err
	}
	c.ids = ids
	c.addIndex(ids)
	for _, io := range opts.Indexes {
		idx, err := index.New(io)
		if err != nil {
			return nil, fmt.Errorf("invalid index %v: %w", io.Fields, err)
		}
		if _, exists := c.indexes[idx.Name()]; !exists {
			c.addIndex(idx)
		}
	}

	if err := c.BuildIndexes(ctx); err != nil {
		c.writes.Stop()
		c.reads.Stop()
		return nil, fmt.Errorf("failed to open collection '%s': %w", c.name, err)
	}
	slog.Info("Collection opened", "collection", c.name, "documents", c.ids.NumKeys(), "indexes", len(c.order))
	return c, nil
}

func (c *Collection) Name() string { return c.name }

func (c *Collection) onOutdated(queue string) func(error) {
	return func(err error) {
		metrics.OutdatedCount.WithLabelValues(c.name, queue).Inc()
		slog.Warn("Late completion discarded", "collection", c.name, "queue", queue, "error", err)
	}
}

func (c *Collection) onFull(queue string) func(depth int) {
	return func(depth int) {
		metrics.QueueFullCount.WithLabelValues(c.name, queue).Inc()
		slog.Debug("Queue backlogged", "collection", c.name, "queue", queue, "depth", depth)
	}
}

func (c *Collection) observeQueue(queue string) func(queued, active int) {
	return func(queued, _ int) {
		metrics.QueueDepth.WithLabelValues(c.name, queue).Set(float64(queued))
	}
}

func (c *Collection) addIndex(idx *index.Index) {
	c.indexes[idx.Name()] = idx
	c.order = append(c.order, idx.Name())
}

// indexFor returns the single-field index on field, if any. c.mu must be held.
func (c *Collection) indexFor(field string) *index.Index {
	return c.indexes[field]
}

// EnsureIndex creates the index if it does not exist yet and builds it. An index whose
// build fails (for instance a unique index over duplicate values) is dropped again.
func (c *Collection) EnsureIndex(ctx context.Context, opts index.Options) error {
	if c.closed.Load() {
		return ErrCollectionClosed
	}
	idx, err := index.New(opts)
	if err != nil {
		return err
	}
	name := idx.Name()

	c.mu.Lock()
	if existing, ok := c.indexes[name]; ok {
		c.mu.Unlock()
		if existing.Unique() != opts.Unique || existing.Sparse() != opts.Sparse {
			return fmt.Errorf("index '%s' already exists with different options", name)
		}
		return nil
	}
	c.addIndex(idx)
	c.mu.Unlock()
	slog.Info("Index created", "collection", c.name, "index", name, "unique", opts.Unique, "sparse", opts.Sparse)

	if err := c.BuildIndexes(ctx); err != nil && !idx.Ready() {
		c.mu.Lock()
		c.dropIndex(name)
		c.mu.Unlock()
		return fmt.Errorf("failed to build index '%s': %w", name, err)
	}
	return nil
}

// RemoveIndex drops the index with the given name (its fields joined by commas).
func (c *Collection) RemoveIndex(ctx context.Context, name string) error {
	if c.closed.Load() {
		return ErrCollectionClosed
	}
	if name == globalconst.ID {
		return ErrCannotRemoveIDIndex
	}
	return c.writes.Do(ctx, func() error {
		c.mu.Lock()
		defer c.mu.Unlock()
		if _, ok := c.indexes[name]; !ok {
			return fmt.Errorf("%w: %s", ErrIndexNotFound, name)
		}
		c.dropIndex(name)
		slog.Info("Index deleted", "collection", c.name, "index", name)
		return nil
	})
}

// dropIndex removes an index from the set. c.mu must be held.
func (c *Collection) dropIndex(name string) {
	delete(c.indexes, name)
	for i, n := range c.order {
		if n == name {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}

// Indexes describes every index, _id first, then in creation order.
func (c *Collection) Indexes() []IndexInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]IndexInfo, 0, len(c.order))
	for _, name := range c.order {
		idx := c.indexes[name]
		out = append(out, IndexInfo{
			Options:  idx.Options(),
			Name:     name,
			Ready:    idx.Ready(),
			NumKeys:  idx.NumKeys(),
			MultiKey: idx.MultiKey(),
		})
	}
	return out
}

// BuildIndexes rebuilds every not-ready index from a full store scan. Builds are queued
// behind, and block, every write.
func (c *Collection) BuildIndexes(ctx context.Context) error {
	if c.closed.Load() {
		return ErrCollectionClosed
	}
	return c.writes.Do(ctx, func() error { return c.build(ctx) })
}

func (c *Collection) build(ctx context.Context) error {
	c.mu.RLock()
	var pending []*index.Index
	for _, name := range c.order {
		if idx := c.indexes[name]; !idx.Ready() {
			pending = append(pending, idx)
		}
	}
	c.mu.RUnlock()
	if len(pending) == 0 {
		return nil
	}

	start := time.Now()
	var docs []document.Document
	err := c.kv.Scan(ctx, func(key string, raw []byte) error {
		doc, err := document.Deserialize(raw)
		if err != nil {
			slog.Warn("Skipping undecodable document", "collection", c.name, "key", key, "error", err)
			return nil
		}
		if _, ok := doc[globalconst.ID]; !ok {
			doc[globalconst.ID] = key
		}
		if c.ids.Ready() {
			// Reuse the object the _id index already holds so every index shares it.
			c.mu.RLock()
			existing := c.ids.GetMatching(document.ID(doc))
			c.mu.RUnlock()
			if len(existing) == 1 {
				doc = existing[0]
			}
		}
		docs = append(docs, doc)
		return nil
	})
	if err != nil {
		metrics.RebuildCount.WithLabelValues(c.name, "error").Inc()
		return fmt.Errorf("failed to scan store for index build: %w", err)
	}

	var errs []error
	c.mu.Lock()
	for _, idx := range pending {
		if err := idx.Reset(docs...); err != nil {
			_ = idx.Reset()
			errs = append(errs, fmt.Errorf("index '%s': %w", idx.Name(), err))
			continue
		}
		idx.MarkReady()
	}
	c.mu.Unlock()

	metrics.RebuildDuration.WithLabelValues(c.name).Observe(time.Since(start).Seconds())
	if len(errs) > 0 {
		metrics.RebuildCount.WithLabelValues(c.name, "error").Inc()
		return errors.Join(errs...)
	}
	metrics.RebuildCount.WithLabelValues(c.name, "ok").Inc()
	slog.Info("Indexes rebuilt", "collection", c.name, "indexes", len(pending), "documents", len(docs), "duration", time.Since(start))
	return nil
}

// View runs fn against the backing store while no write is in progress.
func (c *Collection) View(ctx context.Context, fn func(kv store.KVStore) error) error {
	if c.closed.Load() {
		return ErrCollectionClosed
	}
	return c.writes.Do(ctx, func() error { return fn(c.kv) })
}

// Replace runs fn against the backing store while no write is in progress, then rebuilds
// every index from the store content.
func (c *Collection) Replace(ctx context.Context, fn func(kv store.KVStore) error) error {
	if c.closed.Load() {
		return ErrCollectionClosed
	}
	return c.writes.Do(ctx, func() error {
		fnErr := fn(c.kv)
		c.mu.Lock()
		for _, idx := range c.indexes {
			idx.MarkNotReady()
		}
		c.mu.Unlock()
		if err := c.build(ctx); err != nil {
			return errors.Join(fnErr, err)
		}
		return fnErr
	})
}

// prepare copies a caller document into its stored form.
func (c *Collection) prepare(doc document.Document) (document.Document, error) {
	cp := document.CopyDocument(doc)
	if cp == nil {
		cp = document.Document{}
	}
	document.Normalize(cp)
	if err := applyWrite(c.opts.Fields, cp); err != nil {
		return nil, err
	}
	if err := document.CheckObject(cp); err != nil {
		return nil, err
	}
	if v, ok := cp[globalconst.ID]; ok {
		if s, isString := v.(string); !isString || s == "" {
			return nil, &document.ValidationError{Key: globalconst.ID, Reason: "must be a non-empty string"}
		}
	}
	return cp, nil
}

// normalizeQuery copies q with its operands in stored form, so dates compare at the
// precision they are kept at.
func normalizeQuery(q query.Query) query.Query {
	if q == nil {
		return query.Query{}
	}
	return document.Normalize(document.DeepCopy(q)).(map[string]any)
}

// present copies stored documents for the caller and adds computed fields.
func (c *Collection) present(docs []document.Document) ([]document.Document, error) {
	out := make([]document.Document, len(docs))
	for i, d := range docs {
		cp := document.CopyDocument(d)
		if err := applyRead(c.opts.Fields, cp); err != nil {
			return nil, err
		}
		out[i] = cp
	}
	return out, nil
}

// Insert validates and stores documents, assigning an _id where missing. Either every
// document reaches the indexes or none does.
func (c *Collection) Insert(ctx context.Context, docs ...document.Document) ([]document.Document, error) {
	if c.closed.Load() {
		return nil, ErrCollectionClosed
	}
	prepared := make([]document.Document, len(docs))
	for i, d := range docs {
		p, err := c.prepare(d)
		if err != nil {
			return nil, err
		}
		prepared[i] = p
	}
	c.mu.RLock()
	c.assignIDs(prepared)
	c.mu.RUnlock()
	for _, p := range prepared {
		c.emit(Event{Type: globalconst.EventInsert, ID: document.ID(p), Doc: document.CopyDocument(p)})
	}

	if err := c.writes.Do(ctx, func() error { return c.insertDocs(ctx, prepared) }); err != nil {
		return nil, err
	}
	metrics.OperationCount.WithLabelValues(c.name, "insert").Add(float64(len(prepared)))
	slog.Debug("Documents inserted", "collection", c.name, "count", len(prepared))
	c.emitDocs(globalconst.EventInserted, prepared)
	return c.present(prepared)
}

// insertDocs runs inside the write queue. The documents are pinned in the lock table
// before c.mu is released and stay pinned until the store holds them.
func (c *Collection) insertDocs(ctx context.Context, docs []document.Document) error {
	c.mu.Lock()
	c.assignIDs(docs)
	if err := c.indexInsert(docs); err != nil {
		c.mu.Unlock()
		return err
	}
	ids := c.locks.acquireAll(docs, false)
	c.mu.Unlock()
	defer c.locks.releaseAll(ids)

	return c.persist(ctx, docs)
}

// assignIDs gives every doc without an _id a fresh one. c.mu must be held.
func (c *Collection) assignIDs(docs []document.Document) {
	batch := make(map[string]struct{}, len(docs))
	for _, d := range docs {
		if _, ok := d[globalconst.ID]; ok {
			batch[document.ID(d)] = struct{}{}
		}
	}
	for _, d := range docs {
		if _, ok := d[globalconst.ID]; !ok {
			id := c.newID(batch)
			d[globalconst.ID] = id
			batch[id] = struct{}{}
		}
	}
}

// newID draws random ids until one is free. c.mu must be held.
func (c *Collection) newID(batch map[string]struct{}) string {
	for {
		id := uuid.NewString()
		if _, taken := batch[id]; taken {
			continue
		}
		if len(c.ids.GetMatching(id)) == 0 {
			return id
		}
	}
}

// indexInsert adds docs to every ready index, undoing earlier indexes on failure.
// c.mu must be held.
func (c *Collection) indexInsert(docs []document.Document) error {
	for i, name := range c.order {
		idx := c.indexes[name]
		if !idx.Ready() {
			continue
		}
		if err := idx.Insert(docs...); err != nil {
			for j := i - 1; j >= 0; j-- {
				if prev := c.indexes[c.order[j]]; prev.Ready() {
					prev.Remove(docs...)
				}
			}
			return err
		}
	}
	return nil
}

// indexUpdate applies pairs to every ready index, reverting earlier indexes on failure.
// c.mu must be held.
func (c *Collection) indexUpdate(pairs []index.Pair) error {
	for i, name := range c.order {
		idx := c.indexes[name]
		if !idx.Ready() {
			continue
		}
		if err := idx.UpdateMultiple(pairs...); err != nil {
			for j := i - 1; j >= 0; j-- {
				if prev := c.indexes[c.order[j]]; prev.Ready() {
					if rerr := prev.RevertMultiple(pairs...); rerr != nil {
						slog.Error("Failed to revert index update", "collection", c.name, "index", prev.Name(), "error", rerr)
					}
				}
			}
			return err
		}
	}
	return nil
}

// persist writes docs to the store with bounded parallelism. Indexes are not rolled back
// when this fails.
func (c *Collection) persist(ctx context.Context, docs []document.Document) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.opts.FetchLimit)
	for _, d := range docs {
		id := document.ID(d)
		raw, err := document.Serialize(d)
		if err != nil {
			return err
		}
		g.Go(func() error {
			if err := c.kv.Put(gctx, id, raw); err != nil {
				return fmt.Errorf("failed to persist document %q: %w", id, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		slog.Error("Persistence failed after index update", "collection", c.name, "error", err)
		return err
	}
	return nil
}

func (c *Collection) unpersist(ctx context.Context, docs []document.Document) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.opts.FetchLimit)
	for _, d := range docs {
		id := document.ID(d)
		g.Go(func() error {
			if err := c.kv.Delete(gctx, id); err != nil {
				return fmt.Errorf("failed to delete document %q: %w", id, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		slog.Error("Store deletion failed after index update", "collection", c.name, "error", err)
		return err
	}
	return nil
}

// matching resolves the documents of q as held by the indexes, in plan order. Without
// multi only the first match is returned. Runs inside the write queue.
func (c *Collection) matching(q query.Query, multi bool) ([]document.Document, error) {
	q = normalizeQuery(q)
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, err := c.planLocked(q)
	if err != nil {
		return nil, err
	}
	var out []document.Document
	for _, doc := range c.candidatesLocked(p) {
		ok, err := query.Match(doc, q)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		out = append(out, doc)
		if !multi {
			break
		}
	}
	return out, nil
}

func (c *Collection) modify(modifier Modifier, doc document.Document) (out document.Document, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("modifier panicked: %v", r)
		}
	}()
	out, err = modifier(doc)
	if err == nil && out == nil {
		err = errors.New("modifier returned no document")
	}
	return out, err
}

// Update applies modifier to the documents matching q. With Upsert and no match, a
// document built from the plain equalities of q is passed through modifier and inserted.
func (c *Collection) Update(ctx context.Context, q query.Query, modifier Modifier, opts UpdateOptions) (UpdateResult, error) {
	if c.closed.Load() {
		return UpdateResult{}, ErrCollectionClosed
	}
	if modifier == nil {
		return UpdateResult{}, ErrNoModifier
	}
	c.emit(Event{Type: globalconst.EventUpdate, Query: q})

	var (
		res      UpdateResult
		updated  []document.Document
		inserted []document.Document
	)
	err := c.writes.Do(ctx, func() error {
		var err error
		res, updated, inserted, err = c.updateDocs(ctx, q, modifier, opts)
		return err
	})
	if err != nil {
		return UpdateResult{}, err
	}

	if len(inserted) > 0 {
		metrics.OperationCount.WithLabelValues(c.name, "upsert").Inc()
		c.emitDocs(globalconst.EventInserted, inserted)
		updated = inserted
	} else {
		metrics.OperationCount.WithLabelValues(c.name, "update").Add(float64(len(updated)))
		c.emitDocs(globalconst.EventUpdated, updated)
	}
	if opts.ReturnUpdatedDocs {
		if res.Docs, err = c.present(updated); err != nil {
			return res, err
		}
	}
	slog.Debug("Documents updated", "collection", c.name, "matched", res.Matched, "upserted", res.Upserted)
	return res, nil
}

func (c *Collection) updateDocs(ctx context.Context, q query.Query, modifier Modifier, opts UpdateOptions) (UpdateResult, []document.Document, []document.Document, error) {
	matches, err := c.matching(q, opts.Multi)
	if err != nil {
		return UpdateResult{}, nil, nil, err
	}

	if len(matches) == 0 {
		if !opts.Upsert {
			return UpdateResult{}, nil, nil, nil
		}
		base := query.Literals(q)
		if err := document.CheckObject(base); err != nil {
			return UpdateResult{}, nil, nil, err
		}
		modified, err := c.modify(modifier, base)
		if err != nil {
			return UpdateResult{}, nil, nil, err
		}
		prepared, err := c.prepare(modified)
		if err != nil {
			return UpdateResult{}, nil, nil, err
		}
		docs := []document.Document{prepared}
		if err := c.insertDocs(ctx, docs); err != nil {
			return UpdateResult{}, nil, nil, err
		}
		return UpdateResult{Upserted: true}, nil, docs, nil
	}

	pairs := make([]index.Pair, 0, len(matches))
	for _, old := range matches {
		modified, err := c.modify(modifier, document.CopyDocument(old))
		if err != nil {
			return UpdateResult{}, nil, nil, err
		}
		if id, present := modified[globalconst.ID]; present && !document.Equal(id, old[globalconst.ID]) {
			return UpdateResult{}, nil, nil, ErrCannotModifyID
		}
		modified[globalconst.ID] = old[globalconst.ID]
		prepared, err := c.prepare(modified)
		if err != nil {
			return UpdateResult{}, nil, nil, err
		}
		pairs = append(pairs, index.Pair{Old: old, New: prepared})
	}

	updated := make([]document.Document, len(pairs))
	for i, p := range pairs {
		updated[i] = p.New
	}
	c.mu.Lock()
	if err := c.indexUpdate(pairs); err != nil {
		c.mu.Unlock()
		return UpdateResult{}, nil, nil, err
	}
	ids := c.locks.acquireAll(updated, false)
	c.mu.Unlock()
	defer c.locks.releaseAll(ids)

	if err := c.persist(ctx, updated); err != nil {
		return UpdateResult{}, nil, nil, err
	}
	return UpdateResult{Matched: len(pairs)}, updated, nil, nil
}

// Remove deletes the documents matching q, only the first unless opts.Multi is set, and
// returns how many were removed.
func (c *Collection) Remove(ctx context.Context, q query.Query, opts RemoveOptions) (int, error) {
	if c.closed.Load() {
		return 0, ErrCollectionClosed
	}
	c.emit(Event{Type: globalconst.EventRemove, Query: q})

	var removed []document.Document
	err := c.writes.Do(ctx, func() error {
		matches, err := c.matching(q, opts.Multi)
		if err != nil || len(matches) == 0 {
			return err
		}
		c.mu.Lock()
		for _, name := range c.order {
			if idx := c.indexes[name]; idx.Ready() {
				idx.Remove(matches...)
			}
		}
		ids := c.locks.acquireAll(matches, true)
		c.mu.Unlock()
		defer c.locks.releaseAll(ids)

		removed = matches
		return c.unpersist(ctx, matches)
	})
	if err != nil {
		return 0, err
	}
	metrics.OperationCount.WithLabelValues(c.name, "remove").Add(float64(len(removed)))
	c.emitDocs(globalconst.EventRemoved, removed)
	return len(removed), nil
}

// fetch reads one document, preferring the version pinned by an in-flight write.
func (c *Collection) fetch(ctx context.Context, id string) (document.Document, error) {
	if doc, removed, ok := c.locks.snapshot(id); ok {
		if removed {
			return nil, store.ErrNotFound
		}
		return doc, nil
	}
	raw, err := c.kv.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return document.Deserialize(raw)
}

// Get reads the document with the given _id. A missing document is an error wrapping
// store.ErrNotFound.
func (c *Collection) Get(ctx context.Context, id string) (document.Document, error) {
	if c.closed.Load() {
		return nil, ErrCollectionClosed
	}
	var doc document.Document
	err := c.reads.Do(ctx, func() error {
		var err error
		doc, err = c.fetch(ctx, id)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("document %q: %w", id, err)
	}
	if err := applyRead(c.opts.Fields, doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// Find returns a cursor over the documents matching q. A nil query matches everything.
func (c *Collection) Find(q query.Query) *Cursor {
	return newCursor(c, q)
}

// FindOne returns the first document matching q, or nil.
func (c *Collection) FindOne(ctx context.Context, q query.Query) (document.Document, error) {
	docs, err := c.Find(q).Limit(1).Docs(ctx)
	if err != nil || len(docs) == 0 {
		return nil, err
	}
	return docs[0], nil
}

// Count returns the number of documents matching q.
func (c *Collection) Count(ctx context.Context, q query.Query) (int, error) {
	res, err := c.Find(q).Count().Exec(ctx)
	if err != nil {
		return 0, err
	}
	return res.Count, nil
}

// Close waits for queued writes, notifies subscribers, invalidates live cursors and
// closes the backing store.
func (c *Collection) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	if err := c.writes.Drain(context.Background()); err != nil {
		slog.Warn("Pending writes not drained", "collection", c.name, "error", err)
	}
	c.emit(Event{Type: globalconst.EventClose})
	c.writes.Stop()
	c.reads.Stop()
	err := c.kv.Close()
	slog.Info("Collection closed", "collection", c.name)
	return err
}
