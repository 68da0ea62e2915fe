package collection

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"memory-docs/internal/document"
	"memory-docs/internal/index"
	"memory-docs/internal/metrics"
	"memory-docs/internal/query"
)

type sortKey struct {
	field string
	order int
}

// Result is the outcome of one cursor execution. Items holds the documents, or what Map
// made of them. Value is set by Reduce and Aggregate.
type Result struct {
	Docs  []document.Document
	Items []any
	Value any
	Count int
}

// Cursor is a query bound to a collection. The builder methods configure it and return
// the cursor for chaining; Exec runs it. A cursor that is not live is closed after Exec.
type Cursor struct {
	c *Collection
	q query.Query

	limit   int
	skip    int
	sorts   []sortKey
	sortFn  func(a, b document.Document) int
	filters []func(doc document.Document) (bool, error)
	mapFn   func(doc document.Document) (any, error)

	reduceFn   func(acc, item any) (any, error)
	reduceInit any
	aggFn      func(items []any) (any, error)
	counting   bool

	mu     sync.Mutex
	closed bool
	stream *docStream
	live   *liveState
}

func newCursor(c *Collection, q query.Query) *Cursor {
	return &Cursor{c: c, q: normalizeQuery(q)}
}

func (cur *Cursor) Limit(n int) *Cursor {
	cur.limit = n
	return cur
}

func (cur *Cursor) Skip(n int) *Cursor {
	cur.skip = n
	return cur
}

// Sort adds a sort key. A negative order sorts descending. Keys apply in the order added.
func (cur *Cursor) Sort(field string, order int) *Cursor {
	if order < 0 {
		order = -1
	} else {
		order = 1
	}
	cur.sorts = append(cur.sorts, sortKey{field: field, order: order})
	return cur
}

// SortFunc sorts with a custom comparator instead of the sort keys.
func (cur *Cursor) SortFunc(fn func(a, b document.Document) int) *Cursor {
	cur.sortFn = fn
	return cur
}

// Filter drops documents for which fn returns false. Filters run as documents arrive,
// before sorting.
func (cur *Cursor) Filter(fn func(doc document.Document) (bool, error)) *Cursor {
	cur.filters = append(cur.filters, fn)
	return cur
}

func (cur *Cursor) Map(fn func(doc document.Document) (any, error)) *Cursor {
	cur.mapFn = fn
	return cur
}

func (cur *Cursor) Reduce(fn func(acc, item any) (any, error), initial any) *Cursor {
	cur.reduceFn = fn
	cur.reduceInit = initial
	return cur
}

// Aggregate computes Result.Value from the final items. It runs after Reduce, whose
// value it then receives as a single item.
func (cur *Cursor) Aggregate(fn func(items []any) (any, error)) *Cursor {
	cur.aggFn = fn
	return cur
}

// Count asks for Result.Count only; no documents are returned.
func (cur *Cursor) Count() *Cursor {
	cur.counting = true
	return cur
}

// Docs runs the cursor and returns its documents.
func (cur *Cursor) Docs(ctx context.Context) ([]document.Document, error) {
	res, err := cur.Exec(ctx)
	if err != nil {
		return nil, err
	}
	return res.Docs, nil
}

// Exec runs the query pipeline: plan, build missing indexes and replan, fetch, then
// sort, skip/limit, map, reduce, aggregate and count.
func (cur *Cursor) Exec(ctx context.Context) (Result, error) {
	res, err := cur.exec(ctx)
	cur.mu.Lock()
	live := cur.live != nil
	cur.mu.Unlock()
	if !live {
		cur.Close()
	}
	return res, err
}

func (cur *Cursor) exec(ctx context.Context) (Result, error) {
	docs, windowed, err := cur.fetch(ctx)
	if err != nil {
		return Result{}, err
	}
	return cur.finish(docs, windowed)
}

func (cur *Cursor) isClosed() bool {
	cur.mu.Lock()
	defer cur.mu.Unlock()
	return cur.closed
}

// plan resolves the candidates, creating indexes for unindexed fields when enabled.
func (cur *Cursor) plan(ctx context.Context) (plan, []string, error) {
	c := cur.c
	resolve := func() (plan, []string, error) {
		c.mu.RLock()
		defer c.mu.RUnlock()
		p, err := c.planLocked(cur.q)
		if err != nil {
			return plan{}, nil, err
		}
		docs := c.candidatesLocked(p)
		ids := make([]string, len(docs))
		for i, d := range docs {
			ids[i] = document.ID(d)
		}
		return p, ids, nil
	}

	p, ids, err := resolve()
	if err != nil || len(p.missing) == 0 || !c.opts.AutoIndex {
		return p, ids, err
	}
	for _, field := range p.missing {
		c.mu.Lock()
		if _, exists := c.indexes[field]; !exists {
			idx, err := index.New(index.Options{Fields: []string{field}})
			if err == nil {
				c.addIndex(idx)
				slog.Info("Index created", "collection", c.name, "index", field, "auto", true)
			}
		}
		c.mu.Unlock()
	}
	if err := c.BuildIndexes(ctx); err != nil {
		// The query still runs unindexed.
		slog.Warn("Automatic index build failed", "collection", c.name, "error", err)
	}
	return resolve()
}

// fetch streams the planned documents. windowed reports that skip and limit were
// already applied to the candidate ids.
func (cur *Cursor) fetch(ctx context.Context) (docs []document.Document, windowed bool, err error) {
	if cur.isClosed() {
		return nil, false, ErrCursorClosed
	}
	if cur.c.closed.Load() {
		return nil, false, ErrCollectionClosed
	}
	p, ids, err := cur.plan(ctx)
	if err != nil {
		return nil, false, err
	}

	if p.indexed && len(cur.filters) == 0 && cur.sortSatisfied(p) {
		ids = window(ids, cur.skip, cur.limit)
		windowed = true
	}

	s := cur.c.openStream(ctx, ids)
	cur.mu.Lock()
	if cur.closed {
		cur.mu.Unlock()
		s.Close()
		return nil, false, ErrCursorClosed
	}
	cur.stream = s
	cur.mu.Unlock()
	defer s.Close()

	for {
		doc, ok, err := s.Next(ctx)
		if err != nil {
			return nil, false, err
		}
		if !ok {
			break
		}
		if !p.indexed {
			matched, err := query.Match(doc, cur.q)
			if err != nil {
				s.fail(err)
				return nil, false, err
			}
			if !matched {
				continue
			}
		}
		if err := applyRead(cur.c.opts.Fields, doc); err != nil {
			s.fail(err)
			return nil, false, err
		}
		keep, err := cur.filter(doc)
		if err != nil {
			s.fail(err)
			return nil, false, err
		}
		if keep {
			docs = append(docs, doc)
		}
	}
	metrics.OperationCount.WithLabelValues(cur.c.name, "find").Inc()
	return docs, windowed, nil
}

// sortSatisfied reports whether the candidate order already is the requested order.
func (cur *Cursor) sortSatisfied(p plan) bool {
	if cur.sortFn != nil {
		return false
	}
	switch len(cur.sorts) {
	case 0:
		return true
	case 1:
		return p.orderBy != "" && cur.sorts[0].field == p.orderBy && cur.sorts[0].order > 0
	}
	return false
}

func (cur *Cursor) filter(doc document.Document) (keep bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("filter panicked: %v", r)
		}
	}()
	for _, fn := range cur.filters {
		if keep, err = fn(doc); err != nil || !keep {
			return false, err
		}
	}
	return true, nil
}

func (cur *Cursor) finish(docs []document.Document, windowed bool) (res Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			res, err = Result{}, fmt.Errorf("cursor stage panicked: %v", r)
		}
	}()

	switch {
	case cur.sortFn != nil:
		sort.SliceStable(docs, func(i, j int) bool { return cur.sortFn(docs[i], docs[j]) < 0 })
	case len(cur.sorts) > 0 && !windowed:
		sort.SliceStable(docs, func(i, j int) bool {
			for _, k := range cur.sorts {
				cmp := document.Compare(document.GetDotValue(docs[i], k.field), document.GetDotValue(docs[j], k.field))
				if cmp != 0 {
					return cmp*k.order < 0
				}
			}
			return false
		})
	}
	if !windowed {
		docs = window(docs, cur.skip, cur.limit)
	}

	if cur.counting {
		return Result{Count: len(docs)}, nil
	}
	res.Count = len(docs)

	items := make([]any, len(docs))
	for i, d := range docs {
		items[i] = d
	}
	if cur.mapFn != nil {
		for i, d := range docs {
			if items[i], err = cur.mapFn(d); err != nil {
				return Result{}, err
			}
		}
	} else {
		res.Docs = docs
	}
	res.Items = items

	if cur.reduceFn != nil {
		acc := cur.reduceInit
		for _, it := range items {
			if acc, err = cur.reduceFn(acc, it); err != nil {
				return Result{}, err
			}
		}
		res.Value = acc
		items = []any{acc}
	}
	if cur.aggFn != nil {
		if res.Value, err = cur.aggFn(items); err != nil {
			return Result{}, err
		}
	}
	return res, nil
}

// window applies skip and limit. A limit of zero means no limit.
func window[T any](s []T, skip, limit int) []T {
	if skip > 0 {
		if skip >= len(s) {
			return nil
		}
		s = s[skip:]
	}
	if limit > 0 && limit < len(s) {
		s = s[:limit]
	}
	return s
}

// Close marks the cursor closed. A fetch in progress fails with ErrCursorClosed.
func (cur *Cursor) Close() {
	cur.mu.Lock()
	cur.closed = true
	s := cur.stream
	cur.stream = nil
	live := cur.live
	cur.live = nil
	cur.mu.Unlock()
	if s != nil {
		s.Close()
	}
	if live != nil {
		live.stop()
	}
}
