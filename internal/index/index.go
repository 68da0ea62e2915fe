package index

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/google/btree"

	"memory-docs/internal/document"
	"memory-docs/internal/globalconst"
)

const btreeDegree = 32 // Degree of the B-Tree, can be tuned for performance.

// Options declares an index. More than one field makes a compound index.
type Options struct {
	Fields []string `json:"fields"`
	Unique bool     `json:"unique,omitempty"`
	Sparse bool     `json:"sparse,omitempty"`
}

// Name is the canonical name of the index: its fields joined by commas.
func (o Options) Name() string {
	return strings.Join(o.Fields, ",")
}

// Pair is one document update as seen by an index.
type Pair struct {
	Old document.Document
	New document.Document
}

// entry is one node payload: a key and the documents holding it, by _id.
type entry struct {
	key  any
	docs map[string]document.Document
}

// compoundKey holds the values of a compound index in declared field order.
type compoundKey []any

func (k compoundKey) String() string {
	parts := make([]string, len(k))
	for i, v := range k {
		parts[i] = fmt.Sprintf("%v", v)
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

func compareKeys(a, b any) int {
	ca, okA := a.(compoundKey)
	cb, okB := b.(compoundKey)
	if okA && okB {
		for i := 0; i < len(ca) && i < len(cb); i++ {
			if c := document.Compare(ca[i], cb[i]); c != 0 {
				return c
			}
		}
		return len(ca) - len(cb)
	}
	return document.Compare(a, b)
}

func entryLess(a, b *entry) bool {
	return compareKeys(a.key, b.key) < 0
}

// Index maps the value of one field (or a tuple of fields) to the documents holding it.
// Every index of a collection stores the same document objects.
//
// An Index is not safe for concurrent mutation; the owning collection serializes writers.
type Index struct {
	opts     Options
	tree     *btree.BTreeG[*entry]
	ready    atomic.Bool
	multiKey int
}

// New creates an empty, not-ready index.
func New(opts Options) (*Index, error) {
	if len(opts.Fields) == 0 {
		return nil, ErrNoFields
	}
	for _, f := range opts.Fields {
		if f == "" {
			return nil, ErrNoFields
		}
	}
	return &Index{
		opts: opts,
		tree: btree.NewG[*entry](btreeDegree, entryLess),
	}, nil
}

func (idx *Index) Name() string { return idx.opts.Name() }

func (idx *Index) Fields() []string { return append([]string(nil), idx.opts.Fields...) }

func (idx *Index) Unique() bool { return idx.opts.Unique }

func (idx *Index) Sparse() bool { return idx.opts.Sparse }

func (idx *Index) Options() Options { return idx.opts }

func (idx *Index) Compound() bool { return len(idx.opts.Fields) > 1 }

// MultiKey reports whether any indexed document holds an array under an indexed field.
// Compound indexes store such arrays whole, as one key component.
func (idx *Index) MultiKey() bool { return idx.multiKey > 0 }

// NumKeys returns the number of distinct keys in the tree.
func (idx *Index) NumKeys() int { return idx.tree.Len() }

// Ready reports whether the index reflects every stored document.
func (idx *Index) Ready() bool { return idx.ready.Load() }

func (idx *Index) MarkReady() { idx.ready.Store(true) }

func (idx *Index) MarkNotReady() { idx.ready.Store(false) }

// KeyFor builds the lookup key of this index from a field -> value map. For a single
// field index the value itself may be passed instead.
func (idx *Index) KeyFor(values map[string]any) any {
	if !idx.Compound() {
		v, ok := values[idx.opts.Fields[0]]
		if !ok {
			return document.Undefined
		}
		return v
	}
	ck := make(compoundKey, len(idx.opts.Fields))
	for i, f := range idx.opts.Fields {
		v, ok := values[f]
		if !ok {
			v = document.Undefined
		}
		ck[i] = v
	}
	return ck
}

func (idx *Index) keyOf(doc document.Document) any {
	if !idx.Compound() {
		return document.GetDotValue(doc, idx.opts.Fields[0])
	}
	ck := make(compoundKey, len(idx.opts.Fields))
	for i, f := range idx.opts.Fields {
		ck[i] = document.GetDotValue(doc, f)
	}
	return ck
}

func isMissing(key any) bool {
	if ck, ok := key.(compoundKey); ok {
		for _, v := range ck {
			if !document.IsUndefined(v) {
				return false
			}
		}
		return true
	}
	return document.IsUndefined(key)
}

// keysOf lists the keys doc is stored under. An array value on a single-field index
// yields its distinct elements.
func (idx *Index) keysOf(doc document.Document) (keys []any, isArray bool) {
	key := idx.keyOf(doc)
	if idx.opts.Sparse && isMissing(key) {
		return nil, false
	}
	if ck, ok := key.(compoundKey); ok {
		for _, v := range ck {
			if _, isArr := v.([]any); isArr {
				return []any{key}, true
			}
		}
		return []any{key}, false
	}
	arr, ok := key.([]any)
	if !ok {
		return []any{key}, false
	}
	seen := make(map[string]struct{}, len(arr))
	for _, el := range arr {
		p := document.Projection(el)
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		keys = append(keys, el)
	}
	return keys, true
}

func (idx *Index) insertKey(key any, doc document.Document) error {
	id := document.ID(doc)
	if e, found := idx.tree.Get(&entry{key: key}); found {
		if idx.opts.Unique {
			return &UniqueViolationError{Key: key, FieldName: idx.Name()}
		}
		e.docs[id] = doc
		return nil
	}
	idx.tree.ReplaceOrInsert(&entry{key: key, docs: map[string]document.Document{id: doc}})
	return nil
}

func (idx *Index) removeKey(key any, id string) {
	e, found := idx.tree.Get(&entry{key: key})
	if !found {
		return
	}
	delete(e.docs, id)
	if len(e.docs) == 0 {
		idx.tree.Delete(e)
	}
}

func (idx *Index) insertOne(doc document.Document) error {
	keys, isArray := idx.keysOf(doc)
	for i, k := range keys {
		if err := idx.insertKey(k, doc); err != nil {
			id := document.ID(doc)
			for _, done := range keys[:i] {
				idx.removeKey(done, id)
			}
			return err
		}
	}
	if isArray {
		idx.multiKey++
	}
	return nil
}

func (idx *Index) removeOne(doc document.Document) {
	keys, isArray := idx.keysOf(doc)
	id := document.ID(doc)
	for _, k := range keys {
		idx.removeKey(k, id)
	}
	if isArray && idx.multiKey > 0 {
		idx.multiKey--
	}
}

// Insert adds documents. If any of them fails, every document of the call already
// inserted is removed again before the error is returned.
func (idx *Index) Insert(docs ...document.Document) error {
	for i, doc := range docs {
		if err := idx.insertOne(doc); err != nil {
			for j := i - 1; j >= 0; j-- {
				idx.removeOne(docs[j])
			}
			return err
		}
	}
	return nil
}

// Remove drops documents from the index. Unknown documents are ignored.
func (idx *Index) Remove(docs ...document.Document) {
	for _, doc := range docs {
		idx.removeOne(doc)
	}
}

// Update replaces oldDoc by newDoc. On failure oldDoc is indexed again.
func (idx *Index) Update(oldDoc, newDoc document.Document) error {
	idx.removeOne(oldDoc)
	if err := idx.insertOne(newDoc); err != nil {
		if rerr := idx.insertOne(oldDoc); rerr != nil {
			slog.Error("Index rollback failed", "index", idx.Name(), "_id", document.ID(oldDoc), "error", rerr)
		}
		return err
	}
	return nil
}

// UpdateMultiple applies every pair or none of them.
func (idx *Index) UpdateMultiple(pairs ...Pair) error {
	for _, p := range pairs {
		idx.removeOne(p.Old)
	}
	for i, p := range pairs {
		if err := idx.insertOne(p.New); err != nil {
			for j := i - 1; j >= 0; j-- {
				idx.removeOne(pairs[j].New)
			}
			for _, back := range pairs {
				if rerr := idx.insertOne(back.Old); rerr != nil {
					slog.Error("Index rollback failed", "index", idx.Name(), "_id", document.ID(back.Old), "error", rerr)
				}
			}
			return err
		}
	}
	return nil
}

// RevertUpdate undoes a successful Update.
func (idx *Index) RevertUpdate(oldDoc, newDoc document.Document) error {
	return idx.Update(newDoc, oldDoc)
}

// RevertMultiple undoes a successful UpdateMultiple.
func (idx *Index) RevertMultiple(pairs ...Pair) error {
	swapped := make([]Pair, len(pairs))
	for i, p := range pairs {
		swapped[i] = Pair{Old: p.New, New: p.Old}
	}
	return idx.UpdateMultiple(swapped...)
}

// Reset empties the index and, if docs are given, inserts them.
func (idx *Index) Reset(docs ...document.Document) error {
	idx.tree.Clear(false)
	idx.multiKey = 0
	return idx.Insert(docs...)
}

// collector gathers documents in tree order, once per _id.
type collector struct {
	seen map[string]struct{}
	out  []document.Document
}

func newCollector() *collector {
	return &collector{seen: make(map[string]struct{})}
}

func (c *collector) add(e *entry) {
	ids := make([]string, 0, len(e.docs))
	for id := range e.docs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if _, dup := c.seen[id]; dup {
			continue
		}
		c.seen[id] = struct{}{}
		c.out = append(c.out, e.docs[id])
	}
}

// GetMatching returns the documents stored under any of the given keys, in key order.
// Compound indexes accept map[string]any values keyed by field name.
func (idx *Index) GetMatching(values ...any) []document.Document {
	keys := make([]any, 0, len(values))
	for _, v := range values {
		if m, ok := v.(map[string]any); ok && idx.Compound() {
			v = idx.KeyFor(m)
		}
		keys = append(keys, v)
	}
	sort.SliceStable(keys, func(i, j int) bool { return compareKeys(keys[i], keys[j]) < 0 })

	c := newCollector()
	for _, k := range keys {
		if e, found := idx.tree.Get(&entry{key: k}); found {
			c.add(e)
		}
	}
	return c.out
}

// GetBetweenBounds answers {$gt, $gte, $lt, $lte} ranges. Only keys of the same type
// class as the bounds (numbers, strings or dates) are returned; bounds of mixed or
// non-comparable classes match nothing.
func (idx *Index) GetBetweenBounds(bounds map[string]any) []document.Document {
	if idx.Compound() {
		return nil
	}
	var (
		lower, upper         any
		hasLower, hasUpper   bool
		lowerIncl, upperIncl bool
	)
	for op, v := range bounds {
		switch op {
		case globalconst.OpGreaterThan, globalconst.OpGreaterThanOrEqual:
			incl := op == globalconst.OpGreaterThanOrEqual
			if !hasLower || document.Compare(v, lower) > 0 || (document.Compare(v, lower) == 0 && !incl) {
				lower, lowerIncl = v, incl
			}
			hasLower = true
		case globalconst.OpLessThan, globalconst.OpLessThanOrEqual:
			incl := op == globalconst.OpLessThanOrEqual
			if !hasUpper || document.Compare(v, upper) < 0 || (document.Compare(v, upper) == 0 && !incl) {
				upper, upperIncl = v, incl
			}
			hasUpper = true
		}
	}
	if !hasLower && !hasUpper {
		return nil
	}
	ref := lower
	if !hasLower {
		ref = upper
	}
	if !document.Comparable(ref) || (hasLower && hasUpper && !document.SameClass(lower, upper)) {
		return nil
	}

	c := newCollector()
	visit := func(e *entry) bool {
		if !document.SameClass(e.key, ref) {
			// Keys of a lower class precede the range; anything else ends it.
			return document.Compare(e.key, ref) < 0
		}
		if hasLower && !lowerIncl && document.Compare(e.key, lower) == 0 {
			return true
		}
		if hasUpper {
			cmp := document.Compare(e.key, upper)
			if cmp > 0 || (cmp == 0 && !upperIncl) {
				return false
			}
		}
		c.add(e)
		return true
	}
	if hasLower {
		idx.tree.AscendGreaterOrEqual(&entry{key: lower}, visit)
	} else {
		idx.tree.Ascend(visit)
	}
	return c.out
}

// GetAll returns every indexed document whose key satisfies keep, or all of them when
// keep is nil.
func (idx *Index) GetAll(keep func(key any) bool) []document.Document {
	c := newCollector()
	idx.tree.Ascend(func(e *entry) bool {
		if keep == nil || keep(e.key) {
			c.add(e)
		}
		return true
	})
	return c.out
}

// Entry is a read-only view of one key of the index.
type Entry struct {
	Key any
	IDs []string
}

// Entries lists the index content in key order.
func (idx *Index) Entries() []Entry {
	out := make([]Entry, 0, idx.tree.Len())
	idx.tree.Ascend(func(e *entry) bool {
		ids := make([]string, 0, len(e.docs))
		for id := range e.docs {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		out = append(out, Entry{Key: e.key, IDs: ids})
		return true
	})
	return out
}
