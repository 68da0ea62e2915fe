package collection

import (
	"github.com/puzpuzpuz/xsync/v3"

	"memory-docs/internal/document"
)

// lockEntry is immutable once stored; every change replaces it.
type lockEntry struct {
	doc     document.Document
	removed bool
	refs    int
}

// lockTable pins the version of a document that a write is putting into the store.
// Readers that hit a pinned id use that version instead of reading the store.
type lockTable struct {
	m *xsync.MapOf[string, *lockEntry]
}

func newLockTable() *lockTable {
	return &lockTable{m: xsync.NewMapOf[string, *lockEntry]()}
}

func (t *lockTable) acquire(id string, doc document.Document, removed bool) {
	t.m.Compute(id, func(old *lockEntry, loaded bool) (*lockEntry, bool) {
		refs := 1
		if loaded {
			refs = old.refs + 1
		}
		return &lockEntry{doc: doc, removed: removed, refs: refs}, false
	})
}

// acquireAll pins every doc under its _id and returns the ids for releaseAll.
func (t *lockTable) acquireAll(docs []document.Document, removed bool) []string {
	ids := make([]string, len(docs))
	for i, d := range docs {
		ids[i] = document.ID(d)
		t.acquire(ids[i], d, removed)
	}
	return ids
}

func (t *lockTable) releaseAll(ids []string) {
	for _, id := range ids {
		t.release(id)
	}
}

func (t *lockTable) release(id string) {
	t.m.Compute(id, func(old *lockEntry, loaded bool) (*lockEntry, bool) {
		if !loaded || old.refs <= 1 {
			return nil, true
		}
		return &lockEntry{doc: old.doc, removed: old.removed, refs: old.refs - 1}, false
	})
}

// snapshot returns a private copy of the pinned version of id.
func (t *lockTable) snapshot(id string) (doc document.Document, removed, ok bool) {
	e, ok := t.m.Load(id)
	if !ok {
		return nil, false, false
	}
	if e.removed {
		return nil, true, true
	}
	return document.CopyDocument(e.doc), false, true
}

func (t *lockTable) size() int {
	return t.m.Size()
}
