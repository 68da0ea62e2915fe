package collection

import (
	"log/slog"

	"memory-docs/internal/document"
	"memory-docs/internal/query"
)

// Event is a mutation notification. Doc is set for the past-tense events
// (inserted, updated, removed) and for insert; Query for update and remove.
type Event struct {
	Type       string
	Collection string
	ID         string
	Doc        document.Document
	Query      query.Query
}

// Subscribe registers fn for every event of the collection. Handlers run synchronously
// on the goroutine that caused the event and must not block.
func (c *Collection) Subscribe(fn func(Event)) (unsubscribe func()) {
	id := c.nextSub.Add(1)
	c.subs.Store(id, fn)
	return func() { c.subs.Delete(id) }
}

func (c *Collection) emit(ev Event) {
	ev.Collection = c.name
	c.subs.Range(func(id uint64, fn func(Event)) bool {
		func() {
			defer func() {
				if r := recover(); r != nil {
					slog.Error("Event handler panicked", "collection", c.name, "event", ev.Type, "subscriber", id, "panic", r)
				}
			}()
			fn(ev)
		}()
		return true
	})
}

func (c *Collection) emitDocs(eventType string, docs []document.Document) {
	for _, d := range docs {
		c.emit(Event{Type: eventType, ID: document.ID(d), Doc: document.CopyDocument(d)})
	}
}
