package collection

import (
	"time"

	"memory-docs/internal/config"
	"memory-docs/internal/document"
	"memory-docs/internal/index"
	"memory-docs/internal/store"
)

const (
	defaultFetchLimit   = 100
	defaultLiveDebounce = 25 * time.Millisecond
)

// Options configures a Collection.
type Options struct {
	Name  string
	Store store.KVStore
	// Indexes are created and built when the collection opens, after _id.
	Indexes []index.Options
	Fields  []Field

	// FetchLimit bounds parallel store reads and writes.
	FetchLimit      int
	FetchQueueRatio float64
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	// AutoIndex creates a missing index for every field a query filters on.
	AutoIndex    bool
	LiveDebounce time.Duration
}

// OptionsFromConfig fills the tuning knobs from cfg.
func OptionsFromConfig(name string, kv store.KVStore, cfg config.Config) Options {
	return Options{
		Name:            name,
		Store:           kv,
		FetchLimit:      cfg.FetchLimit,
		FetchQueueRatio: float64(cfg.FetchQueueRatio),
		ReadTimeout:     cfg.ReadTimeout,
		WriteTimeout:    cfg.WriteTimeout,
		AutoIndex:       cfg.AutoIndex,
		LiveDebounce:    cfg.LiveDebounce,
	}
}

func (o *Options) setDefaults() {
	if o.FetchLimit <= 0 {
		o.FetchLimit = defaultFetchLimit
	}
	if o.LiveDebounce <= 0 {
		o.LiveDebounce = defaultLiveDebounce
	}
	if o.Name == "" {
		o.Name = "default"
	}
}

// Modifier computes the new version of a document. It receives a private copy.
type Modifier func(doc document.Document) (document.Document, error)

// UpdateOptions controls Update.
type UpdateOptions struct {
	Multi             bool
	Upsert            bool
	ReturnUpdatedDocs bool
}

// UpdateResult reports what Update did.
type UpdateResult struct {
	Matched  int
	Upserted bool
	Docs     []document.Document
}

// RemoveOptions controls Remove.
type RemoveOptions struct {
	Multi bool
}

// IndexInfo describes one index of a collection.
type IndexInfo struct {
	Options  index.Options
	Name     string
	Ready    bool
	NumKeys  int
	MultiKey bool
}
