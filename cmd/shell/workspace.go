package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"memory-docs/internal/collection"
	"memory-docs/internal/config"
	"memory-docs/internal/globalconst"
	"memory-docs/internal/index"
	"memory-docs/internal/metrics"
	"memory-docs/internal/persistence"
	"memory-docs/internal/store"
)

const indexFileSuffix = ".indexes.json"

// workspace owns the collections opened from one data directory.
type workspace struct {
	cfg      config.Config
	registry *store.Registry

	mu          sync.Mutex
	collections map[string]*collection.Collection
}

func newWorkspace(cfg config.Config) *workspace {
	return &workspace{
		cfg:         cfg,
		registry:    store.NewRegistry(),
		collections: make(map[string]*collection.Collection),
	}
}

func (w *workspace) collectionsDir() string {
	return filepath.Join(w.cfg.DataDir, globalconst.CollectionsDirName)
}

func (w *workspace) storePath(name string) string {
	switch w.cfg.Backend {
	case store.BackendMemory:
		return name
	case store.BackendSQLite:
		return filepath.Join(w.collectionsDir(), name+".db")
	default:
		return filepath.Join(w.collectionsDir(), name)
	}
}

func (w *workspace) indexFile(name string) string {
	return filepath.Join(w.collectionsDir(), name+indexFileSuffix)
}

func validCollectionName(name string) error {
	if name == "" || strings.ContainsAny(name, `/\`) || strings.HasPrefix(name, ".") {
		return fmt.Errorf("invalid collection name %q", name)
	}
	return nil
}

// open returns the named collection, opening it and its saved indexes on first use.
func (w *workspace) open(ctx context.Context, name string) (*collection.Collection, error) {
	if err := validCollectionName(name); err != nil {
		return nil, err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if c, ok := w.collections[name]; ok {
		return c, nil
	}

	h, err := w.registry.Open(w.cfg.Backend, w.storePath(name))
	if err != nil {
		return nil, err
	}
	opts := collection.OptionsFromConfig(name, h, w.cfg)
	if opts.Indexes, err = w.loadIndexes(name); err != nil {
		_ = h.Close()
		return nil, err
	}
	c, err := collection.New(ctx, opts)
	if err != nil {
		_ = h.Close()
		return nil, err
	}
	w.collections[name] = c
	return c, nil
}

func (w *workspace) loadIndexes(name string) ([]index.Options, error) {
	if w.cfg.Backend == store.BackendMemory {
		return nil, nil
	}
	raw, err := os.ReadFile(w.indexFile(name))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read index definitions: %w", err)
	}
	var out []index.Options
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("failed to decode index definitions: %w", err)
	}
	return out, nil
}

func userIndexes(c *collection.Collection) []index.Options {
	var defs []index.Options
	for _, info := range c.Indexes() {
		if info.Name != globalconst.ID {
			defs = append(defs, info.Options)
		}
	}
	return defs
}

// export snapshots the collection store and its index definitions to path.
func (w *workspace) export(ctx context.Context, c *collection.Collection, path string) (persistence.Summary, error) {
	var summary persistence.Summary
	err := c.View(ctx, func(kv store.KVStore) error {
		var err error
		summary, err = persistence.Export(ctx, kv, path, userIndexes(c))
		return err
	})
	return summary, err
}

// importSnapshot loads a snapshot into the collection store, rebuilds the indexes and
// creates the indexes recorded in the snapshot. Documents already stored under other
// ids are kept.
func (w *workspace) importSnapshot(ctx context.Context, c *collection.Collection, path string) (persistence.Summary, error) {
	var summary persistence.Summary
	err := c.Replace(ctx, func(kv store.KVStore) error {
		var err error
		summary, err = persistence.Import(ctx, kv, path)
		return err
	})
	if err != nil {
		return summary, err
	}
	var errs []error
	for _, opts := range summary.Indexes {
		if err := c.EnsureIndex(ctx, opts); err != nil {
			errs = append(errs, fmt.Errorf("index '%s': %w", opts.Name(), err))
		}
	}
	if err := w.saveIndexes(c); err != nil {
		errs = append(errs, err)
	}
	return summary, errors.Join(errs...)
}

// saveIndexes records the user indexes of c so they are rebuilt when it is reopened.
func (w *workspace) saveIndexes(c *collection.Collection) error {
	if w.cfg.Backend == store.BackendMemory {
		return nil
	}
	raw, err := json.MarshalIndent(userIndexes(c), "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(w.collectionsDir(), 0755); err != nil {
		return err
	}
	tmp := w.indexFile(c.Name()) + globalconst.TempFileSuffix
	if err := os.WriteFile(tmp, raw, 0644); err != nil {
		return fmt.Errorf("failed to write index definitions: %w", err)
	}
	return os.Rename(tmp, w.indexFile(c.Name()))
}

// names lists the collections found on disk plus the ones open in memory.
func (w *workspace) names() []string {
	seen := map[string]struct{}{}
	w.mu.Lock()
	for name := range w.collections {
		seen[name] = struct{}{}
	}
	w.mu.Unlock()

	if w.cfg.Backend != store.BackendMemory {
		entries, err := os.ReadDir(w.collectionsDir())
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			slog.Warn("Failed to list collections", "dir", w.collectionsDir(), "error", err)
		}
		for _, e := range entries {
			name := e.Name()
			switch {
			case strings.HasSuffix(name, indexFileSuffix), strings.HasSuffix(name, globalconst.TempFileSuffix):
				continue
			case w.cfg.Backend == store.BackendSQLite:
				if !strings.HasSuffix(name, ".db") {
					continue
				}
				name = strings.TrimSuffix(name, ".db")
			case !e.IsDir():
				continue
			}
			seen[name] = struct{}{}
		}
	}

	out := make([]string, 0, len(seen))
	for name := range seen {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (w *workspace) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	var errs []error
	for name, c := range w.collections {
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("collection '%s': %w", name, err))
		}
		metrics.ForgetCollection(name)
		delete(w.collections, name)
	}
	if err := w.registry.CloseAll(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
