package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
)

type registryEntry struct {
	backend string
	kv      KVStore
	refs    int
}

// Registry shares open stores between collections that resolve to the same path.
// Each Open returns its own Handle; the store closes when the last handle does.
type Registry struct {
	mu   sync.Mutex
	open map[string]*registryEntry
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{open: make(map[string]*registryEntry)}
}

// Open returns a handle on the store at path, opening it on first use.
func (r *Registry) Open(backend, path string) (*Handle, error) {
	key := path
	if backend != BackendMemory {
		abs, err := filepath.Abs(path)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve store path '%s': %w", path, err)
		}
		key = abs
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.open[key]; ok {
		if e.backend != backend {
			return nil, fmt.Errorf("store at '%s' is already open with backend %q", key, e.backend)
		}
		e.refs++
		return &Handle{kv: e.kv, reg: r, key: key}, nil
	}

	if backend != BackendMemory {
		if err := os.MkdirAll(filepath.Dir(key), 0755); err != nil {
			return nil, fmt.Errorf("failed to create store directory: %w", err)
		}
	}
	kv, err := Open(backend, key)
	if err != nil {
		return nil, err
	}
	r.open[key] = &registryEntry{backend: backend, kv: kv, refs: 1}
	slog.Debug("Store registered", "backend", backend, "path", key)
	return &Handle{kv: kv, reg: r, key: key}, nil
}

func (r *Registry) release(key string) error {
	r.mu.Lock()
	e, ok := r.open[key]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	e.refs--
	if e.refs > 0 {
		r.mu.Unlock()
		return nil
	}
	delete(r.open, key)
	r.mu.Unlock()
	slog.Debug("Store released", "backend", e.backend, "path", key)
	return e.kv.Close()
}

// Len returns the number of open stores.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.open)
}

// CloseAll closes every store regardless of outstanding handles.
func (r *Registry) CloseAll() error {
	r.mu.Lock()
	entries := r.open
	r.open = make(map[string]*registryEntry)
	r.mu.Unlock()

	var errs []error
	for _, e := range entries {
		if err := e.kv.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Handle is one reference to a registered store. It implements KVStore.
type Handle struct {
	kv     KVStore
	reg    *Registry
	key    string
	closed atomic.Bool
}

// Path is the resolved location the handle was opened for.
func (h *Handle) Path() string { return h.key }

func (h *Handle) Get(ctx context.Context, key string) ([]byte, error) {
	if h.closed.Load() {
		return nil, ErrClosed
	}
	return h.kv.Get(ctx, key)
}

func (h *Handle) Put(ctx context.Context, key string, value []byte) error {
	if h.closed.Load() {
		return ErrClosed
	}
	return h.kv.Put(ctx, key, value)
}

func (h *Handle) Delete(ctx context.Context, key string) error {
	if h.closed.Load() {
		return ErrClosed
	}
	return h.kv.Delete(ctx, key)
}

func (h *Handle) Scan(ctx context.Context, fn func(key string, value []byte) error) error {
	if h.closed.Load() {
		return ErrClosed
	}
	return h.kv.Scan(ctx, fn)
}

// Close releases this reference. Closing twice is a no-op.
func (h *Handle) Close() error {
	if !h.closed.CompareAndSwap(false, true) {
		return nil
	}
	return h.reg.release(h.key)
}
