package store

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned by Get when the key is absent.
	ErrNotFound = errors.New("key not found")
	// ErrClosed is returned by every operation on a closed store.
	ErrClosed = errors.New("store is closed")
	// ErrUnknownBackend is returned when a backend name is not recognised.
	ErrUnknownBackend = errors.New("unknown storage backend")
)

// Backend names accepted by Open and the registry.
const (
	BackendMemory = "memory"
	BackendPebble = "pebble"
	BackendSQLite = "sqlite"
)

// KVStore is the asynchronous key/value collaborator a collection persists to.
// Keys are document ids, values are serialized documents.
type KVStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	// Delete removes key; deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error
	// Scan calls fn for every pair in key order. Returning an error from fn stops the scan.
	Scan(ctx context.Context, fn func(key string, value []byte) error) error
	Close() error
}

// Open creates a store for the given backend. path is ignored by the memory backend.
func Open(backend, path string) (KVStore, error) {
	switch backend {
	case BackendMemory:
		return NewMemStore(defaultShards), nil
	case BackendPebble:
		return OpenPebble(path)
	case BackendSQLite:
		return OpenSQLite(path)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, backend)
}
