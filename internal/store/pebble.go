package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/cockroachdb/pebble"
)

// PebbleStore keeps documents in a pebble LSM directory.
type PebbleStore struct {
	db     *pebble.DB
	path   string
	closed atomic.Bool
}

// OpenPebble opens (creating if needed) the pebble directory at path.
func OpenPebble(path string) (*PebbleStore, error) {
	opts := pebble.Options{}
	opts.EnsureDefaults()
	db, err := pebble.Open(path, &opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble store at '%s': %w", path, err)
	}
	slog.Info("Pebble store opened", "path", path)
	return &PebbleStore{db: db, path: path}, nil
}

func (s *PebbleStore) Get(ctx context.Context, key string) ([]byte, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	val, closer, err := s.db.Get([]byte(key))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	out := append([]byte(nil), val...)
	_ = closer.Close()
	return out, nil
}

func (s *PebbleStore) Put(ctx context.Context, key string, value []byte) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Set([]byte(key), value, pebble.Sync)
}

func (s *PebbleStore) Delete(ctx context.Context, key string) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Delete([]byte(key), pebble.Sync)
}

func (s *PebbleStore) Scan(ctx context.Context, fn func(key string, value []byte) error) error {
	if s.closed.Load() {
		return ErrClosed
	}
	it := s.db.NewIter(&pebble.IterOptions{})
	defer func() { _ = it.Close() }()
	for it.First(); it.Valid(); it.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(string(it.Key()), append([]byte(nil), it.Value()...)); err != nil {
			return err
		}
	}
	return it.Error()
}

func (s *PebbleStore) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	slog.Info("Pebble store closed", "path", s.path)
	return s.db.Close()
}
