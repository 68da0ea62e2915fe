package store

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash"
)

const defaultShards = 16

// shard represents a segment of the in-memory store.
type shard struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// MemStore is a sharded in-memory KVStore. Values are copied in and out.
type MemStore struct {
	shards    []*shard
	numShards int
	closed    atomic.Bool
}

// NewMemStore creates a MemStore with the given number of shards.
func NewMemStore(numShards int) *MemStore {
	if numShards <= 0 {
		numShards = defaultShards
	}
	s := &MemStore{
		shards:    make([]*shard, numShards),
		numShards: numShards,
	}
	for i := range numShards {
		s.shards[i] = &shard{data: make(map[string][]byte)}
	}
	slog.Debug("MemStore initialized", "num_shards", numShards)
	return s
}

// getShardIndex determines which shard a given key belongs to.
func (s *MemStore) getShardIndex(key string) uint64 {
	return xxhash.Sum64String(key) % uint64(s.numShards)
}

func (s *MemStore) getShard(key string) *shard {
	return s.shards[s.getShardIndex(key)]
}

func (s *MemStore) Get(ctx context.Context, key string) ([]byte, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sh := s.getShard(key)
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	v, found := sh.data[key]
	if !found {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (s *MemStore) Put(ctx context.Context, key string, value []byte) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	sh := s.getShard(key)
	sh.mu.Lock()
	sh.data[key] = append([]byte(nil), value...)
	sh.mu.Unlock()
	slog.Debug("Item set", "shard_id", s.getShardIndex(key), "key", key)
	return nil
}

func (s *MemStore) Delete(ctx context.Context, key string) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	sh := s.getShard(key)
	sh.mu.Lock()
	delete(sh.data, key)
	sh.mu.Unlock()
	slog.Debug("Item deleted", "shard_id", s.getShardIndex(key), "key", key)
	return nil
}

// Scan visits a point-in-time copy of every shard, merged in key order.
func (s *MemStore) Scan(ctx context.Context, fn func(key string, value []byte) error) error {
	if s.closed.Load() {
		return ErrClosed
	}
	snapshot := make(map[string][]byte)
	for _, sh := range s.shards {
		sh.mu.RLock()
		for k, v := range sh.data {
			snapshot[k] = v
		}
		sh.mu.RUnlock()
	}
	keys := make([]string, 0, len(snapshot))
	for k := range snapshot {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(k, append([]byte(nil), snapshot[k]...)); err != nil {
			return err
		}
	}
	return nil
}

// Len returns the number of stored keys.
func (s *MemStore) Len() int {
	total := 0
	for _, sh := range s.shards {
		sh.mu.RLock()
		total += len(sh.data)
		sh.mu.RUnlock()
	}
	return total
}

func (s *MemStore) Close() error {
	s.closed.Store(true)
	return nil
}
