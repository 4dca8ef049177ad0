// Package syncutil holds the per-row locking that memory stores use in place
// of SELECT ... FOR UPDATE.
package syncutil

import (
	"hash/maphash"
	"sync"
)

const shardCount = 64

// ShardedMutex serializes work per key over a fixed pool of mutexes, so
// memory stays bounded no matter how many rows exist. Distinct keys can share
// a shard: never hold two keys of the same ShardedMutex at once.
type ShardedMutex struct {
	once   sync.Once
	seed   maphash.Seed
	shards [shardCount]sync.Mutex
}

// Lock acquires key and returns its unlock function.
func (s *ShardedMutex) Lock(key string) func() {
	mu := s.shard(key)
	mu.Lock()
	return mu.Unlock
}

// With runs fn while holding key.
func (s *ShardedMutex) With(key string, fn func() error) error {
	unlock := s.Lock(key)
	defer unlock()
	return fn()
}

func (s *ShardedMutex) shard(key string) *sync.Mutex {
	s.once.Do(func() { s.seed = maphash.MakeSeed() })
	return &s.shards[maphash.String(s.seed, key)%shardCount]
}
