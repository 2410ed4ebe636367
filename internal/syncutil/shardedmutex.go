// Package syncutil provides keyed locking primitives shared by the ledger
// and escrow services.
package syncutil

import (
	"hash/fnv"
	"sync"
)

const shardCount = 256

// ShardedMutex provides a fixed pool of mutexes keyed by string, giving
// per-key mutual exclusion with bounded memory no matter how many keys are
// seen. Two keys that hash to the same shard serialize against each other,
// which is harmless for correctness.
type ShardedMutex struct {
	shards [shardCount]sync.Mutex
}

// Lock acquires the mutex for key and returns the unlock function.
func (s *ShardedMutex) Lock(key string) func() {
	mu := s.shard(key)
	mu.Lock()
	return mu.Unlock
}

func (s *ShardedMutex) shard(key string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &s.shards[h.Sum32()%shardCount]
}
