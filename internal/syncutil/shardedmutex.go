package syncutil

import (
	"hash/fnv"
	"sync"
)

// ShardedMutex hands out mutexes keyed by string from a fixed pool. The
// alert service keys it by alert ID to serialize lifecycle transitions:
// memory stays bounded no matter how many alerts pass through, at the cost
// of occasional false sharing between IDs that hash to the same shard.
type ShardedMutex struct {
	shards [256]sync.Mutex
}

// Lock acquires the shard for key and returns its unlock function.
func (s *ShardedMutex) Lock(key string) func() {
	mu := s.shard(key)
	mu.Lock()
	return mu.Unlock
}

func (s *ShardedMutex) shard(key string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &s.shards[h.Sum32()%256]
}
