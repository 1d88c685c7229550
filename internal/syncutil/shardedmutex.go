// Package syncutil provides keyed locking for in-memory stores.
package syncutil

import (
	"context"
	"hash/fnv"
	"sync"
)

const shardCount = 256

// ShardedMutex is a fixed pool of locks keyed by string. Memory stays bounded
// however many keys are seen; keys that hash to the same shard share a lock.
//
// Each shard is a one-slot channel so a waiter can give up when its context
// is done. The zero value is ready to use.
type ShardedMutex struct {
	shards [shardCount]chan struct{}
	once   sync.Once
}

func (s *ShardedMutex) init() {
	s.once.Do(func() {
		for i := range s.shards {
			s.shards[i] = make(chan struct{}, 1)
		}
	})
}

// LockContext acquires the lock for key and returns the matching unlock
// function. It stops waiting when ctx is done.
func (s *ShardedMutex) LockContext(ctx context.Context, key string) (func(), error) {
	ch := s.shard(key)
	select {
	case ch <- struct{}{}:
		return func() { <-ch }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *ShardedMutex) shard(key string) chan struct{} {
	s.init()
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return s.shards[h.Sum32()%shardCount]
}
