// Package syncutil provides keyed locking primitives for the state
// machines. Escrow and intent operations serialize on the record's content
// address so that validation and mutation of one record never interleave.
package syncutil

import (
	"context"
	"sync"
)

const shardCount = 256

// fnv32a hashes a key without allocating.
func fnv32a(key string) uint32 {
	h := uint32(2166136261)
	for i := 0; i < len(key); i++ {
		h ^= uint32(key[i])
		h *= 16777619
	}
	return h
}

// KeyedMutex is a fixed-size pool of mutexes keyed by string. Memory stays
// bounded no matter how many keys are seen, at the cost of occasional false
// sharing between keys that land in the same shard.
type KeyedMutex struct {
	shards [shardCount]sync.Mutex
}

// Lock acquires the mutex for the key and returns its unlock function.
func (m *KeyedMutex) Lock(key string) func() {
	mu := &m.shards[fnv32a(key)%shardCount]
	mu.Lock()
	return mu.Unlock
}

// KeyedContextMutex is like KeyedMutex but lets a waiter bail out when its
// context is cancelled. Each shard is a channel-based mutex so acquisition
// can be raced against ctx.Done().
type KeyedContextMutex struct {
	shards [shardCount]chan struct{}
	once   sync.Once
}

func (m *KeyedContextMutex) init() {
	m.once.Do(func() {
		for i := range m.shards {
			m.shards[i] = make(chan struct{}, 1)
			m.shards[i] <- struct{}{}
		}
	})
}

// Lock acquires the mutex for the key or fails with the context's error.
// On success the returned unlock function must be called exactly once.
func (m *KeyedContextMutex) Lock(ctx context.Context, key string) (func(), error) {
	m.init()
	shard := m.shards[fnv32a(key)%shardCount]
	select {
	case <-shard:
		return func() { shard <- struct{}{} }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
