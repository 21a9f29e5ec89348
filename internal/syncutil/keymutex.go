// Package syncutil provides keyed locking primitives.
package syncutil

import (
	"context"
	"hash/fnv"
	"sync"
)

const numShards = 256

// KeyMutex provides a fixed-size pool of channel-based mutexes keyed by
// string, with context-aware acquisition. Memory is bounded regardless of
// how many keys are seen, at the cost of occasional false sharing between
// keys that hash to the same shard.
type KeyMutex struct {
	shards [numShards]chanMutex
	once   sync.Once
}

// chanMutex is a mutex implemented via a buffered channel, allowing select{}
// against a context cancellation channel.
type chanMutex struct {
	ch chan struct{}
}

// NewKeyMutex creates a new keyed mutex pool.
func NewKeyMutex() *KeyMutex {
	m := &KeyMutex{}
	m.init()
	return m
}

func (m *KeyMutex) init() {
	m.once.Do(func() {
		for i := range m.shards {
			m.shards[i].ch = make(chan struct{}, 1)
			m.shards[i].ch <- struct{}{} // start unlocked
		}
	})
}

// Lock acquires the mutex for the given key, respecting context cancellation.
// On success it returns an unlock function that the caller MUST invoke.
// On cancellation it returns nil and the context error.
func (m *KeyMutex) Lock(ctx context.Context, key string) (func(), error) {
	m.init()
	shard := &m.shards[m.shardIdx(key)]

	select {
	case <-shard.ch:
		return func() { shard.ch <- struct{}{} }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *KeyMutex) shardIdx(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % numShards
}
