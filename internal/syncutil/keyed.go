// Package syncutil provides per-key locking with bounded memory.
package syncutil

import (
	"context"
	"hash/fnv"
	"slices"
)

// DefaultShards is the shard count used by NewKeyedMutex(0).
const DefaultShards = 256

// KeyedMutex serializes work per string key (payment id, agent id, order
// id). Keys hash onto a fixed pool of channel-backed locks, so two keys may
// occasionally share a shard but memory never grows with the key space.
// Acquisition can be abandoned when the caller's context ends.
type KeyedMutex struct {
	shards []chan struct{}
}

// NewKeyedMutex creates a keyed mutex with n shards.
func NewKeyedMutex(n int) *KeyedMutex {
	if n <= 0 {
		n = DefaultShards
	}
	m := &KeyedMutex{shards: make([]chan struct{}, n)}
	for i := range m.shards {
		m.shards[i] = make(chan struct{}, 1)
		m.shards[i] <- struct{}{}
	}
	return m
}

// Lock blocks until the key's shard is held and returns its release func.
func (m *KeyedMutex) Lock(key string) func() {
	ch := m.shard(key)
	<-ch
	return func() { ch <- struct{}{} }
}

// LockContext is Lock bounded by ctx. On cancellation it returns nil and
// the context error; the caller must not call the nil release func.
func (m *KeyedMutex) LockContext(ctx context.Context, key string) (func(), error) {
	ch := m.shard(key)
	select {
	case <-ch:
		return func() { ch <- struct{}{} }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// TryLock acquires the shard without waiting.
func (m *KeyedMutex) TryLock(key string) (func(), bool) {
	ch := m.shard(key)
	select {
	case <-ch:
		return func() { ch <- struct{}{} }, true
	default:
		return nil, false
	}
}

// LockAllContext holds every key's shard at once. Shards are taken in
// index order and each only once, so callers locking overlapping key sets
// cannot deadlock, even when two keys share a shard. On cancellation the
// shards already taken are released and nil is returned with ctx.Err().
func (m *KeyedMutex) LockAllContext(ctx context.Context, keys ...string) (func(), error) {
	idx := make([]int, 0, len(keys))
	for _, k := range keys {
		idx = append(idx, m.index(k))
	}
	slices.Sort(idx)
	idx = slices.Compact(idx)

	held := make([]chan struct{}, 0, len(idx))
	release := func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i] <- struct{}{}
		}
	}
	for _, i := range idx {
		ch := m.shards[i]
		select {
		case <-ch:
			held = append(held, ch)
		case <-ctx.Done():
			release()
			return nil, ctx.Err()
		}
	}
	return release, nil
}

func (m *KeyedMutex) shard(key string) chan struct{} {
	return m.shards[m.index(key)]
}

func (m *KeyedMutex) index(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(len(m.shards)))
}
