package ratelimit

import (
	"context"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// keyLock serializes the read-modify-write cycle per composite key. Locks
// are channel-based so waiters can abandon on context cancellation, and
// they are reference-counted so idle keys do not accumulate: the last
// releaser deletes the entry. Entries are sharded by key hash to keep the
// bookkeeping maps from becoming a global hotspot.
type keyLock struct {
	shards []*lockShard
	mask   uint64
}

type lockShard struct {
	mu    sync.Mutex
	locks map[string]*lockEntry
}

type lockEntry struct {
	ch   chan struct{} // capacity 1; holding the token means holding the lock
	refs int
}

// newKeyLock builds a lock map with the given shard count, rounded up to a
// power of two. shards <= 0 defaults to 32.
func newKeyLock(shards int) *keyLock {
	if shards <= 0 {
		shards = 32
	}
	n := 1
	for n < shards {
		n <<= 1
	}
	kl := &keyLock{
		shards: make([]*lockShard, n),
		mask:   uint64(n - 1),
	}
	for i := range kl.shards {
		kl.shards[i] = &lockShard{locks: make(map[string]*lockEntry)}
	}
	return kl
}

func (kl *keyLock) shardFor(key string) *lockShard {
	return kl.shards[xxhash.Sum64String(key)&kl.mask]
}

// acquire blocks until the key's lock is held or ctx is done. On success
// the returned release func must be called exactly once.
func (kl *keyLock) acquire(ctx context.Context, key string) (release func(), err error) {
	shard := kl.shardFor(key)

	shard.mu.Lock()
	entry, ok := shard.locks[key]
	if !ok {
		entry = &lockEntry{ch: make(chan struct{}, 1)}
		entry.ch <- struct{}{}
		shard.locks[key] = entry
	}
	entry.refs++
	shard.mu.Unlock()

	select {
	case <-entry.ch:
		return func() {
			entry.ch <- struct{}{}
			kl.unref(shard, key, entry)
		}, nil
	case <-ctx.Done():
		kl.unref(shard, key, entry)
		return nil, ctx.Err()
	}
}

func (kl *keyLock) unref(shard *lockShard, key string, entry *lockEntry) {
	shard.mu.Lock()
	entry.refs--
	if entry.refs == 0 {
		delete(shard.locks, key)
	}
	shard.mu.Unlock()
}

// size reports how many keys currently hold lock state, for tests.
func (kl *keyLock) size() int {
	total := 0
	for _, shard := range kl.shards {
		shard.mu.Lock()
		total += len(shard.locks)
		shard.mu.Unlock()
	}
	return total
}
