// Package keylock provides per-key mutual exclusion. Mutating operations on
// a library acquire its key so ingestion, embedding, and deletion never
// interleave for the same library while different libraries proceed in
// parallel.
package keylock

import (
	"context"
	"sync"
)

// KeyLock serializes access per key. The zero value is not usable; use New.
type KeyLock struct {
	mu    sync.Mutex
	locks map[string]*entry
}

type entry struct {
	ch   chan struct{}
	refs int
}

// New creates an empty KeyLock.
func New() *KeyLock {
	return &KeyLock{locks: make(map[string]*entry)}
}

// Acquire blocks until the key is held or the context is done. On success
// the caller must call Release with the same key exactly once.
func (k *KeyLock) Acquire(ctx context.Context, key string) error {
	k.mu.Lock()
	e, ok := k.locks[key]
	if !ok {
		e = &entry{ch: make(chan struct{}, 1)}
		k.locks[key] = e
	}
	e.refs++
	k.mu.Unlock()

	select {
	case e.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		k.drop(key, e)
		return ctx.Err()
	}
}

// TryAcquire acquires the key without blocking. It reports whether the key
// was acquired; on success the caller must Release.
func (k *KeyLock) TryAcquire(key string) bool {
	k.mu.Lock()
	e, ok := k.locks[key]
	if !ok {
		e = &entry{ch: make(chan struct{}, 1)}
		k.locks[key] = e
	}
	e.refs++
	k.mu.Unlock()

	select {
	case e.ch <- struct{}{}:
		return true
	default:
		k.drop(key, e)
		return false
	}
}

// Release releases the key. Calling Release without a matching Acquire is a
// programming error and panics.
func (k *KeyLock) Release(key string) {
	k.mu.Lock()
	e, ok := k.locks[key]
	k.mu.Unlock()
	if !ok {
		panic("keylock: release of unheld key " + key)
	}

	select {
	case <-e.ch:
	default:
		panic("keylock: release of unheld key " + key)
	}
	k.drop(key, e)
}

func (k *KeyLock) drop(key string, e *entry) {
	k.mu.Lock()
	e.refs--
	if e.refs == 0 {
		delete(k.locks, key)
	}
	k.mu.Unlock()
}
