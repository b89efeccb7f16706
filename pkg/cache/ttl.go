// Package cache holds process-wide snapshots of read-mostly documents.
//
// Entries are (value, fetchedAt) pairs. A refresh that fails never evicts
// the previous snapshot, and concurrent refreshes of the same key resolve
// as last successful write wins. No lock is held while fetching.
package cache

import (
	"context"
	"sync"
	"time"
)

const DefaultTTL = 300 * time.Second

// Clock returns the current time. Tests inject a fake one.
type Clock func() time.Time

type Entry[T any] struct {
	Value     T
	FetchedAt time.Time
}

type TTL[T any] struct {
	mu      sync.RWMutex
	ttl     time.Duration
	now     Clock
	entries map[string]Entry[T]
}

func New[T any](ttl time.Duration, now Clock) *TTL[T] {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if now == nil {
		now = time.Now
	}
	return &TTL[T]{ttl: ttl, now: now, entries: map[string]Entry[T]{}}
}

// Get returns the entry for key and whether it is still within the TTL.
func (c *TTL[T]) Get(key string) (Entry[T], bool, bool) {
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok {
		return Entry[T]{}, false, false
	}
	return entry, true, c.now().Sub(entry.FetchedAt) < c.ttl
}

func (c *TTL[T]) Put(key string, value T) {
	c.mu.Lock()
	c.entries[key] = Entry[T]{Value: value, FetchedAt: c.now()}
	c.mu.Unlock()
}

// Load serves key from the cache while fresh, otherwise calls fetch.
// The bool result reports whether a value (fresh, fetched or stale) is
// available; the error is the fetch failure, if any.
func (c *TTL[T]) Load(ctx context.Context, key string, fetch func(context.Context) (T, error)) (T, bool, error) {
	entry, found, fresh := c.Get(key)
	if fresh {
		return entry.Value, true, nil
	}
	value, err := fetch(ctx)
	if err != nil {
		if found {
			return entry.Value, true, err
		}
		var zero T
		return zero, false, err
	}
	c.Put(key, value)
	return value, true, nil
}
