package cache

import (
	"context"

	"golang.org/x/sync/singleflight"
)

// FetchFunc resolves a cache miss by fetching and decoding one block from
// the object store.
type FetchFunc func(ctx context.Context, key Key) ([]byte, error)

// Fetcher combines the block cache with in-flight deduplication: concurrent
// readers missing the same block share a single object-store fetch instead
// of issuing one GET each.
type Fetcher struct {
	cache *BlockCache
	fetch FetchFunc
	group singleflight.Group
}

// NewFetcher creates a fetcher over the given cache and miss handler.
func NewFetcher(cache *BlockCache, fetch FetchFunc) *Fetcher {
	return &Fetcher{cache: cache, fetch: fetch}
}

// Get returns the block for key, from cache when possible. Misses are
// deduplicated per key; the shared fetch is detached from the triggering
// caller's context so its result still serves the other waiters, while each
// waiter honors its own deadline and abandons (not cancels) the fetch.
func (f *Fetcher) Get(ctx context.Context, key Key) ([]byte, error) {
	if data, ok := f.cache.Get(key); ok {
		return data, nil
	}

	flight := key.flightKey()
	ch := f.group.DoChan(flight, func() (any, error) {
		// Another flight may have populated the cache between our miss and
		// the flight starting.
		if data, ok := f.cache.Get(key); ok {
			return data, nil
		}

		data, err := f.fetch(context.WithoutCancel(ctx), key)
		if err != nil {
			return nil, err
		}
		f.cache.Set(key, data)
		return data, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			// Do not pin the failure; the next caller should retry.
			f.group.Forget(flight)
			return nil, res.Err
		}
		return res.Val.([]byte), nil
	}
}

// Cache exposes the underlying block cache.
func (f *Fetcher) Cache() *BlockCache {
	return f.cache
}
