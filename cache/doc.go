// Package cache is the in-process near cache that sits in front of the shared
// Redis hash tier.
//
// # Overview
//
// A CacheService stores entities as flat field maps (Entry) keyed by their
// point key, the same key the hash tier uses. Point reads go through
// GetOrFetch, which coalesces concurrent misses for one key into a single
// fetch and decodes a fresh entity for every caller:
//
//	user, err := cache.GetOrFetch(ctx, near, codec, schema.PointKey(key), func(ctx context.Context) (*User, error) {
//		return loadFromTiers(ctx, key)
//	})
//
// A fetch that finds nothing returns ErrNotFound, and GetOrFetch passes it
// back unchanged.
//
// # Invalidation
//
// The near cache is never written to directly. Writers call Delete or
// InvalidateKeys for every key they touch; the next read refetches. Entries
// also expire after Config.TTL, which bounds staleness for writes made by
// other processes.
//
// # Configuration
//
//	cfg := cache.DefaultConfig()
//	cfg.TTL = 10 * time.Second
//	near, err := cache.NewCacheService(cfg)
package cache
