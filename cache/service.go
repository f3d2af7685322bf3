package cache

import (
	"context"

	"github.com/goliatone/go-entity-store/entity"
	"github.com/goliatone/go-entity-store/internal/cacheinfra"
)

// Entry is the flat field encoding of one entity.
type Entry = map[string]string

// FetchFn loads an entry from the tiers behind the near cache. Returning
// ErrNotFound reports a missing entity.
type FetchFn = func(ctx context.Context) (Entry, error)

// ErrNotFound signals a missing entity in both directions: fetch functions
// return it, and GetOrFetch reports it.
var ErrNotFound = cacheinfra.ErrNotFound

// CacheService is the near cache consulted before the shared hash cache.
// Implementations coalesce concurrent fetches of the same key.
type CacheService interface {
	GetOrFetch(ctx context.Context, key string, fetchFn FetchFn) (Entry, error)
	Delete(ctx context.Context, key string) error
	InvalidateKeys(ctx context.Context, keys []string) error
}

// GetOrFetch reads key through service, encoding what fetchFn loads with
// codec. Each call decodes a fresh entity, so callers never share an
// instance or its tracker.
func GetOrFetch[T entity.Model](ctx context.Context, service CacheService, codec *entity.FieldCodec, key string, fetchFn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	entry, err := service.GetOrFetch(ctx, key, func(ctx context.Context) (Entry, error) {
		m, err := fetchFn(ctx)
		if err != nil {
			return nil, err
		}
		return codec.Encode(m, entity.TierAll)
	})
	if err != nil {
		return zero, err
	}

	m, err := codec.DecodeNew(entry)
	if err != nil {
		return zero, err
	}
	return m.(T), nil
}
