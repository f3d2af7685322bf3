package persistence

import (
	"time"

	"github.com/goliatone/go-entity-store/cache"
	"github.com/goliatone/go-entity-store/kvstore"
	"github.com/goliatone/go-entity-store/pkg/logging"
)

// Option configures a Repository.
type Option func(*options)

type options struct {
	kv           *kvstore.Store
	near         cache.CacheService
	ttl          time.Duration
	cacheEnabled bool
	versioning   bool
	logger       logging.Logger
}

func defaultOptions() options {
	return options{
		ttl:          kvstore.NoExpiration,
		cacheEnabled: true,
		logger:       logging.NewNopLogger(),
	}
}

// WithCache attaches the shared hash cache tier. Without it every operation
// goes to the database only.
func WithCache(kv *kvstore.Store) Option {
	return func(o *options) { o.kv = kv }
}

// WithNearCache puts an in-process cache in front of point reads.
func WithNearCache(near cache.CacheService) Option {
	return func(o *options) { o.near = near }
}

// WithTTL sets the expiration applied to cache keys on every write and read.
// kvstore.NoExpiration keeps keys until they are invalidated.
func WithTTL(ttl time.Duration) Option {
	return func(o *options) { o.ttl = ttl }
}

// WithCacheEnabled sets the initial state of the cache switch.
func WithCacheEnabled(enabled bool) Option {
	return func(o *options) { o.cacheEnabled = enabled }
}

// WithVersioning makes every durable update increment the version column.
func WithVersioning() Option {
	return func(o *options) { o.versioning = true }
}

func WithLogger(l logging.Logger) Option {
	return func(o *options) { o.logger = logging.OrNop(l) }
}
