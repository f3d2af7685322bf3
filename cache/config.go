package cache

import (
	"github.com/goliatone/go-entity-store/internal/cacheinfra"
)

// Config holds the near cache settings. See cacheinfra.Config for the
// meaning and bounds of each field.
type Config = cacheinfra.Config

// EarlyRefreshConfig enables background refresh of hot point keys.
type EarlyRefreshConfig = cacheinfra.EarlyRefreshConfig

// DefaultConfig returns short lived defaults suited to a cache that is
// invalidated on every local write.
func DefaultConfig() Config {
	return cacheinfra.DefaultConfig()
}

// NewCacheService validates cfg and builds the sturdyc backed near cache.
func NewCacheService(cfg Config) (CacheService, error) {
	service, err := cacheinfra.NewSturdycService(cfg)
	if err != nil {
		return nil, err
	}
	return service, nil
}
