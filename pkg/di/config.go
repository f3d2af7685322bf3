package di

import (
	"fmt"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	goerrors "github.com/goliatone/go-errors"

	"github.com/goliatone/go-entity-store/cache"
	"github.com/goliatone/go-entity-store/kvstore"
	"github.com/goliatone/go-entity-store/pkg/logging"
	"github.com/goliatone/go-entity-store/sharding"
)

// Supported database drivers.
const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"
)

// DatabaseConfig describes one shard database.
type DatabaseConfig struct {
	Driver       string `json:"driver"`
	DSN          string `json:"dsn"`
	MaxOpenConns int    `json:"max_open_conns"`
}

func (c DatabaseConfig) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Driver, validation.Required, validation.In(DriverSQLite, DriverPostgres)),
		validation.Field(&c.DSN, validation.Required),
		validation.Field(&c.MaxOpenConns, validation.Min(0)),
	)
}

// Config aggregates the settings of every component the container builds.
type Config struct {
	// Databases lists one database per shard, in selector order.
	Databases []DatabaseConfig `json:"databases"`
	Sharding  sharding.Config  `json:"sharding"`
	// Redis is optional; a nil value runs without the hash cache tier.
	Redis *kvstore.Config `json:"redis"`
	// NearCache is optional; a nil value disables the in-process cache.
	NearCache    *cache.Config `json:"near_cache"`
	CacheEnabled bool          `json:"cache_enabled"`
	// TTL applies to every hash cache key. kvstore.NoExpiration disables it.
	TTL        time.Duration `json:"ttl"`
	Versioning bool          `json:"versioning"`
	// Logging is optional; a nil value discards logs.
	Logging *logging.LogConfig `json:"-"`
}

// DefaultConfig is a single in-memory sqlite shard with the cache on and no
// redis configured.
func DefaultConfig() Config {
	return Config{
		Databases:    []DatabaseConfig{{Driver: DriverSQLite, DSN: "file::memory:?cache=shared"}},
		Sharding:     sharding.DefaultConfig(),
		CacheEnabled: true,
		TTL:          kvstore.NoExpiration,
	}
}

func (c Config) Validate() error {
	return c.validate(len(c.Databases))
}

// validate checks c against the number of shard databases actually in use,
// which differs from len(Databases) when they are injected.
func (c Config) validate(databases int) error {
	err := validation.ValidateStruct(&c,
		validation.Field(&c.Databases, validation.When(databases == len(c.Databases), validation.Required)),
		validation.Field(&c.Sharding, validation.By(func(any) error {
			if c.Sharding.Shards != databases {
				return fmt.Errorf("shards is %d but %d databases are configured", c.Sharding.Shards, databases)
			}
			return c.Sharding.Validate()
		})),
		validation.Field(&c.Redis, validation.By(func(any) error {
			if c.Redis == nil {
				return nil
			}
			return c.Redis.Validate()
		})),
		validation.Field(&c.NearCache, validation.By(func(any) error {
			if c.NearCache == nil {
				return nil
			}
			return c.NearCache.Validate()
		})),
		validation.Field(&c.TTL, validation.Min(kvstore.NoExpiration)),
	)
	if err != nil {
		return goerrors.FromOzzoValidation(err, "invalid container config")
	}
	return nil
}
