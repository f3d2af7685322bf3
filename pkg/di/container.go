package di

import (
	"context"
	"database/sql"
	"errors"

	"github.com/go-redis/redis/v8"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/schema"

	"github.com/goliatone/go-entity-store/cache"
	"github.com/goliatone/go-entity-store/entity"
	"github.com/goliatone/go-entity-store/kvstore"
	"github.com/goliatone/go-entity-store/outcome"
	"github.com/goliatone/go-entity-store/persistence"
	"github.com/goliatone/go-entity-store/pkg/logging"
	"github.com/goliatone/go-entity-store/sharding"
	"github.com/goliatone/go-entity-store/sqlstore"
)

// Container owns the shared infrastructure: the shard databases, the redis
// store, the resolver and the near cache. Repositories for individual entity
// types are built from it with NewRepository.
type Container struct {
	config   Config
	logger   logging.Logger
	kv       *kvstore.Store
	cluster  *sqlstore.Cluster
	resolver *sharding.ModuloResolver
	near     cache.CacheService
}

// Option adjusts how the container is built.
type Option func(*buildOptions)

type buildOptions struct {
	logger logging.Logger
	rdb    *redis.Client
	dbs    []*bun.DB
}

// WithLogger overrides the logger built from Config.Logging.
func WithLogger(l logging.Logger) Option {
	return func(o *buildOptions) { o.logger = l }
}

// WithRedisClient uses an existing client instead of dialing Config.Redis.
func WithRedisClient(rdb *redis.Client) Option {
	return func(o *buildOptions) { o.rdb = rdb }
}

// WithDatabases uses already opened shard databases instead of opening
// Config.Databases. Their count must still match the shard count.
func WithDatabases(dbs ...*bun.DB) Option {
	return func(o *buildOptions) { o.dbs = dbs }
}

// NewContainer validates config and builds every component. Redis is
// pinged; databases are opened lazily by database/sql.
func NewContainer(ctx context.Context, config Config, opts ...Option) (*Container, error) {
	var o buildOptions
	for _, opt := range opts {
		opt(&o)
	}
	var err error
	if len(o.dbs) > 0 {
		err = config.validate(len(o.dbs))
	} else {
		err = config.Validate()
	}
	if err != nil {
		return nil, err
	}

	logger, err := buildLogger(config, o.logger)
	if err != nil {
		return nil, err
	}
	c := &Container{config: config, logger: logger}

	dbs := o.dbs
	if len(dbs) == 0 {
		for _, dbc := range config.Databases {
			db, err := OpenDB(dbc)
			if err != nil {
				closeAll(dbs)
				return nil, err
			}
			dbs = append(dbs, db)
		}
	}
	if c.cluster, err = sqlstore.NewCluster(dbs...); err != nil {
		return nil, err
	}
	c.cluster.WithLogger(logger.WithFields(logging.String("component", "sqlstore")))

	if c.resolver, err = sharding.NewModuloResolver(config.Sharding); err != nil {
		c.cluster.Close()
		return nil, err
	}

	kvLogger := kvstore.WithLogger(logger.WithFields(logging.String("component", "kvstore")))
	switch {
	case o.rdb != nil:
		values := entity.ValueCodec(entity.JSONCodec{})
		if config.Redis != nil {
			if values, err = entity.CodecByName(config.Redis.ValueEncoding); err != nil {
				c.cluster.Close()
				return nil, err
			}
		}
		c.kv = kvstore.New(o.rdb, kvLogger, kvstore.WithValueCodec(values))
	case config.Redis != nil:
		if c.kv, err = kvstore.Dial(ctx, *config.Redis, kvLogger); err != nil {
			c.cluster.Close()
			return nil, err
		}
	}

	if config.NearCache != nil {
		if c.near, err = cache.NewCacheService(*config.NearCache); err != nil {
			c.Close()
			return nil, err
		}
	}

	logger.Info("container ready",
		logging.Int("shards", config.Sharding.Shards),
		logging.Bool("redis", c.kv != nil),
		logging.Bool("near_cache", c.near != nil),
	)
	return c, nil
}

func buildLogger(config Config, override logging.Logger) (logging.Logger, error) {
	if override != nil {
		return override, nil
	}
	if config.Logging == nil {
		return logging.NewNopLogger(), nil
	}
	zl, err := logging.NewZapLogger(*config.Logging)
	if err != nil {
		return nil, err
	}
	return zl, nil
}

// OpenDB opens one shard database with the bun dialect matching its driver.
func OpenDB(cfg DatabaseConfig) (*bun.DB, error) {
	if err := cfg.Validate(); err != nil {
		return nil, outcome.ConfigError("INVALID_DATABASE", err.Error())
	}

	var dialect schema.Dialect
	switch cfg.Driver {
	case DriverPostgres:
		dialect = pgdialect.New()
	default:
		dialect = sqlitedialect.New()
	}

	sqldb, err := sql.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, outcome.TransportError(err, "DB_OPEN", "open "+cfg.Driver)
	}
	if cfg.MaxOpenConns > 0 {
		sqldb.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	return bun.NewDB(sqldb, dialect), nil
}

func closeAll(dbs []*bun.DB) {
	for _, db := range dbs {
		db.Close()
	}
}

// Config returns the validated configuration.
func (c *Container) Config() Config { return c.config }

func (c *Container) Logger() logging.Logger { return c.logger }

// KV returns the redis store, or nil when no cache tier is configured.
func (c *Container) KV() *kvstore.Store { return c.kv }

func (c *Container) Cluster() *sqlstore.Cluster { return c.cluster }

func (c *Container) Resolver() sharding.Resolver { return c.resolver }

// NearCache returns the in-process cache, or nil.
func (c *Container) NearCache() cache.CacheService { return c.near }

// CreateTables creates the table of every model on every shard.
func (c *Container) CreateTables(ctx context.Context, models ...any) error {
	for i := 0; i < c.cluster.Size(); i++ {
		db, err := c.cluster.DB(sharding.Selector(i))
		if err != nil {
			return err
		}
		for _, model := range models {
			if _, err := db.NewCreateTable().Model(model).IfNotExists().Exec(ctx); err != nil {
				return outcome.TransportError(err, "DB_SCHEMA", "create table on "+sharding.Selector(i).String())
			}
		}
	}
	return nil
}

// Close releases the databases and the redis client.
func (c *Container) Close() error {
	var errs []error
	if c.cluster != nil {
		errs = append(errs, c.cluster.Close())
	}
	if c.kv != nil {
		errs = append(errs, c.kv.Close())
	}
	return errors.Join(errs...)
}

// NewRepository builds a repository for T over the container's components.
// Extra options are applied after the ones derived from Config.
//
// Go methods cannot have type parameters, so this is a package level
// function: NewRepository[*User](container).
func NewRepository[T entity.Model](c *Container, opts ...persistence.Option) (*persistence.Repository[T], error) {
	logger := c.logger.WithFields(logging.String("component", "persistence"))

	store, err := sqlstore.NewBunStore[T](c.cluster, sqlstore.WithLogger(logger))
	if err != nil {
		return nil, err
	}

	base := []persistence.Option{
		persistence.WithLogger(logger),
		persistence.WithTTL(c.config.TTL),
		persistence.WithCacheEnabled(c.config.CacheEnabled),
	}
	if c.kv != nil {
		base = append(base, persistence.WithCache(c.kv))
	}
	if c.near != nil {
		base = append(base, persistence.WithNearCache(c.near))
	}
	if c.config.Versioning {
		base = append(base, persistence.WithVersioning())
	}
	return persistence.New[T](store, c.resolver, append(base, opts...)...)
}
