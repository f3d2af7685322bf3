// Package sharding maps entity keys to durable store partitions.
package sharding

import (
	"hash/fnv"
	"strconv"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	goerrors "github.com/goliatone/go-errors"

	"github.com/goliatone/go-entity-store/entity"
)

// Selector addresses one physical database in a cluster.
type Selector int

func (s Selector) String() string { return "shard-" + strconv.Itoa(int(s)) }

// Resolver is consulted before every durable operation. Results are never
// cached on the entity.
type Resolver interface {
	RouteKey(k entity.Key) int64
	Target(routeKey int64) Selector
	Paged() bool
	PageSize() int
}

// Config configures the default resolver.
type Config struct {
	Shards   int  `json:"shards"`
	Paged    bool `json:"paged"`
	PageSize int  `json:"page_size"`
}

// DefaultConfig is a single unpaged shard.
func DefaultConfig() Config {
	return Config{Shards: 1, PageSize: 100}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	err := validation.ValidateStruct(&c,
		validation.Field(&c.Shards, validation.Required, validation.Min(1)),
		validation.Field(&c.PageSize, validation.When(c.Paged, validation.Required, validation.Min(1))),
	)
	if err != nil {
		return goerrors.FromOzzoValidation(err, "invalid sharding config")
	}
	return nil
}

// ModuloResolver hashes the shard value, the UID or the ID of a key onto a
// fixed number of shards.
type ModuloResolver struct {
	cfg Config
}

// NewModuloResolver validates cfg and returns a resolver.
func NewModuloResolver(cfg Config) (*ModuloResolver, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &ModuloResolver{cfg: cfg}, nil
}

// RouteKey uses the declared shard value when present, else the UID, else the ID.
func (r *ModuloResolver) RouteKey(k entity.Key) int64 {
	switch {
	case k.Shard != "":
		return hashString(k.Shard)
	case k.UID != "":
		return hashString(k.UID)
	default:
		return k.ID
	}
}

func (r *ModuloResolver) Target(routeKey int64) Selector {
	if r.cfg.Shards <= 1 {
		return 0
	}
	if routeKey < 0 {
		routeKey = -routeKey
	}
	return Selector(routeKey % int64(r.cfg.Shards))
}

func (r *ModuloResolver) Paged() bool { return r.cfg.Paged }

func (r *ModuloResolver) PageSize() int { return r.cfg.PageSize }

func (r *ModuloResolver) Shards() int { return r.cfg.Shards }

func hashString(s string) int64 {
	h := fnv.New32a()
	h.Write([]byte(s))
	return int64(h.Sum32())
}

// Resolve is RouteKey followed by Target.
func Resolve(r Resolver, k entity.Key) Selector {
	return r.Target(r.RouteKey(k))
}
