package kvstore

import (
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-redis/redis/v8"
	goerrors "github.com/goliatone/go-errors"

	"github.com/goliatone/go-entity-store/entity"
	"github.com/goliatone/go-entity-store/pkg/logging"
)

// NoExpiration leaves keys without a TTL. Any ttl >= 0 is applied with PEXPIRE.
const NoExpiration time.Duration = -1

// Config holds the redis connection settings.
type Config struct {
	Address      string        `json:"address"`
	Password     string        `json:"password"`
	DB           int           `json:"db"`
	PoolSize     int           `json:"pool_size"`
	DialTimeout  time.Duration `json:"dial_timeout"`
	ReadTimeout  time.Duration `json:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout"`
	// ValueEncoding is "json" or "msgpack" and applies to structured field values.
	ValueEncoding string `json:"value_encoding"`
}

// DefaultConfig returns settings for a local redis.
func DefaultConfig() Config {
	return Config{
		Address:       "localhost:6379",
		PoolSize:      10,
		DialTimeout:   5 * time.Second,
		ReadTimeout:   3 * time.Second,
		WriteTimeout:  3 * time.Second,
		ValueEncoding: "json",
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	err := validation.ValidateStruct(&c,
		validation.Field(&c.Address, validation.Required),
		validation.Field(&c.DB, validation.Min(0)),
		validation.Field(&c.PoolSize, validation.Required, validation.Min(1)),
		validation.Field(&c.DialTimeout, validation.Min(time.Duration(0))),
		validation.Field(&c.ValueEncoding, validation.In("", "json", "msgpack")),
	)
	if err != nil {
		return goerrors.FromOzzoValidation(err, "invalid redis config")
	}
	return nil
}

// RedisOptions converts the configuration to go-redis options.
func (c Config) RedisOptions() *redis.Options {
	return &redis.Options{
		Addr:         c.Address,
		Password:     c.Password,
		DB:           c.DB,
		PoolSize:     c.PoolSize,
		DialTimeout:  c.DialTimeout,
		ReadTimeout:  c.ReadTimeout,
		WriteTimeout: c.WriteTimeout,
	}
}

// Option configures a Store.
type Option func(*Store)

func WithLogger(l logging.Logger) Option {
	return func(s *Store) { s.logger = logging.OrNop(l) }
}

// WithValueCodec sets the codec used for structured field values.
func WithValueCodec(vc entity.ValueCodec) Option {
	return func(s *Store) {
		if vc != nil {
			s.values = vc
		}
	}
}
