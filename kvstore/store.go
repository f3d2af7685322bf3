// Package kvstore stores entity snapshots as Redis hashes.
package kvstore

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/goliatone/go-entity-store/entity"
	"github.com/goliatone/go-entity-store/outcome"
	"github.com/goliatone/go-entity-store/pkg/logging"
)

const codeTransport = "CACHE_TRANSPORT"

// Store runs hash commands on connections drawn from the client pool. Every
// call takes its own connection and returns it before exiting; go-redis drops
// connections that failed with a network error instead of pooling them.
type Store struct {
	rdb    *redis.Client
	logger logging.Logger
	values entity.ValueCodec
}

// New wraps an existing client.
func New(rdb *redis.Client, opts ...Option) *Store {
	s := &Store{
		rdb:    rdb,
		logger: logging.NewNopLogger(),
		values: entity.JSONCodec{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Dial validates cfg, connects and pings the server.
func Dial(ctx context.Context, cfg Config, opts ...Option) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	values, err := entity.CodecByName(cfg.ValueEncoding)
	if err != nil {
		return nil, err
	}

	rdb := redis.NewClient(cfg.RedisOptions())

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, outcome.TransportError(err, codeTransport, "failed to connect to redis")
	}

	return New(rdb, append([]Option{WithValueCodec(values)}, opts...)...), nil
}

// Client exposes the underlying go-redis client.
func (s *Store) Client() *redis.Client { return s.rdb }

func (s *Store) Ping(ctx context.Context) error {
	return s.withConn(ctx, "ping", "", func(conn *redis.Conn) error {
		return conn.Ping(ctx).Err()
	})
}

func (s *Store) Close() error { return s.rdb.Close() }

func (s *Store) withConn(ctx context.Context, op, key string, fn func(conn *redis.Conn) error) error {
	conn := s.rdb.Conn(ctx)
	defer conn.Close()

	if err := fn(conn); err != nil {
		s.logger.Error("cache operation failed", err, logging.String("op", op), logging.String("key", key))
		return outcome.TransportError(err, codeTransport, op+" "+key)
	}
	return nil
}

// PutHash writes fields into key and applies ttl when ttl >= 0, atomically.
func (s *Store) PutHash(ctx context.Context, key string, fields map[string]string, ttl time.Duration) (bool, error) {
	if len(fields) == 0 {
		s.logger.Info("nothing to write", logging.String("key", key))
		return false, nil
	}
	err := s.withConn(ctx, "hset", key, func(conn *redis.Conn) error {
		_, err := conn.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, fields)
			if ttl >= 0 {
				pipe.PExpire(ctx, key, ttl)
			}
			return nil
		})
		return err
	})
	return err == nil, err
}

// ReplaceHash deletes key and writes fields in its place.
func (s *Store) ReplaceHash(ctx context.Context, key string, fields map[string]string, ttl time.Duration) (bool, error) {
	if len(fields) == 0 {
		s.logger.Info("nothing to write", logging.String("key", key))
		return false, nil
	}
	err := s.withConn(ctx, "replace", key, func(conn *redis.Conn) error {
		_, err := conn.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			pipe.HSet(ctx, key, fields)
			if ttl >= 0 {
				pipe.PExpire(ctx, key, ttl)
			}
			return nil
		})
		return err
	})
	return err == nil, err
}

// patchScript merges fields into an existing hash only.
var patchScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return 0
end
redis.call('HSET', KEYS[1], unpack(ARGV, 2))
local ttl = tonumber(ARGV[1])
if ttl >= 0 then
	redis.call('PEXPIRE', KEYS[1], ttl)
end
return 1
`)

// PatchHash merges fields into key without touching other fields. It reports
// false when key does not exist, so a partial hash is never created.
func (s *Store) PatchHash(ctx context.Context, key string, fields map[string]string, ttl time.Duration) (bool, error) {
	if len(fields) == 0 {
		return false, nil
	}
	args := make([]interface{}, 0, 1+2*len(fields))
	args = append(args, ttlMillis(ttl))
	for k, v := range fields {
		args = append(args, k, v)
	}

	var applied bool
	err := s.withConn(ctx, "patch", key, func(conn *redis.Conn) error {
		n, err := patchScript.Run(ctx, conn, []string{key}, args...).Int64()
		applied = n == 1
		return err
	})
	return applied, err
}

// GetHash returns every field of key and refreshes its ttl. A missing key
// yields an empty map and no error.
func (s *Store) GetHash(ctx context.Context, key string, ttl time.Duration) (map[string]string, error) {
	var fields map[string]string
	err := s.withConn(ctx, "hgetall", key, func(conn *redis.Conn) error {
		var err error
		fields, err = conn.HGetAll(ctx, key).Result()
		if err != nil || len(fields) == 0 || ttl < 0 {
			return err
		}
		return conn.PExpire(ctx, key, ttl).Err()
	})
	return fields, err
}

// GetField reads one hash field. The boolean is false when key or field is missing.
func (s *Store) GetField(ctx context.Context, key, field string, ttl time.Duration) (string, bool, error) {
	var (
		value string
		found bool
	)
	err := s.withConn(ctx, "hget", key, func(conn *redis.Conn) error {
		v, err := conn.HGet(ctx, key, field).Result()
		if err == redis.Nil {
			return nil
		}
		if err != nil {
			return err
		}
		value, found = v, true
		if ttl < 0 {
			return nil
		}
		return conn.PExpire(ctx, key, ttl).Err()
	})
	return value, found, err
}

// RemoveEntity deletes key. It reports whether the key existed.
func (s *Store) RemoveEntity(ctx context.Context, key string) (bool, error) {
	var n int64
	err := s.withConn(ctx, "del", key, func(conn *redis.Conn) error {
		var err error
		n, err = conn.Del(ctx, key).Result()
		return err
	})
	return n > 0, err
}

// RemoveField deletes one field of a collection hash.
func (s *Store) RemoveField(ctx context.Context, key, subKey string) (bool, error) {
	return s.RemoveFields(ctx, key, subKey)
}

// RemoveFields deletes fields of a collection hash. It reports whether at
// least one field was removed.
func (s *Store) RemoveFields(ctx context.Context, key string, subKeys ...string) (bool, error) {
	if len(subKeys) == 0 {
		return false, nil
	}
	var n int64
	err := s.withConn(ctx, "hdel", key, func(conn *redis.Conn) error {
		var err error
		n, err = conn.HDel(ctx, key, subKeys...).Result()
		return err
	})
	return n > 0, err
}

// Expire sets the ttl of key. It reports false when the key does not exist.
func (s *Store) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if ttl < 0 {
		return false, nil
	}
	var ok bool
	err := s.withConn(ctx, "expire", key, func(conn *redis.Conn) error {
		var err error
		ok, err = conn.PExpire(ctx, key, ttl).Result()
		return err
	})
	return ok, err
}

// ttlMillis rounds ttl up to whole milliseconds so a short positive ttl
// never reaches the script as 0, which would delete the key.
func ttlMillis(ttl time.Duration) int64 {
	if ttl < 0 {
		return -1
	}
	return int64((ttl + time.Millisecond - 1) / time.Millisecond)
}
