package testsupport

import (
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
)

// StartRedis starts an in-process redis server and a client connected to it.
// Both are closed when the test ends.
func StartRedis(t testing.TB) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{
		Addr:     mr.Addr(),
		PoolSize: 4,
	})
	t.Cleanup(func() { rdb.Close() })

	return mr, rdb
}
