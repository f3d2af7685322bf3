package kvstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goliatone/go-entity-store/entity"
	"github.com/goliatone/go-entity-store/outcome"
	"github.com/goliatone/go-entity-store/pkg/testsupport"
)

type player struct {
	entity.Base
	Acc     string            `bun:"acc" persist:"acc"`
	Nick    string            `bun:"nick" persist:"nick,db"`
	Level   int               `bun:"level" persist:"level,cache"`
	GuildID int64             `bun:"guild_id" persist:"guild_id,shard"`
	Items   map[string]int    `bun:"items" persist:"items"`
	Meta    map[string]string `bun:"meta" persist:"meta,cache"`
}

var playerSchema = entity.MustRegister[*player](entity.WithNamespace("pl"))

func newSnapshots(t *testing.T, opts ...Option) (*Snapshots[*player], *Store, func(string)) {
	t.Helper()
	mr, rdb := testsupport.StartRedis(t)
	store := New(rdb, opts...)
	snaps, err := NewSnapshots[*player](store)
	require.NoError(t, err)
	return snaps, store, mr.SetError
}

func TestSnapshotPutAndGet(t *testing.T) {
	ctx := context.Background()
	mr, rdb := testsupport.StartRedis(t)
	snaps, err := NewSnapshots[*player](New(rdb))
	require.NoError(t, err)

	p := &player{Base: entity.Base{ID: 1, UID: "u1"}, Acc: "alice", Nick: "al", Level: 3, Items: map[string]int{"sword": 1}}
	ok, err := snaps.Put(ctx, "pl#u1", p, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	assert.Equal(t, "alice", mr.HGet("pl#u1", "acc"))
	assert.Equal(t, "3", mr.HGet("pl#u1", "level"))
	assert.Equal(t, `{"sword":1}`, mr.HGet("pl#u1", "items"))
	assert.Equal(t, "", mr.HGet("pl#u1", "nick"), "db-only fields stay out of the cache")
	assert.Equal(t, time.Minute, mr.TTL("pl#u1"))

	keys, err := mr.HKeys("pl#u1")
	require.NoError(t, err)
	testsupport.CompareGoldenJSON(t, testsupport.GoldenPath("player_hash_fields.json"), keys)

	mr.FastForward(30 * time.Second)
	got, found, err := snaps.Get(ctx, "pl#u1", time.Minute)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "alice", got.Acc)
	assert.Equal(t, 3, got.Level)
	assert.Equal(t, map[string]int{"sword": 1}, got.Items)
	assert.Empty(t, got.Nick)
	assert.False(t, got.Tracker().Armed())
	assert.Equal(t, time.Minute, mr.TTL("pl#u1"), "reads refresh the ttl")
}

func TestSnapshotNoExpiration(t *testing.T) {
	ctx := context.Background()
	mr, rdb := testsupport.StartRedis(t)
	snaps, err := NewSnapshots[*player](New(rdb))
	require.NoError(t, err)

	_, err = snaps.Put(ctx, "pl#u2", &player{Base: entity.Base{UID: "u2"}}, NoExpiration)
	require.NoError(t, err)
	assert.Equal(t, time.Duration(0), mr.TTL("pl#u2"))
}

func TestSnapshotMiss(t *testing.T) {
	snaps, _, _ := newSnapshots(t)

	got, found, err := snaps.Get(context.Background(), "pl#missing", time.Minute)
	require.NoError(t, err)
	assert.False(t, found)
	assert.Nil(t, got)
}

func TestSnapshotPatch(t *testing.T) {
	ctx := context.Background()
	mr, rdb := testsupport.StartRedis(t)
	snaps, err := NewSnapshots[*player](New(rdb))
	require.NoError(t, err)

	p := &player{Base: entity.Base{ID: 1, UID: "u1"}, Acc: "alice", Level: 3}
	_, err = snaps.Put(ctx, "pl#u1", p, NoExpiration)
	require.NoError(t, err)

	applied, err := snaps.Patch(ctx, "pl#u1", map[string]any{"acc": "alice2", "meta": map[string]string{"k": "v"}}, time.Hour)
	require.NoError(t, err)
	assert.True(t, applied)

	assert.Equal(t, "alice2", mr.HGet("pl#u1", "acc"))
	assert.Equal(t, `{"k":"v"}`, mr.HGet("pl#u1", "meta"))
	assert.Equal(t, "3", mr.HGet("pl#u1", "level"), "untouched fields survive a patch")
	assert.Equal(t, time.Hour, mr.TTL("pl#u1"))

	applied, err = snaps.Patch(ctx, "pl#absent", map[string]any{"acc": "x"}, time.Hour)
	require.NoError(t, err)
	assert.False(t, applied)
	assert.False(t, mr.Exists("pl#absent"), "a patch never creates a partial snapshot")
}

func TestSubSecondTTL(t *testing.T) {
	ctx := context.Background()
	mr, rdb := testsupport.StartRedis(t)
	snaps, err := NewSnapshots[*player](New(rdb))
	require.NoError(t, err)

	tests := []struct {
		name string
		ttl  time.Duration
		want time.Duration
	}{
		{name: "half a second", ttl: 500 * time.Millisecond, want: 500 * time.Millisecond},
		{name: "fractional seconds", ttl: 1500 * time.Millisecond, want: 1500 * time.Millisecond},
		{name: "sub millisecond rounds up", ttl: 300 * time.Microsecond, want: time.Millisecond},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key := "pl#" + tt.name
			p := &player{Base: entity.Base{ID: 1, UID: "u1"}, Acc: "alice"}
			_, err := snaps.Put(ctx, key, p, tt.ttl)
			require.NoError(t, err)
			assert.Equal(t, tt.want, mr.TTL(key))

			applied, err := snaps.Patch(ctx, key, map[string]any{"acc": "alice2"}, tt.ttl)
			require.NoError(t, err)
			assert.True(t, applied)
			require.True(t, mr.Exists(key), "a patch must not expire the snapshot")
			assert.Equal(t, "alice2", mr.HGet(key, "acc"))
			assert.Equal(t, tt.want, mr.TTL(key))
		})
	}
}

func TestTTLMillis(t *testing.T) {
	assert.Equal(t, int64(-1), ttlMillis(NoExpiration))
	assert.Equal(t, int64(0), ttlMillis(0))
	assert.Equal(t, int64(1), ttlMillis(time.Nanosecond))
	assert.Equal(t, int64(500), ttlMillis(500*time.Millisecond))
	assert.Equal(t, int64(1501), ttlMillis(1500*time.Millisecond+time.Microsecond))
}

func TestCollections(t *testing.T) {
	ctx := context.Background()
	mr, rdb := testsupport.StartRedis(t)
	snaps, err := NewSnapshots[*player](New(rdb, WithValueCodec(entity.MsgpackCodec{})))
	require.NoError(t, err)

	items := []*player{
		{Base: entity.Base{ID: 2, UID: "b"}, Acc: "bob", GuildID: 7},
		{Base: entity.Base{ID: 1, UID: "a"}, Acc: "alice", GuildID: 7},
	}
	ok, err := snaps.PutCollection(ctx, "pl_list#7", items, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	keys, _ := mr.HKeys("pl_list#7")
	assert.ElementsMatch(t, []string{"a", "b"}, keys)

	got, found, err := snaps.GetCollection(ctx, "pl_list#7", time.Minute)
	require.NoError(t, err)
	require.True(t, found)
	require.Len(t, got, 2)
	assert.Equal(t, "alice", got[0].Acc)
	assert.Equal(t, "bob", got[1].Acc)

	member, found, err := snaps.GetMember(ctx, "pl_list#7", "b", time.Minute)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "bob", member.Acc)

	_, found, err = snaps.GetMember(ctx, "pl_list#7", "zzz", time.Minute)
	require.NoError(t, err)
	assert.False(t, found)

	ok, err = snaps.PutCollection(ctx, "pl_list#7", items[:1], time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
	keys, _ = mr.HKeys("pl_list#7")
	assert.Equal(t, []string{"b"}, keys, "putting a collection replaces the previous members")
}

func TestRemovals(t *testing.T) {
	ctx := context.Background()
	mr, rdb := testsupport.StartRedis(t)
	store := New(rdb)

	mr.HSet("pl#u1", "acc", "alice")
	mr.HSet("pl_list#7", "a", "{}", "b", "{}", "c", "{}")

	removed, err := store.RemoveEntity(ctx, "pl#u1")
	require.NoError(t, err)
	assert.True(t, removed)

	removed, err = store.RemoveEntity(ctx, "pl#u1")
	require.NoError(t, err)
	assert.False(t, removed)

	removed, err = store.RemoveField(ctx, "pl_list#7", "a")
	require.NoError(t, err)
	assert.True(t, removed)

	removed, err = store.RemoveFields(ctx, "pl_list#7", "x", "b")
	require.NoError(t, err)
	assert.True(t, removed)

	removed, err = store.RemoveFields(ctx, "pl_list#7", "x", "y")
	require.NoError(t, err)
	assert.False(t, removed)

	keys, _ := mr.HKeys("pl_list#7")
	assert.Equal(t, []string{"c"}, keys)
}

func TestTransportFailures(t *testing.T) {
	ctx := context.Background()
	snaps, store, setError := newSnapshots(t)
	setError("ERR server unavailable")

	ok, err := snaps.Put(ctx, "pl#u1", &player{Base: entity.Base{UID: "u1"}}, time.Minute)
	assert.False(t, ok)
	assert.True(t, outcome.IsTransport(err))

	got, found, err := snaps.Get(ctx, "pl#u1", time.Minute)
	assert.False(t, found)
	assert.Nil(t, got)
	assert.True(t, outcome.IsTransport(err))

	removed, err := store.RemoveEntity(ctx, "pl#u1")
	assert.False(t, removed)
	assert.Error(t, err)

	setError("")
	assert.NoError(t, store.Ping(ctx), "the pool recovers once the server does")
}

func TestEmptyWritesAreNoOps(t *testing.T) {
	_, store, _ := newSnapshots(t)
	ok, err := store.PutHash(context.Background(), "pl#x", nil, time.Minute)
	assert.NoError(t, err)
	assert.False(t, ok)

	ok, err = store.RemoveFields(context.Background(), "pl#x")
	assert.NoError(t, err)
	assert.False(t, ok)
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())

	cfg := DefaultConfig()
	cfg.Address = ""
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.ValueEncoding = "gob"
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.PoolSize = 0
	assert.Error(t, cfg.Validate())
}

func TestDial(t *testing.T) {
	mr, _ := testsupport.StartRedis(t)
	cfg := DefaultConfig()
	cfg.Address = mr.Addr()
	cfg.ValueEncoding = "msgpack"

	store, err := Dial(context.Background(), cfg)
	require.NoError(t, err)
	defer store.Close()
	assert.Equal(t, "msgpack", store.values.Name())

	cfg.Address = "127.0.0.1:1"
	cfg.DialTimeout = 200 * time.Millisecond
	_, err = Dial(context.Background(), cfg)
	assert.True(t, outcome.IsTransport(err))
}
