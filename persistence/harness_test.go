package persistence

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"

	"github.com/goliatone/go-entity-store/entity"
	"github.com/goliatone/go-entity-store/kvstore"
	"github.com/goliatone/go-entity-store/pkg/testsupport"
	"github.com/goliatone/go-entity-store/sharding"
	"github.com/goliatone/go-entity-store/sqlstore"
)

type user struct {
	bun.BaseModel `bun:"table:users"`
	entity.Base
	Acc     string `bun:"acc" persist:"acc"`
	Nick    string `bun:"nick" persist:"nick,db"`
	Online  bool   `bun:"-" persist:"online,cache"`
	GuildID int64  `bun:"guild_id" persist:"guild_id,shard"`
}

func (u *user) SetAcc(v string)    { entity.Set(u, "acc", &u.Acc, v) }
func (u *user) SetNick(v string)   { entity.Set(u, "nick", &u.Nick, v) }
func (u *user) SetOnline(v bool)   { entity.Set(u, "online", &u.Online, v) }
func (u *user) SetGuildID(v int64) { entity.Set(u, "guild_id", &u.GuildID, v) }

// note has no shard field and no soft delete.
type note struct {
	bun.BaseModel `bun:"table:notes"`
	entity.Base
	Body string `bun:"body" persist:"body"`
}

var (
	_ = entity.MustRegister[*user](entity.WithNamespace("us"), entity.WithSoftDelete())
	_ = entity.MustRegister[*note](entity.WithNamespace("nt"))
)

var errInjected = errors.New("injected failure")

// recordingMapper records database traffic and fails updates for the uids in
// failUpdate.
type recordingMapper struct {
	*sqlstore.BunMapper[*user]
	gets       int
	updates    []map[string]any
	pages      []sqlstore.Page
	lists      int
	failUpdate map[string]bool
}

func (m *recordingMapper) GetByKey(ctx context.Context, db bun.IDB, id int64) (*user, error) {
	m.gets++
	return m.BunMapper.GetByKey(ctx, db, id)
}

func (m *recordingMapper) GetByUniqueID(ctx context.Context, db bun.IDB, uid string) (*user, error) {
	m.gets++
	return m.BunMapper.GetByUniqueID(ctx, db, uid)
}

func (m *recordingMapper) List(ctx context.Context, db bun.IDB, page *sqlstore.Page, filters ...sqlstore.Filter) ([]*user, int, error) {
	m.lists++
	if page != nil {
		m.pages = append(m.pages, *page)
	}
	return m.BunMapper.List(ctx, db, page, filters...)
}

func (m *recordingMapper) UpdateByMap(ctx context.Context, db bun.IDB, values map[string]any) (int64, error) {
	cp := make(map[string]any, len(values))
	for k, v := range values {
		cp[k] = v
	}
	m.updates = append(m.updates, cp)
	if uid, _ := values[entity.FieldUID].(string); m.failUpdate[uid] {
		return 0, errInjected
	}
	return m.BunMapper.UpdateByMap(ctx, db, values)
}

type harness struct {
	repo   *Repository[*user]
	store  *sqlstore.Store[*user]
	mapper *recordingMapper
	mr     *miniredis.Miniredis
	dbs    []*bun.DB
}

type harnessConfig struct {
	shards   int
	paged    bool
	pageSize int
	opts     []Option
}

func newHarness(t *testing.T, opts ...Option) *harness {
	return newHarnessWith(t, harnessConfig{shards: 1, opts: opts})
}

func newHarnessWith(t *testing.T, cfg harnessConfig) *harness {
	t.Helper()

	dbs := make([]*bun.DB, cfg.shards)
	for i := range dbs {
		dbs[i] = testsupport.OpenSQLite(t, (*user)(nil))
	}
	cluster, err := sqlstore.NewCluster(dbs...)
	require.NoError(t, err)

	bm, err := sqlstore.NewBunMapper[*user]()
	require.NoError(t, err)
	mapper := &recordingMapper{BunMapper: bm, failUpdate: map[string]bool{}}

	clock := func() time.Time { return time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC) }
	store, err := sqlstore.NewStore[*user](cluster, mapper, sqlstore.WithClock(clock))
	require.NoError(t, err)

	pageSize := cfg.pageSize
	if pageSize == 0 {
		pageSize = 100
	}
	resolver, err := sharding.NewModuloResolver(sharding.Config{Shards: cfg.shards, Paged: cfg.paged, PageSize: pageSize})
	require.NoError(t, err)

	mr, rdb := testsupport.StartRedis(t)
	opts := append([]Option{WithCache(kvstore.New(rdb))}, cfg.opts...)
	repo, err := New[*user](store, resolver, opts...)
	require.NoError(t, err)

	return &harness{repo: repo, store: store, mapper: mapper, mr: mr, dbs: dbs}
}

// seed writes u to the database only.
func (h *harness) seed(t *testing.T, u *user) {
	t.Helper()
	sel := sharding.Resolve(h.repo.resolver, h.repo.schema.KeyOf(u))
	require.True(t, h.store.Insert(context.Background(), h.dbs[sel], u).OK())
}

// row reads u straight from the database, bypassing every cache.
func (h *harness) row(t *testing.T, shard int, uid string) *user {
	t.Helper()
	got := new(user)
	err := h.dbs[shard].NewSelect().Model(got).Where("uid = ?", uid).Scan(context.Background())
	require.NoError(t, err)
	return got
}
