package persistence

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/uptrace/bun"

	"github.com/goliatone/go-entity-store/cache"
	"github.com/goliatone/go-entity-store/entity"
	"github.com/goliatone/go-entity-store/kvstore"
	"github.com/goliatone/go-entity-store/outcome"
	"github.com/goliatone/go-entity-store/pkg/logging"
	"github.com/goliatone/go-entity-store/sharding"
	"github.com/goliatone/go-entity-store/sqlstore"
)

// Repository coordinates the cache and database tiers for entities of type T.
// Writes go to the database first and then update or invalidate the cache;
// reads try the cache first and fall back to the database.
type Repository[T entity.Model] struct {
	schema     *entity.Schema
	db         *sqlstore.Store[T]
	kv         *kvstore.Snapshots[T]
	near       cache.CacheService
	codec      *entity.FieldCodec
	resolver   sharding.Resolver
	ttl        time.Duration
	versioning bool
	enabled    atomic.Bool
	logger     logging.Logger
}

// New builds a Repository over db. T must be registered.
func New[T entity.Model](db *sqlstore.Store[T], resolver sharding.Resolver, opts ...Option) (*Repository[T], error) {
	if db == nil {
		return nil, outcome.ConfigError("MISSING_STORE", "durable store is required")
	}
	if resolver == nil {
		return nil, outcome.ConfigError("NO_RESOLVER", "shard resolver is required")
	}
	schema, err := entity.SchemaFor[T]()
	if err != nil {
		return nil, err
	}

	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	r := &Repository[T]{
		schema:     schema,
		db:         db,
		near:       o.near,
		codec:      entity.NewFieldCodec(schema, entity.JSONCodec{}),
		resolver:   resolver,
		ttl:        o.ttl,
		versioning: o.versioning,
		logger:     o.logger.WithFields(logging.String("entity", schema.Type().Name())),
	}
	if o.kv != nil {
		if r.kv, err = kvstore.NewSnapshots[T](o.kv); err != nil {
			return nil, err
		}
	}
	r.enabled.Store(o.cacheEnabled)
	return r, nil
}

// Schema returns the registered schema of T.
func (r *Repository[T]) Schema() *entity.Schema { return r.schema }

// SetCacheEnabled flips the cache switch. While disabled every operation goes
// to the database only and neither cache is read or written.
func (r *Repository[T]) SetCacheEnabled(enabled bool) {
	r.enabled.Store(enabled)
	r.logger.Info("cache switch changed", logging.Bool("enabled", enabled))
}

func (r *Repository[T]) CacheEnabled() bool { return r.enabled.Load() }

func (r *Repository[T]) cacheActive() bool {
	return r.kv != nil && r.enabled.Load()
}

func (r *Repository[T]) route(key entity.Key) (sharding.Selector, *bun.DB, error) {
	sel := sharding.Resolve(r.resolver, key)
	db, err := r.db.DB(sel)
	if err != nil {
		return sel, nil, err
	}
	return sel, db, nil
}

// routingKey is KeyOf(m) with the shard value m had before its pending
// changes, so a moved entity is still addressed where its row lives.
func (r *Repository[T]) routingKey(m T) entity.Key {
	key := r.schema.KeyOf(m)
	if f, ok := r.schema.ShardField(); ok {
		if old, changed := m.Tracker().Baseline(f.Name); changed {
			if s, err := r.codec.EncodeValue(old); err == nil {
				key.Shard = s
			}
		}
	}
	return key
}

// insertKey routes a new entity. With more than one shard the key needs a
// shard value or a uid: the id is assigned by the database after routing,
// so an id-only key would place the row where reads by id never look.
func (r *Repository[T]) insertKey(m T) (entity.Key, error) {
	key := r.schema.KeyOf(m)
	if n := r.db.Cluster().Size(); n > 1 && key.Shard == "" && key.UID == "" {
		return key, outcome.ConfigError("UNROUTABLE",
			fmt.Sprintf("%s needs a shard value or a uid to be inserted into %d shards", r.schema.Type().Name(), n))
	}
	return key, nil
}

// checkUpdate rejects pending changes the durable tier cannot apply in
// place: a new id or uid, and a shard value that routes to another shard.
func (r *Repository[T]) checkUpdate(m T, routed entity.Key) error {
	name := r.schema.Type().Name()
	for _, field := range []string{entity.FieldID, entity.FieldUID} {
		if _, changed := m.Tracker().Baseline(field); changed {
			return outcome.ConfigError("IDENTITY_CHANGED", fmt.Sprintf("%s: %s cannot be updated", name, field))
		}
	}
	current := r.schema.KeyOf(m)
	if current.Shard == routed.Shard {
		return nil
	}
	from, to := sharding.Resolve(r.resolver, routed), sharding.Resolve(r.resolver, current)
	if from != to {
		return outcome.ConfigError("SHARD_MOVE",
			fmt.Sprintf("%s: shard value %q routes to %s, the row lives on %s", name, current.Shard, to, from))
	}
	return nil
}

func (r *Repository[T]) arm(m T) {
	m.Tracker().Arm(r.schema)
}

func (r *Repository[T]) notTracked(m T) error {
	id, uid := m.Identity()
	return outcome.ConfigError("NOT_TRACKED",
		fmt.Sprintf("%s id=%d uid=%q has no armed tracker", r.schema.Type().Name(), id, uid))
}

// Insert writes m to the database and, on success, stores its full snapshot
// in the cache. m is armed afterwards.
func (r *Repository[T]) Insert(ctx context.Context, m T) (outcome.Result, error) {
	key, err := r.insertKey(m)
	if err != nil {
		return outcome.Result{}, err
	}
	_, db, err := r.route(key)
	if err != nil {
		return outcome.Result{}, err
	}

	res := r.db.Insert(ctx, db, m)
	if !res.OK() {
		return res, nil
	}
	r.afterInsert(ctx, m, &res)
	return res, nil
}

func (r *Repository[T]) afterInsert(ctx context.Context, m T, res *outcome.Result) {
	r.arm(m)
	m.Tracker().Flush()

	key := r.schema.KeyOf(m)
	pk := r.schema.PointKey(key)
	r.forgetNear(ctx, pk)
	if !r.cacheActive() {
		return
	}
	if _, err := r.kv.Put(ctx, pk, m, r.ttl); err != nil {
		r.cacheFailed(ctx, res, err, "insert", pk)
	}
	r.dropCollections(ctx, res, key.Shard)
}

// Update writes the pending database changes of m, then patches the cached
// snapshot with the pending cache changes. m must be armed. An entity with
// no database changes is a no-op for the database; its cache changes are
// still patched.
func (r *Repository[T]) Update(ctx context.Context, m T) (outcome.Result, error) {
	tr := m.Tracker()
	if !tr.Armed() {
		return outcome.Result{}, r.notTracked(m)
	}
	key := r.routingKey(m)
	if err := r.checkUpdate(m, key); err != nil {
		return outcome.Result{}, err
	}
	_, db, err := r.route(key)
	if err != nil {
		return outcome.Result{}, err
	}

	if !tr.Dirty() {
		r.logger.Info("nothing to update", logging.String("key", r.schema.PointKey(key)))
		return outcome.Skipped(), nil
	}

	res := outcome.Skipped()
	if payload, ok := r.updatePayload(m); ok {
		res = r.db.UpdateByFields(ctx, db, payload)
		if !res.OK() {
			return res, nil
		}
		r.bumpVersion(m)
	} else {
		r.logger.Info("no database changes", logging.String("key", r.schema.PointKey(key)))
	}

	r.afterUpdate(ctx, m, key.Shard, &res)
	return res, nil
}

// updatePayload builds {id, uid, ...db changes}, reporting false when there
// are no database changes.
func (r *Repository[T]) updatePayload(m T) (map[string]any, bool) {
	changes := m.Tracker().ChangeSet(entity.TierDB)
	if len(changes) == 0 {
		return nil, false
	}
	if r.versioning {
		v, _ := r.schema.Value(m, entity.FieldVersion)
		current, _ := v.(int64)
		changes[entity.FieldVersion] = current + 1
	}
	return sqlstore.UpdatePayload(r.schema.KeyOf(m), changes), true
}

func (r *Repository[T]) bumpVersion(m T) {
	if !r.versioning {
		return
	}
	if v, ok := any(m).(interface{ BumpVersion() }); ok {
		v.BumpVersion()
	}
}

func (r *Repository[T]) afterUpdate(ctx context.Context, m T, routedShard string, res *outcome.Result) {
	tr := m.Tracker()
	key := r.schema.KeyOf(m)
	pk := r.schema.PointKey(key)

	r.forgetNear(ctx, pk)
	if r.cacheActive() {
		if changes := tr.ChangeSet(entity.TierCache); len(changes) > 0 {
			if _, err := r.kv.Patch(ctx, pk, changes, r.ttl); err != nil {
				r.cacheFailed(ctx, res, err, "update", pk)
			}
			r.dropCollections(ctx, res, key.Shard, routedShard)
		}
	}
	tr.Flush()
}

// Delete removes m from the database, or marks it deleted when the type was
// registered WithSoftDelete, then drops its cache keys.
func (r *Repository[T]) Delete(ctx context.Context, m T) (outcome.Result, error) {
	key := r.schema.KeyOf(m)
	_, db, err := r.route(key)
	if err != nil {
		return outcome.Result{}, err
	}

	at := r.db.Now()
	var res outcome.Result
	if r.schema.SoftDelete() {
		res = r.db.SoftDelete(ctx, db, key, at)
	} else {
		res = r.db.HardDelete(ctx, db, key)
	}
	if !res.OK() {
		return res, nil
	}
	r.afterDelete(ctx, m, at, &res)
	return res, nil
}

func (r *Repository[T]) afterDelete(ctx context.Context, m T, at time.Time, res *outcome.Result) {
	if r.schema.SoftDelete() {
		if d, ok := any(m).(interface{ MarkDeleted(time.Time) }); ok {
			d.MarkDeleted(at)
		}
	}
	m.Tracker().Flush()

	key := r.schema.KeyOf(m)
	pk := r.schema.PointKey(key)
	r.forgetNear(ctx, pk)
	if !r.cacheActive() {
		return
	}
	if _, err := r.kv.Store().RemoveEntity(ctx, pk); err != nil {
		r.logger.Warn("cache delete failed", logging.String("key", pk), logging.Any("error", err))
		if res.CacheErr == nil {
			res.CacheErr = err
		}
	}
	r.dropCollections(ctx, res, key.Shard)
}

// Get returns the entity under key. The cache is read first; a miss, a
// cache failure or a cached entity marked deleted falls back to the
// database, whose answer is written back to the cache. Soft deleted entities
// are reported NotFound unless ctx carries WithDeleted. The returned entity
// is armed.
func (r *Repository[T]) Get(ctx context.Context, key entity.Key) (T, outcome.Result, error) {
	var zero T
	_, db, err := r.route(key)
	if err != nil {
		return zero, outcome.Result{}, err
	}
	if key.IsZero() {
		return zero, outcome.Missing(), nil
	}

	withDeleted := includeDeleted(ctx)
	if r.near == nil || !r.cacheActive() || withDeleted {
		m, res := r.load(ctx, db, key, withDeleted)
		return m, res, nil
	}

	pk := r.schema.PointKey(key)
	m, err := cache.GetOrFetch(ctx, r.near, r.codec, pk, func(ctx context.Context) (T, error) {
		m, res := r.load(ctx, db, key, false)
		switch res.Status {
		case outcome.Succeeded:
			return m, nil
		case outcome.NotFound:
			return zero, cache.ErrNotFound
		default:
			return zero, res.Err
		}
	})
	switch {
	case errors.Is(err, cache.ErrNotFound):
		return zero, outcome.Missing(), nil
	case err != nil:
		return zero, outcome.Failure(err), nil
	case m.IsDeleted():
		r.forgetNear(ctx, pk)
		m, res := r.load(ctx, db, key, false)
		return m, res, nil
	}
	r.arm(m)
	return m, outcome.Success(1), nil
}

func (r *Repository[T]) load(ctx context.Context, db bun.IDB, key entity.Key, withDeleted bool) (T, outcome.Result) {
	var zero T
	pk := r.schema.PointKey(key)
	useCache := r.cacheActive() && !withDeleted

	if useCache {
		m, found, err := r.kv.Get(ctx, pk, r.ttl)
		switch {
		case err != nil:
			r.logger.Warn("cache read failed, reading database", logging.String("key", pk), logging.Any("error", err))
		case found && !m.IsDeleted():
			r.arm(m)
			return m, outcome.Success(1)
		case found:
			r.logger.Debug("cached entity is deleted, reading database", logging.String("key", pk))
		}
	}

	m, res := r.db.Get(ctx, db, key)
	if !res.OK() {
		return zero, res
	}
	if m.IsDeleted() && !withDeleted {
		missing := outcome.Missing()
		if useCache {
			if _, err := r.kv.Store().RemoveEntity(ctx, pk); err != nil {
				r.logger.Warn("stale snapshot invalidation failed", logging.String("key", pk), logging.Any("error", err))
				missing.CacheErr = err
			}
		}
		return zero, missing
	}

	if useCache {
		wk := r.schema.PointKey(r.schema.KeyOf(m))
		if _, err := r.kv.Put(ctx, wk, m, r.ttl); err != nil {
			r.cacheFailed(ctx, &res, err, "read back", wk)
		}
	}
	r.arm(m)
	return m, res
}

// cacheFailed records a failed best effort cache write and drops the key so
// the next read refreshes it from the database.
func (r *Repository[T]) cacheFailed(ctx context.Context, res *outcome.Result, err error, op, key string) {
	r.logger.Warn("cache write failed, invalidating", logging.String("op", op), logging.String("key", key), logging.Any("error", err))
	if res.CacheErr == nil {
		res.CacheErr = err
	}
	if _, derr := r.kv.Store().RemoveEntity(ctx, key); derr != nil {
		r.logger.Error("cache invalidation failed", derr, logging.String("key", key))
	}
}

// dropCollections removes the collection keys of the given shard values.
func (r *Repository[T]) dropCollections(ctx context.Context, res *outcome.Result, shards ...string) {
	if _, ok := r.schema.ShardField(); !ok {
		return
	}
	seen := make(map[string]bool, len(shards))
	for _, shard := range shards {
		if seen[shard] {
			continue
		}
		seen[shard] = true
		ck := r.schema.CollectionKey(shard)
		if _, err := r.kv.Store().RemoveEntity(ctx, ck); err != nil {
			r.logger.Warn("collection invalidation failed", logging.String("key", ck), logging.Any("error", err))
			if res.CacheErr == nil {
				res.CacheErr = err
			}
		}
	}
}

func (r *Repository[T]) forgetNear(ctx context.Context, key string) {
	if r.near == nil {
		return
	}
	if err := r.near.Delete(ctx, key); err != nil {
		r.logger.Warn("near cache invalidation failed", logging.String("key", key), logging.Any("error", err))
	}
}
