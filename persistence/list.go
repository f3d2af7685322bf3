package persistence

import (
	"context"

	"github.com/uptrace/bun"

	"github.com/goliatone/go-entity-store/entity"
	"github.com/goliatone/go-entity-store/outcome"
	"github.com/goliatone/go-entity-store/pkg/logging"
	"github.com/goliatone/go-entity-store/sqlstore"
)

func (r *Repository[T]) shardField() (entity.Field, error) {
	f, ok := r.schema.ShardField()
	if !ok {
		return entity.Field{}, outcome.ConfigError("NO_SHARD_FIELD",
			r.schema.Type().Name()+" declares no shard field and has no collections")
	}
	return f, nil
}

func whereEquals(column string, value any) sqlstore.Filter {
	return func(q *bun.SelectQuery) *bun.SelectQuery {
		return q.Where("? = ?", bun.Ident(column), value)
	}
}

// GetList returns every entity whose shard field equals shard, ordered by
// id. The collection cache key is read first; on a miss the database is
// queried, page by page when the resolver is paged, and a non-empty result
// is written back as the collection snapshot.
func (r *Repository[T]) GetList(ctx context.Context, shard string) ([]T, outcome.Result, error) {
	f, err := r.shardField()
	if err != nil {
		return nil, outcome.Result{}, err
	}
	_, db, err := r.route(entity.Key{Shard: shard})
	if err != nil {
		return nil, outcome.Result{}, err
	}

	withDeleted := includeDeleted(ctx)
	useCache := r.cacheActive() && !withDeleted
	ck := r.schema.CollectionKey(shard)

	if useCache {
		items, found, err := r.kv.GetCollection(ctx, ck, r.ttl)
		switch {
		case err != nil:
			r.logger.Warn("collection read failed, reading database", logging.String("key", ck), logging.Any("error", err))
		case found:
			items = r.live(items)
			r.armAll(items)
			return items, outcome.Success(int64(len(items))), nil
		}
	}

	filters := []sqlstore.Filter{whereEquals(f.Name, shard)}
	if r.schema.SoftDelete() && !withDeleted {
		filters = append(filters, whereEquals(entity.FieldDeleted, false))
	}
	rows, res := r.db.GetList(ctx, db, sqlstore.PagingFrom(r.resolver), filters...)
	if !res.OK() {
		return nil, res, nil
	}
	if !withDeleted {
		rows = r.live(rows)
	}

	if useCache && len(rows) > 0 {
		if _, err := r.kv.PutCollection(ctx, ck, rows, r.ttl); err != nil {
			r.cacheFailed(ctx, &res, err, "list read back", ck)
		}
	}
	r.armAll(rows)
	return rows, res, nil
}

// GetMember returns the member sub of the collection of shard, where sub is
// the member's SubKey. It reads the single hash field first and falls back
// to GetList.
func (r *Repository[T]) GetMember(ctx context.Context, shard, sub string) (T, outcome.Result, error) {
	var zero T
	if _, err := r.shardField(); err != nil {
		return zero, outcome.Result{}, err
	}

	if r.cacheActive() && !includeDeleted(ctx) {
		ck := r.schema.CollectionKey(shard)
		m, found, err := r.kv.GetMember(ctx, ck, sub, r.ttl)
		switch {
		case err != nil:
			r.logger.Warn("member read failed", logging.String("key", ck), logging.Any("error", err))
		case found && !m.IsDeleted():
			r.arm(m)
			return m, outcome.Success(1), nil
		}
	}

	items, res, err := r.GetList(ctx, shard)
	if err != nil || !res.OK() {
		return zero, res, err
	}
	for _, m := range items {
		if m.SubKey() == sub {
			return m, outcome.Success(1), nil
		}
	}
	return zero, outcome.Missing(), nil
}

func (r *Repository[T]) live(items []T) []T {
	out := items[:0]
	for _, m := range items {
		if !m.IsDeleted() {
			out = append(out, m)
		}
	}
	return out
}

func (r *Repository[T]) armAll(items []T) {
	for _, m := range items {
		r.arm(m)
	}
}
