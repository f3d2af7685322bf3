package persistence

import (
	"context"

	"github.com/goliatone/go-entity-store/outcome"
	"github.com/goliatone/go-entity-store/sqlstore"
)

// InsertBatch inserts items in one session. Items are routed up front; a
// routing failure is returned before anything is written. Any item failure
// rolls the whole batch back. Cache snapshots are written only for committed
// items.
func (r *Repository[T]) InsertBatch(ctx context.Context, items []T) (outcome.Batch, error) {
	work := make([]sqlstore.InsertItem[T], len(items))
	for i, m := range items {
		key, err := r.insertKey(m)
		if err != nil {
			return outcome.Batch{}, err
		}
		sel, _, err := r.route(key)
		if err != nil {
			return outcome.Batch{}, err
		}
		work[i] = sqlstore.InsertItem[T]{Shard: sel, Entity: m}
	}

	batch := r.db.InsertBatch(ctx, r.db.Begin(ctx), work)
	for i, m := range items {
		if batch.Items[i].OK() {
			r.afterInsert(ctx, m, &batch.Items[i])
		}
	}
	return batch, nil
}

// UpdateBatch applies the pending changes of every item in one session.
// Every item must be armed. Items without database changes are reported
// NoOp and do not cause a rollback.
func (r *Repository[T]) UpdateBatch(ctx context.Context, items []T) (outcome.Batch, error) {
	work := make([]sqlstore.UpdateItem, len(items))
	routed := make([]string, len(items))
	for i, m := range items {
		if !m.Tracker().Armed() {
			return outcome.Batch{}, r.notTracked(m)
		}
		key := r.routingKey(m)
		if err := r.checkUpdate(m, key); err != nil {
			return outcome.Batch{}, err
		}
		sel, _, err := r.route(key)
		if err != nil {
			return outcome.Batch{}, err
		}
		payload, ok := r.updatePayload(m)
		if !ok {
			payload = sqlstore.UpdatePayload(r.schema.KeyOf(m), nil)
		}
		work[i] = sqlstore.UpdateItem{Shard: sel, Payload: payload}
		routed[i] = key.Shard
	}

	batch := r.db.UpdateBatch(ctx, r.db.Begin(ctx), work)
	for i, m := range items {
		switch batch.Items[i].Status {
		case outcome.Succeeded:
			r.bumpVersion(m)
			r.afterUpdate(ctx, m, routed[i], &batch.Items[i])
		case outcome.NoOp:
			r.afterUpdate(ctx, m, routed[i], &batch.Items[i])
		}
	}
	return batch, nil
}

// DeleteBatch deletes items in one session and drops the cache keys of the
// committed ones.
func (r *Repository[T]) DeleteBatch(ctx context.Context, items []T) (outcome.Batch, error) {
	at := r.db.Now()
	work := make([]sqlstore.DeleteItem, len(items))
	for i, m := range items {
		key := r.schema.KeyOf(m)
		sel, _, err := r.route(key)
		if err != nil {
			return outcome.Batch{}, err
		}
		work[i] = sqlstore.DeleteItem{Shard: sel, Key: key, At: at}
	}

	batch := r.db.DeleteBatch(ctx, r.db.Begin(ctx), work)
	for i, m := range items {
		if batch.Items[i].OK() {
			r.afterDelete(ctx, m, at, &batch.Items[i])
		}
	}
	return batch, nil
}
