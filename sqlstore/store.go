package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/uptrace/bun"

	"github.com/goliatone/go-entity-store/entity"
	"github.com/goliatone/go-entity-store/outcome"
	"github.com/goliatone/go-entity-store/pkg/logging"
	"github.com/goliatone/go-entity-store/sharding"
)

const codeTransport = "DB_TRANSPORT"

// Paging controls how list queries are issued.
type Paging struct {
	Enabled bool
	Size    int
}

// PagingFrom reads the paging settings of a resolver.
func PagingFrom(r sharding.Resolver) Paging {
	return Paging{Enabled: r.Paged(), Size: r.PageSize()}
}

// Option configures a Store.
type Option func(*options)

type options struct {
	logger logging.Logger
	now    func() time.Time
}

func WithLogger(l logging.Logger) Option {
	return func(o *options) { o.logger = logging.OrNop(l) }
}

// WithClock overrides the time source used for soft delete timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// Store runs entity operations through a Mapper and turns failures into
// tagged results. Single operations take the handle to run on; batches take a
// Session.
type Store[T entity.Model] struct {
	mapper  Mapper[T]
	cluster *Cluster
	schema  *entity.Schema
	logger  logging.Logger
	now     func() time.Time
}

// NewStore binds mapper to cluster. T must be registered.
func NewStore[T entity.Model](cluster *Cluster, mapper Mapper[T], opts ...Option) (*Store[T], error) {
	if cluster == nil {
		return nil, outcome.ConfigError("NO_SHARDS", "cluster is required")
	}
	if mapper == nil {
		return nil, outcome.ConfigError("MISSING_MAPPER", "mapper is required")
	}
	schema, err := entity.SchemaFor[T]()
	if err != nil {
		return nil, err
	}

	o := options{logger: logging.NewNopLogger(), now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	return &Store[T]{
		mapper:  mapper,
		cluster: cluster,
		schema:  schema,
		logger:  o.logger,
		now:     o.now,
	}, nil
}

// NewBunStore is NewStore with a BunMapper.
func NewBunStore[T entity.Model](cluster *Cluster, opts ...Option) (*Store[T], error) {
	mapper, err := NewBunMapper[T]()
	if err != nil {
		return nil, err
	}
	return NewStore[T](cluster, mapper, opts...)
}

func (s *Store[T]) Cluster() *Cluster { return s.cluster }

// DB returns the handle of shard sel.
func (s *Store[T]) DB(sel sharding.Selector) (*bun.DB, error) {
	return s.cluster.DB(sel)
}

// Begin opens a batch session.
func (s *Store[T]) Begin(ctx context.Context) *Session {
	return s.cluster.Begin(ctx)
}

// Insert writes m. On success the generated id, if any, is set on m.
func (s *Store[T]) Insert(ctx context.Context, db bun.IDB, m T) outcome.Result {
	if err := s.mapper.Insert(ctx, db, m); err != nil {
		return s.failure("insert", err, m)
	}
	return outcome.Success(1)
}

// Get loads by uid when set, else by id. Deleted rows are returned as is.
func (s *Store[T]) Get(ctx context.Context, db bun.IDB, key entity.Key) (T, outcome.Result) {
	if key.UID != "" {
		return s.GetByUniqueID(ctx, db, key.UID)
	}
	return s.GetByKey(ctx, db, key.ID)
}

func (s *Store[T]) GetByKey(ctx context.Context, db bun.IDB, id int64) (T, outcome.Result) {
	rec, err := s.mapper.GetByKey(ctx, db, id)
	return s.loaded(rec, err, "get_by_key", id)
}

func (s *Store[T]) GetByUniqueID(ctx context.Context, db bun.IDB, uid string) (T, outcome.Result) {
	rec, err := s.mapper.GetByUniqueID(ctx, db, uid)
	return s.loaded(rec, err, "get_by_unique_id", uid)
}

func (s *Store[T]) loaded(rec T, err error, op string, key any) (T, outcome.Result) {
	var zero T
	if errors.Is(err, sql.ErrNoRows) {
		s.logger.Debug("row not found", logging.String("op", op), logging.Any("key", key))
		return zero, outcome.Missing()
	}
	if err != nil {
		return zero, s.failure(op, err, key)
	}
	return rec, outcome.Success(1)
}

// GetList runs a list query, one page at a time when paging is enabled,
// concatenating pages until the reported total is reached.
func (s *Store[T]) GetList(ctx context.Context, db bun.IDB, paging Paging, filters ...Filter) ([]T, outcome.Result) {
	if !paging.Enabled || paging.Size <= 0 {
		rows, _, err := s.mapper.List(ctx, db, nil, filters...)
		if err != nil {
			return nil, s.failure("list", err, nil)
		}
		return rows, outcome.Success(int64(len(rows)))
	}

	var all []T
	for offset := 0; ; {
		rows, total, err := s.mapper.List(ctx, db, &Page{Offset: offset, Limit: paging.Size}, filters...)
		if err != nil {
			return nil, s.failure("list", err, offset)
		}
		all = append(all, rows...)
		offset += paging.Size
		if offset >= total || len(rows) == 0 {
			break
		}
	}
	return all, outcome.Success(int64(len(all)))
}

// UpdatePayload builds {id, uid, ...changes}.
func UpdatePayload(key entity.Key, changes map[string]any) map[string]any {
	payload := make(map[string]any, len(changes)+2)
	for k, v := range changes {
		payload[k] = v
	}
	payload[entity.FieldID] = key.ID
	payload[entity.FieldUID] = key.UID
	return payload
}

func hasChanges(payload map[string]any) bool {
	for k := range payload {
		if k != entity.FieldID && k != entity.FieldUID {
			return true
		}
	}
	return false
}

// UpdateByFields applies a payload built by UpdatePayload. A payload without
// changed fields is a no-op.
func (s *Store[T]) UpdateByFields(ctx context.Context, db bun.IDB, payload map[string]any) outcome.Result {
	if !hasChanges(payload) {
		s.logger.Info("nothing to update", logging.Any("id", payload[entity.FieldID]), logging.Any("uid", payload[entity.FieldUID]))
		return outcome.Skipped()
	}
	n, err := s.mapper.UpdateByMap(ctx, db, payload)
	if err != nil {
		return s.failure("update", err, payload)
	}
	if n == 0 {
		return outcome.Missing()
	}
	return outcome.Success(n)
}

// Now returns the store clock in UTC.
func (s *Store[T]) Now() time.Time { return s.now().UTC() }

// Delete removes the row of key, or marks it deleted when the type uses soft
// deletes.
func (s *Store[T]) Delete(ctx context.Context, db bun.IDB, key entity.Key) outcome.Result {
	if s.schema.SoftDelete() {
		return s.SoftDelete(ctx, db, key, s.Now())
	}
	return s.HardDelete(ctx, db, key)
}

// SoftDelete sets deleted and delete_time on the row of key.
func (s *Store[T]) SoftDelete(ctx context.Context, db bun.IDB, key entity.Key, at time.Time) outcome.Result {
	return s.UpdateByFields(ctx, db, softDeletePayload(key, at))
}

// HardDelete removes the row regardless of the soft delete setting.
func (s *Store[T]) HardDelete(ctx context.Context, db bun.IDB, key entity.Key) outcome.Result {
	var (
		n   int64
		err error
	)
	if key.UID != "" {
		n, err = s.mapper.DeleteByUniqueID(ctx, db, key.UID)
	} else {
		n, err = s.mapper.DeleteByKey(ctx, db, key.ID)
	}
	if err != nil {
		return s.failure("delete", err, key)
	}
	if n == 0 {
		return outcome.Missing()
	}
	return outcome.Success(n)
}

// DeleteByUniqueID is Delete for a uid.
func (s *Store[T]) DeleteByUniqueID(ctx context.Context, db bun.IDB, uid string) outcome.Result {
	return s.Delete(ctx, db, entity.ByUID(uid))
}

func softDeletePayload(key entity.Key, at time.Time) map[string]any {
	return UpdatePayload(key, map[string]any{
		entity.FieldDeleted:    true,
		entity.FieldDeleteTime: at.UTC(),
	})
}

// InsertItem is one entry of an insert batch.
type InsertItem[T entity.Model] struct {
	Shard  sharding.Selector
	Entity T
}

// UpdateItem is one entry of an update batch; Payload comes from UpdatePayload.
type UpdateItem struct {
	Shard   sharding.Selector
	Payload map[string]any
}

// DeleteItem is one entry of a delete batch. At is the soft delete time; the
// zero value means now.
type DeleteItem struct {
	Shard sharding.Selector
	Key   entity.Key
	At    time.Time
}

func (s *Store[T]) InsertBatch(ctx context.Context, sess *Session, items []InsertItem[T]) outcome.Batch {
	return s.runBatch(sess, len(items),
		func(i int) sharding.Selector { return items[i].Shard },
		nil,
		func(i int, db bun.IDB) (outcome.Result, error) {
			if err := s.mapper.Insert(ctx, db, items[i].Entity); err != nil {
				return outcome.Result{}, err
			}
			return outcome.Success(1), nil
		})
}

func (s *Store[T]) UpdateBatch(ctx context.Context, sess *Session, items []UpdateItem) outcome.Batch {
	return s.runBatch(sess, len(items),
		func(i int) sharding.Selector { return items[i].Shard },
		func(i int) bool { return !hasChanges(items[i].Payload) },
		func(i int, db bun.IDB) (outcome.Result, error) {
			n, err := s.mapper.UpdateByMap(ctx, db, items[i].Payload)
			if err != nil {
				return outcome.Result{}, err
			}
			if n == 0 {
				return outcome.Missing(), nil
			}
			return outcome.Success(n), nil
		})
}

func (s *Store[T]) DeleteBatch(ctx context.Context, sess *Session, items []DeleteItem) outcome.Batch {
	return s.runBatch(sess, len(items),
		func(i int) sharding.Selector { return items[i].Shard },
		nil,
		func(i int, db bun.IDB) (outcome.Result, error) {
			key := items[i].Key
			var (
				n   int64
				err error
			)
			switch {
			case s.schema.SoftDelete():
				at := items[i].At
				if at.IsZero() {
					at = s.Now()
				}
				n, err = s.mapper.UpdateByMap(ctx, db, softDeletePayload(key, at))
			case key.UID != "":
				n, err = s.mapper.DeleteByUniqueID(ctx, db, key.UID)
			default:
				n, err = s.mapper.DeleteByKey(ctx, db, key.ID)
			}
			if err != nil {
				return outcome.Result{}, err
			}
			if n == 0 {
				return outcome.Missing(), nil
			}
			return outcome.Success(n), nil
		})
}

// runBatch executes items in order inside sess. The first error rolls the
// whole session back and every item is reported RolledBack. Skipped items
// are reported NoOp and never open a transaction.
func (s *Store[T]) runBatch(
	sess *Session,
	n int,
	shardOf func(i int) sharding.Selector,
	skip func(i int) bool,
	exec func(i int, db bun.IDB) (outcome.Result, error),
) outcome.Batch {
	defer sess.Close()

	results := make([]outcome.Result, n)
	for i := 0; i < n; i++ {
		if skip != nil && skip(i) {
			s.logger.Info("nothing to update", logging.Int("item", i))
			results[i] = outcome.Skipped()
			continue
		}

		db, err := sess.Tx(shardOf(i))
		if err == nil {
			results[i], err = exec(i, db)
		}
		if err != nil {
			s.logger.Error("batch item failed, rolling back", err, logging.Int("item", i), logging.Int("items", n))
			if rbErr := sess.Rollback(); rbErr != nil {
				s.logger.Error("batch rollback failed", rbErr)
			}
			return rolledBack(n, i, err)
		}
	}

	committed, err := sess.Commit()
	if err != nil {
		return partialCommit(results, committed, shardOf, err)
	}
	return outcome.Batch{Items: results, Committed: true}
}

func rolledBack(n, failed int, cause error) outcome.Batch {
	batchErr := goerrors.Wrap(cause, outcome.CategoryTransport, fmt.Sprintf("batch rolled back at item %d", failed)).
		WithTextCode("BATCH_ROLLED_BACK")

	items := make([]outcome.Result, n)
	for i := range items {
		items[i] = outcome.Result{Status: outcome.RolledBack, Err: batchErr}
	}
	items[failed].Err = cause
	return outcome.Batch{Items: items, Err: batchErr}
}

// partialCommit reports the truth after a commit failure: items on shards
// that committed keep their result, the rest were rolled back.
func partialCommit(results []outcome.Result, committed []sharding.Selector, shardOf func(int) sharding.Selector, err error) outcome.Batch {
	ok := make(map[sharding.Selector]bool, len(committed))
	for _, sel := range committed {
		ok[sel] = true
	}
	for i := range results {
		if results[i].Status == outcome.NoOp || ok[shardOf(i)] {
			continue
		}
		results[i] = outcome.Result{Status: outcome.RolledBack, Err: err}
	}
	return outcome.Batch{Items: results, Err: err}
}

func (s *Store[T]) failure(op string, err error, subject any) outcome.Result {
	s.logger.Error("durable operation failed", err,
		logging.String("op", op),
		logging.String("entity", fmt.Sprintf("%+v", subject)),
	)
	return outcome.Failure(outcome.TransportError(err, codeTransport, op))
}
