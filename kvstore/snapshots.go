package kvstore

import (
	"context"
	"fmt"
	"sort"
	"time"

	goerrors "github.com/goliatone/go-errors"

	"github.com/goliatone/go-entity-store/entity"
	"github.com/goliatone/go-entity-store/pkg/logging"
)

// Snapshots reads and writes entities of type T as hashes.
type Snapshots[T entity.Model] struct {
	store *Store
	codec *entity.FieldCodec
}

// NewSnapshots binds the registered schema of T to store.
func NewSnapshots[T entity.Model](store *Store) (*Snapshots[T], error) {
	schema, err := entity.SchemaFor[T]()
	if err != nil {
		return nil, err
	}
	return &Snapshots[T]{
		store: store,
		codec: entity.NewFieldCodec(schema, store.values),
	}, nil
}

// Store returns the underlying hash store.
func (s *Snapshots[T]) Store() *Store { return s.store }

// Put writes the cache tier fields of m under key.
func (s *Snapshots[T]) Put(ctx context.Context, key string, m T, ttl time.Duration) (bool, error) {
	fields, err := s.codec.Encode(m, entity.TierCache)
	if err != nil {
		return false, s.encodeError(err, key)
	}
	return s.store.PutHash(ctx, key, fields, ttl)
}

// Patch merges changed fields into an existing snapshot. Absent snapshots are
// left absent.
func (s *Snapshots[T]) Patch(ctx context.Context, key string, changes map[string]any, ttl time.Duration) (bool, error) {
	fields, err := s.codec.EncodeValues(changes)
	if err != nil {
		return false, s.encodeError(err, key)
	}
	return s.store.PatchHash(ctx, key, fields, ttl)
}

// Get returns the snapshot under key, or false on a miss. The returned entity
// is unarmed.
func (s *Snapshots[T]) Get(ctx context.Context, key string, ttl time.Duration) (T, bool, error) {
	var zero T
	fields, err := s.store.GetHash(ctx, key, ttl)
	if err != nil || len(fields) == 0 {
		return zero, false, err
	}
	m, err := s.codec.DecodeNew(fields)
	if err != nil {
		return zero, false, s.decodeError(err, key)
	}
	return m.(T), true, nil
}

// PutCollection replaces the collection under key with items, one hash field
// per item keyed by its SubKey.
func (s *Snapshots[T]) PutCollection(ctx context.Context, key string, items []T, ttl time.Duration) (bool, error) {
	fields := make(map[string]string, len(items))
	for _, item := range items {
		raw, err := s.codec.EncodeMember(item)
		if err != nil {
			return false, s.encodeError(err, key)
		}
		fields[item.SubKey()] = raw
	}
	return s.store.ReplaceHash(ctx, key, fields, ttl)
}

// GetCollection returns every member under key ordered by id then uid.
func (s *Snapshots[T]) GetCollection(ctx context.Context, key string, ttl time.Duration) ([]T, bool, error) {
	fields, err := s.store.GetHash(ctx, key, ttl)
	if err != nil || len(fields) == 0 {
		return nil, false, err
	}

	items := make([]T, 0, len(fields))
	for sub, raw := range fields {
		m, err := s.codec.DecodeMember(raw)
		if err != nil {
			return nil, false, s.decodeError(fmt.Errorf("member %s: %w", sub, err), key)
		}
		items = append(items, m.(T))
	}
	sort.Slice(items, func(i, j int) bool {
		ii, iu := items[i].Identity()
		ji, ju := items[j].Identity()
		if ii != ji {
			return ii < ji
		}
		return iu < ju
	})
	return items, true, nil
}

// GetMember reads one member of a collection.
func (s *Snapshots[T]) GetMember(ctx context.Context, key, subKey string, ttl time.Duration) (T, bool, error) {
	var zero T
	raw, found, err := s.store.GetField(ctx, key, subKey, ttl)
	if err != nil || !found {
		return zero, false, err
	}
	m, err := s.codec.DecodeMember(raw)
	if err != nil {
		return zero, false, s.decodeError(err, key)
	}
	return m.(T), true, nil
}

func (s *Snapshots[T]) encodeError(err error, key string) error {
	s.store.logger.Error("failed to encode snapshot", err, logging.String("key", key))
	return goerrors.Wrap(err, goerrors.CategoryBadInput, "encode snapshot "+key).WithTextCode("CACHE_ENCODE")
}

func (s *Snapshots[T]) decodeError(err error, key string) error {
	s.store.logger.Error("failed to decode snapshot", err, logging.String("key", key))
	return goerrors.Wrap(err, goerrors.CategoryInternal, "decode snapshot "+key).WithTextCode("CACHE_DECODE")
}
