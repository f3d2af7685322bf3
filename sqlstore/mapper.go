package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"sort"

	"github.com/uptrace/bun"

	"github.com/goliatone/go-entity-store/entity"
)

// Filter narrows a list query.
type Filter func(q *bun.SelectQuery) *bun.SelectQuery

// Page is an offset/limit window.
type Page struct {
	Offset int
	Limit  int
}

// ErrNoRows is returned by mappers when a lookup matches nothing.
var ErrNoRows = sql.ErrNoRows

// Mapper is the per-type table contract. Every method runs on the given
// handle, which is a database or a transaction.
type Mapper[T entity.Model] interface {
	Insert(ctx context.Context, db bun.IDB, m T) error
	GetByKey(ctx context.Context, db bun.IDB, id int64) (T, error)
	GetByUniqueID(ctx context.Context, db bun.IDB, uid string) (T, error)
	// List returns the rows in page (all rows when page is nil) and the total
	// number of matching rows.
	List(ctx context.Context, db bun.IDB, page *Page, filters ...Filter) ([]T, int, error)
	// UpdateByMap sets every entry of values except id and uid on the row
	// identified by uid when set, else by id.
	UpdateByMap(ctx context.Context, db bun.IDB, values map[string]any) (int64, error)
	DeleteByKey(ctx context.Context, db bun.IDB, id int64) (int64, error)
	DeleteByUniqueID(ctx context.Context, db bun.IDB, uid string) (int64, error)
}

// BunMapper implements Mapper with bun queries against T's table.
type BunMapper[T entity.Model] struct {
	schema *entity.Schema
}

// NewBunMapper requires T to be registered.
func NewBunMapper[T entity.Model]() (*BunMapper[T], error) {
	schema, err := entity.SchemaFor[T]()
	if err != nil {
		return nil, err
	}
	return &BunMapper[T]{schema: schema}, nil
}

func (m *BunMapper[T]) model() T {
	return m.schema.New().(T)
}

func (m *BunMapper[T]) table() T {
	var zero T
	return zero
}

func (m *BunMapper[T]) Insert(ctx context.Context, db bun.IDB, rec T) error {
	_, err := db.NewInsert().Model(rec).Exec(ctx)
	return err
}

func (m *BunMapper[T]) GetByKey(ctx context.Context, db bun.IDB, id int64) (T, error) {
	return m.getBy(ctx, db, entity.FieldID, id)
}

func (m *BunMapper[T]) GetByUniqueID(ctx context.Context, db bun.IDB, uid string) (T, error) {
	return m.getBy(ctx, db, entity.FieldUID, uid)
}

func (m *BunMapper[T]) getBy(ctx context.Context, db bun.IDB, column string, value any) (T, error) {
	rec := m.model()
	err := db.NewSelect().
		Model(rec).
		Where("? = ?", bun.Ident(column), value).
		Limit(1).
		Scan(ctx)
	if err != nil {
		var zero T
		return zero, err
	}
	return rec, nil
}

func (m *BunMapper[T]) List(ctx context.Context, db bun.IDB, page *Page, filters ...Filter) ([]T, int, error) {
	var rows []T
	q := db.NewSelect().Model(&rows).OrderExpr("? ASC", bun.Ident(entity.FieldID))
	for _, f := range filters {
		q = f(q)
	}

	if page == nil {
		if err := q.Scan(ctx); err != nil {
			return nil, 0, err
		}
		return rows, len(rows), nil
	}

	total, err := q.Offset(page.Offset).Limit(page.Limit).ScanAndCount(ctx)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, 0, err
	}
	return rows, total, nil
}

func (m *BunMapper[T]) UpdateByMap(ctx context.Context, db bun.IDB, values map[string]any) (int64, error) {
	q := db.NewUpdate().Model(m.table())

	columns := make([]string, 0, len(values))
	for name := range values {
		if name == entity.FieldID || name == entity.FieldUID {
			continue
		}
		columns = append(columns, name)
	}
	sort.Strings(columns)
	for _, name := range columns {
		q = q.Set("? = ?", bun.Ident(name), values[name])
	}

	if uid, _ := values[entity.FieldUID].(string); uid != "" {
		q = q.Where("? = ?", bun.Ident(entity.FieldUID), uid)
	} else {
		id, _ := values[entity.FieldID].(int64)
		q = q.Where("? = ?", bun.Ident(entity.FieldID), id)
	}

	res, err := q.Exec(ctx)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (m *BunMapper[T]) DeleteByKey(ctx context.Context, db bun.IDB, id int64) (int64, error) {
	return m.deleteBy(ctx, db, entity.FieldID, id)
}

func (m *BunMapper[T]) DeleteByUniqueID(ctx context.Context, db bun.IDB, uid string) (int64, error) {
	return m.deleteBy(ctx, db, entity.FieldUID, uid)
}

func (m *BunMapper[T]) deleteBy(ctx context.Context, db bun.IDB, column string, value any) (int64, error) {
	res, err := db.NewDelete().
		Model(m.table()).
		Where("? = ?", bun.Ident(column), value).
		Exec(ctx)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
