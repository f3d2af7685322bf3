package entity

import (
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/goliatone/go-entity-store/outcome"
	"github.com/puzpuzpuz/xsync/v3"
)

// Class is the storage classification of a field.
type Class uint8

const (
	Untracked Class = iota
	CacheOnly
	DBOnly
	Both
)

func (c Class) String() string {
	switch c {
	case CacheOnly:
		return "cache"
	case DBOnly:
		return "db"
	case Both:
		return "both"
	default:
		return "untracked"
	}
}

// In reports whether a field of class c participates in tier t.
func (c Class) In(t Tier) bool {
	switch t {
	case TierCache:
		return c == CacheOnly || c == Both
	case TierDB:
		return c == DBOnly || c == Both
	case TierAll:
		return c != Untracked
	}
	return false
}

// Tier selects one storage tier.
type Tier uint8

const (
	TierCache Tier = iota + 1
	TierDB
	// TierAll selects every tracked field.
	TierAll
)

func (t Tier) String() string {
	switch t {
	case TierCache:
		return "cache"
	case TierDB:
		return "db"
	case TierAll:
		return "all"
	}
	return "unknown"
}

const tagName = "persist"

// Field is the static metadata of one tracked struct field.
type Field struct {
	Name   string
	GoName string
	Index  []int
	Type   reflect.Type
	Class  Class
	Shard  bool
}

// Classification buckets the field names of a type by tier.
type Classification struct {
	CacheFields []string
	DBFields    []string
	BothFields  []string
}

// Schema is computed once per entity type at registration.
type Schema struct {
	typ           reflect.Type
	namespace     string
	listNamespace string
	softDelete    bool
	fields        []Field
	byName        map[string]int
	shard         int
}

// Option configures a Schema at registration.
type Option func(*Schema)

// WithNamespace sets the cache key prefix for point keys.
func WithNamespace(ns string) Option {
	return func(s *Schema) { s.namespace = ns }
}

// WithListNamespace sets the cache key prefix for collection keys.
func WithListNamespace(ns string) Option {
	return func(s *Schema) { s.listNamespace = ns }
}

// WithSoftDelete makes deletes mark the deleted columns instead of removing rows.
func WithSoftDelete() Option {
	return func(s *Schema) { s.softDelete = true }
}

var registry = xsync.NewMapOf[reflect.Type, *Schema]()

// Register builds, validates and stores the schema of T, which must be a
// pointer to a struct embedding Base. Registering a type twice returns the
// first schema.
func Register[T Model](opts ...Option) (*Schema, error) {
	typ := reflect.TypeOf((*T)(nil)).Elem()
	if typ.Kind() != reflect.Pointer || typ.Elem().Kind() != reflect.Struct {
		return nil, outcome.ConfigError("INVALID_MODEL", fmt.Sprintf("%s must be a pointer to a struct", typ))
	}
	typ = typ.Elem()

	if existing, ok := registry.Load(typ); ok {
		return existing, nil
	}

	s, err := buildSchema(typ, opts...)
	if err != nil {
		return nil, err
	}
	actual, _ := registry.LoadOrStore(typ, s)
	return actual, nil
}

// MustRegister is Register that panics on error.
func MustRegister[T Model](opts ...Option) *Schema {
	s, err := Register[T](opts...)
	if err != nil {
		panic(err)
	}
	return s
}

// SchemaFor returns the registered schema of T.
func SchemaFor[T Model]() (*Schema, error) {
	typ := reflect.TypeOf((*T)(nil)).Elem()
	if typ.Kind() == reflect.Pointer {
		typ = typ.Elem()
	}
	return lookup(typ)
}

// SchemaOf returns the registered schema of m's dynamic type.
func SchemaOf(m Model) (*Schema, error) {
	typ := reflect.TypeOf(m)
	if typ == nil {
		return nil, outcome.ConfigError("NOT_REGISTERED", "nil model")
	}
	if typ.Kind() == reflect.Pointer {
		typ = typ.Elem()
	}
	return lookup(typ)
}

func lookup(typ reflect.Type) (*Schema, error) {
	if s, ok := registry.Load(typ); ok {
		return s, nil
	}
	return nil, outcome.ConfigError("NOT_REGISTERED", fmt.Sprintf("entity type %s is not registered", typ))
}

// Arm binds m's schema to its tracker and starts recording mutations.
func Arm(m Model) error {
	s, err := SchemaOf(m)
	if err != nil {
		return err
	}
	m.Tracker().Arm(s)
	return nil
}

func buildSchema(typ reflect.Type, opts ...Option) (*Schema, error) {
	s := &Schema{
		typ:    typ,
		byName: make(map[string]int),
		shard:  -1,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.namespace == "" {
		s.namespace = toSnake(typ.Name())
	}
	if s.listNamespace == "" {
		s.listNamespace = s.namespace + "_list"
	}

	if err := s.collect(typ, nil); err != nil {
		return nil, err
	}

	for _, required := range []string{FieldID, FieldUID, FieldDeleted, FieldDeleteTime, FieldVersion} {
		if _, ok := s.byName[required]; !ok {
			return nil, outcome.ConfigError("MISSING_IDENTITY",
				fmt.Sprintf("%s: missing %q field, embed entity.Base", typ, required))
		}
	}
	return s, nil
}

// collect walks the struct, own fields first so they shadow embedded ones.
func (s *Schema) collect(typ reflect.Type, index []int) error {
	var embedded []reflect.StructField

	for i := 0; i < typ.NumField(); i++ {
		sf := typ.Field(i)
		tag, hasTag := sf.Tag.Lookup(tagName)

		if sf.Anonymous && !hasTag {
			ft := sf.Type
			if ft.Kind() == reflect.Pointer {
				ft = ft.Elem()
			}
			if ft.Kind() == reflect.Struct {
				embedded = append(embedded, sf)
			}
			continue
		}
		if !sf.IsExported() || !hasTag || tag == "-" {
			continue
		}

		f, err := parseField(sf, tag)
		if err != nil {
			return fmt.Errorf("%s: %w", typ, err)
		}
		if _, seen := s.byName[f.Name]; seen {
			if len(index) == 0 {
				return outcome.ConfigError("DUPLICATE_FIELD", fmt.Sprintf("%s: duplicate field %q", typ, f.Name))
			}
			continue
		}
		f.Index = append(append([]int(nil), index...), i)
		if f.Shard {
			if s.shard >= 0 {
				return outcome.ConfigError("DUPLICATE_SHARD", fmt.Sprintf("%s: more than one shard field", typ))
			}
			s.shard = len(s.fields)
		}
		s.byName[f.Name] = len(s.fields)
		s.fields = append(s.fields, f)
	}

	for _, sf := range embedded {
		if sf.Type.Kind() == reflect.Pointer {
			return outcome.ConfigError("EMBEDDED_POINTER", fmt.Sprintf("%s: embedded %s must not be a pointer", typ, sf.Name))
		}
		if err := s.collect(sf.Type, append(append([]int(nil), index...), sf.Index...)); err != nil {
			return err
		}
	}
	return nil
}

func parseField(sf reflect.StructField, tag string) (Field, error) {
	parts := strings.Split(tag, ",")
	f := Field{
		Name:   strings.TrimSpace(parts[0]),
		GoName: sf.Name,
		Type:   sf.Type,
		Class:  Both,
	}
	if f.Name == "" {
		f.Name = toSnake(sf.Name)
	}

	always := false
	for _, opt := range parts[1:] {
		switch strings.TrimSpace(opt) {
		case "cache":
			if f.Class == DBOnly {
				f.Class = Both
			} else {
				f.Class = CacheOnly
			}
		case "db":
			if f.Class == CacheOnly {
				f.Class = Both
			} else {
				f.Class = DBOnly
			}
		case "always", "both":
			always = true
		case "shard":
			f.Shard = true
		case "":
		default:
			return f, outcome.ConfigError("INVALID_TAG", fmt.Sprintf("field %s: unknown persist option %q", sf.Name, opt))
		}
	}
	// "always" wins over tier markers regardless of order.
	if always {
		f.Class = Both
	}

	if bunTag, ok := sf.Tag.Lookup("bun"); ok && f.Class.In(TierDB) {
		column := strings.TrimSpace(strings.Split(bunTag, ",")[0])
		switch {
		case column == "-":
			return f, outcome.ConfigError("COLUMN_MISMATCH", fmt.Sprintf("field %s is persisted to the db but ignored by bun", sf.Name))
		case column != "" && column != f.Name:
			return f, outcome.ConfigError("COLUMN_MISMATCH",
				fmt.Sprintf("field %s: persist name %q differs from bun column %q", sf.Name, f.Name, column))
		}
	}
	return f, nil
}

// Type returns the struct type described by s.
func (s *Schema) Type() reflect.Type { return s.typ }

func (s *Schema) Namespace() string { return s.namespace }

func (s *Schema) ListNamespace() string { return s.listNamespace }

func (s *Schema) SoftDelete() bool { return s.softDelete }

// Fields returns the tracked fields in declaration order.
func (s *Schema) Fields() []Field {
	return append([]Field(nil), s.fields...)
}

// Field returns the tracked field with the given storage name.
func (s *Schema) Field(name string) (Field, bool) {
	i, ok := s.byName[name]
	if !ok {
		return Field{}, false
	}
	return s.fields[i], true
}

// ShardField returns the declared sharding field, if any.
func (s *Schema) ShardField() (Field, bool) {
	if s.shard < 0 {
		return Field{}, false
	}
	return s.fields[s.shard], true
}

// Names returns the storage names of the fields participating in tier.
func (s *Schema) Names(tier Tier) []string {
	var names []string
	for _, f := range s.fields {
		if f.Class.In(tier) {
			names = append(names, f.Name)
		}
	}
	return names
}

// Includes reports whether field name participates in tier.
func (s *Schema) Includes(name string, tier Tier) bool {
	f, ok := s.Field(name)
	return ok && f.Class.In(tier)
}

// Classify buckets the schema's fields. Both fields are listed in every bucket.
func (s *Schema) Classify() Classification {
	var c Classification
	for _, f := range s.fields {
		if f.Class.In(TierCache) {
			c.CacheFields = append(c.CacheFields, f.Name)
		}
		if f.Class.In(TierDB) {
			c.DBFields = append(c.DBFields, f.Name)
		}
		if f.Class == Both {
			c.BothFields = append(c.BothFields, f.Name)
		}
	}
	sort.Strings(c.CacheFields)
	sort.Strings(c.DBFields)
	sort.Strings(c.BothFields)
	return c
}

// New allocates a zero entity of the schema's type.
func (s *Schema) New() Model {
	return reflect.New(s.typ).Interface().(Model)
}

// Value returns the current value of field name on m.
func (s *Schema) Value(m Model, name string) (any, bool) {
	f, ok := s.Field(name)
	if !ok {
		return nil, false
	}
	return s.fieldValue(m, f).Interface(), true
}

func (s *Schema) fieldValue(m Model, f Field) reflect.Value {
	return reflect.ValueOf(m).Elem().FieldByIndex(f.Index)
}

// KeyOf returns the routing and addressing key of m.
func (s *Schema) KeyOf(m Model) Key {
	id, uid := m.Identity()
	k := Key{ID: id, UID: uid}
	if f, ok := s.ShardField(); ok {
		k.Shard, _ = formatScalar(s.fieldValue(m, f))
	}
	return k
}

// PointKey returns the cache key holding the snapshot of one entity.
func (s *Schema) PointKey(k Key) string {
	return s.namespace + KeySeparator + k.Union()
}

// CollectionKey returns the cache key holding every entity of one shard value.
func (s *Schema) CollectionKey(shard string) string {
	return s.listNamespace + KeySeparator + shard
}

// KeySeparator joins a namespace and a key.
const KeySeparator = "#"
