package entity

import (
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Model is implemented by every persistable entity. Types satisfy it by
// embedding Base and being used through a pointer.
type Model interface {
	Tracker() *Tracker
	Identity() (id int64, uid string)
	SubKey() string
	IsDeleted() bool
}

// Base carries the identity, soft delete and version columns shared by all
// entity kinds. Embed it by value.
type Base struct {
	ID         int64     `bun:"id,pk,autoincrement" persist:"id"`
	UID        string    `bun:"uid" persist:"uid"`
	Deleted    bool      `bun:"deleted" persist:"deleted"`
	DeleteTime time.Time `bun:"delete_time,nullzero" persist:"delete_time"`
	Version    int64     `bun:"version" persist:"version"`

	tracker Tracker
}

func (b *Base) Tracker() *Tracker { return &b.tracker }

func (b *Base) Identity() (int64, string) { return b.ID, b.UID }

// SubKey is the key of the entity inside a collection hash.
func (b *Base) SubKey() string {
	if b.UID != "" {
		return b.UID
	}
	return strconv.FormatInt(b.ID, 10)
}

func (b *Base) IsDeleted() bool { return b.Deleted }

// MarkDeleted flags the entity as soft deleted.
func (b *Base) MarkDeleted(at time.Time) {
	Set(b, FieldDeleted, &b.Deleted, true)
	Set(b, FieldDeleteTime, &b.DeleteTime, at)
}

// BumpVersion increments Version.
func (b *Base) BumpVersion() {
	Set(b, FieldVersion, &b.Version, b.Version+1)
}

// Storage names of the Base columns.
const (
	FieldID         = "id"
	FieldUID        = "uid"
	FieldDeleted    = "deleted"
	FieldDeleteTime = "delete_time"
	FieldVersion    = "version"
)

// Set assigns value to *field and reports the mutation to m's tracker under
// the storage name.
func Set[V any](m interface{ Tracker() *Tracker }, name string, field *V, value V) {
	old := *field
	*field = value
	m.Tracker().OnFieldSet(name, old, value)
}

// NewUID returns a random identifier for uid keyed entity kinds.
func NewUID() string {
	return uuid.NewString()
}

// Key identifies an entity for routing and cache addressing.
type Key struct {
	ID    int64
	UID   string
	Shard string
}

// ByID returns a Key for an id keyed entity.
func ByID(id int64) Key { return Key{ID: id} }

// ByUID returns a Key for a uid keyed entity.
func ByUID(uid string) Key { return Key{UID: uid} }

// Union returns the UID when set, otherwise the decimal ID.
func (k Key) Union() string {
	if k.UID != "" {
		return k.UID
	}
	return strconv.FormatInt(k.ID, 10)
}

// IsZero reports whether neither identity is set.
func (k Key) IsZero() bool {
	return k.ID == 0 && k.UID == ""
}
