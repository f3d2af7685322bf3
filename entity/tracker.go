package entity

import (
	"reflect"
	"time"
)

// Tracker records which fields of one entity instance changed since it was
// armed. The zero value is unarmed and ignores every mutation, so populating
// an entity from a store never registers as a change.
//
// A Tracker is not safe for concurrent use. Each live entity object has a
// single writer; hand it off between goroutines with external
// synchronization.
type Tracker struct {
	armed    bool
	schema   *Schema
	changes  map[string]any
	baseline map[string]any
}

// Arm starts recording mutations and binds the type's schema. Calling Arm on
// an armed tracker does nothing.
func (t *Tracker) Arm(s *Schema) {
	if t.armed {
		return
	}
	t.armed = true
	t.schema = s
}

// Armed reports whether mutations are being recorded.
func (t *Tracker) Armed() bool { return t.armed }

// Schema returns the schema bound at arming, or nil.
func (t *Tracker) Schema() *Schema { return t.schema }

// Dirty reports whether there are unflushed changes.
func (t *Tracker) Dirty() bool { return len(t.changes) > 0 }

// OnFieldSet records that field name went from old to value. Writing back the
// value observed before the first change removes the field again.
func (t *Tracker) OnFieldSet(name string, old, value any) {
	if !t.armed {
		return
	}

	if base, ok := t.baseline[name]; ok {
		if valuesEqual(base, value) {
			delete(t.baseline, name)
			delete(t.changes, name)
			return
		}
		t.changes[name] = value
		return
	}

	if valuesEqual(old, value) {
		return
	}
	if t.changes == nil {
		t.changes = make(map[string]any)
		t.baseline = make(map[string]any)
	}
	t.baseline[name] = old
	t.changes[name] = value
}

// Changes returns a copy of every pending change.
func (t *Tracker) Changes() map[string]any {
	out := make(map[string]any, len(t.changes))
	for k, v := range t.changes {
		out[k] = v
	}
	return out
}

// Baseline returns the value field name held before its first pending change.
func (t *Tracker) Baseline(name string) (any, bool) {
	v, ok := t.baseline[name]
	return v, ok
}

// ChangeSet returns the pending changes of the fields classified for tier.
// Names unknown to the bound schema are dropped.
func (t *Tracker) ChangeSet(tier Tier) map[string]any {
	out := make(map[string]any)
	if t.schema == nil {
		return out
	}
	for k, v := range t.changes {
		if t.schema.Includes(k, tier) {
			out[k] = v
		}
	}
	return out
}

// Flush clears the change set after a successful durable write. The tracker
// stays armed.
func (t *Tracker) Flush() {
	t.changes = nil
	t.baseline = nil
}

func valuesEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if ta, ok := a.(time.Time); ok {
		if tb, ok := b.(time.Time); ok {
			return ta.Equal(tb)
		}
		return false
	}
	return reflect.DeepEqual(a, b)
}
