package domain

import (
	"strings"
	"time"
)

// Field binds a column name to one struct member of T.
type Field[T any] struct {
	Column string
	value  func(*T) any
	target func(*T) any
	assign func(*T, any)
	copy   func(dst, src *T)
}

// NewField describes the column held by the member returned from sel.
func NewField[T, V any](column string, sel func(*T) *V) Field[T] {
	return Field[T]{
		Column: column,
		value:  func(r *T) any { return *sel(r) },
		target: func(r *T) any { return sel(r) },
		assign: func(r *T, v any) {
			if typed, ok := v.(V); ok {
				*sel(r) = typed
			}
		},
		copy: func(dst, src *T) { *sel(dst) = *sel(src) },
	}
}

// Update copies every field from candidate onto existing except the columns named in immutable.
func Update[T any](existing, candidate *T, fields []Field[T], immutable map[string]struct{}) {
	for _, f := range fields {
		if _, skip := immutable[f.Column]; skip {
			continue
		}
		f.copy(existing, candidate)
	}
}

// Reference declares a foreign key held by Column pointing at the primary key of Kind.
type Reference struct {
	Column string
	Kind   Kind
}

// Table is the storage description of an entity.
type Table struct {
	Kind Kind
	Name string
	// Key is the primary key column. Child tables without a natural primary key leave it empty and
	// rely on Unique instead.
	Key string
	// Unique lists the columns forming the natural uniqueness constraint.
	Unique []string
	// Owner names the column referencing the owning workout for delete-by-workout.
	Owner      string
	Columns    []string
	References []Reference
}

// Row is a record bound to its table description.
type Row interface {
	Table() *Table
	Key() string
	Values() []any
	Targets() []any
	Assign(values []any)
}

// Entity describes how records of type T are identified, copied and timestamped.
type Entity[T any] struct {
	table     Table
	fields    []Field[T]
	immutable map[string]struct{}
	created   func(*T) *time.Time
	updated   func(*T) *time.Time
}

// NewEntity builds an entity description. The table's columns are taken from fields.
func NewEntity[T any](table Table, fields ...Field[T]) *Entity[T] {
	cols := make([]string, 0, len(fields))
	for _, f := range fields {
		cols = append(cols, f.Column)
	}
	table.Columns = cols
	e := &Entity[T]{table: table, fields: fields, immutable: map[string]struct{}{}}
	if table.Key != "" {
		e.immutable[table.Key] = struct{}{}
	}
	return e
}

// WithTimestamps registers the creation and mutation timestamp members. updated may be nil for
// insert-only records. The creation column becomes immutable.
func (e *Entity[T]) WithTimestamps(createdColumn string, created, updated func(*T) *time.Time) *Entity[T] {
	e.created = created
	e.updated = updated
	e.immutable[createdColumn] = struct{}{}
	return e
}

// Kind returns the entity kind.
func (e *Entity[T]) Kind() Kind { return e.table.Kind }

// Table returns the storage description.
func (e *Entity[T]) Table() *Table { return &e.table }

// Immutable reports the columns an update never overwrites.
func (e *Entity[T]) Immutable() map[string]struct{} {
	out := make(map[string]struct{}, len(e.immutable))
	for k := range e.immutable {
		out[k] = struct{}{}
	}
	return out
}

// Bind attaches a record to the entity description.
func (e *Entity[T]) Bind(rec *T) Row { return bound[T]{entity: e, rec: rec} }

// Key returns the identity of rec.
func (e *Entity[T]) Key(rec *T) string { return e.Bind(rec).Key() }

// Stamp prepares a record for insertion: the creation time falls back to now when the
// source did not provide one and the mutation time is set to now.
func (e *Entity[T]) Stamp(rec *T, now time.Time) {
	if e.created != nil {
		if c := e.created(rec); c.IsZero() {
			*c = now
		}
	}
	e.Touch(rec, now)
}

// Touch refreshes the mutation timestamp.
func (e *Entity[T]) Touch(rec *T, now time.Time) {
	if e.updated != nil {
		*e.updated(rec) = now
	}
}

// Merge copies the mutable fields of candidate onto existing and refreshes the mutation timestamp.
func (e *Entity[T]) Merge(existing, candidate *T, now time.Time) {
	Update(existing, candidate, e.fields, e.immutable)
	e.Touch(existing, now)
}

type bound[T any] struct {
	entity *Entity[T]
	rec    *T
}

func (b bound[T]) Table() *Table { return &b.entity.table }

func (b bound[T]) Key() string {
	t := b.entity.table
	if t.Key != "" {
		return b.column(t.Key)
	}
	parts := make([]string, 0, len(t.Unique))
	for _, c := range t.Unique {
		parts = append(parts, b.column(c))
	}
	return strings.Join(parts, "/")
}

func (b bound[T]) column(name string) string {
	for _, f := range b.entity.fields {
		if f.Column != name {
			continue
		}
		return keyString(f.value(b.rec))
	}
	return ""
}

func (b bound[T]) Values() []any {
	out := make([]any, len(b.entity.fields))
	for i, f := range b.entity.fields {
		out[i] = f.value(b.rec)
	}
	return out
}

func (b bound[T]) Targets() []any {
	out := make([]any, len(b.entity.fields))
	for i, f := range b.entity.fields {
		out[i] = f.target(b.rec)
	}
	return out
}

func (b bound[T]) Assign(values []any) {
	for i, f := range b.entity.fields {
		if i >= len(values) {
			return
		}
		f.assign(b.rec, values[i])
	}
}
