// Package mapping describes how document types are persisted: their fields,
// identifier, relations, id strategy and change-tracking policy.
package mapping

import (
	"fmt"
	"reflect"
	"sort"
	"strconv"

	"github.com/aretw0/tilth/pkg/core"
)

// IDStrategy selects how a document receives its identity.
type IDStrategy string

const (
	// IDAssigned identities are set by the application before Persist.
	IDAssigned IDStrategy = "assigned"
	// IDComposite identities are application-assigned multi-part keys.
	IDComposite IDStrategy = "composite"
	// IDAuto identities are chosen by the store during insert.
	IDAuto IDStrategy = "auto"
	// IDIncrement identities are store sequences assigned during insert.
	IDIncrement IDStrategy = "increment"
	// IDUUID identities are generated before insert.
	IDUUID IDStrategy = "uuid"
)

// Generated reports whether the identity is produced by a generator or the store.
func (s IDStrategy) Generated() bool {
	switch s {
	case IDAuto, IDIncrement, IDUUID:
		return true
	}
	return false
}

// StoreAssigned reports whether the persister fills in the identity during insert.
func (s IDStrategy) StoreAssigned() bool {
	return s == IDAuto || s == IDIncrement
}

func (s IDStrategy) valid() bool {
	switch s {
	case IDAssigned, IDComposite, IDAuto, IDIncrement, IDUUID:
		return true
	}
	return false
}

// TrackingPolicy selects how changes of managed documents are detected.
type TrackingPolicy string

const (
	// DeferredImplicit compares every managed document against its snapshot at commit.
	DeferredImplicit TrackingPolicy = "deferred_implicit"
	// DeferredExplicit compares only documents passed to Persist since the last commit.
	DeferredExplicit TrackingPolicy = "deferred_explicit"
	// Notify relies on change events emitted by the document itself.
	Notify TrackingPolicy = "notify"
)

// UsesSnapshot reports whether the policy diffs against an original-data snapshot.
func (p TrackingPolicy) UsesSnapshot() bool {
	return p == DeferredImplicit || p == DeferredExplicit
}

func (p TrackingPolicy) valid() bool {
	switch p {
	case DeferredImplicit, DeferredExplicit, Notify:
		return true
	}
	return false
}

// RelationKind distinguishes references to other top-level documents from
// documents embedded in their owner.
type RelationKind string

const (
	Reference RelationKind = "reference"
	Embedded  RelationKind = "embedded"
)

// Cascade lists the operations propagated through a relation.
type Cascade struct {
	Persist bool
	Remove  bool
	Detach  bool
}

// All reports whether every operation cascades.
func (c Cascade) All() bool {
	return c.Persist && c.Remove && c.Detach
}

// Relation describes a field pointing at other documents.
type Relation struct {
	Field   string
	Kind    RelationKind
	Target  string
	Many    bool
	Cascade Cascade
	// MappedBy names the owning field on the target; set only on the inverse side.
	MappedBy string
	// Nullable is false when the owner cannot be written without the target.
	Nullable bool
}

// OwningSide reports whether this side of the relation is written by the owner.
func (r *Relation) OwningSide() bool {
	return r.MappedBy == ""
}

// IsEmbedded reports whether the target lives inside the owning document.
func (r *Relation) IsEmbedded() bool {
	return r.Kind == Embedded
}

// CascadesPersist reports whether persist propagates; embedded documents always follow their owner.
func (r *Relation) CascadesPersist() bool {
	return r.IsEmbedded() || r.Cascade.Persist
}

// CascadesRemove reports whether remove propagates.
func (r *Relation) CascadesRemove() bool {
	return r.IsEmbedded() || r.Cascade.Remove
}

// CascadesDetach reports whether detach propagates.
func (r *Relation) CascadesDetach() bool {
	return r.IsEmbedded() || r.Cascade.Detach
}

// FieldMapping is one entry of a type's accessor table.
type FieldMapping struct {
	// Name is the field name used in change sets.
	Name string
	// StoreName is the key used by persisters when writing records.
	StoreName  string
	Identifier bool
	Relation   *Relation

	index []int
	typ   reflect.Type
}

// Type returns the Go type of the field, or nil for schema-only metadata.
func (f *FieldMapping) Type() reflect.Type {
	return f.typ
}

// Get reads the field from doc.
func (f *FieldMapping) Get(doc any) any {
	fv, ok := f.value(doc)
	if !ok {
		return nil
	}
	return fv.Interface()
}

// Set writes v into the field of doc, converting between compatible kinds.
func (f *FieldMapping) Set(doc any, v any) error {
	fv, ok := f.value(doc)
	if !ok {
		return fmt.Errorf("field %s is not accessible on %T", f.Name, doc)
	}
	if v == nil {
		fv.Set(reflect.Zero(fv.Type()))
		return nil
	}
	rv := reflect.ValueOf(v)
	converted, err := convert(rv, fv.Type())
	if err != nil {
		return fmt.Errorf("field %s: %w", f.Name, err)
	}
	fv.Set(converted)
	return nil
}

func (f *FieldMapping) value(doc any) (reflect.Value, bool) {
	if f.index == nil || doc == nil {
		return reflect.Value{}, false
	}
	rv := reflect.ValueOf(doc)
	if rv.Kind() != reflect.Pointer || rv.IsNil() {
		return reflect.Value{}, false
	}
	rv = rv.Elem()
	if rv.Kind() != reflect.Struct {
		return reflect.Value{}, false
	}
	return rv.FieldByIndex(f.index), true
}

func convert(rv reflect.Value, to reflect.Type) (reflect.Value, error) {
	from := rv.Type()
	if from.AssignableTo(to) {
		return rv, nil
	}
	// Integer to string conversion yields runes, not digits.
	if to.Kind() == reflect.String {
		switch from.Kind() {
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			return reflect.ValueOf(strconv.FormatInt(rv.Int(), 10)).Convert(to), nil
		case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			return reflect.ValueOf(strconv.FormatUint(rv.Uint(), 10)).Convert(to), nil
		}
	}
	if from.ConvertibleTo(to) && from.Kind() != reflect.String {
		return rv.Convert(to), nil
	}
	if from.Kind() == reflect.String && to.Kind() == reflect.String {
		return rv.Convert(to), nil
	}
	return reflect.Value{}, fmt.Errorf("cannot assign %s to %s", from, to)
}

// ClassMetadata is the mapping of one document type.
type ClassMetadata struct {
	Name             string
	Type             reflect.Type // struct type; nil for schema-only metadata
	Fields           []*FieldMapping
	Identifier       *FieldMapping
	IDStrategy       IDStrategy
	Generator        Generator
	TrackingPolicy   TrackingPolicy
	MappedSuperclass bool
	Embedded         bool

	byName map[string]*FieldMapping
}

func (m *ClassMetadata) index() {
	m.byName = make(map[string]*FieldMapping, len(m.Fields))
	for _, f := range m.Fields {
		m.byName[f.Name] = f
		if f.Identifier {
			m.Identifier = f
		}
	}
}

// Field looks up a field mapping by name.
func (m *ClassMetadata) Field(name string) (*FieldMapping, bool) {
	if m.byName == nil {
		m.index()
	}
	f, ok := m.byName[name]
	return f, ok
}

// Relations returns the relation fields in declaration order.
func (m *ClassMetadata) Relations() []*FieldMapping {
	var out []*FieldMapping
	for _, f := range m.Fields {
		if f.Relation != nil {
			out = append(out, f)
		}
	}
	return out
}

// Persistable reports whether documents of this type may be written on their own.
func (m *ClassMetadata) Persistable() bool {
	return !m.MappedSuperclass && !m.Embedded
}

// ID reads the identifier of doc, or nil when the type has none.
func (m *ClassMetadata) ID(doc any) any {
	if m.Identifier == nil {
		return nil
	}
	return m.Identifier.Get(doc)
}

// SetID writes the identifier of doc.
func (m *ClassMetadata) SetID(doc any, id any) error {
	if m.Identifier == nil {
		return core.NewMappingError(m.Name, "no identifier field")
	}
	return m.Identifier.Set(doc, id)
}

// HasID reports whether doc carries a non-zero identifier.
func (m *ClassMetadata) HasID(doc any) bool {
	return !IsZero(m.ID(doc))
}

// Values reads every mapped field of doc into a snapshot map. Slices and maps
// are copied so later in-place mutations stay detectable.
func (m *ClassMetadata) Values(doc any) map[string]any {
	out := make(map[string]any, len(m.Fields))
	for _, f := range m.Fields {
		out[f.Name] = CopyValue(f.Get(doc))
	}
	return out
}

// IntegerIdentifier reports whether the identifier field has an integer kind.
// Stores use it to choose between sequences and UUIDs for auto identities.
func (m *ClassMetadata) IntegerIdentifier() bool {
	if m.Identifier == nil || m.Identifier.typ == nil {
		return false
	}
	switch m.Identifier.typ.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return true
	}
	return false
}

// FieldNames returns the mapped field names, sorted.
func (m *ClassMetadata) FieldNames() []string {
	names := make([]string, 0, len(m.Fields))
	for _, f := range m.Fields {
		names = append(names, f.Name)
	}
	sort.Strings(names)
	return names
}

// IsZero reports whether v is nil or the zero value of its type.
func IsZero(v any) bool {
	if v == nil {
		return true
	}
	return reflect.ValueOf(v).IsZero()
}

// IsNil reports whether v is nil or a nil pointer, slice, map or interface.
func IsNil(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Slice, reflect.Map, reflect.Interface, reflect.Func, reflect.Chan:
		return rv.IsNil()
	}
	return false
}

// CopyValue shallow-copies slices and maps; other values are returned as is.
func CopyValue(v any) any {
	if v == nil {
		return nil
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice:
		if rv.IsNil() {
			return v
		}
		cp := reflect.MakeSlice(rv.Type(), rv.Len(), rv.Len())
		reflect.Copy(cp, rv)
		return cp.Interface()
	case reflect.Map:
		if rv.IsNil() {
			return v
		}
		cp := reflect.MakeMapWithSize(rv.Type(), rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			cp.SetMapIndex(iter.Key(), iter.Value())
		}
		return cp.Interface()
	}
	return v
}

// Elements flattens a relation value into its member documents: a single
// reference, a slice of references, or a tracked collection.
func Elements(v any) []any {
	if IsNil(v) {
		return nil
	}
	if tc, ok := v.(core.TrackedCollection); ok {
		return tc.Elements()
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array {
		out := make([]any, 0, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			el := rv.Index(i).Interface()
			if !IsNil(el) {
				out = append(out, el)
			}
		}
		return out
	}
	return []any{v}
}
