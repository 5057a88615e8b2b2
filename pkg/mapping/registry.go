package mapping

import (
	"errors"
	"reflect"
	"sort"
	"sync"

	"github.com/aretw0/tilth/pkg/core"
)

// Provider resolves the mapping of document types.
type Provider interface {
	// MetadataFor returns the mapping of the type of doc.
	MetadataFor(doc any) (*ClassMetadata, error)
	// Metadata returns the mapping registered under name.
	Metadata(name string) (*ClassMetadata, error)
}

// Registry is a concurrency-safe Provider. It is shared by every unit of work
// and may be reloaded between them.
type Registry struct {
	mu     sync.RWMutex
	byName map[string]*ClassMetadata
	byType map[reflect.Type]*ClassMetadata
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byName: make(map[string]*ClassMetadata),
		byType: make(map[reflect.Type]*ClassMetadata),
	}
}

// Register adds compiled mappings. Names and Go types must be unique.
func (r *Registry) Register(metas ...*ClassMetadata) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, m := range metas {
		if _, ok := r.byName[m.Name]; ok {
			return core.NewMappingError(m.Name, "already registered")
		}
		if m.Type != nil {
			if prev, ok := r.byType[m.Type]; ok {
				return core.NewMappingError(m.Name, "go type %s already registered as %s", m.Type, prev.Name)
			}
		}
	}
	for _, m := range metas {
		r.byName[m.Name] = m
		if m.Type != nil {
			r.byType[m.Type] = m
		}
	}
	return nil
}

// RegisterType compiles and registers the mapping of the type of sample.
func (r *Registry) RegisterType(sample any, opts ...ClassOption) (*ClassMetadata, error) {
	meta, err := Class(sample, opts...)
	if err != nil {
		return nil, err
	}
	if err := r.Register(meta); err != nil {
		return nil, err
	}
	return meta, nil
}

// MustRegisterType is RegisterType for package-level setup; it panics on error.
func (r *Registry) MustRegisterType(sample any, opts ...ClassOption) *ClassMetadata {
	meta, err := r.RegisterType(sample, opts...)
	if err != nil {
		panic(err)
	}
	return meta
}

// Replace validates metas as a whole and swaps them in atomically.
func (r *Registry) Replace(metas []*ClassMetadata) error {
	if err := Validate(metas); err != nil {
		return err
	}
	byName := make(map[string]*ClassMetadata, len(metas))
	byType := make(map[reflect.Type]*ClassMetadata, len(metas))
	for _, m := range metas {
		byName[m.Name] = m
		if m.Type != nil {
			byType[m.Type] = m
		}
	}

	r.mu.Lock()
	r.byName = byName
	r.byType = byType
	r.mu.Unlock()
	return nil
}

// Metadata implements Provider.
func (r *Registry) Metadata(name string) (*ClassMetadata, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m, ok := r.byName[name]
	if !ok {
		return nil, core.NewMappingError(name, "unknown document type")
	}
	return m, nil
}

// MetadataFor implements Provider.
func (r *Registry) MetadataFor(doc any) (*ClassMetadata, error) {
	typ, err := structType(doc)
	if err != nil {
		return nil, err
	}
	if reflect.ValueOf(doc).IsNil() {
		return nil, core.NewMappingError(typ.Name(), "nil document")
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	m, ok := r.byType[typ]
	if !ok {
		return nil, core.NewMappingError(typ.String(), "unknown document type")
	}
	return m, nil
}

// Types returns every registered mapping, sorted by name.
func (r *Registry) Types() []*ClassMetadata {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*ClassMetadata, 0, len(r.byName))
	for _, m := range r.byName {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Validate checks the registered mappings against each other.
func (r *Registry) Validate() error {
	return Validate(r.Types())
}

// Validate checks that the relations of metas resolve and agree. All problems
// are reported at once.
func Validate(metas []*ClassMetadata) error {
	byName := make(map[string]*ClassMetadata, len(metas))
	for _, m := range metas {
		byName[m.Name] = m
	}

	var errs []error
	for _, m := range metas {
		if m.Persistable() && m.Identifier == nil {
			errs = append(errs, core.NewMappingError(m.Name, "no identifier field"))
		}
		for _, f := range m.Relations() {
			rel := f.Relation
			target, ok := byName[rel.Target]
			if !ok {
				errs = append(errs, core.NewMappingError(m.Name, "field %s: unknown target %s", f.Name, rel.Target))
				continue
			}
			switch {
			case rel.IsEmbedded() && !target.Embedded:
				errs = append(errs, core.NewMappingError(m.Name, "field %s: embed target %s is not an embedded type", f.Name, target.Name))
			case !rel.IsEmbedded() && !target.Persistable():
				errs = append(errs, core.NewMappingError(m.Name, "field %s: reference target %s is not persistable", f.Name, target.Name))
			}
			if rel.MappedBy != "" {
				back, ok := target.Field(rel.MappedBy)
				if !ok || back.Relation == nil || back.Relation.Target != m.Name || !back.Relation.OwningSide() {
					errs = append(errs, core.NewMappingError(m.Name, "field %s: %s.%s is not an owning reference to %s", f.Name, target.Name, rel.MappedBy, m.Name))
				}
			}
		}
	}
	return errors.Join(errs...)
}
