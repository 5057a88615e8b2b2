package uow

import (
	"fmt"
	"sync"

	"github.com/aretw0/tilth/pkg/core"
	"github.com/aretw0/tilth/pkg/mapping"
)

// Factory creates the persister of a type that has none registered.
type Factory func(meta *mapping.ClassMetadata) (core.Persister, error)

// Persisters is the per-type persister registry. It is safe for concurrent
// use and is usually shared by every unit of work of an engine.
type Persisters struct {
	mu      sync.Mutex
	byType  map[string]core.Persister
	factory Factory
}

// NewPersisters creates a registry. factory may be nil, in which case every
// type needs an explicit Register.
func NewPersisters(factory Factory) *Persisters {
	return &Persisters{
		byType:  make(map[string]core.Persister),
		factory: factory,
	}
}

// Register binds p to a type name, replacing any previous binding.
func (r *Persisters) Register(typeName string, p core.Persister) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byType[typeName] = p
}

// For returns the persister of meta, creating it through the factory on first use.
func (r *Persisters) For(meta *mapping.ClassMetadata) (core.Persister, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if p, ok := r.byType[meta.Name]; ok {
		return p, nil
	}
	if r.factory == nil {
		return nil, fmt.Errorf("no persister registered for %s", meta.Name)
	}
	p, err := r.factory(meta)
	if err != nil {
		return nil, fmt.Errorf("failed to create persister for %s: %w", meta.Name, err)
	}
	r.byType[meta.Name] = p
	return p, nil
}

// Types returns the names with a bound persister.
func (r *Persisters) Types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.byType))
	for name := range r.byType {
		out = append(out, name)
	}
	return out
}
