package uow

import (
	"fmt"

	"github.com/aretw0/tilth/pkg/mapping"
)

// BrokenEdge is a dependency dropped to make the commit order acyclic.
type BrokenEdge struct {
	From, Field, To string
	// Required edges cannot be satisfied by the store without a second write.
	Required bool
}

func (e BrokenEdge) String() string {
	return fmt.Sprintf("%s.%s -> %s", e.From, e.Field, e.To)
}

type dependency struct {
	field    string
	target   string
	required bool
}

// CommitOrder sorts types so that the targets of owning-side references come
// before the types referencing them. Relations of embedded types count for
// their owners. The sort is stable: independent types keep the order of metas.
// Cycles are broken at the edge closing them and reported.
func CommitOrder(provider mapping.Provider, metas []*mapping.ClassMetadata) ([]*mapping.ClassMetadata, []BrokenEdge) {
	const (
		unvisited = iota
		visiting
		done
	)
	wanted := make(map[string]bool, len(metas))
	for _, m := range metas {
		wanted[m.Name] = true
	}

	state := make(map[string]int)
	byName := make(map[string]*mapping.ClassMetadata)
	var order []*mapping.ClassMetadata
	var broken []BrokenEdge

	var visit func(m *mapping.ClassMetadata)
	visit = func(m *mapping.ClassMetadata) {
		state[m.Name] = visiting
		for _, dep := range dependencies(provider, m, map[string]bool{}) {
			target, ok := byName[dep.target]
			if !ok {
				var err error
				if target, err = provider.Metadata(dep.target); err != nil {
					continue
				}
				byName[dep.target] = target
			}
			switch state[target.Name] {
			case visiting:
				if target.Name != m.Name {
					broken = append(broken, BrokenEdge{From: m.Name, Field: dep.field, To: target.Name, Required: dep.required})
				}
			case unvisited:
				visit(target)
			}
		}
		state[m.Name] = done
		order = append(order, m)
	}

	for _, m := range metas {
		byName[m.Name] = m
	}
	for _, m := range metas {
		if state[m.Name] == unvisited {
			visit(m)
		}
	}

	out := make([]*mapping.ClassMetadata, 0, len(metas))
	for _, m := range order {
		if wanted[m.Name] {
			out = append(out, m)
		}
	}
	return out, broken
}

// dependencies lists the owning-side reference targets of m, including those
// of the embedded types it contains.
func dependencies(provider mapping.Provider, m *mapping.ClassMetadata, seen map[string]bool) []dependency {
	if seen[m.Name] {
		return nil
	}
	seen[m.Name] = true

	var deps []dependency
	for _, f := range m.Relations() {
		rel := f.Relation
		if rel.IsEmbedded() {
			embedded, err := provider.Metadata(rel.Target)
			if err != nil {
				continue
			}
			for _, d := range dependencies(provider, embedded, seen) {
				d.field = f.Name + "." + d.field
				deps = append(deps, d)
			}
			continue
		}
		if !rel.OwningSide() {
			continue
		}
		deps = append(deps, dependency{field: f.Name, target: rel.Target, required: !rel.Nullable})
	}
	return deps
}
