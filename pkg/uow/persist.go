package uow

import (
	"context"
	"fmt"

	"github.com/aretw0/tilth/pkg/core"
	"github.com/aretw0/tilth/pkg/mapping"
)

// step is one document reached by a cascading walk, with the state it had
// when the walk started.
type step struct {
	doc    any
	meta   *mapping.ClassMetadata
	state  State
	parent *ParentAssociation
}

// walk collects the documents an operation reaches. Nothing is changed until
// the whole graph has been planned, so errors leave the unit of work as it was.
type walk struct {
	u       *UnitOfWork
	ctx     context.Context
	visited map[any]bool
	steps   []step
	// strict rejects new documents reached through relations that do not
	// cascade persist.
	strict bool
}

func (u *UnitOfWork) newWalk(ctx context.Context) *walk {
	return &walk{u: u, ctx: ctx, visited: make(map[any]bool)}
}

// Persist makes doc managed and schedules it for insert when it is new.
// Relations flagged cascade persist, and all embedded documents, are
// followed. Persisting a removed document cancels its deletion.
func (u *UnitOfWork) Persist(ctx context.Context, doc any) error {
	w := u.newWalk(ctx)
	if err := w.persist(doc, nil); err != nil {
		return err
	}
	return u.applyPersist(ctx, w.steps, true)
}

func (w *walk) persist(doc any, parent *ParentAssociation) error {
	if w.visited[doc] {
		return nil
	}
	w.visited[doc] = true

	u := w.u
	meta, err := u.metadataFor(doc)
	if err != nil {
		return err
	}
	if meta.MappedSuperclass {
		return core.NewMappingError(meta.Name, "mapped superclasses cannot be persisted")
	}
	if meta.Embedded && parent == nil {
		if _, owned := u.parents[doc]; !owned {
			return core.NewMappingError(meta.Name, "embedded documents are persisted through their owner")
		}
	}
	state, err := u.documentState(w.ctx, meta, doc)
	if err != nil {
		return err
	}
	if state == StateDetached {
		return &core.IdentityConflictError{Type: meta.Name, ID: meta.ID(doc)}
	}

	path := ""
	if parent != nil {
		path = parent.Path
	} else if pa, ok := u.parents[doc]; ok {
		path = pa.Path
	}

	// Owning-side references are planned before their owner so the targets
	// are inserted first within a type as well.
	if err := w.cascadePersist(meta, doc, path, true); err != nil {
		return err
	}
	w.steps = append(w.steps, step{doc: doc, meta: meta, state: state, parent: parent})
	return w.cascadePersist(meta, doc, path, false)
}

func (w *walk) cascadePersist(meta *mapping.ClassMetadata, doc any, path string, owning bool) error {
	for _, f := range meta.Relations() {
		rel := f.Relation
		first := !rel.IsEmbedded() && rel.OwningSide()
		if first != owning {
			continue
		}
		for i, el := range mapping.Elements(f.Get(doc)) {
			if rel.IsEmbedded() {
				pa := &ParentAssociation{Mapping: rel, Parent: doc, Path: childPath(path, f, i)}
				if err := w.persist(el, pa); err != nil {
					return err
				}
				continue
			}
			if rel.CascadesPersist() {
				if err := w.persist(el, nil); err != nil {
					return err
				}
				continue
			}
			if w.strict {
				if err := w.checkReference(meta, f, el); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// checkReference fails for a new document reached through a relation that
// does not cascade persist: it would be written as a dangling reference.
func (w *walk) checkReference(owner *mapping.ClassMetadata, f *mapping.FieldMapping, target any) error {
	if _, known := w.u.states[target]; known {
		return nil
	}
	meta, err := w.u.metadataFor(target)
	if err != nil {
		return err
	}
	if meta.HasID(target) {
		return nil
	}
	return fmt.Errorf("%w: %s.%s references a new %s; persist it or cascade persist", core.ErrUnpersistedReference, owner.Name, f.Name, meta.Name)
}

func (u *UnitOfWork) applyPersist(ctx context.Context, steps []step, explicit bool) error {
	for _, s := range steps {
		switch s.state {
		case StateNew:
			if err := u.persistNew(ctx, s); err != nil {
				return err
			}
		case StateManaged:
			if s.parent != nil {
				u.parents[s.doc] = *s.parent
			}
			if explicit && s.meta.Persistable() && s.meta.TrackingPolicy == mapping.DeferredExplicit && !u.inserts.has(s.doc) {
				u.dirtyChecks.add(s.doc)
			}
		case StateRemoved:
			u.deletes.remove(s.doc)
			u.states[s.doc] = StateManaged
			if s.parent != nil {
				u.parents[s.doc] = *s.parent
			}
			u.logger.Debug("document restored", "type", s.meta.Name, "id", s.meta.ID(s.doc))
		}
	}
	return nil
}

func (u *UnitOfWork) persistNew(ctx context.Context, s step) error {
	meta, doc := s.meta, s.doc
	if meta.Persistable() && !meta.HasID(doc) && meta.Generator != nil {
		id, err := meta.Generator.Generate(ctx, meta, doc)
		if err != nil {
			return fmt.Errorf("failed to generate id for %s: %w", meta.Name, err)
		}
		if err := meta.SetID(doc, id); err != nil {
			return err
		}
	}

	if s.parent != nil {
		u.parents[doc] = *s.parent
	}
	u.manage(meta, doc, nil)
	if !meta.Persistable() {
		return nil
	}

	u.inserts.add(doc)
	u.managed.add(doc)
	if meta.HasID(doc) {
		id := meta.ID(doc)
		u.identityMap.Add(meta.Name, id, doc)
		u.identifiers[doc] = id
	}
	u.logger.Debug("document scheduled for insert", "type", meta.Name, "id", meta.ID(doc))
	return nil
}

// Remove schedules a managed document for deletion and follows relations
// flagged cascade remove. A document that was only scheduled for insert is
// unscheduled instead. Removing a detached document fails.
func (u *UnitOfWork) Remove(ctx context.Context, doc any) error {
	w := u.newWalk(ctx)
	if err := w.remove(doc); err != nil {
		return err
	}
	for _, s := range w.steps {
		u.applyRemove(s)
	}
	return nil
}

func (w *walk) remove(doc any) error {
	if w.visited[doc] {
		return nil
	}
	w.visited[doc] = true

	u := w.u
	meta, err := u.metadataFor(doc)
	if err != nil {
		return err
	}
	if meta.MappedSuperclass {
		return core.NewMappingError(meta.Name, "mapped superclasses cannot be removed")
	}
	state, err := u.documentState(w.ctx, meta, doc)
	if err != nil {
		return err
	}
	switch state {
	case StateDetached:
		return fmt.Errorf("%w: %s %v", core.ErrDetachedDocument, meta.Name, meta.ID(doc))
	case StateNew, StateRemoved:
		return nil
	}

	w.steps = append(w.steps, step{doc: doc, meta: meta, state: state})
	for _, f := range meta.Relations() {
		if !f.Relation.CascadesRemove() {
			continue
		}
		for _, el := range mapping.Elements(f.Get(doc)) {
			if err := w.remove(el); err != nil {
				return err
			}
		}
	}
	return nil
}

func (u *UnitOfWork) applyRemove(s step) {
	doc := s.doc
	if _, known := u.states[doc]; !known {
		// Forgotten with an owner removed earlier in this walk.
		return
	}
	if u.inserts.has(doc) {
		u.forget(doc)
		u.logger.Debug("insert unscheduled", "type", s.meta.Name)
		return
	}
	if !s.meta.Persistable() {
		u.states[doc] = StateRemoved
		return
	}
	u.updates.remove(doc)
	u.dirtyChecks.remove(doc)
	delete(u.changeSets, doc)
	u.deletes.add(doc)
	u.states[doc] = StateRemoved
	u.logger.Debug("document scheduled for delete", "type", s.meta.Name, "id", s.meta.ID(doc))
}
