// Package uow implements the unit of work: it tracks documents, detects their
// changes and writes them through per-type persisters in one ordered commit.
//
// A UnitOfWork is not safe for concurrent use. Create one per logical
// operation and discard it, or Clear it, afterwards.
package uow

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/aretw0/tilth/pkg/core"
	"github.com/aretw0/tilth/pkg/mapping"
)

// ParentAssociation links an embedded document to its owner.
type ParentAssociation struct {
	Mapping *mapping.Relation
	Parent  any
	// Path locates the document inside its top-level owner, e.g. "address" or "lines.2".
	Path string
}

// UnitOfWork tracks managed documents between commits.
type UnitOfWork struct {
	provider   mapping.Provider
	persisters *Persisters
	logger     *slog.Logger
	metrics    *Metrics
	sink       core.EventSink

	assignedIDState State

	identityMap *IdentityMap
	states      map[any]State
	metas       map[any]*mapping.ClassMetadata
	identifiers map[any]any
	// originalData holds the snapshots of snapshot-tracked documents.
	originalData map[any]map[string]any
	// pending holds the events recorded for notify-tracked documents.
	pending    map[any]core.ChangeSet
	changeSets map[any]core.ChangeSet
	parents    map[any]ParentAssociation

	// managed lists top-level managed documents in registration order.
	managed     *queue
	inserts     *queue
	updates     *queue
	deletes     *queue
	dirtyChecks *queue
}

// New creates an empty unit of work.
func New(provider mapping.Provider, persisters *Persisters, opts ...Option) *UnitOfWork {
	u := &UnitOfWork{
		provider:        provider,
		persisters:      persisters,
		logger:          slog.Default(),
		assignedIDState: StateNew,
	}
	for _, opt := range opts {
		opt(u)
	}
	u.reset()
	return u
}

func (u *UnitOfWork) reset() {
	u.identityMap = NewIdentityMap()
	u.states = make(map[any]State)
	u.metas = make(map[any]*mapping.ClassMetadata)
	u.identifiers = make(map[any]any)
	u.originalData = make(map[any]map[string]any)
	u.pending = make(map[any]core.ChangeSet)
	u.changeSets = make(map[any]core.ChangeSet)
	u.parents = make(map[any]ParentAssociation)
	u.managed = newQueue()
	u.inserts = newQueue()
	u.updates = newQueue()
	u.deletes = newQueue()
	u.dirtyChecks = newQueue()
}

// Clear forgets every document and pending operation.
func (u *UnitOfWork) Clear() {
	u.reset()
}

func (u *UnitOfWork) metadataFor(doc any) (*mapping.ClassMetadata, error) {
	if meta, ok := u.metas[doc]; ok {
		return meta, nil
	}
	return u.provider.MetadataFor(doc)
}

// DocumentState resolves the lifecycle state of doc. Only documents with a
// store-generated identity that are unknown to this unit of work cause a
// persister Exists call.
func (u *UnitOfWork) DocumentState(ctx context.Context, doc any) (State, error) {
	meta, err := u.metadataFor(doc)
	if err != nil {
		return StateNew, err
	}
	return u.documentState(ctx, meta, doc)
}

func (u *UnitOfWork) documentState(ctx context.Context, meta *mapping.ClassMetadata, doc any) (State, error) {
	if s, ok := u.states[doc]; ok {
		return s, nil
	}
	if !meta.Persistable() || !meta.HasID(doc) {
		return StateNew, nil
	}
	id := meta.ID(doc)
	if existing, ok := u.identityMap.Get(meta.Name, id); ok && existing != doc {
		return StateDetached, nil
	}
	if !meta.IDStrategy.Generated() {
		return u.assignedIDState, nil
	}

	p, err := u.persisters.For(meta)
	if err != nil {
		return StateNew, err
	}
	exists, err := p.Exists(ctx, doc)
	if err != nil {
		return StateNew, &core.PersisterError{Op: "exists", Type: meta.Name, ID: id, Err: err}
	}
	if exists {
		return StateDetached, nil
	}
	return StateNew, nil
}

// RegisterManaged records doc as a persisted, managed document, as a
// hydrator does after loading it. A nil id is read from the document; a nil
// data snapshot is taken from its current values. Embedded documents reachable
// from doc are registered along with it. A REMOVED doc is restored, as
// Persist restores it.
func (u *UnitOfWork) RegisterManaged(doc any, id any, data map[string]any) error {
	meta, err := u.metadataFor(doc)
	if err != nil {
		return err
	}
	if !meta.Persistable() {
		return core.NewMappingError(meta.Name, "only top-level documents can be registered")
	}
	if mapping.IsZero(id) {
		id = meta.ID(doc)
	}
	if mapping.IsZero(id) {
		return fmt.Errorf("%w: cannot register %s without an identity", core.ErrInvalidArgument, meta.Name)
	}
	if existing, added := u.identityMap.Add(meta.Name, id, doc); existing != doc {
		return &core.IdentityConflictError{Type: meta.Name, ID: id}
	} else if !added {
		u.logger.Debug("document already registered", "type", meta.Name, "id", id)
	}
	if u.states[doc] == StateRemoved {
		u.deletes.remove(doc)
		u.logger.Debug("document restored", "type", meta.Name, "id", id)
	}

	u.manage(meta, doc, data)
	u.identifiers[doc] = id
	u.managed.add(doc)
	u.syncEmbedded(meta, doc, "")
	return nil
}

// manage marks doc MANAGED and starts tracking it with its type's policy.
func (u *UnitOfWork) manage(meta *mapping.ClassMetadata, doc any, data map[string]any) {
	u.states[doc] = StateManaged
	u.metas[doc] = meta
	if data == nil {
		data = meta.Values(doc)
	}
	trackerFor(meta).register(u, meta, doc, data)
}

// IsInIdentityMap reports whether doc is the registered instance of its identity.
func (u *UnitOfWork) IsInIdentityMap(doc any) bool {
	meta, ok := u.metas[doc]
	if !ok {
		return false
	}
	id, ok := u.identifiers[doc]
	if !ok {
		return false
	}
	return u.identityMap.Contains(meta.Name, id, doc)
}

// TryGetByID returns the managed instance of (typeName, id).
func (u *UnitOfWork) TryGetByID(typeName string, id any) (any, bool) {
	return u.identityMap.Get(typeName, id)
}

// Managed returns the MANAGED top-level documents of typeName in the order
// they became managed.
func (u *UnitOfWork) Managed(typeName string) []any {
	var out []any
	for _, doc := range u.managed.snapshot() {
		if u.states[doc] == StateManaged && u.metas[doc].Name == typeName {
			out = append(out, doc)
		}
	}
	return out
}

// Mapping returns the metadata provider of the unit of work.
func (u *UnitOfWork) Mapping() mapping.Provider {
	return u.provider
}

// SetParentAssociation records the owner of an embedded document, replacing
// any earlier association.
func (u *UnitOfWork) SetParentAssociation(doc any, rel *mapping.Relation, parent any, path string) {
	u.parents[doc] = ParentAssociation{Mapping: rel, Parent: parent, Path: path}
}

// GetParentAssociation returns the owner recorded for doc.
func (u *UnitOfWork) GetParentAssociation(doc any) (ParentAssociation, bool) {
	pa, ok := u.parents[doc]
	return pa, ok
}

// root follows parent associations up to the top-level document.
func (u *UnitOfWork) root(doc any) any {
	seen := map[any]bool{}
	for !seen[doc] {
		seen[doc] = true
		pa, ok := u.parents[doc]
		if !ok {
			return doc
		}
		doc = pa.Parent
	}
	return doc
}

// IsScheduledForInsert reports whether doc will be inserted by the next commit.
func (u *UnitOfWork) IsScheduledForInsert(doc any) bool { return u.inserts.has(doc) }

// IsScheduledForUpdate reports whether doc is queued for update. Documents
// join this queue when change sets are computed during commit.
func (u *UnitOfWork) IsScheduledForUpdate(doc any) bool { return u.updates.has(doc) }

// IsScheduledForDelete reports whether doc will be deleted by the next commit.
func (u *UnitOfWork) IsScheduledForDelete(doc any) bool { return u.deletes.has(doc) }

// IsScheduledForDirtyCheck reports whether doc will be inspected for changes
// although its policy does not inspect every managed document.
func (u *UnitOfWork) IsScheduledForDirtyCheck(doc any) bool { return u.dirtyChecks.has(doc) }

// ScheduleForUpdate asks the next commit to inspect doc for changes whatever
// its tracking policy. An empty change set is still never written.
func (u *UnitOfWork) ScheduleForUpdate(doc any) error {
	if u.states[doc] != StateManaged {
		return fmt.Errorf("%w: only managed documents can be scheduled for update", core.ErrInvalidArgument)
	}
	if u.inserts.has(doc) {
		return nil
	}
	u.dirtyChecks.add(u.root(doc))
	return nil
}

// ScheduleForDelete queues a managed document for deletion without cascading.
// Documents that were never persisted have no stored record, so this is a
// no-op for them; a document only scheduled for insert is unscheduled.
func (u *UnitOfWork) ScheduleForDelete(doc any) {
	state, ok := u.states[doc]
	if !ok || state == StateRemoved {
		return
	}
	if u.inserts.has(doc) {
		u.forget(doc)
		return
	}
	if _, embedded := u.parents[doc]; embedded {
		u.states[doc] = StateRemoved
		return
	}
	u.updates.remove(doc)
	u.dirtyChecks.remove(doc)
	delete(u.changeSets, doc)
	u.deletes.add(doc)
	u.states[doc] = StateRemoved
}

// Detach stops tracking doc and the documents reached through relations that
// cascade detach. Pending operations on them are dropped.
func (u *UnitOfWork) Detach(doc any) {
	visited := make(map[any]bool)
	var walk func(any)
	walk = func(d any) {
		if visited[d] {
			return
		}
		visited[d] = true
		meta, ok := u.metas[d]
		if !ok {
			return
		}
		for _, f := range meta.Relations() {
			if !f.Relation.CascadesDetach() {
				continue
			}
			for _, el := range mapping.Elements(f.Get(d)) {
				walk(el)
			}
		}
		u.forget(d)
	}
	walk(doc)
}

// forget drops every trace of doc and of the embedded documents it owns.
func (u *UnitOfWork) forget(doc any) {
	if meta, ok := u.metas[doc]; ok {
		if id, ok := u.identifiers[doc]; ok {
			u.identityMap.Remove(meta.Name, id, doc)
		}
	}
	delete(u.states, doc)
	delete(u.metas, doc)
	delete(u.identifiers, doc)
	delete(u.originalData, doc)
	delete(u.pending, doc)
	delete(u.changeSets, doc)
	delete(u.parents, doc)
	u.managed.remove(doc)
	u.inserts.remove(doc)
	u.updates.remove(doc)
	u.deletes.remove(doc)
	u.dirtyChecks.remove(doc)

	for child, pa := range u.parents {
		if pa.Parent == doc {
			u.forget(child)
		}
	}
}

// ChangeSet returns the change set pending for doc: the one computed by the
// last commit or RecomputeChangeSet, or the events recorded so far for
// notify-tracked documents.
func (u *UnitOfWork) ChangeSet(doc any) core.ChangeSet {
	if cs, ok := u.changeSets[doc]; ok {
		return cs.Clone()
	}
	if cs, ok := u.pending[doc]; ok {
		return cs.Clone()
	}
	return core.ChangeSet{}
}

// RecomputeChangeSet recomputes the change set of one managed document.
func (u *UnitOfWork) RecomputeChangeSet(doc any) (core.ChangeSet, error) {
	meta, ok := u.metas[doc]
	if !ok || u.states[doc] != StateManaged {
		return nil, fmt.Errorf("%w: only managed documents have change sets", core.ErrInvalidArgument)
	}
	var cs core.ChangeSet
	if u.inserts.has(doc) {
		cs = insertChangeSet(meta, doc)
	} else {
		cs = trackerFor(meta).compute(u, meta, doc)
	}
	if len(cs) == 0 {
		delete(u.changeSets, doc)
		return core.ChangeSet{}, nil
	}
	u.changeSets[doc] = cs
	return cs.Clone(), nil
}

// PropertyChanged implements core.PropertyChangedListener for notify-tracked
// documents. Events for unmapped fields or unmanaged documents are ignored.
func (u *UnitOfWork) PropertyChanged(doc any, field string, oldValue, newValue any) {
	meta, ok := u.metas[doc]
	if !ok || u.states[doc] != StateManaged || meta.TrackingPolicy != mapping.Notify {
		return
	}
	f, ok := meta.Field(field)
	if !ok || f.Identifier {
		return
	}
	cs, ok := u.pending[doc]
	if !ok {
		cs = core.ChangeSet{}
		u.pending[doc] = cs
	}
	cs.Record(field, oldValue, newValue)

	root := u.root(doc)
	if !u.inserts.has(root) {
		u.dirtyChecks.add(root)
	}
}

var _ core.PropertyChangedListener = (*UnitOfWork)(nil)
