package uow

import (
	"reflect"
	"strconv"

	"github.com/aretw0/tilth/pkg/core"
	"github.com/aretw0/tilth/pkg/mapping"
)

// changeTracker is the per-policy half of the change-set computer.
type changeTracker interface {
	// register starts tracking a freshly managed document, or refreshes
	// tracking after its changes were written.
	register(u *UnitOfWork, meta *mapping.ClassMetadata, doc any, data map[string]any)
	// compute returns the changes of a managed document since register.
	compute(u *UnitOfWork, meta *mapping.ClassMetadata, doc any) core.ChangeSet
}

func trackerFor(meta *mapping.ClassMetadata) changeTracker {
	if meta.TrackingPolicy == mapping.Notify {
		return notifyTracker{}
	}
	return snapshotTracker{}
}

// snapshotTracker diffs the current field values against a stored snapshot.
type snapshotTracker struct{}

func (snapshotTracker) register(u *UnitOfWork, _ *mapping.ClassMetadata, doc any, data map[string]any) {
	u.originalData[doc] = data
}

func (snapshotTracker) compute(u *UnitOfWork, meta *mapping.ClassMetadata, doc any) core.ChangeSet {
	orig := u.originalData[doc]
	cs := core.ChangeSet{}
	for _, f := range meta.Fields {
		if f.Identifier {
			continue
		}
		old, cur := orig[f.Name], f.Get(doc)
		if f.Relation != nil {
			if ch, ok := u.relationChange(f, old, cur, true); ok {
				cs[f.Name] = ch
			}
			continue
		}
		if !reflect.DeepEqual(old, cur) {
			cs[f.Name] = core.Change{Old: old, New: cur}
		}
	}
	return cs
}

// notifyTracker uses the events emitted by the document verbatim. Relation
// fields are still inspected, since collections and embedded documents do
// not emit events on the owner's behalf.
type notifyTracker struct{}

func (notifyTracker) register(u *UnitOfWork, _ *mapping.ClassMetadata, doc any, _ map[string]any) {
	if n, ok := doc.(core.NotifyPropertyChanged); ok {
		n.AddPropertyChangedListener(u)
	}
}

func (notifyTracker) compute(u *UnitOfWork, meta *mapping.ClassMetadata, doc any) core.ChangeSet {
	cs := u.pending[doc].Clone()
	for _, f := range meta.Relations() {
		if cs.Has(f.Name) {
			continue
		}
		cur := f.Get(doc)
		if ch, ok := u.relationChange(f, cur, cur, false); ok {
			cs[f.Name] = ch
		}
	}
	return cs
}

// relationChange detects changes of a relation field. Members are compared by
// reference; tracked collections count as changed after any mutation.
// Embedded members that changed themselves mark the field as changed too.
func (u *UnitOfWork) relationChange(f *mapping.FieldMapping, old, cur any, hasSnapshot bool) (core.Change, bool) {
	rel := f.Relation
	if tc, ok := cur.(core.TrackedCollection); ok && !mapping.IsNil(cur) {
		if tc.IsDirty() || (hasSnapshot && !sameRef(old, cur)) {
			return core.Change{Old: tc.SnapshotElements(), New: tc.Elements()}, true
		}
		if rel.IsEmbedded() && u.anyEmbeddedDirty(tc.Elements()) {
			return core.Change{Old: tc.Elements(), New: tc.Elements()}, true
		}
		return core.Change{}, false
	}
	if hasSnapshot && !sameMembers(old, cur) {
		return core.Change{Old: old, New: cur}, true
	}
	if rel.IsEmbedded() && u.anyEmbeddedDirty(mapping.Elements(cur)) {
		return core.Change{Old: old, New: cur}, true
	}
	return core.Change{}, false
}

func (u *UnitOfWork) anyEmbeddedDirty(children []any) bool {
	dirty := false
	for _, child := range children {
		if u.embeddedDirty(child) {
			dirty = true
		}
	}
	return dirty
}

// embeddedDirty computes and stores the change set of an embedded document.
func (u *UnitOfWork) embeddedDirty(child any) bool {
	meta, ok := u.metas[child]
	if !ok {
		return true
	}
	cs := trackerFor(meta).compute(u, meta, child)
	if len(cs) == 0 {
		delete(u.changeSets, child)
		return false
	}
	u.changeSets[child] = cs
	return true
}

func sameRef(a, b any) bool {
	if mapping.IsNil(a) || mapping.IsNil(b) {
		return mapping.IsNil(a) && mapping.IsNil(b)
	}
	ra, rb := reflect.ValueOf(a), reflect.ValueOf(b)
	if ra.Kind() != reflect.Pointer || rb.Kind() != reflect.Pointer {
		return false
	}
	return ra.Type() == rb.Type() && ra.Pointer() == rb.Pointer()
}

func sameMembers(a, b any) bool {
	ea, eb := mapping.Elements(a), mapping.Elements(b)
	if len(ea) != len(eb) {
		return false
	}
	for i := range ea {
		if !sameRef(ea[i], eb[i]) {
			return false
		}
	}
	return true
}

// insertChangeSet lists every mapped field of a document about to be inserted.
func insertChangeSet(meta *mapping.ClassMetadata, doc any) core.ChangeSet {
	cs := make(core.ChangeSet, len(meta.Fields))
	for _, f := range meta.Fields {
		cs[f.Name] = core.Change{New: f.Get(doc)}
	}
	return cs
}

// refresh re-registers doc after its changes were written: new snapshot,
// clean collections, no pending events. Embedded documents are synced with
// their owner.
func (u *UnitOfWork) refresh(meta *mapping.ClassMetadata, doc any) {
	trackerFor(meta).register(u, meta, doc, meta.Values(doc))
	delete(u.pending, doc)
	delete(u.changeSets, doc)
	for _, f := range meta.Relations() {
		if tc, ok := f.Get(doc).(core.TrackedCollection); ok && !mapping.IsNil(tc) {
			tc.TakeSnapshot()
		}
	}
	path := ""
	if pa, ok := u.parents[doc]; ok {
		path = pa.Path
	}
	u.syncEmbedded(meta, doc, path)
}

// syncEmbedded registers the embedded documents currently owned by doc,
// refreshes the ones already known and forgets the ones it no longer owns.
func (u *UnitOfWork) syncEmbedded(meta *mapping.ClassMetadata, doc any, path string) {
	owned := make(map[any]bool)
	for _, f := range meta.Relations() {
		rel := f.Relation
		if !rel.IsEmbedded() {
			continue
		}
		for i, child := range mapping.Elements(f.Get(doc)) {
			owned[child] = true
			childMeta, ok := u.metas[child]
			if !ok {
				var err error
				childMeta, err = u.provider.MetadataFor(child)
				if err != nil {
					u.logger.Warn("skipping unmapped embedded document", "type", meta.Name, "field", f.Name, "error", err)
					continue
				}
			}
			u.SetParentAssociation(child, rel, doc, childPath(path, f, i))
			if _, known := u.states[child]; !known {
				u.manage(childMeta, child, nil)
			} else {
				u.states[child] = StateManaged
			}
			u.refresh(childMeta, child)
		}
	}
	for child, pa := range u.parents {
		if pa.Parent == doc && !owned[child] {
			u.forget(child)
		}
	}
}

func childPath(parent string, f *mapping.FieldMapping, i int) string {
	p := f.StoreName
	if f.Relation.Many {
		p += "." + strconv.Itoa(i)
	}
	if parent != "" {
		p = parent + "." + p
	}
	return p
}
