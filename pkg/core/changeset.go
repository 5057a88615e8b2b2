package core

import "sort"

// Change holds the previous and the current value of a field.
type Change struct {
	Old any
	New any
}

// ChangeSet maps field names to their pending changes.
type ChangeSet map[string]Change

// Has reports whether field has a pending change.
func (cs ChangeSet) Has(field string) bool {
	_, ok := cs[field]
	return ok
}

// Fields returns the changed field names in lexical order.
func (cs ChangeSet) Fields() []string {
	fields := make([]string, 0, len(cs))
	for f := range cs {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	return fields
}

// Record merges a change into the set, keeping the oldest known value.
func (cs ChangeSet) Record(field string, old, new any) {
	if prev, ok := cs[field]; ok {
		old = prev.Old
	}
	cs[field] = Change{Old: old, New: new}
}

// Clone returns a shallow copy of the set.
func (cs ChangeSet) Clone() ChangeSet {
	out := make(ChangeSet, len(cs))
	for k, v := range cs {
		out[k] = v
	}
	return out
}
