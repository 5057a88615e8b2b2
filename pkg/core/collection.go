package core

// TrackedCollection is a collection that remembers whether it was mutated
// since its last snapshot.
type TrackedCollection interface {
	// IsDirty reports any mutation since the last snapshot, even when the
	// net membership did not change.
	IsDirty() bool
	// TakeSnapshot marks the current membership as persisted.
	TakeSnapshot()
	// Elements returns the current members.
	Elements() []any
	// SnapshotElements returns the members at the last snapshot.
	SnapshotElements() []any
}

// Collection is an ordered, dirty-tracking list of values, typically references
// to other documents.
type Collection[T comparable] struct {
	items    []T
	snapshot []T
	dirty    bool
}

// NewCollection creates a clean collection holding items.
func NewCollection[T comparable](items ...T) *Collection[T] {
	c := &Collection[T]{items: append([]T(nil), items...)}
	c.TakeSnapshot()
	return c
}

// Add appends item.
func (c *Collection[T]) Add(item T) {
	c.items = append(c.items, item)
	c.dirty = true
}

// Remove deletes the first occurrence of item and reports whether it was present.
func (c *Collection[T]) Remove(item T) bool {
	for i, it := range c.items {
		if it == item {
			c.items = append(c.items[:i:i], c.items[i+1:]...)
			c.dirty = true
			return true
		}
	}
	return false
}

// Contains reports whether item is a member.
func (c *Collection[T]) Contains(item T) bool {
	for _, it := range c.items {
		if it == item {
			return true
		}
	}
	return false
}

// Clear removes all members.
func (c *Collection[T]) Clear() {
	if len(c.items) == 0 {
		return
	}
	c.items = nil
	c.dirty = true
}

// Items returns a copy of the members.
func (c *Collection[T]) Items() []T {
	return append([]T(nil), c.items...)
}

// Len returns the number of members.
func (c *Collection[T]) Len() int {
	return len(c.items)
}

// IsDirty implements TrackedCollection.
func (c *Collection[T]) IsDirty() bool {
	return c.dirty
}

// TakeSnapshot implements TrackedCollection.
func (c *Collection[T]) TakeSnapshot() {
	c.snapshot = append([]T(nil), c.items...)
	c.dirty = false
}

// Elements implements TrackedCollection.
func (c *Collection[T]) Elements() []any {
	return toAny(c.items)
}

// SnapshotElements implements TrackedCollection.
func (c *Collection[T]) SnapshotElements() []any {
	return toAny(c.snapshot)
}

func toAny[T any](items []T) []any {
	out := make([]any, len(items))
	for i, it := range items {
		out[i] = it
	}
	return out
}
