// Package typed provides type-safe access to the documents of one Go type
// tracked by a unit of work.
package typed

import (
	"context"

	"github.com/aretw0/tilth/pkg/core"
	"github.com/aretw0/tilth/pkg/mapping"
	"github.com/aretw0/tilth/pkg/uow"
)

// Repository wraps a unit of work to provide type-safe access to documents
// of type T. Several repositories may share one unit of work; Commit writes
// the pending changes of all of them.
type Repository[T any] struct {
	uow  *uow.UnitOfWork
	meta *mapping.ClassMetadata
}

// NewRepository creates a type-safe view of u. T must be a mapped, persistable
// struct type.
func NewRepository[T any](u *uow.UnitOfWork) (*Repository[T], error) {
	meta, err := u.Mapping().MetadataFor(new(T))
	if err != nil {
		return nil, err
	}
	if !meta.Persistable() {
		return nil, core.NewMappingError(meta.Name, "only top-level documents have repositories")
	}
	return &Repository[T]{uow: u, meta: meta}, nil
}

// Type returns the mapped type name of T.
func (r *Repository[T]) Type() string {
	return r.meta.Name
}

// UnitOfWork returns the underlying unit of work.
func (r *Repository[T]) UnitOfWork() *uow.UnitOfWork {
	return r.uow
}

// Persist schedules docs, and what they cascade to, for insertion.
func (r *Repository[T]) Persist(ctx context.Context, docs ...*T) error {
	for _, doc := range docs {
		if err := r.uow.Persist(ctx, doc); err != nil {
			return err
		}
	}
	return nil
}

// Remove schedules docs for deletion.
func (r *Repository[T]) Remove(ctx context.Context, docs ...*T) error {
	for _, doc := range docs {
		if err := r.uow.Remove(ctx, doc); err != nil {
			return err
		}
	}
	return nil
}

// Attach registers a document loaded elsewhere as managed, snapshotting its
// current values.
func (r *Repository[T]) Attach(doc *T) error {
	return r.uow.RegisterManaged(doc, nil, nil)
}

// Detach stops tracking doc.
func (r *Repository[T]) Detach(doc *T) {
	r.uow.Detach(doc)
}

// Find returns the managed instance with the given identity.
func (r *Repository[T]) Find(id any) (*T, bool) {
	doc, ok := r.uow.TryGetByID(r.meta.Name, id)
	if !ok {
		return nil, false
	}
	typed, ok := doc.(*T)
	return typed, ok
}

// All returns the managed documents of type T.
func (r *Repository[T]) All() []*T {
	docs := r.uow.Managed(r.meta.Name)
	out := make([]*T, 0, len(docs))
	for _, d := range docs {
		if typed, ok := d.(*T); ok {
			out = append(out, typed)
		}
	}
	return out
}

// State returns the lifecycle state of doc.
func (r *Repository[T]) State(ctx context.Context, doc *T) (uow.State, error) {
	return r.uow.DocumentState(ctx, doc)
}

// Changes computes the pending changes of doc.
func (r *Repository[T]) Changes(doc *T) (core.ChangeSet, error) {
	return r.uow.RecomputeChangeSet(doc)
}

// Commit writes the pending changes of the whole unit of work.
func (r *Repository[T]) Commit(ctx context.Context) error {
	return r.uow.Commit(ctx)
}
