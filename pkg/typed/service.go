package typed

import (
	"context"
	"fmt"

	"github.com/aretw0/tilth/pkg/uow"
)

// Factory mints a fresh unit of work.
type Factory func() *uow.UnitOfWork

// Service runs operations on documents of type T, each in its own unit of
// work.
type Service[T any] struct {
	newUnitOfWork Factory
}

// NewService creates a typed service.
func NewService[T any](f Factory) *Service[T] {
	return &Service[T]{newUnitOfWork: f}
}

// WithTransaction runs fn against a fresh unit of work and commits it when fn
// succeeds. On error nothing is written. The commit message is taken from the
// core.ChangeReasonKey value of ctx.
func (s *Service[T]) WithTransaction(ctx context.Context, fn func(ctx context.Context, repo *Repository[T]) error) error {
	u := s.newUnitOfWork()
	repo, err := NewRepository[T](u)
	if err != nil {
		return err
	}
	if err := fn(ctx, repo); err != nil {
		u.Clear()
		return err
	}
	if err := u.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

// Create inserts docs in one commit.
func (s *Service[T]) Create(ctx context.Context, docs ...*T) error {
	return s.WithTransaction(ctx, func(ctx context.Context, repo *Repository[T]) error {
		return repo.Persist(ctx, docs...)
	})
}

// Delete removes stored docs in one commit. The documents are attached first,
// so they may come from any source.
func (s *Service[T]) Delete(ctx context.Context, docs ...*T) error {
	return s.WithTransaction(ctx, func(ctx context.Context, repo *Repository[T]) error {
		for _, doc := range docs {
			if err := repo.Attach(doc); err != nil {
				return err
			}
		}
		return repo.Remove(ctx, docs...)
	})
}
