package mapping

import (
	"context"

	"github.com/google/uuid"
)

// Generator produces an identity for a document before it is inserted.
type Generator interface {
	Generate(ctx context.Context, meta *ClassMetadata, doc any) (any, error)
}

// GeneratorFunc adapts a function to Generator.
type GeneratorFunc func(ctx context.Context, meta *ClassMetadata, doc any) (any, error)

// Generate implements Generator.
func (f GeneratorFunc) Generate(ctx context.Context, meta *ClassMetadata, doc any) (any, error) {
	return f(ctx, meta, doc)
}

// UUIDGenerator assigns random (version 4) UUID strings.
type UUIDGenerator struct{}

// Generate implements Generator.
func (UUIDGenerator) Generate(context.Context, *ClassMetadata, any) (any, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return nil, err
	}
	return id.String(), nil
}

// DefaultGenerator returns the pre-insert generator for a strategy, or nil
// when the identity comes from the application or the store.
func DefaultGenerator(s IDStrategy) Generator {
	if s == IDUUID {
		return UUIDGenerator{}
	}
	return nil
}
