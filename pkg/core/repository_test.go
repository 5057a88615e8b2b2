package core_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/aretw0/tilth/pkg/core"
)

func TestCommitScope(t *testing.T) {
	_, ok := core.CommitScopeOf(t.Context())
	assert.False(t, ok)

	a := core.WithCommitScope(t.Context())
	b := core.WithCommitScope(t.Context())
	sa, ok := core.CommitScopeOf(a)
	assert.True(t, ok)
	sb, _ := core.CommitScopeOf(b)
	assert.NotEqual(t, sa, sb)

	// The scope outlives cancellation.
	ctx, cancel := context.WithCancel(a)
	cancel()
	same, ok := core.CommitScopeOf(context.WithoutCancel(ctx))
	assert.True(t, ok)
	assert.Equal(t, sa, same)
}

func TestChangeReason(t *testing.T) {
	assert.Equal(t, "def", core.ChangeReason(t.Context(), "def"))
	ctx := context.WithValue(t.Context(), core.ChangeReasonKey, "import")
	assert.Equal(t, "import", core.ChangeReason(ctx, "def"))
}
