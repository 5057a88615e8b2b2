package uow_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aretw0/tilth/pkg/core"
	"github.com/aretw0/tilth/pkg/uow"
)

func TestDocumentState_UnsetIdentityIsNew(t *testing.T) {
	h := newHarness(t)
	ctx := t.Context()

	for _, doc := range []any{&User{}, &Tag{}, &Customer{}, &Address{}} {
		state, err := h.uow.DocumentState(ctx, doc)
		require.NoError(t, err)
		assert.Equal(t, uow.StateNew, state, "%T", doc)
	}
	assert.Empty(t, h.store.Calls())
}

func TestDocumentState_RegisteredIsManagedWithoutExists(t *testing.T) {
	h := newHarness(t)
	ctx := t.Context()

	u := &User{ID: 7, Name: "ada"}
	require.NoError(t, h.uow.RegisterManaged(u, nil, nil))

	state, err := h.uow.DocumentState(ctx, u)
	require.NoError(t, err)
	assert.Equal(t, uow.StateManaged, state)
	assert.True(t, h.uow.IsInIdentityMap(u))

	other := &User{ID: 7, Name: "ada"}
	state, err = h.uow.DocumentState(ctx, other)
	require.NoError(t, err)
	assert.Equal(t, uow.StateDetached, state)
	assert.False(t, h.uow.IsInIdentityMap(other))

	assert.Zero(t, h.store.Count("exists"))
}

func TestDocumentState_GeneratedIdentityAsksStore(t *testing.T) {
	h := newHarness(t)
	ctx := t.Context()

	stored := &User{Name: "stored"}
	h.committed(t, stored)

	// A fresh unit of work knows nothing about the stored user.
	fresh := uow.New(h.reg, uow.NewPersisters(h.store.Factory()))

	state, err := fresh.DocumentState(ctx, &User{ID: stored.ID})
	require.NoError(t, err)
	assert.Equal(t, uow.StateDetached, state)

	state, err = fresh.DocumentState(ctx, &User{ID: 999})
	require.NoError(t, err)
	assert.Equal(t, uow.StateNew, state)

	assert.Equal(t, 2, h.store.Count("exists"))

	// Cached states never reach the store again.
	state, err = h.uow.DocumentState(ctx, stored)
	require.NoError(t, err)
	assert.Equal(t, uow.StateManaged, state)
	assert.Equal(t, 2, h.store.Count("exists"))
}

func TestDocumentState_AssignedIdentityPolicy(t *testing.T) {
	ctx := t.Context()

	h := newHarness(t)
	state, err := h.uow.DocumentState(ctx, &Tag{Name: "go"})
	require.NoError(t, err)
	assert.Equal(t, uow.StateNew, state)

	h = newHarness(t, uow.WithAssignedIDState(uow.StateDetached))
	state, err = h.uow.DocumentState(ctx, &Tag{Name: "go"})
	require.NoError(t, err)
	assert.Equal(t, uow.StateDetached, state)

	assert.Zero(t, h.store.Count("exists"))
}

func TestDocumentState_UnknownType(t *testing.T) {
	h := newHarness(t)

	type unmapped struct{ ID int }
	_, err := h.uow.DocumentState(t.Context(), &unmapped{ID: 1})
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrMapping)
}

func TestRegisterManaged_KeepsFirstInstance(t *testing.T) {
	h := newHarness(t)

	first := &User{ID: 3}
	require.NoError(t, h.uow.RegisterManaged(first, nil, nil))

	second := &User{ID: 3}
	err := h.uow.RegisterManaged(second, nil, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrIdentityConflict)

	got, ok := h.uow.TryGetByID("User", int64(3))
	require.True(t, ok)
	assert.Same(t, first, got)
}

func TestRegisterManaged_RequiresIdentity(t *testing.T) {
	h := newHarness(t)
	assert.ErrorIs(t, h.uow.RegisterManaged(&User{}, nil, nil), core.ErrInvalidArgument)
	assert.ErrorIs(t, h.uow.RegisterManaged(&Address{}, nil, nil), core.ErrMapping)
}

func TestRegisterManaged_RestoresRemoved(t *testing.T) {
	h := newHarness(t)
	ctx := t.Context()

	u := &User{Name: "ada"}
	h.committed(t, u)
	require.NoError(t, h.uow.Remove(ctx, u))
	require.True(t, h.uow.IsScheduledForDelete(u))

	require.NoError(t, h.uow.RegisterManaged(u, nil, nil))
	assert.False(t, h.uow.IsScheduledForDelete(u))
	state, err := h.uow.DocumentState(ctx, u)
	require.NoError(t, err)
	assert.Equal(t, uow.StateManaged, state)

	require.NoError(t, h.uow.Commit(ctx))
	assert.Empty(t, h.store.Calls())
	assert.Len(t, h.store.IDs("User"), 1)
}

func TestRegisterManaged_UsesGivenSnapshot(t *testing.T) {
	h := newHarness(t)
	meta, err := h.reg.Metadata("User")
	require.NoError(t, err)

	u := &User{ID: 1, Name: "new name"}
	data := meta.Values(&User{ID: 1, Name: "old name"})
	require.NoError(t, h.uow.RegisterManaged(u, nil, data))

	cs, err := h.uow.RecomputeChangeSet(u)
	require.NoError(t, err)
	assert.Equal(t, []string{"Name"}, cs.Fields())
	assert.Equal(t, "old name", cs["Name"].Old)
	assert.Equal(t, "new name", cs["Name"].New)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "NEW", uow.StateNew.String())
	assert.Equal(t, "MANAGED", uow.StateManaged.String())
	assert.Equal(t, "DETACHED", uow.StateDetached.String())
	assert.Equal(t, "REMOVED", uow.StateRemoved.String())
}

