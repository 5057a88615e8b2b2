package uow_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aretw0/tilth/pkg/core"
)

func TestNotify_SetterChangesAreRecorded(t *testing.T) {
	h := newHarness(t)

	a := &Article{ID: 1, Title: "draft title"}
	require.NoError(t, h.uow.RegisterManaged(a, nil, nil))

	a.SetTitle("final title")
	assert.Equal(t, core.ChangeSet{"Title": {Old: "draft title", New: "final title"}}, h.uow.ChangeSet(a))
	assert.True(t, h.uow.IsScheduledForDirtyCheck(a))

	// Unmapped fields are not tracked.
	a.SetDraft(true)
	assert.Equal(t, []string{"Title"}, h.uow.ChangeSet(a).Fields())

	// The oldest value is kept across several events.
	a.SetTitle("really final")
	assert.Equal(t, core.Change{Old: "draft title", New: "really final"}, h.uow.ChangeSet(a)["Title"])
}

func TestNotify_CommitUsesEventsVerbatim(t *testing.T) {
	h := newHarness(t)
	ctx := t.Context()

	a := &Article{Title: "one"}
	h.committed(t, a)

	// Without an event the change goes unnoticed.
	a.Title = "silent"
	require.NoError(t, h.uow.Commit(ctx))
	assert.Empty(t, h.store.Calls())

	a.SetTitle("two")
	require.NoError(t, h.uow.Commit(ctx))
	assert.Equal(t, []string{"update Article"}, ops(h.store.Calls()))

	rec, ok := h.store.Record("Article", a.ID)
	require.True(t, ok)
	assert.Equal(t, "two", rec["Title"])
	assert.Empty(t, h.uow.ChangeSet(a))
	assert.False(t, h.uow.IsScheduledForDirtyCheck(a))
}

func TestNotify_EventsAfterDetachAreIgnored(t *testing.T) {
	h := newHarness(t)

	a := &Article{ID: 4, Title: "x"}
	require.NoError(t, h.uow.RegisterManaged(a, nil, nil))
	h.uow.Detach(a)

	a.SetTitle("y")
	assert.Empty(t, h.uow.ChangeSet(a))
	assert.False(t, h.uow.IsScheduledForDirtyCheck(a))
}

func TestCollection_MutationMarksOwnerDirty(t *testing.T) {
	h := newHarness(t)
	ctx := t.Context()

	post := &Post{Title: "t", Author: &User{Name: "a"}, Comments: core.NewCollection[*Comment]()}
	h.committed(t, post)
	comment := &Comment{Body: "c", Post: post}
	h.committed(t, comment)

	post.Comments.Add(comment)
	post.Comments.Remove(comment)

	cs, err := h.uow.RecomputeChangeSet(post)
	require.NoError(t, err)
	assert.Equal(t, []string{"Comments"}, cs.Fields())

	require.NoError(t, h.uow.Commit(ctx))
	assert.Equal(t, []string{"update Post"}, ops(h.store.Calls()))

	h.store.ResetCalls()
	require.NoError(t, h.uow.Commit(ctx))
	assert.Empty(t, h.store.Calls())
	assert.False(t, post.Comments.IsDirty())
}

func TestCollection_ReplacedCollectionIsAChange(t *testing.T) {
	h := newHarness(t)

	post := &Post{Title: "t", Author: &User{Name: "a"}, Comments: core.NewCollection[*Comment]()}
	h.committed(t, post)

	post.Comments = core.NewCollection[*Comment]()
	cs, err := h.uow.RecomputeChangeSet(post)
	require.NoError(t, err)
	assert.True(t, cs.Has("Comments"))
}

func TestEmbedded_ChangesRollUpToOwner(t *testing.T) {
	h := newHarness(t)
	ctx := t.Context()

	c := &Customer{Name: "acme", Address: &Address{Street: "Rua A", City: "Porto"}}
	h.committed(t, c)

	c.Address.City = "Lisbon"
	cs, err := h.uow.RecomputeChangeSet(c)
	require.NoError(t, err)
	assert.Equal(t, []string{"Address"}, cs.Fields())
	assert.Equal(t, core.Change{Old: "Porto", New: "Lisbon"}, h.uow.ChangeSet(c.Address)["City"])

	require.NoError(t, h.uow.Commit(ctx))
	assert.Equal(t, []string{"update Customer"}, ops(h.store.Calls()))

	rec, ok := h.store.Record("Customer", c.ID)
	require.True(t, ok)
	assert.Equal(t, map[string]any{"Street": "Rua A", "City": "Lisbon"}, rec["address"])

	h.store.ResetCalls()
	require.NoError(t, h.uow.Commit(ctx))
	assert.Empty(t, h.store.Calls())
}

func TestEmbedded_ReplacementIsTracked(t *testing.T) {
	h := newHarness(t)
	ctx := t.Context()

	old := &Address{City: "Porto"}
	c := &Customer{Name: "acme", Address: old}
	h.committed(t, c)

	c.Address = &Address{City: "Coimbra"}
	c.Shipping = append(c.Shipping, &Address{City: "Faro"})
	require.NoError(t, h.uow.Commit(ctx))
	assert.Equal(t, []string{"update Customer"}, ops(h.store.Calls()))

	_, ok := h.uow.GetParentAssociation(old)
	assert.False(t, ok, "the replaced address is no longer owned")

	pa, ok := h.uow.GetParentAssociation(c.Address)
	require.True(t, ok)
	assert.Same(t, c, pa.Parent)

	pa, ok = h.uow.GetParentAssociation(c.Shipping[0])
	require.True(t, ok)
	assert.Equal(t, "shipping.0", pa.Path)

	// The new embedded documents are tracked from now on.
	h.store.ResetCalls()
	c.Shipping[0].Street = "Rua B"
	require.NoError(t, h.uow.Commit(ctx))
	assert.Equal(t, []string{"update Customer"}, ops(h.store.Calls()))
}

func TestDeferredExplicit_OnlyPersistedDocumentsAreChecked(t *testing.T) {
	h := newHarness(t)
	ctx := t.Context()

	n := &Note{Text: "one"}
	h.committed(t, n)

	n.Text = "two"
	require.NoError(t, h.uow.Commit(ctx))
	assert.Empty(t, h.store.Calls())

	require.NoError(t, h.uow.Persist(ctx, n))
	assert.True(t, h.uow.IsScheduledForDirtyCheck(n))
	require.NoError(t, h.uow.Commit(ctx))
	assert.Equal(t, []string{"update Note"}, ops(h.store.Calls()))
	assert.False(t, h.uow.IsScheduledForDirtyCheck(n))

	h.store.ResetCalls()
	n.Text = "three"
	require.NoError(t, h.uow.ScheduleForUpdate(n))
	require.NoError(t, h.uow.Commit(ctx))
	assert.Equal(t, []string{"update Note"}, ops(h.store.Calls()))
}

func TestScheduleForUpdate_RequiresManagedDocument(t *testing.T) {
	h := newHarness(t)
	assert.ErrorIs(t, h.uow.ScheduleForUpdate(&Note{}), core.ErrInvalidArgument)
}

func TestRecomputeChangeSet_RequiresManagedDocument(t *testing.T) {
	h := newHarness(t)
	_, err := h.uow.RecomputeChangeSet(&User{})
	assert.ErrorIs(t, err, core.ErrInvalidArgument)
}
