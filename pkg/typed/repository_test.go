package typed_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aretw0/tilth/pkg/adapters/memory"
	"github.com/aretw0/tilth/pkg/core"
	"github.com/aretw0/tilth/pkg/mapping"
	"github.com/aretw0/tilth/pkg/typed"
	"github.com/aretw0/tilth/pkg/uow"
)

type UserProfile struct {
	ID    int64
	Name  string `tilth:"name"`
	Email string `tilth:"email"`
}

type Settings struct {
	Theme string
}

func setup(t *testing.T) (*memory.Store, typed.Factory) {
	t.Helper()
	reg := mapping.NewRegistry()
	reg.MustRegisterType(&UserProfile{})
	reg.MustRegisterType(&Settings{}, mapping.AsEmbedded())
	store := memory.NewStore(reg)
	return store, func() *uow.UnitOfWork {
		return uow.New(reg, uow.NewPersisters(store.Factory()))
	}
}

func TestTypedRepository(t *testing.T) {
	ctx := t.Context()
	store, newUoW := setup(t)

	users, err := typed.NewRepository[UserProfile](newUoW())
	require.NoError(t, err)
	assert.Equal(t, "UserProfile", users.Type())

	alice := &UserProfile{Name: "Alice", Email: "alice@example.com"}
	bob := &UserProfile{Name: "Bob"}
	require.NoError(t, users.Persist(ctx, alice, bob))

	state, err := users.State(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, uow.StateManaged, state)
	require.NoError(t, users.Commit(ctx))

	got, ok := users.Find(alice.ID)
	require.True(t, ok)
	assert.Same(t, alice, got)
	assert.Equal(t, []*UserProfile{alice, bob}, users.All())

	alice.Email = "alice@work.example.com"
	changes, err := users.Changes(alice)
	require.NoError(t, err)
	assert.Equal(t, []string{"Email"}, changes.Fields())
	require.NoError(t, users.Commit(ctx))

	rec, ok := store.Record("UserProfile", alice.ID)
	require.True(t, ok)
	assert.Equal(t, "alice@work.example.com", rec["email"])

	require.NoError(t, users.Remove(ctx, bob))
	assert.Equal(t, []*UserProfile{alice}, users.All())
	require.NoError(t, users.Commit(ctx))
	assert.Equal(t, []string{"1"}, store.IDs("UserProfile"))

	users.Detach(alice)
	_, ok = users.Find(alice.ID)
	assert.False(t, ok)
}

func TestNewRepository_RejectsEmbeddedTypes(t *testing.T) {
	_, newUoW := setup(t)
	_, err := typed.NewRepository[Settings](newUoW())
	assert.ErrorIs(t, err, core.ErrMapping)
}

func TestService_WithTransaction(t *testing.T) {
	ctx := t.Context()
	store, newUoW := setup(t)
	svc := typed.NewService[UserProfile](newUoW)

	carol := &UserProfile{Name: "Carol"}
	require.NoError(t, svc.Create(ctx, carol))
	assert.Equal(t, int64(1), carol.ID)

	boom := errors.New("boom")
	err := svc.WithTransaction(ctx, func(ctx context.Context, repo *typed.Repository[UserProfile]) error {
		if err := repo.Persist(ctx, &UserProfile{Name: "Dave"}); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, []string{"1"}, store.IDs("UserProfile"), "a failed transaction writes nothing")

	detached := &UserProfile{ID: carol.ID, Name: "Carol"}
	require.NoError(t, svc.Delete(ctx, detached))
	assert.Empty(t, store.IDs("UserProfile"))
}
