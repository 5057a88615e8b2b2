package sqlite_test

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aretw0/tilth/pkg/adapters/sqlite"
	"github.com/aretw0/tilth/pkg/core"
	"github.com/aretw0/tilth/pkg/mapping"
	"github.com/aretw0/tilth/pkg/uow"
)

type Customer struct {
	ID   int64
	Name string
}

type Order struct {
	Number   string    `tilth:"number,id"`
	Total    float64   `tilth:"total"`
	Customer *Customer `tilth:"customer,ref=Customer,cascade=persist,required"`
}

func setup(t *testing.T, path string) (*sqlite.Store, *mapping.Registry, *uow.UnitOfWork) {
	t.Helper()
	reg := mapping.NewRegistry()
	reg.MustRegisterType(&Customer{})
	reg.MustRegisterType(&Order{}, mapping.WithIDStrategy(mapping.IDAssigned))
	require.NoError(t, reg.Validate())

	store, err := sqlite.Open(t.Context(), sqlite.Config{Path: path, Mapping: reg})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store, reg, uow.New(reg, uow.NewPersisters(store.Factory()))
}

func TestStore_CommitWritesRows(t *testing.T) {
	ctx := t.Context()
	store, _, u := setup(t, ":memory:")

	alice := &Customer{Name: "Alice"}
	order := &Order{Number: "A-1", Total: 12.5, Customer: alice}
	require.NoError(t, u.Persist(ctx, order))
	require.NoError(t, u.Commit(ctx))

	assert.Equal(t, int64(1), alice.ID)
	rec, err := store.Read(ctx, "Order", "A-1")
	require.NoError(t, err)
	assert.Equal(t, json.Number("12.5"), rec["total"])
	assert.Equal(t, json.Number("1"), rec["customer"])

	order.Total = 20
	require.NoError(t, u.Commit(ctx))
	rec, err = store.Read(ctx, "Order", "A-1")
	require.NoError(t, err)
	assert.Equal(t, json.Number("20"), rec["total"])

	state := store.State().(sqlite.StoreState)
	assert.Zero(t, state.Pending)
	assert.Equal(t, 2, state.Commits)
	assert.ElementsMatch(t, []string{"Customer", "Order"}, state.Tables)
}

func TestStore_AutoincrementSurvivesReopen(t *testing.T) {
	ctx := t.Context()
	path := filepath.Join(t.TempDir(), "db", "tilth.db")

	store, _, u := setup(t, path)
	first := &Customer{Name: "first"}
	require.NoError(t, u.Persist(ctx, first))
	require.NoError(t, u.Commit(ctx))
	require.NoError(t, u.Remove(ctx, first))
	require.NoError(t, u.Commit(ctx))
	require.NoError(t, store.Close())

	store, _, u = setup(t, path)
	second := &Customer{Name: "second"}
	require.NoError(t, u.Persist(ctx, second))
	require.NoError(t, u.Commit(ctx))

	assert.Equal(t, int64(2), second.ID, "AUTOINCREMENT never reuses identities")
	ids, err := store.IDs(ctx, "Customer")
	require.NoError(t, err)
	assert.Equal(t, []string{"2"}, ids)
}

func TestStore_FailedCommitKeepsEarlierWrites(t *testing.T) {
	ctx := t.Context()
	store, reg, u := setup(t, ":memory:")

	require.NoError(t, u.Persist(ctx, &Order{Number: "dup", Customer: &Customer{Name: "x"}}))
	require.NoError(t, u.Commit(ctx))

	other := uow.New(reg, uow.NewPersisters(store.Factory()))
	order := &Order{Number: "dup", Customer: &Customer{Name: "y"}}
	require.NoError(t, other.Persist(ctx, order))
	err := other.Commit(ctx)
	require.ErrorIs(t, err, core.ErrDuplicateID)

	var perr *core.PersisterError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, "Order", perr.Type)

	// The customer left the queue, so its row is committed with it.
	assert.False(t, other.IsScheduledForInsert(order.Customer))
	assert.True(t, other.IsScheduledForInsert(order))
	assert.Zero(t, store.State().(sqlite.StoreState).Pending)
	ids, err := store.IDs(ctx, "Customer")
	require.NoError(t, err)
	assert.Len(t, ids, 2)

	// The store accepts the next commit.
	order.Number = "B-1"
	require.NoError(t, other.Commit(ctx))
	ids, err = store.IDs(ctx, "Order")
	require.NoError(t, err)
	assert.Equal(t, []string{"dup", "B-1"}, ids)

	state := store.State().(sqlite.StoreState)
	assert.Zero(t, state.Pending)
	assert.Equal(t, 3, state.Commits)
}

func TestStore_RolledBackWriteCreatesNoTable(t *testing.T) {
	ctx := t.Context()
	store, reg, _ := setup(t, ":memory:")
	meta, err := reg.Metadata("Order")
	require.NoError(t, err)
	p := store.Persister(meta)

	// Outside a commit a failed write rolls back its own table creation.
	_, err = p.Insert(ctx, &Order{Total: 1})
	require.Error(t, err)
	assert.Empty(t, store.State().(sqlite.StoreState).Tables)
	_, err = store.Read(ctx, "Order", "A-1")
	require.ErrorIs(t, err, core.ErrNotFound)

	_, err = p.Insert(ctx, &Order{Number: "A-1", Total: 1})
	require.NoError(t, err)
	rec, err := store.Read(ctx, "Order", "A-1")
	require.NoError(t, err)
	assert.Equal(t, json.Number("1"), rec["total"])

	state := store.State().(sqlite.StoreState)
	assert.Equal(t, []string{"Order"}, state.Tables)
	assert.Equal(t, 1, state.Commits)
}

// cancelling cancels the commit context before every insert.
type cancelling struct {
	*sqlite.Persister
	cancel context.CancelFunc
}

func (c *cancelling) Insert(ctx context.Context, doc any) (any, error) {
	c.cancel()
	return c.Persister.Insert(ctx, doc)
}

func TestStore_CancelledCommitReleasesTheStore(t *testing.T) {
	store, reg, _ := setup(t, ":memory:")
	orderMeta, err := reg.Metadata("Order")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(t.Context())
	persisters := uow.NewPersisters(store.Factory())
	persisters.Register("Order", &cancelling{Persister: store.Persister(orderMeta), cancel: cancel})

	u := uow.New(reg, persisters)
	order := &Order{Number: "C-1", Customer: &Customer{Name: "carol"}}
	require.NoError(t, u.Persist(ctx, order))
	err = u.Commit(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.True(t, u.IsScheduledForInsert(order))
	assert.Zero(t, store.State().(sqlite.StoreState).Pending)

	// The customer written before the cancellation was committed.
	fresh := t.Context()
	rec, err := store.Read(fresh, "Customer", order.Customer.ID)
	require.NoError(t, err)
	assert.Equal(t, "carol", rec["Name"])

	// Another unit of work is not blocked by the cancelled one.
	other := uow.New(reg, uow.NewPersisters(store.Factory()))
	dave := &Customer{Name: "dave"}
	require.NoError(t, other.Persist(fresh, dave))
	require.NoError(t, other.Commit(fresh))
	assert.Equal(t, int64(2), dave.ID)

	// The failed unit of work retries with a live context.
	persisters.Register("Order", store.Persister(orderMeta))
	require.NoError(t, u.Commit(fresh))
	ids, err := store.IDs(fresh, "Order")
	require.NoError(t, err)
	assert.Equal(t, []string{"C-1"}, ids)
}

func TestStore_DeleteMissingRow(t *testing.T) {
	ctx := t.Context()
	_, _, u := setup(t, ":memory:")

	ghost := &Customer{ID: 7, Name: "ghost"}
	require.NoError(t, u.RegisterManaged(ghost, int64(7), nil))
	require.NoError(t, u.Remove(ctx, ghost))

	err := u.Commit(ctx)
	assert.ErrorIs(t, err, core.ErrNotFound)
	assert.True(t, u.IsScheduledForDelete(ghost))
}
