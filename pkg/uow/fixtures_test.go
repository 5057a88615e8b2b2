package uow_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/aretw0/tilth/pkg/adapters/memory"
	"github.com/aretw0/tilth/pkg/core"
	"github.com/aretw0/tilth/pkg/mapping"
	"github.com/aretw0/tilth/pkg/uow"
)

type User struct {
	ID    int64
	Name  string
	Email string
}

type Post struct {
	ID       int64
	Title    string
	Tags     []string
	Author   *User                    `tilth:"author,ref=User,cascade=persist,required"`
	Comments *core.Collection[*Comment] `tilth:"comments,ref=Comment,mappedBy=Post"`
}

type Comment struct {
	ID   int64
	Body string
	Post *Post `tilth:"post,ref=Post"`
}

type Tag struct {
	Name  string `tilth:"name,id"`
	Color string
}

type Address struct {
	Street string
	City   string
}

type Customer struct {
	ID       string
	Name     string
	Address  *Address   `tilth:"address,embed=Address"`
	Shipping []*Address `tilth:"shipping,embed=Address"`
}

type Article struct {
	core.Notifier
	ID    int64
	Title string
	Draft bool `tilth:"-"`
}

func (a *Article) SetTitle(v string) {
	a.NotifyPropertyChanged(a, "Title", a.Title, v)
	a.Title = v
}

func (a *Article) SetDraft(v bool) {
	a.NotifyPropertyChanged(a, "Draft", a.Draft, v)
	a.Draft = v
}

type Note struct {
	ID   int64
	Text string
}

type Node struct {
	ID     int64
	Label  string
	Parent *Node `tilth:"parent,ref=Node,cascade=persist"`
}

type Timestamps struct {
	ID      int64
	Created int64
}

type harness struct {
	reg   *mapping.Registry
	store *memory.Store
	uow   *uow.UnitOfWork
}

func newRegistry(t *testing.T) *mapping.Registry {
	t.Helper()
	reg := mapping.NewRegistry()
	reg.MustRegisterType(&User{})
	reg.MustRegisterType(&Post{})
	reg.MustRegisterType(&Comment{})
	reg.MustRegisterType(&Tag{}, mapping.WithIDStrategy(mapping.IDAssigned))
	reg.MustRegisterType(&Address{}, mapping.AsEmbedded())
	reg.MustRegisterType(&Customer{}, mapping.WithIDStrategy(mapping.IDUUID))
	reg.MustRegisterType(&Article{}, mapping.WithTracking(mapping.Notify))
	reg.MustRegisterType(&Note{}, mapping.WithTracking(mapping.DeferredExplicit))
	reg.MustRegisterType(&Node{})
	reg.MustRegisterType(&Timestamps{}, mapping.AsMappedSuperclass())
	require.NoError(t, reg.Validate())
	return reg
}

func newHarness(t *testing.T, opts ...uow.Option) *harness {
	t.Helper()
	reg := newRegistry(t)
	store := memory.NewStore(reg)
	return &harness{
		reg:   reg,
		store: store,
		uow:   uow.New(reg, uow.NewPersisters(store.Factory()), opts...),
	}
}

// committed persists and commits docs, then resets the call log.
func (h *harness) committed(t *testing.T, docs ...any) {
	t.Helper()
	ctx := t.Context()
	for _, d := range docs {
		require.NoError(t, h.uow.Persist(ctx, d))
	}
	require.NoError(t, h.uow.Commit(ctx))
	h.store.ResetCalls()
}

func ops(calls []memory.Call) []string {
	out := make([]string, 0, len(calls))
	for _, c := range calls {
		if c.Op == "flush" {
			continue
		}
		out = append(out, c.Op+" "+c.Type)
	}
	return out
}
