package platform_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aretw0/tilth/internal/platform"
	"github.com/aretw0/tilth/pkg/adapters/fs"
	"github.com/aretw0/tilth/pkg/adapters/memory"
	"github.com/aretw0/tilth/pkg/core"
	"github.com/aretw0/tilth/pkg/mapping"
	"github.com/aretw0/tilth/pkg/uow"
)

type Author struct {
	ID   int64
	Name string `tilth:"name"`
}

type Post struct {
	ID     string
	Title  string  `tilth:"title"`
	Author *Author `tilth:"author,ref=Author,cascade=persist"`
}

func newEngine(t *testing.T, uri string, opts ...platform.Option) *platform.Engine {
	t.Helper()
	opts = append([]platform.Option{
		platform.WithType(&Author{}),
		platform.WithType(&Post{}, mapping.WithIDStrategy(mapping.IDUUID)),
	}, opts...)
	eng, err := platform.New(t.Context(), uri, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { eng.Close() })
	return eng
}

func TestEngine_Adapters(t *testing.T) {
	dir := t.TempDir()
	cases := []struct {
		name string
		uri  string
		opts []platform.Option
	}{
		{"memory", "", []platform.Option{platform.WithAdapter(platform.AdapterMemory)}},
		{"fs", filepath.Join(dir, "fs"), []platform.Option{platform.WithAutoInit(true), platform.WithVersioning(false)}},
		{"bolt", filepath.Join(dir, "bolt", "tilth.db"), []platform.Option{platform.WithAdapter(platform.AdapterBolt)}},
		{"sqlite", filepath.Join(dir, "sqlite", "tilth.db"), []platform.Option{platform.WithAdapter(platform.AdapterSQLite)}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ctx := t.Context()
			eng := newEngine(t, tc.uri, tc.opts...)

			post := &Post{Title: "hello", Author: &Author{Name: "ana"}}
			err := eng.WithUnitOfWork(ctx, func(ctx context.Context, u *uow.UnitOfWork) error {
				return u.Persist(ctx, post)
			})
			require.NoError(t, err)
			assert.Len(t, post.ID, 36)
			assert.Equal(t, int64(1), post.Author.ID)

			// A later unit of work sees the stored author as detached.
			u := eng.NewUnitOfWork()
			state, err := u.DocumentState(ctx, &Author{ID: 1})
			require.NoError(t, err)
			assert.Equal(t, uow.StateDetached, state)

			st := eng.State().(platform.EngineState)
			assert.Equal(t, tc.name, st.Adapter)
			assert.Equal(t, []string{"Author", "Post"}, st.Types)
			assert.Equal(t, 2, st.UnitsOfWork)
			assert.Equal(t, "engine", eng.ComponentType())
		})
	}
}

func TestEngine_UnknownAdapter(t *testing.T) {
	_, err := platform.New(t.Context(), "", platform.WithAdapter("s3"))
	assert.Error(t, err)
}

func TestEngine_InvalidMapping(t *testing.T) {
	type Orphan struct {
		ID    int64
		Owner *Author `tilth:"owner,ref=Missing"`
	}
	_, err := platform.New(t.Context(), "",
		platform.WithAdapter(platform.AdapterMemory),
		platform.WithType(&Orphan{}),
	)
	assert.ErrorIs(t, err, core.ErrMapping)
}

func TestEngine_WithUnitOfWorkRollsBack(t *testing.T) {
	ctx := t.Context()
	eng := newEngine(t, "", platform.WithAdapter(platform.AdapterMemory))
	store := eng.Store().(*memory.Store)

	boom := errors.New("boom")
	err := eng.WithUnitOfWork(ctx, func(ctx context.Context, u *uow.UnitOfWork) error {
		require.NoError(t, u.Persist(ctx, &Author{Name: "x"}))
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Empty(t, store.Calls())
}

func TestEngine_EventsAndMetrics(t *testing.T) {
	ctx := t.Context()
	reg := prometheus.NewRegistry()
	eng := newEngine(t, "",
		platform.WithAdapter(platform.AdapterMemory),
		platform.WithMetrics(reg),
		platform.WithEventBuffer(8),
	)

	require.NoError(t, eng.WithUnitOfWork(ctx, func(ctx context.Context, u *uow.UnitOfWork) error {
		return u.Persist(ctx, &Author{Name: "a"})
	}))
	select {
	case ev := <-eng.Events():
		assert.Equal(t, core.EventCreate, ev.Type)
		assert.Equal(t, "Author", ev.Document)
		assert.Equal(t, "1", ev.ID)
	case <-time.After(time.Second):
		t.Fatal("no commit event")
	}

	n, err := testutil.GatherAndCount(reg, "tilth_uow_documents_written_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 8, eng.State().(platform.EngineState).EventBuffer)
}

func TestEngine_PersisterOverride(t *testing.T) {
	ctx := t.Context()
	meta, err := mapping.Class(&Author{})
	require.NoError(t, err)
	mock := memory.NewStore(mapping.NewRegistry())

	eng := newEngine(t, "",
		platform.WithAdapter(platform.AdapterMemory),
		platform.WithPersister("Author", mock.Persister(meta)),
	)
	require.NoError(t, eng.WithUnitOfWork(ctx, func(ctx context.Context, u *uow.UnitOfWork) error {
		return u.Persist(ctx, &Author{Name: "b"})
	}))
	assert.Equal(t, 1, mock.Count("insert"))
	assert.Empty(t, eng.Store().(*memory.Store).Calls())
}

func TestEngine_FSDetectsVersioning(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "plain")
	require.NoError(t, os.MkdirAll(dir, 0o755))

	eng := newEngine(t, dir, platform.WithMustExist(true))
	repo := eng.Store().(*fs.Repository)
	assert.True(t, repo.State().(fs.RepositoryState).Gitless, "an existing directory without .git is plain files")
	assert.DirExists(t, filepath.Join(dir, ".tilth"))
}

func TestEngine_WatchesMappingFiles(t *testing.T) {
	ctx := t.Context()
	dir := t.TempDir()
	file := filepath.Join(dir, "types.yaml")
	write := func(titleName string) {
		data := "types:\n  Author: {}\n  Post:\n    strategy: uuid\n    fields:\n      Title: {name: " + titleName + "}\n"
		require.NoError(t, os.WriteFile(file, []byte(data), 0o644))
	}
	write("title")

	eng, err := platform.New(ctx, "",
		platform.WithAdapter(platform.AdapterMemory),
		platform.WithType(&Author{}),
		platform.WithType(&Post{}),
		platform.WithMappingFiles(dir, ""),
		platform.WithWatchMappings(true),
	)
	require.NoError(t, err)
	defer eng.Close()

	storeName := func() string {
		meta, err := eng.Registry().Metadata("Post")
		require.NoError(t, err)
		f, ok := meta.Field("Title")
		require.True(t, ok)
		return f.StoreName
	}
	assert.Equal(t, "title", storeName())

	write("headline")
	require.Eventually(t, func() bool { return storeName() == "headline" }, 5*time.Second, 20*time.Millisecond)
	assert.GreaterOrEqual(t, eng.State().(platform.EngineState).Reloads, 2)
}
