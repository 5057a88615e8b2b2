package platform

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/aretw0/introspection"
	"github.com/aretw0/lifecycle"

	"github.com/aretw0/tilth/pkg/adapters/bolt"
	"github.com/aretw0/tilth/pkg/adapters/fs"
	tlifecycle "github.com/aretw0/tilth/pkg/adapters/lifecycle"
	"github.com/aretw0/tilth/pkg/adapters/memory"
	"github.com/aretw0/tilth/pkg/adapters/sqlite"
	"github.com/aretw0/tilth/pkg/core"
	"github.com/aretw0/tilth/pkg/mapping"
	"github.com/aretw0/tilth/pkg/uow"
)

// Engine owns the mappings and the store, and mints one unit of work per
// logical operation. It is safe for concurrent use; the units of work it
// creates are not.
type Engine struct {
	registry   *mapping.Registry
	persisters *uow.Persisters
	logger     *slog.Logger
	metrics    *uow.Metrics
	sink       core.ChannelSink
	uowOptions []uow.Option

	adapter  string
	location string
	store    any
	closers  []func() error
	cancel   context.CancelFunc

	mu      sync.Mutex
	minted  int
	reloads int
	closed  bool
}

// New builds an engine. The uri is adapter-specific: a directory for "fs", a
// database file for "bolt" and "sqlite", ignored for "memory".
//
//	eng, err := platform.New(ctx, "./data", platform.WithType(&Post{}), platform.WithVersioning(false))
func New(ctx context.Context, uri string, opts ...Option) (*Engine, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}

	e := &Engine{
		registry:   o.registry,
		logger:     o.logger,
		sink:       core.NewChannelSink(o.eventBuffer),
		uowOptions: o.uowOptions,
		adapter:    o.adapter,
	}
	if e.registry == nil {
		e.registry = mapping.NewRegistry()
	}
	if o.metrics != nil {
		e.metrics = uow.NewMetrics(o.metrics)
	}

	watchCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	e.cancel = cancel
	if err := e.loadMappings(watchCtx, o); err != nil {
		cancel()
		return nil, err
	}

	factory, err := e.openStore(ctx, uri, o)
	if err != nil {
		cancel()
		return nil, err
	}
	e.persisters = uow.NewPersisters(factory)
	for name, p := range o.persisters {
		e.persisters.Register(name, p)
	}

	e.logger.Debug("engine ready", "adapter", e.adapter, "location", e.location, "types", len(e.registry.Types()))
	return e, nil
}

func (e *Engine) loadMappings(ctx context.Context, o *options) error {
	if o.mappingDir == "" {
		for _, b := range o.types {
			if _, err := e.registry.RegisterType(b.sample, b.opts...); err != nil {
				return err
			}
		}
		return e.registry.Validate()
	}

	loader := &mapping.Loader{Types: make(map[string]any, len(o.types)), Logger: e.logger}
	for _, b := range o.types {
		meta, err := mapping.Class(b.sample, b.opts...)
		if err != nil {
			return err
		}
		loader.Types[meta.Name] = b.sample
	}
	if !o.watchMappings {
		return loader.Load(e.registry, o.mappingDir, o.mappingPattern)
	}

	w := &mapping.Watcher{
		Registry: e.registry,
		Loader:   loader,
		Root:     o.mappingDir,
		Pattern:  o.mappingPattern,
		Logger:   e.logger,
		OnReload: func(err error) {
			if err == nil {
				e.mu.Lock()
				e.reloads++
				e.mu.Unlock()
			}
		},
	}
	return w.Start(ctx)
}

// sandbox reports whether file-based stores are re-rooted to a temp directory.
func sandbox(o *options) bool {
	forced, _ := o.config["temp_dir"].(bool)
	devSafety := true
	if v, ok := o.config["dev_safety"].(bool); ok {
		devSafety = v
	}
	return forced || (IsDevRun() && devSafety)
}

func (e *Engine) resolve(uri string, o *options) string {
	useTemp := sandbox(o)
	resolved := ResolvePath(uri, useTemp)
	if useTemp && resolved != filepath.Clean(uri) {
		e.logger.Warn("running in SAFE MODE (dev sandbox)", "original_path", uri, "resolved_path", resolved)
	}
	return resolved
}

func (e *Engine) openStore(ctx context.Context, uri string, o *options) (uow.Factory, error) {
	switch o.adapter {
	case AdapterMemory:
		store := memory.NewStore(e.registry).WithLogger(e.logger)
		e.store = store
		e.location = "memory"
		return store.Factory(), nil

	case AdapterFS:
		repo, err := e.openFS(ctx, uri, o)
		if err != nil {
			return nil, err
		}
		e.store = repo
		e.location = repo.Path
		return repo.Factory(), nil

	case AdapterBolt:
		e.location = e.resolve(uri, o)
		store, err := bolt.Open(bolt.Config{Path: e.location, Logger: e.logger, Mapping: e.registry})
		if err != nil {
			return nil, err
		}
		e.store = store
		e.closers = append(e.closers, store.Close)
		return store.Factory(), nil

	case AdapterSQLite:
		e.location = uri
		if uri != ":memory:" {
			e.location = e.resolve(uri, o)
		}
		store, err := sqlite.Open(ctx, sqlite.Config{Path: e.location, Logger: e.logger, Mapping: e.registry})
		if err != nil {
			return nil, err
		}
		e.store = store
		e.closers = append(e.closers, store.Close)
		return store.Factory(), nil
	}
	return nil, fmt.Errorf("unknown adapter: %s", o.adapter)
}

// openFS resolves the store directory, detects versioning and initializes
// the fs repository.
func (e *Engine) openFS(ctx context.Context, uri string, o *options) (*fs.Repository, error) {
	autoInit, _ := o.config["auto_init"].(bool)
	mustExist, _ := o.config["must_exist"].(bool)
	strict, _ := o.config["strict"].(bool)
	format, _ := o.config["format"].(string)
	systemDir, _ := o.config["system_dir"].(string)
	if systemDir == "" {
		systemDir = ".tilth"
	}

	useTemp := sandbox(o)
	path := e.resolve(uri, o)

	gitless, explicit := o.config["gitless"].(bool)
	if !explicit {
		gitless = detectGitless(path, systemDir, autoInit)
		if gitless {
			e.logger.Debug("auto-detected gitless mode", "reason", ".git missing")
		}
	}

	repo, err := fs.NewRepository(fs.Config{
		Path:      path,
		AutoInit:  autoInit,
		Gitless:   gitless,
		MustExist: mustExist || (!autoInit && !useTemp),
		Logger:    e.logger,
		SystemDir: systemDir,
		Format:    format,
		Strict:    strict,
		Mapping:   e.registry,
	})
	if err != nil {
		return nil, err
	}
	if err := repo.Initialize(ctx); err != nil {
		return nil, err
	}
	return repo, nil
}

// detectGitless decides versioning when it is not configured: an existing
// .git means versioned; otherwise a fresh auto-initialized store is versioned
// and anything else is plain files.
func detectGitless(path, systemDir string, autoInit bool) bool {
	if _, err := os.Stat(filepath.Join(path, ".git")); err == nil {
		return false
	}
	if !autoInit {
		return true
	}
	_, err := os.Stat(filepath.Join(path, systemDir))
	return err == nil
}

// Registry returns the mapping registry shared by every unit of work.
func (e *Engine) Registry() *mapping.Registry {
	return e.registry
}

// Store returns the adapter component: *fs.Repository, *bolt.Store,
// *sqlite.Store or *memory.Store.
func (e *Engine) Store() any {
	return e.store
}

// NewUnitOfWork mints a unit of work wired to the engine's store, logger,
// metrics and event sink. opts are applied last.
func (e *Engine) NewUnitOfWork(opts ...uow.Option) *uow.UnitOfWork {
	e.mu.Lock()
	e.minted++
	e.mu.Unlock()

	all := []uow.Option{uow.WithLogger(e.logger), uow.WithEventSink(e.sink)}
	if e.metrics != nil {
		all = append(all, uow.WithMetrics(e.metrics))
	}
	all = append(all, e.uowOptions...)
	all = append(all, opts...)
	return uow.New(e.registry, e.persisters, all...)
}

// WithUnitOfWork runs fn against a fresh unit of work and commits it when fn
// succeeds. On error nothing is written.
func (e *Engine) WithUnitOfWork(ctx context.Context, fn func(ctx context.Context, u *uow.UnitOfWork) error) error {
	u := e.NewUnitOfWork()
	if err := fn(ctx, u); err != nil {
		u.Clear()
		return err
	}
	return u.Commit(ctx)
}

// Events returns the events of committed documents. Events are dropped when
// nobody reads them and the buffer is full.
func (e *Engine) Events() <-chan core.Event {
	return e.sink.Events()
}

// Source exposes committed documents as a lifecycle.Source.
func (e *Engine) Source(opts ...tlifecycle.SourceOption) lifecycle.Source {
	return tlifecycle.NewSource(e.sink.Events(), opts...)
}

// Close stops the mapping watcher and releases the store.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	e.cancel()
	var errs []error
	for _, c := range e.closers {
		if err := c(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// EngineState exposes internal state for observability.
type EngineState struct {
	Adapter     string   `json:"adapter"`
	Location    string   `json:"location"`
	Types       []string `json:"types"`
	UnitsOfWork int      `json:"units_of_work"`
	Reloads     int      `json:"mapping_reloads"`
	EventBuffer int      `json:"event_buffer"`
	Store       any      `json:"store,omitempty"`
}

// State implements introspection.Introspectable.
func (e *Engine) State() any {
	e.mu.Lock()
	defer e.mu.Unlock()

	st := EngineState{
		Adapter:     e.adapter,
		Location:    e.location,
		UnitsOfWork: e.minted,
		Reloads:     e.reloads,
		EventBuffer: cap(e.sink),
	}
	for _, m := range e.registry.Types() {
		st.Types = append(st.Types, m.Name)
	}
	if s, ok := e.store.(introspection.Introspectable); ok {
		st.Store = s.State()
	}
	return st
}

// ComponentType implements introspection.Component.
func (e *Engine) ComponentType() string {
	return "engine"
}

var _ introspection.Introspectable = (*Engine)(nil)
var _ introspection.Component = (*Engine)(nil)
