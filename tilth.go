package tilth

import (
	"context"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/aretw0/tilth/internal/platform"
	"github.com/aretw0/tilth/pkg/core"
	"github.com/aretw0/tilth/pkg/mapping"
	"github.com/aretw0/tilth/pkg/typed"
	"github.com/aretw0/tilth/pkg/uow"
)

// --- Types ---

// Engine owns the mappings and the store and mints units of work.
type Engine = platform.Engine

// UnitOfWork tracks documents between commits.
type UnitOfWork = uow.UnitOfWork

// TypedRepository is a public alias for the typed repository.
type TypedRepository[T any] = typed.Repository[T]

// TypedService is a public alias for the typed service.
type TypedService[T any] = typed.Service[T]

// --- Configuration ---

// Option defines a functional option for configuring an Engine.
type Option = platform.Option

// Adapter names.
const (
	AdapterMemory = platform.AdapterMemory
	AdapterFS     = platform.AdapterFS
	AdapterBolt   = platform.AdapterBolt
	AdapterSQLite = platform.AdapterSQLite
)

// WithAdapter selects the storage adapter by name.
func WithAdapter(name string) Option {
	return platform.WithAdapter(name)
}

// WithAutoInit enables automatic initialization of the store (creates directory and git init).
func WithAutoInit(auto bool) Option {
	return platform.WithAutoInit(auto)
}

// WithVersioning enables or disables git commits of the fs adapter.
func WithVersioning(enabled bool) Option {
	return platform.WithVersioning(enabled)
}

// WithForceTemp forces the use of a temporary directory (useful for testing).
func WithForceTemp(force bool) Option {
	return platform.WithForceTemp(force)
}

// WithDevSafety controls the sandbox used during `go run` and `go test`.
func WithDevSafety(enabled bool) Option {
	return platform.WithDevSafety(enabled)
}

// WithMustExist ensures the store directory must already exist.
func WithMustExist(must bool) Option {
	return platform.WithMustExist(must)
}

// WithSystemDir sets the hidden directory name (default ".tilth").
func WithSystemDir(name string) Option {
	return platform.WithSystemDir(name)
}

// WithFormat sets the file extension written by the fs adapter.
func WithFormat(ext string) Option {
	return platform.WithFormat(ext)
}

// WithStrict keeps numbers as json.Number when records are read back.
func WithStrict(strict bool) Option {
	return platform.WithStrict(strict)
}

// WithLogger sets the logger of the engine and its units of work.
func WithLogger(logger *slog.Logger) Option {
	return platform.WithLogger(logger)
}

// WithType maps a Go type from its struct tags.
func WithType(sample any, opts ...mapping.ClassOption) Option {
	return platform.WithType(sample, opts...)
}

// WithRegistry uses an existing mapping registry.
func WithRegistry(reg *mapping.Registry) Option {
	return platform.WithRegistry(reg)
}

// WithMappingFiles loads YAML mapping files below dir.
func WithMappingFiles(dir, pattern string) Option {
	return platform.WithMappingFiles(dir, pattern)
}

// WithWatchMappings reloads mapping files when they change.
func WithWatchMappings(watch bool) Option {
	return platform.WithWatchMappings(watch)
}

// WithMetrics registers commit metrics with reg.
func WithMetrics(reg prometheus.Registerer) Option {
	return platform.WithMetrics(reg)
}

// WithEventBuffer sets the size of the commit event buffer.
func WithEventBuffer(size int) Option {
	return platform.WithEventBuffer(size)
}

// WithPersister overrides the persister of one type.
func WithPersister(typeName string, p core.Persister) Option {
	return platform.WithPersister(typeName, p)
}

// WithUnitOfWorkOptions adds options applied to every unit of work.
func WithUnitOfWorkOptions(opts ...uow.Option) Option {
	return platform.WithUnitOfWorkOptions(opts...)
}

// --- Factory ---

// New creates an Engine. The uri is a directory for "fs" and a database file
// for "bolt" and "sqlite".
func New(ctx context.Context, uri string, opts ...Option) (*Engine, error) {
	return platform.New(ctx, uri, opts...)
}

// --- Typed Factories ---

// NewTypedRepository creates a type-safe view of a unit of work.
func NewTypedRepository[T any](u *UnitOfWork) (*typed.Repository[T], error) {
	return typed.NewRepository[T](u)
}

// NewTypedService creates a typed service minting its units of work from eng.
func NewTypedService[T any](eng *Engine) *typed.Service[T] {
	return typed.NewService[T](func() *uow.UnitOfWork { return eng.NewUnitOfWork() })
}

// --- Safety & Utils ---

// ResolvePath determines where a file-based store lives based on safety rules.
func ResolvePath(userPath string, sandbox bool) string {
	return platform.ResolvePath(userPath, sandbox)
}

// IsDevRun checks if the current process is running via `go run` or `go test`.
func IsDevRun() bool {
	return platform.IsDevRun()
}

// FindRoot looks upwards for a .tilth directory, a .git directory or a tilth.yaml file.
func FindRoot(startDir string) (string, error) {
	return platform.FindRoot(startDir)
}

// WithChangeReason attaches the message used for the commit of a versioned store.
func WithChangeReason(ctx context.Context, reason string) context.Context {
	return context.WithValue(ctx, core.ChangeReasonKey, reason)
}
