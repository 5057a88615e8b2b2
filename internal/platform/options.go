package platform

import (
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/aretw0/tilth/pkg/core"
	"github.com/aretw0/tilth/pkg/mapping"
	"github.com/aretw0/tilth/pkg/uow"
)

// Adapter names accepted by WithAdapter.
const (
	AdapterMemory = "memory"
	AdapterFS     = "fs"
	AdapterBolt   = "bolt"
	AdapterSQLite = "sqlite"
)

type typeBinding struct {
	sample any
	opts   []mapping.ClassOption
}

// options holds the internal configuration of an Engine.
type options struct {
	logger         *slog.Logger
	adapter        string
	config         map[string]any
	registry       *mapping.Registry
	types          []typeBinding
	mappingDir     string
	mappingPattern string
	watchMappings  bool
	metrics        prometheus.Registerer
	eventBuffer    int
	uowOptions     []uow.Option
	persisters     map[string]core.Persister
}

// Option defines a functional option for configuring an Engine.
type Option func(*options)

// defaultOptions returns the default configuration.
func defaultOptions() *options {
	return &options{
		adapter:    AdapterFS,
		config:     make(map[string]any),
		persisters: make(map[string]core.Persister),
	}
}

// WithLogger sets the logger of the engine, its adapter and its units of work.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithAdapter selects the storage adapter by name: "fs" (default), "bolt",
// "sqlite" or "memory".
func WithAdapter(name string) Option {
	return func(o *options) {
		o.adapter = name
	}
}

// WithAutoInit creates the store directory (and git repository) if missing.
func WithAutoInit(auto bool) Option {
	return func(o *options) {
		o.config["auto_init"] = auto
	}
}

// WithVersioning enables or disables git commits of the fs adapter.
// By default, versioning is detected from the presence of .git.
func WithVersioning(enabled bool) Option {
	return func(o *options) {
		o.config["gitless"] = !enabled
	}
}

// WithMustExist requires the store directory to exist already.
func WithMustExist(must bool) Option {
	return func(o *options) {
		o.config["must_exist"] = must
	}
}

// WithForceTemp forces the use of a temporary directory (useful for testing).
func WithForceTemp(force bool) Option {
	return func(o *options) {
		o.config["temp_dir"] = force
	}
}

// WithDevSafety controls the sandbox used when running via `go run` or `go test`.
// By default (true) file-based stores are re-rooted into a temporary directory.
//
// CAUTION: Only disable this if you are sure your code is safe.
func WithDevSafety(enabled bool) Option {
	return func(o *options) {
		o.config["dev_safety"] = enabled
	}
}

// WithSystemDir sets the hidden directory of the fs adapter. Defaults to ".tilth".
func WithSystemDir(name string) Option {
	return func(o *options) {
		o.config["system_dir"] = name
	}
}

// WithFormat sets the file extension written by the fs adapter (".yaml", ".yml", ".json").
func WithFormat(ext string) Option {
	return func(o *options) {
		o.config["format"] = ext
	}
}

// WithStrict keeps numbers as json.Number when the fs adapter reads records back.
func WithStrict(strict bool) Option {
	return func(o *options) {
		o.config["strict"] = strict
	}
}

// WithRegistry uses reg instead of a fresh mapping registry.
func WithRegistry(reg *mapping.Registry) Option {
	return func(o *options) {
		o.registry = reg
	}
}

// WithType maps the Go type of sample from its struct tags and opts. With
// mapping files, the files take precedence and opts are not applied.
func WithType(sample any, opts ...mapping.ClassOption) Option {
	return func(o *options) {
		o.types = append(o.types, typeBinding{sample: sample, opts: opts})
	}
}

// WithMappingFiles loads YAML mapping files matching pattern below dir.
// An empty pattern means mapping.DefaultPattern.
func WithMappingFiles(dir, pattern string) Option {
	return func(o *options) {
		o.mappingDir = dir
		o.mappingPattern = pattern
	}
}

// WithWatchMappings reloads the mapping files when they change. Units of work
// created afterwards see the new mappings.
func WithWatchMappings(watch bool) Option {
	return func(o *options) {
		o.watchMappings = watch
	}
}

// WithMetrics registers commit metrics with reg.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(o *options) {
		o.metrics = reg
	}
}

// WithEventBuffer sets the size of the commit event buffer.
// Zero means default (100).
func WithEventBuffer(size int) Option {
	return func(o *options) {
		o.eventBuffer = size
	}
}

// WithUnitOfWorkOptions adds options applied to every unit of work.
func WithUnitOfWorkOptions(opts ...uow.Option) Option {
	return func(o *options) {
		o.uowOptions = append(o.uowOptions, opts...)
	}
}

// WithPersister overrides the persister of one type, e.g. with a mock.
func WithPersister(typeName string, p core.Persister) Option {
	return func(o *options) {
		o.persisters[typeName] = p
	}
}
