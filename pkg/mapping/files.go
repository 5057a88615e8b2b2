package mapping

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"sort"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"

	"github.com/aretw0/tilth/pkg/core"
)

// DefaultPattern matches every YAML mapping file below the mapping root.
const DefaultPattern = "**/*.{yaml,yml}"

// File is the on-disk form of a mapping file.
//
//	types:
//	  Post:
//	    strategy: uuid
//	    tracking: notify
//	    fields:
//	      Title: {name: title}
//	      Author: {reference: User, cascade: [persist], required: true}
//	      Comments: {reference: Comment, many: true, mapped_by: Post}
type File struct {
	Types map[string]ClassSpec `yaml:"types"`
}

// ParseFile decodes a mapping file. Unknown keys are rejected.
func ParseFile(data []byte) (*File, error) {
	var f File
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("invalid mapping file: %w", err)
	}
	return &f, nil
}

// Loader compiles mapping files. Types bound to a Go sample are built by
// reflection with the file settings layered over their struct tags; unbound
// types are compiled schema-only.
type Loader struct {
	// Types binds type names to Go samples, e.g. {"Post": (*Post)(nil)}.
	Types  map[string]any
	Logger *slog.Logger
}

// LoadFiles reads every file under root matching pattern and compiles the
// resulting mappings. The result is validated as a whole.
func (l *Loader) LoadFiles(root, pattern string) ([]*ClassMetadata, error) {
	if pattern == "" {
		pattern = DefaultPattern
	}
	if !doublestar.ValidatePattern(pattern) {
		return nil, fmt.Errorf("invalid mapping pattern %q", pattern)
	}

	matches, err := doublestar.Glob(os.DirFS(root), pattern, doublestar.WithFilesOnly())
	if err != nil {
		return nil, fmt.Errorf("failed to glob mapping files: %w", err)
	}
	sort.Strings(matches)

	specs := make(map[string]ClassSpec)
	origin := make(map[string]string)
	for _, rel := range matches {
		data, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(rel)))
		if err != nil {
			return nil, fmt.Errorf("failed to read mapping file %s: %w", rel, err)
		}
		file, err := ParseFile(data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", rel, err)
		}
		for name, spec := range file.Types {
			if prev, ok := origin[name]; ok {
				return nil, core.NewMappingError(name, "defined in both %s and %s", prev, rel)
			}
			specs[name] = spec
			origin[name] = rel
		}
		if l.Logger != nil {
			l.Logger.Debug("loaded mapping file", "file", rel, "types", len(file.Types))
		}
	}

	return l.Compile(specs)
}

// Compile builds mappings from specs plus every bound Go type.
func (l *Loader) Compile(specs map[string]ClassSpec) ([]*ClassMetadata, error) {
	names := make(map[string]bool, len(specs)+len(l.Types))
	for n := range specs {
		names[n] = true
	}
	for n := range l.Types {
		names[n] = true
	}
	sorted := make([]string, 0, len(names))
	for n := range names {
		sorted = append(sorted, n)
	}
	sort.Strings(sorted)

	metas := make([]*ClassMetadata, 0, len(sorted))
	for _, name := range sorted {
		var typ reflect.Type
		if sample, ok := l.Types[name]; ok {
			t, err := structType(sample)
			if err != nil {
				return nil, err
			}
			typ = t
		}
		meta, err := Build(name, typ, specs[name])
		if err != nil {
			return nil, err
		}
		metas = append(metas, meta)
	}
	if err := Validate(metas); err != nil {
		return nil, err
	}
	return metas, nil
}

// Load compiles the mapping files under root and swaps them into reg.
func (l *Loader) Load(reg *Registry, root, pattern string) error {
	metas, err := l.LoadFiles(root, pattern)
	if err != nil {
		return err
	}
	return reg.Replace(metas)
}

// WriteFile renders metas back into the mapping file format.
func WriteFile(path string, metas []*ClassMetadata) error {
	out := File{Types: make(map[string]ClassSpec, len(metas))}
	for _, m := range metas {
		out.Types[m.Name] = SpecOf(m)
	}
	data, err := yaml.Marshal(out)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, data, fs.FileMode(0644))
}

// SpecOf renders compiled metadata back to its declarative form.
func SpecOf(m *ClassMetadata) ClassSpec {
	spec := ClassSpec{
		Strategy:         m.IDStrategy,
		Tracking:         m.TrackingPolicy,
		MappedSuperclass: m.MappedSuperclass,
		Embedded:         m.Embedded,
		Fields:           make(map[string]FieldSpec, len(m.Fields)),
	}
	for _, f := range m.Fields {
		fs := FieldSpec{ID: f.Identifier}
		if f.StoreName != f.Name {
			fs.Name = f.StoreName
		}
		if rel := f.Relation; rel != nil {
			if rel.IsEmbedded() {
				fs.Embed = rel.Target
			} else {
				fs.Reference = rel.Target
			}
			fs.Many = rel.Many
			fs.MappedBy = rel.MappedBy
			fs.Required = !rel.Nullable
			if rel.Cascade.All() {
				fs.Cascade = []string{"all"}
			} else {
				if rel.Cascade.Persist {
					fs.Cascade = append(fs.Cascade, "persist")
				}
				if rel.Cascade.Remove {
					fs.Cascade = append(fs.Cascade, "remove")
				}
				if rel.Cascade.Detach {
					fs.Cascade = append(fs.Cascade, "detach")
				}
			}
		}
		spec.Fields[f.Name] = fs
	}
	return spec
}
