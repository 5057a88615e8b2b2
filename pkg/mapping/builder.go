package mapping

import (
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/aretw0/tilth/pkg/core"
)

// TagName is the struct tag read by the builder.
const TagName = "tilth"

// ClassSpec is the declarative form of a type mapping. It is produced from
// struct tags, class options and mapping files, then compiled by Build.
type ClassSpec struct {
	Strategy         IDStrategy           `yaml:"strategy,omitempty"`
	Tracking         TrackingPolicy       `yaml:"tracking,omitempty"`
	MappedSuperclass bool                 `yaml:"mapped_superclass,omitempty"`
	Embedded         bool                 `yaml:"embedded,omitempty"`
	Fields           map[string]FieldSpec `yaml:"fields,omitempty"`
}

// FieldSpec is the declarative form of one field mapping.
type FieldSpec struct {
	Name      string   `yaml:"name,omitempty"`
	ID        bool     `yaml:"id,omitempty"`
	Reference string   `yaml:"reference,omitempty"`
	Embed     string   `yaml:"embed,omitempty"`
	Many      bool     `yaml:"many,omitempty"`
	Cascade   []string `yaml:"cascade,omitempty"`
	MappedBy  string   `yaml:"mapped_by,omitempty"`
	Required  bool     `yaml:"required,omitempty"`
	Ignore    bool     `yaml:"ignore,omitempty"`
	// Tracking is rejected: policies apply to whole types.
	Tracking string `yaml:"tracking,omitempty"`
}

// merge overlays the non-zero settings of o onto s.
func (s FieldSpec) merge(o FieldSpec) FieldSpec {
	if o.Name != "" {
		s.Name = o.Name
	}
	s.ID = s.ID || o.ID
	if o.Reference != "" {
		s.Reference = o.Reference
	}
	if o.Embed != "" {
		s.Embed = o.Embed
	}
	s.Many = s.Many || o.Many
	if len(o.Cascade) > 0 {
		s.Cascade = o.Cascade
	}
	if o.MappedBy != "" {
		s.MappedBy = o.MappedBy
	}
	s.Required = s.Required || o.Required
	s.Ignore = s.Ignore || o.Ignore
	if o.Tracking != "" {
		s.Tracking = o.Tracking
	}
	return s
}

// ClassOption adjusts a ClassSpec before it is compiled.
type ClassOption func(name *string, spec *ClassSpec)

// Named overrides the type name, which defaults to the Go struct name.
func Named(n string) ClassOption {
	return func(name *string, _ *ClassSpec) { *name = n }
}

// WithIDStrategy sets the id strategy.
func WithIDStrategy(s IDStrategy) ClassOption {
	return func(_ *string, spec *ClassSpec) { spec.Strategy = s }
}

// WithTracking sets the change-tracking policy.
func WithTracking(p TrackingPolicy) ClassOption {
	return func(_ *string, spec *ClassSpec) { spec.Tracking = p }
}

// AsMappedSuperclass marks a type that only lends fields to other types.
func AsMappedSuperclass() ClassOption {
	return func(_ *string, spec *ClassSpec) { spec.MappedSuperclass = true }
}

// AsEmbedded marks a type that is only stored inside its owner.
func AsEmbedded() ClassOption {
	return func(_ *string, spec *ClassSpec) { spec.Embedded = true }
}

// WithField overlays a field specification, as a mapping file would.
func WithField(goName string, fs FieldSpec) ClassOption {
	return func(_ *string, spec *ClassSpec) {
		if spec.Fields == nil {
			spec.Fields = make(map[string]FieldSpec)
		}
		spec.Fields[goName] = spec.Fields[goName].merge(fs)
	}
}

// Class compiles the mapping of the struct type pointed to by sample.
func Class(sample any, opts ...ClassOption) (*ClassMetadata, error) {
	typ, err := structType(sample)
	if err != nil {
		return nil, err
	}
	name := typ.Name()
	var spec ClassSpec
	for _, opt := range opts {
		opt(&name, &spec)
	}
	return Build(name, typ, spec)
}

func structType(sample any) (reflect.Type, error) {
	if sample == nil {
		return nil, core.NewMappingError("", "nil document")
	}
	typ := reflect.TypeOf(sample)
	if typ.Kind() != reflect.Pointer || typ.Elem().Kind() != reflect.Struct {
		return nil, core.NewMappingError(typ.String(), "documents must be pointers to structs")
	}
	return typ.Elem(), nil
}

var (
	notifierType          = reflect.TypeOf(core.Notifier{})
	trackedCollectionType = reflect.TypeOf((*core.TrackedCollection)(nil)).Elem()
	notifyType            = reflect.TypeOf((*core.NotifyPropertyChanged)(nil)).Elem()
)

// Build compiles a ClassSpec. With a nil typ the result is schema-only: it can
// be validated and ordered, but not used to access documents.
func Build(name string, typ reflect.Type, spec ClassSpec) (*ClassMetadata, error) {
	meta := &ClassMetadata{
		Name:             name,
		Type:             typ,
		IDStrategy:       spec.Strategy,
		TrackingPolicy:   spec.Tracking,
		MappedSuperclass: spec.MappedSuperclass,
		Embedded:         spec.Embedded,
	}
	if meta.IDStrategy == "" {
		meta.IDStrategy = IDAuto
	}
	if meta.TrackingPolicy == "" {
		meta.TrackingPolicy = DeferredImplicit
	}
	if !meta.IDStrategy.valid() {
		return nil, core.NewMappingError(name, "unknown id strategy %q", meta.IDStrategy)
	}
	if !meta.TrackingPolicy.valid() {
		return nil, core.NewMappingError(name, "unknown tracking policy %q", meta.TrackingPolicy)
	}

	for goName, fs := range spec.Fields {
		if fs.Tracking != "" {
			return nil, core.NewMappingError(name, "field %s: field-level change tracking is not supported, set tracking on the type", goName)
		}
	}

	var err error
	if typ != nil {
		meta.Fields, err = reflectFields(name, typ, spec.Fields)
	} else {
		meta.Fields, err = schemaFields(name, spec.Fields)
	}
	if err != nil {
		return nil, err
	}

	ids := 0
	for _, f := range meta.Fields {
		if f.Identifier {
			ids++
		}
	}
	if ids > 1 {
		return nil, core.NewMappingError(name, "more than one identifier field")
	}
	if ids == 0 {
		if f := findField(meta.Fields, "ID"); f != nil && f.Relation == nil {
			f.Identifier = true
		}
	}
	meta.index()

	if meta.Persistable() && meta.Identifier == nil {
		return nil, core.NewMappingError(name, "no identifier field")
	}
	if meta.TrackingPolicy == Notify && typ != nil && !reflect.PointerTo(typ).Implements(notifyType) {
		return nil, core.NewMappingError(name, "notify tracking requires *%s to implement core.NotifyPropertyChanged", typ.Name())
	}
	meta.Generator = DefaultGenerator(meta.IDStrategy)
	return meta, nil
}

func findField(fields []*FieldMapping, name string) *FieldMapping {
	for _, f := range fields {
		if f.Name == name {
			return f
		}
	}
	return nil
}

func reflectFields(className string, typ reflect.Type, overrides map[string]FieldSpec) ([]*FieldMapping, error) {
	var fields []*FieldMapping
	seen := make(map[string]bool)

	var walk func(t reflect.Type, prefix []int) error
	walk = func(t reflect.Type, prefix []int) error {
		for i := 0; i < t.NumField(); i++ {
			sf := t.Field(i)
			index := append(append([]int(nil), prefix...), i)
			if sf.Anonymous {
				if sf.Type == notifierType {
					continue
				}
				if sf.Type.Kind() == reflect.Struct && sf.Tag.Get(TagName) == "" {
					if err := walk(sf.Type, index); err != nil {
						return err
					}
					continue
				}
			}
			if !sf.IsExported() {
				continue
			}
			fs, err := parseTag(sf.Tag.Get(TagName))
			if err != nil {
				return core.NewMappingError(className, "field %s: %v", sf.Name, err)
			}
			if o, ok := overrides[sf.Name]; ok {
				fs = fs.merge(o)
			}
			seen[sf.Name] = true
			if fs.Ignore {
				continue
			}
			f, err := compileField(className, sf.Name, fs, sf.Type)
			if err != nil {
				return err
			}
			f.index = index
			fields = append(fields, f)
		}
		return nil
	}
	if err := walk(typ, nil); err != nil {
		return nil, err
	}

	for goName := range overrides {
		if !seen[goName] {
			return nil, core.NewMappingError(className, "mapped field %s does not exist on %s", goName, typ.Name())
		}
	}
	return fields, nil
}

func schemaFields(className string, specs map[string]FieldSpec) ([]*FieldMapping, error) {
	names := make([]string, 0, len(specs))
	for n := range specs {
		names = append(names, n)
	}
	sort.Strings(names)

	var fields []*FieldMapping
	for _, n := range names {
		fs := specs[n]
		if fs.Ignore {
			continue
		}
		f, err := compileField(className, n, fs, nil)
		if err != nil {
			return nil, err
		}
		fields = append(fields, f)
	}
	return fields, nil
}

func compileField(className, goName string, fs FieldSpec, typ reflect.Type) (*FieldMapping, error) {
	f := &FieldMapping{
		Name:       goName,
		StoreName:  fs.Name,
		Identifier: fs.ID,
		typ:        typ,
	}
	if f.StoreName == "" {
		f.StoreName = goName
	}
	if fs.Reference != "" && fs.Embed != "" {
		return nil, core.NewMappingError(className, "field %s: reference and embed are exclusive", goName)
	}
	if fs.Reference == "" && fs.Embed == "" {
		if len(fs.Cascade) > 0 || fs.MappedBy != "" {
			return nil, core.NewMappingError(className, "field %s: cascade and mapped_by require a relation", goName)
		}
		return f, nil
	}
	if fs.ID {
		return nil, core.NewMappingError(className, "field %s: a relation cannot be the identifier", goName)
	}

	rel := &Relation{
		Field:    goName,
		Kind:     Reference,
		Target:   fs.Reference,
		Many:     fs.Many || isMany(typ),
		MappedBy: fs.MappedBy,
		Nullable: !fs.Required,
	}
	if fs.Embed != "" {
		rel.Kind = Embedded
		rel.Target = fs.Embed
		if fs.MappedBy != "" {
			return nil, core.NewMappingError(className, "field %s: embedded relations have no inverse side", goName)
		}
		if typ != nil && typ.Kind() == reflect.Struct {
			return nil, core.NewMappingError(className, "field %s: embedded documents must be held by pointer", goName)
		}
	}
	for _, c := range fs.Cascade {
		switch strings.ToLower(strings.TrimSpace(c)) {
		case "persist":
			rel.Cascade.Persist = true
		case "remove":
			rel.Cascade.Remove = true
		case "detach":
			rel.Cascade.Detach = true
		case "all":
			rel.Cascade = Cascade{Persist: true, Remove: true, Detach: true}
		case "":
		default:
			return nil, core.NewMappingError(className, "field %s: unknown cascade %q", goName, c)
		}
	}
	f.Relation = rel
	return f, nil
}

func isMany(typ reflect.Type) bool {
	if typ == nil {
		return false
	}
	if typ.Kind() == reflect.Slice || typ.Kind() == reflect.Array {
		return true
	}
	return typ.Implements(trackedCollectionType)
}

// parseTag reads `tilth:"name,id,ref=User,many,cascade=persist|remove,mappedBy=Post,required"`.
func parseTag(tag string) (FieldSpec, error) {
	var fs FieldSpec
	if tag == "" {
		return fs, nil
	}
	if tag == "-" {
		fs.Ignore = true
		return fs, nil
	}
	parts := strings.Split(tag, ",")
	fs.Name = strings.TrimSpace(parts[0])
	for _, p := range parts[1:] {
		key, val, _ := strings.Cut(strings.TrimSpace(p), "=")
		switch key {
		case "id":
			fs.ID = true
		case "ref":
			fs.Reference = val
		case "embed":
			fs.Embed = val
		case "many":
			fs.Many = true
		case "cascade":
			fs.Cascade = strings.Split(val, "|")
		case "mappedBy":
			fs.MappedBy = val
		case "required":
			fs.Required = true
		case "":
		default:
			return fs, fmt.Errorf("unknown tag option %q", key)
		}
	}
	return fs, nil
}
