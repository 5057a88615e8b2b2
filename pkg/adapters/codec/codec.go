// Package codec turns mapped documents into plain store records.
//
// Records are keyed by store names. References are written as the identity
// of their target, embedded documents as nested records, and inverse-side
// relations are not written at all.
package codec

import (
	"github.com/aretw0/tilth/pkg/core"
	"github.com/aretw0/tilth/pkg/mapping"
)

// Record is the store form of a document.
type Record = map[string]any

// Encoder encodes documents using their mapping.
type Encoder struct {
	Provider mapping.Provider
}

// New creates an encoder over provider.
func New(provider mapping.Provider) *Encoder {
	return &Encoder{Provider: provider}
}

// Encode converts doc into a record.
func (e *Encoder) Encode(doc any) (Record, error) {
	meta, err := e.Provider.MetadataFor(doc)
	if err != nil {
		return nil, err
	}
	return e.EncodeAs(meta, doc)
}

// EncodeAs converts doc using meta.
func (e *Encoder) EncodeAs(meta *mapping.ClassMetadata, doc any) (Record, error) {
	rec := make(Record, len(meta.Fields))
	for _, f := range meta.Fields {
		v, skip, err := e.field(f, f.Get(doc))
		if err != nil {
			return nil, err
		}
		if !skip {
			rec[f.StoreName] = v
		}
	}
	return rec, nil
}

// Patch converts only the fields named in changes, reading their current
// values from doc.
func (e *Encoder) Patch(meta *mapping.ClassMetadata, doc any, changes core.ChangeSet) (Record, error) {
	rec := make(Record, len(changes))
	for _, name := range changes.Fields() {
		f, ok := meta.Field(name)
		if !ok {
			continue
		}
		v, skip, err := e.field(f, f.Get(doc))
		if err != nil {
			return nil, err
		}
		if !skip {
			rec[f.StoreName] = v
		}
	}
	return rec, nil
}

func (e *Encoder) field(f *mapping.FieldMapping, v any) (any, bool, error) {
	rel := f.Relation
	switch {
	case rel == nil:
		return v, false, nil
	case !rel.IsEmbedded() && !rel.OwningSide():
		return nil, true, nil
	}

	encodeOne := func(el any) (any, error) {
		if rel.IsEmbedded() {
			return e.Encode(el)
		}
		target, err := e.Provider.MetadataFor(el)
		if err != nil {
			return nil, err
		}
		return target.ID(el), nil
	}

	if !rel.Many {
		if mapping.IsNil(v) {
			return nil, false, nil
		}
		out, err := encodeOne(v)
		return out, false, err
	}
	elems := mapping.Elements(v)
	out := make([]any, 0, len(elems))
	for _, el := range elems {
		enc, err := encodeOne(el)
		if err != nil {
			return nil, false, err
		}
		out = append(out, enc)
	}
	return out, false, nil
}
