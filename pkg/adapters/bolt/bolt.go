// Package bolt persists documents in a bbolt database: one bucket per
// document type, one msgpack-encoded record per key.
package bolt

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"
	bolt "go.etcd.io/bbolt"

	"github.com/aretw0/introspection"
	"github.com/aretw0/tilth/pkg/adapters/codec"
	"github.com/aretw0/tilth/pkg/core"
	"github.com/aretw0/tilth/pkg/mapping"
)

// Config holds the configuration for the bolt store.
type Config struct {
	// Path is the database file; its directory is created on Open.
	Path    string
	Logger  *slog.Logger
	Mapping mapping.Provider
	// Timeout bounds the wait for the file lock held by another process.
	Timeout time.Duration
}

// Store is an open bbolt database.
type Store struct {
	config  Config
	db      *bolt.DB
	encoder *codec.Encoder
}

// Open opens or creates the database file.
func Open(config Config) (*Store, error) {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Mapping == nil {
		return nil, errors.New("bolt store requires a mapping provider")
	}
	if config.Timeout == 0 {
		config.Timeout = time.Second
	}
	if err := os.MkdirAll(filepath.Dir(config.Path), 0o755); err != nil {
		return nil, fmt.Errorf("create directory for %q: %w", config.Path, err)
	}
	db, err := bolt.Open(config.Path, 0o600, &bolt.Options{Timeout: config.Timeout})
	if err != nil {
		return nil, fmt.Errorf("open %q: %w", config.Path, err)
	}
	return &Store{config: config, db: db, encoder: codec.New(config.Mapping)}, nil
}

// Close releases the database file.
func (s *Store) Close() error {
	return s.db.Close()
}

// Persister returns the persister of one type. Its bucket is created lazily.
func (s *Store) Persister(meta *mapping.ClassMetadata) *Persister {
	return &Persister{store: s, meta: meta, bucket: []byte(meta.Name)}
}

// Factory creates persisters on demand and their buckets with them; it fits
// uow.NewPersisters.
func (s *Store) Factory() func(meta *mapping.ClassMetadata) (core.Persister, error) {
	return func(meta *mapping.ClassMetadata) (core.Persister, error) {
		err := s.db.Update(func(tx *bolt.Tx) error {
			_, err := tx.CreateBucketIfNotExists([]byte(meta.Name))
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", meta.Name, err)
		}
		return s.Persister(meta), nil
	}
}

// Read returns the stored record of (typeName, id).
func (s *Store) Read(typeName string, id any) (codec.Record, error) {
	var rec codec.Record
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(typeName))
		if b == nil {
			return fmt.Errorf("%s %v: %w", typeName, id, core.ErrNotFound)
		}
		data := b.Get(key(id))
		if data == nil {
			return fmt.Errorf("%s %v: %w", typeName, id, core.ErrNotFound)
		}
		var err error
		rec, err = decode(data)
		return err
	})
	return rec, err
}

// IDs lists the stored identities of typeName in key order.
func (s *Store) IDs(typeName string) ([]string, error) {
	var ids []string
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(typeName))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, _ []byte) error {
			ids = append(ids, string(k))
			return nil
		})
	})
	return ids, err
}

// StoreState exposes internal state for observability.
type StoreState struct {
	Path    string         `json:"path"`
	Buckets map[string]int `json:"buckets"`
}

// State implements introspection.Introspectable.
func (s *Store) State() any {
	st := StoreState{Path: s.config.Path, Buckets: make(map[string]int)}
	_ = s.db.View(func(tx *bolt.Tx) error {
		return tx.ForEach(func(name []byte, b *bolt.Bucket) error {
			st.Buckets[string(name)] = b.Stats().KeyN
			return nil
		})
	})
	return st
}

// ComponentType implements introspection.Component.
func (s *Store) ComponentType() string {
	return "bolt_store"
}

var _ introspection.Introspectable = (*Store)(nil)
var _ introspection.Component = (*Store)(nil)

func key(id any) []byte {
	return []byte(fmt.Sprintf("%v", id))
}

func encode(rec codec.Record) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetSortMapKeys(true)
	if err := enc.Encode(rec); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decode(data []byte) (codec.Record, error) {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.UseLooseInterfaceDecoding(true)
	var rec codec.Record
	if err := dec.Decode(&rec); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	return rec, nil
}

// Persister implements core.Persister for one bucket. Every call runs in its
// own bolt transaction.
type Persister struct {
	store  *Store
	meta   *mapping.ClassMetadata
	bucket []byte
}

func (p *Persister) update(fn func(b *bolt.Bucket) error) error {
	return p.store.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(p.bucket)
		if err != nil {
			return err
		}
		return fn(b)
	})
}

// Insert stores a new record. auto identities come from the bucket sequence
// when the identifier is an integer and are UUIDs otherwise.
func (p *Persister) Insert(ctx context.Context, doc any) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rec, err := p.store.encoder.EncodeAs(p.meta, doc)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", p.meta.Name, err)
	}

	var assigned any
	err = p.update(func(b *bolt.Bucket) error {
		id := p.meta.ID(doc)
		if p.meta.IDStrategy.StoreAssigned() {
			if p.meta.IDStrategy == mapping.IDAuto && !p.meta.IntegerIdentifier() {
				id = uuid.NewString()
			} else {
				seq, err := b.NextSequence()
				if err != nil {
					return err
				}
				id = int64(seq)
			}
			assigned = id
		}
		if mapping.IsZero(id) {
			return fmt.Errorf("insert %s: document has no identity", p.meta.Name)
		}
		if b.Get(key(id)) != nil {
			return fmt.Errorf("insert %s %v: %w", p.meta.Name, id, core.ErrDuplicateID)
		}
		if p.meta.Identifier != nil {
			rec[p.meta.Identifier.StoreName] = id
		}
		data, err := encode(rec)
		if err != nil {
			return fmt.Errorf("failed to encode %s: %w", p.meta.Name, err)
		}
		return b.Put(key(id), data)
	})
	if err != nil {
		return nil, err
	}
	p.store.config.Logger.Debug("bolt insert", "type", p.meta.Name, "id", p.meta.ID(doc), "assigned", assigned)
	return assigned, nil
}

// Update merges the changed fields into the stored record.
func (p *Persister) Update(ctx context.Context, doc any, changes core.ChangeSet) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	patch, err := p.store.encoder.Patch(p.meta, doc, changes)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", p.meta.Name, err)
	}
	id := p.meta.ID(doc)
	return p.update(func(b *bolt.Bucket) error {
		data := b.Get(key(id))
		if data == nil {
			return fmt.Errorf("update %s %v: %w", p.meta.Name, id, core.ErrNotFound)
		}
		rec, err := decode(data)
		if err != nil {
			return err
		}
		for k, v := range patch {
			rec[k] = v
		}
		data, err = encode(rec)
		if err != nil {
			return fmt.Errorf("failed to encode %s: %w", p.meta.Name, err)
		}
		return b.Put(key(id), data)
	})
}

// Delete drops the stored record.
func (p *Persister) Delete(ctx context.Context, doc any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	id := p.meta.ID(doc)
	return p.update(func(b *bolt.Bucket) error {
		if b.Get(key(id)) == nil {
			return fmt.Errorf("delete %s %v: %w", p.meta.Name, id, core.ErrNotFound)
		}
		return b.Delete(key(id))
	})
}

// Exists reports whether a record with the identity of doc is stored.
func (p *Persister) Exists(ctx context.Context, doc any) (bool, error) {
	found := false
	err := p.store.db.View(func(tx *bolt.Tx) error {
		if b := tx.Bucket(p.bucket); b != nil {
			found = b.Get(key(p.meta.ID(doc))) != nil
		}
		return nil
	})
	return found, err
}

var _ core.Persister = (*Persister)(nil)
