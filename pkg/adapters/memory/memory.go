// Package memory provides an in-memory persister. It keeps encoded records
// per type and logs every call, which makes it the default test double for
// units of work.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/aretw0/tilth/pkg/adapters/codec"
	"github.com/aretw0/tilth/pkg/core"
	"github.com/aretw0/tilth/pkg/mapping"
)

// Call is one logged persister call.
type Call struct {
	Op   string
	Type string
	ID   any
}

func (c Call) String() string {
	return fmt.Sprintf("%s %s %v", c.Op, c.Type, c.ID)
}

// Store holds the records of every type and the shared call log.
type Store struct {
	mu       sync.Mutex
	encoder  *codec.Encoder
	logger   *slog.Logger
	records  map[string]map[string]codec.Record
	seq      map[string]int64
	calls    []Call
	failures map[string]error
	flushes  []string
}

// NewStore creates an empty store. Records are encoded with provider.
func NewStore(provider mapping.Provider) *Store {
	return &Store{
		encoder:  codec.New(provider),
		logger:   slog.Default(),
		records:  make(map[string]map[string]codec.Record),
		seq:      make(map[string]int64),
		failures: make(map[string]error),
	}
}

// WithLogger sets the logger used for call tracing.
func (s *Store) WithLogger(logger *slog.Logger) *Store {
	s.logger = logger
	return s
}

// Persister returns the persister of one type.
func (s *Store) Persister(meta *mapping.ClassMetadata) *Persister {
	return &Persister{store: s, meta: meta}
}

// Factory creates persisters on demand; it fits uow.NewPersisters.
func (s *Store) Factory() func(meta *mapping.ClassMetadata) (core.Persister, error) {
	return func(meta *mapping.ClassMetadata) (core.Persister, error) {
		return s.Persister(meta), nil
	}
}

// FailOn makes every call of op ("insert", "update", "delete", "exists",
// "flush") on typeName fail with err. An empty typeName matches all types; a
// nil err clears the failure.
func (s *Store) FailOn(op, typeName string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := op + "/" + typeName
	if err == nil {
		delete(s.failures, key)
		return
	}
	s.failures[key] = err
}

func (s *Store) failure(op, typeName string) error {
	if err, ok := s.failures[op+"/"+typeName]; ok {
		return err
	}
	return s.failures[op+"/"]
}

// Calls returns the call log in call order.
func (s *Store) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Call(nil), s.calls...)
}

// Count returns how many calls of op were made, whatever their outcome.
func (s *Store) Count(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		if c.Op == op {
			n++
		}
	}
	return n
}

// ResetCalls empties the call log.
func (s *Store) ResetCalls() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = nil
	s.flushes = nil
}

// Flushes returns the reasons of the flushes received so far.
func (s *Store) Flushes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.flushes...)
}

// Record returns a copy of the stored record of (typeName, id).
func (s *Store) Record(typeName string, id any) (codec.Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[typeName][key(id)]
	if !ok {
		return nil, false
	}
	out := make(codec.Record, len(rec))
	for k, v := range rec {
		out[k] = v
	}
	return out, true
}

// IDs returns the stored identities of typeName, sorted.
func (s *Store) IDs(typeName string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.records[typeName]))
	for id := range s.records[typeName] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func key(id any) string {
	return fmt.Sprintf("%v", id)
}

// Persister implements core.Persister for one type of a Store.
type Persister struct {
	store *Store
	meta  *mapping.ClassMetadata
}

func (p *Persister) begin(op string, doc any) (any, error) {
	s := p.store
	id := p.meta.ID(doc)
	s.calls = append(s.calls, Call{Op: op, Type: p.meta.Name, ID: id})
	s.logger.Debug("memory persister call", "op", op, "type", p.meta.Name, "id", id)
	return id, s.failure(op, p.meta.Name)
}

// Insert stores a new record. auto and increment identities come from a
// per-type sequence.
func (p *Persister) Insert(ctx context.Context, doc any) (any, error) {
	s := p.store
	s.mu.Lock()
	defer s.mu.Unlock()

	id, err := p.begin("insert", doc)
	if err != nil {
		return nil, err
	}
	var assigned any
	if p.meta.IDStrategy.StoreAssigned() {
		s.seq[p.meta.Name]++
		assigned = s.seq[p.meta.Name]
		id = assigned
	}
	if mapping.IsZero(id) {
		return nil, fmt.Errorf("insert %s: document has no identity", p.meta.Name)
	}

	rec, err := s.encoder.EncodeAs(p.meta, doc)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", p.meta.Name, err)
	}
	if p.meta.Identifier != nil {
		rec[p.meta.Identifier.StoreName] = id
	}
	records, ok := s.records[p.meta.Name]
	if !ok {
		records = make(map[string]codec.Record)
		s.records[p.meta.Name] = records
	}
	if _, dup := records[key(id)]; dup {
		return nil, fmt.Errorf("insert %s %v: %w", p.meta.Name, id, core.ErrDuplicateID)
	}
	records[key(id)] = rec
	return assigned, nil
}

// Update merges the changed fields into the stored record.
func (p *Persister) Update(ctx context.Context, doc any, changes core.ChangeSet) error {
	s := p.store
	s.mu.Lock()
	defer s.mu.Unlock()

	id, err := p.begin("update", doc)
	if err != nil {
		return err
	}
	rec, ok := s.records[p.meta.Name][key(id)]
	if !ok {
		return fmt.Errorf("update %s %v: %w", p.meta.Name, id, core.ErrNotFound)
	}
	patch, err := s.encoder.Patch(p.meta, doc, changes)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", p.meta.Name, err)
	}
	for k, v := range patch {
		rec[k] = v
	}
	return nil
}

// Delete drops the stored record.
func (p *Persister) Delete(ctx context.Context, doc any) error {
	s := p.store
	s.mu.Lock()
	defer s.mu.Unlock()

	id, err := p.begin("delete", doc)
	if err != nil {
		return err
	}
	if _, ok := s.records[p.meta.Name][key(id)]; !ok {
		return fmt.Errorf("delete %s %v: %w", p.meta.Name, id, core.ErrNotFound)
	}
	delete(s.records[p.meta.Name], key(id))
	return nil
}

// Exists reports whether a record with the identity of doc is stored.
func (p *Persister) Exists(ctx context.Context, doc any) (bool, error) {
	s := p.store
	s.mu.Lock()
	defer s.mu.Unlock()

	id, err := p.begin("exists", doc)
	if err != nil {
		return false, err
	}
	_, ok := s.records[p.meta.Name][key(id)]
	return ok, nil
}

// Flush implements core.Flusher. It only records the reason.
func (p *Persister) Flush(ctx context.Context, reason string) error {
	s := p.store
	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls = append(s.calls, Call{Op: "flush", Type: p.meta.Name})
	if err := s.failure("flush", p.meta.Name); err != nil {
		return err
	}
	s.flushes = append(s.flushes, reason)
	return nil
}

var (
	_ core.Persister = (*Persister)(nil)
	_ core.Flusher   = (*Persister)(nil)
)
