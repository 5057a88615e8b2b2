// Package sqlite persists documents in SQLite: one table per document type,
// records stored as JSON. The writes of one commit share a transaction that
// is committed on flush; writes outside a commit run in a transaction of
// their own.
package sqlite

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/aretw0/introspection"
	"github.com/aretw0/tilth/pkg/adapters/codec"
	"github.com/aretw0/tilth/pkg/core"
	"github.com/aretw0/tilth/pkg/mapping"
)

// Config holds the configuration for the SQLite store.
type Config struct {
	// Path is the database file. ":memory:" keeps everything in memory.
	Path    string
	Logger  *slog.Logger
	Mapping mapping.Provider
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// Store is an open SQLite database.
type Store struct {
	config  Config
	db      *sql.DB
	encoder *codec.Encoder

	// slot is held by the one open write transaction.
	slot chan struct{}

	mu      sync.Mutex
	txs     map[core.CommitScope]*writeTx
	tables  map[string]bool
	commits int
}

// writeTx is a write transaction and the tables it created.
type writeTx struct {
	tx      *sql.Tx
	created []string
}

func (t *writeTx) creates(name string) bool {
	for _, c := range t.created {
		if c == name {
			return true
		}
	}
	return false
}

// Open opens the database and checks the connection.
func Open(ctx context.Context, config Config) (*Store, error) {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Mapping == nil {
		return nil, errors.New("sqlite store requires a mapping provider")
	}
	dsn := config.Path
	if dsn != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite dir: %w", err)
		}
		dsn += "?_journal_mode=WAL&_busy_timeout=5000"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// One connection keeps ":memory:" databases coherent.
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	return &Store{
		config:  config,
		db:      db,
		encoder: codec.New(config.Mapping),
		slot:    make(chan struct{}, 1),
		txs:     make(map[core.CommitScope]*writeTx),
		tables:  make(map[string]bool),
	}, nil
}

// Close rolls back unflushed transactions and closes the database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for scope, t := range s.txs {
		_ = t.tx.Rollback()
		delete(s.txs, scope)
	}
	return s.db.Close()
}

func quote(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// begin waits for the write slot and opens a transaction. The transaction
// outlives ctx: it ends in finish, never by cancellation.
func (s *Store) begin(ctx context.Context) (*writeTx, error) {
	select {
	case s.slot <- struct{}{}:
	case <-ctx.Done():
		return nil, fmt.Errorf("begin transaction: %w", ctx.Err())
	}
	tx, err := s.db.BeginTx(context.WithoutCancel(ctx), nil)
	if err != nil {
		<-s.slot
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	return &writeTx{tx: tx}, nil
}

// finish commits or rolls back t and frees the write slot. Tables created by
// t are known to the store only once t is committed.
func (s *Store) finish(t *writeTx, commit bool) error {
	defer func() { <-s.slot }()
	if !commit {
		if err := t.tx.Rollback(); err != nil {
			return fmt.Errorf("rollback transaction: %w", err)
		}
		return nil
	}
	if err := t.tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, name := range t.created {
		s.tables[name] = true
	}
	s.commits++
	return nil
}

// within runs fn in the transaction of the commit scope carried by ctx,
// opening it on first use. Without a scope fn runs in a transaction of its
// own, committed when fn succeeds.
func (s *Store) within(ctx context.Context, fn func(t *writeTx) error) error {
	scope, ok := core.CommitScopeOf(ctx)
	if !ok {
		t, err := s.begin(ctx)
		if err != nil {
			return err
		}
		if err := fn(t); err != nil {
			return errors.Join(err, s.finish(t, false))
		}
		return s.finish(t, true)
	}

	s.mu.Lock()
	t := s.txs[scope]
	s.mu.Unlock()
	if t == nil {
		var err error
		if t, err = s.begin(ctx); err != nil {
			return err
		}
		s.mu.Lock()
		s.txs[scope] = t
		s.mu.Unlock()
	}
	return fn(t)
}

// flush commits the transaction of the commit scope carried by ctx.
func (s *Store) flush(ctx context.Context) error {
	scope, ok := core.CommitScopeOf(ctx)
	if !ok {
		return nil
	}
	s.mu.Lock()
	t := s.txs[scope]
	delete(s.txs, scope)
	s.mu.Unlock()
	if t == nil {
		return nil
	}
	return s.finish(t, true)
}

// reader returns the transaction of the commit scope carried by ctx, or the
// database when none is open.
func (s *Store) reader(ctx context.Context) (querier, *writeTx) {
	if scope, ok := core.CommitScopeOf(ctx); ok {
		s.mu.Lock()
		defer s.mu.Unlock()
		if t := s.txs[scope]; t != nil {
			return t.tx, t
		}
	}
	return s.db, nil
}

// hasTable reports whether the table of name exists as seen through q.
func (s *Store) hasTable(ctx context.Context, q querier, t *writeTx, name string) (bool, error) {
	s.mu.Lock()
	known := s.tables[name]
	s.mu.Unlock()
	if known || (t != nil && t.creates(name)) {
		return true, nil
	}
	var n int
	err := q.QueryRowContext(ctx, "SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?", name).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ensureTable creates the table of name inside t.
func (s *Store) ensureTable(ctx context.Context, t *writeTx, name string) error {
	s.mu.Lock()
	known := s.tables[name]
	s.mu.Unlock()
	if known || t.creates(name) {
		return nil
	}
	_, err := t.tx.ExecContext(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT UNIQUE,
		data TEXT NOT NULL
	)`, quote(name)))
	if err != nil {
		return fmt.Errorf("create table %s: %w", name, err)
	}
	t.created = append(t.created, name)
	return nil
}

// Persister returns the persister of one type.
func (s *Store) Persister(meta *mapping.ClassMetadata) *Persister {
	return &Persister{store: s, meta: meta, table: quote(meta.Name)}
}

// Factory creates persisters on demand; it fits uow.NewPersisters. Tables
// are created by the first write.
func (s *Store) Factory() func(meta *mapping.ClassMetadata) (core.Persister, error) {
	return func(meta *mapping.ClassMetadata) (core.Persister, error) {
		return s.Persister(meta), nil
	}
}

// Read returns the stored record of (typeName, id). Inside a commit scope it
// includes the writes not yet flushed.
func (s *Store) Read(ctx context.Context, typeName string, id any) (codec.Record, error) {
	q, t := s.reader(ctx)
	ok, err := s.hasTable(ctx, q, t, typeName)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%s %v: %w", typeName, id, core.ErrNotFound)
	}
	return readRecord(ctx, q, quote(typeName), typeName, id)
}

// IDs lists the stored identities of typeName in insertion order.
func (s *Store) IDs(ctx context.Context, typeName string) ([]string, error) {
	q, t := s.reader(ctx)
	ok, err := s.hasTable(ctx, q, t, typeName)
	if err != nil || !ok {
		return nil, err
	}
	rows, err := q.QueryContext(ctx, fmt.Sprintf("SELECT id FROM %s ORDER BY seq", quote(typeName)))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// StoreState exposes internal state for observability.
type StoreState struct {
	Path    string   `json:"path"`
	Tables  []string `json:"tables"`
	Pending int      `json:"pending"`
	Commits int      `json:"commits"`
}

// State implements introspection.Introspectable.
func (s *Store) State() any {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := StoreState{Path: s.config.Path, Pending: len(s.txs), Commits: s.commits}
	for name := range s.tables {
		st.Tables = append(st.Tables, name)
	}
	return st
}

// ComponentType implements introspection.Component.
func (s *Store) ComponentType() string {
	return "sqlite_store"
}

var _ introspection.Introspectable = (*Store)(nil)
var _ introspection.Component = (*Store)(nil)

func key(id any) string {
	return fmt.Sprintf("%v", id)
}

func readRecord(ctx context.Context, q querier, table, typeName string, id any) (codec.Record, error) {
	var data string
	err := q.QueryRowContext(ctx, fmt.Sprintf("SELECT data FROM %s WHERE id = ?", table), key(id)).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%s %v: %w", typeName, id, core.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	var rec codec.Record
	dec := json.NewDecoder(bytes.NewReader([]byte(data)))
	dec.UseNumber()
	if err := dec.Decode(&rec); err != nil {
		return nil, fmt.Errorf("decode %s %v: %w", typeName, id, err)
	}
	return rec, nil
}

// Persister implements core.Persister for one table.
type Persister struct {
	store *Store
	meta  *mapping.ClassMetadata
	table string
}

// Insert adds a row. Integer auto and increment identities come from the
// table's AUTOINCREMENT column; string auto identities are UUIDs.
func (p *Persister) Insert(ctx context.Context, doc any) (any, error) {
	var assigned any
	err := p.store.within(ctx, func(t *writeTx) error {
		var err error
		assigned, err = p.insert(ctx, t, doc)
		return err
	})
	if err != nil {
		return nil, err
	}
	return assigned, nil
}

func (p *Persister) insert(ctx context.Context, t *writeTx, doc any) (any, error) {
	s := p.store
	if err := s.ensureTable(ctx, t, p.meta.Name); err != nil {
		return nil, err
	}
	rec, err := s.encoder.EncodeAs(p.meta, doc)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", p.meta.Name, err)
	}

	id := p.meta.ID(doc)
	var assigned any
	sequence := p.meta.IDStrategy == mapping.IDIncrement ||
		(p.meta.IDStrategy == mapping.IDAuto && p.meta.IntegerIdentifier())
	switch {
	case sequence:
		res, err := t.tx.ExecContext(ctx, fmt.Sprintf("INSERT INTO %s (id, data) VALUES (NULL, '{}')", p.table))
		if err != nil {
			return nil, fmt.Errorf("insert %s: %w", p.meta.Name, err)
		}
		seq, err := res.LastInsertId()
		if err != nil {
			return nil, err
		}
		rec[p.meta.Identifier.StoreName] = seq
		data, err := json.Marshal(rec)
		if err != nil {
			return nil, fmt.Errorf("failed to encode %s: %w", p.meta.Name, err)
		}
		_, err = t.tx.ExecContext(ctx, fmt.Sprintf("UPDATE %s SET id = ?, data = ? WHERE seq = ?", p.table), key(seq), string(data), seq)
		if err != nil {
			return nil, fmt.Errorf("insert %s: %w", p.meta.Name, err)
		}
		return seq, nil
	case p.meta.IDStrategy.StoreAssigned():
		id = uuid.NewString()
		assigned = id
	}
	if mapping.IsZero(id) {
		return nil, fmt.Errorf("insert %s: document has no identity", p.meta.Name)
	}
	if p.meta.Identifier != nil {
		rec[p.meta.Identifier.StoreName] = id
	}

	var exists int
	err = t.tx.QueryRowContext(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE id = ?", p.table), key(id)).Scan(&exists)
	if err != nil {
		return nil, err
	}
	if exists > 0 {
		return nil, fmt.Errorf("insert %s %v: %w", p.meta.Name, id, core.ErrDuplicateID)
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", p.meta.Name, err)
	}
	if _, err := t.tx.ExecContext(ctx, fmt.Sprintf("INSERT INTO %s (id, data) VALUES (?, ?)", p.table), key(id), string(data)); err != nil {
		return nil, fmt.Errorf("insert %s %v: %w", p.meta.Name, id, err)
	}
	return assigned, nil
}

// Update merges the changed fields into the stored JSON.
func (p *Persister) Update(ctx context.Context, doc any, changes core.ChangeSet) error {
	s := p.store
	return s.within(ctx, func(t *writeTx) error {
		id := p.meta.ID(doc)
		ok, err := s.hasTable(ctx, t.tx, t, p.meta.Name)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("update: %s %v: %w", p.meta.Name, id, core.ErrNotFound)
		}
		rec, err := readRecord(ctx, t.tx, p.table, p.meta.Name, id)
		if err != nil {
			return fmt.Errorf("update: %w", err)
		}
		patch, err := s.encoder.Patch(p.meta, doc, changes)
		if err != nil {
			return fmt.Errorf("failed to encode %s: %w", p.meta.Name, err)
		}
		for k, v := range patch {
			rec[k] = v
		}
		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("failed to encode %s: %w", p.meta.Name, err)
		}
		_, err = t.tx.ExecContext(ctx, fmt.Sprintf("UPDATE %s SET data = ? WHERE id = ?", p.table), string(data), key(id))
		return err
	})
}

// Delete removes the row of doc.
func (p *Persister) Delete(ctx context.Context, doc any) error {
	s := p.store
	return s.within(ctx, func(t *writeTx) error {
		id := p.meta.ID(doc)
		ok, err := s.hasTable(ctx, t.tx, t, p.meta.Name)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("delete %s %v: %w", p.meta.Name, id, core.ErrNotFound)
		}
		res, err := t.tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE id = ?", p.table), key(id))
		if err != nil {
			return fmt.Errorf("delete %s %v: %w", p.meta.Name, id, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("delete %s %v: %w", p.meta.Name, id, core.ErrNotFound)
		}
		return nil
	})
}

// Exists reports whether a row with the identity of doc is stored.
func (p *Persister) Exists(ctx context.Context, doc any) (bool, error) {
	s := p.store
	q, t := s.reader(ctx)
	ok, err := s.hasTable(ctx, q, t, p.meta.Name)
	if err != nil || !ok {
		return false, err
	}
	var n int
	err = q.QueryRowContext(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE id = ?", p.table), key(p.meta.ID(doc))).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Flush commits the transaction holding the writes of the current commit.
func (p *Persister) Flush(ctx context.Context, reason string) error {
	p.store.config.Logger.Debug("sqlite flush", "type", p.meta.Name, "reason", reason)
	return p.store.flush(ctx)
}

var (
	_ core.Persister = (*Persister)(nil)
	_ core.Flusher   = (*Persister)(nil)
)
