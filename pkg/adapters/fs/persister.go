package fs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/google/uuid"

	"github.com/aretw0/tilth/pkg/core"
	"github.com/aretw0/tilth/pkg/mapping"
)

// Persister implements core.Persister for one document type. Files are
// written immediately; git sees them on Flush.
type Persister struct {
	repo *Repository
	meta *mapping.ClassMetadata
}

// Insert writes a new file. auto identities are numeric sequences when the
// identifier is an integer and UUIDs otherwise; increment identities are
// always sequences. An existing file with the same identity is
// core.ErrDuplicateID.
func (p *Persister) Insert(ctx context.Context, doc any) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rec, err := p.repo.encoder.EncodeAs(p.meta, doc)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", p.meta.Name, err)
	}

	p.repo.creating.Lock()
	defer p.repo.creating.Unlock()

	id := p.meta.ID(doc)
	var assigned any
	if p.meta.IDStrategy.StoreAssigned() {
		next, err := p.nextID()
		if err != nil {
			return nil, err
		}
		assigned, id = next, next
	}
	if mapping.IsZero(id) {
		return nil, fmt.Errorf("insert %s: document has no identity", p.meta.Name)
	}

	rel, err := p.repo.relPath(p.meta.Name, id)
	if err != nil {
		return nil, err
	}
	if p.meta.Identifier != nil {
		rec[p.meta.Identifier.StoreName] = id
	}
	if err := p.repo.write(rel, rec, true); err != nil {
		if errors.Is(err, core.ErrDuplicateID) {
			return nil, fmt.Errorf("insert %s %v: %w", p.meta.Name, id, err)
		}
		return nil, err
	}
	return assigned, nil
}

func (p *Persister) nextID() (any, error) {
	if p.meta.IDStrategy == mapping.IDAuto && !p.meta.IntegerIdentifier() {
		return uuid.NewString(), nil
	}
	ids, err := p.repo.IDs(p.meta.Name)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", p.meta.Name, err)
	}
	var max int64
	for _, s := range ids {
		if n, err := strconv.ParseInt(s, 10, 64); err == nil && n > max {
			max = n
		}
	}
	return max + 1, nil
}

// Update merges the changed fields into the stored file.
func (p *Persister) Update(ctx context.Context, doc any, changes core.ChangeSet) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	id := p.meta.ID(doc)
	rel, err := p.repo.relPath(p.meta.Name, id)
	if err != nil {
		return err
	}
	rec, err := p.repo.Read(p.meta.Name, id)
	if err != nil {
		return fmt.Errorf("update %s %v: %w", p.meta.Name, id, err)
	}
	patch, err := p.repo.encoder.Patch(p.meta, doc, changes)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", p.meta.Name, err)
	}
	for k, v := range patch {
		rec[k] = v
	}
	return p.repo.write(rel, rec, false)
}

// Delete removes the file of doc.
func (p *Persister) Delete(ctx context.Context, doc any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	id := p.meta.ID(doc)
	rel, err := p.repo.relPath(p.meta.Name, id)
	if err != nil {
		return err
	}
	if err := removeFile(filepath.Join(p.repo.Path, rel)); err != nil {
		if errors.Is(err, core.ErrNotFound) {
			return fmt.Errorf("delete %s %v: %w", p.meta.Name, id, err)
		}
		return err
	}
	p.repo.stage(rel, false)
	return nil
}

// Exists reports whether the file of doc is present.
func (p *Persister) Exists(ctx context.Context, doc any) (bool, error) {
	rel, err := p.repo.relPath(p.meta.Name, p.meta.ID(doc))
	if err != nil {
		return false, err
	}
	_, err = os.Stat(filepath.Join(p.repo.Path, rel))
	if os.IsNotExist(err) {
		return false, nil
	}
	return err == nil, err
}

// Flush commits the files written since the last flush. Every persister of a
// repository shares the staged set, so later flushes of a commit are no-ops.
func (p *Persister) Flush(ctx context.Context, reason string) error {
	return p.repo.flush(ctx, reason)
}

var (
	_ core.Persister = (*Persister)(nil)
	_ core.Flusher   = (*Persister)(nil)
)
