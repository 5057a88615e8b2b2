package uow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aretw0/tilth/pkg/core"
	"github.com/aretw0/tilth/pkg/mapping"
)

// DefaultChangeReason is passed to flushing persisters when the context
// carries no core.ChangeReasonKey.
const DefaultChangeReason = "tilth: commit"

// Commit writes all pending work: inserts in dependency order, then updates,
// then deletes in reverse dependency order. A document leaves its queue only
// once its own persister call succeeded, so after a failure the remaining
// work stays scheduled and a later Commit retries it. Earlier writes are not
// rolled back: the persisters written to are flushed even when a write
// fails, with a context that is no longer cancelled.
func (u *UnitOfWork) Commit(ctx context.Context) error {
	ctx = core.WithCommitScope(ctx)
	if err := u.computeChangeSets(ctx); err != nil {
		return err
	}
	if u.inserts.len() == 0 && u.updates.len() == 0 && u.deletes.len() == 0 {
		u.dirtyChecks.clear()
		return nil
	}

	start := time.Now()
	defer u.metrics.observe(start)

	order, broken := CommitOrder(u.provider, u.scheduledTypes())
	for _, e := range broken {
		if e.Required {
			u.logger.Warn("commit order cycle broken at a required reference", "edge", e.String())
		} else {
			u.logger.Debug("commit order cycle broken", "edge", e.String())
		}
	}

	c := &commit{u: u, ctx: ctx}
	if err := c.write(order); err != nil {
		if ferr := c.flush(context.WithoutCancel(ctx)); ferr != nil {
			return errors.Join(err, ferr)
		}
		return err
	}
	u.dirtyChecks.clear()
	return c.flush(ctx)
}

// computeChangeSets cascades persist to new documents reachable from managed
// ones, then fills the update queue with every managed document that changed.
func (u *UnitOfWork) computeChangeSets(ctx context.Context) error {
	w := u.newWalk(ctx)
	w.strict = true
	for _, doc := range u.managed.snapshot() {
		if u.states[doc] != StateManaged {
			continue
		}
		if err := w.persist(doc, nil); err != nil {
			return err
		}
	}
	if err := u.applyPersist(ctx, w.steps, false); err != nil {
		return err
	}

	for _, doc := range u.inserts.snapshot() {
		u.changeSets[doc] = insertChangeSet(u.metas[doc], doc)
	}
	for _, doc := range u.managed.snapshot() {
		if u.states[doc] != StateManaged || u.inserts.has(doc) {
			continue
		}
		meta := u.metas[doc]
		if meta.TrackingPolicy == mapping.DeferredExplicit && !u.dirtyChecks.has(doc) && !u.updates.has(doc) {
			continue
		}
		cs := trackerFor(meta).compute(u, meta, doc)
		if len(cs) == 0 {
			delete(u.changeSets, doc)
			u.updates.remove(doc)
			continue
		}
		u.changeSets[doc] = cs
		u.updates.add(doc)
	}
	return nil
}

// scheduledTypes lists the types with pending work in first-scheduled order.
func (u *UnitOfWork) scheduledTypes() []*mapping.ClassMetadata {
	seen := make(map[string]bool)
	var out []*mapping.ClassMetadata
	for _, q := range []*queue{u.inserts, u.updates, u.deletes} {
		for _, doc := range q.items {
			meta := u.metas[doc]
			if !seen[meta.Name] {
				seen[meta.Name] = true
				out = append(out, meta)
			}
		}
	}
	return out
}

type commit struct {
	u       *UnitOfWork
	ctx     context.Context
	flushed []core.Persister
}

func (c *commit) write(order []*mapping.ClassMetadata) error {
	for _, meta := range order {
		if err := c.inserts(meta); err != nil {
			return err
		}
	}
	for _, meta := range order {
		if err := c.updates(meta); err != nil {
			return err
		}
	}
	for i := len(order) - 1; i >= 0; i-- {
		if err := c.deletes(order[i]); err != nil {
			return err
		}
	}
	return nil
}

func (c *commit) persister(meta *mapping.ClassMetadata) (core.Persister, error) {
	p, err := c.u.persisters.For(meta)
	if err != nil {
		return nil, err
	}
	for _, seen := range c.flushed {
		if seen == p {
			return p, nil
		}
	}
	c.flushed = append(c.flushed, p)
	return p, nil
}

func (c *commit) batch(q *queue, meta *mapping.ClassMetadata) []any {
	var out []any
	for _, doc := range q.items {
		if c.u.metas[doc].Name == meta.Name {
			out = append(out, doc)
		}
	}
	return out
}

func (c *commit) fail(op string, meta *mapping.ClassMetadata, doc any, err error) error {
	c.u.metrics.failed(op)
	var id any
	if meta.HasID(doc) {
		id = meta.ID(doc)
	}
	return &core.PersisterError{Op: op, Type: meta.Name, ID: id, Err: err}
}

func (c *commit) inserts(meta *mapping.ClassMetadata) error {
	docs := c.batch(c.u.inserts, meta)
	if len(docs) == 0 {
		return nil
	}
	p, err := c.persister(meta)
	if err != nil {
		return err
	}
	u := c.u
	u.logger.Debug("inserting batch", "type", meta.Name, "count", len(docs))
	for _, doc := range docs {
		id, err := p.Insert(c.ctx, doc)
		if err != nil {
			return c.fail("insert", meta, doc, err)
		}
		// The record is written from here on; a document whose identity is
		// unusable is dropped rather than retried into a second record.
		if meta.IDStrategy.StoreAssigned() && !mapping.IsZero(id) {
			if err := meta.SetID(doc, id); err != nil {
				u.forget(doc)
				return c.fail("insert", meta, doc, fmt.Errorf("failed to assign identity %v: %w", id, err))
			}
		}
		if !meta.HasID(doc) {
			u.forget(doc)
			return c.fail("insert", meta, doc, fmt.Errorf("%w: persister assigned no identity", core.ErrInvalidArgument))
		}

		u.inserts.remove(doc)
		id = meta.ID(doc)
		if prev, ok := u.identifiers[doc]; ok && IdentityKey(prev) != IdentityKey(id) {
			u.identityMap.Remove(meta.Name, prev, doc)
		}
		u.identityMap.Add(meta.Name, id, doc)
		u.identifiers[doc] = id
		u.refresh(meta, doc)
		u.metrics.written("insert", meta.Name)
		u.emit(core.EventCreate, meta, id)
	}
	return nil
}

func (c *commit) updates(meta *mapping.ClassMetadata) error {
	docs := c.batch(c.u.updates, meta)
	if len(docs) == 0 {
		return nil
	}
	p, err := c.persister(meta)
	if err != nil {
		return err
	}
	u := c.u
	u.logger.Debug("updating batch", "type", meta.Name, "count", len(docs))
	for _, doc := range docs {
		if err := p.Update(c.ctx, doc, u.changeSets[doc].Clone()); err != nil {
			return c.fail("update", meta, doc, err)
		}
		u.updates.remove(doc)
		u.dirtyChecks.remove(doc)
		u.refresh(meta, doc)
		u.metrics.written("update", meta.Name)
		u.emit(core.EventModify, meta, meta.ID(doc))
	}
	return nil
}

func (c *commit) deletes(meta *mapping.ClassMetadata) error {
	docs := c.batch(c.u.deletes, meta)
	if len(docs) == 0 {
		return nil
	}
	p, err := c.persister(meta)
	if err != nil {
		return err
	}
	u := c.u
	u.logger.Debug("deleting batch", "type", meta.Name, "count", len(docs))
	for _, doc := range docs {
		if err := p.Delete(c.ctx, doc); err != nil {
			return c.fail("delete", meta, doc, err)
		}
		id := meta.ID(doc)
		u.forget(doc)
		u.metrics.written("delete", meta.Name)
		u.emit(core.EventDelete, meta, id)
	}
	return nil
}

// flush lets every persister written to in this commit finish its work once.
func (c *commit) flush(ctx context.Context) error {
	reason := core.ChangeReason(ctx, DefaultChangeReason)
	for _, p := range c.flushed {
		f, ok := p.(core.Flusher)
		if !ok {
			continue
		}
		if err := f.Flush(ctx, reason); err != nil {
			c.u.metrics.failed("flush")
			return &core.PersisterError{Op: "flush", Err: err}
		}
	}
	return nil
}

func (u *UnitOfWork) emit(t core.EventType, meta *mapping.ClassMetadata, id any) {
	if u.sink == nil {
		return
	}
	u.sink.Emit(core.Event{
		Type:      t,
		Document:  meta.Name,
		ID:        fmt.Sprint(id),
		Timestamp: time.Now().UnixNano(),
	})
}
