package core

import (
	"context"
	"sync/atomic"
)

// Persister writes documents of one type to the backing store.
// Adhering to this interface keeps the unit of work independent of the
// underlying storage mechanism (Filesystem, Git, SQL, bbolt, etc).
type Persister interface {
	// Insert writes a new document. It returns the store-assigned identity,
	// or nil when the identity was assigned before the call.
	Insert(ctx context.Context, doc any) (any, error)

	// Update writes the given changes of a managed document.
	Update(ctx context.Context, doc any, changes ChangeSet) error

	// Delete removes a document.
	Delete(ctx context.Context, doc any) error

	// Exists reports whether the store already holds the document's identity.
	Exists(ctx context.Context, doc any) (bool, error)
}

// Flusher is implemented by persisters that buffer writes until the end of a commit.
type Flusher interface {
	// Flush finalizes all writes issued during the current commit. It is
	// also called after a failed write, for the writes that succeeded.
	Flush(ctx context.Context, reason string) error
}

type contextKey string

// ChangeReasonKey is the context key for passing a change reason (e.g. a Git commit message) to Commit.
const ChangeReasonKey contextKey = "change_reason"

// ChangeReason extracts the change reason from ctx, falling back to def.
func ChangeReason(ctx context.Context, def string) string {
	if val, ok := ctx.Value(ChangeReasonKey).(string); ok && val != "" {
		return val
	}
	return def
}

// CommitScope identifies one Commit call. Persisters that group the writes
// of a commit (e.g. in a transaction) key them by the scope found in ctx.
type CommitScope uint64

const commitScopeKey contextKey = "commit_scope"

var lastCommitScope atomic.Uint64

// WithCommitScope returns a copy of ctx carrying a new commit scope.
func WithCommitScope(ctx context.Context) context.Context {
	return context.WithValue(ctx, commitScopeKey, CommitScope(lastCommitScope.Add(1)))
}

// CommitScopeOf returns the commit scope carried by ctx, if any.
func CommitScopeOf(ctx context.Context) (CommitScope, bool) {
	scope, ok := ctx.Value(commitScopeKey).(CommitScope)
	return scope, ok
}
