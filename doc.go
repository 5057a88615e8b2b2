// Package tilth is the Composition Root for the tilth unit of work.
//
// It connects the unit of work (pkg/uow) and the mapping layer (pkg/mapping)
// with the storage adapters (pkg/adapters/...) using the Hexagonal
// Architecture pattern.
//
// A unit of work tracks the documents an operation touches: an identity map
// guarantees one in-memory instance per stored identity, changes are
// detected by snapshot comparison or reported by the documents themselves,
// and Commit writes everything in one ordered pass. Inserts follow reference
// dependencies, deletes run in reverse, and identities assigned by the store
// are written back into the documents.
//
// Features:
//
//   - **Mapping by tags or files**: `tilth:"..."` struct tags or YAML mapping files, hot reloaded.
//   - **Cascades**: persist, remove and detach follow relations flagged for it; embedded documents always follow their owner.
//   - **Change tracking**: deferred implicit, deferred explicit or notify, per type.
//   - **Adapters**: files (with optional Git commits), bbolt, SQLite, in-memory.
//   - **Observability**: slog logging, Prometheus metrics, introspection state, commit events.
//
// Usage:
//
//	eng, err := tilth.New(ctx, "./data",
//		tilth.WithAutoInit(true),
//		tilth.WithType(&Post{}),
//	)
//
//	u := eng.NewUnitOfWork()
//	err = u.Persist(ctx, &Post{Title: "hello"})
//	err = u.Commit(tilth.WithChangeReason(ctx, "add first post"))
package tilth
