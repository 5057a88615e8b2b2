package uow

import (
	"github.com/aretw0/introspection"
)

// UnitOfWorkState exposes internal state for observability.
type UnitOfWorkState struct {
	Managed          int `json:"managed"`
	IdentityMap      int `json:"identity_map"`
	ScheduledInserts int `json:"scheduled_inserts"`
	ScheduledUpdates int `json:"scheduled_updates"`
	ScheduledDeletes int `json:"scheduled_deletes"`
	DirtyChecks      int `json:"dirty_checks"`
	Embedded         int `json:"embedded"`
}

// State implements introspection.Introspectable.
func (u *UnitOfWork) State() any {
	return UnitOfWorkState{
		Managed:          u.managed.len(),
		IdentityMap:      u.identityMap.Len(),
		ScheduledInserts: u.inserts.len(),
		ScheduledUpdates: u.updates.len(),
		ScheduledDeletes: u.deletes.len(),
		DirtyChecks:      u.dirtyChecks.len(),
		Embedded:         len(u.parents),
	}
}

// ComponentType implements introspection.Component.
func (u *UnitOfWork) ComponentType() string {
	return "unit_of_work"
}

var _ introspection.Introspectable = (*UnitOfWork)(nil)
var _ introspection.Component = (*UnitOfWork)(nil)
