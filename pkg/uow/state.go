package uow

// State is the lifecycle state of a document relative to one unit of work.
type State int

const (
	// StateNew documents are not known to the unit of work.
	StateNew State = iota
	// StateManaged documents are registered and their changes are tracked.
	StateManaged
	// StateDetached documents carry an identity that is not managed here,
	// typically because another instance already represents it.
	StateDetached
	// StateRemoved documents are scheduled for deletion.
	StateRemoved
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "NEW"
	case StateManaged:
		return "MANAGED"
	case StateDetached:
		return "DETACHED"
	case StateRemoved:
		return "REMOVED"
	}
	return "UNKNOWN"
}
