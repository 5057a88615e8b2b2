package core

import (
	"errors"
	"fmt"
)

// Common errors.
var (
	ErrReadOnly = errors.New("repository is in read-only mode")

	// ErrMapping classifies mapping-configuration failures.
	ErrMapping = errors.New("mapping configuration error")

	// ErrInvalidArgument classifies calls that cannot be honored for the given document.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrIdentityConflict is returned when a detached instance collides with a managed one.
	ErrIdentityConflict = fmt.Errorf("%w: identity conflict", ErrInvalidArgument)

	// ErrDetachedDocument is returned when an operation requires a managed document.
	ErrDetachedDocument = fmt.Errorf("%w: detached document", ErrInvalidArgument)

	// ErrUnpersistedReference is returned by Commit when a new document is reachable
	// through a relation that does not cascade persist.
	ErrUnpersistedReference = fmt.Errorf("%w: new document reached through non-cascading relation", ErrInvalidArgument)

	ErrNotFound    = errors.New("document not found")
	ErrDuplicateID = errors.New("duplicate document identity")
)

// MappingError reports a document type that cannot take part in persistence.
type MappingError struct {
	Type   string
	Reason string
}

func (e *MappingError) Error() string {
	if e.Type == "" {
		return fmt.Sprintf("mapping: %s", e.Reason)
	}
	return fmt.Sprintf("mapping: %s: %s", e.Type, e.Reason)
}

func (e *MappingError) Is(target error) bool {
	return target == ErrMapping
}

// NewMappingError builds a MappingError with a formatted reason.
func NewMappingError(typeName, format string, args ...any) *MappingError {
	return &MappingError{Type: typeName, Reason: fmt.Sprintf(format, args...)}
}

// IdentityConflictError reports a detached instance whose identity is already
// represented by a different managed instance.
type IdentityConflictError struct {
	Type string
	ID   any
}

func (e *IdentityConflictError) Error() string {
	return fmt.Sprintf("cannot persist detached %s with identity %v: a different instance is already managed", e.Type, e.ID)
}

func (e *IdentityConflictError) Is(target error) bool {
	return target == ErrIdentityConflict || target == ErrInvalidArgument
}

// PersisterError wraps a failure returned by a persister call.
type PersisterError struct {
	Op   string
	Type string
	ID   any
	Err  error
}

func (e *PersisterError) Error() string {
	switch {
	case e.Type == "":
		return fmt.Sprintf("persister %s: %v", e.Op, e.Err)
	case e.ID == nil:
		return fmt.Sprintf("persister %s %s: %v", e.Op, e.Type, e.Err)
	}
	return fmt.Sprintf("persister %s %s %v: %v", e.Op, e.Type, e.ID, e.Err)
}

func (e *PersisterError) Unwrap() error {
	return e.Err
}
