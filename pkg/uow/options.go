package uow

import (
	"log/slog"

	"github.com/aretw0/tilth/pkg/core"
)

// Option configures a UnitOfWork.
type Option func(*UnitOfWork)

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(u *UnitOfWork) {
		if logger != nil {
			u.logger = logger
		}
	}
}

// WithMetrics records commit activity into m.
func WithMetrics(m *Metrics) Option {
	return func(u *UnitOfWork) {
		u.metrics = m
	}
}

// WithEventSink receives one event per committed document.
func WithEventSink(sink core.EventSink) Option {
	return func(u *UnitOfWork) {
		u.sink = sink
	}
}

// WithAssignedIDState sets the state reported for unregistered documents whose
// type uses application-assigned identities (assigned, composite). Such
// identities cannot be told apart from stored ones without a store lookup, so
// the caller decides: StateNew (default) or StateDetached.
func WithAssignedIDState(s State) Option {
	return func(u *UnitOfWork) {
		if s == StateNew || s == StateDetached {
			u.assignedIDState = s
		}
	}
}
