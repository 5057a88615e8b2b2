// Package lifecycle exposes commit events as a lifecycle.Source so that
// supervised workers can react to written documents.
package lifecycle

import (
	"context"

	"github.com/aretw0/lifecycle"

	"github.com/aretw0/tilth/pkg/core"
)

// SourceOption configures a commit source.
type SourceOption func(*commitSource)

// OnlyTypes forwards events of the named document types only.
func OnlyTypes(types ...string) SourceOption {
	return func(s *commitSource) {
		if s.types == nil {
			s.types = make(map[string]bool, len(types))
		}
		for _, t := range types {
			s.types[t] = true
		}
	}
}

type commitSource struct {
	events <-chan core.Event
	out    chan lifecycle.Event
	types  map[string]bool
}

// NewSource creates a lifecycle.Source that emits commit events.
// It bridges the typed event channel of a core.ChannelSink to the generic
// lifecycle Event interface.
func NewSource(events <-chan core.Event, opts ...SourceOption) lifecycle.Source {
	s := &commitSource{
		events: events,
		out:    make(chan lifecycle.Event),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *commitSource) Events() <-chan lifecycle.Event {
	return s.out
}

func (s *commitSource) accepts(e core.Event) bool {
	return s.types == nil || s.types[e.Document]
}

func (s *commitSource) Start(ctx context.Context) error {
	// The bridge runs under lifecycle.Go so it is tracked and panic-safe.
	lifecycle.Go(ctx, func(ctx context.Context) error {
		defer close(s.out)
		for {
			select {
			case <-ctx.Done():
				return nil
			case e, ok := <-s.events:
				if !ok {
					return nil
				}
				if !s.accepts(e) {
					continue
				}
				// core.Event implements lifecycle.Event (has String())
				select {
				case s.out <- e:
				case <-ctx.Done():
					return nil
				}
			}
		}
	})
	return nil
}
