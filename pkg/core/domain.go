package core

import "fmt"

// EventType represents the type of change applied by a commit.
type EventType string

const (
	EventCreate EventType = "CREATE"
	EventModify EventType = "MODIFY"
	EventDelete EventType = "DELETE"
)

// Event represents a document written to the backing store.
type Event struct {
	Type      EventType
	Document  string // document type name
	ID        string // serialized identity
	Timestamp int64  // Unix timestamp
}

// String implements lifecycle.Event.
func (e Event) String() string {
	return fmt.Sprintf("%s %s/%s", e.Type, e.Document, e.ID)
}

// EventSink receives events for committed documents.
type EventSink interface {
	Emit(e Event)
}

// ChannelSink forwards events to a channel without blocking the commit.
// Events are dropped when the buffer is full.
type ChannelSink chan Event

// NewChannelSink creates a sink with the given buffer size.
func NewChannelSink(buffer int) ChannelSink {
	if buffer <= 0 {
		buffer = 100
	}
	return make(ChannelSink, buffer)
}

// Emit implements EventSink.
func (s ChannelSink) Emit(e Event) {
	select {
	case s <- e:
	default:
	}
}

// Events exposes the receive side of the sink.
func (s ChannelSink) Events() <-chan Event {
	return s
}
