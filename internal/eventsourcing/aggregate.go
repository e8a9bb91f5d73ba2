// Package eventsourcing holds the machinery shared by every aggregate: the root
// contract, event encoding, the generic repository, the in-process aggregate cache
// and the retry policy for optimistic concurrency conflicts.
package eventsourcing

import (
	"strings"

	"github.com/google/uuid"
)

// Event is a single immutable state change. Each aggregate package closes its own
// set of events and handles every one of them in Apply.
type Event interface {
	EventType() string
}

// Aggregate is a consistency boundary whose state is derived from its own stream.
type Aggregate interface {
	ID() uuid.UUID
	AggregateType() string
	// Version is the number of persisted events the aggregate was built from.
	Version() int64
	// Apply mutates state from one event. It never performs I/O and never
	// rejects a well-formed event; guards run before an event is staged.
	Apply(event Event)
	Uncommitted() []Event
	MarkCommitted(version int64)
}

// Root carries the identity, version and staged events of an aggregate.
// Aggregates embed it and stage events through Record.
type Root struct {
	id      uuid.UUID
	version int64
	changes []Event
}

func NewRoot(id uuid.UUID) Root {
	return Root{id: id}
}

func (r *Root) ID() uuid.UUID {
	return r.id
}

func (r *Root) Version() int64 {
	return r.version
}

// Uncommitted returns a copy of the staged events in staging order.
func (r *Root) Uncommitted() []Event {
	out := make([]Event, len(r.changes))
	copy(out, r.changes)
	return out
}

// HasChanges reports whether any event is staged.
func (r *Root) HasChanges() bool {
	return len(r.changes) > 0
}

// Record stages an event that has already been applied.
func (r *Root) Record(event Event) {
	r.changes = append(r.changes, event)
}

// MarkCommitted clears staged events and moves the aggregate to version.
func (r *Root) MarkCommitted(version int64) {
	r.version = version
	r.changes = nil
}

// Replay folds events over an empty aggregate and leaves it at version.
func Replay(aggregate Aggregate, events []Event, version int64) {
	for _, e := range events {
		aggregate.Apply(e)
	}
	aggregate.MarkCommitted(version)
}

// StreamID names the stream of one aggregate instance.
func StreamID(aggregateType string, id uuid.UUID) string {
	return aggregateType + "-" + strings.ReplaceAll(id.String(), "-", "")
}

// StreamCategory returns the aggregate type part of a stream id.
func StreamCategory(streamID string) string {
	if i := strings.LastIndex(streamID, "-"); i >= 0 {
		return streamID[:i]
	}
	return streamID
}

// StreamAggregateID parses the aggregate id part of a stream id.
func StreamAggregateID(streamID string) (uuid.UUID, error) {
	i := strings.LastIndex(streamID, "-")
	return uuid.Parse(streamID[i+1:])
}
