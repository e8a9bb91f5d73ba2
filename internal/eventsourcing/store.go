package eventsourcing

import (
	"context"
	"time"
)

// EventData is an encoded event ready to be appended.
type EventData struct {
	Type string
	Data []byte
}

// RecordedEvent is an event as read back from the log.
type RecordedEvent struct {
	StreamID   string
	Version    int64
	Type       string
	Data       []byte
	Position   int64
	RecordedAt time.Time
}

// EventStore is the append-only log every aggregate is persisted to.
//
// Append fails with errors.ErrVersionConflict when the stream is no longer at
// expectedVersion and with errors.ErrTransientStore when the log cannot be reached.
// ReadStream returns an empty slice for a stream that has never been written.
type EventStore interface {
	ReadStream(ctx context.Context, streamID string) ([]RecordedEvent, error)
	Append(ctx context.Context, streamID string, expectedVersion int64, events []EventData) (int64, error)
	RunTransientQuery(ctx context.Context, query TransientQuery) error
}

// TransientQuery folds every event of one stream category in log order.
type TransientQuery interface {
	Category() string
	When(event RecordedEvent) error
}
