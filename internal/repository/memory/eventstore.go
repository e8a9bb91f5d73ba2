// Package memory provides an in-process event store for tests and single-node runs.
package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"txprocessor/internal/eventsourcing"
	pkgerrors "txprocessor/pkg/errors"
)

// EventStore keeps every stream in memory and preserves a global append order.
type EventStore struct {
	mu      sync.RWMutex
	streams map[string][]eventsourcing.RecordedEvent
	all     []eventsourcing.RecordedEvent
	now     func() time.Time
}

func NewEventStore() *EventStore {
	return &EventStore{
		streams: make(map[string][]eventsourcing.RecordedEvent),
		now:     time.Now,
	}
}

func (s *EventStore) ReadStream(ctx context.Context, streamID string) ([]eventsourcing.RecordedEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", pkgerrors.ErrTransientStore, err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	stream := s.streams[streamID]
	out := make([]eventsourcing.RecordedEvent, len(stream))
	copy(out, stream)
	return out, nil
}

func (s *EventStore) Append(ctx context.Context, streamID string, expectedVersion int64, events []eventsourcing.EventData) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, fmt.Errorf("%w: %v", pkgerrors.ErrTransientStore, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	current := int64(len(s.streams[streamID]))
	if current != expectedVersion {
		return 0, fmt.Errorf("%w: stream %s is at %d, expected %d", pkgerrors.ErrVersionConflict, streamID, current, expectedVersion)
	}

	now := s.now().UTC()
	for _, e := range events {
		current++
		data := make([]byte, len(e.Data))
		copy(data, e.Data)
		recorded := eventsourcing.RecordedEvent{
			StreamID:   streamID,
			Version:    current,
			Type:       e.Type,
			Data:       data,
			Position:   int64(len(s.all)) + 1,
			RecordedAt: now,
		}
		s.streams[streamID] = append(s.streams[streamID], recorded)
		s.all = append(s.all, recorded)
	}
	return current, nil
}

// RunTransientQuery feeds a snapshot of the category to the query in append order.
func (s *EventStore) RunTransientQuery(ctx context.Context, query eventsourcing.TransientQuery) error {
	prefix := query.Category() + "-"
	s.mu.RLock()
	snapshot := make([]eventsourcing.RecordedEvent, len(s.all))
	copy(snapshot, s.all)
	s.mu.RUnlock()

	for _, e := range snapshot {
		if !strings.HasPrefix(e.StreamID, prefix) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w: %v", pkgerrors.ErrTransientStore, err)
		}
		if err := query.When(e); err != nil {
			return err
		}
	}
	return nil
}

// StreamIDs lists every stream written so far.
func (s *EventStore) StreamIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.streams))
	for id := range s.streams {
		ids = append(ids, id)
	}
	return ids
}
