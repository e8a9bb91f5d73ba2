package eventsourcing

import (
	"encoding/json"
	"fmt"
	"sync"

	pkgerrors "txprocessor/pkg/errors"
)

// Codec maps event type names to Go types and back through JSON.
type Codec struct {
	mu    sync.RWMutex
	types map[string]func() Event
}

// NewCodec registers the given event constructors. Each constructor must return
// a pointer to a zero value of the event.
func NewCodec(factories ...func() Event) *Codec {
	c := &Codec{types: make(map[string]func() Event)}
	c.Register(factories...)
	return c
}

func (c *Codec) Register(factories ...func() Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, f := range factories {
		name := f().EventType()
		if _, dup := c.types[name]; dup {
			panic(fmt.Sprintf("eventsourcing: event type %s registered twice", name))
		}
		c.types[name] = f
	}
}

func (c *Codec) Encode(event Event) (EventData, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return EventData{}, fmt.Errorf("%w: encode %s: %v", pkgerrors.ErrSerialization, event.EventType(), err)
	}
	return EventData{Type: event.EventType(), Data: data}, nil
}

func (c *Codec) Decode(recorded RecordedEvent) (Event, error) {
	c.mu.RLock()
	f, ok := c.types[recorded.Type]
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: unknown event type %s in %s", pkgerrors.ErrSerialization, recorded.Type, recorded.StreamID)
	}
	event := f()
	if err := json.Unmarshal(recorded.Data, event); err != nil {
		return nil, fmt.Errorf("%w: decode %s at %s/%d: %v", pkgerrors.ErrSerialization, recorded.Type, recorded.StreamID, recorded.Version, err)
	}
	return event, nil
}

// Knows reports whether the event type is registered.
func (c *Codec) Knows(eventType string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.types[eventType]
	return ok
}
