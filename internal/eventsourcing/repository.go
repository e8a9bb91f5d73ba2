package eventsourcing

import (
	"context"

	pkgerrors "txprocessor/pkg/errors"
	"txprocessor/pkg/logger"

	"github.com/google/uuid"
)

// Store is what domain services use to load and persist one aggregate type.
// Repository and CachedRepository both satisfy it.
type Store[T Aggregate] interface {
	GetLatest(ctx context.Context, id uuid.UUID) (T, error)
	GetLatestOrNew(ctx context.Context, id uuid.UUID) (T, error)
	Save(ctx context.Context, aggregate T) error
}

// Repository rehydrates aggregates from their full stream and appends staged
// events with the version they were loaded at.
type Repository[T Aggregate] struct {
	store         EventStore
	codec         *Codec
	newAggregate  func(id uuid.UUID) T
	aggregateType string
	notFound      error
	logger        logger.Logger
}

func NewRepository[T Aggregate](store EventStore, codec *Codec, factory func(id uuid.UUID) T, log logger.Logger) *Repository[T] {
	aggregateType := factory(uuid.Nil).AggregateType()
	return &Repository[T]{
		store:         store,
		codec:         codec,
		newAggregate:  factory,
		aggregateType: aggregateType,
		notFound:      pkgerrors.ErrNotFound,
		logger:        log.WithFields(map[string]interface{}{"aggregate_type": aggregateType}),
	}
}

// WithNotFound sets the error kind reported for an empty stream. It must
// unwrap to pkgerrors.ErrNotFound.
func (r *Repository[T]) WithNotFound(kind error) *Repository[T] {
	r.notFound = kind
	return r
}

func (r *Repository[T]) AggregateType() string {
	return r.aggregateType
}

// New returns an empty aggregate at version 0.
func (r *Repository[T]) New(id uuid.UUID) T {
	return r.newAggregate(id)
}

// LoadEvents reads and decodes the full stream. An empty stream is ErrNotFound.
func (r *Repository[T]) LoadEvents(ctx context.Context, id uuid.UUID) ([]Event, int64, error) {
	recorded, err := r.store.ReadStream(ctx, StreamID(r.aggregateType, id))
	if err != nil {
		return nil, 0, err
	}
	if len(recorded) == 0 {
		return nil, 0, pkgerrors.Newf(r.notFound, "%s %s not found", r.aggregateType, id)
	}

	events := make([]Event, 0, len(recorded))
	for _, re := range recorded {
		e, err := r.codec.Decode(re)
		if err != nil {
			r.logger.Error("Failed to decode event", map[string]interface{}{
				"aggregate_id": id,
				"version":      re.Version,
				"error":        err.Error(),
			})
			return nil, 0, err
		}
		events = append(events, e)
	}
	return events, recorded[len(recorded)-1].Version, nil
}

// GetLatest rehydrates the aggregate at its current version.
func (r *Repository[T]) GetLatest(ctx context.Context, id uuid.UUID) (T, error) {
	events, version, err := r.LoadEvents(ctx, id)
	if err != nil {
		var zero T
		return zero, err
	}
	aggregate := r.newAggregate(id)
	Replay(aggregate, events, version)
	return aggregate, nil
}

// GetLatestOrNew treats a missing stream as a new aggregate at version 0.
func (r *Repository[T]) GetLatestOrNew(ctx context.Context, id uuid.UUID) (T, error) {
	aggregate, err := r.GetLatest(ctx, id)
	if pkgerrors.IsNotFound(err) {
		return r.newAggregate(id), nil
	}
	return aggregate, err
}

// Save appends only the staged events. On success the aggregate moves to the new
// version; on failure it is left untouched and must not be saved again.
func (r *Repository[T]) Save(ctx context.Context, aggregate T) error {
	changes := aggregate.Uncommitted()
	if len(changes) == 0 {
		return nil
	}

	data := make([]EventData, 0, len(changes))
	for _, e := range changes {
		d, err := r.codec.Encode(e)
		if err != nil {
			return err
		}
		data = append(data, d)
	}

	streamID := StreamID(r.aggregateType, aggregate.ID())
	version, err := r.store.Append(ctx, streamID, aggregate.Version(), data)
	if err != nil {
		r.logger.Warn("Failed to append events", map[string]interface{}{
			"aggregate_id":     aggregate.ID(),
			"expected_version": aggregate.Version(),
			"events":           len(data),
			"error":            err.Error(),
		})
		return err
	}

	aggregate.MarkCommitted(version)
	r.logger.Debug("Events appended", map[string]interface{}{
		"aggregate_id": aggregate.ID(),
		"version":      version,
		"events":       len(data),
	})
	return nil
}
