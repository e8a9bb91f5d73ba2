// Package mongo stores event streams in a MongoDB collection.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"txprocessor/internal/eventsourcing"
	"txprocessor/pkg/config"
	pkgerrors "txprocessor/pkg/errors"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const eventsCollection = "events"

// Client wraps the MongoDB client and database.
type Client struct {
	client   *mongo.Client
	database *mongo.Database
	timeout  time.Duration
}

// NewClient connects and pings the configured deployment.
func NewClient(cfg config.EventStoreConfig) (*Client, error) {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.MongoTimeout)
	defer cancel()

	opts := options.Client().
		ApplyURI(cfg.MongoURI).
		SetServerSelectionTimeout(cfg.MongoTimeout)

	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	return &Client{
		client:   client,
		database: client.Database(cfg.MongoDatabase),
		timeout:  cfg.MongoTimeout,
	}, nil
}

func (c *Client) Database() *mongo.Database {
	return c.database
}

func (c *Client) Ping(ctx context.Context) error {
	return c.client.Ping(ctx, nil)
}

func (c *Client) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	return c.client.Disconnect(ctx)
}

type eventDocument struct {
	StreamID   string    `bson:"stream_id"`
	Category   string    `bson:"category"`
	Version    int64     `bson:"version"`
	EventType  string    `bson:"event_type"`
	Data       string    `bson:"data"`
	RecordedAt time.Time `bson:"recorded_at"`
}

func (d eventDocument) recorded() eventsourcing.RecordedEvent {
	return eventsourcing.RecordedEvent{
		StreamID:   d.StreamID,
		Version:    d.Version,
		Type:       d.EventType,
		Data:       []byte(d.Data),
		Position:   d.RecordedAt.UnixNano(),
		RecordedAt: d.RecordedAt,
	}
}

// EventStore keeps one document per event. The unique (stream_id, version)
// index turns a lost race into a version conflict.
type EventStore struct {
	collection *mongo.Collection
}

func NewEventStore(db *mongo.Database) *EventStore {
	return &EventStore{collection: db.Collection(eventsCollection)}
}

// EnsureIndexes creates the indexes the store relies on.
func (s *EventStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.collection.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "stream_id", Value: 1}, {Key: "version", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{{Key: "category", Value: 1}, {Key: "recorded_at", Value: 1}, {Key: "_id", Value: 1}},
		},
	})
	if err != nil {
		return classify(err, "failed to create event indexes")
	}
	return nil
}

func (s *EventStore) ReadStream(ctx context.Context, streamID string) ([]eventsourcing.RecordedEvent, error) {
	opts := options.Find().SetSort(bson.D{{Key: "version", Value: 1}})
	cursor, err := s.collection.Find(ctx, bson.M{"stream_id": streamID}, opts)
	if err != nil {
		return nil, classify(err, "failed to read stream")
	}
	defer cursor.Close(ctx)

	var docs []eventDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, classify(err, "failed to decode stream")
	}
	out := make([]eventsourcing.RecordedEvent, 0, len(docs))
	for _, d := range docs {
		out = append(out, d.recorded())
	}
	return out, nil
}

func (s *EventStore) Append(ctx context.Context, streamID string, expectedVersion int64, events []eventsourcing.EventData) (int64, error) {
	var head eventDocument
	opts := options.FindOne().SetSort(bson.D{{Key: "version", Value: -1}})
	err := s.collection.FindOne(ctx, bson.M{"stream_id": streamID}, opts).Decode(&head)
	switch {
	case errors.Is(err, mongo.ErrNoDocuments):
		head.Version = 0
	case err != nil:
		return 0, classify(err, "failed to read stream head")
	}
	if head.Version != expectedVersion {
		return 0, fmt.Errorf("%w: stream %s is at %d, expected %d", pkgerrors.ErrVersionConflict, streamID, head.Version, expectedVersion)
	}

	now := time.Now().UTC().Truncate(time.Millisecond)
	category := eventsourcing.StreamCategory(streamID)
	docs := make([]interface{}, 0, len(events))
	version := expectedVersion
	for _, e := range events {
		version++
		docs = append(docs, eventDocument{
			StreamID:   streamID,
			Category:   category,
			Version:    version,
			EventType:  e.Type,
			Data:       string(e.Data),
			RecordedAt: now,
		})
	}

	if _, err := s.collection.InsertMany(ctx, docs, options.InsertMany().SetOrdered(true)); err != nil {
		// Only the first document can collide: whoever owns version n owns every version below it.
		return 0, classify(err, "failed to insert events")
	}
	return version, nil
}

func (s *EventStore) RunTransientQuery(ctx context.Context, q eventsourcing.TransientQuery) error {
	opts := options.Find().SetSort(bson.D{{Key: "recorded_at", Value: 1}, {Key: "_id", Value: 1}})
	cursor, err := s.collection.Find(ctx, bson.M{"category": q.Category()}, opts)
	if err != nil {
		return classify(err, "failed to run transient query")
	}
	defer cursor.Close(ctx)

	for cursor.Next(ctx) {
		var d eventDocument
		if err := cursor.Decode(&d); err != nil {
			return fmt.Errorf("%w: %v", pkgerrors.ErrSerialization, err)
		}
		if err := q.When(d.recorded()); err != nil {
			return err
		}
	}
	if err := cursor.Err(); err != nil {
		return classify(err, "transient query cursor failed")
	}
	return nil
}

func classify(err error, message string) error {
	switch {
	case mongo.IsDuplicateKeyError(err):
		return fmt.Errorf("%w: %s: %v", pkgerrors.ErrVersionConflict, message, err)
	case mongo.IsNetworkError(err), mongo.IsTimeout(err),
		errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return fmt.Errorf("%w: %s: %v", pkgerrors.ErrTransientStore, message, err)
	}
	return pkgerrors.Wrap(err, message)
}
