package mongo

import (
	"context"
	"os"
	"testing"
	"time"

	"txprocessor/internal/eventsourcing"
	"txprocessor/pkg/config"
	pkgerrors "txprocessor/pkg/errors"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *EventStore {
	t.Helper()
	uri := os.Getenv("MONGO_URI")
	if uri == "" {
		uri = "mongodb://localhost:27017"
	}

	client, err := NewClient(config.EventStoreConfig{
		MongoURI:      uri,
		MongoDatabase: "txprocessor_test",
		MongoTimeout:  2 * time.Second,
	})
	if err != nil {
		t.Skip("Skipping integration test: MongoDB not available")
	}
	t.Cleanup(func() { client.Close() })

	store := NewEventStore(client.Database())
	require.NoError(t, store.EnsureIndexes(context.Background()))
	return store
}

func TestEventStore_AppendAndConflict(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	stream := eventsourcing.StreamID("MongoTestAggregate", uuid.New())

	version, err := store.Append(ctx, stream, 0, []eventsourcing.EventData{
		{Type: "Created", Data: []byte(`{"name":"a"}`)},
		{Type: "Renamed", Data: []byte(`{"name":"b"}`)},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), version)

	_, err = store.Append(ctx, stream, 1, []eventsourcing.EventData{{Type: "Renamed", Data: []byte(`{}`)}})
	assert.ErrorIs(t, err, pkgerrors.ErrVersionConflict)

	read, err := store.ReadStream(ctx, stream)
	require.NoError(t, err)
	require.Len(t, read, 2)
	assert.Equal(t, "Renamed", read[1].Type)
	assert.JSONEq(t, `{"name":"b"}`, string(read[1].Data))
}
