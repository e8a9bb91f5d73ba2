package eventsourcing

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"txprocessor/pkg/config"
	pkgerrors "txprocessor/pkg/errors"
	"txprocessor/pkg/logger"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// counter is a minimal aggregate used to exercise the machinery.
type counter struct {
	Root
	total int
	notes []string
}

type added struct {
	Amount int `json:"amount"`
}

func (added) EventType() string { return "Added" }

type noted struct {
	Note string `json:"note"`
}

func (noted) EventType() string { return "Noted" }

func newCounter(id uuid.UUID) *counter {
	return &counter{Root: NewRoot(id)}
}

func (c *counter) AggregateType() string { return "CounterAggregate" }

func (c *counter) Apply(event Event) {
	switch e := event.(type) {
	case *added:
		c.total += e.Amount
	case *noted:
		c.notes = append(c.notes, e.Note)
	default:
		panic(fmt.Sprintf("counter: unhandled event %T", event))
	}
}

func (c *counter) Add(amount int) {
	e := &added{Amount: amount}
	c.Apply(e)
	c.Record(e)
}

var counterCodec = NewCodec(
	func() Event { return &added{} },
	func() Event { return &noted{} },
)

// fakeStore counts reads so cache behaviour is observable.
type fakeStore struct {
	mu      sync.Mutex
	streams map[string][]RecordedEvent
	reads   int32
	delay   time.Duration
	failAll error
}

func newFakeStore() *fakeStore {
	return &fakeStore{streams: make(map[string][]RecordedEvent)}
}

func (s *fakeStore) ReadStream(ctx context.Context, streamID string) ([]RecordedEvent, error) {
	atomic.AddInt32(&s.reads, 1)
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	if s.failAll != nil {
		return nil, s.failAll
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]RecordedEvent(nil), s.streams[streamID]...), nil
}

func (s *fakeStore) Append(ctx context.Context, streamID string, expectedVersion int64, events []EventData) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current := int64(len(s.streams[streamID]))
	if current != expectedVersion {
		return 0, fmt.Errorf("%w: at %d", pkgerrors.ErrVersionConflict, current)
	}
	for _, e := range events {
		current++
		s.streams[streamID] = append(s.streams[streamID], RecordedEvent{StreamID: streamID, Version: current, Type: e.Type, Data: e.Data})
	}
	return current, nil
}

func (s *fakeStore) RunTransientQuery(ctx context.Context, q TransientQuery) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, events := range s.streams {
		if !strings.HasPrefix(id, q.Category()+"-") {
			continue
		}
		for _, e := range events {
			if err := q.When(e); err != nil {
				return err
			}
		}
	}
	return nil
}

func newCounterRepo(store EventStore) *Repository[*counter] {
	return NewRepository[*counter](store, counterCodec, newCounter, logger.NewNop())
}

func cacheConfig() config.CacheConfig {
	return config.CacheConfig{Enabled: true, SlidingExpiration: time.Minute, AggregateTypes: []string{"CounterAggregate"}}
}

func TestRepository_GetLatest_EmptyStreamIsNotFound(t *testing.T) {
	repo := newCounterRepo(newFakeStore())

	_, err := repo.GetLatest(context.Background(), uuid.New())

	assert.ErrorIs(t, err, pkgerrors.ErrNotFound)
}

func TestRepository_GetLatestOrNew(t *testing.T) {
	repo := newCounterRepo(newFakeStore())
	id := uuid.New()

	c, err := repo.GetLatestOrNew(context.Background(), id)

	require.NoError(t, err)
	assert.Equal(t, id, c.ID())
	assert.Equal(t, int64(0), c.Version())
}

func TestRepository_SaveAndReload(t *testing.T) {
	ctx := context.Background()
	repo := newCounterRepo(newFakeStore())
	id := uuid.New()

	c := newCounter(id)
	c.Add(5)
	c.Add(7)
	require.NoError(t, repo.Save(ctx, c))
	assert.Equal(t, int64(2), c.Version())
	assert.Empty(t, c.Uncommitted())

	loaded, err := repo.GetLatest(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 12, loaded.total)
	assert.Equal(t, int64(2), loaded.Version())
}

func TestRepository_SaveWithoutChangesIsNoop(t *testing.T) {
	store := newFakeStore()
	repo := newCounterRepo(store)

	require.NoError(t, repo.Save(context.Background(), newCounter(uuid.New())))
	assert.Empty(t, store.streams)
}

func TestRepository_StaleSaveIsVersionConflict(t *testing.T) {
	ctx := context.Background()
	repo := newCounterRepo(newFakeStore())
	id := uuid.New()

	seed := newCounter(id)
	seed.Add(1)
	require.NoError(t, repo.Save(ctx, seed))

	first, err := repo.GetLatest(ctx, id)
	require.NoError(t, err)
	second, err := repo.GetLatest(ctx, id)
	require.NoError(t, err)

	first.Add(10)
	second.Add(20)
	require.NoError(t, repo.Save(ctx, first))

	err = repo.Save(ctx, second)
	assert.ErrorIs(t, err, pkgerrors.ErrVersionConflict)
	assert.NotErrorIs(t, err, pkgerrors.ErrConflict)
	assert.Equal(t, int64(1), second.Version())
}

func TestRepository_UnknownEventIsSerializationError(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	repo := newCounterRepo(store)
	id := uuid.New()

	_, err := store.Append(ctx, StreamID("CounterAggregate", id), 0, []EventData{{Type: "Mystery", Data: []byte(`{}`)}})
	require.NoError(t, err)

	_, err = repo.GetLatest(ctx, id)
	assert.ErrorIs(t, err, pkgerrors.ErrSerialization)
}

func TestReplay_IsDeterministic(t *testing.T) {
	events := []Event{&added{Amount: 3}, &noted{Note: "a"}, &added{Amount: -1}, &noted{Note: "b"}}

	first := newCounter(uuid.Nil)
	Replay(first, events, 4)
	second := newCounter(uuid.Nil)
	Replay(second, events, 4)

	assert.Equal(t, first, second)
	assert.Equal(t, 2, first.total)
	assert.Equal(t, []string{"a", "b"}, first.notes)
}

func TestApply_PanicsOnUnknownEvent(t *testing.T) {
	assert.Panics(t, func() { newCounter(uuid.New()).Apply(struct{ Event }{}) })
}

func TestStreamID_RoundTrip(t *testing.T) {
	id := uuid.New()
	streamID := StreamID("CounterAggregate", id)

	assert.Equal(t, "CounterAggregate", StreamCategory(streamID))
	parsed, err := StreamAggregateID(streamID)
	require.NoError(t, err)
	assert.Equal(t, id, parsed)
}

func TestCachedRepository_SingleRehydrationUnderContention(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	repo := newCounterRepo(store)
	id := uuid.New()

	seed := newCounter(id)
	seed.Add(4)
	require.NoError(t, repo.Save(ctx, seed))

	store.delay = 20 * time.Millisecond
	cached := NewCachedRepository(repo, NewCoordinator(cacheConfig(), logger.NewNop()))

	var wg sync.WaitGroup
	results := make([]*counter, 16)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c, err := cached.GetLatest(ctx, id)
			if err == nil {
				results[i] = c
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&store.reads))
	for _, c := range results {
		require.NotNil(t, c)
		assert.Equal(t, 4, c.total)
	}
	assert.NotSame(t, results[0], results[1])
}

func TestCachedRepository_CallersGetPrivateCopies(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	cached := NewCachedRepository(newCounterRepo(store), NewCoordinator(cacheConfig(), logger.NewNop()))
	id := uuid.New()

	seed := newCounter(id)
	seed.Add(1)
	require.NoError(t, cached.Save(ctx, seed))

	a, err := cached.GetLatest(ctx, id)
	require.NoError(t, err)
	a.Add(100)

	b, err := cached.GetLatest(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 1, b.total)
}

func TestCachedRepository_SaveAdvancesEntry(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	cached := NewCachedRepository(newCounterRepo(store), NewCoordinator(cacheConfig(), logger.NewNop()))
	id := uuid.New()

	c := newCounter(id)
	c.Add(1)
	require.NoError(t, cached.Save(ctx, c))

	loaded, err := cached.GetLatest(ctx, id)
	require.NoError(t, err)
	loaded.Add(2)
	require.NoError(t, cached.Save(ctx, loaded))

	again, err := cached.GetLatest(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 3, again.total)
	assert.Equal(t, int64(2), again.Version())
	assert.Equal(t, int32(0), atomic.LoadInt32(&store.reads))
}

func TestCachedRepository_ConflictEvictsAndRetrySucceeds(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	coordinator := NewCoordinator(cacheConfig(), logger.NewNop())
	cached := NewCachedRepository(newCounterRepo(store), coordinator)
	retrier := NewRetrier(config.RetryConfig{MaxAttempts: 3, Delay: time.Millisecond}, logger.NewNop())
	id := uuid.New()

	seed := newCounter(id)
	seed.Add(1)
	require.NoError(t, cached.Save(ctx, seed))

	stale, err := cached.GetLatest(ctx, id)
	require.NoError(t, err)

	winner, err := cached.GetLatest(ctx, id)
	require.NoError(t, err)
	winner.Add(10)
	require.NoError(t, cached.Save(ctx, winner))

	stale.Add(20)
	err = cached.Save(ctx, stale)
	require.ErrorIs(t, err, pkgerrors.ErrVersionConflict)
	assert.Equal(t, 0, coordinator.Len())

	attempts := 0
	err = retrier.Do(ctx, "add", func(ctx context.Context) error {
		attempts++
		fresh, err := cached.GetLatest(ctx, id)
		if err != nil {
			return err
		}
		fresh.Add(20)
		return cached.Save(ctx, fresh)
	})
	require.NoError(t, err)
	assert.Equal(t, 1, attempts)

	final, err := cached.GetLatest(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 31, final.total)
	assert.Equal(t, int64(3), final.Version())
}

func TestCachedRepository_FailedLoadIsNotCached(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	coordinator := NewCoordinator(cacheConfig(), logger.NewNop())
	cached := NewCachedRepository(newCounterRepo(store), coordinator)

	_, err := cached.GetLatest(ctx, uuid.New())
	assert.ErrorIs(t, err, pkgerrors.ErrNotFound)

	store.failAll = fmt.Errorf("%w: timeout", pkgerrors.ErrTransientStore)
	_, err = cached.GetLatest(ctx, uuid.New())
	assert.ErrorIs(t, err, pkgerrors.ErrTransientStore)
	assert.Equal(t, 0, coordinator.Len())
}

func TestCoordinator_EvictionDuringLoadIsNotCached(t *testing.T) {
	ctx := context.Background()
	coordinator := NewCoordinator(cacheConfig(), logger.NewNop())
	id := uuid.New()
	key := cacheKey{aggregateType: "CounterAggregate", id: id}
	stale := []Event{&added{Amount: 1}}

	events, version, err := coordinator.load(ctx, key, func(context.Context) ([]Event, int64, error) {
		coordinator.Evict("CounterAggregate", id)
		return stale, 1, nil
	})
	require.NoError(t, err)
	assert.Equal(t, stale, events)
	assert.Equal(t, int64(1), version)
	assert.Equal(t, 0, coordinator.Len())

	fresh := []Event{&added{Amount: 1}, &added{Amount: 2}}
	_, version, err = coordinator.load(ctx, key, func(context.Context) ([]Event, int64, error) {
		return fresh, 2, nil
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), version)
	assert.Equal(t, 1, coordinator.Len())
}

func TestCachedRepository_TypesOffAllowListBypassCache(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	cfg := config.CacheConfig{Enabled: true, SlidingExpiration: time.Minute, AggregateTypes: []string{"EstateAggregate"}}
	coordinator := NewCoordinator(cfg, logger.NewNop())
	cached := NewCachedRepository(newCounterRepo(store), coordinator)
	id := uuid.New()

	c := newCounter(id)
	c.Add(1)
	require.NoError(t, cached.Save(ctx, c))
	_, err := cached.GetLatest(ctx, id)
	require.NoError(t, err)
	_, err = cached.GetLatest(ctx, id)
	require.NoError(t, err)

	assert.Equal(t, int32(2), atomic.LoadInt32(&store.reads))
	assert.Equal(t, 0, coordinator.Len())
}

func TestCoordinator_SlidingExpiration(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	coordinator := NewCoordinator(cacheConfig(), logger.NewNop())
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	coordinator.now = func() time.Time { return now }
	cached := NewCachedRepository(newCounterRepo(store), coordinator)
	id := uuid.New()

	c := newCounter(id)
	c.Add(1)
	require.NoError(t, newCounterRepo(store).Save(ctx, c))

	_, err := cached.GetLatest(ctx, id)
	require.NoError(t, err)

	now = now.Add(50 * time.Second)
	_, err = cached.GetLatest(ctx, id)
	require.NoError(t, err)

	now = now.Add(50 * time.Second)
	_, err = cached.GetLatest(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&store.reads))

	now = now.Add(2 * time.Minute)
	assert.Equal(t, 1, coordinator.Purge())
	_, err = cached.GetLatest(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&store.reads))
}

func TestCoordinator_WaitHonoursCancellation(t *testing.T) {
	coordinator := NewCoordinator(cacheConfig(), logger.NewNop())
	key := cacheKey{aggregateType: "CounterAggregate", id: uuid.New()}

	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_, _, _ = coordinator.load(context.Background(), key, func(context.Context) ([]Event, int64, error) {
			close(started)
			<-release
			return nil, 0, pkgerrors.NotFound("missing")
		})
	}()
	<-started

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err := coordinator.load(ctx, cacheKey{aggregateType: "CounterAggregate", id: uuid.New()}, func(context.Context) ([]Event, int64, error) {
		t.Fatal("loader must not run")
		return nil, 0, nil
	})
	close(release)

	assert.ErrorIs(t, err, context.Canceled)
}

func TestRetrier_StopsOnTerminalError(t *testing.T) {
	retrier := NewRetrier(config.RetryConfig{MaxAttempts: 5, Delay: time.Millisecond}, logger.NewNop())
	calls := 0

	err := retrier.Do(context.Background(), "op", func(context.Context) error {
		calls++
		return pkgerrors.Invalid("bad state")
	})

	assert.ErrorIs(t, err, pkgerrors.ErrInvalid)
	assert.Equal(t, 1, calls)
}

func TestRetrier_BoundedAttempts(t *testing.T) {
	retrier := NewRetrier(config.RetryConfig{MaxAttempts: 3, Delay: time.Millisecond}, logger.NewNop())
	calls := 0

	err := retrier.Do(context.Background(), "op", func(context.Context) error {
		calls++
		return fmt.Errorf("%w: store down", pkgerrors.ErrTransientStore)
	})

	assert.ErrorIs(t, err, pkgerrors.ErrTransientStore)
	assert.Equal(t, 3, calls)
}

func TestRetrier_CancelledBetweenAttempts(t *testing.T) {
	retrier := NewRetrier(config.RetryConfig{MaxAttempts: 3, Delay: time.Hour}, logger.NewNop())
	ctx, cancel := context.WithCancel(context.Background())

	err := retrier.Do(ctx, "op", func(context.Context) error {
		cancel()
		return pkgerrors.ErrVersionConflict
	})

	assert.ErrorIs(t, err, context.Canceled)
}

func TestCodec_DuplicateRegistrationPanics(t *testing.T) {
	assert.Panics(t, func() {
		NewCodec(func() Event { return &added{} }, func() Event { return &added{} })
	})
}
