package eventsourcing

import (
	"context"
	"sync"
	"time"

	"txprocessor/pkg/config"
	pkgerrors "txprocessor/pkg/errors"
	"txprocessor/pkg/logger"

	"github.com/google/uuid"
)

type cacheKey struct {
	aggregateType string
	id            uuid.UUID
}

// cacheEntry holds the decoded history rather than a live aggregate so that every
// reader folds its own private instance. Entries are replaced, never mutated.
type cacheEntry struct {
	events    []Event
	version   int64
	expiresAt time.Time
}

// Coordinator is a process-wide cache of rehydrated aggregate histories for an
// allow-list of aggregate types. Loads of one type are serialised so concurrent
// misses on the same key hit the event store once.
type Coordinator struct {
	mu      sync.Mutex
	entries map[cacheKey]cacheEntry

	// generations counts evictions per aggregate type. A load that sees the
	// count move while it read the store does not publish its result.
	generations map[string]uint64

	locksMu sync.Mutex
	locks   map[string]chan struct{}

	types map[string]struct{}
	ttl   time.Duration
	now   func() time.Time

	logger logger.Logger
}

func NewCoordinator(cfg config.CacheConfig, log logger.Logger) *Coordinator {
	types := make(map[string]struct{})
	if cfg.Enabled {
		for _, t := range cfg.AggregateTypes {
			types[t] = struct{}{}
		}
	}
	ttl := cfg.SlidingExpiration
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &Coordinator{
		entries:     make(map[cacheKey]cacheEntry),
		generations: make(map[string]uint64),
		locks:       make(map[string]chan struct{}),
		types:       types,
		ttl:         ttl,
		now:         time.Now,
		logger:      log,
	}
}

// Caches reports whether aggregateType is on the allow-list.
func (c *Coordinator) Caches(aggregateType string) bool {
	_, ok := c.types[aggregateType]
	return ok
}

// Len returns the number of live entries.
func (c *Coordinator) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Coordinator) lookup(key cacheKey) (cacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return cacheEntry{}, false
	}
	now := c.now()
	if !now.Before(e.expiresAt) {
		delete(c.entries, key)
		return cacheEntry{}, false
	}
	e.expiresAt = now.Add(c.ttl)
	c.entries[key] = e
	return e, true
}

func (c *Coordinator) typeLock(aggregateType string) chan struct{} {
	c.locksMu.Lock()
	defer c.locksMu.Unlock()
	l, ok := c.locks[aggregateType]
	if !ok {
		l = make(chan struct{}, 1)
		c.locks[aggregateType] = l
	}
	return l
}

// load returns the cached history for key, calling loader on a miss. Waiting for
// the per-type lock honours ctx.
func (c *Coordinator) load(ctx context.Context, key cacheKey, loader func(context.Context) ([]Event, int64, error)) ([]Event, int64, error) {
	if e, ok := c.lookup(key); ok {
		return e.events, e.version, nil
	}

	lock := c.typeLock(key.aggregateType)
	select {
	case lock <- struct{}{}:
	case <-ctx.Done():
		return nil, 0, ctx.Err()
	}
	defer func() { <-lock }()

	if e, ok := c.lookup(key); ok {
		return e.events, e.version, nil
	}

	c.mu.Lock()
	generation := c.generations[key.aggregateType]
	c.mu.Unlock()

	events, version, err := loader(ctx)
	if err != nil {
		return nil, 0, err
	}

	c.mu.Lock()
	stale := c.generations[key.aggregateType] != generation
	if !stale {
		c.entries[key] = cacheEntry{events: events, version: version, expiresAt: c.now().Add(c.ttl)}
	}
	c.mu.Unlock()

	if stale {
		c.logger.Debug("Aggregate evicted during load, not cached", map[string]interface{}{
			"aggregate_type": key.aggregateType,
			"aggregate_id":   key.id,
			"version":        version,
		})
		return events, version, nil
	}

	c.logger.Debug("Aggregate cached", map[string]interface{}{
		"aggregate_type": key.aggregateType,
		"aggregate_id":   key.id,
		"version":        version,
	})
	return events, version, nil
}

// advance records a successful save. The entry is extended only when it still
// describes the version the aggregate was loaded at; otherwise it is dropped.
func (c *Coordinator) advance(key cacheKey, loadedAt int64, appended []Event, version int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	switch {
	case ok && e.version == loadedAt:
	case !ok && loadedAt == 0:
	default:
		c.evictLocked(key)
		return
	}

	events := make([]Event, 0, len(e.events)+len(appended))
	events = append(events, e.events...)
	events = append(events, appended...)
	c.entries[key] = cacheEntry{events: events, version: version, expiresAt: c.now().Add(c.ttl)}
}

// Evict drops one entry.
func (c *Coordinator) Evict(aggregateType string, id uuid.UUID) {
	c.mu.Lock()
	c.evictLocked(cacheKey{aggregateType: aggregateType, id: id})
	c.mu.Unlock()
}

func (c *Coordinator) evictLocked(key cacheKey) {
	delete(c.entries, key)
	c.generations[key.aggregateType]++
}

// Purge drops every expired entry and returns how many were removed.
func (c *Coordinator) Purge() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	removed := 0
	for k, e := range c.entries {
		if !now.Before(e.expiresAt) {
			delete(c.entries, k)
			removed++
		}
	}
	return removed
}

// Run purges expired entries every interval until ctx is done.
func (c *Coordinator) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n := c.Purge(); n > 0 {
				c.logger.Debug("Expired aggregates purged", map[string]interface{}{"count": n})
			}
		}
	}
}

// CachedRepository fronts a Repository with the Coordinator. Types not on the
// allow-list pass straight through.
type CachedRepository[T Aggregate] struct {
	repo        *Repository[T]
	coordinator *Coordinator
}

func NewCachedRepository[T Aggregate](repo *Repository[T], coordinator *Coordinator) *CachedRepository[T] {
	return &CachedRepository[T]{repo: repo, coordinator: coordinator}
}

func (r *CachedRepository[T]) key(id uuid.UUID) cacheKey {
	return cacheKey{aggregateType: r.repo.AggregateType(), id: id}
}

func (r *CachedRepository[T]) GetLatest(ctx context.Context, id uuid.UUID) (T, error) {
	if !r.coordinator.Caches(r.repo.AggregateType()) {
		return r.repo.GetLatest(ctx, id)
	}

	events, version, err := r.coordinator.load(ctx, r.key(id), func(ctx context.Context) ([]Event, int64, error) {
		return r.repo.LoadEvents(ctx, id)
	})
	if err != nil {
		var zero T
		return zero, err
	}
	aggregate := r.repo.New(id)
	Replay(aggregate, events, version)
	return aggregate, nil
}

func (r *CachedRepository[T]) GetLatestOrNew(ctx context.Context, id uuid.UUID) (T, error) {
	aggregate, err := r.GetLatest(ctx, id)
	if pkgerrors.IsNotFound(err) {
		return r.repo.New(id), nil
	}
	return aggregate, err
}

// Save writes through to the event store and touches the cache only after the
// append succeeded. A version conflict evicts the entry.
func (r *CachedRepository[T]) Save(ctx context.Context, aggregate T) error {
	if !r.coordinator.Caches(r.repo.AggregateType()) {
		return r.repo.Save(ctx, aggregate)
	}

	loadedAt := aggregate.Version()
	changes := aggregate.Uncommitted()
	if err := r.repo.Save(ctx, aggregate); err != nil {
		if pkgerrors.Is(err, pkgerrors.ErrVersionConflict) {
			r.coordinator.Evict(r.repo.AggregateType(), aggregate.ID())
		}
		return err
	}
	if len(changes) > 0 {
		r.coordinator.advance(r.key(aggregate.ID()), loadedAt, changes, aggregate.Version())
	}
	return nil
}
