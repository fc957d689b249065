// Package querycache implements a keyed stale-while-revalidate cache for
// backend query results. Entries are invalidated by change-feed
// notifications and re-fetched on demand; concurrent fetches for the
// same key are collapsed into one backend call.
package querycache

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"volunteerhub/internal/metrics"
)

// FetchFn loads the value for a key from the backend.
type FetchFn func(ctx context.Context) (any, error)

// Result is the tri-state outcome of a cache read. Exactly one of the
// three states holds: pending (fetch in flight, nothing cached yet),
// value, or error.
type Result struct {
	Pending bool
	Value   any
	Err     error
}

type entry struct {
	value     any
	err       error
	loaded    bool
	stale     bool
	consumers int
	fetch     FetchFn

	// gen increments on every invalidation. A fetch started under an
	// older gen must not clear the stale flag: its result predates the
	// change that invalidated the key.
	gen uint64
}

// Cache is the process-wide query cache. All mutation goes through
// fetch completion and Invalidate; consumers only ever read snapshots.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*entry
	group   singleflight.Group
	log     *zerolog.Logger
	metrics *metrics.Collector
}

func New(log *zerolog.Logger, mc *metrics.Collector) *Cache {
	return &Cache{
		entries: make(map[string]*entry),
		log:     log,
		metrics: mc,
	}
}

// EventsKey is the cache key for an organization's events.
func EventsKey(orgID string) string {
	return fmt.Sprintf("events/org/%s", orgID)
}

// RegistrationsKey is the cache key for registrations across an
// organization's events.
func RegistrationsKey(orgID string) string {
	return fmt.Sprintf("registrations/org/%s", orgID)
}

// Acquire marks key as actively consumed. Invalidations of an acquired
// key schedule an immediate re-fetch. Every Acquire must be paired with
// a Release.
func (c *Cache) Acquire(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.entries[key]
	if e == nil {
		e = &entry{}
		c.entries[key] = e
	}
	e.consumers++
}

// Release drops one consumer from key. Entries with no consumers are
// kept until the next Sweep so a quick remount still hits warm data.
func (c *Cache) Release(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.entries[key]
	if e == nil {
		return
	}
	e.consumers--
	if e.consumers < 0 {
		e.consumers = 0
	}
}

// Get returns the cached value for key, fetching it when absent or
// stale. When enabled is false nothing is fetched and a pending result
// is returned. Concurrent calls for the same key share one in-flight
// fetch.
func (c *Cache) Get(ctx context.Context, key string, fetch FetchFn, enabled bool) Result {
	if !enabled {
		return Result{Pending: true}
	}

	c.mu.Lock()
	e := c.entries[key]
	if e == nil {
		e = &entry{}
		c.entries[key] = e
	}
	// Remember the fetch so a later Invalidate on an active key can
	// refresh without waiting for the next Get.
	e.fetch = fetch
	if e.loaded && !e.stale {
		v, err := e.value, e.err
		c.mu.Unlock()
		c.metrics.CacheHit()
		return Result{Value: v, Err: err}
	}
	gen := e.gen
	c.mu.Unlock()

	c.metrics.CacheMiss()
	return c.load(ctx, key, fetch, gen)
}

// load runs fetch under singleflight and stores the outcome, unless a
// newer invalidation superseded the fetch while it was in flight.
func (c *Cache) load(ctx context.Context, key string, fetch FetchFn, gen uint64) Result {
	v, err, shared := c.group.Do(key, func() (any, error) {
		return fetch(ctx)
	})
	if shared {
		c.metrics.CacheCollapsed()
	}

	c.mu.Lock()
	e := c.entries[key]
	if e == nil {
		// Entry swept while the fetch was in flight; the result is
		// discarded rather than resurrecting a dead key.
		c.mu.Unlock()
		return Result{Value: v, Err: err}
	}
	if e.gen != gen {
		// Superseded: the value predates an invalidation, so the entry
		// stays stale and the refresh scheduled by Invalidate wins.
		c.mu.Unlock()
		return Result{Value: v, Err: err}
	}
	e.value = v
	e.err = err
	e.loaded = true
	e.stale = false
	c.mu.Unlock()

	if err != nil {
		c.metrics.FetchFailure()
		c.log.Error().Err(err).Str("key", key).Msg("cache fetch failed")
	}
	return Result{Value: v, Err: err}
}

// Invalidate marks key stale. If the key has active consumers a
// background re-fetch starts immediately; otherwise the next Get pays
// for the refresh. An in-flight fetch for the key is forgotten so the
// refresh calls the backend again instead of joining it.
func (c *Cache) Invalidate(key string) {
	c.mu.Lock()
	e := c.entries[key]
	if e == nil {
		c.mu.Unlock()
		return
	}
	e.stale = true
	e.gen++
	gen := e.gen
	active := e.consumers > 0
	fetch := e.fetch
	c.mu.Unlock()

	c.group.Forget(key)
	c.metrics.Invalidation("explicit")
	if active && fetch != nil {
		go c.load(context.Background(), key, fetch, gen)
	}
}

// Peek returns the current cached value without triggering a fetch.
func (c *Cache) Peek(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.entries[key]
	if e == nil || !e.loaded {
		return nil, false
	}
	return e.value, true
}

// Sweep removes entries that have no consumers. Called periodically by
// the janitor job.
func (c *Cache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for key, e := range c.entries {
		if e.consumers == 0 {
			delete(c.entries, key)
			removed++
		}
	}
	if removed > 0 {
		c.log.Debug().Int("removed", removed).Msg("cache sweep")
	}
	return removed
}

// Len reports the number of resident entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
