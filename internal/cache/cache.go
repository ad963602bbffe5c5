package cache

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
)

var ErrNoLoader = errors.New("cache has no loader")

// Loader fetches the value for key. found=false means the key does not
// exist; absent results are not cached.
type Loader[K comparable, V any] func(ctx context.Context, key K) (value V, found bool, err error)

// Options bound a Cache. Zero values disable the corresponding limit.
type Options struct {
	MaxSize           int
	ExpireAfterAccess time.Duration
	ExpireAfterWrite  time.Duration

	// Clock defaults to time.Now.
	Clock func() time.Time
}

// Stats are cumulative counters.
type Stats struct {
	Hits         int64
	Misses       int64
	Loads        int64
	LoadFailures int64
	Evictions    int64
}

// Result is delivered by GetAsync.
type Result[V any] struct {
	Value V
	Found bool
	Err   error
}

// Cache is a bounded, thread-safe LRU map with lazy time-based expiry and
// single-flight loading: concurrent misses on one key share a single loader
// call. Loads are detached from the caller's cancellation, so a caller that
// gives up does not abort the load and the result still populates the cache.
type Cache[K comparable, V any] struct {
	opts   Options
	loader Loader[K, V]
	group  singleflight.Group

	mu      sync.Mutex
	items   map[K]*list.Element
	lruList *list.List
	// inflight tracks keys with a running load. Invalidating such a key
	// bumps its generation; a load that straddles the bump returns its
	// value without caching it.
	inflight map[K]*keyLoads

	hits, misses, loads, loadFailures, evictions atomic.Int64
}

type entry[K comparable, V any] struct {
	key      K
	value    V
	written  time.Time
	accessed time.Time
}

type keyLoads struct {
	refs int
	gen  uint64
}

type loadResult[V any] struct {
	value V
	found bool
}

// New creates a cache. loader may be nil when every read goes through GetWith.
func New[K comparable, V any](opts Options, loader Loader[K, V]) *Cache[K, V] {
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Cache[K, V]{
		opts:    opts,
		loader:  loader,
		items:    make(map[K]*list.Element),
		lruList:  list.New(),
		inflight: make(map[K]*keyLoads),
	}
}

// GetIfPresent returns the resident value without loading.
func (c *Cache[K, V]) GetIfPresent(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	v, ok := c.lookupLocked(key)
	if ok {
		c.hits.Add(1)
	} else {
		c.misses.Add(1)
	}
	return v, ok
}

// Get returns the value for key, loading it with the cache's loader on a miss.
func (c *Cache[K, V]) Get(ctx context.Context, key K) (V, bool, error) {
	if c.loader == nil {
		var zero V
		return zero, false, ErrNoLoader
	}
	return c.GetWith(ctx, key, c.loader)
}

// GetWith is Get with an explicit loader for this call. Concurrent calls
// share one load per key, so every loader passed for a key must agree on
// whether a key exists. Use GetWithFlight for loaders that differ.
func (c *Cache[K, V]) GetWith(ctx context.Context, key K, loader Loader[K, V]) (V, bool, error) {
	return c.GetWithFlight(ctx, key, "", loader)
}

// GetWithFlight is GetWith where concurrent misses only share a load with
// calls naming the same flight. Loads under different flights for one key
// may run side by side; the first to finish is cached and the others
// return the resident value.
func (c *Cache[K, V]) GetWithFlight(ctx context.Context, key K, flight string, loader Loader[K, V]) (V, bool, error) {
	if v, ok := c.GetIfPresent(key); ok {
		return v, true, nil
	}

	ch := c.group.DoChan(flight+"/"+fmt.Sprint(key), func() (any, error) {
		return c.load(context.WithoutCancel(ctx), key, loader)
	})

	select {
	case <-ctx.Done():
		var zero V
		return zero, false, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			var zero V
			return zero, false, res.Err
		}
		lr := res.Val.(loadResult[V])
		return lr.value, lr.found, nil
	}
}

// GetAsync loads key in the background and delivers the outcome on the
// returned channel.
func (c *Cache[K, V]) GetAsync(key K) <-chan Result[V] {
	out := make(chan Result[V], 1)
	go func() {
		v, found, err := c.Get(context.Background(), key)
		out <- Result[V]{Value: v, Found: found, Err: err}
	}()
	return out
}

// Put stores value, replacing any resident entry.
func (c *Cache[K, V]) Put(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.storeLocked(key, value)
}

// PutIfAbsent stores value unless an entry is resident, and returns
// whichever value is resident afterwards.
func (c *Cache[K, V]) PutIfAbsent(key K, value V) V {
	c.mu.Lock()
	defer c.mu.Unlock()

	if v, ok := c.lookupLocked(key); ok {
		return v
	}
	c.storeLocked(key, value)
	return value
}

// Invalidate drops key. Nothing is written anywhere.
func (c *Cache[K, V]) Invalidate(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if kl, ok := c.inflight[key]; ok {
		kl.gen++
	}
	if elem, ok := c.items[key]; ok {
		c.removeLocked(elem)
	}
}

func (c *Cache[K, V]) InvalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, kl := range c.inflight {
		kl.gen++
	}
	c.items = make(map[K]*list.Element)
	c.lruList.Init()
}

// Len returns the number of live entries, purging expired ones first.
func (c *Cache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.opts.Clock()
	for elem := c.lruList.Back(); elem != nil; {
		prev := elem.Prev()
		if c.expiredLocked(elem.Value.(*entry[K, V]), now) {
			c.removeLocked(elem)
			c.evictions.Add(1)
		}
		elem = prev
	}
	return c.lruList.Len()
}

func (c *Cache[K, V]) Stats() Stats {
	return Stats{
		Hits:         c.hits.Load(),
		Misses:       c.misses.Load(),
		Loads:        c.loads.Load(),
		LoadFailures: c.loadFailures.Load(),
		Evictions:    c.evictions.Load(),
	}
}

func (c *Cache[K, V]) load(ctx context.Context, key K, loader Loader[K, V]) (loadResult[V], error) {
	c.mu.Lock()
	if v, ok := c.lookupLocked(key); ok {
		c.mu.Unlock()
		return loadResult[V]{value: v, found: true}, nil
	}
	kl, ok := c.inflight[key]
	if !ok {
		kl = &keyLoads{}
		c.inflight[key] = kl
	}
	kl.refs++
	startGen := kl.gen
	c.mu.Unlock()

	c.loads.Add(1)
	v, found, err := loader(ctx, key)

	c.mu.Lock()
	defer c.mu.Unlock()

	kl.refs--
	if kl.refs == 0 {
		delete(c.inflight, key)
	}

	if err != nil {
		c.loadFailures.Add(1)
		return loadResult[V]{}, err
	}
	if !found {
		return loadResult[V]{}, nil
	}

	// Something put while the load ran stays authoritative.
	if resident, ok := c.lookupLocked(key); ok {
		return loadResult[V]{value: resident, found: true}, nil
	}
	if kl.gen == startGen {
		c.storeLocked(key, v)
	}
	return loadResult[V]{value: v, found: true}, nil
}

func (c *Cache[K, V]) lookupLocked(key K) (V, bool) {
	elem, ok := c.items[key]
	if !ok {
		var zero V
		return zero, false
	}

	e := elem.Value.(*entry[K, V])
	now := c.opts.Clock()
	if c.expiredLocked(e, now) {
		c.removeLocked(elem)
		c.evictions.Add(1)
		var zero V
		return zero, false
	}

	e.accessed = now
	c.lruList.MoveToFront(elem)
	return e.value, true
}

func (c *Cache[K, V]) storeLocked(key K, value V) {
	now := c.opts.Clock()
	if elem, ok := c.items[key]; ok {
		e := elem.Value.(*entry[K, V])
		e.value = value
		e.written = now
		e.accessed = now
		c.lruList.MoveToFront(elem)
		return
	}

	elem := c.lruList.PushFront(&entry[K, V]{key: key, value: value, written: now, accessed: now})
	c.items[key] = elem

	if c.opts.MaxSize > 0 && c.lruList.Len() > c.opts.MaxSize {
		c.evictOldestLocked()
	}
}

func (c *Cache[K, V]) evictOldestLocked() {
	elem := c.lruList.Back()
	if elem != nil {
		c.removeLocked(elem)
		c.evictions.Add(1)
	}
}

func (c *Cache[K, V]) removeLocked(elem *list.Element) {
	c.lruList.Remove(elem)
	delete(c.items, elem.Value.(*entry[K, V]).key)
}

func (c *Cache[K, V]) expiredLocked(e *entry[K, V], now time.Time) bool {
	if c.opts.ExpireAfterWrite > 0 && now.Sub(e.written) >= c.opts.ExpireAfterWrite {
		return true
	}
	if c.opts.ExpireAfterAccess > 0 && now.Sub(e.accessed) >= c.opts.ExpireAfterAccess {
		return true
	}
	return false
}
