package shapecache

import (
	"context"
	"sync"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/singleflight"
)

// BuildFunc produces the value for a signature on a cache miss.
type BuildFunc[V any] func(ctx context.Context) (V, error)

// Stats is a point-in-time view of cache activity.
type Stats struct {
	Hits      int64
	Misses    int64
	Builds    int64
	Errors    int64
	Evictions int64
	Entries   int
}

// entries is the eviction policy behind a Cache.
type entries[V any] interface {
	get(sig Signature) (V, bool)
	add(sig Signature, v V)
	len() int
}

// unbounded keeps every entry for the life of the cache.
type unbounded[V any] struct {
	m map[Signature]V
}

func (u *unbounded[V]) get(sig Signature) (V, bool) { v, ok := u.m[sig]; return v, ok }
func (u *unbounded[V]) add(sig Signature, v V)      { u.m[sig] = v }
func (u *unbounded[V]) len() int                    { return len(u.m) }

// bounded evicts the least recently used entry beyond a fixed size.
type bounded[V any] struct {
	l *lru.Cache[Signature, V]
}

func (b *bounded[V]) get(sig Signature) (V, bool) { return b.l.Get(sig) }
func (b *bounded[V]) add(sig Signature, v V)      { b.l.Add(sig, v) }
func (b *bounded[V]) len() int                    { return b.l.Len() }

// Cache maps signatures to values built at most once per signature while
// resident. Concurrent misses for one signature share a single build.
// Build errors are returned to every waiter and never cached. There is no
// invalidation: a signature always describes the same value.
type Cache[V any] struct {
	mu      sync.Mutex
	store   entries[V]
	flight  singleflight.Group
	metrics *metrics

	hits, misses, builds, errs, evictions atomic.Int64
}

type config struct {
	maxEntries int
	registerer prometheus.Registerer
	name       string
}

// Option configures a Cache.
type Option func(*config)

// WithMaxEntries bounds the cache to n entries with least recently used
// eviction. n <= 0 keeps the default unbounded policy.
func WithMaxEntries(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.maxEntries = n
		}
	}
}

// WithMetrics exports hit, miss, build and eviction counters labelled
// with name to reg.
func WithMetrics(reg prometheus.Registerer, name string) Option {
	return func(c *config) {
		c.registerer = reg
		c.name = name
	}
}

// New returns an empty cache.
func New[V any](opts ...Option) *Cache[V] {
	var cfg config
	for _, o := range opts {
		o(&cfg)
	}

	c := &Cache[V]{}
	if cfg.registerer != nil {
		c.metrics = newMetrics(cfg.registerer, cfg.name)
	}
	if cfg.maxEntries > 0 {
		l, err := lru.NewWithEvict[Signature, V](cfg.maxEntries, func(Signature, V) {
			c.evictions.Add(1)
			c.metrics.evicted()
		})
		if err != nil {
			// Only reachable with a non-positive size, excluded above.
			panic(err)
		}
		c.store = &bounded[V]{l: l}
	} else {
		c.store = &unbounded[V]{m: make(map[Signature]V)}
	}
	return c
}

// Get returns the cached value for sig.
func (c *Cache[V]) Get(sig Signature) (V, bool) {
	c.mu.Lock()
	v, ok := c.store.get(sig)
	c.mu.Unlock()
	return v, ok
}

// GetOrCompute returns the value for sig, calling build on a miss. If
// ctx is done while waiting on another caller's build, GetOrCompute
// returns ctx.Err() and the build continues for the remaining waiters.
func (c *Cache[V]) GetOrCompute(ctx context.Context, sig Signature, build BuildFunc[V]) (V, error) {
	if v, ok := c.Get(sig); ok {
		c.hits.Add(1)
		c.metrics.hit()
		return v, nil
	}
	c.misses.Add(1)
	c.metrics.miss()

	ch := c.flight.DoChan(string(sig), func() (any, error) {
		// Another flight may have filled the entry while we queued.
		if v, ok := c.Get(sig); ok {
			return v, nil
		}
		c.builds.Add(1)
		c.metrics.built()
		v, err := build(ctx)
		if err != nil {
			c.errs.Add(1)
			return nil, err
		}
		c.mu.Lock()
		c.store.add(sig, v)
		c.mu.Unlock()
		return v, nil
	})

	var zero V
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return zero, res.Err
		}
		return res.Val.(V), nil
	}
}

// Len returns the number of resident entries.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.store.len()
}

// Stats returns the counters accumulated since New.
func (c *Cache[V]) Stats() Stats {
	return Stats{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Builds:    c.builds.Load(),
		Errors:    c.errs.Load(),
		Evictions: c.evictions.Load(),
		Entries:   c.Len(),
	}
}
