// Package cache maps (record type, domain) keys to resolved queries and
// dispatches misses to a query processor.
package cache

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/sync/singleflight"

	"sigdns/internal/obs"
	"sigdns/internal/processor"
	"sigdns/internal/query"
	"sigdns/internal/record"
)

// Dispatcher resolves queries on behalf of a cache. *processor.Processor
// implements it.
type Dispatcher interface {
	BeginQuery(q *query.Query)
	InFlight() int64
	AddNamedServer(address string, udpPort, tcpPort uint16) error
	RemoveNamedServer(address string) bool
	ApplyNamedServers() error
	NamedServers() []processor.NamedServer
	Stop(ctx context.Context) error
}

// Cache is safe for concurrent use. Entries are replaced, never mutated, so
// a reader holding a *query.Query keeps a consistent view after the entry
// is refreshed.
type Cache struct {
	id       int
	proc     Dispatcher
	logger   *slog.Logger
	clock    clock.Clock
	metrics  *obs.Metrics
	coalesce bool
	group    singleflight.Group

	mu      sync.RWMutex
	entries map[query.Key]*query.Query

	newQueries atomic.Int64
}

type Option func(*Cache)

func WithClock(c clock.Clock) Option {
	return func(cc *Cache) {
		if c != nil {
			cc.clock = c
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Cache) {
		if l != nil {
			c.logger = l
		}
	}
}

func WithMetrics(m *obs.Metrics) Option {
	return func(c *Cache) {
		c.metrics = m
	}
}

// WithCoalescing makes concurrent synchronous misses on the same key share
// one resolution.
func WithCoalescing(enabled bool) Option {
	return func(c *Cache) {
		c.coalesce = enabled
	}
}

func New(id int, proc Dispatcher, opts ...Option) *Cache {
	c := &Cache{
		id:      id,
		proc:    proc,
		logger:  slog.Default(),
		clock:   clock.New(),
		entries: make(map[query.Key]*query.Query),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Cache) ID() int { return c.id }

// Query returns the cached query for (t, domain) if it is present and not
// expired. Otherwise it resolves the key, waits for completion and stores
// the result. If ctx ends first the resolution still lands in the cache.
func (c *Cache) Query(ctx context.Context, t record.Type, domain string, ignoreCache bool) (*query.Query, bool, error) {
	key := query.Key{Type: t, Domain: domain}
	if ignoreCache {
		c.metrics.CacheBypass()
		q, err := c.resolve(ctx, key, true)
		return q, false, err
	}

	if q, ok := c.lookupFresh(key); ok {
		c.metrics.CacheHit()
		return q, true, nil
	}
	c.metrics.CacheMiss()
	c.newQueries.Add(1)

	if !c.coalesce {
		q, err := c.resolve(ctx, key, false)
		return q, false, err
	}
	v, err, _ := c.group.Do(key.String(), func() (any, error) {
		return c.resolve(ctx, key, false)
	})
	if err != nil {
		return nil, false, err
	}
	return v.(*query.Query), false, nil
}

func (c *Cache) resolve(ctx context.Context, key query.Key, ignoreCache bool) (*query.Query, error) {
	q := query.NewWaiting(key.Type, key.Domain, ignoreCache)
	c.proc.BeginQuery(q)
	if err := q.Wait(ctx); err != nil {
		go func() {
			_ = q.Wait(context.Background())
			c.UpdateCache(q)
		}()
		return nil, err
	}
	c.UpdateCache(q)
	return q, nil
}

// QueryAsync is the callback form of Query. On a hit cb runs on the calling
// goroutine with cacheHit set. On a miss it runs on the processor goroutine
// after the cache has been updated.
func (c *Cache) QueryAsync(t record.Type, domain string, cb query.Callback, data any, ignoreCache bool) {
	key := query.Key{Type: t, Domain: domain}
	if ignoreCache {
		c.metrics.CacheBypass()
	} else {
		if q, ok := c.lookupFresh(key); ok {
			c.metrics.CacheHit()
			if cb != nil {
				cb(q, true, data)
			}
			return
		}
		c.metrics.CacheMiss()
		c.newQueries.Add(1)
	}

	q := query.NewCallback(t, domain, func(q *query.Query, cacheHit bool, data any) {
		c.UpdateCache(q)
		if cb != nil {
			cb(q, cacheHit, data)
		}
	}, data, ignoreCache)
	c.proc.BeginQuery(q)
}

func (c *Cache) lookupFresh(key query.Key) (*query.Query, bool) {
	c.mu.RLock()
	q, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok || q.Expired(c.clock.Now()) {
		return nil, false
	}
	return q, true
}

// UpdateCache inserts q or replaces the entry under its key.
func (c *Cache) UpdateCache(q *query.Query) {
	c.mu.Lock()
	_, existed := c.entries[q.Key()]
	c.entries[q.Key()] = q
	c.mu.Unlock()

	if !existed {
		c.metrics.CacheEntries(1)
	}
	if q.Failed() {
		c.logger.Debug("cached failed query", "query", q.Key().String(), "error", q.ErrorMessage())
	}
}

// LookupQuery returns the stored entry, expired or not, without resolving.
func (c *Cache) LookupQuery(t record.Type, domain string) *query.Query {
	return c.LookupKey(query.Key{Type: t, Domain: domain})
}

func (c *Cache) LookupKey(key query.Key) *query.Query {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.entries[key]
}

// IdentifyExpired returns the keys whose remaining lifetime is at most
// percent of their TTL window, plus every failed entry. Permanent entries
// are never selected. percent is clamped to 0..100.
func (c *Cache) IdentifyExpired(percent int) []query.Key {
	percent = min(max(percent, 0), 100)
	now := c.clock.Now()

	c.mu.RLock()
	var keys []query.Key
	for key, q := range c.entries {
		if q.Failed() {
			keys = append(keys, key)
			continue
		}
		if q.Permanent() {
			continue
		}
		window := time.Duration(q.TTL()) * time.Second
		// window is whole seconds, so window/100 is exact.
		if q.Remaining(now) <= window/100*time.Duration(percent) {
			keys = append(keys, key)
		}
	}
	c.mu.RUnlock()

	slices.SortFunc(keys, query.Key.Compare)
	return keys
}

// CacheKeys returns every key in order.
func (c *Cache) CacheKeys() []query.Key {
	c.mu.RLock()
	keys := make([]query.Key, 0, len(c.entries))
	for key := range c.entries {
		keys = append(keys, key)
	}
	c.mu.RUnlock()

	slices.SortFunc(keys, query.Key.Compare)
	return keys
}

func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// ResetNewQueryCount returns the number of miss-triggered resolutions since
// the previous call and starts counting from zero.
func (c *Cache) ResetNewQueryCount() int64 {
	return c.newQueries.Swap(0)
}

func (c *Cache) InFlight() int64 { return c.proc.InFlight() }

func (c *Cache) AddNamedServer(address string, udpPort, tcpPort uint16) error {
	return c.proc.AddNamedServer(address, udpPort, tcpPort)
}

func (c *Cache) RemoveNamedServer(address string) bool {
	return c.proc.RemoveNamedServer(address)
}

func (c *Cache) ApplyNamedServers() error {
	return c.proc.ApplyNamedServers()
}

func (c *Cache) NamedServers() []processor.NamedServer {
	return c.proc.NamedServers()
}

// Close drains the processor behind the cache.
func (c *Cache) Close(ctx context.Context) error {
	return c.proc.Stop(ctx)
}
