package fetch

import (
	"context"
	"sync"
	"time"

	"github.com/golang/groupcache/lru"

	"harvestd/models"
	"harvestd/telemetry"
)

// Cache is a bounded LRU of ok results with a per-entry TTL. One cache
// belongs to one run and is dropped with it.
type Cache struct {
	mu  sync.Mutex
	lru *lru.Cache
	ttl time.Duration
	now func() time.Time
}

type cacheEntry struct {
	res     *Result
	expires time.Time
}

func NewCache(maxEntries int, ttl time.Duration) *Cache {
	if maxEntries <= 0 {
		maxEntries = 64
	}
	return &Cache{lru: lru.New(maxEntries), ttl: ttl, now: time.Now}
}

func (c *Cache) Get(key string) (*Result, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.lru.Get(key)
	if !ok {
		return nil, false
	}
	entry := v.(cacheEntry)
	if c.ttl > 0 && !c.now().Before(entry.expires) {
		c.lru.Remove(key)
		return nil, false
	}
	return entry.res, true
}

// Put stores res; anything other than an ok result is ignored.
func (c *Cache) Put(key string, res *Result) {
	if res == nil || res.Outcome != models.OutcomeOK {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Add(key, cacheEntry{res: res, expires: c.now().Add(c.ttl)})
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

type cachingFetcher struct {
	next  Fetcher
	cache *Cache
}

// WithCache serves repeated URLs from cache.
func WithCache(next Fetcher, cache *Cache) Fetcher {
	return &cachingFetcher{next: next, cache: cache}
}

func (f *cachingFetcher) Fetch(ctx context.Context, req Request) *Result {
	if res, ok := f.cache.Get(req.URL); ok {
		telemetry.FetchCacheHits.Inc()
		hit := *res
		hit.Cached = true
		hit.Elapsed = 0
		return &hit
	}
	res := f.next.Fetch(ctx, req)
	f.cache.Put(req.URL, res)
	return res
}
