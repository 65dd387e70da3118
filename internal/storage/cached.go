package storage

import (
	"container/list"
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

// CacheMetrics holds cache statistics.
type CacheMetrics struct {
	Hits      atomic.Int64
	Misses    atomic.Int64
	Evictions atomic.Int64
	SizeBytes atomic.Int64
}

// CachedBackend wraps a Backend with an in-memory LRU for reads. Segment
// objects are immutable, so cached bytes never go stale; deletes and puts
// still invalidate every range cached for the path.
type CachedBackend struct {
	Backend

	maxBytes int64
	metrics  CacheMetrics

	mu      sync.Mutex
	lru     *list.List
	entries map[cacheKey]*list.Element
	byPath  map[string]map[cacheKey]struct{}
	size    int64
}

type cacheKey struct {
	path   string
	offset int64
	length int64 // -1 for a whole object
}

type cacheEntry struct {
	key  cacheKey
	data []byte
}

// NewCachedBackend caches up to maxBytes of reads from inner.
func NewCachedBackend(inner Backend, maxBytes int64) (*CachedBackend, error) {
	if maxBytes <= 0 {
		return nil, fmt.Errorf("storage: cache size must be positive, got %d", maxBytes)
	}
	return &CachedBackend{
		Backend:  inner,
		maxBytes: maxBytes,
		lru:      list.New(),
		entries:  make(map[cacheKey]*list.Element),
		byPath:   make(map[string]map[cacheKey]struct{}),
	}, nil
}

// Metrics returns hits, misses, evictions and resident bytes.
func (c *CachedBackend) Metrics() (hits, misses, evictions, size int64) {
	return c.metrics.Hits.Load(), c.metrics.Misses.Load(), c.metrics.Evictions.Load(), c.metrics.SizeBytes.Load()
}

// GetRange serves from cache when possible.
func (c *CachedBackend) GetRange(ctx context.Context, path string, offset, length int64) ([]byte, error) {
	key := cacheKey{path: path, offset: offset, length: length}
	if data, ok := c.lookup(key); ok {
		return data, nil
	}
	data, err := c.Backend.GetRange(ctx, path, offset, length)
	if err != nil {
		return nil, err
	}
	c.insert(key, data)
	return data, nil
}

// GetObject serves from cache when possible.
func (c *CachedBackend) GetObject(ctx context.Context, path string) ([]byte, error) {
	key := cacheKey{path: path, offset: 0, length: -1}
	if data, ok := c.lookup(key); ok {
		return data, nil
	}
	data, err := c.Backend.GetObject(ctx, path)
	if err != nil {
		return nil, err
	}
	c.insert(key, data)
	return data, nil
}

// PutObject writes through and invalidates the path.
func (c *CachedBackend) PutObject(ctx context.Context, path string, data []byte) error {
	c.invalidate(path)
	return c.Backend.PutObject(ctx, path, data)
}

// DeleteObject deletes and invalidates the path.
func (c *CachedBackend) DeleteObject(ctx context.Context, path string) error {
	c.invalidate(path)
	return c.Backend.DeleteObject(ctx, path)
}

func (c *CachedBackend) lookup(key cacheKey) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.entries[key]
	if !ok {
		c.metrics.Misses.Add(1)
		return nil, false
	}
	c.lru.MoveToFront(el)
	c.metrics.Hits.Add(1)
	return el.Value.(*cacheEntry).data, true
}

func (c *CachedBackend) insert(key cacheKey, data []byte) {
	n := int64(len(data))
	if n > c.maxBytes {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[key]; ok {
		return
	}
	for c.size+n > c.maxBytes && c.lru.Len() > 0 {
		c.removeLocked(c.lru.Back())
		c.metrics.Evictions.Add(1)
	}
	c.entries[key] = c.lru.PushFront(&cacheEntry{key: key, data: data})
	keys := c.byPath[key.path]
	if keys == nil {
		keys = make(map[cacheKey]struct{})
		c.byPath[key.path] = keys
	}
	keys[key] = struct{}{}
	c.size += n
	c.metrics.SizeBytes.Store(c.size)
}

func (c *CachedBackend) invalidate(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key := range c.byPath[path] {
		if el, ok := c.entries[key]; ok {
			c.removeLocked(el)
		}
	}
}

func (c *CachedBackend) removeLocked(el *list.Element) {
	e := c.lru.Remove(el).(*cacheEntry)
	delete(c.entries, e.key)
	if keys := c.byPath[e.key.path]; keys != nil {
		delete(keys, e.key)
		if len(keys) == 0 {
			delete(c.byPath, e.key.path)
		}
	}
	c.size -= int64(len(e.data))
	c.metrics.SizeBytes.Store(c.size)
}
