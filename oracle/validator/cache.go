package validator

import (
	"container/list"
	"sync"
	"time"

	"github.com/NiftyLeague/ftso-feed-value-provider-sub005/oracle/types"
)

const (
	defaultCacheSize = 1000
	defaultCacheTTL  = 5 * time.Second
)

type (
	cacheKey struct {
		category types.FeedCategory
		name     string
		source   string
		unixMs   int64
	}

	cacheEntry struct {
		key      cacheKey
		result   Result
		storedAt time.Time
	}

	// resultCache is a bounded LRU over validation results. An identical
	// update revalidated within the TTL skips every tier.
	resultCache struct {
		mtx      sync.Mutex
		capacity int
		ttl      time.Duration
		order    *list.List
		entries  map[cacheKey]*list.Element
	}
)

func newResultCache(capacity int, ttl time.Duration) *resultCache {
	if capacity <= 0 {
		capacity = defaultCacheSize
	}
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	return &resultCache{
		capacity: capacity,
		ttl:      ttl,
		order:    list.New(),
		entries:  map[cacheKey]*list.Element{},
	}
}

func newCacheKey(feed types.FeedId, update types.PriceUpdate) cacheKey {
	return cacheKey{
		category: feed.Category,
		name:     feed.Name(),
		source:   update.Source,
		unixMs:   update.Time.UnixMilli(),
	}
}

func (c *resultCache) get(key cacheKey, now time.Time) (Result, bool) {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	elem, ok := c.entries[key]
	if !ok {
		return Result{}, false
	}

	entry := elem.Value.(*cacheEntry)
	if now.Sub(entry.storedAt) > c.ttl {
		c.order.Remove(elem)
		delete(c.entries, key)
		return Result{}, false
	}

	c.order.MoveToFront(elem)
	return entry.result, true
}

func (c *resultCache) put(key cacheKey, result Result, now time.Time) {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	if elem, ok := c.entries[key]; ok {
		entry := elem.Value.(*cacheEntry)
		entry.result = result
		entry.storedAt = now
		c.order.MoveToFront(elem)
		return
	}

	c.entries[key] = c.order.PushFront(&cacheEntry{
		key:      key,
		result:   result,
		storedAt: now,
	})

	for len(c.entries) > c.capacity {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*cacheEntry).key)
	}
}

func (c *resultCache) len() int {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return len(c.entries)
}
