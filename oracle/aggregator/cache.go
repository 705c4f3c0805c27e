package aggregator

import (
	"fmt"
	"hash/fnv"
	"math"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/NiftyLeague/ftso-feed-value-provider-sub005/oracle/types"
)

const defaultCacheTTL = 300 * time.Millisecond

type (
	cacheEntry struct {
		result    types.AggregatedPrice
		storedAt  time.Time
		inputHash uint64
	}

	// resultCache deduplicates aggregations within a very short TTL. A hit
	// additionally requires the input hash to match so a new tick always
	// recomputes, even inside the TTL.
	resultCache struct {
		mtx     sync.Mutex
		ttl     time.Duration
		entries map[string]cacheEntry
	}
)

func newResultCache(ttl time.Duration) *resultCache {
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	return &resultCache{
		ttl:     ttl,
		entries: map[string]cacheEntry{},
	}
}

func (c *resultCache) get(key string, hash uint64, now time.Time) (types.AggregatedPrice, bool) {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	entry, ok := c.entries[key]
	if !ok || now.Sub(entry.storedAt) > c.ttl || entry.inputHash != hash {
		return types.AggregatedPrice{}, false
	}
	return entry.result, true
}

func (c *resultCache) put(key string, result types.AggregatedPrice, hash uint64, now time.Time) {
	c.mtx.Lock()
	c.entries[key] = cacheEntry{result: result, storedAt: now, inputHash: hash}
	c.mtx.Unlock()

	if rand.Intn(10) == 0 {
		c.sweep(now)
	}
}

// sweep drops entries past twice the TTL.
func (c *resultCache) sweep(now time.Time) {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	for key, entry := range c.entries {
		if now.Sub(entry.storedAt) > 2*c.ttl {
			delete(c.entries, key)
		}
	}
}

func (c *resultCache) len() int {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return len(c.entries)
}

// inputHash builds a stable fingerprint of the update multiset. Prices are
// rounded to cents and timestamps to seconds so jitter below those grains
// still hits the cache.
func inputHash(updates []types.PriceUpdate) uint64 {
	parts := make([]string, 0, len(updates))
	for _, update := range updates {
		price, err := update.Price.Float64()
		if err != nil {
			price = 0
		}
		parts = append(parts, fmt.Sprintf(
			"%s|%d|%d",
			update.Source,
			int64(math.Round(price*100)),
			update.Time.UnixMilli()/1000,
		))
	}
	sort.Strings(parts)

	h := fnv.New64a()
	for _, part := range parts {
		_, _ = h.Write([]byte(part))
		_, _ = h.Write([]byte{0})
	}
	return h.Sum64()
}
