package validator

import (
	"fmt"
	"testing"
	"time"

	"github.com/NiftyLeague/ftso-feed-value-provider-sub005/oracle/types"

	"github.com/stretchr/testify/require"
)

func testCacheKey(source string, unixMs int64) cacheKey {
	return cacheKey{
		category: types.CategoryCrypto,
		name:     "BTC/USD",
		source:   source,
		unixMs:   unixMs,
	}
}

func TestResultCache_PutGet(t *testing.T) {
	c := newResultCache(10, time.Second)
	now := time.Now()
	key := testCacheKey("binance", 1000)

	_, ok := c.get(key, now)
	require.False(t, ok)

	c.put(key, Result{Valid: true, Confidence: 0.9}, now)

	res, ok := c.get(key, now)
	require.True(t, ok)
	require.True(t, res.Valid)
	require.InDelta(t, 0.9, res.Confidence, 1e-9)
}

func TestResultCache_TTLExpiry(t *testing.T) {
	c := newResultCache(10, time.Second)
	now := time.Now()
	key := testCacheKey("binance", 1000)

	c.put(key, Result{Valid: true}, now)

	_, ok := c.get(key, now.Add(500*time.Millisecond))
	require.True(t, ok)

	_, ok = c.get(key, now.Add(2*time.Second))
	require.False(t, ok)
	require.Equal(t, 0, c.len())
}

func TestResultCache_LRUEviction(t *testing.T) {
	c := newResultCache(3, time.Minute)
	now := time.Now()

	for i := 0; i < 3; i++ {
		c.put(testCacheKey(fmt.Sprintf("source-%d", i), 1000), Result{}, now)
	}

	// touch source-0 so source-1 becomes the eviction candidate
	_, ok := c.get(testCacheKey("source-0", 1000), now)
	require.True(t, ok)

	c.put(testCacheKey("source-3", 1000), Result{}, now)
	require.Equal(t, 3, c.len())

	_, ok = c.get(testCacheKey("source-1", 1000), now)
	require.False(t, ok)
	_, ok = c.get(testCacheKey("source-0", 1000), now)
	require.True(t, ok)
}

func TestResultCache_UpdateExistingKey(t *testing.T) {
	c := newResultCache(10, time.Minute)
	now := time.Now()
	key := testCacheKey("binance", 1000)

	c.put(key, Result{Confidence: 0.5}, now)
	c.put(key, Result{Confidence: 0.7}, now.Add(time.Second))
	require.Equal(t, 1, c.len())

	res, ok := c.get(key, now.Add(2*time.Second))
	require.True(t, ok)
	require.InDelta(t, 0.7, res.Confidence, 1e-9)
}
