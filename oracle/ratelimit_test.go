package oracle

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWarnLimiter(t *testing.T) {
	t.Run("first_warning_passes_repeat_is_throttled", func(t *testing.T) {
		w := newWarnLimiter(time.Minute)

		require.True(t, w.Allow("binance", "BTC/USD"))
		require.False(t, w.Allow("binance", "BTC/USD"))
		require.False(t, w.Allow("binance", "BTC/USD"))
	})

	t.Run("buckets_are_independent", func(t *testing.T) {
		w := newWarnLimiter(time.Minute)

		require.True(t, w.Allow("binance", "BTC/USD"))
		require.True(t, w.Allow("binance", "ETH/USD"))
		require.True(t, w.Allow("coinbase", "BTC/USD"))
		require.False(t, w.Allow("binance", "BTC/USD"))
	})

	t.Run("token_refills_after_interval", func(t *testing.T) {
		w := newWarnLimiter(10 * time.Millisecond)

		require.True(t, w.Allow("kraken", "BTC/USD"))
		require.False(t, w.Allow("kraken", "BTC/USD"))

		require.Eventually(t, func() bool {
			return w.Allow("kraken", "BTC/USD")
		}, time.Second, time.Millisecond)
	})
}
