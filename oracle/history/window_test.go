package history

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWindow_RecordAndStats(t *testing.T) {
	w := NewWindow(5)
	now := time.Now()

	t.Run("empty_series", func(t *testing.T) {
		_, ok := w.Stats("1:BTC/USD")
		require.False(t, ok)
	})

	t.Run("mean_and_stddev", func(t *testing.T) {
		for i, price := range []float64{10, 12, 14} {
			w.Record("1:BTC/USD", price, now.Add(time.Duration(i)*time.Second))
		}

		stats, ok := w.Stats("1:BTC/USD")
		require.True(t, ok)
		require.Equal(t, 3, stats.Count)
		require.InDelta(t, 12, stats.Mean, 1e-9)
		require.InDelta(t, 1.632993, stats.StdDev, 1e-6)
		require.InDelta(t, 12, stats.RecentMean, 1e-9)
	})

	t.Run("capacity_drops_oldest", func(t *testing.T) {
		w := NewWindow(3)
		for _, price := range []float64{1, 2, 3, 4} {
			w.Record("1:ETH/USD", price, now)
		}

		stats, ok := w.Stats("1:ETH/USD")
		require.True(t, ok)
		require.Equal(t, 3, stats.Count)
		require.InDelta(t, 3, stats.Mean, 1e-9)
	})

	t.Run("recent_mean_uses_newest_five", func(t *testing.T) {
		w := NewWindow(10)
		for _, price := range []float64{100, 100, 100, 10, 10, 10, 10, 10} {
			w.Record("1:SOL/USD", price, now)
		}

		stats, ok := w.Stats("1:SOL/USD")
		require.True(t, ok)
		require.InDelta(t, 10, stats.RecentMean, 1e-9)
	})

	t.Run("rejects_unusable_prices", func(t *testing.T) {
		w := NewWindow(5)
		w.Record("1:BTC/USD", 0, now)
		w.Record("1:BTC/USD", -1, now)

		require.Equal(t, 0, w.Len("1:BTC/USD"))
	})

	t.Run("series_are_independent", func(t *testing.T) {
		require.Equal(t, 0, w.Len("1:DOGE/USD"))
	})
}

func TestStats_ZScore(t *testing.T) {
	t.Run("too_few_samples", func(t *testing.T) {
		_, ok := Stats{Count: 2, Mean: 10, StdDev: 1}.ZScore(12)
		require.False(t, ok)
	})

	t.Run("flat_series", func(t *testing.T) {
		_, ok := Stats{Count: 10, Mean: 10, StdDev: 0}.ZScore(12)
		require.False(t, ok)
	})

	t.Run("score", func(t *testing.T) {
		z, ok := Stats{Count: 10, Mean: 10, StdDev: 2}.ZScore(15)
		require.True(t, ok)
		require.InDelta(t, 2.5, z, 1e-9)
	})
}
