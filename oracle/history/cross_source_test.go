package history

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCrossSourceWindow_Peers(t *testing.T) {
	now := time.Now()
	w := NewCrossSourceWindow(10 * time.Second)

	w.Record("BTCUSD", "binance", 60000, now)
	w.Record("BTCUSD", "kraken", 60010, now.Add(-2*time.Second))
	w.Record("BTCUSD", "coinbase", 60020, now.Add(-15*time.Second))
	w.Record("ETHUSD", "binance", 3000, now)

	t.Run("excludes_requesting_source", func(t *testing.T) {
		peers := w.Peers("BTCUSD", "binance", now)
		require.Len(t, peers, 1)
		require.Equal(t, "kraken", peers[0].Source)
	})

	t.Run("drops_expired_quotes", func(t *testing.T) {
		peers := w.Peers("BTCUSD", "", now)
		require.Len(t, peers, 2)
		for _, peer := range peers {
			require.NotEqual(t, "coinbase", peer.Source)
		}
	})

	t.Run("unknown_symbol", func(t *testing.T) {
		require.Nil(t, w.Peers("SOLUSD", "", now))
	})

	t.Run("newer_quote_replaces_older", func(t *testing.T) {
		w.Record("BTCUSD", "kraken", 60050, now)
		peers := w.Peers("BTCUSD", "binance", now)
		require.Len(t, peers, 1)
		require.Equal(t, float64(60050), peers[0].Price)
	})

	t.Run("stale_record_does_not_replace_newer", func(t *testing.T) {
		w.Record("BTCUSD", "kraken", 59000, now.Add(-5*time.Second))
		peers := w.Peers("BTCUSD", "binance", now)
		require.Len(t, peers, 1)
		require.Equal(t, float64(60050), peers[0].Price)
	})
}

func TestCrossSourceWindow_Sweep(t *testing.T) {
	now := time.Now()
	w := NewCrossSourceWindow(10 * time.Second)

	w.Record("BTCUSD", "binance", 60000, now.Add(-20*time.Second))
	w.Record("BTCUSD", "kraken", 60010, now)
	w.Record("ETHUSD", "binance", 3000, now.Add(-30*time.Second))

	w.Sweep(now)

	require.Len(t, w.quotes, 1)
	require.Len(t, w.quotes["BTCUSD"], 1)
	_, ok := w.quotes["ETHUSD"]
	require.False(t, ok)
}
