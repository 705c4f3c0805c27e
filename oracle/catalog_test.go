package oracle

import (
	"testing"

	"github.com/NiftyLeague/ftso-feed-value-provider-sub005/oracle/provider"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub005/oracle/types"

	"github.com/stretchr/testify/require"
)

func TestCatalog_Feeds(t *testing.T) {
	catalog := testCatalog()

	feeds := catalog.Feeds()
	require.Equal(t, []types.FeedId{testBtcFeed, testEthFeed}, feeds)
}

func TestCatalog_Has(t *testing.T) {
	catalog := testCatalog()

	require.True(t, catalog.Has(testBtcFeed))
	require.False(t, catalog.Has(types.FeedId{
		Category: types.CategoryCrypto,
		Pair:     types.CurrencyPair{Base: "FOO", Quote: "BAR"},
	}))
}

func TestCatalog_Providers(t *testing.T) {
	catalog := testCatalog()

	names := catalog.Providers()
	require.Equal(t, []provider.Name{"binance", "coinbase", "kraken"}, names)
}

func TestCatalog_PairsFor(t *testing.T) {
	catalog := testCatalog()

	t.Run("covers_every_feed_once", func(t *testing.T) {
		pairs := catalog.PairsFor("binance")
		require.Equal(t, []types.CurrencyPair{
			{Base: "BTC", Quote: "USD"},
			{Base: "ETH", Quote: "USD"},
		}, pairs)
	})

	t.Run("deduplicates_shared_pairs", func(t *testing.T) {
		ltcFeed := types.FeedId{
			Category: types.CategoryCrypto,
			Pair:     types.CurrencyPair{Base: "LTC", Quote: "USD"},
		}
		catalog[ltcFeed] = []FeedSource{
			{Provider: "kraken", Pair: types.CurrencyPair{Base: "BTC", Quote: "USD"}},
		}
		require.Len(t, catalog.PairsFor("kraken"), 1)
	})

	t.Run("unreferenced_provider_is_empty", func(t *testing.T) {
		require.Empty(t, catalog.PairsFor("okx"))
	})
}

func TestCatalog_PrimariesAndBackups(t *testing.T) {
	catalog := testCatalog()

	primaries := catalog.Primaries(testBtcFeed)
	require.Len(t, primaries, 2)
	require.Equal(t, provider.Name("binance"), primaries[0].Provider)
	require.Equal(t, provider.Name("coinbase"), primaries[1].Provider)

	backups := catalog.Backups(testBtcFeed)
	require.Len(t, backups, 1)
	require.Equal(t, provider.Name("kraken"), backups[0].Provider)
	require.True(t, backups[0].Backup)
}
