package provider

import (
	"context"
	"testing"
	"time"

	"github.com/NiftyLeague/ftso-feed-value-provider-sub005/oracle/types"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func newTestMockProvider(t *testing.T, pairs ...types.CurrencyPair) *MockProvider {
	t.Helper()
	p := &MockProvider{}
	p.Init(
		context.Background(),
		Endpoint{Name: ProviderMock, Urls: []string{""}},
		zerolog.Nop(),
		pairs,
		nil,
		nil,
	)
	require.NoError(t, p.setPairs(pairs, nil, nil))
	return p
}

func TestMockProvider_Poll(t *testing.T) {
	p := newTestMockProvider(t, testBtcUsdCurrencyPair, testFooBarCurrencyPair)
	require.NoError(t, p.Poll())

	prices, err := p.GetTickerPrices(testBtcUsdCurrencyPair, testFooBarCurrencyPair)
	require.NoError(t, err)
	require.Len(t, prices, 2)

	btc := prices["BTCUSD"].Price.MustFloat64()
	require.InEpsilon(t, 60000, btc, 0.0011)

	// unknown bases drift around the fallback reference
	foo := prices["FOOBAR"].Price.MustFloat64()
	require.InEpsilon(t, 100, foo, 0.0011)
}

func TestMockProvider_FetchTickerREST(t *testing.T) {
	p := newTestMockProvider(t, testBtcUsdCurrencyPair)

	update, err := p.FetchTickerREST(context.Background(), testBtcUsdCurrencyPair)
	require.NoError(t, err)
	require.Equal(t, "mock", update.Source)
	require.Equal(t, testBtcUsdCurrencyPair, update.Pair)
	require.True(t, update.Price.IsPositive())
	require.Greater(t, update.Confidence, 0.5)
}

func TestMockPrice(t *testing.T) {
	t.Run("reference_at_cycle_start", func(t *testing.T) {
		require.Equal(t, float64(60000), mockPrice("BTC", time.UnixMilli(60000)))
	})

	t.Run("stays_within_band", func(t *testing.T) {
		for ms := int64(0); ms < 60000; ms += 5000 {
			price := mockPrice("ETH", time.UnixMilli(ms))
			require.InEpsilon(t, 3000, price, 0.0011)
		}
	})

	t.Run("unknown_base_uses_fallback", func(t *testing.T) {
		require.Equal(t, float64(100), mockPrice("ZZZ", time.UnixMilli(0)))
	})
}
