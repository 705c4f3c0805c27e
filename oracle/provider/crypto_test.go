package provider

import (
	"context"
	"testing"

	"github.com/NiftyLeague/ftso-feed-value-provider-sub005/oracle/types"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func newTestCryptoProvider(t *testing.T, pairs ...types.CurrencyPair) *CryptoProvider {
	t.Helper()
	p := &CryptoProvider{}
	p.Init(
		context.Background(),
		Endpoint{Name: ProviderCrypto, Urls: []string{""}},
		zerolog.Nop(),
		pairs,
		nil,
		nil,
	)
	require.NoError(t, p.setPairs(pairs, nil, currencyPairToCryptoSymbol))
	return p
}

func TestCryptoProvider_GetTickerPrices(t *testing.T) {
	p := newTestCryptoProvider(t, testAtomUsdtCurrencyPair)

	t.Run("valid_request_single_ticker", func(t *testing.T) {
		p.tickers = map[string]types.TickerPrice{
			"ATOM_USDT": testAtomTicker,
		}

		prices, err := p.GetTickerPrices(testAtomUsdtCurrencyPair)
		require.NoError(t, err)
		require.Len(t, prices, 1)
		require.Equal(t, testAtomPriceDec, prices["ATOMUSDT"].Price)
	})

	t.Run("invalid_request_invalid_ticker", func(t *testing.T) {
		prices, err := p.GetTickerPrices(testFooBarCurrencyPair)
		require.EqualError(t, err, "crypto failed to get ticker price for FOOBAR: ticker not found")
		require.Nil(t, prices)
	})
}

func TestCurrencyPairToCryptoSymbol(t *testing.T) {
	require.Equal(t, "ATOM_USDT", currencyPairToCryptoSymbol(testAtomUsdtCurrencyPair))
}
