package provider

import (
	"context"
	"testing"

	"github.com/NiftyLeague/ftso-feed-value-provider-sub005/oracle/types"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func newTestCcxtProvider(t *testing.T, exchange string, pairs ...types.CurrencyPair) *CcxtProvider {
	t.Helper()
	p := &CcxtProvider{exchange: exchange}
	p.Init(
		context.Background(),
		Endpoint{Name: Name("ccxt." + exchange), Urls: []string{""}},
		zerolog.Nop(),
		pairs,
		nil,
		nil,
	)
	require.NoError(t, p.setPairs(pairs, nil, currencyPairToCcxtSymbol))
	return p
}

func TestNewCcxtProvider_NameValidation(t *testing.T) {
	t.Run("missing_prefix", func(t *testing.T) {
		_, err := NewCcxtProvider(
			context.Background(),
			zerolog.Nop(),
			Endpoint{Name: "kucoin"},
		)
		require.EqualError(t, err, "invalid ccxt provider name: kucoin")
	})

	t.Run("empty_exchange", func(t *testing.T) {
		_, err := NewCcxtProvider(
			context.Background(),
			zerolog.Nop(),
			Endpoint{Name: "ccxt."},
		)
		require.EqualError(t, err, "invalid ccxt provider name: ccxt.")
	})
}

func TestCcxtProvider_GetTickerPrices(t *testing.T) {
	p := newTestCcxtProvider(t, "kucoin", testAtomUsdtCurrencyPair)

	t.Run("valid_request_single_ticker", func(t *testing.T) {
		p.tickers = map[string]types.TickerPrice{
			"ATOM/USDT": testAtomTicker,
		}

		prices, err := p.GetTickerPrices(testAtomUsdtCurrencyPair)
		require.NoError(t, err)
		require.Len(t, prices, 1)
		require.Equal(t, testAtomPriceDec, prices["ATOMUSDT"].Price)
	})

	t.Run("invalid_request_invalid_ticker", func(t *testing.T) {
		prices, err := p.GetTickerPrices(testFooBarCurrencyPair)
		require.EqualError(t, err, "ccxt.kucoin failed to get ticker price for FOOBAR: ticker not found")
		require.Nil(t, prices)
	})
}

func TestCurrencyPairToCcxtSymbol(t *testing.T) {
	require.Equal(t, "ATOM/USDT", currencyPairToCcxtSymbol(testAtomUsdtCurrencyPair))
}
