package provider

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/NiftyLeague/ftso-feed-value-provider-sub005/oracle/types"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func newTestBinanceProvider(t *testing.T, pairs ...types.CurrencyPair) *BinanceProvider {
	t.Helper()
	p := &BinanceProvider{}
	p.Init(
		context.Background(),
		Endpoint{Name: ProviderBinance, Urls: []string{""}},
		zerolog.Nop(),
		pairs,
		p.messageReceived,
		p.subscriptionMsgs,
	)
	require.NoError(t, p.setPairs(pairs, nil, currencyPairToBinanceSymbol))
	return p
}

func TestBinanceProvider_GetTickerPrices(t *testing.T) {
	p := newTestBinanceProvider(t, testAtomUsdtCurrencyPair, testBtcUsdtCurrencyPair)

	t.Run("valid_request_single_ticker", func(t *testing.T) {
		p.tickers = map[string]types.TickerPrice{
			"ATOMUSDT": testAtomTicker,
		}

		prices, err := p.GetTickerPrices(testAtomUsdtCurrencyPair)
		require.NoError(t, err)
		require.Len(t, prices, 1)
		require.Equal(t, testAtomPriceDec, prices["ATOMUSDT"].Price)
		require.Equal(t, testAtomVolumeDec, prices["ATOMUSDT"].Volume)
	})

	t.Run("valid_request_multi_ticker", func(t *testing.T) {
		p.tickers = map[string]types.TickerPrice{
			"ATOMUSDT": testAtomTicker,
			"BTCUSDT":  testBtcTicker,
		}

		prices, err := p.GetTickerPrices(
			testAtomUsdtCurrencyPair,
			testBtcUsdtCurrencyPair,
		)

		require.NoError(t, err)
		require.Len(t, prices, 2)
		require.Equal(t, testBtcPriceDec, prices["BTCUSDT"].Price)
		require.Equal(t, testBtcVolumeDec, prices["BTCUSDT"].Volume)
		require.Equal(t, testAtomPriceDec, prices["ATOMUSDT"].Price)
		require.Equal(t, testAtomVolumeDec, prices["ATOMUSDT"].Volume)
	})

	t.Run("invalid_request_invalid_ticker", func(t *testing.T) {
		prices, err := p.GetTickerPrices(testFooBarCurrencyPair)
		require.EqualError(t, err, "binance failed to get ticker price for FOOBAR: ticker not found")
		require.Nil(t, prices)
	})
}

func TestBinanceProvider_MessageReceived(t *testing.T) {
	p := newTestBinanceProvider(t, testAtomUsdtCurrencyPair)

	t.Run("ticker_frame_updates_price", func(t *testing.T) {
		p.messageReceived(1, []byte(`{"s":"ATOMUSDT","c":"12.3456","v":"7654321.98765","b":"12.34","a":"12.35","C":1675246930699}`))

		prices, err := p.GetTickerPrices(testAtomUsdtCurrencyPair)
		require.NoError(t, err)
		require.Equal(t, testAtomPriceDec, prices["ATOMUSDT"].Price)
	})

	t.Run("unsubscribed_symbol_is_dropped", func(t *testing.T) {
		p.messageReceived(1, []byte(`{"s":"FOOBAR","c":"1.0","v":"1.0","C":1675246930699}`))

		_, err := p.GetTickerPrices(testFooBarCurrencyPair)
		require.Error(t, err)
	})

	t.Run("subscription_ack_is_ignored", func(t *testing.T) {
		p.messageReceived(1, []byte(`{"result":null,"id":1}`))
	})

	t.Run("malformed_frame_is_dropped", func(t *testing.T) {
		p.messageReceived(1, []byte(`{"s":`))
	})
}

func TestBinanceProvider_GetSubscriptionMsgs(t *testing.T) {
	p := &BinanceProvider{}
	cps := []types.CurrencyPair{
		testBtcUsdtCurrencyPair,
		testAtomUsdtCurrencyPair,
	}

	subMsgs := p.subscriptionMsgs(cps...)

	msg, _ := json.Marshal(subMsgs[0])
	require.Equal(t, `{"method":"SUBSCRIBE","params":["btcusdt@ticker","atomusdt@ticker"],"id":1}`, string(msg))
}

func TestCurrencyPairToBinanceSymbol(t *testing.T) {
	require.Equal(t, "ATOMUSDT", currencyPairToBinanceSymbol(testAtomUsdtCurrencyPair))
}
