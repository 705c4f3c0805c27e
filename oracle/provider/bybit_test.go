package provider

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/NiftyLeague/ftso-feed-value-provider-sub005/oracle/types"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func newTestBybitProvider(t *testing.T, pairs ...types.CurrencyPair) *BybitProvider {
	t.Helper()
	p := &BybitProvider{}
	p.Init(
		context.Background(),
		Endpoint{Name: ProviderBybit, Urls: []string{""}},
		zerolog.Nop(),
		pairs,
		p.messageReceived,
		p.subscriptionMsgs,
	)
	require.NoError(t, p.setPairs(pairs, nil, currencyPairToBybitSymbol))
	return p
}

func TestBybitProvider_GetTickerPrices(t *testing.T) {
	p := newTestBybitProvider(t, testAtomUsdtCurrencyPair, testBtcUsdtCurrencyPair)

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
		require.Equal(t, testAtomVolumeDec, prices["ATOMUSDT"].Volume)
	})

	t.Run("invalid_request_invalid_ticker", func(t *testing.T) {
		prices, err := p.GetTickerPrices(testFooBarCurrencyPair)
		require.EqualError(t, err, "bybit failed to get ticker price for FOOBAR: ticker not found")
		require.Nil(t, prices)
	})
}

func TestBybitProvider_MessageReceived(t *testing.T) {
	p := newTestBybitProvider(t, testAtomUsdtCurrencyPair)

	t.Run("ticker_frame_updates_price", func(t *testing.T) {
		p.messageReceived(1, []byte(`{"topic":"tickers.ATOMUSDT","type":"snapshot","ts":1675246930699,"data":{"symbol":"ATOMUSDT","lastPrice":"12.3456","volume24h":"7654321.98765","bid1Price":"12.34","ask1Price":"12.35"}}`))

		prices, err := p.GetTickerPrices(testAtomUsdtCurrencyPair)
		require.NoError(t, err)
		require.Equal(t, testAtomPriceDec, prices["ATOMUSDT"].Price)
	})

	t.Run("pong_is_ignored", func(t *testing.T) {
		p.messageReceived(1, []byte(`{"op":"pong","success":true,"ret_msg":"pong"}`))
	})

	t.Run("failed_subscribe_is_logged", func(t *testing.T) {
		p.messageReceived(1, []byte(`{"op":"subscribe","success":false,"ret_msg":"error:handler not found"}`))
	})
}

func TestBybitProvider_GetSubscriptionMsgs(t *testing.T) {
	p := &BybitProvider{}
	cps := []types.CurrencyPair{
		testBtcUsdtCurrencyPair,
		testAtomUsdtCurrencyPair,
	}
	subMsgs := p.subscriptionMsgs(cps...)

	msg, _ := json.Marshal(subMsgs[0])
	require.Equal(t, `{"op":"subscribe","args":["tickers.BTCUSDT","tickers.ATOMUSDT"]}`, string(msg))
}
