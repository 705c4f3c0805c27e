package provider

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/NiftyLeague/ftso-feed-value-provider-sub005/oracle/types"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

var testBtcUsdCurrencyPair = types.CurrencyPair{Base: "BTC", Quote: "USD"}

func newTestKrakenProvider(t *testing.T, pairs ...types.CurrencyPair) *KrakenProvider {
	t.Helper()
	p := &KrakenProvider{}
	p.Init(
		context.Background(),
		Endpoint{Name: ProviderKraken, Urls: []string{""}},
		zerolog.Nop(),
		pairs,
		p.messageReceived,
		p.subscriptionMsgs,
	)
	require.NoError(t, p.setPairs(pairs, nil, currencyPairToKrakenSymbol))
	return p
}

func TestKrakenProvider_GetTickerPrices(t *testing.T) {
	p := newTestKrakenProvider(t, testBtcUsdCurrencyPair)

	t.Run("valid_request_single_ticker", func(t *testing.T) {
		p.tickers = map[string]types.TickerPrice{
			"XBT/USD": testBtcTicker,
		}

		prices, err := p.GetTickerPrices(testBtcUsdCurrencyPair)
		require.NoError(t, err)
		require.Len(t, prices, 1)
		require.Equal(t, testBtcPriceDec, prices["BTCUSD"].Price)
		require.Equal(t, testBtcVolumeDec, prices["BTCUSD"].Volume)
	})

	t.Run("invalid_request_invalid_ticker", func(t *testing.T) {
		prices, err := p.GetTickerPrices(testFooBarCurrencyPair)
		require.EqualError(t, err, "kraken failed to get ticker price for FOOBAR: ticker not found")
		require.Nil(t, prices)
	})
}

func TestKrakenProvider_MessageReceived(t *testing.T) {
	p := newTestKrakenProvider(t, testBtcUsdCurrencyPair)

	t.Run("ticker_array_frame", func(t *testing.T) {
		p.messageReceived(
			websocket.TextMessage,
			[]byte(`[340,{"a":["12346.00000",1,"1.000"],"b":["12345.00000",2,"2.000"],"c":["12345.67890","0.10000000"],"v":["100.00000000","7654.32198765"]},"ticker","XBT/USD"]`),
		)

		prices, err := p.GetTickerPrices(testBtcUsdCurrencyPair)
		require.NoError(t, err)
		require.Equal(t, testBtcPriceDec, prices["BTCUSD"].Price)
		require.Equal(t, testBtcVolumeDec, prices["BTCUSD"].Volume)
	})

	t.Run("unsubscribed_pair_is_dropped", func(t *testing.T) {
		p.messageReceived(
			websocket.TextMessage,
			[]byte(`[341,{"c":["1.00000","0.1"],"v":["1.0","2.0"]},"ticker","ETH/USD"]`),
		)

		_, ok := p.GetSubscribedPair("ETH/USD")
		require.False(t, ok)
	})

	t.Run("system_status_is_ignored", func(t *testing.T) {
		p.messageReceived(
			websocket.TextMessage,
			[]byte(`{"connectionID":8628615390848610000,"event":"systemStatus","status":"online","version":"1.0.0"}`),
		)
	})

	t.Run("heartbeat_is_ignored", func(t *testing.T) {
		p.messageReceived(websocket.TextMessage, []byte(`{"event":"heartbeat"}`))
	})

	t.Run("subscription_error_is_logged", func(t *testing.T) {
		p.messageReceived(
			websocket.TextMessage,
			[]byte(`{"errorMessage":"Subscription depth not supported","event":"subscriptionStatus","status":"error"}`),
		)
	})
}

func TestKrakenProvider_GetSubscriptionMsgs(t *testing.T) {
	p := &KrakenProvider{}
	subMsgs := p.subscriptionMsgs(testBtcUsdCurrencyPair, testAtomUsdtCurrencyPair)

	msg, _ := json.Marshal(subMsgs[0])
	require.Equal(
		t,
		`{"event":"subscribe","pair":["XBT/USD","ATOM/USDT"],"subscription":{"name":"ticker"}}`,
		string(msg),
	)

	unsubMsgs := p.unsubscriptionMsgs(testBtcUsdCurrencyPair)
	msg, _ = json.Marshal(unsubMsgs[0])
	require.Equal(
		t,
		`{"event":"unsubscribe","pair":["XBT/USD"],"subscription":{"name":"ticker"}}`,
		string(msg),
	)
}

func TestCurrencyPairToKrakenSymbol(t *testing.T) {
	require.Equal(t, "XBT/USD", currencyPairToKrakenSymbol(testBtcUsdCurrencyPair))
	require.Equal(t, "ATOM/USDT", currencyPairToKrakenSymbol(testAtomUsdtCurrencyPair))
	require.Equal(
		t,
		"ETH/XBT",
		currencyPairToKrakenSymbol(types.CurrencyPair{Base: "ETH", Quote: "BTC"}),
	)
}

func TestKrakenTicker_BestBidAsk(t *testing.T) {
	ticker := KrakenTicker{
		A: []interface{}{"12346.00000", float64(1), "1.000"},
		B: []interface{}{"12345.00000", float64(2), "2.000"},
	}
	require.Equal(t, "12346.00000", ticker.bestAsk())
	require.Equal(t, "12345.00000", ticker.bestBid())
	require.Equal(t, "", firstString(nil))
}
