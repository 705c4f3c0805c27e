package provider

import (
	"context"
	"testing"
	"time"

	"github.com/NiftyLeague/ftso-feed-value-provider-sub005/oracle/types"

	sdkmath "cosmossdk.io/math"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

var (
	// vars to be used in the provider specific tests
	testAtomUsdtCurrencyPair = types.CurrencyPair{
		Base:  "ATOM",
		Quote: "USDT",
	}
	testAtomPriceFloat64  = float64(12.3456)
	testAtomPriceString   = "12.3456"
	testAtomPriceDec      = sdkmath.LegacyNewDec(1234560000).QuoInt64(100000000)
	testAtomVolumeFloat64 = float64(7654321.98765)
	testAtomVolumeString  = "7654321.98765"
	testAtomVolumeDec     = sdkmath.LegacyNewDec(765432198765000).QuoInt64(100000000)
	testAtomTicker        = types.TickerPrice{
		Price:  testAtomPriceDec,
		Volume: testAtomVolumeDec,
		Time:   time.Now(),
	}

	testBtcUsdtCurrencyPair = types.CurrencyPair{
		Base:  "BTC",
		Quote: "USDT",
	}
	testBtcPriceFloat64  = float64(12345.6789)
	testBtcPriceString   = "12345.6789"
	testBtcPriceDec      = sdkmath.LegacyNewDec(1234567890000).QuoInt64(100000000)
	testBtcVolumeFloat64 = float64(7654.32198765)
	testBtcVolumeString  = "7654.32198765"
	testBtcVolumeDec     = sdkmath.LegacyNewDec(765432198765).QuoInt64(100000000)
	testBtcTicker        = types.TickerPrice{
		Price:  testBtcPriceDec,
		Volume: testBtcVolumeDec,
		Time:   time.Now(),
	}

	testFooBarCurrencyPair = types.CurrencyPair{
		Base:  "FOO",
		Quote: "BAR",
	}
)

// newTestRuntime builds a bare runtime without any transport attached.
func newTestRuntime(t *testing.T, name Name) *provider {
	t.Helper()
	p := &provider{}
	p.Init(context.Background(), Endpoint{Name: name, Urls: []string{""}}, zerolog.Nop(), nil, nil, nil)
	return p
}

func TestStrToDec(t *testing.T) {
	t.Run("float", func(t *testing.T) {
		dec := strToDec("3.3")
		require.Equal(t, sdkmath.LegacyMustNewDecFromStr("3.3"), dec)
	})

	t.Run("long_precision", func(t *testing.T) {
		dec := strToDec("3.323454654756344465786786524")
		exp, _ := sdkmath.LegacyNewDecFromStr("3.323454654756344465")

		require.Equal(t, exp, dec)
	})

	t.Run("non_number", func(t *testing.T) {
		dec := strToDec("x")
		require.Equal(t, sdkmath.LegacyDec{}, dec)
	})

	t.Run("empty_string", func(t *testing.T) {
		dec := strToDec("")
		require.Equal(t, sdkmath.LegacyDec{}, dec)
	})
}

func TestFloatToDec(t *testing.T) {
	require.Equal(t, sdkmath.LegacyMustNewDecFromStr("12.3456"), floatToDec(testAtomPriceFloat64))
}

func TestRelativeSpread(t *testing.T) {
	t.Run("normal_market", func(t *testing.T) {
		spread := relativeSpread("99", "101")
		require.Equal(t, sdkmath.LegacyMustNewDecFromStr("0.02"), spread)
	})

	t.Run("missing_sides", func(t *testing.T) {
		require.True(t, relativeSpread("", "101").IsZero())
		require.True(t, relativeSpread("99", "").IsZero())
	})

	t.Run("crossed_book", func(t *testing.T) {
		require.True(t, relativeSpread("101", "99").IsZero())
	})

	t.Run("garbage_input", func(t *testing.T) {
		require.True(t, relativeSpread("x", "y").IsZero())
	})
}

func TestComputeConfidence(t *testing.T) {
	vol := floatToDec(1000000)
	noSpread := sdkmath.LegacyZeroDec()

	t.Run("clamped_to_unit_interval", func(t *testing.T) {
		c := computeConfidence(0, vol, noSpread)
		require.Greater(t, c, 0.0)
		require.LessOrEqual(t, c, 1.0)
	})

	t.Run("latency_lowers_confidence", func(t *testing.T) {
		fresh := computeConfidence(0, vol, noSpread)
		stale := computeConfidence(5000, vol, noSpread)
		require.Greater(t, fresh, stale)
	})

	t.Run("latency_factor_floor", func(t *testing.T) {
		slow := computeConfidence(20000, vol, noSpread)
		slower := computeConfidence(200000, vol, noSpread)
		require.Equal(t, slow, slower)
	})

	t.Run("volume_raises_confidence", func(t *testing.T) {
		thin := computeConfidence(0, floatToDec(10), noSpread)
		deep := computeConfidence(0, floatToDec(10000000), noSpread)
		require.Greater(t, deep, thin)
	})

	t.Run("spread_lowers_confidence", func(t *testing.T) {
		tight := computeConfidence(0, vol, floatToDec(0.0001))
		wide := computeConfidence(0, vol, floatToDec(0.05))
		require.Greater(t, tight, wide)
	})

	t.Run("nil_volume_and_spread", func(t *testing.T) {
		c := computeConfidence(100, sdkmath.LegacyDec{}, sdkmath.LegacyDec{})
		require.Greater(t, c, 0.0)
		require.LessOrEqual(t, c, 1.0)
	})
}

func TestProviderRestTimeout(t *testing.T) {
	t.Run("configured_timeout_reaches_the_client", func(t *testing.T) {
		p := &provider{}
		p.Init(
			context.Background(),
			Endpoint{Name: "test", Urls: []string{""}, RestTimeout: 750 * time.Millisecond},
			zerolog.Nop(),
			nil, nil, nil,
		)
		require.Equal(t, 750*time.Millisecond, p.http.HTTPClient.Timeout)
	})

	t.Run("zero_falls_back_to_default", func(t *testing.T) {
		p := newTestRuntime(t, "test")
		require.Equal(t, defaultTimeout, p.http.HTTPClient.Timeout)
	})

	t.Run("survives_default_endpoint_substitution", func(t *testing.T) {
		// an adapter without a config override still honors the
		// deployment wide timeout
		merged := Endpoint{RestTimeout: 750 * time.Millisecond}.
			orDefaults(ProviderBinance, binanceDefaultEndpoints)
		require.Equal(t, binanceDefaultEndpoints.Urls, merged.Urls)
		require.Equal(t, 750*time.Millisecond, merged.RestTimeout)
	})

	t.Run("own_override_kept_verbatim", func(t *testing.T) {
		own := Endpoint{Name: ProviderBinance, Urls: []string{"https://example.test"}, RestTimeout: time.Second}
		require.Equal(t, own, own.orDefaults(ProviderBinance, binanceDefaultEndpoints))
	})
}

func TestProviderSetPairs(t *testing.T) {
	t.Run("filters_unlisted_pairs", func(t *testing.T) {
		p := newTestRuntime(t, "test")
		available := map[string]struct{}{"ATOMUSDT": {}}

		err := p.setPairs(
			[]types.CurrencyPair{testAtomUsdtCurrencyPair, testFooBarCurrencyPair},
			available,
			nil,
		)
		require.NoError(t, err)

		_, ok := p.GetSubscribedPair("ATOMUSDT")
		require.True(t, ok)
		_, ok = p.GetSubscribedPair("FOOBAR")
		require.False(t, ok)
	})

	t.Run("errors_when_nothing_listed", func(t *testing.T) {
		p := newTestRuntime(t, "test")
		available := map[string]struct{}{"ATOMUSDT": {}}

		err := p.setPairs([]types.CurrencyPair{testFooBarCurrencyPair}, available, nil)
		require.ErrorIs(t, err, types.ErrPairNotSupported)
	})

	t.Run("round_trips_through_symbol_mapping", func(t *testing.T) {
		p := newTestRuntime(t, "test")

		err := p.setPairs(
			[]types.CurrencyPair{testBtcUsdtCurrencyPair},
			nil,
			func(pair types.CurrencyPair) string { return pair.Join("-") },
		)
		require.NoError(t, err)

		cp, ok := p.GetSubscribedPair("BTC-USDT")
		require.True(t, ok)
		require.Equal(t, testBtcUsdtCurrencyPair, cp)
	})
}

func TestProviderUnsubscribePrunesReplaySet(t *testing.T) {
	p := newTestRuntime(t, "test")
	p.websocket = newTestController(nil)
	require.NoError(t, p.setPairs(
		[]types.CurrencyPair{testAtomUsdtCurrencyPair, testBtcUsdtCurrencyPair},
		nil,
		nil,
	))
	require.NoError(t, p.queueInitialSubscriptions())
	require.Len(t, p.websocket.subscriptions, 2)

	// a demoted pair must not come back on the next reconnect replay
	require.NoError(t, p.UnsubscribeCurrencyPairs(testBtcUsdtCurrencyPair))

	require.Len(t, p.websocket.subscriptions, 1)
	_, queued := p.websocket.subscriptions[testAtomUsdtCurrencyPair.String()]
	require.True(t, queued)
	_, queued = p.websocket.subscriptions[testBtcUsdtCurrencyPair.String()]
	require.False(t, queued)
}

func TestProviderGetTickerPrices(t *testing.T) {
	p := newTestRuntime(t, "test")
	require.NoError(t, p.setPairs([]types.CurrencyPair{testAtomUsdtCurrencyPair, testBtcUsdtCurrencyPair}, nil, nil))

	p.tickers = map[string]types.TickerPrice{
		"ATOMUSDT": testAtomTicker,
		"BTCUSDT":  testBtcTicker,
	}

	t.Run("valid_request_multi_ticker", func(t *testing.T) {
		prices, err := p.GetTickerPrices(testAtomUsdtCurrencyPair, testBtcUsdtCurrencyPair)
		require.NoError(t, err)
		require.Len(t, prices, 2)
		require.Equal(t, testAtomPriceDec, prices["ATOMUSDT"].Price)
		require.Equal(t, testBtcVolumeDec, prices["BTCUSDT"].Volume)
	})

	t.Run("invalid_request_invalid_ticker", func(t *testing.T) {
		prices, err := p.GetTickerPrices(testFooBarCurrencyPair)
		require.ErrorIs(t, err, types.ErrTickerNotFound)
		require.EqualError(t, err, "test failed to get ticker price for FOOBAR: ticker not found")
		require.Nil(t, prices)
	})
}

func TestProviderPriceUpdateCallback(t *testing.T) {
	p := newTestRuntime(t, "test")
	require.NoError(t, p.setPairs([]types.CurrencyPair{testAtomUsdtCurrencyPair}, nil, nil))

	var got types.PriceUpdate
	p.SetCallbacks(Callbacks{
		OnPriceUpdate: func(u types.PriceUpdate) { got = u },
	})

	timestamp := time.Now().Add(-50 * time.Millisecond)
	p.mtx.Lock()
	p.setTickerPrice("ATOMUSDT", testAtomPriceDec, testAtomVolumeDec, timestamp)
	p.mtx.Unlock()

	require.Equal(t, testAtomUsdtCurrencyPair, got.Pair)
	require.Equal(t, "test", got.Source)
	require.Equal(t, testAtomPriceDec, got.Price)
	require.Greater(t, got.Confidence, 0.0)
	require.LessOrEqual(t, got.Confidence, 1.0)
	require.GreaterOrEqual(t, p.LatencyMs(), 0.0)

	t.Run("unknown_symbol_emits_nothing", func(t *testing.T) {
		got = types.PriceUpdate{}
		p.mtx.Lock()
		p.setTickerPrice("FOOBAR", testAtomPriceDec, testAtomVolumeDec, time.Now())
		p.mtx.Unlock()
		require.Empty(t, got.Source)
	})
}

func TestProviderConnectionChangeAlternates(t *testing.T) {
	p := newTestRuntime(t, "test")

	var changes []bool
	var errs int
	p.SetCallbacks(Callbacks{
		OnConnectionChange: func(_ Name, connected bool) { changes = append(changes, connected) },
		OnError:            func(_ Name, _ error) { errs++ },
	})

	p.invokeConnectionChange(false, context.DeadlineExceeded)
	p.invokeConnectionChange(false, context.DeadlineExceeded)
	p.invokeConnectionChange(true, nil)
	p.invokeConnectionChange(true, nil)
	p.invokeConnectionChange(false, nil)

	require.Equal(t, []bool{false, true, false}, changes)
	require.Equal(t, 2, errs)
}

func TestPollingConnectLifecycle(t *testing.T) {
	p := newTestRuntime(t, "test")

	var changes []bool
	p.SetCallbacks(Callbacks{
		OnConnectionChange: func(_ Name, connected bool) { changes = append(changes, connected) },
	})

	require.False(t, p.IsConnected())

	require.NoError(t, p.Connect(context.Background()))
	require.True(t, p.IsConnected())
	require.NoError(t, p.Connect(context.Background()))

	require.NoError(t, p.Disconnect())
	require.False(t, p.IsConnected())
	require.NoError(t, p.Disconnect())

	require.Equal(t, []bool{true, false}, changes)
}

func TestEndpointWebsocketURL(t *testing.T) {
	e := Endpoint{Websocket: "stream.binance.com:9443", WebsocketPath: "/ws"}
	require.Equal(t, "wss://stream.binance.com:9443/ws", e.websocketURL())

	e = Endpoint{Websocket: "ws://localhost:8080", WebsocketPath: "/feed"}
	require.Equal(t, "ws://localhost:8080/feed", e.websocketURL())
}

func TestPastUnixTime(t *testing.T) {
	now := time.Now().Unix() * 1000
	past := PastUnixTime(time.Minute)
	require.Less(t, past, now)
}
