package validator

import (
	"testing"
	"time"

	"github.com/NiftyLeague/ftso-feed-value-provider-sub005/oracle/history"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub005/oracle/types"

	sdkmath "cosmossdk.io/math"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

var testBtcFeed = types.FeedId{
	Category: types.CategoryCrypto,
	Pair:     types.CurrencyPair{Base: "BTC", Quote: "USD"},
}

func newTestValidator() (*Validator, *history.Window, *history.CrossSourceWindow) {
	window := history.NewWindow(50)
	crossSource := history.NewCrossSourceWindow(10 * time.Second)
	v := New(zerolog.Nop(), Config{}, window, crossSource)
	return v, window, crossSource
}

func testUpdate(source, price string, age time.Duration) types.PriceUpdate {
	now := time.Now()
	return types.PriceUpdate{
		Pair:       testBtcFeed.Pair,
		Source:     source,
		Price:      sdkmath.LegacyMustNewDecFromStr(price),
		Volume:     sdkmath.LegacyNewDec(1000),
		Time:       now.Add(-age),
		ReceivedAt: now,
		Confidence: 0.9,
	}
}

func TestValidator_Validate(t *testing.T) {
	t.Run("fresh_update_passes", func(t *testing.T) {
		v, _, _ := newTestValidator()
		res := v.Validate(testBtcFeed, testUpdate("binance", "60000", 0))

		require.True(t, res.Valid)
		require.Empty(t, res.Findings)
		require.InDelta(t, 0.9, res.Confidence, 1e-9)
	})

	t.Run("missing_source_is_critical", func(t *testing.T) {
		v, _, _ := newTestValidator()
		res := v.Validate(testBtcFeed, testUpdate("", "60000", 0))

		require.False(t, res.Valid)
		require.Len(t, res.Findings, 1)
		require.Equal(t, SeverityCritical, res.Findings[0].Severity())
		require.InDelta(t, 0.09, res.Confidence, 1e-9)
	})

	t.Run("missing_price_is_critical", func(t *testing.T) {
		v, _, _ := newTestValidator()
		update := testUpdate("binance", "60000", 0)
		update.Price = sdkmath.LegacyDec{}

		res := v.Validate(testBtcFeed, update)
		require.False(t, res.Valid)
		require.IsType(t, FormatFinding{}, res.Findings[0])
	})

	t.Run("confidence_out_of_range_is_critical", func(t *testing.T) {
		v, _, _ := newTestValidator()
		update := testUpdate("binance", "60000", 0)
		update.Confidence = 1.5

		res := v.Validate(testBtcFeed, update)
		require.False(t, res.Valid)
		require.IsType(t, FormatFinding{}, res.Findings[0])
	})

	t.Run("negative_price_is_critical", func(t *testing.T) {
		v, _, _ := newTestValidator()
		res := v.Validate(testBtcFeed, testUpdate("binance", "-1", 0))

		require.False(t, res.Valid)
		require.Len(t, res.Findings, 1)
		require.IsType(t, RangeFinding{}, res.Findings[0])
		require.Equal(t, SeverityCritical, res.Findings[0].Severity())
	})

	t.Run("tiny_price_is_high_but_tolerated", func(t *testing.T) {
		v, _, _ := newTestValidator()
		res := v.Validate(testBtcFeed, testUpdate("binance", "0.001", 0))

		require.True(t, res.Valid)
		require.Equal(t, SeverityHigh, res.Findings[0].Severity())
		require.InDelta(t, 0.45, res.Confidence, 1e-9)
	})

	t.Run("hard_stale_is_critical", func(t *testing.T) {
		v, _, _ := newTestValidator()
		res := v.Validate(testBtcFeed, testUpdate("binance", "60000", 3*time.Second))

		require.False(t, res.Valid)
		require.Len(t, res.Findings, 1)
		require.IsType(t, StaleFinding{}, res.Findings[0])
		require.Equal(t, SeverityCritical, res.Findings[0].Severity())
	})

	t.Run("staleness_boundary_is_inclusive", func(t *testing.T) {
		v, _, _ := newTestValidator()
		now := time.Now()
		maxAge := time.Duration(v.cfg.MaxAgeMs) * time.Millisecond

		update := testUpdate("binance", "60000", 0)
		update.Time = now.Add(-maxAge)
		finding := v.checkStaleness(update, now)
		require.NotNil(t, finding)
		require.Equal(t, SeverityCritical, finding.Severity())

		update.Time = now.Add(-maxAge + time.Millisecond)
		finding = v.checkStaleness(update, now)
		require.NotNil(t, finding)
		require.Equal(t, SeverityLow, finding.Severity())
	})

	t.Run("soft_stale_is_a_warning", func(t *testing.T) {
		v, _, _ := newTestValidator()
		res := v.Validate(testBtcFeed, testUpdate("binance", "60000", 1700*time.Millisecond))

		require.True(t, res.Valid)
		require.Len(t, res.Findings, 1)
		require.Equal(t, SeverityLow, res.Findings[0].Severity())
		require.InDelta(t, 0.855, res.Confidence, 1e-9)
	})
}

func TestValidator_StatisticalTier(t *testing.T) {
	seed := func(w *history.Window, prices ...float64) {
		now := time.Now()
		for _, price := range prices {
			w.Record(testBtcFeed.Key(), price, now)
		}
	}

	t.Run("needs_three_samples", func(t *testing.T) {
		v, window, _ := newTestValidator()
		seed(window, 100, 100)

		res := v.Validate(testBtcFeed, testUpdate("binance", "130", 0))
		require.Empty(t, res.Findings)
	})

	t.Run("deviation_above_threshold_is_medium", func(t *testing.T) {
		v, window, _ := newTestValidator()
		seed(window, 100, 100, 100, 100, 100)

		res := v.Validate(testBtcFeed, testUpdate("binance", "120", 0))
		require.True(t, res.Valid)
		require.Len(t, res.Findings, 1)
		require.IsType(t, OutlierFinding{}, res.Findings[0])
		require.Equal(t, SeverityMedium, res.Findings[0].Severity())
	})

	t.Run("deviation_above_twice_threshold_is_high", func(t *testing.T) {
		v, window, _ := newTestValidator()
		seed(window, 100, 100, 100, 100, 100)

		res := v.Validate(testBtcFeed, testUpdate("binance", "130", 0))
		require.True(t, res.Valid)
		require.Equal(t, SeverityHigh, res.Findings[0].Severity())
	})

	t.Run("zscore_alone_is_medium", func(t *testing.T) {
		v, window, _ := newTestValidator()
		seed(window, 99.5, 100, 100.5)

		res := v.Validate(testBtcFeed, testUpdate("binance", "102", 0))
		require.Len(t, res.Findings, 1)
		outlier, ok := res.Findings[0].(OutlierFinding)
		require.True(t, ok)
		require.Greater(t, outlier.ZScore, zScoreThreshold)
		require.Equal(t, SeverityMedium, outlier.Severity())
	})

	t.Run("in_band_price_is_clean", func(t *testing.T) {
		v, window, _ := newTestValidator()
		seed(window, 100, 101, 99, 100, 100)

		res := v.Validate(testBtcFeed, testUpdate("binance", "100.5", 0))
		require.Empty(t, res.Findings)
	})
}

func TestValidator_CrossSourceTier(t *testing.T) {
	t.Run("needs_two_peers", func(t *testing.T) {
		v, _, crossSource := newTestValidator()
		crossSource.Record(testBtcFeed.Key(), "kraken", 100, time.Now())

		res := v.Validate(testBtcFeed, testUpdate("binance", "110", 0))
		require.Empty(t, res.Findings)
	})

	t.Run("moderate_deviation_is_medium", func(t *testing.T) {
		v, _, crossSource := newTestValidator()
		now := time.Now()
		crossSource.Record(testBtcFeed.Key(), "kraken", 100, now)
		crossSource.Record(testBtcFeed.Key(), "coinbase", 100, now)

		res := v.Validate(testBtcFeed, testUpdate("binance", "103", 0))
		require.Len(t, res.Findings, 1)
		require.IsType(t, CrossSourceFinding{}, res.Findings[0])
		require.Equal(t, SeverityMedium, res.Findings[0].Severity())
	})

	t.Run("large_deviation_is_high", func(t *testing.T) {
		v, _, crossSource := newTestValidator()
		now := time.Now()
		crossSource.Record(testBtcFeed.Key(), "kraken", 100, now)
		crossSource.Record(testBtcFeed.Key(), "coinbase", 100, now)

		res := v.Validate(testBtcFeed, testUpdate("binance", "105", 0))
		require.Equal(t, SeverityHigh, res.Findings[0].Severity())
	})

	t.Run("own_source_is_excluded", func(t *testing.T) {
		v, _, crossSource := newTestValidator()
		now := time.Now()
		crossSource.Record(testBtcFeed.Key(), "binance", 100, now)
		crossSource.Record(testBtcFeed.Key(), "kraken", 110, now)

		res := v.Validate(testBtcFeed, testUpdate("binance", "110", 0))
		require.Empty(t, res.Findings)
	})
}

func TestValidator_ConsensusTier(t *testing.T) {
	t.Run("no_consensus_recorded", func(t *testing.T) {
		v, _, _ := newTestValidator()
		res := v.Validate(testBtcFeed, testUpdate("binance", "100", 0))
		require.Empty(t, res.Findings)
	})

	t.Run("drift_above_half_percent_is_medium", func(t *testing.T) {
		v, _, _ := newTestValidator()
		v.SetConsensusPrice(testBtcFeed, 100)

		res := v.Validate(testBtcFeed, testUpdate("binance", "100.7", 0))
		require.Len(t, res.Findings, 1)
		require.IsType(t, ConsensusFinding{}, res.Findings[0])
		require.Equal(t, SeverityMedium, res.Findings[0].Severity())
	})

	t.Run("drift_above_one_percent_is_high", func(t *testing.T) {
		v, _, _ := newTestValidator()
		v.SetConsensusPrice(testBtcFeed, 100)

		res := v.Validate(testBtcFeed, testUpdate("binance", "101.2", 0))
		require.Equal(t, SeverityHigh, res.Findings[0].Severity())
	})
}

func TestValidator_TwoHighFindingsInvalidate(t *testing.T) {
	v, window, crossSource := newTestValidator()
	now := time.Now()
	for range [5]struct{}{} {
		window.Record(testBtcFeed.Key(), 100, now)
	}
	crossSource.Record(testBtcFeed.Key(), "kraken", 100, now)
	crossSource.Record(testBtcFeed.Key(), "coinbase", 100, now)

	// 30% off both its own history and the peer median
	res := v.Validate(testBtcFeed, testUpdate("binance", "130", 0))
	require.False(t, res.Valid)
	require.Len(t, res.Findings, 2)
	for _, finding := range res.Findings {
		require.Equal(t, SeverityHigh, finding.Severity())
	}
	// 0.9 * 0.5 * 0.5
	require.InDelta(t, 0.225, res.Confidence, 1e-9)
}

func TestValidator_CacheSkipsTiers(t *testing.T) {
	v, _, _ := newTestValidator()
	update := testUpdate("binance", "100", 0)

	first := v.Validate(testBtcFeed, update)
	require.True(t, first.Valid)
	require.Empty(t, first.Findings)

	// a consensus recorded after the first validation would flag the same
	// update, but the cached verdict wins within the TTL
	v.SetConsensusPrice(testBtcFeed, 50)

	second := v.Validate(testBtcFeed, update)
	require.True(t, second.Valid)
	require.Empty(t, second.Findings)
	require.Equal(t, 1, v.cache.len())
}

func TestValidator_ValidateBatch(t *testing.T) {
	v, _, _ := newTestValidator()

	updates := []types.PriceUpdate{
		testUpdate("binance", "100", 0),
		testUpdate("coinbase", "100.2", 0),
		testUpdate("kraken", "100.4", 0),
		testUpdate("okx", "300", 0),
	}

	results := v.ValidateBatch(testBtcFeed, updates)
	require.Len(t, results, 4)

	for _, update := range updates[:3] {
		res, ok := results[update.Key()]
		require.True(t, ok)
		require.True(t, res.Valid)
		require.Empty(t, res.Findings)
	}

	outlier := results[updates[3].Key()]
	require.Len(t, outlier.Findings, 1)
	require.IsType(t, CrossSourceFinding{}, outlier.Findings[0])
	require.Equal(t, SeverityHigh, outlier.Findings[0].Severity())
}
