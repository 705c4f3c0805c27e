package v1_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/NiftyLeague/ftso-feed-value-provider-sub005/config"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub005/oracle"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub005/oracle/types"
	v1 "github.com/NiftyLeague/ftso-feed-value-provider-sub005/router/v1"

	sdkmath "cosmossdk.io/math"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type stubOracle struct {
	results  map[string]types.AggregatedPrice
	failures map[string]error
	volumes  map[string]sdkmath.LegacyDec
	health   oracle.ConnectionHealth
}

func (s *stubOracle) HasFeed(feed types.FeedId) bool {
	if _, ok := s.results[feed.Key()]; ok {
		return true
	}
	_, ok := s.failures[feed.Key()]
	return ok
}

func (s *stubOracle) GetCurrentPrices(
	_ context.Context,
	feeds []types.FeedId,
) (map[string]types.AggregatedPrice, map[string]error) {
	results := map[string]types.AggregatedPrice{}
	failures := map[string]error{}
	for _, feed := range feeds {
		if result, ok := s.results[feed.Key()]; ok {
			results[feed.Key()] = result
			continue
		}
		if err, ok := s.failures[feed.Key()]; ok {
			failures[feed.Key()] = err
		}
	}
	return results, failures
}

func (s *stubOracle) GetVolume(feed types.FeedId, _, _ time.Time) (sdkmath.LegacyDec, error) {
	if volume, ok := s.volumes[feed.Key()]; ok {
		return volume, nil
	}
	return sdkmath.LegacyZeroDec(), types.ErrVolumeHistoryDisabled
}

func (s *stubOracle) GetConnectionHealth() oracle.ConnectionHealth {
	return s.health
}

func (s *stubOracle) Uptime() time.Duration {
	return 42 * time.Second
}

func testFeed(t *testing.T, name string) types.FeedId {
	t.Helper()
	feed, err := types.NewFeedId(types.CategoryCrypto, name)
	require.NoError(t, err)
	return feed
}

func newTestRouter(t *testing.T, stub *stubOracle) *mux.Router {
	t.Helper()

	rounds := config.VotingRounds{
		FirstRoundStartMs: time.Now().Add(-time.Hour).UnixMilli(),
		RoundDurationMs:   90_000,
	}

	rtr := mux.NewRouter()
	v1.New(zerolog.Nop(), stub, rounds).RegisterRoutes(rtr, v1.APIPathPrefix)
	return rtr
}

func healthyStub(t *testing.T) *stubOracle {
	btc := testFeed(t, "BTC/USD")
	eth := testFeed(t, "ETH/USD")
	return &stubOracle{
		results: map[string]types.AggregatedPrice{
			btc.Key(): {
				Feed:           btc,
				Price:          sdkmath.LegacyMustNewDecFromStr("50005"),
				Time:           time.Now(),
				Sources:        []string{"coinbase", "binance"},
				Confidence:     0.95,
				ConsensusScore: 0.97,
			},
			eth.Key(): {
				Feed:           eth,
				Price:          sdkmath.LegacyMustNewDecFromStr("2989.5"),
				Time:           time.Now(),
				Sources:        []string{"binance", "kraken"},
				Confidence:     0.92,
				ConsensusScore: 0.95,
			},
		},
		failures: map[string]error{},
		volumes: map[string]sdkmath.LegacyDec{
			btc.Key(): sdkmath.LegacyMustNewDecFromStr("1234.5"),
			eth.Key(): sdkmath.LegacyMustNewDecFromStr("987"),
		},
		health: oracle.ConnectionHealth{
			TotalSources:     3,
			ConnectedSources: 3,
			AverageLatencyMs: 12,
			FailedSources:    []string{},
			HealthScore:      100,
		},
	}
}

func postJSON(t *testing.T, rtr *mux.Router, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	w := httptest.NewRecorder()
	rtr.ServeHTTP(w, req)
	return w
}

func TestFeedValues(t *testing.T) {
	rtr := newTestRouter(t, healthyStub(t))

	t.Run("happy_path", func(t *testing.T) {
		w := postJSON(t, rtr, "/feed-values", `{"feeds":[
			{"category":1,"name":"BTC/USD"},
			{"category":1,"name":"ETH/USD"}
		]}`)
		require.Equal(t, http.StatusOK, w.Code)

		var resp struct {
			Data []struct {
				FeedId struct {
					Category int    `json:"category"`
					Name     string `json:"name"`
				} `json:"feedId"`
				Value      int64   `json:"value"`
				Decimals   int32   `json:"decimals"`
				Confidence float64 `json:"confidence"`
				Source     string  `json:"source"`
				Timestamp  int64   `json:"timestamp"`
			} `json:"data"`
			Timestamp int64 `json:"timestamp"`
		}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		require.Len(t, resp.Data, 2)
		require.Equal(t, "BTC/USD", resp.Data[0].FeedId.Name)
		require.EqualValues(t, 5000500000000, resp.Data[0].Value)
		require.EqualValues(t, 8, resp.Data[0].Decimals)
		require.Equal(t, "binance,coinbase", resp.Data[0].Source)
		require.Equal(t, 0.95, resp.Data[0].Confidence)
		require.NotZero(t, resp.Timestamp)
		require.Equal(t, "ETH/USD", resp.Data[1].FeedId.Name)
		require.EqualValues(t, 298950000000, resp.Data[1].Value)
	})

	t.Run("empty_feeds", func(t *testing.T) {
		w := postJSON(t, rtr, "/feed-values", `{"feeds":[]}`)
		require.Equal(t, http.StatusBadRequest, w.Code)
		require.Contains(t, w.Body.String(), "VALIDATION_ERROR")
	})

	t.Run("invalid_body", func(t *testing.T) {
		w := postJSON(t, rtr, "/feed-values", `{"feeds":`)
		require.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("too_many_feeds", func(t *testing.T) {
		refs := make([]string, 101)
		for i := range refs {
			refs[i] = fmt.Sprintf(`{"category":1,"name":"T%d/USD"}`, i)
		}
		w := postJSON(t, rtr, "/feed-values", `{"feeds":[`+strings.Join(refs, ",")+`]}`)
		require.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("invalid_name", func(t *testing.T) {
		w := postJSON(t, rtr, "/feed-values", `{"feeds":[{"category":1,"name":"btc-usd"}]}`)
		require.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("invalid_category", func(t *testing.T) {
		w := postJSON(t, rtr, "/feed-values", `{"feeds":[{"category":9,"name":"BTC/USD"}]}`)
		require.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("unknown_feed", func(t *testing.T) {
		w := postJSON(t, rtr, "/feed-values", `{"feeds":[{"category":1,"name":"XRP/USD"}]}`)
		require.Equal(t, http.StatusNotFound, w.Code)
		require.Contains(t, w.Body.String(), "FEED_NOT_FOUND")
	})

	t.Run("request_id_echoed", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/feed-values", strings.NewReader(`{"feeds":[]}`))
		req.Header.Set("X-Request-ID", "test-id-123")
		w := httptest.NewRecorder()
		rtr.ServeHTTP(w, req)
		require.Equal(t, "test-id-123", w.Header().Get("X-Request-ID"))
		require.Contains(t, w.Body.String(), "test-id-123")
	})
}

func TestFeedValues_AllFeedsFailed(t *testing.T) {
	stub := healthyStub(t)
	doge := testFeed(t, "DOGE/USD")
	stub.failures[doge.Key()] = &types.InsufficientDataError{Feed: doge}
	rtr := newTestRouter(t, stub)

	// one healthy feed plus one failing feed must not yield a partial 200
	w := postJSON(t, rtr, "/feed-values", `{"feeds":[
		{"category":1,"name":"BTC/USD"},
		{"category":1,"name":"DOGE/USD"}
	]}`)
	require.Equal(t, http.StatusServiceUnavailable, w.Code)

	var resp struct {
		Code    string            `json:"code"`
		Details map[string]string `json:"details"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, "ALL_FEEDS_FAILED", resp.Code)
	require.Len(t, resp.Details, 1)
	require.Contains(t, resp.Details["DOGE/USD"], "no price updates")
}

func TestFeedValues_VotingRound(t *testing.T) {
	rtr := newTestRouter(t, healthyStub(t))
	body := `{"feeds":[{"category":1,"name":"BTC/USD"}]}`

	t.Run("valid_round_echoed", func(t *testing.T) {
		w := postJSON(t, rtr, "/feed-values/12", body)
		require.Equal(t, http.StatusOK, w.Code)

		var resp struct {
			VotingRoundId uint64 `json:"votingRoundId"`
		}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		require.EqualValues(t, 12, resp.VotingRoundId)
	})

	t.Run("non_digit_round", func(t *testing.T) {
		w := postJSON(t, rtr, "/feed-values/abc", body)
		require.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("negative_round", func(t *testing.T) {
		w := postJSON(t, rtr, "/feed-values/-1", body)
		require.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("future_round", func(t *testing.T) {
		w := postJSON(t, rtr, "/feed-values/99999999", body)
		require.Equal(t, http.StatusNotFound, w.Code)
		require.Contains(t, w.Body.String(), "ROUND_NOT_FOUND")
	})
}

func TestVolumes(t *testing.T) {
	rtr := newTestRouter(t, healthyStub(t))
	now := time.Now().UnixMilli()

	t.Run("happy_path", func(t *testing.T) {
		body := fmt.Sprintf(
			`{"feeds":[{"category":1,"name":"BTC/USD"}],"startTime":%d,"endTime":%d}`,
			now-60_000, now,
		)
		w := postJSON(t, rtr, "/volumes", body)
		require.Equal(t, http.StatusOK, w.Code)

		var resp struct {
			Data []struct {
				Volume   int64 `json:"volume"`
				Decimals int32 `json:"decimals"`
			} `json:"data"`
			TimeWindow struct {
				Start int64 `json:"start"`
				End   int64 `json:"end"`
			} `json:"timeWindow"`
		}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		require.Len(t, resp.Data, 1)
		require.EqualValues(t, 123450000000, resp.Data[0].Volume)
		require.Equal(t, now-60_000, resp.TimeWindow.Start)
		require.Equal(t, now, resp.TimeWindow.End)
	})

	t.Run("missing_window", func(t *testing.T) {
		w := postJSON(t, rtr, "/volumes", `{"feeds":[{"category":1,"name":"BTC/USD"}]}`)
		require.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("inverted_window", func(t *testing.T) {
		body := fmt.Sprintf(
			`{"feeds":[{"category":1,"name":"BTC/USD"}],"startTime":%d,"endTime":%d}`,
			now, now-60_000,
		)
		w := postJSON(t, rtr, "/volumes", body)
		require.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("window_out_of_range", func(t *testing.T) {
		threeYears := int64(3 * 365 * 24 * time.Hour / time.Millisecond)
		body := fmt.Sprintf(
			`{"feeds":[{"category":1,"name":"BTC/USD"}],"startTime":%d,"endTime":%d}`,
			now-threeYears, now,
		)
		w := postJSON(t, rtr, "/volumes", body)
		require.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestHealthEndpoints(t *testing.T) {
	get := func(rtr *mux.Router, path string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		w := httptest.NewRecorder()
		rtr.ServeHTTP(w, req)
		return w
	}

	t.Run("healthy", func(t *testing.T) {
		rtr := newTestRouter(t, healthyStub(t))

		w := get(rtr, "/health")
		require.Equal(t, http.StatusOK, w.Code)
		require.Contains(t, w.Body.String(), `"status":"ok"`)
		require.Contains(t, w.Body.String(), `"healthScore":100`)

		require.Equal(t, http.StatusOK, get(rtr, "/health/ready").Code)
		require.Equal(t, http.StatusOK, get(rtr, "/health/live").Code)
	})

	t.Run("degraded", func(t *testing.T) {
		stub := healthyStub(t)
		stub.health.ConnectedSources = 2
		stub.health.FailedSources = []string{"kraken"}
		stub.health.HealthScore = 100 * 2 / 3
		rtr := newTestRouter(t, stub)

		w := get(rtr, "/health")
		require.Equal(t, http.StatusOK, w.Code)
		require.Contains(t, w.Body.String(), `"status":"degraded"`)
	})

	t.Run("unhealthy", func(t *testing.T) {
		stub := healthyStub(t)
		stub.health.ConnectedSources = 0
		stub.health.HealthScore = 0
		rtr := newTestRouter(t, stub)

		require.Equal(t, http.StatusServiceUnavailable, get(rtr, "/health").Code)
		require.Equal(t, http.StatusServiceUnavailable, get(rtr, "/health/ready").Code)
		// liveness only reflects the process itself
		require.Equal(t, http.StatusOK, get(rtr, "/health/live").Code)
	})
}
