package v1

import (
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/NiftyLeague/ftso-feed-value-provider-sub005/config"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub005/oracle/types"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub005/router/httputil"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub005/router/middleware"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub005/telemetry"

	sdkmath "cosmossdk.io/math"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const (
	// APIPathPrefix defines the v1 API path prefix.
	APIPathPrefix = "/"

	// maxFeedsPerRequest bounds the batch size of one request.
	maxFeedsPerRequest = 100

	// maxWindowSkew bounds how far a volume window may sit from now.
	maxWindowSkew = 2 * 365 * 24 * time.Hour

	// maxValueDecimals is the preferred feed value scale; values too large
	// for an int64 at this scale get fewer decimals.
	maxValueDecimals = 8

	codeValidationError = "VALIDATION_ERROR"
	codeFeedNotFound    = "FEED_NOT_FOUND"
	codeRoundNotFound   = "ROUND_NOT_FOUND"
	codeAllFeedsFailed  = "ALL_FEEDS_FAILED"
	codeVolumesDisabled = "VOLUME_HISTORY_DISABLED"
)

var votingRoundRegex = regexp.MustCompile(`^[0-9]+$`)

type (
	// Router defines a router wrapper used for registering v1 API routes.
	Router struct {
		logger zerolog.Logger
		oracle Oracle
		rounds config.VotingRounds
	}

	feedRef struct {
		Category int    `json:"category"`
		Name     string `json:"name"`
	}

	feedValuesRequest struct {
		Feeds []feedRef `json:"feeds"`
	}

	feedValueData struct {
		FeedId     feedRef `json:"feedId"`
		Value      int64   `json:"value"`
		Decimals   int32   `json:"decimals"`
		Confidence float64 `json:"confidence"`
		Source     string  `json:"source"`
		Timestamp  int64   `json:"timestamp"`
	}

	feedValuesResponse struct {
		VotingRoundId *uint64         `json:"votingRoundId,omitempty"`
		Data          []feedValueData `json:"data"`
		Timestamp     int64           `json:"timestamp"`
	}

	volumesRequest struct {
		Feeds     []feedRef `json:"feeds"`
		StartTime int64     `json:"startTime"`
		EndTime   int64     `json:"endTime"`
	}

	volumeData struct {
		FeedId   feedRef `json:"feedId"`
		Volume   int64   `json:"volume"`
		Decimals int32   `json:"decimals"`
	}

	volumesResponse struct {
		Data       []volumeData `json:"data"`
		TimeWindow timeWindow   `json:"timeWindow"`
	}

	timeWindow struct {
		Start int64 `json:"start"`
		End   int64 `json:"end"`
	}

	healthResponse struct {
		Status     string         `json:"status"`
		Timestamp  int64          `json:"timestamp"`
		Uptime     int64          `json:"uptime"`
		Components map[string]any `json:"components,omitempty"`
	}
)

func New(logger zerolog.Logger, oracle Oracle, rounds config.VotingRounds) *Router {
	return &Router{
		logger: logger.With().Str("module", "router").Logger(),
		oracle: oracle,
		rounds: rounds,
	}
}

// RegisterRoutes register v1 API routes on the provided sub-router.
func (r *Router) RegisterRoutes(rtr *mux.Router, prefix string) {
	v1Router := rtr.PathPrefix(prefix).Subrouter()
	chain := middleware.Build(r.logger)

	v1Router.Handle(
		"/feed-values",
		chain.ThenFunc(r.feedValuesHandler()),
	).Methods(http.MethodPost)

	v1Router.Handle(
		"/feed-values/{votingRoundId}",
		chain.ThenFunc(r.feedValuesRoundHandler()),
	).Methods(http.MethodPost)

	v1Router.Handle(
		"/volumes",
		chain.ThenFunc(r.volumesHandler()),
	).Methods(http.MethodPost)

	v1Router.Handle(
		"/health",
		chain.ThenFunc(r.healthHandler()),
	).Methods(http.MethodGet)

	v1Router.Handle(
		"/health/ready",
		chain.ThenFunc(r.healthReadyHandler()),
	).Methods(http.MethodGet)

	v1Router.Handle(
		"/health/live",
		chain.ThenFunc(r.healthLiveHandler()),
	).Methods(http.MethodGet)

	v1Router.Handle(
		"/metrics/prometheus",
		chain.Then(telemetry.Handler()),
	).Methods(http.MethodGet)
}

func (r *Router) feedValuesHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		r.serveFeedValues(w, req, nil)
	}
}

func (r *Router) feedValuesRoundHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		raw := mux.Vars(req)["votingRoundId"]
		if !votingRoundRegex.MatchString(raw) {
			httputil.RespondWithError(
				w, req,
				http.StatusBadRequest,
				codeValidationError,
				fmt.Sprintf("voting round id must be a non-negative integer: %s", raw),
			)
			return
		}

		round, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			httputil.RespondWithError(
				w, req,
				http.StatusBadRequest,
				codeValidationError,
				fmt.Sprintf("voting round id out of range: %s", raw),
			)
			return
		}

		// a round that has not started yet is unknown
		start := r.rounds.FirstRoundStartMs + int64(round)*r.rounds.RoundDurationMs
		if start > time.Now().UnixMilli() {
			httputil.RespondWithError(
				w, req,
				http.StatusNotFound,
				codeRoundNotFound,
				fmt.Sprintf("voting round %d has not started", round),
			)
			return
		}

		r.serveFeedValues(w, req, &round)
	}
}

func (r *Router) serveFeedValues(w http.ResponseWriter, req *http.Request, round *uint64) {
	var body feedValuesRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		httputil.RespondWithError(w, req, http.StatusBadRequest, codeValidationError, "invalid request body")
		return
	}

	feeds, ok := r.resolveFeeds(w, req, body.Feeds)
	if !ok {
		return
	}

	results, failures := r.oracle.GetCurrentPrices(req.Context(), feeds)

	// a batch is all-or-nothing: any feed without data fails the request
	// with the per-feed reasons
	if len(results) < len(feeds) {
		reasons := make(map[string]string, len(failures))
		for _, feed := range feeds {
			if _, ok := results[feed.Key()]; ok {
				continue
			}
			if err, ok := failures[feed.Key()]; ok {
				reasons[feed.Name()] = err.Error()
			} else {
				reasons[feed.Name()] = "no data"
			}
		}
		httputil.RespondWithErrDetails(
			w, req,
			http.StatusServiceUnavailable,
			codeAllFeedsFailed,
			fmt.Sprintf("%d of %d feeds have no consensus price", len(reasons), len(feeds)),
			reasons,
		)
		return
	}

	data := make([]feedValueData, 0, len(feeds))
	for _, feed := range feeds {
		result := results[feed.Key()]

		value, decimals, err := scaleValue(result.Price)
		if err != nil {
			httputil.RespondWithError(
				w, req,
				http.StatusInternalServerError,
				"INTERNAL_ERROR",
				fmt.Sprintf("failed to encode %s value", feed.Name()),
			)
			return
		}

		sources := append([]string(nil), result.Sources...)
		sort.Strings(sources)

		data = append(data, feedValueData{
			FeedId:     feedRef{Category: int(feed.Category), Name: feed.Name()},
			Value:      value,
			Decimals:   decimals,
			Confidence: result.Confidence,
			Source:     strings.Join(sources, ","),
			Timestamp:  result.Time.UnixMilli(),
		})
	}

	httputil.RespondWithJSON(w, http.StatusOK, feedValuesResponse{
		VotingRoundId: round,
		Data:          data,
		Timestamp:     time.Now().UnixMilli(),
	})
}

func (r *Router) volumesHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		var body volumesRequest
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			httputil.RespondWithError(w, req, http.StatusBadRequest, codeValidationError, "invalid request body")
			return
		}

		if body.StartTime == 0 || body.EndTime == 0 {
			httputil.RespondWithError(w, req, http.StatusBadRequest, codeValidationError, "startTime and endTime are required")
			return
		}
		if body.StartTime >= body.EndTime {
			httputil.RespondWithError(w, req, http.StatusBadRequest, codeValidationError, "startTime must precede endTime")
			return
		}
		now := time.Now()
		for _, boundary := range []int64{body.StartTime, body.EndTime} {
			skew := time.UnixMilli(boundary).Sub(now)
			if skew > maxWindowSkew || skew < -maxWindowSkew {
				httputil.RespondWithError(w, req, http.StatusBadRequest, codeValidationError, "time window out of range")
				return
			}
		}

		feeds, ok := r.resolveFeeds(w, req, body.Feeds)
		if !ok {
			return
		}

		start := time.UnixMilli(body.StartTime)
		end := time.UnixMilli(body.EndTime)

		data := make([]volumeData, 0, len(feeds))
		for _, feed := range feeds {
			volume, err := r.oracle.GetVolume(feed, start, end)
			if err == types.ErrVolumeHistoryDisabled {
				httputil.RespondWithError(
					w, req,
					http.StatusServiceUnavailable,
					codeVolumesDisabled,
					"volume history is not configured",
				)
				return
			}
			if err != nil {
				r.logger.Err(err).Str("feed", feed.Name()).Msg("volume query failed")
				volume = sdkmath.LegacyZeroDec()
			}

			value, decimals, err := scaleValue(volume)
			if err != nil {
				value, decimals = 0, 0
			}
			data = append(data, volumeData{
				FeedId:   feedRef{Category: int(feed.Category), Name: feed.Name()},
				Volume:   value,
				Decimals: decimals,
			})
		}

		httputil.RespondWithJSON(w, http.StatusOK, volumesResponse{
			Data:       data,
			TimeWindow: timeWindow{Start: body.StartTime, End: body.EndTime},
		})
	}
}

func (r *Router) healthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		health := r.oracle.GetConnectionHealth()

		status := "ok"
		code := http.StatusOK
		switch {
		case health.ConnectedSources == 0:
			status = "unhealthy"
			code = http.StatusServiceUnavailable
		case health.ConnectedSources < health.TotalSources:
			status = "degraded"
		}

		httputil.RespondWithJSON(w, code, healthResponse{
			Status:    status,
			Timestamp: time.Now().UnixMilli(),
			Uptime:    r.oracle.Uptime().Milliseconds(),
			Components: map[string]any{
				"sources": map[string]any{
					"total":            health.TotalSources,
					"connected":        health.ConnectedSources,
					"failed":           health.FailedSources,
					"averageLatencyMs": health.AverageLatencyMs,
					"healthScore":      health.HealthScore,
				},
			},
		})
	}
}

func (r *Router) healthReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		health := r.oracle.GetConnectionHealth()

		if health.ConnectedSources == 0 {
			httputil.RespondWithJSON(w, http.StatusServiceUnavailable, healthResponse{
				Status:    "not ready",
				Timestamp: time.Now().UnixMilli(),
				Uptime:    r.oracle.Uptime().Milliseconds(),
			})
			return
		}

		httputil.RespondWithJSON(w, http.StatusOK, healthResponse{
			Status:    "ready",
			Timestamp: time.Now().UnixMilli(),
			Uptime:    r.oracle.Uptime().Milliseconds(),
		})
	}
}

func (r *Router) healthLiveHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		httputil.RespondWithJSON(w, http.StatusOK, healthResponse{
			Status:    "alive",
			Timestamp: time.Now().UnixMilli(),
			Uptime:    r.oracle.Uptime().Milliseconds(),
		})
	}
}

// resolveFeeds validates the request feed list and resolves it against the
// catalog. It writes the error response and returns false on any failure.
func (r *Router) resolveFeeds(
	w http.ResponseWriter,
	req *http.Request,
	refs []feedRef,
) ([]types.FeedId, bool) {
	if len(refs) == 0 {
		httputil.RespondWithError(w, req, http.StatusBadRequest, codeValidationError, "feeds must be a non-empty array")
		return nil, false
	}
	if len(refs) > maxFeedsPerRequest {
		httputil.RespondWithError(
			w, req,
			http.StatusBadRequest,
			codeValidationError,
			fmt.Sprintf("feeds are limited to %d per request", maxFeedsPerRequest),
		)
		return nil, false
	}

	feeds := make([]types.FeedId, 0, len(refs))
	for _, ref := range refs {
		feed, err := types.NewFeedId(types.FeedCategory(ref.Category), ref.Name)
		if err != nil {
			httputil.RespondWithError(w, req, http.StatusBadRequest, codeValidationError, err.Error())
			return nil, false
		}
		if !r.oracle.HasFeed(feed) {
			httputil.RespondWithError(
				w, req,
				http.StatusNotFound,
				codeFeedNotFound,
				fmt.Sprintf("feed %s is not configured", feed.Name()),
			)
			return nil, false
		}
		feeds = append(feeds, feed)
	}
	return feeds, true
}

// scaleValue encodes a decimal as an integer value with its scale, preferring
// eight decimals and dropping precision only when the value would overflow.
func scaleValue(price sdkmath.LegacyDec) (int64, int32, error) {
	d, err := decimal.NewFromString(price.String())
	if err != nil {
		return 0, 0, err
	}

	for decimals := int32(maxValueDecimals); decimals >= 0; decimals-- {
		shifted := d.Shift(decimals).Round(0)
		if shifted.BigInt().IsInt64() {
			return shifted.BigInt().Int64(), decimals, nil
		}
	}
	return 0, 0, fmt.Errorf("value out of range: %s", price)
}
