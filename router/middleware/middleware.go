package middleware

import (
	"net/http"
	"time"

	"github.com/NiftyLeague/ftso-feed-value-provider-sub005/router/httputil"

	"github.com/google/uuid"
	"github.com/justinas/alice"
	"github.com/rs/zerolog"
)

const requestIDHeader = "X-Request-ID"

// Build returns the standard middleware chain: request-id, recovery, then
// request logging.
func Build(logger zerolog.Logger) alice.Chain {
	return alice.New(
		RequestID(),
		Recovery(logger),
		Logging(logger),
	)
}

// RequestID mints a request id for every request, honoring an inbound
// X-Request-ID, and echoes it on the response.
func RequestID() alice.Constructor {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get(requestIDHeader)
			if id == "" {
				id = uuid.NewString()
			}

			w.Header().Set(requestIDHeader, id)
			next.ServeHTTP(w, r.WithContext(httputil.WithRequestID(r.Context(), id)))
		})
	}
}

// Recovery converts a handler panic into a 500 envelope carrying the request
// id as correlation handle. The process keeps serving.
func Recovery(logger zerolog.Logger) alice.Constructor {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error().
						Interface("panic", rec).
						Str("request_id", httputil.RequestID(r.Context())).
						Str("path", r.URL.Path).
						Msg("request handler panicked")

					httputil.RespondWithError(
						w, r,
						http.StatusInternalServerError,
						"INTERNAL_ERROR",
						"internal server error",
					)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// Logging emits one access log line per request.
func Logging(logger zerolog.Logger) alice.Constructor {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

			next.ServeHTTP(recorder, r)

			logger.Debug().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", recorder.status).
				Dur("duration", time.Since(start)).
				Str("request_id", httputil.RequestID(r.Context())).
				Msg("request served")
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}
