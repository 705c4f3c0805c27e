package httputil

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

type contextKey int

const requestIDKey contextKey = iota

// ErrorResponse defines the attributes of a JSON error response. Details
// carries optional per-item reasons, ex. per-feed failure causes.
type ErrorResponse struct {
	Error     string            `json:"error"`
	Code      string            `json:"code"`
	Message   string            `json:"message"`
	Timestamp int64             `json:"timestamp"`
	RequestID string            `json:"requestId"`
	Details   map[string]string `json:"details,omitempty"`
}

// WithRequestID stamps the request id onto the context. Set once by the
// request-id middleware.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// RequestID returns the request id minted by the middleware, or an empty
// string outside a request scope.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// RespondWithJSON provides an auxiliary function to return an HTTP response
// with JSON content and an HTTP status code.
func RespondWithJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// RespondWithError returns the standard error envelope for the request.
func RespondWithError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	RespondWithErrDetails(w, r, status, code, message, nil)
}

// RespondWithErrDetails returns the error envelope with per-item details.
func RespondWithErrDetails(
	w http.ResponseWriter,
	r *http.Request,
	status int,
	code, message string,
	details map[string]string,
) {
	RespondWithJSON(w, status, ErrorResponse{
		Error:     http.StatusText(status),
		Code:      code,
		Message:   message,
		Timestamp: time.Now().UnixMilli(),
		RequestID: RequestID(r.Context()),
		Details:   details,
	})
}
