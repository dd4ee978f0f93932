package handlers

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	"forecast-collector/pkg/logging"
)

// RequestIDHeader carries the request id in and out
const RequestIDHeader = "X-Request-ID"

// RequestLogging tags each request with an id, reusing one set by a proxy,
// and logs the request once it has been served.
func RequestLogging(logger *logging.StructuredLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := r.Header.Get(RequestIDHeader)
			if requestID == "" {
				requestID = uuid.New().String()
			}
			w.Header().Set(RequestIDHeader, requestID)

			ctx := logging.WithRequestID(r.Context(), requestID)
			start := time.Now()

			next.ServeHTTP(w, r.WithContext(ctx))

			logger.Debug(ctx, "[API_REQUEST] Request served", logging.Fields{
				"method":      r.Method,
				"path":        r.URL.Path,
				"duration_ms": time.Since(start).Milliseconds(),
			})
		})
	}
}
