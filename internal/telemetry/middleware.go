/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
)

// responseWriter wraps http.ResponseWriter to capture status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
	written    bool
}

func (rw *responseWriter) WriteHeader(code int) {
	if !rw.written {
		rw.statusCode = code
		rw.written = true
		rw.ResponseWriter.WriteHeader(code)
	}
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	if !rw.written {
		rw.WriteHeader(http.StatusOK)
	}
	return rw.ResponseWriter.Write(b)
}

// MetricsMiddleware records request counts and latency for the ops server,
// labelled by chi route pattern.
func MetricsMiddleware(logger zerolog.Logger) func(http.Handler) http.Handler {
	logger = logger.With().Str("component", "ops_http").Logger()
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			APIActiveConnections.Inc()
			defer APIActiveConnections.Dec()

			wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(wrapped, r)

			endpoint := r.URL.Path
			if routeCtx := chi.RouteContext(r.Context()); routeCtx != nil && routeCtx.RoutePattern() != "" {
				endpoint = routeCtx.RoutePattern()
			}
			elapsed := time.Since(start)
			status := strconv.Itoa(wrapped.statusCode)

			APIRequestDuration.WithLabelValues(r.Method, endpoint, status).Observe(elapsed.Seconds())
			APIRequestsTotal.WithLabelValues(r.Method, endpoint, status).Inc()

			logger.Debug().
				Str("method", r.Method).
				Str("endpoint", endpoint).
				Int("status", wrapped.statusCode).
				Dur("took", elapsed).
				Msg("request")
		})
	}
}
