package httpserver

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/jnidzwetzki/mysql-ha-cloud/internal/telemetry"
)

// Instrument wraps every request with the two things this surface's
// operators and Prometheus actually need: a debug-level access log and
// a request-duration observation keyed by method/route/status. Unlike
// a multi-tenant API, this process has no downstream services to
// correlate a request ID across, so logging and metrics collapse into
// one pass over the response instead of three.
func Instrument(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}

			next.ServeHTTP(sw, r)

			elapsed := time.Since(start)
			route := routeLabel(r)

			logger.Debug("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", sw.status,
				"duration_ms", elapsed.Milliseconds(),
			)

			telemetry.HTTPRequestDuration.WithLabelValues(
				r.Method,
				route,
				strconv.Itoa(sw.status),
			).Observe(elapsed.Seconds())
		})
	}
}

// routeLabel returns the matched chi route pattern for use as a
// low-cardinality Prometheus label, falling back to the raw path if
// chi hasn't matched one (e.g. a 404).
func routeLabel(r *http.Request) string {
	if routeCtx := chi.RouteContext(r.Context()); routeCtx != nil {
		if pattern := routeCtx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return r.URL.Path
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (sw *statusWriter) WriteHeader(code int) {
	sw.status = code
	sw.ResponseWriter.WriteHeader(code)
}
