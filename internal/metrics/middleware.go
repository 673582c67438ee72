package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// statusRecorder captures the status code written by the handler.
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.statusCode = code
	r.ResponseWriter.WriteHeader(code)
}

// Flush keeps streaming handlers working behind the middleware.
func (r *statusRecorder) Flush() {
	if flusher, ok := r.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// Middleware wraps one route with duration and in-flight tracking. The
// route string is the label value, so wrap per registered pattern
// rather than around the whole mux.
func (m *Metrics) Middleware(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		m.httpInFlight.WithLabelValues(route).Inc()
		defer m.httpInFlight.WithLabelValues(route).Dec()

		recorder := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(recorder, r)

		m.httpDuration.WithLabelValues(
			r.Method, route, strconv.Itoa(recorder.statusCode),
		).Observe(time.Since(start).Seconds())
	})
}

const maxModelLabelLen = 64

// sanitizeModelLabel bounds what client-supplied model strings can do
// to series cardinality: whitelisted charset, capped length, "unknown"
// fallback.
func sanitizeModelLabel(model string) string {
	model = strings.TrimSpace(model)
	if model == "" {
		return "unknown"
	}

	var b strings.Builder
	b.Grow(min(len(model), maxModelLabelLen))
	for _, r := range model {
		if (r >= 'a' && r <= 'z') ||
			(r >= 'A' && r <= 'Z') ||
			(r >= '0' && r <= '9') ||
			r == '-' || r == '_' || r == '.' || r == ':' || r == '/' {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
		if b.Len() >= maxModelLabelLen {
			break
		}
	}

	out := strings.Trim(b.String(), "_")
	if out == "" {
		return "unknown"
	}
	return out
}
