package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics keeps every collector on its own registry so parallel test
// servers never fight over the default one
type Metrics struct {
	registry *prometheus.Registry

	httpInFlight prometheus.Gauge
	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec

	sessionsRefreshed *prometheus.CounterVec
	forgeryRejections prometheus.Counter
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		httpInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "teamtide_http_requests_in_flight",
			Help: "In-flight HTTP requests.",
		}),

		httpRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "teamtide_http_requests_total",
				Help: "Total number of HTTP requests.",
			},
			[]string{"method", "path", "status"},
		),

		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "teamtide_http_request_duration_seconds",
				Help:    "HTTP request latencies in seconds.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path", "status"},
		),

		sessionsRefreshed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "teamtide_sessions_refreshed_total",
				Help: "Refresh exchanges by outcome.",
			},
			[]string{"outcome"},
		),

		forgeryRejections: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "teamtide_forgery_rejections_total",
			Help: "Requests rejected by the anti-forgery check.",
		}),
	}

	m.registry.MustRegister(
		m.httpInFlight,
		m.httpRequests,
		m.httpDuration,
		m.sessionsRefreshed,
		m.forgeryRejections,
	)

	return m
}

// Handler serves the registry in the Prometheus text format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Instrument measures RPS, latency and in-flight count.
// Session counters are derived here from the wire contract: any 403 is
// a forgery rejection, refresh outcomes come from the refresh endpoint
// status code.
func (m *Metrics) Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := normalizePath(r.URL.Path)
		method := r.Method

		m.httpInFlight.Inc()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		m.httpDuration.WithLabelValues(method, path, status).Observe(duration)
		m.httpRequests.WithLabelValues(method, path, status).Inc()
		m.httpInFlight.Dec()

		if sw.code == http.StatusForbidden {
			m.forgeryRejections.Inc()
		}

		if method == http.MethodPost && path == "/auth/refresh" {
			outcome := "ok"
			if sw.code != http.StatusOK {
				outcome = "rejected"
			}
			m.sessionsRefreshed.WithLabelValues(outcome).Inc()
		}
	})
}

// Collapse resource ids so label cardinality stays bounded
func normalizePath(path string) string {
	for _, prefix := range []string{"/api/admin/users/", "/api/user/keys/"} {
		if rest, ok := strings.CutPrefix(path, prefix); ok && rest != "" {
			return prefix + "{id}"
		}
	}
	return path
}

// statusWriter is a local copy to know the response code
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
