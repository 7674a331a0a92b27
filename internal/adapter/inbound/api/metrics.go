package api

import (
	"bufio"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus instruments exposed at /metrics.
type Metrics struct {
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	DecisionsTotal  *prometheus.CounterVec
	EnforceDuration prometheus.Histogram
	WSSubscribers   prometheus.GaugeFunc
	JournalDropped  prometheus.CounterFunc
	WSDropped       prometheus.CounterFunc
}

// NewMetrics registers all instruments with the given registry. The gauge
// and counter funcs sample the broadcaster and journal directly.
func NewMetrics(reg prometheus.Registerer, subscribers func() int, journalDrops, wsDrops func() int64) *Metrics {
	m := &Metrics{
		RequestsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "tame",
				Name:      "requests_total",
				Help:      "Total API requests processed",
			},
			[]string{"method", "status"},
		),
		RequestDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "tame",
				Name:      "request_duration_seconds",
				Help:      "API request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method"},
		),
		DecisionsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "tame",
				Name:      "decisions_total",
				Help:      "Policy decisions returned by the enforcement endpoint",
			},
			[]string{"action"},
		),
		EnforceDuration: promauto.With(reg).NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "tame",
				Name:      "enforce_duration_seconds",
				Help:      "Time spent deciding and appending one tool call",
				Buckets:   prometheus.DefBuckets,
			},
		),
	}
	if subscribers != nil {
		m.WSSubscribers = promauto.With(reg).NewGaugeFunc(
			prometheus.GaugeOpts{
				Namespace: "tame",
				Name:      "ws_subscribers",
				Help:      "Currently connected push-channel subscribers",
			},
			func() float64 { return float64(subscribers()) },
		)
	}
	if journalDrops != nil {
		m.JournalDropped = promauto.With(reg).NewCounterFunc(
			prometheus.CounterOpts{
				Namespace: "tame",
				Name:      "journal_dropped_total",
				Help:      "Journal events dropped under backpressure",
			},
			func() float64 { return float64(journalDrops()) },
		)
	}
	if wsDrops != nil {
		m.WSDropped = promauto.With(reg).NewCounterFunc(
			prometheus.CounterOpts{
				Namespace: "tame",
				Name:      "ws_dropped_total",
				Help:      "Push notifications dropped from full subscriber queues",
			},
			func() float64 { return float64(wsDrops()) },
		)
	}
	return m
}

// metricsMiddleware records request totals and latency. The /metrics and
// /healthz endpoints are excluded.
func metricsMiddleware(metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/metrics" || r.URL.Path == "/healthz" {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()
			wrapped := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(wrapped, r)

			metrics.RequestDuration.WithLabelValues(r.Method).Observe(time.Since(start).Seconds())
			metrics.RequestsTotal.WithLabelValues(r.Method, statusToLabel(wrapped.status)).Inc()
		})
	}
}

// statusRecorder captures the response status code.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Flush lets SSE responses stream through the middleware.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack lets the WebSocket upgrade take over the connection.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if hj, ok := r.ResponseWriter.(http.Hijacker); ok {
		return hj.Hijack()
	}
	return nil, nil, http.ErrNotSupported
}

func statusToLabel(code int) string {
	if code >= 200 && code < 400 {
		return "ok"
	}
	return "error"
}
