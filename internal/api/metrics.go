package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// unmatchedRoute labels requests that no chi pattern matched.
const unmatchedRoute = "unmatched"

// Live transports.
const (
	transportWebSocket = "websocket"
	transportSSE       = "sse"
)

var (
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "concierge_http_requests_total",
			Help: "HTTP requests by method, route pattern and status code.",
		},
		[]string{"method", "path", "status"},
	)

	httpLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "concierge_http_request_duration_seconds",
			Help:    "HTTP request latency by method and route pattern.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	chatReplies = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "concierge_chat_replies_total",
			Help: "Synchronous chat replies by intent and whether a result is still pending.",
		},
		[]string{"intent", "pending"},
	)

	liveStreams = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "concierge_live_streams_opened_total",
			Help: "Live delivery streams opened by transport.",
		},
		[]string{"transport"},
	)
)

func init() {
	prometheus.MustRegister(httpRequests, httpLatency, chatReplies, liveStreams)
}

// metricsMiddleware labels by chi route pattern so session ids in the path
// do not become label values.
func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		pattern := unmatchedRoute
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			pattern = rctx.RoutePattern()
		}
		httpRequests.WithLabelValues(r.Method, pattern, strconv.Itoa(status)).Inc()
		httpLatency.WithLabelValues(r.Method, pattern).Observe(time.Since(start).Seconds())
	})
}

func metricsHandler() http.Handler {
	return promhttp.Handler()
}
