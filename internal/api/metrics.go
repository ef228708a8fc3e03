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

const unmatchedRoute = "unmatched"

const (
	streamKindSSE       = "sse"
	streamKindWebSocket = "websocket"
)

// Long-lived routes. Their lifetime is the client's connection, not the
// server's latency, so they are counted by activeStreams instead of the
// request histogram.
var streamingRoutes = map[string]string{
	"/v1/stream":            streamKindWebSocket,
	"/v1/jobs/{id}/updates": streamKindSSE,
}

var (
	apiRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "compose_http_requests_total",
			Help: "Completed API requests by route and status, excluding streams.",
		},
		[]string{"method", "route", "status"},
	)

	apiLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "compose_http_request_duration_seconds",
			Help:    "API request latency in seconds, excluding streams.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	activeStreams = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "compose_active_streams",
			Help: "Open SSE and WebSocket update streams.",
		},
		[]string{"kind"},
	)
)

func init() {
	prometheus.MustRegister(apiRequests, apiLatency, activeStreams)
	for _, kind := range streamingRoutes {
		activeStreams.WithLabelValues(kind)
	}
}

// trackStream marks a stream of the given kind open until the returned func
// is called.
func trackStream(kind string) func() {
	g := activeStreams.WithLabelValues(kind)
	g.Inc()
	return g.Dec
}

// metricsMiddleware records request count and latency labelled by chi route
// pattern. Streaming routes are skipped.
func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		route := matchedRoute(r)
		if _, ok := streamingRoutes[route]; ok {
			return
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		apiRequests.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		apiLatency.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

// matchedRoute is only meaningful once the router has handled r.
func matchedRoute(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return unmatchedRoute
}

func metricsHandler() http.Handler {
	return promhttp.Handler()
}
