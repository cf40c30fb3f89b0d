package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const unmatched = "unmatched"

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "esdm_http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "op", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "esdm_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "op"},
	)

	httpDataBytes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "esdm_http_data_bytes_total",
			Help: "Dataset payload bytes moved by successful data requests.",
		},
		[]string{"op"},
	)
)

func init() {
	prometheus.MustRegister(httpRequestsTotal)
	prometheus.MustRegister(httpRequestDuration)
	prometheus.MustRegister(httpDataBytes)
}

// metricsMiddleware records count, duration and payload size for every HTTP
// request, labelled by chi route pattern and storage operation.
func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		duration := time.Since(start).Seconds()
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}

		path := routePattern(r)
		op := storageOp(r.Method, path)
		httpRequestsTotal.WithLabelValues(r.Method, path, op, strconv.Itoa(status)).Inc()
		httpRequestDuration.WithLabelValues(r.Method, path, op).Observe(duration)

		if status >= http.StatusBadRequest {
			return
		}
		switch op {
		case "write":
			if r.ContentLength > 0 {
				httpDataBytes.WithLabelValues(op).Add(float64(r.ContentLength))
			}
		case "read":
			httpDataBytes.WithLabelValues(op).Add(float64(ww.BytesWritten()))
		}
	})
}

// routePattern extracts the matched chi route pattern, falling back to "unmatched".
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx != nil && rctx.RoutePattern() != "" {
		return rctx.RoutePattern()
	}
	return unmatched
}

// storageOp names the logical operation a routed request performs.
func storageOp(method, pattern string) string {
	const datasets = "/v1/containers/{container}/datasets"
	switch {
	case pattern == datasets+"/{dataset}/data" && method == http.MethodPut:
		return "write"
	case pattern == datasets+"/{dataset}/data" && method == http.MethodGet:
		return "read"
	case pattern == datasets+"/{dataset}/orphans":
		return "orphans"
	case pattern == datasets+"/{dataset}/reclaim":
		return "reclaim"
	case pattern == datasets+"/{dataset}/events":
		return "events"
	case strings.HasPrefix(pattern, "/v1/containers"):
		switch method {
		case http.MethodPost:
			return "create"
		case http.MethodPut:
			return "update"
		case http.MethodDelete:
			return "destroy"
		case http.MethodGet:
			return "stat"
		}
	}
	return "none"
}

// metricsHandler returns the Prometheus metrics handler.
func metricsHandler() http.Handler {
	return promhttp.Handler()
}
