package scheduler

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	subRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "esdm_subrequests_total",
			Help: "Total number of completed sub-requests.",
		},
		[]string{"backend", "op", "outcome"},
	)

	subRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "esdm_subrequest_duration_seconds",
			Help:    "Backend call duration of sub-requests in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"backend", "op"},
	)

	subRequestBytes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "esdm_subrequest_bytes_total",
			Help: "Total payload bytes moved by successful sub-requests.",
		},
		[]string{"backend", "op"},
	)

	subRequestsInFlight = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "esdm_subrequests_in_flight",
			Help: "Number of sub-requests currently dispatched to a backend.",
		},
		[]string{"backend"},
	)

	backendThroughput = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "esdm_backend_throughput_estimate_bytes",
			Help: "Current throughput estimate per backend in bytes per second.",
		},
		[]string{"backend"},
	)

	backendLatency = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "esdm_backend_latency_estimate_seconds",
			Help: "Current latency estimate per backend in seconds.",
		},
		[]string{"backend"},
	)
)

func init() {
	prometheus.MustRegister(subRequestsTotal)
	prometheus.MustRegister(subRequestDuration)
	prometheus.MustRegister(subRequestBytes)
	prometheus.MustRegister(subRequestsInFlight)
	prometheus.MustRegister(backendThroughput)
	prometheus.MustRegister(backendLatency)
}
