package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	RequestCount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)
	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
	Subscribers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "coordinator_subscribers",
			Help: "Number of live websocket subscribers across all networks.",
		},
	)
	BroadcastsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "coordinator_broadcasts_total",
			Help: "Total number of broadcast calls.",
		},
	)
	BroadcastSendFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "coordinator_broadcast_send_failures_total",
			Help: "Broadcast deliveries that failed on a single connection.",
		},
	)
	TransactionsCreated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "coordinator_transactions_created_total",
			Help: "Approval transactions persisted to the ledger.",
		},
	)
)

func Register(registry *prometheus.Registry) {
	registry.MustRegister(
		RequestCount,
		RequestDuration,
		Subscribers,
		BroadcastsTotal,
		BroadcastSendFailures,
		TransactionsCreated,
	)
}

func Handler(registry *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
