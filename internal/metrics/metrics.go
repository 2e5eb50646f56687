package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	QueriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "liveops_queries_total",
			Help: "Analytical queries submitted to the execution pool by outcome",
		},
		[]string{"status"},
	)

	QueryDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "liveops_query_duration_seconds",
			Help:    "Wall time of analytical queries from submission to result",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
		},
	)

	CacheRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "liveops_cache_requests_total",
			Help: "Tiered cache lookups by layer and result",
		},
		[]string{"layer", "result"},
	)

	IngestEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "liveops_ingest_events_total",
			Help: "Inbound analytics events by outcome",
		},
		[]string{"status"},
	)

	AlertsFired = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "liveops_alerts_fired_total",
			Help: "Alert rules that breached their threshold",
		},
	)

	Notifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "liveops_notifications_total",
			Help: "Notification dispatch attempts by channel and outcome",
		},
		[]string{"channel", "status"},
	)
)

// Register adds all collectors to the default registry.
func Register() {
	prometheus.MustRegister(
		QueriesTotal,
		QueryDuration,
		CacheRequests,
		IngestEvents,
		AlertsFired,
		Notifications,
	)
}

// Handler returns the scrape handler for the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
