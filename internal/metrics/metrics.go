package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	FeedMessages = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sosrelay_feed_messages_total",
		Help: "Total number of raw messages received from the feed.",
	})

	FeedDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sosrelay_feed_dropped_total",
		Help: "Total number of feed messages rejected because the ingestion queue was full.",
	})

	FeedConnects = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sosrelay_feed_connects_total",
		Help: "Feed connection attempts, labelled by outcome.",
	}, []string{"outcome"})

	AlertsIngested = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sosrelay_alerts_ingested_total",
		Help: "Ingestion outcomes, labelled by result (accepted, malformed, no_coordinates, out_of_coverage, internal).",
	}, []string{"result"})

	AlertsRemoved = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sosrelay_alerts_removed_total",
		Help: "Alerts removed from the active set, labelled by reason.",
	}, []string{"reason"})

	ActiveAlerts = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sosrelay_active_alerts",
		Help: "Number of currently active alerts.",
	})

	CoverageRadiusKm = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sosrelay_coverage_radius_km",
		Help: "Current coverage radius in kilometres.",
	})

	AuditFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sosrelay_audit_failures_total",
		Help: "Audit records that could not be written.",
	})

	Sessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sosrelay_sessions",
		Help: "Number of connected live sessions.",
	})

	SessionsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sosrelay_sessions_dropped_total",
		Help: "Sessions disconnected because their send buffer overflowed.",
	})

	IngestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "sosrelay_ingest_duration_ms",
		Help:    "Time from feed receipt to the end of ingestion in milliseconds.",
		Buckets: []float64{0.1, 0.5, 1, 5, 10, 25, 50, 100, 250},
	})

	QueueUtilization = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sosrelay_queue_utilization_ratio",
		Help: "Current ingestion queue utilization (0–1).",
	})
)
