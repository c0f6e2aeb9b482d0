// Package observability registers the service-level Prometheus collectors.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "healthsync"

var (
	webhookCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "webhook",
		Name:      "deliveries_total",
		Help:      "Webhook deliveries grouped by event type and outcome.",
	}, []string{"type", "outcome"})

	rowsIngestedCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ingest",
		Name:      "rows_total",
		Help:      "Raw metric rows appended to the store per provider.",
	}, []string{"provider"})

	rowsRejectedCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ingest",
		Name:      "rows_rejected_total",
		Help:      "Metric rows skipped by validation, by pipeline stage and reason.",
	}, []string{"stage", "reason"})

	lastIngestGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "ingest",
		Name:      "last_ingest_timestamp_seconds",
		Help:      "Unix timestamp of the most recent metric batch persisted to Postgres.",
	})

	backfillCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "backfill",
		Name:      "requests_total",
		Help:      "Historical range requests per provider, data type and outcome.",
	}, []string{"provider", "data_type", "outcome"})

	alertCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "alerts",
		Name:      "synthesized_total",
		Help:      "Alert synthesis results by alert type and outcome (created, skipped, suppressed, failed).",
	}, []string{"type", "outcome"})
)

func init() {
	prometheus.MustRegister(webhookCounter, rowsIngestedCounter, rowsRejectedCounter, lastIngestGauge, backfillCounter, alertCounter)
}

// RecordWebhook counts one webhook delivery.
func RecordWebhook(eventType, outcome string) {
	if eventType == "" {
		eventType = "unknown"
	}
	webhookCounter.WithLabelValues(eventType, outcome).Inc()
}

// RecordRowsIngested counts persisted rows and moves the ingest watermark.
func RecordRowsIngested(provider string, n int, ts time.Time) {
	if n <= 0 {
		return
	}
	rowsIngestedCounter.WithLabelValues(provider).Add(float64(n))
	if !ts.IsZero() {
		lastIngestGauge.Set(float64(ts.Unix()))
	}
}

// RecordRowRejected counts one row dropped during validation.
func RecordRowRejected(stage, reason string) {
	rowsRejectedCounter.WithLabelValues(stage, reason).Inc()
}

// RecordBackfillRequest counts one outbound historical request.
func RecordBackfillRequest(provider, dataType, outcome string) {
	backfillCounter.WithLabelValues(provider, dataType, outcome).Inc()
}

// RecordAlert counts one synthesizer decision.
func RecordAlert(alertType, outcome string) {
	alertCounter.WithLabelValues(alertType, outcome).Inc()
}
