package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Event pipeline
	EventsProcessedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vitalwatch_events_processed_total",
			Help: "Total number of biometric events processed",
		},
		[]string{"metric_type", "status"}, // status: ok, rejected, failed
	)

	ProcessDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "vitalwatch_process_duration_seconds",
			Help:    "End-to-end latency of one process() call",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
	)

	// Rule evaluation
	RulesEvaluatedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vitalwatch_rules_evaluated_total",
			Help: "Total number of rule evaluations",
		},
		[]string{"rule_type", "result"}, // result: fired, not_fired, error
	)

	// Alerts
	AlertsCreatedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vitalwatch_alerts_created_total",
			Help: "Total number of alerts created",
		},
		[]string{"priority"},
	)

	AlertsDeduplicatedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vitalwatch_alerts_deduplicated_total",
			Help: "Alerts suppressed by the dedup window",
		},
	)

	// Notification
	NotificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vitalwatch_notifications_total",
			Help: "Notification delivery attempts per sink",
		},
		[]string{"sink", "status"}, // status: ok, error
	)

	SLABreachesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vitalwatch_sla_breaches_total",
			Help: "Notification attempts dispatched after their priority SLA",
		},
		[]string{"priority"},
	)

	// Ingestion
	IngestMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vitalwatch_ingest_messages_total",
			Help: "Messages consumed from the event stream",
		},
		[]string{"status"}, // status: ok, malformed, failed
	)
)
