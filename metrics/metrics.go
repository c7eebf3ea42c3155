package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PointsRecorded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "argus_metric_points_recorded_total",
			Help: "Total number of metric points recorded",
		},
		[]string{"metric"},
	)

	AlertsTriggered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "argus_alerts_triggered_total",
			Help: "Total number of alerts triggered",
		},
		[]string{"severity"},
	)

	AnomaliesDetected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "argus_anomalies_detected_total",
			Help: "Total number of anomalies detected",
		},
		[]string{"algorithm", "severity"},
	)

	HealthTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "argus_health_transitions_total",
			Help: "Total number of health check status transitions",
		},
		[]string{"direction"},
	)

	BreachCases = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "argus_breach_cases_total",
			Help: "Total number of breach cases opened",
		},
		[]string{"detection_type", "severity"},
	)

	NotificationFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "argus_notification_failures_total",
			Help: "Total number of failed notification deliveries",
		},
		[]string{"channel"},
	)

	RuleEvaluationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "argus_rule_evaluation_duration_seconds",
			Help:    "Time taken to evaluate one breach detection rule",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"type"},
	)
)
