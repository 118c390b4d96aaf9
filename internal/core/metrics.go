package core

import "github.com/prometheus/client_golang/prometheus"

// Prometheus collectors for admission and dispatch. Exposed by the API on
// /metrics.
var (
	approvalRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "onesec_respond_approval_requests_total",
			Help: "Approval requests created, by action type and risk level",
		},
		[]string{"action", "risk"},
	)

	approvalDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "onesec_respond_approval_decisions_total",
			Help: "Terminal approval transitions, by resulting status",
		},
		[]string{"status"},
	)

	approvalLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "onesec_respond_approval_latency_seconds",
			Help:    "Time between request and approval",
			Buckets: []float64{1, 10, 60, 300, 900, 3600, 4 * 3600, 24 * 3600},
		},
	)

	admissions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "onesec_respond_admissions_total",
			Help: "Action intents by admission decision",
		},
		[]string{"decision"},
	)

	dispatches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "onesec_respond_dispatches_total",
			Help: "Dispatched actions, by provider and outcome",
		},
		[]string{"provider", "outcome"},
	)

	dispatchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "onesec_respond_dispatch_duration_seconds",
			Help:    "Dispatch execution time in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"provider"},
	)

	approvalEscalations = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "onesec_respond_approval_escalations_total",
			Help: "Reminders sent for overdue pending approvals",
		},
	)

	webhookDeliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "onesec_respond_webhook_deliveries_total",
			Help: "Webhook notification outcomes",
		},
		[]string{"outcome"},
	)
)

func init() {
	prometheus.MustRegister(
		approvalRequests, approvalDecisions, approvalLatency, approvalEscalations,
		admissions, dispatches, dispatchDuration,
		webhookDeliveries,
	)
}
