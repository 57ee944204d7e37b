package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "fleetwatch"

// Metrics holds all the Prometheus metrics for the service
type Metrics struct {
	ReportsTotal        prometheus.Counter
	ReportsInvalidTotal prometheus.Counter
	IngestDuration      prometheus.Histogram
	FindingsTotal       *prometheus.CounterVec
	AlertsCreated       *prometheus.CounterVec
	AlertsResolved      prometheus.Counter
	CommandsCreated     *prometheus.CounterVec
	CommandsDelivered   prometheus.Counter
	FanOutFailures      prometheus.Counter
	ReconcileCommands   prometheus.Counter
	ActivitiesPruned    prometheus.Counter
	PublishErrors       *prometheus.CounterVec
}

// New registers every metric on reg. Tests pass a fresh prometheus.NewRegistry().
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ReportsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reports_total",
			Help:      "Total number of activity reports ingested",
		}),
		ReportsInvalidTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reports_invalid_total",
			Help:      "Total number of activity reports rejected by validation",
		}),
		IngestDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ingest_duration_seconds",
			Help:      "Time spent ingesting one activity report",
			Buckets:   prometheus.DefBuckets,
		}),
		FindingsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "findings_total",
			Help:      "Detector findings by kind",
		}, []string{"kind"}),
		AlertsCreated: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_created_total",
			Help:      "Alerts created by severity",
		}, []string{"severity"}),
		AlertsResolved: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_resolved_total",
			Help:      "Alerts moved from active to resolved",
		}),
		CommandsCreated: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_created_total",
			Help:      "Commands queued by kind and origin",
		}, []string{"kind", "origin"}),
		CommandsDelivered: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_delivered_total",
			Help:      "Commands handed to polling endpoints",
		}),
		FanOutFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fanout_failures_total",
			Help:      "Endpoints a policy-wide directive could not be queued for",
		}),
		ReconcileCommands: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_commands_total",
			Help:      "Commands queued by the reconciler",
		}),
		ActivitiesPruned: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "activities_pruned_total",
			Help:      "Activity records removed by retention",
		}),
		PublishErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "nats_publish_errors_total",
			Help:      "Total number of NATS publish errors by subject",
		}, []string{"subject"}),
	}
}

// NewNop returns metrics registered on a private registry
func NewNop() *Metrics {
	return New(prometheus.NewRegistry())
}
