package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "governd"
)

var (
	refreshDurationBuckets = []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300}

	// Connector lifecycle metrics
	ConnectorRefreshDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "connector_refresh_duration_seconds",
		Help:      "Time taken for a connector refresh pass to complete.",
		Buckets:   refreshDurationBuckets,
	}, []string{"owner", "connector"})

	ConnectorOperationFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "connector_operation_failures_total",
		Help:      "Count of connector lifecycle hook failures.",
	}, []string{"owner", "connector", "operation"})

	ConnectorsByStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "connectors_by_status",
		Help:      "Number of cached connector handlers in each lifecycle status.",
	}, []string{"owner", "status"})

	// Configuration refresh metrics
	ConfigRefreshesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "config_refreshes_total",
		Help:      "Count of engine/group configuration refresh attempts.",
	}, []string{"owner", "status"})

	RegisteredServicesTotal = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "registered_services_total",
		Help:      "Number of registered services resolved on the last refresh.",
	}, []string{"owner"})

	// Engine action metrics
	ActionExecutionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "action_executions_total",
		Help:      "Count of engine action executions by outcome.",
	}, []string{"owner", "request_type", "status"})

	ActiveActionThreads = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_action_threads",
		Help:      "Number of engine action executions currently running.",
	}, []string{"owner"})

	ActionClaimConflictsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "action_claim_conflicts_total",
		Help:      "Count of engine action claims lost to another host.",
	}, []string{"owner"})

	// Watchdog listener metrics
	ListenerDispatchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "listener_dispatches_total",
		Help:      "Count of watchdog event deliveries by outcome.",
	}, []string{"outcome"})

	RegisteredListeners = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "registered_listeners",
		Help:      "Number of currently registered watchdog listeners.",
	})
)
