// Package metrics exposes the engine's Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the engine-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	// OpsExecuted counts operation executions by method and outcome.
	OpsExecuted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "viewfinder",
			Subsystem: "ops",
			Name:      "executed_total",
			Help:      "Total number of operation executions.",
		},
		[]string{"method", "status"},
	)

	// OpsQuarantined counts operations parked after exhausting retries.
	OpsQuarantined = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "viewfinder",
			Subsystem: "ops",
			Name:      "quarantined_total",
			Help:      "Total number of operations quarantined.",
		},
	)

	// OpDuration observes end-to-end operation execution time.
	OpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "viewfinder",
			Subsystem: "ops",
			Name:      "duration_seconds",
			Help:      "Duration of operation executions.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~10s
		},
		[]string{"method"},
	)

	// LockAcquisitions counts lock acquire attempts by resource type and result.
	LockAcquisitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "viewfinder",
			Subsystem: "locks",
			Name:      "acquisitions_total",
			Help:      "Total number of lock acquisition attempts.",
		},
		[]string{"resource_type", "result"},
	)

	// NotificationsCreated counts notification rows written per method.
	NotificationsCreated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "viewfinder",
			Subsystem: "notify",
			Name:      "created_total",
			Help:      "Total number of notifications created.",
		},
		[]string{"name"},
	)

	// AlertsDispatched counts push/email/sms alerts by channel and result.
	AlertsDispatched = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "viewfinder",
			Subsystem: "notify",
			Name:      "alerts_total",
			Help:      "Total number of alerts dispatched.",
		},
		[]string{"channel", "result"},
	)

	// KVRetries counts transparent retries of throttled KV calls.
	KVRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "viewfinder",
			Subsystem: "kv",
			Name:      "retries_total",
			Help:      "Total number of retried key-value store calls.",
		},
		[]string{"operation"},
	)
)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		OpsExecuted,
		OpsQuarantined,
		OpDuration,
		LockAcquisitions,
		NotificationsCreated,
		AlertsDispatched,
		KVRetries,
	)
}

// Handler returns an HTTP handler serving the registry.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
