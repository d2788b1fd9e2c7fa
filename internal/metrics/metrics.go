// Package metrics provides Prometheus metrics for the alert engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "blazealert"
)

// HTTP metrics
var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration tracks HTTP request latency.
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency in seconds",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path"},
	)

	// HTTPRequestsInFlight tracks concurrent HTTP requests.
	HTTPRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_in_flight",
			Help:      "Number of HTTP requests currently being processed",
		},
	)
)

// Alert lifecycle metrics
var (
	// AlertsCreatedTotal counts created alerts.
	AlertsCreatedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "alerts",
			Name:      "created_total",
			Help:      "Total alerts created",
		},
	)

	// AlertsFixedTotal counts alerts transitioned to fixed.
	AlertsFixedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "alerts",
			Name:      "fixed_total",
			Help:      "Total alerts marked fixed",
		},
	)

	// DefinitionsRecoveredTotal counts recovering definitions re-enabled by a fix.
	DefinitionsRecoveredTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "alerts",
			Name:      "definitions_recovered_total",
			Help:      "Total alert definitions re-enabled after a recovering alert was fixed",
		},
	)

	// ConditionLogsTotal counts appended condition log entries.
	ConditionLogsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "alerts",
			Name:      "condition_logs_total",
			Help:      "Total condition log entries appended",
		},
	)

	// AlertsDeletedTotal counts deleted alerts by deletion scope.
	AlertsDeletedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "alerts",
			Name:      "deleted_total",
			Help:      "Total alerts deleted",
		},
		[]string{"scope"}, // ids, entity, definition, range
	)
)

// Query metrics
var (
	// PageFetchesTotal counts window pages fetched by multi-page scans.
	PageFetchesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "query",
			Name:      "page_fetches_total",
			Help:      "Total window pages fetched while collecting alerts",
		},
	)

	// QueryCacheTotal counts window query cache lookups by result, plus
	// results dropped as stale because a write purged the cache meanwhile.
	QueryCacheTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "query",
			Name:      "cache_total",
			Help:      "Window query cache lookups",
		},
		[]string{"result"}, // hit, miss
	)

	// PermissionDeniedTotal counts operations rejected by the permission gate.
	PermissionDeniedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "authz",
			Name:      "denied_total",
			Help:      "Total operations rejected for lack of manage permission",
		},
	)
)

// Reason and escalation metrics
var (
	// ReasonDegradedTotal counts composition steps that fell back to degraded output.
	ReasonDegradedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reason",
			Name:      "degraded_total",
			Help:      "Reason compositions that omitted or left data unformatted",
		},
		[]string{"cause"}, // name_lookup, measurement_lookup, not_available, panic
	)

	// EscalatablesTotal counts escalatable items built.
	EscalatablesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "escalation",
			Name:      "escalatables_total",
			Help:      "Total escalatable items built from alerts",
		},
	)

	// DispatchTotal counts hand-offs to escalation sinks by sink and result.
	DispatchTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "escalation",
			Name:      "dispatch_total",
			Help:      "Escalatable batches handed to sinks",
		},
		[]string{"sink", "result"}, // ok, error, rate_limited
	)
)

// Storage metrics
var (
	// StorageQueryDuration tracks query latency.
	StorageQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "storage",
			Name:      "query_duration_seconds",
			Help:      "Storage query latency in seconds",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{"operation", "backend"},
	)

	// StorageErrors counts storage operation errors.
	StorageErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "storage",
			Name:      "errors_total",
			Help:      "Total storage operation errors",
		},
		[]string{"operation", "backend"},
	)
)

// Info metric
var (
	// BuildInfo exposes build information.
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "build_info",
			Help:      "Build information",
		},
		[]string{"version", "commit", "build_time"},
	)
)

// SetBuildInfo sets the build info metric.
func SetBuildInfo(version, commit, buildTime string) {
	BuildInfo.WithLabelValues(version, commit, buildTime).Set(1)
}
