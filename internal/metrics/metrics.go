package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"sigs.k8s.io/controller-runtime/pkg/metrics"
)

var (
	// AdmissionDecisions counts admission decisions by operation and reason code ("allowed" when admitted)
	AdmissionDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kubex_lifecycle_admission_decisions_total",
			Help: "Total number of admission decisions by operation and reason",
		},
		[]string{"operation", "reason"},
	)

	// ScalingOperations counts finished scaling operations by overall status
	ScalingOperations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kubex_lifecycle_scaling_operations_total",
			Help: "Total number of scaling operations by operation and overall status",
		},
		[]string{"operation", "status"},
	)

	RollbackIncomplete = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kubex_lifecycle_rollback_incomplete_total",
			Help: "Scaling operations whose rollback left workloads in a modified state",
		},
		[]string{"namespace"},
	)

	ScalingDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kubex_lifecycle_scaling_duration_seconds",
			Help:    "Duration of scaling operations in seconds, rollback included",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	// PermissionCacheLookups counts permission cache lookups by result (hit, negative_hit, miss)
	PermissionCacheLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kubex_lifecycle_permission_cache_lookups_total",
			Help: "Permission cache lookups by result",
		},
		[]string{"result"},
	)

	// NamespaceActive is 1 for every namespace with running workloads, 0 otherwise
	NamespaceActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "kubex_lifecycle_namespace_active",
			Help: "Whether a namespace currently runs workloads",
		},
		[]string{"namespace", "cost_center"},
	)

	AuditWriteFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kubex_lifecycle_audit_write_failures_total",
			Help: "Audit records that could not be written",
		},
	)
)

func init() {
	// Register metrics with controller-runtime's registry
	metrics.Registry.MustRegister(
		AdmissionDecisions,
		ScalingOperations,
		RollbackIncomplete,
		ScalingDuration,
		PermissionCacheLookups,
		NamespaceActive,
		AuditWriteFailures,
	)
}
