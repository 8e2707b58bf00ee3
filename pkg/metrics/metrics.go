package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Transaction Engine metrics
	TransactionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clonebox_transactions_total",
			Help: "Total number of transactions by outcome",
		},
		[]string{"outcome"}, // committed, rolled_back, failed_rollback
	)

	TransactionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "clonebox_transaction_duration_seconds",
			Help:    "Time from transaction open to commit or rollback",
			Buckets: prometheus.DefBuckets,
		},
	)

	ArtifactsRolledBack = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "clonebox_artifacts_rolled_back_total",
			Help: "Total number of artifacts cleaned up during rollback",
		},
	)

	RecoveryRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clonebox_recovery_runs_total",
			Help: "Total number of crash-recovery sweeps by outcome",
		},
		[]string{"outcome"},
	)

	// Hypervisor Backend metrics
	DomainsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "clonebox_domains_total",
			Help: "Total number of known domains by state",
		},
		[]string{"state"},
	)

	GuestExecDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "clonebox_guest_exec_duration_seconds",
			Help:    "Time taken for exec_in_guest to complete",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Disk Manager metrics
	DiskOperationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "clonebox_disk_operation_duration_seconds",
			Help:    "Time taken for a disk operation by kind",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"}, // create, resize, snapshot, delete, info
	)

	// Cloud-Init Builder metrics
	SeedBuildDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "clonebox_seed_build_duration_seconds",
			Help:    "Time taken to materialize a cloud-init seed ISO",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Snapshot Manager metrics
	SnapshotsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "clonebox_snapshots_total",
			Help: "Total number of snapshots by vm",
		},
		[]string{"vm_name"},
	)

	SnapshotOperationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "clonebox_snapshot_operation_duration_seconds",
			Help:    "Time taken for a snapshot operation by kind",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"}, // create, restore, delete, enforce_policy
	)

	PolicySweepsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "clonebox_policy_sweeps_total",
			Help: "Total number of snapshot retention policy sweeps run",
		},
	)

	// Health Engine metrics
	ProbesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clonebox_probes_total",
			Help: "Total number of probe runs by probe type and status",
		},
		[]string{"probe_type", "status"},
	)

	ProbeDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "clonebox_probe_duration_seconds",
			Help:    "Time taken for a probe to complete",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"probe_type"},
	)

	HealthTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clonebox_health_transitions_total",
			Help: "Total number of healthy/unhealthy transitions by probe",
		},
		[]string{"probe_name", "transition"}, // to_healthy, to_unhealthy
	)

	// Orchestrator metrics
	OrchestrationUpDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "clonebox_orchestration_up_duration_seconds",
			Help:    "Time taken for an orchestration up run to complete",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600},
		},
	)

	VMsStartedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clonebox_vms_started_total",
			Help: "Total number of VMs started by orchestration, by outcome",
		},
		[]string{"outcome"}, // running, failed
	)
)

func init() {
	prometheus.MustRegister(TransactionsTotal)
	prometheus.MustRegister(TransactionDuration)
	prometheus.MustRegister(ArtifactsRolledBack)
	prometheus.MustRegister(RecoveryRuns)
	prometheus.MustRegister(DomainsTotal)
	prometheus.MustRegister(GuestExecDuration)
	prometheus.MustRegister(DiskOperationDuration)
	prometheus.MustRegister(SeedBuildDuration)
	prometheus.MustRegister(SnapshotsTotal)
	prometheus.MustRegister(SnapshotOperationDuration)
	prometheus.MustRegister(PolicySweepsTotal)
	prometheus.MustRegister(ProbesTotal)
	prometheus.MustRegister(ProbeDuration)
	prometheus.MustRegister(HealthTransitionsTotal)
	prometheus.MustRegister(OrchestrationUpDuration)
	prometheus.MustRegister(VMsStartedTotal)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
