// Package obsmetrics defines the Prometheus instrumentation surfaced by
// the upgrade pipeline and its collaborators. The namespaced-CounterVec
// style, one struct per subsystem, follows the teacher's
// pkg/metrics.BusinessMetrics/NewBusinessMetrics shape.
package obsmetrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PipelineMetrics instruments the upgrade pipeline orchestrator (C10).
type PipelineMetrics struct {
	namespace string

	UpgradesStartedTotal   *prometheus.CounterVec
	UpgradesSucceededTotal *prometheus.CounterVec
	UpgradesFailedTotal    *prometheus.CounterVec
	RollbacksTotal         *prometheus.CounterVec
	StateDurationSeconds   *prometheus.HistogramVec

	DownloadBytesTotal   prometheus.Counter
	DownloadRetriesTotal prometheus.Counter

	BackupsCreatedTotal prometheus.Counter
	BackupBytesTotal    prometheus.Counter

	PatchOpsAppliedTotal *prometheus.CounterVec
	PatchRollbacksTotal  prometheus.Counter

	ContainerSettleSeconds prometheus.Histogram
}

var (
	defaultOnce    sync.Once
	defaultMetrics *PipelineMetrics
)

// Default returns the process-wide PipelineMetrics instance under the
// "duckclient" namespace, registering it with the default Prometheus
// registry exactly once.
func Default() *PipelineMetrics {
	defaultOnce.Do(func() {
		defaultMetrics = NewPipelineMetrics("duckclient", prometheus.DefaultRegisterer)
	})
	return defaultMetrics
}

// NewPipelineMetrics registers and returns a fresh pipeline metrics set
// under namespace (typically "duckclient") against reg. Most callers
// should use Default instead; this constructor exists for tests that need
// an isolated registry (pass prometheus.NewRegistry()) to avoid the
// "duplicate metrics collector registration" panic promauto raises
// against the global registry.
func NewPipelineMetrics(namespace string, reg prometheus.Registerer) *PipelineMetrics {
	factory := promauto.With(reg)
	return &PipelineMetrics{
		namespace: namespace,

		UpgradesStartedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "upgrades_started_total",
			Help:      "Total upgrade pipeline runs started, labeled by strategy.",
		}, []string{"strategy"}),

		UpgradesSucceededTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "upgrades_succeeded_total",
			Help:      "Total upgrade pipeline runs that reached Done.",
		}, []string{"strategy"}),

		UpgradesFailedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "upgrades_failed_total",
			Help:      "Total upgrade pipeline runs that ended Failed, labeled by the state they failed in.",
		}, []string{"state"}),

		RollbacksTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "rollbacks_total",
			Help:      "Total rollback_to_backup invocations, labeled by outcome.",
		}, []string{"outcome"}),

		StateDurationSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "state_duration_seconds",
			Help:      "Time spent in each pipeline state.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		}, []string{"state"}),

		DownloadBytesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "download",
			Name:      "bytes_total",
			Help:      "Total bytes written by the resumable downloader.",
		}),

		DownloadRetriesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "download",
			Name:      "retries_total",
			Help:      "Total retried download attempts.",
		}),

		BackupsCreatedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "backup",
			Name:      "created_total",
			Help:      "Total backup archives successfully created.",
		}),

		BackupBytesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "backup",
			Name:      "bytes_total",
			Help:      "Total bytes written across all backup archives.",
		}),

		PatchOpsAppliedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "patch",
			Name:      "ops_applied_total",
			Help:      "Total patch operations applied, labeled by kind.",
		}, []string{"kind"}),

		PatchRollbacksTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "patch",
			Name:      "rollbacks_total",
			Help:      "Total patch executor rollbacks triggered by a failed operation.",
		}),

		ContainerSettleSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "container",
			Name:      "settle_seconds",
			Help:      "Time taken for wait_until_settled to report AllRunning.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
		}),
	}
}
