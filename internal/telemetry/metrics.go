// Package telemetry exposes the proxy's Prometheus metrics.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	JobsProcessed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cloudspool_jobs_processed_total",
		Help: "Jobs delivered to a printer successfully.",
	})
	JobsFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cloudspool_jobs_failed_total",
		Help: "Jobs that exhausted their delivery attempts.",
	})
	JobsDeferred = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cloudspool_jobs_deferred_total",
		Help: "Jobs parked in a per-user deferred queue.",
	})
	JobsIngested = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cloudspool_jobs_ingested_total",
		Help: "New jobs fetched from the cloud service.",
	})
	ReconcilePasses = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cloudspool_reconcile_passes_total",
		Help: "Printer reconciliation passes executed.",
	})
	PushRestarts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cloudspool_push_restarts_total",
		Help: "Push channel reconnects after a session fault.",
	})
	DeferredDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "cloudspool_deferred_jobs",
		Help: "Jobs currently waiting for their owner to authenticate.",
	})
)

// Register installs all collectors on the given registry, defaulting to the
// global one.
func Register(reg prometheus.Registerer) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(
		JobsProcessed,
		JobsFailed,
		JobsDeferred,
		JobsIngested,
		ReconcilePasses,
		PushRestarts,
		DeferredDepth,
	)
}
