// Package metrics defines the Prometheus metrics the server exposes,
// instrumenting the Allocator, Scheduler, and CI Allocator named in
// SPEC_FULL.md's domain-stack expansion.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Namespace prefixes every metric registered by this package.
const namespace = "quartermaster"

var (
	// ReservationOperations counts Allocator operations by kind (make,
	// update, refresh, release) and outcome (ok, error).
	ReservationOperations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "allocator",
		Name:      "reservation_operations_total",
		Help:      "Reservation operations processed by the Allocator, by operation and outcome.",
	}, []string{"operation", "outcome"})

	// ReconcileDuration observes how long one reconcile-host-state tick
	// takes across all fanned-out RemoteHosts.
	ReconcileDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "scheduler",
		Name:      "reconcile_host_state_duration_seconds",
		Help:      "Duration of one reconcile-host-state scheduler tick.",
		Buckets:   prometheus.DefBuckets,
	})

	// JobSkipped counts ticks skipped because the previous run of the same
	// named job was still in flight (the named-mutex-per-job guard).
	JobSkipped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "scheduler",
		Name:      "job_skipped_total",
		Help:      "Scheduler ticks skipped because the previous run of the same job had not finished.",
	}, []string{"job"})

	// DeviceOnline tracks the last-observed online state per device, so a
	// dashboard can show devices currently offline without scraping the
	// store directly.
	DeviceOnline = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "devices",
		Name:      "online",
		Help:      "1 if the device was online as of the last reconcile, 0 otherwise.",
	}, []string{"device_id"})

	// CIRequests counts outbound TeamCity REST calls by endpoint and
	// outcome, surfacing the read-modify-write quota race's error rate.
	CIRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ci_teamcity",
		Name:      "requests_total",
		Help:      "TeamCity REST requests made by the CI Allocator, by endpoint and outcome.",
	}, []string{"endpoint", "outcome"})
)

// MustRegister registers every metric in this package with reg. Call once
// at startup with prometheus.DefaultRegisterer (or a test registry).
func MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(ReservationOperations, ReconcileDuration, JobSkipped, DeviceOnline, CIRequests)
}
