package budget

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	spends = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pxl8",
		Subsystem: "budget",
		Name:      "spends_total",
		Help:      "Total spend attempts by dimension and outcome.",
	}, []string{"dimension", "outcome"}) // dimension: "bandwidth", "transform"; outcome: "allowed", "denied", "lease_expired"

	leasesGranted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "pxl8",
		Subsystem: "budget",
		Name:      "leases_granted_total",
		Help:      "Total budget leases granted by the control plane.",
	})

	refillsTriggered = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "pxl8",
		Subsystem: "budget",
		Name:      "refills_triggered_total",
		Help:      "Total refill attempts claimed by ShouldRefill.",
	})

	refillFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "pxl8",
		Subsystem: "budget",
		Name:      "refill_failures_total",
		Help:      "Total refill requests that failed against the control plane.",
	})

	activeLedgers = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "pxl8",
		Subsystem: "budget",
		Name:      "active_ledgers",
		Help:      "Number of tenant/period ledgers held in memory.",
	})

	usageReports = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pxl8",
		Subsystem: "budget",
		Name:      "usage_reports_total",
		Help:      "Total usage reports by result.",
	}, []string{"result"}) // "sent", "failed", "skipped_empty"

	usageReportedBytes = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "pxl8",
		Subsystem: "budget",
		Name:      "usage_reported_bandwidth_bytes_total",
		Help:      "Total bandwidth bytes successfully reported to the control plane.",
	})
)

func init() {
	prometheus.MustRegister(
		spends,
		leasesGranted,
		refillsTriggered,
		refillFailures,
		activeLedgers,
		usageReports,
		usageReportedBytes,
	)
}
