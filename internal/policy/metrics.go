package policy

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	snapshotSyncs = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pxl8",
		Subsystem: "policy",
		Name:      "snapshot_syncs_total",
		Help:      "Total policy snapshot sync attempts by result.",
	}, []string{"result"}) // "success", "fetch_failed"

	snapshotTenants = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "pxl8",
		Subsystem: "policy",
		Name:      "snapshot_tenants",
		Help:      "Number of tenants in the current policy snapshot.",
	})

	snapshotAge = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "pxl8",
		Subsystem: "policy",
		Name:      "snapshot_age_seconds",
		Help:      "Age of the current policy snapshot in seconds (-1 before first sync).",
	}, currentSnapshotAge)
)

func init() {
	prometheus.MustRegister(snapshotSyncs, snapshotTenants, snapshotAge)
}

// ageSource is set by the server to the live cache so the age gauge can be
// sampled at scrape time. Process-wide because prometheus collectors are.
var ageSource *Cache

// ObserveAge wires the snapshot age gauge to the given cache.
func ObserveAge(c *Cache) { ageSource = c }

func currentSnapshotAge() float64 {
	if ageSource == nil {
		return -1
	}
	age, ok := ageSource.SnapshotAge()
	if !ok {
		return -1
	}
	return age.Seconds()
}
