package images

import (
	"github.com/prometheus/client_golang/prometheus"
)

var tenantRejections = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "pxl8",
	Subsystem: "images",
	Name:      "tenant_rejections_total",
	Help:      "Hot-path requests rejected by tenant policy, by reason.",
}, []string{"reason"}) // "unknown", "suspended", "cancelled"

func init() {
	prometheus.MustRegister(tenantRejections)
}
