package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// OpsRequestDuration tracks latency of the ops HTTP surface
// (/healthz, /readyz, /metrics) — the only HTTP routes this service
// exposes, since the Authority API itself has no HTTP front-end.
var OpsRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "triad",
		Subsystem: "ops",
		Name:      "request_duration_seconds",
		Help:      "Ops HTTP surface request duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	},
	[]string{"method", "path", "status"},
)

// NewMetricsRegistry creates a Prometheus registry with Go/process
// collectors, OpsRequestDuration, and every triad-specific collector from
// All().
func NewMetricsRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		OpsRequestDuration,
	)
	for _, c := range All() {
		reg.MustRegister(c)
	}
	return reg
}
