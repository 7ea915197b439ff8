package telemetry

import "github.com/prometheus/client_golang/prometheus"

var VerificationsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "triad",
		Subsystem: "verifier",
		Name:      "verifications_total",
		Help:      "Total number of verify_with_level calls by outcome code.",
	},
	[]string{"code"},
)

var SessionsIssuedTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "triad",
		Subsystem: "session",
		Name:      "issued_total",
		Help:      "Total number of sessions issued by start_session.",
	},
)

var SessionsRevokedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "triad",
		Subsystem: "session",
		Name:      "revoked_total",
		Help:      "Total number of session revocation events (one session, all of an identity's sessions, or a device's sessions), by cause.",
	},
	[]string{"cause"},
)

var LockoutsTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "triad",
		Subsystem: "verifier",
		Name:      "lockouts_total",
		Help:      "Total number of identities placed into lockout on reaching max_failed_attempts.",
	},
)

var EventQueueDepth = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "triad",
		Subsystem: "eventfabric",
		Name:      "queue_depth",
		Help:      "Current depth of each event-fabric priority queue.",
	},
	[]string{"priority"},
)

var EventFabricErrorRate = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "triad",
		Subsystem: "eventfabric",
		Name:      "error_rate",
		Help:      "Fraction of processed events that were dropped after exhausting retries.",
	},
)

var RateLimitRejectionsTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "triad",
		Subsystem: "ratelimit",
		Name:      "rejections_total",
		Help:      "Total number of verify attempts rejected as rate_limited, by the per-identity rate limiter or an active lockout.",
	},
)

var ReplicaWritesTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "triad",
		Subsystem: "replica",
		Name:      "writes_total",
		Help:      "Total number of identity snapshots written to the external replication sink, by outcome.",
	},
	[]string{"outcome"},
)

// All returns every triad-specific metric for registration against a
// prometheus.Registerer.
func All() []prometheus.Collector {
	return []prometheus.Collector{
		VerificationsTotal,
		SessionsIssuedTotal,
		SessionsRevokedTotal,
		LockoutsTotal,
		EventQueueDepth,
		EventFabricErrorRate,
		RateLimitRejectionsTotal,
		ReplicaWritesTotal,
	}
}
