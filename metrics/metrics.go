// Package metrics registers the Prometheus collectors the dispatcher and
// allocator track; the HTTP exposition endpoint itself is out of scope
// and left to the embedding process.
//
// Grounded on a promauto-free NewCounterVec + explicit Registry.MustRegister
// shape.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var startTime = time.Now()

var (
	// RecvTotal counts received datagrams by decoded message type.
	RecvTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "recv_type_total",
		Help: "Datagrams received, by DHCP message type",
	}, []string{"type"})

	// SentTotal counts sent responses by message type.
	SentTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sent_type_total",
		Help: "Responses sent, by DHCP message type",
	}, []string{"type"})

	// ReplyDuration observes end-to-end handling latency by message type.
	ReplyDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name: "reply_duration_seconds",
		Help: "Time spent building a reply, by DHCP message type",
	}, []string{"type"})

	// RenewCacheHit counts cache-threshold renewals served from cache.
	RenewCacheHit = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "renew_cache_hit",
		Help: "Renewals answered from the cache-threshold window without a store round-trip",
	})

	// RecvUnknown counts datagrams dropped because they failed to decode.
	RecvUnknown = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "recv_unknown",
		Help: "Datagrams dropped because they could not be decoded",
	})

	// LiveMsgs gauges in-flight requests currently walking the chain.
	LiveMsgs = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "live_msgs",
		Help: "Requests currently admitted and in flight",
	})

	// ClusterAllocationsBlocked counts new allocations refused in degraded
	// mode
	ClusterAllocationsBlocked = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cluster_allocations_blocked",
		Help: "New allocations refused while the coordinator was unreachable",
	})

	// ClusterDegradedRenewals counts renewals served from local cache
	// while the coordinator was unreachable.
	ClusterDegradedRenewals = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cluster_degraded_renewals",
		Help: "Renewals of known-active leases served locally while the coordinator was unreachable",
	})

	// ClusterReconciliations counts coordinator snapshot rebuilds on
	// reconnect.
	ClusterReconciliations = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cluster_reconciliations",
		Help: "Coordinator reconnect snapshots processed",
	})

	// ClusterConflictsDetected counts CAS conflicts observed on mutation.
	ClusterConflictsDetected = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cluster_conflicts_detected",
		Help: "Coordinator mutations that observed a conflicting revision",
	})

	// ClusterConflictsResolved counts conflicts resolved by local rollback.
	ClusterConflictsResolved = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cluster_conflicts_resolved",
		Help: "Coordinator conflicts resolved by rolling back the local store mutation",
	})

	// UptimeSeconds reports process uptime derived from module load time.
	UptimeSeconds = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "uptime_seconds",
		Help: "Seconds since the metrics package was loaded",
	}, func() float64 { return time.Since(startTime).Seconds() })
)

// Register adds every collector to registry. Call once at startup; the
// HTTP handler that serves registry is an external collaborator.
func Register(registry *prometheus.Registry) {
	registry.MustRegister(
		RecvTotal, SentTotal, ReplyDuration, RenewCacheHit, RecvUnknown, LiveMsgs,
		ClusterAllocationsBlocked, ClusterDegradedRenewals, ClusterReconciliations,
		ClusterConflictsDetected, ClusterConflictsResolved, UptimeSeconds,
	)
}
