package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

func TestRegisterExposesCounters(t *testing.T) {
	registry := prometheus.NewRegistry()
	Register(registry)

	RecvTotal.WithLabelValues("discover").Inc()
	SentTotal.WithLabelValues("offer").Inc()
	LiveMsgs.Set(3)

	families, err := registry.Gather()
	require.NoError(t, err)

	names := make(map[string]bool, len(families))
	for _, f := range families {
		names[f.GetName()] = true
	}
	for _, want := range []string{
		"recv_type_total", "sent_type_total", "reply_duration_seconds",
		"renew_cache_hit", "recv_unknown", "live_msgs",
		"cluster_allocations_blocked", "cluster_degraded_renewals",
		"cluster_reconciliations", "cluster_conflicts_detected",
		"cluster_conflicts_resolved", "uptime_seconds",
	} {
		require.Truef(t, names[want], "missing collector %q in registry output", want)
	}
}
