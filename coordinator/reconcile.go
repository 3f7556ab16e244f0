package coordinator

import (
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/coredhcp/clusterdhcp/metrics"
)

// Reconcile snapshots every active lease record under the leases bucket,
// rebuilds the local known_leases cache from it, and then runs a GC
// sweep. It increments cluster_reconciliations once and logs one summary
// line, plus a warning for each record it cannot parse.
func (c *Coordinator) Reconcile() error {
	pairs, err := c.kv.List(c.prefix)
	if err != nil {
		return fmt.Errorf("coordinator: reconcile: list %s: %w", c.prefix, err)
	}

	now := time.Now()
	rebuilt := make(map[string]knownLease, len(pairs))
	processed := 0
	for _, p := range pairs {
		if !strings.Contains(p.Key, "/client/") {
			continue
		}
		var rec LeaseRecord
		if err := json.Unmarshal(p.Value, &rec); err != nil {
			log.Warningf("reconcile: skipping unparsable record %s: %v", p.Key, err)
			continue
		}
		processed++
		if !rec.active(now) {
			continue
		}
		key, ok := parseClientKey(p.Key)
		if !ok {
			continue
		}
		rebuilt[key.cacheKey()] = knownLease{IP: net.ParseIP(rec.IP), ExpiresAt: rec.ExpiresAt}
	}

	c.mu.Lock()
	c.knownLeases = rebuilt
	c.mu.Unlock()

	log.Infof("reconcile: rebuilt %d known leases from %d records", len(rebuilt), processed)
	metrics.ClusterReconciliations.Inc()
	return c.gcSweepLocked(pairs, now)
}

// GCSweep drops lease records that have expired along with their
// ip-index, and removes any ip-index pointing at a missing or expired
// record. Call this on a ticker sized to cluster.lease_gc_interval.
func (c *Coordinator) GCSweep() error {
	pairs, err := c.kv.List(c.prefix)
	if err != nil {
		return fmt.Errorf("coordinator: gc: list %s: %w", c.prefix, err)
	}
	return c.gcSweepLocked(pairs, time.Now())
}

func (c *Coordinator) gcSweepLocked(pairs []*KVPair, now time.Time) error {
	byKey := make(map[string]LeaseRecord, len(pairs))
	for _, p := range pairs {
		if !strings.Contains(p.Key, "/client/") {
			continue
		}
		var rec LeaseRecord
		if err := json.Unmarshal(p.Value, &rec); err == nil {
			byKey[p.Key] = rec
		}
	}

	for key, rec := range byKey {
		if rec.active(now) {
			continue
		}
		if err := c.kv.Delete(key); err != nil {
			log.Warningf("gc: delete expired record %s: %v", key, err)
			continue
		}
		ck, ok := parseClientKey(key)
		if !ok {
			continue
		}
		ip := net.ParseIP(rec.IP)
		if ip == nil {
			continue
		}
		if err := c.kv.Delete(ck.ipKey(c.prefix, ip)); err != nil {
			log.Warningf("gc: delete orphaned ip-index for %s: %v", rec.IP, err)
		}
	}

	for _, p := range pairs {
		if !strings.Contains(p.Key, "/ip/") {
			continue
		}
		var rec LeaseRecord
		if err := json.Unmarshal(p.Value, &rec); err != nil {
			continue
		}
		version, ok := ipKeyVersion(p.Key)
		if !ok {
			continue
		}
		clientKey := LeaseKey{Version: version, Subnet: rec.Subnet, ClientID: rec.ClientID}.clientKey(c.prefix)
		owner, ok := byKey[clientKey]
		if !ok || !owner.active(now) {
			if err := c.kv.Delete(p.Key); err != nil {
				log.Warningf("gc: delete dangling ip-index %s: %v", p.Key, err)
			}
		}
	}
	return nil
}

// ipKeyVersion recovers the v4/v6 tag from a "<prefix>v<N>/<subnet>/ip/<addr>" key.
func ipKeyVersion(key string) (int, bool) {
	parts := strings.SplitN(key, "/ip/", 2)
	if len(parts) != 2 {
		return 0, false
	}
	vIdx := strings.LastIndex(parts[0], "v")
	if vIdx < 0 {
		return 0, false
	}
	var version int
	rest := parts[0][vIdx:]
	slash := strings.IndexByte(rest, '/')
	if slash < 0 {
		return 0, false
	}
	if _, err := fmt.Sscanf(rest[:slash], "v%d", &version); err != nil {
		return 0, false
	}
	return version, true
}

// parseClientKey recovers a LeaseKey from a "<prefix>v<N>/<subnet>/client/<id>" key.
func parseClientKey(key string) (LeaseKey, bool) {
	parts := strings.SplitN(key, "/client/", 2)
	if len(parts) != 2 {
		return LeaseKey{}, false
	}
	head := parts[0]
	idx := strings.LastIndex(head, "/")
	if idx < 0 {
		return LeaseKey{}, false
	}
	subnet := head[idx+1:]
	versionPart := head[:idx]
	vIdx := strings.LastIndex(versionPart, "v")
	if vIdx < 0 {
		return LeaseKey{}, false
	}
	var version int
	if _, err := fmt.Sscanf(versionPart[vIdx:], "v%d", &version); err != nil {
		return LeaseKey{}, false
	}
	return LeaseKey{Version: version, Subnet: subnet, ClientID: parts[1]}, true
}

