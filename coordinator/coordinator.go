package coordinator

import (
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/coredhcp/clusterdhcp/config"
	"github.com/coredhcp/clusterdhcp/leasestore"
	"github.com/coredhcp/clusterdhcp/logger"
	"github.com/coredhcp/clusterdhcp/metrics"
)

var log = logger.GetLogger("coordinator")

// casBaseBackoff and casMaxAttempts bound CAS retries with exponential
// backoff.
const (
	casBaseBackoff = 50 * time.Millisecond
	casMaxAttempts = 3
)

// LeaseKey identifies one binding in the cluster store. Version is 4 or 6;
// ClientID is the v4 client_id string, or the v6 (duid, iaid) pair encoded
// by allocator.V6Key.ClientID.
type LeaseKey struct {
	Version  int
	Subnet   string
	ClientID string
}

func (k LeaseKey) clientKey(prefix string) string {
	return fmt.Sprintf("%sv%d/%s/client/%s", prefix, k.Version, k.Subnet, k.ClientID)
}

func (k LeaseKey) ipKey(prefix string, ip net.IP) string {
	return fmt.Sprintf("%sv%d/%s/ip/%s", prefix, k.Version, k.Subnet, ip.String())
}

func (k LeaseKey) cacheKey() string {
	return fmt.Sprintf("%d|%s|%s", k.Version, k.Subnet, k.ClientID)
}

// LeaseRecord is the JSON-serialized shape mirrored into the leases bucket.
type LeaseRecord struct {
	IP        string    `json:"ip"`
	ClientID  string    `json:"client_id"`
	Subnet    string    `json:"subnet"`
	ExpiresAt time.Time `json:"expires_at"`
	State     string    `json:"state"`
	ServerID  string    `json:"server_id"`
	UpdatedAt time.Time `json:"updated_at"`
	// Token is a per-mutation idempotency marker, echoed into Consul
	// session locks by operators correlating writes across the cluster;
	// the coordinator itself only needs CAS on ModifyIndex, not this.
	Token string `json:"token"`
}

func (r LeaseRecord) active(now time.Time) bool {
	switch r.State {
	case leasestore.Reserved.String(), leasestore.Leased.String(), leasestore.Probated.String():
		return r.ExpiresAt.After(now)
	default:
		return false
	}
}

// OutcomeKind is the coarse result of mirroring a lease decision:
// Success, Conflict{expected, actual}, or DegradedModeBlocked.
type OutcomeKind int

const (
	// Success means the record was written (or is already known-active
	// locally while degraded).
	Success OutcomeKind = iota
	// Conflict means another server's ip-index claims this address under
	// a different, still-active client.
	Conflict
	// DegradedModeBlocked means the coordinator is unreachable and this
	// is not a known-active renewal, so the allocation must not proceed.
	DegradedModeBlocked
)

// Outcome is MirrorLease's result.
type Outcome struct {
	Kind     OutcomeKind
	Record   LeaseRecord
	Expected uint64
	Actual   uint64
}

type knownLease struct {
	IP        net.IP
	ExpiresAt time.Time
}

// Coordinator mirrors local lease decisions into a cluster KV store and
// tracks degraded-mode state.
type Coordinator struct {
	kv           KV
	prefix       string
	degradeAfter time.Duration
	serverID     string

	mu          sync.RWMutex
	knownLeases map[string]knownLease

	failMu       sync.Mutex
	firstFailure time.Time
	degraded     bool
}

// New returns a Coordinator backed by kv, using cfg's prefix and
// degrade-after window.
func New(kv KV, cfg *config.ClusterConfig, serverID string) *Coordinator {
	return &Coordinator{
		kv:           kv,
		prefix:       cfg.Prefix,
		degradeAfter: cfg.DegradeAfter,
		serverID:     serverID,
		knownLeases:  make(map[string]knownLease),
	}
}

// IsDegraded reports whether the coordinator currently considers the
// cluster store unreachable.
func (c *Coordinator) IsDegraded() bool {
	c.failMu.Lock()
	defer c.failMu.Unlock()
	return c.degraded
}

func (c *Coordinator) recordFailure() {
	c.failMu.Lock()
	defer c.failMu.Unlock()
	if c.firstFailure.IsZero() {
		c.firstFailure = time.Now()
	}
	if time.Since(c.firstFailure) >= c.degradeAfter {
		c.degraded = true
	}
}

// recordSuccess clears failure tracking and reports whether the
// coordinator was degraded just before this success (a reconnect edge),
// so the caller can trigger Reconcile.
func (c *Coordinator) recordSuccess() (wasDegraded bool) {
	c.failMu.Lock()
	defer c.failMu.Unlock()
	wasDegraded = c.degraded
	c.firstFailure = time.Time{}
	c.degraded = false
	return wasDegraded
}

func (c *Coordinator) knownLease(key LeaseKey) (knownLease, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	kl, ok := c.knownLeases[key.cacheKey()]
	return kl, ok
}

func (c *Coordinator) rememberLease(key LeaseKey, ip net.IP, expires time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.knownLeases[key.cacheKey()] = knownLease{IP: ip, ExpiresAt: expires}
}

func (c *Coordinator) forgetLease(key LeaseKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.knownLeases, key.cacheKey())
}

// MirrorLease is the heart: it writes the lease record and
// its ip-index under CAS, retrying on revision conflict, refusing new
// allocations while degraded and serving known-active renewals from the
// local cache instead.
func (c *Coordinator) MirrorLease(key LeaseKey, ip net.IP, state leasestore.State, expires time.Time) (Outcome, error) {
	now := time.Now()
	if c.IsDegraded() {
		if kl, ok := c.knownLease(key); ok && kl.IP.Equal(ip) {
			c.rememberLease(key, ip, expires)
			metrics.ClusterDegradedRenewals.Inc()
			return Outcome{Kind: Success, Record: LeaseRecord{
				IP: ip.String(), ClientID: key.ClientID, Subnet: key.Subnet,
				ExpiresAt: expires, State: state.String(), ServerID: c.serverID,
			}}, nil
		}
		metrics.ClusterAllocationsBlocked.Inc()
		return Outcome{Kind: DegradedModeBlocked}, nil
	}

	rec := LeaseRecord{
		IP: ip.String(), ClientID: key.ClientID, Subnet: key.Subnet,
		ExpiresAt: expires, State: state.String(), ServerID: c.serverID, UpdatedAt: now,
		Token: idempotencyToken(),
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return Outcome{}, fmt.Errorf("coordinator: marshal record: %w", err)
	}

	ckey := key.clientKey(c.prefix)
	ikey := key.ipKey(c.prefix, ip)
	backoff := casBaseBackoff

	for attempt := 0; attempt < casMaxAttempts; attempt++ {
		var modIdx uint64
		cur, gerr := c.kv.Get(ckey)
		switch {
		case gerr == nil:
			modIdx = cur.ModifyIndex
		case gerr == ErrNotFound:
			// fresh key, CAS against revision 0
		default:
			c.recordFailure()
			return Outcome{}, gerr
		}

		if existing, ierr := c.kv.Get(ikey); ierr == nil {
			var foreign LeaseRecord
			if jerr := json.Unmarshal(existing.Value, &foreign); jerr == nil {
				if foreign.ClientID != key.ClientID && foreign.active(now) {
					metrics.ClusterConflictsDetected.Inc()
					return Outcome{Kind: Conflict, Record: foreign, Expected: modIdx, Actual: existing.ModifyIndex}, nil
				}
			}
		}

		ok, cerr := c.kv.CAS(&KVPair{Key: ckey, Value: data, ModifyIndex: modIdx})
		if cerr != nil {
			c.recordFailure()
			return Outcome{}, cerr
		}
		if !ok {
			metrics.ClusterConflictsDetected.Inc()
			time.Sleep(backoff)
			backoff *= 2
			continue
		}

		// The ip-index is a uniqueness pointer, not the source of truth;
		// a lost race here just means a future conflict check reads a
		// slightly stale pointer, matching the "optimistic ...
		// last-writer-wins-plus-revision" non-goal on strict consensus.
		var ipMod uint64
		if ipair, ierr := c.kv.Get(ikey); ierr == nil {
			ipMod = ipair.ModifyIndex
		}
		if _, cerr := c.kv.CAS(&KVPair{Key: ikey, Value: data, ModifyIndex: ipMod}); cerr != nil {
			log.Warningf("ip-index write for %s failed (best-effort): %v", ip, cerr)
		}

		if c.recordSuccess() {
			go c.safeReconcile()
		}
		c.rememberLease(key, ip, expires)
		return Outcome{Kind: Success, Record: rec}, nil
	}

	return Outcome{}, fmt.Errorf("coordinator: %s: CAS conflict after %d attempts", ckey, casMaxAttempts)
}

// ReleaseLease best-effort deletes the mirrored record and ip-index for
// key/ip and forgets the local known-lease entry; a failure here is logged
// only and never blocks the DHCP pipeline.
func (c *Coordinator) ReleaseLease(key LeaseKey, ip net.IP) {
	c.forgetLease(key)
	if err := c.kv.Delete(key.clientKey(c.prefix)); err != nil {
		log.Warningf("release %s: delete client key: %v", key.ClientID, err)
	}
	if err := c.kv.Delete(key.ipKey(c.prefix, ip)); err != nil {
		log.Warningf("release %s: delete ip key: %v", ip, err)
	}
}

// idempotencyToken mints a fresh token for a mutation; MirrorLease stores it
// in the Token field of the record it writes.
func idempotencyToken() string {
	return uuid.NewString()
}

func (c *Coordinator) safeReconcile() {
	if err := c.Reconcile(); err != nil {
		log.Errorf("reconcile after reconnect: %v", err)
	}
}
