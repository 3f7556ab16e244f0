// Package allocator implements the local lease allocator: it
// orchestrates a leasestore.Store plus a ping-before-offer cache to satisfy
// DORA semantics (reserve_first/try_ip/try_lease/release_ip/probate_ip) and
// the cache-threshold renewal optimization.
//
// Grounded on a go-ping ICMP usage pattern and an "allocate, then
// remember" range-allocation shape, generalized to a store contract
// instead of a flat in-memory map.
package allocator

import (
	"crypto/rand"
	"fmt"
	"net"
	"time"

	"github.com/go-ping/ping"
	gocache "github.com/patrickmn/go-cache"

	"github.com/coredhcp/clusterdhcp/config"
	"github.com/coredhcp/clusterdhcp/leasestore"
	"github.com/coredhcp/clusterdhcp/logger"
)

var log = logger.GetLogger("allocator")

// maxReserveAttempts bounds reserve_first's retry budget.
const maxReserveAttempts = 16

// pingCacheTTL and pingCacheSize match "~1000 entries, ~120s". Only the
// TTL is applied: pingCacheSize is not passed to go-cache, so the ping
// cache's entry count is bounded by expiry alone.
const (
	pingCacheTTL  = 120 * time.Second
	pingCacheSize = 1000
)

// Pinger sends one ICMP echo to ip and reports whether a reply was
// received within timeout. It is satisfied by icmpPinger (NewICMPPinger) in
// production and stubbed in tests.
type Pinger interface {
	Ping(ip net.IP, timeout time.Duration) (inUse bool, err error)
}

// icmpPinger uses go-ping to implement Pinger, matching the pattern in
// AdGuardHome's addrAvailable.
type icmpPinger struct{}

// NewICMPPinger returns the production Pinger.
func NewICMPPinger() Pinger { return icmpPinger{} }

func (icmpPinger) Ping(ip net.IP, timeout time.Duration) (bool, error) {
	pinger, err := ping.NewPinger(ip.String())
	if err != nil {
		return false, fmt.Errorf("allocator: new pinger: %w", err)
	}
	pinger.SetPrivileged(true)
	pinger.Timeout = timeout
	pinger.Count = 1

	// Only the echo payload size is taken from the 24-byte random token;
	// the token bytes themselves are not put into the packet. Replies are
	// matched to this probe by go-ping's own per-packet id/sequence before
	// OnRecv fires, not by the token.
	token := make([]byte, 24)
	if _, err := rand.Read(token); err == nil {
		pinger.Size = len(token)
	}

	var reply bool
	pinger.OnRecv = func(*ping.Packet) { reply = true }
	if err := pinger.Run(); err != nil {
		return false, fmt.Errorf("allocator: ping %s: %w", ip, err)
	}
	return reply, nil
}

// Allocator drives leasestore.Store operations for DHCPv4 address
// assignment
type Allocator struct {
	store  leasestore.Store
	pinger Pinger

	pingCache *gocache.Cache

	// cacheThreshold, if > 0, is the fraction of a lease's duration
	// within which a renewal reuses its existing remaining time instead
	// of recomputing one.
	cacheThreshold float64
	renewals       *gocache.Cache // clientID -> remainingExpiry (time.Time)
}

// New returns an Allocator backed by store, using pinger for ping_check and
// cacheThreshold (0 disables it) for renewal suppression.
func New(store leasestore.Store, pinger Pinger, cacheThreshold float64) *Allocator {
	return &Allocator{
		store:          store,
		pinger:         pinger,
		pingCache:      gocache.New(pingCacheTTL, pingCacheTTL/2),
		cacheThreshold: cacheThreshold,
		renewals:       gocache.New(gocache.NoExpiration, time.Minute),
	}
}

// PingCheck: if network.PingCheck is false, it
// always succeeds. Otherwise it sends one ICMP echo to ip (deduplicated by
// a TTL cache so repeated probes within ~120s are skipped) and, if the
// address replies (meaning it's already in use), deletes the speculative
// store row and returns leasestore.ErrAddrInUse.
func (a *Allocator) PingCheck(ip net.IP, network *config.Network) error {
	if !network.PingCheck {
		return nil
	}
	key := ip.String()
	if _, found := a.pingCache.Get(key); found {
		return nil
	}
	inUse, err := a.pinger.Ping(ip, network.PingTimeout)
	if err != nil {
		log.Warningf("ping_check(%s): %v, assuming free", ip, err)
		a.pingCache.SetDefault(key, struct{}{})
		return nil
	}
	a.pingCache.SetDefault(key, struct{}{})
	if inUse {
		if rec, err := a.store.Get(ip); err == nil {
			// best-effort: the row may already be gone by the time we get here
			_, _ = a.store.ReleaseIP(ip, rec.ClientID)
		}
		return leasestore.ErrAddrInUse
	}
	return nil
}
