package coordinator

import (
	"net"
	"sync"
	"time"

	"github.com/coredhcp/clusterdhcp/allocator"
	"github.com/coredhcp/clusterdhcp/config"
	"github.com/coredhcp/clusterdhcp/leasestore"
	"github.com/coredhcp/clusterdhcp/metrics"
)

// CoordinatedAllocator wraps a local *allocator.Allocator and mirrors every
// successful decision through a Coordinator, implementing
// allocator.LeaseAllocator so it's a drop-in replacement for the leases
// plugin in cluster mode.
type CoordinatedAllocator struct {
	local   *allocator.Allocator
	coord   *Coordinator
	version int

	// subnets remembers which subnet each client_id was last mirrored
	// under, since allocator.LeaseAllocator.ReleaseIP carries no subnet
	// of its own to rebuild the cluster key from.
	mu      sync.Mutex
	subnets map[string]string
}

// NewCoordinatedAllocator returns a v4 CoordinatedAllocator.
func NewCoordinatedAllocator(local *allocator.Allocator, coord *Coordinator) *CoordinatedAllocator {
	return &CoordinatedAllocator{local: local, coord: coord, version: 4, subnets: make(map[string]string)}
}

func (a *CoordinatedAllocator) rememberSubnet(clientID, subnet string) {
	a.mu.Lock()
	a.subnets[clientID] = subnet
	a.mu.Unlock()
}

func (a *CoordinatedAllocator) subnetFor(clientID string) string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.subnets[clientID]
}

var _ allocator.LeaseAllocator = (*CoordinatedAllocator)(nil)

// ReserveFirst reserves locally, then mirrors the decision; a conflict or
// degraded-mode refusal rolls the local reservation back so the two stores
// never diverge.
func (a *CoordinatedAllocator) ReserveFirst(rng config.Range, network *config.Network, subnet, clientID string, expires time.Time, state leasestore.State) (net.IP, error) {
	ip, err := a.local.ReserveFirst(rng, network, subnet, clientID, expires, state)
	if err != nil {
		return nil, err
	}
	key := LeaseKey{Version: a.version, Subnet: subnet, ClientID: clientID}
	outcome, cerr := a.coord.MirrorLease(key, ip, state, expires)
	if cerr != nil {
		// An unexpected coordinator RPC error (not a clean degraded/conflict
		// outcome):, log and drop rather than
		// hand out an address we couldn't confirm cluster-wide.
		log.Errorf("mirror reserve %s for %s: %v", ip, clientID, cerr)
		a.rollback(ip, clientID)
		return nil, leasestore.ErrAddrInUse
	}
	switch outcome.Kind {
	case DegradedModeBlocked:
		a.rollback(ip, clientID)
		return nil, leasestore.ErrRangeExhausted
	case Conflict:
		a.rollback(ip, clientID)
		metrics.ClusterConflictsResolved.Inc()
		return nil, leasestore.ErrAddrInUse
	default:
		a.rememberSubnet(clientID, subnet)
		return ip, nil
	}
}

// TryLease is the REQUEST-time analogue of ReserveFirst.
func (a *CoordinatedAllocator) TryLease(ip net.IP, subnet, clientID string, expires time.Time, network *config.Network) error {
	if err := a.local.TryLease(ip, subnet, clientID, expires, network); err != nil {
		return err
	}
	key := LeaseKey{Version: a.version, Subnet: subnet, ClientID: clientID}
	outcome, cerr := a.coord.MirrorLease(key, ip, leasestore.Leased, expires)
	if cerr != nil {
		log.Errorf("mirror lease %s for %s: %v", ip, clientID, cerr)
		a.rollback(ip, clientID)
		return leasestore.ErrAddrInUse
	}
	switch outcome.Kind {
	case DegradedModeBlocked:
		a.rollback(ip, clientID)
		return leasestore.ErrAddrInUse
	case Conflict:
		a.rollback(ip, clientID)
		metrics.ClusterConflictsResolved.Inc()
		return leasestore.ErrAddrInUse
	default:
		a.rememberSubnet(clientID, subnet)
		return nil
	}
}

func (a *CoordinatedAllocator) rollback(ip net.IP, clientID string) {
	if err := a.local.ReleaseIP(ip, clientID); err != nil {
		log.Warningf("rollback local reservation %s for %s: %v", ip, clientID, err)
	}
}

// ReleaseIP releases locally and mirrors the release cluster-wide.
func (a *CoordinatedAllocator) ReleaseIP(ip net.IP, clientID string) error {
	err := a.local.ReleaseIP(ip, clientID)
	subnet := a.subnetFor(clientID)
	a.coord.ReleaseLease(LeaseKey{Version: a.version, Subnet: subnet, ClientID: clientID}, ip)
	return err
}

// ProbateIP probates locally only; a probated address isn't a client
// binding, so nothing is written to the leases bucket for it. Other servers
// are not told about the probation, and GCSweep does not carry it to them.
func (a *CoordinatedAllocator) ProbateIP(ip net.IP, clientID string, expires time.Time) error {
	return a.local.ProbateIP(ip, clientID, expires)
}

// CachedRenewal delegates to the local allocator's cache-threshold logic
// unchanged; it's a purely local optimization independent of coordination.
func (a *CoordinatedAllocator) CachedRenewal(clientID string, ip net.IP) (time.Duration, bool) {
	return a.local.CachedRenewal(clientID, ip)
}

// RecordLease delegates to the local allocator.
func (a *CoordinatedAllocator) RecordLease(clientID string, ip net.IP, leaseLength time.Duration) {
	a.local.RecordLease(clientID, ip, leaseLength)
}
