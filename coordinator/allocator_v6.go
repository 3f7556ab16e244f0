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

// CoordinatedV6Allocator is the DHCPv6 analogue of CoordinatedAllocator,
// mirroring every successful v6 decision through a Coordinator under
// LeaseKey{Version: 6}.
type CoordinatedV6Allocator struct {
	local *allocator.Allocator
	coord *Coordinator

	mu      sync.Mutex
	subnets map[string]string
}

// NewCoordinatedV6Allocator returns a v6 CoordinatedAllocator.
func NewCoordinatedV6Allocator(local *allocator.Allocator, coord *Coordinator) *CoordinatedV6Allocator {
	return &CoordinatedV6Allocator{local: local, coord: coord, subnets: make(map[string]string)}
}

var _ allocator.V6LeaseAllocator = (*CoordinatedV6Allocator)(nil)

func (a *CoordinatedV6Allocator) rememberSubnet(clientID, subnet string) {
	a.mu.Lock()
	a.subnets[clientID] = subnet
	a.mu.Unlock()
}

func (a *CoordinatedV6Allocator) subnetFor(clientID string) string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.subnets[clientID]
}

// ReserveV6 reserves locally, mirrors the decision, and rolls back the
// local reservation on conflict or degraded-mode refusal, matching
// CoordinatedAllocator.ReserveFirst's shape.
func (a *CoordinatedV6Allocator) ReserveV6(rng config.Range6, key allocator.V6Key, preferred net.IP, subnet string, expires time.Time, state leasestore.State) (net.IP, error) {
	ip, err := a.local.ReserveV6(rng, key, preferred, subnet, expires, state)
	if err != nil {
		return nil, err
	}
	clientID := key.ClientID()
	outcome, cerr := a.coord.MirrorLease(LeaseKey{Version: 6, Subnet: subnet, ClientID: clientID}, ip, state, expires)
	if cerr != nil {
		log.Errorf("mirror v6 reserve %s for %s: %v", ip, clientID, cerr)
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

// ConfirmV6 is the Request/Renew-time analogue of ReserveV6.
func (a *CoordinatedV6Allocator) ConfirmV6(ip net.IP, subnet, clientID string, expires time.Time, authoritative bool) error {
	if err := a.local.ConfirmV6(ip, subnet, clientID, expires, authoritative); err != nil {
		return err
	}
	outcome, cerr := a.coord.MirrorLease(LeaseKey{Version: 6, Subnet: subnet, ClientID: clientID}, ip, leasestore.Leased, expires)
	if cerr != nil {
		log.Errorf("mirror v6 confirm %s for %s: %v", ip, clientID, cerr)
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

func (a *CoordinatedV6Allocator) rollback(ip net.IP, clientID string) {
	if err := a.local.ReleaseIP(ip, clientID); err != nil {
		log.Warningf("rollback local v6 reservation %s for %s: %v", ip, clientID, err)
	}
}

// ReleaseIP releases locally and mirrors the release cluster-wide. A
// coordinator RPC failure here only logs: v6 Release stays idempotent
// and side-effect-free on the wire rather than retrying or blocking on
// the cluster store.
func (a *CoordinatedV6Allocator) ReleaseIP(ip net.IP, clientID string) error {
	err := a.local.ReleaseIP(ip, clientID)
	subnet := a.subnetFor(clientID)
	a.coord.ReleaseLease(LeaseKey{Version: 6, Subnet: subnet, ClientID: clientID}, ip)
	return err
}

// ProbateIP probates locally only, mirroring CoordinatedAllocator.ProbateIP.
func (a *CoordinatedV6Allocator) ProbateIP(ip net.IP, clientID string, expires time.Time) error {
	return a.local.ProbateIP(ip, clientID, expires)
}

// CachedRenewal delegates to the local allocator.
func (a *CoordinatedV6Allocator) CachedRenewal(clientID string, ip net.IP) (time.Duration, bool) {
	return a.local.CachedRenewal(clientID, ip)
}

// RecordLease delegates to the local allocator.
func (a *CoordinatedV6Allocator) RecordLease(clientID string, ip net.IP, leaseLength time.Duration) {
	a.local.RecordLease(clientID, ip, leaseLength)
}
