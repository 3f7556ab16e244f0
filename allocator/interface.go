package allocator

import (
	"net"
	"time"

	"github.com/coredhcp/clusterdhcp/config"
	"github.com/coredhcp/clusterdhcp/leasestore"
)

// LeaseAllocator is the surface the v4 leases plugin drives, satisfied by
// the plain *Allocator in standalone mode and by
// coordinator.CoordinatedAllocator when a cluster coordinator is
// configured. Factoring this out lets the plugin stay oblivious to which
// mode it's running in.
type LeaseAllocator interface {
	ReserveFirst(rng config.Range, network *config.Network, subnet, clientID string, expires time.Time, state leasestore.State) (net.IP, error)
	TryLease(ip net.IP, subnet, clientID string, expires time.Time, network *config.Network) error
	ReleaseIP(ip net.IP, clientID string) error
	ProbateIP(ip net.IP, clientID string, expires time.Time) error
	CachedRenewal(clientID string, ip net.IP) (time.Duration, bool)
	RecordLease(clientID string, ip net.IP, leaseLength time.Duration)
}

var _ LeaseAllocator = (*Allocator)(nil)

// V6LeaseAllocator is the v6 analogue of LeaseAllocator, driven by
// plugins/leases6. Satisfied by the plain *Allocator and by
// coordinator.CoordinatedV6Allocator.
type V6LeaseAllocator interface {
	ReserveV6(rng config.Range6, key V6Key, preferred net.IP, subnet string, expires time.Time, state leasestore.State) (net.IP, error)
	ConfirmV6(ip net.IP, subnet, clientID string, expires time.Time, authoritative bool) error
	ReleaseIP(ip net.IP, clientID string) error
	ProbateIP(ip net.IP, clientID string, expires time.Time) error
	CachedRenewal(clientID string, ip net.IP) (time.Duration, bool)
	RecordLease(clientID string, ip net.IP, leaseLength time.Duration)
}

var _ V6LeaseAllocator = (*Allocator)(nil)
