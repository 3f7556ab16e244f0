package allocator

import (
	"errors"
	"net"
	"time"

	"github.com/coredhcp/clusterdhcp/config"
	"github.com/coredhcp/clusterdhcp/leasestore"
)

func toStoreRange(r config.Range) leasestore.Range {
	return leasestore.Range{Start: r.Start, End: r.End, Exclusions: r.Exclusions}
}

// ReserveFirst implements reserve_first: it repeatedly asks
// the store for a candidate address (reusing an expired row or the
// caller's own prior row first, falling back to extending the range's
// high-water mark), ping-checks each candidate, and probates any that
// answer the ping before trying the next one.
func (a *Allocator) ReserveFirst(rng config.Range, network *config.Network, subnet, clientID string, expires time.Time, state leasestore.State) (net.IP, error) {
	sr := toStoreRange(rng)
	for attempt := 0; attempt < maxReserveAttempts; attempt++ {
		ip, err := a.store.NextExpired(sr, subnet, clientID, expires, state)
		if errors.Is(err, leasestore.ErrRangeExhausted) {
			ip, err = a.store.InsertMaxInRange(sr, subnet, clientID, expires, state)
		}
		if err != nil {
			return nil, err
		}
		if !rng.Contains(ip) {
			log.Errorf("BUG: allocator returned %s outside of range [%s,%s], skipping", ip, rng.Start, rng.End)
			continue
		}
		if err := a.PingCheck(ip, network); err != nil {
			if errors.Is(err, leasestore.ErrAddrInUse) {
				probateUntil := time.Now().Add(network.ProbationPeriod)
				if uerr := a.store.UpdateIP(ip, leasestore.Probated, "", probateUntil); uerr != nil {
					log.Warningf("probate %s after ping conflict: %v", ip, uerr)
				}
				continue
			}
			return nil, err
		}
		return ip, nil
	}
	return nil, leasestore.ErrRangeExhausted
}

// TryIP implements try_ip: used for a client-requested
// address (opt-50). If a row for ip already exists it attempts
// UpdateExpired; a refusal means the address is in use by someone else. If
// no row exists, it inserts one fresh and then runs the ping check.
func (a *Allocator) TryIP(ip net.IP, subnet, clientID string, expires time.Time, network *config.Network, state leasestore.State) error {
	_, err := a.store.Get(ip)
	switch {
	case err == nil:
		ok, uerr := a.store.UpdateExpired(ip, state, clientID, expires)
		if uerr != nil {
			return uerr
		}
		if !ok {
			return leasestore.ErrAddrInUse
		}
		return nil
	case errors.Is(err, leasestore.ErrNotFound):
		if ierr := a.store.Insert(ip, subnet, clientID, expires, state); ierr != nil {
			return ierr
		}
		return a.PingCheck(ip, network)
	default:
		return err
	}
}

// TryLease implements try_lease, used on REQUEST: renew an
// existing binding, or — only when the network is authoritative — claim a
// fresh row for an address nobody else holds.
func (a *Allocator) TryLease(ip net.IP, subnet, clientID string, expires time.Time, network *config.Network) error {
	if _, err := a.store.UpdateUnexpired(ip, leasestore.Leased, clientID, expires, clientID); err == nil {
		return nil
	}
	if !network.Authoritative {
		return leasestore.ErrAddrInUse
	}
	if err := a.store.Insert(ip, subnet, clientID, expires, leasestore.Leased); err != nil {
		return leasestore.ErrAddrInUse
	}
	return nil
}

// ReleaseIP implements release_ip: deletes the row and
// forgets any cache-threshold bookkeeping for the client.
func (a *Allocator) ReleaseIP(ip net.IP, clientID string) error {
	_, err := a.store.ReleaseIP(ip, clientID)
	a.renewals.Delete(clientID)
	return err
}

// ProbateIP implements probate_ip: it only probates the
// address if (ip, clientID) is currently the active lease.
func (a *Allocator) ProbateIP(ip net.IP, clientID string, expires time.Time) error {
	_, err := a.store.UpdateUnexpired(ip, leasestore.Probated, clientID, expires, "")
	return err
}

// renewal is what CachedRenewal records per client for the cache-threshold
// optimization.
type renewal struct {
	IP          net.IP
	ExpiresAt   time.Time
	LeaseLength time.Duration
}

// CachedRenewal returns a previously recorded lease for clientID if the
// current time still falls within the configured cache-threshold fraction
// of that lease's total duration: the advertised lease time only ever
// shrinks.
func (a *Allocator) CachedRenewal(clientID string, ip net.IP) (remaining time.Duration, ok bool) {
	if a.cacheThreshold <= 0 {
		return 0, false
	}
	v, found := a.renewals.Get(clientID)
	if !found {
		return 0, false
	}
	r := v.(renewal)
	if !r.IP.Equal(ip) {
		return 0, false
	}
	elapsed := time.Since(r.ExpiresAt.Add(-r.LeaseLength))
	if elapsed < 0 || elapsed > time.Duration(a.cacheThreshold*float64(r.LeaseLength)) {
		return 0, false
	}
	remaining = time.Until(r.ExpiresAt)
	if remaining <= 0 {
		return 0, false
	}
	return remaining, true
}

// RecordLease stashes the lease just issued for clientID so a subsequent
// REQUEST inside the cache-threshold window can reuse its remaining time
// rather than recomputing (and re-rolling) the binding.
func (a *Allocator) RecordLease(clientID string, ip net.IP, leaseLength time.Duration) {
	if a.cacheThreshold <= 0 {
		return
	}
	a.renewals.SetDefault(clientID, renewal{IP: ip, ExpiresAt: time.Now().Add(leaseLength), LeaseLength: leaseLength})
}
