package allocator

import (
	"encoding/binary"
	"math/big"
	"net"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/coredhcp/clusterdhcp/config"
	"github.com/coredhcp/clusterdhcp/leasestore"
)

// V6Key identifies a DHCPv6 binding: one DUID may hold multiple concurrent
// leases distinguished by IAID.
type V6Key struct {
	Subnet string
	DUID   string
	IAID   uint32
}

// ClientID renders the key as the client identity leasestore.Store keys on.
func (k V6Key) ClientID() string {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, k.IAID)
	return k.DUID + "/" + string(b)
}

// SynthesizeAddress deterministically picks an address from rng for key
// when the client's Solicit carries no preferred address: a stable
// (non-randomized) hash of (duid, iaid, subnet) keeps selection
// idempotent across restarts, replicas, and duplicate Solicits. Grounded
// on a caddy-style DHCP plugin's use of xxhash for stable,
// restart-independent key derivation.
func SynthesizeAddress(rng config.Range6, key V6Key) net.IP {
	h := xxhash.Sum64String(key.Subnet + "|" + key.DUID + "|" + key.ClientID())

	start := new(big.Int).SetBytes(rng.Start.To16())
	end := new(big.Int).SetBytes(rng.End.To16())
	span := new(big.Int).Sub(end, start)
	span.Add(span, big.NewInt(1))
	if span.Sign() <= 0 {
		return rng.Start
	}

	offset := new(big.Int).SetUint64(h)
	offset.Mod(offset, span)

	addr := new(big.Int).Add(start, offset)
	out := make([]byte, 16)
	addr.FillBytes(out)
	return net.IP(out)
}

// ReserveV6 is the v6 analogue of ReserveFirst: it offers the client's
// preferred address (if any and in-range) and then the SynthesizeAddress
// candidate to UpdateExpired, which takes an address only when a row for it
// already exists and is expired or bound to this client; an address with no
// row is not taken there. Failing both, it reuses an expired or own row via
// NextExpired, and otherwise inserts after the range's highest allocated
// address via InsertMaxInRange.
func (a *Allocator) ReserveV6(rng config.Range6, key V6Key, preferred net.IP, subnet string, expires time.Time, state leasestore.State) (net.IP, error) {
	clientID := key.ClientID()
	srng := leasestore.Range{Start: rng.Start, End: rng.End}

	if preferred != nil && rng.Contains(preferred) {
		if ok, err := a.store.UpdateExpired(preferred, state, clientID, expires); err == nil && ok {
			return preferred, nil
		}
	}

	candidate := SynthesizeAddress(rng, key)
	if ok, err := a.store.UpdateExpired(candidate, state, clientID, expires); err == nil && ok {
		return candidate, nil
	}

	ip, err := a.store.NextExpired(srng, subnet, clientID, expires, state)
	if err == nil {
		return ip, nil
	}
	return a.store.InsertMaxInRange(srng, subnet, clientID, expires, state)
}

// ConfirmV6 is the v6 analogue of TryLease (Request/Renew confirmation):
// renew an existing binding, or, only when the network is authoritative,
// claim a fresh row for an address nobody else holds. It takes
// authoritative directly rather than *config.Network since config.Network6
// has no other fields this needs.
func (a *Allocator) ConfirmV6(ip net.IP, subnet, clientID string, expires time.Time, authoritative bool) error {
	if _, err := a.store.UpdateUnexpired(ip, leasestore.Leased, clientID, expires, clientID); err == nil {
		return nil
	}
	if !authoritative {
		return leasestore.ErrAddrInUse
	}
	if err := a.store.Insert(ip, subnet, clientID, expires, leasestore.Leased); err != nil {
		return leasestore.ErrAddrInUse
	}
	return nil
}
