// Package leasestore implements the CAS-style lease persistence contract:
// a single serialization point for address allocation so that two racing
// requests for the same IP can never both observe an insert success.
//
// Grounded on a range/file plugin storage shape, generalized from a flat
// MAC->IP file into the full (ip, client_id, subnet, expiry, state,
// revision) tuple a clustered allocator requires, and on a dqlite
// allocator for the SQL-transaction shape of the atomic operations.
package leasestore

import (
	"errors"
	"net"
	"time"
)

// State is the lifecycle state of a lease record.
type State int

const (
	// Reserved is a row with no active lease obligation yet (e.g. a
	// freshly-inserted Discover placeholder).
	Reserved State = iota
	// Leased is an active, client-confirmed binding.
	Leased
	// Probated marks an address temporarily unavailable after a Decline
	// or a positive ping response.
	Probated
	// Released is a row kept for bookkeeping after an explicit Release;
	// implementations are free to garbage collect these eagerly.
	Released
)

func (s State) String() string {
	switch s {
	case Reserved:
		return "reserved"
	case Leased:
		return "leased"
	case Probated:
		return "probated"
	case Released:
		return "released"
	default:
		return "unknown"
	}
}

// Active reports whether s counts toward the one-IP-per-client and
// one-client-per-IP uniqueness invariants.
func (s State) Active() bool {
	return s == Reserved || s == Leased || s == Probated
}

// Record is the persistent lease entity
type Record struct {
	IP        net.IP
	ClientID  string
	Subnet    string
	ExpiresAt time.Time
	State     State
	Revision  uint64
	ServerID  string
	UpdatedAt time.Time
}

// Expired reports whether the record's expiry has passed as of now.
func (r Record) Expired(now time.Time) bool {
	return !r.ExpiresAt.After(now)
}

// ErrAddrInUse is returned when an operation refuses to hand out or
// overwrite an address because it is currently active under another
// client
var ErrAddrInUse = errors.New("leasestore: address in use")

// ErrNotFound is returned by point lookups that find no row.
var ErrNotFound = errors.New("leasestore: not found")

// ErrRangeExhausted is returned by InsertMaxInRange when no candidate
// address remains in the requested range.
var ErrRangeExhausted = errors.New("leasestore: range exhausted")

// Range bounds an InsertMaxInRange/NextExpired scan: Start/End are inclusive
// and Exclusions lists addresses that must never be considered, mirroring
// config.Range so callers can pass it through without translation.
type Range struct {
	Start      net.IP
	End        net.IP
	Exclusions []net.IP
}

// Store is the abstract lease persistence contract All
// operations are linearizable per ip: two concurrent callers racing for the
// same address must never both observe a success from Insert, and
// NextExpired/InsertMaxInRange must run as a single atomic unit.
type Store interface {
	// Insert creates a new row; it fails with ErrAddrInUse if ip is
	// already present (expired or not — callers wanting reuse-on-expiry
	// semantics should use NextExpired/UpdateExpired instead).
	Insert(ip net.IP, subnet, clientID string, expires time.Time, state State) error

	// Get returns the row for ip, or ErrNotFound.
	Get(ip net.IP) (Record, error)

	// GetByClientID returns the ip bound to clientID in subnet, if any
	// non-expired row exists.
	GetByClientID(subnet, clientID string) (net.IP, error)

	// UpdateExpired atomically overwrites the row for ip with the new
	// clientID/state/expiry if, and only if, the existing row's clientID
	// already matches clientID OR the existing row has expired. Returns
	// (updated, error); updated is false (no error) if the precondition
	// did not hold.
	UpdateExpired(ip net.IP, state State, clientID string, expires time.Time) (bool, error)

	// UpdateUnexpired atomically overwrites the row for ip with state,
	// expires and (if newClientID is non-empty) newClientID, but only if
	// the existing row is unexpired AND bound to clientID. Returns the ip
	// if the update happened, or ErrNotFound if the precondition failed.
	UpdateUnexpired(ip net.IP, state State, clientID string, expires time.Time, newClientID string) (net.IP, error)

	// NextExpired scans rng for the smallest ip whose row has expired or
	// is already bound to clientID, and atomically overwrites it with
	// clientID/state/expires (clearing probation). Returns ErrRangeExhausted
	// if no such ip exists in rng.
	NextExpired(rng Range, subnet, clientID string, expires time.Time, state State) (net.IP, error)

	// InsertMaxInRange finds the current maximum allocated ip in rng,
	// inserts the next candidate after it (or rng.Start if the range has
	// no rows yet), and returns it. Implementations must roll back
	// cleanly on a concurrent-insert conflict and return an error;
	// ReserveFirst does not retry it.
	InsertMaxInRange(rng Range, subnet, clientID string, expires time.Time, state State) (net.IP, error)

	// ReleaseIP deletes the row for ip iff its clientID matches, and
	// returns the deleted record.
	ReleaseIP(ip net.IP, clientID string) (Record, error)

	// UpdateIP unconditionally overwrites the row for ip. clientID may be
	// empty to leave a probated row's identity cleared.
	UpdateIP(ip net.IP, state State, clientID string, expires time.Time) error

	// Count returns the number of unexpired rows in the given state.
	Count(state State) (int, error)
}
