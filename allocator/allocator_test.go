package allocator

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coredhcp/clusterdhcp/config"
	"github.com/coredhcp/clusterdhcp/leasestore"
)

type fakePinger struct {
	inUse map[string]bool
}

func (f *fakePinger) Ping(ip net.IP, _ time.Duration) (bool, error) {
	return f.inUse[ip.String()], nil
}

func testNetwork() *config.Network {
	return &config.Network{
		Name:            "net0",
		Authoritative:   true,
		ProbationPeriod: time.Hour,
		PingTimeout:     time.Second,
	}
}

func testAllocRange() config.Range {
	return config.Range{Start: net.ParseIP("192.168.2.100"), End: net.ParseIP("192.168.2.102")}
}

func TestReserveFirstSkipsPingInUse(t *testing.T) {
	store := leasestore.NewMemoryStore()
	pinger := &fakePinger{inUse: map[string]bool{"192.168.2.100": true}}
	n := testNetwork()
	n.PingCheck = true
	a := New(store, pinger, 0)

	ip, err := a.ReserveFirst(testAllocRange(), n, "net0", "client-a", time.Now().Add(time.Minute), leasestore.Reserved)
	require.NoError(t, err)
	assert.True(t, ip.Equal(net.ParseIP("192.168.2.101")))

	rec, err := store.Get(net.ParseIP("192.168.2.100"))
	require.NoError(t, err)
	assert.Equal(t, leasestore.Probated, rec.State)
}

func TestTryLeaseAuthoritativeClaimsFreshIP(t *testing.T) {
	store := leasestore.NewMemoryStore()
	a := New(store, &fakePinger{}, 0)
	n := testNetwork()

	ip := net.ParseIP("192.168.2.100")
	err := a.TryLease(ip, "net0", "client-a", time.Now().Add(time.Hour), n)
	require.NoError(t, err)

	rec, err := store.Get(ip)
	require.NoError(t, err)
	assert.Equal(t, leasestore.Leased, rec.State)
	assert.Equal(t, "client-a", rec.ClientID)
}

func TestTryLeaseNonAuthoritativeRefusesUnknown(t *testing.T) {
	store := leasestore.NewMemoryStore()
	a := New(store, &fakePinger{}, 0)
	n := testNetwork()
	n.Authoritative = false

	err := a.TryLease(net.ParseIP("192.168.2.100"), "net0", "client-a", time.Now().Add(time.Hour), n)
	assert.ErrorIs(t, err, leasestore.ErrAddrInUse)
}

func TestCachedRenewalWithinThreshold(t *testing.T) {
	store := leasestore.NewMemoryStore()
	a := New(store, &fakePinger{}, 0.5)
	ip := net.ParseIP("192.168.2.100")

	a.RecordLease("client-a", ip, 2*time.Second)
	remaining, ok := a.CachedRenewal("client-a", ip)
	require.True(t, ok)
	assert.LessOrEqual(t, remaining, 2*time.Second)
	assert.Greater(t, remaining, time.Duration(0))
}

func TestCachedRenewalDifferentIPMisses(t *testing.T) {
	store := leasestore.NewMemoryStore()
	a := New(store, &fakePinger{}, 0.5)
	a.RecordLease("client-a", net.ParseIP("192.168.2.100"), 2*time.Second)

	_, ok := a.CachedRenewal("client-a", net.ParseIP("192.168.2.101"))
	assert.False(t, ok)
}

func TestReleaseIPForgetsCache(t *testing.T) {
	store := leasestore.NewMemoryStore()
	a := New(store, &fakePinger{}, 0.5)
	ip := net.ParseIP("192.168.2.100")
	require.NoError(t, store.Insert(ip, "net0", "client-a", time.Now().Add(time.Hour), leasestore.Leased))
	a.RecordLease("client-a", ip, time.Hour)

	require.NoError(t, a.ReleaseIP(ip, "client-a"))
	_, ok := a.CachedRenewal("client-a", ip)
	assert.False(t, ok)
}
