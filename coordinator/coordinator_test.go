package coordinator

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coredhcp/clusterdhcp/config"
	"github.com/coredhcp/clusterdhcp/leasestore"
)

func testCluster() *config.ClusterConfig {
	return &config.ClusterConfig{Prefix: "clusterdhcp/", DegradeAfter: 50 * time.Millisecond}
}

func TestMirrorLeaseSuccess(t *testing.T) {
	kv := NewFakeKV()
	c := New(kv, testCluster(), "server-a")

	key := LeaseKey{Version: 4, Subnet: "net0", ClientID: "aa:bb:cc:dd:ee:01"}
	ip := net.ParseIP("192.168.2.100")
	outcome, err := c.MirrorLease(key, ip, leasestore.Leased, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, Success, outcome.Kind)

	pair, err := kv.Get(key.clientKey(c.prefix))
	require.NoError(t, err)
	assert.Contains(t, string(pair.Value), "192.168.2.100")
}

func TestMirrorLeaseConflict(t *testing.T) {
	kv := NewFakeKV()
	c := New(kv, testCluster(), "server-a")
	ip := net.ParseIP("192.168.2.100")

	_, err := c.MirrorLease(LeaseKey{Version: 4, Subnet: "net0", ClientID: "client-a"}, ip, leasestore.Leased, time.Now().Add(time.Hour))
	require.NoError(t, err)

	outcome, err := c.MirrorLease(LeaseKey{Version: 4, Subnet: "net0", ClientID: "client-b"}, ip, leasestore.Leased, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, Conflict, outcome.Kind)
}

// blockedKV always fails CAS/Get to simulate an unreachable cluster store.
type blockedKV struct{}

func (blockedKV) Get(string) (*KVPair, error)    { return nil, assertErr }
func (blockedKV) CAS(*KVPair) (bool, error)      { return false, assertErr }
func (blockedKV) Delete(string) error            { return assertErr }
func (blockedKV) List(string) ([]*KVPair, error) { return nil, assertErr }

var assertErr = assertError("coordinator: simulated failure")

type assertError string

func (e assertError) Error() string { return string(e) }

func TestDegradedModeBlocksNewAllocationsAndAllowsKnownRenewals(t *testing.T) {
	c := New(blockedKV{}, testCluster(), "server-a")
	key := LeaseKey{Version: 4, Subnet: "net0", ClientID: "client-a"}
	ip := net.ParseIP("192.168.2.100")

	// First failure starts the clock but doesn't degrade immediately.
	_, err := c.MirrorLease(key, ip, leasestore.Leased, time.Now().Add(time.Hour))
	assert.Error(t, err)
	assert.False(t, c.IsDegraded())

	time.Sleep(60 * time.Millisecond)
	_, err = c.MirrorLease(key, ip, leasestore.Leased, time.Now().Add(time.Hour))
	assert.Error(t, err)
	assert.True(t, c.IsDegraded())

	// A brand new client is refused outright.
	outcome, err := c.MirrorLease(LeaseKey{Version: 4, Subnet: "net0", ClientID: "client-new"}, ip, leasestore.Leased, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, DegradedModeBlocked, outcome.Kind)

	// A known-active client's renewal is served locally.
	c.rememberLease(key, ip, time.Now().Add(time.Hour))
	outcome, err = c.MirrorLease(key, ip, leasestore.Leased, time.Now().Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, Success, outcome.Kind)
}

func TestGCSweepRemovesExpiredAndDanglingIndex(t *testing.T) {
	kv := NewFakeKV()
	c := New(kv, testCluster(), "server-a")
	key := LeaseKey{Version: 4, Subnet: "net0", ClientID: "client-a"}
	ip := net.ParseIP("192.168.2.100")

	_, err := c.MirrorLease(key, ip, leasestore.Leased, time.Now().Add(-time.Minute))
	require.NoError(t, err)

	require.NoError(t, c.GCSweep())

	_, err = kv.Get(key.clientKey(c.prefix))
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = kv.Get(key.ipKey(c.prefix, ip))
	assert.ErrorIs(t, err, ErrNotFound)
}
