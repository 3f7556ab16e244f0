package leasestore

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRange() Range {
	return Range{Start: net.ParseIP("192.168.2.100"), End: net.ParseIP("192.168.2.200")}
}

func TestMemoryStoreInsertMaxInRange(t *testing.T) {
	s := NewMemoryStore()
	rng := testRange()
	expires := time.Now().Add(time.Hour)

	ip1, err := s.InsertMaxInRange(rng, "net0", "client-a", expires, Reserved)
	require.NoError(t, err)
	assert.True(t, ip1.Equal(net.ParseIP("192.168.2.100")))

	ip2, err := s.InsertMaxInRange(rng, "net0", "client-b", expires, Reserved)
	require.NoError(t, err)
	assert.True(t, ip2.Equal(net.ParseIP("192.168.2.101")))
}

func TestMemoryStoreInsertDuplicateFails(t *testing.T) {
	s := NewMemoryStore()
	ip := net.ParseIP("192.168.2.100")
	require.NoError(t, s.Insert(ip, "net0", "a", time.Now().Add(time.Hour), Reserved))
	err := s.Insert(ip, "net0", "b", time.Now().Add(time.Hour), Reserved)
	assert.ErrorIs(t, err, ErrAddrInUse)
}

func TestMemoryStoreNextExpiredReusesExpiredRow(t *testing.T) {
	s := NewMemoryStore()
	rng := testRange()
	ip := net.ParseIP("192.168.2.100")
	require.NoError(t, s.Insert(ip, "net0", "old", time.Now().Add(-time.Hour), Leased))

	got, err := s.NextExpired(rng, "net0", "new", time.Now().Add(time.Hour), Leased)
	require.NoError(t, err)
	assert.True(t, got.Equal(ip))

	rec, err := s.Get(ip)
	require.NoError(t, err)
	assert.Equal(t, "new", rec.ClientID)
	assert.Equal(t, uint64(2), rec.Revision)
}

func TestMemoryStoreNextExpiredExhausted(t *testing.T) {
	s := NewMemoryStore()
	rng := Range{Start: net.ParseIP("192.168.2.100"), End: net.ParseIP("192.168.2.100")}
	require.NoError(t, s.Insert(rng.Start, "net0", "a", time.Now().Add(time.Hour), Leased))

	_, err := s.NextExpired(rng, "net0", "b", time.Now().Add(time.Hour), Leased)
	assert.ErrorIs(t, err, ErrRangeExhausted)
}

func TestMemoryStoreUpdateUnexpiredRequiresMatchingClient(t *testing.T) {
	s := NewMemoryStore()
	ip := net.ParseIP("192.168.2.100")
	require.NoError(t, s.Insert(ip, "net0", "a", time.Now().Add(time.Hour), Leased))

	_, err := s.UpdateUnexpired(ip, Leased, "b", time.Now().Add(time.Hour), "")
	assert.ErrorIs(t, err, ErrNotFound)

	got, err := s.UpdateUnexpired(ip, Leased, "a", time.Now().Add(2*time.Hour), "")
	require.NoError(t, err)
	assert.True(t, got.Equal(ip))
}

func TestMemoryStoreReleaseIPRequiresClientMatch(t *testing.T) {
	s := NewMemoryStore()
	ip := net.ParseIP("192.168.2.100")
	require.NoError(t, s.Insert(ip, "net0", "a", time.Now().Add(time.Hour), Leased))

	_, err := s.ReleaseIP(ip, "wrong")
	assert.ErrorIs(t, err, ErrNotFound)

	rec, err := s.ReleaseIP(ip, "a")
	require.NoError(t, err)
	assert.Equal(t, "a", rec.ClientID)

	_, err = s.Get(ip)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStoreExclusionsSkipped(t *testing.T) {
	s := NewMemoryStore()
	rng := Range{
		Start:      net.ParseIP("192.168.2.100"),
		End:        net.ParseIP("192.168.2.102"),
		Exclusions: []net.IP{net.ParseIP("192.168.2.100")},
	}
	ip, err := s.InsertMaxInRange(rng, "net0", "a", time.Now().Add(time.Hour), Reserved)
	require.NoError(t, err)
	assert.True(t, ip.Equal(net.ParseIP("192.168.2.101")))
}

func TestMemoryStoreCount(t *testing.T) {
	s := NewMemoryStore()
	require.NoError(t, s.Insert(net.ParseIP("192.168.2.100"), "net0", "a", time.Now().Add(time.Hour), Leased))
	require.NoError(t, s.Insert(net.ParseIP("192.168.2.101"), "net0", "b", time.Now().Add(time.Hour), Leased))
	require.NoError(t, s.Insert(net.ParseIP("192.168.2.102"), "net0", "c", time.Now().Add(time.Hour), Reserved))

	n, err := s.Count(Leased)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}
