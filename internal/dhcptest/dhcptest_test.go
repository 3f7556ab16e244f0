package dhcptest

import (
	"net"
	"testing"
	"time"

	"github.com/insomniacslk/dhcp/dhcpv4"
	"github.com/stretchr/testify/require"

	"github.com/coredhcp/clusterdhcp/allocator"
	"github.com/coredhcp/clusterdhcp/config"
	"github.com/coredhcp/clusterdhcp/leasestore"
	"github.com/coredhcp/clusterdhcp/pipeline"
	"github.com/coredhcp/clusterdhcp/plugins/leases"
	"github.com/coredhcp/clusterdhcp/plugins/messagetype"
	"github.com/coredhcp/clusterdhcp/plugins/staticaddr"
)

type noopPinger struct{}

func (noopPinger) Ping(net.IP, time.Duration) (bool, error) { return false, nil }

func testConfig() (*config.Config, *config.Network) {
	_, subnet, _ := net.ParseCIDR("192.168.2.0/24")
	network := &config.Network{
		Name:          "net0",
		Subnet:        subnet,
		ServerID:      net.ParseIP("192.168.2.1"),
		Router:        net.ParseIP("192.168.2.1"),
		Authoritative: true,
		LeaseTime:     config.LeaseTime{Default: time.Hour},
		Ranges: []config.Range{
			{Start: net.ParseIP("192.168.2.100"), End: net.ParseIP("192.168.2.110")},
		},
	}
	cfg := config.New()
	cfg.Networks = map[string]*config.Network{"net0": network}
	return cfg, network
}

func newClient4(t *testing.T, cfg *config.Config) *Client4 {
	t.Helper()
	store := leasestore.NewMemoryStore()
	alloc := allocator.New(store, noopPinger{}, 0)

	chain, err := pipeline.BuildChain4([]pipeline.Plugin4{
		messagetype.New(cfg),
		staticaddr.New(cfg),
		leases.New(cfg, alloc),
	})
	require.NoError(t, err)

	hwaddr, err := net.ParseMAC("00:11:22:33:44:55")
	require.NoError(t, err)

	return &Client4{
		HWAddr:  hwaddr,
		Cfg:     cfg,
		Chain:   chain,
		IfaceIP: net.ParseIP("192.168.2.1"),
		Peer:    &net.UDPAddr{IP: net.ParseIP("192.168.2.55"), Port: 68},
	}
}

func TestDORASequence(t *testing.T) {
	cfg, _ := testConfig()
	c := newClient4(t, cfg)

	offer, err := c.Discover()
	require.NoError(t, err)
	require.NotNil(t, offer)
	require.Equal(t, dhcpv4.MessageTypeOffer, offer.MessageType())
	require.True(t, offer.YourIPAddr.Equal(net.ParseIP("192.168.2.100")))
	require.True(t, offer.ServerIdentifier().Equal(net.ParseIP("192.168.2.1")))

	ack, err := c.Request(offer)
	require.NoError(t, err)
	require.NotNil(t, ack)
	require.Equal(t, dhcpv4.MessageTypeAck, ack.MessageType())
	require.True(t, ack.YourIPAddr.Equal(offer.YourIPAddr))
	require.True(t, ack.ServerIdentifier().Equal(net.ParseIP("192.168.2.1")))

	require.NoError(t, c.Release(ack))
}

func TestRequestForTakenAddressIsNaked(t *testing.T) {
	cfg, _ := testConfig()
	c1 := newClient4(t, cfg)

	offer, err := c1.Discover()
	require.NoError(t, err)
	require.NotNil(t, offer)
	ack, err := c1.Request(offer)
	require.NoError(t, err)
	require.NotNil(t, ack)

	// c2 shares c1's chain (and therefore its lease store) but carries a
	// different hardware address, so it contends for the same offered IP.
	c2 := *c1
	c2.HWAddr, err = net.ParseMAC("aa:bb:cc:dd:ee:ff")
	require.NoError(t, err)

	ack2, err := c2.Request(offer)
	require.NoError(t, err)
	require.NotNil(t, ack2)
	require.Equal(t, dhcpv4.MessageTypeNak, ack2.MessageType())
}
