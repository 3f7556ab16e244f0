package leases6

import (
	"net"
	"testing"
	"time"

	"github.com/insomniacslk/dhcp/dhcpv6"
	"github.com/stretchr/testify/require"

	"github.com/coredhcp/clusterdhcp/allocator"
	"github.com/coredhcp/clusterdhcp/config"
	"github.com/coredhcp/clusterdhcp/internal/dhcptest"
	"github.com/coredhcp/clusterdhcp/leasestore"
	"github.com/coredhcp/clusterdhcp/pipeline"
)

type noopPinger struct{}

func (noopPinger) Ping(net.IP, time.Duration) (bool, error) { return false, nil }

func testConfig() *config.Config {
	_, subnet, _ := net.ParseCIDR("2001:db8::/64")
	network := &config.Network6{
		Name:          "v6-0",
		Subnet:        subnet,
		Authoritative: true,
		LeaseTime:     config.LeaseTime{Default: time.Hour},
		Ranges: []config.Range6{
			{Start: net.ParseIP("2001:db8::100"), End: net.ParseIP("2001:db8::110")},
		},
	}
	cfg := config.New()
	cfg.Networks6 = map[string]*config.Network6{"v6-0": network}
	return cfg
}

func newClient6(t *testing.T, cfg *config.Config) *dhcptest.Client6 {
	t.Helper()
	store := leasestore.NewMemoryStore()
	alloc := allocator.New(store, noopPinger{}, 0)

	chain, err := pipeline.BuildChain6([]pipeline.Plugin6{New(cfg, alloc)})
	require.NoError(t, err)

	mac, err := net.ParseMAC("00:11:22:33:44:55")
	require.NoError(t, err)

	return &dhcptest.Client6{
		Mac:     mac,
		Cfg:     cfg,
		Chain:   chain,
		IfaceIP: net.ParseIP("2001:db8::1"),
		Peer:    &net.UDPAddr{IP: net.ParseIP("fe80::1"), Port: 546},
	}
}

func TestSolicitRequestReleaseSequence(t *testing.T) {
	cfg := testConfig()
	c := newClient6(t, cfg)

	advertise, err := c.Solicit()
	require.NoError(t, err)
	require.NotNil(t, advertise)

	advMsg, err := advertise.GetInnerMessage()
	require.NoError(t, err)
	ia := advMsg.Options.OneIANA()
	require.NotNil(t, ia)
	addr := ia.Options.OneAddress()
	require.NotNil(t, addr)
	require.True(t, addr.IPv6Addr.Equal(net.ParseIP("2001:db8::100")))

	reply, err := c.Request(advertise)
	require.NoError(t, err)
	require.NotNil(t, reply)

	replyMsg, err := reply.GetInnerMessage()
	require.NoError(t, err)
	require.Equal(t, dhcpv6.MessageTypeReply, replyMsg.MessageType)
	confirmedIA := replyMsg.Options.OneIANA()
	require.NotNil(t, confirmedIA)
	require.NotNil(t, confirmedIA.Options.OneAddress())
	require.True(t, confirmedIA.Options.OneAddress().IPv6Addr.Equal(addr.IPv6Addr))

	released, err := c.Release(reply)
	require.NoError(t, err)
	require.NotNil(t, released)
}

func TestSolicitExhaustsRange(t *testing.T) {
	cfg := testConfig()
	cfg.Networks6["v6-0"].Ranges = []config.Range6{
		{Start: net.ParseIP("2001:db8::100"), End: net.ParseIP("2001:db8::100")},
	}
	store := leasestore.NewMemoryStore()
	alloc := allocator.New(store, noopPinger{}, 0)
	chain, err := pipeline.BuildChain6([]pipeline.Plugin6{New(cfg, alloc)})
	require.NoError(t, err)

	mac1, _ := net.ParseMAC("00:11:22:33:44:55")
	c1 := &dhcptest.Client6{Mac: mac1, Cfg: cfg, Chain: chain, IfaceIP: net.ParseIP("2001:db8::1")}
	adv1, err := c1.Solicit()
	require.NoError(t, err)
	require.NotNil(t, adv1)
	msg1, err := adv1.GetInnerMessage()
	require.NoError(t, err)
	require.NotNil(t, msg1.Options.OneIANA().Options.OneAddress())

	mac2, _ := net.ParseMAC("aa:bb:cc:dd:ee:ff")
	c2 := &dhcptest.Client6{Mac: mac2, Cfg: cfg, Chain: chain, IfaceIP: net.ParseIP("2001:db8::1")}
	adv2, err := c2.Solicit()
	require.NoError(t, err)
	require.NotNil(t, adv2)
	msg2, err := adv2.GetInnerMessage()
	require.NoError(t, err)
	ia2 := msg2.Options.OneIANA()
	require.NotNil(t, ia2)
	require.Nil(t, ia2.Options.OneAddress())
	require.NotEmpty(t, ia2.Options.Get(dhcpv6.OptionStatusCode))
}
