package ddnsstub

import (
	"context"
	"net"
	"testing"

	"github.com/insomniacslk/dhcp/dhcpv4"
	"github.com/stretchr/testify/require"

	"github.com/coredhcp/clusterdhcp/pipeline"
)

func TestUpdate4NoOpOnUnspecified(t *testing.T) {
	p := New("example.com")
	resp := &dhcpv4.DHCPv4{YourIPAddr: net.IPv4zero}
	mc := &pipeline.MsgContext4{Req: &dhcpv4.DHCPv4{ClientHWAddr: net.HardwareAddr{0, 1, 2, 3, 4, 5}}}
	require.NoError(t, p.Update4(context.Background(), mc, resp))
}

func TestUpdate4LogsAssignedAddress(t *testing.T) {
	p := New("example.com")
	resp := &dhcpv4.DHCPv4{YourIPAddr: net.IPv4(192, 168, 1, 10)}
	mc := &pipeline.MsgContext4{Req: &dhcpv4.DHCPv4{ClientHWAddr: net.HardwareAddr{0, 1, 2, 3, 4, 5}}}
	require.NoError(t, p.Update4(context.Background(), mc, resp))
}

func TestNameIsStable(t *testing.T) {
	require.Equal(t, "ddnsstub", New("").Name())
}
