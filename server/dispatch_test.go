package server

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/insomniacslk/dhcp/dhcpv4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coredhcp/clusterdhcp/config"
	"github.com/coredhcp/clusterdhcp/pipeline"
)

type stubPlugin4 struct {
	name   string
	delay  time.Duration
	action pipeline.Action
}

func (p *stubPlugin4) Name() string     { return p.name }
func (p *stubPlugin4) Depends() []string { return nil }
func (p *stubPlugin4) Handle4(ctx context.Context, mc *pipeline.MsgContext4, req, resp *dhcpv4.DHCPv4) pipeline.Action {
	if p.delay > 0 {
		time.Sleep(p.delay)
	}
	return p.action
}

func newTestServers(t *testing.T, chain4 *pipeline.Chain4, maxLive int64) *Servers {
	t.Helper()
	cfg := config.New()
	cfg.Dispatch = config.DispatchConfig{Timeout: 50 * time.Millisecond, MaxLiveMsgs: maxLive}
	return &Servers{cfg: cfg, chain4: chain4}
}

func TestAdmitRespectsCap(t *testing.T) {
	s := newTestServers(t, nil, 1)
	assert.True(t, s.admit())
	s.live = 1
	assert.False(t, s.admit())
}

func TestAdmitDisabledByNonPositiveCap(t *testing.T) {
	s := newTestServers(t, nil, 0)
	s.live = 1000
	assert.True(t, s.admit())
}

func TestFloodKey4PrefersClientID(t *testing.T) {
	req, err := dhcpv4.New()
	require.NoError(t, err)
	hwaddr, _ := net.ParseMAC("00:11:22:33:44:55")
	req.ClientHWAddr = hwaddr
	assert.Equal(t, hwaddr.String(), floodKey4(req))

	req.UpdateOption(dhcpv4.OptClientIdentifier([]byte("client-a")))
	assert.Equal(t, "client-a", floodKey4(req))
}

func TestRunChain4ReturnsAction(t *testing.T) {
	chain, err := pipeline.BuildChain4([]pipeline.Plugin4{
		&stubPlugin4{name: "only", action: pipeline.Respond},
	})
	require.NoError(t, err)
	s := newTestServers(t, chain, 0)

	req, err := dhcpv4.NewDiscovery(net.HardwareAddr{0x00, 0x11, 0x22, 0x33, 0x44, 0x55})
	require.NoError(t, err)
	resp, err := dhcpv4.NewReplyFromRequest(req)
	require.NoError(t, err)
	mc := pipeline.NewMsgContext4(s.cfg, req, nil, nil, nil, true, 1, &s.live)
	defer mc.Drop()

	action, timedOut := s.runChain4(context.Background(), mc, req, resp)
	assert.False(t, timedOut)
	assert.Equal(t, pipeline.Respond, action)
}

func TestRunChain4TimesOut(t *testing.T) {
	chain, err := pipeline.BuildChain4([]pipeline.Plugin4{
		&stubPlugin4{name: "slow", delay: 200 * time.Millisecond, action: pipeline.Respond},
	})
	require.NoError(t, err)
	s := newTestServers(t, chain, 0)

	req, err := dhcpv4.NewDiscovery(net.HardwareAddr{0x00, 0x11, 0x22, 0x33, 0x44, 0x55})
	require.NoError(t, err)
	resp, err := dhcpv4.NewReplyFromRequest(req)
	require.NoError(t, err)
	mc := pipeline.NewMsgContext4(s.cfg, req, nil, nil, nil, true, 1, &s.live)
	defer mc.Drop()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, timedOut := s.runChain4(ctx, mc, req, resp)
	assert.True(t, timedOut)
}
