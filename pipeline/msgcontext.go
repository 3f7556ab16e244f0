// Copyright 2018-present the CoreDHCP Authors. All rights reserved
// This source code is licensed under the MIT license found in the
// LICENSE file in the root directory of this source tree.

package pipeline

import (
	"encoding/binary"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/insomniacslk/dhcp/dhcpv4"
	"github.com/insomniacslk/dhcp/dhcpv6"

	"github.com/coredhcp/clusterdhcp/arp"
	"github.com/coredhcp/clusterdhcp/config"
	"github.com/coredhcp/clusterdhcp/logger"
)

var log = logger.GetLogger("pipeline")

// DHCP-only options that have no place in a BOOTP reply.
var dhcpOnlyOptions = [...]uint8{50, 51, 52, 53, 54, 55, 56, 57, 58, 59, 61}

const (
	optSubnetMask           = 1
	optRouter               = 3
	optRequestedIPAddr      = 50
	optLeaseTime            = 51
	optServerID             = 54
	optParameterRequestList = 55
	optRenewTimeValue       = 58
	optRebindTimeValue      = 59
	optClientID             = 61
	optRelayAgentInfo       = 82
	optSubnetSelection      = 118
	relaySubOptLinkSelect   = 5
)

// MsgContext4 is the per-request state the dispatcher owns for a single
// DHCPv4 datagram: the decoded request, the response under construction,
// the network it resolved to, and a scratch map plugins may use to pass
// values forward in the chain.
type MsgContext4 struct {
	Cfg     *config.Config
	Req     *dhcpv4.DHCPv4
	Resp    *dhcpv4.DHCPv4
	Network *config.Network

	// Iface/IfaceIP describe the interface the datagram was received on.
	Iface   *net.Interface
	IfaceIP net.IP

	// Peer is the request's source socket address; used verbatim when
	// TestPort is set.
	Peer     *net.UDPAddr
	TestPort bool

	RequestID uint64

	mu      sync.Mutex
	scratch map[string]interface{}

	live    *int64
	dropped bool
}

// NewMsgContext4 builds a context and registers it against live, the
// dispatcher's shared in-flight counter.
func NewMsgContext4(cfg *config.Config, req *dhcpv4.DHCPv4, iface *net.Interface, ifaceIP net.IP, peer *net.UDPAddr, testPort bool, requestID uint64, live *int64) *MsgContext4 {
	atomic.AddInt64(live, 1)
	return &MsgContext4{
		Cfg:       cfg,
		Req:       req,
		Iface:     iface,
		IfaceIP:   ifaceIP,
		Peer:      peer,
		TestPort:  testPort,
		RequestID: requestID,
		scratch:   make(map[string]interface{}),
		live:      live,
	}
}

// Scratch fetches a value previously stored under key.
func (mc *MsgContext4) Scratch(key string) (interface{}, bool) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	v, ok := mc.scratch[key]
	return v, ok
}

// SetScratch stores a value under key for downstream plugins to consult.
func (mc *MsgContext4) SetScratch(key string, v interface{}) {
	mc.mu.Lock()
	mc.scratch[key] = v
	mc.mu.Unlock()
}

// Drop decrements the dispatcher's live_msgs counter exactly once,
// regardless of how many times it's called.
func (mc *MsgContext4) Drop() {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	if mc.dropped {
		return
	}
	mc.dropped = true
	atomic.AddInt64(mc.live, -1)
}

// SubnetIP resolves the subnet a request belongs to:
// the relay-info link-selection sub-option, else the subnet-selection
// option, else giaddr, else ciaddr, else the receiving interface's
// address.
func (mc *MsgContext4) SubnetIP() (net.IP, error) {
	if relay := mc.Req.RelayAgentInfo(); relay != nil {
		if b := relay.Get(relaySubOptLinkSelect); len(b) == 4 {
			return net.IP(b), nil
		}
	}
	if b, ok := mc.Req.Options[optSubnetSelection]; ok && len(b) == 4 {
		return net.IP(b), nil
	}
	if !mc.Req.GatewayIPAddr.IsUnspecified() {
		return mc.Req.GatewayIPAddr, nil
	}
	if !mc.Req.ClientIPAddr.IsUnspecified() {
		return mc.Req.ClientIPAddr, nil
	}
	if mc.IfaceIP != nil {
		return mc.IfaceIP, nil
	}
	return nil, errors.New("pipeline: cannot determine subnet for request")
}

// RequestedIP returns the address the client is asking for: ciaddr if set,
// else opt-50, else nil.
func (mc *MsgContext4) RequestedIP() net.IP {
	if !mc.Req.ClientIPAddr.IsUnspecified() {
		return mc.Req.ClientIPAddr
	}
	if b, ok := mc.Req.Options[optRequestedIPAddr]; ok && len(b) == 4 {
		return net.IP(b)
	}
	return nil
}

// RequestedLeaseTime returns the client's opt-51 request, if present.
func (mc *MsgContext4) RequestedLeaseTime() (time.Duration, bool) {
	b, ok := mc.Req.Options[optLeaseTime]
	if !ok || len(b) != 4 {
		return 0, false
	}
	return time.Duration(binary.BigEndian.Uint32(b)) * time.Second, true
}

func roundSeconds(d time.Duration) uint32 {
	if d <= 0 {
		return 0
	}
	return uint32((d + 500*time.Millisecond) / time.Second)
}

func secondsOption(sec uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, sec)
	return b
}

func (mc *MsgContext4) copyPassthroughOpts() {
	if b, ok := mc.Req.Options[optRelayAgentInfo]; ok {
		mc.Resp.Options.Update(dhcpv4.OptGeneric(dhcpv4.OptionCode(optRelayAgentInfo), b))
	}
	if b, ok := mc.Req.Options[optClientID]; ok {
		mc.Resp.Options.Update(dhcpv4.OptGeneric(dhcpv4.OptionCode(optClientID), b))
	}
}

// ifaceDefaults returns the router/netmask values this network supplies
// when the interface's configured subnet contains the chosen subnet.
func (mc *MsgContext4) ifaceDefaults() dhcpv4.Options {
	out := make(dhcpv4.Options)
	if mc.Network == nil {
		return out
	}
	if mc.Network.Router != nil {
		out[optRouter] = mc.Network.Router.To4()
	}
	if mc.Network.Subnet != nil {
		out[optSubnetMask] = []byte(mc.Network.Subnet.Mask)
	}
	return out
}

// PopulateOpts fills the in-progress response: relay-info/client-id
// passthrough, router/netmask from the receiving network, and whatever
// the client's Parameter Request List (opt-55) asked for, with
// configured options winning over interface defaults.
func (mc *MsgContext4) PopulateOpts(configured dhcpv4.Options) {
	mc.copyPassthroughOpts()

	defaults := mc.ifaceDefaults()
	prl := mc.Req.Options[optParameterRequestList]
	for _, code := range prl {
		if v, ok := configured[code]; ok {
			mc.Resp.Options.Update(dhcpv4.OptGeneric(dhcpv4.OptionCode(code), v))
			continue
		}
		if v, ok := defaults[code]; ok {
			mc.Resp.Options.Update(dhcpv4.OptGeneric(dhcpv4.OptionCode(code), v))
		}
	}
}

// PopulateOptsLease is PopulateOpts plus the lease-time triple (opt-51,
// opt-58, opt-59), each rounded to whole seconds with round-half-up.
func (mc *MsgContext4) PopulateOptsLease(configured dhcpv4.Options, lease, t1, t2 time.Duration) {
	mc.PopulateOpts(configured)
	mc.Resp.Options.Update(dhcpv4.OptIPAddressLeaseTime(time.Duration(roundSeconds(lease)) * time.Second))
	mc.Resp.Options.Update(dhcpv4.OptGeneric(dhcpv4.OptionCode(optRenewTimeValue), secondsOption(roundSeconds(t1))))
	mc.Resp.Options.Update(dhcpv4.OptGeneric(dhcpv4.OptionCode(optRebindTimeValue), secondsOption(roundSeconds(t2))))
}

// SetNak rewrites the in-progress response into a Nak: clears
// yiaddr/siaddr/ciaddr and the boot filenames, keeps giaddr (untouched,
// it isn't an option), server-id and client-id, drops every other
// option, and sets opt-53 to Nak.
func (mc *MsgContext4) SetNak() {
	resp := mc.Resp
	resp.YourIPAddr = net.IPv4zero
	resp.ServerIPAddr = net.IPv4zero
	resp.ClientIPAddr = net.IPv4zero
	resp.ServerHostName = ""
	resp.BootFileName = ""

	serverID, hadServerID := resp.Options[optServerID]
	clientID, hadClientID := resp.Options[optClientID]
	resp.Options = make(dhcpv4.Options)
	if hadServerID {
		resp.Options.Update(dhcpv4.OptGeneric(dhcpv4.OptionCode(optServerID), serverID))
	}
	if hadClientID {
		resp.Options.Update(dhcpv4.OptGeneric(dhcpv4.OptionCode(optClientID), clientID))
	}
	resp.Options.Update(dhcpv4.OptMessageType(dhcpv4.MessageTypeNak))
}

// FilterDHCPOpts strips the DHCP-only options so the response is a valid
// BOOTP reply.
func (mc *MsgContext4) FilterDHCPOpts() {
	for _, code := range dhcpOnlyOptions {
		delete(mc.Resp.Options, code)
	}
}

// ComputeDestination implements the response-addressing rules. When the
// context is bound to a non-standard port (unit tests) it
// replies to the request's source socket address instead, decoupling
// tests from host networking state.
func (mc *MsgContext4) ComputeDestination() (*net.UDPAddr, error) {
	if mc.TestPort {
		return mc.Peer, nil
	}

	req := mc.Req
	if !req.GatewayIPAddr.IsUnspecified() {
		mc.Resp.GatewayIPAddr = req.GatewayIPAddr
		return &net.UDPAddr{IP: req.GatewayIPAddr, Port: dhcpv4.ServerPort}, nil
	}
	if !req.ClientIPAddr.IsUnspecified() {
		return &net.UDPAddr{IP: req.ClientIPAddr, Port: dhcpv4.ClientPort}, nil
	}
	if !req.IsBroadcast() && !mc.Resp.YourIPAddr.IsUnspecified() {
		dev := ""
		if mc.Iface != nil {
			dev = mc.Iface.Name
		}
		if err := arp.Inject(mc.Resp.YourIPAddr, req.ClientHWAddr, dev); err != nil {
			log.Warningf("arp injection for %s failed, falling back to broadcast: %v", mc.Resp.YourIPAddr, err)
		} else {
			return &net.UDPAddr{IP: mc.Resp.YourIPAddr, Port: dhcpv4.ClientPort}, nil
		}
	}
	return &net.UDPAddr{IP: net.IPv4bcast, Port: dhcpv4.ClientPort}, nil
}

// MsgContext6 is the DHCPv6 analogue of MsgContext4. The v6 config surface
// (config.Network6) carries no reservations or classes, so the context
// exposes less: just the resolved network, scratch map and liveness
// bookkeeping the v6 leases plugin needs.
type MsgContext6 struct {
	Cfg     *config.Config
	Req     dhcpv6.DHCPv6
	Resp    dhcpv6.DHCPv6
	Network *config.Network6

	// Iface/IfaceIP describe the interface the datagram was received on,
	// used to resolve Network when the request carries no other subnet
	// hint (DHCPv6 has no giaddr/subnet-selection option).
	Iface   *net.Interface
	IfaceIP net.IP

	Peer     *net.UDPAddr
	TestPort bool

	RequestID uint64

	mu      sync.Mutex
	scratch map[string]interface{}

	live    *int64
	dropped bool
}

// NewMsgContext6 is the DHCPv6 analogue of NewMsgContext4.
func NewMsgContext6(cfg *config.Config, req dhcpv6.DHCPv6, iface *net.Interface, ifaceIP net.IP, peer *net.UDPAddr, testPort bool, requestID uint64, live *int64) *MsgContext6 {
	atomic.AddInt64(live, 1)
	return &MsgContext6{
		Cfg:       cfg,
		Req:       req,
		Iface:     iface,
		IfaceIP:   ifaceIP,
		Peer:      peer,
		TestPort:  testPort,
		RequestID: requestID,
		scratch:   make(map[string]interface{}),
		live:      live,
	}
}

// SubnetIP resolves the subnet a v6 request belongs to: the receiving
// interface's configured address, there being no giaddr/subnet-selection
// analogue on this side of the protocol.
func (mc *MsgContext6) SubnetIP() (net.IP, error) {
	if mc.IfaceIP != nil {
		return mc.IfaceIP, nil
	}
	return nil, errors.New("pipeline: cannot determine subnet for v6 request")
}

// Scratch fetches a value previously stored under key.
func (mc *MsgContext6) Scratch(key string) (interface{}, bool) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	v, ok := mc.scratch[key]
	return v, ok
}

// SetScratch stores a value under key for downstream plugins to consult.
func (mc *MsgContext6) SetScratch(key string, v interface{}) {
	mc.mu.Lock()
	mc.scratch[key] = v
	mc.mu.Unlock()
}

// Drop decrements the dispatcher's live_msgs counter exactly once.
func (mc *MsgContext6) Drop() {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	if mc.dropped {
		return
	}
	mc.dropped = true
	atomic.AddInt64(mc.live, -1)
}

// Destination returns where a v6 reply should be sent: the test peer
// address in test mode, otherwise the request's own source address (v6
// relay/unicast routing is handled by the kernel via the received
// interface's scope, unlike v4's giaddr/ARP dance).
func (mc *MsgContext6) Destination() *net.UDPAddr {
	return mc.Peer
}
