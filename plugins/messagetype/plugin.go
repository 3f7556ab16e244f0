// Copyright 2018-present the CoreDHCP Authors. All rights reserved
// This source code is licensed under the MIT license found in the
// LICENSE file in the root directory of this source tree.

// Package messagetype implements the always-first v4 plugin: it resolves
// the receiving network, builds the provisional response, runs client
// classification, and decides whether the message even deserves a reply.
package messagetype

import (
	"context"
	"encoding/binary"
	"net"

	"github.com/insomniacslk/dhcp/dhcpv4"

	"github.com/coredhcp/clusterdhcp/classify"
	"github.com/coredhcp/clusterdhcp/config"
	"github.com/coredhcp/clusterdhcp/logger"
	"github.com/coredhcp/clusterdhcp/pipeline"
)

var log = logger.GetLogger("plugins/messagetype")

// ScratchClasses is the scratch-map key downstream plugins read the
// matched classification names from.
const ScratchClasses = "messagetype.classes"

const (
	optServerID    = 54
	optMessageType = 53
)

// Plugin resolves the network, builds the response skeleton, and assigns
// the provisional message type based on the incoming request type.
type Plugin struct {
	cfg *config.Config
}

// New returns a ready-to-register messagetype Plugin.
func New(cfg *config.Config) *Plugin {
	return &Plugin{cfg: cfg}
}

// Name identifies this plugin in the dependency graph.
func (p *Plugin) Name() string { return "messagetype" }

// Depends reports no upstream dependency: messagetype always runs first.
func (p *Plugin) Depends() []string { return nil }

// Handle4 implements pipeline.Plugin4.
func (p *Plugin) Handle4(ctx context.Context, mc *pipeline.MsgContext4, req, resp *dhcpv4.DHCPv4) pipeline.Action {
	if req.OpCode != dhcpv4.OpcodeBootRequest {
		log.Debugf("dropping opcode %d, we don't proxy server-to-server traffic", req.OpCode)
		mc.Resp = nil
		return pipeline.NoResponse
	}

	subnetIP, err := mc.SubnetIP()
	if err != nil {
		log.Warningf("cannot resolve subnet for %s: %v", req.ClientHWAddr, err)
		mc.Resp = nil
		return pipeline.NoResponse
	}
	network, _ := p.cfg.NetworkFor(subnetIP)
	mc.Network = network

	serverID := config.ServerIDFor(network, mc.IfaceIP)
	if b, ok := req.Options[optServerID]; ok && len(b) == 4 && !net.IP(b).Equal(serverID) {
		log.Debugf("dropping request addressed to server id %s, we are %s", net.IP(b), serverID)
		mc.Resp = nil
		return pipeline.NoResponse
	}

	resp.ServerIPAddr = serverID
	resp.UpdateOption(dhcpv4.OptServerIdentifier(serverID))
	mc.Resp = resp

	matched := p.cfg.EvalClasses(p.classifyArgs(req, mc))
	mc.SetScratch(ScratchClasses, matched)

	if _, hasMsgType := req.Options[optMessageType]; !hasMsgType {
		// A raw BOOTP request: no skeleton message type is set here, it's
		// left for the static-address/leases plugins to build the whole
		// reply from scratch per their own "no msg-type" rows.
		if !p.cfg.V4.BootpEnable {
			mc.Resp = nil
			return pipeline.NoResponse
		}
		return pipeline.Continue
	}

	switch req.MessageType() {
	case dhcpv4.MessageTypeDiscover:
		resp.UpdateOption(dhcpv4.OptMessageType(dhcpv4.MessageTypeOffer))
		return pipeline.Continue

	case dhcpv4.MessageTypeRequest:
		// Provisional: the leases plugin may still downgrade this to Nak.
		resp.UpdateOption(dhcpv4.OptMessageType(dhcpv4.MessageTypeAck))
		return pipeline.Continue

	case dhcpv4.MessageTypeRelease:
		resp.UpdateOption(dhcpv4.OptMessageType(dhcpv4.MessageTypeAck))
		return pipeline.Continue

	case dhcpv4.MessageTypeInform:
		resp.UpdateOption(dhcpv4.OptMessageType(dhcpv4.MessageTypeAck))
		if network == nil || !network.Authoritative {
			mc.Resp = nil
			return pipeline.NoResponse
		}
		configured := network.CollectOpts(p.cfg.ClassesByName(), matched, nil, dhcpv4.Options{})
		mc.PopulateOpts(configured)
		return pipeline.Respond

	case dhcpv4.MessageTypeDecline:
		// No response message is ever built for Decline; downstream
		// plugins (leases) still run against req alone to probate the ip.
		return pipeline.Continue

	default:
		log.Debugf("unhandled message type %v, dropping", req.MessageType())
		mc.Resp = nil
		return pipeline.NoResponse
	}
}

func (p *Plugin) classifyArgs(req *dhcpv4.DHCPv4, mc *pipeline.MsgContext4) classify.Args {
	var src, dst net.IP
	if mc.Peer != nil {
		src = mc.Peer.IP
	}
	dst = mc.IfaceIP

	iface := ""
	if mc.Iface != nil {
		iface = mc.Iface.Name
	}

	opts := make(map[uint8][]byte, len(req.Options))
	for code, v := range req.Options {
		opts[code] = v
	}

	return classify.Args{
		Iface:   iface,
		Src:     src,
		Dst:     dst,
		Len:     len(req.ToBytes()),
		Mac:     req.ClientHWAddr,
		Hlen:    uint8(len(req.ClientHWAddr)),
		HType:   uint8(req.HWType),
		CiAddr:  req.ClientIPAddr,
		GiAddr:  req.GatewayIPAddr,
		YiAddr:  req.YourIPAddr,
		SiAddr:  req.ServerIPAddr,
		MsgType: uint8(req.MessageType()),
		TransID: binary.BigEndian.Uint32(req.TransactionID[:]),
		Options: opts,
	}
}
