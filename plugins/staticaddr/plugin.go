// Copyright 2018-present the CoreDHCP Authors. All rights reserved
// This source code is licensed under the MIT license found in the
// LICENSE file in the root directory of this source tree.

// Package staticaddr implements the v4 reservation plugin:
// clients matched by hardware address or option value get their pinned
// address and option set instead of anything from the dynamic ranges.
package staticaddr

import (
	"context"

	"github.com/insomniacslk/dhcp/dhcpv4"

	"github.com/coredhcp/clusterdhcp/config"
	"github.com/coredhcp/clusterdhcp/logger"
	"github.com/coredhcp/clusterdhcp/pipeline"
	"github.com/coredhcp/clusterdhcp/plugins/messagetype"
)

var log = logger.GetLogger("plugins/staticaddr")

const optRequestedIPAddr = 50

// Plugin assigns reserved addresses ahead of the dynamic leases plugin.
type Plugin struct {
	cfg *config.Config
}

// New returns a ready-to-register staticaddr Plugin.
func New(cfg *config.Config) *Plugin {
	return &Plugin{cfg: cfg}
}

// Name identifies this plugin in the dependency graph.
func (p *Plugin) Name() string { return "staticaddr" }

// Depends reports that staticaddr runs after messagetype and before the
// dynamic leases plugin.
func (p *Plugin) Depends() []string { return []string{"messagetype"} }

// Handle4 implements pipeline.Plugin4.
func (p *Plugin) Handle4(ctx context.Context, mc *pipeline.MsgContext4, req, resp *dhcpv4.DHCPv4) pipeline.Action {
	if mc.Resp == nil || mc.Network == nil {
		return pipeline.Continue
	}

	reqOpts := make(map[uint8][]byte, len(req.Options))
	for code, v := range req.Options {
		reqOpts[code] = v
	}
	resv, ok := mc.Network.ReservationFor(req.ClientHWAddr, reqOpts)
	if !ok {
		return pipeline.Continue
	}

	var matched []string
	if v, ok := mc.Scratch(messagetype.ScratchClasses); ok {
		matched, _ = v.([]string)
	}
	configured := mc.Network.CollectOpts(p.cfg.ClassesByName(), matched, &resv, dhcpv4.Options{})

	_, hasMsgType := req.Options[53]
	if !hasMsgType {
		if !p.cfg.V4.BootpEnable {
			return pipeline.Continue
		}
		resp.YourIPAddr = resv.IP
		mc.PopulateOpts(configured)
		mc.FilterDHCPOpts()
		return pipeline.Respond
	}

	switch req.MessageType() {
	case dhcpv4.MessageTypeDiscover:
		resp.YourIPAddr = resv.IP
		lt := mc.Network.LeaseTimeFor(nil, &resv)
		requested, _ := mc.RequestedLeaseTime()
		lease := lt.Clamp(requested)
		mc.PopulateOptsLease(configured, lease, lease/2, lease*7/8)
		return pipeline.Respond

	case dhcpv4.MessageTypeRequest:
		if reqIP := mc.RequestedIP(); reqIP != nil && !reqIP.Equal(resv.IP) {
			log.Debugf("client %s requested %s but is reserved %s, nak", req.ClientHWAddr, reqIP, resv.IP)
			mc.SetNak()
			return pipeline.Respond
		}
		resp.YourIPAddr = resv.IP
		lt := mc.Network.LeaseTimeFor(nil, &resv)
		requested, _ := mc.RequestedLeaseTime()
		lease := lt.Clamp(requested)
		mc.PopulateOptsLease(configured, lease, lease/2, lease*7/8)
		return pipeline.Respond

	default:
		return pipeline.Continue
	}
}
