// Copyright 2018-present the CoreDHCP Authors. All rights reserved
// This source code is licensed under the MIT license found in the
// LICENSE file in the root directory of this source tree.

// Package leases implements the v4 dynamic-allocation plugin:
// Discover/Request/Release/Decline against the local allocator, plus the
// BOOTP far-future-lease fallback.
package leases

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/insomniacslk/dhcp/dhcpv4"

	"github.com/coredhcp/clusterdhcp/allocator"
	"github.com/coredhcp/clusterdhcp/config"
	"github.com/coredhcp/clusterdhcp/leasestore"
	"github.com/coredhcp/clusterdhcp/logger"
	"github.com/coredhcp/clusterdhcp/pipeline"
	"github.com/coredhcp/clusterdhcp/plugins/messagetype"
)

var log = logger.GetLogger("plugins/leases")

const (
	optRequestedIPAddr = 50
	optRapidCommit     = 80
)

// bootpLeaseTime is the "effectively infinite" lease handed to BOOTP
// clients, which never renew.
const bootpLeaseTime = 10 * 365 * 24 * time.Hour

// discoverHoldTime is how long a Discover's provisional reservation is
// held before the client is expected to follow up with Request.
const discoverHoldTime = 60 * time.Second

// Plugin implements the dynamic v4 leases lifecycle.
type Plugin struct {
	cfg   *config.Config
	alloc allocator.LeaseAllocator
}

// New returns a ready-to-register leases Plugin. alloc is either a plain
// *allocator.Allocator (standalone mode) or a
// *coordinator.CoordinatedAllocator.
func New(cfg *config.Config, alloc allocator.LeaseAllocator) *Plugin {
	return &Plugin{cfg: cfg, alloc: alloc}
}

// Name identifies this plugin in the dependency graph.
func (p *Plugin) Name() string { return "leases" }

// Depends reports that leases runs after staticaddr.
func (p *Plugin) Depends() []string { return []string{"staticaddr"} }

// Handle4 implements pipeline.Plugin4.
func (p *Plugin) Handle4(ctx context.Context, mc *pipeline.MsgContext4, req, resp *dhcpv4.DHCPv4) pipeline.Action {
	network := mc.Network
	if network == nil {
		return pipeline.Continue
	}

	reqOpts := make(map[uint8][]byte, len(req.Options))
	for code, v := range req.Options {
		reqOpts[code] = v
	}
	clientID := p.cfg.ClientID(req.ClientHWAddr, reqOpts)

	var matched []string
	if v, ok := mc.Scratch(messagetype.ScratchClasses); ok {
		matched, _ = v.([]string)
	}

	_, hasMsgType := req.Options[53]
	if !hasMsgType {
		return p.handleBootp(mc, req, resp, network, clientID, matched)
	}

	switch req.MessageType() {
	case dhcpv4.MessageTypeDiscover:
		return p.handleDiscover(mc, req, resp, network, clientID, matched)
	case dhcpv4.MessageTypeRequest:
		return p.handleRequest(mc, req, resp, network, clientID, matched)
	case dhcpv4.MessageTypeRelease:
		return p.handleRelease(mc, clientID)
	case dhcpv4.MessageTypeDecline:
		return p.handleDecline(mc, req, network, clientID)
	default:
		return pipeline.Continue
	}
}

func (p *Plugin) handleDiscover(mc *pipeline.MsgContext4, req *dhcpv4.DHCPv4, resp *dhcpv4.DHCPv4, network *config.Network, clientID string, matched []string) pipeline.Action {
	if !resp.YourIPAddr.IsUnspecified() {
		return pipeline.Continue
	}

	hold := discoverHoldTime
	rapid := p.cfg.V4.RapidCommit && req.Options.Has(optRapidCommit)

	ranges := network.RangesForClasses(matched)
	var (
		ip  net.IP
		rng config.Range
		err error
	)
	for _, r := range ranges {
		ip, err = p.alloc.ReserveFirst(r, network, network.Name, clientID, time.Now().Add(hold), leasestore.Reserved)
		if err == nil {
			rng = r
			break
		}
	}
	if ip == nil {
		log.Debugf("no address available for %s in network %s", clientID, network.Name)
		mc.Resp = nil
		return pipeline.NoResponse
	}

	lt := network.LeaseTimeFor(&rng, nil)
	requested, _ := mc.RequestedLeaseTime()
	lease := lt.Clamp(requested)
	if rapid {
		if err := p.alloc.TryLease(ip, network.Name, clientID, time.Now().Add(lease), network); err != nil {
			mc.Resp = nil
			return pipeline.NoResponse
		}
		resp.UpdateOption(dhcpv4.OptMessageType(dhcpv4.MessageTypeAck))
		resp.UpdateOption(dhcpv4.OptGeneric(dhcpv4.OptionCode(optRapidCommit), []byte{}))
	}

	resp.YourIPAddr = ip
	configured := network.CollectOpts(p.cfg.ClassesByName(), matched, nil, rng.Options)
	mc.PopulateOptsLease(configured, lease, lease/2, lease*7/8)
	p.alloc.RecordLease(clientID, ip, lease)
	return pipeline.Respond
}

func (p *Plugin) handleRequest(mc *pipeline.MsgContext4, req *dhcpv4.DHCPv4, resp *dhcpv4.DHCPv4, network *config.Network, clientID string, matched []string) pipeline.Action {
	if !resp.YourIPAddr.IsUnspecified() {
		return pipeline.Continue
	}

	reqIP := mc.RequestedIP()
	if reqIP == nil {
		mc.Resp = nil
		return pipeline.NoResponse
	}
	rng, inRange := network.RangeFor(reqIP)
	if !inRange {
		return pipeline.Continue
	}

	lt := network.LeaseTimeFor(&rng, nil)
	requestedLT, _ := mc.RequestedLeaseTime()
	lease := lt.Clamp(requestedLT)

	if remaining, ok := p.alloc.CachedRenewal(clientID, reqIP); ok {
		resp.YourIPAddr = reqIP
		configured := network.CollectOpts(p.cfg.ClassesByName(), matched, nil, rng.Options)
		mc.PopulateOptsLease(configured, remaining, remaining/2, remaining*7/8)
		return pipeline.Respond
	}

	if err := p.alloc.TryLease(reqIP, network.Name, clientID, time.Now().Add(lease), network); err != nil {
		if !errors.Is(err, leasestore.ErrAddrInUse) {
			log.Errorf("try_lease %s for %s: %v", reqIP, clientID, err)
		}
		if network.Authoritative {
			mc.SetNak()
			return pipeline.Respond
		}
		// Non-authoritative: stay silent and let another server answer.
		mc.Resp = nil
		return pipeline.Continue
	}

	resp.YourIPAddr = reqIP
	configured := network.CollectOpts(p.cfg.ClassesByName(), matched, nil, rng.Options)
	mc.PopulateOptsLease(configured, lease, lease/2, lease*7/8)
	p.alloc.RecordLease(clientID, reqIP, lease)
	return pipeline.Respond
}

func (p *Plugin) handleRelease(mc *pipeline.MsgContext4, clientID string) pipeline.Action {
	ip := mc.RequestedIP()
	if ip == nil {
		ip = mc.Req.ClientIPAddr
	}
	if ip != nil && !ip.IsUnspecified() {
		if err := p.alloc.ReleaseIP(ip, clientID); err != nil {
			log.Debugf("release %s for %s: %v", ip, clientID, err)
		}
	}
	mc.Resp = nil
	return pipeline.NoResponse
}

func (p *Plugin) handleDecline(mc *pipeline.MsgContext4, req *dhcpv4.DHCPv4, network *config.Network, clientID string) pipeline.Action {
	b, ok := req.Options[optRequestedIPAddr]
	if !ok || len(b) != 4 {
		mc.Resp = nil
		return pipeline.NoResponse
	}
	ip := net.IP(b)
	if err := p.alloc.ProbateIP(ip, clientID, time.Now().Add(network.ProbationPeriod)); err != nil {
		log.Debugf("probate %s for %s: %v", ip, clientID, err)
	}
	mc.Resp = nil
	return pipeline.NoResponse
}

func (p *Plugin) handleBootp(mc *pipeline.MsgContext4, req *dhcpv4.DHCPv4, resp *dhcpv4.DHCPv4, network *config.Network, clientID string, matched []string) pipeline.Action {
	if !p.cfg.V4.BootpEnable || !resp.YourIPAddr.IsUnspecified() {
		return pipeline.Continue
	}

	ranges := network.RangesForClasses(matched)
	var (
		ip  net.IP
		rng config.Range
		err error
	)
	for _, r := range ranges {
		ip, err = p.alloc.ReserveFirst(r, network, network.Name, clientID, time.Now().Add(bootpLeaseTime), leasestore.Leased)
		if err == nil {
			rng = r
			break
		}
	}
	if ip == nil {
		mc.Resp = nil
		return pipeline.NoResponse
	}

	resp.YourIPAddr = ip
	configured := network.CollectOpts(p.cfg.ClassesByName(), matched, nil, rng.Options)
	mc.PopulateOptsLease(configured, bootpLeaseTime, bootpLeaseTime/2, bootpLeaseTime*7/8)
	mc.FilterDHCPOpts()
	return pipeline.Respond
}
