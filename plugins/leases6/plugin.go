// Copyright 2018-present the CoreDHCP Authors. All rights reserved
// This source code is licensed under the MIT license found in the
// LICENSE file in the root directory of this source tree.

// Package leases6 implements the DHCPv6 stateful allocator:
// Solicit/Request/Renew/Rebind/Release/Decline keyed on (subnet, duid,
// iaid), running as the sole plugin of the v6 pipeline.
package leases6

import (
	"context"
	"encoding/binary"
	"errors"
	"net"
	"time"

	"github.com/insomniacslk/dhcp/dhcpv6"
	dhcpiana "github.com/insomniacslk/dhcp/iana"

	"github.com/coredhcp/clusterdhcp/allocator"
	"github.com/coredhcp/clusterdhcp/config"
	"github.com/coredhcp/clusterdhcp/leasestore"
	"github.com/coredhcp/clusterdhcp/logger"
	"github.com/coredhcp/clusterdhcp/pipeline"
)

var log = logger.GetLogger("plugins/leases6")

// solicitHoldTime is how long a Solicit's provisional reservation is held
// before the client is expected to follow up with Request, the v6
// analogue of plugins/leases' discoverHoldTime.
const solicitHoldTime = 60 * time.Second

// Plugin implements the DHCPv6 stateful leases lifecycle.
type Plugin struct {
	cfg   *config.Config
	alloc allocator.V6LeaseAllocator
}

// New returns a ready-to-register leases6 Plugin. alloc is either a plain
// *allocator.Allocator (standalone mode) or a
// *coordinator.CoordinatedV6Allocator.
func New(cfg *config.Config, alloc allocator.V6LeaseAllocator) *Plugin {
	return &Plugin{cfg: cfg, alloc: alloc}
}

// Name identifies this plugin in the dependency graph.
func (p *Plugin) Name() string { return "leases6" }

// Depends reports no upstream dependency: leases6 is the only v6 plugin.
func (p *Plugin) Depends() []string { return nil }

// Handle6 implements pipeline.Plugin6.
func (p *Plugin) Handle6(ctx context.Context, mc *pipeline.MsgContext6, req, resp dhcpv6.DHCPv6) pipeline.Action {
	msg, err := req.GetInnerMessage()
	if err != nil {
		log.Errorf("cannot decapsulate request: %v", err)
		mc.Resp = nil
		return pipeline.NoResponse
	}

	subnetIP, err := mc.SubnetIP()
	if err != nil {
		log.Debugf("cannot resolve subnet: %v", err)
		mc.Resp = nil
		return pipeline.NoResponse
	}
	network, ok := p.cfg.Network6For(subnetIP)
	if !ok {
		log.Debugf("no network configured for %s", subnetIP)
		mc.Resp = nil
		return pipeline.NoResponse
	}
	mc.Network = network

	duid := msg.Options.ClientID()
	if duid == nil {
		log.Debug("no client id option, dropping")
		mc.Resp = nil
		return pipeline.NoResponse
	}
	duidKey := string(duid.ToBytes())

	ianas := msg.Options.IANA()
	if len(ianas) == 0 {
		return pipeline.Continue
	}

	switch msg.MessageType {
	case dhcpv6.MessageTypeSolicit:
		p.handleSolicit(resp, network, duidKey, ianas)
	case dhcpv6.MessageTypeRequest, dhcpv6.MessageTypeRenew, dhcpv6.MessageTypeRebind:
		p.handleConfirm(resp, network, duidKey, ianas)
	case dhcpv6.MessageTypeRelease:
		p.handleRelease(resp, duidKey, ianas)
	case dhcpv6.MessageTypeDecline:
		p.handleDecline(resp, network, duidKey, ianas)
	default:
		return pipeline.Continue
	}
	return pipeline.Respond
}

func iaidOf(ia *dhcpv6.OptIANA) uint32 {
	return binary.BigEndian.Uint32(ia.IaId[:])
}

func preferredAddress(ia *dhcpv6.OptIANA) net.IP {
	if addr := ia.Options.OneAddress(); addr != nil {
		return addr.IPv6Addr
	}
	return nil
}

func noAddrsAvail(iaResp *dhcpv6.OptIANA) {
	iaResp.Options.Add(&dhcpv6.OptStatusCode{StatusCode: dhcpiana.StatusNoAddrsAvail})
}

func addIAAddress(iaResp *dhcpv6.OptIANA, ip net.IP, preferred, valid time.Duration) {
	iaResp.Options.Add(&dhcpv6.OptIAAddress{
		IPv6Addr:          ip,
		PreferredLifetime: preferred,
		ValidLifetime:     valid,
	})
}

// handleSolicit: an IA_NA's preferred address hint, then the
// allocator.SynthesizeAddress candidate, is taken only when a row for it
// already exists and is expired or bound to this client; otherwise
// ReserveV6 reuses an expired or own row, else the next never-allocated
// address in the range. Duplicate Solicits resolve to the same address
// because the client's own row is reused.
func (p *Plugin) handleSolicit(resp dhcpv6.DHCPv6, network *config.Network6, duidKey string, ianas []*dhcpv6.OptIANA) {
	for _, ia := range ianas {
		iaResp := &dhcpv6.OptIANA{IaId: ia.IaId}
		key := allocator.V6Key{Subnet: network.Name, DUID: duidKey, IAID: iaidOf(ia)}
		preferred := preferredAddress(ia)

		var ip net.IP
		var err error
		for _, rng := range network.Ranges {
			ip, err = p.alloc.ReserveV6(rng, key, preferred, network.Name, time.Now().Add(solicitHoldTime), leasestore.Reserved)
			if err == nil {
				break
			}
		}
		if ip == nil {
			log.Debugf("no v6 address available for %s/%d in network %s", duidKey, key.IAID, network.Name)
			noAddrsAvail(iaResp)
			resp.AddOption(iaResp)
			continue
		}

		lease := network.LeaseTime.Clamp(0)
		addIAAddress(iaResp, ip, lease/2, lease)
		resp.AddOption(iaResp)
	}
}

// handleConfirm implements the Request/Renew/Rebind path: each IA_NA's
// hinted address is confirmed against the allocator, following the v4
// try_lease shape (renew an existing binding, or claim fresh only when the
// network is authoritative).
func (p *Plugin) handleConfirm(resp dhcpv6.DHCPv6, network *config.Network6, duidKey string, ianas []*dhcpv6.OptIANA) {
	for _, ia := range ianas {
		iaResp := &dhcpv6.OptIANA{IaId: ia.IaId}
		key := allocator.V6Key{Subnet: network.Name, DUID: duidKey, IAID: iaidOf(ia)}
		clientID := key.ClientID()

		ip := preferredAddress(ia)
		if ip == nil {
			noAddrsAvail(iaResp)
			resp.AddOption(iaResp)
			continue
		}

		lease := network.LeaseTime.Clamp(0)
		if remaining, ok := p.alloc.CachedRenewal(clientID, ip); ok {
			addIAAddress(iaResp, ip, remaining/2, remaining)
			resp.AddOption(iaResp)
			continue
		}

		if err := p.alloc.ConfirmV6(ip, network.Name, clientID, time.Now().Add(lease), network.Authoritative); err != nil {
			if !errors.Is(err, leasestore.ErrAddrInUse) {
				log.Errorf("confirm v6 %s for %s: %v", ip, clientID, err)
			}
			noAddrsAvail(iaResp)
			resp.AddOption(iaResp)
			continue
		}

		addIAAddress(iaResp, ip, lease/2, lease)
		resp.AddOption(iaResp)
		p.alloc.RecordLease(clientID, ip, lease)
	}
}

// handleRelease: every hinted address is
// released and the reply carries a per-IA success status, matching
// RFC8415 §18.3.4's requirement that Release always gets a Reply.
func (p *Plugin) handleRelease(resp dhcpv6.DHCPv6, duidKey string, ianas []*dhcpv6.OptIANA) {
	for _, ia := range ianas {
		iaResp := &dhcpv6.OptIANA{IaId: ia.IaId}
		id := (allocator.V6Key{DUID: duidKey, IAID: iaidOf(ia)}).ClientID()

		if ip := preferredAddress(ia); ip != nil {
			if err := p.alloc.ReleaseIP(ip, id); err != nil {
				log.Debugf("release v6 %s for %s: %v", ip, id, err)
			}
		}
		iaResp.Options.Add(&dhcpv6.OptStatusCode{StatusCode: dhcpiana.StatusSuccess})
		resp.AddOption(iaResp)
	}
	resp.AddOption(&dhcpv6.OptStatusCode{StatusCode: dhcpiana.StatusSuccess})
}

// handleDecline: the address is probated
// for network.ProbationPeriod-equivalent handling — v6 networks carry no
// separate probation config, so the v4 default window's intent is matched
// by reusing the allocator's ProbateIP with a fixed hold.
func (p *Plugin) handleDecline(resp dhcpv6.DHCPv6, network *config.Network6, duidKey string, ianas []*dhcpv6.OptIANA) {
	const v6ProbationPeriod = 10 * time.Minute
	for _, ia := range ianas {
		iaResp := &dhcpv6.OptIANA{IaId: ia.IaId}
		id := (allocator.V6Key{DUID: duidKey, IAID: iaidOf(ia)}).ClientID()

		if ip := preferredAddress(ia); ip != nil {
			if err := p.alloc.ProbateIP(ip, id, time.Now().Add(v6ProbationPeriod)); err != nil {
				log.Debugf("probate v6 %s for %s: %v", ip, id, err)
			}
		}
		iaResp.Options.Add(&dhcpv6.OptStatusCode{StatusCode: dhcpiana.StatusSuccess})
		resp.AddOption(iaResp)
	}
}
