// Copyright 2018-present the CoreDHCP Authors. All rights reserved
// This source code is licensed under the MIT license found in the
// LICENSE file in the root directory of this source tree.

// Package ddnsstub occupies the single post-response plugin slot. The
// DDNS client itself is an out-of-scope external collaborator, but the
// hook surface still needs to exist and be exercised, so this logs the
// update a real DDNS client would perform instead of sending one.
package ddnsstub

import (
	"context"

	"github.com/insomniacslk/dhcp/dhcpv4"
	"github.com/insomniacslk/dhcp/dhcpv6"

	"github.com/coredhcp/clusterdhcp/logger"
	"github.com/coredhcp/clusterdhcp/pipeline"
)

var log = logger.GetLogger("plugins/ddnsstub")

// Plugin is the no-op DDNS hook. Zone carries the zone the update
// would be pushed to, matching the shape of a real DDNS client's config
// without implementing one.
type Plugin struct {
	Zone string
}

// New returns a Plugin scoped to zone.
func New(zone string) *Plugin {
	return &Plugin{Zone: zone}
}

// Name identifies this plugin in the post-response slot.
func (p *Plugin) Name() string { return "ddnsstub" }

var (
	_ pipeline.PostResponse4 = (*Plugin)(nil)
	_ pipeline.PostResponse6 = (*Plugin)(nil)
)

// Update4 logs the forward/reverse record a DDNS client would push for
// this v4 lease.
func (p *Plugin) Update4(ctx context.Context, mc *pipeline.MsgContext4, resp *dhcpv4.DHCPv4) error {
	if resp == nil || resp.YourIPAddr.IsUnspecified() {
		return nil
	}
	log.Debugf("ddns update (zone %s): %s -> %s [not sent, no-op plugin]", p.Zone, hostnameHint(mc.Req), resp.YourIPAddr)
	return nil
}

// Update6 is the v6 analogue of Update4.
func (p *Plugin) Update6(ctx context.Context, mc *pipeline.MsgContext6, resp dhcpv6.DHCPv6) error {
	if resp == nil {
		return nil
	}
	msg, err := resp.GetInnerMessage()
	if err != nil {
		return nil
	}
	for _, ia := range msg.Options.IANA() {
		if addr := ia.Options.OneAddress(); addr != nil {
			log.Debugf("ddns update (zone %s): IAID %x -> %s [not sent, no-op plugin]", p.Zone, ia.IaId, addr.IPv6Addr)
		}
	}
	return nil
}

func hostnameHint(req *dhcpv4.DHCPv4) string {
	if req == nil {
		return ""
	}
	if b, ok := req.Options[12]; ok {
		return string(b)
	}
	return req.ClientHWAddr.String()
}
