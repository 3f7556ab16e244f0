// Copyright 2018-present the CoreDHCP Authors. All rights reserved
// This source code is licensed under the MIT license found in the
// LICENSE file in the root directory of this source tree.

// Package dhcptest plays DHCPv4 and DHCPv6 exchanges directly against a
// pipeline chain, without touching real sockets. It exists for package
// tests that want to exercise a full Discover/Offer/Request/Ack (or
// Solicit/Advertise/Request/Reply) sequence end to end.
//
// Grounded on the DiscoverOffer/Request handshake shape of an nclient4
// client and on its manually-built Release message, generalized to drive
// pipeline.Chain4 in place of a real UDP conn; the v6 Client mirrors the
// Solicit/NewRequestFromAdvertise sequence used to test a DHCPv6 server
// directly against its process method.
package dhcptest

import (
	"context"
	"net"
	"sync/atomic"

	"github.com/insomniacslk/dhcp/dhcpv4"
	"github.com/insomniacslk/dhcp/dhcpv6"

	"github.com/coredhcp/clusterdhcp/config"
	"github.com/coredhcp/clusterdhcp/pipeline"
)

var requestSeq uint64

func nextRequestID() uint64 { return atomic.AddUint64(&requestSeq, 1) }

// Client4 plays a DORA sequence against Chain directly, standing in for
// both the client and the dispatcher.
type Client4 struct {
	HWAddr  net.HardwareAddr
	Cfg     *config.Config
	Chain   *pipeline.Chain4
	Iface   *net.Interface
	IfaceIP net.IP
	Peer    *net.UDPAddr

	live int64
}

// exchange runs req through the chain and returns the response the chain
// produced, or nil if the chain dropped the request.
func (c *Client4) exchange(req *dhcpv4.DHCPv4) (*dhcpv4.DHCPv4, error) {
	resp, err := dhcpv4.NewReplyFromRequest(req)
	if err != nil {
		return nil, err
	}
	mc := pipeline.NewMsgContext4(c.Cfg, req, c.Iface, c.IfaceIP, c.Peer, true, nextRequestID(), &c.live)
	defer mc.Drop()

	action := c.Chain.Run(context.Background(), mc, req, resp)
	if action == pipeline.NoResponse || mc.Resp == nil {
		return nil, nil
	}
	return mc.Resp, nil
}

// Discover sends a DHCPDISCOVER and returns the offer, if one came back.
func (c *Client4) Discover(modifiers ...dhcpv4.Modifier) (*dhcpv4.DHCPv4, error) {
	discover, err := dhcpv4.NewDiscovery(c.HWAddr, modifiers...)
	if err != nil {
		return nil, err
	}
	return c.exchange(discover)
}

// Request sends a DHCPREQUEST built from offer and returns the Ack/Nak,
// if one came back.
func (c *Client4) Request(offer *dhcpv4.DHCPv4, modifiers ...dhcpv4.Modifier) (*dhcpv4.DHCPv4, error) {
	request, err := dhcpv4.NewRequestFromOffer(offer, modifiers...)
	if err != nil {
		return nil, err
	}
	request.ClientHWAddr = c.HWAddr
	return c.exchange(request)
}

// Release sends a DHCPRELEASE for ack's assigned address (yiaddr), matching
// the lease identified by ack's client-id/chaddr. The chain never responds to a Release, so the
// return value is always nil for a well-behaved chain.
func (c *Client4) Release(ack *dhcpv4.DHCPv4) error {
	req, err := dhcpv4.New()
	if err != nil {
		return err
	}
	req.Options = ack.Options
	req.UpdateOption(dhcpv4.OptMessageType(dhcpv4.MessageTypeRelease))
	req.ClientHWAddr = ack.ClientHWAddr
	req.ClientIPAddr = ack.YourIPAddr
	req.UpdateOption(dhcpv4.OptServerIdentifier(ack.ServerIdentifier()))
	_, err = c.exchange(req)
	return err
}

// Decline sends a DHCPDECLINE for ip, matching the lease identified by
// ack's client-id/chaddr.
func (c *Client4) Decline(ack *dhcpv4.DHCPv4, ip net.IP) error {
	req, err := dhcpv4.New()
	if err != nil {
		return err
	}
	req.Options = ack.Options
	req.UpdateOption(dhcpv4.OptMessageType(dhcpv4.MessageTypeDecline))
	req.ClientHWAddr = ack.ClientHWAddr
	req.UpdateOption(dhcpv4.OptRequestedIPAddress(ip))
	_, err = c.exchange(req)
	return err
}

// Client6 is the DHCPv6 analogue of Client4.
type Client6 struct {
	Mac     net.HardwareAddr
	Cfg     *config.Config
	Chain   *pipeline.Chain6
	Iface   *net.Interface
	IfaceIP net.IP
	Peer    *net.UDPAddr

	live int64
}

func (c *Client6) exchange(req dhcpv6.DHCPv6, resp dhcpv6.DHCPv6) (dhcpv6.DHCPv6, error) {
	mc := pipeline.NewMsgContext6(c.Cfg, req, c.Iface, c.IfaceIP, c.Peer, true, nextRequestID(), &c.live)
	defer mc.Drop()
	mc.Resp = resp

	action := c.Chain.Run(context.Background(), mc, req, resp)
	if action == pipeline.NoResponse || mc.Resp == nil {
		return nil, nil
	}
	return mc.Resp, nil
}

// Solicit sends a DHCPv6 Solicit and returns the Advertise, if one came
// back.
func (c *Client6) Solicit() (dhcpv6.DHCPv6, error) {
	solicit, err := dhcpv6.NewSolicit(c.Mac)
	if err != nil {
		return nil, err
	}
	msg, err := solicit.GetInnerMessage()
	if err != nil {
		return nil, err
	}
	advertise, err := dhcpv6.NewAdvertiseFromSolicit(msg)
	if err != nil {
		return nil, err
	}
	return c.exchange(solicit, advertise)
}

// Request sends a DHCPv6 Request built from advertise and returns the
// Reply, if one came back.
func (c *Client6) Request(advertise dhcpv6.DHCPv6) (dhcpv6.DHCPv6, error) {
	request, err := dhcpv6.NewRequestFromAdvertise(advertise)
	if err != nil {
		return nil, err
	}
	msg, err := request.GetInnerMessage()
	if err != nil {
		return nil, err
	}
	reply, err := dhcpv6.NewReplyFromMessage(msg)
	if err != nil {
		return nil, err
	}
	return c.exchange(request, reply)
}

// Release sends a DHCPv6 Release for the binding identified by reply.
func (c *Client6) Release(reply dhcpv6.DHCPv6) (dhcpv6.DHCPv6, error) {
	msg, err := reply.GetInnerMessage()
	if err != nil {
		return nil, err
	}
	release, err := dhcpv6.NewMessage()
	if err != nil {
		return nil, err
	}
	release.MessageType = dhcpv6.MessageTypeRelease
	if duid := msg.Options.ClientID(); duid != nil {
		release.AddOption(dhcpv6.OptClientID(duid))
	}
	if iana := msg.Options.OneIANA(); iana != nil {
		release.AddOption(iana)
	}
	innerReply, err := dhcpv6.NewReplyFromMessage(release)
	if err != nil {
		return nil, err
	}
	return c.exchange(release, innerReply)
}
