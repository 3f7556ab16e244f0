// Copyright 2018-present the CoreDHCP Authors. All rights reserved
// This source code is licensed under the MIT license found in the
// LICENSE file in the root directory of this source tree.

package server

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"time"

	"github.com/insomniacslk/dhcp/dhcpv4"
	"github.com/insomniacslk/dhcp/dhcpv6"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"

	"github.com/coredhcp/clusterdhcp/metrics"
	"github.com/coredhcp/clusterdhcp/pipeline"
)

// requestSeq mints monotonically increasing request ids, shared across
// every listener of a process.
var requestSeq uint64

func nextRequestID() uint64 { return atomic.AddUint64(&requestSeq, 1) }

// admit applies the admission gate: it refuses a new request when
// live_msgs is already at cfg.Dispatch.MaxLiveMsgs, silently dropping the
// datagram. A non-positive MaxLiveMsgs disables the gate. The counter
// itself is owned by pipeline.NewMsgContext4/6 and MsgContext.Drop; admit
// only peeks at it, so a request that passes the gate still must go on to
// build a MsgContext to actually be counted.
func (s *Servers) admit() bool {
	max := s.cfg.Dispatch.MaxLiveMsgs
	if max <= 0 {
		return true
	}
	return atomic.LoadInt64(&s.live) < max
}

// floodKey4 extracts the identity flood protection keys on: client-id if
// present, else chaddr, ignoring the chaddr_only config flag since
// flood_protection is about raw packet rate, not lease identity.
func floodKey4(req *dhcpv4.DHCPv4) string {
	if b, ok := req.Options[61]; ok && len(b) > 0 {
		return string(b)
	}
	return req.ClientHWAddr.String()
}

// serve4 reads datagrams from l and dispatches each to handleMsg4 in its
// own goroutine.
func (s *Servers) serve4(l *listener4) error {
	log.Printf("listening %s", l.LocalAddr())
	for {
		b := *bufpool.Get().(*[]byte)
		b = b[:MaxDatagram]
		n, oob, peer, err := l.ReadFrom(b)
		if errors.Is(err, net.ErrClosed) {
			return nil
		} else if err != nil {
			log.Printf("error reading from connection: %v", err)
			return err
		}
		buf := append([]byte(nil), b[:n]...)
		bufpool.Put(&b)
		go s.handleMsg4(l, buf, oob, peer.(*net.UDPAddr))
	}
}

// serve6 is the DHCPv6 analogue of serve4.
func (s *Servers) serve6(l *listener6) error {
	log.Printf("listening %s", l.LocalAddr())
	for {
		b := *bufpool.Get().(*[]byte)
		b = b[:MaxDatagram]
		n, oob, peer, err := l.ReadFrom(b)
		if errors.Is(err, net.ErrClosed) {
			return nil
		} else if err != nil {
			log.Printf("error reading from connection: %v", err)
			return err
		}
		buf := append([]byte(nil), b[:n]...)
		bufpool.Put(&b)
		go s.handleMsg6(l, buf, oob, peer.(*net.UDPAddr))
	}
}

func ifaceAndIP4(l *listener4, oob *ipv4.ControlMessage) (*net.Interface, net.IP) {
	if l.Interface.Index != 0 {
		return ifaceByIndex(l.Interface.Index)
	}
	if oob != nil && oob.IfIndex != 0 {
		return ifaceByIndex(oob.IfIndex)
	}
	return nil, nil
}

func ifaceByIndex(idx int) (*net.Interface, net.IP) {
	ifi, err := net.InterfaceByIndex(idx)
	if err != nil {
		return nil, nil
	}
	addrs, err := ifi.Addrs()
	if err != nil {
		return ifi, nil
	}
	for _, a := range addrs {
		if ipnet, ok := a.(*net.IPNet); ok {
			if ip4 := ipnet.IP.To4(); ip4 != nil {
				return ifi, ip4
			}
		}
	}
	return ifi, nil
}

// handleMsg4 implements the per-datagram state machine for
// DHCPv4: decode, admit, build a MsgContext, walk the chain under the
// per-request deadline, send the reply, run the post-response plugin.
func (s *Servers) handleMsg4(l *listener4, buf []byte, oob *ipv4.ControlMessage, peer *net.UDPAddr) {
	start := time.Now()
	req, err := dhcpv4.FromBytes(buf)
	if err != nil {
		log.Debugf("decode v4: %v", err)
		metrics.RecvUnknown.Inc()
		return
	}
	metrics.RecvTotal.WithLabelValues(req.MessageType().String()).Inc()

	if req.OpCode != dhcpv4.OpcodeBootRequest {
		log.Debugf("unsupported opcode %d, only BootRequest is served", req.OpCode)
		return
	}

	if !s.flood.Allow(floodKey4(req)) {
		log.Debugf("flood protection: dropping %s from %s", req.MessageType(), req.ClientHWAddr)
		return
	}
	if !s.admit() {
		log.Debugf("admission gate: dropping %s, live_msgs at cap", req.MessageType())
		return
	}

	resp, err := dhcpv4.NewReplyFromRequest(req)
	if err != nil {
		log.Debugf("build reply skeleton: %v", err)
		return
	}

	ifi, ifaceIP := ifaceAndIP4(l, oob)
	mc := pipeline.NewMsgContext4(s.cfg, req, ifi, ifaceIP, peer, l.testPort, nextRequestID(), &s.live)
	metrics.LiveMsgs.Set(float64(atomic.LoadInt64(&s.live)))
	defer func() {
		mc.Drop()
		metrics.LiveMsgs.Set(float64(atomic.LoadInt64(&s.live)))
	}()

	mc.Resp = resp
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Dispatch.Timeout)
	defer cancel()

	action, timedOut := s.runChain4(ctx, mc, req, resp)
	if timedOut {
		log.Warningf("request %d timed out in chain, dropping response", mc.RequestID)
		s.runPost4(ctx, mc, nil)
		return
	}
	if action == pipeline.NoResponse || mc.Resp == nil {
		s.runPost4(ctx, mc, nil)
		return
	}

	dest, err := mc.ComputeDestination()
	if err != nil {
		log.Warningf("compute destination: %v", err)
		s.runPost4(ctx, mc, nil)
		return
	}

	var woob *ipv4.ControlMessage
	if ifi != nil {
		woob = &ipv4.ControlMessage{IfIndex: ifi.Index}
	}
	if _, err := l.WriteTo(mc.Resp.ToBytes(), woob, dest); err != nil {
		log.Errorf("send %s to %s: %v", mc.Resp.MessageType(), dest, err)
	} else {
		metrics.SentTotal.WithLabelValues(mc.Resp.MessageType().String()).Inc()
	}
	metrics.ReplyDuration.WithLabelValues(req.MessageType().String()).Observe(time.Since(start).Seconds())

	s.runPost4(ctx, mc, mc.Resp)
}

// runChain4 walks chain4 under ctx. If ctx expires before the chain
// finishes, it reports timedOut=true and leaves the chain's goroutine
// running in the background to completion rather than touching mc once
// ownership has passed to it.
func (s *Servers) runChain4(ctx context.Context, mc *pipeline.MsgContext4, req, resp *dhcpv4.DHCPv4) (action pipeline.Action, timedOut bool) {
	if s.chain4 == nil {
		return pipeline.NoResponse, false
	}
	done := make(chan pipeline.Action, 1)
	go func() { done <- s.chain4.Run(ctx, mc, req, resp) }()
	select {
	case a := <-done:
		return a, false
	case <-ctx.Done():
		return pipeline.NoResponse, true
	}
}

func (s *Servers) runPost4(ctx context.Context, mc *pipeline.MsgContext4, resp *dhcpv4.DHCPv4) {
	if s.post4 == nil {
		return
	}
	if err := s.post4.Update4(ctx, mc, resp); err != nil {
		log.Warningf("post-response %s: %v", s.post4.Name(), err)
	}
}

// handleMsg6 is the DHCPv6 analogue of handleMsg4.
func (s *Servers) handleMsg6(l *listener6, buf []byte, oob *ipv6.ControlMessage, peer *net.UDPAddr) {
	start := time.Now()
	d, err := dhcpv6.FromBytes(buf)
	if err != nil {
		log.Debugf("decode v6: %v", err)
		metrics.RecvUnknown.Inc()
		return
	}
	msg, err := d.GetInnerMessage()
	if err != nil {
		log.Debugf("decapsulate v6: %v", err)
		metrics.RecvUnknown.Inc()
		return
	}
	metrics.RecvTotal.WithLabelValues(msg.Type().String()).Inc()

	if !s.admit() {
		log.Debugf("admission gate: dropping v6 %s, live_msgs at cap", msg.Type())
		return
	}

	var resp dhcpv6.DHCPv6
	switch msg.Type() {
	case dhcpv6.MessageTypeSolicit:
		if msg.GetOneOption(dhcpv6.OptionRapidCommit) != nil {
			resp, err = dhcpv6.NewReplyFromMessage(msg)
		} else {
			resp, err = dhcpv6.NewAdvertiseFromSolicit(msg)
		}
	case dhcpv6.MessageTypeRequest, dhcpv6.MessageTypeConfirm, dhcpv6.MessageTypeRenew,
		dhcpv6.MessageTypeRebind, dhcpv6.MessageTypeRelease, dhcpv6.MessageTypeDecline,
		dhcpv6.MessageTypeInformationRequest:
		resp, err = dhcpv6.NewReplyFromMessage(msg)
	default:
		log.Debugf("unsupported v6 message type %d", msg.Type())
		return
	}
	if err != nil {
		log.Warningf("build v6 reply skeleton: %v", err)
		return
	}

	_, ifaceIP := ifaceAndIP6(l, oob)
	mc := pipeline.NewMsgContext6(s.cfg, d, &l.Interface, ifaceIP, peer, l.testPort, nextRequestID(), &s.live)
	metrics.LiveMsgs.Set(float64(atomic.LoadInt64(&s.live)))
	defer func() {
		mc.Drop()
		metrics.LiveMsgs.Set(float64(atomic.LoadInt64(&s.live)))
	}()
	mc.Resp = resp

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Dispatch.Timeout)
	defer cancel()

	action, timedOut := s.runChain6(ctx, mc, d, resp)
	if timedOut {
		log.Warningf("v6 request %d timed out in chain, dropping response", mc.RequestID)
		s.runPost6(ctx, mc, nil)
		return
	}
	if action == pipeline.NoResponse || mc.Resp == nil {
		s.runPost6(ctx, mc, nil)
		return
	}

	final := mc.Resp
	if d.IsRelay() {
		if rmsg, ok := final.(*dhcpv6.Message); !ok {
			log.Warningf("v6 response is itself a relayed message, not reencapsulating")
		} else if relayFwd, ok := d.(*dhcpv6.RelayMessage); ok {
			if tmp, rerr := dhcpv6.NewRelayReplFromRelayForw(relayFwd, rmsg); rerr == nil {
				final = tmp
			} else {
				log.Warningf("build relay-repl: %v", rerr)
			}
		}
	}

	dest := mc.Destination()
	var woob *ipv6.ControlMessage
	if peer.IP.IsLinkLocalUnicast() {
		switch {
		case l.Interface.Index != 0:
			woob = &ipv6.ControlMessage{IfIndex: l.Interface.Index}
		case oob != nil && oob.IfIndex != 0:
			woob = &ipv6.ControlMessage{IfIndex: oob.IfIndex}
		}
	}
	if _, err := l.WriteTo(final.ToBytes(), woob, dest); err != nil {
		log.Errorf("send v6 reply to %s: %v", dest, err)
	} else {
		metrics.SentTotal.WithLabelValues(msg.Type().String()).Inc()
	}
	metrics.ReplyDuration.WithLabelValues(msg.Type().String()).Observe(time.Since(start).Seconds())

	s.runPost6(ctx, mc, final)
}

func (s *Servers) runChain6(ctx context.Context, mc *pipeline.MsgContext6, req, resp dhcpv6.DHCPv6) (action pipeline.Action, timedOut bool) {
	if s.chain6 == nil {
		return pipeline.NoResponse, false
	}
	done := make(chan pipeline.Action, 1)
	go func() { done <- s.chain6.Run(ctx, mc, req, resp) }()
	select {
	case a := <-done:
		return a, false
	case <-ctx.Done():
		return pipeline.NoResponse, true
	}
}

func (s *Servers) runPost6(ctx context.Context, mc *pipeline.MsgContext6, resp dhcpv6.DHCPv6) {
	if s.post6 == nil {
		return
	}
	if err := s.post6.Update6(ctx, mc, resp); err != nil {
		log.Warningf("post-response %s: %v", s.post6.Name(), err)
	}
}

func ifaceAndIP6(l *listener6, oob *ipv6.ControlMessage) (*net.Interface, net.IP) {
	if l.Interface.Index != 0 {
		return ifaceByIndex(l.Interface.Index)
	}
	if oob != nil && oob.IfIndex != 0 {
		return ifaceByIndex(oob.IfIndex)
	}
	return nil, nil
}
