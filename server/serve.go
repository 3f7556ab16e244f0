// Copyright 2018-present the CoreDHCP Authors. All rights reserved
// This source code is licensed under the MIT license found in the
// LICENSE file in the root directory of this source tree.

// Package server implements the dispatch/transport adapter: it owns the
// UDP listeners, decodes each datagram into a pipeline.MsgContext, walks
// the plugin chain under a per-request deadline, and routes the encoded
// response back to the right address.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/insomniacslk/dhcp/dhcpv4"
	"github.com/insomniacslk/dhcp/dhcpv4/server4"
	"github.com/insomniacslk/dhcp/dhcpv6"
	"github.com/insomniacslk/dhcp/dhcpv6/server6"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"

	"github.com/coredhcp/clusterdhcp/config"
	"github.com/coredhcp/clusterdhcp/logger"
	"github.com/coredhcp/clusterdhcp/pipeline"
	"github.com/coredhcp/clusterdhcp/ratelimit"
)

var log = logger.GetLogger("server")

// MaxDatagram is the maximum length of message that can be received.
const MaxDatagram = 1 << 16

// XXX: performance-wise, Pool may or may not be good (see
// https://github.com/golang/go/issues/23199). Interface is good for what
// we want. Maybe "just" trust the GC and we'll be fine?
var bufpool = sync.Pool{New: func() interface{} { r := make([]byte, MaxDatagram); return &r }}

type listener interface {
	io.Closer
}

type listener4 struct {
	*ipv4.PacketConn
	net.Interface
	testPort bool
}

type listener6 struct {
	*ipv6.PacketConn
	net.Interface
	testPort bool
}

// Servers owns every listening socket for one running instance, plus the
// shared dispatcher state (admission gate, flood protection, plugin
// chains) every listener's goroutines drive requests through.
type Servers struct {
	listeners []listener
	errors    chan error

	cfg   *config.Config
	live  int64
	flood *ratelimit.Limiter

	chain4 *pipeline.Chain4
	chain6 *pipeline.Chain6
	post4  pipeline.PostResponse4
	post6  pipeline.PostResponse6
}

func listen4(a *net.UDPAddr) (*listener4, error) {
	udpConn, err := server4.NewIPv4UDPConn(a.Zone, a)
	if err != nil {
		return nil, err
	}
	l4 := listener4{PacketConn: ipv4.NewPacketConn(udpConn), testPort: a.Port != dhcpv4.ServerPort}
	var ifi *net.Interface
	if a.Zone != "" {
		ifi, err = net.InterfaceByName(a.Zone)
		if err != nil {
			return nil, fmt.Errorf("dhcpv4: listen could not find interface %s: %w", a.Zone, err)
		}
		l4.Interface = *ifi
	} else if err := l4.SetControlMessage(ipv4.FlagInterface, true); err != nil {
		return nil, err
	}
	if a.IP.IsMulticast() {
		if err := l4.JoinGroup(ifi, a); err != nil {
			return nil, err
		}
	}
	return &l4, nil
}

func listen6(a *net.UDPAddr) (*listener6, error) {
	udpConn, err := server6.NewIPv6UDPConn(a.Zone, a)
	if err != nil {
		return nil, err
	}
	l6 := listener6{PacketConn: ipv6.NewPacketConn(udpConn), testPort: a.Port != dhcpv6.DefaultServerPort}
	var ifi *net.Interface
	if a.Zone != "" {
		ifi, err = net.InterfaceByName(a.Zone)
		if err != nil {
			return nil, fmt.Errorf("dhcpv6: listen could not find interface %s: %w", a.Zone, err)
		}
		l6.Interface = *ifi
	} else if err := l6.SetControlMessage(ipv6.FlagInterface, true); err != nil {
		return nil, err
	}
	if a.IP.IsMulticast() {
		if err := l6.JoinGroup(ifi, a); err != nil {
			return nil, err
		}
	}
	return &l6, nil
}

// Start spins up a listener per address configured under server4/server6
// and begins serving requests through chain4/chain6 asynchronously. post4
// and post6 may be nil, in which case no post-response side effect runs.
// See Wait to block until every listener stops.
func Start(cfg *config.Config, chain4 *pipeline.Chain4, chain6 *pipeline.Chain6, post4 pipeline.PostResponse4, post6 pipeline.PostResponse6) (*Servers, error) {
	srv := &Servers{
		cfg:    cfg,
		errors: make(chan error),
		chain4: chain4,
		chain6: chain6,
		post4:  post4,
		post6:  post6,
		flood:  ratelimit.New(cfg.V4.FloodProtection.Packets, cfg.V4.FloodProtection.Period),
	}

	var err error
	if cfg.Server6 != nil {
		log.Print("starting DHCPv6 server")
		for _, addr := range cfg.Server6.Addresses {
			var l6 *listener6
			l6, err = listen6(&addr)
			if err != nil {
				goto cleanup
			}
			srv.listeners = append(srv.listeners, l6)
			go func(l *listener6) { srv.errors <- srv.serve6(l) }(l6)
		}
	}

	if cfg.Server4 != nil {
		log.Print("starting DHCPv4 server")
		for _, addr := range cfg.Server4.Addresses {
			var l4 *listener4
			l4, err = listen4(&addr)
			if err != nil {
				goto cleanup
			}
			srv.listeners = append(srv.listeners, l4)
			go func(l *listener4) { srv.errors <- srv.serve4(l) }(l4)
		}
	}

	return srv, nil

cleanup:
	srv.Close()
	return nil, err
}

// Wait blocks until every listener has stopped, shutting the rest down
// once the first one does.
func (s *Servers) Wait() error {
	if len(s.listeners) == 0 {
		return nil
	}
	errs := make([]error, 1, len(s.listeners))
	errs[0] = <-s.errors
	s.Close()
	for i := 1; i < len(s.listeners); i++ {
		errs = append(errs, <-s.errors)
	}
	return errors.Join(errs...)
}

// Close closes every listening socket, which unblocks each Serve loop's
// ReadFrom with net.ErrClosed.
func (s *Servers) Close() {
	for _, l := range s.listeners {
		if l != nil {
			l.Close()
		}
	}
}

// Shutdown closes all listeners and waits up to grace for in-flight
// requests to drain; any requests still outstanding after grace are
// abandoned.
func (s *Servers) Shutdown(ctx context.Context, grace time.Duration) {
	s.Close()
	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		if atomic.LoadInt64(&s.live) == 0 {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(10 * time.Millisecond):
		}
	}
	log.Warningf("shutdown: %d requests still in flight after %s, abandoning", atomic.LoadInt64(&s.live), grace)
}
