// Copyright 2018-present the CoreDHCP Authors. All rights reserved
// This source code is licensed under the MIT license found in the
// LICENSE file in the root directory of this source tree.

package config

import (
	"net"

	"github.com/coredhcp/clusterdhcp/classify"
)

// NetworkFor returns the configured v4 network whose subnet contains ip, if
// any.
func (c *Config) NetworkFor(ip net.IP) (*Network, bool) {
	for _, n := range c.Networks {
		if n.Subnet != nil && n.Subnet.Contains(ip) {
			return n, true
		}
	}
	return nil, false
}

// Network6For is the DHCPv6 analogue of NetworkFor.
func (c *Config) Network6For(ip net.IP) (*Network6, bool) {
	for _, n := range c.Networks6 {
		if n.Subnet != nil && n.Subnet.Contains(ip) {
			return n, true
		}
	}
	return nil, false
}

// ServerIDFor returns n's configured server id, falling back to the IP of
// the interface the request was received on.
func ServerIDFor(n *Network, ifaceIP net.IP) net.IP {
	if n != nil && n.ServerID != nil {
		return n.ServerID
	}
	return ifaceIP
}

// ClientID computes the identity a lease is keyed on: opt-61
// (ClientIdentifier) when present and the server isn't pinned to
// chaddr_only mode, else the string form of chaddr.
func (c *Config) ClientID(chaddr net.HardwareAddr, opts map[uint8][]byte) string {
	const optClientID = 61
	if !c.V4.ChaddrOnly {
		if v, ok := opts[optClientID]; ok && len(v) > 0 {
			return string(v)
		}
	}
	return chaddr.String()
}

// EvalClasses evaluates every configured class against args, in the
// topological order orderClasses guarantees is dependency-safe, and returns
// the names that matched. args.Deps is populated incrementally so later
// classes can reference member('earlier-class').
func (c *Config) EvalClasses(args classify.Args) []string {
	if args.Deps == nil {
		args.Deps = make(map[string]bool, len(c.Classes))
	}
	var matched []string
	for _, cl := range c.Classes {
		expr, err := classify.Parse(cl.Expression)
		if err != nil {
			log.Errorf("class %s: parse error: %v", cl.Name, err)
			args.Deps[cl.Name] = false
			continue
		}
		v, err := classify.Eval(expr, args)
		if err != nil {
			log.Errorf("class %s: eval error: %v", cl.Name, err)
			args.Deps[cl.Name] = false
			continue
		}
		ok, err := v.AsBool()
		if err != nil {
			log.Errorf("class %s: eval error: %v", cl.Name, err)
			ok = false
		}
		args.Deps[cl.Name] = ok
		if ok {
			matched = append(matched, cl.Name)
		}
	}
	return matched
}
