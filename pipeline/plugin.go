// Copyright 2018-present the CoreDHCP Authors. All rights reserved
// This source code is licensed under the MIT license found in the
// LICENSE file in the root directory of this source tree.

package pipeline

import (
	"context"

	"github.com/insomniacslk/dhcp/dhcpv4"
	"github.com/insomniacslk/dhcp/dhcpv6"
)

// Action is the result of running a single plugin against a MsgContext. It
// tells the dispatcher whether to keep walking the chain, stop and send the
// reply as it stands, or drop the request on the floor.
type Action int

const (
	// Continue lets the chain proceed to the next plugin.
	Continue Action = iota
	// Respond stops the chain and sends the response built so far.
	Respond
	// NoResponse stops the chain and sends nothing back to the client.
	NoResponse
)

// Plugin4 handles a single DHCPv4 message within a MsgContext, mutating the
// in-flight response and returning the action the dispatcher should take.
type Plugin4 interface {
	Name() string
	Depends() []string
	Handle4(ctx context.Context, mc *MsgContext4, req, resp *dhcpv4.DHCPv4) Action
}

// Plugin6 is the DHCPv6 analogue of Plugin4.
type Plugin6 interface {
	Name() string
	Depends() []string
	Handle6(ctx context.Context, mc *MsgContext6, req, resp dhcpv6.DHCPv6) Action
}

// Chain4 is a topologically-ordered, ready-to-run list of v4 plugins.
type Chain4 struct {
	plugins []Plugin4
}

// BuildChain4 orders plugins by their declared dependencies and returns a
// Chain4 ready to run requests through. A dependency on a name that no
// plugin in plugins registers is not an error: the graph keeps an empty
// placeholder node for it, and placeholders are left out of the chain.
// Only a dependency cycle makes it fail.
func BuildChain4(plugins []Plugin4) (*Chain4, error) {
	g := NewDependencyGraph()
	byName := make(map[string]Plugin4, len(plugins))
	for _, p := range plugins {
		byName[p.Name()] = p
		g.Add(p.Name(), p.Depends())
	}
	order, err := g.Resolve()
	if err != nil {
		return nil, err
	}
	ordered := make([]Plugin4, 0, len(plugins))
	for _, name := range order {
		if p, ok := byName[name]; ok {
			ordered = append(ordered, p)
		}
	}
	return &Chain4{plugins: ordered}, nil
}

// Run walks the chain in order, stopping as soon as a plugin returns
// anything other than Continue.
func (c *Chain4) Run(ctx context.Context, mc *MsgContext4, req, resp *dhcpv4.DHCPv4) Action {
	for _, p := range c.plugins {
		switch a := p.Handle4(ctx, mc, req, resp); a {
		case Continue:
			continue
		default:
			return a
		}
	}
	return Respond
}

// Chain6 is the DHCPv6 analogue of Chain4.
type Chain6 struct {
	plugins []Plugin6
}

// BuildChain6 is the DHCPv6 analogue of BuildChain4.
func BuildChain6(plugins []Plugin6) (*Chain6, error) {
	g := NewDependencyGraph()
	byName := make(map[string]Plugin6, len(plugins))
	for _, p := range plugins {
		byName[p.Name()] = p
		g.Add(p.Name(), p.Depends())
	}
	order, err := g.Resolve()
	if err != nil {
		return nil, err
	}
	ordered := make([]Plugin6, 0, len(plugins))
	for _, name := range order {
		if p, ok := byName[name]; ok {
			ordered = append(ordered, p)
		}
	}
	return &Chain6{plugins: ordered}, nil
}

// Run walks the v6 chain in order.
func (c *Chain6) Run(ctx context.Context, mc *MsgContext6, req, resp dhcpv6.DHCPv6) Action {
	for _, p := range c.plugins {
		switch a := p.Handle6(ctx, mc, req, resp); a {
		case Continue:
			continue
		default:
			return a
		}
	}
	return Respond
}
