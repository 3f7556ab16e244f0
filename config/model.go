// Copyright 2018-present the CoreDHCP Authors. All rights reserved
// This source code is licensed under the MIT license found in the
// LICENSE file in the root directory of this source tree.

package config

import (
	"net"
	"time"

	"github.com/bits-and-blooms/bitset"
	"github.com/insomniacslk/dhcp/dhcpv4"
	"github.com/spf13/cast"

	"github.com/coredhcp/clusterdhcp/classify"
)

// LeaseTime holds the default/min/max bounds the server applies when
// deciding how long to offer a lease for.
type LeaseTime struct {
	Default time.Duration
	Min     time.Duration
	Max     time.Duration
}

// Clamp returns requested if it falls within [Min, Max], otherwise the
// nearer bound; a zero requested duration yields Default.
func (lt LeaseTime) Clamp(requested time.Duration) time.Duration {
	if requested <= 0 {
		return lt.Default
	}
	if lt.Min > 0 && requested < lt.Min {
		return lt.Min
	}
	if lt.Max > 0 && requested > lt.Max {
		return lt.Max
	}
	return requested
}

// merge overlays non-zero fields of override onto base, used to let a
// range's or reservation's own lease-time triple override the network
// default only where it actually specifies a bound.
func (lt LeaseTime) merge(override LeaseTime) LeaseTime {
	out := lt
	if override.Default > 0 {
		out.Default = override.Default
	}
	if override.Min > 0 {
		out.Min = override.Min
	}
	if override.Max > 0 {
		out.Max = override.Max
	}
	return out
}

// OptionMatch identifies a reservation keyed by the raw bytes of a DHCP
// option value rather than by hardware address.
type OptionMatch struct {
	Code  uint8
	Value []byte
}

// Range is a contiguous pool of addresses within a Network available for
// dynamic allocation. Exclusions are addresses inside [Start,End] that must
// never be handed out; Class, if non-empty, restricts the range to clients
// that matched the named classification.
type Range struct {
	Start      net.IP
	End        net.IP
	Exclusions []net.IP
	Class      string
	LeaseTime  LeaseTime
	Options    dhcpv4.Options

	// exclSet is a bitset index over Exclusions, offset from Start, built
	// once at load time (buildExclusions) so Excludes is O(1) even for
	// ranges with a large exclusion list. Adapted from an occupancy
	// bitmap (originally sized to a
	// v6 prefix-delegation pool); here it indexes a v4 range's excluded
	// addresses instead.
	exclSet  *bitset.BitSet
	exclBase uint32
}

// buildExclusions populates the range's bitset index from Exclusions. It is
// a no-op for ranges with nothing excluded, and is called once while
// parsing the configuration; Range is read-only after that.
func (r *Range) buildExclusions() {
	if len(r.Exclusions) == 0 {
		return
	}
	start := ip4ToUint32(r.Start)
	end := ip4ToUint32(r.End)
	if end < start {
		return
	}
	r.exclSet = bitset.New(uint(end - start + 1))
	r.exclBase = start
	for _, e := range r.Exclusions {
		eu := ip4ToUint32(e)
		if eu < start || eu > end {
			continue
		}
		r.exclSet.Set(uint(eu - start))
	}
}

// TotalAddrs returns (end-start+1) minus the number of excluded addresses.
func (r Range) TotalAddrs() int {
	total := int(ip4ToUint32(r.End)) - int(ip4ToUint32(r.Start)) + 1
	if total < 0 {
		return 0
	}
	return total - len(r.Exclusions)
}

// Excludes reports whether ip is in the range's exclusion set.
func (r Range) Excludes(ip net.IP) bool {
	if r.exclSet != nil {
		iu := ip4ToUint32(ip)
		if iu < r.exclBase {
			return false
		}
		return r.exclSet.Test(uint(iu - r.exclBase))
	}
	for _, e := range r.Exclusions {
		if e.Equal(ip) {
			return true
		}
	}
	return false
}

// Contains reports whether ip falls within [Start,End] and is not excluded.
func (r Range) Contains(ip net.IP) bool {
	return ipInRange(ip, r.Start, r.End) && !r.Excludes(ip)
}

// Reservation pins a specific client identity — either a hardware address or
// the value of a chosen DHCP option — to a fixed address, with its own
// lease-time bounds and option overlay.
type Reservation struct {
	HWAddr      net.HardwareAddr
	MatchOption *OptionMatch
	IP          net.IP
	LeaseTime   LeaseTime
	Options     dhcpv4.Options
	Class       string
}

// Matches reports whether this reservation applies to chaddr/reqOpts
// (the request's decoded option map, keyed by code).
func (r Reservation) Matches(chaddr net.HardwareAddr, reqOpts map[uint8][]byte) bool {
	if len(r.HWAddr) > 0 {
		return r.HWAddr.String() == chaddr.String()
	}
	if r.MatchOption != nil {
		v, ok := reqOpts[r.MatchOption.Code]
		return ok && string(v) == string(r.MatchOption.Value)
	}
	return false
}

// FloodProtection rate-limits repeated messages from the same client over
// a sliding period.
type FloodProtection struct {
	Packets int
	Period  time.Duration
}

// Network describes one subnet the server is authoritative for: its address
// ranges, static reservations, per-class option overlays and lease-time
// policy.
type Network struct {
	Name          string
	Subnet        *net.IPNet
	ServerID      net.IP
	Router        net.IP
	ServerName    string
	FileName      string
	Ranges        []Range
	Reservations  []Reservation
	LeaseTime     LeaseTime
	Options       dhcpv4.Options
	Authoritative bool
	// PingCheck enables an ICMP echo before offering a candidate address.
	PingCheck       bool
	PingTimeout     time.Duration
	ProbationPeriod time.Duration
}

// Contains reports whether ip falls within any of the network's dynamic
// ranges (exclusions honored).
func (n *Network) Contains(ip net.IP) bool {
	for _, r := range n.Ranges {
		if r.Contains(ip) {
			return true
		}
	}
	return false
}

// RangeFor returns the configured range containing ip, if any.
func (n *Network) RangeFor(ip net.IP) (Range, bool) {
	for _, r := range n.Ranges {
		if r.Contains(ip) {
			return r, true
		}
	}
	return Range{}, false
}

// RangesForClasses returns the network's dynamic ranges open to a client
// that matched the given classes: a range restricted to a class only
// admits clients that matched it, in declared range order.
func (n *Network) RangesForClasses(matched []string) []Range {
	var out []Range
	for _, r := range n.Ranges {
		if r.Class == "" {
			out = append(out, r)
			continue
		}
		for _, m := range matched {
			if m == r.Class {
				out = append(out, r)
				break
			}
		}
	}
	return out
}

func ipInRange(ip, start, end net.IP) bool {
	ip4, s4, e4 := ip.To4(), start.To4(), end.To4()
	if ip4 == nil || s4 == nil || e4 == nil {
		return false
	}
	return bytesCompare(ip4, s4) >= 0 && bytesCompare(ip4, e4) <= 0
}

func ip4ToUint32(ip net.IP) uint32 {
	ip4 := ip.To4()
	if ip4 == nil {
		return 0
	}
	return uint32(ip4[0])<<24 | uint32(ip4[1])<<16 | uint32(ip4[2])<<8 | uint32(ip4[3])
}

func bytesCompare(a, b net.IP) int {
	for i := range a {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}

// ReservationFor returns the reservation matching hwaddr or one of reqOpts,
// if any.
func (n *Network) ReservationFor(hwaddr net.HardwareAddr, reqOpts map[uint8][]byte) (Reservation, bool) {
	for _, r := range n.Reservations {
		if r.Matches(hwaddr, reqOpts) {
			return r, true
		}
	}
	return Reservation{}, false
}

// CollectOpts merges the network's base options with any class overlays
// (lower index in matched wins on conflict, per declared class evaluation
// order) and finally the reservation's own options (which always win).
// matched is assumed already sorted in class evaluation order (the order
// of Config.Classes after orderClasses), as EvalClasses returns it.
func (n *Network) CollectOpts(classesByName map[string]*Class, matched []string, resv *Reservation, rangeOpts dhcpv4.Options) dhcpv4.Options {
	out := make(dhcpv4.Options, len(n.Options)+len(rangeOpts))
	for k, v := range n.Options {
		out[k] = v
	}
	for k, v := range rangeOpts {
		out[k] = v
	}

	// Apply in reverse so that the earliest-declared (highest precedence)
	// class is applied last and wins ties.
	for i := len(matched) - 1; i >= 0; i-- {
		cls, ok := classesByName[matched[i]]
		if !ok {
			continue
		}
		for k, v := range cls.Options {
			out[k] = v
		}
	}

	if resv != nil {
		for k, v := range resv.Options {
			out[k] = v
		}
	}
	return out
}

// Reservation's own lease time, layered on top of the range's and finally
// the network's, each only overriding fields it actually sets.
func (n *Network) LeaseTimeFor(r *Range, resv *Reservation) LeaseTime {
	lt := n.LeaseTime
	if r != nil {
		lt = lt.merge(r.LeaseTime)
	}
	if resv != nil {
		lt = lt.merge(resv.LeaseTime)
	}
	return lt
}

// Class is a named client-classification rule. Classes are evaluated in
// topological member() order and may only reference classes evaluated
// earlier in that order (enforced at load time, see orderClasses).
type Class struct {
	Name       string
	Expression string
	Options    dhcpv4.Options
}

// Range6 is a contiguous IPv6 address pool. Unlike Range, it carries no
// exclusion set: the v6 allocation path never needed one end to end.
type Range6 struct {
	Start net.IP
	End   net.IP
}

// Contains reports whether ip falls within [Start,End].
func (r Range6) Contains(ip net.IP) bool {
	return bytesCompareV6(ip, r.Start) >= 0 && bytesCompareV6(ip, r.End) <= 0
}

func bytesCompareV6(a, b net.IP) int {
	a16, b16 := a.To16(), b.To16()
	if a16 == nil || b16 == nil {
		return 0
	}
	for i := range a16 {
		if a16[i] != b16[i] {
			if a16[i] < b16[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}

// Network6 is the DHCPv6 analogue of Network: a subnet with dynamic
// ranges and a lease-time policy. It has no reservation/class support,
// matching DHCPv6's narrower configuration surface.
type Network6 struct {
	Name          string
	Subnet        *net.IPNet
	Ranges        []Range6
	LeaseTime     LeaseTime
	Authoritative bool
}

// Contains reports whether ip falls within any of the network's ranges.
func (n *Network6) Contains(ip net.IP) bool {
	for _, r := range n.Ranges {
		if r.Contains(ip) {
			return true
		}
	}
	return false
}

func (c *Config) parseNetworks() error {
	raw := c.v.Get("networks")
	if raw == nil {
		return nil
	}
	m, ok := raw.(map[string]interface{})
	if !ok {
		m = cast.ToStringMap(raw)
	}
	if m == nil {
		return ConfigErrorFromString("networks: expected a map of name -> network definition")
	}
	c.Networks = make(map[string]*Network, len(m))
	for name, v := range m {
		def := cast.ToStringMap(v)
		n, err := parseNetwork(name, def)
		if err != nil {
			return err
		}
		c.Networks[name] = n
	}
	return nil
}

func parseNetwork(name string, def map[string]interface{}) (*Network, error) {
	n := &Network{Name: name, Authoritative: cast.ToBool(def["authoritative"])}

	if subnetStr, ok := def["subnet"]; ok {
		_, ipnet, err := net.ParseCIDR(cast.ToString(subnetStr))
		if err != nil {
			return nil, ConfigErrorFromString("networks.%s: invalid subnet: %v", name, err)
		}
		n.Subnet = ipnet
	}
	if routerStr, ok := def["router"]; ok {
		n.Router = net.ParseIP(cast.ToString(routerStr))
	}
	if sid, ok := def["server_id"]; ok {
		n.ServerID = net.ParseIP(cast.ToString(sid))
	}
	n.ServerName = cast.ToString(def["server_name"])
	n.FileName = cast.ToString(def["file_name"])
	n.PingCheck = cast.ToBool(def["ping_check"])
	n.PingTimeout = durationOrMillis(def["ping_timeout_ms"])
	if n.PingTimeout == 0 {
		n.PingTimeout = 500 * time.Millisecond
	}
	n.ProbationPeriod = cast.ToDuration(def["probation_period"])
	if n.ProbationPeriod == 0 {
		n.ProbationPeriod = 1 * time.Hour
	}

	n.LeaseTime = parseLeaseTime(cast.ToStringMap(def["lease_time"]))
	if n.LeaseTime.Default == 0 {
		n.LeaseTime.Default = 1 * time.Hour
	}
	n.Options = parseOptionMap(cast.ToStringMap(def["options"]))

	for _, rv := range cast.ToSlice(def["ranges"]) {
		rm := cast.ToStringMap(rv)
		r := Range{
			Start:     net.ParseIP(cast.ToString(rm["start"])),
			End:       net.ParseIP(cast.ToString(rm["end"])),
			Class:     cast.ToString(rm["class"]),
			LeaseTime: parseLeaseTime(cast.ToStringMap(rm["lease_time"])),
			Options:   parseOptionMap(cast.ToStringMap(rm["options"])),
		}
		if r.Start == nil || r.End == nil {
			return nil, ConfigErrorFromString("networks.%s: invalid range", name)
		}
		for _, ex := range cast.ToStringSlice(rm["except"]) {
			ip := net.ParseIP(ex)
			if ip == nil {
				return nil, ConfigErrorFromString("networks.%s: invalid exclusion %q", name, ex)
			}
			r.Exclusions = append(r.Exclusions, ip)
		}
		r.buildExclusions()
		n.Ranges = append(n.Ranges, r)
	}

	for _, rv := range cast.ToSlice(def["reservations"]) {
		rm := cast.ToStringMap(rv)
		resv := Reservation{
			IP:        net.ParseIP(cast.ToString(rm["ip"])),
			Class:     cast.ToString(rm["class"]),
			LeaseTime: parseLeaseTime(cast.ToStringMap(rm["lease_time"])),
			Options:   parseOptionMap(cast.ToStringMap(rm["options"])),
		}
		if resv.IP == nil {
			return nil, ConfigErrorFromString("networks.%s: reservation missing ip", name)
		}
		match := cast.ToStringMap(rm["match"])
		if hw, ok := match["chaddr"]; ok {
			hwaddr, err := net.ParseMAC(cast.ToString(hw))
			if err != nil {
				return nil, ConfigErrorFromString("networks.%s: invalid reservation hwaddr: %v", name, err)
			}
			resv.HWAddr = hwaddr
		} else if opt, ok := match["options"]; ok {
			om := cast.ToStringMap(opt)
			code := cast.ToUint8(om["code"])
			resv.MatchOption = &OptionMatch{Code: code, Value: []byte(cast.ToString(om["value"]))}
		} else {
			return nil, ConfigErrorFromString("networks.%s: reservation requires match.chaddr or match.options", name)
		}
		n.Reservations = append(n.Reservations, resv)
	}

	return n, nil
}

func parseLeaseTime(m map[string]interface{}) LeaseTime {
	if m == nil {
		return LeaseTime{}
	}
	return LeaseTime{
		Default: cast.ToDuration(m["default"]),
		Min:     cast.ToDuration(m["min"]),
		Max:     cast.ToDuration(m["max"]),
	}
}

func parseOptionMap(m map[string]interface{}) dhcpv4.Options {
	if len(m) == 0 {
		return nil
	}
	out := make(dhcpv4.Options, len(m))
	for k, v := range m {
		code := cast.ToUint8(k)
		out[code] = []byte(cast.ToString(v))
	}
	return out
}

func durationOrMillis(v interface{}) time.Duration {
	if v == nil {
		return 0
	}
	return time.Duration(cast.ToInt64(v)) * time.Millisecond
}

func (c *Config) parseClasses() error {
	raw := cast.ToSlice(c.v.Get("classes"))
	if raw == nil {
		return nil
	}
	seen := make(map[string]bool, len(raw))
	for _, v := range raw {
		m := cast.ToStringMap(v)
		name := cast.ToString(m["name"])
		if name == "" {
			return ConfigErrorFromString("classes: each entry requires a name")
		}
		if seen[name] {
			return ConfigErrorFromString("classes: duplicate class name %q", name)
		}
		seen[name] = true
		c.Classes = append(c.Classes, &Class{
			Name:       name,
			Expression: cast.ToString(m["match"]),
			Options:    parseOptionMap(cast.ToStringMap(m["options"])),
		})
	}
	return c.orderClasses()
}

// orderClasses reorders c.Classes so that every class appears after every
// class it references via member(); a member() cycle is a
// fatal startup error (ErrCycle, wrapped in a ConfigError), matching the
// dependency-graph cycle handling of the plugin chain in
// pipeline.DependencyGraph.Resolve.
func (c *Config) orderClasses() error {
	if len(c.Classes) == 0 {
		return nil
	}
	declNames := make([]string, 0, len(c.Classes))
	byName := make(map[string]*Class, len(c.Classes))
	exprOf := make(map[string]*classify.Expr, len(c.Classes))
	for _, cl := range c.Classes {
		declNames = append(declNames, cl.Name)
		byName[cl.Name] = cl
		expr, err := classify.Parse(cl.Expression)
		if err != nil {
			return ConfigErrorFromString("classes.%s: %v", cl.Name, err)
		}
		exprOf[cl.Name] = expr
	}
	order, err := classify.TopoSort(declNames, exprOf)
	if err != nil {
		return ConfigErrorFromError(err)
	}
	ordered := make([]*Class, 0, len(order))
	for _, name := range order {
		ordered = append(ordered, byName[name])
	}
	c.Classes = ordered
	return nil
}

// ClassesByName indexes the configured classes by name.
func (c *Config) ClassesByName() map[string]*Class {
	m := make(map[string]*Class, len(c.Classes))
	for _, cl := range c.Classes {
		m[cl.Name] = cl
	}
	return m
}

// ClassNames returns the configured class names in evaluation order: the
// topological member() order orderClasses put c.Classes in at load time,
// which is not in general the declaration order.
func (c *Config) ClassNames() []string {
	names := make([]string, 0, len(c.Classes))
	for _, cl := range c.Classes {
		names = append(names, cl.Name)
	}
	return names
}

func (c *Config) parseNetworks6() error {
	raw := c.v.Get("networks6")
	if raw == nil {
		return nil
	}
	m := cast.ToStringMap(raw)
	if m == nil {
		return ConfigErrorFromString("networks6: expected a map of name -> network definition")
	}
	c.Networks6 = make(map[string]*Network6, len(m))
	for name, v := range m {
		def := cast.ToStringMap(v)
		n := &Network6{Name: name, Authoritative: cast.ToBool(def["authoritative"])}
		if subnetStr, ok := def["subnet"]; ok {
			_, ipnet, err := net.ParseCIDR(cast.ToString(subnetStr))
			if err != nil {
				return ConfigErrorFromString("networks6.%s: invalid subnet: %v", name, err)
			}
			n.Subnet = ipnet
		}
		n.LeaseTime = parseLeaseTime(cast.ToStringMap(def["lease_time"]))
		if n.LeaseTime.Default == 0 {
			n.LeaseTime.Default = 1 * time.Hour
		}
		for _, rv := range cast.ToSlice(def["ranges"]) {
			rm := cast.ToStringMap(rv)
			r := Range6{Start: net.ParseIP(cast.ToString(rm["start"])), End: net.ParseIP(cast.ToString(rm["end"]))}
			if r.Start == nil || r.End == nil {
				return ConfigErrorFromString("networks6.%s: invalid range", name)
			}
			n.Ranges = append(n.Ranges, r)
		}
		c.Networks6[name] = n
	}
	return nil
}
