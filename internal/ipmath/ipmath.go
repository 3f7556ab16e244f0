// Copyright 2018-present the CoreDHCP Authors. All rights reserved
// This source code is licensed under the MIT license found in the
// LICENSE file in the root directory of this source tree.

// Package ipmath provides IPv4 address arithmetic for walking ranges and
// computing offsets without overflow. The lease store and allocator do not
// import it; they use their own address helpers.
package ipmath

import (
	"encoding/binary"
	"errors"
	"net"
)

// ErrOverflow is returned when an arithmetic operation would carry past the
// first or last address representable in 32 bits.
var ErrOverflow = errors.New("ipmath: operation overflows")

// To4Uint32 converts a (4-byte or 16-byte mapped) IPv4 address to its
// big-endian integer representation.
func To4Uint32(ip net.IP) (uint32, error) {
	v4 := ip.To4()
	if v4 == nil {
		return 0, errors.New("ipmath: not an IPv4 address")
	}
	return binary.BigEndian.Uint32(v4), nil
}

// FromUint32 builds a 4-byte net.IP from its big-endian integer form.
func FromUint32(v uint32) net.IP {
	ip := make(net.IP, net.IPv4len)
	binary.BigEndian.PutUint32(ip, v)
	return ip
}

// Offset returns the distance b-a in whole addresses. It is used to order
// candidate addresses within a range and to detect when a cursor has walked
// past the end of the range.
func Offset(a, b net.IP) (int64, error) {
	ai, err := To4Uint32(a)
	if err != nil {
		return 0, err
	}
	bi, err := To4Uint32(b)
	if err != nil {
		return 0, err
	}
	return int64(bi) - int64(ai), nil
}

// Add returns the address n positions after ip, erroring if that would
// overflow past 255.255.255.255.
func Add(ip net.IP, n int64) (net.IP, error) {
	base, err := To4Uint32(ip)
	if err != nil {
		return nil, err
	}
	v := int64(base) + n
	if v < 0 || v > int64(^uint32(0)) {
		return nil, ErrOverflow
	}
	return FromUint32(uint32(v)), nil
}

// InRange reports whether ip falls within [start, end] inclusive.
func InRange(ip, start, end net.IP) bool {
	i, err := To4Uint32(ip)
	if err != nil {
		return false
	}
	s, err := To4Uint32(start)
	if err != nil {
		return false
	}
	e, err := To4Uint32(end)
	if err != nil {
		return false
	}
	return i >= s && i <= e
}

// Count returns the inclusive number of addresses between start and end.
func Count(start, end net.IP) (uint64, error) {
	s, err := To4Uint32(start)
	if err != nil {
		return 0, err
	}
	e, err := To4Uint32(end)
	if err != nil {
		return 0, err
	}
	if e < s {
		return 0, errors.New("ipmath: end precedes start")
	}
	return uint64(e-s) + 1, nil
}
