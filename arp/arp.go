// Copyright 2018-present the CoreDHCP Authors. All rights reserved
// This source code is licensed under the MIT license found in the
// LICENSE file in the root directory of this source tree.

// Package arp injects a static entry into the host's ARP cache, used by
// response-addressing rule 3: unicasting an Offer/Ack to an
// address the kernel doesn't know how to reach yet would otherwise require
// the client to already answer ARP requests for its own brand-new lease.
//
// Adapted from a same ioctl-based Linux implementation, renamed into its
// own package. Inject has no timeout of its own; the caller treats any
// error it returns as the signal to fall back to broadcast.
package arp

import (
	"fmt"
	"net"
	"os"
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Flag values from https://man7.org/linux/man-pages/man7/arp.7.html, not
// exported by golang.org/x/sys/unix.
const (
	// FlagComplete marks an entry with a valid hardware address.
	FlagComplete = 0x02
	// FlagPermanent marks a permanent (non-aging) entry.
	FlagPermanent = 0x04
)

type arpReq struct {
	ArpPa   syscall.RawSockaddrInet4
	ArpHa   syscall.RawSockaddr
	Flags   int32
	Netmask syscall.RawSockaddr
	Dev     [16]byte
}

// Inject adds a completed, permanent ARP entry mapping ip to mac on dev.
// Per "ARP injection portability", callers on platforms or
// sandboxes without CAP_NET_ADMIN should treat any error here as "fall back
// to broadcast" rather than as fatal.
func Inject(ip net.IP, mac net.HardwareAddr, dev string) error {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM, unix.IPPROTO_UDP)
	if err != nil {
		return fmt.Errorf("arp: open socket: %w", err)
	}
	f := os.NewFile(uintptr(fd), "")
	defer f.Close()

	return injectFd(uintptr(fd), ip, mac, FlagComplete|FlagPermanent, dev)
}

func injectFd(fd uintptr, ip net.IP, mac net.HardwareAddr, flags int32, dev string) error {
	req := arpReq{
		ArpPa: syscall.RawSockaddrInet4{Family: syscall.AF_INET},
		Flags: flags,
	}
	ip4 := ip.To4()
	if ip4 == nil {
		return fmt.Errorf("arp: %s is not an IPv4 address", ip)
	}
	copy(req.ArpPa.Addr[:], ip4)

	for i, b := range mac {
		if i >= len(req.ArpHa.Data) {
			break
		}
		req.ArpHa.Data[i] = int8(b)
	}
	copy(req.Dev[:], dev)

	_, _, errno := unix.Syscall(unix.SYS_IOCTL, fd, unix.SIOCSARP, uintptr(unsafe.Pointer(&req)))
	if errno != 0 {
		return fmt.Errorf("arp: SIOCSARP: %w", errno)
	}
	return nil
}
