/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package netconn is the thin socket abstraction discovery and device
// build on: a multicast bus connection and per-peer unicast mesh
// connections, each exposing only send/receive-with-deadline. Like
// wireosc, this is an external collaborator — the real
// socket layer is assumed available; this package is a usable minimal
// implementation, not a hardened production transport.
package netconn

import (
	"fmt"
	"net"
	"time"

	"golang.org/x/sys/unix"
)

// BusTTL is the multicast time-to-live used for the discovery bus:
// announcements stay on the local subnet.
const BusTTL = 1

// Packet is one datagram received off a Conn, tagged with its sender so
// discovery can reply point-to-point.
type Packet struct {
	Data []byte
	From net.Addr
}

// Conn wraps a UDP PacketConn (unicast mesh or multicast bus) with
// deadline-bounded receive, the only blocking operation in the whole
// framework
type Conn struct {
	pc   net.PacketConn
	addr *net.UDPAddr
}

// ListenMesh opens an ephemeral (port 0, unless port is nonzero) unicast
// UDP socket for a device's private mesh channel.
func ListenMesh(iface string, port int) (*Conn, error) {
	laddr := &net.UDPAddr{Port: port}
	if ip := resolveIface(iface); ip != nil {
		laddr.IP = ip
	}
	pc, err := net.ListenUDP("udp4", laddr)
	if err != nil {
		return nil, fmt.Errorf("netconn: listen mesh: %w", err)
	}
	if err := setReuseport(pc); err != nil {
		return nil, fmt.Errorf("netconn: mesh reuseport: %w", err)
	}
	return &Conn{pc: pc, addr: pc.LocalAddr().(*net.UDPAddr)}, nil
}

// ListenBus joins the discovery multicast group on the given interface
// (or the first viable non-loopback multicast-capable interface when
// iface is empty, falling back to loopback).
func ListenBus(iface string, group net.IP, port int) (*Conn, error) {
	ifi, err := resolveMulticastIface(iface)
	if err != nil {
		return nil, err
	}
	gaddr := &net.UDPAddr{IP: group, Port: port}
	pc, err := net.ListenMulticastUDP("udp4", ifi, gaddr)
	if err != nil {
		return nil, fmt.Errorf("netconn: listen bus: %w", err)
	}
	if err := setReuseport(pc); err != nil {
		return nil, fmt.Errorf("netconn: bus reuseport: %w", err)
	}
	return &Conn{pc: pc, addr: gaddr}, nil
}

// LocalAddr returns the locally bound address, whose port a device
// advertises in its /device announcement.
func (c *Conn) LocalAddr() *net.UDPAddr { return c.addr }

// Send writes a datagram to dst.
func (c *Conn) Send(data []byte, dst net.Addr) error {
	_, err := c.pc.WriteTo(data, dst)
	return err
}

// Receive reads up to one datagram, blocking at most deadline. A zero
// deadline polls: it returns a pending datagram, or nil after at most a
// millisecond if nothing is pending.
func (c *Conn) Receive(deadline time.Duration) (*Packet, error) {
	if deadline <= 0 {
		// a read deadline already in the past fails without looking at
		// pending data, so a poll waits a token interval instead
		deadline = time.Millisecond
	}
	if err := c.pc.SetReadDeadline(time.Now().Add(deadline)); err != nil {
		return nil, fmt.Errorf("netconn: set deadline: %w", err)
	}
	buf := make([]byte, 64*1024)
	n, from, err := c.pc.ReadFrom(buf)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return nil, nil
		}
		return nil, err
	}
	return &Packet{Data: buf[:n], From: from}, nil
}

// Close releases the underlying socket.
func (c *Conn) Close() error { return c.pc.Close() }

// setReuseport allows several devices in the same process (or several
// peers on one host, for tests) to share a multicast/mesh port; the net
// package does not expose this option directly.
func setReuseport(pc net.PacketConn) error {
	sc, ok := pc.(*net.UDPConn)
	if !ok {
		return nil
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return err
	}
	var sockErr error
	err = raw.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
	})
	if err != nil {
		return err
	}
	return sockErr
}

func resolveIface(iface string) net.IP {
	ifi, err := resolveMulticastIface(iface)
	if err != nil || ifi == nil {
		return nil
	}
	addrs, err := ifi.Addrs()
	if err != nil {
		return nil
	}
	for _, a := range addrs {
		if ipn, ok := a.(*net.IPNet); ok && ipn.IP.To4() != nil {
			return ipn.IP
		}
	}
	return nil
}

// resolveMulticastIface picks the interface to use for the bus: the
// named interface if given, else the first non-loopback multicast-
// capable IPv4 interface, else loopback as a last resort, matching
// the MPR_IFACE environment variable behavior.
func resolveMulticastIface(iface string) (*net.Interface, error) {
	if iface != "" {
		return net.InterfaceByName(iface)
	}
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("netconn: list interfaces: %w", err)
	}
	var loopback *net.Interface
	for i := range ifaces {
		ifi := ifaces[i]
		if ifi.Flags&net.FlagUp == 0 || ifi.Flags&net.FlagMulticast == 0 {
			continue
		}
		if ifi.Flags&net.FlagLoopback != 0 {
			if loopback == nil {
				cp := ifi
				loopback = &cp
			}
			continue
		}
		if hasIPv4(&ifi) {
			cp := ifi
			return &cp, nil
		}
	}
	if loopback != nil {
		return loopback, nil
	}
	return nil, fmt.Errorf("netconn: no multicast-capable interface found")
}

func hasIPv4(ifi *net.Interface) bool {
	addrs, err := ifi.Addrs()
	if err != nil {
		return false
	}
	for _, a := range addrs {
		if ipn, ok := a.(*net.IPNet); ok && ipn.IP.To4() != nil {
			return true
		}
	}
	return false
}
