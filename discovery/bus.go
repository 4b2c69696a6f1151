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

package discovery

import (
	"net"
	"time"

	"github.com/mprmesh/mapper/netconn"
)

// DefaultBusGroup and DefaultBusPort are the bus defaults.
const (
	DefaultBusGroup = "224.0.1.3"
	DefaultBusPort  = 7570
)

// Bus is the shared multicast channel every peer on the subnet joins
// for discovery and low-rate control traffic
type Bus struct {
	conn  *netconn.Conn
	group *net.UDPAddr
}

// NewBus joins the multicast group on iface (or an auto-selected
// interface if empty; see netconn's MPR_IFACE handling).
func NewBus(iface, group string, port int) (*Bus, error) {
	if group == "" {
		group = DefaultBusGroup
	}
	if port == 0 {
		port = DefaultBusPort
	}
	gip := net.ParseIP(group)
	conn, err := netconn.ListenBus(iface, gip, port)
	if err != nil {
		return nil, err
	}
	return &Bus{conn: conn, group: &net.UDPAddr{IP: gip, Port: port}}, nil
}

// Send broadcasts data to every peer on the bus.
func (b *Bus) Send(data []byte) error { return b.conn.Send(data, b.group) }

// Receive reads up to one pending bus datagram, blocking at most
// deadline; a nil packet with a nil error means nothing arrived.
func (b *Bus) Receive(deadline time.Duration) (*netconn.Packet, error) {
	return b.conn.Receive(deadline)
}

// LocalAddr is the bus socket's locally-bound address.
func (b *Bus) LocalAddr() *net.UDPAddr { return b.conn.LocalAddr() }

// Close releases the bus socket.
func (b *Bus) Close() error { return b.conn.Close() }
