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
	"sync"
	"time"

	"github.com/mprmesh/mapper/netconn"
)

// Mesh is a device's private unicast channel for high-rate value
// updates and subscription responses. Once two devices are linked (a
// map exists between their signals), subsequent signal-update traffic
// bypasses the bus and goes straight over this connection.
type Mesh struct {
	conn *netconn.Conn

	mu    sync.Mutex
	peers map[string]*net.UDPAddr // device name -> last-known mesh address
}

// NewMesh opens the device's mesh listener, letting the OS pick an
// ephemeral port unless port is nonzero.
func NewMesh(iface string, port int) (*Mesh, error) {
	conn, err := netconn.ListenMesh(iface, port)
	if err != nil {
		return nil, err
	}
	return &Mesh{conn: conn, peers: map[string]*net.UDPAddr{}}, nil
}

// LocalAddr is the mesh socket's locally bound address, advertised in
// this device's /device announcement.
func (m *Mesh) LocalAddr() *net.UDPAddr { return m.conn.LocalAddr() }

// Link records peer's mesh address, learned from its /device
// announcement or a /mapped exchange, so future sends for that peer go
// straight to the mesh instead of the bus.
func (m *Mesh) Link(peerName string, addr *net.UDPAddr) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.peers[peerName] = addr
}

// Unlink forgets a peer's mesh address, called on /logout.
func (m *Mesh) Unlink(peerName string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.peers, peerName)
}

// AddrFor returns the last-known mesh address for peerName, if linked.
func (m *Mesh) AddrFor(peerName string) (*net.UDPAddr, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.peers[peerName]
	return a, ok
}

// SendTo writes data directly to peer's mesh address.
func (m *Mesh) SendTo(peerName string, data []byte) (bool, error) {
	addr, ok := m.AddrFor(peerName)
	if !ok {
		return false, nil
	}
	return true, m.conn.Send(data, addr)
}

// Receive reads up to one pending mesh datagram.
func (m *Mesh) Receive(deadline time.Duration) (*netconn.Packet, error) {
	return m.conn.Receive(deadline)
}

// Close releases the mesh socket.
func (m *Mesh) Close() error { return m.conn.Close() }
