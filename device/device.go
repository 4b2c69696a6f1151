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

// Package device hosts the participant side of the mesh: a Device owns
// its Signals, its ID-map registry, and its Clock, drives the
// discovery/name/clock protocol, and exposes the single cooperative
// suspension point (Poll) the whole framework is built around.
package device

import (
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/mprmesh/mapper/discovery"
	"github.com/mprmesh/mapper/expr"
	"github.com/mprmesh/mapper/idmap"
	"github.com/mprmesh/mapper/mapping"
	"github.com/mprmesh/mapper/metrics"
	"github.com/mprmesh/mapper/mprid"
	"github.com/mprmesh/mapper/mtime"
	"github.com/mprmesh/mapper/props"
	"github.com/mprmesh/mapper/signal"
	"github.com/mprmesh/mapper/valuebuf"
	"github.com/mprmesh/mapper/wireosc"
)

// Device owns a set of signals, maps, an ID-map registry, and a clock,
// and runs the discovery/name/clock protocol over a shared bus plus its
// own mesh channel.
type Device struct {
	cfg *Config

	bus  *discovery.Bus
	mesh *discovery.Mesh

	alloc *discovery.Allocator
	clock *Clock

	registry *idmap.Registry
	subs     *discovery.SubscriberTable
	Metrics  *metrics.Device

	mu      sync.Mutex
	signals map[string]*signal.Signal
	maps    []*mapping.Map

	idCounter uint64
	lastSync  mtime.Time
	table     *props.Table
}

// Properties exposes the device's property table; @-prefixed keys are
// carried in /device announcements.
func (d *Device) Properties() *props.Table {
	// @name tracks the (possibly still-probing) claimed name.
	d.table.SetReadOnly("@name", d.Name())
	return d.table
}

// New constructs a Device per cfg, opens its bus and mesh sockets, and
// starts the ordinal probe for its name claim.
func New(cfg *Config) (*Device, error) {
	if cfg == nil {
		return nil, fmt.Errorf("device: nil Config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	iface := cfg.Iface
	if iface == "" {
		iface = os.Getenv("MPR_IFACE")
	}

	bus, err := discovery.NewBus(iface, cfg.BusGroup, cfg.BusPort)
	if err != nil {
		return nil, fmt.Errorf("device: bus: %w", err)
	}
	mesh, err := discovery.NewMesh(iface, cfg.MeshPort)
	if err != nil {
		bus.Close()
		return nil, fmt.Errorf("device: mesh: %w", err)
	}

	clk, err := NewClock(cfg.ClockConfidenceFormula)
	if err != nil {
		bus.Close()
		mesh.Close()
		return nil, err
	}

	d := &Device{
		cfg:      cfg,
		bus:      bus,
		mesh:     mesh,
		alloc:    discovery.NewAllocator(cfg.Name, 0, nil),
		clock:    clk,
		registry: idmap.New(cfg.IDMapCapacity),
		subs:     discovery.NewSubscriberTable(),
		Metrics:  metrics.NewDevice(nil, cfg.Name),
		signals:  map[string]*signal.Signal{},
		table:    props.New(),
	}
	d.table.SetReadOnly("@name", cfg.Name)
	if a := mesh.LocalAddr(); a != nil {
		d.table.SetReadOnly("@port", a.Port)
	}
	if err := d.alloc.Start(d.bus); err != nil {
		log.Warningf("device %s: initial name probe failed: %v", cfg.Name, err)
	}
	return d, nil
}

// IsReady reports whether the device has locked its ordinal and has a
// stable identifier.
func (d *Device) IsReady() bool { return d.alloc.Locked() }

// Name is the device's claimed (or still-probing) "base.ordinal".
func (d *Device) Name() string { return d.alloc.Name() }

// ID is this device's 64-bit identifier (hash(name) << 32); zero until
// IsReady, since the name isn't locked yet.
func (d *Device) ID() uint64 {
	if !d.IsReady() {
		return 0
	}
	return mprid.DeviceID(d.Name())
}

// Time returns the device's network-synchronized clock reading.
func (d *Device) Time() mtime.Time { return d.clock.Now() }

// SetTime overrides the clock's current reading, for callers
// integrating an external time source.
func (d *Device) SetTime(t mtime.Time) {
	d.clock.offset = mtime.Diff(t, mtime.Now())
}

// GenerateUniqueID mints a process-wide-unique 64-bit id with this
// device's id in the high bits.
func (d *Device) GenerateUniqueID() uint64 {
	n := atomic.AddUint64(&d.idCounter, 1)
	return d.ID() | (n & 0xffffffff)
}

// AddSignal constructs and registers a new signal, wiring it to this
// device's id-map registry and unique-id generator.
func (d *Device) AddSignal(cfg signal.Config) *signal.Signal {
	cfg.Registry = d.registry
	cfg.NextGlobalID = d.GenerateUniqueID
	userHandler := cfg.Handler
	userMask := cfg.EventMask
	cfg.EventMask |= signal.Overflow
	cfg.Handler = func(sig *signal.Signal, instIdx int, ev signal.Status) {
		if ev&signal.Overflow != 0 && d.Metrics != nil {
			d.Metrics.OverflowEvents.Inc()
		}
		if userHandler != nil && ev&userMask != 0 {
			userHandler(sig, instIdx, ev)
		}
	}
	sig := signal.New(cfg)
	d.mu.Lock()
	d.signals[cfg.Path] = sig
	d.mu.Unlock()
	if d.bus != nil && d.IsReady() {
		d.announceSignal(sig, false)
	}
	return sig
}

// Signal looks up a previously-added signal by path.
func (d *Device) Signal(path string) (*signal.Signal, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.signals[path]
	return s, ok
}

// RemoveSignal withdraws a signal: a /sig/removed announcement goes out
// and the signal stops participating in this device's flush cycle.
func (d *Device) RemoveSignal(path string) {
	d.mu.Lock()
	sig, ok := d.signals[path]
	if ok {
		delete(d.signals, path)
	}
	d.mu.Unlock()
	if ok && d.IsReady() {
		d.announceSignal(sig, true)
	}
}

// AddMap compiles expression against sources/dest and registers the
// resulting Map so it participates in this device's flush cycle. The
// /mapped announcement forms the link that lets peers route
// signal-update traffic over the mesh.
func (d *Device) AddMap(expression string, sources []*signal.Signal, dest *signal.Signal) (*mapping.Map, error) {
	m, err := mapping.New(expression, sources, dest)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	d.maps = append(d.maps, m)
	n := len(d.maps)
	d.mu.Unlock()
	m.Activate()
	if d.Metrics != nil {
		d.Metrics.ActiveMaps.Set(float64(n))
	}
	d.announceMap(m, false)
	return m, nil
}

// AddRemoteMap builds a map whose destination signal lives on peer
// destDev: evaluation happens on this device and every cooked value is
// serialized and sent over the mesh link to destDev, where the
// symmetric receive path writes it into the destination signal.
func (d *Device) AddRemoteMap(expression string, sources []*signal.Signal, destDev, destPath string, destVlen int, destType valuebuf.Type) (*mapping.Map, error) {
	send := func(data []byte) {
		sent, err := d.mesh.SendTo(destDev, data)
		if err != nil {
			log.Warningf("device %s: send to %s: %v", d.cfg.Name, destDev, err)
			return
		}
		if !sent {
			log.Debugf("device %s: no mesh link to %s yet, dropping update", d.cfg.Name, destDev)
			return
		}
		if d.Metrics != nil {
			d.Metrics.MessagesSent.Inc()
		}
	}
	shape := expr.IOShape{Vlen: destVlen, Type: destType}
	m, err := mapping.NewRemoteDest(expression, sources, destPath, shape, false, send)
	if err != nil {
		return nil, err
	}
	m.DestName = destDev + destPath
	d.mu.Lock()
	d.maps = append(d.maps, m)
	n := len(d.maps)
	d.mu.Unlock()
	m.Activate()
	if d.Metrics != nil {
		d.Metrics.ActiveMaps.Set(float64(n))
	}
	d.announceMap(m, false)
	return m, nil
}

// RemoveMap retires a map and announces /unmapped.
func (d *Device) RemoveMap(m *mapping.Map) {
	d.mu.Lock()
	for i, cur := range d.maps {
		if cur == m {
			d.maps = append(d.maps[:i], d.maps[i+1:]...)
			break
		}
	}
	n := len(d.maps)
	d.mu.Unlock()
	m.Release()
	if d.Metrics != nil {
		d.Metrics.ActiveMaps.Set(float64(n))
	}
	d.announceMap(m, true)
}

func (d *Device) announceMap(m *mapping.Map, removed bool) {
	if !d.IsReady() {
		return
	}
	dest := m.DestName
	if m.DestSignal != nil {
		dest = d.Name() + m.DestSignal.Path
	}
	msg := discovery.MapMsg{ID: m.ID, Dest: dest, Expression: m.Expression}
	for _, s := range m.SourceSignals {
		msg.Sources = append(msg.Sources, d.Name()+s.Path)
	}
	path := discovery.PathMapped
	if removed {
		path = discovery.PathUnmapped
	}
	if err := d.bus.Send(msg.Encode(path)); err != nil {
		log.Warningf("device %s: announce map %#x: %v", d.cfg.Name, m.ID, err)
		return
	}
	if d.Metrics != nil {
		d.Metrics.MessagesSent.Inc()
	}
}

// UpdateMaps flushes every pending map evaluation without polling the
// network, so tight user loops can set many signals then flush once.
func (d *Device) UpdateMaps() {
	d.mu.Lock()
	maps := append([]*mapping.Map(nil), d.maps...)
	d.mu.Unlock()
	for _, m := range maps {
		m.Flush()
		if d.Metrics != nil {
			d.Metrics.MapsEvaluated.Inc()
		}
	}
}

// Poll drains incoming bus/mesh traffic for up to blockMs milliseconds
// total, advances the ordinal/clock-sync state machines, flushes
// pending map updates, and returns the number of messages handled. It
// is the framework's single suspension point.
func (d *Device) Poll(blockMs int) (int, error) {
	deadline := time.Now().Add(time.Duration(blockMs) * time.Millisecond)
	handled := 0

	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}
		pkt, err := d.bus.Receive(remaining)
		if err != nil {
			return handled, fmt.Errorf("device: bus receive: %w", err)
		}
		if pkt == nil {
			break
		}
		d.handlePacket(pkt.Data, pkt.From)
		handled++
		if d.Metrics != nil {
			d.Metrics.MessagesReceived.Inc()
		}
	}
	for {
		pkt, err := d.mesh.Receive(0)
		if err != nil || pkt == nil {
			break
		}
		d.handlePacket(pkt.Data, pkt.From)
		handled++
		if d.Metrics != nil {
			d.Metrics.MessagesReceived.Inc()
		}
	}

	if !d.IsReady() {
		if err := d.alloc.Tick(d.bus); err != nil {
			log.Warningf("device %s: ordinal tick: %v", d.cfg.Name, err)
		}
	}
	d.maybeSync()
	d.subs.Prune(time.Now())
	if d.Metrics != nil {
		d.Metrics.Subscribers.Set(float64(d.subs.Len()))
	}

	d.UpdateMaps()
	return handled, nil
}

func (d *Device) maybeSync() {
	now := d.clock.Now()
	if mtime.ToDouble(now)-mtime.ToDouble(d.lastSync) < d.cfg.SyncInterval.Seconds() {
		return
	}
	d.lastSync = now
	ping := d.clock.BuildPing(d.Name())
	if err := d.bus.Send(ping.Encode()); err != nil {
		log.Warningf("device %s: sync send: %v", d.cfg.Name, err)
		return
	}
	if d.Metrics != nil {
		d.Metrics.MessagesSent.Inc()
	}
}

func (d *Device) handlePacket(data []byte, from net.Addr) {
	path, payload, err := discovery.Decode(data)
	if err != nil {
		log.Errorf("device %s: malformed message from %v: %v", d.cfg.Name, from, err)
		return
	}
	switch path {
	case discovery.PathWho:
		if d.IsReady() {
			d.announce()
		}
	case discovery.PathDevice:
		msg := payload.(discovery.DeviceMsg)
		if ip := net.ParseIP(msg.MeshIP); ip != nil {
			d.mesh.Link(msg.Name, &net.UDPAddr{IP: ip, Port: msg.MeshPort})
		}
	case discovery.PathNameProbe:
		msg := payload.(discovery.NameProbeMsg)
		if err := d.alloc.HandleProbe(msg, d.bus); err != nil {
			log.Warningf("device %s: probe reply: %v", d.cfg.Name, err)
		}
	case discovery.PathNameRegistered:
		d.alloc.HandleRegistered(payload.(discovery.NameRegisteredMsg))
	case discovery.PathSync:
		d.clock.ApplySync(payload.(discovery.SyncMsg))
	case discovery.PathLogout:
		d.mesh.Unlink(payload.(discovery.LogoutMsg).Name)
	default:
		if len(path) > len("/subscribe") && path[len(path)-len("/subscribe"):] == "/subscribe" {
			if msg, ok := payload.(discovery.SubscribeMsg); ok {
				d.subs.Subscribe(from.String(), msg.Flags, msg.LeaseS, time.Now())
			}
			return
		}
		if len(path) > len("/unsubscribe") && path[len(path)-len("/unsubscribe"):] == "/unsubscribe" {
			d.subs.Unsubscribe(from.String())
			return
		}
		d.handleSlotUpdate(path, payload)
	}
}

// handleSlotUpdate routes an inbound signal-update message into the
// matching local signal's value buffer: decode the slot message, fill
// any null-elided elements from the previous sample, then write the
// value (or apply the release) through the signal, which drives its
// handler and any onward maps exactly as a local update would.
func (d *Device) handleSlotUpdate(path string, payload interface{}) {
	sig, ok := d.Signal(path)
	if !ok {
		return
	}
	msg, ok := payload.(wireosc.Message)
	if !ok {
		return
	}
	u, err := mapping.ParseSlotMsg(msg)
	if err != nil {
		log.Errorf("device %s: bad signal update for %s: %v", d.cfg.Name, path, err)
		return
	}
	if u.Release {
		if u.HasGlobal {
			err = sig.ReleaseInstGlobal(u.GlobalID)
		} else if inst := sig.InstanceAt(0); inst != nil {
			err = sig.ReleaseInst(inst.ID)
		}
		if err != nil {
			log.Debugf("device %s: release for %s: %v", d.cfg.Name, path, err)
		}
		return
	}
	vals := fillAbsent(sig, u)
	if u.HasGlobal {
		err = sig.SetValueFromGlobal(u.GlobalID, len(vals), u.Type, vals)
	} else if inst := sig.InstanceAt(0); inst != nil {
		err = sig.SetValue(inst.ID, len(vals), u.Type, vals)
	}
	if err != nil {
		log.Warningf("device %s: signal update for %s: %v", d.cfg.Name, path, err)
	}
}

// fillAbsent substitutes the previous sample's element for every
// null-elided vector element of a partial update.
func fillAbsent(sig *signal.Signal, u mapping.SlotUpdate) []float64 {
	out := append([]float64(nil), u.Values...)
	var prev []float64
	if inst := sig.InstanceAt(0); inst != nil {
		prev, _, _ = sig.GetValue(inst.ID)
	}
	for i, present := range u.Present {
		if !present && i < len(prev) {
			out[i] = prev[i]
		}
	}
	return out
}

// Announce broadcasts this device's /device message plus a /signal
// message per currently-registered signal.
func (d *Device) Announce() { d.announce() }

func (d *Device) announce() {
	ip := ""
	if laddr := d.mesh.LocalAddr(); laddr != nil {
		ip = laddr.IP.String()
	}
	msg := discovery.DeviceMsg{Name: d.Name(), MeshIP: ip, MeshPort: meshPort(d.mesh), Ordinal: 0}
	if err := d.bus.Send(msg.Encode()); err != nil {
		log.Warningf("device %s: announce: %v", d.cfg.Name, err)
		return
	}
	if d.Metrics != nil {
		d.Metrics.MessagesSent.Inc()
	}
	d.mu.Lock()
	sigs := make([]*signal.Signal, 0, len(d.signals))
	for _, s := range d.signals {
		sigs = append(sigs, s)
	}
	d.mu.Unlock()
	for _, s := range sigs {
		d.announceSignal(s, false)
	}
}

func (d *Device) announceSignal(sig *signal.Signal, removed bool) {
	dir := "output"
	if sig.Direction == signal.In {
		dir = "input"
	}
	msg := discovery.SignalMsg{DeviceName: d.Name(), Path: sig.Path, Direction: dir, Vlen: sig.Vlen, Type: wireTypeLetter(sig.Type)}
	if err := d.bus.Send(msg.Encode(removed)); err != nil {
		log.Warningf("device %s: announce signal %s: %v", d.cfg.Name, sig.Path, err)
	}
}

// wireTypeLetter renders a valuebuf.Type as the OSC-style "i"/"f"/"d"
// letter the /signal message carries.
func wireTypeLetter(t valuebuf.Type) string {
	switch t {
	case valuebuf.Int32:
		return "i"
	case valuebuf.Float32:
		return "f"
	default:
		return "d"
	}
}

func meshPort(m *discovery.Mesh) int {
	if a := m.LocalAddr(); a != nil {
		return a.Port
	}
	return 0
}

// Logout sends a graceful /logout and releases the device's sockets.
func (d *Device) Logout() error {
	err := d.bus.Send(discovery.LogoutMsg{Name: d.Name()}.Encode())
	d.bus.Close()
	d.mesh.Close()
	return err
}
