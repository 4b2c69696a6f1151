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

// Package graph maintains a peer's mirror view of the distributed graph
// of devices, signals, and maps, built entirely from bus traffic.
// A Graph is a passive observer: it announces nothing of
// its own, elicits state with /who, and keeps its mirror fresh through
// lease-renewed subscriptions.
package graph

import (
	"fmt"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/mprmesh/mapper/discovery"
	"github.com/mprmesh/mapper/props"
)

// Kind selects which record family an OnChange callback watches.
type Kind int

const (
	KindDevice Kind = iota
	KindSignal
	KindMap
)

func (k Kind) String() string {
	switch k {
	case KindDevice:
		return "device"
	case KindSignal:
		return "signal"
	case KindMap:
		return "map"
	}
	return "unknown"
}

// Event is the change-event bitmask an OnChange callback subscribes to.
type Event uint8

const (
	Added Event = 1 << iota
	Modified
	Removed
	AnyEvent = Added | Modified | Removed
)

// DeviceRecord mirrors one remote device.
type DeviceRecord struct {
	Name     string
	MeshIP   string
	MeshPort int
	LastSeen time.Time
	Table    *props.Table
}

// Properties exposes the mirrored device's property table.
func (r *DeviceRecord) Properties() *props.Table { return r.Table }

// SignalRecord mirrors one remote signal.
type SignalRecord struct {
	DeviceName string
	Path       string
	Direction  string
	Vlen       int
	Type       string
	Table      *props.Table
}

// Properties exposes the mirrored signal's property table.
func (r *SignalRecord) Properties() *props.Table { return r.Table }

// FullPath is "device/path", the network-wide signal name.
func (r *SignalRecord) FullPath() string { return r.DeviceName + r.Path }

// MapRecord mirrors one remote map.
type MapRecord struct {
	ID         uint64
	Sources    []string
	Dest       string
	Expression string
}

// Callback observes one mirror change. rec is the affected
// *DeviceRecord, *SignalRecord, or *MapRecord, matching the Kind the
// callback was registered for.
type Callback func(ev Event, rec interface{})

type watcher struct {
	kind Kind
	mask Event
	fn   Callback
}

type subscription struct {
	devName string
	flags   discovery.SubscribeFlags
	leaseS  int
	renewAt time.Time
}

// Graph is one peer's view of the network.
type Graph struct {
	flags discovery.SubscribeFlags
	iface string
	bus   *discovery.Bus

	devices map[string]*DeviceRecord
	signals map[string]*SignalRecord // keyed by FullPath
	maps    map[uint64]*MapRecord

	watchers []watcher
	subs     map[string]*subscription
}

// New builds a Graph that will subscribe to the given flag categories on
// every device it discovers (pass 0 to only observe unsolicited bus
// announcements).
func New(flags discovery.SubscribeFlags) *Graph {
	return &Graph{
		flags:   flags,
		devices: map[string]*DeviceRecord{},
		signals: map[string]*SignalRecord{},
		maps:    map[uint64]*MapRecord{},
		subs:    map[string]*subscription{},
	}
}

// SetInterface names the network interface to join the bus on; must be
// called before the first Poll. Empty falls back to MPR_IFACE, then
// auto-detection
func (g *Graph) SetInterface(name string) { g.iface = name }

// open joins the bus lazily on first use and elicits announcements.
func (g *Graph) open() error {
	if g.bus != nil {
		return nil
	}
	bus, err := discovery.NewBus(g.iface, "", 0)
	if err != nil {
		return fmt.Errorf("graph: bus: %w", err)
	}
	g.bus = bus
	if err := g.bus.Send(discovery.WhoMsg{}.Encode()); err != nil {
		log.Warningf("graph: /who: %v", err)
	}
	return nil
}

// Close releases the bus socket.
func (g *Graph) Close() error {
	if g.bus == nil {
		return nil
	}
	err := g.bus.Close()
	g.bus = nil
	return err
}

// Poll drains bus traffic for up to blockMs milliseconds, updating the
// mirror and firing OnChange callbacks, and renews any subscription
// within its renewal margin. Returns the number of messages handled.
func (g *Graph) Poll(blockMs int) (int, error) {
	if err := g.open(); err != nil {
		return 0, err
	}
	deadline := time.Now().Add(time.Duration(blockMs) * time.Millisecond)
	handled := 0
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}
		pkt, err := g.bus.Receive(remaining)
		if err != nil {
			return handled, fmt.Errorf("graph: bus receive: %w", err)
		}
		if pkt == nil {
			break
		}
		path, payload, err := discovery.Decode(pkt.Data)
		if err != nil {
			log.Errorf("graph: malformed message: %v", err)
			continue
		}
		g.apply(path, payload, time.Now())
		handled++
	}
	g.renew(time.Now())
	return handled, nil
}

// Subscribe requests periodic info from devName (or, with devName "",
// from every currently-known device). The lease
// auto-renews from Poll until Unsubscribe.
func (g *Graph) Subscribe(devName string, flags discovery.SubscribeFlags, timeoutS int) error {
	if err := g.open(); err != nil {
		return err
	}
	if timeoutS <= 0 {
		timeoutS = 60
	}
	targets := []string{devName}
	if devName == "" {
		targets = targets[:0]
		for name := range g.devices {
			targets = append(targets, name)
		}
	}
	for _, name := range targets {
		if err := g.sendSubscribe(name, flags, timeoutS); err != nil {
			return err
		}
	}
	return nil
}

func (g *Graph) sendSubscribe(devName string, flags discovery.SubscribeFlags, leaseS int) error {
	msg := discovery.SubscribeMsg{Flags: flags, LeaseS: leaseS}
	if err := g.bus.Send(msg.Encode(devName)); err != nil {
		return fmt.Errorf("graph: subscribe %s: %w", devName, err)
	}
	g.subs[devName] = &subscription{
		devName: devName,
		flags:   flags,
		leaseS:  leaseS,
		renewAt: time.Now().Add(time.Duration(leaseS)*time.Second - 10*time.Second),
	}
	return nil
}

// Unsubscribe cancels the subscription to devName ("" cancels all).
func (g *Graph) Unsubscribe(devName string) error {
	if g.bus == nil {
		return nil
	}
	targets := []string{devName}
	if devName == "" {
		targets = targets[:0]
		for name := range g.subs {
			targets = append(targets, name)
		}
	}
	for _, name := range targets {
		delete(g.subs, name)
		if err := g.bus.Send(discovery.UnsubscribeEncode(name)); err != nil {
			return fmt.Errorf("graph: unsubscribe %s: %w", name, err)
		}
	}
	return nil
}

// renew re-sends every subscription within 10s of its lease expiry.
func (g *Graph) renew(now time.Time) {
	for _, sub := range g.subs {
		if now.Before(sub.renewAt) {
			continue
		}
		if err := g.sendSubscribe(sub.devName, sub.flags, sub.leaseS); err != nil {
			log.Warningf("graph: renew: %v", err)
		}
	}
}

// OnChange registers fn to run for every mirror change of the given
// kind matching the event mask.
func (g *Graph) OnChange(kind Kind, mask Event, fn Callback) {
	g.watchers = append(g.watchers, watcher{kind: kind, mask: mask, fn: fn})
}

func (g *Graph) fire(kind Kind, ev Event, rec interface{}) {
	for _, w := range g.watchers {
		if w.kind == kind && w.mask&ev != 0 {
			w.fn(ev, rec)
		}
	}
}

// Devices snapshots the known devices.
func (g *Graph) Devices() []*DeviceRecord {
	out := make([]*DeviceRecord, 0, len(g.devices))
	for _, d := range g.devices {
		out = append(out, d)
	}
	return out
}

// Signals snapshots the known signals.
func (g *Graph) Signals() []*SignalRecord {
	out := make([]*SignalRecord, 0, len(g.signals))
	for _, s := range g.signals {
		out = append(out, s)
	}
	return out
}

// Maps snapshots the known maps.
func (g *Graph) Maps() []*MapRecord {
	out := make([]*MapRecord, 0, len(g.maps))
	for _, m := range g.maps {
		out = append(out, m)
	}
	return out
}

// apply folds one decoded bus message into the mirror. Factored from
// Poll so the mirror logic is testable without sockets.
func (g *Graph) apply(path string, payload interface{}, now time.Time) {
	switch path {
	case discovery.PathDevice:
		msg := payload.(discovery.DeviceMsg)
		rec, known := g.devices[msg.Name]
		if !known {
			rec = &DeviceRecord{Name: msg.Name, Table: props.New()}
			g.devices[msg.Name] = rec
		}
		rec.MeshIP = msg.MeshIP
		rec.MeshPort = msg.MeshPort
		rec.LastSeen = now
		rec.Table.SetReadOnly("@name", msg.Name)
		rec.Table.SetReadOnly("@port", msg.MeshPort)
		if known {
			g.fire(KindDevice, Modified, rec)
		} else {
			g.fire(KindDevice, Added, rec)
			if g.flags != 0 && g.bus != nil {
				if err := g.sendSubscribe(msg.Name, g.flags, 60); err != nil {
					log.Warningf("graph: %v", err)
				}
			}
		}
	case discovery.PathLogout:
		msg := payload.(discovery.LogoutMsg)
		rec, known := g.devices[msg.Name]
		if !known {
			return
		}
		delete(g.devices, msg.Name)
		delete(g.subs, msg.Name)
		for key, sig := range g.signals {
			if sig.DeviceName == msg.Name {
				delete(g.signals, key)
				g.fire(KindSignal, Removed, sig)
			}
		}
		g.fire(KindDevice, Removed, rec)
	case discovery.PathSignal:
		msg := payload.(discovery.SignalMsg)
		key := msg.DeviceName + msg.Path
		rec, known := g.signals[key]
		if !known {
			rec = &SignalRecord{DeviceName: msg.DeviceName, Path: msg.Path, Table: props.New()}
			g.signals[key] = rec
		}
		rec.Direction = msg.Direction
		rec.Vlen = msg.Vlen
		rec.Type = msg.Type
		rec.Table.SetReadOnly("@name", msg.Path)
		rec.Table.SetReadOnly("@direction", msg.Direction)
		rec.Table.SetReadOnly("@length", msg.Vlen)
		rec.Table.SetReadOnly("@type", msg.Type)
		if known {
			g.fire(KindSignal, Modified, rec)
		} else {
			g.fire(KindSignal, Added, rec)
		}
	case discovery.PathSignalRemoved:
		msg := payload.(discovery.SignalMsg)
		key := msg.DeviceName + msg.Path
		if rec, ok := g.signals[key]; ok {
			delete(g.signals, key)
			g.fire(KindSignal, Removed, rec)
		}
	case discovery.PathMapped:
		msg := payload.(discovery.MapMsg)
		rec, known := g.maps[msg.ID]
		if !known {
			rec = &MapRecord{ID: msg.ID}
			g.maps[msg.ID] = rec
		}
		rec.Sources = msg.Sources
		rec.Dest = msg.Dest
		rec.Expression = msg.Expression
		if known {
			g.fire(KindMap, Modified, rec)
		} else {
			g.fire(KindMap, Added, rec)
		}
	case discovery.PathUnmapped:
		msg := payload.(discovery.MapMsg)
		if rec, ok := g.maps[msg.ID]; ok {
			delete(g.maps, msg.ID)
			g.fire(KindMap, Removed, rec)
		}
	case discovery.PathSync:
		msg := payload.(discovery.SyncMsg)
		if rec, ok := g.devices[msg.DevName]; ok {
			rec.LastSeen = now
		}
	default:
		// /who, probe traffic, and per-device subscribe paths are
		// peer-to-peer concerns a mirror doesn't track.
		if !strings.HasPrefix(path, "/name/") && path != discovery.PathWho {
			log.Tracef("graph: ignoring %s", path)
		}
	}
}
