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

// Package discovery implements the bus/mesh transport and the
// discovery, name-allocation, clock-sync, and subscription protocol of
// a device mesh: the multicast "who are you" announcements, the
// name-ordinal claim handshake, periodic clock-offset pings, and
// lease-tracked subscriptions that let a Graph mirror a device's state.
package discovery

import (
	"fmt"

	"github.com/mprmesh/mapper/mtime"
	"github.com/mprmesh/mapper/wireosc"
)

// Message path prefixes. Per-device paths
// (subscribe/unsubscribe) are formatted with DevicePath.
const (
	PathWho            = "/who"
	PathDevice         = "/device"
	PathLogout         = "/logout"
	PathSignal         = "/signal"
	PathSignalRemoved  = "/sig/removed"
	PathNameProbe      = "/name/probe"
	PathNameRegistered = "/name/registered"
	PathMap            = "/map"
	PathMapTo          = "/mapTo"
	PathMapped         = "/mapped"
	PathMapModify      = "/map/modify"
	PathUnmap          = "/unmap"
	PathUnmapped       = "/unmapped"
	PathSync           = "/sync"

	subscribeSuffix   = "/subscribe"
	unsubscribeSuffix = "/unsubscribe"
)

// DevicePath formats a per-device path, e.g. "/synth.1/subscribe".
func DevicePath(devName, suffix string) string { return "/" + devName + suffix }

// SubscribeFlags selects which categories of update a subscriber wants.
type SubscribeFlags uint8

const (
	Device SubscribeFlags = 1 << iota
	Inputs
	Outputs
	MapsIn
	MapsOut
	All = Device | Inputs | Outputs | MapsIn | MapsOut
)

// WhoMsg elicits a /device announcement from every peer on the bus.
type WhoMsg struct{}

func (WhoMsg) Encode() []byte { return wireosc.Encode(wireosc.Message{Path: PathWho}) }

// DeviceMsg announces a device and the mesh address it can be reached
// at for point-to-point traffic.
type DeviceMsg struct {
	Name     string
	MeshIP   string
	MeshPort int
	Ordinal  int
}

func (m DeviceMsg) Encode() []byte {
	return wireosc.Encode(wireosc.Message{Path: PathDevice, Args: []wireosc.Arg{
		wireosc.StringArg(m.Name),
		wireosc.StringArg(m.MeshIP),
		wireosc.Int32Arg(int32(m.MeshPort)),
		wireosc.Int32Arg(int32(m.Ordinal)),
	}})
}

func decodeDeviceMsg(msg wireosc.Message) (DeviceMsg, error) {
	if len(msg.Args) < 4 {
		return DeviceMsg{}, fmt.Errorf("discovery: short /device message")
	}
	return DeviceMsg{
		Name:     msg.Args[0].Str,
		MeshIP:   msg.Args[1].Str,
		MeshPort: int(msg.Args[2].I),
		Ordinal:  int(msg.Args[3].I),
	}, nil
}

// LogoutMsg announces a device's graceful withdrawal.
type LogoutMsg struct{ Name string }

func (m LogoutMsg) Encode() []byte {
	return wireosc.Encode(wireosc.Message{Path: PathLogout, Args: []wireosc.Arg{wireosc.StringArg(m.Name)}})
}

// SignalMsg announces (or, via /sig/removed, withdraws) a signal.
type SignalMsg struct {
	DeviceName string
	Path       string
	Direction  string // "input" | "output"
	Vlen       int
	Type       string // "i" | "f" | "d"
}

func (m SignalMsg) Encode(removed bool) []byte {
	path := PathSignal
	if removed {
		path = PathSignalRemoved
	}
	return wireosc.Encode(wireosc.Message{Path: path, Args: []wireosc.Arg{
		wireosc.StringArg(m.DeviceName),
		wireosc.StringArg(m.Path),
		wireosc.StringArg(m.Direction),
		wireosc.Int32Arg(int32(m.Vlen)),
		wireosc.StringArg(m.Type),
	}})
}

func decodeSignalMsg(msg wireosc.Message) (SignalMsg, error) {
	if len(msg.Args) < 5 {
		return SignalMsg{}, fmt.Errorf("discovery: short /signal message")
	}
	return SignalMsg{
		DeviceName: msg.Args[0].Str,
		Path:       msg.Args[1].Str,
		Direction:  msg.Args[2].Str,
		Vlen:       int(msg.Args[3].I),
		Type:       msg.Args[4].Str,
	}, nil
}

// NameProbeMsg is a claim attempt for a candidate "name.ordinal", per
// the name allocation protocol step 2.
type NameProbeMsg struct {
	Name   string
	TempID uint32
}

func (m NameProbeMsg) Encode() []byte {
	return wireosc.Encode(wireosc.Message{Path: PathNameProbe, Args: []wireosc.Arg{
		wireosc.StringArg(m.Name), wireosc.Int32Arg(int32(m.TempID)),
	}})
}

func decodeNameProbe(msg wireosc.Message) (NameProbeMsg, error) {
	if len(msg.Args) < 2 {
		return NameProbeMsg{}, fmt.Errorf("discovery: short /name/probe message")
	}
	return NameProbeMsg{Name: msg.Args[0].Str, TempID: uint32(msg.Args[1].I)}, nil
}

// NameRegisteredMsg answers a probe: either an ack of a now-locked name,
// or (with Suggestion set) a collision response offering an alternative.
type NameRegisteredMsg struct {
	Name       string
	TempID     uint32
	Suggestion string
}

func (m NameRegisteredMsg) Encode() []byte {
	args := []wireosc.Arg{wireosc.StringArg(m.Name), wireosc.Int32Arg(int32(m.TempID))}
	if m.Suggestion != "" {
		args = append(args, wireosc.StringArg(m.Suggestion))
	}
	return wireosc.Encode(wireosc.Message{Path: PathNameRegistered, Args: args})
}

func decodeNameRegistered(msg wireosc.Message) (NameRegisteredMsg, error) {
	if len(msg.Args) < 2 {
		return NameRegisteredMsg{}, fmt.Errorf("discovery: short /name/registered message")
	}
	m := NameRegisteredMsg{Name: msg.Args[0].Str, TempID: uint32(msg.Args[1].I)}
	if len(msg.Args) >= 3 {
		m.Suggestion = msg.Args[2].Str
	}
	return m, nil
}

// SyncMsg is one clock-sync ping. SenderTime carries the sender's own
// clock reading at send time: the delta/msg-id fields alone bound the
// round-trip latency but don't carry an absolute timestamp to correct
// offset against.
type SyncMsg struct {
	DevName     string
	Version     int32
	MsgID       uint32
	Confidence  float64
	RemoteDevID uint64
	RemoteMsgID uint32
	Delta       float64
	SenderTime  mtime.Time
}

func (m SyncMsg) Encode() []byte {
	return wireosc.Encode(wireosc.Message{Path: PathSync, Args: []wireosc.Arg{
		wireosc.StringArg(m.DevName),
		wireosc.Int32Arg(m.Version),
		wireosc.Int32Arg(int32(m.MsgID)),
		wireosc.Float64Arg(m.Confidence),
		wireosc.Int64Arg(int64(m.RemoteDevID)),
		wireosc.Int32Arg(int32(m.RemoteMsgID)),
		wireosc.Float64Arg(m.Delta),
		wireosc.Int32Arg(int32(m.SenderTime.Sec)),
		wireosc.Int32Arg(int32(m.SenderTime.Frac)),
	}})
}

func decodeSync(msg wireosc.Message) (SyncMsg, error) {
	if len(msg.Args) < 9 {
		return SyncMsg{}, fmt.Errorf("discovery: short /sync message")
	}
	return SyncMsg{
		DevName:     msg.Args[0].Str,
		Version:     msg.Args[1].I,
		MsgID:       uint32(msg.Args[2].I),
		Confidence:  msg.Args[3].D,
		RemoteDevID: uint64(msg.Args[4].H),
		RemoteMsgID: uint32(msg.Args[5].I),
		Delta:       msg.Args[6].D,
		SenderTime:  mtime.Time{Sec: uint32(msg.Args[7].I), Frac: uint32(msg.Args[8].I)},
	}, nil
}

// SubscribeMsg requests periodic info from a device
type SubscribeMsg struct {
	Flags   SubscribeFlags
	LeaseS  int
	Version int
}

func (m SubscribeMsg) Encode(devName string) []byte {
	return wireosc.Encode(wireosc.Message{Path: DevicePath(devName, subscribeSuffix), Args: []wireosc.Arg{
		wireosc.Int32Arg(int32(m.Flags)),
		wireosc.StringArg("@lease"),
		wireosc.Int32Arg(int32(m.LeaseS)),
		wireosc.StringArg("@version"),
		wireosc.Int32Arg(int32(m.Version)),
	}})
}

func decodeSubscribe(msg wireosc.Message) (SubscribeMsg, error) {
	if len(msg.Args) < 1 {
		return SubscribeMsg{}, fmt.Errorf("discovery: empty subscribe message")
	}
	m := SubscribeMsg{Flags: SubscribeFlags(msg.Args[0].I), LeaseS: 60}
	for i := 1; i+1 < len(msg.Args); i++ {
		switch msg.Args[i].Str {
		case "@lease":
			m.LeaseS = int(msg.Args[i+1].I)
		case "@version":
			m.Version = int(msg.Args[i+1].I)
		}
	}
	return m, nil
}

// UnsubscribeEncode builds the message that cancels a subscription.
func UnsubscribeEncode(devName string) []byte {
	return wireosc.Encode(wireosc.Message{Path: DevicePath(devName, unsubscribeSuffix)})
}

// MapMsg carries the signal-name list and shared properties used by the
// /map, /mapTo, /mapped, /map/modify, /unmap, /unmapped family: all six
// share the same wire shape in this implementation, distinguished only
// by path.
type MapMsg struct {
	ID         uint64
	Sources    []string // "device/signal" pairs
	Dest       string
	Expression string
}

func (m MapMsg) Encode(path string) []byte {
	args := []wireosc.Arg{wireosc.Int64Arg(int64(m.ID)), wireosc.Int32Arg(int32(len(m.Sources)))}
	for _, s := range m.Sources {
		args = append(args, wireosc.StringArg(s))
	}
	args = append(args, wireosc.StringArg(m.Dest), wireosc.StringArg(m.Expression))
	return wireosc.Encode(wireosc.Message{Path: path, Args: args})
}

func decodeMapMsg(msg wireosc.Message) (MapMsg, error) {
	if len(msg.Args) < 2 {
		return MapMsg{}, fmt.Errorf("discovery: short map message")
	}
	m := MapMsg{ID: uint64(msg.Args[0].H)}
	n := int(msg.Args[1].I)
	off := 2
	if off+n+2 > len(msg.Args) {
		return MapMsg{}, fmt.Errorf("discovery: truncated map message")
	}
	for i := 0; i < n; i++ {
		m.Sources = append(m.Sources, msg.Args[off+i].Str)
	}
	off += n
	m.Dest = msg.Args[off].Str
	m.Expression = msg.Args[off+1].Str
	return m, nil
}

// Decode parses a raw OSC datagram into one of the typed messages above.
// The returned value's concrete type is determined by the message path;
// callers switch on it the way a protocol dispatcher would.
func Decode(data []byte) (path string, payload interface{}, err error) {
	msg, err := wireosc.Decode(data)
	if err != nil {
		return "", nil, err
	}
	switch {
	case msg.Path == PathWho:
		return msg.Path, WhoMsg{}, nil
	case msg.Path == PathDevice:
		d, err := decodeDeviceMsg(msg)
		return msg.Path, d, err
	case msg.Path == PathLogout:
		if len(msg.Args) < 1 {
			return msg.Path, nil, fmt.Errorf("discovery: short /logout message")
		}
		return msg.Path, LogoutMsg{Name: msg.Args[0].Str}, nil
	case msg.Path == PathSignal || msg.Path == PathSignalRemoved:
		s, err := decodeSignalMsg(msg)
		return msg.Path, s, err
	case msg.Path == PathNameProbe:
		m, err := decodeNameProbe(msg)
		return msg.Path, m, err
	case msg.Path == PathNameRegistered:
		m, err := decodeNameRegistered(msg)
		return msg.Path, m, err
	case msg.Path == PathSync:
		m, err := decodeSync(msg)
		return msg.Path, m, err
	case msg.Path == PathMap, msg.Path == PathMapTo, msg.Path == PathMapped,
		msg.Path == PathMapModify, msg.Path == PathUnmap, msg.Path == PathUnmapped:
		m, err := decodeMapMsg(msg)
		return msg.Path, m, err
	case len(msg.Path) > len(subscribeSuffix) && msg.Path[len(msg.Path)-len(subscribeSuffix):] == subscribeSuffix:
		m, err := decodeSubscribe(msg)
		return msg.Path, m, err
	case len(msg.Path) > len(unsubscribeSuffix) && msg.Path[len(msg.Path)-len(unsubscribeSuffix):] == unsubscribeSuffix:
		return msg.Path, nil, nil
	default:
		// Signal-update traffic uses the signal's own path; the
		// caller is expected to recognize it isn't one of the above and
		// treat msg.Path/msg.Args as a slot update directly.
		return msg.Path, msg, nil
	}
}
