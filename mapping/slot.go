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

// Package mapping implements the map runtime: the slots and maps
// that connect signal instances through a compiled expression
// program.
package mapping

import (
	"fmt"

	"github.com/mprmesh/mapper/mtime"
	"github.com/mprmesh/mapper/valuebuf"
	"github.com/mprmesh/mapper/wireosc"
)

// Slot is one endpoint of a map. A local-signal slot borrows its owning
// Signal's value buffer by reference; a remote-signal slot owns a buffer
// sized to the map's history requirement times its active instance
// count.
type Slot struct {
	Buf   *valuebuf.Buffer
	Owned bool

	// SignalID is the global identifier of the remote endpoint this
	// slot represents. BuildMsg does not read it; the instance id it
	// writes comes from its globalInstID argument.
	SignalID uint64
	Path     string
}

// NewLocalSlot wraps a local signal's own buffer without copying it.
func NewLocalSlot(buf *valuebuf.Buffer, path string) *Slot {
	return &Slot{Buf: buf, Owned: false, Path: path}
}

// NewRemoteSlot allocates a private buffer sized for histSize samples
// across numInst instances.
func NewRemoteSlot(path string, vlen int, typ valuebuf.Type, histSize, numInst int) *Slot {
	return &Slot{Buf: valuebuf.New(vlen, typ, histSize, numInst), Owned: true, Path: path}
}

// SetValue writes a coerced sample into inst's history row.
func (s *Slot) SetValue(instIdx, vlen int, typ valuebuf.Type, value []float64, t mtime.Time) {
	s.Buf.SetNextCoerced(instIdx, vlen, typ, value, t)
}

// RemoveInst drops the slot's per-instance row, only meaningful for an
// owned (remote-endpoint) slot; a borrowed slot's lifecycle is the
// owning signal's responsibility.
func (s *Slot) RemoveInst(instIdx int) {
	if s.Owned {
		s.Buf.RemoveInst(instIdx)
	}
}

// Reset zeroes an instance's history without deleting its row, used on
// release step 1.
func (s *Slot) Reset(instIdx int) {
	s.Buf.ResetInst(instIdx)
}

// SlotUpdate is one decoded signal-update message, the receiving end of
// BuildMsg's wire format.
type SlotUpdate struct {
	SlotID    int
	GlobalID  uint64
	HasGlobal bool
	Values    []float64
	Present   []bool // false where the wire carried a null element
	Release   bool   // zero-length or all-null vector
	Type      valuebuf.Type
}

// ParseSlotMsg decodes a signal-update message: an optional int32 slot
// id, an optional int64 global instance id, then the vector elements
// (int32/float32/float64, or null for an element the sender elided).
func ParseSlotMsg(msg wireosc.Message) (SlotUpdate, error) {
	u := SlotUpdate{Type: valuebuf.Int32}
	i := 0
	if i < len(msg.Args) && msg.Args[i].Tag == 'i' {
		u.SlotID = int(msg.Args[i].I)
		i++
	}
	if i < len(msg.Args) && msg.Args[i].Tag == 'h' {
		u.GlobalID = uint64(msg.Args[i].H)
		u.HasGlobal = true
		i++
	}
	anyPresent := false
	for ; i < len(msg.Args); i++ {
		a := msg.Args[i]
		switch a.Tag {
		case 'i':
			u.Values = append(u.Values, float64(a.I))
			u.Present = append(u.Present, true)
			anyPresent = true
		case 'f':
			u.Values = append(u.Values, float64(a.F))
			u.Present = append(u.Present, true)
			u.Type = valuebuf.Promote(u.Type, valuebuf.Float32)
			anyPresent = true
		case 'd':
			u.Values = append(u.Values, a.D)
			u.Present = append(u.Present, true)
			u.Type = valuebuf.Float64
			anyPresent = true
		case 'N':
			u.Values = append(u.Values, 0)
			u.Present = append(u.Present, false)
		default:
			return SlotUpdate{}, fmt.Errorf("mapping: unexpected %q argument in signal update", string(a.Tag))
		}
	}
	u.Release = !anyPresent
	return u, nil
}

// BuildMsg serializes a slot's current value for instIdx onto the wire
// as the slot path followed by the source slot id (int32), the global
// instance id (int64, only when hasGlobal), and the vector elements. The
// ids are positional arguments; no "@sl"/"@in" label strings are
// written. A release (no value present) encodes every vector element as
// OSC null.
func (s *Slot) BuildMsg(instIdx int, srcSlotID int, globalInstID uint64, hasGlobal bool) []byte {
	msg := wireosc.Message{Path: s.Path}
	msg.Args = append(msg.Args, wireosc.Int32Arg(int32(srcSlotID)))
	if hasGlobal {
		msg.Args = append(msg.Args, wireosc.Int64Arg(int64(globalInstID)))
	}
	vals, ok := s.Buf.GetValue(instIdx, 0)
	if !ok {
		for i := 0; i < s.Buf.Vlen(); i++ {
			msg.Args = append(msg.Args, wireosc.NullArg())
		}
		return wireosc.Encode(msg)
	}
	switch s.Buf.Type() {
	case valuebuf.Int32:
		for _, v := range vals {
			msg.Args = append(msg.Args, wireosc.Int32Arg(int32(v)))
		}
	case valuebuf.Float32:
		for _, v := range vals {
			msg.Args = append(msg.Args, wireosc.Float32Arg(float32(v)))
		}
	default:
		for _, v := range vals {
			msg.Args = append(msg.Args, wireosc.Float64Arg(v))
		}
	}
	return wireosc.Encode(msg)
}
